package restricted

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/metrics"
	"github.com/driftlabs/metricsd/internal/report"
)

// Store is the restricted-metrics SQL store: one events table per config
// key, written by the flush engine and queried by authorized delegates.
type Store struct {
	db *sql.DB
	// Minimum client version this server satisfies; compared against the
	// caller's min_sql_client_version.
	version int32
}

// Config for the database connection.
type Config struct {
	DSN            string
	MaxConnections int
	MaxIdleConns   int
	ConnMaxLife    time.Duration
}

// Open connects to the store and verifies the server.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open restricted store: %w", err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLife > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLife)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping restricted store: %w", err)
	}

	s := &Store{db: db}
	var versionNum string
	if err := db.QueryRow("SHOW server_version_num").Scan(&versionNum); err == nil {
		if n, err := strconv.Atoi(versionNum); err == nil {
			s.version = int32(n / 10000)
		}
	}
	log.Infof("Restricted store connected, server version %d", s.version)
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Version reports the server major version for client compatibility
// checks.
func (s *Store) Version() int32 {
	return s.version
}

func eventsTable(key config.Key) string {
	return pq.QuoteIdentifier(fmt.Sprintf("events_%d_%d", key.UID, key.ID))
}

func (s *Store) ensureTable(key config.Key) error {
	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			metric_id  BIGINT NOT NULL,
			tag_id     INTEGER NOT NULL,
			elapsed_ns BIGINT NOT NULL,
			wall_ns    BIGINT NOT NULL,
			fields     TEXT NOT NULL
		)`, eventsTable(key)))
	if err != nil {
		return fmt.Errorf("failed to create events table for %s: %w", key, err)
	}
	return nil
}

// InsertEvents implements metrics.RestrictedSink.
func (s *Store) InsertEvents(key config.Key, rows []metrics.RestrictedEvent) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.ensureTable(key); err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin restricted insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(fmt.Sprintf(
		"INSERT INTO %s (metric_id, tag_id, elapsed_ns, wall_ns, fields) VALUES ($1, $2, $3, $4, $5)",
		eventsTable(key)))
	if err != nil {
		return fmt.Errorf("failed to prepare restricted insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		fields, err := report.Marshal(row.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode restricted fields: %w", err)
		}
		if _, err := stmt.Exec(row.MetricID, row.TagID, row.ElapsedNs, row.WallNs, string(fields)); err != nil {
			return fmt.Errorf("failed to insert restricted row: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteOlderThan implements the restricted data TTL.
func (s *Store) DeleteOlderThan(key config.Key, beforeWallNs int64) error {
	_, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE wall_ns < $1", eventsTable(key)), beforeWallNs)
	if err != nil {
		return fmt.Errorf("failed to enforce restricted TTL for %s: %w", key, err)
	}
	return nil
}

// DeleteAll drops a config's events table.
func (s *Store) DeleteAll(key config.Key) error {
	if _, err := s.db.Exec("DROP TABLE IF EXISTS " + eventsTable(key)); err != nil {
		return fmt.Errorf("failed to drop events table for %s: %w", key, err)
	}
	return nil
}

// UpdateDeviceInfoTable refreshes the per-config device_info companion
// table delegates join against.
func (s *Store) UpdateDeviceInfoTable(key config.Key, instanceID string) error {
	table := pq.QuoteIdentifier(fmt.Sprintf("device_info_%d_%d", key.UID, key.ID))
	if _, err := s.db.Exec(fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (instance_id TEXT NOT NULL)", table)); err != nil {
		return fmt.Errorf("failed to create device_info table for %s: %w", key, err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return fmt.Errorf("failed to reset device_info table for %s: %w", key, err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("INSERT INTO %s (instance_id) VALUES ($1)", table), instanceID); err != nil {
		return fmt.Errorf("failed to fill device_info table for %s: %w", key, err)
	}
	return nil
}

// QueryResult carries a delegate query's rows in row-major order.
type QueryResult struct {
	Rows        []string
	ColumnNames []string
	ColumnTypes []string
	RowCount    int
}

// Query runs delegate-provided SQL against a config's store.
func (s *Store) Query(key config.Key, sqlQuery string) (*QueryResult, error) {
	rows, err := s.db.Query(sqlQuery)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to read column types: %w", err)
	}
	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = t.DatabaseTypeName()
	}

	result := &QueryResult{ColumnNames: cols, ColumnTypes: typeNames}
	values := make([]sql.NullString, len(cols))
	scanArgs := make([]interface{}, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for _, v := range values {
			result.Rows = append(result.Rows, v.String)
		}
		result.RowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query iteration failed: %w", err)
	}
	return result, nil
}

// EnforceGuardrails caps per-config storage by deleting oldest rows beyond
// maxRows.
func (s *Store) EnforceGuardrails(key config.Key, maxRows int64) error {
	_, err := s.db.Exec(fmt.Sprintf(`
		DELETE FROM %s WHERE ctid IN (
			SELECT ctid FROM %s ORDER BY wall_ns DESC OFFSET $1
		)`, eventsTable(key), eventsTable(key)), maxRows)
	if err != nil {
		return fmt.Errorf("failed to enforce storage guardrail for %s: %w", key, err)
	}
	return nil
}
