package processor

import (
	"fmt"

	"github.com/driftlabs/metricsd/internal/config"
)

// InvalidQueryReason is the typed error code surfaced on the query
// callback's failure channel.
type InvalidQueryReason string

const (
	QueryFlagDisabled              InvalidQueryReason = "FLAG_DISABLED"
	QueryUnsupportedSqliteVersion  InvalidQueryReason = "UNSUPPORTED_SQLITE_VERSION"
	QueryConfigKeyNotFound         InvalidQueryReason = "CONFIG_KEY_NOT_FOUND"
	QueryConfigKeyUnmatchedDelegate InvalidQueryReason = "CONFIG_KEY_WITH_UNMATCHED_DELEGATE"
	QueryAmbiguousConfigKey        InvalidQueryReason = "AMBIGUOUS_CONFIG_KEY"
	QueryInconsistentRowSize       InvalidQueryReason = "INCONSISTENT_ROW_SIZE"
	QueryFailure                   InvalidQueryReason = "QUERY_FAILURE"
)

// QueryCallback receives a restricted query's rows or its typed failure.
type QueryCallback interface {
	SendResults(queryData []string, columnNames []string, columnTypes []string, rowCount int)
	SendFailure(reason string, code InvalidQueryReason)
}

// QuerySql runs delegate SQL over the restricted store after authorizing
// the caller against the config's delegate package.
func (p *Processor) QuerySql(sqlQuery string, minClientVersion int32, callback QueryCallback,
	configID int64, configPackage string, callingUid int32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.restricted == nil {
		callback.SendFailure("restricted metrics are disabled", QueryFlagDisabled)
		p.recorder.NoteQueryRestrictedMetricFailed(configID, configPackage, callingUid, string(QueryFlagDisabled))
		return
	}

	elapsedRealtimeNs := p.clock.ElapsedNs()

	if minClientVersion > p.restricted.Version() {
		callback.SendFailure(fmt.Sprintf("unsupported store version: installed %d, requested %d",
			p.restricted.Version(), minClientVersion), QueryUnsupportedSqliteVersion)
		p.recorder.NoteQueryRestrictedMetricFailed(configID, configPackage, callingUid,
			string(QueryUnsupportedSqliteVersion))
		return
	}

	keys, reason, errMsg := p.restrictedKeysToQueryLocked(callingUid, configID, configPackage)
	if len(keys) == 0 {
		callback.SendFailure(errMsg, reason)
		p.recorder.NoteQueryRestrictedMetricFailed(configID, configPackage, callingUid, string(reason))
		return
	}
	if len(keys) > 1 {
		callback.SendFailure("ambiguous config key", QueryAmbiguousConfigKey)
		p.recorder.NoteQueryRestrictedMetricFailed(configID, configPackage, callingUid,
			string(QueryAmbiguousConfigKey))
		return
	}

	// Queries observe a freshly flushed, TTL-enforced store.
	p.flushRestrictedDataLocked(elapsedRealtimeNs)
	p.enforceDataTtlsLocked(p.clock.WallNs(), elapsedRealtimeNs)

	result, err := p.restricted.Query(keys[0], sqlQuery)
	if err != nil {
		callback.SendFailure(fmt.Sprintf("failed to query store: %v", err), QueryFailure)
		p.recorder.NoteQueryRestrictedMetricFailed(configID, configPackage, callingUid, string(QueryFailure))
		return
	}
	if len(result.ColumnNames) != len(result.ColumnTypes) ||
		(result.RowCount > 0 && len(result.Rows) != result.RowCount*len(result.ColumnNames)) {
		callback.SendFailure("inconsistent row sizes", QueryInconsistentRowSize)
		p.recorder.NoteQueryRestrictedMetricFailed(configID, configPackage, callingUid,
			string(QueryInconsistentRowSize))
		return
	}
	callback.SendResults(result.Rows, result.ColumnNames, result.ColumnTypes, result.RowCount)
	p.recorder.NoteQueryRestrictedMetricSucceed(configID, configPackage, callingUid,
		p.clock.ElapsedNs()-elapsedRealtimeNs)
}

// restrictedKeysToQueryLocked finds the configs matching (package, id)
// whose delegate authorizes the caller.
func (p *Processor) restrictedKeysToQueryLocked(callingUid int32, configID int64,
	configPackage string) ([]config.Key, InvalidQueryReason, string) {
	var matched []config.Key
	for uid := range p.uidMap.AppUids(configPackage) {
		key := config.Key{UID: uid, ID: configID}
		if _, ok := p.managers[key]; ok {
			matched = append(matched, key)
		}
	}
	if len(matched) == 0 {
		return nil, QueryConfigKeyNotFound, "no configs found matching the config key"
	}
	var authorized []config.Key
	for _, key := range matched {
		if p.managers[key].ValidateRestrictedDelegate(callingUid) {
			authorized = append(authorized, key)
		}
	}
	if len(authorized) == 0 {
		return nil, QueryConfigKeyUnmatchedDelegate, "no matching configs for restricted metrics delegate"
	}
	return authorized, "", ""
}

// FillRestrictedMetrics lists the metric ids a delegate may query for
// (package, id), across every authorized config.
func (p *Processor) FillRestrictedMetrics(configID int64, configPackage string, delegateUid int32) []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys, _, _ := p.restrictedKeysToQueryLocked(delegateUid, configID, configPackage)
	var out []int64
	for _, key := range keys {
		out = append(out, p.managers[key].MetricIDs()...)
	}
	return out
}
