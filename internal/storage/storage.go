package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
	log "github.com/sirupsen/logrus"

	"github.com/driftlabs/metricsd/internal/config"
)

// ActiveMetric is one metric's persisted activation window.
type ActiveMetric struct {
	MetricID       int64 `cbor:"1,keyasint"`
	RemainingTtlNs int64 `cbor:"2,keyasint"`
}

// ActiveConfig is one config's persisted active state.
type ActiveConfig struct {
	UID     int32          `cbor:"1,keyasint"`
	ID      int64          `cbor:"2,keyasint"`
	Metrics []ActiveMetric `cbor:"3,keyasint,omitempty"`
}

// ActiveConfigList is the active_metrics file payload.
type ActiveConfigList struct {
	Configs []ActiveConfig `cbor:"1,keyasint,omitempty"`
}

// AlertMetadata persists one alert's remaining refractory windows keyed by
// dimension hash.
type AlertMetadata struct {
	AlertID                int64            `cbor:"1,keyasint"`
	RemainingRefractorySec map[string]int64 `cbor:"2,keyasint,omitempty"`
}

// ConfigMetadata is one config's metadata record.
type ConfigMetadata struct {
	UID    int32           `cbor:"1,keyasint"`
	ID     int64           `cbor:"2,keyasint"`
	Alerts []AlertMetadata `cbor:"3,keyasint,omitempty"`
}

// MetadataList is the metadata file payload.
type MetadataList struct {
	Entries []ConfigMetadata `cbor:"1,keyasint,omitempty"`
}

// InstallTrainInfo is the persisted per-train record the hard-coded atom
// handlers read-modify-write.
type InstallTrainInfo struct {
	TrainName                 string  `cbor:"1,keyasint"`
	VersionCode               int64   `cbor:"2,keyasint"`
	RequiresStaging           bool    `cbor:"3,keyasint"`
	RollbackEnabled           bool    `cbor:"4,keyasint"`
	RequiresLowLatencyMonitor bool    `cbor:"5,keyasint"`
	Status                    int32   `cbor:"6,keyasint"`
	ExperimentIDs             []int64 `cbor:"7,keyasint,omitempty"`
}

// Manager owns the engine's on-disk layout: buffered report snapshots,
// the active-metrics and metadata records, declarative config backups and
// per-train install info.
type Manager struct {
	dataDir     string
	activeDir   string
	metadataDir string
	trainDir    string
	configDir   string
}

// NewManager creates the directory layout under root.
func NewManager(root string) (*Manager, error) {
	m := &Manager{
		dataDir:     filepath.Join(root, "stats-data"),
		activeDir:   filepath.Join(root, "stats-active-metric"),
		metadataDir: filepath.Join(root, "stats-metadata"),
		trainDir:    filepath.Join(root, "train-info"),
		configDir:   filepath.Join(root, "stats-service"),
	}
	for _, dir := range []string{m.dataDir, m.activeDir, m.metadataDir, m.trainDir, m.configDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage dir %s: %w", dir, err)
		}
	}
	return m, nil
}

func writeRecord(path string, v interface{}) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

func readRecord(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// dataFileName follows <wallSec>_<uid>_<id>; one-second resolution is why
// writers apply a cool-down.
func (m *Manager) dataFileName(wallSec int64, key config.Key) string {
	return filepath.Join(m.dataDir, fmt.Sprintf("%d_%d_%d", wallSec, key.UID, key.ID))
}

// WriteDataFile buffers one serialized report snapshot awaiting upload.
func (m *Manager) WriteDataFile(wallSec int64, key config.Key, payload []byte) error {
	if err := os.WriteFile(m.dataFileName(wallSec, key), payload, 0o600); err != nil {
		return fmt.Errorf("failed to write data file for %s: %w", key, err)
	}
	return nil
}

// ListDataFiles returns the buffered snapshot paths for a key, oldest
// first.
func (m *Manager) ListDataFiles(key config.Key) []string {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		return nil
	}
	suffix := fmt.Sprintf("_%d_%d", key.UID, key.ID)
	var paths []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), suffix) {
			if _, err := strconv.ParseInt(strings.SplitN(e.Name(), "_", 2)[0], 10, 64); err == nil {
				paths = append(paths, filepath.Join(m.dataDir, e.Name()))
			}
		}
	}
	sort.Strings(paths)
	return paths
}

// AppendConfigReports reads every buffered snapshot for a key, oldest
// first, removing them when erase is set.
func (m *Manager) AppendConfigReports(key config.Key, erase bool) [][]byte {
	var payloads [][]byte
	for _, path := range m.ListDataFiles(key) {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Errorf("Failed to read buffered report %s: %v", path, err)
			continue
		}
		payloads = append(payloads, data)
		if erase {
			if err := os.Remove(path); err != nil {
				log.Errorf("Failed to remove buffered report %s: %v", path, err)
			}
		}
	}
	return payloads
}

// HasDataFiles reports whether any buffered snapshot exists for a key.
func (m *Manager) HasDataFiles(key config.Key) bool {
	return len(m.ListDataFiles(key)) > 0
}

// DeleteDataFiles removes every buffered snapshot for a key.
func (m *Manager) DeleteDataFiles(key config.Key) {
	for _, path := range m.ListDataFiles(key) {
		if err := os.Remove(path); err != nil {
			log.Errorf("Failed to remove buffered report %s: %v", path, err)
		}
	}
}

// WriteActiveConfigs replaces the active_metrics record.
func (m *Manager) WriteActiveConfigs(list *ActiveConfigList) error {
	return writeRecord(filepath.Join(m.activeDir, "active_metrics"), list)
}

// ReadActiveConfigs loads and deletes the active_metrics record; it is
// only meaningful for the boot that follows the write.
func (m *Manager) ReadActiveConfigs() (*ActiveConfigList, error) {
	path := filepath.Join(m.activeDir, "active_metrics")
	var list ActiveConfigList
	err := readRecord(path, &list)
	os.Remove(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &list, nil
}

// WriteMetadata replaces the metadata record. An empty list removes it.
func (m *Manager) WriteMetadata(list *MetadataList) error {
	path := filepath.Join(m.metadataDir, "metadata")
	os.Remove(path)
	if len(list.Entries) == 0 {
		return nil
	}
	return writeRecord(path, list)
}

// ReadMetadata loads and deletes the metadata record.
func (m *Manager) ReadMetadata() (*MetadataList, error) {
	path := filepath.Join(m.metadataDir, "metadata")
	var list MetadataList
	err := readRecord(path, &list)
	os.Remove(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &list, nil
}

func (m *Manager) trainFileName(trainName string) string {
	// Train names come from events; keep the file name safe.
	safe := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, trainName)
	return filepath.Join(m.trainDir, "train_"+safe)
}

// ReadTrainInfo loads the persisted record for a train, reporting false
// when none exists.
func (m *Manager) ReadTrainInfo(trainName string) (*InstallTrainInfo, bool) {
	var info InstallTrainInfo
	if err := readRecord(m.trainFileName(trainName), &info); err != nil {
		if !os.IsNotExist(err) {
			log.Errorf("Failed to read train info for %q: %v", trainName, err)
		}
		return nil, false
	}
	return &info, true
}

// WriteTrainInfo persists a train record.
func (m *Manager) WriteTrainInfo(info *InstallTrainInfo) error {
	return writeRecord(m.trainFileName(info.TrainName), info)
}

// WriteConfigBackup persists the declarative config source for rebuilds
// after TTL expiry or reset.
func (m *Manager) WriteConfigBackup(key config.Key, raw []byte) error {
	path := filepath.Join(m.configDir, fmt.Sprintf("config_%d_%d", key.UID, key.ID))
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write config backup for %s: %w", key, err)
	}
	return nil
}

// ReadConfigBackup loads a persisted declarative config source.
func (m *Manager) ReadConfigBackup(key config.Key) ([]byte, bool) {
	path := filepath.Join(m.configDir, fmt.Sprintf("config_%d_%d", key.UID, key.ID))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// DeleteConfigBackup removes a persisted config source.
func (m *Manager) DeleteConfigBackup(key config.Key) {
	os.Remove(filepath.Join(m.configDir, fmt.Sprintf("config_%d_%d", key.UID, key.ID)))
}
