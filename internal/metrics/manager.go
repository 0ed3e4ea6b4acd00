package metrics

import (
	log "github.com/sirupsen/logrus"

	"github.com/driftlabs/metricsd/internal/anomaly"
	"github.com/driftlabs/metricsd/internal/condition"
	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/event"
	"github.com/driftlabs/metricsd/internal/matcher"
	"github.com/driftlabs/metricsd/internal/puller"
	"github.com/driftlabs/metricsd/internal/report"
	"github.com/driftlabs/metricsd/internal/state"
	"github.com/driftlabs/metricsd/internal/stats"
	"github.com/driftlabs/metricsd/internal/storage"
	"github.com/driftlabs/metricsd/internal/uidmap"
)

// RestrictedEvent is one raw event row bound for the restricted SQL store.
type RestrictedEvent struct {
	MetricID  int64
	TagID     int32
	ElapsedNs int64
	WallNs    int64
	Fields    []event.Value
}

// RestrictedSink is the narrow interface to the external SQL store.
type RestrictedSink interface {
	InsertEvents(key config.Key, rows []RestrictedEvent) error
	DeleteOlderThan(key config.Key, beforeWallNs int64) error
	DeleteAll(key config.Key) error
}

// RestrictedDataTtlNs bounds how long restricted rows may live in the
// store.
const RestrictedDataTtlNs = 7 * 24 * 3600 * stats.NsPerSec

const bytesPerRestrictedRow = int64(64)

// Manager wires one configuration's matchers, conditions, state slots and
// producers, and routes every event through them. All methods are called
// under the processor's metrics lock.
type Manager struct {
	Key config.Key

	cfg        *config.Config
	registry   *matcher.Registry
	conditions *condition.Set
	producers  []Producer

	// Routing tables, producer indices keyed by matcher/condition index.
	matcherToProducers   map[int][]int
	conditionToProducers map[int][]int

	anomalyTrackers []*anomaly.Tracker

	stateMgr  *state.Manager
	pullerMgr *puller.Manager
	uidMap    *uidmap.Map
	recorder  *stats.Recorder

	timeBaseNs int64
	ttlNs      int64
	ttlEndNs   int64

	lastReportTimeNs int64
	lastReportWallNs int64

	restrictedSink   RestrictedSink
	restrictedBuffer []RestrictedEvent
	// Metric id per what-matcher index, for the restricted row path.
	restrictedWhat map[int]int64
}

// HasRestrictedDelegate reports whether this config's data path is the
// restricted SQL store.
func (m *Manager) HasRestrictedDelegate() bool {
	return m.cfg.HasRestrictedDelegate()
}

// RestrictedDelegate names the delegate package.
func (m *Manager) RestrictedDelegate() string {
	return m.cfg.RestrictedDelegate
}

// ValidateRestrictedDelegate checks the calling uid belongs to the
// delegate package.
func (m *Manager) ValidateRestrictedDelegate(callingUid int32) bool {
	if !m.HasRestrictedDelegate() {
		return false
	}
	_, ok := m.uidMap.AppUids(m.cfg.RestrictedDelegate)[callingUid]
	return ok
}

// MetricIDs lists the config's metric ids.
func (m *Manager) MetricIDs() []int64 {
	return m.cfg.MetricIDs()
}

// NumMetrics returns the number of producers.
func (m *Manager) NumMetrics() int {
	if m.HasRestrictedDelegate() {
		return len(m.restrictedWhat)
	}
	return len(m.producers)
}

// TagIDs returns the atoms this config listens to.
func (m *Manager) TagIDs() map[int32]struct{} {
	return m.registry.TagIDs()
}

// IsActive reports whether any metric is currently active.
func (m *Manager) IsActive() bool {
	if m.HasRestrictedDelegate() {
		return true
	}
	for _, p := range m.producers {
		if p.IsActive() {
			return true
		}
	}
	return len(m.producers) == 0
}

// RefreshTtl restarts the config's time-to-live window.
func (m *Manager) RefreshTtl(nowNs int64) {
	if m.ttlNs > 0 {
		m.ttlEndNs = nowNs + m.ttlNs
	}
}

// IsInTtl reports whether the config is still live at timestampNs.
func (m *Manager) IsInTtl(timestampNs int64) bool {
	return m.ttlNs <= 0 || timestampNs < m.ttlEndNs
}

// OnLogEvent routes one event through matchers, conditions and producers.
func (m *Manager) OnLogEvent(e *event.Event) {
	matches := m.registry.Match(e)

	if m.HasRestrictedDelegate() {
		m.bufferRestrictedEvent(e, matches)
		return
	}

	changed := m.conditions.Evaluate(e, matches)

	for i, p := range m.producers {
		if p.EvaluateActivations(e.ElapsedNs, matches) {
			m.producers[i].OnActiveStateChanged(e.ElapsedNs, p.IsActive())
		}
	}

	for condIdx, producerIdxs := range m.conditionToProducers {
		tracker := m.conditions.Trackers[condIdx]
		if tracker.Sliced() {
			if changed[condIdx] || len(tracker.ChangedToTrue()) > 0 || len(tracker.ChangedToFalse()) > 0 {
				for _, pi := range producerIdxs {
					m.producers[pi].OnSlicedConditionMayChange(e.ElapsedNs)
				}
			}
		} else if changed[condIdx] {
			newState := m.conditions.StateAt(condIdx)
			for _, pi := range producerIdxs {
				m.producers[pi].OnConditionChanged(newState, e.ElapsedNs)
			}
		}
	}

	// Each producer sees the event at most once even when several of its
	// matchers fired.
	notified := make(map[int]struct{})
	for matcherIdx, producerIdxs := range m.matcherToProducers {
		if !matches[matcherIdx] {
			continue
		}
		for _, pi := range producerIdxs {
			if _, done := notified[pi]; done {
				continue
			}
			notified[pi] = struct{}{}
			m.producers[pi].OnMatchedLogEvent(e, matches)
		}
	}
}

func (m *Manager) bufferRestrictedEvent(e *event.Event, matches []bool) {
	for matcherIdx, metricID := range m.restrictedWhat {
		if matcherIdx < 0 || matcherIdx >= len(matches) || !matches[matcherIdx] {
			continue
		}
		fields := make([]event.Value, e.Size())
		for i := range fields {
			fields[i], _ = e.ValueAt(i + 1)
		}
		m.restrictedBuffer = append(m.restrictedBuffer, RestrictedEvent{
			MetricID:  metricID,
			TagID:     e.TagID,
			ElapsedNs: e.ElapsedNs,
			WallNs:    e.WallNs,
			Fields:    fields,
		})
	}
}

// FlushRestrictedData writes buffered rows into the SQL store. A no-op for
// unrestricted configs.
func (m *Manager) FlushRestrictedData() {
	if !m.HasRestrictedDelegate() || len(m.restrictedBuffer) == 0 {
		return
	}
	if m.restrictedSink == nil {
		log.Warnf("Restricted config %s has no SQL sink; dropping %d rows", m.Key, len(m.restrictedBuffer))
		m.restrictedBuffer = nil
		return
	}
	if err := m.restrictedSink.InsertEvents(m.Key, m.restrictedBuffer); err != nil {
		log.Errorf("Failed to flush restricted rows for %s: %v", m.Key, err)
		return
	}
	m.restrictedBuffer = nil
}

// EnforceRestrictedDataTtls deletes expired rows from the store.
func (m *Manager) EnforceRestrictedDataTtls(wallNs int64) {
	if !m.HasRestrictedDelegate() || m.restrictedSink == nil {
		return
	}
	if err := m.restrictedSink.DeleteOlderThan(m.Key, wallNs-RestrictedDataTtlNs); err != nil {
		log.Errorf("Failed to enforce restricted TTL for %s: %v", m.Key, err)
	}
}

// ByteSize approximates the in-memory report footprint.
func (m *Manager) ByteSize() int64 {
	if m.HasRestrictedDelegate() {
		return bytesPerRestrictedRow * int64(len(m.restrictedBuffer))
	}
	var total int64
	for _, p := range m.producers {
		total += p.ByteSize()
	}
	return total
}

// MaxMetricsBytes is the hard byte guardrail for this config.
func (m *Manager) MaxMetricsBytes() int64 {
	return m.cfg.MaxMetricsBytes
}

// TriggerBytes is the dump-request threshold for this config.
func (m *Manager) TriggerBytes() int64 {
	if m.HasRestrictedDelegate() {
		return stats.BytesPerRestrictedConfigTriggerFlush
	}
	return m.cfg.TriggerBytes
}

// ShouldPersistLocalHistory reports whether dumped reports also stay
// buffered on disk.
func (m *Manager) ShouldPersistLocalHistory() bool {
	return m.cfg.PersistLocalHistory
}

// DropData erases all producer data, after the byte guardrail trips.
func (m *Manager) DropData(dropTimeNs int64) {
	for _, p := range m.producers {
		p.DropData(dropTimeNs)
	}
	m.restrictedBuffer = nil
}

// LastReportTimeNs returns the elapsed timestamp of the previous report.
func (m *Manager) LastReportTimeNs() int64 {
	return m.lastReportTimeNs
}

// OnDumpReport assembles the config's report from the producers.
func (m *Manager) OnDumpReport(dumpTimeNs, wallNs int64, includePartial, erase bool,
	reason report.DumpReason) report.ConfigReport {
	r := report.ConfigReport{
		LastReportElapsedNs:    m.lastReportTimeNs,
		CurrentReportElapsedNs: dumpTimeNs,
		LastReportWallNs:       m.lastReportWallNs,
		CurrentReportWallNs:    wallNs,
		DumpReason:             reason,
	}
	for _, p := range m.producers {
		r.Metrics = append(r.Metrics, p.OnDumpReport(dumpTimeNs, includePartial, erase))
	}
	if erase {
		m.lastReportTimeNs = dumpTimeNs
		m.lastReportWallNs = wallNs
	}
	return r
}

// OnAnomalyAlarmFired forwards fired predicted alarms to every producer.
func (m *Manager) OnAnomalyAlarmFired(timestampNs int64, fired map[*anomaly.Alarm]struct{}) {
	for _, p := range m.producers {
		p.OnAnomalyAlarmFired(timestampNs, fired)
	}
}

// OnPeriodicAlarmFired flushes stale buckets on the periodic cadence.
func (m *Manager) OnPeriodicAlarmFired(timestampNs int64) {
	for _, p := range m.producers {
		p.FlushIfNeeded(timestampNs)
	}
}

// NotifyAppUpgrade cuts a partial bucket in every producer.
func (m *Manager) NotifyAppUpgrade(eventTimeNs int64) {
	for _, p := range m.producers {
		p.FlushCurrentBucket(eventTimeNs)
	}
}

// OnBootCompleted cuts a partial bucket and arms boot-gated activations.
func (m *Manager) OnBootCompleted(eventTimeNs int64) {
	for _, p := range m.producers {
		p.FlushCurrentBucket(eventTimeNs)
		if p.ActivateOnBoot(eventTimeNs) {
			p.OnActiveStateChanged(eventTimeNs, p.IsActive())
		}
	}
}

// WriteActiveConfig snapshots activation windows for persistence.
func (m *Manager) WriteActiveConfig(nowNs int64) (storage.ActiveConfig, bool) {
	ac := storage.ActiveConfig{UID: m.Key.UID, ID: m.Key.ID}
	for _, p := range m.producers {
		if remaining := p.RemainingTtlNs(nowNs); remaining > 0 {
			ac.Metrics = append(ac.Metrics, storage.ActiveMetric{MetricID: p.ID(), RemainingTtlNs: remaining})
		}
	}
	return ac, len(ac.Metrics) > 0
}

// LoadActiveConfig rebases persisted activation windows onto nowNs.
func (m *Manager) LoadActiveConfig(ac storage.ActiveConfig, nowNs int64) {
	byID := make(map[int64]int64, len(ac.Metrics))
	for _, am := range ac.Metrics {
		byID[am.MetricID] = am.RemainingTtlNs
	}
	for _, p := range m.producers {
		if remaining, ok := byID[p.ID()]; ok {
			p.LoadActiveState(remaining, nowNs)
		}
	}
}

// WriteMetadata snapshots anomaly refractory windows; returns false when
// there is nothing worth persisting.
func (m *Manager) WriteMetadata(nowSec int64) (storage.ConfigMetadata, bool) {
	md := storage.ConfigMetadata{UID: m.Key.UID, ID: m.Key.ID}
	for _, t := range m.anomalyTrackers {
		if remaining := t.SnapshotRefractory(nowSec); len(remaining) > 0 {
			md.Alerts = append(md.Alerts, storage.AlertMetadata{AlertID: t.Alert.ID, RemainingRefractorySec: remaining})
		}
	}
	return md, len(md.Alerts) > 0
}

// LoadMetadata rebases persisted refractory windows onto nowSec.
func (m *Manager) LoadMetadata(md storage.ConfigMetadata, nowSec int64) {
	byID := make(map[int64]map[string]int64, len(md.Alerts))
	for _, am := range md.Alerts {
		byID[am.AlertID] = am.RemainingRefractorySec
	}
	for _, t := range m.anomalyTrackers {
		if remaining, ok := byID[t.Alert.ID]; ok {
			t.LoadRefractory(remaining, nowSec)
		}
	}
}

// Teardown unhooks the manager from the shared services.
func (m *Manager) Teardown() {
	for _, p := range m.producers {
		for _, atom := range p.StateAtoms() {
			m.stateMgr.UnregisterListener(atom, p)
		}
		if r, ok := p.(puller.Receiver); ok && m.pullerMgr != nil {
			m.pullerMgr.UnregisterReceiver(r)
		}
	}
}
