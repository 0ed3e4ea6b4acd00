package processor

import (
	log "github.com/sirupsen/logrus"

	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/metrics"
	"github.com/driftlabs/metricsd/internal/report"
	"github.com/driftlabs/metricsd/internal/stats"
)

// OnConfigUpdated installs or replaces a configuration. The previous data
// is persisted first so nothing is lost across the rebuild. rawConfig is
// the YAML source, kept for TTL rebuilds.
func (p *Processor) OnConfigUpdated(timestampNs, wallNs int64, key config.Key, cfg *config.Config,
	rawConfig []byte, modularUpdate bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeDataToDiskLocked(key, timestampNs, wallNs, report.ReasonConfigUpdated)
	return p.onConfigUpdatedLocked(timestampNs, key, cfg, rawConfig, modularUpdate)
}

func (p *Processor) onConfigUpdatedLocked(timestampNs int64, key config.Key, cfg *config.Config,
	rawConfig []byte, modularUpdate bool) error {
	log.Infof("Updated configuration for key %s", key)
	old, hadOld := p.managers[key]

	if hadOld && old.HasRestrictedDelegate() != cfg.HasRestrictedDelegate() {
		// Switching the data path is never a modular update.
		modularUpdate = false
	}
	if hadOld && !modularUpdate && old.HasRestrictedDelegate() && p.restricted != nil {
		p.recorder.NoteDbDeletionConfigUpdated(key)
		if err := p.restricted.DeleteAll(key); err != nil {
			log.Errorf("Failed to delete restricted store for %s: %v", key, err)
		}
	}

	newManager, err := metrics.NewManager(key, cfg, p.timeBaseNs, timestampNs, metrics.Deps{
		StateManager:   p.stateMgr,
		PullerManager:  p.pullers,
		UidMap:         p.uidMap,
		AnomalyMonitor: p.anomalyMonitor,
		Recorder:       p.recorder,
		RestrictedSink: p.restrictedSink(),
		OnAnomaly:      nil,
	})
	if err != nil {
		// An invalid config erases any manager under the same key.
		log.Errorf("Configuration %s rejected: %v", key, err)
		if hadOld && old.HasRestrictedDelegate() {
			if p.callbacks.SendRestrictedMetricsBroadcast != nil {
				p.callbacks.SendRestrictedMetricsBroadcast(key, old.RestrictedDelegate(), nil)
			}
			if p.restricted != nil {
				p.restricted.DeleteAll(key)
			}
		}
		if hadOld {
			old.Teardown()
			p.removeFromOrderLocked(key)
		}
		delete(p.managers, key)
		delete(p.rawConfigs, key)
		p.uidMap.OnConfigRemoved(key)
		p.storage.DeleteConfigBackup(key)
		return err
	}

	if hadOld {
		old.Teardown()
	} else {
		p.managerOrder = append(p.managerOrder, key)
	}
	p.managers[key] = newManager
	p.rawConfigs[key] = rawConfig

	if cfg.HasRestrictedDelegate() {
		if p.callbacks.SendRestrictedMetricsBroadcast != nil {
			p.callbacks.SendRestrictedMetricsBroadcast(key, newManager.RestrictedDelegate(), newManager.MetricIDs())
		}
		if p.restricted != nil {
			if err := p.restricted.UpdateDeviceInfoTable(key, p.recorder.InstanceID); err != nil {
				log.Errorf("Failed to refresh device_info for %s: %v", key, err)
				p.recorder.NoteDeviceInfoTableCreationFailed(key)
			}
		}
		// The uid map is not snapshotted into the SQL store.
		p.uidMap.OnConfigRemoved(key)
	} else {
		if hadOld && old.HasRestrictedDelegate() && p.callbacks.SendRestrictedMetricsBroadcast != nil {
			p.callbacks.SendRestrictedMetricsBroadcast(key, old.RestrictedDelegate(), nil)
		}
		p.uidMap.OnConfigUpdated(key)
	}

	if rawConfig != nil {
		if err := p.storage.WriteConfigBackup(key, rawConfig); err != nil {
			log.Errorf("Failed to back up config %s: %v", key, err)
		}
	}
	p.recorder.NoteConfigUpdated(key)
	return nil
}

func (p *Processor) restrictedSink() metrics.RestrictedSink {
	if p.restricted == nil {
		return nil
	}
	return p.restricted
}

// OnConfigRemoved persists current data and tears the manager down.
// Removing an absent key is safe.
func (p *Processor) OnConfigRemoved(key config.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.managers[key]
	if ok {
		p.writeDataToDiskLocked(key, p.clock.ElapsedNs(), p.clock.WallNs(), report.ReasonConfigRemoved)
		if m.HasRestrictedDelegate() {
			p.recorder.NoteDbDeletionConfigRemoved(key)
			if p.restricted != nil {
				p.restricted.DeleteAll(key)
			}
			if p.callbacks.SendRestrictedMetricsBroadcast != nil {
				p.callbacks.SendRestrictedMetricsBroadcast(key, m.RestrictedDelegate(), nil)
			}
		}
		m.Teardown()
		delete(p.managers, key)
		p.removeFromOrderLocked(key)
		p.uidMap.OnConfigRemoved(key)
	}
	p.recorder.NoteConfigRemoved(key)
	p.storage.DeleteConfigBackup(key)

	delete(p.lastBroadcastTimes, key)
	delete(p.lastByteSizeTimes, key)
	delete(p.dumpReportNumbers, key)
	delete(p.onDiskDataConfigs, key)
	delete(p.rawConfigs, key)

	lastConfigForUid := true
	for other := range p.managers {
		if other.UID == key.UID {
			lastConfigForUid = false
			break
		}
	}
	if lastConfigForUid {
		delete(p.lastActivationBroadcastTimes, key.UID)
	}

	if len(p.managers) == 0 && p.pullers != nil {
		p.pullers.ForceClearPullerCache()
	}
}

func (p *Processor) removeFromOrderLocked(key config.Key) {
	for i, k := range p.managerOrder {
		if k == key {
			p.managerOrder = append(p.managerOrder[:i], p.managerOrder[i+1:]...)
			return
		}
	}
}

// ResetConfigs rebuilds every installed config from its disk backup.
func (p *Processor) ResetConfigs() {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]config.Key, 0, len(p.managers))
	for key := range p.managers {
		keys = append(keys, key)
	}
	p.resetConfigsLocked(p.clock.ElapsedNs(), keys)
}

// resetConfigsLocked re-installs configs from their persisted YAML. When a
// backup is unreadable the existing manager keeps running with a fresh
// TTL.
func (p *Processor) resetConfigsLocked(timestampNs int64, keys []config.Key) {
	for _, key := range keys {
		raw, ok := p.storage.ReadConfigBackup(key)
		if !ok {
			log.Errorf("Failed to read backup config from disk for %s", key)
			if m, live := p.managers[key]; live {
				m.RefreshTtl(timestampNs)
			}
			continue
		}
		cfg, err := config.Parse(raw)
		if err != nil {
			log.Errorf("Failed to parse backup config for %s: %v", key, err)
			if m, live := p.managers[key]; live {
				m.RefreshTtl(timestampNs)
			}
			continue
		}
		if err := p.onConfigUpdatedLocked(timestampNs, key, cfg, raw, false); err == nil {
			p.recorder.NoteConfigReset(key)
		}
	}
}

// resetIfConfigTtlExpiredLocked persists and rebuilds every config whose
// TTL has lapsed at the event's timestamp.
func (p *Processor) resetIfConfigTtlExpiredLocked(eventTimeNs int64) {
	var expired []config.Key
	for key, m := range p.managers {
		if !m.IsInTtl(eventTimeNs) {
			expired = append(expired, key)
		}
	}
	if len(expired) == 0 {
		return
	}
	p.writeAllDataToDiskLocked(p.clock.ElapsedNs(), p.clock.WallNs(), report.ReasonConfigReset)
	p.resetConfigsLocked(eventTimeNs, expired)
}

func (p *Processor) enforceDataTtlsIfNecessaryLocked(wallNs, elapsedRealtimeNs int64) {
	if elapsedRealtimeNs-p.lastTtlTimeNs < stats.MinTtlCheckPeriodNs {
		return
	}
	p.enforceDataTtlsLocked(wallNs, elapsedRealtimeNs)
}

func (p *Processor) enforceDataTtlsLocked(wallNs, elapsedRealtimeNs int64) {
	for _, m := range p.managers {
		m.EnforceRestrictedDataTtls(wallNs)
	}
	p.lastTtlTimeNs = elapsedRealtimeNs
}

func (p *Processor) flushRestrictedDataIfNecessaryLocked(elapsedRealtimeNs int64) {
	if elapsedRealtimeNs-p.lastFlushRestrictedTimeNs < stats.MinFlushRestrictedPeriodNs {
		return
	}
	p.flushRestrictedDataLocked(elapsedRealtimeNs)
}

func (p *Processor) flushRestrictedDataLocked(elapsedRealtimeNs int64) {
	for _, m := range p.managers {
		m.FlushRestrictedData()
	}
	p.lastFlushRestrictedTimeNs = elapsedRealtimeNs
}

const maxRestrictedRowsPerConfig = 500000

func (p *Processor) enforceDbGuardrailsIfNecessaryLocked(wallNs, elapsedRealtimeNs int64) {
	if elapsedRealtimeNs-p.lastDbGuardrailTimeNs < stats.MinDbGuardrailPeriodNs {
		return
	}
	if p.restricted != nil {
		for key, m := range p.managers {
			if m.HasRestrictedDelegate() {
				if err := p.restricted.EnforceGuardrails(key, maxRestrictedRowsPerConfig); err != nil {
					log.Errorf("Failed to enforce db guardrail for %s: %v", key, err)
				}
			}
		}
	}
	p.lastDbGuardrailTimeNs = elapsedRealtimeNs
}

// flushIfNecessaryLocked is the byte-size guardrail: drop when over the
// hard cap, request a dump when past the trigger or when on-disk data is
// pending, and rate-limit data-ready broadcasts.
func (p *Processor) flushIfNecessaryLocked(key config.Key, m *metrics.Manager) {
	elapsedRealtimeNs := p.clock.ElapsedNs()
	if last, ok := p.lastByteSizeTimes[key]; ok {
		if elapsedRealtimeNs-last < stats.MinByteSizeCheckPeriodNs {
			return
		}
	}

	// byteSize is assumed expensive, hence the check period above.
	totalBytes := m.ByteSize()
	p.lastByteSizeTimes[key] = elapsedRealtimeNs

	requestDump := false
	if totalBytes > m.MaxMetricsBytes() {
		// Too late; start clearing data. No broadcast.
		m.DropData(elapsedRealtimeNs)
		p.recorder.NoteDataDropped(key, totalBytes)
		log.Warnf("Dropped metrics data for %s at %d bytes", key, totalBytes)
		return
	}
	if totalBytes > m.TriggerBytes() {
		requestDump = true
	} else if _, onDisk := p.onDiskDataConfigs[key]; onDisk {
		requestDump = true
	}
	if !requestDump {
		return
	}

	if m.HasRestrictedDelegate() {
		m.FlushRestrictedData()
		// No broadcast for restricted metrics.
		return
	}

	if last, ok := p.lastBroadcastTimes[key]; ok {
		if elapsedRealtimeNs-last < stats.MinBroadcastPeriodNs {
			log.Debugf("Data-ready broadcast for %s suppressed by rate limit", key)
			return
		}
	}
	if p.callbacks.SendBroadcast != nil && p.callbacks.SendBroadcast(key) {
		delete(p.onDiskDataConfigs, key)
		p.lastBroadcastTimes[key] = elapsedRealtimeNs
		p.recorder.NoteBroadcastSent(key)
	}
}
