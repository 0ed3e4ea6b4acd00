package processor

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/metrics"
	"github.com/driftlabs/metricsd/internal/report"
	"github.com/driftlabs/metricsd/internal/stats"
	"github.com/driftlabs/metricsd/internal/storage"
)

// OnDumpReport assembles the full report payload for a key: buffered
// on-disk snapshots from previous runs first, then the live in-memory
// report.
func (p *Processor) OnDumpReport(key config.Key, dumpTimeNs, wallNs int64, includePartial, erase bool,
	reason report.DumpReason) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.managers[key]
	if ok && m.HasRestrictedDelegate() {
		return nil, fmt.Errorf("dump report not supported for restricted config %s", key)
	}

	list := report.ReportList{
		Key: report.ReportKey{
			UID:               key.UID,
			ID:                key.ID,
			ProcessInstanceID: p.recorder.InstanceID,
			StatsID:           p.recorder.StatsID(),
		},
	}

	keepFile := ok && m.ShouldPersistLocalHistory()
	for _, payload := range p.storage.AppendConfigReports(key, erase && !keepFile) {
		var r report.ConfigReport
		if err := report.Unmarshal(payload, &r); err != nil {
			log.Errorf("Discarding undecodable buffered report for %s: %v", key, err)
			continue
		}
		list.Reports = append(list.Reports, r)
	}

	if ok {
		// Allow another broadcast inside the rate-limit window if the buffer
		// refills quickly after this dump.
		delete(p.lastBroadcastTimes, key)
		r := p.buildConfigReportLocked(m, dumpTimeNs, wallNs, includePartial, erase, reason)
		list.Reports = append(list.Reports, r)
		if erase && m.ShouldPersistLocalHistory() {
			p.persistReportLocked(key, &r)
		}
	} else {
		log.Warnf("Config source %s does not exist", key)
	}

	if erase {
		p.dumpReportNumbers[key]++
	}
	list.Key.ReportNumber = p.dumpReportNumbers[key]

	payload, err := list.MarshalLengthPrefixed()
	if err != nil {
		return nil, err
	}
	if erase {
		p.recorder.NoteMetricsReportSent(key, len(payload), int(p.dumpReportNumbers[key]))
	}
	return payload, nil
}

// buildConfigReportLocked renders one manager's report with the uid-map
// snapshot and the data-corrupted evidence.
func (p *Processor) buildConfigReportLocked(m *metrics.Manager, dumpTimeNs, wallNs int64,
	includePartial, erase bool, reason report.DumpReason) report.ConfigReport {
	r := m.OnDumpReport(dumpTimeNs, wallNs, includePartial, erase, reason)
	if m.NumMetrics() > 0 {
		r.UidMap = p.uidMap.Snapshot()
	}
	if p.recorder.HasEventQueueOverflow() {
		r.DataCorruptedReasons = append(r.DataCorruptedReasons, report.CorruptedEventQueueOverflow)
	}
	if p.recorder.HasSocketLoss() {
		r.DataCorruptedReasons = append(r.DataCorruptedReasons, report.CorruptedSocketLoss)
	}
	return r
}

func (p *Processor) persistReportLocked(key config.Key, r *report.ConfigReport) {
	payload, err := report.Marshal(r)
	if err != nil {
		log.Errorf("Failed to encode report history for %s: %v", key, err)
		return
	}
	if err := p.storage.WriteDataFile(p.clock.WallNs()/stats.NsPerSec, key, payload); err != nil {
		log.Errorf("Failed to persist report history for %s: %v", key, err)
	}
}

// writeDataToDiskLocked snapshots one config's current data into the
// stats-data directory.
func (p *Processor) writeDataToDiskLocked(key config.Key, timestampNs, wallNs int64, reason report.DumpReason) {
	m, ok := p.managers[key]
	if !ok || m.NumMetrics() == 0 {
		return
	}
	if m.HasRestrictedDelegate() {
		m.FlushRestrictedData()
		return
	}
	r := p.buildConfigReportLocked(m, timestampNs, wallNs, true, true, reason)
	payload, err := report.Marshal(&r)
	if err != nil {
		log.Errorf("Failed to encode report for %s: %v", key, err)
		return
	}
	if err := p.storage.WriteDataFile(wallNs/stats.NsPerSec, key, payload); err != nil {
		log.Errorf("Failed to write report for %s: %v", key, err)
		return
	}
	// Data reached the disk, so trigger collection on the next check.
	p.onDiskDataConfigs[key] = struct{}{}
}

func (p *Processor) writeAllDataToDiskLocked(elapsedRealtimeNs, wallNs int64, reason report.DumpReason) {
	// The file name resolution is one second; writing twice inside the
	// cool-down would collide.
	if elapsedRealtimeNs < p.lastWriteTimeNs+stats.WriteDataCoolDownSec*stats.NsPerSec {
		log.Infof("Skipping data write; already wrote within the last %d seconds", stats.WriteDataCoolDownSec)
		return
	}
	p.lastWriteTimeNs = elapsedRealtimeNs
	for _, key := range p.managerOrder {
		p.writeDataToDiskLocked(key, elapsedRealtimeNs, wallNs, reason)
	}
}

// WriteDataToDisk snapshots every config, honoring the write cool-down.
func (p *Processor) WriteDataToDisk(reason report.DumpReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeAllDataToDiskLocked(p.clock.ElapsedNs(), p.clock.WallNs(), reason)
}

// SaveActiveConfigsToDisk persists every metric's remaining activation
// window, refusing to overwrite a file written moments ago.
func (p *Processor) SaveActiveConfigsToDisk(currentTimeNs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	elapsedRealtimeNs := p.clock.ElapsedNs()
	if elapsedRealtimeNs < p.lastActiveWriteTimeNs+stats.WriteDataCoolDownSec*stats.NsPerSec {
		log.Infof("Skipping active-metrics write; already wrote within the last %d seconds", stats.WriteDataCoolDownSec)
		return
	}
	p.lastActiveWriteTimeNs = elapsedRealtimeNs

	var list storage.ActiveConfigList
	for _, m := range p.managers {
		if ac, ok := m.WriteActiveConfig(currentTimeNs); ok {
			list.Configs = append(list.Configs, ac)
		}
	}
	if err := p.storage.WriteActiveConfigs(&list); err != nil {
		log.Errorf("Failed to save active configs: %v", err)
	}
}

// LoadActiveConfigsFromDisk restores activation windows; only meaningful
// right after start, when manager clocks equal the time base.
func (p *Processor) LoadActiveConfigsFromDisk() {
	p.mu.Lock()
	defer p.mu.Unlock()
	list, err := p.storage.ReadActiveConfigs()
	if err != nil {
		log.Errorf("Failed to load active configs: %v", err)
		return
	}
	if list == nil {
		return
	}
	for _, ac := range list.Configs {
		key := config.Key{UID: ac.UID, ID: ac.ID}
		m, ok := p.managers[key]
		if !ok {
			log.Errorf("No config found for %s while loading active state", key)
			continue
		}
		m.LoadActiveConfig(ac, p.timeBaseNs)
	}
	log.Infof("Loaded %d active configs", len(list.Configs))
}

// SaveMetadataToDisk persists anomaly refractory windows, with the same
// write cool-down as the other records.
func (p *Processor) SaveMetadataToDisk(currentWallNs, systemElapsedNs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if systemElapsedNs < p.lastMetadataWriteTimeNs+stats.WriteDataCoolDownSec*stats.NsPerSec {
		log.Infof("Skipping metadata write; already wrote within the last %d seconds", stats.WriteDataCoolDownSec)
		return
	}
	p.lastMetadataWriteTimeNs = systemElapsedNs

	var list storage.MetadataList
	for _, m := range p.managers {
		if md, ok := m.WriteMetadata(currentWallNs / stats.NsPerSec); ok {
			list.Entries = append(list.Entries, md)
		}
	}
	if err := p.storage.WriteMetadata(&list); err != nil {
		log.Errorf("Failed to save metadata: %v", err)
	}
}

// LoadMetadataFromDisk restores anomaly refractory windows.
func (p *Processor) LoadMetadataFromDisk(currentWallNs, systemElapsedNs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list, err := p.storage.ReadMetadata()
	if err != nil {
		log.Errorf("Failed to load metadata: %v", err)
		return
	}
	if list == nil {
		return
	}
	for _, md := range list.Entries {
		key := config.Key{UID: md.UID, ID: md.ID}
		m, ok := p.managers[key]
		if !ok {
			log.Errorf("No config found for %s while loading metadata", key)
			continue
		}
		m.LoadMetadata(md, currentWallNs/stats.NsPerSec)
	}
	log.Infof("Loaded metadata for %d configs", len(list.Entries))
}
