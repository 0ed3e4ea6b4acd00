package processor

import (
	log "github.com/sirupsen/logrus"

	"github.com/driftlabs/metricsd/internal/event"
	"github.com/driftlabs/metricsd/internal/report"
	"github.com/driftlabs/metricsd/internal/storage"
)

// Binary push states carried in field 6 of the binary-push atom.
const (
	BinaryPushInstallSuccess            int64 = 1
	BinaryPushInstallerRollbackInitiate int64 = 2
	BinaryPushInstallerRollbackSuccess  int64 = 3
)

// Watchdog rollback types carried in field 1 of the rollback atom.
const (
	WatchdogRollbackInitiate int32 = 1
	WatchdogRollbackSuccess  int32 = 2
)

// Binary-push atom field positions.
const (
	binaryPushFieldTrainName     = 1
	binaryPushFieldVersion       = 2
	binaryPushFieldStaging       = 3
	binaryPushFieldRollbackOn    = 4
	binaryPushFieldLowLatency    = 5
	binaryPushFieldState         = 6
	binaryPushFieldExperimentIds = 7
	binaryPushFieldUserID        = 8
	binaryPushFieldIsRollback    = 10
)

// Watchdog-rollback atom field positions.
const (
	watchdogFieldRollbackType  = 1
	watchdogFieldPackageName   = 2
	watchdogFieldExperimentIds = 6
)

// decodeExperimentIds parses the experiment-id blob carried in events.
func decodeExperimentIds(blob []byte) ([]int64, bool) {
	if len(blob) == 0 {
		return nil, true
	}
	var ids []int64
	if err := report.Unmarshal(blob, &ids); err != nil {
		return nil, false
	}
	return ids, true
}

func encodeExperimentIds(ids []int64) []byte {
	blob, err := report.Marshal(ids)
	if err != nil {
		log.Errorf("Failed to encode experiment ids: %v", err)
		return nil
	}
	return blob
}

func appendIDOnce(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func (p *Processor) checkPrivilegedCaller(e *event.Event) bool {
	if p.permissions == nil {
		return false
	}
	return p.permissions.HasPermission(PermissionDump, e.PID, e.UID) &&
		p.permissions.HasPermission(PermissionUsageStats, e.PID, e.UID)
}

// onBinaryPushStateChangedLocked reads the push atom, reconciles it with
// the on-disk train record, and patches the event's version, experiment-id
// and user-id fields. Unauthorized callers leave the event untouched.
func (p *Processor) onBinaryPushStateChangedLocked(e *event.Event) {
	if !p.checkPrivilegedCaller(e) {
		return
	}
	trainName, err1 := e.StringAt(binaryPushFieldTrainName)
	version, err2 := e.Int64At(binaryPushFieldVersion)
	staging, err3 := e.BoolAt(binaryPushFieldStaging)
	rollbackOn, err4 := e.BoolAt(binaryPushFieldRollbackOn)
	lowLatency, err5 := e.BoolAt(binaryPushFieldLowLatency)
	status, err6 := e.Int64At(binaryPushFieldState)
	blob, err7 := e.BlobAt(binaryPushFieldExperimentIds)
	isRollback, err8 := e.BoolAt(binaryPushFieldIsRollback)
	for _, err := range []error{err1, err2, err3, err4, err5, err6, err7, err8} {
		if err != nil {
			log.Errorf("Failed to parse binary push state changed event: %v", err)
			p.recorder.NoteAtomError(e.TagID)
			return
		}
	}
	experimentIds, ok := decodeExperimentIds(blob)
	if !ok {
		log.Errorf("Failed to parse experiment ids in binary push state changed event")
		p.recorder.NoteAtomError(e.TagID)
		return
	}

	info := &storage.InstallTrainInfo{
		TrainName:                 trainName,
		VersionCode:               version,
		RequiresStaging:           staging,
		RollbackEnabled:           rollbackOn,
		RequiresLowLatencyMonitor: lowLatency,
		Status:                    int32(status),
		ExperimentIDs:             experimentIds,
	}
	p.getAndUpdateTrainInfoOnDisk(isRollback, info)

	userID := e.UID / PerUserRange
	e.SetValueAt(binaryPushFieldVersion, event.Int64Value(info.VersionCode))
	e.SetValueAt(binaryPushFieldExperimentIds, event.BlobValue(encodeExperimentIds(info.ExperimentIDs)))
	e.SetValueAt(binaryPushFieldUserID, event.Int32Value(userID))

	if isRollback {
		// A rollback event's own bits are stale; restore them from disk.
		e.SetValueAt(binaryPushFieldStaging, event.BoolValue(info.RequiresStaging))
		e.SetValueAt(binaryPushFieldRollbackOn, event.BoolValue(info.RollbackEnabled))
		e.SetValueAt(binaryPushFieldLowLatency, event.BoolValue(info.RequiresLowLatencyMonitor))
	}
}

// getAndUpdateTrainInfoOnDisk reconciles an incoming train record with the
// persisted one and writes the result back.
func (p *Processor) getAndUpdateTrainInfoOnDisk(isRollback bool, info *storage.InstallTrainInfo) {
	// Without a train name there is nothing to attribute the event to.
	if info.TrainName == "" {
		return
	}
	onDisk, haveDisk := p.storage.ReadTrainInfo(info.TrainName)

	resetExperimentIds := false
	if haveDisk {
		// Keep the old version when the incoming one is empty; reset the
		// experiment ids when a new non-empty version arrives.
		if info.VersionCode == -1 {
			info.VersionCode = onDisk.VersionCode
		} else if info.VersionCode != onDisk.VersionCode {
			resetExperimentIds = true
		}
		if len(info.ExperimentIDs) > 0 &&
			(len(onDisk.ExperimentIDs) == 0 || info.ExperimentIDs[0] != onDisk.ExperimentIDs[0]) {
			resetExperimentIds = true
		}
	}

	if (!resetExperimentIds || isRollback) && haveDisk {
		info.ExperimentIDs = onDisk.ExperimentIDs
	}

	if len(info.ExperimentIDs) > 0 {
		firstID := info.ExperimentIDs[0]
		switch int64(info.Status) {
		case BinaryPushInstallSuccess:
			info.ExperimentIDs = appendIDOnce(info.ExperimentIDs, firstID+1)
		case BinaryPushInstallerRollbackInitiate:
			info.ExperimentIDs = appendIDOnce(info.ExperimentIDs, firstID+2)
		case BinaryPushInstallerRollbackSuccess:
			info.ExperimentIDs = appendIDOnce(info.ExperimentIDs, firstID+3)
		}
	}

	if isRollback && haveDisk {
		info.RequiresStaging = onDisk.RequiresStaging
		info.RollbackEnabled = onDisk.RollbackEnabled
		info.RequiresLowLatencyMonitor = onDisk.RequiresLowLatencyMonitor
	}

	if err := p.storage.WriteTrainInfo(info); err != nil {
		log.Errorf("Failed to persist train info for %q: %v", info.TrainName, err)
	}
}

// onWatchdogRollbackOccurredLocked loads the train named by the rolled
// back package, appends the rollback marker id, and patches the event.
func (p *Processor) onWatchdogRollbackOccurredLocked(e *event.Event) {
	if !p.checkPrivilegedCaller(e) {
		return
	}
	rollbackType, err1 := e.Int32At(watchdogFieldRollbackType)
	packageName, err2 := e.StringAt(watchdogFieldPackageName)
	if err1 != nil || err2 != nil {
		log.Errorf("Failed to parse watchdog rollback occurred event")
		p.recorder.NoteAtomError(e.TagID)
		return
	}

	experimentIds := p.ProcessWatchdogRollbackOccurred(rollbackType, packageName)
	e.SetValueAt(watchdogFieldExperimentIds, event.BlobValue(encodeExperimentIds(experimentIds)))
}

// ProcessWatchdogRollbackOccurred updates the on-disk experiment ids for a
// rollback and returns the resulting list. An empty package name yields
// nothing; repeats with the same type are idempotent.
func (p *Processor) ProcessWatchdogRollbackOccurred(rollbackType int32, packageName string) []int64 {
	if packageName == "" {
		return nil
	}
	// The package name doubles as the train name.
	onDisk, ok := p.storage.ReadTrainInfo(packageName)
	if !ok || len(onDisk.ExperimentIDs) == 0 {
		return nil
	}

	firstID := onDisk.ExperimentIDs[0]
	switch rollbackType {
	case WatchdogRollbackInitiate:
		onDisk.ExperimentIDs = appendIDOnce(onDisk.ExperimentIDs, firstID+4)
		if err := p.storage.WriteTrainInfo(onDisk); err != nil {
			log.Errorf("Failed to persist train info for %q: %v", packageName, err)
		}
	case WatchdogRollbackSuccess:
		onDisk.ExperimentIDs = appendIDOnce(onDisk.ExperimentIDs, firstID+5)
		if err := p.storage.WriteTrainInfo(onDisk); err != nil {
			log.Errorf("Failed to persist train info for %q: %v", packageName, err)
		}
	}
	return onDisk.ExperimentIDs
}
