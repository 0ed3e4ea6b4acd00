package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlabs/metricsd/internal/event"
	"github.com/driftlabs/metricsd/internal/storage"
)

func binaryPushEvent(train string, version int64, status int64, experimentIds []int64,
	isRollback bool) *event.Event {
	return testEvent(event.TagBinaryPushStateChanged, 1000,
		event.StringValue(train),
		event.Int64Value(version),
		event.BoolValue(false),
		event.BoolValue(true),
		event.BoolValue(false),
		event.Int64Value(status),
		event.BlobValue(encodeExperimentIds(experimentIds)),
		event.Int32Value(0),
		event.Int64Value(0),
		event.BoolValue(isRollback),
	)
}

// The train-info scenario: an install success appends firstId+1, a
// watchdog rollback on the same train appends firstId+4, and the events
// are patched with the reconciled ids.
func TestTrainInfoLifecycle(t *testing.T) {
	env := newTestEnv(t)

	eventA := binaryPushEvent("X", 7, BinaryPushInstallSuccess, []int64{100}, false)
	env.proc.OnLogEvent(eventA)

	info, ok := env.store.ReadTrainInfo("X")
	require.True(t, ok)
	assert.Equal(t, int64(7), info.VersionCode)
	assert.Equal(t, []int64{100, 101}, info.ExperimentIDs)

	blob, err := eventA.BlobAt(binaryPushFieldExperimentIds)
	require.NoError(t, err)
	ids, ok := decodeExperimentIds(blob)
	require.True(t, ok)
	assert.Equal(t, []int64{100, 101}, ids, "the event is patched with the reconciled ids")

	userID, err := eventA.Int32At(binaryPushFieldUserID)
	require.NoError(t, err)
	assert.Equal(t, int32(0), userID, "uid 500 belongs to user 0")

	eventB := testEvent(event.TagWatchdogRollbackOccurred, 2000,
		event.Int32Value(WatchdogRollbackInitiate),
		event.StringValue("X"),
		event.Int64Value(0),
		event.Int64Value(0),
		event.Int64Value(0),
		event.BlobValue(nil),
	)
	env.proc.OnLogEvent(eventB)

	info, ok = env.store.ReadTrainInfo("X")
	require.True(t, ok)
	assert.Equal(t, []int64{100, 101, 104}, info.ExperimentIDs)

	blob, err = eventB.BlobAt(watchdogFieldExperimentIds)
	require.NoError(t, err)
	ids, ok = decodeExperimentIds(blob)
	require.True(t, ok)
	assert.Equal(t, []int64{100, 101, 104}, ids)
}

func TestWatchdogRollbackEmptyPackage(t *testing.T) {
	env := newTestEnv(t)
	assert.Nil(t, env.proc.ProcessWatchdogRollbackOccurred(WatchdogRollbackInitiate, ""))
}

func TestWatchdogRollbackIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.WriteTrainInfo(&storage.InstallTrainInfo{
		TrainName:     "Y",
		VersionCode:   1,
		ExperimentIDs: []int64{200},
	}))

	first := env.proc.ProcessWatchdogRollbackOccurred(WatchdogRollbackInitiate, "Y")
	second := env.proc.ProcessWatchdogRollbackOccurred(WatchdogRollbackInitiate, "Y")
	assert.Equal(t, []int64{200, 204}, first)
	assert.Equal(t, first, second)
}

func TestWatchdogRollbackUnknownTrain(t *testing.T) {
	env := newTestEnv(t)
	assert.Nil(t, env.proc.ProcessWatchdogRollbackOccurred(WatchdogRollbackSuccess, "never-seen"))
}

func TestBinaryPushKeepsDiskVersionWhenIncomingEmpty(t *testing.T) {
	env := newTestEnv(t)
	env.proc.OnLogEvent(binaryPushEvent("Z", 9, BinaryPushInstallSuccess, []int64{300}, false))

	// Version -1 means "unknown"; the disk version survives.
	e := binaryPushEvent("Z", -1, BinaryPushInstallSuccess, []int64{300}, false)
	env.proc.OnLogEvent(e)

	info, ok := env.store.ReadTrainInfo("Z")
	require.True(t, ok)
	assert.Equal(t, int64(9), info.VersionCode)

	version, err := e.Int64At(binaryPushFieldVersion)
	require.NoError(t, err)
	assert.Equal(t, int64(9), version)
}

func TestBinaryPushUnauthorizedCallerLeavesEventAlone(t *testing.T) {
	env := newTestEnv(t)
	env.proc.permissions = denyAll{}

	e := binaryPushEvent("W", 3, BinaryPushInstallSuccess, []int64{400}, false)
	env.proc.OnLogEvent(e)

	_, ok := env.store.ReadTrainInfo("W")
	assert.False(t, ok, "unauthorized pushes never reach the disk")

	blob, err := e.BlobAt(binaryPushFieldExperimentIds)
	require.NoError(t, err)
	ids, _ := decodeExperimentIds(blob)
	assert.Equal(t, []int64{400}, ids, "the event keeps its original ids")
}
