package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/dimension"
	"github.com/driftlabs/metricsd/internal/event"
)

func testKey() dimension.MetricKey {
	return dimension.NewMetricKey(dimension.NewKey(event.StringValue("k")), dimension.Default)
}

func TestRollingSumAcrossBuckets(t *testing.T) {
	tr := NewTracker(config.Alert{ID: 1, NumBuckets: 3, TriggerIfSumGt: 100}, config.Key{}, nil, nil)
	k := testKey()

	tr.AddPastBucket(k, 30, 0)
	tr.AddPastBucket(k, 30, 1)
	tr.AddPastBucket(k, 30, 2)
	assert.Equal(t, int64(90), tr.SumOverPastBuckets(k))

	// Bucket 3 evicts bucket 0.
	tr.AddPastBucket(k, 10, 3)
	assert.Equal(t, int64(70), tr.SumOverPastBuckets(k))
}

func TestSkippedBucketsZeroOut(t *testing.T) {
	tr := NewTracker(config.Alert{ID: 1, NumBuckets: 2, TriggerIfSumGt: 100}, config.Key{}, nil, nil)
	k := testKey()

	tr.AddPastBucket(k, 50, 0)
	tr.AddPastBucket(k, 50, 10)
	assert.Equal(t, int64(50), tr.SumOverPastBuckets(k), "the gap evicted the old bucket")
}

func TestDetectAnomaly(t *testing.T) {
	tr := NewTracker(config.Alert{ID: 1, NumBuckets: 2, TriggerIfSumGt: 100}, config.Key{}, nil, nil)
	k := testKey()

	tr.AddPastBucket(k, 60, 0)
	assert.False(t, tr.DetectAnomaly(1, k, 40), "sum equals threshold, not above")
	assert.True(t, tr.DetectAnomaly(1, k, 41))
}

func TestDeclareRespectsRefractoryPeriod(t *testing.T) {
	var declared []int64
	onDeclared := func(alertID, metricID int64, key dimension.MetricKey, timestampNs int64) {
		declared = append(declared, timestampNs)
	}
	tr := NewTracker(config.Alert{ID: 1, NumBuckets: 1, TriggerIfSumGt: 0, RefractoryPeriodSeconds: 10},
		config.Key{}, nil, onDeclared)
	k := testKey()

	tr.DetectAndDeclareAnomaly(1_000_000_000, 0, 5, k, 1)
	tr.DetectAndDeclareAnomaly(5_000_000_000, 0, 5, k, 1)
	require.Len(t, declared, 1, "second declaration falls inside the refractory window")

	tr.DetectAndDeclareAnomaly(12_000_000_000, 0, 5, k, 1)
	assert.Len(t, declared, 2)
}

func TestAlarmLifecycle(t *testing.T) {
	var nextMs []int64
	cancels := 0
	mon := NewMonitor(func(ms int64) { nextMs = append(nextMs, ms) }, func() { cancels++ })

	var declared int
	tr := NewTracker(config.Alert{ID: 1, NumBuckets: 1, TriggerIfSumGt: 10}, config.Key{}, mon,
		func(int64, int64, dimension.MetricKey, int64) { declared++ })
	k := testKey()

	tr.StartAlarm(k, 5_000_000_000)
	require.Len(t, nextMs, 1)
	assert.Equal(t, int64(5000), nextMs[0])
	assert.True(t, tr.HasActiveAlarms())

	// Stopping before the alarm time cancels without declaring.
	tr.StopAlarm(k, 1_000_000_000, 7)
	assert.Equal(t, 0, declared)
	assert.Equal(t, 1, cancels)
	assert.False(t, tr.HasActiveAlarms())

	// Stopping after the alarm time declares the anomaly now.
	tr.StartAlarm(k, 2_000_000_000)
	tr.StopAlarm(k, 3_000_000_000, 7)
	assert.Equal(t, 1, declared)

	// Cancelling an absent alarm is idempotent.
	tr.StopAlarm(k, 4_000_000_000, 7)
	assert.Equal(t, 1, declared)
}

func TestInformAlarmsFired(t *testing.T) {
	mon := NewMonitor(nil, nil)
	var declared int
	tr := NewTracker(config.Alert{ID: 1, NumBuckets: 1, TriggerIfSumGt: 10}, config.Key{}, mon,
		func(int64, int64, dimension.MetricKey, int64) { declared++ })
	k := testKey()

	tr.StartAlarm(k, 5_000_000_000)
	fired := mon.PopSoonerThan(5)
	require.Len(t, fired, 1)
	tr.InformAlarmsFired(5_000_000_000, 7, fired)
	assert.Equal(t, 1, declared)
	assert.False(t, tr.HasActiveAlarms())
}

func TestMonitorOrdering(t *testing.T) {
	mon := NewMonitor(nil, nil)
	a := &Alarm{TimestampSec: 10}
	b := &Alarm{TimestampSec: 5}
	c := &Alarm{TimestampSec: 20}
	mon.Add(a)
	mon.Add(b)
	mon.Add(c)

	fired := mon.PopSoonerThan(10)
	assert.Len(t, fired, 2)
	assert.Contains(t, fired, a)
	assert.Contains(t, fired, b)
	assert.Equal(t, 1, mon.Len())
}

func TestRefractorySnapshotRoundTrip(t *testing.T) {
	tr := NewTracker(config.Alert{ID: 1, NumBuckets: 1, TriggerIfSumGt: 0, RefractoryPeriodSeconds: 100},
		config.Key{}, nil, nil)
	k := testKey()
	tr.DetectAndDeclareAnomaly(10_000_000_000, 0, 5, k, 1)

	snap := tr.SnapshotRefractory(20)
	require.Len(t, snap, 1)

	fresh := NewTracker(config.Alert{ID: 1, NumBuckets: 1, TriggerIfSumGt: 0, RefractoryPeriodSeconds: 100},
		config.Key{}, nil, nil)
	fresh.LoadRefractory(snap, 20)

	var declared int
	fresh.onDeclared = func(int64, int64, dimension.MetricKey, int64) { declared++ }
	fresh.DetectAndDeclareAnomaly(30_000_000_000, 0, 5, k, 1)
	assert.Equal(t, 0, declared, "still inside the restored refractory window")
}
