package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/event"
	"github.com/driftlabs/metricsd/internal/puller"
	"github.com/driftlabs/metricsd/internal/report"
	"github.com/driftlabs/metricsd/internal/state"
	"github.com/driftlabs/metricsd/internal/stats"
	"github.com/driftlabs/metricsd/internal/storage"
	"github.com/driftlabs/metricsd/internal/uidmap"
)

const (
	tagWhat      = int32(100)
	tagCondStart = int32(200)
	tagCondStop  = int32(201)
	bucketNs     = int64(10_000)
)

type fakeClock struct {
	elapsedNs int64
	wallNs    int64
}

func (c *fakeClock) ElapsedNs() int64 { return c.elapsedNs }
func (c *fakeClock) WallNs() int64    { return c.wallNs }

type grantAll struct{}

func (grantAll) HasPermission(permission string, pid, uid int32) bool { return true }

type denyAll struct{}

func (denyAll) HasPermission(permission string, pid, uid int32) bool { return false }

type callbackLog struct {
	broadcasts           []config.Key
	activations          map[int32][][]int64
	restrictedBroadcasts int
}

func newCallbackLog() *callbackLog {
	return &callbackLog{activations: make(map[int32][][]int64)}
}

func (c *callbackLog) callbacks() Callbacks {
	return Callbacks{
		SendBroadcast: func(key config.Key) bool {
			c.broadcasts = append(c.broadcasts, key)
			return true
		},
		SendActivationBroadcast: func(uid int32, ids []int64) bool {
			c.activations[uid] = append(c.activations[uid], ids)
			return true
		},
		SendRestrictedMetricsBroadcast: func(key config.Key, pkg string, ids []int64) {
			c.restrictedBroadcasts++
		},
	}
}

type testEnv struct {
	proc      *Processor
	clock     *fakeClock
	callbacks *callbackLog
	recorder  *stats.Recorder
	uidMap    *uidmap.Map
	store     *storage.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewManager(t.TempDir())
	require.NoError(t, err)
	clock := &fakeClock{wallNs: 1_000_000 * stats.NsPerSec}
	cbs := newCallbackLog()
	recorder := stats.NewRecorder()
	um := uidmap.New()
	proc := New(Options{
		UidMap:       um,
		Pullers:      puller.NewManager(stats.NsPerSec),
		StateManager: state.NewManager(),
		Recorder:     recorder,
		Storage:      store,
		Permissions:  grantAll{},
		Clock:        clock,
		Callbacks:    cbs.callbacks(),
		SelfUid:      1066,
	})
	return &testEnv{proc: proc, clock: clock, callbacks: cbs, recorder: recorder, uidMap: um, store: store}
}

func countConfig() *config.Config {
	return &config.Config{
		Matchers: []config.AtomMatcher{
			{ID: 1, Simple: &config.SimpleMatcher{Tag: tagWhat}},
			{ID: 2, Simple: &config.SimpleMatcher{Tag: tagCondStart}},
			{ID: 3, Simple: &config.SimpleMatcher{Tag: tagCondStop}},
		},
		Predicates: []config.Predicate{
			{ID: 10, Simple: &config.SimplePredicate{Start: 2, Stop: 3}},
		},
		CountMetrics: []config.CountMetric{{
			MetricBase: config.MetricBase{
				ID:         100,
				What:       1,
				Condition:  10,
				Dimensions: []config.FieldPos{{Pos: 1}},
				BucketNs:   bucketNs,
			},
		}},
	}
}

func testEvent(tag int32, ts int64, fields ...event.Value) *event.Event {
	e := &event.Event{TagID: tag, ElapsedNs: ts, UID: 500, PID: 1, Valid: true}
	for _, v := range fields {
		e.Fields = append(e.Fields, event.Field{Value: v})
	}
	return e
}

func installConfig(t *testing.T, env *testEnv, key config.Key, cfg *config.Config) {
	t.Helper()
	require.NoError(t, env.proc.OnConfigUpdated(env.clock.ElapsedNs(), env.clock.WallNs(), key, cfg, nil, false))
}

func dumpReport(t *testing.T, env *testEnv, key config.Key, dumpTimeNs int64) *report.ReportList {
	t.Helper()
	payload, err := env.proc.OnDumpReport(key, dumpTimeNs, env.clock.WallNs(), true, true, report.ReasonGetData)
	require.NoError(t, err)
	list, err := report.UnmarshalLengthPrefixed(payload)
	require.NoError(t, err)
	return list
}

func countsByDim(r report.ConfigReport) map[string]int64 {
	out := make(map[string]int64)
	for _, m := range r.Metrics {
		for _, s := range m.Series {
			key := ""
			for _, v := range s.Dimension {
				key += v.String()
			}
			for _, b := range s.Buckets {
				out[key] += b.Count
			}
		}
	}
	return out
}

func TestEndToEndCountWithCondition(t *testing.T) {
	env := newTestEnv(t)
	key := config.Key{UID: 1000, ID: 1}
	installConfig(t, env, key, countConfig())

	env.proc.OnLogEvent(testEvent(tagCondStart, 1000))
	env.proc.OnLogEvent(testEvent(tagWhat, 1500, event.StringValue("a")))
	env.proc.OnLogEvent(testEvent(tagWhat, 2000, event.StringValue("b")))
	env.proc.OnLogEvent(testEvent(tagCondStop, 2500))
	env.proc.OnLogEvent(testEvent(tagWhat, 3000, event.StringValue("a")))

	list := dumpReport(t, env, key, bucketNs)
	require.Len(t, list.Reports, 1)
	counts := countsByDim(list.Reports[0])
	assert.Equal(t, int64(1), counts["a"])
	assert.Equal(t, int64(1), counts["b"])
	assert.Equal(t, int32(1), list.Key.ReportNumber)
	assert.Equal(t, key.UID, list.Key.UID)
	assert.NotEmpty(t, list.Key.ProcessInstanceID)
}

func TestInvalidEventsAreCountedAndDropped(t *testing.T) {
	env := newTestEnv(t)
	key := config.Key{UID: 1000, ID: 1}
	installConfig(t, env, key, countConfig())

	e := testEvent(tagWhat, 1000, event.StringValue("a"))
	e.Valid = false
	env.proc.OnLogEvent(e)

	assert.Equal(t, int64(1), env.recorder.AtomErrors())
	list := dumpReport(t, env, key, bucketNs)
	assert.Empty(t, countsByDim(list.Reports[0]))
}

func TestByteSizeGuardrailDropsData(t *testing.T) {
	env := newTestEnv(t)
	key := config.Key{UID: 1000, ID: 1}
	cfg := countConfig()
	cfg.Predicates = nil
	cfg.CountMetrics[0].Condition = 0
	cfg.MaxMetricsBytes = 10
	installConfig(t, env, key, cfg)

	env.proc.OnLogEvent(testEvent(tagWhat, 1000, event.StringValue("a")))

	assert.Greater(t, env.recorder.DataDroppedBytes(key), int64(0))
	assert.Empty(t, env.callbacks.broadcasts, "a drop never broadcasts")
	assert.Equal(t, int64(0), env.proc.GetMetricsSize(key))
}

func TestTriggerBytesRequestsBroadcast(t *testing.T) {
	env := newTestEnv(t)
	key := config.Key{UID: 1000, ID: 1}
	cfg := countConfig()
	cfg.Predicates = nil
	cfg.CountMetrics[0].Condition = 0
	cfg.TriggerBytes = 1
	installConfig(t, env, key, cfg)

	env.proc.OnLogEvent(testEvent(tagWhat, 1000, event.StringValue("a")))
	require.Len(t, env.callbacks.broadcasts, 1)
	assert.Equal(t, key, env.callbacks.broadcasts[0])

	// A second event inside both rate-limit windows stays quiet.
	env.proc.OnLogEvent(testEvent(tagWhat, 1100, event.StringValue("a")))
	assert.Len(t, env.callbacks.broadcasts, 1)
}

func TestBroadcastRateLimitWindowIsClosedOpen(t *testing.T) {
	env := newTestEnv(t)
	key := config.Key{UID: 1000, ID: 1}
	cfg := countConfig()
	cfg.Predicates = nil
	cfg.CountMetrics[0].Condition = 0
	cfg.TriggerBytes = 1
	installConfig(t, env, key, cfg)

	env.proc.OnLogEvent(testEvent(tagWhat, 1000, event.StringValue("a")))
	require.Len(t, env.callbacks.broadcasts, 1)

	// Exactly the minimum period later is allowed again.
	env.clock.elapsedNs += stats.MinBroadcastPeriodNs
	env.proc.OnLogEvent(testEvent(tagWhat, 2000, event.StringValue("a")))
	assert.Len(t, env.callbacks.broadcasts, 2)
}

func activationConfig() *config.Config {
	cfg := countConfig()
	cfg.Predicates = nil
	cfg.CountMetrics[0].Condition = 0
	cfg.Matchers = append(cfg.Matchers, config.AtomMatcher{
		ID: 4, Simple: &config.SimpleMatcher{Tag: 500},
	})
	cfg.CountMetrics[0].Activations = []config.EventActivation{{Matcher: 4, TTLSeconds: 1}}
	return cfg
}

func TestActivationBroadcastRateLimit(t *testing.T) {
	env := newTestEnv(t)
	key := config.Key{UID: 1000, ID: 1}
	installConfig(t, env, key, activationConfig())

	// Activation flips the config active and broadcasts.
	env.proc.OnLogEventAt(testEvent(500, stats.NsPerSec), stats.NsPerSec)
	require.Len(t, env.callbacks.activations[1000], 1)
	assert.Equal(t, []int64{1}, env.callbacks.activations[1000][0])

	// The TTL lapses, flipping the state again one nanosecond before the
	// rate limit expires: guardrail hit, no broadcast.
	env.proc.OnLogEventAt(testEvent(tagWhat, 3*stats.NsPerSec, event.StringValue("a")),
		stats.NsPerSec+stats.MinActivationBroadcastPeriodNs-1)
	assert.Len(t, env.callbacks.activations[1000], 1)
	assert.Equal(t, int64(1), env.recorder.ActivationGuardrailHits())
}

func TestActivationRateLimitIsPerUid(t *testing.T) {
	env := newTestEnv(t)

	// Two configs under different uids, armed by different matchers.
	keyA := config.Key{UID: 1000, ID: 1}
	installConfig(t, env, keyA, activationConfig())

	cfgB := activationConfig()
	cfgB.Matchers[3].Simple.Tag = 501
	keyB := config.Key{UID: 2000, ID: 2}
	installConfig(t, env, keyB, cfgB)

	// Uid 1000 activates and broadcasts.
	env.proc.OnLogEventAt(testEvent(500, stats.NsPerSec), stats.NsPerSec)
	require.Len(t, env.callbacks.activations[1000], 1)

	// One event later flips both uids: 1000's activation TTL lapsed (still
	// rate-limited), 2000 activates for the first time. The rate limit on
	// 1000 must not swallow 2000's broadcast.
	env.proc.OnLogEventAt(testEvent(501, 3*stats.NsPerSec),
		stats.NsPerSec+stats.MinActivationBroadcastPeriodNs-1)

	assert.Len(t, env.callbacks.activations[1000], 1, "uid 1000 stays rate-limited")
	require.Len(t, env.callbacks.activations[2000], 1, "uid 2000 broadcasts independently")
	assert.Equal(t, []int64{2}, env.callbacks.activations[2000][0])
	assert.GreaterOrEqual(t, env.recorder.ActivationGuardrailHits(), int64(1))
}

func TestGetActiveConfigs(t *testing.T) {
	env := newTestEnv(t)
	key := config.Key{UID: 1000, ID: 1}
	installConfig(t, env, key, activationConfig())

	assert.Empty(t, env.proc.GetActiveConfigs(1000))
	env.proc.OnLogEvent(testEvent(500, 1000))
	assert.Equal(t, []int64{1}, env.proc.GetActiveConfigs(1000))
}

func TestPartialBucketOnConfigUpdate(t *testing.T) {
	env := newTestEnv(t)
	key := config.Key{UID: 1000, ID: 1}
	cfg := countConfig()
	cfg.Predicates = nil
	cfg.CountMetrics[0].Condition = 0
	installConfig(t, env, key, cfg)

	env.proc.OnLogEvent(testEvent(tagWhat, 1000, event.StringValue("a")))
	env.proc.OnLogEvent(testEvent(tagWhat, 4000, event.StringValue("a")))

	// The update persists the current data as a partial bucket ending at
	// the update time.
	cfg2 := countConfig()
	cfg2.Predicates = nil
	cfg2.CountMetrics[0].Condition = 0
	require.NoError(t, env.proc.OnConfigUpdated(5000, env.clock.WallNs(), key, cfg2, nil, false))

	env.proc.OnLogEvent(testEvent(tagWhat, 6000, event.StringValue("a")))

	list := dumpReport(t, env, key, bucketNs)
	require.Len(t, list.Reports, 2, "historical snapshot plus live report")

	historic := list.Reports[0]
	require.Len(t, historic.Metrics, 1)
	require.Len(t, historic.Metrics[0].Series, 1)
	hb := historic.Metrics[0].Series[0].Buckets
	require.Len(t, hb, 1)
	assert.Equal(t, int64(0), hb[0].StartNs)
	assert.Equal(t, int64(5000), hb[0].EndNs)
	assert.Equal(t, int64(2), hb[0].Count)

	live := list.Reports[1]
	lb := live.Metrics[0].Series[0].Buckets
	require.Len(t, lb, 1)
	assert.Equal(t, int64(5000), lb[0].StartNs)
	assert.Equal(t, bucketNs, lb[0].EndNs)
	assert.Equal(t, int64(1), lb[0].Count)

	total := hb[0].Count + lb[0].Count
	assert.Equal(t, int64(3), total, "partials sum to one full bucket's worth")
}

func TestInvalidConfigErasesManager(t *testing.T) {
	env := newTestEnv(t)
	key := config.Key{UID: 1000, ID: 1}
	installConfig(t, env, key, countConfig())

	bad := countConfig()
	bad.CountMetrics[0].What = 999
	err := env.proc.OnConfigUpdated(1000, env.clock.WallNs(), key, bad, nil, false)
	require.Error(t, err)

	assert.Equal(t, int64(0), env.proc.GetMetricsSize(key))
	env.proc.OnLogEvent(testEvent(tagWhat, 2000, event.StringValue("a")))
	assert.Empty(t, env.callbacks.broadcasts)
}

func TestConfigRemovalIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	key := config.Key{UID: 1000, ID: 1}
	cfg := countConfig()
	cfg.Predicates = nil
	cfg.CountMetrics[0].Condition = 0
	cfg.TriggerBytes = 1
	installConfig(t, env, key, cfg)

	env.proc.OnConfigRemoved(key)
	env.proc.OnConfigRemoved(key)

	// Events after removal never mention the key again.
	env.clock.elapsedNs += stats.MinBroadcastPeriodNs
	env.proc.OnLogEvent(testEvent(tagWhat, 1000, event.StringValue("a")))
	assert.Empty(t, env.callbacks.broadcasts)
	assert.Empty(t, env.proc.GetActiveConfigs(1000))
}

func TestIsolatedUidRemapping(t *testing.T) {
	env := newTestEnv(t)
	key := config.Key{UID: 1000, ID: 1}
	cfg := countConfig()
	cfg.Predicates = nil
	cfg.CountMetrics[0].Condition = 0
	installConfig(t, env, key, cfg)

	// Isolated uid 99001 spawned by host uid 10042.
	iso := testEvent(event.TagIsolatedUidChanged, 500,
		event.Int64Value(10042), event.Int64Value(99001), event.BoolValue(true))
	env.proc.OnLogEvent(iso)

	e := testEvent(tagWhat, 1000, event.Int32Value(99001))
	e.Fields[0].IsUid = true
	env.proc.OnLogEvent(e)

	list := dumpReport(t, env, key, bucketNs)
	counts := countsByDim(list.Reports[0])
	assert.Equal(t, int64(1), counts["10042"], "the uid field is rewritten to the host uid")
	assert.NotContains(t, counts, "99001")
}

func TestAppBreadcrumbValidation(t *testing.T) {
	env := newTestEnv(t)
	key := config.Key{UID: 1000, ID: 1}
	cfg := &config.Config{
		Matchers: []config.AtomMatcher{
			{ID: 1, Simple: &config.SimpleMatcher{Tag: event.TagAppBreadcrumbReported}},
		},
		CountMetrics: []config.CountMetric{{
			MetricBase: config.MetricBase{ID: 100, What: 1, BucketNs: bucketNs},
		}},
	}
	installConfig(t, env, key, cfg)

	good := testEvent(event.TagAppBreadcrumbReported, 1000,
		event.Int64Value(500), event.Int64Value(7), event.Int64Value(1))
	spoofed := testEvent(event.TagAppBreadcrumbReported, 1100,
		event.Int64Value(777), event.Int64Value(7), event.Int64Value(1))
	badState := testEvent(event.TagAppBreadcrumbReported, 1200,
		event.Int64Value(500), event.Int64Value(7), event.Int64Value(9))
	env.proc.OnLogEvent(good)
	env.proc.OnLogEvent(spoofed)
	env.proc.OnLogEvent(badState)

	list := dumpReport(t, env, key, bucketNs)
	counts := countsByDim(list.Reports[0])
	assert.Equal(t, int64(1), counts[""], "only the valid breadcrumb survives")
}

func TestWriteDataToDiskCoolDown(t *testing.T) {
	env := newTestEnv(t)
	key := config.Key{UID: 1000, ID: 1}
	cfg := countConfig()
	cfg.Predicates = nil
	cfg.CountMetrics[0].Condition = 0
	installConfig(t, env, key, cfg)

	env.proc.OnLogEvent(testEvent(tagWhat, 1000, event.StringValue("a")))
	env.clock.elapsedNs = 20 * stats.NsPerSec
	env.proc.WriteDataToDisk(report.ReasonDeviceShutdown)
	require.True(t, env.store.HasDataFiles(key))

	env.proc.OnLogEvent(testEvent(tagWhat, 2000, event.StringValue("a")))
	env.clock.wallNs += stats.NsPerSec
	env.proc.WriteDataToDisk(report.ReasonDeviceShutdown)
	assert.Len(t, env.store.ListDataFiles(key), 1, "the cool-down suppressed the second write")

	env.clock.elapsedNs += stats.WriteDataCoolDownSec * stats.NsPerSec
	env.clock.wallNs += stats.NsPerSec
	env.proc.OnLogEvent(testEvent(tagWhat, 2500, event.StringValue("a")))
	env.proc.WriteDataToDisk(report.ReasonDeviceShutdown)
	assert.Len(t, env.store.ListDataFiles(key), 2)
}

func TestReplayFromPersistedSnapshotMatchesDirect(t *testing.T) {
	events := []*event.Event{
		testEvent(tagWhat, 1000, event.StringValue("a")),
		testEvent(tagWhat, 2000, event.StringValue("b")),
		testEvent(tagWhat, 3000, event.StringValue("a")),
	}

	run := func(splitAt int) map[string]int64 {
		env := newTestEnv(t)
		key := config.Key{UID: 1000, ID: 1}
		cfg := countConfig()
		cfg.Predicates = nil
		cfg.CountMetrics[0].Condition = 0
		installConfig(t, env, key, cfg)
		for i, e := range events {
			if i == splitAt {
				env.clock.elapsedNs = 20 * stats.NsPerSec
				env.clock.wallNs += stats.NsPerSec
				env.proc.WriteDataToDisk(report.ReasonDeviceShutdown)
			}
			clone := *e
			fields := make([]event.Field, len(e.Fields))
			copy(fields, e.Fields)
			clone.Fields = fields
			env.proc.OnLogEvent(&clone)
		}
		// Dump past the snapshot's realigned bucket so events logged after
		// the split are flushed too.
		list := dumpReport(t, env, key, 21*stats.NsPerSec)
		total := make(map[string]int64)
		for _, r := range list.Reports {
			for dim, n := range countsByDim(r) {
				total[dim] += n
			}
		}
		return total
	}

	direct := run(-1)
	split := run(2)
	assert.Equal(t, direct, split, "bucket totals agree whether or not a snapshot interleaves")
}
