package metrics

import (
	log "github.com/sirupsen/logrus"

	"github.com/driftlabs/metricsd/internal/condition"
	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/dimension"
	"github.com/driftlabs/metricsd/internal/event"
	"github.com/driftlabs/metricsd/internal/puller"
	"github.com/driftlabs/metricsd/internal/report"
	"github.com/driftlabs/metricsd/internal/stats"
)

// Gauge sampling strategies.
const (
	gaugeSampleTrigger   = "trigger"
	gaugeSampleCondition = "condition"
	gaugeSamplePull      = "pull"
)

const defaultMaxGaugeSamples = 10

type gaugeBucket struct {
	startNs int64
	endNs   int64
	atoms   []report.GaugeAtom
}

const bytesPerGaugeAtom = int64(48)

// GaugeProducer snapshots selected field values: on trigger events, on the
// condition turning true, or at pull alarm ticks.
type GaugeProducer struct {
	baseProducer

	sampling   string
	triggerIdx int
	pullTag    int32
	pullers    *puller.Manager
	fields     []int
	maxSamples int

	currentSlice map[string][]report.GaugeAtom
	keysByHash   map[string]dimension.MetricKey
	pastBuckets  map[string][]gaugeBucket
}

// NewGaugeProducer builds a gauge metric. triggerIdx is the resolved
// trigger-matcher index, -1 when unused.
func NewGaugeProducer(key config.Key, cfg config.GaugeMetric, conditionIndex int, conditions *condition.Set,
	triggerIdx int, pullers *puller.Manager, timeBaseNs, startTimeNs int64, recorder *stats.Recorder) *GaugeProducer {
	sampling := cfg.Sampling
	if sampling == "" {
		sampling = gaugeSampleTrigger
	}
	maxSamples := cfg.MaxSamples
	if maxSamples <= 0 {
		maxSamples = defaultMaxGaugeSamples
	}
	return &GaugeProducer{
		baseProducer: newBaseProducer(key, cfg.MetricBase, conditionIndex, conditions, timeBaseNs, startTimeNs, recorder),
		sampling:     sampling,
		triggerIdx:   triggerIdx,
		pullTag:      cfg.PullTag,
		pullers:      pullers,
		fields:       cfg.Fields,
		maxSamples:   maxSamples,
		currentSlice: make(map[string][]report.GaugeAtom),
		keysByHash:   make(map[string]dimension.MetricKey),
		pastBuckets:  make(map[string][]gaugeBucket),
	}
}

func (g *GaugeProducer) Kind() string {
	return report.KindGauge
}

func (g *GaugeProducer) sampleFields(e *event.Event) []event.Value {
	if len(g.fields) == 0 {
		vals := make([]event.Value, e.Size())
		for i := range vals {
			vals[i], _ = e.ValueAt(i + 1)
		}
		return vals
	}
	vals := make([]event.Value, 0, len(g.fields))
	for _, pos := range g.fields {
		if v, ok := e.ValueAt(pos); ok {
			vals = append(vals, v)
		}
	}
	return vals
}

func (g *GaugeProducer) OnMatchedLogEvent(e *event.Event, matches []bool) {
	g.FlushIfNeeded(e.ElapsedNs)
	if !g.active {
		return
	}
	if g.sampling == gaugeSampleTrigger {
		if g.triggerIdx >= 0 && g.triggerIdx < len(matches) && !matches[g.triggerIdx] {
			return
		}
		g.sample(e)
	}
}

func (g *GaugeProducer) sample(e *event.Event) {
	for _, whatKey := range dimension.ExtractAll(e, g.dimensions) {
		if !g.conditionMet(whatKey) {
			continue
		}
		mk := dimension.NewMetricKey(whatKey, dimension.Default)
		h := mk.Hash()
		atoms, tracked := g.currentSlice[h]
		if !tracked {
			if _, past := g.pastBuckets[h]; !past && g.hitGuardrail(len(g.currentSlice)+len(g.pastBuckets)) {
				continue
			}
		}
		if len(atoms) >= g.maxSamples {
			continue
		}
		g.currentSlice[h] = append(atoms, report.GaugeAtom{ElapsedNs: e.ElapsedNs, Fields: g.sampleFields(e)})
		g.keysByHash[h] = mk
	}
}

func (g *GaugeProducer) pullNow(nowNs int64) {
	if g.pullTag == 0 || g.pullers == nil {
		return
	}
	events, err := g.pullers.Pull(g.pullTag, nowNs)
	if err != nil {
		log.Debugf("Gauge metric %d pull failed: %v", g.id, err)
		return
	}
	for _, e := range events {
		g.sample(e)
	}
}

func (g *GaugeProducer) OnConditionChanged(cond condition.State, eventTimeNs int64) {
	g.FlushIfNeeded(eventTimeNs)
	prev := g.condition
	g.condition = cond
	if g.sampling == gaugeSampleCondition && cond == condition.StateTrue && prev != condition.StateTrue {
		g.pullNow(eventTimeNs)
	}
}

func (g *GaugeProducer) OnSlicedConditionMayChange(eventTimeNs int64) {
	g.FlushIfNeeded(eventTimeNs)
}

func (g *GaugeProducer) OnStateChanged(eventTimeNs int64, atomID int32, primaryKey dimension.Key,
	oldState, newState event.Value) {
}

func (g *GaugeProducer) OnActiveStateChanged(eventTimeNs int64, active bool) {
	g.FlushCurrentBucket(eventTimeNs)
}

// OnPullAlarm implements puller.Receiver for pull-sampled gauges.
func (g *GaugeProducer) OnPullAlarm(timestampNs int64) {
	g.FlushIfNeeded(timestampNs)
	if g.sampling == gaugeSamplePull && g.active {
		g.pullNow(timestampNs)
	}
}

func (g *GaugeProducer) FlushIfNeeded(nowNs int64) {
	end := g.currentBucketEndNs()
	if nowNs < end {
		return
	}
	g.closeBucket(end)
	g.markSkippedBuckets(g.bucketNumForTime(nowNs), skipReasonNoSamples)
	g.currentBucketNum = g.bucketNumForTime(nowNs)
	g.currentBucketStartNs = g.timeBaseNs + g.currentBucketNum*g.bucketSizeNs
	g.partialBucket = false
}

func (g *GaugeProducer) FlushCurrentBucket(nowNs int64) {
	end := g.currentBucketEndNs()
	if nowNs >= end {
		g.FlushIfNeeded(nowNs)
		return
	}
	if nowNs <= g.currentBucketStartNs {
		return
	}
	g.closeBucket(nowNs)
	g.currentBucketStartNs = nowNs
	g.partialBucket = true
}

func (g *GaugeProducer) closeBucket(endNs int64) {
	for h, atoms := range g.currentSlice {
		if len(atoms) == 0 {
			continue
		}
		g.pastBuckets[h] = append(g.pastBuckets[h], gaugeBucket{
			startNs: g.currentBucketStartNs,
			endNs:   endNs,
			atoms:   atoms,
		})
	}
	g.currentSlice = make(map[string][]report.GaugeAtom)
}

func (g *GaugeProducer) OnDumpReport(dumpTimeNs int64, includePartial, erase bool) report.Metric {
	if includePartial {
		g.FlushCurrentBucket(dumpTimeNs)
	} else {
		g.FlushIfNeeded(dumpTimeNs)
	}
	m := report.Metric{
		MetricID:              g.id,
		Kind:                  report.KindGauge,
		IsActive:              g.active,
		DimensionGuardrailHit: g.guardrailHit,
		SkippedBuckets:        g.snapshotSkippedBuckets(),
		EstimatedBytes:        g.ByteSize(),
	}
	for h, buckets := range g.pastBuckets {
		mk := g.keysByHash[h]
		s := report.Series{Dimension: mk.What.Values()}
		for _, b := range buckets {
			s.Buckets = append(s.Buckets, report.Bucket{StartNs: b.startNs, EndNs: b.endNs, Atoms: b.atoms})
		}
		if len(s.Buckets) > 0 {
			m.Series = append(m.Series, s)
		}
	}
	if erase {
		g.clearPast()
	}
	return m
}

func (g *GaugeProducer) DropData(dropTimeNs int64) {
	g.FlushIfNeeded(dropTimeNs)
	g.clearPast()
	g.currentSlice = make(map[string][]report.GaugeAtom)
}

func (g *GaugeProducer) ClearPastBuckets(nowNs int64) {
	g.FlushIfNeeded(nowNs)
	g.clearPast()
}

func (g *GaugeProducer) clearPast() {
	g.pastBuckets = make(map[string][]gaugeBucket)
	g.guardrailHit = false
	g.skippedBuckets = nil
	for h := range g.keysByHash {
		if _, live := g.currentSlice[h]; !live {
			delete(g.keysByHash, h)
		}
	}
}

func (g *GaugeProducer) ByteSize() int64 {
	var total int64
	for _, buckets := range g.pastBuckets {
		for _, b := range buckets {
			total += bytesPerGaugeAtom * int64(len(b.atoms))
		}
	}
	for _, atoms := range g.currentSlice {
		total += bytesPerGaugeAtom * int64(len(atoms))
	}
	return total
}
