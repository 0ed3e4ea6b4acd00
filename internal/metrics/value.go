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

type valueAggregate struct {
	sum   float64
	min   float64
	max   float64
	count int64
	seen  bool
}

func (a *valueAggregate) add(v float64) {
	if !a.seen {
		a.min, a.max = v, v
		a.seen = true
	} else {
		if v < a.min {
			a.min = v
		}
		if v > a.max {
			a.max = v
		}
	}
	a.sum += v
	a.count++
}

// result renders the aggregate under the configured aggregation.
func (a *valueAggregate) result(aggregation string) float64 {
	switch aggregation {
	case "min":
		return a.min
	case "max":
		return a.max
	case "avg":
		if a.count == 0 {
			return 0
		}
		return a.sum / float64(a.count)
	default:
		return a.sum
	}
}

type valueBucket struct {
	startNs int64
	endNs   int64
	agg     valueAggregate
}

const bytesPerValueBucket = int64(5 * 8)

// ValueProducer aggregates a numeric field per dimension per bucket. With
// a pull tag configured it also samples the pullable atom on pull alarms
// and on the condition turning true.
type ValueProducer struct {
	baseProducer

	valueField  int
	aggregation string
	pullTag     int32
	pullers     *puller.Manager

	currentSlice map[string]*valueAggregate
	currentFull  map[string]int64
	keysByHash   map[string]dimension.MetricKey
	pastBuckets  map[string][]valueBucket

	stateValues map[int32]event.Value
}

// NewValueProducer builds a value metric. pullers may be nil for purely
// pushed metrics.
func NewValueProducer(key config.Key, cfg config.ValueMetric, conditionIndex int, conditions *condition.Set,
	pullers *puller.Manager, timeBaseNs, startTimeNs int64, recorder *stats.Recorder) *ValueProducer {
	aggregation := cfg.Aggregation
	if aggregation == "" {
		aggregation = "sum"
	}
	return &ValueProducer{
		baseProducer: newBaseProducer(key, cfg.MetricBase, conditionIndex, conditions, timeBaseNs, startTimeNs, recorder),
		valueField:   cfg.ValueField,
		aggregation:  aggregation,
		pullTag:      cfg.PullTag,
		pullers:      pullers,
		currentSlice: make(map[string]*valueAggregate),
		currentFull:  make(map[string]int64),
		keysByHash:   make(map[string]dimension.MetricKey),
		pastBuckets:  make(map[string][]valueBucket),
		stateValues:  make(map[int32]event.Value),
	}
}

func (v *ValueProducer) Kind() string {
	return report.KindValue
}

func (v *ValueProducer) stateKey() dimension.Key {
	if len(v.stateAtoms) == 0 {
		return dimension.Default
	}
	vals := make([]event.Value, len(v.stateAtoms))
	for i, atom := range v.stateAtoms {
		vals[i] = v.stateValues[atom]
	}
	return dimension.NewKey(vals...)
}

func (v *ValueProducer) numericField(e *event.Event) (float64, bool) {
	val, ok := e.ValueAt(v.valueField)
	if !ok {
		return 0, false
	}
	switch val.Kind {
	case event.KindInt32, event.KindInt64:
		return float64(val.Int), true
	case event.KindFloat:
		return val.Float, true
	default:
		return 0, false
	}
}

func (v *ValueProducer) OnMatchedLogEvent(e *event.Event, matches []bool) {
	v.FlushIfNeeded(e.ElapsedNs)
	if !v.active {
		return
	}
	v.aggregate(e)
}

func (v *ValueProducer) aggregate(e *event.Event) {
	num, ok := v.numericField(e)
	if !ok {
		v.recorder.NoteAtomError(e.TagID)
		return
	}
	stateKey := v.stateKey()
	for _, whatKey := range dimension.ExtractAll(e, v.dimensions) {
		if !v.conditionMet(whatKey) {
			continue
		}
		mk := dimension.NewMetricKey(whatKey, stateKey)
		h := mk.Hash()
		agg, tracked := v.currentSlice[h]
		if !tracked {
			if _, past := v.pastBuckets[h]; !past && v.hitGuardrail(len(v.currentSlice)+len(v.pastBuckets)) {
				continue
			}
			agg = &valueAggregate{}
			v.currentSlice[h] = agg
			v.keysByHash[h] = mk
		}
		agg.add(num)
	}
}

// pullNow samples the pull tag and aggregates the returned atoms.
func (v *ValueProducer) pullNow(nowNs int64) {
	if v.pullTag == 0 || v.pullers == nil {
		return
	}
	events, err := v.pullers.Pull(v.pullTag, nowNs)
	if err != nil {
		log.Debugf("Value metric %d pull failed: %v", v.id, err)
		return
	}
	for _, e := range events {
		v.aggregate(e)
	}
}

func (v *ValueProducer) OnConditionChanged(cond condition.State, eventTimeNs int64) {
	v.FlushIfNeeded(eventTimeNs)
	prev := v.condition
	v.condition = cond
	if cond == condition.StateTrue && prev != condition.StateTrue {
		v.pullNow(eventTimeNs)
	}
}

func (v *ValueProducer) OnSlicedConditionMayChange(eventTimeNs int64) {
	v.FlushIfNeeded(eventTimeNs)
}

func (v *ValueProducer) OnStateChanged(eventTimeNs int64, atomID int32, primaryKey dimension.Key,
	oldState, newState event.Value) {
	v.stateValues[atomID] = newState
}

func (v *ValueProducer) OnActiveStateChanged(eventTimeNs int64, active bool) {
	v.FlushCurrentBucket(eventTimeNs)
}

// OnPullAlarm implements puller.Receiver for pulled value metrics.
func (v *ValueProducer) OnPullAlarm(timestampNs int64) {
	v.FlushIfNeeded(timestampNs)
	if v.active && v.condition == condition.StateTrue {
		v.pullNow(timestampNs)
	}
}

func (v *ValueProducer) FlushIfNeeded(nowNs int64) {
	end := v.currentBucketEndNs()
	if nowNs < end {
		return
	}
	v.closeBucket(end, false)
	v.markSkippedBuckets(v.bucketNumForTime(nowNs), skipReasonNoData)
	v.currentBucketNum = v.bucketNumForTime(nowNs)
	v.currentBucketStartNs = v.timeBaseNs + v.currentBucketNum*v.bucketSizeNs
	v.partialBucket = false
}

func (v *ValueProducer) FlushCurrentBucket(nowNs int64) {
	end := v.currentBucketEndNs()
	if nowNs >= end {
		v.FlushIfNeeded(nowNs)
		return
	}
	if nowNs <= v.currentBucketStartNs {
		return
	}
	v.closeBucket(nowNs, true)
	v.currentBucketStartNs = nowNs
	v.partialBucket = true
}

func (v *ValueProducer) closeBucket(endNs int64, partial bool) {
	for h, agg := range v.currentSlice {
		if !agg.seen {
			continue
		}
		mk := v.keysByHash[h]
		v.pastBuckets[h] = append(v.pastBuckets[h], valueBucket{
			startNs: v.currentBucketStartNs,
			endNs:   endNs,
			agg:     *agg,
		})
		v.currentFull[h] += int64(agg.result(v.aggregation))
		if !partial {
			full := v.currentFull[h]
			v.addPastBucketToAnomalyTrackers(mk, full, v.currentBucketNum)
			v.detectAndDeclareAnomaly(endNs, mk, full)
		}
	}
	if !partial {
		v.currentFull = make(map[string]int64)
	}
	v.currentSlice = make(map[string]*valueAggregate)
}

func (v *ValueProducer) OnDumpReport(dumpTimeNs int64, includePartial, erase bool) report.Metric {
	if includePartial {
		v.FlushCurrentBucket(dumpTimeNs)
	} else {
		v.FlushIfNeeded(dumpTimeNs)
	}
	m := report.Metric{
		MetricID:              v.id,
		Kind:                  report.KindValue,
		IsActive:              v.active,
		DimensionGuardrailHit: v.guardrailHit,
		SkippedBuckets:        v.snapshotSkippedBuckets(),
		EstimatedBytes:        v.ByteSize(),
	}
	for h, buckets := range v.pastBuckets {
		mk := v.keysByHash[h]
		s := report.Series{
			Dimension:      mk.What.Values(),
			StateDimension: mk.State.Values(),
		}
		for _, b := range buckets {
			result := b.agg.result(v.aggregation)
			if !v.passesThreshold(int64(result)) {
				continue
			}
			s.Buckets = append(s.Buckets, report.Bucket{
				StartNs:     b.startNs,
				EndNs:       b.endNs,
				Sum:         b.agg.sum,
				Min:         b.agg.min,
				Max:         b.agg.max,
				SampleCount: b.agg.count,
			})
		}
		if len(s.Buckets) > 0 {
			m.Series = append(m.Series, s)
		}
	}
	if erase {
		v.clearPast()
	}
	return m
}

func (v *ValueProducer) DropData(dropTimeNs int64) {
	v.FlushIfNeeded(dropTimeNs)
	v.clearPast()
	v.currentSlice = make(map[string]*valueAggregate)
}

func (v *ValueProducer) ClearPastBuckets(nowNs int64) {
	v.FlushIfNeeded(nowNs)
	v.clearPast()
}

func (v *ValueProducer) clearPast() {
	v.pastBuckets = make(map[string][]valueBucket)
	v.guardrailHit = false
	v.skippedBuckets = nil
	for h := range v.keysByHash {
		if _, live := v.currentSlice[h]; !live {
			delete(v.keysByHash, h)
		}
	}
}

func (v *ValueProducer) ByteSize() int64 {
	var total int64
	for _, buckets := range v.pastBuckets {
		total += bytesPerValueBucket * int64(len(buckets))
	}
	total += bytesPerValueBucket * int64(len(v.currentSlice))
	return total
}
