package metrics

import (
	"math/rand"
	"sort"

	"github.com/driftlabs/metricsd/internal/condition"
	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/dimension"
	"github.com/driftlabs/metricsd/internal/event"
	"github.com/driftlabs/metricsd/internal/report"
	"github.com/driftlabs/metricsd/internal/stats"
)

// KllSketch is a streaming quantile sketch. Level 0 buffers raw values;
// each compaction keeps every other element of a sorted level and promotes
// the survivors, so level i carries weight 2^i. Capacity per level decays
// geometrically from k.
type KllSketch struct {
	k      int
	levels [][]float64
	n      int64
	min    float64
	max    float64
}

const defaultKllK = 200

// NewKllSketch creates a sketch with parameter k (accuracy/memory knob).
func NewKllSketch(k int) *KllSketch {
	if k < 8 {
		k = 8
	}
	return &KllSketch{k: k, levels: make([][]float64, 1)}
}

// Add folds one value into the sketch.
func (s *KllSketch) Add(v float64) {
	if s.n == 0 || v < s.min {
		s.min = v
	}
	if s.n == 0 || v > s.max {
		s.max = v
	}
	s.n++
	s.levels[0] = append(s.levels[0], v)
	s.compactIfNeeded()
}

func (s *KllSketch) capacity(level int) int {
	cap := s.k
	for i := 0; i < level; i++ {
		cap = cap * 2 / 3
	}
	if cap < 8 {
		cap = 8
	}
	return cap
}

func (s *KllSketch) compactIfNeeded() {
	for level := 0; level < len(s.levels); level++ {
		if len(s.levels[level]) <= s.capacity(level) {
			continue
		}
		sort.Float64s(s.levels[level])
		if level+1 >= len(s.levels) {
			s.levels = append(s.levels, nil)
		}
		// Random offset keeps the compaction unbiased.
		offset := rand.Intn(2)
		for i := offset; i < len(s.levels[level]); i += 2 {
			s.levels[level+1] = append(s.levels[level+1], s.levels[level][i])
		}
		s.levels[level] = s.levels[level][:0]
	}
}

// Merge folds another sketch into this one, used across bucket boundaries.
func (s *KllSketch) Merge(o *KllSketch) {
	if o == nil || o.n == 0 {
		return
	}
	if s.n == 0 || o.min < s.min {
		s.min = o.min
	}
	if s.n == 0 || o.max > s.max {
		s.max = o.max
	}
	s.n += o.n
	for level, items := range o.levels {
		for len(s.levels) <= level {
			s.levels = append(s.levels, nil)
		}
		s.levels[level] = append(s.levels[level], items...)
	}
	s.compactIfNeeded()
}

// Count returns the number of values observed.
func (s *KllSketch) Count() int64 {
	return s.n
}

// Quantile estimates the value at rank q in [0,1].
func (s *KllSketch) Quantile(q float64) float64 {
	if s.n == 0 {
		return 0
	}
	if q <= 0 {
		return s.min
	}
	if q >= 1 {
		return s.max
	}
	type weighted struct {
		value  float64
		weight int64
	}
	var items []weighted
	var total int64
	for level, vals := range s.levels {
		w := int64(1) << uint(level)
		for _, v := range vals {
			items = append(items, weighted{v, w})
			total += w
		}
	}
	if total == 0 {
		return s.min
	}
	sort.Slice(items, func(i, j int) bool { return items[i].value < items[j].value })
	target := int64(q * float64(total))
	var seen int64
	for _, it := range items {
		seen += it.weight
		if seen > target {
			return it.value
		}
	}
	return s.max
}

// Snapshot renders the fixed-rank quantiles reported per bucket.
func (s *KllSketch) Snapshot() map[string]float64 {
	if s.n == 0 {
		return nil
	}
	return map[string]float64{
		"min": s.min,
		"p25": s.Quantile(0.25),
		"p50": s.Quantile(0.50),
		"p75": s.Quantile(0.75),
		"p90": s.Quantile(0.90),
		"p99": s.Quantile(0.99),
		"max": s.max,
	}
}

type kllBucket struct {
	startNs int64
	endNs   int64
	sketch  *KllSketch
}

const bytesPerKllValue = int64(8)

// KllProducer feeds a numeric field into a per-dimension quantile sketch,
// one sketch per bucket. Sketches support Merge so consumers can combine
// partial buckets back into full-bucket quantiles.
type KllProducer struct {
	baseProducer

	valueField int

	currentSlice map[string]*KllSketch
	keysByHash   map[string]dimension.MetricKey
	pastBuckets  map[string][]kllBucket
}

// NewKllProducer builds a kll metric.
func NewKllProducer(key config.Key, cfg config.KllMetric, conditionIndex int, conditions *condition.Set,
	timeBaseNs, startTimeNs int64, recorder *stats.Recorder) *KllProducer {
	return &KllProducer{
		baseProducer: newBaseProducer(key, cfg.MetricBase, conditionIndex, conditions, timeBaseNs, startTimeNs, recorder),
		valueField:   cfg.ValueField,
		currentSlice: make(map[string]*KllSketch),
		keysByHash:   make(map[string]dimension.MetricKey),
		pastBuckets:  make(map[string][]kllBucket),
	}
}

func (k *KllProducer) Kind() string {
	return report.KindKll
}

func (k *KllProducer) OnMatchedLogEvent(e *event.Event, matches []bool) {
	k.FlushIfNeeded(e.ElapsedNs)
	if !k.active {
		return
	}
	val, ok := e.ValueAt(k.valueField)
	if !ok {
		return
	}
	var num float64
	switch val.Kind {
	case event.KindInt32, event.KindInt64:
		num = float64(val.Int)
	case event.KindFloat:
		num = val.Float
	default:
		k.recorder.NoteAtomError(e.TagID)
		return
	}
	for _, whatKey := range dimension.ExtractAll(e, k.dimensions) {
		if !k.conditionMet(whatKey) {
			continue
		}
		mk := dimension.NewMetricKey(whatKey, dimension.Default)
		h := mk.Hash()
		sketch, tracked := k.currentSlice[h]
		if !tracked {
			if _, past := k.pastBuckets[h]; !past && k.hitGuardrail(len(k.currentSlice)+len(k.pastBuckets)) {
				continue
			}
			sketch = NewKllSketch(defaultKllK)
			k.currentSlice[h] = sketch
			k.keysByHash[h] = mk
		}
		sketch.Add(num)
	}
}

func (k *KllProducer) OnConditionChanged(cond condition.State, eventTimeNs int64) {
	k.FlushIfNeeded(eventTimeNs)
	k.condition = cond
}

func (k *KllProducer) OnSlicedConditionMayChange(eventTimeNs int64) {
	k.FlushIfNeeded(eventTimeNs)
}

func (k *KllProducer) OnStateChanged(eventTimeNs int64, atomID int32, primaryKey dimension.Key,
	oldState, newState event.Value) {
}

func (k *KllProducer) OnActiveStateChanged(eventTimeNs int64, active bool) {
	k.FlushCurrentBucket(eventTimeNs)
}

func (k *KllProducer) FlushIfNeeded(nowNs int64) {
	end := k.currentBucketEndNs()
	if nowNs < end {
		return
	}
	k.closeBucket(end, false)
	k.markSkippedBuckets(k.bucketNumForTime(nowNs), skipReasonNoSamples)
	k.currentBucketNum = k.bucketNumForTime(nowNs)
	k.currentBucketStartNs = k.timeBaseNs + k.currentBucketNum*k.bucketSizeNs
	k.partialBucket = false
}

func (k *KllProducer) FlushCurrentBucket(nowNs int64) {
	end := k.currentBucketEndNs()
	if nowNs >= end {
		k.FlushIfNeeded(nowNs)
		return
	}
	if nowNs <= k.currentBucketStartNs {
		return
	}
	k.closeBucket(nowNs, true)
	k.currentBucketStartNs = nowNs
	k.partialBucket = true
}

func (k *KllProducer) closeBucket(endNs int64, partial bool) {
	for h, sketch := range k.currentSlice {
		if sketch.Count() == 0 {
			continue
		}
		k.pastBuckets[h] = append(k.pastBuckets[h], kllBucket{
			startNs: k.currentBucketStartNs,
			endNs:   endNs,
			sketch:  sketch,
		})
	}
	k.currentSlice = make(map[string]*KllSketch)
}

func (k *KllProducer) OnDumpReport(dumpTimeNs int64, includePartial, erase bool) report.Metric {
	if includePartial {
		k.FlushCurrentBucket(dumpTimeNs)
	} else {
		k.FlushIfNeeded(dumpTimeNs)
	}
	m := report.Metric{
		MetricID:              k.id,
		Kind:                  report.KindKll,
		IsActive:              k.active,
		DimensionGuardrailHit: k.guardrailHit,
		SkippedBuckets:        k.snapshotSkippedBuckets(),
		EstimatedBytes:        k.ByteSize(),
	}
	for h, buckets := range k.pastBuckets {
		mk := k.keysByHash[h]
		s := report.Series{Dimension: mk.What.Values()}
		for _, b := range buckets {
			s.Buckets = append(s.Buckets, report.Bucket{
				StartNs:     b.startNs,
				EndNs:       b.endNs,
				SampleCount: b.sketch.Count(),
				Quantiles:   b.sketch.Snapshot(),
			})
		}
		if len(s.Buckets) > 0 {
			m.Series = append(m.Series, s)
		}
	}
	if erase {
		k.clearPast()
	}
	return m
}

func (k *KllProducer) DropData(dropTimeNs int64) {
	k.FlushIfNeeded(dropTimeNs)
	k.clearPast()
	k.currentSlice = make(map[string]*KllSketch)
}

func (k *KllProducer) ClearPastBuckets(nowNs int64) {
	k.FlushIfNeeded(nowNs)
	k.clearPast()
}

func (k *KllProducer) clearPast() {
	k.pastBuckets = make(map[string][]kllBucket)
	k.guardrailHit = false
	k.skippedBuckets = nil
	for h := range k.keysByHash {
		if _, live := k.currentSlice[h]; !live {
			delete(k.keysByHash, h)
		}
	}
}

func (k *KllProducer) ByteSize() int64 {
	var total int64
	count := func(s *KllSketch) int64 {
		var n int64
		for _, level := range s.levels {
			n += int64(len(level))
		}
		return n
	}
	for _, buckets := range k.pastBuckets {
		for _, b := range buckets {
			total += bytesPerKllValue * count(b.sketch)
		}
	}
	for _, sketch := range k.currentSlice {
		total += bytesPerKllValue * count(sketch)
	}
	return total
}
