package metrics

import (
	"github.com/driftlabs/metricsd/internal/condition"
	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/dimension"
	"github.com/driftlabs/metricsd/internal/event"
	"github.com/driftlabs/metricsd/internal/report"
	"github.com/driftlabs/metricsd/internal/stats"
)

// durationState is the per-key lifecycle of a timed span.
type durationState int8

const (
	durationStopped durationState = iota
	durationStarted
	durationPaused
)

// durationInfo tracks one metric dimension's ongoing span in the current
// bucket.
type durationInfo struct {
	key         dimension.MetricKey
	state       durationState
	startCount  int
	lastStartNs int64
	// Accumulated span time in the current bucket (sum mode) or in the
	// current episode (max mode).
	accumulatedNs int64
	// Longest finished episode in the current bucket (max mode only).
	maxNs int64
	// Span time of previous partial buckets in the current full bucket,
	// consumed by anomaly detection.
	fullBucketNs int64
}

type durationBucket struct {
	startNs    int64
	endNs      int64
	durationNs int64
}

const bytesPerDurationBucket = int64(3 * 8)

// DurationProducer times a predicate per metric dimension. The sum
// aggregation accumulates every concurrent span; max keeps the longest
// single episode per bucket.
type DurationProducer struct {
	baseProducer

	startIdx   int
	stopIdx    int
	stopAllIdx int
	nested     bool
	aggregateMax bool

	current     map[string]*durationInfo
	pastBuckets map[string][]durationBucket
	keysByHash  map[string]dimension.MetricKey

	stateValues map[int32]event.Value
}

// NewDurationProducer builds a duration metric. The metric's what names a
// simple predicate; its start/stop/stopAll matcher indices and nesting flag
// arrive resolved from the builder.
func NewDurationProducer(key config.Key, cfg config.DurationMetric, conditionIndex int, conditions *condition.Set,
	startIdx, stopIdx, stopAllIdx int, nested bool,
	timeBaseNs, startTimeNs int64, recorder *stats.Recorder) *DurationProducer {
	return &DurationProducer{
		baseProducer: newBaseProducer(key, cfg.MetricBase, conditionIndex, conditions, timeBaseNs, startTimeNs, recorder),
		startIdx:     startIdx,
		stopIdx:      stopIdx,
		stopAllIdx:   stopAllIdx,
		nested:       nested,
		aggregateMax: cfg.Aggregation == "max",
		current:      make(map[string]*durationInfo),
		pastBuckets:  make(map[string][]durationBucket),
		keysByHash:   make(map[string]dimension.MetricKey),
		stateValues:  make(map[int32]event.Value),
	}
}

func (d *DurationProducer) Kind() string {
	return report.KindDuration
}

func (d *DurationProducer) stateKey() dimension.Key {
	if len(d.stateAtoms) == 0 {
		return dimension.Default
	}
	vals := make([]event.Value, len(d.stateAtoms))
	for i, atom := range d.stateAtoms {
		vals[i] = d.stateValues[atom]
	}
	return dimension.NewKey(vals...)
}

// OnMatchedLogEvent interprets the event as a start, stop, or stopAll of
// the timed predicate.
func (d *DurationProducer) OnMatchedLogEvent(e *event.Event, matches []bool) {
	d.FlushIfNeeded(e.ElapsedNs)
	if !d.active {
		return
	}
	t := e.ElapsedNs
	if d.stopAllIdx >= 0 && matches[d.stopAllIdx] {
		d.noteStopAll(t)
		return
	}
	stateKey := d.stateKey()
	keys := dimension.ExtractAll(e, d.dimensions)
	if d.startIdx >= 0 && matches[d.startIdx] {
		for _, whatKey := range keys {
			d.noteStart(dimension.NewMetricKey(whatKey, stateKey), d.conditionMet(whatKey), t)
		}
	} else if d.stopIdx >= 0 && matches[d.stopIdx] {
		for _, whatKey := range keys {
			d.noteStop(dimension.NewMetricKey(whatKey, stateKey), t)
		}
	}
}

func (d *DurationProducer) noteStart(mk dimension.MetricKey, conditionMet bool, t int64) {
	h := mk.Hash()
	info, ok := d.current[h]
	if !ok {
		if d.hitGuardrail(len(d.current) + len(d.pastBuckets)) {
			return
		}
		info = &durationInfo{key: mk}
		d.current[h] = info
		d.keysByHash[h] = mk
	}
	if d.nested {
		info.startCount++
	} else if info.startCount == 0 {
		info.startCount = 1
	}
	if info.state == durationStopped || info.state == durationPaused {
		if conditionMet {
			info.state = durationStarted
			info.lastStartNs = t
			d.startAnomalyAlarms(mk, t)
		} else {
			info.state = durationPaused
		}
	}
}

func (d *DurationProducer) noteStop(mk dimension.MetricKey, t int64) {
	h := mk.Hash()
	info, ok := d.current[h]
	if !ok {
		return
	}
	if info.startCount > 0 {
		info.startCount--
	}
	if info.startCount > 0 {
		return
	}
	d.finishEpisode(info, t)
	info.state = durationStopped
	d.stopAnomalyAlarms(mk, t)
}

func (d *DurationProducer) noteStopAll(t int64) {
	for _, info := range d.current {
		if info.state == durationStopped {
			continue
		}
		info.startCount = 0
		d.finishEpisode(info, t)
		info.state = durationStopped
		d.stopAnomalyAlarms(info.key, t)
	}
}

// finishEpisode folds a running span ending at t into the bucket value.
func (d *DurationProducer) finishEpisode(info *durationInfo, t int64) {
	if info.state == durationStarted {
		info.accumulatedNs += t - info.lastStartNs
	}
	if d.aggregateMax {
		if info.accumulatedNs > info.maxNs {
			info.maxNs = info.accumulatedNs
		}
		info.accumulatedNs = 0
	}
}

// OnConditionChanged pauses running spans on False and resumes them on
// True.
func (d *DurationProducer) OnConditionChanged(cond condition.State, eventTimeNs int64) {
	d.FlushIfNeeded(eventTimeNs)
	d.condition = cond
	for _, info := range d.current {
		switch {
		case cond != condition.StateTrue && info.state == durationStarted:
			info.accumulatedNs += eventTimeNs - info.lastStartNs
			info.state = durationPaused
			d.stopAnomalyAlarms(info.key, eventTimeNs)
		case cond == condition.StateTrue && info.state == durationPaused:
			info.state = durationStarted
			info.lastStartNs = eventTimeNs
			d.startAnomalyAlarms(info.key, eventTimeNs)
		}
	}
}

// OnSlicedConditionMayChange re-queries the condition per dimension.
func (d *DurationProducer) OnSlicedConditionMayChange(eventTimeNs int64) {
	d.FlushIfNeeded(eventTimeNs)
	for _, info := range d.current {
		met := d.conditionMet(info.key.What)
		switch {
		case !met && info.state == durationStarted:
			info.accumulatedNs += eventTimeNs - info.lastStartNs
			info.state = durationPaused
			d.stopAnomalyAlarms(info.key, eventTimeNs)
		case met && info.state == durationPaused:
			info.state = durationStarted
			info.lastStartNs = eventTimeNs
			d.startAnomalyAlarms(info.key, eventTimeNs)
		}
	}
}

func (d *DurationProducer) OnStateChanged(eventTimeNs int64, atomID int32, primaryKey dimension.Key,
	oldState, newState event.Value) {
	d.stateValues[atomID] = newState
}

func (d *DurationProducer) OnActiveStateChanged(eventTimeNs int64, active bool) {
	d.FlushCurrentBucket(eventTimeNs)
	if !active {
		d.noteStopAll(eventTimeNs)
	}
}

func (d *DurationProducer) FlushIfNeeded(nowNs int64) {
	for nowNs >= d.currentBucketEndNs() {
		if !d.HasOngoingSpans() {
			// Nothing spans the gap; close once, mark the empty windows and
			// realign to the bucket holding nowNs.
			d.closeBucket(d.currentBucketEndNs(), false)
			d.markSkippedBuckets(d.bucketNumForTime(nowNs), skipReasonNoData)
			d.currentBucketNum = d.bucketNumForTime(nowNs)
			d.currentBucketStartNs = d.timeBaseNs + d.currentBucketNum*d.bucketSizeNs
			d.partialBucket = false
			return
		}
		// A running span fills every intervening bucket; close them one at
		// a time so each gets its share.
		d.closeBucket(d.currentBucketEndNs(), false)
		d.currentBucketNum++
		d.currentBucketStartNs = d.timeBaseNs + d.currentBucketNum*d.bucketSizeNs
		d.partialBucket = false
	}
}

func (d *DurationProducer) FlushCurrentBucket(nowNs int64) {
	end := d.currentBucketEndNs()
	if nowNs >= end {
		d.FlushIfNeeded(nowNs)
		return
	}
	if nowNs <= d.currentBucketStartNs {
		return
	}
	d.closeBucket(nowNs, true)
	d.currentBucketStartNs = nowNs
	d.partialBucket = true
}

// closeBucket finalizes every tracked span at endNs. Running spans roll
// over into the next bucket.
func (d *DurationProducer) closeBucket(endNs int64, partial bool) {
	for h, info := range d.current {
		var value int64
		if d.aggregateMax {
			running := info.accumulatedNs
			if info.state == durationStarted {
				running += endNs - info.lastStartNs
			}
			value = info.maxNs
			if running > value && info.state == durationStopped {
				value = running
			}
			info.maxNs = 0
			if info.state == durationStarted {
				info.accumulatedNs = running
				info.lastStartNs = endNs
			}
		} else {
			value = info.accumulatedNs
			if info.state == durationStarted {
				value += endNs - info.lastStartNs
				info.lastStartNs = endNs
			}
			info.accumulatedNs = 0
		}
		if value > 0 {
			d.pastBuckets[h] = append(d.pastBuckets[h], durationBucket{
				startNs:    d.currentBucketStartNs,
				endNs:      endNs,
				durationNs: value,
			})
		}
		info.fullBucketNs += value
		if !partial {
			if info.fullBucketNs > 0 {
				d.addPastBucketToAnomalyTrackers(info.key, info.fullBucketNs, d.currentBucketNum)
			}
			info.fullBucketNs = 0
		}
		if info.state == durationStopped {
			delete(d.current, h)
		}
	}
}

// startAnomalyAlarms schedules predicted-crossing alarms for a span that
// just started running.
func (d *DurationProducer) startAnomalyAlarms(mk dimension.MetricKey, t int64) {
	h := mk.Hash()
	info := d.current[h]
	for _, tracker := range d.anomalyTrackers {
		remaining := tracker.Alert.TriggerIfSumGt - tracker.SumOverPastBuckets(mk)
		if info != nil {
			remaining -= info.accumulatedNs + info.fullBucketNs
		}
		if remaining < 0 {
			remaining = 0
		}
		tracker.StartAlarm(mk, t+remaining)
	}
}

func (d *DurationProducer) stopAnomalyAlarms(mk dimension.MetricKey, t int64) {
	for _, tracker := range d.anomalyTrackers {
		tracker.StopAlarm(mk, t, d.id)
	}
}

func (d *DurationProducer) OnDumpReport(dumpTimeNs int64, includePartial, erase bool) report.Metric {
	if includePartial {
		d.FlushCurrentBucket(dumpTimeNs)
	} else {
		d.FlushIfNeeded(dumpTimeNs)
	}
	m := report.Metric{
		MetricID:              d.id,
		Kind:                  report.KindDuration,
		IsActive:              d.active,
		DimensionGuardrailHit: d.guardrailHit,
		SkippedBuckets:        d.snapshotSkippedBuckets(),
		EstimatedBytes:        d.ByteSize(),
	}
	for h, buckets := range d.pastBuckets {
		mk := d.keysByHash[h]
		s := report.Series{
			Dimension:      mk.What.Values(),
			StateDimension: mk.State.Values(),
		}
		for _, b := range buckets {
			if !d.passesThreshold(b.durationNs) {
				continue
			}
			s.Buckets = append(s.Buckets, report.Bucket{StartNs: b.startNs, EndNs: b.endNs, DurationNs: b.durationNs})
		}
		if len(s.Buckets) > 0 {
			m.Series = append(m.Series, s)
		}
	}
	if erase {
		d.clearPast()
	}
	return m
}

func (d *DurationProducer) DropData(dropTimeNs int64) {
	d.FlushIfNeeded(dropTimeNs)
	d.clearPast()
}

func (d *DurationProducer) ClearPastBuckets(nowNs int64) {
	d.FlushIfNeeded(nowNs)
	d.clearPast()
}

func (d *DurationProducer) clearPast() {
	d.pastBuckets = make(map[string][]durationBucket)
	d.guardrailHit = false
	d.skippedBuckets = nil
	for h := range d.keysByHash {
		if _, live := d.current[h]; !live {
			delete(d.keysByHash, h)
		}
	}
}

func (d *DurationProducer) ByteSize() int64 {
	var total int64
	for _, buckets := range d.pastBuckets {
		total += bytesPerDurationBucket * int64(len(buckets))
	}
	total += bytesPerDurationBucket * int64(len(d.current))
	return total
}

// HasOngoingSpans reports whether any dimension is currently timing, used
// by tests and dumps.
func (d *DurationProducer) HasOngoingSpans() bool {
	for _, info := range d.current {
		if info.state != durationStopped {
			return true
		}
	}
	return false
}
