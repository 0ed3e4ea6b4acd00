package metrics

import (
	"github.com/driftlabs/metricsd/internal/anomaly"
	"github.com/driftlabs/metricsd/internal/condition"
	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/dimension"
	"github.com/driftlabs/metricsd/internal/event"
	"github.com/driftlabs/metricsd/internal/report"
	"github.com/driftlabs/metricsd/internal/stats"
)

// Producer is the common contract of every metric kind. All calls happen
// under the processor's metrics lock; producers hold no locks of their own.
type Producer interface {
	ID() int64
	Kind() string

	// OnMatchedLogEvent feeds an event whose what-matcher fired.
	OnMatchedLogEvent(e *event.Event, matches []bool)

	// OnConditionChanged reports the linked (non-sliced) condition flipping.
	OnConditionChanged(cond condition.State, eventTimeNs int64)

	// OnSlicedConditionMayChange reports that some slice of the linked
	// condition changed; producers re-query per dimension.
	OnSlicedConditionMayChange(eventTimeNs int64)

	// OnStateChanged re-slices aggregates when a linked state atom moves.
	OnStateChanged(eventTimeNs int64, atomID int32, primaryKey dimension.Key, oldState, newState event.Value)

	// OnActiveStateChanged is called when activation flips; the producer
	// cuts a partial bucket.
	OnActiveStateChanged(eventTimeNs int64, active bool)

	// FlushIfNeeded closes buckets the event time has moved past.
	FlushIfNeeded(nowNs int64)

	// FlushCurrentBucket force-cuts the current bucket at nowNs (partial).
	FlushCurrentBucket(nowNs int64)

	// OnDumpReport renders and optionally erases the gathered buckets.
	OnDumpReport(dumpTimeNs int64, includePartial, erase bool) report.Metric

	// DropData erases everything without reporting.
	DropData(dropTimeNs int64)

	// ClearPastBuckets erases finalized buckets, keeping the current one.
	ClearPastBuckets(nowNs int64)

	// ByteSize approximates the producer's report footprint.
	ByteSize() int64

	// IsActive reports the activation state.
	IsActive() bool

	// OnAnomalyAlarmFired declares anomalies for fired predicted alarms.
	OnAnomalyAlarmFired(timestampNs int64, fired map[*anomaly.Alarm]struct{})

	// EvaluateActivations folds the event's matcher vector into the active
	// window and reports whether the active state flipped.
	EvaluateActivations(eventTimeNs int64, matches []bool) bool

	// RemainingTtlNs and LoadActiveState persist activation windows across
	// restarts; ActivateOnBoot arms boot-gated activations.
	RemainingTtlNs(nowNs int64) int64
	LoadActiveState(remainingTtlNs, nowNs int64)
	ActivateOnBoot(nowNs int64) bool

	// StateAtoms lists the state atoms the producer slices by.
	StateAtoms() []int32
}

// activation is one event-gated active window of a producer.
type activation struct {
	matcherIndex      int
	deactivationIndex int
	ttlNs             int64
	activatedAtNs     int64
	activateOnBoot    bool
}

// baseProducer carries the machinery every metric kind shares: bucket
// alignment, the linked condition, activations, threshold, dimension
// guardrail and anomaly trackers.
type baseProducer struct {
	configKey config.Key
	id        int64

	conditionIndex int // -1 when unconditional
	conditions     *condition.Set
	condition      condition.State
	conditionSliced bool

	dimensions dimension.Projection
	stateAtoms []int32

	timeBaseNs   int64
	bucketSizeNs int64

	currentBucketStartNs int64
	currentBucketNum     int64
	// Set when the current bucket was opened by a forced cut and so did not
	// start on a natural boundary.
	partialBucket bool

	activations []*activation
	active      bool

	threshold     *config.UploadThreshold
	maxDimensions int
	guardrailHit  bool

	anomalyTrackers []*anomaly.Tracker

	// Markers for whole buckets that elapsed with nothing to report; these
	// surface in the report so consumers can tell an empty window from a
	// missing one.
	skippedBuckets []report.SkippedBucket

	recorder *stats.Recorder
}

// maxSkippedBuckets bounds the marker list across very long gaps.
const maxSkippedBuckets = 512

// Skipped-bucket reasons, by metric kind: aggregating kinds report an
// empty data window, sampling kinds report that nothing was sampled.
const (
	skipReasonNoData    = "no_data"
	skipReasonNoSamples = "no_samples"
)

func newBaseProducer(key config.Key, mb config.MetricBase, conditionIndex int, conditions *condition.Set,
	timeBaseNs, startTimeNs int64, recorder *stats.Recorder) baseProducer {
	bucketSizeNs := mb.BucketNs
	if bucketSizeNs <= 0 {
		bucketSeconds := mb.BucketSeconds
		if bucketSeconds <= 0 {
			bucketSeconds = config.DefaultBucketSeconds
		}
		bucketSizeNs = bucketSeconds * stats.NsPerSec
	}
	maxDims := mb.MaxDimensions
	if maxDims <= 0 {
		maxDims = config.DefaultMaxDimensions
	}
	b := baseProducer{
		configKey:      key,
		id:             mb.ID,
		conditionIndex: conditionIndex,
		conditions:     conditions,
		condition:      condition.StateTrue,
		stateAtoms:     mb.SliceByStates,
		timeBaseNs:     timeBaseNs,
		bucketSizeNs:   bucketSizeNs,
		threshold:      mb.Threshold,
		maxDimensions:  maxDims,
		recorder:       recorder,
	}
	for _, fp := range mb.Dimensions {
		b.dimensions = append(b.dimensions, dimension.FieldPos{Pos: fp.Pos, All: fp.All})
	}
	if conditionIndex >= 0 {
		b.condition = conditions.StateAt(conditionIndex)
		b.conditionSliced = conditions.Trackers[conditionIndex].Sliced()
	}
	b.active = len(mb.Activations) == 0
	b.currentBucketNum = (startTimeNs - timeBaseNs) / b.bucketSizeNs
	b.currentBucketStartNs = timeBaseNs + b.currentBucketNum*b.bucketSizeNs
	if startTimeNs > b.currentBucketStartNs {
		// The metric started mid-bucket; its first bucket is partial.
		b.currentBucketStartNs = startTimeNs
		b.partialBucket = true
	}
	return b
}

func (b *baseProducer) ID() int64 {
	return b.id
}

func (b *baseProducer) IsActive() bool {
	return b.active
}

// StateAtoms lists the state atoms the producer slices by.
func (b *baseProducer) StateAtoms() []int32 {
	return b.stateAtoms
}

// currentBucketEndNs is the natural boundary of the current bucket,
// regardless of any partial start.
func (b *baseProducer) currentBucketEndNs() int64 {
	return b.timeBaseNs + (b.currentBucketNum+1)*b.bucketSizeNs
}

// bucketNumForTime maps an elapsed timestamp onto the aligned bucket grid.
func (b *baseProducer) bucketNumForTime(nowNs int64) int64 {
	return (nowNs - b.timeBaseNs) / b.bucketSizeNs
}

// markSkippedBuckets records every whole bucket between the current one
// and newBucketNum. Call after closing the current bucket and before
// realigning to newBucketNum.
func (b *baseProducer) markSkippedBuckets(newBucketNum int64, reason string) {
	for num := b.currentBucketNum + 1; num < newBucketNum; num++ {
		if len(b.skippedBuckets) >= maxSkippedBuckets {
			return
		}
		b.skippedBuckets = append(b.skippedBuckets, report.SkippedBucket{
			StartNs: b.timeBaseNs + num*b.bucketSizeNs,
			EndNs:   b.timeBaseNs + (num+1)*b.bucketSizeNs,
			Reason:  reason,
		})
	}
}

// snapshotSkippedBuckets copies the marker list for a report.
func (b *baseProducer) snapshotSkippedBuckets() []report.SkippedBucket {
	if len(b.skippedBuckets) == 0 {
		return nil
	}
	out := make([]report.SkippedBucket, len(b.skippedBuckets))
	copy(out, b.skippedBuckets)
	return out
}

// conditionMet answers the condition for one what-dimension, honoring
// sliced conditions.
func (b *baseProducer) conditionMet(key dimension.Key) bool {
	if b.conditionIndex < 0 {
		return true
	}
	if b.conditionSliced {
		return b.conditions.StateForKey(b.conditionIndex, key) == condition.StateTrue
	}
	return b.condition == condition.StateTrue
}

// passesThreshold applies the upload threshold to a full-bucket aggregate.
func (b *baseProducer) passesThreshold(value int64) bool {
	if b.threshold == nil {
		return true
	}
	switch b.threshold.Cmp {
	case "lt":
		return value < b.threshold.Value
	case "gt":
		return value > b.threshold.Value
	case "lte":
		return value <= b.threshold.Value
	case "gte":
		return value >= b.threshold.Value
	default:
		return true
	}
}

// hitGuardrail checks the per-dimension limit before tracking a new key.
func (b *baseProducer) hitGuardrail(trackedDimensions int) bool {
	if trackedDimensions < b.maxDimensions {
		return false
	}
	if !b.guardrailHit {
		b.guardrailHit = true
		b.recorder.NoteHardDimensionLimitReached(b.id)
	}
	return true
}

// EvaluateActivations updates the active window from the event's matcher
// vector and returns whether the active state flipped.
func (b *baseProducer) EvaluateActivations(eventTimeNs int64, matches []bool) bool {
	if len(b.activations) == 0 {
		return false
	}
	for _, a := range b.activations {
		if a.matcherIndex >= 0 && a.matcherIndex < len(matches) && matches[a.matcherIndex] {
			a.activatedAtNs = eventTimeNs
		}
		if a.deactivationIndex >= 0 && a.deactivationIndex < len(matches) && matches[a.deactivationIndex] {
			a.activatedAtNs = 0
		}
	}
	wasActive := b.active
	b.active = b.anyActivationLive(eventTimeNs)
	return b.active != wasActive
}

func (b *baseProducer) anyActivationLive(nowNs int64) bool {
	for _, a := range b.activations {
		if a.activatedAtNs > 0 && nowNs < a.activatedAtNs+a.ttlNs {
			return true
		}
	}
	return false
}

// RemainingTtlNs reports the longest remaining activation window, for
// persisting active state across restarts.
func (b *baseProducer) RemainingTtlNs(nowNs int64) int64 {
	var remaining int64
	for _, a := range b.activations {
		if a.activatedAtNs > 0 {
			if r := a.activatedAtNs + a.ttlNs - nowNs; r > remaining {
				remaining = r
			}
		}
	}
	return remaining
}

// LoadActiveState rebases a persisted remaining TTL onto the current time.
func (b *baseProducer) LoadActiveState(remainingTtlNs, nowNs int64) {
	if len(b.activations) == 0 || remainingTtlNs <= 0 {
		return
	}
	for _, a := range b.activations {
		a.activatedAtNs = nowNs - a.ttlNs + remainingTtlNs
		if a.activatedAtNs <= 0 {
			a.activatedAtNs = 1
		}
	}
	b.active = true
}

// ActivateOnBoot arms boot-gated activations at init-complete time.
func (b *baseProducer) ActivateOnBoot(nowNs int64) bool {
	changed := false
	for _, a := range b.activations {
		if a.activateOnBoot && a.activatedAtNs == 0 {
			a.activatedAtNs = nowNs
			changed = true
		}
	}
	if changed {
		b.active = b.anyActivationLive(nowNs)
	}
	return changed
}

// addPastBucketToAnomalyTrackers feeds a finalized full-bucket value to
// every linked alert.
func (b *baseProducer) addPastBucketToAnomalyTrackers(key dimension.MetricKey, value int64, bucketNum int64) {
	for _, t := range b.anomalyTrackers {
		t.AddPastBucket(key, value, bucketNum)
	}
}

// detectAndDeclareAnomaly runs the immediate anomaly check on the current
// bucket value.
func (b *baseProducer) detectAndDeclareAnomaly(timestampNs int64, key dimension.MetricKey, currentValue int64) {
	for _, t := range b.anomalyTrackers {
		t.DetectAndDeclareAnomaly(timestampNs, b.currentBucketNum, b.id, key, currentValue)
	}
}

// OnAnomalyAlarmFired forwards fired predicted alarms to the trackers.
func (b *baseProducer) OnAnomalyAlarmFired(timestampNs int64, fired map[*anomaly.Alarm]struct{}) {
	for _, t := range b.anomalyTrackers {
		t.InformAlarmsFired(timestampNs, b.id, fired)
	}
}
