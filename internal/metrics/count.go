package metrics

import (
	"github.com/driftlabs/metricsd/internal/condition"
	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/dimension"
	"github.com/driftlabs/metricsd/internal/event"
	"github.com/driftlabs/metricsd/internal/report"
	"github.com/driftlabs/metricsd/internal/stats"
)

type countBucket struct {
	startNs int64
	endNs   int64
	count   int64
}

const bytesPerCountBucket = int64(3 * 8)

// CountProducer counts matched events per metric dimension per bucket.
type CountProducer struct {
	baseProducer

	// Counters of the current (possibly partial) bucket.
	currentSlice map[string]int64
	// Sum of previous partial buckets inside the current full bucket,
	// consumed by anomaly detection only.
	currentFull map[string]int64

	keysByHash  map[string]dimension.MetricKey
	pastBuckets map[string][]countBucket

	stateValues map[int32]event.Value
}

// NewCountProducer builds a count metric.
func NewCountProducer(key config.Key, cfg config.CountMetric, conditionIndex int, conditions *condition.Set,
	timeBaseNs, startTimeNs int64, recorder *stats.Recorder) *CountProducer {
	return &CountProducer{
		baseProducer: newBaseProducer(key, cfg.MetricBase, conditionIndex, conditions, timeBaseNs, startTimeNs, recorder),
		currentSlice: make(map[string]int64),
		currentFull:  make(map[string]int64),
		keysByHash:   make(map[string]dimension.MetricKey),
		pastBuckets:  make(map[string][]countBucket),
		stateValues:  make(map[int32]event.Value),
	}
}

func (c *CountProducer) Kind() string {
	return report.KindCount
}

func (c *CountProducer) stateKey() dimension.Key {
	if len(c.stateAtoms) == 0 {
		return dimension.Default
	}
	vals := make([]event.Value, len(c.stateAtoms))
	for i, atom := range c.stateAtoms {
		vals[i] = c.stateValues[atom]
	}
	return dimension.NewKey(vals...)
}

// OnMatchedLogEvent increments the counter of every expanded dimension
// whose condition is true.
func (c *CountProducer) OnMatchedLogEvent(e *event.Event, matches []bool) {
	c.FlushIfNeeded(e.ElapsedNs)
	if !c.active {
		return
	}
	stateKey := c.stateKey()
	for _, whatKey := range dimension.ExtractAll(e, c.dimensions) {
		if !c.conditionMet(whatKey) {
			continue
		}
		mk := dimension.NewMetricKey(whatKey, stateKey)
		h := mk.Hash()
		if _, tracked := c.currentSlice[h]; !tracked {
			if _, past := c.pastBuckets[h]; !past && c.hitGuardrail(len(c.currentSlice)+len(c.pastBuckets)) {
				continue
			}
		}
		c.currentSlice[h]++
		c.keysByHash[h] = mk
		c.detectAndDeclareAnomaly(e.ElapsedNs, mk, c.currentFull[h]+c.currentSlice[h])
	}
}

func (c *CountProducer) OnConditionChanged(cond condition.State, eventTimeNs int64) {
	c.FlushIfNeeded(eventTimeNs)
	c.condition = cond
}

func (c *CountProducer) OnSlicedConditionMayChange(eventTimeNs int64) {
	c.FlushIfNeeded(eventTimeNs)
}

func (c *CountProducer) OnStateChanged(eventTimeNs int64, atomID int32, primaryKey dimension.Key,
	oldState, newState event.Value) {
	c.stateValues[atomID] = newState
}

func (c *CountProducer) OnActiveStateChanged(eventTimeNs int64, active bool) {
	c.FlushCurrentBucket(eventTimeNs)
}

// FlushIfNeeded closes the current bucket once the event time passes its
// natural boundary, then realigns to the bucket containing nowNs.
func (c *CountProducer) FlushIfNeeded(nowNs int64) {
	end := c.currentBucketEndNs()
	if nowNs < end {
		return
	}
	c.closeBucket(end, false)
	c.markSkippedBuckets(c.bucketNumForTime(nowNs), skipReasonNoData)
	c.currentBucketNum = c.bucketNumForTime(nowNs)
	c.currentBucketStartNs = c.timeBaseNs + c.currentBucketNum*c.bucketSizeNs
	c.partialBucket = false
}

// FlushCurrentBucket force-cuts the current bucket at nowNs. When nowNs is
// past the natural boundary this degenerates to a normal flush.
func (c *CountProducer) FlushCurrentBucket(nowNs int64) {
	end := c.currentBucketEndNs()
	if nowNs >= end {
		c.FlushIfNeeded(nowNs)
		return
	}
	if nowNs <= c.currentBucketStartNs {
		return
	}
	c.closeBucket(nowNs, true)
	c.currentBucketStartNs = nowNs
	c.partialBucket = true
}

func (c *CountProducer) closeBucket(endNs int64, partial bool) {
	fullBucketComplete := !partial
	for h, count := range c.currentSlice {
		if count == 0 {
			continue
		}
		mk := c.keysByHash[h]
		c.pastBuckets[h] = append(c.pastBuckets[h], countBucket{
			startNs: c.currentBucketStartNs,
			endNs:   endNs,
			count:   count,
		})
		c.currentFull[h] += count
		if fullBucketComplete {
			c.addPastBucketToAnomalyTrackers(mk, c.currentFull[h], c.currentBucketNum)
		}
	}
	if fullBucketComplete {
		c.currentFull = make(map[string]int64)
	}
	c.currentSlice = make(map[string]int64)
}

func (c *CountProducer) OnDumpReport(dumpTimeNs int64, includePartial, erase bool) report.Metric {
	if includePartial {
		c.FlushCurrentBucket(dumpTimeNs)
	} else {
		c.FlushIfNeeded(dumpTimeNs)
	}
	m := report.Metric{
		MetricID:              c.id,
		Kind:                  report.KindCount,
		IsActive:              c.active,
		DimensionGuardrailHit: c.guardrailHit,
		SkippedBuckets:        c.snapshotSkippedBuckets(),
		EstimatedBytes:        c.ByteSize(),
	}
	for h, buckets := range c.pastBuckets {
		mk := c.keysByHash[h]
		s := report.Series{
			Dimension:      mk.What.Values(),
			StateDimension: mk.State.Values(),
		}
		for _, b := range buckets {
			if !c.passesThreshold(b.count) {
				continue
			}
			s.Buckets = append(s.Buckets, report.Bucket{StartNs: b.startNs, EndNs: b.endNs, Count: b.count})
		}
		if len(s.Buckets) > 0 {
			m.Series = append(m.Series, s)
		}
	}
	if erase {
		c.clearPast()
	}
	return m
}

func (c *CountProducer) DropData(dropTimeNs int64) {
	c.FlushIfNeeded(dropTimeNs)
	c.clearPast()
	c.currentSlice = make(map[string]int64)
}

func (c *CountProducer) ClearPastBuckets(nowNs int64) {
	c.FlushIfNeeded(nowNs)
	c.clearPast()
}

func (c *CountProducer) clearPast() {
	c.pastBuckets = make(map[string][]countBucket)
	c.guardrailHit = false
	c.skippedBuckets = nil
	for h := range c.keysByHash {
		if _, live := c.currentSlice[h]; !live {
			delete(c.keysByHash, h)
		}
	}
}

func (c *CountProducer) ByteSize() int64 {
	var total int64
	for _, buckets := range c.pastBuckets {
		total += bytesPerCountBucket * int64(len(buckets))
	}
	total += bytesPerCountBucket * int64(len(c.currentSlice))
	return total
}
