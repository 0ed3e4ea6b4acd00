package anomaly

import (
	log "github.com/sirupsen/logrus"

	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/dimension"
)

// DeclaredFunc receives every declared anomaly: the alert id, the metric
// dimension it fired for, and the elapsed-realtime timestamp.
type DeclaredFunc func(alertID int64, metricID int64, key dimension.MetricKey, timestampNs int64)

// Tracker watches one alert over one metric. It keeps a ring of the last
// numBuckets full-bucket values per dimension and compares the rolling sum
// against the threshold. Count-style metrics declare immediately; duration
// metrics schedule a predicted-crossing alarm through the monitor.
type Tracker struct {
	Alert     config.Alert
	configKey config.Key

	// Ring of past bucket values. pastBuckets[bucketNum % numBuckets] holds
	// the per-dimension values of that bucket.
	pastBuckets     []map[string]int64
	sumOverBuckets  map[string]int64
	keysByHash      map[string]dimension.MetricKey
	mostRecentBucket int64

	// Last declared anomaly per dimension, for the refractory window.
	lastAnomalySec map[string]int64

	monitor *Monitor
	alarms  map[string]*Alarm

	onDeclared DeclaredFunc
}

// NewTracker builds a tracker for one alert. monitor may be nil for alerts
// that only declare immediately (count, value).
func NewTracker(alert config.Alert, key config.Key, monitor *Monitor, onDeclared DeclaredFunc) *Tracker {
	numBuckets := alert.NumBuckets
	if numBuckets <= 0 {
		numBuckets = 1
	}
	alert.NumBuckets = numBuckets
	return &Tracker{
		Alert:            alert,
		configKey:        key,
		pastBuckets:      make([]map[string]int64, numBuckets),
		sumOverBuckets:   make(map[string]int64),
		keysByHash:       make(map[string]dimension.MetricKey),
		mostRecentBucket: -1,
		lastAnomalySec:   make(map[string]int64),
		monitor:          monitor,
		alarms:           make(map[string]*Alarm),
		onDeclared:       onDeclared,
	}
}

func (t *Tracker) index(bucketNum int64) int {
	return int(bucketNum % int64(t.Alert.NumBuckets))
}

// AddPastBucket records a finalized full-bucket value. Buckets skipped
// since the last call are zeroed out of the rolling sum.
func (t *Tracker) AddPastBucket(key dimension.MetricKey, value int64, bucketNum int64) {
	if bucketNum <= t.mostRecentBucket-int64(t.Alert.NumBuckets) {
		// Too old to matter.
		return
	}
	t.advanceTo(bucketNum)
	idx := t.index(bucketNum)
	if t.pastBuckets[idx] == nil {
		t.pastBuckets[idx] = make(map[string]int64)
	}
	h := key.Hash()
	t.pastBuckets[idx][h] += value
	t.sumOverBuckets[h] += value
	t.keysByHash[h] = key
}

// advanceTo evicts buckets that fall out of the ring when time moves to
// bucketNum.
func (t *Tracker) advanceTo(bucketNum int64) {
	if bucketNum <= t.mostRecentBucket {
		return
	}
	from := t.mostRecentBucket + 1
	if bucketNum-from >= int64(t.Alert.NumBuckets) {
		from = bucketNum - int64(t.Alert.NumBuckets) + 1
	}
	for b := from; b <= bucketNum; b++ {
		idx := t.index(b)
		if old := t.pastBuckets[idx]; old != nil {
			for h, v := range old {
				t.sumOverBuckets[h] -= v
				if t.sumOverBuckets[h] <= 0 {
					delete(t.sumOverBuckets, h)
					delete(t.keysByHash, h)
				}
			}
			t.pastBuckets[idx] = nil
		}
	}
	t.mostRecentBucket = bucketNum
}

// SumOverPastBuckets returns the rolling sum for a dimension.
func (t *Tracker) SumOverPastBuckets(key dimension.MetricKey) int64 {
	return t.sumOverBuckets[key.Hash()]
}

// DetectAnomaly reports whether the rolling sum plus the current bucket
// value breaches the threshold.
func (t *Tracker) DetectAnomaly(bucketNum int64, key dimension.MetricKey, currentValue int64) bool {
	t.advanceTo(bucketNum - 1)
	return t.sumOverBuckets[key.Hash()]+currentValue > t.Alert.TriggerIfSumGt
}

// DetectAndDeclareAnomaly fires the alert if the threshold is breached and
// the dimension is outside its refractory period.
func (t *Tracker) DetectAndDeclareAnomaly(timestampNs int64, bucketNum int64, metricID int64,
	key dimension.MetricKey, currentValue int64) {
	if t.DetectAnomaly(bucketNum, key, currentValue) {
		t.declareAnomaly(timestampNs, metricID, key)
	}
}

func (t *Tracker) declareAnomaly(timestampNs int64, metricID int64, key dimension.MetricKey) {
	h := key.Hash()
	nowSec := timestampNs / 1_000_000_000
	if last, ok := t.lastAnomalySec[h]; ok && nowSec < last+t.Alert.RefractoryPeriodSeconds {
		return
	}
	t.lastAnomalySec[h] = nowSec
	log.Infof("Anomaly declared: alert %d metric %d dimension %s", t.Alert.ID, metricID, key)
	if t.onDeclared != nil {
		t.onDeclared(t.Alert.ID, metricID, key, timestampNs)
	}
}

// StartAlarm schedules (or reschedules) the predicted-crossing alarm for a
// dimension. At most one alarm is active per dimension.
func (t *Tracker) StartAlarm(key dimension.MetricKey, timestampNs int64) {
	if t.monitor == nil || timestampNs <= 0 {
		return
	}
	h := key.Hash()
	if old, ok := t.alarms[h]; ok {
		t.monitor.Remove(old)
	}
	a := &Alarm{TimestampSec: (timestampNs + 999_999_999) / 1_000_000_000}
	t.alarms[h] = a
	t.keysByHash[h] = key
	t.monitor.Add(a)
}

// StopAlarm cancels the alarm for a dimension; if it should already have
// fired, the anomaly is declared now. Cancelling twice is safe.
func (t *Tracker) StopAlarm(key dimension.MetricKey, timestampNs int64, metricID int64) {
	h := key.Hash()
	a, ok := t.alarms[h]
	if !ok {
		return
	}
	delete(t.alarms, h)
	t.monitor.Remove(a)
	if a.TimestampSec*1_000_000_000 <= timestampNs {
		t.declareAnomaly(timestampNs, metricID, key)
	}
}

// InformAlarmsFired declares anomalies for this tracker's alarms present in
// the fired set and forgets them.
func (t *Tracker) InformAlarmsFired(timestampNs int64, metricID int64, fired map[*Alarm]struct{}) {
	for h, a := range t.alarms {
		if _, ok := fired[a]; ok {
			t.declareAnomaly(timestampNs, metricID, t.keysByHash[h])
			delete(t.alarms, h)
		}
	}
}

// HasActiveAlarms reports whether any predicted-crossing alarm is pending.
func (t *Tracker) HasActiveAlarms() bool {
	return len(t.alarms) > 0
}

// SnapshotRefractory captures the remaining refractory seconds per
// dimension at nowSec, for metadata persistence.
func (t *Tracker) SnapshotRefractory(nowSec int64) map[string]int64 {
	out := make(map[string]int64)
	for h, last := range t.lastAnomalySec {
		remaining := last + t.Alert.RefractoryPeriodSeconds - nowSec
		if remaining > 0 {
			out[h] = remaining
		}
	}
	return out
}

// LoadRefractory rebases persisted remaining refractory windows onto the
// current clock.
func (t *Tracker) LoadRefractory(remaining map[string]int64, nowSec int64) {
	for h, rem := range remaining {
		if rem <= 0 {
			continue
		}
		t.lastAnomalySec[h] = nowSec - t.Alert.RefractoryPeriodSeconds + rem
	}
}
