package anomaly

import (
	"container/heap"
	"sync"
)

// Alarm is one scheduled wake-up, identified by pointer.
type Alarm struct {
	TimestampSec int64
}

type alarmHeap []*Alarm

func (h alarmHeap) Len() int            { return len(h) }
func (h alarmHeap) Less(i, j int) bool  { return h[i].TimestampSec < h[j].TimestampSec }
func (h alarmHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *alarmHeap) Push(x interface{}) { *h = append(*h, x.(*Alarm)) }
func (h *alarmHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// Monitor orders pending alarms and tells its owner, through the update
// callbacks, when the soonest alarm moves. The owner exposes exactly one
// "next alarm" slot; the callbacks must not call back into the monitor.
type Monitor struct {
	mu      sync.Mutex
	alarms  alarmHeap
	set     map[*Alarm]struct{}
	update  func(timestampMs int64)
	cancel  func()
}

// NewMonitor creates a monitor. update is invoked with the new soonest
// alarm time in ms whenever it changes; cancel when no alarms remain.
func NewMonitor(update func(timestampMs int64), cancel func()) *Monitor {
	m := &Monitor{set: make(map[*Alarm]struct{}), update: update, cancel: cancel}
	heap.Init(&m.alarms)
	return m
}

// Add registers an alarm and re-arms the owner if it became the soonest.
func (m *Monitor) Add(a *Alarm) {
	if a == nil || a.TimestampSec <= 0 {
		return
	}
	m.mu.Lock()
	if _, ok := m.set[a]; ok {
		m.mu.Unlock()
		return
	}
	m.set[a] = struct{}{}
	heap.Push(&m.alarms, a)
	soonest := m.alarms[0]
	m.mu.Unlock()
	if soonest == a && m.update != nil {
		m.update(a.TimestampSec * 1000)
	}
}

// Remove cancels an alarm. Cancelling one that is absent is a no-op.
func (m *Monitor) Remove(a *Alarm) {
	m.mu.Lock()
	if _, ok := m.set[a]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.set, a)
	for i, cur := range m.alarms {
		if cur == a {
			heap.Remove(&m.alarms, i)
			break
		}
	}
	empty := m.alarms.Len() == 0
	var soonest int64
	if !empty {
		soonest = m.alarms[0].TimestampSec
	}
	m.mu.Unlock()
	if empty {
		if m.cancel != nil {
			m.cancel()
		}
	} else if m.update != nil {
		m.update(soonest * 1000)
	}
}

// PopSoonerThan removes and returns every alarm due at or before
// timestampSec.
func (m *Monitor) PopSoonerThan(timestampSec int64) map[*Alarm]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	fired := make(map[*Alarm]struct{})
	for m.alarms.Len() > 0 && m.alarms[0].TimestampSec <= timestampSec {
		a := heap.Pop(&m.alarms).(*Alarm)
		delete(m.set, a)
		fired[a] = struct{}{}
	}
	return fired
}

// Len returns the number of pending alarms.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alarms.Len()
}
