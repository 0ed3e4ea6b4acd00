package state

import (
	"sync"

	"github.com/driftlabs/metricsd/internal/dimension"
	"github.com/driftlabs/metricsd/internal/event"
)

// Listener is notified when a tracked state atom changes value for some
// primary key. Metric producers implement this to re-slice aggregates.
type Listener interface {
	OnStateChanged(eventTimeNs int64, atomID int32, primaryKey dimension.Key, oldState, newState event.Value)
}

// Manager holds one slot per tracked state atom with the most recent value
// per primary key. By convention the last field of a state atom is the
// state value and the preceding fields form the primary key.
type Manager struct {
	mu       sync.Mutex
	trackers map[int32]*atomTracker
}

type atomTracker struct {
	values    map[string]slot
	listeners []Listener
}

type slot struct {
	key   dimension.Key
	value event.Value
}

// NewManager creates an empty state manager.
func NewManager() *Manager {
	return &Manager{trackers: make(map[int32]*atomTracker)}
}

// RegisterListener subscribes a listener to a state atom, creating the
// slot on first use.
func (m *Manager) RegisterListener(atomID int32, l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[atomID]
	if !ok {
		t = &atomTracker{values: make(map[string]slot)}
		m.trackers[atomID] = t
	}
	t.listeners = append(t.listeners, l)
}

// UnregisterListener removes a listener; the slot is dropped with its
// last subscriber.
func (m *Manager) UnregisterListener(atomID int32, l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[atomID]
	if !ok {
		return
	}
	for i, cur := range t.listeners {
		if cur == l {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			break
		}
	}
	if len(t.listeners) == 0 {
		delete(m.trackers, atomID)
	}
}

// OnLogEvent updates the slot for a tracked state atom and fans the change
// out to listeners. Events for untracked atoms are ignored.
func (m *Manager) OnLogEvent(e *event.Event) {
	m.mu.Lock()
	t, ok := m.trackers[e.TagID]
	if !ok {
		m.mu.Unlock()
		return
	}
	n := e.Size()
	if n == 0 {
		m.mu.Unlock()
		return
	}
	newState, _ := e.ValueAt(n)
	keyVals := make([]event.Value, 0, n-1)
	for pos := 1; pos < n; pos++ {
		v, _ := e.ValueAt(pos)
		keyVals = append(keyVals, v)
	}
	primaryKey := dimension.NewKey(keyVals...)

	old := event.Value{}
	if prev, ok := t.values[primaryKey.Hash()]; ok {
		old = prev.value
	}
	t.values[primaryKey.Hash()] = slot{key: primaryKey, value: newState}
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	m.mu.Unlock()

	if old.Equal(newState) {
		return
	}
	for _, l := range listeners {
		l.OnStateChanged(e.ElapsedNs, e.TagID, primaryKey, old, newState)
	}
}

// CurrentState returns the most recent value for a primary key, or false
// when the atom or key has never been seen.
func (m *Manager) CurrentState(atomID int32, primaryKey dimension.Key) (event.Value, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[atomID]
	if !ok {
		return event.Value{}, false
	}
	s, ok := t.values[primaryKey.Hash()]
	return s.value, ok
}

// TagIDs returns the atoms with at least one listener.
func (m *Manager) TagIDs() map[int32]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	tags := make(map[int32]struct{}, len(m.trackers))
	for id := range m.trackers {
		tags[id] = struct{}{}
	}
	return tags
}
