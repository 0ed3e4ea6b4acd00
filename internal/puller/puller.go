package puller

import (
	"fmt"
	"sync"

	"github.com/driftlabs/metricsd/internal/event"
)

// Puller samples one pullable atom on demand. Implementations live outside
// the core.
type Puller interface {
	Pull(tag int32) ([]*event.Event, error)
}

// Receiver is notified when the pull alarm fires so it can re-sample.
type Receiver interface {
	OnPullAlarm(timestampNs int64)
}

// Manager caches pulled atoms and fans pull alarms out to registered
// receivers. It is a process-wide singleton passed explicitly to the
// processor and the gauge/value producers.
type Manager struct {
	mu        sync.Mutex
	pullers   map[int32]Puller
	cache     map[int32]cacheEntry
	receivers []Receiver

	// Cache entries older than this are re-pulled.
	cacheTtlNs int64
}

type cacheEntry struct {
	events   []*event.Event
	pulledNs int64
}

// NewManager creates a manager with the given cache TTL.
func NewManager(cacheTtlNs int64) *Manager {
	return &Manager{
		pullers:    make(map[int32]Puller),
		cache:      make(map[int32]cacheEntry),
		cacheTtlNs: cacheTtlNs,
	}
}

// RegisterPuller installs the sampler for a tag.
func (m *Manager) RegisterPuller(tag int32, p Puller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pullers[tag] = p
}

// RegisterReceiver subscribes to pull alarms.
func (m *Manager) RegisterReceiver(r Receiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receivers = append(m.receivers, r)
}

// UnregisterReceiver removes a subscription.
func (m *Manager) UnregisterReceiver(r Receiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.receivers {
		if cur == r {
			m.receivers = append(m.receivers[:i], m.receivers[i+1:]...)
			return
		}
	}
}

// Pull samples a tag, serving from cache when fresh.
func (m *Manager) Pull(tag int32, nowNs int64) ([]*event.Event, error) {
	m.mu.Lock()
	if entry, ok := m.cache[tag]; ok && nowNs-entry.pulledNs < m.cacheTtlNs {
		m.mu.Unlock()
		return entry.events, nil
	}
	p, ok := m.pullers[tag]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no puller registered for tag %d", tag)
	}
	events, err := p.Pull(tag)
	if err != nil {
		return nil, fmt.Errorf("pull of tag %d failed: %w", tag, err)
	}
	m.mu.Lock()
	m.cache[tag] = cacheEntry{events: events, pulledNs: nowNs}
	m.mu.Unlock()
	return events, nil
}

// OnAlarmFired fans the pull alarm out to every receiver.
func (m *Manager) OnAlarmFired(timestampNs int64) {
	m.mu.Lock()
	receivers := make([]Receiver, len(m.receivers))
	copy(receivers, m.receivers)
	m.mu.Unlock()
	for _, r := range receivers {
		r.OnPullAlarm(timestampNs)
	}
}

// ForceClearPullerCache drops every cached sample.
func (m *Manager) ForceClearPullerCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[int32]cacheEntry)
}

// ClearPullerCacheIfNecessary drops cache entries past their TTL.
func (m *Manager) ClearPullerCacheIfNecessary(nowNs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tag, entry := range m.cache {
		if nowNs-entry.pulledNs >= m.cacheTtlNs {
			delete(m.cache, tag)
		}
	}
}
