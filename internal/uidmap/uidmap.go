package uidmap

import (
	"sync"

	"github.com/driftlabs/metricsd/internal/config"
)

// AppRecord is one installed-package entry as fed by the host's package
// service and as snapshotted into reports.
type AppRecord struct {
	Package string
	UID     int32
	Version int64
	Deleted bool
}

// Map is the process-wide uid mapping service: isolated-to-host uid
// resolution plus the installed-package table. All operations are safe for
// concurrent use; the processor mutates it only through these methods.
type Map struct {
	mu       sync.RWMutex
	isolated map[int32]int32
	apps     map[string]map[int32]int64 // package -> uid -> version

	// Configs interested in uid-map deltas for their reports.
	interested map[config.Key]struct{}
}

// New creates an empty map.
func New() *Map {
	return &Map{
		isolated:   make(map[int32]int32),
		apps:       make(map[string]map[int32]int64),
		interested: make(map[config.Key]struct{}),
	}
}

// AssignIsolatedUid records an isolated uid spawned by a host uid.
func (m *Map) AssignIsolatedUid(isolatedUid, hostUid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isolated[isolatedUid] = hostUid
}

// RemoveIsolatedUid forgets an isolated uid.
func (m *Map) RemoveIsolatedUid(isolatedUid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.isolated, isolatedUid)
}

// HostUidOrSelf resolves an isolated uid to its host, or returns the input
// unchanged when it is not isolated.
func (m *Map) HostUidOrSelf(uid int32) int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if host, ok := m.isolated[uid]; ok {
		return host
	}
	return uid
}

// UpdateApp records an installed package version for a uid.
func (m *Map) UpdateApp(pkg string, uid int32, version int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uids, ok := m.apps[pkg]
	if !ok {
		uids = make(map[int32]int64)
		m.apps[pkg] = uids
	}
	uids[uid] = version
}

// RemoveApp drops a package/uid pair.
func (m *Map) RemoveApp(pkg string, uid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uids, ok := m.apps[pkg]; ok {
		delete(uids, uid)
		if len(uids) == 0 {
			delete(m.apps, pkg)
		}
	}
}

// AppUids returns every uid a package is installed under.
func (m *Map) AppUids(pkg string) map[int32]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int32]struct{})
	for uid := range m.apps[pkg] {
		out[uid] = struct{}{}
	}
	return out
}

// OnConfigUpdated marks a config as interested in uid-map snapshots.
func (m *Map) OnConfigUpdated(key config.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interested[key] = struct{}{}
}

// OnConfigRemoved clears a config's interest.
func (m *Map) OnConfigRemoved(key config.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.interested, key)
}

// Snapshot returns the current installed-package table for inclusion in a
// report.
func (m *Map) Snapshot() []AppRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AppRecord
	for pkg, uids := range m.apps {
		for uid, version := range uids {
			out = append(out, AppRecord{Package: pkg, UID: uid, Version: version})
		}
	}
	return out
}
