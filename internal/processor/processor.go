package processor

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/driftlabs/metricsd/internal/anomaly"
	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/event"
	"github.com/driftlabs/metricsd/internal/metrics"
	"github.com/driftlabs/metricsd/internal/puller"
	"github.com/driftlabs/metricsd/internal/restricted"
	"github.com/driftlabs/metricsd/internal/state"
	"github.com/driftlabs/metricsd/internal/stats"
	"github.com/driftlabs/metricsd/internal/storage"
	"github.com/driftlabs/metricsd/internal/uidmap"
)

// Permissions privileged atoms require of their caller.
const (
	PermissionDump       = "DUMP"
	PermissionUsageStats = "PACKAGE_USAGE_STATS"
)

// PerUserRange partitions uids into user profiles.
const PerUserRange = 100000

// Clock supplies the two time bases the engine runs on.
type Clock interface {
	ElapsedNs() int64
	WallNs() int64
}

type realClock struct {
	origin time.Time
}

// NewRealClock anchors elapsed-realtime at process start.
func NewRealClock() Clock {
	return &realClock{origin: time.Now()}
}

func (c *realClock) ElapsedNs() int64 { return time.Since(c.origin).Nanoseconds() }
func (c *realClock) WallNs() int64    { return time.Now().UnixNano() }

// PermissionChecker answers whether a caller holds the named permissions.
// The host process implements it.
type PermissionChecker interface {
	HasPermission(permission string, pid, uid int32) bool
}

// Callbacks is the narrow surface back into the host process. All of them
// are invoked while the metrics lock is held and must be non-blocking and
// must not re-enter the processor.
type Callbacks struct {
	SendBroadcast                  func(key config.Key) bool
	SendActivationBroadcast        func(uid int32, activeConfigIDs []int64) bool
	SendRestrictedMetricsBroadcast func(key config.Key, delegatePkg string, metricIDs []int64)
}

// RestrictedStore is the persistent SQL store for restricted configs.
type RestrictedStore interface {
	metrics.RestrictedSink
	Query(key config.Key, sqlQuery string) (*restricted.QueryResult, error)
	Version() int32
	UpdateDeviceInfoTable(key config.Key, instanceID string) error
	EnforceGuardrails(key config.Key, maxRows int64) error
}

// Processor is the single entry point for event ingress, config lifecycle,
// dump requests, alarms and restricted queries.
//
// Two locks, in a fixed order: mu (the metrics lock) protects the manager
// map and all per-key bookkeeping; anomalyMu protects only the next-alarm
// slot. anomalyMu may be taken while holding mu, never the reverse.
type Processor struct {
	mu sync.Mutex

	anomalyMu          sync.Mutex
	nextAnomalyAlarmMs int64

	managers map[config.Key]*metrics.Manager
	// Insertion order of the manager map; event dispatch iterates managers
	// in a stable order.
	managerOrder []config.Key
	rawConfigs   map[config.Key][]byte

	uidMap      *uidmap.Map
	pullers     *puller.Manager
	stateMgr    *state.Manager
	recorder    *stats.Recorder
	storage     *storage.Manager
	restricted  RestrictedStore
	permissions PermissionChecker

	anomalyMonitor  *anomaly.Monitor
	periodicMonitor *anomaly.Monitor

	clock      Clock
	timeBaseNs int64

	callbacks Callbacks

	// Flush/broadcast bookkeeping, all keyed per config or per uid.
	lastBroadcastTimes           map[config.Key]int64
	lastByteSizeTimes            map[config.Key]int64
	lastActivationBroadcastTimes map[int32]int64
	dumpReportNumbers            map[config.Key]int32
	onDiskDataConfigs            map[config.Key]struct{}

	lastTtlTimeNs             int64
	lastFlushRestrictedTimeNs int64
	lastDbGuardrailTimeNs     int64
	lastPullerCacheClearSec   int64

	lastWriteTimeNs         int64
	lastActiveWriteTimeNs   int64
	lastMetadataWriteTimeNs int64

	// The engine's own uid; it may spoof breadcrumb uids.
	selfUid int32
}

// Options bundles the processor's collaborators.
type Options struct {
	UidMap          *uidmap.Map
	Pullers         *puller.Manager
	StateManager    *state.Manager
	Recorder        *stats.Recorder
	Storage         *storage.Manager
	Restricted      RestrictedStore
	Permissions     PermissionChecker
	Clock           Clock
	TimeBaseNs      int64
	Callbacks       Callbacks
	SelfUid         int32
	AnomalyMonitor  *anomaly.Monitor
	PeriodicMonitor *anomaly.Monitor
}

// New creates a processor. The anomaly monitor's update callbacks are wired
// to the processor's next-alarm slot when none is supplied.
func New(opts Options) *Processor {
	p := &Processor{
		managers:                     make(map[config.Key]*metrics.Manager),
		rawConfigs:                   make(map[config.Key][]byte),
		uidMap:                       opts.UidMap,
		pullers:                      opts.Pullers,
		stateMgr:                     opts.StateManager,
		recorder:                     opts.Recorder,
		storage:                      opts.Storage,
		restricted:                   opts.Restricted,
		permissions:                  opts.Permissions,
		clock:                        opts.Clock,
		timeBaseNs:                   opts.TimeBaseNs,
		callbacks:                    opts.Callbacks,
		selfUid:                      opts.SelfUid,
		anomalyMonitor:               opts.AnomalyMonitor,
		periodicMonitor:              opts.PeriodicMonitor,
		lastBroadcastTimes:           make(map[config.Key]int64),
		lastByteSizeTimes:            make(map[config.Key]int64),
		lastActivationBroadcastTimes: make(map[int32]int64),
		dumpReportNumbers:            make(map[config.Key]int32),
		onDiskDataConfigs:            make(map[config.Key]struct{}),
	}
	if p.clock == nil {
		p.clock = NewRealClock()
	}
	if p.anomalyMonitor == nil {
		p.anomalyMonitor = anomaly.NewMonitor(p.SetAnomalyAlarm, p.CancelAnomalyAlarm)
	}
	if p.periodicMonitor == nil {
		p.periodicMonitor = anomaly.NewMonitor(nil, nil)
	}
	if p.pullers != nil {
		p.pullers.ForceClearPullerCache()
	}
	return p
}

// OnLogEvent ingests one event at the current elapsed time.
func (p *Processor) OnLogEvent(e *event.Event) {
	p.OnLogEventAt(e, p.clock.ElapsedNs())
}

// OnLogEventAt ingests one event; elapsedRealtimeNs is the ingestion
// thread's clock, distinct from the event's own timestamp.
func (p *Processor) OnLogEventAt(e *event.Event, elapsedRealtimeNs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	eventTimeNs := e.ElapsedNs
	tag := e.TagID
	p.recorder.NoteAtomLogged(tag, eventTimeNs/stats.NsPerSec, e.HeaderOnly)
	if !e.Valid {
		p.recorder.NoteAtomError(tag)
		return
	}

	// Hard-coded fixups that read and patch the event before dispatch.
	if tag == event.TagBinaryPushStateChanged {
		p.onBinaryPushStateChangedLocked(e)
	}
	if tag == event.TagWatchdogRollbackOccurred {
		p.onWatchdogRollbackOccurredLocked(e)
	}

	p.resetIfConfigTtlExpiredLocked(eventTimeNs)

	if tag == event.TagIsolatedUidChanged {
		p.onIsolatedUidChangedLocked(e)
	} else {
		p.mapIsolatedUidsLocked(e)
	}

	p.stateMgr.OnLogEvent(e)

	if len(p.managers) == 0 {
		return
	}

	// Check the pending anomaly alarm under its own lock, then fire under
	// the metrics lock.
	fireAlarm := false
	p.anomalyMu.Lock()
	if p.nextAnomalyAlarmMs != 0 && p.nextAnomalyAlarmMs*int64(time.Millisecond) <= elapsedRealtimeNs {
		p.nextAnomalyAlarmMs = 0
		fireAlarm = true
	}
	p.anomalyMu.Unlock()
	if fireAlarm {
		p.informAnomalyAlarmFiredLocked(elapsedRealtimeNs / int64(time.Millisecond))
	}

	curTimeSec := elapsedRealtimeNs / stats.NsPerSec
	if curTimeSec-p.lastPullerCacheClearSec > stats.PullerCacheClearIntervalSec {
		if p.pullers != nil {
			p.pullers.ClearPullerCacheIfNecessary(curTimeSec * stats.NsPerSec)
		}
		p.lastPullerCacheClearSec = curTimeSec
	}

	p.flushRestrictedDataIfNecessaryLocked(elapsedRealtimeNs)
	p.enforceDataTtlsIfNecessaryLocked(p.clock.WallNs(), elapsedRealtimeNs)
	p.enforceDbGuardrailsIfNecessaryLocked(p.clock.WallNs(), elapsedRealtimeNs)

	if !p.validateAppBreadcrumbLocked(e) {
		return
	}

	uidsWithActiveConfigsChanged := make(map[int32]struct{})
	activeConfigsPerUid := make(map[int32][]int64)

	for _, key := range p.managerOrder {
		m := p.managers[key]
		if e.Restricted && !m.HasRestrictedDelegate() {
			continue
		}
		wasActive := m.IsActive()
		m.OnLogEvent(e)
		isActive := m.IsActive()
		if isActive {
			activeConfigsPerUid[key.UID] = append(activeConfigsPerUid[key.UID], key.ID)
		}
		if wasActive != isActive {
			uidsWithActiveConfigsChanged[key.UID] = struct{}{}
			p.recorder.NoteActiveStatusChanged(key, isActive)
		}
		p.flushIfNecessaryLocked(key, m)
	}

	// Activation broadcasts go last, rate limited per uid on the ingestion
	// clock rather than the event clock. One rate-limited uid never blocks
	// the others.
	for uid := range uidsWithActiveConfigsChanged {
		if last, ok := p.lastActivationBroadcastTimes[uid]; ok {
			if elapsedRealtimeNs-last < stats.MinActivationBroadcastPeriodNs {
				p.recorder.NoteActivationBroadcastGuardrailHit(uid)
				log.Debugf("Activation broadcast for uid %d suppressed by rate limit", uid)
				continue
			}
		}
		if p.callbacks.SendActivationBroadcast != nil &&
			p.callbacks.SendActivationBroadcast(uid, activeConfigsPerUid[uid]) {
			p.lastActivationBroadcastTimes[uid] = elapsedRealtimeNs
		}
	}
}

// onIsolatedUidChangedLocked keeps the uid map in sync with isolated
// process lifecycles. Fields: 1 host uid, 2 isolated uid, 3 is-create.
func (p *Processor) onIsolatedUidChangedLocked(e *event.Event) {
	hostUid, err1 := e.Int64At(1)
	isolatedUid, err2 := e.Int64At(2)
	isCreate, err3 := e.BoolAt(3)
	if err1 != nil || err2 != nil || err3 != nil {
		log.Errorf("Failed to parse isolated uid change event")
		p.recorder.NoteAtomError(e.TagID)
		return
	}
	if isCreate {
		p.uidMap.AssignIsolatedUid(int32(isolatedUid), int32(hostUid))
	} else {
		p.uidMap.RemoveIsolatedUid(int32(isolatedUid))
	}
}

// mapIsolatedUidsLocked rewrites every uid-typed field, including the
// attribution chain, to its host uid.
func (p *Processor) mapIsolatedUidsLocked(e *event.Event) {
	for i := range e.Fields {
		f := &e.Fields[i]
		if !f.IsUid {
			continue
		}
		switch f.Value.Kind {
		case event.KindInt32, event.KindInt64:
			f.Value.Int = int64(p.uidMap.HostUidOrSelf(int32(f.Value.Int)))
		}
	}
	e.UID = p.uidMap.HostUidOrSelf(e.UID)
}

// validateAppBreadcrumbLocked drops spoofed or malformed breadcrumb atoms.
// Fields: 1 uid, 2 label, 3 state; state must lie in [0,3].
func (p *Processor) validateAppBreadcrumbLocked(e *event.Event) bool {
	if e.TagID != event.TagAppBreadcrumbReported {
		return true
	}
	claimedUid, err := e.Int64At(1)
	if err != nil {
		p.recorder.NoteAtomError(e.TagID)
		return false
	}
	loggerUid := p.uidMap.HostUidOrSelf(e.UID)
	if int64(loggerUid) != claimedUid && loggerUid != p.selfUid {
		log.Debugf("Breadcrumb claims uid %d but caller is %d", claimedUid, loggerUid)
		return false
	}
	st, err := e.Int64At(3)
	if err != nil || st < 0 || st > 3 {
		return false
	}
	return true
}

// GetActiveConfigs lists the active config ids of a uid.
func (p *Processor) GetActiveConfigs(uid int32) []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int64
	for key, m := range p.managers {
		if key.UID == uid && m.IsActive() {
			out = append(out, key.ID)
		}
	}
	return out
}

// GetMetricsSize reports a config's in-memory byte footprint.
func (p *Processor) GetMetricsSize(key config.Key) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.managers[key]
	if !ok {
		log.Warnf("Config source %s does not exist", key)
		return 0
	}
	return m.ByteSize()
}

// SetAnomalyAlarm arms the single next-anomaly-alarm slot.
func (p *Processor) SetAnomalyAlarm(elapsedTimeMs int64) {
	p.anomalyMu.Lock()
	defer p.anomalyMu.Unlock()
	p.nextAnomalyAlarmMs = elapsedTimeMs
}

// CancelAnomalyAlarm clears the slot; cancelling twice is safe.
func (p *Processor) CancelAnomalyAlarm() {
	p.anomalyMu.Lock()
	defer p.anomalyMu.Unlock()
	p.nextAnomalyAlarmMs = 0
}

// InformAnomalyAlarmFired is the alarm thread's entry point.
func (p *Processor) InformAnomalyAlarmFired(elapsedTimeMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.informAnomalyAlarmFiredLocked(elapsedTimeMs)
}

func (p *Processor) informAnomalyAlarmFiredLocked(elapsedTimeMs int64) {
	fired := p.anomalyMonitor.PopSoonerThan(elapsedTimeMs / 1000)
	if len(fired) == 0 {
		log.Warnf("Anomaly alarm fired but no alarm was due; perhaps recently cancelled")
		return
	}
	timestampNs := elapsedTimeMs * int64(time.Millisecond)
	for _, m := range p.managers {
		m.OnAnomalyAlarmFired(timestampNs, fired)
	}
}

// OnPeriodicAlarmFired fans the periodic alarm out to all managers.
func (p *Processor) OnPeriodicAlarmFired(timestampNs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.periodicMonitor.PopSoonerThan(timestampNs / stats.NsPerSec)
	for _, m := range p.managers {
		m.OnPeriodicAlarmFired(timestampNs)
	}
}

// InformPullAlarmFired forwards the pull alarm to the puller manager.
func (p *Processor) InformPullAlarmFired(timestampNs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pullers != nil {
		p.pullers.OnAlarmFired(timestampNs)
	}
}

// NotifyAppUpgrade cuts partial buckets across all managers.
func (p *Processor) NotifyAppUpgrade(eventTimeNs int64, pkg string, uid int32, version int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uidMap.UpdateApp(pkg, uid, version)
	for _, m := range p.managers {
		m.NotifyAppUpgrade(eventTimeNs)
	}
}

// NotifyAppRemoved drops the package from the uid map and cuts partial
// buckets.
func (p *Processor) NotifyAppRemoved(eventTimeNs int64, pkg string, uid int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uidMap.RemoveApp(pkg, uid)
	for _, m := range p.managers {
		m.NotifyAppUpgrade(eventTimeNs)
	}
}

// OnUidMapReceived cuts partial buckets after a full uid-map refresh from
// the host's package service.
func (p *Processor) OnUidMapReceived(eventTimeNs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.managers {
		m.NotifyAppUpgrade(eventTimeNs)
	}
}

// OnBootCompleted cuts partial buckets and arms boot-gated activations.
func (p *Processor) OnBootCompleted(elapsedTimeNs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.managers {
		m.OnBootCompleted(elapsedTimeNs)
	}
}

// ClockElapsedNs exposes the processor's elapsed-realtime clock.
func (p *Processor) ClockElapsedNs() int64 {
	return p.clock.ElapsedNs()
}

// ClockWallNs exposes the processor's wall clock.
func (p *Processor) ClockWallNs() int64 {
	return p.clock.WallNs()
}

// NoteOnDiskData marks a key as having buffered data on disk, so the next
// byte-size check requests a dump.
func (p *Processor) NoteOnDiskData(key config.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDiskDataConfigs[key] = struct{}{}
}
