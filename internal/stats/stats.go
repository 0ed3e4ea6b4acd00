package stats

import (
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftlabs/metricsd/internal/config"
)

// Engine-wide cadences and guardrail periods, all in elapsed-realtime ns
// unless noted.
const (
	NsPerSec = int64(1_000_000_000)

	MinBroadcastPeriodNs           = 60 * NsPerSec
	MinActivationBroadcastPeriodNs = 10 * NsPerSec
	MinByteSizeCheckPeriodNs       = 10 * NsPerSec
	MinTtlCheckPeriodNs            = 60 * 60 * NsPerSec
	MinFlushRestrictedPeriodNs     = 30 * 60 * NsPerSec
	MinDbGuardrailPeriodNs         = 60 * 60 * NsPerSec

	PullerCacheClearIntervalSec = int64(1)

	// WriteDataCoolDownSec guards against name-colliding disk files at
	// one-second timestamp resolution.
	WriteDataCoolDownSec = int64(15)

	BytesPerRestrictedConfigTriggerFlush = int64(25 * 1024)
)

// Recorder is the engine's own statistics: every error on the ingress path
// is converted into a counter here and swallowed. One instance per process,
// passed explicitly to the components that need it.
type Recorder struct {
	// InstanceID distinguishes engine restarts in report payloads.
	InstanceID string
	statsID    int32

	atomsLogged      atomic.Int64
	atomErrors       atomic.Int64
	dataDropped      atomic.Int64
	broadcastsSent   atomic.Int64
	activationGuards atomic.Int64
	dimensionGuards  atomic.Int64
	configsUpdated   atomic.Int64
	configsRemoved   atomic.Int64
	configResets     atomic.Int64
	reportsSent      atomic.Int64
	queryFailures    atomic.Int64
	querySuccesses   atomic.Int64

	queueOverflow atomic.Bool
	socketLoss    atomic.Bool

	mu             sync.Mutex
	atomErrorByTag map[int32]int64
	droppedByKey   map[config.Key]int64

	registry *prometheus.Registry

	promAtoms      prometheus.Counter
	promErrors     prometheus.Counter
	promDrops      prometheus.Counter
	promBroadcasts prometheus.Counter
	promGuardrails prometheus.Counter
}

// NewRecorder creates a recorder with its own prometheus registry so tests
// can build many without collisions.
func NewRecorder() *Recorder {
	r := &Recorder{
		InstanceID:     uuid.NewString(),
		statsID:        rand.Int31(),
		atomErrorByTag: make(map[int32]int64),
		droppedByKey:   make(map[config.Key]int64),
		registry:       prometheus.NewRegistry(),
	}
	r.promAtoms = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "metricsd", Name: "atoms_logged_total", Help: "Atoms received on the ingress path.",
	})
	r.promErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "metricsd", Name: "atom_errors_total", Help: "Atoms dropped as malformed.",
	})
	r.promDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "metricsd", Name: "data_dropped_total", Help: "Byte-size guardrail data drops.",
	})
	r.promBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "metricsd", Name: "broadcasts_sent_total", Help: "Data-ready broadcasts delivered.",
	})
	r.promGuardrails = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "metricsd", Name: "guardrail_hits_total", Help: "Rate and dimension guardrail hits.",
	})
	r.registry.MustRegister(r.promAtoms, r.promErrors, r.promDrops, r.promBroadcasts, r.promGuardrails)
	return r
}

// StatsID identifies this engine instance in reports.
func (r *Recorder) StatsID() int32 {
	return r.statsID
}

// Handler exposes the counters in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) NoteAtomLogged(tag int32, elapsedSec int64, headerOnly bool) {
	r.atomsLogged.Add(1)
	r.promAtoms.Inc()
}

func (r *Recorder) NoteAtomError(tag int32) {
	r.atomErrors.Add(1)
	r.promErrors.Inc()
	r.mu.Lock()
	r.atomErrorByTag[tag]++
	r.mu.Unlock()
}

func (r *Recorder) NoteDataDropped(key config.Key, bytes int64) {
	r.dataDropped.Add(1)
	r.promDrops.Inc()
	r.mu.Lock()
	r.droppedByKey[key] += bytes
	r.mu.Unlock()
}

func (r *Recorder) NoteBroadcastSent(key config.Key) {
	r.broadcastsSent.Add(1)
	r.promBroadcasts.Inc()
}

func (r *Recorder) NoteActivationBroadcastGuardrailHit(uid int32) {
	r.activationGuards.Add(1)
	r.promGuardrails.Inc()
}

func (r *Recorder) NoteHardDimensionLimitReached(metricID int64) {
	r.dimensionGuards.Add(1)
	r.promGuardrails.Inc()
}

func (r *Recorder) NoteActiveStatusChanged(key config.Key, active bool) {}

func (r *Recorder) NoteConfigUpdated(key config.Key) {
	r.configsUpdated.Add(1)
}

func (r *Recorder) NoteConfigRemoved(key config.Key) {
	r.configsRemoved.Add(1)
}

func (r *Recorder) NoteConfigReset(key config.Key) {
	r.configResets.Add(1)
}

func (r *Recorder) NoteMetricsReportSent(key config.Key, size int, reportNumber int) {
	r.reportsSent.Add(1)
}

func (r *Recorder) NoteDbDeletionConfigUpdated(key config.Key) {}

func (r *Recorder) NoteDbDeletionConfigRemoved(key config.Key) {}

func (r *Recorder) NoteDeviceInfoTableCreationFailed(key config.Key) {}

func (r *Recorder) NoteQueryRestrictedMetricFailed(configID int64, pkg string, callingUid int32, reason string) {
	r.queryFailures.Add(1)
}

func (r *Recorder) NoteQueryRestrictedMetricSucceed(configID int64, pkg string, callingUid int32, latencyNs int64) {
	r.querySuccesses.Add(1)
}

// NoteEventQueueOverflow marks the data-corrupted bit carried in every
// subsequent report.
func (r *Recorder) NoteEventQueueOverflow() {
	r.queueOverflow.Store(true)
}

func (r *Recorder) NoteSocketLoss() {
	r.socketLoss.Store(true)
}

func (r *Recorder) HasEventQueueOverflow() bool {
	return r.queueOverflow.Load()
}

func (r *Recorder) HasSocketLoss() bool {
	return r.socketLoss.Load()
}

// AtomsLogged returns the ingress counter, for tests and dumps.
func (r *Recorder) AtomsLogged() int64 {
	return r.atomsLogged.Load()
}

// AtomErrors returns the malformed-atom counter.
func (r *Recorder) AtomErrors() int64 {
	return r.atomErrors.Load()
}

// DataDroppedBytes returns the total bytes dropped for a key.
func (r *Recorder) DataDroppedBytes(key config.Key) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.droppedByKey[key]
}

// ActivationGuardrailHits returns the activation-broadcast rate limit
// counter.
func (r *Recorder) ActivationGuardrailHits() int64 {
	return r.activationGuards.Load()
}
