package metrics

import (
	"fmt"

	"github.com/driftlabs/metricsd/internal/anomaly"
	"github.com/driftlabs/metricsd/internal/condition"
	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/matcher"
	"github.com/driftlabs/metricsd/internal/puller"
	"github.com/driftlabs/metricsd/internal/state"
	"github.com/driftlabs/metricsd/internal/stats"
	"github.com/driftlabs/metricsd/internal/uidmap"
)

// Deps bundles the shared services a manager wires into its producers.
type Deps struct {
	StateManager   *state.Manager
	PullerManager  *puller.Manager
	UidMap         *uidmap.Map
	AnomalyMonitor *anomaly.Monitor
	Recorder       *stats.Recorder
	RestrictedSink RestrictedSink
	OnAnomaly      anomaly.DeclaredFunc
}

// NewManager validates a config and builds its full metric machinery. A
// returned error means the config is rejected and no manager exists.
func NewManager(key config.Key, cfg *config.Config, timeBaseNs, startTimeNs int64, deps Deps) (*Manager, error) {
	cfg.ApplyDefaults()

	registry, err := matcher.Build(cfg.Matchers)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", key, err)
	}
	conditions, err := condition.Build(cfg.Predicates, registry)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", key, err)
	}

	m := &Manager{
		Key:                  key,
		cfg:                  cfg,
		registry:             registry,
		conditions:           conditions,
		matcherToProducers:   make(map[int][]int),
		conditionToProducers: make(map[int][]int),
		stateMgr:             deps.StateManager,
		pullerMgr:            deps.PullerManager,
		uidMap:               deps.UidMap,
		recorder:             deps.Recorder,
		timeBaseNs:           timeBaseNs,
		ttlNs:                cfg.TTLSeconds * stats.NsPerSec,
		restrictedSink:       deps.RestrictedSink,
		restrictedWhat:       make(map[int]int64),
	}
	m.RefreshTtl(startTimeNs)

	alertsByMetric := make(map[int64][]config.Alert)
	for _, a := range cfg.Alerts {
		alertsByMetric[a.MetricID] = append(alertsByMetric[a.MetricID], a)
	}
	metricIDs := make(map[int64]struct{})
	checkMetricID := func(id int64) error {
		if id == 0 {
			return fmt.Errorf("config %s: metric with missing id", key)
		}
		if _, dup := metricIDs[id]; dup {
			return fmt.Errorf("config %s: duplicate metric id %d", key, id)
		}
		metricIDs[id] = struct{}{}
		return nil
	}

	resolveCondition := func(metricID, ref int64) (int, error) {
		if ref == 0 {
			return -1, nil
		}
		idx, ok := conditions.IDToIndex[ref]
		if !ok {
			return -1, fmt.Errorf("config %s: metric %d references unknown predicate %d", key, metricID, ref)
		}
		return idx, nil
	}
	resolveMatcher := func(metricID, ref int64) (int, error) {
		if ref == 0 {
			return -1, nil
		}
		idx, ok := registry.Index(ref)
		if !ok {
			return -1, fmt.Errorf("config %s: metric %d references unknown matcher %d", key, metricID, ref)
		}
		return idx, nil
	}

	// attach finishes the wiring every producer kind shares.
	attach := func(p Producer, base *baseProducer, mb config.MetricBase, whatIdx, condIdx int) error {
		idx := len(m.producers)
		m.producers = append(m.producers, p)
		if whatIdx >= 0 {
			m.matcherToProducers[whatIdx] = append(m.matcherToProducers[whatIdx], idx)
		}
		if condIdx >= 0 {
			m.conditionToProducers[condIdx] = append(m.conditionToProducers[condIdx], idx)
		}
		for _, act := range mb.Activations {
			actIdx, err := resolveMatcher(mb.ID, act.Matcher)
			if err != nil {
				return err
			}
			deactIdx, err := resolveMatcher(mb.ID, act.DeactivationMatcher)
			if err != nil {
				return err
			}
			if actIdx < 0 && !act.ActivateOnBoot {
				return fmt.Errorf("config %s: metric %d activation missing matcher", key, mb.ID)
			}
			base.activations = append(base.activations, &activation{
				matcherIndex:      actIdx,
				deactivationIndex: deactIdx,
				ttlNs:             act.TTLSeconds * stats.NsPerSec,
				activateOnBoot:    act.ActivateOnBoot,
			})
		}
		if len(base.activations) > 0 {
			base.active = false
		}
		for _, alert := range alertsByMetric[mb.ID] {
			var monitor *anomaly.Monitor
			if p.Kind() == "duration" {
				monitor = deps.AnomalyMonitor
			}
			t := anomaly.NewTracker(alert, key, monitor, deps.OnAnomaly)
			base.anomalyTrackers = append(base.anomalyTrackers, t)
			m.anomalyTrackers = append(m.anomalyTrackers, t)
		}
		delete(alertsByMetric, mb.ID)
		for _, atom := range mb.SliceByStates {
			deps.StateManager.RegisterListener(atom, p)
		}
		if r, ok := p.(puller.Receiver); ok && deps.PullerManager != nil {
			deps.PullerManager.RegisterReceiver(r)
		}
		return nil
	}

	if cfg.HasRestrictedDelegate() {
		// Restricted configs route raw rows to the SQL store; only the what
		// matchers are resolved.
		if len(cfg.DurationMetrics)+len(cfg.GaugeMetrics)+len(cfg.KllMetrics) > 0 {
			return nil, fmt.Errorf("config %s: restricted configs support count and value metrics only", key)
		}
		for _, cm := range cfg.CountMetrics {
			if err := checkMetricID(cm.ID); err != nil {
				return nil, err
			}
			whatIdx, err := resolveMatcher(cm.ID, cm.What)
			if err != nil {
				return nil, err
			}
			if whatIdx < 0 {
				return nil, fmt.Errorf("config %s: metric %d missing what matcher", key, cm.ID)
			}
			m.restrictedWhat[whatIdx] = cm.ID
		}
		for _, vm := range cfg.ValueMetrics {
			if err := checkMetricID(vm.ID); err != nil {
				return nil, err
			}
			whatIdx, err := resolveMatcher(vm.ID, vm.What)
			if err != nil {
				return nil, err
			}
			if whatIdx < 0 {
				return nil, fmt.Errorf("config %s: metric %d missing what matcher", key, vm.ID)
			}
			m.restrictedWhat[whatIdx] = vm.ID
		}
		return m, nil
	}

	for _, cm := range cfg.CountMetrics {
		if err := checkMetricID(cm.ID); err != nil {
			return nil, err
		}
		whatIdx, err := resolveMatcher(cm.ID, cm.What)
		if err != nil {
			return nil, err
		}
		if whatIdx < 0 {
			return nil, fmt.Errorf("config %s: metric %d missing what matcher", key, cm.ID)
		}
		condIdx, err := resolveCondition(cm.ID, cm.Condition)
		if err != nil {
			return nil, err
		}
		p := NewCountProducer(key, cm, condIdx, conditions, timeBaseNs, startTimeNs, deps.Recorder)
		if err := attach(p, &p.baseProducer, cm.MetricBase, whatIdx, condIdx); err != nil {
			return nil, err
		}
	}

	for _, dm := range cfg.DurationMetrics {
		if err := checkMetricID(dm.ID); err != nil {
			return nil, err
		}
		// A duration metric's what names a simple predicate.
		whatPredIdx, ok := conditions.IDToIndex[dm.What]
		if !ok {
			return nil, fmt.Errorf("config %s: duration metric %d references unknown predicate %d", key, dm.ID, dm.What)
		}
		simple, ok := conditions.Trackers[whatPredIdx].(*condition.SimpleTracker)
		if !ok {
			return nil, fmt.Errorf("config %s: duration metric %d requires a simple predicate", key, dm.ID)
		}
		condIdx, err := resolveCondition(dm.ID, dm.Condition)
		if err != nil {
			return nil, err
		}
		p := NewDurationProducer(key, dm, condIdx, conditions,
			simple.StartMatcherIndex(), simple.StopMatcherIndex(), simple.StopAllMatcherIndex(), simple.Nested(),
			timeBaseNs, startTimeNs, deps.Recorder)
		if err := attach(p, &p.baseProducer, dm.MetricBase, -1, condIdx); err != nil {
			return nil, err
		}
		// Route all three driving matchers to the producer.
		idx := len(m.producers) - 1
		for _, mi := range []int{simple.StartMatcherIndex(), simple.StopMatcherIndex(), simple.StopAllMatcherIndex()} {
			if mi >= 0 {
				m.matcherToProducers[mi] = append(m.matcherToProducers[mi], idx)
			}
		}
	}

	for _, vm := range cfg.ValueMetrics {
		if err := checkMetricID(vm.ID); err != nil {
			return nil, err
		}
		whatIdx, err := resolveMatcher(vm.ID, vm.What)
		if err != nil {
			return nil, err
		}
		if whatIdx < 0 && vm.PullTag == 0 {
			return nil, fmt.Errorf("config %s: metric %d missing what matcher", key, vm.ID)
		}
		condIdx, err := resolveCondition(vm.ID, vm.Condition)
		if err != nil {
			return nil, err
		}
		if vm.ValueField <= 0 {
			return nil, fmt.Errorf("config %s: metric %d missing value field", key, vm.ID)
		}
		p := NewValueProducer(key, vm, condIdx, conditions, deps.PullerManager, timeBaseNs, startTimeNs, deps.Recorder)
		if err := attach(p, &p.baseProducer, vm.MetricBase, whatIdx, condIdx); err != nil {
			return nil, err
		}
	}

	for _, gm := range cfg.GaugeMetrics {
		if err := checkMetricID(gm.ID); err != nil {
			return nil, err
		}
		whatIdx, err := resolveMatcher(gm.ID, gm.What)
		if err != nil {
			return nil, err
		}
		if whatIdx < 0 && gm.PullTag == 0 {
			return nil, fmt.Errorf("config %s: metric %d missing what matcher", key, gm.ID)
		}
		triggerIdx, err := resolveMatcher(gm.ID, gm.TriggerMatcher)
		if err != nil {
			return nil, err
		}
		condIdx, err := resolveCondition(gm.ID, gm.Condition)
		if err != nil {
			return nil, err
		}
		p := NewGaugeProducer(key, gm, condIdx, conditions, triggerIdx, deps.PullerManager, timeBaseNs, startTimeNs, deps.Recorder)
		if err := attach(p, &p.baseProducer, gm.MetricBase, whatIdx, condIdx); err != nil {
			return nil, err
		}
	}

	for _, km := range cfg.KllMetrics {
		if err := checkMetricID(km.ID); err != nil {
			return nil, err
		}
		whatIdx, err := resolveMatcher(km.ID, km.What)
		if err != nil {
			return nil, err
		}
		if whatIdx < 0 {
			return nil, fmt.Errorf("config %s: metric %d missing what matcher", key, km.ID)
		}
		if km.ValueField <= 0 {
			return nil, fmt.Errorf("config %s: metric %d missing value field", key, km.ID)
		}
		condIdx, err := resolveCondition(km.ID, km.Condition)
		if err != nil {
			return nil, err
		}
		p := NewKllProducer(key, km, condIdx, conditions, timeBaseNs, startTimeNs, deps.Recorder)
		if err := attach(p, &p.baseProducer, km.MetricBase, whatIdx, condIdx); err != nil {
			return nil, err
		}
	}

	if len(alertsByMetric) > 0 {
		for metricID := range alertsByMetric {
			return nil, fmt.Errorf("config %s: alert references unknown metric %d", key, metricID)
		}
	}

	return m, nil
}
