package condition

import (
	"fmt"

	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/dimension"
	"github.com/driftlabs/metricsd/internal/event"
	"github.com/driftlabs/metricsd/internal/matcher"
)

// MaxSlicesPerTracker bounds the number of concurrently tracked condition
// dimensions. New slices beyond the limit are ignored.
const MaxSlicesPerTracker = 20000

// Tracker is one predicate state machine. Trackers are evaluated in
// child-before-parent order; each writes its result into the shared cache.
type Tracker interface {
	// Evaluate folds one event into the tracker. matches is the per-event
	// matcher vector, cache the per-event condition vector (indexed like the
	// tracker list), changed the per-event set of trackers whose overall
	// state flipped.
	Evaluate(e *event.Event, matches []bool, all []Tracker, cache []State, changed []bool)

	// StateForKey answers the condition for one output dimension. Non-sliced
	// trackers ignore the key.
	StateForKey(all []Tracker, key dimension.Key) State

	// Sliced reports whether the tracker maintains per-dimension state.
	Sliced() bool

	// ChangedToTrue and ChangedToFalse expose the dimensions that flipped
	// during the last Evaluate. Duration producers consume these.
	ChangedToTrue() []dimension.Key
	ChangedToFalse() []dimension.Key

	// GuardrailHit reports whether the slice limit was ever exceeded.
	GuardrailHit() bool
}

type sliceEntry struct {
	key   dimension.Key
	count int
}

// SimpleTracker implements a start/stop/stopAll predicate, optionally
// sliced by an output-dimension projection.
type SimpleTracker struct {
	id           int64
	index        int
	startIdx     int
	stopIdx      int
	stopAllIdx   int
	countNesting bool
	initialValue State
	projection   dimension.Projection

	slices       map[string]*sliceEntry
	guardrailHit bool

	lastTrue  []dimension.Key
	lastFalse []dimension.Key
}

// NewSimpleTracker resolves the driving matcher ids against the registry.
func NewSimpleTracker(id int64, index int, p *config.SimplePredicate, reg *matcher.Registry) (*SimpleTracker, error) {
	resolve := func(ref int64) (int, error) {
		if ref == 0 {
			return -1, nil
		}
		idx, ok := reg.Index(ref)
		if !ok {
			return -1, fmt.Errorf("predicate %d: unknown matcher %d", id, ref)
		}
		return idx, nil
	}
	t := &SimpleTracker{
		id:           id,
		index:        index,
		countNesting: p.CountNesting,
		initialValue: StateFalse,
		slices:       make(map[string]*sliceEntry),
	}
	var err error
	if t.startIdx, err = resolve(p.Start); err != nil {
		return nil, err
	}
	if t.stopIdx, err = resolve(p.Stop); err != nil {
		return nil, err
	}
	if t.stopAllIdx, err = resolve(p.StopAll); err != nil {
		return nil, err
	}
	if t.startIdx < 0 {
		return nil, fmt.Errorf("predicate %d: missing start matcher", id)
	}
	if p.InitialValue == "unknown" {
		t.initialValue = StateUnknown
	}
	for _, fp := range p.Dimensions {
		t.projection = append(t.projection, dimension.FieldPos{Pos: fp.Pos, All: fp.All})
	}
	return t, nil
}

func (t *SimpleTracker) Sliced() bool {
	return len(t.projection) > 0
}

func (t *SimpleTracker) ChangedToTrue() []dimension.Key  { return t.lastTrue }
func (t *SimpleTracker) ChangedToFalse() []dimension.Key { return t.lastFalse }
func (t *SimpleTracker) GuardrailHit() bool              { return t.guardrailHit }

// Evaluate applies start/stop/stopAll transitions for this event.
func (t *SimpleTracker) Evaluate(e *event.Event, matches []bool, all []Tracker, cache []State, changed []bool) {
	t.lastTrue = nil
	t.lastFalse = nil
	prev := t.overall()

	if t.stopAllIdx >= 0 && matches[t.stopAllIdx] {
		for _, s := range t.slices {
			if s.count > 0 {
				t.lastFalse = append(t.lastFalse, s.key)
			}
		}
		t.slices = make(map[string]*sliceEntry)
	} else {
		matchStart := matches[t.startIdx]
		matchStop := t.stopIdx >= 0 && matches[t.stopIdx]
		if matchStart || matchStop {
			keys := dimension.ExtractAll(e, t.projection)
			for _, key := range keys {
				t.handleConditionEvent(key, matchStart)
			}
		}
	}

	cur := t.overall()
	cache[t.index] = cur
	changed[t.index] = prev != cur
}

func (t *SimpleTracker) handleConditionEvent(key dimension.Key, matchStart bool) {
	h := key.Hash()
	entry, ok := t.slices[h]
	if !ok {
		if !matchStart {
			// A stop for a dimension we never started is a no-op.
			return
		}
		if len(t.slices) >= MaxSlicesPerTracker {
			t.guardrailHit = true
			return
		}
		entry = &sliceEntry{key: key}
		t.slices[h] = entry
	}
	if matchStart {
		if t.countNesting {
			entry.count++
			if entry.count == 1 {
				t.lastTrue = append(t.lastTrue, key)
			}
		} else if entry.count == 0 {
			entry.count = 1
			t.lastTrue = append(t.lastTrue, key)
		}
	} else {
		if entry.count > 0 {
			entry.count--
			if entry.count == 0 {
				t.lastFalse = append(t.lastFalse, key)
				delete(t.slices, h)
			}
		}
	}
}

// overall is True iff any slice is True; the initial value applies until
// the first transition.
func (t *SimpleTracker) overall() State {
	for _, s := range t.slices {
		if s.count > 0 {
			return StateTrue
		}
	}
	if len(t.slices) == 0 && t.initialValue == StateUnknown {
		return StateUnknown
	}
	return StateFalse
}

func (t *SimpleTracker) StateForKey(all []Tracker, key dimension.Key) State {
	if !t.Sliced() || key.IsEmpty() {
		return t.overall()
	}
	if entry, ok := t.slices[key.Hash()]; ok && entry.count > 0 {
		return StateTrue
	}
	if len(t.slices) == 0 && t.initialValue == StateUnknown {
		return StateUnknown
	}
	return StateFalse
}

// SliceCount returns the number of live slices, for byte accounting.
func (t *SimpleTracker) SliceCount() int {
	return len(t.slices)
}

// StartMatcherIndex exposes the driving start matcher, for duration
// metrics timing this predicate.
func (t *SimpleTracker) StartMatcherIndex() int { return t.startIdx }

// StopMatcherIndex exposes the driving stop matcher.
func (t *SimpleTracker) StopMatcherIndex() int { return t.stopIdx }

// StopAllMatcherIndex exposes the driving stop-all matcher.
func (t *SimpleTracker) StopAllMatcherIndex() int { return t.stopAllIdx }

// Nested reports whether starts and stops are reference-counted.
func (t *SimpleTracker) Nested() bool { return t.countNesting }

// CombinationTracker composes child conditions with And/Or.
type CombinationTracker struct {
	id       int64
	index    int
	op       string
	children []int
}

// NewCombinationTracker resolves child predicate indices. The builder
// guarantees children appear earlier in the evaluation order.
func NewCombinationTracker(id int64, index int, op string, children []int) (*CombinationTracker, error) {
	if op != "and" && op != "or" {
		return nil, fmt.Errorf("predicate %d: unknown operation %q", id, op)
	}
	if len(children) == 0 {
		return nil, fmt.Errorf("predicate %d: combination needs operands", id)
	}
	return &CombinationTracker{id: id, index: index, op: op, children: children}, nil
}

func (t *CombinationTracker) Sliced() bool                   { return false }
func (t *CombinationTracker) ChangedToTrue() []dimension.Key  { return nil }
func (t *CombinationTracker) ChangedToFalse() []dimension.Key { return nil }
func (t *CombinationTracker) GuardrailHit() bool              { return false }

func (t *CombinationTracker) Evaluate(e *event.Event, matches []bool, all []Tracker, cache []State, changed []bool) {
	prev := cache[t.index]
	cur := t.fold(func(child int) State { return cache[child] })
	cache[t.index] = cur
	childChanged := false
	for _, c := range t.children {
		childChanged = childChanged || changed[c]
	}
	changed[t.index] = childChanged && prev != cur
}

func (t *CombinationTracker) StateForKey(all []Tracker, key dimension.Key) State {
	return t.fold(func(child int) State { return all[child].StateForKey(all, key) })
}

func (t *CombinationTracker) fold(childState func(int) State) State {
	acc := childState(t.children[0])
	for _, c := range t.children[1:] {
		if t.op == "and" {
			acc = acc.And(childState(c))
		} else {
			acc = acc.Or(childState(c))
		}
	}
	return acc
}
