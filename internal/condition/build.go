package condition

import (
	"fmt"

	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/dimension"
	"github.com/driftlabs/metricsd/internal/event"
	"github.com/driftlabs/metricsd/internal/matcher"
)

// Set is the built condition machinery of one config: the trackers in
// declaration order, the child-before-parent evaluation order, and the
// persistent condition cache.
type Set struct {
	Trackers  []Tracker
	IDToIndex map[int64]int
	evalOrder []int
	Cache     []State
	changed   []bool
}

// Build validates predicate definitions, rejects cycles with a gray/black
// depth-first search, and computes the initial condition cache.
func Build(predicates []config.Predicate, reg *matcher.Registry) (*Set, error) {
	s := &Set{
		Trackers:  make([]Tracker, len(predicates)),
		IDToIndex: make(map[int64]int, len(predicates)),
		Cache:     make([]State, len(predicates)),
		changed:   make([]bool, len(predicates)),
	}
	for i, p := range predicates {
		if _, dup := s.IDToIndex[p.ID]; dup {
			return nil, fmt.Errorf("duplicate predicate id %d", p.ID)
		}
		s.IDToIndex[p.ID] = i
	}

	// Child index lists for combinations, resolved before cycle checking.
	children := make([][]int, len(predicates))
	for i, p := range predicates {
		if p.Combination == nil {
			continue
		}
		for _, ref := range p.Combination.Operands {
			idx, ok := s.IDToIndex[ref]
			if !ok {
				return nil, fmt.Errorf("predicate %d: unknown operand %d", p.ID, ref)
			}
			children[i] = append(children[i], idx)
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(predicates))
	var order []int
	var visit func(i int) error
	visit = func(i int) error {
		switch color[i] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("cycle detected in predicate %d", predicates[i].ID)
		}
		color[i] = gray
		for _, c := range children[i] {
			if err := visit(c); err != nil {
				return err
			}
		}
		color[i] = black
		order = append(order, i)
		return nil
	}
	for i := range predicates {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	s.evalOrder = order

	for _, i := range order {
		p := predicates[i]
		switch {
		case p.Simple != nil && p.Combination == nil:
			t, err := NewSimpleTracker(p.ID, i, p.Simple, reg)
			if err != nil {
				return nil, err
			}
			s.Trackers[i] = t
			s.Cache[i] = t.overall()
		case p.Combination != nil && p.Simple == nil:
			t, err := NewCombinationTracker(p.ID, i, p.Combination.Operation, children[i])
			if err != nil {
				return nil, err
			}
			s.Trackers[i] = t
			s.Cache[i] = t.fold(func(child int) State { return s.Cache[child] })
		default:
			return nil, fmt.Errorf("predicate %d: exactly one of simple or combination required", p.ID)
		}
	}
	return s, nil
}

// Evaluate runs every tracker over one event in child-before-parent order
// and returns the per-tracker changed flags for this event.
func (s *Set) Evaluate(e *event.Event, matches []bool) []bool {
	for i := range s.changed {
		s.changed[i] = false
	}
	for _, i := range s.evalOrder {
		s.Trackers[i].Evaluate(e, matches, s.Trackers, s.Cache, s.changed)
	}
	return s.changed
}

// StateAt returns the cached state of the tracker at index.
func (s *Set) StateAt(index int) State {
	if index < 0 || index >= len(s.Cache) {
		return StateTrue
	}
	return s.Cache[index]
}

// StateForKey queries a tracker's condition for a specific dimension.
func (s *Set) StateForKey(index int, key dimension.Key) State {
	if index < 0 || index >= len(s.Trackers) {
		return StateTrue
	}
	return s.Trackers[index].StateForKey(s.Trackers, key)
}
