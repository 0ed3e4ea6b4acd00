package matcher

import (
	"fmt"

	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/event"
)

// Operation composes child matcher results.
type Operation int

const (
	OpAnd Operation = iota
	OpOr
	OpNot
)

func parseOperation(s string) (Operation, error) {
	switch s {
	case "and":
		return OpAnd, nil
	case "or":
		return OpOr, nil
	case "not":
		return OpNot, nil
	default:
		return 0, fmt.Errorf("unknown matcher operation %q", s)
	}
}

type simpleTracker struct {
	tag     int32
	filters []config.FieldFilter
}

func (t *simpleTracker) matches(e *event.Event) bool {
	if e.TagID != t.tag {
		return false
	}
	for _, f := range t.filters {
		v, ok := e.ValueAt(f.Pos)
		if !ok {
			return false
		}
		switch {
		case f.EqInt != nil:
			if (v.Kind != event.KindInt32 && v.Kind != event.KindInt64) || v.Int != *f.EqInt {
				return false
			}
		case f.EqString != nil:
			if v.Kind != event.KindString || v.Str != *f.EqString {
				return false
			}
		case f.EqBool != nil:
			if v.Kind != event.KindBool || v.Bool != *f.EqBool {
				return false
			}
		}
	}
	return true
}

type combinationTracker struct {
	op       Operation
	operands []int
}

type node struct {
	id          int64
	simple      *simpleTracker
	combination *combinationTracker
}

// Registry holds all matchers of one config and computes, once per event,
// the boolean match vector shared by every downstream consumer.
type Registry struct {
	nodes     []node
	idToIndex map[int64]int
	evalOrder []int // combination indices, children before parents
}

// Build validates the matcher definitions and prepares the evaluation
// order. Unknown references and circular combinations are rejected.
func Build(matchers []config.AtomMatcher) (*Registry, error) {
	r := &Registry{
		nodes:     make([]node, len(matchers)),
		idToIndex: make(map[int64]int, len(matchers)),
	}
	for i, m := range matchers {
		if _, dup := r.idToIndex[m.ID]; dup {
			return nil, fmt.Errorf("duplicate matcher id %d", m.ID)
		}
		r.idToIndex[m.ID] = i
	}
	for i, m := range matchers {
		switch {
		case m.Simple != nil && m.Combination == nil:
			if m.Simple.Tag <= 0 {
				return nil, fmt.Errorf("matcher %d: missing tag", m.ID)
			}
			r.nodes[i] = node{id: m.ID, simple: &simpleTracker{tag: m.Simple.Tag, filters: m.Simple.Filters}}
		case m.Combination != nil && m.Simple == nil:
			op, err := parseOperation(m.Combination.Operation)
			if err != nil {
				return nil, fmt.Errorf("matcher %d: %w", m.ID, err)
			}
			if len(m.Combination.Operands) == 0 {
				return nil, fmt.Errorf("matcher %d: combination needs operands", m.ID)
			}
			if op == OpNot && len(m.Combination.Operands) != 1 {
				return nil, fmt.Errorf("matcher %d: not takes exactly one operand", m.ID)
			}
			operands := make([]int, len(m.Combination.Operands))
			for j, ref := range m.Combination.Operands {
				idx, ok := r.idToIndex[ref]
				if !ok {
					return nil, fmt.Errorf("matcher %d: unknown operand %d", m.ID, ref)
				}
				operands[j] = idx
			}
			r.nodes[i] = node{id: m.ID, combination: &combinationTracker{op: op, operands: operands}}
		default:
			return nil, fmt.Errorf("matcher %d: exactly one of simple or combination required", m.ID)
		}
	}
	order, err := r.topoSort()
	if err != nil {
		return nil, err
	}
	r.evalOrder = order
	return r, nil
}

// topoSort orders combination matchers children-first and rejects cycles
// with a gray/black depth-first search.
func (r *Registry) topoSort() ([]int, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(r.nodes))
	var order []int
	var visit func(i int) error
	visit = func(i int) error {
		switch color[i] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("cycle detected in matcher %d", r.nodes[i].id)
		}
		color[i] = gray
		if c := r.nodes[i].combination; c != nil {
			for _, op := range c.operands {
				if err := visit(op); err != nil {
					return err
				}
			}
			order = append(order, i)
		}
		color[i] = black
		return nil
	}
	for i := range r.nodes {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Len returns the number of matchers.
func (r *Registry) Len() int {
	return len(r.nodes)
}

// Index resolves a matcher id to its index in the match vector.
func (r *Registry) Index(id int64) (int, bool) {
	idx, ok := r.idToIndex[id]
	return idx, ok
}

// TagIDs returns the set of tag ids any simple matcher listens to.
func (r *Registry) TagIDs() map[int32]struct{} {
	tags := make(map[int32]struct{})
	for _, n := range r.nodes {
		if n.simple != nil {
			tags[n.simple.tag] = struct{}{}
		}
	}
	return tags
}

// Match computes the boolean vector of matcher results for one event.
func (r *Registry) Match(e *event.Event) []bool {
	results := make([]bool, len(r.nodes))
	for i, n := range r.nodes {
		if n.simple != nil {
			results[i] = n.simple.matches(e)
		}
	}
	for _, i := range r.evalOrder {
		c := r.nodes[i].combination
		switch c.op {
		case OpAnd:
			v := true
			for _, op := range c.operands {
				v = v && results[op]
			}
			results[i] = v
		case OpOr:
			v := false
			for _, op := range c.operands {
				v = v || results[op]
			}
			results[i] = v
		case OpNot:
			results[i] = !results[c.operands[0]]
		}
	}
	return results
}
