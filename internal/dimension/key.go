package dimension

import (
	"strings"

	"github.com/driftlabs/metricsd/internal/event"
)

// Key is an ordered tuple of field values extracted from an atom. Two keys
// are equal iff their values match positionally and value-wise. The hash
// string is computed once and used as the map key everywhere.
type Key struct {
	values []event.Value
	hash   string
}

// Default is the empty key used by non-sliced metrics and conditions.
var Default = Key{}

// NewKey builds a key over the given values.
func NewKey(values ...event.Value) Key {
	if len(values) == 0 {
		return Key{}
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.HashKey()
	}
	return Key{values: values, hash: strings.Join(parts, "\x1f")}
}

// Hash returns the stable string form of the key.
func (k Key) Hash() string {
	return k.hash
}

// Values returns the projected field values, in extraction order.
func (k Key) Values() []event.Value {
	return k.values
}

// IsEmpty reports whether the key projects no fields.
func (k Key) IsEmpty() bool {
	return len(k.values) == 0
}

// Equal reports positional, value-wise equality.
func (k Key) Equal(o Key) bool {
	return k.hash == o.hash
}

func (k Key) String() string {
	if len(k.values) == 0 {
		return "(default)"
	}
	parts := make([]string, len(k.values))
	for i, v := range k.values {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// MetricKey is the full slicing key of a metric aggregate: the what-dimension
// groups by event fields, the state-dimension joins recent state-atom values.
type MetricKey struct {
	What  Key
	State Key
}

// NewMetricKey pairs a what-dimension with a state-dimension.
func NewMetricKey(what, state Key) MetricKey {
	return MetricKey{What: what, State: state}
}

// Hash returns the stable string form of the pair.
func (k MetricKey) Hash() string {
	if k.State.IsEmpty() {
		return k.What.hash
	}
	return k.What.hash + "\x1e" + k.State.hash
}

// Equal reports equality of both halves.
func (k MetricKey) Equal(o MetricKey) bool {
	return k.What.Equal(o.What) && k.State.Equal(o.State)
}

func (k MetricKey) String() string {
	if k.State.IsEmpty() {
		return k.What.String()
	}
	return k.What.String() + "/" + k.State.String()
}

// FieldPos names one projected field. All marks an ANY position: the
// projection expands over every uid entry of the attribution chain instead
// of reading a single position.
type FieldPos struct {
	Pos int
	All bool
}

// Projection is an ordered list of field positions to extract.
type Projection []FieldPos

// Extract projects a single key from the event. ANY positions take the
// first matching chain entry. Returns false when a referenced position is
// absent.
func Extract(e *event.Event, p Projection) (Key, bool) {
	keys := ExtractAll(e, p)
	if len(keys) == 0 {
		return Key{}, false
	}
	return keys[0], true
}

// ExtractAll projects every key produced by the Cartesian expansion of ANY
// positions over the attribution chain's uid entries.
func ExtractAll(e *event.Event, p Projection) []Key {
	if len(p) == 0 {
		return []Key{Default}
	}
	// Per-position candidate values.
	candidates := make([][]event.Value, len(p))
	for i, fp := range p {
		if fp.All {
			candidates[i] = chainUidValues(e)
		} else if v, ok := e.ValueAt(fp.Pos); ok {
			candidates[i] = []event.Value{v}
		}
		if len(candidates[i]) == 0 {
			return nil
		}
	}
	// Cartesian product, first position varying slowest.
	keys := []([]event.Value){nil}
	for _, cand := range candidates {
		next := make([][]event.Value, 0, len(keys)*len(cand))
		for _, prefix := range keys {
			for _, v := range cand {
				row := make([]event.Value, len(prefix), len(prefix)+1)
				copy(row, prefix)
				next = append(next, append(row, v))
			}
		}
		keys = next
	}
	out := make([]Key, len(keys))
	for i, vs := range keys {
		out[i] = NewKey(vs...)
	}
	return out
}

func chainUidValues(e *event.Event) []event.Value {
	if e.Attribution == nil {
		return nil
	}
	var vals []event.Value
	for pos := e.Attribution.First; pos <= e.Attribution.Last && pos <= e.Size(); pos++ {
		if pos >= 1 && e.Fields[pos-1].IsUid {
			vals = append(vals, e.Fields[pos-1].Value)
		}
	}
	return vals
}
