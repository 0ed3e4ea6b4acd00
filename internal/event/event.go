package event

import (
	"fmt"
	"strconv"
	"strings"
)

// Tag ids handled specially by the engine. The decoder assigns tag ids from
// the atom schema; these are the ones the processor itself cares about.
const (
	TagIsolatedUidChanged       int32 = 43
	TagAnomalyDetected          int32 = 46
	TagAppBreadcrumbReported    int32 = 47
	TagBinaryPushStateChanged   int32 = 102
	TagWatchdogRollbackOccurred int32 = 104
	TagSocketLossReported       int32 = 105
)

// Kind enumerates the value types an atom field can carry.
type Kind int

const (
	KindUnset Kind = iota
	KindInt32
	KindInt64
	KindFloat
	KindBool
	KindString
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindBlob:
		return "blob"
	default:
		return "unset"
	}
}

// Value is a typed atom field value. Exactly one member is meaningful,
// selected by Kind.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Bool  bool
	Str   string
	Blob  []byte
}

func Int32Value(v int32) Value   { return Value{Kind: KindInt32, Int: int64(v)} }
func Int64Value(v int64) Value   { return Value{Kind: KindInt64, Int: v} }
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }
func BoolValue(v bool) Value     { return Value{Kind: KindBool, Bool: v} }
func StringValue(v string) Value { return Value{Kind: KindString, Str: v} }
func BlobValue(v []byte) Value   { return Value{Kind: KindBlob, Blob: v} }

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindInt32, KindInt64:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindBool:
		return v.Bool == o.Bool
	case KindString:
		return v.Str == o.Str
	case KindBlob:
		return string(v.Blob) == string(o.Blob)
	default:
		return true
	}
}

// HashKey renders the value into a stable string usable as a map key
// component. Different kinds never collide because of the kind prefix.
func (v Value) HashKey() string {
	switch v.Kind {
	case KindInt32:
		return "i" + strconv.FormatInt(v.Int, 10)
	case KindInt64:
		return "l" + strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return "f" + strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindBool:
		if v.Bool {
			return "b1"
		}
		return "b0"
	case KindString:
		return "s" + v.Str
	case KindBlob:
		return "x" + string(v.Blob)
	default:
		return "?"
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt32, KindInt64:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindString:
		return v.Str
	case KindBlob:
		return fmt.Sprintf("<%d bytes>", len(v.Blob))
	default:
		return "<unset>"
	}
}

// Field is one positional value of an atom. Uid-typed fields are flagged by
// the decoder so the processor can rewrite isolated uids to host uids.
type Field struct {
	Value Value
	IsUid bool
}

// AttributionRange marks the contiguous sub-range of fields that form the
// attribution chain. Positions are 1-based and inclusive.
type AttributionRange struct {
	First int
	Last  int
}

// Event is one decoded atom. Field positions are 1-based, matching the
// field ids of the atom schema.
type Event struct {
	TagID      int32
	ElapsedNs  int64
	WallNs     int64
	UID        int32
	PID        int32
	Valid      bool
	Restricted bool
	HeaderOnly bool

	Fields      []Field
	Attribution *AttributionRange
}

// FieldError reports a failed positional field access.
type FieldError struct {
	Pos  int
	Want Kind
	Got  Kind
}

func (e *FieldError) Error() string {
	if e.Got == KindUnset {
		return fmt.Sprintf("field %d: out of range", e.Pos)
	}
	return fmt.Sprintf("field %d: want %s, got %s", e.Pos, e.Want, e.Got)
}

func (e *Event) valueAt(pos int, want Kind) (Value, error) {
	if pos < 1 || pos > len(e.Fields) {
		return Value{}, &FieldError{Pos: pos, Want: want}
	}
	v := e.Fields[pos-1].Value
	if v.Kind != want {
		return Value{}, &FieldError{Pos: pos, Want: want, Got: v.Kind}
	}
	return v, nil
}

// Int32At returns the int32 field at pos.
func (e *Event) Int32At(pos int) (int32, error) {
	v, err := e.valueAt(pos, KindInt32)
	if err != nil {
		return 0, err
	}
	return int32(v.Int), nil
}

// Int64At returns the int64 field at pos. An int32 field is widened, which
// mirrors how the wire format collapses small integers.
func (e *Event) Int64At(pos int) (int64, error) {
	if pos >= 1 && pos <= len(e.Fields) && e.Fields[pos-1].Value.Kind == KindInt32 {
		return e.Fields[pos-1].Value.Int, nil
	}
	v, err := e.valueAt(pos, KindInt64)
	if err != nil {
		return 0, err
	}
	return v.Int, nil
}

// FloatAt returns the float field at pos.
func (e *Event) FloatAt(pos int) (float64, error) {
	v, err := e.valueAt(pos, KindFloat)
	if err != nil {
		return 0, err
	}
	return v.Float, nil
}

// BoolAt returns the bool field at pos.
func (e *Event) BoolAt(pos int) (bool, error) {
	v, err := e.valueAt(pos, KindBool)
	if err != nil {
		return false, err
	}
	return v.Bool, nil
}

// StringAt returns the string field at pos.
func (e *Event) StringAt(pos int) (string, error) {
	v, err := e.valueAt(pos, KindString)
	if err != nil {
		return "", err
	}
	return v.Str, nil
}

// BlobAt returns the byte-blob field at pos.
func (e *Event) BlobAt(pos int) ([]byte, error) {
	v, err := e.valueAt(pos, KindBlob)
	if err != nil {
		return nil, err
	}
	return v.Blob, nil
}

// ValueAt returns the raw value at pos regardless of kind.
func (e *Event) ValueAt(pos int) (Value, bool) {
	if pos < 1 || pos > len(e.Fields) {
		return Value{}, false
	}
	return e.Fields[pos-1].Value, true
}

// SetValueAt overwrites the field at pos in place. Used by the hard-coded
// atom handlers that patch events before dispatch.
func (e *Event) SetValueAt(pos int, v Value) error {
	if pos < 1 || pos > len(e.Fields) {
		return &FieldError{Pos: pos, Want: v.Kind}
	}
	e.Fields[pos-1].Value = v
	return nil
}

// Size returns the number of positional fields.
func (e *Event) Size() int {
	return len(e.Fields)
}

func (e *Event) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "atom %d @%d uid=%d {", e.TagID, e.ElapsedNs, e.UID)
	for i, f := range e.Fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(f.Value.String())
	}
	sb.WriteString("}")
	return sb.String()
}
