package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedFieldAccess(t *testing.T) {
	e := &Event{
		TagID:     100,
		ElapsedNs: 1000,
		Valid:     true,
		Fields: []Field{
			{Value: StringValue("pkg")},
			{Value: Int64Value(42)},
			{Value: BoolValue(true)},
			{Value: FloatValue(1.5)},
			{Value: BlobValue([]byte{1, 2})},
		},
	}

	s, err := e.StringAt(1)
	require.NoError(t, err)
	assert.Equal(t, "pkg", s)

	n, err := e.Int64At(2)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	b, err := e.BoolAt(3)
	require.NoError(t, err)
	assert.True(t, b)

	f, err := e.FloatAt(4)
	require.NoError(t, err)
	assert.Equal(t, 1.5, f)

	blob, err := e.BlobAt(5)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, blob)
}

func TestFieldAccessErrors(t *testing.T) {
	e := &Event{Fields: []Field{{Value: StringValue("x")}}}

	_, err := e.Int64At(1)
	require.Error(t, err)
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Pos)
	assert.Equal(t, KindInt64, fe.Want)
	assert.Equal(t, KindString, fe.Got)

	_, err = e.StringAt(2)
	require.Error(t, err)
	_, err = e.StringAt(0)
	require.Error(t, err)
}

func TestInt64AtWidensInt32(t *testing.T) {
	e := &Event{Fields: []Field{{Value: Int32Value(7)}}}
	n, err := e.Int64At(1)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestSetValueAt(t *testing.T) {
	e := &Event{Fields: []Field{{Value: Int64Value(1)}}}
	require.NoError(t, e.SetValueAt(1, Int64Value(9)))
	n, err := e.Int64At(1)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)

	require.Error(t, e.SetValueAt(2, Int64Value(9)))
}

func TestValueEquality(t *testing.T) {
	cases := []struct {
		name string
		a, b Value
		want bool
	}{
		{"same ints", Int64Value(3), Int64Value(3), true},
		{"different ints", Int64Value(3), Int64Value(4), false},
		{"kind mismatch", Int64Value(3), Int32Value(3), false},
		{"same strings", StringValue("a"), StringValue("a"), true},
		{"same blobs", BlobValue([]byte("ab")), BlobValue([]byte("ab")), true},
		{"different bools", BoolValue(true), BoolValue(false), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.a.Equal(tc.b))
		})
	}
}

func TestValueHashKeyDistinguishesKinds(t *testing.T) {
	assert.NotEqual(t, Int32Value(1).HashKey(), Int64Value(1).HashKey())
	assert.NotEqual(t, StringValue("1").HashKey(), Int64Value(1).HashKey())
}
