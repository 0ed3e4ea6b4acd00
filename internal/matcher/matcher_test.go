package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/event"
)

func intPtr(v int64) *int64       { return &v }
func strPtr(v string) *string     { return &v }

func simpleEvent(tag int32, fields ...event.Value) *event.Event {
	e := &event.Event{TagID: tag, Valid: true}
	for _, v := range fields {
		e.Fields = append(e.Fields, event.Field{Value: v})
	}
	return e
}

func TestSimpleMatcherByTag(t *testing.T) {
	reg, err := Build([]config.AtomMatcher{
		{ID: 1, Simple: &config.SimpleMatcher{Tag: 100}},
	})
	require.NoError(t, err)

	assert.Equal(t, []bool{true}, reg.Match(simpleEvent(100)))
	assert.Equal(t, []bool{false}, reg.Match(simpleEvent(101)))
}

func TestSimpleMatcherFieldFilters(t *testing.T) {
	reg, err := Build([]config.AtomMatcher{
		{ID: 1, Simple: &config.SimpleMatcher{
			Tag: 100,
			Filters: []config.FieldFilter{
				{Pos: 1, EqString: strPtr("wifi")},
				{Pos: 2, EqInt: intPtr(2)},
			},
		}},
	})
	require.NoError(t, err)

	hit := simpleEvent(100, event.StringValue("wifi"), event.Int64Value(2))
	miss := simpleEvent(100, event.StringValue("cell"), event.Int64Value(2))
	short := simpleEvent(100, event.StringValue("wifi"))

	assert.True(t, reg.Match(hit)[0])
	assert.False(t, reg.Match(miss)[0])
	assert.False(t, reg.Match(short)[0])
}

func TestCombinationMatchers(t *testing.T) {
	reg, err := Build([]config.AtomMatcher{
		{ID: 1, Simple: &config.SimpleMatcher{Tag: 100}},
		{ID: 2, Simple: &config.SimpleMatcher{Tag: 100, Filters: []config.FieldFilter{{Pos: 1, EqInt: intPtr(1)}}}},
		{ID: 3, Combination: &config.Combination{Operation: "and", Operands: []int64{1, 2}}},
		{ID: 4, Combination: &config.Combination{Operation: "not", Operands: []int64{2}}},
		{ID: 5, Combination: &config.Combination{Operation: "or", Operands: []int64{2, 4}}},
	})
	require.NoError(t, err)

	results := reg.Match(simpleEvent(100, event.Int64Value(1)))
	assert.True(t, results[2], "and")
	assert.False(t, results[3], "not")
	assert.True(t, results[4], "or")

	results = reg.Match(simpleEvent(100, event.Int64Value(9)))
	assert.False(t, results[2])
	assert.True(t, results[3])
	assert.True(t, results[4])
}

func TestCombinationForwardReference(t *testing.T) {
	// A combination may reference a matcher declared after it.
	reg, err := Build([]config.AtomMatcher{
		{ID: 1, Combination: &config.Combination{Operation: "or", Operands: []int64{2}}},
		{ID: 2, Simple: &config.SimpleMatcher{Tag: 7}},
	})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, reg.Match(simpleEvent(7)))
}

func TestBuildRejectsCycle(t *testing.T) {
	_, err := Build([]config.AtomMatcher{
		{ID: 1, Combination: &config.Combination{Operation: "or", Operands: []int64{2}}},
		{ID: 2, Combination: &config.Combination{Operation: "or", Operands: []int64{1}}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle detected")
}

func TestBuildValidation(t *testing.T) {
	cases := []struct {
		name     string
		matchers []config.AtomMatcher
	}{
		{"duplicate id", []config.AtomMatcher{
			{ID: 1, Simple: &config.SimpleMatcher{Tag: 1}},
			{ID: 1, Simple: &config.SimpleMatcher{Tag: 2}},
		}},
		{"unknown operand", []config.AtomMatcher{
			{ID: 1, Combination: &config.Combination{Operation: "or", Operands: []int64{9}}},
		}},
		{"not with two operands", []config.AtomMatcher{
			{ID: 1, Simple: &config.SimpleMatcher{Tag: 1}},
			{ID: 2, Simple: &config.SimpleMatcher{Tag: 2}},
			{ID: 3, Combination: &config.Combination{Operation: "not", Operands: []int64{1, 2}}},
		}},
		{"neither simple nor combination", []config.AtomMatcher{{ID: 1}}},
		{"missing tag", []config.AtomMatcher{{ID: 1, Simple: &config.SimpleMatcher{}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.matchers)
			assert.Error(t, err)
		})
	}
}

func TestTagIDs(t *testing.T) {
	reg, err := Build([]config.AtomMatcher{
		{ID: 1, Simple: &config.SimpleMatcher{Tag: 100}},
		{ID: 2, Simple: &config.SimpleMatcher{Tag: 200}},
		{ID: 3, Combination: &config.Combination{Operation: "or", Operands: []int64{1, 2}}},
	})
	require.NoError(t, err)
	tags := reg.TagIDs()
	assert.Len(t, tags, 2)
	assert.Contains(t, tags, int32(100))
	assert.Contains(t, tags, int32(200))
}
