package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/dimension"
	"github.com/driftlabs/metricsd/internal/event"
	"github.com/driftlabs/metricsd/internal/matcher"
)

const (
	tagStart   = 200
	tagStop    = 201
	tagStopAll = 202
)

func testMatchers(t *testing.T) *matcher.Registry {
	t.Helper()
	reg, err := matcher.Build([]config.AtomMatcher{
		{ID: 1, Simple: &config.SimpleMatcher{Tag: tagStart}},
		{ID: 2, Simple: &config.SimpleMatcher{Tag: tagStop}},
		{ID: 3, Simple: &config.SimpleMatcher{Tag: tagStopAll}},
	})
	require.NoError(t, err)
	return reg
}

func evalEvent(s *Set, reg *matcher.Registry, tag int32, fields ...event.Value) []bool {
	e := &event.Event{TagID: tag, Valid: true}
	for _, v := range fields {
		e.Fields = append(e.Fields, event.Field{Value: v})
	}
	return s.Evaluate(e, reg.Match(e))
}

func TestSimpleConditionStartStop(t *testing.T) {
	reg := testMatchers(t)
	s, err := Build([]config.Predicate{
		{ID: 10, Simple: &config.SimplePredicate{Start: 1, Stop: 2}},
	}, reg)
	require.NoError(t, err)
	assert.Equal(t, StateFalse, s.StateAt(0))

	changed := evalEvent(s, reg, tagStart)
	assert.True(t, changed[0])
	assert.Equal(t, StateTrue, s.StateAt(0))

	changed = evalEvent(s, reg, tagStop)
	assert.True(t, changed[0])
	assert.Equal(t, StateFalse, s.StateAt(0))
}

func TestSimpleConditionInitialUnknown(t *testing.T) {
	reg := testMatchers(t)
	s, err := Build([]config.Predicate{
		{ID: 10, Simple: &config.SimplePredicate{Start: 1, Stop: 2, InitialValue: "unknown"}},
	}, reg)
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, s.StateAt(0))
}

func TestNestedCondition(t *testing.T) {
	reg := testMatchers(t)
	s, err := Build([]config.Predicate{
		{ID: 10, Simple: &config.SimplePredicate{Start: 1, Stop: 2, CountNesting: true}},
	}, reg)
	require.NoError(t, err)

	evalEvent(s, reg, tagStart)
	evalEvent(s, reg, tagStart)
	evalEvent(s, reg, tagStop)
	assert.Equal(t, StateTrue, s.StateAt(0), "nested start keeps the condition true")
	evalEvent(s, reg, tagStop)
	assert.Equal(t, StateFalse, s.StateAt(0))
}

func TestNonNestedCollapsesStarts(t *testing.T) {
	reg := testMatchers(t)
	s, err := Build([]config.Predicate{
		{ID: 10, Simple: &config.SimplePredicate{Start: 1, Stop: 2}},
	}, reg)
	require.NoError(t, err)

	evalEvent(s, reg, tagStart)
	evalEvent(s, reg, tagStart)
	evalEvent(s, reg, tagStop)
	assert.Equal(t, StateFalse, s.StateAt(0), "repeated starts collapse without nesting")
}

func TestSlicedConditionPerDimension(t *testing.T) {
	reg := testMatchers(t)
	s, err := Build([]config.Predicate{
		{ID: 10, Simple: &config.SimplePredicate{
			Start: 1, Stop: 2,
			Dimensions: []config.FieldPos{{Pos: 1}},
		}},
	}, reg)
	require.NoError(t, err)

	evalEvent(s, reg, tagStart, event.StringValue("a"))
	keyA := dimension.NewKey(event.StringValue("a"))
	keyB := dimension.NewKey(event.StringValue("b"))
	assert.Equal(t, StateTrue, s.StateForKey(0, keyA))
	assert.Equal(t, StateFalse, s.StateForKey(0, keyB))
	assert.Equal(t, StateTrue, s.StateAt(0), "overall true when any slice is true")

	tracker := s.Trackers[0].(*SimpleTracker)
	assert.Equal(t, []dimension.Key{keyA}, tracker.ChangedToTrue())

	evalEvent(s, reg, tagStop, event.StringValue("a"))
	assert.Equal(t, StateFalse, s.StateForKey(0, keyA))
	assert.Equal(t, []dimension.Key{keyA}, tracker.ChangedToFalse())
}

func TestStopAllCollapsesSlices(t *testing.T) {
	reg := testMatchers(t)
	s, err := Build([]config.Predicate{
		{ID: 10, Simple: &config.SimplePredicate{
			Start: 1, Stop: 2, StopAll: 3,
			Dimensions: []config.FieldPos{{Pos: 1}},
		}},
	}, reg)
	require.NoError(t, err)

	evalEvent(s, reg, tagStart, event.StringValue("a"))
	evalEvent(s, reg, tagStart, event.StringValue("b"))
	assert.Equal(t, StateTrue, s.StateAt(0))

	evalEvent(s, reg, tagStopAll)
	assert.Equal(t, StateFalse, s.StateAt(0))
	tracker := s.Trackers[0].(*SimpleTracker)
	assert.Len(t, tracker.ChangedToFalse(), 2)
	assert.Equal(t, 0, tracker.SliceCount())
}

func TestStopForUnknownDimensionIsNoOp(t *testing.T) {
	reg := testMatchers(t)
	s, err := Build([]config.Predicate{
		{ID: 10, Simple: &config.SimplePredicate{
			Start: 1, Stop: 2,
			Dimensions: []config.FieldPos{{Pos: 1}},
		}},
	}, reg)
	require.NoError(t, err)

	evalEvent(s, reg, tagStop, event.StringValue("never-started"))
	assert.Equal(t, StateFalse, s.StateAt(0))
	assert.Equal(t, 0, s.Trackers[0].(*SimpleTracker).SliceCount())
}

func TestCombinationConditions(t *testing.T) {
	reg := testMatchers(t)
	s, err := Build([]config.Predicate{
		{ID: 10, Simple: &config.SimplePredicate{Start: 1, Stop: 2}},
		{ID: 11, Simple: &config.SimplePredicate{Start: 3, InitialValue: "unknown"}},
		{ID: 12, Combination: &config.PredicateCombination{Operation: "and", Operands: []int64{10, 11}}},
		{ID: 13, Combination: &config.PredicateCombination{Operation: "or", Operands: []int64{10, 11}}},
	}, reg)
	require.NoError(t, err)

	// 10=false, 11=unknown: and short-circuits to false, or propagates
	// unknown.
	assert.Equal(t, StateFalse, s.StateAt(2))
	assert.Equal(t, StateUnknown, s.StateAt(3))

	evalEvent(s, reg, tagStart)
	// 10=true now; and is unknown, or is true.
	assert.Equal(t, StateUnknown, s.StateAt(2))
	assert.Equal(t, StateTrue, s.StateAt(3))
}

func TestBuildRejectsPredicateCycle(t *testing.T) {
	reg := testMatchers(t)
	_, err := Build([]config.Predicate{
		{ID: 10, Combination: &config.PredicateCombination{Operation: "and", Operands: []int64{11}}},
		{ID: 11, Combination: &config.PredicateCombination{Operation: "and", Operands: []int64{10}}},
	}, reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle detected")
}

func TestBuildRejectsUnknownReferences(t *testing.T) {
	reg := testMatchers(t)
	_, err := Build([]config.Predicate{
		{ID: 10, Simple: &config.SimplePredicate{Start: 99}},
	}, reg)
	assert.Error(t, err)

	_, err = Build([]config.Predicate{
		{ID: 10, Combination: &config.PredicateCombination{Operation: "and", Operands: []int64{77}}},
	}, reg)
	assert.Error(t, err)
}

func TestGuardrailIgnoresNewSlices(t *testing.T) {
	reg := testMatchers(t)
	s, err := Build([]config.Predicate{
		{ID: 10, Simple: &config.SimplePredicate{
			Start: 1, Stop: 2,
			Dimensions: []config.FieldPos{{Pos: 1}},
		}},
	}, reg)
	require.NoError(t, err)

	tracker := s.Trackers[0].(*SimpleTracker)
	for i := 0; i < MaxSlicesPerTracker; i++ {
		tracker.handleConditionEvent(dimension.NewKey(event.Int64Value(int64(i))), true)
	}
	assert.False(t, tracker.GuardrailHit())
	tracker.handleConditionEvent(dimension.NewKey(event.StringValue("over")), true)
	assert.True(t, tracker.GuardrailHit())
	assert.Equal(t, MaxSlicesPerTracker, tracker.SliceCount())
}
