package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/event"
	"github.com/driftlabs/metricsd/internal/report"
)

func valueConfig(aggregation string) *config.Config {
	return &config.Config{
		Matchers: []config.AtomMatcher{
			{ID: 1, Simple: &config.SimpleMatcher{Tag: tagWhat}},
		},
		ValueMetrics: []config.ValueMetric{{
			MetricBase: config.MetricBase{
				ID:         300,
				What:       1,
				Dimensions: []config.FieldPos{{Pos: 1}},
				BucketNs:   bucketNs,
			},
			ValueField:  2,
			Aggregation: aggregation,
		}},
	}
}

func TestValueAggregations(t *testing.T) {
	m := testManager(t, valueConfig(""))

	m.OnLogEvent(testEvent(tagWhat, 1000, event.StringValue("a"), event.Int64Value(5)))
	m.OnLogEvent(testEvent(tagWhat, 2000, event.StringValue("a"), event.Int64Value(3)))
	m.OnLogEvent(testEvent(tagWhat, 3000, event.StringValue("a"), event.FloatValue(2.5)))

	r := m.OnDumpReport(bucketNs, 0, false, true, report.ReasonGetData)
	require.Len(t, r.Metrics, 1)
	require.Len(t, r.Metrics[0].Series, 1)
	buckets := r.Metrics[0].Series[0].Buckets
	require.Len(t, buckets, 1)
	assert.Equal(t, 10.5, buckets[0].Sum)
	assert.Equal(t, 2.5, buckets[0].Min)
	assert.Equal(t, 5.0, buckets[0].Max)
	assert.Equal(t, int64(3), buckets[0].SampleCount)
}

func TestValueNonNumericFieldAggregatesNothing(t *testing.T) {
	m := testManager(t, valueConfig(""))
	m.OnLogEvent(testEvent(tagWhat, 1000, event.StringValue("a"), event.StringValue("oops")))

	r := m.OnDumpReport(bucketNs, 0, false, true, report.ReasonGetData)
	assert.Empty(t, r.Metrics[0].Series, "non-numeric values aggregate nothing")
}

func TestValueThresholdOnAggregate(t *testing.T) {
	cfg := valueConfig("")
	cfg.ValueMetrics[0].Threshold = &config.UploadThreshold{Cmp: "gte", Value: 10}
	m := testManager(t, cfg)

	m.OnLogEvent(testEvent(tagWhat, 1000, event.StringValue("a"), event.Int64Value(4)))
	m.OnLogEvent(testEvent(tagWhat, 1500, event.StringValue("a"), event.Int64Value(6)))
	m.OnLogEvent(testEvent(tagWhat, 2000, event.StringValue("b"), event.Int64Value(4)))

	r := m.OnDumpReport(bucketNs, 0, false, true, report.ReasonGetData)
	series := seriesByDim(r.Metrics[0])
	assert.Len(t, series["a|"], 1)
	assert.NotContains(t, series, "b|")
}
