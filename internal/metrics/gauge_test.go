package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlabs/metricsd/internal/config"
	"github.com/driftlabs/metricsd/internal/event"
	"github.com/driftlabs/metricsd/internal/report"
)

func gaugeConfig() *config.Config {
	return &config.Config{
		Matchers: []config.AtomMatcher{
			{ID: 1, Simple: &config.SimpleMatcher{Tag: tagWhat}},
		},
		GaugeMetrics: []config.GaugeMetric{{
			MetricBase: config.MetricBase{
				ID:       400,
				What:     1,
				BucketNs: bucketNs,
			},
			Fields:     []int{2},
			MaxSamples: 2,
		}},
	}
}

func TestGaugeTriggerSampling(t *testing.T) {
	m := testManager(t, gaugeConfig())

	m.OnLogEvent(testEvent(tagWhat, 1000, event.StringValue("x"), event.Int64Value(10)))
	m.OnLogEvent(testEvent(tagWhat, 2000, event.StringValue("x"), event.Int64Value(20)))

	r := m.OnDumpReport(bucketNs, 0, false, true, report.ReasonGetData)
	require.Len(t, r.Metrics, 1)
	require.Len(t, r.Metrics[0].Series, 1)
	buckets := r.Metrics[0].Series[0].Buckets
	require.Len(t, buckets, 1)
	require.Len(t, buckets[0].Atoms, 2)
	assert.Equal(t, int64(1000), buckets[0].Atoms[0].ElapsedNs)
	assert.Equal(t, []event.Value{event.Int64Value(10)}, buckets[0].Atoms[0].Fields)
}

func TestGaugeMaxSamplesPerBucket(t *testing.T) {
	m := testManager(t, gaugeConfig())

	for i := 0; i < 5; i++ {
		m.OnLogEvent(testEvent(tagWhat, int64(1000+i), event.StringValue("x"), event.Int64Value(int64(i))))
	}

	r := m.OnDumpReport(bucketNs, 0, false, true, report.ReasonGetData)
	buckets := r.Metrics[0].Series[0].Buckets
	require.Len(t, buckets, 1)
	assert.Len(t, buckets[0].Atoms, 2, "samples beyond max_samples are discarded")
}

func TestGaugeNewBucketResetsSampleBudget(t *testing.T) {
	m := testManager(t, gaugeConfig())

	for i := 0; i < 3; i++ {
		m.OnLogEvent(testEvent(tagWhat, int64(1000+i), event.StringValue("x"), event.Int64Value(1)))
	}
	m.OnLogEvent(testEvent(tagWhat, bucketNs+1, event.StringValue("x"), event.Int64Value(2)))

	r := m.OnDumpReport(2*bucketNs, 0, false, true, report.ReasonGetData)
	buckets := r.Metrics[0].Series[0].Buckets
	require.Len(t, buckets, 2)
	assert.Len(t, buckets[0].Atoms, 2)
	assert.Len(t, buckets[1].Atoms, 1)
}

func TestGaugeSkippedBucketsAcrossGap(t *testing.T) {
	m := testManager(t, gaugeConfig())

	m.OnLogEvent(testEvent(tagWhat, 1000, event.StringValue("x"), event.Int64Value(1)))
	m.OnLogEvent(testEvent(tagWhat, 2*bucketNs+500, event.StringValue("x"), event.Int64Value(2)))

	r := m.OnDumpReport(3*bucketNs, 0, false, true, report.ReasonGetData)
	skipped := r.Metrics[0].SkippedBuckets
	require.Len(t, skipped, 1, "bucket 1 elapsed with nothing sampled")
	assert.Equal(t, bucketNs, skipped[0].StartNs)
	assert.Equal(t, 2*bucketNs, skipped[0].EndNs)
	assert.Equal(t, "no_samples", skipped[0].Reason)
}
