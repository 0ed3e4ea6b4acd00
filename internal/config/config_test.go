package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
id: 42
matchers:
  - id: 1
    simple:
      tag: 100
      filters:
        - pos: 2
          eq_string: wifi
  - id: 2
    simple:
      tag: 200
  - id: 3
    combination:
      operation: or
      operands: [1, 2]
predicates:
  - id: 10
    simple:
      start: 1
      stop: 2
      count_nesting: true
      dimensions:
        - pos: 1
count_metrics:
  - id: 100
    what: 3
    condition: 10
    bucket_seconds: 600
    dimensions:
      - pos: 1
    threshold:
      cmp: gt
      value: 5
duration_metrics:
  - id: 200
    what: 10
    aggregation: max
alerts:
  - id: 1
    metric_id: 200
    num_buckets: 3
    trigger_if_sum_gt: 1000
ttl_seconds: 86400
max_metrics_bytes: 4096
`

func TestParseYamlConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, int64(42), cfg.ID)
	require.Len(t, cfg.Matchers, 3)
	require.NotNil(t, cfg.Matchers[0].Simple)
	assert.Equal(t, int32(100), cfg.Matchers[0].Simple.Tag)
	require.Len(t, cfg.Matchers[0].Simple.Filters, 1)
	assert.Equal(t, "wifi", *cfg.Matchers[0].Simple.Filters[0].EqString)
	require.NotNil(t, cfg.Matchers[2].Combination)
	assert.Equal(t, []int64{1, 2}, cfg.Matchers[2].Combination.Operands)

	require.Len(t, cfg.Predicates, 1)
	assert.True(t, cfg.Predicates[0].Simple.CountNesting)

	require.Len(t, cfg.CountMetrics, 1)
	assert.Equal(t, int64(600), cfg.CountMetrics[0].BucketSeconds)
	assert.Equal(t, "gt", cfg.CountMetrics[0].Threshold.Cmp)

	require.Len(t, cfg.DurationMetrics, 1)
	assert.Equal(t, "max", cfg.DurationMetrics[0].Aggregation)

	require.Len(t, cfg.Alerts, 1)
	assert.Equal(t, int64(1000), cfg.Alerts[0].TriggerIfSumGt)

	assert.Equal(t, int64(4096), cfg.MaxMetricsBytes)
	assert.Equal(t, int64(DefaultTriggerBytes), cfg.TriggerBytes, "unset guardrails get defaults")
	assert.Equal(t, []int64{100, 200}, cfg.MetricIDs())
}

func TestParseRejectsMalformedYaml(t *testing.T) {
	_, err := Parse([]byte("count_metrics: {not: [valid"))
	assert.Error(t, err)
}

func TestRestrictedDelegate(t *testing.T) {
	cfg, err := Parse([]byte("restricted_delegate: com.example.app"))
	require.NoError(t, err)
	assert.True(t, cfg.HasRestrictedDelegate())

	cfg, err = Parse([]byte("id: 1"))
	require.NoError(t, err)
	assert.False(t, cfg.HasRestrictedDelegate())
}
