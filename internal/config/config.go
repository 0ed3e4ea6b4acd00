package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Key identifies one configuration submission: the uid of the submitting
// package plus the caller-chosen config id. Comparable, so it is used
// directly as a map key.
type Key struct {
	UID int32
	ID  int64
}

func (k Key) String() string {
	return fmt.Sprintf("(%d, %d)", k.UID, k.ID)
}

// Defaults applied when a config omits its guardrails.
const (
	DefaultMaxMetricsBytes = 2 * 1024 * 1024
	DefaultTriggerBytes    = 192 * 1024
	DefaultBucketSeconds   = 3600
	DefaultMaxDimensions   = 1000
	DefaultTTLSeconds      = 0 // no expiry
)

// FieldPos mirrors dimension.FieldPos for YAML parsing.
type FieldPos struct {
	Pos int  `yaml:"pos"`
	All bool `yaml:"all,omitempty"`
}

// FieldFilter is one value predicate of a simple matcher.
type FieldFilter struct {
	Pos      int     `yaml:"pos"`
	EqInt    *int64  `yaml:"eq_int,omitempty"`
	EqString *string `yaml:"eq_string,omitempty"`
	EqBool   *bool   `yaml:"eq_bool,omitempty"`
}

// SimpleMatcher matches a tag id plus optional field-value predicates.
type SimpleMatcher struct {
	Tag     int32         `yaml:"tag"`
	Filters []FieldFilter `yaml:"filters,omitempty"`
}

// Combination composes other matchers by id.
type Combination struct {
	Operation string  `yaml:"operation"` // and, or, not
	Operands  []int64 `yaml:"operands"`
}

// AtomMatcher is either simple or a combination, never both.
type AtomMatcher struct {
	ID          int64          `yaml:"id"`
	Simple      *SimpleMatcher `yaml:"simple,omitempty"`
	Combination *Combination   `yaml:"combination,omitempty"`
}

// SimplePredicate is driven by up to three matchers.
type SimplePredicate struct {
	Start        int64      `yaml:"start,omitempty"`
	Stop         int64      `yaml:"stop,omitempty"`
	StopAll      int64      `yaml:"stop_all,omitempty"`
	CountNesting bool       `yaml:"count_nesting,omitempty"`
	InitialValue string     `yaml:"initial_value,omitempty"` // false (default) or unknown
	Dimensions   []FieldPos `yaml:"dimensions,omitempty"`
}

// PredicateCombination composes child predicates by id.
type PredicateCombination struct {
	Operation string  `yaml:"operation"` // and, or
	Operands  []int64 `yaml:"operands"`
}

// Predicate is either simple or a combination, never both.
type Predicate struct {
	ID          int64                 `yaml:"id"`
	Simple      *SimplePredicate      `yaml:"simple,omitempty"`
	Combination *PredicateCombination `yaml:"combination,omitempty"`
}

// UploadThreshold gates which dimensions make it into the report.
type UploadThreshold struct {
	Cmp   string `yaml:"cmp"` // lt, gt, lte, gte
	Value int64  `yaml:"value"`
}

// EventActivation ties a metric's active window to a matcher firing.
type EventActivation struct {
	Matcher            int64 `yaml:"matcher"`
	TTLSeconds         int64 `yaml:"ttl_seconds"`
	DeactivationMatcher int64 `yaml:"deactivation_matcher,omitempty"`
	ActivateOnBoot     bool  `yaml:"activate_on_boot,omitempty"`
}

// MetricBase carries the fields every metric kind shares.
type MetricBase struct {
	ID            int64             `yaml:"id"`
	What          int64             `yaml:"what"`
	Condition     int64             `yaml:"condition,omitempty"`
	Dimensions    []FieldPos        `yaml:"dimensions,omitempty"`
	SliceByStates []int32           `yaml:"slice_by_states,omitempty"`
	BucketSeconds int64             `yaml:"bucket_seconds,omitempty"`
	// BucketNs overrides BucketSeconds for sub-second windows.
	BucketNs      int64             `yaml:"bucket_ns,omitempty"`
	Threshold     *UploadThreshold  `yaml:"threshold,omitempty"`
	Activations   []EventActivation `yaml:"activations,omitempty"`
	MaxDimensions int               `yaml:"max_dimensions,omitempty"`
}

// CountMetric counts matched events per dimension per bucket.
type CountMetric struct {
	MetricBase `yaml:",inline"`
}

// DurationMetric times a predicate; What names a simple predicate id.
type DurationMetric struct {
	MetricBase  `yaml:",inline"`
	Aggregation string `yaml:"aggregation,omitempty"` // sum (default) or max
}

// ValueMetric aggregates a numeric field per dimension per bucket.
type ValueMetric struct {
	MetricBase  `yaml:",inline"`
	ValueField  int    `yaml:"value_field"`
	Aggregation string `yaml:"aggregation,omitempty"` // sum (default), min, max, avg
	PullTag     int32  `yaml:"pull_tag,omitempty"`
}

// GaugeMetric samples field values.
type GaugeMetric struct {
	MetricBase     `yaml:",inline"`
	Sampling       string  `yaml:"sampling,omitempty"` // trigger (default), condition, pull
	TriggerMatcher int64   `yaml:"trigger_matcher,omitempty"`
	PullTag        int32   `yaml:"pull_tag,omitempty"`
	Fields         []int   `yaml:"fields,omitempty"`
	MaxSamples     int     `yaml:"max_samples,omitempty"`
}

// KllMetric feeds a numeric field into a streaming quantile sketch.
type KllMetric struct {
	MetricBase `yaml:",inline"`
	ValueField int `yaml:"value_field"`
}

// Alert declares an anomaly detector over a metric's rolling bucket sum.
type Alert struct {
	ID                       int64 `yaml:"id"`
	MetricID                 int64 `yaml:"metric_id"`
	NumBuckets               int   `yaml:"num_buckets"`
	TriggerIfSumGt           int64 `yaml:"trigger_if_sum_gt"`
	RefractoryPeriodSeconds  int64 `yaml:"refractory_period_seconds,omitempty"`
}

// Config is one declarative configuration as uploaded by an operator.
type Config struct {
	ID int64 `yaml:"id"`

	Matchers   []AtomMatcher `yaml:"matchers,omitempty"`
	Predicates []Predicate   `yaml:"predicates,omitempty"`

	CountMetrics    []CountMetric    `yaml:"count_metrics,omitempty"`
	DurationMetrics []DurationMetric `yaml:"duration_metrics,omitempty"`
	ValueMetrics    []ValueMetric    `yaml:"value_metrics,omitempty"`
	GaugeMetrics    []GaugeMetric    `yaml:"gauge_metrics,omitempty"`
	KllMetrics      []KllMetric      `yaml:"kll_metrics,omitempty"`

	Alerts []Alert `yaml:"alerts,omitempty"`

	MaxMetricsBytes     int64  `yaml:"max_metrics_bytes,omitempty"`
	TriggerBytes        int64  `yaml:"trigger_bytes,omitempty"`
	TTLSeconds          int64  `yaml:"ttl_seconds,omitempty"`
	RestrictedDelegate  string `yaml:"restricted_delegate,omitempty"`
	PersistLocalHistory bool   `yaml:"persist_local_history,omitempty"`
}

// Parse decodes a YAML config document and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills the unset byte guardrails (MaxMetricsBytes and
// TriggerBytes). Bucket sizes are not defaulted here.
func (c *Config) ApplyDefaults() {
	if c.MaxMetricsBytes <= 0 {
		c.MaxMetricsBytes = DefaultMaxMetricsBytes
	}
	if c.TriggerBytes <= 0 {
		c.TriggerBytes = DefaultTriggerBytes
	}
}

// HasRestrictedDelegate reports whether this config routes its data to the
// restricted SQL store instead of in-memory buckets.
func (c *Config) HasRestrictedDelegate() bool {
	return c.RestrictedDelegate != ""
}

// MetricIDs lists every metric id in declaration order.
func (c *Config) MetricIDs() []int64 {
	var ids []int64
	for _, m := range c.CountMetrics {
		ids = append(ids, m.ID)
	}
	for _, m := range c.DurationMetrics {
		ids = append(ids, m.ID)
	}
	for _, m := range c.ValueMetrics {
		ids = append(ids, m.ID)
	}
	for _, m := range c.GaugeMetrics {
		ids = append(ids, m.ID)
	}
	for _, m := range c.KllMetrics {
		ids = append(ids, m.ID)
	}
	return ids
}
