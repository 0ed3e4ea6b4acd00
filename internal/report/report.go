package report

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/driftlabs/metricsd/internal/event"
	"github.com/driftlabs/metricsd/internal/uidmap"
)

// DumpReason says why a report was produced.
type DumpReason string

const (
	ReasonDeviceShutdown DumpReason = "device_shutdown"
	ReasonConfigUpdated  DumpReason = "config_updated"
	ReasonConfigRemoved  DumpReason = "config_removed"
	ReasonConfigReset    DumpReason = "config_reset"
	ReasonGetData        DumpReason = "get_data_called"
	ReasonAdbDump        DumpReason = "adb_dump"
	ReasonTerminate      DumpReason = "terminate"
)

// DataCorruptedReason flags operator-visible evidence of lost events.
type DataCorruptedReason string

const (
	CorruptedEventQueueOverflow DataCorruptedReason = "event_queue_overflow"
	CorruptedSocketLoss         DataCorruptedReason = "socket_loss"
)

// Metric kinds in report payloads.
const (
	KindCount    = "count"
	KindDuration = "duration"
	KindValue    = "value"
	KindGauge    = "gauge"
	KindKll      = "kll"
)

// GaugeAtom is one sampled atom in a gauge bucket.
type GaugeAtom struct {
	ElapsedNs int64         `cbor:"1,keyasint"`
	Fields    []event.Value `cbor:"2,keyasint,omitempty"`
}

// Bucket is one aggregation window of one series. Only the members
// matching the metric kind are populated.
type Bucket struct {
	StartNs int64 `cbor:"1,keyasint"`
	EndNs   int64 `cbor:"2,keyasint"`

	Count       int64   `cbor:"3,keyasint,omitempty"`
	DurationNs  int64   `cbor:"4,keyasint,omitempty"`
	Sum         float64 `cbor:"5,keyasint,omitempty"`
	Min         float64 `cbor:"6,keyasint,omitempty"`
	Max         float64 `cbor:"7,keyasint,omitempty"`
	SampleCount int64   `cbor:"8,keyasint,omitempty"`

	Atoms []GaugeAtom `cbor:"9,keyasint,omitempty"`

	// Kll snapshot: fixed-rank quantiles plus stream extent.
	Quantiles map[string]float64 `cbor:"10,keyasint,omitempty"`

	ConditionTrueNs int64 `cbor:"11,keyasint,omitempty"`
}

// SkippedBucket marks a window the producer dropped rather than report.
type SkippedBucket struct {
	StartNs int64  `cbor:"1,keyasint"`
	EndNs   int64  `cbor:"2,keyasint"`
	Reason  string `cbor:"3,keyasint,omitempty"`
}

// Series is the bucket list of one metric dimension.
type Series struct {
	Dimension      []event.Value `cbor:"1,keyasint,omitempty"`
	StateDimension []event.Value `cbor:"2,keyasint,omitempty"`
	Buckets        []Bucket      `cbor:"3,keyasint,omitempty"`
}

// Metric is one metric's sub-report.
type Metric struct {
	MetricID              int64           `cbor:"1,keyasint"`
	Kind                  string          `cbor:"2,keyasint"`
	IsActive              bool            `cbor:"3,keyasint"`
	DimensionGuardrailHit bool            `cbor:"4,keyasint,omitempty"`
	Series                []Series        `cbor:"5,keyasint,omitempty"`
	SkippedBuckets        []SkippedBucket `cbor:"6,keyasint,omitempty"`
	EstimatedBytes        int64           `cbor:"7,keyasint,omitempty"`
}

// ConfigReport is one configuration's full report.
type ConfigReport struct {
	Metrics []Metric           `cbor:"1,keyasint,omitempty"`
	UidMap  []uidmap.AppRecord `cbor:"2,keyasint,omitempty"`

	LastReportElapsedNs    int64 `cbor:"3,keyasint"`
	CurrentReportElapsedNs int64 `cbor:"4,keyasint"`
	LastReportWallNs       int64 `cbor:"5,keyasint"`
	CurrentReportWallNs    int64 `cbor:"6,keyasint"`

	DumpReason DumpReason `cbor:"8,keyasint"`

	Strings []string `cbor:"9,keyasint,omitempty"`

	DataCorruptedReasons []DataCorruptedReason `cbor:"11,keyasint,omitempty"`
}

// ReportKey identifies the config and engine instance a report list came
// from.
type ReportKey struct {
	UID               int32  `cbor:"1,keyasint"`
	ID                int64  `cbor:"2,keyasint"`
	ReportNumber      int32  `cbor:"3,keyasint"`
	ProcessInstanceID string `cbor:"4,keyasint"`
	StatsID           int32  `cbor:"5,keyasint,omitempty"`
}

// ReportList is the outbound payload: one config key plus every report
// gathered for it (historical on-disk snapshots first, then the live one).
type ReportList struct {
	Key     ReportKey      `cbor:"1,keyasint"`
	Reports []ConfigReport `cbor:"2,keyasint,omitempty"`
}

var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes a value with the deterministic encoder.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a cbor payload.
func Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

// MarshalLengthPrefixed encodes the report list with a 4-byte big-endian
// length prefix, the framing consumers of the dump surface expect.
func (l *ReportList) MarshalLengthPrefixed() ([]byte, error) {
	body, err := Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report list: %w", err)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// UnmarshalLengthPrefixed decodes a length-prefixed report list.
func UnmarshalLengthPrefixed(data []byte) (*ReportList, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("report payload truncated: %d bytes", len(data))
	}
	n := binary.BigEndian.Uint32(data[:4])
	if int(n) > len(data)-4 {
		return nil, fmt.Errorf("report payload truncated: want %d bytes, have %d", n, len(data)-4)
	}
	var l ReportList
	if err := cbor.Unmarshal(data[4:4+n], &l); err != nil {
		return nil, fmt.Errorf("failed to decode report list: %w", err)
	}
	return &l, nil
}
