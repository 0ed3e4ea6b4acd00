package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlabs/metricsd/internal/event"
)

func TestReportListRoundTrip(t *testing.T) {
	list := &ReportList{
		Key: ReportKey{UID: 1000, ID: 7, ReportNumber: 3, ProcessInstanceID: "abc", StatsID: 42},
		Reports: []ConfigReport{{
			Metrics: []Metric{{
				MetricID: 100,
				Kind:     KindCount,
				IsActive: true,
				Series: []Series{{
					Dimension: []event.Value{event.StringValue("a")},
					Buckets:   []Bucket{{StartNs: 0, EndNs: 1000, Count: 5}},
				}},
			}},
			LastReportElapsedNs:    1,
			CurrentReportElapsedNs: 2,
			DumpReason:             ReasonGetData,
			DataCorruptedReasons:   []DataCorruptedReason{CorruptedSocketLoss},
		}},
	}

	payload, err := list.MarshalLengthPrefixed()
	require.NoError(t, err)

	decoded, err := UnmarshalLengthPrefixed(payload)
	require.NoError(t, err)
	assert.Equal(t, list.Key, decoded.Key)
	require.Len(t, decoded.Reports, 1)
	assert.Equal(t, ReasonGetData, decoded.Reports[0].DumpReason)
	require.Len(t, decoded.Reports[0].Metrics, 1)
	assert.Equal(t, int64(5), decoded.Reports[0].Metrics[0].Series[0].Buckets[0].Count)
	assert.Equal(t, "a", decoded.Reports[0].Metrics[0].Series[0].Dimension[0].Str)
}

func TestUnmarshalTruncatedPayload(t *testing.T) {
	_, err := UnmarshalLengthPrefixed([]byte{0, 0})
	assert.Error(t, err)

	list := &ReportList{Key: ReportKey{UID: 1}}
	payload, err := list.MarshalLengthPrefixed()
	require.NoError(t, err)
	_, err = UnmarshalLengthPrefixed(payload[:len(payload)-1])
	assert.Error(t, err)
}

func TestDeterministicEncoding(t *testing.T) {
	list := &ReportList{Key: ReportKey{UID: 1, ID: 2}}
	a, err := list.MarshalLengthPrefixed()
	require.NoError(t, err)
	b, err := list.MarshalLengthPrefixed()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
