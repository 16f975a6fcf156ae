package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sideseat/internal/core/domain/span"
)

func TestFlattenMetricsGaugeAndSum(t *testing.T) {
	body := []byte(`{
		"resourceMetrics": [{
			"scopeMetrics": [{
				"metrics": [
					{
						"name": "gen_ai.client.token.usage",
						"unit": "{token}",
						"sum": {"dataPoints": [
							{"asInt": "128", "timeUnixNano": "1700000000000000000"},
							{"asInt": "64", "timeUnixNano": "1700000001000000000"}
						]}
					},
					{
						"name": "gen_ai.client.operation.duration",
						"unit": "s",
						"gauge": {"dataPoints": [
							{"asDouble": 1.25, "timeUnixNano": "1700000002000000000", "attributes": [{"key":"gen_ai.system","value":{"stringValue":"anthropic"}}]}
						]}
					}
				]
			}]
		}]
	}`)

	ingested := time.Unix(1_700_000_100, 0).UTC()
	rows := flattenMetrics("proj-1", body, ingested)
	require.Len(t, rows, 3)

	assert.Equal(t, "gen_ai.client.token.usage", rows[0].MetricName)
	assert.Equal(t, span.MetricTypeSum, rows[0].Type)
	assert.Equal(t, float64(128), rows[0].Value)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), rows[0].Timestamp)
	assert.Equal(t, ingested, rows[0].IngestedAt)

	assert.Equal(t, span.MetricTypeGauge, rows[2].Type)
	assert.InDelta(t, 1.25, rows[2].Value, 1e-9)
	assert.NotEmpty(t, rows[2].Attributes)
}

func TestFlattenMetricsHistogramUsesSum(t *testing.T) {
	body := []byte(`{
		"resourceMetrics": [{
			"scopeMetrics": [{
				"metrics": [{
					"name": "gen_ai.server.request.duration",
					"histogram": {"dataPoints": [
						{"sum": 9.5, "count": "4", "timeUnixNano": "1700000000000000000"}
					]}
				}]
			}]
		}]
	}`)

	rows := flattenMetrics("proj-1", body, time.Unix(0, 0).UTC())
	require.Len(t, rows, 1)
	assert.Equal(t, span.MetricTypeHistogram, rows[0].Type)
	assert.InDelta(t, 9.5, rows[0].Value, 1e-9)
}

func TestFlattenMetricsToleratesGarbage(t *testing.T) {
	assert.Nil(t, flattenMetrics("proj-1", []byte(`not json`), time.Now()))
	assert.Nil(t, flattenMetrics("proj-1", []byte(`{}`), time.Now()))
}

func TestFlattenMetricsFallsBackToIngestTime(t *testing.T) {
	body := []byte(`{
		"resourceMetrics": [{
			"scopeMetrics": [{
				"metrics": [{
					"name": "m",
					"gauge": {"dataPoints": [{"asDouble": 1}]}
				}]
			}]
		}]
	}`)
	ingested := time.Unix(42, 0).UTC()
	rows := flattenMetrics("proj-1", body, ingested)
	require.Len(t, rows, 1)
	assert.Equal(t, ingested, rows[0].Timestamp)
}
