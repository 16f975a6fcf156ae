package span

import (
	"encoding/json"
	"time"
)

// MetricType mirrors the OTLP metric data shapes the collector accepts.
type MetricType string

const (
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeSum       MetricType = "sum"
	MetricTypeHistogram MetricType = "histogram"
)

// NormalizedMetric is one data point flattened out of an OTLP metrics
// batch. Unlike spans, metrics ride the fire-and-forget broadcast topic
// (§4.D) — a dropped point is acceptable — but the points that do land
// are persisted so the retention controller has something to age out
// (§4.G metrics cleanup).
type NormalizedMetric struct {
	ProjectID   string          `json:"project_id"`
	MetricName  string          `json:"metric_name"`
	Description string          `json:"description,omitempty"`
	Unit        string          `json:"unit,omitempty"`
	Type        MetricType      `json:"type"`
	Value       float64         `json:"value"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	IngestedAt  time.Time       `json:"ingested_at"`
}
