package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"sideseat/internal/core/domain/span"
	"sideseat/internal/core/domain/topic"
	"sideseat/internal/core/domain/topicerr"
)

// MetricsTopic and LogsTopic are the fire-and-forget broadcast topics
// the OTLP collectors publish non-trace signals to (§4.D). Only metrics
// have a persisting consumer; the logs broadcast exists for debug
// subscribers.
const (
	MetricsTopic = "otlp.metrics"
	LogsTopic    = "otlp.logs"
)

// MetricsConsumer subscribes to the metrics broadcast and flattens each
// OTLP batch into NormalizedMetric rows. Delivery is fire-and-forget:
// a decode failure or insert failure drops the batch with a warn-log,
// never a retry — the durable at-least-once path is reserved for traces.
type MetricsConsumer struct {
	Broadcast topic.Broadcaster
	Analytics span.AnalyticsRepository
	Log       *slog.Logger
}

// Run consumes until ctx is canceled. A Lagged signal just logs how far
// behind the consumer fell; broadcast semantics mean the gap is gone.
func (m *MetricsConsumer) Run(ctx context.Context) error {
	msgs, errs, cancel := m.Broadcast.Subscribe(ctx, MetricsTopic, 256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			var terr *topicerr.Error
			if errors.As(err, &terr) && terr.Kind == topicerr.KindLagged {
				m.Log.Warn("metrics consumer lagged", "dropped", terr.Count)
				continue
			}
			m.Log.Warn("metrics consumer error", "error", err)
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			m.handle(ctx, msg.Payload)
		}
	}
}

func (m *MetricsConsumer) handle(ctx context.Context, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		m.Log.Warn("metrics consumer: malformed envelope", "error", err)
		return
	}
	rows := flattenMetrics(env.ProjectID, env.Body, time.Now().UTC())
	if len(rows) == 0 {
		return
	}
	if err := m.Analytics.InsertMetricBatch(ctx, rows); err != nil {
		m.Log.Warn("metrics consumer: insert failed", "project_id", env.ProjectID, "count", len(rows), "error", err)
	}
}

// Wire shapes for the protojson encoding of ExportMetricsServiceRequest,
// mirroring the camelCase trace shapes in wire.go.
type otlpMetricsRequest struct {
	ResourceMetrics []struct {
		ScopeMetrics []struct {
			Metrics []wireMetric `json:"metrics"`
		} `json:"scopeMetrics"`
	} `json:"resourceMetrics"`
}

type wireMetric struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Unit        string         `json:"unit"`
	Gauge       *wireDataSet   `json:"gauge,omitempty"`
	Sum         *wireDataSet   `json:"sum,omitempty"`
	Histogram   *wireHistogram `json:"histogram,omitempty"`
}

type wireDataSet struct {
	DataPoints []wireNumberPoint `json:"dataPoints"`
}

type wireNumberPoint struct {
	AsDouble     *float64        `json:"asDouble,omitempty"`
	AsInt        *json.Number    `json:"asInt,omitempty"`
	TimeUnixNano string          `json:"timeUnixNano"`
	Attributes   json.RawMessage `json:"attributes,omitempty"`
}

type wireHistogram struct {
	DataPoints []struct {
		Sum          *float64        `json:"sum,omitempty"`
		Count        json.Number     `json:"count"`
		TimeUnixNano string          `json:"timeUnixNano"`
		Attributes   json.RawMessage `json:"attributes,omitempty"`
	} `json:"dataPoints"`
}

// flattenMetrics turns one OTLP metrics body into NormalizedMetric rows:
// one row per gauge/sum data point (its value), one per histogram data
// point (its sum, with the count folded into attributes by the caller's
// dashboards if needed).
func flattenMetrics(projectID string, body []byte, ingestedAt time.Time) []*span.NormalizedMetric {
	var req otlpMetricsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil
	}
	var out []*span.NormalizedMetric
	for _, rm := range req.ResourceMetrics {
		for _, sm := range rm.ScopeMetrics {
			for _, metric := range sm.Metrics {
				base := span.NormalizedMetric{
					ProjectID:   projectID,
					MetricName:  metric.Name,
					Description: metric.Description,
					Unit:        metric.Unit,
					IngestedAt:  ingestedAt,
				}
				switch {
				case metric.Gauge != nil:
					out = appendNumberPoints(out, base, span.MetricTypeGauge, metric.Gauge.DataPoints)
				case metric.Sum != nil:
					out = appendNumberPoints(out, base, span.MetricTypeSum, metric.Sum.DataPoints)
				case metric.Histogram != nil:
					for _, dp := range metric.Histogram.DataPoints {
						row := base
						row.Type = span.MetricTypeHistogram
						if dp.Sum != nil {
							row.Value = *dp.Sum
						}
						row.Attributes = dp.Attributes
						row.Timestamp = unixNano(dp.TimeUnixNano, ingestedAt)
						out = append(out, &row)
					}
				}
			}
		}
	}
	return out
}

func appendNumberPoints(out []*span.NormalizedMetric, base span.NormalizedMetric, typ span.MetricType, points []wireNumberPoint) []*span.NormalizedMetric {
	for _, dp := range points {
		row := base
		row.Type = typ
		switch {
		case dp.AsDouble != nil:
			row.Value = *dp.AsDouble
		case dp.AsInt != nil:
			row.Value, _ = dp.AsInt.Float64()
		}
		row.Attributes = dp.Attributes
		row.Timestamp = unixNano(dp.TimeUnixNano, base.IngestedAt)
		out = append(out, &row)
	}
	return out
}

// unixNano parses protojson's string-encoded nanosecond timestamps,
// falling back to the ingestion time for absent/garbage values.
func unixNano(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Unix(0, n).UTC()
}
