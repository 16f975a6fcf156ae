// Package dedup implements the deduplication decorator named in spec
// §4.A / §9: it wraps any span.AnalyticsRepository and applies
// identity-based deduplication — (trace_id, span_id), "latest
// ingested_at wins" — to the span-listing calls GetSpansByTraceID,
// GetMessageSpansByTraceID, GetMessageSpansBySessionID and QuerySpans,
// so retried OTLP batches never surface duplicate spans through them
// even before the underlying backend's own merge/compaction has run.
// GetSpan, ListTraces, ListSessions, QuerySpansByExpression and the
// aggregate queries (CalculateTotalCost/Tokens, CountSpans, CountTraces)
// are passed straight through, matching the backends' own
// FINAL/DISTINCT-ON semantics (§4.A).
package dedup

import (
	"context"
	"time"

	"sideseat/internal/core/domain/span"
)

// Repository decorates a span.AnalyticsRepository with a deduplication
// pass. It implements the same interface so the rest of the system
// (ingest, feed, retention) never knows it's wrapped.
type Repository struct {
	inner span.AnalyticsRepository
}

// Wrap returns inner decorated with deduplication.
func Wrap(inner span.AnalyticsRepository) *Repository {
	return &Repository{inner: inner}
}

func (r *Repository) InsertSpan(ctx context.Context, s *span.NormalizedSpan) error {
	return r.inner.InsertSpan(ctx, s)
}

func (r *Repository) InsertSpanBatch(ctx context.Context, spans []*span.NormalizedSpan) error {
	return r.inner.InsertSpanBatch(ctx, spans)
}

func (r *Repository) GetSpan(ctx context.Context, projectID, traceID, spanID string) (*span.NormalizedSpan, error) {
	return r.inner.GetSpan(ctx, projectID, traceID, spanID)
}

func (r *Repository) GetSpansByTraceID(ctx context.Context, projectID, traceID string) ([]*span.NormalizedSpan, error) {
	rows, err := r.inner.GetSpansByTraceID(ctx, projectID, traceID)
	if err != nil {
		return nil, err
	}
	return dedupeByLatest(rows, func(s *span.NormalizedSpan) (string, string, time.Time) {
		return s.TraceID, s.SpanID, s.IngestedAt
	}), nil
}

func (r *Repository) GetMessageSpansByTraceID(ctx context.Context, projectID, traceID string) ([]span.MessageSpanRow, error) {
	rows, err := r.inner.GetMessageSpansByTraceID(ctx, projectID, traceID)
	if err != nil {
		return nil, err
	}
	return dedupeMessageRows(rows), nil
}

func (r *Repository) GetMessageSpansBySessionID(ctx context.Context, projectID, sessionID string) ([]span.MessageSpanRow, error) {
	rows, err := r.inner.GetMessageSpansBySessionID(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}
	return dedupeMessageRows(rows), nil
}

// dedupeMessageRows applies the §4.A identity — (trace_id, span_id,
// ingested_at), latest ingested wins — to the feed projection, keeping
// the winners in the backend's timestamp_start order.
func dedupeMessageRows(rows []span.MessageSpanRow) []span.MessageSpanRow {
	seen := make(map[string]int, len(rows))
	out := rows[:0]
	for _, row := range rows {
		key := row.TraceID + "\x00" + row.SpanID
		if idx, ok := seen[key]; ok {
			if row.IngestedAt.After(out[idx].IngestedAt) {
				out[idx] = row
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, row)
	}
	return out
}

func (r *Repository) ListTraces(ctx context.Context, f span.Filter) ([]span.TraceRow, error) {
	return r.inner.ListTraces(ctx, f)
}

func (r *Repository) CountTraces(ctx context.Context, f span.Filter) (int64, error) {
	return r.inner.CountTraces(ctx, f)
}

func (r *Repository) ListSessions(ctx context.Context, f span.Filter) ([]span.SessionRow, error) {
	return r.inner.ListSessions(ctx, f)
}

func (r *Repository) QuerySpans(ctx context.Context, f span.Filter) ([]span.SpanRow, error) {
	rows, err := r.inner.QuerySpans(ctx, f)
	if err != nil {
		return nil, err
	}
	deduped := dedupeByLatest(toPtrSlice(rows), func(s *span.NormalizedSpan) (string, string, time.Time) {
		return s.TraceID, s.SpanID, s.IngestedAt
	})
	out := make([]span.SpanRow, len(deduped))
	for i, s := range deduped {
		out[i] = span.SpanRow{NormalizedSpan: *s}
	}
	return out, nil
}

func (r *Repository) CountSpans(ctx context.Context, f span.Filter) (int64, error) {
	return r.inner.CountSpans(ctx, f)
}

func (r *Repository) QuerySpansByExpression(ctx context.Context, projectID, expression string, limit, offset int) ([]span.SpanRow, error) {
	return r.inner.QuerySpansByExpression(ctx, projectID, expression, limit, offset)
}

func (r *Repository) GetFilterOptions(ctx context.Context, projectID string) (*span.FilterOptions, error) {
	return r.inner.GetFilterOptions(ctx, projectID)
}

func (r *Repository) CalculateTotalCost(ctx context.Context, f span.Filter) (float64, error) {
	return r.inner.CalculateTotalCost(ctx, f)
}

func (r *Repository) CalculateTotalTokens(ctx context.Context, f span.Filter) (uint64, error) {
	return r.inner.CalculateTotalTokens(ctx, f)
}

func (r *Repository) GetProjectStats(ctx context.Context, projectID string, from, to time.Time, bucket time.Duration) (*span.ProjectStats, error) {
	return r.inner.GetProjectStats(ctx, projectID, from, to, bucket)
}

func (r *Repository) InsertMetricBatch(ctx context.Context, metrics []*span.NormalizedMetric) error {
	return r.inner.InsertMetricBatch(ctx, metrics)
}

func (r *Repository) DeleteOlderThan(ctx context.Context, projectID string, cutoff time.Time, batchSize int) (int64, error) {
	return r.inner.DeleteOlderThan(ctx, projectID, cutoff, batchSize)
}

func (r *Repository) DeleteMetricsOlderThan(ctx context.Context, projectID string, cutoff time.Time, batchSize int) (int64, error) {
	return r.inner.DeleteMetricsOlderThan(ctx, projectID, cutoff, batchSize)
}

func (r *Repository) DeleteTrace(ctx context.Context, projectID, traceID string) error {
	return r.inner.DeleteTrace(ctx, projectID, traceID)
}

func (r *Repository) Checkpoint(ctx context.Context) error { return r.inner.Checkpoint(ctx) }

func (r *Repository) Close() error { return r.inner.Close() }

func toPtrSlice(rows []span.SpanRow) []*span.NormalizedSpan {
	out := make([]*span.NormalizedSpan, len(rows))
	for i := range rows {
		out[i] = &rows[i].NormalizedSpan
	}
	return out
}

// dedupeByLatest keeps, for each (traceID, spanID) identity, the entry
// with the latest ingestedAt, preserving the first-seen relative order
// of winning entries (stable with respect to the input's own ordering,
// typically timestamp_start ASC).
func dedupeByLatest(rows []*span.NormalizedSpan, key func(*span.NormalizedSpan) (string, string, time.Time)) []*span.NormalizedSpan {
	type slot struct {
		idx   int
		when  time.Time
	}
	order := make([]string, 0, len(rows))
	best := make(map[string]slot, len(rows))
	out := make([]*span.NormalizedSpan, 0, len(rows))
	for _, s := range rows {
		trace, spanID, when := key(s)
		k := trace + "\x00" + spanID
		if cur, ok := best[k]; ok {
			if !when.After(cur.when) {
				continue
			}
			out[cur.idx] = s
			best[k] = slot{idx: cur.idx, when: when}
			continue
		}
		best[k] = slot{idx: len(out), when: when}
		order = append(order, k)
		out = append(out, s)
	}
	return out
}
