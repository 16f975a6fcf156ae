// Package clickhouse implements span.AnalyticsRepository against
// ClickHouse, the distributed analytics backend named in spec §4.A.
// Spans land in a ReplacingMergeTree keyed on (project_id, trace_id,
// span_id) ordered by ingested_at, so the deduplication decorator in
// internal/infrastructure/repository/dedup only needs to apply
// identity-based "latest ingested_at wins" semantics at query time for
// the row-returning calls; aggregate queries use FINAL directly per §4.A.
//
// Grounded on the teacher's internal/infrastructure/repository/
// clickhouse/analytics_repository.go (batch-insert idiom, where-clause
// builder) generalized from request-log columns to NormalizedSpan
// columns, and internal/infrastructure/database/clickhouse.go for the
// connection-pool shape.
package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/shopspring/decimal"

	"sideseat/internal/core/domain/dataerr"
	"sideseat/internal/core/domain/span"
)

// Config holds the connection parameters for the ClickHouse pool.
type Config struct {
	Addr     []string
	Database string
	Username string
	Password string
	// MaxOpenConns bounds concurrent connections; the ingest pipeline and
	// the query surface share this pool.
	MaxOpenConns int
	DialTimeout  time.Duration
}

// Repository is the distributed AnalyticsRepository implementation.
type Repository struct {
	conn ch.Conn
}

// New opens a pooled ClickHouse connection and verifies it with a ping.
func New(ctx context.Context, cfg Config) (*Repository, error) {
	conn, err := ch.Open(&ch.Options{
		Addr: cfg.Addr,
		Auth: ch.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		MaxOpenConns: firstPositive(cfg.MaxOpenConns, 20),
		DialTimeout:  firstPositiveDuration(cfg.DialTimeout, 10*time.Second),
	})
	if err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendUnavailable, "open clickhouse connection", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendUnavailable, "ping clickhouse", err)
	}
	return &Repository{conn: conn}, nil
}

func firstPositive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func firstPositiveDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func (r *Repository) Close() error { return r.conn.Close() }

// InsertSpan inserts a single span; callers that have more than one
// should prefer InsertSpanBatch.
func (r *Repository) InsertSpan(ctx context.Context, s *span.NormalizedSpan) error {
	return r.InsertSpanBatch(ctx, []*span.NormalizedSpan{s})
}

// InsertSpanBatch appends rows to the `spans` ReplacingMergeTree via a
// native PrepareBatch, the ClickHouse idiom for bulk ingestion (far
// cheaper than per-row INSERT statements under sustained pipeline load).
func (r *Repository) InsertSpanBatch(ctx context.Context, spans []*span.NormalizedSpan) error {
	if len(spans) == 0 {
		return nil
	}
	batch, err := r.conn.PrepareBatch(ctx, `INSERT INTO spans (
		project_id, trace_id, span_id, parent_span_id, session_id, user_id, environment,
		span_name, span_kind, status_code, status_message,
		exception_type, exception_message, exception_stacktrace,
		span_category, observation_type, framework,
		timestamp_start, timestamp_end, duration_ms, ingested_at,
		model, system, agent_id, tool_call_id,
		input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, reasoning_tokens,
		cost_input, cost_output, cost_cache_read, cost_cache_write, cost_reasoning,
		pricing_unknown, ttft_ms, request_duration_ms,
		messages, tool_definitions, tool_names, tags, metadata, input_preview, output_preview, raw_span
	)`)
	if err != nil {
		return dataerr.Wrap(dataerr.KindBackendFailure, "prepare span batch", err)
	}
	for _, s := range spans {
		cost := s.Cost.ToFixedPoint()
		metaJSON, _ := json.Marshal(s.Metadata)
		if err := batch.Append(
			s.ProjectID, s.TraceID, s.SpanID, s.ParentSpanID, s.SessionID, s.UserID, s.Environment,
			s.SpanName, uint8(s.SpanKind), uint8(s.StatusCode), s.StatusMessage,
			s.ExceptionType, s.ExceptionMessage, s.ExceptionStacktrace,
			string(s.SpanCategory), s.ObservationType, string(s.Framework),
			s.TimestampStart, s.TimestampEnd, s.DurationMs, s.IngestedAt,
			s.Model, s.System, s.AgentID, s.ToolCallID,
			s.Usage.Input, s.Usage.Output, s.Usage.CacheRead, s.Usage.CacheWrite, s.Usage.Reasoning,
			cost["input"], cost["output"], cost["cache_read"], cost["cache_write"], cost["reasoning"],
			s.PricingUnknown, s.TTFTMs, s.RequestDurationMs,
			string(s.Messages), string(s.ToolDefinitions), string(s.ToolNames), s.Tags, string(metaJSON),
			s.InputPreview, s.OutputPreview, string(s.RawSpan),
		); err != nil {
			return dataerr.Wrap(dataerr.KindBackendFailure, "append span to batch", err)
		}
	}
	if err := batch.Send(); err != nil {
		return dataerr.Wrap(dataerr.KindBackendFailure, "send span batch", err)
	}
	return nil
}

func (r *Repository) GetSpan(ctx context.Context, projectID, traceID, spanID string) (*span.NormalizedSpan, error) {
	row := r.conn.QueryRow(ctx, selectSpanColumns+` FROM spans FINAL WHERE project_id = ? AND trace_id = ? AND span_id = ? LIMIT 1`,
		projectID, traceID, spanID)
	s, err := scanSpan(row)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Repository) GetSpansByTraceID(ctx context.Context, projectID, traceID string) ([]*span.NormalizedSpan, error) {
	rows, err := r.conn.Query(ctx, selectSpanColumns+` FROM spans FINAL WHERE project_id = ? AND trace_id = ? ORDER BY timestamp_start`,
		projectID, traceID)
	if err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "query spans by trace", err)
	}
	defer rows.Close()
	var out []*span.NormalizedSpan
	for rows.Next() {
		s, err := scanSpan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const selectMessageSpanColumns = `SELECT
	trace_id, span_id, parent_span_id, span_name, span_category, framework,
	timestamp_start, timestamp_end, ingested_at, status_code,
	model, system, agent_id, tool_call_id,
	input_tokens+output_tokens+cache_read_tokens+cache_write_tokens+reasoning_tokens,
	cost_input+cost_output+cost_cache_read+cost_cache_write+cost_reasoning,
	messages, tool_definitions, tool_names`

func (r *Repository) GetMessageSpansByTraceID(ctx context.Context, projectID, traceID string) ([]span.MessageSpanRow, error) {
	return r.queryMessageSpans(ctx, selectMessageSpanColumns+
		` FROM spans FINAL WHERE project_id = ? AND trace_id = ? ORDER BY timestamp_start`, projectID, traceID)
}

func (r *Repository) GetMessageSpansBySessionID(ctx context.Context, projectID, sessionID string) ([]span.MessageSpanRow, error) {
	return r.queryMessageSpans(ctx, selectMessageSpanColumns+
		` FROM spans FINAL WHERE project_id = ? AND session_id = ? ORDER BY timestamp_start`, projectID, sessionID)
}

func (r *Repository) queryMessageSpans(ctx context.Context, query string, args ...any) ([]span.MessageSpanRow, error) {
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "query message spans", err)
	}
	defer rows.Close()
	var out []span.MessageSpanRow
	for rows.Next() {
		var m span.MessageSpanRow
		var cat, fw, messages, tools, names string
		var statusCode uint8
		var costTotal decimal.Decimal
		if err := rows.Scan(&m.TraceID, &m.SpanID, &m.ParentSpanID, &m.SpanName, &cat, &fw,
			&m.TimestampStart, &m.TimestampEnd, &m.IngestedAt, &statusCode,
			&m.Model, &m.System, &m.AgentID, &m.ToolCallID,
			&m.TokensTotal, &costTotal,
			&messages, &tools, &names); err != nil {
			return nil, dataerr.Wrap(dataerr.KindBackendFailure, "scan message span", err)
		}
		m.SpanCategory = span.Category(cat)
		m.Framework = span.Framework(fw)
		m.StatusCode = span.StatusCode(statusCode)
		m.CostTotal, _ = costTotal.Float64()
		m.Messages = []byte(messages)
		m.ToolDefinitions = []byte(tools)
		m.ToolNames = []byte(names)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Repository) ListTraces(ctx context.Context, f span.Filter) ([]span.TraceRow, error) {
	where, args := buildWhere(f)
	order, limit, offset := orderLimitOffset(f, "timestamp_start")
	query := fmt.Sprintf(`SELECT
		project_id, trace_id, any(span_name) as root_span_name, count() as span_count,
		countIf(status_code = 2) as error_count, min(timestamp_start), max(timestamp_end),
		sum(cost_input+cost_output+cost_cache_read+cost_cache_write+cost_reasoning) as total_cost,
		sum(input_tokens+output_tokens+cache_read_tokens+cache_write_tokens+reasoning_tokens) as total_tokens,
		any(session_id), any(user_id)
		FROM spans FINAL %s GROUP BY project_id, trace_id %s %s OFFSET %d`, where, order, limit, offset)
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "list traces", err)
	}
	defer rows.Close()
	var out []span.TraceRow
	for rows.Next() {
		var t span.TraceRow
		var end *time.Time
		if err := rows.Scan(&t.ProjectID, &t.TraceID, &t.RootSpanName, &t.SpanCount, &t.ErrorCount,
			&t.TimestampStart, &end, &t.TotalCost, &t.TotalTokens, &t.SessionID, &t.UserID); err != nil {
			return nil, dataerr.Wrap(dataerr.KindBackendFailure, "scan trace row", err)
		}
		t.TimestampEnd = end
		if end != nil {
			t.DurationMs = end.Sub(t.TimestampStart).Milliseconds()
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repository) CountTraces(ctx context.Context, f span.Filter) (int64, error) {
	where, args := buildWhere(f)
	query := fmt.Sprintf(`SELECT count(DISTINCT trace_id) FROM spans FINAL %s`, where)
	var n int64
	if err := r.conn.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, dataerr.Wrap(dataerr.KindBackendFailure, "count traces", err)
	}
	return n, nil
}

func (r *Repository) ListSessions(ctx context.Context, f span.Filter) ([]span.SessionRow, error) {
	where, args := buildWhere(f)
	query := fmt.Sprintf(`SELECT project_id, session_id, count(DISTINCT trace_id), min(timestamp_start), max(timestamp_start),
		sum(cost_input+cost_output+cost_cache_read+cost_cache_write+cost_reasoning),
		sum(input_tokens+output_tokens+cache_read_tokens+cache_write_tokens+reasoning_tokens), any(user_id)
		FROM spans FINAL %s AND session_id IS NOT NULL GROUP BY project_id, session_id`, where)
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "list sessions", err)
	}
	defer rows.Close()
	var out []span.SessionRow
	for rows.Next() {
		var s span.SessionRow
		if err := rows.Scan(&s.ProjectID, &s.SessionID, &s.TraceCount, &s.TimestampStart, &s.TimestampEnd,
			&s.TotalCost, &s.TotalTokens, &s.UserID); err != nil {
			return nil, dataerr.Wrap(dataerr.KindBackendFailure, "scan session row", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) QuerySpans(ctx context.Context, f span.Filter) ([]span.SpanRow, error) {
	where, args := buildWhere(f)
	order, limit, _ := orderLimitOffset(f, "timestamp_start")
	query := selectSpanColumns + fmt.Sprintf(` FROM spans FINAL %s %s %s OFFSET %d`, where, order, limit, f.Offset)
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "query spans", err)
	}
	defer rows.Close()
	var out []span.SpanRow
	for rows.Next() {
		s, err := scanSpan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, span.SpanRow{NormalizedSpan: *s})
	}
	return out, rows.Err()
}

func (r *Repository) CountSpans(ctx context.Context, f span.Filter) (int64, error) {
	where, args := buildWhere(f)
	var n int64
	if err := r.conn.QueryRow(ctx, fmt.Sprintf(`SELECT count() FROM spans FINAL %s`, where), args...).Scan(&n); err != nil {
		return 0, dataerr.Wrap(dataerr.KindBackendFailure, "count spans", err)
	}
	return n, nil
}

// QuerySpansByExpression is the escape hatch named in SPEC_FULL.md §5:
// callers (internal tooling only, never untrusted input) supply a raw
// ClickHouse boolean expression appended to the WHERE clause.
func (r *Repository) QuerySpansByExpression(ctx context.Context, projectID, expression string, limit, offset int) ([]span.SpanRow, error) {
	query := selectSpanColumns + fmt.Sprintf(` FROM spans FINAL WHERE project_id = ? AND (%s) ORDER BY timestamp_start DESC LIMIT %d OFFSET %d`,
		expression, limit, offset)
	rows, err := r.conn.Query(ctx, query, projectID)
	if err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "query spans by expression", err)
	}
	defer rows.Close()
	var out []span.SpanRow
	for rows.Next() {
		s, err := scanSpan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, span.SpanRow{NormalizedSpan: *s})
	}
	return out, rows.Err()
}

func (r *Repository) GetFilterOptions(ctx context.Context, projectID string) (*span.FilterOptions, error) {
	opts := &span.FilterOptions{}
	fill := func(col string, dst *[]string) error {
		rows, err := r.conn.Query(ctx, fmt.Sprintf(`SELECT DISTINCT %s FROM spans FINAL WHERE project_id = ? AND %s IS NOT NULL AND %s != '' LIMIT 200`, col, col, col), projectID)
		if err != nil {
			return dataerr.Wrap(dataerr.KindBackendFailure, "filter options: "+col, err)
		}
		defer rows.Close()
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				return err
			}
			*dst = append(*dst, v)
		}
		return rows.Err()
	}
	for col, dst := range map[string]*[]string{
		"model": &opts.Models, "system": &opts.Systems, "framework": &opts.Frameworks,
		"span_name": &opts.SpanNames, "environment": &opts.Environments,
	} {
		if err := fill(col, dst); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

func (r *Repository) CalculateTotalCost(ctx context.Context, f span.Filter) (float64, error) {
	where, args := buildWhere(f)
	var totalDec decimal.Decimal
	var total float64
	row := r.conn.QueryRow(ctx, fmt.Sprintf(`SELECT sum(cost_input+cost_output+cost_cache_read+cost_cache_write+cost_reasoning) FROM spans FINAL %s`, where), args...)
	if err := row.Scan(&totalDec); err == nil {
		f64, _ := totalDec.Float64()
		return f64, nil
	}
	if err := row.Scan(&total); err != nil {
		return 0, dataerr.Wrap(dataerr.KindBackendFailure, "calculate total cost", err)
	}
	return total, nil
}

func (r *Repository) CalculateTotalTokens(ctx context.Context, f span.Filter) (uint64, error) {
	where, args := buildWhere(f)
	var n uint64
	query := fmt.Sprintf(`SELECT sum(input_tokens+output_tokens+cache_read_tokens+cache_write_tokens+reasoning_tokens) FROM spans FINAL %s`, where)
	if err := r.conn.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, dataerr.Wrap(dataerr.KindBackendFailure, "calculate total tokens", err)
	}
	return n, nil
}

// GetProjectStats aggregates the §6 stats window. Everything but the
// latency histogram is one query per series; aggregates read the table
// with FINAL directly per §4.A rather than through the dedup decorator.
func (r *Repository) GetProjectStats(ctx context.Context, projectID string, from, to time.Time, bucket time.Duration) (*span.ProjectStats, error) {
	stats := &span.ProjectStats{ProjectID: projectID, From: from, To: to}
	window := ` FROM spans FINAL WHERE project_id = ? AND timestamp_start >= ? AND timestamp_start < ?`
	args := []any{projectID, from, to}

	var cost decimal.Decimal
	if err := r.conn.QueryRow(ctx, `SELECT count(), count(DISTINCT trace_id),
		count(DISTINCT session_id), countIf(status_code = 2),
		sum(cost_input+cost_output+cost_cache_read+cost_cache_write+cost_reasoning),
		sum(input_tokens+output_tokens+cache_read_tokens+cache_write_tokens+reasoning_tokens)`+window,
		args...).Scan(&stats.SpanCount, &stats.TraceCount, &stats.SessionCount, &stats.ErrorCount, &cost, &stats.TotalTokens); err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "stats headline", err)
	}
	stats.TotalCost, _ = cost.Float64()

	fwRows, err := r.conn.Query(ctx, `SELECT framework, count()`+window+` GROUP BY framework ORDER BY count() DESC`, args...)
	if err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "stats by framework", err)
	}
	defer fwRows.Close()
	for fwRows.Next() {
		var nc span.NamedCount
		if err := fwRows.Scan(&nc.Name, &nc.Count); err != nil {
			return nil, dataerr.Wrap(dataerr.KindBackendFailure, "scan framework bucket", err)
		}
		stats.ByFramework = append(stats.ByFramework, nc)
	}

	modelRows, err := r.conn.Query(ctx, `SELECT model, count(),
		sum(cost_input+cost_output+cost_cache_read+cost_cache_write+cost_reasoning),
		sum(input_tokens+output_tokens+cache_read_tokens+cache_write_tokens+reasoning_tokens)`+window+
		` AND model IS NOT NULL AND model != '' GROUP BY model ORDER BY count() DESC LIMIT 50`, args...)
	if err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "stats by model", err)
	}
	defer modelRows.Close()
	for modelRows.Next() {
		var ms span.ModelStat
		var model *string
		var mCost decimal.Decimal
		if err := modelRows.Scan(&model, &ms.SpanCount, &mCost, &ms.TotalTokens); err != nil {
			return nil, dataerr.Wrap(dataerr.KindBackendFailure, "scan model bucket", err)
		}
		if model != nil {
			ms.Model = *model
		}
		ms.TotalCost, _ = mCost.Float64()
		stats.ByModel = append(stats.ByModel, ms)
	}

	if bucket <= 0 {
		bucket = time.Hour
	}
	trendRows, err := r.conn.Query(ctx, fmt.Sprintf(`SELECT
		toStartOfInterval(timestamp_start, INTERVAL %d SECOND) AS bucket_start,
		count(), countIf(status_code = 2),
		sum(cost_input+cost_output+cost_cache_read+cost_cache_write+cost_reasoning),
		sum(input_tokens+output_tokens+cache_read_tokens+cache_write_tokens+reasoning_tokens)
		%s GROUP BY bucket_start ORDER BY bucket_start`, int64(bucket/time.Second), window), args...)
	if err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "stats trend", err)
	}
	defer trendRows.Close()
	for trendRows.Next() {
		var tb span.TrendBucket
		var bCost decimal.Decimal
		if err := trendRows.Scan(&tb.BucketStart, &tb.SpanCount, &tb.ErrorCount, &bCost, &tb.TotalTokens); err != nil {
			return nil, dataerr.Wrap(dataerr.KindBackendFailure, "scan trend bucket", err)
		}
		tb.TotalCost, _ = bCost.Float64()
		stats.Trend = append(stats.Trend, tb)
	}

	prev := int64(0)
	for _, upper := range span.LatencyBucketBoundsMs {
		var n int64
		if err := r.conn.QueryRow(ctx, `SELECT count()`+window+` AND duration_ms >= ? AND duration_ms < ?`,
			append(append([]any{}, args...), prev, upper)...).Scan(&n); err != nil {
			return nil, dataerr.Wrap(dataerr.KindBackendFailure, "stats latency bucket", err)
		}
		stats.Latency = append(stats.Latency, span.LatencyBucket{UpperMs: upper, Count: n})
		prev = upper
	}
	var overflow int64
	if err := r.conn.QueryRow(ctx, `SELECT count()`+window+` AND duration_ms >= ?`,
		append(append([]any{}, args...), prev)...).Scan(&overflow); err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "stats latency overflow", err)
	}
	stats.Latency = append(stats.Latency, span.LatencyBucket{UpperMs: 0, Count: overflow})

	return stats, nil
}

func (r *Repository) InsertMetricBatch(ctx context.Context, metrics []*span.NormalizedMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	batch, err := r.conn.PrepareBatch(ctx, `INSERT INTO metrics
		(project_id, metric_name, description, unit, metric_type, value, attributes, timestamp, ingested_at)`)
	if err != nil {
		return dataerr.Wrap(dataerr.KindBackendFailure, "prepare metric batch", err)
	}
	for _, m := range metrics {
		if err := batch.Append(m.ProjectID, m.MetricName, m.Description, m.Unit,
			string(m.Type), m.Value, string(m.Attributes), m.Timestamp, m.IngestedAt); err != nil {
			return dataerr.Wrap(dataerr.KindBackendFailure, "append metric to batch", err)
		}
	}
	if err := batch.Send(); err != nil {
		return dataerr.Wrap(dataerr.KindBackendFailure, "send metric batch", err)
	}
	return nil
}

func (r *Repository) DeleteMetricsOlderThan(ctx context.Context, projectID string, cutoff time.Time, batchSize int) (int64, error) {
	var n int64
	if err := r.conn.QueryRow(ctx, `SELECT count() FROM metrics WHERE project_id = ? AND timestamp < ? LIMIT ?`,
		projectID, cutoff, batchSize).Scan(&n); err != nil {
		return 0, dataerr.Wrap(dataerr.KindBackendFailure, "count metric retention candidates", err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := r.conn.Exec(ctx, `ALTER TABLE metrics DELETE WHERE project_id = ? AND timestamp < ?`, projectID, cutoff); err != nil {
		return 0, dataerr.Wrap(dataerr.KindBackendFailure, "retention delete metrics", err)
	}
	return n, nil
}

// DeleteOlderThan implements the retention controller's time-based
// delete (§4.G). ClickHouse has no row-level DELETE in the OLTP sense;
// ALTER TABLE ... DELETE is an async mutation. This counts the rows
// older than cutoff (the LIMIT applies to the one-row count result, so
// the count is not capped at batchSize) and then issues one mutation
// over all of them; batchSize does not bound the mutation.
func (r *Repository) DeleteOlderThan(ctx context.Context, projectID string, cutoff time.Time, batchSize int) (int64, error) {
	var n int64
	countQuery := `SELECT count() FROM spans FINAL WHERE project_id = ? AND timestamp_start < ? LIMIT ?`
	if err := r.conn.QueryRow(ctx, countQuery, projectID, cutoff, batchSize).Scan(&n); err != nil {
		return 0, dataerr.Wrap(dataerr.KindBackendFailure, "count retention candidates", err)
	}
	if n == 0 {
		return 0, nil
	}
	mutation := `ALTER TABLE spans DELETE WHERE project_id = ? AND timestamp_start < ?`
	if err := r.conn.Exec(ctx, mutation, projectID, cutoff); err != nil {
		return 0, dataerr.Wrap(dataerr.KindBackendFailure, "retention delete", err)
	}
	return n, nil
}

func (r *Repository) DeleteTrace(ctx context.Context, projectID, traceID string) error {
	if err := r.conn.Exec(ctx, `ALTER TABLE spans DELETE WHERE project_id = ? AND trace_id = ?`, projectID, traceID); err != nil {
		return dataerr.Wrap(dataerr.KindBackendFailure, "delete trace", err)
	}
	return nil
}

// Checkpoint issues OPTIMIZE TABLE spans FINAL to force merges after a
// retention pass.
func (r *Repository) Checkpoint(ctx context.Context) error {
	if err := r.conn.Exec(ctx, `OPTIMIZE TABLE spans FINAL`); err != nil {
		return dataerr.Wrap(dataerr.KindBackendFailure, "checkpoint spans", err)
	}
	return nil
}

const selectSpanColumns = `SELECT
	project_id, trace_id, span_id, parent_span_id, session_id, user_id, environment,
	span_name, span_kind, status_code, status_message,
	exception_type, exception_message, exception_stacktrace,
	span_category, observation_type, framework,
	timestamp_start, timestamp_end, duration_ms, ingested_at,
	model, system, agent_id, tool_call_id,
	input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, reasoning_tokens,
	cost_input, cost_output, cost_cache_read, cost_cache_write, cost_reasoning,
	pricing_unknown, ttft_ms, request_duration_ms,
	messages, tool_definitions, tool_names, tags, metadata, input_preview, output_preview, raw_span`

// rowScanner abstracts over driver.Row and driver.Rows, both of which
// expose Scan(...any) error.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpan(row rowScanner) (*span.NormalizedSpan, error) {
	var s span.NormalizedSpan
	var spanKind, statusCode uint8
	var category, framework, messages, tools, names, metaJSON string
	var costInput, costOutput, costCacheRead, costCacheWrite, costReasoning decimal.Decimal

	if err := row.Scan(
		&s.ProjectID, &s.TraceID, &s.SpanID, &s.ParentSpanID, &s.SessionID, &s.UserID, &s.Environment,
		&s.SpanName, &spanKind, &statusCode, &s.StatusMessage,
		&s.ExceptionType, &s.ExceptionMessage, &s.ExceptionStacktrace,
		&category, &s.ObservationType, &framework,
		&s.TimestampStart, &s.TimestampEnd, &s.DurationMs, &s.IngestedAt,
		&s.Model, &s.System, &s.AgentID, &s.ToolCallID,
		&s.Usage.Input, &s.Usage.Output, &s.Usage.CacheRead, &s.Usage.CacheWrite, &s.Usage.Reasoning,
		&costInput, &costOutput, &costCacheRead, &costCacheWrite, &costReasoning,
		&s.PricingUnknown, &s.TTFTMs, &s.RequestDurationMs,
		&messages, &tools, &names, &s.Tags, &metaJSON, &s.InputPreview, &s.OutputPreview, &s.RawSpan,
	); err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "scan span row", err)
	}
	s.SpanKind = span.SpanKind(spanKind)
	s.StatusCode = span.StatusCode(statusCode)
	s.SpanCategory = span.Category(category)
	s.Framework = span.Framework(framework)
	s.Messages = []byte(messages)
	s.ToolDefinitions = []byte(tools)
	s.ToolNames = []byte(names)
	s.Cost.Input, _ = costInput.Float64()
	s.Cost.Output, _ = costOutput.Float64()
	s.Cost.CacheRead, _ = costCacheRead.Float64()
	s.Cost.CacheWrite, _ = costCacheWrite.Float64()
	s.Cost.Reasoning, _ = costReasoning.Float64()
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &s.Metadata)
	}
	return &s, nil
}

func buildWhere(f span.Filter) (string, []any) {
	clauses := []string{"project_id = ?"}
	args := []any{f.ProjectID}
	for _, c := range f.Conditions {
		if !span.AllowedFilterColumns[c.Column] {
			continue
		}
		clause, arg := conditionClause(c)
		if clause == "" {
			continue
		}
		clauses = append(clauses, clause)
		args = append(args, arg...)
	}
	if f.Since != nil {
		clauses = append(clauses, "timestamp_start >= ?")
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		clauses = append(clauses, "timestamp_start <= ?")
		args = append(args, *f.Until)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func conditionClause(c span.Condition) (string, []any) {
	switch c.Operator {
	case span.OpEquals:
		return c.Column + " = ?", []any{c.Value}
	case span.OpNotEquals:
		return c.Column + " != ?", []any{c.Value}
	case span.OpGreaterThan:
		return c.Column + " > ?", []any{c.Value}
	case span.OpGreaterEq:
		return c.Column + " >= ?", []any{c.Value}
	case span.OpLessThan:
		return c.Column + " < ?", []any{c.Value}
	case span.OpLessEq:
		return c.Column + " <= ?", []any{c.Value}
	case span.OpContains:
		return c.Column + " LIKE ?", []any{"%" + likeEscape(c.Value) + "%"}
	case span.OpStartsWith:
		return c.Column + " LIKE ?", []any{likeEscape(c.Value) + "%"}
	case span.OpEndsWith:
		return c.Column + " LIKE ?", []any{"%" + likeEscape(c.Value)}
	case span.OpIn:
		return c.Column + " IN ?", []any{c.Value}
	case span.OpNotIn:
		return c.Column + " NOT IN ?", []any{c.Value}
	case span.OpArrayContains:
		return "has(" + c.Column + ", ?)", []any{c.Value}
	case span.OpExists:
		return c.Column + " IS NOT NULL", nil
	case span.OpNotExists:
		return c.Column + " IS NULL", nil
	default:
		return "", nil
	}
}

// likeEscape escapes LIKE metacharacters so user-supplied filter values
// match literally (§4.A "with LIKE-escape"). ClickHouse uses backslash
// escaping in LIKE patterns by default.
func likeEscape(v any) string {
	s := fmt.Sprint(v)
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func orderLimitOffset(f span.Filter, defaultCol string) (order, limit string, offset int) {
	col, desc := defaultCol, true
	if f.OrderBy != nil && span.AllowedFilterColumns[f.OrderBy.Column] {
		col, desc = f.OrderBy.Column, f.OrderBy.Desc
	}
	dir := "DESC"
	if !desc {
		dir = "ASC"
	}
	lim := f.Limit
	if lim <= 0 {
		lim = 100
	}
	return fmt.Sprintf("ORDER BY %s %s", col, dir), fmt.Sprintf("LIMIT %d", lim), f.Offset
}
