package span

import (
	"context"
	"time"
)

// Filter is the query-surface filter DSL described in spec §4.A: a flat
// array of {column, operator, value} conditions, ANDed together. It mirrors
// the shape of the teacher's FilterCondition (filter_preset.go) but is
// evaluated directly against AnalyticsRepository instead of persisted as a
// saved view.
type Operator string

const (
	OpEquals      Operator = "eq"
	OpNotEquals   Operator = "neq"
	OpGreaterThan Operator = "gt"
	OpGreaterEq   Operator = "gte"
	OpLessThan    Operator = "lt"
	OpLessEq      Operator = "lte"
	OpContains    Operator = "contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpArrayContains Operator = "array_contains"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

// AllowedFilterColumns is the allow-list enforced by the query surface
// before a Condition reaches AnalyticsRepository (§4.A / §7 CodeInvalidFilterColumn).
var AllowedFilterColumns = map[string]bool{
	"project_id": true, "trace_id": true, "span_id": true, "session_id": true,
	"user_id": true, "span_name": true, "span_category": true, "model": true,
	"system": true, "framework": true, "status_code": true, "agent_id": true,
	"timestamp_start": true, "duration_ms": true, "environment": true,
	"observation_type": true, "tags": true,
}

type Condition struct {
	Column   string   `json:"column"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

type OrderBy struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc"`
}

// Filter caps match the "size caps" in spec §4.A / §7.
const (
	MaxFilterJSONBytes = 64 * 1024
	MaxFilterCount     = 50
	MaxBatchIDs        = 1000
)

type Filter struct {
	ProjectID  string
	Conditions []Condition
	OrderBy    *OrderBy
	Limit      int
	Offset     int
	Since      *time.Time
	Until      *time.Time
}

// TraceRow, SessionRow, SpanRow and MessageSpanRow are read-side
// projections the query surface returns; they are derived from
// NormalizedSpan, never stored as their own table rows (distributed
// backend) or are materialized views (embedded backend), per §3.
type TraceRow struct {
	ProjectID      string    `json:"project_id"`
	TraceID        string    `json:"trace_id"`
	RootSpanName   string    `json:"root_span_name"`
	SpanCount      int       `json:"span_count"`
	ErrorCount     int       `json:"error_count"`
	TimestampStart time.Time `json:"timestamp_start"`
	TimestampEnd   *time.Time `json:"timestamp_end,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	TotalCost      float64   `json:"total_cost"`
	TotalTokens    uint64    `json:"total_tokens"`
	SessionID      *string   `json:"session_id,omitempty"`
	UserID         *string   `json:"user_id,omitempty"`
}

type SessionRow struct {
	ProjectID      string    `json:"project_id"`
	SessionID      string    `json:"session_id"`
	TraceCount     int       `json:"trace_count"`
	TimestampStart time.Time `json:"timestamp_start"`
	TimestampEnd   time.Time `json:"timestamp_end"`
	TotalCost      float64   `json:"total_cost"`
	TotalTokens    uint64    `json:"total_tokens"`
	UserID         *string   `json:"user_id,omitempty"`
}

type SpanRow struct {
	NormalizedSpan
}

// MessageSpanRow is the narrow projection the feed-reconstruction service
// reads: only the fields needed to flatten a trace into BlockEntry values
// (the original_source data layer names this shape explicitly).
type MessageSpanRow struct {
	TraceID         string
	SpanID          string
	ParentSpanID    *string
	SpanName        string
	SpanCategory    Category
	Framework       Framework
	TimestampStart  time.Time
	TimestampEnd    *time.Time
	IngestedAt      time.Time
	StatusCode      StatusCode
	Model           *string
	System          *string
	AgentID         *string
	ToolCallID      *string
	TokensTotal     uint64
	CostTotal       float64
	Messages        []byte
	ToolDefinitions []byte
	ToolNames       []byte
	FinishReasons   []string
}

// FilterOptions reports the distinct values the query surface can offer
// for a filterable column (populated by AnalyticsRepository.GetFilterOptions).
type FilterOptions struct {
	Models       []string `json:"models"`
	Systems      []string `json:"systems"`
	Frameworks   []string `json:"frameworks"`
	SpanNames    []string `json:"span_names"`
	Environments []string `json:"environments"`
}

// ProjectStats is the aggregation the query surface serves from
// GET /stats (§6): headline counts and sums over a window, plus the
// per-framework/per-model breakdowns and the trend/latency bucket
// series the dashboard charts.
type ProjectStats struct {
	ProjectID string    `json:"project_id"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`

	TraceCount   int64   `json:"trace_count"`
	SpanCount    int64   `json:"span_count"`
	SessionCount int64   `json:"session_count"`
	ErrorCount   int64   `json:"error_count"`
	TotalCost    float64 `json:"total_cost"`
	TotalTokens  uint64  `json:"total_tokens"`

	ByFramework []NamedCount   `json:"by_framework"`
	ByModel     []ModelStat    `json:"by_model"`
	Trend       []TrendBucket  `json:"trend"`
	Latency     []LatencyBucket `json:"latency"`
}

// NamedCount is one slice of a categorical breakdown.
type NamedCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// ModelStat is one model's share of the window's usage.
type ModelStat struct {
	Model       string  `json:"model"`
	SpanCount   int64   `json:"span_count"`
	TotalCost   float64 `json:"total_cost"`
	TotalTokens uint64  `json:"total_tokens"`
}

// TrendBucket is one time slice of the window's span volume/cost.
type TrendBucket struct {
	BucketStart time.Time `json:"bucket_start"`
	SpanCount   int64     `json:"span_count"`
	ErrorCount  int64     `json:"error_count"`
	TotalCost   float64   `json:"total_cost"`
	TotalTokens uint64    `json:"total_tokens"`
}

// LatencyBucket is one duration histogram bin (upper bound inclusive,
// milliseconds; the last bin's UpperMs is 0, meaning unbounded).
type LatencyBucket struct {
	UpperMs int64 `json:"upper_ms"`
	Count   int64 `json:"count"`
}

// LatencyBucketBoundsMs are the histogram bin upper bounds GetProjectStats
// fills, shared by both backends so the query surface renders identical
// charts against either.
var LatencyBucketBoundsMs = []int64{100, 500, 1_000, 5_000, 15_000, 60_000}

// AnalyticsRepository is the trait every analytics backend (embedded:
// sqlite+parquet; distributed: ClickHouse) must implement. Both
// deployment modes share this single interface (§5).
type AnalyticsRepository interface {
	InsertSpan(ctx context.Context, s *NormalizedSpan) error
	InsertSpanBatch(ctx context.Context, spans []*NormalizedSpan) error

	GetSpan(ctx context.Context, projectID, traceID, spanID string) (*NormalizedSpan, error)
	GetSpansByTraceID(ctx context.Context, projectID, traceID string) ([]*NormalizedSpan, error)
	GetMessageSpansByTraceID(ctx context.Context, projectID, traceID string) ([]MessageSpanRow, error)

	// GetMessageSpansBySessionID feeds the session-scoped reconstruction
	// variant (§4.F): the full session's rows cross trace boundaries so
	// phase 3 can strip history a later trace repeated from an earlier one.
	GetMessageSpansBySessionID(ctx context.Context, projectID, sessionID string) ([]MessageSpanRow, error)

	ListTraces(ctx context.Context, f Filter) ([]TraceRow, error)
	CountTraces(ctx context.Context, f Filter) (int64, error)
	ListSessions(ctx context.Context, f Filter) ([]SessionRow, error)
	QuerySpans(ctx context.Context, f Filter) ([]SpanRow, error)
	CountSpans(ctx context.Context, f Filter) (int64, error)

	// QuerySpansByExpression is the escape hatch from original_source's
	// hand-rolled filter-expression language, kept alongside the JSON
	// Filter DSL per SPEC_FULL.md §5.
	QuerySpansByExpression(ctx context.Context, projectID, expression string, limit, offset int) ([]SpanRow, error)

	GetFilterOptions(ctx context.Context, projectID string) (*FilterOptions, error)

	// GetProjectStats aggregates the window [from, to) in one backend
	// round-trip per series (§6's stats endpoint). bucket sizes the Trend
	// series' time slices.
	GetProjectStats(ctx context.Context, projectID string, from, to time.Time, bucket time.Duration) (*ProjectStats, error)

	CalculateTotalCost(ctx context.Context, f Filter) (float64, error)
	CalculateTotalTokens(ctx context.Context, f Filter) (uint64, error)

	InsertMetricBatch(ctx context.Context, metrics []*NormalizedMetric) error

	// DeleteOlderThan and DeleteTrace back the retention service (§4.G);
	// DeleteMetricsOlderThan is the analogous cleanup for normalized
	// metrics, and Checkpoint frees space after any deletion pass.
	DeleteOlderThan(ctx context.Context, projectID string, cutoff time.Time, batchSize int) (deleted int64, err error)
	DeleteMetricsOlderThan(ctx context.Context, projectID string, cutoff time.Time, batchSize int) (deleted int64, err error)
	DeleteTrace(ctx context.Context, projectID, traceID string) error
	Checkpoint(ctx context.Context) error

	Close() error
}
