// Package span holds the canonical in-flight and derived-view entities of
// the analytics backend: NormalizedSpan and the query-time projections
// built on top of it (§3).
package span

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Category classifies a span's role in an LLM pipeline (§3 Classification).
type Category string

const (
	CategoryRoot       Category = "root"
	CategoryGeneration Category = "generation"
	CategoryTool       Category = "tool"
	CategoryRetrieval  Category = "retrieval"
	CategoryEmbedding  Category = "embedding"
	CategoryOther      Category = "other"
)

// Framework is the LLM agent library that produced a span, detected
// heuristically from its attributes.
type Framework string

const (
	FrameworkLangChain   Framework = "langchain"
	FrameworkLangGraph   Framework = "langgraph"
	FrameworkStrands     Framework = "strands"
	FrameworkCrewAI      Framework = "crewai"
	FrameworkAutoGen     Framework = "autogen"
	FrameworkOpenLLMetry Framework = "openllmetry"
	FrameworkOpenInference Framework = "openinference"
	FrameworkUnknown     Framework = "unknown"
)

// StatusCode mirrors the OTLP span status enum (§3).
type StatusCode uint8

const (
	StatusCodeUnset StatusCode = 0
	StatusCodeOK    StatusCode = 1
	StatusCodeError StatusCode = 2
)

// SpanKind mirrors the OTLP span kind enum.
type SpanKind uint8

const (
	SpanKindUnspecified SpanKind = 0
	SpanKindInternal    SpanKind = 1
	SpanKindServer      SpanKind = 2
	SpanKindClient      SpanKind = 3
	SpanKindProducer    SpanKind = 4
	SpanKindConsumer    SpanKind = 5
)

// TokenUsage carries per-kind token counts (§3 GenAI).
type TokenUsage struct {
	Input        uint64 `json:"input" ch:"input_tokens"`
	Output       uint64 `json:"output" ch:"output_tokens"`
	CacheRead    uint64 `json:"cache_read" ch:"cache_read_tokens"`
	CacheWrite   uint64 `json:"cache_write" ch:"cache_write_tokens"`
	Reasoning    uint64 `json:"reasoning" ch:"reasoning_tokens"`
}

func (t TokenUsage) Total() uint64 {
	return t.Input + t.Output + t.CacheRead + t.CacheWrite + t.Reasoning
}

// CostBreakdown carries per-kind costs. In flight these are float64;
// at the distributed-backend boundary the storage adapter rounds them to
// decimal.Decimal with six decimal digits (§9).
type CostBreakdown struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cache_read"`
	CacheWrite float64 `json:"cache_write"`
	Reasoning  float64 `json:"reasoning"`
}

func (c CostBreakdown) Total() float64 {
	return c.Input + c.Output + c.CacheRead + c.CacheWrite + c.Reasoning
}

// ToFixedPoint rounds every component to six decimal digits for the
// distributed backend, per §3/§9.
func (c CostBreakdown) ToFixedPoint() map[string]decimal.Decimal {
	round := func(f float64) decimal.Decimal {
		return decimal.NewFromFloat(f).Round(6)
	}
	return map[string]decimal.Decimal{
		"input":       round(c.Input),
		"output":      round(c.Output),
		"cache_read":  round(c.CacheRead),
		"cache_write": round(c.CacheWrite),
		"reasoning":   round(c.Reasoning),
	}
}

// SamplingParams carries the GenAI request parameters that shaped a
// generation span (§3 GenAI).
type SamplingParams struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *float64 `json:"top_k,omitempty"`
	MaxTokens        *int64   `json:"max_tokens,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	StopSequences    []string `json:"stop_sequences,omitempty"`
	FinishReasons    []string `json:"finish_reasons,omitempty"`
}

// NormalizedSpan is the canonical in-flight record produced by the trace
// pipeline (§3). Every field group maps to one of the spec's semantic
// groups: Identity, Metadata, Classification, Timing, GenAI, Content.
type NormalizedSpan struct {
	// Identity
	ProjectID    string  `json:"project_id" db:"project_id"`
	TraceID      string  `json:"trace_id" db:"trace_id"`
	SpanID       string  `json:"span_id" db:"span_id"`
	ParentSpanID *string `json:"parent_span_id,omitempty" db:"parent_span_id"`
	SessionID    *string `json:"session_id,omitempty" db:"session_id"`
	UserID       *string `json:"user_id,omitempty" db:"user_id"`
	Environment  *string `json:"environment,omitempty" db:"environment"`

	// Metadata
	SpanName           string     `json:"span_name" db:"span_name"`
	SpanKind           SpanKind   `json:"span_kind" db:"span_kind"`
	StatusCode         StatusCode `json:"status_code" db:"status_code"`
	StatusMessage      *string    `json:"status_message,omitempty" db:"status_message"`
	ExceptionType       *string   `json:"exception_type,omitempty" db:"exception_type"`
	ExceptionMessage    *string   `json:"exception_message,omitempty" db:"exception_message"`
	ExceptionStacktrace *string   `json:"exception_stacktrace,omitempty" db:"exception_stacktrace"`

	// Classification
	SpanCategory    Category  `json:"span_category" db:"span_category"`
	ObservationType string    `json:"observation_type" db:"observation_type"`
	Framework       Framework `json:"framework" db:"framework"`

	// Timing
	TimestampStart time.Time  `json:"timestamp_start" db:"timestamp_start"`
	TimestampEnd   *time.Time `json:"timestamp_end,omitempty" db:"timestamp_end"`
	DurationMs     *int64     `json:"duration_ms,omitempty" db:"duration_ms"`
	IngestedAt     time.Time  `json:"ingested_at" db:"ingested_at"`

	// GenAI
	Model          *string         `json:"model,omitempty" db:"model"`
	System         *string         `json:"system,omitempty" db:"system"`
	Sampling       SamplingParams  `json:"sampling" db:"-"`
	AgentID        *string         `json:"agent_id,omitempty" db:"agent_id"`
	ToolCallID     *string         `json:"tool_call_id,omitempty" db:"tool_call_id"`
	Usage          TokenUsage      `json:"usage" db:"-"`
	Cost           CostBreakdown   `json:"cost" db:"-"`
	PricingUnknown bool            `json:"pricing_unknown" db:"pricing_unknown"`
	TTFTMs         *int64          `json:"ttft_ms,omitempty" db:"ttft_ms"`
	RequestDurationMs *int64       `json:"request_duration_ms,omitempty" db:"request_duration_ms"`

	// Content
	Messages        json.RawMessage `json:"messages" db:"messages"`                 // JSON array, always valid (possibly empty)
	ToolDefinitions json.RawMessage `json:"tool_definitions" db:"tool_definitions"`  // JSON array
	ToolNames       json.RawMessage `json:"tool_names" db:"tool_names"`              // JSON array of strings
	Tags            []string        `json:"tags,omitempty" db:"tags"`
	Metadata        map[string]any  `json:"metadata,omitempty" db:"metadata"`
	InputPreview    *string         `json:"input_preview,omitempty" db:"input_preview"`
	OutputPreview   *string         `json:"output_preview,omitempty" db:"output_preview"`
	RawSpan         json.RawMessage `json:"raw_span,omitempty" db:"raw_span"`
}

// Key returns the span's identity triple, unique per §3 invariants.
func (s *NormalizedSpan) Key() (projectID, traceID, spanID string) {
	return s.ProjectID, s.TraceID, s.SpanID
}

func (s *NormalizedSpan) IsRoot() bool {
	return s.ParentSpanID == nil || *s.ParentSpanID == ""
}

func (s *NormalizedSpan) IsCompleted() bool { return s.TimestampEnd != nil }

// Validate checks the invariants from spec §3. When the checks pass it
// also sets empty Messages/ToolDefinitions/ToolNames to "[]".
func (s *NormalizedSpan) Validate() error {
	if s.ProjectID == "" || s.TraceID == "" || s.SpanID == "" {
		return errInvalid("project_id, trace_id and span_id are required")
	}
	if s.TimestampEnd != nil && s.TimestampEnd.Before(s.TimestampStart) {
		return errInvalid("timestamp_end must be >= timestamp_start")
	}
	if s.DurationMs != nil && s.TimestampEnd != nil {
		computed := s.TimestampEnd.Sub(s.TimestampStart).Milliseconds()
		diff := computed - *s.DurationMs
		if diff < -1 || diff > 1 {
			return errInvalid("duration_ms disagrees with timestamps by more than one millisecond")
		}
	}
	if s.Usage.Input > 1<<62 || s.Usage.Output > 1<<62 {
		return errInvalid("token counts must be non-negative and representable")
	}
	if s.Cost.Total() < 0 {
		return errInvalid("costs must be non-negative")
	}
	if len(s.Messages) == 0 {
		s.Messages = json.RawMessage("[]")
	}
	if len(s.ToolDefinitions) == 0 {
		s.ToolDefinitions = json.RawMessage("[]")
	}
	if len(s.ToolNames) == 0 {
		s.ToolNames = json.RawMessage("[]")
	}
	return nil
}

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }
func errInvalid(msg string) error        { return &validationError{msg} }

// CalculateDuration fills DurationMs from the timestamps when absent.
func (s *NormalizedSpan) CalculateDuration() {
	if s.TimestampEnd != nil && s.DurationMs == nil {
		d := s.TimestampEnd.Sub(s.TimestampStart).Milliseconds()
		s.DurationMs = &d
	}
}
