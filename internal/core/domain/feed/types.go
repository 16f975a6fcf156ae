// Package feed holds the types shared by the conversation-reconstruction
// pipeline (§4.F): the flattened BlockEntry unit of work, its pipeline
// options, and the final FeedResult returned to callers.
package feed

import (
	"encoding/json"
	"time"

	"sideseat/internal/core/domain/sideml"
)

// Source records whether a block arrived via an OTLP event or a flat
// attribute — carried through from sideml.RawMessage so later phases can
// weight it in quality scoring (event source: +2, §4.F quality table).
type Source = sideml.Source

// BlockEntry is one ContentBlock flattened out of a trace's spans, with
// every piece of metadata phase 2 onward needs: its position for stable
// sort, its timing for history classification, and its provenance for
// identity hashing and quality scoring.
type BlockEntry struct {
	Block sideml.ContentBlock
	Role  sideml.Role

	TraceID        string
	SpanID         string
	ParentSpanID   *string
	SpanCategory   string // mirrors span.Category without importing span (avoid cycle)
	IsToolSpan     bool
	IsRootSpan     bool
	IsAccumulator  bool // non-root span whose input attrs accumulate prior history

	MessageIndex int // position within the span's message array
	EntryIndex   int // position within the message's content-block array

	SpanStart time.Time
	SpanEnd   *time.Time
	EventTime *time.Time // set when the block came from a timed OTLP event

	Source   Source
	Model    *string
	Provider *string // span-level gen_ai.system, the §4.F quality table's "provider"

	IngestedAt  time.Time
	TokensTotal uint64
	CostTotal   float64

	IsOutput     bool // set by flatten() from the source message's IsOutputEvent marker
	UsesSpanEnd  bool // set by phase 2 (classify.go)
	IsHistory    bool // set by phase 3 (eight sub-phase detection) and phase 4 dedup

	EffectiveTime time.Time // resolved in phase 2: span_end or event_time
	ContentHash   string    // resolved in phase 4 (identity-based dedup)
	QualityScore  int       // resolved in phase 4, used to pick the surviving duplicate

	outputSource bool
}

// IsToolUse / IsToolResult / IsJSONBlock mirror the predicates
// classify.rs's uses_span_end rule depends on.
func (b *BlockEntry) IsToolUse() bool    { return b.Block.IsToolUse() }
func (b *BlockEntry) IsToolResult() bool { return b.Block.IsToolResult() }
func (b *BlockEntry) IsJSONBlock() bool  { return b.Block.IsJSON() }

// IsProtected reports OUTPUT blocks that sub-phase 0 of history-marking
// must never touch: blocks from gen_ai.choice events, blocks carrying a
// finish_reason, and ToolUse emitted from a generation span. Assistant
// text or thinking without a finish_reason is not protected.
func (b *BlockEntry) IsProtected() bool {
	if b.IsOutput {
		return true
	}
	if b.Block.FinishReason != nil {
		return true
	}
	if b.IsToolUse() && b.SpanCategory == "generation" {
		return true
	}
	return false
}

// IsOutputSource reports whether this block counts as coming from an
// output channel (used by classify.go's json-block rule and by quality
// scoring). The flatten phase sets it from the block's role: every
// assistant-role block is an output source and no other block is; the
// originating attribute key or event is not consulted.
func (b *BlockEntry) IsOutputSource() bool {
	return b.outputSource
}

// SetOutputSource records whether this block counts as coming from an
// output channel.
func (b *BlockEntry) SetOutputSource(v bool) { b.outputSource = v }

// ToolDef is a normalized tool definition surfaced in FeedResult's catalog.
type ToolDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Quality     int    `json:"-"` // tool_definition_quality, used to pick among duplicate defs
}

// ExtractedTools is the tool catalog phase 6 projects out of the trace:
// names referenced by ToolUse/ToolResult blocks plus the richest
// definition seen for each.
type ExtractedTools struct {
	Names       []string           `json:"names"`
	Definitions map[string]ToolDef `json:"definitions"`
}

// FeedOptions tunes the reconstruction pipeline per caller (§4.F).
type FeedOptions struct {
	IncludeHistory  bool // when false, history-marked blocks are dropped from the output
	MaxBlocks       int  // 0 = unlimited
	IncludeToolDefs bool

	// RoleFilter, when set, restricts the emitted blocks to one role
	// (applied after history stripping so quality selection still sees
	// every occurrence).
	RoleFilter *sideml.Role

	// PrecomputedTotals, when set, is copied into the result metadata
	// instead of summing the surviving rows — trace-scoped queries pass
	// the trace row's own aggregates so session-level history stripping
	// can't distort the trace's reported totals (§4.F phase 7).
	PrecomputedTotals *Totals
}

// Totals carries the token/cost sums reported in FeedMetadata.
type Totals struct {
	Tokens uint64  `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// FeedMetadata summarizes the reconstruction for observability/debugging.
type FeedMetadata struct {
	SpanCount            int        `json:"span_count"`
	BlockCount           int        `json:"block_count"`
	TotalBlocksSeen      int        `json:"total_blocks_seen"`
	HistoryBlocksDropped int        `json:"history_blocks_dropped"`
	DuplicatesRemoved    int        `json:"duplicates_removed"`
	EarliestTimestamp    *time.Time `json:"earliest_timestamp,omitempty"`
	LatestTimestamp      *time.Time `json:"latest_timestamp,omitempty"`
	Totals               Totals     `json:"totals"`
	FrameworksDetected   []string   `json:"frameworks_detected"`
}

// FeedResult is the pipeline's output: an ordered, deduplicated block
// list plus the extracted tool catalog and a summary (§4.F phase 7).
type FeedResult struct {
	Blocks   []BlockEntry    `json:"blocks"`
	Tools    ExtractedTools  `json:"tools"`
	Metadata FeedMetadata    `json:"metadata"`
}
