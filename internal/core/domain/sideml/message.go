// Package sideml implements the internal normalized chat-message
// representation: a role plus an ordered array of typed ContentBlocks.
// It is the target of the trace pipeline's "normalize" stage (§4.E step 3)
// and the source type the feed-reconstruction pipeline flattens (§4.F).
package sideml

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role is the chat-message role, following the common OpenAI/Anthropic
// vocabulary plus "tool" for tool-result-only turns.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Source records where a RawMessage came from before normalization, per
// §4.E step 2: an OTLP event, or a flat attribute.
type Source string

const (
	SourceEvent     Source = "event"
	SourceAttribute Source = "attribute"
)

// RawMessage is the pre-normalization message extracted from a span,
// carrying enough provenance to classify it later in the feed pipeline.
type RawMessage struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
	Source  Source          `json:"source"`
	Origin  string          `json:"origin"` // event name or attribute key this came from
}

// BlockKind enumerates the ContentBlock variants (§ Glossary).
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockImage      BlockKind = "image"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
	BlockThinking   BlockKind = "thinking"
	BlockJSON       BlockKind = "json"
)

// ContentBlock is a tagged union over the six block kinds. Exactly one of
// the kind-specific fields is populated, selected by Kind — mirrored after
// the teacher's hand-rolled tagged-union JSON handling in
// observability/entity.go's Span.Input/Output normalization.
type ContentBlock struct {
	Kind BlockKind `json:"kind"`

	// BlockText / BlockThinking
	Text string `json:"text,omitempty"`

	// BlockImage
	ImageURI   string `json:"image_uri,omitempty"`
	ImageMIME  string `json:"image_mime,omitempty"`

	// BlockToolUse
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`

	// BlockToolResult
	ToolResultForID string          `json:"tool_result_for_id,omitempty"`
	ToolResultName  string          `json:"tool_result_name,omitempty"`
	Content         json.RawMessage `json:"content,omitempty"`
	IsError         bool            `json:"is_error,omitempty"`

	// BlockJSON
	JSON json.RawMessage `json:"json,omitempty"`

	// shared
	FinishReason *string `json:"finish_reason,omitempty"`
}

// Message is a normalized SideML message: a role plus ordered blocks.
// EventTime carries the OTLP event timestamp this message was extracted
// from (§4.E step 2); it is nil for messages reconstructed from flat
// attributes, which have no timing finer than the owning span itself.
// Source records the same event-vs-attribute provenance the feed
// pipeline's quality scoring weighs (§4.F phase 4: "event source: +2").
type Message struct {
	Role      Role           `json:"role"`
	Blocks    []ContentBlock `json:"blocks"`
	EventTime *time.Time     `json:"event_time,omitempty"`
	Source    Source         `json:"source,omitempty"`

	// IsOutputEvent marks a message built from a gen_ai.choice (or other
	// GenAIChoice-category) OTLP event — the completion itself, as opposed
	// to an intermediate streaming frame or re-sent history. The feed
	// pipeline's flatten step copies this onto every BlockEntry it
	// produces from the message so §4.F phase 0 can protect it from
	// history-marking regardless of whether finish_reason was present.
	IsOutputEvent bool `json:"is_output_event,omitempty"`
}

// MarshalJSON renders a ContentBlock as a discriminated-union object with
// only the fields relevant to its Kind, matching the compact shape the
// feed pipeline expects on the wire.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	type alias struct {
		Kind            BlockKind       `json:"kind"`
		Text            string          `json:"text,omitempty"`
		ImageURI        string          `json:"image_uri,omitempty"`
		ImageMIME       string          `json:"image_mime,omitempty"`
		ToolUseID       string          `json:"tool_use_id,omitempty"`
		ToolName        string          `json:"tool_name,omitempty"`
		ToolInput       json.RawMessage `json:"tool_input,omitempty"`
		ToolResultForID string          `json:"tool_result_for_id,omitempty"`
		ToolResultName  string          `json:"tool_result_name,omitempty"`
		Content         json.RawMessage `json:"content,omitempty"`
		IsError         bool            `json:"is_error,omitempty"`
		JSON            json.RawMessage `json:"json,omitempty"`
		FinishReason    *string         `json:"finish_reason,omitempty"`
	}
	return json.Marshal(alias(b))
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias ContentBlock
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("sideml: unmarshal content block: %w", err)
	}
	*b = ContentBlock(a)
	return nil
}

// IsToolUse / IsToolResult / IsJSON classify a block for the
// history-marking rules in the feed pipeline (§4.F phase 2).
func (b ContentBlock) IsToolUse() bool    { return b.Kind == BlockToolUse }
func (b ContentBlock) IsToolResult() bool { return b.Kind == BlockToolResult }
func (b ContentBlock) IsJSON() bool       { return b.Kind == BlockJSON }
