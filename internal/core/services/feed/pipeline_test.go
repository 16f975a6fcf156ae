package feed

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainfeed "sideseat/internal/core/domain/feed"
	"sideseat/internal/core/domain/sideml"
	"sideseat/internal/core/domain/span"
)

func mustMessages(t *testing.T, msgs []sideml.Message) []byte {
	t.Helper()
	b, err := json.Marshal(msgs)
	require.NoError(t, err)
	return b
}

func ptrTime(sec int64) *time.Time {
	t := time.Unix(sec, 0)
	return &t
}

func ptrStr(s string) *string { return &s }

// §8 seed scenario 2: a ToolUse emitted mid-generation (event_time=150,
// span [100,300]) must sort before a ToolResult recorded later in a
// separate tool span (event_time=250, span [160,250]), regardless of
// either span's end timestamp.
func TestReconstruct_ToolUseBeforeToolResult(t *testing.T) {
	genStart := time.Unix(100, 0)
	genEnd := time.Unix(300, 0)
	toolStart := time.Unix(160, 0)
	toolEnd := time.Unix(250, 0)

	genMessages := mustMessages(t, []sideml.Message{
		{
			Role: sideml.RoleAssistant,
			Blocks: []sideml.ContentBlock{
				{Kind: sideml.BlockToolUse, ToolUseID: "X", ToolName: "fs", ToolInput: json.RawMessage(`{}`)},
			},
			EventTime: ptrTime(150),
		},
	})
	toolMessages := mustMessages(t, []sideml.Message{
		{
			Role: sideml.RoleTool,
			Blocks: []sideml.ContentBlock{
				{Kind: sideml.BlockToolResult, ToolResultForID: "X", Content: json.RawMessage(`"ok"`)},
			},
			EventTime: ptrTime(250),
		},
	})

	rows := []span.MessageSpanRow{
		{
			TraceID:        "t1",
			SpanID:         "gen1",
			SpanCategory:   span.CategoryGeneration,
			TimestampStart: genStart,
			TimestampEnd:   &genEnd,
			Messages:       genMessages,
		},
		{
			TraceID:        "t1",
			SpanID:         "tool1",
			ParentSpanID:   ptrStr("gen1"),
			SpanCategory:   span.CategoryTool,
			TimestampStart: toolStart,
			TimestampEnd:   &toolEnd,
			Messages:       toolMessages,
		},
	}

	result := Reconstruct(rows, domainfeed.FeedOptions{})
	require.Len(t, result.Blocks, 2)
	assert.True(t, result.Blocks[0].IsToolUse(), "ToolUse must come first")
	assert.True(t, result.Blocks[1].IsToolResult(), "ToolResult must come second")
	assert.True(t, result.Blocks[0].EffectiveTime.Before(result.Blocks[1].EffectiveTime))
}

// §8 seed scenario 3: a trace containing only an orphan ToolResult (no
// matching ToolUse anywhere) must be dropped from the default (history
// excluded) output but retrievable with IncludeHistory.
func TestReconstruct_OrphanToolResultDroppedByDefault(t *testing.T) {
	toolMessages := mustMessages(t, []sideml.Message{
		{
			Role: sideml.RoleTool,
			Blocks: []sideml.ContentBlock{
				{Kind: sideml.BlockToolResult, ToolResultForID: "missing"},
			},
		},
	})
	rows := []span.MessageSpanRow{
		{
			TraceID:        "t1",
			SpanID:         "tool1",
			SpanCategory:   span.CategoryTool,
			TimestampStart: time.Unix(100, 0),
			Messages:       toolMessages,
		},
	}

	result := Reconstruct(rows, domainfeed.FeedOptions{})
	assert.Len(t, result.Blocks, 0)
	assert.Equal(t, 1, result.Metadata.HistoryBlocksDropped)

	withHistory := Reconstruct(rows, domainfeed.FeedOptions{IncludeHistory: true})
	require.Len(t, withHistory.Blocks, 1)
	assert.True(t, withHistory.Blocks[0].IsHistory)
}

// §8 conversation round-trip: a trace whose spans contain a single user
// message followed by a single assistant message with a finish_reason
// returns exactly those two blocks, neither marked history.
func TestReconstruct_SimpleRoundTrip(t *testing.T) {
	start := time.Unix(100, 0)
	end := time.Unix(110, 0)
	finish := "stop"
	messages := mustMessages(t, []sideml.Message{
		{Role: sideml.RoleUser, Blocks: []sideml.ContentBlock{{Kind: sideml.BlockText, Text: "hi"}}},
		{Role: sideml.RoleAssistant, Blocks: []sideml.ContentBlock{{Kind: sideml.BlockText, Text: "hello", FinishReason: &finish}}},
	})
	rows := []span.MessageSpanRow{
		{
			TraceID:        "t1",
			SpanID:         "root1",
			SpanCategory:   span.CategoryRoot,
			TimestampStart: start,
			TimestampEnd:   &end,
			Messages:       messages,
		},
	}

	result := Reconstruct(rows, domainfeed.FeedOptions{})
	require.Len(t, result.Blocks, 2)
	assert.Equal(t, sideml.RoleUser, result.Blocks[0].Role)
	assert.Equal(t, "hi", result.Blocks[0].Block.Text)
	assert.Equal(t, sideml.RoleAssistant, result.Blocks[1].Role)
	assert.Equal(t, "hello", result.Blocks[1].Block.Text)
	assert.False(t, result.Blocks[0].IsHistory)
	assert.False(t, result.Blocks[1].IsHistory)
}

// A gen_ai.choice completion without a finish_reason attribute (some
// SDKs omit it on the final chunk) must still be protected from phase 4's
// "intermediate text" history rule — §4.F phase 0's invariant covers the
// event itself, not just spans carrying finish_reason.
func TestReconstruct_ChoiceEventWithoutFinishReasonNotHistory(t *testing.T) {
	start := time.Unix(100, 0)
	end := time.Unix(110, 0)
	messages := mustMessages(t, []sideml.Message{
		{Role: sideml.RoleUser, Blocks: []sideml.ContentBlock{{Kind: sideml.BlockText, Text: "hi"}}},
		{
			Role:          sideml.RoleAssistant,
			Blocks:        []sideml.ContentBlock{{Kind: sideml.BlockText, Text: "hello"}},
			IsOutputEvent: true,
		},
	})
	rows := []span.MessageSpanRow{
		{
			TraceID:        "t1",
			SpanID:         "root1",
			SpanCategory:   span.CategoryGeneration,
			TimestampStart: start,
			TimestampEnd:   &end,
			Messages:       messages,
		},
	}

	result := Reconstruct(rows, domainfeed.FeedOptions{})
	require.Len(t, result.Blocks, 2)
	assert.Equal(t, "hello", result.Blocks[1].Block.Text)
	assert.True(t, result.Blocks[1].IsOutput)
	assert.False(t, result.Blocks[1].IsHistory)
}

// §8 seed scenario 1 (simplified per the spec's own worked-example
// caveat): a parent generation span's finished assistant reply, enriched
// with a model tag, outscores the unenriched duplicate repeated by a
// child span's growing transcript, so only the higher-quality copy
// survives as non-history.
func TestReconstruct_DedupKeepsHighestQualityDuplicate(t *testing.T) {
	parentStart := time.Unix(100, 0)
	parentEnd := time.Unix(200, 0)
	childStart := time.Unix(150, 0)
	childEnd := time.Unix(250, 0)
	finish := "stop"
	model := "gpt-4o"

	parentMessages := mustMessages(t, []sideml.Message{
		{Role: sideml.RoleUser, Blocks: []sideml.ContentBlock{{Kind: sideml.BlockText, Text: "hi"}}},
		{Role: sideml.RoleAssistant, Blocks: []sideml.ContentBlock{{Kind: sideml.BlockText, Text: "hello", FinishReason: &finish}}},
	})
	childMessages := mustMessages(t, []sideml.Message{
		{Role: sideml.RoleUser, Blocks: []sideml.ContentBlock{{Kind: sideml.BlockText, Text: "hi"}}},
		{Role: sideml.RoleAssistant, Blocks: []sideml.ContentBlock{{Kind: sideml.BlockText, Text: "hello", FinishReason: &finish}}},
	})

	rows := []span.MessageSpanRow{
		{
			TraceID:        "t1",
			SpanID:         "parent",
			SpanCategory:   span.CategoryGeneration,
			TimestampStart: parentStart,
			TimestampEnd:   &parentEnd,
			Model:          &model,
			Messages:       parentMessages,
		},
		{
			TraceID:        "t1",
			SpanID:         "child",
			ParentSpanID:   ptrStr("parent"),
			SpanCategory:   span.CategoryGeneration,
			TimestampStart: childStart,
			TimestampEnd:   &childEnd,
			Messages:       childMessages,
		},
	}

	result := Reconstruct(rows, domainfeed.FeedOptions{})
	require.Len(t, result.Blocks, 2)
	assert.Equal(t, "parent", result.Blocks[1].SpanID, "the enriched parent copy (model set) must be the surviving duplicate")
}
