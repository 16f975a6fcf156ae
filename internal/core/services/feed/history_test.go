package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	domainfeed "sideseat/internal/core/domain/feed"
	"sideseat/internal/core/domain/sideml"
)

// §8 edge case 3: a trace containing only an orphan ToolResult (no
// matching ToolUse) must mark that block history.
func TestMarkHistory_OrphanToolResultIsHistory(t *testing.T) {
	blocks := []domainfeed.BlockEntry{
		{
			Block:        sideml.ContentBlock{Kind: sideml.BlockToolResult, ToolResultForID: "call_unknown"},
			Role:         sideml.RoleTool,
			TraceID:      "t1",
			SpanID:       "tool1",
			SpanCategory: "tool",
			IsToolSpan:   true,
			SpanStart:    time.Unix(100, 0),
		},
	}
	markHistory(blocks)
	assert.True(t, blocks[0].IsHistory)
}

// Deduplicating a repeated ToolUse with identical (name, input): the
// spec's §9 open-question decision is that both survive only if their
// input differs; identical retries collapse to one via content identity.
func TestDedup_IdenticalToolUseRetryCollapses(t *testing.T) {
	blocks := []domainfeed.BlockEntry{
		{
			Block:        sideml.ContentBlock{Kind: sideml.BlockToolUse, ToolName: "search", ToolInput: []byte(`{"q":"go"}`)},
			Role:         sideml.RoleAssistant,
			TraceID:      "t1",
			SpanID:       "gen1",
			SpanCategory: "generation",
			SpanStart:    time.Unix(100, 0),
		},
		{
			Block:        sideml.ContentBlock{Kind: sideml.BlockToolUse, ToolName: "search", ToolInput: []byte(`{"q": "go"}`)},
			Role:         sideml.RoleAssistant,
			TraceID:      "t1",
			SpanID:       "gen2",
			SpanCategory: "generation",
			SpanStart:    time.Unix(200, 0),
		},
	}
	groups := computeIdentities(blocks)
	assert.Len(t, groups, 1, "whitespace-only JSON difference must hash identically")
	markDuplicatesHistory(blocks, groups)

	historyCount := 0
	for _, b := range blocks {
		if b.IsHistory {
			historyCount++
		}
	}
	assert.Equal(t, 1, historyCount)
}

// A retry with genuinely different input must NOT collapse — both survive.
func TestDedup_DifferentToolUseInputSurvivesBoth(t *testing.T) {
	blocks := []domainfeed.BlockEntry{
		{
			Block:        sideml.ContentBlock{Kind: sideml.BlockToolUse, ToolName: "search", ToolInput: []byte(`{"q":"go"}`)},
			SpanCategory: "generation",
		},
		{
			Block:        sideml.ContentBlock{Kind: sideml.BlockToolUse, ToolName: "search", ToolInput: []byte(`{"q":"golang"}`)},
			SpanCategory: "generation",
		},
	}
	groups := computeIdentities(blocks)
	assert.Len(t, groups, 2)
}
