package feed

import (
	domainfeed "sideseat/internal/core/domain/feed"
	"sideseat/internal/core/domain/sideml"
)

// markHistory runs the eight-phase detection of §4.F phase 3 over every
// block flattened from one trace. Each phase may only set IsHistory to
// true, never clear it — the accumulation is intentional: a block
// historical for any reason stays historical. Phase numbering follows
// the original design's own gaps (phases 0, 2-7; there is no phase 1,
// which is the parse/flatten stage that already ran before this is
// called).
func markHistory(blocks []domainfeed.BlockEntry) {
	n := len(blocks)
	protected := make([]bool, n)
	for i := range blocks {
		protected[i] = blocks[i].IsProtected()
	}

	// Phase 0: output protection. Nothing to do here but remember which
	// blocks are exempt from every later phase.

	// Phase 2: timestamp-based. Effective time before the owning span's
	// own start means the block was injected as prior context.
	for i := range blocks {
		if protected[i] {
			continue
		}
		if blocks[i].EffectiveTime.Before(blocks[i].SpanStart) {
			blocks[i].IsHistory = true
		}
	}

	// Phase 3: accumulator input. Non-root spans carrying a growing
	// message array mark their input-role entries as historical.
	for i := range blocks {
		if protected[i] {
			continue
		}
		if blocks[i].IsAccumulator && !blocks[i].IsRootSpan && blocks[i].Role != sideml.RoleAssistant {
			blocks[i].IsHistory = true
		}
	}

	// Phase 4: intermediate text. Assistant text from generation spans
	// without a finish_reason is a re-emitted streaming frame.
	for i := range blocks {
		if protected[i] {
			continue
		}
		b := &blocks[i]
		if b.SpanCategory == "generation" && isAssistantText(b) && b.Block.FinishReason == nil {
			b.IsHistory = true
		}
	}

	// Phase 4b: input-source assistant. Assistant entries sourced from
	// input attributes in non-root generation spans.
	for i := range blocks {
		if protected[i] {
			continue
		}
		b := &blocks[i]
		if b.SpanCategory == "generation" && !b.IsRootSpan && b.Role == sideml.RoleAssistant && !b.IsOutputSource() {
			b.IsHistory = true
		}
	}

	// Phase 5: multi-turn history. Generation spans that also contain a
	// tool_result block are turn continuations; every non-protected
	// entry on such a span is historical context.
	spansWithToolResult := map[string]bool{}
	for i := range blocks {
		if blocks[i].SpanCategory == "generation" && blocks[i].IsToolResult() {
			spansWithToolResult[blocks[i].SpanID] = true
		}
	}
	for i := range blocks {
		if protected[i] {
			continue
		}
		if spansWithToolResult[blocks[i].SpanID] {
			blocks[i].IsHistory = true
		}
	}

	// Phase 6: orphan tool_results. A ToolResult whose tool_use_id
	// matches no ToolUse anywhere in this trace's blocks references a
	// prior turn.
	toolUseIDs := map[string]bool{}
	for i := range blocks {
		if blocks[i].IsToolUse() {
			toolUseIDs[blocks[i].Block.ToolUseID] = true
		}
	}
	for i := range blocks {
		if protected[i] {
			continue
		}
		if blocks[i].IsToolResult() && !toolUseIDs[blocks[i].Block.ToolResultForID] {
			blocks[i].IsHistory = true
		}
	}

	// Phase 7: intra-trace dedup marks all-but-best within an identity
	// group as history too, but that requires content hashes which are
	// computed by the dedup stage; see dedup.go's markDuplicatesHistory,
	// invoked after this function as part of the phase-4 dedup step.
}

func isAssistantText(b *domainfeed.BlockEntry) bool {
	return b.Role == sideml.RoleAssistant && (b.Block.Kind == sideml.BlockText || b.Block.Kind == sideml.BlockThinking)
}
