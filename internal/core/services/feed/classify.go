// Package feed implements the seven-phase conversation-reconstruction
// pipeline that turns a trace's raw spans into a deduplicated, ordered
// timeline of content blocks (§4.F). Grounded directly on
// original_source/server/src/domain/sideml/feed/{mod,classify}.rs.
package feed

import (
	domainfeed "sideseat/internal/core/domain/feed"
)

// usesSpanEnd determines the timestamp strategy for a block: true picks
// span_end (the operation's completion time), false picks event_time
// (when the event was recorded). Ported verbatim from classify.rs's
// uses_span_end, including the comment about why ToolUse is special: the
// decision to call a tool happens during generation, not at its end, so
// it must sort before a ToolResult recorded later in the same span.
func usesSpanEnd(b *domainfeed.BlockEntry) bool {
	if b.IsToolUse() {
		return false
	}
	if b.IsProtected() {
		return true
	}
	if b.IsToolResult() && b.IsToolSpan {
		return true
	}
	if b.IsJSONBlock() && b.IsOutputSource() {
		return true
	}
	return false
}

// resolveEffectiveTime sets EffectiveTime on b per usesSpanEnd's verdict.
// When the chosen source is unavailable it falls back to SpanEnd if the
// span has ended (an event_time block with no recorded event timestamp),
// and to SpanStart otherwise (any block on a still-open span).
func resolveEffectiveTime(b *domainfeed.BlockEntry) {
	b.UsesSpanEnd = usesSpanEnd(b)
	switch {
	case b.UsesSpanEnd && b.SpanEnd != nil:
		b.EffectiveTime = *b.SpanEnd
	case !b.UsesSpanEnd && b.EventTime != nil:
		b.EffectiveTime = *b.EventTime
	case b.SpanEnd != nil:
		b.EffectiveTime = *b.SpanEnd
	default:
		b.EffectiveTime = b.SpanStart
	}
}
