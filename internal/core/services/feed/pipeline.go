package feed

import (
	"encoding/json"
	"sort"
	"time"

	domainfeed "sideseat/internal/core/domain/feed"
	"sideseat/internal/core/domain/sideml"
	"sideseat/internal/core/domain/span"
	"sideseat/pkg/metrics"
)

// Reconstruct runs the full seven-phase pipeline over a set of rows
// belonging to one span, one trace, or one session (§4.F). Each row
// carries its own TraceID, used for the "Other" identity hash branch —
// a session spans multiple traces, so the hash must stay trace-scoped
// even when Reconstruct is called over a whole session's rows.
func Reconstruct(rows []span.MessageSpanRow, opts domainfeed.FeedOptions) domainfeed.FeedResult {
	start := time.Now()
	defer func() { metrics.FeedReconstructDuration.Observe(time.Since(start).Seconds()) }()

	blocks := flatten(rows)

	// Phase 2: classify.
	for i := range blocks {
		resolveEffectiveTime(&blocks[i])
	}

	// Phase 3: mark history (eight sub-phases 0,2-7; sub-phase 7 runs as
	// part of dedup below since it needs content identities).
	markHistory(blocks)

	// Phase 4: dedup.
	groups := computeIdentities(blocks)
	duplicatesRemoved := dedupCount(groups)
	markDuplicatesHistory(blocks, groups)

	total := len(blocks)

	// Apply IncludeHistory filter before sort/emit so dropped entries
	// don't affect tool-catalog projection below (phase 6 only looks at
	// the surviving set).
	surviving := blocks
	historyDropped := 0
	if !opts.IncludeHistory {
		surviving = make([]domainfeed.BlockEntry, 0, len(blocks))
		for _, b := range blocks {
			if b.IsHistory {
				historyDropped++
				continue
			}
			surviving = append(surviving, b)
		}
	}

	// Phase 5: sort by (effective_time, message_index, entry_index).
	sort.SliceStable(surviving, func(i, j int) bool {
		a, b := surviving[i], surviving[j]
		if !a.EffectiveTime.Equal(b.EffectiveTime) {
			return a.EffectiveTime.Before(b.EffectiveTime)
		}
		if a.MessageIndex != b.MessageIndex {
			return a.MessageIndex < b.MessageIndex
		}
		return a.EntryIndex < b.EntryIndex
	})

	if opts.RoleFilter != nil {
		filtered := surviving[:0]
		for _, b := range surviving {
			if b.Role == *opts.RoleFilter {
				filtered = append(filtered, b)
			}
		}
		surviving = filtered
	}

	if opts.MaxBlocks > 0 && len(surviving) > opts.MaxBlocks {
		surviving = surviving[:opts.MaxBlocks]
	}

	// Phase 6: project tool catalogs.
	var tools domainfeed.ExtractedTools
	if opts.IncludeToolDefs {
		tools = projectTools(rows, surviving)
	}

	frameworks := map[string]bool{}
	for _, r := range rows {
		frameworks[string(r.Framework)] = true
	}
	frameworkList := make([]string, 0, len(frameworks))
	for f := range frameworks {
		frameworkList = append(frameworkList, f)
	}
	sort.Strings(frameworkList)

	meta := domainfeed.FeedMetadata{
		SpanCount:            len(rows),
		BlockCount:           len(surviving),
		TotalBlocksSeen:      total,
		HistoryBlocksDropped: historyDropped,
		DuplicatesRemoved:    duplicatesRemoved,
		FrameworksDetected:   frameworkList,
	}
	for _, r := range rows {
		start := r.TimestampStart
		if meta.EarliestTimestamp == nil || start.Before(*meta.EarliestTimestamp) {
			t := start
			meta.EarliestTimestamp = &t
		}
		latest := start
		if r.TimestampEnd != nil {
			latest = *r.TimestampEnd
		}
		if meta.LatestTimestamp == nil || latest.After(*meta.LatestTimestamp) {
			t := latest
			meta.LatestTimestamp = &t
		}
	}
	if opts.PrecomputedTotals != nil {
		meta.Totals = *opts.PrecomputedTotals
	} else {
		for _, r := range rows {
			meta.Totals.Tokens += r.TokensTotal
			meta.Totals.Cost += r.CostTotal
		}
	}

	return domainfeed.FeedResult{
		Blocks:   surviving,
		Tools:    tools,
		Metadata: meta,
	}
}

// ReconstructSessionScopedToTrace implements the scoping variant of
// §4.F: run the full pipeline over an entire session's rows, then filter
// the output to one trace and recompute its tool catalog from the
// filtered subset, so cross-trace history stripping doesn't distort
// that trace's own totals.
func ReconstructSessionScopedToTrace(rows []span.MessageSpanRow, targetTraceID string, opts domainfeed.FeedOptions) domainfeed.FeedResult {
	full := Reconstruct(rows, opts)

	filteredRows := make([]span.MessageSpanRow, 0, len(rows))
	spanIDs := map[string]bool{}
	for _, r := range rows {
		if r.TraceID == targetTraceID {
			filteredRows = append(filteredRows, r)
			spanIDs[r.SpanID] = true
		}
	}

	filtered := make([]domainfeed.BlockEntry, 0, len(full.Blocks))
	for _, b := range full.Blocks {
		if spanIDs[b.SpanID] {
			filtered = append(filtered, b)
		}
	}
	full.Blocks = filtered
	full.Metadata.BlockCount = len(filtered)
	if opts.IncludeToolDefs {
		full.Tools = projectTools(filteredRows, filtered)
	}
	return full
}

// flatten implements phase 1: parse each row's message array into
// SideML, turning every ContentBlock into one BlockEntry carrying the
// metadata later phases need.
func flatten(rows []span.MessageSpanRow) []domainfeed.BlockEntry {
	var out []domainfeed.BlockEntry
	for _, row := range rows {
		var messages []sideml.Message
		if len(row.Messages) > 0 {
			_ = json.Unmarshal(row.Messages, &messages)
		}
		for mi, msg := range messages {
			for ei, block := range msg.Blocks {
				entry := domainfeed.BlockEntry{
					Block:         block,
					Role:          msg.Role,
					TraceID:       row.TraceID,
					SpanID:        row.SpanID,
					ParentSpanID:  row.ParentSpanID,
					SpanCategory:  string(row.SpanCategory),
					IsToolSpan:    row.SpanCategory == span.CategoryTool,
					IsRootSpan:    row.ParentSpanID == nil,
					IsAccumulator: row.ParentSpanID != nil && isAccumulatorSpan(row),
					MessageIndex:  mi,
					EntryIndex:    ei,
					SpanStart:     row.TimestampStart,
					SpanEnd:       row.TimestampEnd,
					EventTime:     msg.EventTime,
					Source:        msg.Source,
					Model:         row.Model,
					Provider:      row.System,
					IngestedAt:    row.IngestedAt,
					TokensTotal:   row.TokensTotal,
					CostTotal:     row.CostTotal,
					IsOutput:      msg.IsOutputEvent,
				}
				entry.SetOutputSource(msg.Role == sideml.RoleAssistant)
				out = append(out, entry)
			}
		}
	}
	return out
}

// isAccumulatorSpan heuristically flags spans whose message array grows
// across calls (the LangGraph-style "accumulator" pattern from
// mod.rs's framework compatibility notes): a non-root span belonging to
// a framework known to replay full history on every node.
func isAccumulatorSpan(row span.MessageSpanRow) bool {
	switch row.Framework {
	case span.FrameworkLangGraph, span.FrameworkLangChain:
		return true
	default:
		return false
	}
}
