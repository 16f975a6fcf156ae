package feed

import (
	"encoding/json"

	domainfeed "sideseat/internal/core/domain/feed"
	"sideseat/internal/core/domain/span"
)

// projectTools implements §4.F phase 6: union every surviving span's
// tool_definitions array (a span survives when at least one of its blocks
// does), picking the definition with the highest toolDefQuality per tool
// name; on equal scores the first definition seen is kept.
func projectTools(rows []span.MessageSpanRow, surviving []domainfeed.BlockEntry) domainfeed.ExtractedTools {
	defs := map[string]domainfeed.ToolDef{}
	names := map[string]bool{}

	survivingSpans := map[string]bool{}
	for i := range surviving {
		survivingSpans[surviving[i].SpanID] = true
	}

	for _, row := range rows {
		if !survivingSpans[row.SpanID] {
			continue
		}
		var defList []domainfeed.ToolDef
		if len(row.ToolDefinitions) > 0 {
			_ = json.Unmarshal(row.ToolDefinitions, &defList)
		}
		for _, d := range defList {
			d.Quality = toolDefQuality(d)
			if existing, ok := defs[d.Name]; !ok || d.Quality > existing.Quality {
				defs[d.Name] = d
			}
		}
	}

	for i := range surviving {
		b := &surviving[i]
		if b.IsToolUse() && b.Block.ToolName != "" {
			names[b.Block.ToolName] = true
		}
		if b.IsToolResult() && b.Block.ToolResultName != "" {
			names[b.Block.ToolResultName] = true
		}
	}

	out := domainfeed.ExtractedTools{Definitions: defs}
	for n := range names {
		out.Names = append(out.Names, n)
	}
	return out
}

// toolDefQuality scores a tool definition by how complete it is: a
// populated description and a non-trivial input schema beat a bare name.
func toolDefQuality(d domainfeed.ToolDef) int {
	score := 0
	if d.Description != "" {
		score += 5
	}
	score += len(d.InputSchema)
	return score
}
