package ingest

import (
	"encoding/json"
	"sort"
	"time"

	"sideseat/internal/core/domain/sideml"
	"sideseat/internal/core/domain/span"
	"sideseat/internal/core/services/pricing"
)

// previewLength is the first-N-Unicode-characters cap for input/output
// previews (§4.E step 4), matching the teacher's list-view truncation.
const previewLength = 200

// Enrich implements §4.E step 4: attach the normalized SideML messages,
// project the tool catalog, build input/output previews, and price the
// span from usage + the pricing table. Mutates es.Span in place and
// returns it for chaining.
func Enrich(es *ExtractedSpan, messages []sideml.Message, tools []toolDef, pricer *pricing.Service) *span.NormalizedSpan {
	s := es.Span

	msgsJSON, err := json.Marshal(messages)
	if err != nil {
		msgsJSON = json.RawMessage("[]")
	}
	s.Messages = msgsJSON

	if len(tools) > 0 {
		defsJSON, _ := json.Marshal(tools)
		s.ToolDefinitions = defsJSON
		names := make([]string, 0, len(tools))
		for _, t := range tools {
			names = append(names, t.Name)
		}
		sort.Strings(names)
		namesJSON, _ := json.Marshal(names)
		s.ToolNames = namesJSON
	}

	s.InputPreview = buildPreview(messages, sideml.RoleUser, sideml.RoleSystem)
	s.OutputPreview = buildPreview(messages, sideml.RoleAssistant, sideml.RoleTool)

	if s.Model != nil && s.Usage.Total() > 0 {
		entry, found := pricer.Lookup(*s.Model)
		cacheHit := s.Usage.CacheRead > 0
		batchMode, _ := boolAttr(es.Attrs, "gen_ai.request.is_batch")
		cost, unknown := pricing.Calculate(entry, found, s.Usage, cacheHit, batchMode)
		s.Cost = cost
		s.PricingUnknown = unknown
	} else {
		s.PricingUnknown = true
	}

	if firstToken := firstTokenTime(es.Events); firstToken != nil {
		ms := firstToken.Sub(s.TimestampStart).Milliseconds()
		if ms >= 0 {
			s.TTFTMs = &ms
		}
	}
	if s.TimestampEnd != nil {
		ms := s.TimestampEnd.Sub(s.TimestampStart).Milliseconds()
		s.RequestDurationMs = &ms
	}

	return s
}

// buildPreview renders the first matching message's text content,
// truncated to previewLength runes, skipping placeholder-only content
// (e.g. "[object Object]" from a misconfigured SDK serializer).
func buildPreview(messages []sideml.Message, roles ...sideml.Role) *string {
	wanted := map[sideml.Role]bool{}
	for _, r := range roles {
		wanted[r] = true
	}
	for _, msg := range messages {
		if !wanted[msg.Role] {
			continue
		}
		for _, block := range msg.Blocks {
			text := previewText(block)
			if text == "" || isPlaceholderPreview(text) {
				continue
			}
			truncated := truncatePreview(text, previewLength)
			return &truncated
		}
	}
	return nil
}

func previewText(block sideml.ContentBlock) string {
	switch block.Kind {
	case sideml.BlockText, sideml.BlockThinking:
		return block.Text
	case sideml.BlockToolUse:
		return block.ToolName
	case sideml.BlockJSON:
		return string(block.JSON)
	default:
		return ""
	}
}

// firstTokenTime looks for the earliest streamed-token event OTEL
// exporters commonly emit (gen_ai.first_token, ai.streamFirstChunk),
// used to compute TTFTMs.
func firstTokenTime(events []Event) *time.Time {
	var earliest *time.Time
	for _, ev := range events {
		if ev.Name != "gen_ai.first_token" && ev.Name != "ai.streamFirstChunk" {
			continue
		}
		t := convertUnixNano(ev.TimeUnixNano)
		if t == nil {
			continue
		}
		if earliest == nil || t.Before(*earliest) {
			earliest = t
		}
	}
	return earliest
}

func boolAttr(attrs map[string]any, key string) (bool, bool) {
	v, ok := attrs[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
