package ingest

import (
	"encoding/json"
	"strings"

	"sideseat/internal/core/domain/sideml"
)

// normalizeMessages implements §4.E steps 2-3: pull raw messages out of
// span events and attributes and turn them into SideML messages. Span
// events take priority: every recognized event (gen_ai.{role}.message
// and gen_ai.choice) is merged, and when at least one is present the
// attribute sources are not read. Otherwise the attribute sources
// (gen_ai.*.messages, flat gen_ai.prompt.N.*, OpenInference) are all
// read and their messages appended in that order.
func normalizeMessages(candidates []RawEventOrAttr, allAttrs map[string]any) []sideml.Message {
	var out []sideml.Message

	eventMsgs, eventSource := messagesFromEvents(candidates)
	out = append(out, eventMsgs...)

	if !eventSource {
		out = append(out, messagesFromGenAIAttrs(allAttrs)...)
		out = append(out, messagesFromFlatPromptAttrs(allAttrs)...)
		out = append(out, messagesFromOpenInference(allAttrs)...)
	}

	return out
}

// messagesFromEvents handles the gen_ai.{role}.message input events and
// the gen_ai.choice output event, per extractFromSpanEvents's contract.
func messagesFromEvents(candidates []RawEventOrAttr) ([]sideml.Message, bool) {
	var out []sideml.Message
	found := false
	for _, c := range candidates {
		if c.EventName == "" {
			continue
		}
		role, ok := roleFromEventName(c.EventName)
		if ok {
			found = true
			out = append(out, sideml.Message{
				Role:      role,
				Blocks:    blocksFromEventAttrs(c.Attrs, c.EventName, role),
				EventTime: c.Time,
				Source:    sideml.SourceEvent,
			})
			continue
		}
		if c.EventName == "gen_ai.choice" {
			found = true
			msg := messageFromChoiceEvent(c.Attrs)
			msg.EventTime = c.Time
			msg.Source = sideml.SourceEvent
			out = append(out, msg)
		}
	}
	return out, found
}

func roleFromEventName(name string) (sideml.Role, bool) {
	parts := strings.Split(name, ".")
	if len(parts) != 3 || parts[0] != "gen_ai" || parts[2] != "message" {
		return "", false
	}
	switch parts[1] {
	case "system":
		return sideml.RoleSystem, true
	case "user":
		return sideml.RoleUser, true
	case "assistant":
		return sideml.RoleAssistant, true
	case "tool":
		return sideml.RoleTool, true
	default:
		return "", false
	}
}

func blocksFromEventAttrs(attrs map[string]any, eventName string, role sideml.Role) []sideml.ContentBlock {
	if role == sideml.RoleTool {
		block := sideml.ContentBlock{Kind: sideml.BlockToolResult}
		if id, ok := stringAttr(attrs, "id"); ok {
			block.ToolResultForID = id
		} else if id, ok := stringAttr(attrs, "tool_call_id"); ok {
			block.ToolResultForID = id
		}
		block.Content = attrValueJSON(attrs, "content")
		return []sideml.ContentBlock{block}
	}
	if toolCalls, ok := attrs["tool_calls"]; ok {
		return toolUseBlocksFromAny(toolCalls)
	}
	content, _ := stringAttr(attrs, "content")
	return []sideml.ContentBlock{{Kind: sideml.BlockText, Text: content}}
}

func messageFromChoiceEvent(attrs map[string]any) sideml.Message {
	var blocks []sideml.ContentBlock
	if toolCalls, ok := attrs["tool_calls"]; ok {
		blocks = append(blocks, toolUseBlocksFromAny(toolCalls)...)
	}
	if content, ok := stringAttr(attrs, "content"); ok && content != "" {
		blocks = append(blocks, sideml.ContentBlock{Kind: sideml.BlockText, Text: content})
	}
	if len(blocks) == 0 {
		blocks = append(blocks, sideml.ContentBlock{Kind: sideml.BlockText})
	}
	if fr, ok := stringAttr(attrs, "finish_reason"); ok && fr != "" {
		blocks[len(blocks)-1].FinishReason = &fr
	}
	return sideml.Message{Role: sideml.RoleAssistant, Blocks: blocks, IsOutputEvent: true}
}

func toolUseBlocksFromAny(v any) []sideml.ContentBlock {
	raw, ok := v.(string)
	if !ok {
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		raw = string(b)
	}
	var calls []map[string]any
	if err := json.Unmarshal([]byte(raw), &calls); err != nil {
		return nil
	}
	out := make([]sideml.ContentBlock, 0, len(calls))
	for _, call := range calls {
		block := sideml.ContentBlock{Kind: sideml.BlockToolUse}
		if id, ok := call["id"].(string); ok {
			block.ToolUseID = id
		}
		fn, _ := call["function"].(map[string]any)
		if fn != nil {
			if name, ok := fn["name"].(string); ok {
				block.ToolName = name
			}
			if args, ok := fn["arguments"].(string); ok {
				block.ToolInput = json.RawMessage(args)
			} else if fn["arguments"] != nil {
				if b, err := json.Marshal(fn["arguments"]); err == nil {
					block.ToolInput = b
				}
			}
		} else if name, ok := call["name"].(string); ok {
			block.ToolName = name
			if args, ok := call["arguments"]; ok {
				if b, err := json.Marshal(args); err == nil {
					block.ToolInput = b
				}
			}
		}
		out = append(out, block)
	}
	return out
}

// messagesFromGenAIAttrs handles gen_ai.input.messages / gen_ai.output.messages
// (OTEL GenAI "ChatML" representation), priority 3 in extractInputOutput.
func messagesFromGenAIAttrs(attrs map[string]any) []sideml.Message {
	var out []sideml.Message
	out = append(out, chatMLMessages(attrs["gen_ai.input.messages"], sideml.RoleUser)...)
	out = append(out, chatMLMessages(attrs["gen_ai.output.messages"], sideml.RoleAssistant)...)
	return out
}

func chatMLMessages(v any, defaultRole sideml.Role) []sideml.Message {
	if v == nil {
		return nil
	}
	var entries []map[string]any
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			if m, ok := item.(map[string]any); ok {
				entries = append(entries, m)
			}
		}
	case string:
		_ = json.Unmarshal([]byte(val), &entries)
	}
	out := make([]sideml.Message, 0, len(entries))
	for _, entry := range entries {
		role := defaultRole
		if r, ok := entry["role"].(string); ok && r != "" {
			role = sideml.Role(r)
		}
		content, _ := entry["content"].(string)
		out = append(out, sideml.Message{Role: role, Blocks: []sideml.ContentBlock{{Kind: sideml.BlockText, Text: content}}})
	}
	return out
}

// messagesFromFlatPromptAttrs handles the legacy flat
// gen_ai.prompt.N.role / gen_ai.prompt.N.content attribute convention by
// unflattening the dotted keys back into an indexed array first.
func messagesFromFlatPromptAttrs(attrs map[string]any) []sideml.Message {
	return flatIndexedMessages(attrs, "gen_ai.prompt", sideml.RoleUser)
}

func flatIndexedMessages(attrs map[string]any, prefix string, defaultRole sideml.Role) []sideml.Message {
	sub := map[string]any{}
	found := false
	for k, v := range attrs {
		if strings.HasPrefix(k, prefix+".") {
			sub[strings.TrimPrefix(k, prefix+".")] = v
			found = true
		}
	}
	if !found {
		return nil
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return nil
	}
	unflattened := sideml.UnflattenDottedKeys(raw)
	var asArray []map[string]any
	if err := json.Unmarshal(unflattened, &asArray); err != nil {
		var asObject map[string]map[string]any
		if err2 := json.Unmarshal(unflattened, &asObject); err2 != nil {
			return nil
		}
		for _, v := range asObject {
			asArray = append(asArray, v)
		}
	}
	out := make([]sideml.Message, 0, len(asArray))
	for _, entry := range asArray {
		role := defaultRole
		if r, ok := entry["role"].(string); ok && r != "" {
			role = sideml.Role(r)
		}
		content, _ := entry["content"].(string)
		out = append(out, sideml.Message{Role: role, Blocks: []sideml.ContentBlock{{Kind: sideml.BlockText, Text: content}}})
	}
	return out
}

// messagesFromOpenInference handles the llm.input_messages /
// llm.output_messages arrays and, failing those, the generic
// input.value / output.value fallback the teacher treats as priority 4.
func messagesFromOpenInference(attrs map[string]any) []sideml.Message {
	var out []sideml.Message
	out = append(out, openInferenceMessages(attrs["llm.input_messages"], sideml.RoleUser)...)
	out = append(out, openInferenceMessages(attrs["llm.output_messages"], sideml.RoleAssistant)...)
	if len(out) > 0 {
		return out
	}
	if v, ok := stringAttr(attrs, "input.value"); ok && v != "" {
		out = append(out, sideml.Message{Role: sideml.RoleUser, Blocks: []sideml.ContentBlock{{Kind: sideml.BlockJSON, JSON: jsonOrQuoted(v)}}})
	}
	if v, ok := stringAttr(attrs, "output.value"); ok && v != "" {
		msg := sideml.Message{Role: sideml.RoleAssistant, Blocks: []sideml.ContentBlock{{Kind: sideml.BlockJSON, JSON: jsonOrQuoted(v)}}}
		out = append(out, msg)
	}
	return out
}

func openInferenceMessages(v any, defaultRole sideml.Role) []sideml.Message {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]sideml.Message, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role := defaultRole
		if r, ok := entry["message.role"].(string); ok && r != "" {
			role = sideml.Role(r)
		}
		content, _ := entry["message.content"].(string)
		out = append(out, sideml.Message{Role: role, Blocks: []sideml.ContentBlock{{Kind: sideml.BlockText, Text: content}}})
	}
	return out
}

func jsonOrQuoted(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return json.RawMessage(b)
}

func attrValueJSON(attrs map[string]any, key string) json.RawMessage {
	v, ok := attrs[key]
	if !ok {
		return nil
	}
	if s, ok := v.(string); ok {
		return jsonOrQuoted(s)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// extractToolDefinitions reads the tool/function schema array declared
// on a span: the "llm.tools" attribute, or "gen_ai.request.tools" when
// that is absent.
func extractToolDefinitions(attrs map[string]any) []toolDef {
	raw, ok := attrs["llm.tools"]
	if !ok {
		raw, ok = attrs["gen_ai.request.tools"]
	}
	if !ok {
		return nil
	}
	var entries []map[string]any
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				entries = append(entries, m)
			}
		}
	case string:
		_ = json.Unmarshal([]byte(v), &entries)
	}
	out := make([]toolDef, 0, len(entries))
	for _, e := range entries {
		def := toolDef{}
		if fn, ok := e["function"].(map[string]any); ok {
			def.Name, _ = fn["name"].(string)
			def.Description, _ = fn["description"].(string)
			if params, ok := fn["parameters"]; ok {
				if b, err := json.Marshal(params); err == nil {
					def.InputSchema = b
				}
			}
		} else {
			def.Name, _ = e["name"].(string)
			def.Description, _ = e["description"].(string)
		}
		if def.Name != "" {
			out = append(out, def)
		}
	}
	return out
}

// toolDef mirrors domainfeed.ToolDef's wire shape exactly (name/
// description/input_schema) so tool_definitions rows written here are
// readable directly by the feed service's projectTools without an
// intermediate conversion.
type toolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}
