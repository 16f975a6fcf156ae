package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	domainfeed "sideseat/internal/core/domain/feed"
)

// contentHash computes the content-based identity for a block, per
// §4.F phase 4: ToolUse hashes (name, normalized input) ignoring call
// id; ToolResult hashes normalized content ignoring tool_use_id;
// everything else hashes (trace_id, role, content_json).
func contentHash(b *domainfeed.BlockEntry) string {
	h := sha256.New()
	switch {
	case b.IsToolUse():
		h.Write([]byte("tool_use|"))
		h.Write([]byte(b.Block.ToolName))
		h.Write([]byte("|"))
		h.Write(normalizeJSONForHash(b.Block.ToolInput))
	case b.IsToolResult():
		h.Write([]byte("tool_result|"))
		h.Write(normalizeToolResultContent(b.Block.Content))
	default:
		h.Write([]byte("other|"))
		h.Write([]byte(b.TraceID))
		h.Write([]byte("|"))
		h.Write([]byte(b.Role))
		h.Write([]byte("|"))
		content, _ := json.Marshal(b.Block)
		h.Write(normalizeJSONForHash(content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeJSONForHash canonicalizes a JSON document by recursively
// sorting object keys, so two semantically identical payloads that
// differ only in key order hash identically.
func normalizeJSONForHash(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(canonicalize(v))
	if err != nil {
		return raw
	}
	return out
}

func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]orderedPair, 0, len(keys))
		for _, k := range keys {
			out = append(out, orderedPair{k, canonicalize(t[k])})
		}
		return orderedMap(out)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return t
	}
}

type orderedPair struct {
	Key   string
	Value any
}

// orderedMap marshals as a JSON object preserving insertion (already
// sorted) order, since encoding/json sorts map[string]any keys anyway —
// this type exists purely to make that sort explicit and independent of
// stdlib's internal behavior.
type orderedMap []orderedPair

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, p := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, _ := json.Marshal(p.Key)
		buf = append(buf, key...)
		buf = append(buf, ':')
		val, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, val...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// normalizeToolResultContent strips tool_use_id-adjacent envelope keys
// so a tool result is identified purely by its payload.
func normalizeToolResultContent(raw []byte) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	if m, ok := v.(map[string]any); ok {
		delete(m, "tool_use_id")
		delete(m, "tool_call_id")
		return normalizeJSONForHash(mustMarshal(m))
	}
	return normalizeJSONForHash(raw)
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
