package sideml

import (
	"encoding/json"
	"strconv"
	"strings"
)

// UnflattenDottedKeys converts OpenInference-style flat dotted attribute
// keys (`"tool_calls.0.tool_call.function.name": "foo"`) into nested JSON
// structure (`{"tool_calls":[{"tool_call":{"function":{"name":"foo"}}}]}`).
// Ported from the original Rust implementation's recursive descent, kept
// behaviorally identical: numeric path segments grow arrays, padding with
// empty objects as needed.
func UnflattenDottedKeys(value json.RawMessage) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(value, &obj); err != nil {
		return value
	}

	regular := map[string]any{}
	var dottedKeys []string
	dotted := map[string]json.RawMessage{}

	for k, v := range obj {
		if strings.Contains(k, ".") {
			dottedKeys = append(dottedKeys, k)
			dotted[k] = v
		} else {
			var decoded any
			_ = json.Unmarshal(v, &decoded)
			regular[k] = decoded
		}
	}

	if len(dotted) == 0 {
		return value
	}

	for _, k := range dottedKeys {
		var decoded any
		_ = json.Unmarshal(dotted[k], &decoded)
		setNestedValue(regular, k, decoded)
	}

	out, err := json.Marshal(regular)
	if err != nil {
		return value
	}
	return out
}

func setNestedValue(root map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return
	}
	current := root

	for i, part := range parts {
		isLast := i == len(parts)-1
		nextIsIndex := false
		if i+1 < len(parts) {
			if _, err := strconv.Atoi(parts[i+1]); err == nil {
				nextIsIndex = true
			}
		}

		if isLast {
			current[part] = value
			return
		}

		if _, err := strconv.Atoi(part); err == nil {
			// numeric segment handled by the array branch of the prior iteration
			return
		}

		entry, ok := current[part]
		if !ok {
			if nextIsIndex {
				entry = []any{}
			} else {
				entry = map[string]any{}
			}
			current[part] = entry
		}

		switch e := entry.(type) {
		case map[string]any:
			current = e
		case []any:
			idx, err := strconv.Atoi(parts[i+1])
			if err != nil {
				return
			}
			for len(e) <= idx {
				e = append(e, map[string]any{})
			}
			current[part] = e

			remaining := strings.Join(parts[i+2:], ".")
			if remaining == "" {
				e[idx] = value
				return
			}
			if obj, ok := e[idx].(map[string]any); ok {
				setNestedValue(obj, remaining, value)
			}
			return
		default:
			return
		}
	}
}
