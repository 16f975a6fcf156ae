package ingest

import (
	"encoding/hex"
	"fmt"
	"time"
)

// The wire-format types below mirror the OTLP JSON encoding exactly
// (numeric ids and timestamps arrive both as plain strings and as
// Protobuf.js-style {low,high}/Buffer shapes depending on client),
// grounded on the teacher's otlp_types.go. The gRPC and HTTP decoders
// in infrastructure/otlp both produce this shape before handing it to
// Extract, so this package never depends on a specific transport.

type ResourceSpans struct {
	Resource   *Resource   `json:"resource,omitempty"`
	ScopeSpans []ScopeSpan `json:"scopeSpans"`
}

type Resource struct {
	Attributes []KeyValue `json:"attributes"`
}

type ScopeSpan struct {
	Scope *Scope     `json:"scope,omitempty"`
	Spans []OTLPSpan `json:"spans"`
}

type Scope struct {
	Name       string     `json:"name"`
	Attributes []KeyValue `json:"attributes,omitempty"`
}

type OTLPSpan struct {
	TraceID           any        `json:"traceId"`
	SpanID            any        `json:"spanId"`
	ParentSpanID      any        `json:"parentSpanId,omitempty"`
	StartTimeUnixNano any        `json:"startTimeUnixNano"`
	EndTimeUnixNano   any        `json:"endTimeUnixNano,omitempty"`
	Status            *Status    `json:"status,omitempty"`
	Name              string     `json:"name"`
	Attributes        []KeyValue `json:"attributes,omitempty"`
	Events            []Event    `json:"events,omitempty"`
	Kind              int        `json:"kind,omitempty"`
}

type KeyValue struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type Event struct {
	TimeUnixNano any        `json:"timeUnixNano"`
	Name         string     `json:"name"`
	Attributes   []KeyValue `json:"attributes,omitempty"`
}

type Status struct {
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

func convertTraceID(v any) (string, error) {
	return convertID(v, 32, "trace_id")
}

func convertSpanID(v any) (string, error) {
	return convertID(v, 16, "span_id")
}

func convertID(v any, wantLen int, field string) (string, error) {
	switch val := v.(type) {
	case string:
		if len(val) != wantLen {
			return "", fmt.Errorf("invalid %s length: %d (expected %d)", field, len(val), wantLen)
		}
		return val, nil
	case map[string]any:
		if data, ok := val["data"].([]any); ok {
			return bytesToHex(data), nil
		}
	case []byte:
		return hex.EncodeToString(val), nil
	}
	return "", fmt.Errorf("unsupported %s type: %T", field, v)
}

func bytesToHex(data []any) string {
	b := make([]byte, len(data))
	for i, v := range data {
		if f, ok := v.(float64); ok {
			b[i] = byte(f)
		}
	}
	return hex.EncodeToString(b)
}

// convertUnixNano parses both plain int64/float64 nanosecond timestamps
// and the {low,high} 64-bit-split shape some JS OTLP exporters emit.
func convertUnixNano(ts any) *time.Time {
	if ts == nil {
		return nil
	}
	var nanos int64
	switch v := ts.(type) {
	case int64:
		nanos = v
	case float64:
		nanos = int64(v)
	case string:
		n, err := parseInt64(v)
		if err != nil {
			return nil
		}
		nanos = n
	case map[string]any:
		low, lowOK := v["low"].(float64)
		high, highOK := v["high"].(float64)
		if !lowOK || !highOK {
			return nil
		}
		nanos = int64(high)*4294967296 + int64(low)
	default:
		return nil
	}
	if nanos == 0 {
		return nil
	}
	t := time.Unix(0, nanos).UTC()
	return &t
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func convertSpanKind(kind int) uint8 {
	if kind < 0 || kind > 5 {
		return 1
	}
	return uint8(kind)
}

func convertStatusCode(status *Status) uint8 {
	if status == nil {
		return 0
	}
	switch status.Code {
	case 0, 1, 2:
		return uint8(status.Code)
	default:
		return 0
	}
}

func extractAttributesFromKeyValues(kvs []KeyValue) map[string]any {
	attrs := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		if v := extractValue(kv.Value); v != nil {
			attrs[kv.Key] = v
		}
	}
	return attrs
}

// extractValue unwraps one level of the OTLP AnyValue oneof-as-map shape
// ({"stringValue": "..."} etc), recursing into arrays and kvlists.
func extractValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		if sv, ok := val["stringValue"].(string); ok {
			return sv
		}
		if iv, ok := val["intValue"].(float64); ok {
			return int64(iv)
		}
		if iv, ok := val["intValue"].(string); ok {
			n, err := parseInt64(iv)
			if err == nil {
				return n
			}
		}
		if bv, ok := val["boolValue"].(bool); ok {
			return bv
		}
		if dv, ok := val["doubleValue"].(float64); ok {
			return dv
		}
		if av, ok := val["arrayValue"].(map[string]any); ok {
			if values, ok := av["values"].([]any); ok {
				out := make([]any, len(values))
				for i, item := range values {
					out[i] = extractValue(item)
				}
				return out
			}
		}
		if kv, ok := val["kvlistValue"].(map[string]any); ok {
			if values, ok := kv["values"].([]any); ok {
				out := map[string]any{}
				for _, item := range values {
					pair, ok := item.(map[string]any)
					if !ok {
						continue
					}
					key, _ := pair["key"].(string)
					out[key] = extractValue(pair["value"])
				}
				return out
			}
		}
		// already a plain decoded value (e.g. from a non-wrapped JSON body)
		return val
	default:
		return val
	}
}

func mergeAttributes(layers ...map[string]any) map[string]any {
	merged := make(map[string]any)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}
