// Scanner implements the data-URL extraction pass §4.C runs over every
// span's Messages/ToolDefinitions JSON before it is persisted: walk the
// decoded value looking for inline base64 payloads, pull anything above a
// size floor out into content-addressed blobs, and leave a "#!B64!#" sentinel
// reference in its place. Grounded on
// original_source/server/src/domain/traces/extract (files_tests.rs is the
// only filtered-in file, so the walk below is reconstructed from its
// behavioral contract rather than ported line-for-line).
package filestore

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"

	"sideseat/internal/core/domain/fileuri"
)

// candidateFields are the keys the scanner will pull a base64 payload out
// of directly. "text"/"content"/"thinking" are deliberately absent — a
// model's actual text/thinking output is never extracted as a file, though
// the scanner still recurses into it looking for nested stringified JSON
// (the raw_span attributes shape OTLP events arrive in).
var candidateFields = map[string]bool{
	"data":   true,
	"bytes":  true,
	"url":    true,
	"base64": true,
}

// ExtractedFile is one blob pulled out of a scanned value, content-addressed
// by its decoded bytes' sha256.
type ExtractedFile struct {
	Hash      string
	MediaType string // empty when the source had no "data:<mime>;base64," prefix
	Data      []byte
	Size      int
}

// Scanner recursively extracts inline base64 payloads from a decoded JSON
// value. MinBytes is the size floor below which a payload is left inline.
type Scanner struct {
	MinBytes int
}

// Scan walks value, replacing every extractable base64 payload with a
// sentinel file URI. It returns the (possibly unchanged) value, the set of
// newly extracted files in first-seen order, and whether anything changed.
// Identical payloads found more than once within the same call collapse to
// a single ExtractedFile sharing one sentinel.
func (s *Scanner) Scan(value any) (any, []ExtractedFile, bool) {
	st := &scanState{minBytes: s.MinBytes, seen: make(map[string]string)}
	result, modified := st.walk("", value)
	return result, st.files, modified
}

type scanState struct {
	minBytes int
	seen     map[string]string // content hash -> sentinel already issued
	files    []ExtractedFile
}

func (st *scanState) walk(key string, v any) (any, bool) {
	switch t := v.(type) {
	case string:
		return st.walkString(key, t)
	case map[string]any:
		return st.walkMap(t)
	case []any:
		return st.walkArray(t)
	default:
		return v, false
	}
}

func (st *scanState) walkMap(m map[string]any) (any, bool) {
	modified := false
	out := make(map[string]any, len(m))
	for k, v := range m {
		newV, mod := st.walk(k, v)
		out[k] = newV
		if mod {
			modified = true
		}
	}
	if !modified {
		return m, false
	}
	return out, true
}

func (st *scanState) walkArray(arr []any) (any, bool) {
	modified := false
	out := make([]any, len(arr))
	for i, v := range arr {
		// Array elements carry no field-name context of their own; a bare
		// string sitting directly in an array is never a candidate, only
		// maps nested inside it (each with their own keys) are.
		newV, mod := st.walk("", v)
		out[i] = newV
		if mod {
			modified = true
		}
	}
	if !modified {
		return arr, false
	}
	return out, true
}

func (st *scanState) walkString(key, s string) (any, bool) {
	if s == "" || fileuri.Is(s) {
		return s, false
	}
	if candidateFields[key] {
		if hash, mediaType, decoded, ok := tryExtract(s, st.minBytes); ok {
			return st.extract(hash, mediaType, decoded), true
		}
	}
	if parsed, ok := tryParseNestedJSON(s); ok {
		newParsed, mod := st.walk("", parsed)
		if mod {
			reenc, err := json.Marshal(newParsed)
			if err == nil {
				return string(reenc), true
			}
		}
	}
	return s, false
}

func (st *scanState) extract(hash, mediaType string, decoded []byte) string {
	if sentinel, ok := st.seen[hash]; ok {
		return sentinel
	}
	sentinel := fileuri.Build(hash, mediaType)
	st.seen[hash] = sentinel
	st.files = append(st.files, ExtractedFile{Hash: hash, MediaType: mediaType, Data: decoded, Size: len(decoded)})
	return sentinel
}

// tryExtract decodes s as either a "data:<mime>;base64,<payload>" URI or a
// raw base64 string, rejecting anything that isn't valid base64 (ordinary
// URLs and placeholders like "<redacted>" fail the decode) or that decodes
// under minBytes.
func tryExtract(s string, minBytes int) (hash, mediaType string, decoded []byte, ok bool) {
	payload := s
	if strings.HasPrefix(s, "data:") {
		idx := strings.Index(s, ";base64,")
		if idx < 0 {
			return "", "", nil, false
		}
		mediaType = s[len("data:"):idx]
		payload = s[idx+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", "", nil, false
	}
	if len(data) <= minBytes {
		return "", "", nil, false
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), mediaType, data, true
}

// tryParseNestedJSON parses s as a JSON object or array, the stringified
// attribute-value shape raw OTLP events carry (e.g. events[].attributes.content
// holding a serialized message list). Scalars are rejected — a bare quoted
// string or number parsing as "valid JSON" isn't the nested structure the
// scanner is looking for.
func tryParseNestedJSON(s string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, false
	}
	switch parsed.(type) {
	case map[string]any, []any:
		return parsed, true
	default:
		return nil, false
	}
}
