// Package fileuri implements the "#!B64!#" sentinel reference format the
// data-URL scanner substitutes for extracted blobs (§4.C). Grounded
// directly on original_source/server/src/utils/file_uri.rs — the build/
// parse pair and edge cases (empty hash, hash containing "::", media
// type omitted) are ported test-for-test.
package fileuri

import "strings"

// Prefix marks a string as a sideseat file reference rather than literal
// content: "#!B64!#[mime/type]::hash".
const Prefix = "#!B64!#"

// Build constructs a sentinel URI for hash, optionally tagging its media
// type. An empty mediaType omits the type segment ("#!B64!#::hash")
// rather than writing an empty one.
func Build(hash, mediaType string) string {
	if mediaType == "" {
		return Prefix + "::" + hash
	}
	return Prefix + mediaType + "::" + hash
}

// Parsed holds the components of a successfully parsed file URI.
type Parsed struct {
	Hash      string
	MediaType string // empty when the URI carried no media type
}

// Parse decomposes a "#!B64!#[mime]::hash" URI. It returns ok=false for
// anything not matching the format, including a URI with an empty hash —
// Build never produces one of those by accident, but a malformed one
// must not be treated as valid.
func Parse(uri string) (Parsed, bool) {
	rest, ok := strings.CutPrefix(uri, Prefix)
	if !ok {
		return Parsed{}, false
	}
	sep := strings.Index(rest, "::")
	if sep < 0 {
		return Parsed{}, false
	}
	mediaType, hash := rest[:sep], rest[sep+2:]
	if hash == "" {
		return Parsed{}, false
	}
	return Parsed{Hash: hash, MediaType: mediaType}, true
}

// Is reports whether s is a well-formed file URI.
func Is(s string) bool {
	_, ok := Parse(s)
	return ok
}
