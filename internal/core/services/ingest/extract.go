package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sideseat/internal/core/domain/span"
)

// MaxAttributeValueSize caps any single attribute value the extractor
// will carry into RawSpan, matching common OTEL collector limits (1MB)
// so one oversized payload can't blow out a batch.
const MaxAttributeValueSize = 1024 * 1024

const exceptionEventName = "exception"

// ExtractedSpan is everything Extract derives from one OTLP span before
// the sideml/enrich stages run: the NormalizedSpan shell plus the raw
// message material (events + merged attributes) those later stages
// consume.
type ExtractedSpan struct {
	Span     *span.NormalizedSpan
	Attrs    map[string]any
	Events   []Event
	Messages []RawEventOrAttr
}

// RawEventOrAttr is one candidate message source surfaced by Extract,
// resolved into SideML messages by the normalize stage (messages.go):
// either a timed event or a flat attribute bag.
type RawEventOrAttr struct {
	EventName string // non-empty when this came from a span event
	Time      *time.Time
	Attrs     map[string]any
}

// Extract walks one ResourceSpans batch into ExtractedSpans, implementing
// §4.E step 1: decode, walk resource/scope/span attributes, classify,
// detect framework, pull exception info, and build the message-extraction
// candidates step 2 will consume. ProjectID is resolved by the caller
// from the ingestion credential and stamped onto every span; if the
// batch's resource attributes carry a different project_id, the resolved
// value wins (§4.D) and the rejected claim comes back in projectMismatch
// for the caller to warn-log.
func Extract(batch ResourceSpans, projectID string, now time.Time) (spans []ExtractedSpan, errs []error, projectMismatch string) {
	var out []ExtractedSpan

	resourceAttrs := map[string]any{}
	if batch.Resource != nil {
		resourceAttrs = extractAttributesFromKeyValues(batch.Resource.Attributes)
	}
	if claimed, ok := resourceAttrs["project_id"].(string); ok && claimed != projectID {
		projectMismatch = claimed
		resourceAttrs["project_id"] = projectID
	}

	for _, scopeSpan := range batch.ScopeSpans {
		scopeAttrs := map[string]any{}
		if scopeSpan.Scope != nil {
			scopeAttrs = extractAttributesFromKeyValues(scopeSpan.Scope.Attributes)
		}

		for _, raw := range scopeSpan.Spans {
			es, err := extractOne(raw, resourceAttrs, scopeAttrs, projectID, now)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			out = append(out, *es)
		}
	}
	return out, errs, projectMismatch
}

func extractOne(raw OTLPSpan, resourceAttrs, scopeAttrs map[string]any, projectID string, now time.Time) (*ExtractedSpan, error) {
	traceID, err := convertTraceID(raw.TraceID)
	if err != nil {
		return nil, fmt.Errorf("span %q: %w", raw.Name, err)
	}
	spanID, err := convertSpanID(raw.SpanID)
	if err != nil {
		return nil, fmt.Errorf("span %q: %w", raw.Name, err)
	}

	var parentSpanID *string
	if raw.ParentSpanID != nil {
		if id, err := convertSpanID(raw.ParentSpanID); err == nil && id != "" {
			parentSpanID = &id
		}
	}

	start := convertUnixNano(raw.StartTimeUnixNano)
	if start == nil {
		return nil, fmt.Errorf("span %s: missing start time", spanID)
	}
	end := convertUnixNano(raw.EndTimeUnixNano)

	spanAttrs := extractAttributesFromKeyValues(raw.Attributes)
	merged := mergeAttributes(resourceAttrs, scopeAttrs, spanAttrs)
	for k, v := range merged {
		if s, ok := v.(string); ok && len(s) > MaxAttributeValueSize {
			merged[k] = s[:MaxAttributeValueSize]
		}
	}

	s := &span.NormalizedSpan{
		ProjectID:      projectID,
		TraceID:        traceID,
		SpanID:         spanID,
		ParentSpanID:   parentSpanID,
		SpanName:       raw.Name,
		SpanKind:       span.SpanKind(convertSpanKind(raw.Kind)),
		StatusCode:     span.StatusCode(convertStatusCode(raw.Status)),
		TimestampStart: *start,
		TimestampEnd:   end,
		IngestedAt:     now,
	}
	if raw.Status != nil && raw.Status.Message != "" {
		s.StatusMessage = &raw.Status.Message
	}
	s.CalculateDuration()

	if envVal, ok := stringAttr(merged, "deployment.environment"); ok {
		s.Environment = &envVal
	} else if envVal, ok := stringAttr(merged, "deployment.environment.name"); ok {
		s.Environment = &envVal
	}
	if sid, ok := stringAttr(merged, "session.id"); ok {
		s.SessionID = &sid
	} else if sid, ok := stringAttr(merged, "gen_ai.conversation.id"); ok {
		s.SessionID = &sid
	}
	if uid, ok := stringAttr(merged, "user.id"); ok {
		s.UserID = &uid
	} else if uid, ok := stringAttr(merged, "gen_ai.user.id"); ok {
		s.UserID = &uid
	}

	s.SpanCategory = classifyCategory(merged, raw.Name, parentSpanID != nil)
	s.Framework = detectFramework(merged)
	s.ObservationType = string(s.SpanCategory)
	extractGenAI(merged, s)

	extractException(raw.Events, s)

	raw2json, _ := json.Marshal(raw)
	s.RawSpan = raw2json

	messages := make([]RawEventOrAttr, 0, len(raw.Events)+1)
	for _, ev := range raw.Events {
		messages = append(messages, RawEventOrAttr{
			EventName: ev.Name,
			Time:      convertUnixNano(ev.TimeUnixNano),
			Attrs:     extractAttributesFromKeyValues(ev.Attributes),
		})
	}
	messages = append(messages, RawEventOrAttr{Attrs: merged})

	return &ExtractedSpan{Span: s, Attrs: merged, Events: raw.Events, Messages: messages}, nil
}

// extractException pulls the OTEL semconv exception event into the
// span's flat exception fields, the last event winning if there are
// several (e.g. retried calls emitting one exception per attempt).
func extractException(events []Event, s *span.NormalizedSpan) {
	for _, ev := range events {
		if ev.Name != exceptionEventName {
			continue
		}
		attrs := extractAttributesFromKeyValues(ev.Attributes)
		if v, ok := stringAttr(attrs, "exception.type"); ok {
			s.ExceptionType = &v
		}
		if v, ok := stringAttr(attrs, "exception.message"); ok {
			s.ExceptionMessage = &v
		}
		if v, ok := stringAttr(attrs, "exception.stacktrace"); ok {
			s.ExceptionStacktrace = &v
		}
	}
}

// truncatePreview returns the first n Unicode runes of s for enrich.go's
// input/output previews (§4.E step 4), backing off to the nearest
// preceding space when the cut lands mid-word so a preview reads as
// whole words instead of a character chopped in half. Adapted from the
// teacher's pkg/preview.truncateAtWordBoundary, simplified down to the
// one primitive this pipeline's fixed-length previews actually need —
// the rest of that package's type-aware (JSON/markdown/error) preview
// formats have no home here, since §4.E step 4 calls for a plain
// first-200-chars preview, not an adaptive one.
func truncatePreview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	truncated := string(runes[:n])
	if lastSpace := strings.LastIndex(truncated, " "); lastSpace > len(truncated)/2 {
		truncated = truncated[:lastSpace]
	}
	return truncated + "..."
}

var placeholderPreviews = map[string]bool{
	"[object Object]": true,
	"undefined":       true,
	"null":             true,
	"":                 true,
}

func isPlaceholderPreview(s string) bool {
	trimmed := strings.TrimSpace(s)
	return placeholderPreviews[trimmed]
}
