package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strValue(s string) map[string]any {
	return map[string]any{"stringValue": s}
}

// §8 seed scenario 4: a batch whose resource attributes claim a
// different project than the one the ingestion credential resolved to
// keeps the credential's project on every span; the rejected claim is
// surfaced for the caller's warning log.
func TestExtractCredentialProjectWinsOverResourceAttribute(t *testing.T) {
	batch := ResourceSpans{
		Resource: &Resource{Attributes: []KeyValue{
			{Key: "project_id", Value: strValue("proj-B")},
		}},
		ScopeSpans: []ScopeSpan{{
			Spans: []OTLPSpan{{
				TraceID:           "0123456789abcdef0123456789abcdef",
				SpanID:            "0123456789abcdef",
				Name:              "chat anthropic",
				StartTimeUnixNano: "1700000000000000000",
				Attributes: []KeyValue{
					{Key: "gen_ai.system", Value: strValue("anthropic")},
				},
			}},
		}},
	}

	spans, errs, mismatch := Extract(batch, "proj-A", time.Unix(1_700_000_100, 0))
	require.Empty(t, errs)
	require.Len(t, spans, 1)
	assert.Equal(t, "proj-B", mismatch)
	assert.Equal(t, "proj-A", spans[0].Span.ProjectID)
	assert.Equal(t, "proj-A", spans[0].Attrs["project_id"])
}

func TestExtractNoMismatchWhenAttributeAgrees(t *testing.T) {
	batch := ResourceSpans{
		Resource: &Resource{Attributes: []KeyValue{
			{Key: "project_id", Value: strValue("proj-A")},
		}},
		ScopeSpans: []ScopeSpan{{
			Spans: []OTLPSpan{{
				TraceID:           "0123456789abcdef0123456789abcdef",
				SpanID:            "0123456789abcdef",
				Name:              "chat",
				StartTimeUnixNano: "1700000000000000000",
			}},
		}},
	}

	_, errs, mismatch := Extract(batch, "proj-A", time.Unix(0, 0))
	require.Empty(t, errs)
	assert.Empty(t, mismatch)
}
