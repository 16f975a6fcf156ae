package ingest

import (
	"context"
	"encoding/json"
	"time"

	"sideseat/internal/core/domain/dataerr"
	"sideseat/internal/core/domain/span"
	"sideseat/internal/core/domain/topic"
	fsservice "sideseat/internal/core/services/filestore"
	"sideseat/pkg/metrics"
)

// SSETopic returns the per-project broadcast topic name the realtime SSE
// hub subscribes to, `sse_spans:{project}` per §4.H — project scoping
// lives in the topic name itself rather than in the event payload.
func SSETopic(projectID string) string {
	return "sse_spans:" + projectID
}

// SpanArrivedEvent is the fan-out payload for a newly persisted span,
// intentionally narrow (callers needing the full span re-query it) to
// keep broadcast messages small.
type SpanArrivedEvent struct {
	ProjectID string  `json:"project_id"`
	TraceID   string  `json:"trace_id"`
	SpanID    string  `json:"span_id"`
	SessionID *string `json:"session_id,omitempty"`
}

// Persister writes enriched spans to the analytics and file backends and
// fans out arrival notifications, implementing §4.E step 5. Ack of the
// originating stream message happens only after Persist returns nil, the
// at-least-once delivery contract the claim loop relies on.
type Persister struct {
	Analytics   span.AnalyticsRepository
	Store       *fsservice.Service
	Scanner     *fsservice.Scanner
	QuotaBytes  int64 // 0 = unlimited, threaded from FilestoreConfig.DefaultProjectQuotaBytes
	Broadcaster topic.Broadcaster
}

// Persist validates spans, extracts and stores any inline base64 blobs
// their Messages/ToolDefinitions reference (substituting sentinel file
// URIs in place before the batch is ever written), batch-inserts the
// result, and broadcasts one SpanArrivedEvent per span.
func (p *Persister) Persist(ctx context.Context, spans []*span.NormalizedSpan) error {
	start := time.Now()
	defer func() { metrics.IngestBatchDuration.Observe(time.Since(start).Seconds()) }()

	valid := make([]*span.NormalizedSpan, 0, len(spans))
	for _, s := range spans {
		if err := s.Validate(); err != nil {
			continue // malformed spans are dropped at ingest per §3; never block the batch
		}
		valid = append(valid, s)
	}
	if len(valid) == 0 {
		return nil
	}

	for _, s := range valid {
		if err := p.extractBlobs(ctx, s); err != nil {
			return err
		}
	}

	if err := p.Analytics.InsertSpanBatch(ctx, valid); err != nil {
		return dataerr.Wrap(dataerr.KindBackendFailure, "insert span batch", err)
	}

	for _, s := range valid {
		metrics.SpansIngested.WithLabelValues(s.ProjectID).Inc()
		if p.Broadcaster != nil {
			p.broadcastArrival(ctx, s)
		}
	}
	return nil
}

// extractBlobs scans a span's Messages and ToolDefinitions JSON for inline
// base64 payloads, stores each above the size floor as a content-addressed
// file, registers it against the owning trace, and rewrites the span's JSON
// in place with sentinel references — all before the span is ever inserted.
func (p *Persister) extractBlobs(ctx context.Context, s *span.NormalizedSpan) error {
	if p.Store == nil || p.Scanner == nil {
		return nil
	}
	if updated, err := p.scanAndStore(ctx, s.ProjectID, s.TraceID, s.Messages); err != nil {
		return err
	} else if updated != nil {
		s.Messages = updated
	}
	if updated, err := p.scanAndStore(ctx, s.ProjectID, s.TraceID, s.ToolDefinitions); err != nil {
		return err
	} else if updated != nil {
		s.ToolDefinitions = updated
	}
	return nil
}

func (p *Persister) scanAndStore(ctx context.Context, projectID, traceID string, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, nil
	}
	result, files, modified := p.Scanner.Scan(decoded)
	if !modified {
		return nil, nil
	}
	for _, f := range files {
		if _, err := p.Store.Put(ctx, projectID, f.Data, f.MediaType, p.QuotaBytes); err != nil {
			return nil, dataerr.Wrap(dataerr.KindBackendFailure, "store extracted file", err)
		}
		if err := p.Store.RegisterTrace(ctx, projectID, traceID, f.Hash); err != nil {
			return nil, dataerr.Wrap(dataerr.KindBackendFailure, "register file trace binding", err)
		}
	}
	reenc, err := json.Marshal(result)
	if err != nil {
		return nil, dataerr.Wrap(dataerr.KindIO, "reencode scanned span JSON", err)
	}
	return json.RawMessage(reenc), nil
}

func (p *Persister) broadcastArrival(ctx context.Context, s *span.NormalizedSpan) {
	payload, err := json.Marshal(SpanArrivedEvent{ProjectID: s.ProjectID, TraceID: s.TraceID, SpanID: s.SpanID, SessionID: s.SessionID})
	if err != nil {
		return
	}
	_ = p.Broadcaster.Publish(ctx, SSETopic(s.ProjectID), payload)
}
