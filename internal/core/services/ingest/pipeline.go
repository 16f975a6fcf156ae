// Package ingest implements the extract → normalize → enrich → persist
// trace pipeline (§4.E): a consumer pulls OTLP batches off the stream
// topic under a fixed consumer group, runs each through Extract/
// normalizeMessages/Enrich/Persist, and acks only once every span in the
// batch is durably written — matching at-least-once delivery semantics
// and the claim-loop recovery pipeline.rs documents for stuck consumers.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"sideseat/internal/core/domain/span"
	"sideseat/internal/core/domain/topic"
	"sideseat/internal/core/services/pricing"
)

// ConsumerGroup names the stream consumer group every ingest worker
// joins, matching original_source's CONSUMER_GROUP="trace_pipeline".
const ConsumerGroup = "trace_pipeline"

// IngestTopic is the stream topic OTLP collectors publish raw batches to.
const IngestTopic = "otlp.spans"

// Envelope is the wire format the OTLP collector publishes to the
// ingest topic: the project resolved from the ingestion credential plus
// the raw OTLP export request body.
type Envelope struct {
	ProjectID string          `json:"project_id"`
	Body      json.RawMessage `json:"body"`
}

type otlpRequest struct {
	ResourceSpans []ResourceSpans `json:"resourceSpans"`
}

// Service runs the consumer loop and claim loop against a topic.Stream,
// dispatching each message through the extract/normalize/enrich/persist
// stages.
type Service struct {
	Stream   topic.Stream
	Persist  *Persister
	Pricer   *pricing.Service
	Log      *slog.Logger
	identity topic.ConsumerIdentity
	claimCfg topic.ClaimLoopConfig
}

// NewService builds a Service with a fresh {uuid}:{pid} consumer
// identity (§9) so a restarted process claims whatever its previous
// incarnation left pending rather than colliding with it.
func NewService(stream topic.Stream, persist *Persister, pricer *pricing.Service, log *slog.Logger) *Service {
	return &Service{
		Stream:   stream,
		Persist:  persist,
		Pricer:   pricer,
		Log:      log,
		identity: topic.NewConsumerIdentity(ConsumerGroup, uuid.NewString(), os.Getpid()),
		claimCfg: topic.DefaultClaimLoopConfig(),
	}
}

// Run drives the consumer loop and claim loop concurrently until ctx is
// canceled.
func (s *Service) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- s.consumeLoop(ctx) }()
	go func() { errCh <- s.claimLoop(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Service) consumeLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := s.Stream.Read(ctx, IngestTopic, s.identity, 50, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.Log.Warn("ingest: stream read failed", "error", err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		s.processAndAck(ctx, msgs)
	}
}

// claimLoop periodically reclaims messages that were delivered but never
// acked (a worker crashed mid-batch), per §4.E / the default
// ClaimLoopConfig (30s interval, 60s min idle, 100 per sweep).
func (s *Service) claimLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.claimCfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runClaimSweep(ctx)
		}
	}
}

func (s *Service) runClaimSweep(ctx context.Context) {
	pending, err := s.Stream.ListPending(ctx, IngestTopic, ConsumerGroup, s.claimCfg.MinIdle, s.claimCfg.MaxCount)
	if err != nil {
		s.Log.Warn("ingest: list pending failed", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}
	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}
	claimed, err := s.Stream.Claim(ctx, IngestTopic, s.identity, ids, s.claimCfg.MinIdle)
	if err != nil {
		s.Log.Warn("ingest: claim failed", "error", err)
		return
	}
	if len(claimed) > 0 {
		s.Log.Info("ingest: claimed stuck messages", "count", len(claimed))
		s.processAndAck(ctx, claimed)
	}
}

// processAndAck processes every message and acks only the ones that
// either succeeded or are permanently malformed (poison messages).
// Messages that failed on a backend write are left unacked so the claim
// loop redelivers them once they go idle — retrying a transient storage
// failure is safe since Persist is fully idempotent key-wise.
func (s *Service) processAndAck(ctx context.Context, msgs []topic.Message) {
	acked := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		poison, err := s.processOne(ctx, msg)
		if err != nil {
			s.Log.Error("ingest: message processing failed", "message_id", msg.ID, "error", err, "poison", poison)
			if !poison {
				continue
			}
		}
		acked = append(acked, msg.ID)
	}
	if len(acked) == 0 {
		return
	}
	if err := s.Stream.Ack(ctx, IngestTopic, s.identity, acked...); err != nil {
		s.Log.Warn("ingest: ack failed", "error", err)
	}
}

// processOne runs one envelope through the pipeline. poison is true when
// the failure is unrecoverable by retrying (malformed JSON) rather than
// a transient backend error.
func (s *Service) processOne(ctx context.Context, msg topic.Message) (poison bool, err error) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return true, err
	}
	var req otlpRequest
	if err := json.Unmarshal(env.Body, &req); err != nil {
		return true, err
	}

	now := time.Now()
	var extractedSpans []ExtractedSpan
	for _, rs := range req.ResourceSpans {
		spans, errs, mismatch := Extract(rs, env.ProjectID, now)
		if mismatch != "" {
			s.Log.Warn("ingest: batch resource project_id overridden by credential-resolved project",
				"claimed", mismatch, "project_id", env.ProjectID)
		}
		for _, e := range errs {
			s.Log.Warn("ingest: dropping malformed span", "error", e)
		}
		extractedSpans = append(extractedSpans, spans...)
	}

	result := make([]*span.NormalizedSpan, 0, len(extractedSpans))
	for i := range extractedSpans {
		es := &extractedSpans[i]
		tools := extractToolDefinitions(es.Attrs)
		messages := normalizeMessages(es.Messages, es.Attrs)
		result = append(result, Enrich(es, messages, tools, s.Pricer))
	}

	if err := s.Persist.Persist(ctx, result); err != nil {
		return false, err
	}
	return true, nil
}
