package feed

import (
	"context"

	domainfeed "sideseat/internal/core/domain/feed"
	"sideseat/internal/core/domain/span"
)

// Service is the query surface's entry point into reconstruction: it
// fetches the right MessageSpanRow set for the requested scope (one
// span, one trace, or one session) and runs the pipeline over it. It
// depends only on the AnalyticsRepository trait, so it works identically
// over either backend and composes with the dedup decorator (§9).
type Service struct {
	Analytics span.AnalyticsRepository
}

func NewService(analytics span.AnalyticsRepository) *Service {
	return &Service{Analytics: analytics}
}

// SpanFeed reconstructs the conversation carried by a single span.
func (s *Service) SpanFeed(ctx context.Context, projectID, traceID, spanID string, opts domainfeed.FeedOptions) (domainfeed.FeedResult, error) {
	rows, err := s.Analytics.GetMessageSpansByTraceID(ctx, projectID, traceID)
	if err != nil {
		return domainfeed.FeedResult{}, err
	}
	scoped := rows[:0:0]
	for _, r := range rows {
		if r.SpanID == spanID {
			scoped = append(scoped, r)
		}
	}
	return Reconstruct(scoped, opts), nil
}

// TraceFeed reconstructs one trace's conversation. When the trace row's
// precomputed aggregates are available they are preferred over summing
// the surviving rows, per §4.F phase 7 — history stripping must not
// distort the trace's reported totals.
func (s *Service) TraceFeed(ctx context.Context, projectID, traceID string, opts domainfeed.FeedOptions) (domainfeed.FeedResult, error) {
	rows, err := s.Analytics.GetMessageSpansByTraceID(ctx, projectID, traceID)
	if err != nil {
		return domainfeed.FeedResult{}, err
	}
	if opts.PrecomputedTotals == nil {
		if totals := s.traceTotals(ctx, projectID, traceID); totals != nil {
			opts.PrecomputedTotals = totals
		}
	}
	return Reconstruct(rows, opts), nil
}

// SessionFeed reconstructs a whole session. A non-empty targetTraceID
// selects the scoping variant of §4.F: the pipeline runs over the full
// session so cross-trace history is stripped, then the output is
// filtered to the target trace and its tool catalog recomputed.
func (s *Service) SessionFeed(ctx context.Context, projectID, sessionID, targetTraceID string, opts domainfeed.FeedOptions) (domainfeed.FeedResult, error) {
	rows, err := s.Analytics.GetMessageSpansBySessionID(ctx, projectID, sessionID)
	if err != nil {
		return domainfeed.FeedResult{}, err
	}
	if targetTraceID == "" {
		return Reconstruct(rows, opts), nil
	}
	if opts.PrecomputedTotals == nil {
		if totals := s.traceTotals(ctx, projectID, targetTraceID); totals != nil {
			opts.PrecomputedTotals = totals
		}
	}
	return ReconstructSessionScopedToTrace(rows, targetTraceID, opts), nil
}

// traceTotals reads the trace-level aggregates; a lookup failure just
// means the pipeline falls back to summing rows, so errors are swallowed.
func (s *Service) traceTotals(ctx context.Context, projectID, traceID string) *domainfeed.Totals {
	cost, err := s.Analytics.CalculateTotalCost(ctx, span.Filter{
		ProjectID:  projectID,
		Conditions: []span.Condition{{Column: "trace_id", Operator: span.OpEquals, Value: traceID}},
	})
	if err != nil {
		return nil
	}
	tokens, err := s.Analytics.CalculateTotalTokens(ctx, span.Filter{
		ProjectID:  projectID,
		Conditions: []span.Condition{{Column: "trace_id", Operator: span.OpEquals, Value: traceID}},
	})
	if err != nil {
		return nil
	}
	return &domainfeed.Totals{Tokens: tokens, Cost: cost}
}
