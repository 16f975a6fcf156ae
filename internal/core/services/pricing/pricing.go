// Package pricing implements the LiteLLM-style model cost table: synced
// hourly from a remote JSON document, queried with progressively
// shortened model-name prefixes, and exposed as a read-mostly handle
// behind a RWMutex the way the teacher guards its process-wide caches
// (§4.E step 4, §9 global-state policy).
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"sideseat/internal/core/domain/span"
)

// Entry is one model's pricing row, costs expressed per-million-tokens,
// mirroring the teacher's Model entity fields relevant to cost
// calculation (InputPrice/OutputPrice/CacheReadMultiplier/
// BatchDiscountPercentage), minus the Postgres-row bookkeeping fields
// that don't apply to a synced remote table.
type Entry struct {
	Provider                string  `json:"provider"`
	InputPricePer1M         float64 `json:"input_cost_per_token_1m"`
	OutputPricePer1M        float64 `json:"output_cost_per_token_1m"`
	CacheReadMultiplier     float64 `json:"cache_read_multiplier"`
	CacheWriteMultiplier    float64 `json:"cache_write_multiplier"`
	BatchDiscountPercentage float64 `json:"batch_discount_percentage"`
}

func (e Entry) calculateInputCost(tokens uint64, cacheHit bool) float64 {
	cost := (float64(tokens) / 1_000_000.0) * e.InputPricePer1M
	if cacheHit && e.CacheReadMultiplier > 0 {
		cost *= e.CacheReadMultiplier
	}
	return cost
}

func (e Entry) calculateOutputCost(tokens uint64) float64 {
	return (float64(tokens) / 1_000_000.0) * e.OutputPricePer1M
}

// Service holds the synced table behind a RWMutex, refreshed by Sync on
// a timer owned by the caller (cmd/server wires a ticker calling Sync
// hourly).
type Service struct {
	mu     sync.RWMutex
	table  map[string]Entry
	source string
	client *http.Client
	log    *slog.Logger
}

func New(source string, log *slog.Logger) *Service {
	return &Service{
		table:  map[string]Entry{},
		source: source,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

// Sync fetches the source document and replaces the table atomically.
// Per §4.E's cancellation policy: 30s timeout, three retries, 1s delay.
func (s *Service) Sync(ctx context.Context) error {
	if s.source == "" {
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 3)

	var table map[string]Entry
	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.source, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("pricing sync: unexpected status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		var parsed map[string]Entry
		if err := json.Unmarshal(body, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("pricing sync: decode: %w", err))
		}
		table = parsed
		return nil
	}, policy)
	if err != nil {
		s.log.Warn("pricing sync failed, keeping previous table", "error", err)
		return err
	}

	s.mu.Lock()
	s.table = table
	s.mu.Unlock()
	s.log.Info("pricing table synced", "models", len(table))
	return nil
}

// Lookup resolves a model name to an Entry, trying progressively shorter
// slash/colon/dash-delimited prefixes before giving up (§4.E step 4).
func (s *Service) Lookup(model string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if model == "" {
		return Entry{}, false
	}
	if e, ok := s.table[model]; ok {
		return e, true
	}
	for _, candidate := range shrinkingPrefixes(model) {
		if e, ok := s.table[candidate]; ok {
			return e, true
		}
	}
	return Entry{}, false
}

// shrinkingPrefixes yields model progressively shortened by dropping the
// last "/"-, ":"- or "-"-delimited segment, e.g.
// "bedrock/us.anthropic.claude-3-5-sonnet-20241022-v2:0" →
// "bedrock/us.anthropic.claude-3-5-sonnet-20241022-v2" → ...
func shrinkingPrefixes(model string) []string {
	var out []string
	cur := model
	for {
		idx := strings.LastIndexAny(cur, "/:-")
		if idx <= 0 {
			break
		}
		cur = cur[:idx]
		out = append(out, cur)
	}
	return out
}

// Calculate produces a span.CostBreakdown and the corresponding token
// usage's cost for the given model and usage, applying cache and batch
// discounts the way the teacher's Model.Calculate*Cost methods do.
// Returns (breakdown, unknown=true) when no pricing entry matches.
func Calculate(entry Entry, found bool, usage span.TokenUsage, cacheHit, batchMode bool) (span.CostBreakdown, bool) {
	if !found {
		return span.CostBreakdown{}, true
	}
	inputCost := entry.calculateInputCost(usage.Input, cacheHit)
	outputCost := entry.calculateOutputCost(usage.Output)
	cacheReadCost := entry.calculateInputCost(usage.CacheRead, true)
	cacheWriteCost := (float64(usage.CacheWrite) / 1_000_000.0) * entry.InputPricePer1M * entry.CacheWriteMultiplier
	reasoningCost := entry.calculateOutputCost(usage.Reasoning)

	breakdown := span.CostBreakdown{
		Input:      inputCost,
		Output:     outputCost,
		CacheRead:  cacheReadCost,
		CacheWrite: cacheWriteCost,
		Reasoning:  reasoningCost,
	}
	if batchMode && entry.BatchDiscountPercentage > 0 {
		discount := 1.0 - entry.BatchDiscountPercentage/100.0
		breakdown.Input *= discount
		breakdown.Output *= discount
		breakdown.CacheRead *= discount
		breakdown.CacheWrite *= discount
		breakdown.Reasoning *= discount
	}
	return breakdown, false
}
