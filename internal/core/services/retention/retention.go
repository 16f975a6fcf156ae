// Package retention implements the background batched-delete cycle and
// its file/favorite cascade (§4.G), grounded on original_source's
// data/duckdb/retention.rs (batch sizing, time- and count-based cleanup)
// and data/cleanup.rs's "attempt every step, collect errors" policy.
package retention

import (
	"context"
	"log/slog"
	"time"

	"sideseat/internal/core/domain/filestore"
	domainretention "sideseat/internal/core/domain/retention"
	"sideseat/internal/core/domain/span"
	"sideseat/internal/core/domain/tx"
	"sideseat/pkg/metrics"
)

// Service runs one project's retention cycle on demand; cmd/worker wires
// a ticker that calls Run for every project with a Config on a fixed
// interval, the way the teacher's background workers are scheduled.
type Service struct {
	Analytics span.AnalyticsRepository
	Files     filestore.Repository
	Blobs     filestore.BlobStore
	Tx        tx.TransactionalRepository
	Log       *slog.Logger
}

// Run executes one retention cycle for a project: time-based cleanup,
// then count-based cleanup, then the file/favorite cascade over every
// trace either step touched. Every step is attempted even if an earlier
// one failed, and all errors are returned together — deletion here is a
// best-effort background job, not a transaction the caller can retry
// wholesale.
func (s *Service) Run(ctx context.Context, cfg domainretention.Config) domainretention.CycleResult {
	start := time.Now()
	result := domainretention.CycleResult{}
	now := start

	traceSet := map[domainretention.TracePair]bool{}

	if cutoff, ok := cfg.Cutoff(now); ok {
		deleted, touched, err := s.deleteBatched(ctx, cfg.ProjectID, cutoff)
		result.SpansDeleted += deleted
		addTraces(traceSet, cfg.ProjectID, touched)
		if err != nil {
			result.Errors = append(result.Errors, err)
		}
	}

	if cfg.MaxSpans != nil {
		deleted, touched, err := s.deleteExcess(ctx, cfg.ProjectID, *cfg.MaxSpans)
		result.SpansDeleted += deleted
		addTraces(traceSet, cfg.ProjectID, touched)
		if err != nil {
			result.Errors = append(result.Errors, err)
		}
	}

	// Metrics age out on the same cutoff as spans (§4.G metrics cleanup).
	if cutoff, ok := cfg.Cutoff(now); ok {
		for i := 0; i < domainretention.MaxBatchesPerTick; i++ {
			deleted, err := s.Analytics.DeleteMetricsOlderThan(ctx, cfg.ProjectID, cutoff, domainretention.SpansPerBatch)
			result.MetricsDeleted += deleted
			if err != nil {
				result.Errors = append(result.Errors, err)
				break
			}
			if deleted == 0 {
				break
			}
		}
	}

	// Checkpoint after any deletion to free space (§4.G); skipping when
	// nothing was deleted keeps idle ticks cheap.
	if result.SpansDeleted > 0 || result.MetricsDeleted > 0 {
		if err := s.Analytics.Checkpoint(ctx); err != nil {
			result.Errors = append(result.Errors, err)
		}
	}

	if len(traceSet) > 0 {
		traceIDs := make([]string, 0, len(traceSet))
		pairs := make([]domainretention.TracePair, 0, len(traceSet))
		for pair := range traceSet {
			traceIDs = append(traceIDs, pair.TraceID)
			pairs = append(pairs, pair)
		}
		result.TracesTouched = pairs

		unlinked, err := s.cascadeFiles(ctx, cfg.ProjectID, traceIDs)
		result.FilesUnlinked = unlinked
		if err != nil {
			result.Errors = append(result.Errors, err)
		}

		if s.Tx != nil {
			if err := s.Tx.DeleteFavoritesForTraces(ctx, cfg.ProjectID, traceIDs); err != nil {
				result.Errors = append(result.Errors, err)
			} else {
				result.FavoritesDeleted = int64(len(traceIDs))
			}
		}
	}

	result.Duration = time.Since(start)
	metrics.RetentionCycleDuration.Observe(result.Duration.Seconds())
	if result.SpansDeleted > 0 {
		metrics.RetentionSpansDeleted.WithLabelValues(cfg.ProjectID).Add(float64(result.SpansDeleted))
	}
	if s.Log != nil {
		s.Log.Info("retention cycle complete",
			"project_id", cfg.ProjectID,
			"spans_deleted", result.SpansDeleted,
			"traces_touched", len(result.TracesTouched),
			"files_unlinked", result.FilesUnlinked,
			"errors", len(result.Errors),
			"duration", result.Duration,
		)
	}
	return result
}

func addTraces(set map[domainretention.TracePair]bool, projectID string, rows []span.TraceRow) {
	for _, r := range rows {
		set[domainretention.TracePair{ProjectID: projectID, TraceID: r.TraceID}] = true
	}
}

// deleteBatched implements the time-based cleanup path: collect the
// affected traces before deleting (the cascade's input), then delete in
// capped batches, matching retention.rs's MAX_TIME_CLEANUP_BATCHES /
// RETENTION_BATCH_SIZE constants (domainretention.MaxBatchesPerTick /
// SpansPerBatch).
func (s *Service) deleteBatched(ctx context.Context, projectID string, cutoff time.Time) (int64, []span.TraceRow, error) {
	touched, err := s.Analytics.ListTraces(ctx, span.Filter{
		ProjectID: projectID,
		Until:     &cutoff,
		Limit:     domainretention.MaxTracePairsPerTick,
	})
	if err != nil {
		return 0, nil, err
	}

	var total int64
	for i := 0; i < domainretention.MaxBatchesPerTick; i++ {
		deleted, err := s.Analytics.DeleteOlderThan(ctx, projectID, cutoff, domainretention.SpansPerBatch)
		total += deleted
		if err != nil {
			return total, touched, err
		}
		if deleted == 0 {
			break
		}
	}
	return total, touched, nil
}

// deleteExcess implements count-based cleanup: find the timestamp
// boundary past which the project holds no more than maxSpans, then
// delegate to the same time-based delete path retention.rs's
// cleanup_by_count also ultimately expresses as a DELETE ... ORDER BY
// timestamp_start query. This collapses two SQL paths in the original
// into one repository primitive (DeleteOlderThan) at the cost of one
// extra boundary-finding query — a deliberate simplification recorded in
// DESIGN.md.
func (s *Service) deleteExcess(ctx context.Context, projectID string, maxSpans int64) (int64, []span.TraceRow, error) {
	count, err := s.Analytics.CountSpans(ctx, span.Filter{ProjectID: projectID})
	if err != nil {
		return 0, nil, err
	}
	if count <= maxSpans {
		return 0, nil, nil
	}
	excess := count - maxSpans

	boundary, err := s.Analytics.QuerySpans(ctx, span.Filter{
		ProjectID: projectID,
		OrderBy:   &span.OrderBy{Column: "timestamp_start", Desc: false},
		Limit:     1,
		Offset:    int(excess - 1),
	})
	if err != nil || len(boundary) == 0 {
		return 0, nil, err
	}
	cutoff := boundary[0].TimestampStart.Add(time.Nanosecond)
	return s.deleteBatched(ctx, projectID, cutoff)
}

// cascadeFiles implements §4.C/§4.G's file cascade: decrement every
// referenced file's ref count for the deleted traces, then remove the
// metadata and unlink the bytes of any hash whose count reached zero.
func (s *Service) cascadeFiles(ctx context.Context, projectID string, traceIDs []string) (int, error) {
	if s.Files == nil {
		return 0, nil
	}
	zeroed, err := s.Files.DecrementRefs(ctx, projectID, traceIDs)
	if err != nil {
		return 0, err
	}
	// Metadata goes first, on-disk bytes second (§4.C): a crash between
	// the two leaves an unreferenced file for a later sweep, never a
	// metadata row pointing at bytes that are already gone.
	unlinked := 0
	var firstErr error
	for _, hash := range zeroed {
		if err := s.Files.Delete(ctx, projectID, hash); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if s.Blobs != nil {
			if err := s.Blobs.Unlink(ctx, hash); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		unlinked++
	}
	return unlinked, firstErr
}
