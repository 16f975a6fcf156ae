// Package retention models the batched time/count-based deletion policy
// applied to each analytics backend, and the cascade it drives into the
// transactional and file-storage layers (§4.G).
package retention

import "time"

// Config is the per-project retention policy read at the top of each
// controller tick.
type Config struct {
	ProjectID     string
	MaxAgeMinutes *int64
	MaxSpans      *int64
}

// Limits bound one controller tick, matching §4.G's fixed batching scheme.
const (
	MaxBatchesPerTick  = 10
	SpansPerBatch      = 100_000
	MaxTracePairsPerTick = 10_000
)

// TracePair identifies a trace whose spans were touched by a cleanup
// pass, the unit the cascade (file ref-count decrement, favorites
// deletion) operates on.
type TracePair struct {
	ProjectID string
	TraceID   string
}

// CycleResult summarizes one controller tick for logging and tests.
type CycleResult struct {
	SpansDeleted      int64
	MetricsDeleted    int64
	TracesTouched     []TracePair
	FilesUnlinked     int
	FavoritesDeleted  int64
	Errors            []error // "attempt all steps, collect errors" — see services/retention Run
	Duration          time.Duration
}

// Cutoff computes the time-based deletion boundary for a Config at a
// given instant. Returns false if the config has no age-based policy.
func (c Config) Cutoff(now time.Time) (time.Time, bool) {
	if c.MaxAgeMinutes == nil {
		return time.Time{}, false
	}
	return now.Add(-time.Duration(*c.MaxAgeMinutes) * time.Minute), true
}
