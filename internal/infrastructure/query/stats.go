package query

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"sideseat/internal/core/domain/apierr"
	"sideseat/internal/core/domain/span"
)

// Stats cache tiers (§6): recent windows churn as spans arrive, so they
// get a short TTL; windows that closed long ago are stable and cache
// longer. A window extending into the future is never cached — it will
// be wrong the moment the next span lands.
const (
	statsRecentTTL     = 120 * time.Second
	statsHistoricalTTL = 10 * time.Minute

	// statsHistoricalAge is how far in the past a window's end must be
	// to qualify for the long TTL.
	statsHistoricalAge = time.Hour
)

// statsCacheKey is version-prefixed (§6 cache keying) so a ProjectStats
// shape change invalidates by key drift instead of a flush.
func statsCacheKey(projectID string, from, to time.Time, bucket time.Duration) string {
	return fmt.Sprintf("v1:stats:%s:%d:%d:%d", projectID, from.UnixMilli(), to.UnixMilli(), int64(bucket/time.Second))
}

func (h *Handler) stats(c *gin.Context) {
	projectID, ok := h.resolveProject(c)
	if !ok {
		return
	}

	from, to, aerr := parseStatsWindow(c.Query("from_timestamp"), c.Query("to_timestamp"))
	if aerr != nil {
		writeErr(c, aerr)
		return
	}
	bucket := bucketForWindow(to.Sub(from))
	now := time.Now().UTC()

	key := statsCacheKey(projectID, from, to, bucket)
	cacheable := to.Before(now)
	if cacheable && h.Cache != nil {
		if raw, err := h.Cache.Get(c.Request.Context(), key); err == nil && raw != "" {
			var cached span.ProjectStats
			if json.Unmarshal([]byte(raw), &cached) == nil {
				c.JSON(http.StatusOK, &cached)
				return
			}
		}
	}

	stats, err := h.Analytics.GetProjectStats(c.Request.Context(), projectID, from, to, bucket)
	if err != nil {
		writeDataErr(c, h.Log, "project stats", err)
		return
	}

	if cacheable && h.Cache != nil {
		ttl := statsRecentTTL
		if now.Sub(to) > statsHistoricalAge {
			ttl = statsHistoricalTTL
		}
		// Cache failures never fail the request (§7) — the set result
		// is simply ignored.
		_ = h.Cache.Set(c.Request.Context(), key, mustJSON(stats), ttl)
	}

	c.JSON(http.StatusOK, stats)
}

// parseStatsWindow decodes from/to as unix milliseconds, defaulting to
// the trailing 24 hours.
func parseStatsWindow(fromRaw, toRaw string) (from, to time.Time, aerr *apierr.Error) {
	now := time.Now().UTC()
	to = now
	from = now.Add(-24 * time.Hour)
	if toRaw != "" {
		ms, err := strconv.ParseInt(toRaw, 10, 64)
		if err != nil {
			return from, to, apierr.BadRequest("INVALID_TIMESTAMP", "to_timestamp must be unix milliseconds")
		}
		to = time.UnixMilli(ms).UTC()
	}
	if fromRaw != "" {
		ms, err := strconv.ParseInt(fromRaw, 10, 64)
		if err != nil {
			return from, to, apierr.BadRequest("INVALID_TIMESTAMP", "from_timestamp must be unix milliseconds")
		}
		from = time.UnixMilli(ms).UTC()
	}
	if !from.Before(to) {
		return from, to, apierr.BadRequest("INVALID_WINDOW", "from_timestamp must precede to_timestamp")
	}
	return from, to, nil
}

// bucketForWindow picks a coarser trend bucket as the window grows: one
// minute up to 2h, 30 minutes up to 48h, 6 hours up to 14 days, and one
// day beyond that.
func bucketForWindow(window time.Duration) time.Duration {
	switch {
	case window <= 2*time.Hour:
		return time.Minute
	case window <= 48*time.Hour:
		return 30 * time.Minute
	case window <= 14*24*time.Hour:
		return 6 * time.Hour
	default:
		return 24 * time.Hour
	}
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
