package query

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"sideseat/internal/core/domain/apierr"
	"sideseat/internal/core/domain/common"
	"sideseat/internal/core/domain/dataerr"
	domainfeed "sideseat/internal/core/domain/feed"
	"sideseat/internal/core/domain/sideml"
	"sideseat/internal/core/domain/span"
	"sideseat/internal/core/domain/tx"
	fsservice "sideseat/internal/core/services/filestore"
	"sideseat/internal/core/services/feed"
)

// Handler wires the query surface's routes. Feed, Files and Cache are
// the three core services §2 says the query surface invokes
// synchronously; Analytics is always the dedup-decorated repository so
// retried OTLP batches never surface duplicate rows (§8 idempotent
// ingestion).
type Handler struct {
	Analytics span.AnalyticsRepository
	Feed      *feed.Service
	Files     *fsservice.Service
	Tx        tx.TransactionalRepository
	Cache     common.RedisClient
	Log       *slog.Logger
}

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/v1/projects/:project_id/traces", h.listTraces)
	r.GET("/v1/projects/:project_id/traces/:trace_id", h.getTrace)
	r.GET("/v1/projects/:project_id/traces/:trace_id/messages", h.traceMessages)
	r.DELETE("/v1/projects/:project_id/traces", h.deleteTraces)

	r.GET("/v1/projects/:project_id/sessions", h.listSessions)
	r.GET("/v1/projects/:project_id/sessions/:session_id/messages", h.sessionMessages)

	r.GET("/v1/projects/:project_id/spans", h.listSpans)
	r.GET("/v1/projects/:project_id/spans/:trace_id/:span_id", h.getSpan)
	r.GET("/v1/projects/:project_id/spans/:trace_id/:span_id/messages", h.spanMessages)

	r.GET("/v1/projects/:project_id/filter-options", h.filterOptions)
	r.GET("/v1/projects/:project_id/stats", h.stats)

	r.GET("/v1/projects/:project_id/files/:hash", h.getFile)
	r.HEAD("/v1/projects/:project_id/files/:hash", h.headFile)

	h.registerPresets(r)
}

// resolveProject validates the path project and returns its id; every
// query route runs through it so an unknown project is a uniform 404.
func (h *Handler) resolveProject(c *gin.Context) (string, bool) {
	projectID := c.Param("project_id")
	if _, err := h.Tx.GetProject(c.Request.Context(), projectID); err != nil {
		if errors.Is(err, dataerr.ErrNotFound) {
			writeErr(c, apierr.NotFound("PROJECT_NOT_FOUND", "unknown project"))
		} else {
			writeErr(c, apierr.Internal("PROJECT_LOOKUP_FAILED", "project lookup failed"))
		}
		return "", false
	}
	return projectID, true
}

// parseListFilter assembles the shared listing inputs: filter DSL,
// order_by, pagination.
func (h *Handler) parseListFilter(c *gin.Context, projectID string) (span.Filter, bool) {
	conditions, aerr := parseFilters(c.Query("filters"))
	if aerr != nil {
		writeErr(c, aerr)
		return span.Filter{}, false
	}
	orderBy, aerr := parseOrderBy(c.Query("order_by"))
	if aerr != nil {
		writeErr(c, aerr)
		return span.Filter{}, false
	}
	limit, offset := parsePagination(c.Query("page"), c.Query("limit"))
	return span.Filter{
		ProjectID:  projectID,
		Conditions: conditions,
		OrderBy:    orderBy,
		Limit:      limit,
		Offset:     offset,
	}, true
}

func (h *Handler) listTraces(c *gin.Context) {
	projectID, ok := h.resolveProject(c)
	if !ok {
		return
	}
	f, ok := h.parseListFilter(c, projectID)
	if !ok {
		return
	}
	rows, err := h.Analytics.ListTraces(c.Request.Context(), f)
	if err != nil {
		writeDataErr(c, h.Log, "list traces", err)
		return
	}
	total, err := h.Analytics.CountTraces(c.Request.Context(), f)
	if err != nil {
		writeDataErr(c, h.Log, "count traces", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "total": total})
}

func (h *Handler) getTrace(c *gin.Context) {
	projectID, ok := h.resolveProject(c)
	if !ok {
		return
	}
	traceID := c.Param("trace_id")
	spans, err := h.Analytics.GetSpansByTraceID(c.Request.Context(), projectID, traceID)
	if err != nil {
		writeDataErr(c, h.Log, "get trace", err)
		return
	}
	if len(spans) == 0 {
		writeErr(c, apierr.NotFound("TRACE_NOT_FOUND", "unknown trace"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"trace_id": traceID, "spans": spans})
}

func (h *Handler) traceMessages(c *gin.Context) {
	projectID, ok := h.resolveProject(c)
	if !ok {
		return
	}
	opts, ok := h.parseFeedOptions(c)
	if !ok {
		return
	}
	result, err := h.Feed.TraceFeed(c.Request.Context(), projectID, c.Param("trace_id"), opts)
	if err != nil {
		writeDataErr(c, h.Log, "trace feed", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) listSessions(c *gin.Context) {
	projectID, ok := h.resolveProject(c)
	if !ok {
		return
	}
	f, ok := h.parseListFilter(c, projectID)
	if !ok {
		return
	}
	rows, err := h.Analytics.ListSessions(c.Request.Context(), f)
	if err != nil {
		writeDataErr(c, h.Log, "list sessions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

func (h *Handler) sessionMessages(c *gin.Context) {
	projectID, ok := h.resolveProject(c)
	if !ok {
		return
	}
	opts, ok := h.parseFeedOptions(c)
	if !ok {
		return
	}
	// An optional trace_id query selects the §4.F scoping variant: the
	// pipeline still runs over the whole session so cross-trace history
	// is stripped, but only the target trace's blocks are returned.
	result, err := h.Feed.SessionFeed(c.Request.Context(), projectID, c.Param("session_id"), c.Query("trace_id"), opts)
	if err != nil {
		writeDataErr(c, h.Log, "session feed", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) listSpans(c *gin.Context) {
	projectID, ok := h.resolveProject(c)
	if !ok {
		return
	}
	f, ok := h.parseListFilter(c, projectID)
	if !ok {
		return
	}
	rows, err := h.Analytics.QuerySpans(c.Request.Context(), f)
	if err != nil {
		writeDataErr(c, h.Log, "list spans", err)
		return
	}
	total, err := h.Analytics.CountSpans(c.Request.Context(), f)
	if err != nil {
		writeDataErr(c, h.Log, "count spans", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "total": total})
}

func (h *Handler) getSpan(c *gin.Context) {
	projectID, ok := h.resolveProject(c)
	if !ok {
		return
	}
	s, err := h.Analytics.GetSpan(c.Request.Context(), projectID, c.Param("trace_id"), c.Param("span_id"))
	if err != nil {
		if errors.Is(err, dataerr.ErrNotFound) {
			writeErr(c, apierr.NotFound("SPAN_NOT_FOUND", "unknown span"))
			return
		}
		writeDataErr(c, h.Log, "get span", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) spanMessages(c *gin.Context) {
	projectID, ok := h.resolveProject(c)
	if !ok {
		return
	}
	opts, ok := h.parseFeedOptions(c)
	if !ok {
		return
	}
	result, err := h.Feed.SpanFeed(c.Request.Context(), projectID, c.Param("trace_id"), c.Param("span_id"), opts)
	if err != nil {
		writeDataErr(c, h.Log, "span feed", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) parseFeedOptions(c *gin.Context) (domainfeed.FeedOptions, bool) {
	opts := domainfeed.FeedOptions{
		IncludeToolDefs: true,
		IncludeHistory:  c.Query("include_history") == "true",
	}
	if role := c.Query("role"); role != "" {
		switch r := sideml.Role(role); r {
		case sideml.RoleUser, sideml.RoleAssistant, sideml.RoleSystem, sideml.RoleTool:
			opts.RoleFilter = &r
		default:
			writeErr(c, apierr.BadRequest("INVALID_ROLE_FILTER", "role must be one of user, assistant, system, tool"))
			return opts, false
		}
	}
	return opts, true
}

// deleteTracesRequest is the batched delete body: at most maxDeleteIDs
// trace ids per request (§6).
type deleteTracesRequest struct {
	TraceIDs []string `json:"trace_ids"`
}

const maxDeleteIDs = 100

func (h *Handler) deleteTraces(c *gin.Context) {
	projectID, ok := h.resolveProject(c)
	if !ok {
		return
	}
	var req deleteTracesRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.TraceIDs) == 0 {
		writeErr(c, apierr.BadRequest("INVALID_DELETE_BODY", "body must carry a non-empty trace_ids array"))
		return
	}
	if len(req.TraceIDs) > maxDeleteIDs {
		writeErr(c, apierr.BadRequest(apierr.CodeTooManyIDs, "at most 100 trace ids per delete request"))
		return
	}

	deleted := 0
	for _, traceID := range req.TraceIDs {
		if err := h.Analytics.DeleteTrace(c.Request.Context(), projectID, traceID); err != nil {
			writeDataErr(c, h.Log, "delete trace", err)
			return
		}
		deleted++
	}

	// File and favorite cascade follow §7's policy: cleanup failures
	// never fail the deletion, they warn-log.
	h.cascadeDelete(c.Request.Context(), projectID, req.TraceIDs)

	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *Handler) cascadeDelete(ctx context.Context, projectID string, traceIDs []string) {
	if h.Files != nil {
		if _, err := h.Files.CleanupTraces(ctx, projectID, traceIDs); err != nil {
			h.Log.Warn("trace delete: file cleanup failed", "project_id", projectID, "error", err)
		}
	}
	if err := h.Tx.DeleteFavoritesForTraces(ctx, projectID, traceIDs); err != nil {
		h.Log.Warn("trace delete: favorites cleanup failed", "project_id", projectID, "error", err)
	}
}

func (h *Handler) filterOptions(c *gin.Context) {
	projectID, ok := h.resolveProject(c)
	if !ok {
		return
	}
	opts, err := h.Analytics.GetFilterOptions(c.Request.Context(), projectID)
	if err != nil {
		writeDataErr(c, h.Log, "filter options", err)
		return
	}
	c.JSON(http.StatusOK, opts)
}

func writeErr(c *gin.Context, apiErr *apierr.Error) {
	c.JSON(int(apiErr.Status), gin.H{
		"error": gin.H{"code": apiErr.Code, "message": apiErr.Message},
	})
	c.Abort()
}

// writeDataErr maps repository failures onto the API taxonomy: transient
// data errors surface as 503 so clients retry, the rest as 500.
func writeDataErr(c *gin.Context, log *slog.Logger, op string, err error) {
	if log != nil {
		log.Error("query: "+op+" failed", "error", err)
	}
	var derr *dataerr.Error
	if errors.As(err, &derr) && derr.IsTransient() {
		writeErr(c, apierr.Unavailable("STORAGE_UNAVAILABLE", "storage temporarily unavailable"))
		return
	}
	writeErr(c, apierr.Internal("STORAGE_FAILED", "storage query failed"))
}
