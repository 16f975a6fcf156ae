// Package sse exposes realtime.Hub over an HTTP SSE endpoint (§4.H),
// grounded on the teacher's playground stream handler for the
// Content-Type/flush idiom gin needs for a long-lived chunked response.
package sse

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sideseat/internal/core/domain/tx"
	"sideseat/internal/core/services/realtime"
)

// Handler serves GET /v1/projects/:project_id/feed/stream.
type Handler struct {
	Hub  *realtime.Hub
	Repo tx.TransactionalRepository
}

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/v1/projects/:project_id/feed/stream", h.handle)
}

func (h *Handler) handle(c *gin.Context) {
	projectID := c.Param("project_id")
	if _, err := h.Repo.GetProject(c.Request.Context(), projectID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown project"})
		return
	}

	filter := realtime.Filter{
		TraceID:   queryPtr(c, "trace_id"),
		SessionID: queryPtr(c, "session_id"),
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	out := make(chan realtime.Event, 16)
	ctx := c.Request.Context()

	go func() {
		_ = h.Hub.Serve(ctx, "project."+projectID, filter, out)
		close(out)
	}()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-out:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Kind), string(ev.Data))
			c.Writer.Flush()
			return ev.Kind != realtime.EventTerminate
		case <-time.After(35 * time.Second):
			return ctx.Err() == nil
		}
	})
}

func queryPtr(c *gin.Context, key string) *string {
	v, ok := c.GetQuery(key)
	if !ok || v == "" {
		return nil
	}
	return &v
}
