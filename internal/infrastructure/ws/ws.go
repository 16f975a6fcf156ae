// Package ws exposes realtime.Hub over a raw WebSocket endpoint,
// grounded on the teacher's websocket handler (gorilla/websocket
// Upgrader with a permissive CheckOrigin, one goroutine per connection
// pumping hub events into the socket). SSE (§4.H) is the feed's primary
// transport; this is the alternative transport cmd/livetail dials.
package ws

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"sideseat/internal/core/domain/tx"
	"sideseat/internal/core/services/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler serves GET /v1/projects/:project_id/feed/ws.
type Handler struct {
	Hub  *realtime.Hub
	Repo tx.TransactionalRepository
	Log  *slog.Logger
}

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/v1/projects/:project_id/feed/ws", h.handle)
}

func (h *Handler) handle(c *gin.Context) {
	projectID := c.Param("project_id")
	if _, err := h.Repo.GetProject(c.Request.Context(), projectID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown project"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.Log != nil {
			h.Log.Warn("websocket upgrade failed", "error", err)
		}
		return
	}
	defer conn.Close()

	filter := realtime.Filter{
		TraceID:   queryPtr(c, "trace_id"),
		SessionID: queryPtr(c, "session_id"),
	}

	ctx := c.Request.Context()
	out := make(chan realtime.Event, 16)
	go func() {
		_ = h.Hub.Serve(ctx, "project."+projectID, filter, out)
		close(out)
	}()

	for ev := range out {
		if err := conn.WriteMessage(websocket.TextMessage, ev.Data); err != nil {
			return
		}
		if ev.Kind == realtime.EventTerminate {
			return
		}
	}
}

func queryPtr(c *gin.Context, key string) *string {
	v, ok := c.GetQuery(key)
	if !ok || v == "" {
		return nil
	}
	return &v
}
