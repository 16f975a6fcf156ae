package http

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"

	"sideseat/internal/core/domain/apierr"
	"sideseat/internal/core/domain/topic"
	"sideseat/internal/core/domain/tx"
	"sideseat/internal/core/services/ingest"
	"sideseat/internal/infrastructure/otlp/debugdump"
)

// MetricsHandler accepts OTLP/HTTP metrics export requests and
// broadcasts them fire-and-forget (§4.D): a dropped batch is
// acceptable, and the metrics consumer normalizes whatever arrives.
type MetricsHandler struct {
	Repo      tx.TransactionalRepository
	Broadcast topic.Broadcaster
	Log       Logger
	Debug     *debugdump.Writer
}

func (h *MetricsHandler) Register(r gin.IRoutes) {
	r.POST("/v1/metrics", h.handle)
}

func (h *MetricsHandler) handle(c *gin.Context) {
	project, err := resolveProject(c.Request.Context(), h.Repo, c.Request)
	if err != nil {
		writeAuthError(c, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxExportBodyBytes))
	if err != nil {
		writeAPIErr(c, apierr.BadRequest("BODY_READ_FAILED", "failed to read request body"))
		return
	}

	jsonBody := body
	if isProtobuf(c.GetHeader("Content-Type")) {
		var req colmetricspb.ExportMetricsServiceRequest
		if err := proto.Unmarshal(body, &req); err != nil {
			writeAPIErr(c, apierr.BadRequest(apierr.CodeBatchTooLarge, "malformed OTLP metrics export request"))
			return
		}
		if jsonBody, err = protojson.Marshal(&req); err != nil {
			writeAPIErr(c, apierr.Internal("ENVELOPE_ENCODE_FAILED", "failed to encode metrics body"))
			return
		}
	}

	if err := h.Debug.Write(debugdump.Entry{ReceivedAt: time.Now(), ProjectID: project.ID.String(), Signal: "metrics", Body: jsonBody}); err != nil {
		h.Log.Warn("otlp http: debug mirror write failed", "error", err)
	}

	env := ingest.Envelope{ProjectID: project.ID.String(), Body: jsonBody}
	payload, err := jsonMarshal(env)
	if err != nil {
		writeAPIErr(c, apierr.Internal("ENVELOPE_ENCODE_FAILED", "failed to encode envelope"))
		return
	}
	if err := h.Broadcast.Publish(c.Request.Context(), ingest.MetricsTopic, payload); err != nil {
		h.Log.Warn("otlp http: metrics publish failed", "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"partialSuccess": gin.H{}})
}
