package http

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"sideseat/internal/core/domain/apierr"
	"sideseat/internal/core/domain/topic"
	"sideseat/internal/core/domain/tx"
	"sideseat/internal/core/services/ingest"
	"sideseat/internal/infrastructure/otlp/debugdump"
)

// TraceHandler serves OTLP/HTTP trace export requests (§4.D): it
// authenticates the credential, normalizes the body to the JSON shape
// ingest.Extract expects regardless of wire encoding, and publishes the
// envelope to the trace-pipeline stream with bounded retry.
type TraceHandler struct {
	Repo   tx.TransactionalRepository
	Stream topic.Stream
	Log    Logger
	Debug  *debugdump.Writer // nil disables the raw-batch mirror
}

// Logger is the minimal slog.Logger surface the handlers need, kept
// narrow so tests can supply a stub without pulling in log/slog.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func (h *TraceHandler) Register(r gin.IRoutes) {
	r.POST("/v1/traces", h.handle)
}

func (h *TraceHandler) handle(c *gin.Context) {
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

	jsonBody, err := normalizeTraceBody(c.GetHeader("Content-Type"), body)
	if err != nil {
		writeAPIErr(c, apierr.BadRequest(apierr.CodeBatchTooLarge, "malformed OTLP trace export request"))
		return
	}

	if err := h.Debug.Write(debugdump.Entry{ReceivedAt: time.Now(), ProjectID: project.ID.String(), Signal: "traces", Body: jsonBody}); err != nil {
		h.Log.Warn("otlp http: debug mirror write failed", "error", err)
	}

	env := ingest.Envelope{ProjectID: project.ID.String(), Body: jsonBody}
	payload, err := jsonMarshal(env)
	if err != nil {
		writeAPIErr(c, apierr.Internal("ENVELOPE_ENCODE_FAILED", "failed to encode envelope"))
		return
	}

	if err := h.publishWithRetry(c.Request.Context(), payload); err != nil {
		h.Log.Error("otlp http: publish failed", "error", err)
		writeAPIErr(c, apierr.Unavailable(apierr.CodeStreamUnavailable, "trace stream unavailable"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"partialSuccess": gin.H{}})
}

// publishWithRetry retries a transient stream publish failure with
// bounded exponential backoff (at most four retries) so a momentary
// broker hiccup doesn't surface as a dropped batch to the exporter.
func (h *TraceHandler) publishWithRetry(ctx context.Context, payload []byte) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(func() error {
		_, err := h.Stream.Publish(ctx, ingest.IngestTopic, payload)
		return err
	}, policy)
}

// normalizeTraceBody converts an OTLP/HTTP request body — JSON already
// matching ingest's camelCase wire shape, or protobuf per the OTLP spec
// — into the JSON form the pipeline unmarshals.
func normalizeTraceBody(contentType string, body []byte) ([]byte, error) {
	if isProtobuf(contentType) {
		var req coltracepb.ExportTraceServiceRequest
		if err := proto.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		return protojson.Marshal(&req)
	}
	return body, nil
}

const maxExportBodyBytes = 32 << 20 // 32MiB, matches §4.D batch-size ceiling
