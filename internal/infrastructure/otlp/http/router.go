package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sideseat/internal/core/domain/topic"
	"sideseat/internal/core/domain/tx"
	"sideseat/internal/infrastructure/otlp/debugdump"
)

// slogAdapter satisfies Logger with a *slog.Logger, the way every other
// new package in this tree takes its logger.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }

// NewRouter builds the gin engine serving the OTLP/HTTP collector
// (§4.D): /v1/traces, /v1/metrics, /v1/logs, each authenticating via
// the ingestion credential and publishing traces onto the stream topic
// and metrics and logs onto the broadcast topic, plus
// /healthz and a Prometheus /metrics endpoint exposing the ingest/feed/
// retention collectors in pkg/metrics.
// debugDir, if non-empty, enables the raw-batch JSONL mirror.
func NewRouter(repo tx.TransactionalRepository, stream topic.Stream, broadcast topic.Broadcaster, log *slog.Logger, debugDir string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowMethods = []string{http.MethodPost, http.MethodOptions}
	corsCfg.AllowHeaders = []string{"Content-Type", "Authorization", "api-key", "x-api-key"}
	corsCfg.MaxAge = 5 * time.Minute
	engine.Use(cors.New(corsCfg))

	logger := slogAdapter{log}
	debug := debugdump.New(debugDir)

	traces := &TraceHandler{Repo: repo, Stream: stream, Log: logger, Debug: debug}
	metrics := &MetricsHandler{Repo: repo, Broadcast: broadcast, Log: logger, Debug: debug}
	logs := &LogsHandler{Repo: repo, Broadcast: broadcast, Log: logger, Debug: debug}

	traces.Register(engine)
	metrics.Register(engine)
	logs.Register(engine)

	engine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return engine
}
