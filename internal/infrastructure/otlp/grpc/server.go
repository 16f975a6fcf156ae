package grpc

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"

	"sideseat/internal/core/domain/topic"
	"sideseat/internal/core/domain/tx"
	"sideseat/internal/core/services/ingest"
	"sideseat/internal/infrastructure/otlp/debugdump"
)

// TraceService implements coltracepb.TraceServiceServer, re-encoding
// each export request to the JSON envelope ingest.Service consumes and
// publishing it with the same bounded retry policy as the HTTP
// collector (§4.D).
type TraceService struct {
	coltracepb.UnimplementedTraceServiceServer
	Stream topic.Stream
	Log    *slog.Logger
	Debug  *debugdump.Writer
}

func (s *TraceService) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	project, ok := ProjectFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing ingestion credential")
	}

	jsonBody, err := protoToIngestJSON(req)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to normalize trace export request")
	}

	if err := s.Debug.Write(debugdump.Entry{ReceivedAt: time.Now(), ProjectID: project.ID.String(), Signal: "traces", Body: jsonBody}); err != nil {
		s.Log.Warn("otlp grpc: debug mirror write failed", "error", err)
	}

	env := ingest.Envelope{ProjectID: project.ID.String(), Body: jsonBody}
	payload, err := jsonMarshalEnvelope(env)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode envelope")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	publishErr := backoff.Retry(func() error {
		_, err := s.Stream.Publish(ctx, ingest.IngestTopic, payload)
		return err
	}, policy)
	if publishErr != nil {
		s.Log.Error("otlp grpc: publish failed", "error", publishErr)
		return nil, status.Error(codes.Unavailable, "trace stream unavailable")
	}

	return &coltracepb.ExportTraceServiceResponse{}, nil
}

// MetricsService implements colmetricspb.MetricsServiceServer. Metrics
// and logs ride the fire-and-forget broadcast topic rather than the
// durable trace stream (§4.D): a dropped batch is acceptable, and the
// metrics consumer normalizes whatever does arrive.
type MetricsService struct {
	colmetricspb.UnimplementedMetricsServiceServer
	Broadcast topic.Broadcaster
	Log       *slog.Logger
	Debug     *debugdump.Writer
}

func (s *MetricsService) Export(ctx context.Context, req *colmetricspb.ExportMetricsServiceRequest) (*colmetricspb.ExportMetricsServiceResponse, error) {
	project, ok := ProjectFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing ingestion credential")
	}
	jsonBody, err := protoToIngestJSON(req)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to normalize metrics export request")
	}
	if err := s.Debug.Write(debugdump.Entry{ReceivedAt: time.Now(), ProjectID: project.ID.String(), Signal: "metrics", Body: jsonBody}); err != nil {
		s.Log.Warn("otlp grpc: debug mirror write failed", "error", err)
	}
	env := ingest.Envelope{ProjectID: project.ID.String(), Body: jsonBody}
	payload, err := jsonMarshalEnvelope(env)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode envelope")
	}
	if err := s.Broadcast.Publish(ctx, ingest.MetricsTopic, payload); err != nil {
		s.Log.Warn("otlp grpc: metrics publish failed", "error", err)
	}
	return &colmetricspb.ExportMetricsServiceResponse{}, nil
}

// LogsService implements collogspb.LogsServiceServer; see MetricsService doc.
type LogsService struct {
	collogspb.UnimplementedLogsServiceServer
	Broadcast topic.Broadcaster
	Log       *slog.Logger
	Debug     *debugdump.Writer
}

func (s *LogsService) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	project, ok := ProjectFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing ingestion credential")
	}
	jsonBody, err := protoToIngestJSON(req)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to normalize logs export request")
	}
	if err := s.Debug.Write(debugdump.Entry{ReceivedAt: time.Now(), ProjectID: project.ID.String(), Signal: "logs", Body: jsonBody}); err != nil {
		s.Log.Warn("otlp grpc: debug mirror write failed", "error", err)
	}
	env := ingest.Envelope{ProjectID: project.ID.String(), Body: jsonBody}
	payload, err := jsonMarshalEnvelope(env)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode envelope")
	}
	if err := s.Broadcast.Publish(ctx, ingest.LogsTopic, payload); err != nil {
		s.Log.Warn("otlp grpc: logs publish failed", "error", err)
	}
	return &collogspb.ExportLogsServiceResponse{}, nil
}

// NewServer wires the three collector services behind the shared
// credential interceptor, returning a ready-to-Serve *grpc.Server.
func NewServer(repo tx.TransactionalRepository, stream topic.Stream, broadcast topic.Broadcaster, log *slog.Logger, debugDir string) *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(AuthUnaryInterceptor(repo)))
	debug := debugdump.New(debugDir)

	coltracepb.RegisterTraceServiceServer(srv, &TraceService{Stream: stream, Log: log, Debug: debug})
	colmetricspb.RegisterMetricsServiceServer(srv, &MetricsService{Broadcast: broadcast, Log: log, Debug: debug})
	collogspb.RegisterLogsServiceServer(srv, &LogsService{Broadcast: broadcast, Log: log, Debug: debug})

	return srv
}
