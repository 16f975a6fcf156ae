// Package grpc implements the OTLP/gRPC collector (§4.D): trace,
// metrics and logs services that authenticate the ingestion credential
// off request metadata, mirroring the HTTP collector's project
// resolution, and publish onto the same stream topics.
package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"sideseat/internal/core/domain/tx"
	"sideseat/pkg/crypto"
)

type projectKey struct{}

// withProject returns a context carrying the resolved project, read
// back by the service handlers after the interceptor has authenticated
// the call.
func withProject(ctx context.Context, p *tx.Project) context.Context {
	return context.WithValue(ctx, projectKey{}, p)
}

// ProjectFromContext returns the project resolved by AuthUnaryInterceptor.
func ProjectFromContext(ctx context.Context) (*tx.Project, bool) {
	p, ok := ctx.Value(projectKey{}).(*tx.Project)
	return p, ok
}

// AuthUnaryInterceptor resolves the ingestion credential from
// "api-key"/"x-api-key"/"authorization" request metadata the same way
// the HTTP collector does, rejecting calls with codes.Unauthenticated
// on failure.
func AuthUnaryInterceptor(repo tx.TransactionalRepository) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		key := extractKey(md)
		if key == "" {
			return nil, status.Error(codes.Unauthenticated, "missing ingestion credential")
		}
		hash := crypto.HashAPIKey(key)
		apiKey, err := repo.ResolveAPIKey(ctx, hash)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid ingestion credential")
		}
		if apiKey.Revoked {
			return nil, status.Error(codes.Unauthenticated, "ingestion credential revoked")
		}
		project, err := repo.GetProject(ctx, apiKey.ProjectID.String())
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid ingestion credential")
		}
		return handler(withProject(ctx, project), req)
	}
}

func extractKey(md metadata.MD) string {
	for _, key := range []string{"api-key", "x-api-key"} {
		for _, v := range md.Get(key) {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	for _, v := range md.Get("authorization") {
		if rest, ok := strings.CutPrefix(v, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}
