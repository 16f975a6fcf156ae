// Package http implements the OTLP/HTTP collector (§4.D): gin handlers
// for /v1/traces, /v1/metrics and /v1/logs that authenticate the
// ingestion credential, normalize both JSON and protobuf bodies to the
// pipeline's envelope format, and publish traces onto the trace-pipeline
// stream topic and metrics and logs onto the broadcast topic.
package http

import (
	"context"
	"net/http"
	"strings"

	"sideseat/internal/core/domain/tx"
	"sideseat/pkg/crypto"
)

// resolveProject authenticates the bearer/API-key credential carried in
// an OTLP export request and returns the project it resolves to.
// Accepts either "Authorization: Bearer <key>" or the OTLP-collector
// convention "api-key: <key>" header, matching the two conventions
// exporters in the wild actually send.
func resolveProject(ctx context.Context, repo tx.TransactionalRepository, r *http.Request) (*tx.Project, error) {
	key := extractKey(r)
	if key == "" {
		return nil, errMissingKey
	}
	hash := crypto.HashAPIKey(key)
	apiKey, err := repo.ResolveAPIKey(ctx, hash)
	if err != nil {
		return nil, err
	}
	if apiKey.Revoked {
		return nil, errRevokedKey
	}
	project, err := repo.GetProject(ctx, apiKey.ProjectID.String())
	if err != nil {
		return nil, err
	}
	return project, nil
}

func extractKey(r *http.Request) string {
	if v := r.Header.Get("api-key"); v != "" {
		return v
	}
	if v := r.Header.Get("x-api-key"); v != "" {
		return v
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return rest
		}
		return auth
	}
	return ""
}

var (
	errMissingKey = authError("missing ingestion credential")
	errRevokedKey = authError("ingestion credential revoked")
)

type authError string

func (e authError) Error() string { return string(e) }
