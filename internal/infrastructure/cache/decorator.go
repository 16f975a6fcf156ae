package cache

import (
	"context"
	"encoding/json"
	"time"

	"sideseat/internal/core/domain/common"
	"sideseat/internal/core/domain/filestore"
	"sideseat/internal/core/domain/tx"
)

// DefaultTTL bounds how long a read-through entry survives without an
// explicit invalidation; short enough that a direct database edit
// (outside WithinTx) is visible within one TTL window. Both lookups
// Repository caches share it, and NewLRUClient reuses the same value as
// its single expirable.LRU TTL when no Redis backend is configured.
const DefaultTTL = 5 * time.Minute

const (
	projectTTL = DefaultTTL
	apiKeyTTL  = DefaultTTL
)

// Repository decorates a tx.TransactionalRepository with a read-through
// cache over common.RedisClient for the two lookups the ingest hot path
// calls on every request — ResolveAPIKey and GetProject — and, after a
// WithinTx call whose ctx carries a project ID, invalidates that
// project's entry. API-key entries are not invalidated; they expire
// after apiKeyTTL. Everything else passes straight through.
type Repository struct {
	inner tx.TransactionalRepository
	redis common.RedisClient
}

func Wrap(inner tx.TransactionalRepository, redis common.RedisClient) *Repository {
	return &Repository{inner: inner, redis: redis}
}

func projectKey(id string) string { return "cache:project:" + id }
func apiKeyKey(hash string) string { return "cache:apikey:" + hash }

func (r *Repository) GetProject(ctx context.Context, projectID string) (*tx.Project, error) {
	if cached, ok := r.getCached(ctx, projectKey(projectID)); ok {
		var p tx.Project
		if json.Unmarshal(cached, &p) == nil {
			return &p, nil
		}
	}
	p, err := r.inner.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	r.setCached(ctx, projectKey(projectID), p, projectTTL)
	return p, nil
}

func (r *Repository) ListProjects(ctx context.Context) ([]tx.Project, error) {
	return r.inner.ListProjects(ctx)
}

func (r *Repository) GetOrganization(ctx context.Context, orgID string) (*tx.Organization, error) {
	return r.inner.GetOrganization(ctx, orgID)
}

func (r *Repository) ResolveAPIKey(ctx context.Context, keyHash string) (*tx.APIKey, error) {
	if cached, ok := r.getCached(ctx, apiKeyKey(keyHash)); ok {
		var k tx.APIKey
		if json.Unmarshal(cached, &k) == nil {
			return &k, nil
		}
	}
	k, err := r.inner.ResolveAPIKey(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	r.setCached(ctx, apiKeyKey(keyHash), k, apiKeyTTL)
	return k, nil
}

func (r *Repository) ListFavorites(ctx context.Context, projectID string, userID string) ([]tx.Favorite, error) {
	return r.inner.ListFavorites(ctx, projectID, userID)
}

func (r *Repository) AddFavorite(ctx context.Context, f tx.Favorite) error {
	return r.inner.AddFavorite(ctx, f)
}

func (r *Repository) RemoveFavorite(ctx context.Context, projectID, userID, traceID string) error {
	return r.inner.RemoveFavorite(ctx, projectID, userID, traceID)
}

func (r *Repository) DeleteFavoritesForTraces(ctx context.Context, projectID string, traceIDs []string) error {
	return r.inner.DeleteFavoritesForTraces(ctx, projectID, traceIDs)
}

func (r *Repository) ListFilterPresets(ctx context.Context, projectID string) ([]tx.FilterPreset, error) {
	return r.inner.ListFilterPresets(ctx, projectID)
}

func (r *Repository) SaveFilterPreset(ctx context.Context, p tx.FilterPreset) error {
	return r.inner.SaveFilterPreset(ctx, p)
}

func (r *Repository) DeleteFilterPreset(ctx context.Context, projectID, presetID string) error {
	return r.inner.DeleteFilterPreset(ctx, projectID, presetID)
}

// WithinTx invalidates the project cache entry for projectID (threaded
// through ctx by callers that know it) once the transaction commits.
// API-key entries are left in place. Callers that don't carry a project
// in ctx simply skip invalidation — the short TTL bounds the staleness
// either way.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := r.inner.WithinTx(ctx, fn); err != nil {
		return err
	}
	if projectID, ok := ProjectIDFromContext(ctx); ok {
		_ = r.redis.Delete(ctx, projectKey(projectID))
	}
	return nil
}

func (r *Repository) Close() error { return r.inner.Close() }

// The file-store methods below pass straight through to inner, which is
// always either the sqlite or postgres repository — both also implement
// filestore.Repository — so wrapping with Wrap never narrows what the
// caller can do with the returned *Repository.

func (r *Repository) Upsert(ctx context.Context, projectID, hash, mediaType string, sizeBytes int64) (filestore.PutResult, error) {
	return r.files().Upsert(ctx, projectID, hash, mediaType, sizeBytes)
}

func (r *Repository) Get(ctx context.Context, projectID, hash string) (*filestore.FileMeta, error) {
	return r.files().Get(ctx, projectID, hash)
}

func (r *Repository) TotalSize(ctx context.Context, projectID string) (int64, error) {
	return r.files().TotalSize(ctx, projectID)
}

func (r *Repository) BindToTrace(ctx context.Context, projectID, traceID, hash string) error {
	return r.files().BindToTrace(ctx, projectID, traceID, hash)
}

func (r *Repository) HashesForTraces(ctx context.Context, projectID string, traceIDs []string) ([]string, error) {
	return r.files().HashesForTraces(ctx, projectID, traceIDs)
}

func (r *Repository) DecrementRefs(ctx context.Context, projectID string, traceIDs []string) ([]string, error) {
	return r.files().DecrementRefs(ctx, projectID, traceIDs)
}

func (r *Repository) Delete(ctx context.Context, projectID, hash string) error {
	return r.files().Delete(ctx, projectID, hash)
}

func (r *Repository) HashesForProject(ctx context.Context, projectID string) ([]string, error) {
	return r.files().HashesForProject(ctx, projectID)
}

func (r *Repository) DeleteAllForProject(ctx context.Context, projectID string) error {
	return r.files().DeleteAllForProject(ctx, projectID)
}

// files asserts inner also implements filestore.Repository, which both
// concrete backends Wrap is ever called with (sqlite, postgres) do.
func (r *Repository) files() filestore.Repository {
	return r.inner.(filestore.Repository)
}

func (r *Repository) getCached(ctx context.Context, key string) ([]byte, bool) {
	val, err := r.redis.Get(ctx, key)
	if err != nil || val == "" {
		return nil, false
	}
	return []byte(val), true
}

func (r *Repository) setCached(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = r.redis.Set(ctx, key, string(data), ttl)
}

type projectIDKey struct{}

// WithProjectID attaches a project ID to ctx so WithinTx can invalidate
// that project's cache entry after a successful commit.
func WithProjectID(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectIDKey{}, projectID)
}

// ProjectIDFromContext retrieves a project ID attached by WithProjectID.
func ProjectIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(projectIDKey{}).(string)
	return id, ok
}
