// Package tx holds the minimal transactional entities the observability
// core depends on directly — Organization, Project, APIKey, Favorite —
// and the TransactionalRepository trait those entities are read through.
// Auth, membership, billing and invitation flows are external
// collaborators per the core's scope and are intentionally not modeled
// here; this package only keeps what the ingestion, query, and retention
// paths actually read.
package tx

import (
	"context"
	"encoding/json"
	"time"

	"sideseat/pkg/ulid"
)

// Organization is the tenancy root. Adapted from the teacher's
// organization.Organization, trimmed to the fields the core reads.
type Organization struct {
	ID        ulid.ULID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}

// Project is the unit every span, trace, file and favorite is scoped to.
type Project struct {
	ID             ulid.ULID `json:"id"`
	OrganizationID ulid.ULID `json:"organization_id"`
	Name           string    `json:"name"`
	Slug           string    `json:"slug"`
	RetentionDays  *int      `json:"retention_days,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// APIKey authenticates an ingestion or query request to exactly one
// Project. Validation and issuance are out of scope (external auth
// collaborator); the core only needs to resolve a presented key to a
// project ID.
type APIKey struct {
	ID        ulid.ULID `json:"id"`
	ProjectID ulid.ULID `json:"project_id"`
	KeyHash   string    `json:"-"`
	Prefix    string    `json:"prefix"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// Favorite marks a trace as starred by a user within a project, read by
// the query surface and cleaned up by the retention cascade.
type Favorite struct {
	ProjectID string    `json:"project_id"`
	UserID    ulid.ULID `json:"user_id"`
	TraceID   string    `json:"trace_id"`
	CreatedAt time.Time `json:"created_at"`
}

// FilterPreset is a saved filter-DSL document, reusable across the
// trace/session/span list queries. Filters holds the same JSON array
// the query surface's `filters` parameter accepts; it is validated on
// save and again on use, so a preset written against an older column
// set degrades to a 400 rather than a bad query.
type FilterPreset struct {
	ID        ulid.ULID       `json:"id"`
	ProjectID string          `json:"project_id"`
	Name      string          `json:"name"`
	Filters   json.RawMessage `json:"filters"`
	CreatedAt time.Time       `json:"created_at"`
}

// TransactionalRepository is the trait the embedded (sqlite) and
// distributed (postgres) transactional backends both implement, the way
// the teacher exposes one interface per aggregate and one concrete repo
// per database driver.
type TransactionalRepository interface {
	GetProject(ctx context.Context, projectID string) (*Project, error)
	GetOrganization(ctx context.Context, orgID string) (*Organization, error)

	// ListProjects enumerates every project, the way cmd/worker's
	// retention ticker discovers what to sweep each interval (§4.G).
	ListProjects(ctx context.Context) ([]Project, error)

	ResolveAPIKey(ctx context.Context, keyHash string) (*APIKey, error)

	ListFavorites(ctx context.Context, projectID string, userID string) ([]Favorite, error)
	AddFavorite(ctx context.Context, f Favorite) error
	RemoveFavorite(ctx context.Context, projectID, userID, traceID string) error

	ListFilterPresets(ctx context.Context, projectID string) ([]FilterPreset, error)
	SaveFilterPreset(ctx context.Context, p FilterPreset) error
	DeleteFilterPreset(ctx context.Context, projectID, presetID string) error

	// DeleteFavoritesForTraces backs the retention cascade (§4.G): once a
	// batch of traces is gone from the analytics backend, their
	// favorite rows (which live in the transactional backend) must go too.
	DeleteFavoritesForTraces(ctx context.Context, projectID string, traceIDs []string) error

	// WithinTx runs fn inside a single transaction, using the teacher's
	// transactor idiom (see infrastructure/database/transactor.go) rather
	// than leaking *sql.Tx into the domain layer.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	Close() error
}
