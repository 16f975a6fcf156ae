// Package sqlite implements the embedded deployment's
// tx.TransactionalRepository and filestore.Repository on top of
// mattn/go-sqlite3 via gorm, the cgo-backed driver the teacher already
// depends on for its embedded variant. Unlike the analytics store
// (internal/infrastructure/repository/duckdb, on the cgo-free
// modernc.org/sqlite to avoid two competing cgo sqlite runtimes in one
// process), the transactional store has no such conflict and uses the
// driver gorm.io/driver/sqlite is built around.
package sqlite

import (
	"time"

	"sideseat/pkg/ulid"
)

// organizationModel mirrors tx.Organization for gorm: a DB-shaped struct
// distinct from the domain type, which the repository's read methods
// convert into a tx.Organization.
type organizationModel struct {
	ID        ulid.ULID `gorm:"column:id;primaryKey"`
	Name      string    `gorm:"column:name"`
	Slug      string    `gorm:"column:slug;uniqueIndex"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (organizationModel) TableName() string { return "organizations" }

type projectModel struct {
	ID             ulid.ULID `gorm:"column:id;primaryKey"`
	OrganizationID ulid.ULID `gorm:"column:organization_id;index"`
	Name           string    `gorm:"column:name"`
	Slug           string    `gorm:"column:slug"`
	RetentionDays  *int      `gorm:"column:retention_days"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (projectModel) TableName() string { return "projects" }

type apiKeyModel struct {
	ID        ulid.ULID `gorm:"column:id;primaryKey"`
	ProjectID ulid.ULID `gorm:"column:project_id;index"`
	KeyHash   string    `gorm:"column:key_hash;uniqueIndex"`
	Prefix    string    `gorm:"column:prefix"`
	Revoked   bool      `gorm:"column:revoked"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (apiKeyModel) TableName() string { return "api_keys" }

type favoriteModel struct {
	ProjectID string    `gorm:"column:project_id;primaryKey"`
	UserID    ulid.ULID `gorm:"column:user_id;primaryKey"`
	TraceID   string    `gorm:"column:trace_id;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (favoriteModel) TableName() string { return "favorites" }

// fileModel mirrors filestore.FileMeta.
type fileModel struct {
	ProjectID string    `gorm:"column:project_id;primaryKey"`
	Hash      string    `gorm:"column:file_hash;primaryKey"`
	MediaType string    `gorm:"column:media_type"`
	SizeBytes int64     `gorm:"column:size_bytes"`
	RefCount  int64     `gorm:"column:ref_count"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (fileModel) TableName() string { return "files" }

type traceFileModel struct {
	ProjectID string `gorm:"column:project_id;primaryKey"`
	TraceID   string `gorm:"column:trace_id;primaryKey"`
	Hash      string `gorm:"column:file_hash;primaryKey"`
}

func (traceFileModel) TableName() string { return "trace_files" }

type filterPresetModel struct {
	ID        ulid.ULID `gorm:"column:id;primaryKey"`
	ProjectID string    `gorm:"column:project_id;index"`
	Name      string    `gorm:"column:name"`
	Filters   string    `gorm:"column:filters"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (filterPresetModel) TableName() string { return "filter_presets" }
