package sqlite

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"sideseat/internal/core/domain/dataerr"
	"sideseat/internal/core/domain/filestore"
	"sideseat/internal/core/domain/tx"
	"sideseat/internal/infrastructure/shared"
)

// Repository implements tx.TransactionalRepository and filestore.Repository
// on a single-writer local sqlite database, the embedded deployment's
// transactional backend (§4.A, §4.C). Open caps the connection pool at a
// small size; sqlite's single-writer model makes a large pool
// counterproductive.
type Repository struct {
	db *gorm.DB
}

// Open opens (creating if absent) a sqlite database at path and runs the
// embedded transactional schema's auto-migration. Connections are capped
// low — sqlite serializes writers regardless of pool size, and a large
// pool only adds SQLITE_BUSY contention.
func Open(path string) (*Repository, error) {
	// _txlock=immediate makes every BEGIN an IMMEDIATE transaction, so a
	// writer waits out the busy timeout and then fails with SQLITE_BUSY
	// instead of deadlocking against another writer that started with a
	// deferred read lock.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "open sqlite transactional db", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, dataerr.Wrap(dataerr.KindConfiguration, "unwrap sql.DB", err)
	}
	sqlDB.SetMaxOpenConns(8)
	sqlDB.SetMaxIdleConns(8)
	sqlDB.SetConnMaxLifetime(0)

	if err := db.AutoMigrate(
		&organizationModel{}, &projectModel{}, &apiKeyModel{}, &favoriteModel{},
		&fileModel{}, &traceFileModel{}, &filterPresetModel{},
	); err != nil {
		return nil, dataerr.Wrap(dataerr.KindMigrationFailed, "auto-migrate transactional schema", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) getDB(ctx context.Context) *gorm.DB {
	return shared.GetDB(ctx, r.db).WithContext(ctx)
}

func (r *Repository) GetProject(ctx context.Context, projectID string) (*tx.Project, error) {
	var m projectModel
	if err := r.getDB(ctx).Where("id = ?", projectID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, dataerr.Wrap(dataerr.KindNotFound, "project "+projectID, err)
		}
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "get project", err)
	}
	return projectFromModel(m), nil
}

func (r *Repository) ListProjects(ctx context.Context) ([]tx.Project, error) {
	var models []projectModel
	if err := r.getDB(ctx).Find(&models).Error; err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "list projects", err)
	}
	projects := make([]tx.Project, 0, len(models))
	for _, m := range models {
		projects = append(projects, *projectFromModel(m))
	}
	return projects, nil
}

func (r *Repository) GetOrganization(ctx context.Context, orgID string) (*tx.Organization, error) {
	var m organizationModel
	if err := r.getDB(ctx).Where("id = ?", orgID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, dataerr.Wrap(dataerr.KindNotFound, "organization "+orgID, err)
		}
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "get organization", err)
	}
	return &tx.Organization{ID: m.ID, Name: m.Name, Slug: m.Slug, CreatedAt: m.CreatedAt}, nil
}

func (r *Repository) ResolveAPIKey(ctx context.Context, keyHash string) (*tx.APIKey, error) {
	var m apiKeyModel
	if err := r.getDB(ctx).Where("key_hash = ?", keyHash).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, dataerr.Wrap(dataerr.KindNotFound, "api key", err)
		}
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "resolve api key", err)
	}
	return &tx.APIKey{ID: m.ID, ProjectID: m.ProjectID, KeyHash: m.KeyHash, Prefix: m.Prefix, Revoked: m.Revoked, CreatedAt: m.CreatedAt}, nil
}

func (r *Repository) ListFavorites(ctx context.Context, projectID string, userID string) ([]tx.Favorite, error) {
	var rows []favoriteModel
	q := r.getDB(ctx).Where("project_id = ?", projectID)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "list favorites", err)
	}
	out := make([]tx.Favorite, len(rows))
	for i, m := range rows {
		out[i] = tx.Favorite{ProjectID: m.ProjectID, UserID: m.UserID, TraceID: m.TraceID, CreatedAt: m.CreatedAt}
	}
	return out, nil
}

func (r *Repository) AddFavorite(ctx context.Context, f tx.Favorite) error {
	m := favoriteModel{ProjectID: f.ProjectID, UserID: f.UserID, TraceID: f.TraceID, CreatedAt: time.Now()}
	err := r.getDB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
	if err != nil {
		return dataerr.Wrap(dataerr.KindBackendFailure, "add favorite", err)
	}
	return nil
}

func (r *Repository) RemoveFavorite(ctx context.Context, projectID, userID, traceID string) error {
	err := r.getDB(ctx).
		Where("project_id = ? AND user_id = ? AND trace_id = ?", projectID, userID, traceID).
		Delete(&favoriteModel{}).Error
	if err != nil {
		return dataerr.Wrap(dataerr.KindBackendFailure, "remove favorite", err)
	}
	return nil
}

func (r *Repository) DeleteFavoritesForTraces(ctx context.Context, projectID string, traceIDs []string) error {
	if len(traceIDs) == 0 {
		return nil
	}
	err := r.getDB(ctx).
		Where("project_id = ? AND trace_id IN ?", projectID, traceIDs).
		Delete(&favoriteModel{}).Error
	if err != nil {
		return dataerr.Wrap(dataerr.KindBackendFailure, "delete favorites for traces", err)
	}
	return nil
}

// WithinTx follows the teacher's gormTransactor idiom
// (infrastructure/database/transactor.go): inject the *gorm.DB into
// context via shared.InjectTx so nested repository calls transparently
// join the transaction.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.WithContext(ctx).Transaction(func(txDB *gorm.DB) error {
		return fn(shared.InjectTx(ctx, txDB))
	})
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func projectFromModel(m projectModel) *tx.Project {
	return &tx.Project{
		ID:             m.ID,
		OrganizationID: m.OrganizationID,
		Name:           m.Name,
		Slug:           m.Slug,
		RetentionDays:  m.RetentionDays,
		CreatedAt:      m.CreatedAt,
	}
}

// --- filestore.Repository ---

func (r *Repository) Upsert(ctx context.Context, projectID, hash, mediaType string, sizeBytes int64) (filestore.PutResult, error) {
	db := r.getDB(ctx)
	var created bool
	err := db.Transaction(func(txDB *gorm.DB) error {
		var existing fileModel
		err := txDB.Where("project_id = ? AND file_hash = ?", projectID, hash).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created = true
			return txDB.Create(&fileModel{
				ProjectID: projectID, Hash: hash, MediaType: mediaType,
				SizeBytes: sizeBytes, RefCount: 1, CreatedAt: time.Now(),
			}).Error
		case err != nil:
			return err
		default:
			return txDB.Model(&fileModel{}).
				Where("project_id = ? AND file_hash = ?", projectID, hash).
				Update("ref_count", gorm.Expr("ref_count + 1")).Error
		}
	})
	if err != nil {
		return filestore.PutResult{}, dataerr.Wrap(dataerr.KindBackendFailure, "upsert file", err)
	}
	meta, err := r.Get(ctx, projectID, hash)
	if err != nil {
		return filestore.PutResult{}, err
	}
	return filestore.PutResult{RefCount: meta.RefCount, Created: created}, nil
}

func (r *Repository) Get(ctx context.Context, projectID, hash string) (*filestore.FileMeta, error) {
	var m fileModel
	err := r.getDB(ctx).Where("project_id = ? AND file_hash = ?", projectID, hash).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, dataerr.Wrap(dataerr.KindNotFound, "file "+hash, err)
		}
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "get file", err)
	}
	return &filestore.FileMeta{
		ProjectID: m.ProjectID, Hash: m.Hash, MediaType: m.MediaType,
		SizeBytes: m.SizeBytes, RefCount: m.RefCount, CreatedAt: m.CreatedAt,
	}, nil
}

func (r *Repository) TotalSize(ctx context.Context, projectID string) (int64, error) {
	var total int64
	err := r.getDB(ctx).Model(&fileModel{}).
		Where("project_id = ?", projectID).
		Select("COALESCE(SUM(size_bytes), 0)").Scan(&total).Error
	if err != nil {
		return 0, dataerr.Wrap(dataerr.KindBackendFailure, "sum file sizes", err)
	}
	return total, nil
}

func (r *Repository) BindToTrace(ctx context.Context, projectID, traceID, hash string) error {
	m := traceFileModel{ProjectID: projectID, TraceID: traceID, Hash: hash}
	err := r.getDB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
	if err != nil {
		return dataerr.Wrap(dataerr.KindBackendFailure, "bind file to trace", err)
	}
	return nil
}

func (r *Repository) HashesForTraces(ctx context.Context, projectID string, traceIDs []string) ([]string, error) {
	if len(traceIDs) == 0 {
		return nil, nil
	}
	var hashes []string
	err := r.getDB(ctx).Model(&traceFileModel{}).
		Where("project_id = ? AND trace_id IN ?", projectID, traceIDs).
		Distinct("file_hash").Pluck("file_hash", &hashes).Error
	if err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "list hashes for traces", err)
	}
	return hashes, nil
}

func (r *Repository) DecrementRefs(ctx context.Context, projectID string, traceIDs []string) ([]string, error) {
	if len(traceIDs) == 0 {
		return nil, nil
	}
	var zeroed []string
	err := r.db.WithContext(ctx).Transaction(func(txDB *gorm.DB) error {
		var hashes []string
		if err := txDB.Model(&traceFileModel{}).
			Where("project_id = ? AND trace_id IN ?", projectID, traceIDs).
			Distinct("file_hash").Pluck("file_hash", &hashes).Error; err != nil {
			return err
		}
		if err := txDB.Where("project_id = ? AND trace_id IN ?", projectID, traceIDs).
			Delete(&traceFileModel{}).Error; err != nil {
			return err
		}
		for _, hash := range hashes {
			if err := txDB.Model(&fileModel{}).
				Where("project_id = ? AND file_hash = ?", projectID, hash).
				Update("ref_count", gorm.Expr("ref_count - 1")).Error; err != nil {
				return err
			}
			var count int64
			if err := txDB.Model(&fileModel{}).
				Where("project_id = ? AND file_hash = ? AND ref_count <= 0", projectID, hash).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				zeroed = append(zeroed, hash)
			}
		}
		return nil
	})
	if err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "decrement file refs", err)
	}
	return zeroed, nil
}

func (r *Repository) Delete(ctx context.Context, projectID, hash string) error {
	err := r.getDB(ctx).Where("project_id = ? AND file_hash = ?", projectID, hash).Delete(&fileModel{}).Error
	if err != nil {
		return dataerr.Wrap(dataerr.KindBackendFailure, "delete file meta", err)
	}
	return nil
}

// HashesForProject lists every hash a project has ever stored, the input
// to FileService.DeleteProject's bulk cascade (§4.C).
func (r *Repository) HashesForProject(ctx context.Context, projectID string) ([]string, error) {
	var hashes []string
	err := r.getDB(ctx).Model(&fileModel{}).
		Where("project_id = ?", projectID).
		Pluck("file_hash", &hashes).Error
	if err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "list hashes for project", err)
	}
	return hashes, nil
}

// DeleteAllForProject removes every files/trace_files row for a project,
// the transactional half of project deletion's file cascade. Uses
// IMMEDIATE semantics via the pool itself per §5's embedded-backend
// write policy rather than an explicit BEGIN IMMEDIATE here.
func (r *Repository) DeleteAllForProject(ctx context.Context, projectID string) error {
	err := r.db.WithContext(ctx).Transaction(func(txDB *gorm.DB) error {
		if err := txDB.Where("project_id = ?", projectID).Delete(&traceFileModel{}).Error; err != nil {
			return err
		}
		return txDB.Where("project_id = ?", projectID).Delete(&fileModel{}).Error
	})
	if err != nil {
		return dataerr.Wrap(dataerr.KindBackendFailure, "delete project files", err)
	}
	return nil
}

func (r *Repository) ListFilterPresets(ctx context.Context, projectID string) ([]tx.FilterPreset, error) {
	var rows []filterPresetModel
	if err := r.getDB(ctx).Where("project_id = ?", projectID).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, dataerr.Wrap(dataerr.KindBackendFailure, "list filter presets", err)
	}
	out := make([]tx.FilterPreset, len(rows))
	for i, m := range rows {
		out[i] = tx.FilterPreset{ID: m.ID, ProjectID: m.ProjectID, Name: m.Name, Filters: []byte(m.Filters), CreatedAt: m.CreatedAt}
	}
	return out, nil
}

func (r *Repository) SaveFilterPreset(ctx context.Context, p tx.FilterPreset) error {
	m := filterPresetModel{ID: p.ID, ProjectID: p.ProjectID, Name: p.Name, Filters: string(p.Filters), CreatedAt: time.Now()}
	err := r.getDB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "filters"}),
	}).Create(&m).Error
	if err != nil {
		return dataerr.Wrap(dataerr.KindBackendFailure, "save filter preset", err)
	}
	return nil
}

func (r *Repository) DeleteFilterPreset(ctx context.Context, projectID, presetID string) error {
	err := r.getDB(ctx).Where("project_id = ? AND id = ?", projectID, presetID).Delete(&filterPresetModel{}).Error
	if err != nil {
		return dataerr.Wrap(dataerr.KindBackendFailure, "delete filter preset", err)
	}
	return nil
}
