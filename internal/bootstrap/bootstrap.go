// Package bootstrap opens the pluggable storage and transport
// backends cmd/server and cmd/worker both need from one
// Backend-keyed config, so the two processes construct identical
// repositories from identical config instead of each re-deriving the
// switch statements.
package bootstrap

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"sideseat/internal/config"
	"sideseat/internal/core/domain/filestore"
	"sideseat/internal/core/domain/span"
	"sideseat/internal/core/domain/topic"
	"sideseat/internal/core/domain/tx"
	"sideseat/internal/infrastructure/filestore/disk"
	"sideseat/internal/infrastructure/filestore/s3"
	"sideseat/internal/infrastructure/repository/clickhouse"
	"sideseat/internal/infrastructure/repository/duckdb"
	"sideseat/internal/infrastructure/repository/postgres"
	"sideseat/internal/infrastructure/repository/sqlite"
	"sideseat/internal/infrastructure/streams/inproc"
	"sideseat/internal/infrastructure/streams/redisstream"
)

// TxRepository is what both the transactional and file-store backends
// implement in one concrete type (sqlite.Repository, postgres.Repository,
// or the cache decorator wrapping either).
type TxRepository interface {
	tx.TransactionalRepository
	filestore.Repository
}

// OpenTxRepository opens the transactional/file-store backend selected
// by cfg.Storage.TxBackend.
func OpenTxRepository(ctx context.Context, cfg *config.Config, log *slog.Logger) (TxRepository, error) {
	switch cfg.Storage.TxBackend {
	case config.BackendPostgres:
		return postgres.Open(ctx, postgres.Config{
			DSN:             cfg.Storage.PostgresDSN,
			MaxIdleConns:    cfg.Storage.PostgresMaxIdleConns,
			MaxOpenConns:    cfg.Storage.PostgresMaxOpenConns,
			ConnMaxLifetime: cfg.Storage.PostgresConnMaxLifetime,
		}, log)
	default:
		return sqlite.Open(cfg.Storage.SQLitePath)
	}
}

// OpenAnalyticsRepository opens the span-analytics backend selected by
// cfg.Storage.AnalyticsBackend.
func OpenAnalyticsRepository(ctx context.Context, cfg *config.Config) (span.AnalyticsRepository, error) {
	switch cfg.Storage.AnalyticsBackend {
	case config.BackendClickHouse:
		return clickhouse.New(ctx, clickhouse.Config{
			Addr:     cfg.Storage.ClickHouseAddr,
			Database: cfg.Storage.ClickHouseDatabase,
			Username: cfg.Storage.ClickHouseUsername,
			Password: cfg.Storage.ClickHousePassword,
		})
	default:
		return duckdb.Open(cfg.Storage.DuckDBPath, cfg.Storage.DuckDBSnapshotDir)
	}
}

// OpenBlobStore opens the blob store selected by cfg.Filestore.Backend.
func OpenBlobStore(ctx context.Context, cfg *config.Config) (filestore.BlobStore, error) {
	switch cfg.Filestore.Backend {
	case config.BackendS3:
		return s3.New(ctx, s3.Config{
			Bucket:          cfg.Filestore.S3Bucket,
			Region:          cfg.Filestore.S3Region,
			Endpoint:        cfg.Filestore.S3Endpoint,
			Prefix:          cfg.Filestore.S3Prefix,
			AccessKeyID:     cfg.Filestore.S3AccessKeyID,
			SecretAccessKey: cfg.Filestore.S3SecretAccessKey,
			UsePathStyle:    cfg.Filestore.S3UsePathStyle,
		})
	default:
		return disk.New(cfg.Filestore.DiskPath)
	}
}

// NewRedisClient builds the shared redis client used by the transport
// layer when cfg.Storage.TransportBackend is "redis"; it returns nil for
// the single-process in-memory backend.
func NewRedisClient(cfg *config.Config) *redis.Client {
	if cfg.Storage.TransportBackend != config.BackendRedis {
		return nil
	}
	return DialRedis(cfg)
}

// DialRedis builds a redis client from cfg.Redis unconditionally, for
// callers (the cache decorator) that need one independent of which
// transport backend is selected.
func DialRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// OpenTransport opens the broadcast/stream transport selected by
// cfg.Storage.TransportBackend.
func OpenTransport(cfg *config.Config, redisClient *redis.Client, log *slog.Logger) (topic.Broadcaster, topic.Stream) {
	if cfg.Storage.TransportBackend == config.BackendRedis {
		return redisstream.NewBroadcaster(redisClient, log), redisstream.NewStream(redisClient)
	}
	return inproc.NewBroadcaster(), inproc.NewStream(10_000)
}
