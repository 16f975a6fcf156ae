// Package config provides configuration management for the collector
// and workers: a YAML config file (optional) layered with environment
// variables, the same precedence the teacher's config.Load uses, via
// spf13/viper and joho/godotenv.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the complete process configuration for cmd/server,
// cmd/worker and cmd/migrate. Unlike the teacher's Config (billing,
// email, enterprise licensing, JWT auth — all out of this system's
// scope per §1's non-goals), every field here backs a concrete
// SPEC_FULL.md component.
type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	GRPC        GRPCConfig      `mapstructure:"grpc"`
	Storage     StorageConfig   `mapstructure:"storage"`
	Filestore   FilestoreConfig `mapstructure:"filestore"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	Pricing     PricingConfig   `mapstructure:"pricing"`
	Retention   RetentionConfig `mapstructure:"retention"`
	Debug       DebugConfig     `mapstructure:"debug"`
}

// ServerConfig holds the OTLP/HTTP collector's listen settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// GRPCConfig holds the OTLP/gRPC collector's listen settings.
type GRPCConfig struct {
	Port int `mapstructure:"port"`
}

// Backend names a pluggable implementation selected by config, the way
// the teacher picks providers/drivers by string name.
type Backend string

const (
	BackendSQLite     Backend = "sqlite"
	BackendPostgres   Backend = "postgres"
	BackendDuckDB     Backend = "duckdb"
	BackendClickHouse Backend = "clickhouse"
	BackendInProc     Backend = "inproc"
	BackendRedis      Backend = "redis"
	BackendDisk       Backend = "disk"
	BackendS3         Backend = "s3"
)

// StorageConfig selects and configures the transactional and analytics
// backends (§4.A) plus the stream/broadcast transport (§4.B).
type StorageConfig struct {
	// TxBackend is "sqlite" (embedded, single-node) or "postgres"
	// (distributed).
	TxBackend               Backend       `mapstructure:"tx_backend"`
	SQLitePath              string        `mapstructure:"sqlite_path"`
	PostgresDSN             string        `mapstructure:"postgres_dsn"`
	PostgresDatabase        string        `mapstructure:"postgres_database"`
	PostgresMaxIdleConns    int           `mapstructure:"postgres_max_idle_conns"`
	PostgresMaxOpenConns    int           `mapstructure:"postgres_max_open_conns"`
	PostgresConnMaxLifetime time.Duration `mapstructure:"postgres_conn_max_lifetime"`

	// AnalyticsBackend is "duckdb" (embedded) or "clickhouse" (distributed).
	AnalyticsBackend   Backend  `mapstructure:"analytics_backend"`
	DuckDBPath         string   `mapstructure:"duckdb_path"`
	DuckDBSnapshotDir  string   `mapstructure:"duckdb_snapshot_dir"`
	ClickHouseAddr     []string `mapstructure:"clickhouse_addr"`
	ClickHouseDatabase string   `mapstructure:"clickhouse_database"`
	ClickHouseUsername string   `mapstructure:"clickhouse_username"`
	ClickHousePassword string   `mapstructure:"clickhouse_password"`

	// TransportBackend is "inproc" (single-process dev/test) or "redis"
	// (multi-process, §4.B/§4.E).
	TransportBackend  Backend `mapstructure:"transport_backend"`
	MigrationsAutoRun bool    `mapstructure:"migrations_auto_run"`
}

// FilestoreConfig selects and configures the blob store (§4.C).
type FilestoreConfig struct {
	Backend           Backend `mapstructure:"backend"` // "disk" or "s3"
	DiskPath          string  `mapstructure:"disk_path"`
	S3Bucket          string  `mapstructure:"s3_bucket"`
	S3Region          string  `mapstructure:"s3_region"`
	S3Endpoint        string  `mapstructure:"s3_endpoint"`
	S3Prefix          string  `mapstructure:"s3_prefix"`
	S3AccessKeyID     string  `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey string  `mapstructure:"s3_secret_access_key"`
	S3UsePathStyle    bool    `mapstructure:"s3_use_path_style"`

	// DefaultProjectQuotaBytes caps SUM(size_bytes) per project before a
	// Put is rejected with QuotaExceeded (§4.C, §8). 0 = unlimited; the
	// spec leaves per-project overrides to the out-of-scope project CRUD
	// surface, so the core only carries this one process-wide default.
	DefaultProjectQuotaBytes int64 `mapstructure:"default_project_quota_bytes"`

	// InlineExtractMinBytes is the data-URL scanner's size floor (§4.C):
	// base64 blobs at or below this size are left inline rather than
	// extracted, matching the original implementation's small-file
	// skip-extraction behavior.
	InlineExtractMinBytes int `mapstructure:"inline_extract_min_bytes"`
}

// RedisConfig backs the stream transport and the query cache decorator.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggingConfig mirrors the teacher's level/format split, consumed by
// pkg/logging to build the tint-backed slog.Logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}

// PricingConfig configures the model cost table sync (§4.E step 4).
type PricingConfig struct {
	Source       string        `mapstructure:"source"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
}

// RetentionConfig configures cmd/worker's retention ticker (§4.G).
type RetentionConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	DefaultMaxAge *int64        `mapstructure:"default_max_age_minutes"`
}

// DebugConfig controls the raw OTLP batch mirror (§4.D item 3).
type DebugConfig struct {
	Dir string `mapstructure:"dir"` // empty disables the mirror
}

// Load reads configs/config.yaml (if present), layers environment
// variables over it the way the teacher's Load does, and returns the
// fully-populated Config.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/sideseat")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 4318)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)
	viper.SetDefault("server.shutdown_timeout", 15*time.Second)

	viper.SetDefault("grpc.port", 4317)

	viper.SetDefault("storage.tx_backend", string(BackendSQLite))
	viper.SetDefault("storage.sqlite_path", "./data/sideseat.db")
	viper.SetDefault("storage.postgres_database", "sideseat")
	viper.SetDefault("storage.postgres_max_idle_conns", 10)
	viper.SetDefault("storage.postgres_max_open_conns", 50)
	viper.SetDefault("storage.postgres_conn_max_lifetime", time.Hour)
	viper.SetDefault("storage.analytics_backend", string(BackendDuckDB))
	viper.SetDefault("storage.duckdb_path", "./data/analytics.db")
	viper.SetDefault("storage.duckdb_snapshot_dir", "./data/analytics-snapshots")
	viper.SetDefault("storage.transport_backend", string(BackendInProc))
	viper.SetDefault("storage.migrations_auto_run", true)

	viper.SetDefault("filestore.backend", string(BackendDisk))
	viper.SetDefault("filestore.disk_path", "./data/blobs")
	viper.SetDefault("filestore.default_project_quota_bytes", int64(0))
	viper.SetDefault("filestore.inline_extract_min_bytes", 1024)

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	viper.SetDefault("pricing.source", "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json")
	viper.SetDefault("pricing.sync_interval", time.Hour)

	viper.SetDefault("retention.interval", 10*time.Minute)
}
