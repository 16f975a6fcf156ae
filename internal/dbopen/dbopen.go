// Package dbopen opens raw database/sql handles for golang-migrate,
// which wants a *sql.DB rather than the gorm/clickhouse-go connections
// the repositories themselves use. Shared by cmd/server's optional
// auto-migrate path and cmd/migrate's standalone CLI.
package dbopen

import (
	"database/sql"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/lib/pq"

	"sideseat/internal/config"
)

// Postgres opens a raw *sql.DB against the same DSN the gorm
// transactional repository uses.
func Postgres(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

// ClickHouse opens a database/sql-compatible handle via
// clickhouse-go/v2's stdlib façade.
func ClickHouse(cfg *config.Config) (*sql.DB, error) {
	return ch.OpenDB(&ch.Options{
		Addr: cfg.Storage.ClickHouseAddr,
		Auth: ch.Auth{
			Database: cfg.Storage.ClickHouseDatabase,
			Username: cfg.Storage.ClickHouseUsername,
			Password: cfg.Storage.ClickHousePassword,
		},
	}), nil
}
