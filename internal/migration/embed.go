package migration

import "embed"

// Migrations embeds the postgres/ and clickhouse/ SQL migration trees
// so the built binary carries its own schema history (no separate
// migrations directory to ship alongside it).
//
//go:embed migrations/postgres/*.sql migrations/clickhouse/*.sql
var Migrations embed.FS
