// Command migrate drives schema migrations for the postgres and
// clickhouse backends independently of cmd/server's optional
// auto-migrate-on-boot path, the way the teacher's migrate CLI lets an
// operator run migrations out of band.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"sideseat/internal/config"
	"sideseat/internal/dbopen"
	"sideseat/internal/migration"
)

func main() {
	db := flag.String("db", "all", "engine to target: all, postgres, clickhouse")
	steps := flag.Int("steps", 0, "steps for the steps command (negative rolls back)")
	version := flag.Int("version", 0, "target version for the force command")
	flag.Usage = printUsage
	flag.Parse()

	command := flag.Arg(0)
	if command == "" || command == "help" {
		printUsage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mgr, err := migration.New(migration.Migrations, "migrations", log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init migration manager: %v\n", err)
		os.Exit(1)
	}
	defer mgr.Close()

	ctx := context.Background()
	engines, err := openEngines(ctx, mgr, cfg, *db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open engines: %v\n", err)
		os.Exit(1)
	}
	if len(engines) == 0 {
		fmt.Fprintln(os.Stderr, "no engines configured for this backend selection")
		os.Exit(1)
	}

	if err := runCommand(mgr, engines, command, *steps, *version); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", command, err)
		os.Exit(1)
	}
}

func openEngines(ctx context.Context, mgr *migration.Manager, cfg *config.Config, want string) ([]migration.Engine, error) {
	var engines []migration.Engine

	if want == "all" || want == "postgres" {
		if cfg.Storage.TxBackend == config.BackendPostgres {
			pg, err := dbopen.Postgres(cfg.Storage.PostgresDSN)
			if err != nil {
				return nil, fmt.Errorf("open postgres: %w", err)
			}
			if err := mgr.OpenPostgres(pg, cfg.Storage.PostgresDatabase); err != nil {
				return nil, err
			}
			engines = append(engines, migration.EnginePostgres)
		}
	}

	if want == "all" || want == "clickhouse" {
		if cfg.Storage.AnalyticsBackend == config.BackendClickHouse {
			ch, err := dbopen.ClickHouse(cfg)
			if err != nil {
				return nil, fmt.Errorf("open clickhouse: %w", err)
			}
			if err := mgr.OpenClickHouse(ch, cfg.Storage.ClickHouseDatabase); err != nil {
				return nil, err
			}
			engines = append(engines, migration.EngineClickHouse)
		}
	}

	return engines, nil
}

func runCommand(mgr *migration.Manager, engines []migration.Engine, command string, steps, version int) error {
	switch command {
	case "up":
		for _, e := range engines {
			if err := mgr.Up(e); err != nil {
				return err
			}
		}
	case "down":
		for _, e := range engines {
			if err := mgr.Down(e); err != nil {
				return err
			}
		}
	case "steps":
		if steps == 0 {
			return fmt.Errorf("-steps is required for the steps command")
		}
		for _, e := range engines {
			if err := mgr.Steps(e, steps); err != nil {
				return err
			}
		}
	case "force":
		if version == 0 {
			return fmt.Errorf("-version is required for the force command")
		}
		for _, e := range engines {
			if err := mgr.Force(e, version); err != nil {
				return err
			}
		}
	case "status":
		for _, e := range engines {
			st, err := mgr.Status(e)
			if err != nil {
				return err
			}
			fmt.Printf("%-10s version=%d dirty=%v\n", st.Engine, st.Version, st.Dirty)
		}
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: migrate [-db all|postgres|clickhouse] [-steps N] [-version N] <command>

commands:
  up       run all pending migrations
  down     roll back all migrations
  steps    move -steps steps (negative rolls back)
  force    set the recorded version without running anything (-version)
  status   print each engine's current version and dirty flag`)
}
