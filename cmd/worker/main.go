// Command worker runs the retention sweep (§4.G) on a fixed interval
// against every project, separately from cmd/server so an operator can
// scale ingestion and cleanup independently, the way the teacher splits
// its API and worker processes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sideseat/internal/bootstrap"
	"sideseat/internal/config"
	domainretention "sideseat/internal/core/domain/retention"
	"sideseat/internal/core/domain/tx"
	"sideseat/internal/core/services/retention"
	"sideseat/internal/infrastructure/repository/dedup"
	"sideseat/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logging.NewLoggerWithFormat(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	txRepo, err := bootstrap.OpenTxRepository(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open transactional repository: %w", err)
	}
	defer txRepo.Close()

	analytics, err := bootstrap.OpenAnalyticsRepository(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open analytics repository: %w", err)
	}
	analytics = dedup.Wrap(analytics)

	blobs, err := bootstrap.OpenBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	svc := &retention.Service{
		Analytics: analytics,
		Files:     txRepo,
		Blobs:     blobs,
		Tx:        txRepo,
		Log:       log,
	}

	ticker := time.NewTicker(cfg.Retention.Interval)
	defer ticker.Stop()

	log.Info("retention worker started", "interval", cfg.Retention.Interval)
	sweep(ctx, txRepo, svc, cfg, log)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case <-ticker.C:
			sweep(ctx, txRepo, svc, cfg, log)
		}
	}
}

// sweep runs one retention cycle for every project, deriving each
// project's Config from its own RetentionDays when set and falling back
// to cfg.Retention.DefaultMaxAge otherwise.
func sweep(ctx context.Context, txRepo tx.TransactionalRepository, svc *retention.Service, cfg *config.Config, log *slog.Logger) {
	projects, err := txRepo.ListProjects(ctx)
	if err != nil {
		log.Error("list projects for retention sweep", "error", err)
		return
	}

	for _, p := range projects {
		rc := domainretention.Config{ProjectID: p.ID.String()}
		switch {
		case p.RetentionDays != nil:
			minutes := int64(*p.RetentionDays) * 24 * 60
			rc.MaxAgeMinutes = &minutes
		case cfg.Retention.DefaultMaxAge != nil:
			rc.MaxAgeMinutes = cfg.Retention.DefaultMaxAge
		}
		if rc.MaxAgeMinutes == nil && rc.MaxSpans == nil {
			continue
		}

		result := svc.Run(ctx, rc)
		if len(result.Errors) > 0 {
			log.Warn("retention cycle had errors", "project_id", rc.ProjectID, "error_count", len(result.Errors))
		}
	}
}
