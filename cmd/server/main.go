// Command server runs the OTLP/HTTP and OTLP/gRPC collectors (§4.D),
// the trace ingestion pipeline consumer (§4.E) and the SSE feed hub
// (§4.H) in one process, wired the way the teacher's cmd/server
// composition root constructs its dependency graph before Start().
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"sideseat/internal/bootstrap"
	"sideseat/internal/config"
	"sideseat/internal/core/domain/common"
	"sideseat/internal/core/services/feed"
	fsservice "sideseat/internal/core/services/filestore"
	"sideseat/internal/core/services/ingest"
	"sideseat/internal/core/services/pricing"
	"sideseat/internal/core/services/realtime"
	"sideseat/internal/dbopen"
	"sideseat/internal/infrastructure/cache"
	grpccollector "sideseat/internal/infrastructure/otlp/grpc"
	httpcollector "sideseat/internal/infrastructure/otlp/http"
	"sideseat/internal/infrastructure/query"
	"sideseat/internal/infrastructure/repository/dedup"
	"sideseat/internal/infrastructure/sse"
	"sideseat/internal/infrastructure/ws"
	"sideseat/internal/migration"
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
		log.Error("server exited with error", "error", err)
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

	redisClient := bootstrap.NewRedisClient(cfg)
	broadcaster, stream := bootstrap.OpenTransport(cfg, redisClient, log)

	// The project/API-key read-through cache (§9's cache service) picks
	// its backend independently of the stream transport: Redis when
	// configured, otherwise the in-process LRU so the cache layer is
	// never simply absent.
	cacheRedis := redisClient
	if cacheRedis == nil && cfg.Redis.Addr != "" {
		cacheRedis = bootstrap.DialRedis(cfg)
	}
	var cacheClient common.RedisClient
	if cacheRedis != nil {
		cacheClient = cache.NewRedisClient(cacheRedis)
	} else {
		cacheClient = cache.NewLRUClient(cache.DefaultTTL)
	}
	txHandle := cache.Wrap(txRepo, cacheClient)

	if cfg.Storage.MigrationsAutoRun {
		if err := runMigrations(ctx, cfg, log); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	pricer := pricing.New(cfg.Pricing.Source, log)
	if err := pricer.Sync(ctx); err != nil {
		log.Warn("initial pricing sync failed, continuing with empty table", "error", err)
	}

	persister := &ingest.Persister{
		Analytics:   analytics,
		Store:       &fsservice.Service{Meta: txHandle, Blobs: blobs},
		Scanner:     &fsservice.Scanner{MinBytes: cfg.Filestore.InlineExtractMinBytes},
		QuotaBytes:  cfg.Filestore.DefaultProjectQuotaBytes,
		Broadcaster: broadcaster,
	}
	ingestSvc := ingest.NewService(stream, persister, pricer, log)

	hub := &realtime.Hub{Broadcaster: broadcaster, Log: log}

	feedSvc := feed.NewService(analytics)
	fileSvc := &fsservice.Service{Meta: txHandle, Blobs: blobs}

	httpEngine := httpcollector.NewRouter(txHandle, stream, broadcaster, log, cfg.Debug.Dir)
	queryHandler := &query.Handler{
		Analytics: analytics,
		Feed:      feedSvc,
		Files:     fileSvc,
		Tx:        txHandle,
		Cache:     cacheClient,
		Log:       log,
	}
	queryHandler.Register(httpEngine)
	sseHandler := &sse.Handler{Hub: hub, Repo: txHandle}
	sseHandler.Register(httpEngine)
	wsHandler := &ws.Handler{Hub: hub, Repo: txHandle, Log: log}
	wsHandler.Register(httpEngine)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      httpEngine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	grpcSrv := grpccollector.NewServer(txHandle, stream, broadcaster, log, cfg.Debug.Dir)
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("otlp http collector listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		log.Info("otlp grpc collector listening", "addr", grpcLis.Addr().String())
		return grpcSrv.Serve(grpcLis)
	})

	g.Go(func() error {
		return ingestSvc.Run(gctx)
	})

	metricsConsumer := &ingest.MetricsConsumer{Broadcast: broadcaster, Analytics: analytics, Log: log}
	g.Go(func() error {
		return metricsConsumer.Run(gctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.Pricing.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := pricer.Sync(gctx); err != nil {
					log.Warn("pricing sync failed", "error", err)
				}
			}
		}
	})

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()

	return g.Wait()
}

func runMigrations(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	mgr, err := migration.New(migration.Migrations, "migrations", log)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if cfg.Storage.TxBackend == config.BackendPostgres {
		db, err := dbopen.Postgres(cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		if err := mgr.OpenPostgres(db, cfg.Storage.PostgresDatabase); err != nil {
			return err
		}
		if err := mgr.Up(migration.EnginePostgres); err != nil {
			return err
		}
	}

	if cfg.Storage.AnalyticsBackend == config.BackendClickHouse {
		db, err := dbopen.ClickHouse(cfg)
		if err != nil {
			return err
		}
		if err := mgr.OpenClickHouse(db, cfg.Storage.ClickHouseDatabase); err != nil {
			return err
		}
		if err := mgr.Up(migration.EngineClickHouse); err != nil {
			return err
		}
	}

	return nil
}
