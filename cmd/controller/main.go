package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/framesift/framesift/internal/app/orchestration"
	"github.com/framesift/framesift/internal/config"
	"github.com/framesift/framesift/internal/infra/api"
	"github.com/framesift/framesift/internal/infra/eventbus/kafka"
	"github.com/framesift/framesift/internal/infra/providers"
	analysisStore "github.com/framesift/framesift/internal/infra/storage/analysis/postgres"
	assetStore "github.com/framesift/framesift/internal/infra/storage/asset/postgres"
	"github.com/framesift/framesift/pkg/common"
	"github.com/framesift/framesift/pkg/common/logger"
	"github.com/framesift/framesift/pkg/common/otel"
)

const serviceType = "controller"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	var log *logger.Logger

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("CONTROLLER-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	log = logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings, err := config.Load(os.Getenv("FRAMESIFT_CONFIG"))
	if err != nil {
		log.Error(ctx, "failed to load settings", "error", err)
		os.Exit(1)
	}

	prob := 1.0
	if raw := os.Getenv("OTEL_SAMPLING_RATIO"); raw != "" {
		prob, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			log.Error(ctx, "failed to parse OTEL_SAMPLING_RATIO", "error", err)
			os.Exit(1)
		}
	}
	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      os.Getenv("OTEL_SERVICE_NAME"),
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: prob,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(os.Getenv("OTEL_SERVICE_NAME"))

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			log.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	if settings.Postgres.DSN == "" {
		log.Error(ctx, "postgres DSN must be configured for the controller")
		os.Exit(1)
	}

	poolCfg, err := pgxpool.ParseConfig(settings.Postgres.DSN)
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = settings.Postgres.MinConns
	poolCfg.MaxConns = settings.Postgres.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}

	log.Info(ctx, "Migrations applied successfully. Starting application...")

	catalog, err := providers.NewCatalogLoader(settings.Providers.CatalogPath).Load(ctx)
	if err != nil {
		log.Error(ctx, "failed to load provider catalog", "error", err)
		os.Exit(1)
	}

	mp := otel.GetMeterProvider()
	metricCollector, err := orchestration.NewControllerMetrics(mp)
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	kafkaCfg := &kafka.Config{
		Brokers:       settings.Kafka.Brokers,
		TaskTopic:     settings.Kafka.TaskTopic,
		ProgressTopic: settings.Kafka.ProgressTopic,
		ResultsTopic:  settings.Kafka.ResultsTopic,
		GroupID:       settings.Kafka.GroupID,
		ClientID:      svcName,
		ServiceType:   serviceType,
	}

	eventBus, err := kafka.NewEventBusFromConfig(kafkaCfg, log, metricCollector, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect event bus", "error", err)
		os.Exit(1)
	}

	eventPublisher := kafka.NewDomainEventPublisher(eventBus)
	jobRepo := analysisStore.NewJobStore(pool, tracer)
	assetRepo := assetStore.NewAssetStore(pool, tracer)

	jobService := orchestration.NewJobService(
		hostname,
		jobRepo,
		assetRepo,
		eventPublisher,
		catalog.Names(),
		log,
		tracer,
		metricCollector,
	)

	assetService := orchestration.NewAssetService(settings.Storage.Scheme, assetRepo, log, tracer)

	facilitator := orchestration.NewEventsFacilitator(jobService, tracer)
	if err := facilitator.Subscribe(ctx, eventBus); err != nil {
		log.Error(ctx, "failed to subscribe to worker events", "error", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(settings.API.ListenAddr, assetService, jobService, log, tracer)
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info(ctx, "Controller initialized", "providers", len(catalog.Providers), "api_addr", settings.API.ListenAddr)
	ready.Store(true)

	select {
	case sig := <-sigCh:
		log.Info(ctx, "Received shutdown signal", "signal", sig)
	case err := <-errCh:
		log.Error(ctx, "API server error", "error", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "Failed to shut down API server", "error", err)
	}
	if err := eventBus.Close(); err != nil {
		log.Error(shutdownCtx, "Failed to close event bus", "error", err)
	}
}

// runMigrations uses golang-migrate to apply all up migrations. It borrows a
// database/sql handle from the pool for the duration.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("FRAMESIFT_MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file:///app/db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
