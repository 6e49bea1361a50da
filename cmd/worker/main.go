package main

import (
	"context"
	"encoding/json"
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
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/framesift/framesift/internal/app/analyzing"
	"github.com/framesift/framesift/internal/config"
	"github.com/framesift/framesift/internal/infra/eventbus/kafka"
	"github.com/framesift/framesift/internal/infra/providers"
	assetStore "github.com/framesift/framesift/internal/infra/storage/asset/postgres"
	"github.com/framesift/framesift/pkg/common"
	"github.com/framesift/framesift/pkg/common/logger"
	"github.com/framesift/framesift/pkg/common/otel"
)

const serviceType = "worker"

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

	svcName := fmt.Sprintf("WORKER-%s", hostname)
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
		log.Error(ctx, "postgres DSN must be configured for the worker")
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

	catalog, err := providers.NewCatalogLoader(settings.Providers.CatalogPath).Load(ctx)
	if err != nil {
		log.Error(ctx, "failed to load provider catalog", "error", err)
		os.Exit(1)
	}

	mp := otel.GetMeterProvider()
	metricCollector, err := analyzing.NewWorkerMetrics(mp)
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	workerID := settings.Worker.ID
	if workerID == "" {
		workerID = hostname
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

	registry := providers.NewRegistry(catalog, http.DefaultClient, log, tracer)
	orchestrator := analyzing.NewProviderOrchestrator(
		registry,
		log,
		tracer,
		metricCollector,
		analyzing.WithDefaultProviderTimeout(settings.Worker.ProviderTimeout),
	)

	eventPublisher := kafka.NewDomainEventPublisher(eventBus)
	assetRepo := assetStore.NewAssetStore(pool, tracer)

	taskHandler := analyzing.NewTaskHandler(
		workerID,
		assetRepo,
		orchestrator,
		eventPublisher,
		log,
		tracer,
		metricCollector,
		analyzing.WithSoftTimeLimit(settings.Worker.SoftTimeLimit),
		analyzing.WithHardTimeLimit(settings.Worker.HardTimeLimit),
	)

	if err := taskHandler.Subscribe(ctx, eventBus); err != nil {
		log.Error(ctx, "failed to subscribe to task envelopes", "error", err)
		os.Exit(1)
	}

	log.Info(ctx, "Worker initialized", "worker_id", workerID, "providers", registry.Names())
	ready.Store(true)

	sig := <-sigCh
	log.Info(ctx, "Received shutdown signal", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := eventBus.Close(); err != nil {
		log.Error(shutdownCtx, "Failed to close event bus", "error", err)
	}
}
