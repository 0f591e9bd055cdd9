// Command server starts the AI Apply Gateway HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/ai-apply-gateway/internal/adapter/eventbus/redisbus"
	httpserver "github.com/fairyhunter13/ai-apply-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-apply-gateway/internal/adapter/identity"
	"github.com/fairyhunter13/ai-apply-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-apply-gateway/internal/adapter/queue/compress"
	"github.com/fairyhunter13/ai-apply-gateway/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ai-apply-gateway/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-apply-gateway/internal/app"
	"github.com/fairyhunter13/ai-apply-gateway/internal/config"
	"github.com/fairyhunter13/ai-apply-gateway/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-apply-gateway/internal/service/sse"
	"github.com/fairyhunter13/ai-apply-gateway/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, queue, and job instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Background context for sweepers and the cleanup loop; cancelled on
	// shutdown so they stop before the process exits.
	ctx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// Infra: DB pool
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	batchRepo := postgres.NewBatchRepo(pool)
	artifactRepo := postgres.NewArtifactRepo(pool)
	subRepo := postgres.NewSubscriptionRepo(pool, periodInterval(cfg))

	// Data retention cleanup
	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	// Redis backs both the admission rate limiter and the cross-replica
	// event bus; a single client serves both.
	rdb, err := redisbus.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	bus := redisbus.New(rdb, 0)
	limiter := ratelimiter.NewSlidingWindowLimiter(rdb, ratelimiter.Limits{
		PerMinute: cfg.RateLimitPerMinute,
		PerHour:   cfg.RateLimitPerHour,
		PerDay:    cfg.RateLimitPerDay,
	}, cfg.RateLimitFailOpen)

	// Queue client (Redpanda producer)
	codec, err := compress.New(cfg.QueueCompressionAlgorithm, cfg.QueueCompressionLevel)
	if err != nil {
		slog.Error("invalid queue compression config", slog.Any("error", err))
		os.Exit(1)
	}
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, codec)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	// SSE fan-out
	streams := sse.NewManager(bus, sse.Options{
		MaxConnectionsPerJob: cfg.SSEMaxConnectionsPerJob,
		ReaperInterval:       cfg.SSEReaperInterval,
	})

	// Usecases
	dispatchSvc := usecase.NewDispatchService(jobRepo, batchRepo, subRepo, producer, limiter, streams, cfg.DispatchTimeout)
	callbackSvc := usecase.NewCallbackService(jobRepo, batchRepo, artifactRepo, streams)
	viewSvc := usecase.NewViewService(jobRepo, batchRepo, artifactRepo)

	verifier := identity.NewJWTVerifier(cfg.AuthJWTSecret)

	ready := app.NewReadiness(2*time.Second,
		app.Probe{Name: "postgres", Check: func(ctx context.Context) error { return pool.Ping(ctx) }},
		app.Probe{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		app.Probe{Name: "queue", Check: producer.Ping},
	)

	sweeper := app.NewStuckJobSweeper(jobRepo, batchRepo, streams, cfg.StuckJobTimeout, cfg.StuckJobInterval)
	go sweeper.Run(ctx)

	// HTTP server
	srv := httpserver.NewServer(cfg, dispatchSvc, callbackSvc, viewSvc, streams)
	handler := app.BuildRouter(cfg, srv, verifier, ready)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		// WriteTimeout must outlast the longest SSE stream; the stream
		// handler enforces its own absolute deadline.
		WriteTimeout:      cfg.SSEStreamTimeout + cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()

	// Streams first so every open SSE client gets a TERMINATED event before
	// the listener stops accepting writes, then drain in-flight requests.
	if err := streams.Shutdown(shutdownCtx); err != nil {
		slog.Warn("sse manager shutdown incomplete", slog.Any("error", err))
	}
	_ = srvHTTP.Shutdown(shutdownCtx)
	stopBackground()
}

// periodInterval maps the configured quota period onto the SQL interval the
// subscription repo applies on lazy rollover.
func periodInterval(cfg config.Config) string {
	if cfg.QuotaPeriod == config.PeriodYearly {
		return "1 year"
	}
	return "1 month"
}
