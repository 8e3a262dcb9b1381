package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/loghive/loghive/internal/auth"
	"github.com/loghive/loghive/internal/breaker"
	"github.com/loghive/loghive/internal/config"
	"github.com/loghive/loghive/internal/httpserver"
	"github.com/loghive/loghive/internal/platform"
	"github.com/loghive/loghive/internal/telemetry"
	"github.com/loghive/loghive/pkg/analytics"
	"github.com/loghive/loghive/pkg/ingest"
	"github.com/loghive/loghive/pkg/notify"
	"github.com/loghive/loghive/pkg/query"
	"github.com/loghive/loghive/pkg/storage"
)

// deps holds the shared infrastructure every mode builds on.
type deps struct {
	cfg        *config.Config
	logger     *slog.Logger
	identityDB *pgxpool.Pool
	logsDB     *pgxpool.Pool
	redis      *redis.Client
	metrics    *prometheus.Registry
}

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the requested mode: api, worker, analytics,
// or all of them in one process.
func Run(ctx context.Context, cfg *config.Config) error {
	logFormat, logLevel := cfg.LogFormat, cfg.LogLevel
	if cfg.DevMode {
		// Dev mode forces human-readable debug logging.
		logFormat, logLevel = "text", "debug"
	}
	logger := telemetry.NewLogger(logFormat, logLevel)
	slog.SetDefault(logger)

	logger.Info("starting loghive",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	// Tracing
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "loghive", "0.1.0")
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	// Databases
	identityDB, err := platform.NewPgxPool(ctx, cfg.IdentityDatabaseURL, cfg.DBPoolSize, cfg.DBPoolOverflow)
	if err != nil {
		return fmt.Errorf("connecting to identity database: %w", err)
	}
	defer identityDB.Close()

	logsDB, err := platform.NewPgxPool(ctx, cfg.LogsDatabaseURL, cfg.DBPoolSize, cfg.DBPoolOverflow)
	if err != nil {
		return fmt.Errorf("connecting to logs database: %w", err)
	}
	defer logsDB.Close()

	// Redis
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	// Migrations
	if err := platform.RunIdentityMigrations(cfg.IdentityDatabaseURL, cfg.MigrationsIdentityDir); err != nil {
		return fmt.Errorf("running identity migrations: %w", err)
	}
	if err := platform.RunLogsMigrations(cfg.LogsDatabaseURL, cfg.MigrationsLogsDir); err != nil {
		return fmt.Errorf("running logs migrations: %w", err)
	}
	logger.Info("migrations applied")

	d := &deps{
		cfg:        cfg,
		logger:     logger,
		identityDB: identityDB,
		logsDB:     logsDB,
		redis:      rdb,
		metrics:    telemetry.NewMetricsRegistry(),
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, d)
	case "worker":
		return runWorker(ctx, d)
	case "analytics":
		return runAnalytics(ctx, d)
	case "all":
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return runAPI(gctx, d) })
		g.Go(func() error { return runWorker(gctx, d) })
		g.Go(func() error { return runAnalytics(gctx, d) })
		return g.Wait()
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, d *deps) error {
	cfg, logger := d.cfg, d.logger

	// Credential resolution: redis cache in front of the identity store,
	// behind a circuit breaker with an emergency cache for open-state reads.
	credCache := auth.NewCache(d.redis, cfg.CredentialCacheTTL, cfg.EmergencyCacheTTL, cfg.NegativeCacheTTL)
	credStore := auth.NewStore(d.identityDB)
	cb := breaker.New("identity-store", breaker.Settings{
		FailureThreshold: cfg.BreakerFailureThreshold,
		WindowRequests:   cfg.BreakerWindowRequests,
		ErrorRate:        cfg.BreakerErrorRate,
		CoolOff:          cfg.BreakerCoolOff,
	}, logger)
	resolver := auth.NewResolver(credCache, credStore, cb, cfg.AuthRequestTimeout, auth.Defaults{
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RateLimitPerHour:   cfg.RateLimitPerHour,
		DailyQuota:         int64(cfg.DailyQuotaDefault),
	}, logger)
	limiter := auth.NewRateLimiter(d.redis)

	srv := httpserver.NewServer(cfg, logger, d.identityDB, d.logsDB, d.redis, d.metrics,
		auth.Middleware(resolver, logger),
		auth.RateLimitMiddleware(limiter, logger),
	)

	// Request-response routes get a deadline; the SSE stream below must
	// stay open, so it is mounted without one.
	timed := srv.APIRouter.With(httpserver.Timeout(cfg.RequestTimeout))

	// Ingest path
	queue := ingest.NewQueue(d.redis)
	notifier := ingest.NewNotifier(d.redis, logger)
	quota := auth.NewQuotaTracker(d.redis)
	ingestSvc := ingest.NewService(queue, notifier, quota, ingest.Config{
		MaxBatchSize:    cfg.MaxBatchSize,
		QueueMaxDepth:   cfg.QueueMaxDepth,
		RetryAfter:      cfg.QueueRetryAfter,
		FutureTolerance: cfg.TimestampFutureTolerance,
	}, logger)
	ingestHandler := ingest.NewHandler(ingestSvc, logger)
	timed.Mount("/ingest", ingestHandler.Routes())
	timed.Mount("/queue", ingestHandler.QueueRoutes())

	// Read path
	queryStore := query.NewStore(d.logsDB)
	metricsCache := analytics.NewCache(d.redis)
	queryHandler := query.NewHandler(queryStore, metricsCache, query.Config{
		DefaultWindow: cfg.QueryDefaultWindow,
		DefaultLimit:  cfg.QueryDefaultLimit,
		MaxLimit:      cfg.QueryMaxLimit,
	}, logger)
	timed.Mount("/logs", queryHandler.Routes())
	timed.Mount("/metrics", queryHandler.MetricsRoutes())

	// Notification stream
	if cfg.NotificationsEnabled {
		hub := notify.NewHub(cfg.SSEClientBuffer)
		bridge := notify.NewBridge(d.redis, hub, logger)
		defer bridge.Close()
		notifyHandler := notify.NewHandler(hub, bridge, cfg.SSEHeartbeatInterval, logger)
		srv.APIRouter.Mount("/notifications", notifyHandler.Routes())
	}

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE streams stay open; per-request deadlines come from context
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, d *deps) error {
	cfg, logger := d.cfg, d.logger

	store := storage.NewStore(d.logsDB)
	queue := ingest.NewQueue(d.redis)
	worker := storage.NewWorker(queue, store, storage.WorkerConfig{
		Count:         cfg.WorkerCount,
		BatchSize:     cfg.WorkerBatchSize,
		FlushTimeout:  cfg.WorkerFlushTimeout,
		QueueMaxDepth: cfg.QueueMaxDepth,
	}, logger)
	janitor := storage.NewJanitor(store, cfg.PartitionSweepInterval,
		cfg.PartitionMonthsAhead, cfg.RetentionDaysDefault, logger)

	logger.Info("storage worker started",
		"workers", cfg.WorkerCount, "batch_size", cfg.WorkerBatchSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return janitor.Run(gctx) })
	err := g.Wait()
	logger.Info("storage worker stopped")
	return err
}

func runAnalytics(ctx context.Context, d *deps) error {
	cfg, logger := d.cfg, d.logger

	cache := analytics.NewCache(d.redis)
	agg := analytics.NewAggregator(d.logsDB, d.identityDB, cache, cfg.AggregationLag, logger)

	// Cache TTLs are twice the cadence so a delayed run never leaves a gap.
	sched := analytics.NewScheduler(logger)
	sched.Add("error_rate", cfg.ErrorRateInterval, func(ctx context.Context) error {
		return agg.RunErrorRate(ctx, 2*cfg.ErrorRateInterval)
	})
	sched.Add("log_volume", cfg.LogVolumeInterval, func(ctx context.Context) error {
		return agg.RunLogVolume(ctx, 2*cfg.LogVolumeInterval)
	})
	sched.Add("top_errors", cfg.TopErrorsInterval, func(ctx context.Context) error {
		return agg.RunTopErrors(ctx, 2*cfg.TopErrorsInterval)
	})
	sched.Add("usage_stats", cfg.UsageStatsInterval, func(ctx context.Context) error {
		return agg.RunUsageStats(ctx, 2*cfg.UsageStatsInterval)
	})
	sched.Add("aggregated_metrics", cfg.AggregatedInterval, agg.RunAggregatedMetrics)

	logger.Info("analytics scheduler started")
	err := sched.Run(ctx)
	logger.Info("analytics scheduler stopped")
	return err
}
