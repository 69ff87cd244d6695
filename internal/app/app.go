package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/fedega15/front-system-integration/internal/domain/idempotency"
	"github.com/fedega15/front-system-integration/internal/domain/ordersync"
	"github.com/fedega15/front-system-integration/internal/domain/replication"
	"github.com/fedega15/front-system-integration/internal/downstream"
	"github.com/fedega15/front-system-integration/internal/handler"
	"github.com/fedega15/front-system-integration/internal/queue"
	"github.com/fedega15/front-system-integration/internal/storage/postgres"
	redisstore "github.com/fedega15/front-system-integration/internal/storage/redis"
	"github.com/fedega15/front-system-integration/internal/upstream"
	"github.com/fedega15/front-system-integration/pkg/health"
	"github.com/fedega15/front-system-integration/pkg/httpmiddleware"
)

const instrumentation = "github.com/fedega15/front-system-integration"

// Run creates all dependencies, starts the webhook server and the sync
// workers, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("idempotency", cfg.Idempotency.Backend),
	)

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	var rdb *redis.Client
	if cfg.usesRedis() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return errors.Wrap(err, "parse redis url")
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "ping redis")
		}
		healthSvc.AddReadinessCheck("redis", 5*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	// Processed-order registry.
	var records idempotency.Store
	switch cfg.Idempotency.Backend {
	case BackendRedis:
		records = redisstore.NewIdempotencyStore(rdb, cfg.Queue.Name+":processed", cfg.Idempotency.Retention)
	default:
		records = postgres.NewProcessedOrderStore(pool)
	}
	guard := idempotency.NewGuard(records, cfg.Idempotency.Lease)

	// Job queue.
	queueOpts := queue.Options{
		Name:          cfg.Queue.Name,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		KeepCompleted: cfg.Queue.KeepCompleted,
		KeepFailed:    cfg.Queue.KeepFailed,
		PollTimeout:   cfg.Queue.PollTimeout,
		Lease:         cfg.Queue.Lease,
	}
	var jobs queue.Queue
	switch cfg.Queue.Backend {
	case BackendMemory:
		lg.Warn("Using in-memory queue, pending jobs are lost on restart")
		jobs = queue.NewMemoryQueue(queueOpts)
	default:
		rq := queue.NewRedisQueue(rdb, queueOpts)
		healthSvc.AddReadinessCheck("queue", 5*time.Second, health.BacklogCheck(rq.Pending, cfg.Queue.MaxBacklog))
		jobs = rq
	}

	// Collaborators.
	tenants := postgres.NewTenantRepository(pool)
	stores := postgres.NewStoreDirectory(pool)
	stocks := downstream.NewStockProvider(downstream.NewClient(newHTTPClient(m, cfg.DownstreamTimeout)))
	sales := upstream.NewClient(cfg.UpstreamURL, newHTTPClient(m, cfg.UpstreamTimeout))

	// Domain services.
	svc := ordersync.NewService(guard, stocks, stores, sales, replication.NewOrchestrator(sales))
	workers, err := queue.NewPool(jobs, HandleJob(svc), cfg.Queue.Concurrency, m.MeterProvider().Meter(instrumentation))
	if err != nil {
		return errors.Wrap(err, "create worker pool")
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Routes: health probes + webhook ingress.
	router := chi.NewRouter()
	router.Use(httpmiddleware.LogRequests())
	healthSvc.Register(router)
	handler.New(handler.Config{
		VerifySignature: cfg.Webhook.VerifySignature,
		MaxBodyBytes:    cfg.Webhook.MaxBodyBytes,
	}, tenants, jobs).Register(router)
	if !cfg.Webhook.VerifySignature {
		lg.Warn("Webhook signature verification disabled")
	}

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(
			otelhttp.NewHandler(router, "sync-server",
				otelhttp.WithTracerProvider(m.TracerProvider()),
				otelhttp.WithMeterProvider(m.MeterProvider()),
			),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:     cfg.RateLimit.Max,
				Window:  cfg.RateLimit.Window,
				KeyFunc: httpmiddleware.SourceOrIP(handler.HeaderSource),
				Skip:    isProbe,
			}),
		),
	}

	// Workers drain their current job after the server stops accepting
	// webhooks, so they get their own context.
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	workersDone := make(chan error, 1)
	go func() {
		err := workers.Run(workerCtx)
		if err != nil && workerCtx.Err() == nil {
			lg.Error("Workers stopped", zap.Error(err))
		}
		workersDone <- err
	}()

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}

		lg.Info("Stopping workers")
		stopWorkers()
		select {
		case <-workersDone:
		case <-shutdownCtx.Done():
			// Running jobs release their claims on the way out, so the
			// pools they use stay open until they return.
			lg.Warn("Workers did not stop before shutdown timeout, aborting jobs")
			workers.Abort()
			<-workersDone
		}
		healthSvc.Stop()
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// newHTTPClient returns a traced client with a per-request timeout.
func newHTTPClient(m *app.Telemetry, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
		),
	}
}

func isProbe(r *http.Request) bool {
	return r.URL.Path == "/livez" || r.URL.Path == "/readyz"
}
