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

	"github.com/btachinardi/lemon-todo-sub000/internal/audit"
	"github.com/btachinardi/lemon-todo-sub000/internal/auth"
	"github.com/btachinardi/lemon-todo-sub000/internal/clock"
	"github.com/btachinardi/lemon-todo-sub000/internal/config"
	"github.com/btachinardi/lemon-todo-sub000/internal/directory"
	handler "github.com/btachinardi/lemon-todo-sub000/internal/handler/http"
	"github.com/btachinardi/lemon-todo-sub000/internal/repository"
	"github.com/btachinardi/lemon-todo-sub000/internal/repository/memory"
	"github.com/btachinardi/lemon-todo-sub000/internal/repository/postgres"
	"github.com/btachinardi/lemon-todo-sub000/internal/rotation"
	"github.com/btachinardi/lemon-todo-sub000/internal/service"
	"github.com/btachinardi/lemon-todo-sub000/migrations"
	"github.com/btachinardi/lemon-todo-sub000/pkg/breaker"
	"github.com/btachinardi/lemon-todo-sub000/pkg/database"
	"github.com/btachinardi/lemon-todo-sub000/pkg/health"
	pkgkafka "github.com/btachinardi/lemon-todo-sub000/pkg/kafka"
	"github.com/btachinardi/lemon-todo-sub000/pkg/tracing"
)

const serviceVersion = "0.1.0"

// App wires together all dependencies and runs the auth service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *redis.Client
	producer       *pkgkafka.Producer
	dispatcher     *audit.Dispatcher
	handler        http.Handler
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
// Optional backends (Redis, Kafka) are skipped when unconfigured.
func NewApp(cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeBackends()
		}
	}()

	tc := cfg.Tracing(handler.ServiceName)
	tc.ServiceVersion = serviceVersion
	a.tracerShutdown, err = tracing.InitTracer(ctx, tc)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	healthHandler := health.NewHandler(health.WithLogger(logger))
	ids := clock.NewRandomIDs()

	// Storage.
	var (
		users  repository.UserRepository
		tokens repository.RefreshTokenStore
	)
	switch cfg.StoreBackend {
	case config.StoreMemory:
		users = memory.NewUserRepository()
		tokens = memory.NewRefreshTokenStore(ids, cfg.RefreshTokenTTL)
		logger.Warn("using in-memory storage; sessions do not survive a restart")
	default:
		pgCfg := cfg.Postgres()
		a.pool, err = database.NewPostgresPool(ctx, &pgCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		logger.Info("connected to PostgreSQL",
			slog.String("host", pgCfg.Host),
			slog.Int("port", pgCfg.Port),
			slog.String("database", pgCfg.DBName),
		)
		if err := database.RegisterPoolMetrics(prometheus.DefaultRegisterer, a.pool, handler.ServiceName); err != nil {
			logger.Warn("pool metrics not registered", slog.String("error", err.Error()))
		}

		if err := database.RunMigrations(ctx, a.pool, migrations.FS, logger); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("database migrations completed")

		database.SetSlowQueryLogging(cfg.SlowQuery, logger)

		users = postgres.NewUserRepository(a.pool)
		tokens = postgres.NewRefreshTokenStore(a.pool, ids, cfg.RefreshTokenTTL)

		pool := a.pool
		healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
			return pool.Ping(ctx)
		})
	}

	// User status directory, optionally behind Redis.
	var dir directory.Directory = directory.NewRepositoryDirectory(users)
	if cfg.RedisAddr != "" {
		a.redis, err = database.NewRedisClient(ctx, cfg.Redis(), logger)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		cached := directory.NewCached(dir, a.redis, cfg.StatusTTL, logger)
		dir = cached
		healthHandler.RegisterNonCritical("redis", cached.Ping)
		logger.Info("user status cache enabled",
			slog.String("addr", cfg.RedisAddr),
			slog.Duration("ttl", cfg.StatusTTL),
		)
	}

	// Audit trail: always logged, optionally published to Kafka.
	sinks := audit.Multi{audit.NewLogSink(logger)}
	if len(cfg.KafkaBrokers) > 0 {
		a.producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
		br := breaker.New(breaker.DefaultConfig("audit-kafka"), logger)
		sinks = append(sinks, audit.NewKafkaSink(a.producer, br, logger))

		producer := a.producer
		healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
			return producer.Ping(ctx)
		})
		logger.Info("kafka audit publisher initialized", slog.Any("brokers", cfg.KafkaBrokers))
	}
	dcfg := audit.DefaultDispatcherConfig()
	if cfg.AuditBuffer > 0 {
		dcfg.BufferSize = cfg.AuditBuffer
	}
	a.dispatcher = audit.NewDispatcher(dcfg, sinks)

	// Session core.
	codec, err := auth.NewCodec(auth.Config{
		Secret:    []byte(cfg.JWTSecret),
		Issuer:    cfg.JWTIssuer,
		Audience:  cfg.JWTAudience,
		AccessTTL: cfg.AccessTokenTTL,
	}, ids)
	if err != nil {
		return nil, fmt.Errorf("create token codec: %w", err)
	}
	creds, err := service.NewPasswordVerifier(users, cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("create password verifier: %w", err)
	}
	engine := rotation.NewEngine(tokens, dir, codec, logger, rotation.WithRaceWindow(cfg.RaceWindow))
	svc := service.NewSessionService(users, creds, engine, dir, codec, a.dispatcher, clock.System{}, logger,
		service.WithBcryptCost(cfg.BcryptCost),
	)

	a.handler = handler.NewRouter(svc, healthHandler, handler.RouterConfig{
		CORS:       cfg.CORS(),
		PprofCIDRs: cfg.PprofAllowedCIDRs,
	}, logger)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           a.handler,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	return a, nil
}

// Handler returns the HTTP handler served by the app.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		_ = a.Shutdown()
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in order:
// 1. HTTP server (drain in-flight requests)
// 2. Audit dispatcher (flush queued events while the producer is open)
// 3. Tracer
// 4. Kafka producer, Redis and PostgreSQL
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	timeout := a.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpCtx, httpCancel := context.WithTimeout(context.Background(), timeout)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if a.dispatcher != nil {
		a.dispatcher.Close()
		if n := a.dispatcher.Dropped(); n > 0 {
			a.logger.Warn("audit events dropped during run", slog.Uint64("dropped", n))
		}
	}

	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	errs = append(errs, a.closeBackends())

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeBackends() error {
	var errs []error
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		a.producer = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		a.redis = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	return errors.Join(errs...)
}
