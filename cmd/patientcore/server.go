package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/patientcore/internal/config"
	"github.com/ehr/patientcore/internal/domain/lifecycle"
	"github.com/ehr/patientcore/internal/platform/archive"
	"github.com/ehr/patientcore/internal/platform/auth"
	"github.com/ehr/patientcore/internal/platform/db"
	"github.com/ehr/patientcore/internal/platform/hipaa"
	"github.com/ehr/patientcore/internal/platform/lock"
	"github.com/ehr/patientcore/internal/platform/middleware"
	"github.com/ehr/patientcore/internal/platform/telemetry"
)

const shutdownTimeout = 10 * time.Second

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns}
}

// backends are the stores selected by STORE_BACKEND and LOCK_BACKEND. The
// patient repository and the audit store always share one unit of work.
type backends struct {
	pool    *pgxpool.Pool
	repo    lifecycle.Repository
	audit   hipaa.AuditStore
	uow     db.UnitOfWork
	locker  lock.Locker
	closers []func()
}

func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		b.pool = pool
		b.repo = lifecycle.NewPGRepository(pool)
		b.audit = hipaa.NewPGAuditStore(pool)
		b.uow = db.NewPGUnitOfWork(pool)
		logger.Info().Msg("connected to database")
	case config.BackendMemory:
		b.repo = lifecycle.NewMemoryRepository()
		b.audit = hipaa.NewMemoryAuditStore()
		b.uow = db.NewMemoryUnitOfWork()
		logger.Warn().Msg("using in-memory stores; data is lost on exit")
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	switch cfg.LockBackend {
	case config.LockRedis:
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		b.locker = lock.NewRedisLocker(client, cfg.LockTTL, logger)
	default:
		b.locker = lock.NewLocalLocker()
	}
	return b, nil
}

// Close releases backends in reverse order of acquisition.
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

func newRetentionManager(ctx context.Context, cfg *config.Config, store hipaa.AuditStore, metrics *telemetry.Metrics, logger zerolog.Logger) (*hipaa.RetentionManager, error) {
	opts := []hipaa.RetentionOption{hipaa.WithRetentionMetrics(metrics)}
	if cfg.ArchiveEnabled() {
		archiver, err := archive.NewS3Archiver(ctx, archive.Config{
			Bucket:    cfg.ArchiveS3Bucket,
			Region:    cfg.ArchiveS3Region,
			Endpoint:  cfg.ArchiveS3Endpoint,
			Prefix:    cfg.ArchiveS3Prefix,
			PathStyle: cfg.ArchiveS3PathStyle,
		}, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, hipaa.WithArchiver(archiver))
	}
	return hipaa.NewRetentionManager(store, cfg.AuditRetentionDays, logger, opts...)
}

// app is the assembled HTTP surface and the components it drives.
type app struct {
	echo      *echo.Echo
	tracker   *lifecycle.Tracker
	retention *hipaa.RetentionManager
	metrics   *telemetry.Metrics
}

func newApp(ctx context.Context, cfg *config.Config, b *backends, logger zerolog.Logger) (*app, error) {
	metrics := telemetry.New()

	retention, err := newRetentionManager(ctx, cfg, b.audit, metrics, logger)
	if err != nil {
		return nil, err
	}
	tracker := lifecycle.NewTracker(b.repo, b.audit, b.uow, logger,
		lifecycle.WithLocker(b.locker),
		lifecycle.WithMetrics(metrics),
	)
	access := hipaa.NewAccessLogger(b.audit, logger, hipaa.WithAccessMetrics(metrics))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	switch cfg.ResolvedAuthMode() {
	case config.AuthDevelopment:
		logger.Warn().Msg("development auth is active: requests run as the X-User-ID/X-User-Roles identity or as admin")
		e.Use(auth.DevAuthMiddleware())
	case config.AuthSharedKey:
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	default:
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if b.pool != nil {
		e.GET("/health/db", db.HealthHandler(b.pool))
	}
	e.GET("/metrics", metrics.Handler())

	api := e.Group("/api/v1")
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	guard := middleware.Guard(access)

	lifecycle.NewHandler(tracker).RegisterRoutes(api, guard)
	hipaa.NewAuditHandler(b.audit, access, metrics, logger).RegisterRoutes(api, guard)
	hipaa.NewRetentionHandler(retention).RegisterRoutes(api, guard)

	return &app{echo: e, tracker: tracker, retention: retention, metrics: metrics}, nil
}

// runServer serves HTTP and runs the retention scheduler until ctx is
// cancelled, then shuts both down.
func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	a, err := newApp(ctx, cfg, b, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = a.echo.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = a.echo.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().
			Int("retention_days", a.retention.Days()).
			Dur("interval", cfg.RetentionInterval).
			Msg("retention scheduler started")
		return a.retention.Run(gctx, cfg.RetentionInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}
