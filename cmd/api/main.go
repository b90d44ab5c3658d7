package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"modelopt/internal/artifact"
	"modelopt/internal/auth"
	"modelopt/internal/codec"
	"modelopt/internal/config"
	"modelopt/internal/database"
	"modelopt/internal/database/migration"
	handlers "modelopt/internal/http/handler"
	"modelopt/internal/http/middleware"
	"modelopt/internal/ingest"
	"modelopt/internal/lifecycle"
	"modelopt/internal/logger"
	"modelopt/internal/metrics"
	"modelopt/internal/otel"
	"modelopt/internal/pipeline"
	"modelopt/internal/repository"
	"modelopt/internal/repository/postgres"
	"modelopt/internal/service"
	"modelopt/internal/storage"
)

const shutdownTimeout = 30 * time.Second

// @title						Model Optimization API
// @version					1.0
// @description				Optimizes GLB and glTF models and serves the results.
// @BasePath					/
// @securityDefinitions.apikey	BearerAuth
// @in							header
// @name						Authorization
func main() {
	// Load configuration from environment variables (.env auto-loaded if present)
	cfg := config.Load()

	zl, _, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()

	if err := cfg.Validate(); err != nil {
		zl.Fatal("invalid configuration", zap.Error(err))
	}
	if err := run(cfg, zl); err != nil {
		zl.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.AppConfig, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Init(ctx, zl)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// The database backs the usage ledger and history. Without one every
	// caller is anonymous-grade and history is disabled.
	var (
		db       *sql.DB
		accounts repository.AccountRepository
		history  repository.HistoryRepository
	)
	if database.Configured(cfg.Database) {
		db, err = database.NewPostgres(ctx, cfg.Database, zl)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := database.RegisterMetrics(reg, db); err != nil {
			return err
		}
		if err := migration.EnsureMigrated(ctx, db, zl, cfg.Database.Host); err != nil {
			return err
		}
		accounts = postgres.NewAccountPostgres(db)
		history = postgres.NewHistoryPostgres(db)
	} else {
		zl.Warn("database not configured; history and quotas disabled", zap.String("event", "db_disabled"))
	}

	backend, err := storage.New(cfg.Storage, zl)
	if err != nil {
		return err
	}
	store := artifact.NewStore(backend, cfg.Storage.PresignExpiry)

	jobMetrics, err := metrics.NewJobs(reg)
	if err != nil {
		return err
	}
	sweepMetrics, err := metrics.NewSweep(reg)
	if err != nil {
		return err
	}
	httpMetrics, err := middleware.NewPrometheusMiddleware(reg)
	if err != nil {
		return err
	}

	engine := codec.Shared(codec.Options{
		WeldTolerance:     cfg.Codec.WeldTolerance,
		SimplifyTolerance: cfg.Codec.SimplifyTolerance,
		DracoEncoderBin:   cfg.Codec.DracoEncoderBin,
		EncoderTimeout:    cfg.Codec.EncoderTimeout,
		TempDir:           cfg.Jobs.TempDir,
		Logger:            zl,
	})
	pipe := pipeline.New(ingest.New(cfg.Jobs.AllowGLTFJSON), engine, jobMetrics, zl)

	policy := lifecycle.PolicyFromConfig(cfg.Limits)
	access := service.NewAccessResolver(accounts, cfg.Jobs.AccessCacheTTL)
	jobs := service.NewJobService(pipe, store, access, history, jobMetrics, service.Config{
		Policy:        policy,
		MaxConcurrent: int64(cfg.Jobs.MaxConcurrent),
		PublicBaseURL: cfg.Storage.PublicBaseURL,
	}, zl)

	sweeper := lifecycle.NewSweeper(store, policy, access, sweepMetrics, zl,
		lifecycle.WithInterval(cfg.Jobs.SweepInterval),
		lifecycle.WithParallelism(cfg.Jobs.SweepParallelism),
	)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(ctx)
	}()

	app := fiber.New(fiber.Config{
		ErrorHandler: handlers.ErrorHandler(),
		// Multipart overhead on top of the largest admissible model.
		BodyLimit:             int(policy.MaxEntitledUpload) + 1<<20,
		DisableStartupMessage: true,
	})

	app.Use(middleware.RequestID())
	app.Use(otelfiber.Middleware())
	app.Use(httpMetrics.Handler())
	app.Use(middleware.Logger(zl))

	deps := handlers.Deps{
		Jobs:           jobs,
		Auth:           auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience),
		Gatherer:       reg,
		ServeFiles:     storage.Resolve(cfg.Storage) == storage.BackendLocal,
		TempDir:        cfg.Jobs.TempDir,
		RateLimitRPS:   cfg.Jobs.RateLimitRPS,
		RateLimitBurst: cfg.Jobs.RateLimitBurst,
		Log:            zl,
	}
	// A nil *sql.DB must not reach the interface field.
	if db != nil {
		deps.DB = db
	}
	handlers.RegisterRoutes(app, deps)

	errCh := make(chan error, 1)
	go func() {
		zl.Info("server listening", zap.String("event", "listening"), zap.String("port", cfg.Port))
		errCh <- app.Listen(":" + cfg.Port)
	}()

	select {
	case err := <-errCh:
		stop()
		<-sweepDone
		return err
	case <-ctx.Done():
	}

	zl.Info("shutting down", zap.String("event", "shutdown"))
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		zl.Warn("graceful shutdown incomplete", zap.Error(err))
	}
	<-sweepDone
	return nil
}
