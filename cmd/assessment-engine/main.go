package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terra-clan/assessment-engine/internal/api"
	"github.com/terra-clan/assessment-engine/internal/catalog"
	"github.com/terra-clan/assessment-engine/internal/cleanup"
	"github.com/terra-clan/assessment-engine/internal/clock"
	"github.com/terra-clan/assessment-engine/internal/config"
	"github.com/terra-clan/assessment-engine/internal/evaluation"
	"github.com/terra-clan/assessment-engine/internal/health"
	"github.com/terra-clan/assessment-engine/internal/models"
	"github.com/terra-clan/assessment-engine/internal/storage"
	"github.com/terra-clan/assessment-engine/internal/submission"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("starting assessment-engine",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"database", cfg.Database.Driver,
		"grace_period", cfg.Submission.GracePeriod,
	)

	// Create context for initialization
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	registry := health.NewRegistry(3 * time.Second)

	repo, clients, err := openStore(initCtx, cfg, registry)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	defer registry.Close()

	// Load the catalog and seed the assessments table
	loader := catalog.NewLoader()
	if err := loader.LoadFromDir(cfg.Catalog.Dir); err != nil {
		slog.Warn("failed to load catalog from dir", "dir", cfg.Catalog.Dir, "error", err)
	}
	if err := loader.Sync(initCtx, repo); err != nil {
		slog.Error("failed to sync catalog", "error", err)
		os.Exit(1)
	}

	// Workers and background jobs stop in separate phases on shutdown
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	// Evaluation handoff
	var (
		publisher evaluation.Publisher
		pool      *evaluation.Pool
	)
	if cfg.Evaluation.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(initCtx).Err(); err != nil {
			slog.Warn("redis not reachable at startup, handoffs will retry", "address", cfg.Redis.Address, "error", err)
		}
		registry.Register("redis", health.NewRedisChecker(rdb))

		queue := evaluation.NewRedisQueue(rdb, cfg.Evaluation.Queue)
		publisher = queue

		// Recover handoffs a previous process popped but never finished
		if n, err := queue.Requeue(initCtx); err != nil {
			slog.Warn("failed to requeue unfinished handoffs", "error", err)
		} else if n > 0 {
			slog.Info("requeued unfinished handoffs", "count", n)
		}

		pool = evaluation.NewPool(queue,
			evaluation.NewHTTPEvaluator(cfg.Evaluation.EvaluatorURL, cfg.Evaluation.RequestTimeout),
			evaluation.PoolConfig{
				Workers:     cfg.Evaluation.Workers,
				MaxRetries:  cfg.Evaluation.MaxRetries,
				Backoff:     cfg.Evaluation.Backoff,
				CallTimeout: cfg.Evaluation.RequestTimeout,
			})
		pool.Start(workerCtx)
	} else {
		slog.Warn("evaluation handoff disabled")
	}

	clk := clock.Real{}

	manager := submission.NewManager(repo, clk, publisher, submission.Config{
		GracePeriod:    cfg.Submission.GracePeriod,
		PublishTimeout: cfg.Evaluation.PublishTimeout,
	})

	// Background jobs
	sweeper := cleanup.NewSweeper(repo, manager, clk, cleanup.SweepConfig{
		Interval:    cfg.Sweep.Interval,
		GracePeriod: cfg.Submission.GracePeriod,
		BatchSize:   cfg.Sweep.BatchSize,
		Concurrency: cfg.Sweep.Concurrency,
	})
	sweeper.Start(jobsCtx)

	archiver := cleanup.NewArchiver(repo, clk, cfg.Archive.Interval, cfg.Archive.MinAge)
	archiver.Start(jobsCtx)

	slog.Info("readiness checks registered", "checks", registry.List())

	// Setup HTTP server
	server := api.NewServer(
		cfg.Server,
		manager,
		clients,
		registry,
		api.NewCandidateAuth(cfg.Auth.JWTSecret),
		api.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
	)
	httpServer := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     server.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		slog.Info("HTTP server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down gracefully...")

	// Shutdown HTTP server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Nothing finalizes once the server and background jobs are down
	cancelJobs()
	sweeper.Wait()
	archiver.Wait()

	// Let in-flight handoffs reach the queue before workers stop
	manager.Wait()
	cancelWorkers()
	if pool != nil {
		pool.Wait()
	}

	slog.Info("assessment-engine stopped")
}

// openStore connects the configured repository and registers its readiness check
func openStore(ctx context.Context, cfg *config.Config, registry *health.Registry) (storage.Repository, api.ClientStore, error) {
	if cfg.Database.Driver == "memory" {
		repo := storage.NewMemoryRepository()
		if cfg.Auth.AdminAPIKey != "" {
			repo.AddClient(&models.ApiClient{
				Name:        "admin",
				ApiKey:      cfg.Auth.AdminAPIKey,
				IsActive:    true,
				CreatedAt:   time.Now().UTC(),
				Permissions: []string{"*"},
			})
		}
		slog.Warn("using in-memory store, data is lost on restart")
		return repo, repo, nil
	}

	repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{
		DSN:          cfg.Database.DSN,
		MaxOpenConns: int32(cfg.Database.MaxOpenConns),
		MaxIdleConns: int32(cfg.Database.MaxIdleConns),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database repository: %w", err)
	}
	slog.Info("database connected successfully")

	slog.Info("running database migrations", "dir", cfg.Database.MigrationsDir)
	if err := storage.RunMigrations(ctx, repo.Pool(), cfg.Database.MigrationsDir); err != nil {
		repo.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	checker, err := health.NewPostgresChecker(cfg.Database.DSN)
	if err != nil {
		repo.Close()
		return nil, nil, err
	}
	registry.Register("postgres", checker)

	if cfg.Auth.AdminAPIKey != "" {
		slog.Warn("ADMIN_API_KEY is ignored with the postgres store, manage keys in api_clients")
	}

	return repo, repo, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
