// Review Bridge - code review orchestration server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/ashureev/review-bridge/internal/api"
	"github.com/ashureev/review-bridge/internal/config"
	"github.com/ashureev/review-bridge/internal/council"
	"github.com/ashureev/review-bridge/internal/middleware"
	"github.com/ashureev/review-bridge/internal/progress"
	"github.com/ashureev/review-bridge/internal/review"
	"github.com/ashureev/review-bridge/internal/sandbox"
	"github.com/ashureev/review-bridge/internal/store"
	"github.com/ashureev/review-bridge/internal/stream"
)

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	profiles := pflag.String("profiles", "", "YAML sandbox profile catalog (overrides SANDBOX_PROFILES)")
	pflag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Info("No .env file found, using environment variables", "path", *envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *profiles != "" {
		cfg.Sandbox.ProfilesPath = *profiles
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	slog.Info("Starting server",
		"port", cfg.Port,
		"store", cfg.Store.Backend,
		"council", cfg.Council.Transport,
		"sandbox", cfg.Sandbox.Backend,
		"in_container", config.IsContainer())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	sessions, err := openStore(cfg.Store)
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := sessions.Close(); closeErr != nil {
			slog.Error("Failed to close session store", "error", closeErr)
		}
	}()
	if err := sessions.Ping(ctx); err != nil {
		slog.Error("Session store health check failed", "error", err)
		os.Exit(1)
	}
	store.StartExpiryWorker(ctx, sessions, cfg.Store.SweepInterval, logger)
	slog.Info("Session store ready", "backend", cfg.Store.Backend, "session_ttl", cfg.Store.SessionTTL)

	analyzer, closeAnalyzer, err := openCouncil(cfg.Council, logger)
	if err != nil {
		slog.Error("Failed to initialize review council client", "error", err)
		os.Exit(1)
	}
	defer closeAnalyzer()

	executor, err := openSandbox(ctx, cfg.Sandbox, logger)
	if err != nil {
		slog.Error("Failed to initialize sandbox", "error", err)
		os.Exit(1)
	}

	catalog, err := sandbox.LoadCatalog(cfg.Sandbox.ProfilesPath)
	if err != nil {
		slog.Error("Failed to load sandbox profiles", "error", err, "path", cfg.Sandbox.ProfilesPath)
		os.Exit(1)
	}

	hub := progress.NewHub(0, logger)
	orch, err := review.New(review.Deps{
		Store:    sessions,
		Hub:      hub,
		Analyzer: analyzer,
		Executor: executor,
		Profiles: catalog,
		Logger:   logger,
	}, review.Config{
		AnalysisTimeout:       cfg.Timeouts.Analysis,
		ExecutionTimeout:      cfg.Timeouts.Execution,
		FixTimeout:            cfg.Timeouts.Fix,
		ReleaseTimeout:        cfg.Timeouts.Release,
		ReleaseMaxRetries:     cfg.Timeouts.ReleaseMaxRetries,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
	})
	if err != nil {
		slog.Error("Failed to initialize orchestrator", "error", err)
		os.Exit(1)
	}

	// Initialize handlers.
	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()

	streamOpts := stream.Options{
		KeepaliveInterval: cfg.SSE.KeepaliveInterval,
		RetryDelay:        cfg.SSE.RetryDelay,
		AllowedOrigins:    cfg.AllowedOrigins,
		Logger:            logger,
	}
	reviewHandler := api.NewReviewHandler(orch, cfg.SSE.MaxRequestBodySize, middleware.RateLimit(limiter))
	sseHandler := stream.NewSSEHandler(orch, streamOpts)
	wsHandler := stream.NewWebSocketHandler(orch, streamOpts)
	healthHandler := api.NewHealthHandler(map[string]api.Pinger{
		"store":   sessions,
		"council": api.PingFunc(analyzer.Health),
	}, cfg.Timeouts.HealthCheck)

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	healthHandler.RegisterHealth(r)
	reviewHandler.RegisterRoutes(r, sseHandler.Register)
	r.Get("/ws/review/{id}", wsHandler.ServeHTTP)

	// SSE and WebSocket streams outlive any write deadline.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown)
	defer cancel()

	// Close streams first so Shutdown does not wait on idle subscribers.
	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Error("Reviews still running at shutdown", "error", err, "in_flight", orch.InFlight())
	}

	slog.Info("Server stopped successfully")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openStore(cfg config.StoreConfig) (store.SessionStore, error) {
	opts := store.Options{
		TTL:            cfg.SessionTTL,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
	}
	if cfg.Backend == "memory" {
		return store.NewMemory(opts), nil
	}
	return store.NewSQLite(cfg.DBPath, opts)
}

func openCouncil(cfg config.CouncilConfig, logger *slog.Logger) (council.Analyzer, func(), error) {
	if cfg.Transport == "http" {
		slog.Info("Using review council over HTTP", "url", cfg.URL)
		return council.NewHTTPClient(cfg.URL, nil, logger), func() {}, nil
	}
	slog.Info("Connecting to review council via gRPC", "address", cfg.Addr)
	client, err := council.NewGrpcClient(council.DefaultGrpcClientConfig(cfg.Addr), logger)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

func openSandbox(ctx context.Context, cfg config.SandboxConfig, logger *slog.Logger) (sandbox.Executor, error) {
	switch cfg.Backend {
	case "docker":
		exec, err := sandbox.NewDockerExecutor(cfg.Runtime, logger)
		if err != nil {
			return nil, err
		}
		sandbox.StartReaper(ctx, exec, cfg.ReapInterval, cfg.MaxAge, logger)
		return exec, nil
	case "remote":
		slog.Info("Using remote sandbox service", "url", cfg.URL)
		return sandbox.NewRemoteExecutor(cfg.URL, nil, logger), nil
	default:
		slog.Info("Sandbox execution disabled, generated tests will not run")
		return sandbox.Disabled{}, nil
	}
}
