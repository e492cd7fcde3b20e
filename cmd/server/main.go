// Taskflow - task orchestration server
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

	"github.com/ashureev/taskflow/internal/api"
	"github.com/ashureev/taskflow/internal/config"
	"github.com/ashureev/taskflow/internal/domain"
	"github.com/ashureev/taskflow/internal/identity"
	"github.com/ashureev/taskflow/internal/middleware"
	"github.com/ashureev/taskflow/internal/orchestrator"
	"github.com/ashureev/taskflow/internal/phaseexec"
	"github.com/ashureev/taskflow/internal/query"
	"github.com/ashureev/taskflow/internal/retry"
	"github.com/ashureev/taskflow/internal/store"
	"github.com/ashureev/taskflow/internal/stream"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "container", config.IsContainer())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	executors := buildExecutors(cfg, logger)

	retries := retry.NewManager(repo, cfg.MaxRetries, cfg.RetryLineageMode)
	hub := stream.NewHub()
	orch := orchestrator.New(repo, executors, retries, hub)
	queries := query.NewService(repo)

	// Initialize handlers.
	taskHandler := api.NewTaskHandler(orch, queries)
	healthHandler := api.NewHealthHandler(repo)
	wsHandler := stream.NewWebSocketHandler(orch, hub, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Routes.
	healthHandler.RegisterHealth(r)
	taskHandler.RegisterRoutes(r)

	// WebSocket status stream.
	r.Get("/ws/tasks/{sessionID}", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket streams must not be cut off by a write timeout
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start stale-session sweeper.
	orchestrator.NewSweeper(repo, cfg.SessionTTL, cfg.SweepInterval, hub).Start(ctx)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// buildExecutors wires the phase executors from configuration: an external
// gRPC service when configured, otherwise the built-in heuristics, with an
// optional container sandbox for the build phase. Connection failures fall
// back to local execution rather than aborting startup.
func buildExecutors(cfg *config.Config, logger *slog.Logger) phaseexec.Registry {
	executors := phaseexec.NewLocalRegistry()

	if cfg.ExecutorAddr != "" {
		remote, err := phaseexec.NewRemoteExecutor(phaseexec.DefaultRemoteConfig(cfg.ExecutorAddr), logger)
		if err != nil {
			slog.Warn("Remote executor unavailable, using local executors", "error", err)
		} else {
			for phase := range executors {
				executors[phase] = remote
			}
			return executors
		}
	}

	if cfg.Sandbox.Enabled {
		sandbox, err := phaseexec.NewSandboxExecutor(phaseexec.SandboxConfig{
			Image:   cfg.Sandbox.Image,
			Runtime: cfg.Sandbox.Runtime,
		})
		if err != nil {
			slog.Warn("Build sandbox unavailable, using local build executor", "error", err)
		} else {
			executors[domain.PhaseBuild] = sandbox
		}
	}

	return executors
}
