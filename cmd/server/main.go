// Pulseboard - realtime aggregate broadcast server
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

	"github.com/ashureev/pulseboard/internal/aggregate"
	"github.com/ashureev/pulseboard/internal/api"
	"github.com/ashureev/pulseboard/internal/broadcast"
	"github.com/ashureev/pulseboard/internal/config"
	"github.com/ashureev/pulseboard/internal/feed"
	"github.com/ashureev/pulseboard/internal/middleware"
	"github.com/ashureev/pulseboard/internal/session"
	"github.com/ashureev/pulseboard/internal/store"
	"github.com/ashureev/pulseboard/internal/transport"
	"github.com/ashureev/pulseboard/web"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

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

	// Initialize services.
	engine := aggregate.NewEngine(repo, cfg.ComputeTimeout)
	registry := session.NewRegistry()
	hub := transport.NewHub()
	coord := broadcast.NewCoordinator(engine, registry, hub, int64(cfg.MaxConcurrentRecomputes))

	// One live change subscription for the process lifetime.
	notifier := feed.NewNotifier(repo.WatchChanges())

	// Initialize handlers.
	apiHandler := api.NewHandler(repo, engine)
	wsHandler := transport.NewHandler(registry, hub, coord, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws", wsHandler.ServeHTTP)

	// Serve embedded dashboard.
	r.Handle("/*", web.Handler())

	// Create server.
	// Note: websocket subscribers hold their connection open indefinitely,
	// so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start the change pipeline.
	go notifier.Run(ctx)
	go coord.Run(ctx, notifier)
	slog.Info("Change pipeline started", "compute_timeout", cfg.ComputeTimeout, "max_concurrent_recomputes", cfg.MaxConcurrentRecomputes)

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

	// In-flight recomputations finish before transport and store teardown.
	coord.Drain()

	slog.Info("Server stopped successfully")
}
