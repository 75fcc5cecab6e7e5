// Package internal provides the main application initialization and runtime logic.
package internal

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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/sealbook/internal/api"
	"github.com/starford/sealbook/internal/engine"
	"github.com/starford/sealbook/internal/index"
	"github.com/starford/sealbook/internal/mcpserver"
	"github.com/starford/sealbook/internal/noteservice"
	"github.com/starford/sealbook/internal/sse"
)

func (a *application) init(opts []Option) error {
	a.logOutput = os.Stdout
	for _, opt := range opts {
		opt(a)
	}
	if a.config == nil {
		return fmt.Errorf("config is required")
	}
	return nil
}

func (a *application) logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(a.logOutput, &slog.HandlerOptions{
		Level: a.config.App.LogLevel,
	}))
}

// OpenEngine wires the engine described by cfg. events may be nil.
func OpenEngine(cfg *Config, logger *slog.Logger, events noteservice.Publisher) (*engine.Engine, error) {
	opts, err := cfg.EngineOptions(logger)
	if err != nil {
		return nil, err
	}
	opts.Events = events
	e, err := engine.Open(opts)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// startup indexes the notes tree and finishes interrupted transitions.
func startup(ctx context.Context, e *engine.Engine, logger *slog.Logger) {
	if err := index.Sync(e.Index, e.Files, e.Protected, logger); err != nil {
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}
	rep, err := e.Service.Resume(ctx)
	if err != nil {
		logger.Error("resume interrupted transitions failed", slog.String("error", err.Error()))
		return
	}
	for _, nb := range rep.Pending {
		logger.Warn("transition waits for unlock", slog.String("notebook", nb))
	}
	for _, nb := range rep.Failed {
		logger.Error("transition could not be resumed", slog.String("notebook", nb))
	}
}

// autoLockTick returns how often idle sessions are checked.
func autoLockTick(after time.Duration) time.Duration {
	tick := after / 4
	switch {
	case tick < time.Second:
		return time.Second
	case tick > 30*time.Second:
		return 30 * time.Second
	}
	return tick
}

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}
	if err := app.init(opts); err != nil {
		return err
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := app.logger()
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("storage_path", cfg.Storage.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("keystore_path", cfg.Keystore.Path),
		slog.String("presence_mode", cfg.Presence.Mode),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	e, err := OpenEngine(cfg, logger, broker)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	defer e.Close()

	startup(ctx, e, logger)

	apiRouter := api.NewRouter(e.Service, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := e.Index.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start file watcher with SSE callback.
	g.Go(func() error {
		if err := index.Watch(gCtx, e.Index, e.Files, e.Protected, logger, e.Service.OnIndexEvent); err != nil {
			logger.Error("file watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	// Lock idle sessions.
	if after := cfg.Session.AutoLockAfter; after > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(autoLockTick(after))
			defer ticker.Stop()
			for {
				select {
				case <-gCtx.Done():
					return nil
				case <-ticker.C:
					e.Service.AutoLock(gCtx, after)
				}
			}
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		// Drop every session so no key outlives the process.
		e.Service.LockAll()
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the run group once shutdown has been handled.
var errShutdown = errors.New("shutdown")

// RunMCP serves the MCP tools on stdin/stdout. Logs go to the configured log
// output, which must not be stdout.
func RunMCP(ctx context.Context, opts ...Option) error {
	app := &application{}
	if err := app.init(opts); err != nil {
		return err
	}
	if app.logOutput == os.Stdout {
		app.logOutput = os.Stderr
	}
	logger := app.logger()
	slog.SetDefault(logger)

	e, err := OpenEngine(app.config, logger, nil)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	defer e.Close()

	startup(ctx, e, logger)

	logger.Info("MCP server starting on stdio")
	return mcpserver.New(e.Service).ServeStdio()
}
