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

	"github.com/starford/recordsync/internal/api"
	"github.com/starford/recordsync/internal/mcpserver"
	"github.com/starford/recordsync/internal/replica"
	"github.com/starford/recordsync/internal/store"
	"github.com/starford/recordsync/internal/task"
)

// Run starts the HTTP server, the periodic sync loop and, for a directory
// remote, the remote watcher.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger, closeLog := newLogger(cfg.App, os.Stdout)
	defer closeLog()
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("store", cfg.Store.Kind),
		slog.String("remote", cfg.Remote.Kind),
		slog.Any("sync_types", cfg.Sync.Types),
		slog.Duration("sync_interval", cfg.Sync.Interval),
		slog.String("log_level", cfg.App.LogLevel.String()))

	c, err := newComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(context.Background()); err != nil {
			logger.Error("Close error", slog.String("error", err.Error()))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: newRootRouter(c),
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	if c.replica != nil {
		pulls := make(chan []string, 1)

		if c.dir != nil && cfg.Remote.Directory.Watch {
			g.Go(func() error {
				err := c.dir.Watch(gCtx, cfg.Remote.Directory.Debounce, func(recordTypes []string) {
					types := c.entityTypes(recordTypes)
					if len(types) == 0 {
						return
					}
					select {
					case pulls <- types:
					case <-gCtx.Done():
					}
				})
				if err != nil {
					logger.Warn("remote watcher stopped", slog.String("error", err.Error()))
				}
				return nil
			})
		}

		g.Go(func() error {
			syncLoop(gCtx, c.replica, cfg.Sync, pulls, logger)
			return nil
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

		var stop error
		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
			stop = errShutdown
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return stop
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the errgroup on a signal so the sync goroutines stop too.
var errShutdown = errors.New("shutdown requested")

func newRootRouter(c *components) chi.Router {
	var syncer api.Syncer
	if c.replica != nil {
		syncer = c.replica
	}
	apiRouter := api.NewRouter(c.entities, syncer, c.cfg.Auth.AuthEnabled(), c.cfg.Auth.Token, c.broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		err := c.store.View(ctx, func(tx store.Tx) error {
			_, err := tx.Load()
			return err
		})
		if err != nil {
			writeStatus(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		writeStatus(w, http.StatusOK, "ok")
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)
	return r
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"status":%q}`, status)
}

// syncLoop runs a full cycle every cfg.Interval and a pull of the types
// received on pulls. Cycles and pulls never overlap.
func syncLoop(ctx context.Context, r *replica.Replica, cfg SyncConfig, pulls <-chan []string, logger *slog.Logger) {
	var tick <-chan time.Time
	if cfg.Interval > 0 {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	cycle := func() {
		if err := r.RunCycle(ctx, cfg.Types); err != nil && ctx.Err() == nil {
			logger.Warn("sync cycle finished with errors", slog.String("error", err.Error()))
		}
	}
	if cfg.Interval > 0 {
		cycle()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			cycle()
		case types := <-pulls:
			logger.Debug("remote changed", slog.Any("types", types))
			if _, err := runOps(ctx, pullOps(r, types)); err != nil && ctx.Err() == nil {
				logger.Warn("pull after remote change failed", slog.String("error", err.Error()))
			}
		}
	}
}

func pullOps(r *replica.Replica, types []string) []*task.Operation {
	ops := make([]*task.Operation, 0, len(types))
	for _, typ := range types {
		ops = append(ops, r.PullTask(typ))
	}
	return ops
}

func pushOps(r *replica.Replica, types []string) []*task.Operation {
	ops := make([]*task.Operation, 0, len(types))
	for _, typ := range types {
		ops = append(ops, r.PushTask(typ))
	}
	return ops
}

func runOps(ctx context.Context, ops []*task.Operation) ([]task.Result, error) {
	q := task.NewQueue(ctx, 1)
	for _, op := range ops {
		q.Add(op)
	}
	return q.Wait()
}

// Sync directions accepted by Sync.
const (
	SyncPush = replica.DirectionPush
	SyncPull = replica.DirectionPull
)

// Sync runs one push or pull of types, or of the configured sync types when
// types is empty, and returns the joined errors.
func Sync(ctx context.Context, direction string, types []string, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger, closeLog := newLogger(cfg.App, os.Stderr)
	defer closeLog()
	slog.SetDefault(logger)

	c, err := newComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	if c.replica == nil {
		return errNoRemote
	}
	if len(types) == 0 {
		types = cfg.Sync.Types
	}
	for _, typ := range types {
		if _, ok := c.reg.Lookup(typ); !ok {
			return fmt.Errorf("unknown entity type %q", typ)
		}
	}

	var ops []*task.Operation
	switch direction {
	case SyncPush:
		ops = pushOps(c.replica, types)
	case SyncPull:
		ops = pullOps(c.replica, types)
	default:
		return fmt.Errorf("unknown sync direction %q", direction)
	}

	// Cancel queued operations on a signal; the running one sees ctx done.
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		for _, op := range ops {
			op.Cancel()
		}
	}()

	results, err := runOps(sigCtx, ops)
	for _, res := range results {
		logger.Info("Operation finished",
			slog.String("operation", res.Name),
			slog.Bool("ok", res.Err == nil),
			slog.Bool("cancelled", res.Cancelled))
	}
	return err
}

// ServeMCP serves the MCP tools on stdin/stdout until the client disconnects.
// Logs never go to stdout here since it carries the protocol.
func ServeMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger, closeLog := newLogger(cfg.App, os.Stderr)
	defer closeLog()
	slog.SetDefault(logger)

	c, err := newComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	var syncer mcpserver.Syncer
	if c.replica != nil {
		syncer = c.replica
	}
	logger.Info("MCP server starting on stdio", slog.String("version", app.version))
	return mcpserver.New(c.entities, syncer, app.version).ServeStdio()
}
