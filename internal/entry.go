// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/guardian/internal/api"
	"github.com/starford/guardian/internal/auth"
	"github.com/starford/guardian/internal/engine"
	"github.com/starford/guardian/internal/flowservice"
	"github.com/starford/guardian/internal/inbox"
	"github.com/starford/guardian/internal/mcpserver"
	"github.com/starford/guardian/internal/metrics"
	"github.com/starford/guardian/internal/migrate"
	"github.com/starford/guardian/internal/nodeservice"
	"github.com/starford/guardian/internal/snapstore"
	"github.com/starford/guardian/internal/sse"
	"github.com/starford/guardian/internal/store"
	"github.com/starford/guardian/internal/timeline"
)

// pinger is implemented by dependencies that can report readiness.
type pinger interface {
	Ping(ctx context.Context) error
}

// services is the wired application graph shared by every command.
type services struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	db      *store.DB
	drafts  snapstore.Store
	broker  *sse.Broker
	nodes   *nodeservice.Service
	flows   *flowservice.Service
	engines *engine.Registry
	closers []io.Closer
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
}

func newServices(ctx context.Context, cfg *Config, logger *slog.Logger) (*services, error) {
	s := &services{logger: logger, metrics: metrics.New()}

	db, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	s.db = db
	s.closers = append(s.closers, db)

	var regOpts []engine.RegistryOption
	switch cfg.Drafts.Backend {
	case DraftsRedis:
		r, err := snapstore.NewRedis(ctx, cfg.Drafts.RedisURL, cfg.Drafts.TTL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("init drafts: %w", err)
		}
		s.drafts = r
		s.closers = append(s.closers, r)
		// Cached drafts must not outlive their Redis keys.
		regOpts = append(regOpts, engine.WithIdleTTL(cfg.Drafts.TTL))
	default:
		fs, err := snapstore.NewFS(cfg.Drafts.Dir)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("init drafts: %w", err)
		}
		s.drafts = fs
	}

	s.broker = sse.NewBroker(cfg.App.HTTP.GraphThrottle, s.metrics)
	s.nodes = nodeservice.NewService(db, migrate.New(db, logger, s.metrics), s.broker)
	s.flows = flowservice.NewService(db, cfg.Canvas.Floor(), cfg.Canvas.Throttle, s.broker)
	s.engines = engine.NewRegistry(s.drafts, logger, regOpts...)
	return s, nil
}

// Close releases the broker and storage connections.
func (s *services) Close() {
	if s.broker != nil {
		s.broker.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}
}

// newVerifier builds the token verifier for the configured auth mode. A nil
// verifier means authentication is disabled.
func newVerifier(cfg AuthConfig) (auth.Verifier, error) {
	switch cfg.Mode {
	case auth.ModeToken:
		return auth.StaticVerifier{Token: cfg.Token, UserID: cfg.UserID}, nil
	case auth.ModeSupabase:
		lookup, err := auth.NewSupabaseClientLookup(cfg.Supabase.URL, cfg.Supabase.Key)
		if err != nil {
			return nil, err
		}
		return auth.NewSupabaseVerifier(lookup, cfg.Supabase.Timeout, cfg.Supabase.BreakerTimeout), nil
	default:
		return nil, nil
	}
}

func writeStatus(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// readyHandler pings every dependency that supports it.
func readyHandler(deps map[string]pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for name, p := range deps {
			if err := p.Ping(ctx); err != nil {
				writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "dependency": name})
				return
			}
		}
		writeStatus(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *services) router(cfg *Config, verifier auth.Verifier) http.Handler {
	h := api.NewHandler(s.nodes, s.flows, s.engines)
	apiRouter := api.NewRouter(h, api.Auth{Verifier: verifier, LocalUser: cfg.Auth.UserID}, s.broker)

	deps := map[string]pinger{"database": s.db}
	if p, ok := s.drafts.(pinger); ok {
		deps["drafts"] = p
	}
	if p, ok := verifier.(pinger); ok {
		deps["auth"] = p
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Middleware)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", readyHandler(deps))
	r.Handle("/metrics", s.metrics.Handler())

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)
	return r
}

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config

	// Initialize structured JSON logger.
	logger := app.logger
	if logger == nil {
		logger = newLogger(cfg, os.Stdout)
	}
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("database_driver", cfg.Database.Driver),
		slog.String("drafts_backend", cfg.Drafts.Backend),
		slog.String("auth_mode", cfg.Auth.Mode),
		slog.String("log_level", cfg.App.LogLevel.String()))

	svc, err := newServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           svc.router(cfg, verifier),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start snapshot inbox watcher.
	if cfg.Inbox.Enabled {
		g.Go(func() error {
			return inbox.Watch(gCtx, cfg.Inbox.Dir, svc.nodes, logger, nil)
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

		// SSE streams end when the broker closes; otherwise Shutdown waits
		// for them until the timeout.
		svc.broker.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group so that the inbox watcher stops with the
// server.
var errShutdown = errors.New("shutdown")

// Migrate imports the snapshot at path into userID's stored timeline and
// writes the migration report to the configured output as JSON.
func Migrate(ctx context.Context, userID, path string, opts ...Option) error {
	app := newApplication(opts)
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	logger := app.logger
	if logger == nil {
		logger = newLogger(app.config, os.Stderr)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	snap, err := timeline.DecodeSnapshot(data)
	if err != nil {
		return err
	}

	svc, err := newServices(ctx, app.config, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	rep, err := svc.nodes.Import(ctx, userID, snap)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", path, err)
	}
	logger.Info("Snapshot migrated",
		slog.String("user", userID),
		slog.String("migration_id", rep.MigrationID),
		slog.Int("inserted", rep.Inserted),
		slog.Int("orphans", len(rep.Orphans)),
		slog.Bool("replayed", rep.Replayed))

	enc := json.NewEncoder(app.out)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// Render writes the snapshot at path in the given format without touching
// any storage.
func Render(path, format string, w io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	snap, err := timeline.DecodeSnapshot(data)
	if err != nil {
		return err
	}
	g, err := timeline.FromSnapshot(snap)
	if err != nil {
		return err
	}
	out, err := g.Render(format)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}

// ServeMCP runs the MCP server on stdin/stdout for the configured user.
// Logs go to stderr so they do not corrupt the protocol stream.
func ServeMCP(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	logger := app.logger
	if logger == nil {
		logger = newLogger(app.config, os.Stderr)
	}

	svc, err := newServices(ctx, app.config, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	logger.Info("MCP server starting", slog.String("user", app.config.Auth.UserID))
	return mcpserver.New(svc.nodes, svc.flows, app.config.Auth.UserID).ServeStdio()
}
