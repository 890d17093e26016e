// Package api serves the catalog and reconcile endpoints over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/correlator-io/reconciler/internal/api/middleware"
	"github.com/correlator-io/reconciler/internal/catalog"
	"github.com/correlator-io/reconciler/internal/events"
	"github.com/correlator-io/reconciler/internal/ingestion"
	"github.com/correlator-io/reconciler/internal/lineage"
	"github.com/correlator-io/reconciler/internal/reconcile"
	"github.com/correlator-io/reconciler/internal/storage"
)

type (
	// HealthChecker reports whether a backend can serve requests.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// Dependencies are the runtime collaborators of the server. Catalog is
	// required. Without Reconciler the reconcile endpoints answer 503, and
	// without Builder so does the lineage endpoint.
	Dependencies struct {
		Catalog    catalog.Catalog
		Reconciler *reconcile.Reconciler
		Builder    *lineage.Builder
		Manifest   *ingestion.Manifest
		Publisher  events.Publisher
		// Health backs /ready; when nil the catalog is used if it implements HealthChecker.
		Health  HealthChecker
		Version string
		Logger  *slog.Logger
	}

	// Server represents the HTTP API server.
	Server struct {
		httpServer  *http.Server
		logger      *slog.Logger
		config      *ServerConfig
		startTime   time.Time
		deps        Dependencies
		apiKeyStore storage.APIKeyStore
		rateLimiter middleware.RateLimiter
	}
)

// NewServer builds the server and its middleware chain. A nil apiKeyStore
// disables authentication; a nil rateLimiter disables rate limiting.
func NewServer(
	cfg *ServerConfig,
	deps Dependencies,
	apiKeyStore storage.APIKeyStore,
	rateLimiter middleware.RateLimiter,
) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	}

	if deps.Manifest == nil {
		deps.Manifest = ingestion.DefaultManifest()
	}

	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}

	if deps.Health == nil {
		if hc, ok := deps.Catalog.(HealthChecker); ok {
			deps.Health = hc
		}
	}

	if deps.Version == "" {
		deps.Version = "dev"
	}

	server := &Server{
		logger:      logger,
		config:      cfg,
		deps:        deps,
		apiKeyStore: apiKeyStore,
		rateLimiter: rateLimiter,
	}

	mux := http.NewServeMux()
	server.setupRoutes(mux)

	if apiKeyStore != nil { // pragma: allowlist secret
		logger.Info("API key authentication enabled")
	} else {
		logger.Warn("APIKeyStore not configured - authentication disabled")
	}

	if rateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting disabled")
	}

	var cors middleware.CORSConfig
	if c := cfg.ToCORSConfig(); c != nil {
		cors = c
	}

	// Outermost first. Auth must precede rate limiting for per-client buckets.
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAuth(apiKeyStore, logger),
		middleware.WithRateLimit(rateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cors),
	)

	server.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return server
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	defer signal.Stop(stop)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting reconciler API server",
			slog.String("address", s.config.Address()),
			slog.String("version", s.deps.Version),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

// shutdown drains in-flight requests, then releases every closable dependency.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown", slog.Duration("shutdown_timeout", s.config.ShutdownTimeout))

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.closeDependency("change event publisher", s.deps.Publisher)
	s.closeDependency("API key store", s.apiKeyStore)
	s.closeDependency("rate limiter", s.rateLimiter)

	s.logger.Info("Server shutdown completed successfully")

	return nil
}

func (s *Server) closeDependency(name string, dep any) {
	closer, ok := dep.(io.Closer)
	if !ok {
		return
	}

	if err := closer.Close(); err != nil {
		s.logger.Error("Failed to close "+name, slog.String("error", err.Error()))

		return
	}

	s.logger.Info("Closed " + name)
}
