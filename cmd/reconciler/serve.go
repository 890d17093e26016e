package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/correlator-io/reconciler/internal/api"
	"github.com/correlator-io/reconciler/internal/api/middleware"
	"github.com/correlator-io/reconciler/internal/config"
	"github.com/correlator-io/reconciler/internal/storage"
)

const bootstrapClientID = "bootstrap"

var (
	// ErrBootstrapKeyMissing is returned when auth is enabled on a store without
	// a key table and RECONCILER_BOOTSTRAP_API_KEY is unset.
	ErrBootstrapKeyMissing = errors.New("RECONCILER_BOOTSTRAP_API_KEY is required when auth is enabled without postgres")

	// ErrBootstrapKeyInvalid is returned when RECONCILER_BOOTSTRAP_API_KEY is malformed.
	ErrBootstrapKeyInvalid = errors.New("invalid bootstrap API key")
)

func newServeCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the catalog and reconcile operations over HTTP",
		Long: "Serve the catalog HTTP API backed by --store. With RECONCILER_AUTH_ENABLED=true " +
			"API keys come from Postgres; other stores accept the key in RECONCILER_BOOTSTRAP_API_KEY.",
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			server, err := buildServer(cmd.Context(), a)
			if err != nil {
				return err
			}

			if err := server.Start(); err != nil {
				return err
			}

			// Closed by the server's shutdown.
			a.publisher = nil

			a.logger.Info("Reconciler service stopped")

			return nil
		}),
	}
}

// buildServer wires the HTTP server for an app: rate limiting always, API key
// authentication when RECONCILER_AUTH_ENABLED is set.
func buildServer(ctx context.Context, a *app) (*api.Server, error) {
	serverConfig := api.LoadServerConfig()

	a.logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	middlewareConfig := middleware.LoadConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	a.logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
	)

	keyStore, err := openKeyStore(ctx, a)
	if err != nil {
		_ = rateLimiter.Close()

		return nil, err
	}

	deps := api.Dependencies{
		Catalog:    a.backend.Catalog,
		Reconciler: a.reconciler,
		Builder:    a.builder,
		Manifest:   a.manifest,
		Publisher:  a.publisher,
		Version:    version,
		Logger:     a.logger,
	}

	return api.NewServer(serverConfig, deps, keyStore, rateLimiter), nil
}

func openKeyStore(ctx context.Context, a *app) (storage.APIKeyStore, error) {
	if !config.GetEnvBool(config.Key("AUTH_ENABLED"), false) {
		a.logger.Warn("API authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set RECONCILER_AUTH_ENABLED=true to enable API key authentication"),
		)

		return nil, nil //nolint:nilnil // nil store disables authentication
	}

	if a.backend.Conn != nil {
		store, err := storage.NewPersistentKeyStore(a.backend.Conn)
		if err != nil {
			return nil, fmt.Errorf("persistent key store: %w", err)
		}

		a.logger.Info("API authentication enabled", slog.String("key_store", "postgres"))

		return store, nil
	}

	store := storage.NewInMemoryKeyStore()

	if err := seedBootstrapKey(ctx, store, config.GetEnvStr(config.Key("BOOTSTRAP_API_KEY"), "")); err != nil {
		return nil, err
	}

	a.logger.Info("API authentication enabled", slog.String("key_store", "memory"))

	return store, nil
}

// seedBootstrapKey adds key to store with every permission.
func seedBootstrapKey(ctx context.Context, store storage.APIKeyStore, key string) error {
	if key == "" {
		return ErrBootstrapKeyMissing
	}

	parsed, err := storage.ParseAPIKey(key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBootstrapKeyInvalid, err)
	}

	return store.Add(ctx, &storage.APIKey{
		ID:       uuid.NewString(),
		Key:      parsed,
		ClientID: bootstrapClientID,
		Name:     "Bootstrap key",
		Permissions: []string{
			storage.PermissionCatalogRead,
			storage.PermissionCatalogWrite,
			storage.PermissionReconcile,
		},
		CreatedAt: time.Now().UTC(),
		Active:    true,
	})
}
