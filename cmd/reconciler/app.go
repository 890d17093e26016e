package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/correlator-io/reconciler/internal/catalog"
	"github.com/correlator-io/reconciler/internal/catalogclient"
	"github.com/correlator-io/reconciler/internal/config"
	"github.com/correlator-io/reconciler/internal/events"
	"github.com/correlator-io/reconciler/internal/ingestion"
	"github.com/correlator-io/reconciler/internal/lineage"
	"github.com/correlator-io/reconciler/internal/pipeline"
	"github.com/correlator-io/reconciler/internal/reconcile"
	"github.com/correlator-io/reconciler/internal/retry"
	"github.com/correlator-io/reconciler/internal/storage"
)

const (
	storeMemory   = "memory"
	storePostgres = "postgres"
	storeRemote   = "remote"
)

// ErrUnknownStore is returned for a --store value other than memory, postgres or remote.
var ErrUnknownStore = errors.New("unknown store")

type (
	// backend is an opened catalog store. Conn is set for the postgres store only.
	backend struct {
		Catalog catalog.Catalog
		Conn    *storage.Connection
	}

	// storeOpener opens the catalog named by --store.
	storeOpener func(kind string, logger *slog.Logger) (*backend, error)

	// app is everything a subcommand needs, built once per invocation.
	app struct {
		logger     *slog.Logger
		manifest   *ingestion.Manifest
		backend    *backend
		resolver   *reconcile.Resolver
		reconciler *reconcile.Reconciler
		builder    *lineage.Builder
		publisher  events.Publisher
	}
)

func openStore(kind string, logger *slog.Logger) (*backend, error) {
	switch kind {
	case storeMemory:
		logger.Warn("Using the in-memory catalog, nothing outlives this process")

		return &backend{Catalog: storage.NewMemoryCatalog()}, nil
	case storePostgres:
		cfg := storage.LoadConfig()

		conn, err := storage.NewConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}

		store, err := storage.NewPostgresCatalog(conn, storage.WithCatalogLogger(logger))
		if err != nil {
			_ = conn.Close()

			return nil, err
		}

		logger.Info("Postgres catalog initialized", slog.String("database_url", cfg.MaskDatabaseURL()))

		return &backend{Catalog: store, Conn: conn}, nil
	case storeRemote:
		client, err := catalogclient.New(catalogclient.LoadConfig(), catalogclient.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("remote catalog: %w", err)
		}

		return &backend{Catalog: client}, nil
	default:
		return nil, fmt.Errorf("%w: %q (want %s, %s or %s)", ErrUnknownStore, kind, storeMemory, storePostgres, storeRemote)
	}
}

func loadManifest(path string) (*ingestion.Manifest, error) {
	if path == "" {
		return ingestion.LoadManifestFromEnv()
	}

	return ingestion.LoadManifest(path)
}

// newApp wires the store, the retry policies, the reconciler, the lineage
// builder and the event publisher from flags, manifest and environment.
func newApp(opts *rootOptions, logger *slog.Logger, open storeOpener) (*app, error) {
	manifest, err := loadManifest(opts.manifestPath)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}

	searchPolicy, err := retry.LoadConfig("SEARCH").Policy()
	if err != nil {
		return nil, fmt.Errorf("search retry policy: %w", err)
	}

	writePolicy, err := retry.LoadConfig("WRITE").Policy()
	if err != nil {
		return nil, fmt.Errorf("write retry policy: %w", err)
	}

	b, err := open(opts.store, logger)
	if err != nil {
		return nil, err
	}

	a := &app{logger: logger, manifest: manifest, backend: b}

	if err := a.wire(searchPolicy, writePolicy); err != nil {
		_ = a.Close()

		return nil, err
	}

	return a, nil
}

func (a *app) wire(searchPolicy, writePolicy retry.Policy) error {
	store := a.backend.Catalog

	resolver, err := reconcile.NewResolver(store, store,
		reconcile.WithSearchPolicy(searchPolicy),
		reconcile.WithResolverLogger(a.logger),
	)
	if err != nil {
		return err
	}

	recOpts := []reconcile.Option{
		reconcile.WithWritePolicy(writePolicy),
		reconcile.WithARNSuffix(a.manifest.Assets.ARNSuffix),
		reconcile.WithObjectPrefix(a.manifest.Assets.ObjectPrefix),
		reconcile.WithDefaultOwner(a.manifest.Owner),
		reconcile.WithAwaitVisibility(config.GetEnvBool(config.Key("AWAIT_VISIBILITY"), false)),
		reconcile.WithLogger(a.logger),
	}

	if codes := config.ParseCommaSeparatedList(config.GetEnvStr(config.Key("TRANSIENT_CODES"), "")); len(codes) > 0 {
		recOpts = append(recOpts, reconcile.WithTransientCodes(codes...))
	}

	if a.manifest.Lineage.EmptyAsNoOp {
		recOpts = append(recOpts, reconcile.WithEmptyCreatePolicy(reconcile.EmptyCreateNoOp))
	}

	rec, err := reconcile.New(resolver, store, recOpts...)
	if err != nil {
		return err
	}

	builderOpts := []lineage.BuilderOption{
		lineage.WithTraversalCap(config.GetEnvInt(config.Key("TRAVERSAL_LIMIT"), catalog.DefaultTraversalCap)),
		lineage.WithBuilderLogger(a.logger),
	}

	if a.manifest.Lineage.ExactEdge {
		builderOpts = append(builderOpts, lineage.WithExactEdge(store))
	}

	builder, err := lineage.NewBuilder(resolver, store, store, builderOpts...)
	if err != nil {
		return err
	}

	publisher, err := events.New(events.LoadConfig(), a.logger)
	if err != nil {
		return fmt.Errorf("event publisher: %w", err)
	}

	a.resolver = resolver
	a.reconciler = rec
	a.builder = builder
	a.publisher = publisher

	return nil
}

// runner returns a pipeline runner over the app's components.
func (a *app) runner(extra ...pipeline.Option) (*pipeline.Runner, error) {
	opts := []pipeline.Option{
		pipeline.WithBuilder(a.builder),
		pipeline.WithDeleter(a.backend.Catalog),
		pipeline.WithPublisher(a.publisher),
		pipeline.WithLogger(a.logger),
	}

	return pipeline.New(a.reconciler, a.manifest, append(opts, extra...)...)
}

// connectionQN accepts a connection qualified name as is and resolves
// anything else as a connection name or manifest alias.
func (a *app) connectionQN(ctx context.Context, ref string) (string, error) {
	ref = a.manifest.ResolveConnection(ref)

	if _, _, err := catalog.ParseConnectionQualifiedName(ref); err == nil {
		return ref, nil
	}

	conn, err := a.resolver.ResolveEntity(ctx, catalog.IdentityKey{Kind: catalog.KindConnection, Name: ref})
	if err != nil {
		return "", err
	}

	return conn.QualifiedName, nil
}

// Close flushes the publisher and releases the store connection.
func (a *app) Close() error {
	var errs []error

	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}

	if a.backend != nil && a.backend.Conn != nil {
		errs = append(errs, a.backend.Conn.Close())
	}

	return errors.Join(errs...)
}
