package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/reconciler/internal/catalog"
	"github.com/correlator-io/reconciler/internal/catalog/catalogtest"
	"github.com/correlator-io/reconciler/internal/config"
	"github.com/correlator-io/reconciler/internal/events"
	"github.com/correlator-io/reconciler/internal/ingestion"
	"github.com/correlator-io/reconciler/internal/lineage"
	"github.com/correlator-io/reconciler/internal/reconcile"
	"github.com/correlator-io/reconciler/internal/retry"
	"github.com/correlator-io/reconciler/internal/storage"
)

type fixture struct {
	memory    *storage.MemoryCatalog
	recorder  *catalogtest.Recorder
	reconcile *reconcile.Reconciler
	publisher *events.MemoryPublisher
	runner    *Runner
}

func singleShot() retry.Policy {
	return retry.Policy{
		MaxAttempts: 1,
		Backoff:     retry.Constant(0),
		Sleep:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	}
}

func newFixture(t *testing.T, manifest *ingestion.Manifest) *fixture {
	t.Helper()

	memory := storage.NewMemoryCatalog()
	recorder := catalogtest.NewRecorder(memory)
	logger := config.DiscardLogger()

	resolver, err := reconcile.NewResolver(recorder, recorder,
		reconcile.WithSearchPolicy(singleShot()),
		reconcile.WithResolverLogger(logger),
	)
	require.NoError(t, err)

	rec, err := reconcile.New(resolver, recorder,
		reconcile.WithWritePolicy(singleShot()),
		reconcile.WithARNSuffix(manifest.Assets.ARNSuffix),
		reconcile.WithObjectPrefix(manifest.Assets.ObjectPrefix),
		reconcile.WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
		reconcile.WithLogger(logger),
	)
	require.NoError(t, err)

	builder, err := lineage.NewBuilder(resolver, recorder, recorder, lineage.WithBuilderLogger(logger))
	require.NoError(t, err)

	publisher := events.NewMemoryPublisher()

	runner, err := New(rec, manifest,
		WithBuilder(builder),
		WithDeleter(recorder),
		WithPublisher(publisher),
		WithRunID("run-1"),
		WithLogger(logger),
	)
	require.NoError(t, err)

	return &fixture{memory: memory, recorder: recorder, reconcile: rec, publisher: publisher, runner: runner}
}

func assetManifest() *ingestion.Manifest {
	m := ingestion.DefaultManifest()
	m.Owner = "data-platform"
	m.Assets.Connection = "aws-s3-connection"
	m.Assets.ARNSuffix = "-v1"
	m.Assets.ObjectPrefix = "prefix"

	return m
}

func TestRunAssets_Idempotent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t, assetManifest())
	ctx := t.Context()
	listing := ingestion.Listing{Bucket: "sales-landing", Keys: []string{"a.csv", "b.csv"}}

	first, err := f.runner.RunAssets(ctx, listing)
	require.NoError(t, err)

	assert.Equal(t, "run-1", first.RunID)
	assert.Equal(t, 4, first.Created)
	assert.Equal(t, 0, first.Existing)
	assert.Equal(t, "default/s3/1700000000", first.Connection.QualifiedName)

	bucket := first.Entities[1].Entity
	assert.Equal(t, "default/s3/1700000000/arn:aws:s3:::sales-landing-v1", bucket.QualifiedName)
	assert.Equal(t, "data-platform", bucket.Attributes.Owner)

	object := first.Entities[2].Entity
	assert.Equal(t, "arn:aws:s3:::sales-landing-v1/prefix/a.csv", object.Attributes.Locator)
	assert.Equal(t, bucket.QualifiedName, object.ScopeQualifiedName)

	assert.Equal(t, map[catalog.Kind]KindCount{
		catalog.KindConnection: {Created: 1},
		catalog.KindContainer:  {Created: 1},
		catalog.KindLeaf:       {Created: 2},
	}, first.Summary())

	saves := f.recorder.SaveCount()

	second, err := f.runner.RunAssets(ctx, listing)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 4, second.Existing)
	assert.Equal(t, saves, f.recorder.SaveCount(), "second run writes nothing")
	assert.Equal(t, 4, f.memory.Len())

	assert.Equal(t, 4, f.publisher.Count(events.EntityCreated))
	assert.Equal(t, 4, f.publisher.Count(events.EntityExisting))
}

func TestRunAssets_InvalidInputWritesNothing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t, assetManifest())

	_, err := f.runner.RunAssets(t.Context(),
		ingestion.Listing{Bucket: "good-bucket"},
		ingestion.Listing{Bucket: "Bad_Bucket"},
	)
	require.ErrorIs(t, err, catalog.ErrInvalidInput)
	assert.Equal(t, 0, f.recorder.SaveCount())

	report, err := f.runner.RunAssets(t.Context(),
		ingestion.Listing{Bucket: "good-bucket", Keys: []string{"a.csv", "   "}},
	)
	require.ErrorIs(t, err, ingestion.ErrMissingKey)
	assert.Empty(t, report.Entities)
	assert.Equal(t, 0, f.recorder.SaveCount())
	assert.Equal(t, 0, f.memory.Len())

	m := assetManifest()
	m.Assets.Connection = ""

	_, err = newFixture(t, m).runner.RunAssets(t.Context())
	assert.ErrorIs(t, err, ingestion.ErrMissingConnection)
}

func lineageManifest(s3Conn string) *ingestion.Manifest {
	m := assetManifest()
	m.ConnectionAliases["pg"] = "warehouse-pg"
	m.Lineage.Columns = ingestion.Columns{
		Source:       ingestion.Column{Kind: "table", Connection: "pg", ConnectorType: "postgres"},
		Intermediate: ingestion.Column{Kind: "leaf", Connection: s3Conn},
		Target:       ingestion.Column{Kind: "Table", Connection: "snowflake-prod"},
	}

	return m
}

// seedLineageEnds creates the s3 assets, a postgres table and a snowflake table.
func seedLineageEnds(t *testing.T, f *fixture) {
	t.Helper()

	ctx := t.Context()

	_, err := f.runner.RunAssets(ctx, ingestion.Listing{Bucket: "sales-landing", Keys: []string{"orders.csv"}})
	require.NoError(t, err)

	pg, err := f.reconcile.Connection(ctx, "warehouse-pg", "postgres")
	require.NoError(t, err)

	_, err = f.reconcile.Table(ctx, pg.Entity, "orders", reconcile.CreationParams{})
	require.NoError(t, err)

	sf, err := f.reconcile.Connection(ctx, "snowflake-prod", "snowflake")
	require.NoError(t, err)

	_, err = f.reconcile.Table(ctx, sf.Entity, "ORDERS", reconcile.CreationParams{})
	require.NoError(t, err)
}

func TestRunLineage_CreatesThenExists(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := lineageManifest("default/s3/1700000000")
	m.Lineage.StableDagIDs = true

	f := newFixture(t, m)
	seedLineageEnds(t, f)

	edges, err := ingestion.ReadLineageCSV(strings.NewReader("source,intermediate,target\norders,orders.csv,ORDERS\n"), m)
	require.NoError(t, err)

	first, err := f.runner.RunLineage(t.Context(), edges)
	require.NoError(t, err)

	require.Len(t, first.Edges, 2)
	assert.Equal(t, 2, first.Created)
	assert.Equal(t, 0, first.Unverified)
	assert.True(t, first.Edges[0].Verified)
	assert.True(t, first.Edges[1].Verified)
	assert.Equal(t, "orders to orders.csv", first.Edges[0].ProcessName)
	assert.Equal(t, first.Edges[0].Target.ID, first.Edges[1].Source.ID)
	assert.True(t, strings.HasSuffix(first.Edges[0].Process.QualifiedName, "/dag_orders_to_orders.csv"))
	assert.Equal(t, first.Edges[0].Source.ConnectionQualifiedName, first.Edges[0].Process.ConnectionQualifiedName)

	saves := f.recorder.SaveCount()

	second, err := f.runner.RunLineage(t.Context(), edges)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Existing)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, saves, f.recorder.SaveCount())

	assert.Equal(t, 2, f.publisher.Count(events.LineageCreated))
	assert.Equal(t, 2, f.publisher.Count(events.LineageExists))
}

func TestRunLineage_MissingEndpoint(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := lineageManifest("aws-s3-connection")
	f := newFixture(t, m)
	seedLineageEnds(t, f)

	edges, err := ingestion.ReadLineageCSV(strings.NewReader("orders,missing.csv,ORDERS\n"), m)
	require.NoError(t, err)

	report, err := f.runner.RunLineage(t.Context(), edges)
	require.ErrorIs(t, err, catalog.ErrNotFound)
	assert.Empty(t, report.Edges)

	unknownConn := lineageManifest("no-such-connection")
	f = newFixture(t, unknownConn)

	edges, err = ingestion.ReadLineageCSV(strings.NewReader("orders,orders.csv,ORDERS\n"), unknownConn)
	require.NoError(t, err)

	_, err = f.runner.RunLineage(t.Context(), edges)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestRunLineage_RejectsInvalidEdges(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t, assetManifest())

	_, err := f.runner.RunLineage(t.Context(), []ingestion.EdgeTuple{{
		Source: ingestion.IdentityTuple{Kind: catalog.KindTable, Name: "a", Scope: "pg"},
		Target: ingestion.IdentityTuple{Kind: catalog.KindTable, Name: "a", Scope: "pg"},
		ProcessName: "loop",
	}})
	require.ErrorIs(t, err, ingestion.ErrSelfLoop)
	assert.Equal(t, 0, f.recorder.SaveCount())
}

func TestPurge(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t, assetManifest())

	report, err := f.runner.RunAssets(t.Context(), ingestion.Listing{Bucket: "sales-landing", Keys: []string{"a.csv"}})
	require.NoError(t, err)

	leaf := report.Entities[2].Entity

	deleted, err := f.runner.Purge(t.Context(), leaf.ID)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, leaf.QualifiedName, deleted[0].QualifiedName)
	assert.Equal(t, 1, f.publisher.Count(events.EntityDeleted))

	_, err = f.runner.Purge(t.Context(), leaf.ID)
	require.ErrorIs(t, err, catalog.ErrNotFound)

	_, err = f.runner.Purge(t.Context(), " ")
	assert.ErrorIs(t, err, catalog.ErrInvalidInput)
}

func TestNew_Capabilities(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := New(nil, nil)
	require.ErrorIs(t, err, ErrNoReconciler)

	f := newFixture(t, assetManifest())

	bare, err := New(f.reconcile, nil, WithLogger(config.DiscardLogger()))
	require.NoError(t, err)
	assert.NotEmpty(t, bare.RunID())

	_, err = bare.RunLineage(t.Context(), nil)
	require.ErrorIs(t, err, ErrNoBuilder)

	_, err = bare.Purge(t.Context(), "x")
	assert.ErrorIs(t, err, ErrNoDeleter)
}

func TestLoadListings(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	write := func(name, bucket string) string {
		path := filepath.Join(dir, name)
		doc := "<ListBucketResult><Name>" + bucket + "</Name><Contents><Key>k</Key></Contents></ListBucketResult>"
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

		return path
	}

	listings, err := LoadListings(t.Context(),
		FileListing{Path: write("one.xml", "bucket-one")},
		FileListing{Path: write("two.xml", "bucket-two")},
	)
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, "bucket-one", listings[0].Bucket)
	assert.Equal(t, "bucket-two", listings[1].Bucket)

	_, err = LoadListings(t.Context(),
		FileListing{Path: write("three.xml", "bucket-three")},
		FileListing{Path: filepath.Join(dir, "missing.xml")},
	)
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "missing.xml")
}
