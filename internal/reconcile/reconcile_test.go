package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/reconciler/internal/catalog"
	"github.com/correlator-io/reconciler/internal/catalog/catalogtest"
	"github.com/correlator-io/reconciler/internal/config"
	"github.com/correlator-io/reconciler/internal/retry"
	"github.com/correlator-io/reconciler/internal/storage"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// instantPolicy retries without real waits.
func instantPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: attempts,
		Backoff:     retry.Linear(time.Millisecond),
		Sleep:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	}
}

type stack struct {
	memory     *storage.MemoryCatalog
	recorder   *catalogtest.Recorder
	resolver   *Resolver
	reconciler *Reconciler
}

func newStack(t *testing.T, memOpts []storage.MemoryCatalogOption, opts ...Option) *stack {
	t.Helper()

	memory := storage.NewMemoryCatalog(memOpts...)
	recorder := catalogtest.NewRecorder(memory)

	resolver, err := NewResolver(recorder, recorder,
		WithSearchPolicy(instantPolicy(5)),
		WithResolverLogger(config.DiscardLogger()),
	)
	require.NoError(t, err)

	base := []Option{
		WithWritePolicy(instantPolicy(3)),
		WithLogger(config.DiscardLogger()),
		WithClock(func() time.Time { return fixedNow }),
	}

	rec, err := New(resolver, recorder, append(base, opts...)...)
	require.NoError(t, err)

	return &stack{memory: memory, recorder: recorder, resolver: resolver, reconciler: rec}
}

func (s *stack) connection(t *testing.T, name string) catalog.Entity {
	t.Helper()

	out, err := s.reconciler.Connection(context.Background(), name, "s3")
	require.NoError(t, err)

	return out.Entity
}

func TestResolve_WaitsForDelayedVisibility(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newStack(t, []storage.MemoryCatalogOption{storage.WithVisibilityLag(1)})

	_, err := s.memory.Save(context.Background(), catalog.Draft{
		Kind: catalog.KindConnection, Name: "s3-conn", QualifiedName: "default/s3/1", ConnectorType: "s3",
	})
	require.NoError(t, err)

	res, err := s.resolver.Resolve(context.Background(), catalog.IdentityKey{Kind: catalog.KindConnection, Name: "s3-conn"})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, 2, res.Attempts, "zero matches on attempt 1, one on attempt 2")
	assert.Equal(t, "default/s3/1", res.Entity.QualifiedName)
	assert.Equal(t, 2, s.recorder.Searches)
}

func TestResolve_NotFoundAfterExhaustion(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newStack(t, nil)
	key := catalog.IdentityKey{Kind: catalog.KindConnection, Name: "absent"}

	res, err := s.resolver.Resolve(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, 5, res.Attempts)

	_, err = s.resolver.ResolveEntity(context.Background(), key, WithAttempts(2))
	require.ErrorIs(t, err, catalog.ErrNotFound)
	assert.Contains(t, err.Error(), "after 2 attempt(s)")

	res, err = s.resolver.Resolve(context.Background(), key, ExpectAtLeast(0))
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, 1, res.Attempts, "a zero expectation is a single probe")
}

func TestResolve_OldestMatchWins(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newStack(t, nil)
	conn := s.memory.Seed(catalog.Entity{
		Kind: catalog.KindConnection, Name: "c", QualifiedName: "default/s3/1", ConnectorType: "s3",
	})[0]

	seeded := s.memory.Seed(
		catalog.Entity{Kind: catalog.KindContainer, Name: "dup", QualifiedName: conn.QualifiedName + "/x",
			ScopeQualifiedName: conn.QualifiedName, CreatedAt: fixedNow.Add(time.Hour)},
		catalog.Entity{Kind: catalog.KindContainer, Name: "dup", QualifiedName: conn.QualifiedName + "/y",
			ScopeQualifiedName: conn.QualifiedName, CreatedAt: fixedNow},
		catalog.Entity{Kind: catalog.KindContainer, Name: "dup", QualifiedName: "default/s3/2/z",
			ScopeQualifiedName: "default/s3/2", CreatedAt: fixedNow.Add(-time.Hour)},
	)

	key := catalog.IdentityKey{Kind: catalog.KindContainer, Name: "dup", Scope: conn.QualifiedName}

	for range 3 {
		res, err := s.resolver.Resolve(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, seeded[1].ID, res.Entity.ID, "oldest match inside the scope")
		assert.Equal(t, int64(2), res.Matches)
	}
}

func TestResolve_SearchFailureIsNonRetryable(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newStack(t, nil)
	boom := errors.New("index unavailable")
	s.recorder.SearchErrors = []error{boom}

	_, err := s.resolver.Resolve(context.Background(), catalog.IdentityKey{Kind: catalog.KindConnection, Name: "x"})
	require.ErrorIs(t, err, retry.ErrNonRetryable)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, s.recorder.Searches)
}

func TestResolve_InvalidInputMakesNoRemoteCall(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newStack(t, nil)

	for _, key := range []catalog.IdentityKey{
		{Kind: catalog.KindConnection},
		{Kind: catalog.KindLeaf, Name: "k"},
		{Kind: catalog.KindLineageEdge, Name: "p", Scope: "s"},
	} {
		_, err := s.resolver.Resolve(context.Background(), key)
		assert.ErrorIs(t, err, catalog.ErrInvalidInput)
	}

	assert.Zero(t, s.recorder.Searches)
}

func TestGetOrCreate_CreatesContainerWhenAbsent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newStack(t, nil, WithDefaultOwner("ingest-bot"), WithARNSuffix("-v1"))
	conn := s.connection(t, "s3-conn")
	assert.Equal(t, "default/s3/1740830400", conn.QualifiedName)

	saves := s.recorder.SaveCount()

	out, err := s.reconciler.Container(context.Background(), conn, "my-bucket", CreationParams{})
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "my-bucket", out.Entity.Name)
	assert.Equal(t, saves+1, s.recorder.SaveCount())

	draft := s.recorder.Drafts[len(s.recorder.Drafts)-1]
	assert.Equal(t, "arn:aws:s3:::my-bucket-v1", draft.Attributes.Locator)
	assert.Equal(t, conn.QualifiedName+"/arn:aws:s3:::my-bucket-v1", draft.QualifiedName)
	assert.Equal(t, conn.QualifiedName, draft.ScopeQualifiedName)
	assert.Equal(t, "ingest-bot", draft.Attributes.Owner)
	assert.Equal(t, "Bucket for my-bucket-v1", draft.Attributes.Description)
}

func TestGetOrCreate_ConnectionsInSameSecondStayDistinct(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newStack(t, nil)
	a := s.connection(t, "conn-a")
	b := s.connection(t, "conn-b")

	assert.Equal(t, "default/s3/1740830400", a.QualifiedName)
	assert.Equal(t, "default/s3/1740830401", b.QualifiedName)
	assert.NotEqual(t, a.ID, b.ID)

	stored, err := s.memory.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "conn-a", stored.Name)

	saves := s.recorder.SaveCount()

	again := s.connection(t, "conn-a")
	assert.Equal(t, a.ID, again.ID)
	assert.Equal(t, saves, s.recorder.SaveCount())
	assert.Equal(t, 2, s.memory.Len())
}

func TestGetOrCreate_IsIdempotent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newStack(t, nil)
	conn := s.connection(t, "s3-conn")
	bucket, err := s.reconciler.Container(context.Background(), conn, "b", CreationParams{})
	require.NoError(t, err)

	saves := s.recorder.SaveCount()

	first, err := s.reconciler.Leaf(context.Background(), bucket.Entity, "data/file.csv", CreationParams{})
	require.NoError(t, err)

	second, err := s.reconciler.Leaf(context.Background(), bucket.Entity, "data/file.csv",
		CreationParams{Description: "ignored for existing entities"})
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, first.Entity.ID, second.Entity.ID)
	assert.Equal(t, "Object data/file.csv", second.Entity.Attributes.Description)
	assert.Equal(t, saves+1, s.recorder.SaveCount(), "exactly one creation across both calls")

	again := s.connection(t, "s3-conn")
	assert.Equal(t, conn.ID, again.ID)
}

func TestGetOrCreate_LeafQualifiedNameUsesObjectARN(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newStack(t, nil, WithObjectPrefix("prefix"))
	conn := s.connection(t, "s3-conn")
	bucket, err := s.reconciler.Container(context.Background(), conn, "b", CreationParams{})
	require.NoError(t, err)

	leaf, err := s.reconciler.Leaf(context.Background(), bucket.Entity, "k.csv", CreationParams{})
	require.NoError(t, err)

	assert.Equal(t, "arn:aws:s3:::b/prefix/k.csv", leaf.Entity.Attributes.Locator)
	assert.Equal(t, conn.QualifiedName+"/arn:aws:s3:::b/prefix/k.csv", leaf.Entity.QualifiedName)
	assert.Equal(t, bucket.Entity.QualifiedName, leaf.Entity.ScopeQualifiedName)
	assert.Equal(t, conn.QualifiedName, leaf.Entity.ConnectionQualifiedName)
}

func TestGetOrCreate_RetriesTransientAuthOnWrite(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newStack(t, nil)
	transient := &catalog.RemoteError{
		Status:  400,
		Code:    "ATLAN-JAVA-400-000",
		Message: "Server responded with ATLAS-400-00-029: Auth request failed",
	}
	s.recorder.SaveErrors = []error{transient, transient}

	out, err := s.reconciler.Connection(context.Background(), "s3-conn", "s3")
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, s.recorder.SaveCount())
}

func TestGetOrCreate_TransientAuthExhausts(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newStack(t, nil)
	transient := &catalog.RemoteError{Status: 400, Code: "ATLAS-400-00-029", Message: "Auth request failed"}
	s.recorder.SaveErrors = []error{transient, transient, transient, transient}

	_, err := s.reconciler.Connection(context.Background(), "s3-conn", "s3")
	require.ErrorIs(t, err, retry.ErrRetryExhausted)
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, retry.Attempts(err))
	assert.Equal(t, 3, s.recorder.SaveCount())
}

func TestGetOrCreate_OtherWriteFailuresAreTerminal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newStack(t, nil)
	denied := &catalog.RemoteError{Status: 403, Code: "ATLAS-403-00-001", Message: "forbidden"}
	s.recorder.SaveErrors = []error{denied}

	_, err := s.reconciler.Connection(context.Background(), "s3-conn", "s3")
	require.ErrorIs(t, err, retry.ErrNonRetryable)
	assert.Equal(t, 1, s.recorder.SaveCount())
}

func TestGetOrCreate_EmptyCreatedSet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("fails by default", func(t *testing.T) {
		s := newStack(t, nil)
		s.recorder.EmptySaves = true

		_, err := s.reconciler.Connection(context.Background(), "s3-conn", "s3")
		require.ErrorIs(t, err, catalog.ErrCreationFailed)
		assert.Equal(t, 1, s.recorder.SaveCount(), "an empty created-set is not retried")
	})

	t.Run("no-op policy re-resolves", func(t *testing.T) {
		s := newStack(t, []storage.MemoryCatalogOption{storage.WithVisibilityLag(1)},
			WithEmptyCreatePolicy(EmptyCreateNoOp))

		existing, err := s.memory.Save(context.Background(), catalog.Draft{
			Kind: catalog.KindConnection, Name: "s3-conn", QualifiedName: "default/s3/9", ConnectorType: "s3",
		})
		require.NoError(t, err)

		s.recorder.EmptySaves = true

		out, err := s.reconciler.Connection(context.Background(), "s3-conn", "s3")
		require.NoError(t, err)
		assert.False(t, out.Created)
		assert.Equal(t, existing.Created[0].ID, out.Entity.ID)
	})

	t.Run("no-op policy still fails when nothing is visible", func(t *testing.T) {
		s := newStack(t, nil, WithEmptyCreatePolicy(EmptyCreateNoOp))
		s.recorder.EmptySaves = true

		_, err := s.reconciler.Connection(context.Background(), "s3-conn", "s3")
		assert.ErrorIs(t, err, catalog.ErrCreationFailed)
	})
}

func TestGetOrCreate_RejectsInvalidRequests(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newStack(t, nil)
	conn := s.connection(t, "s3-conn")
	searches := s.recorder.Searches

	tests := []struct {
		name string
		req  Request
	}{
		{name: "empty name", req: Request{Kind: catalog.KindConnection, Params: CreationParams{ConnectorType: "s3"}}},
		{name: "container without parent", req: Request{Kind: catalog.KindContainer, Name: "b"}},
		{name: "unresolved parent", req: Request{Kind: catalog.KindContainer, Name: "b", Parent: &catalog.Entity{Kind: catalog.KindConnection}}},
		{name: "leaf under connection", req: Request{Kind: catalog.KindLeaf, Name: "k", Parent: &conn}},
		{name: "connection with parent", req: Request{Kind: catalog.KindConnection, Name: "x", Parent: &conn}},
		{name: "lineage edge", req: Request{Kind: catalog.KindLineageEdge, Name: "p", Parent: &conn}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.reconciler.GetOrCreate(context.Background(), tt.req)
			assert.ErrorIs(t, err, catalog.ErrInvalidInput)
		})
	}

	assert.Equal(t, searches, s.recorder.Searches, "invalid input is rejected before any search")

	_, err := s.reconciler.Connection(context.Background(), "no-connector", "")
	assert.ErrorIs(t, err, catalog.ErrInvalidInput)
}

func TestGetOrCreate_AwaitVisibility(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newStack(t, []storage.MemoryCatalogOption{storage.WithVisibilityLag(2)}, WithAwaitVisibility(true))

	out, err := s.reconciler.Connection(context.Background(), "s3-conn", "s3")
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.Equal(t, 4, s.recorder.Searches, "one lookup probe then three convergence searches")
}

func TestNewReconciler_Validation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	memory := storage.NewMemoryCatalog()

	_, err := NewResolver(nil, memory)
	require.ErrorIs(t, err, ErrNoSearcher)

	resolver, err := NewResolver(memory, memory, WithResolverLogger(config.DiscardLogger()))
	require.NoError(t, err)

	_, err = New(nil, memory)
	require.ErrorIs(t, err, ErrNoResolver)

	_, err = New(resolver, nil)
	require.ErrorIs(t, err, ErrNoSaver)

	_, err = New(resolver, memory, WithLookupAttempts(0))
	require.ErrorIs(t, err, retry.ErrInvalidPolicy)

	_, err = New(resolver, memory, WithWritePolicy(retry.Policy{}))
	require.ErrorIs(t, err, retry.ErrInvalidPolicy)
}

func TestFinderOperations(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newStack(t, nil)
	conn := s.connection(t, "s3-conn")
	bucket, err := s.reconciler.Container(context.Background(), conn, "b", CreationParams{})
	require.NoError(t, err)

	for _, key := range []string{"a", "b", "c"} {
		_, err := s.reconciler.Leaf(context.Background(), bucket.Entity, key, CreationParams{})
		require.NoError(t, err)
	}

	found, err := s.resolver.FindInConnection(context.Background(), catalog.KindLeaf, "b", conn.QualifiedName)
	require.NoError(t, err)
	assert.Equal(t, catalog.KindLeaf, found.Kind)

	_, err = s.resolver.FindInConnection(context.Background(), catalog.KindLeaf, "zzz", conn.QualifiedName)
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	all, err := s.resolver.ListInConnection(context.Background(), conn.QualifiedName, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4, "bucket plus three objects")

	some, err := s.resolver.ListInConnection(context.Background(), conn.QualifiedName, 2)
	require.NoError(t, err)
	assert.Len(t, some, 2)

	got, err := s.resolver.Get(context.Background(), bucket.Entity.ID)
	require.NoError(t, err)
	assert.Equal(t, bucket.Entity.QualifiedName, got.QualifiedName)
}
