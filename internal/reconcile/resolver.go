// Package reconcile resolves catalog entities by identity key and creates
// them when absent, tolerating a search index that lags behind writes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/correlator-io/reconciler/internal/catalog"
	"github.com/correlator-io/reconciler/internal/config"
	"github.com/correlator-io/reconciler/internal/retry"
	"github.com/correlator-io/reconciler/internal/telemetry"
)

// ErrNoSearcher is returned when a Resolver is built without a search capability.
var ErrNoSearcher = errors.New("resolver requires a searcher")

type (
	// Resolver looks up a single entity by (kind, name, scope) through the search index.
	// It never writes.
	Resolver struct {
		search catalog.Searcher
		get    catalog.Getter
		policy retry.Policy
		logger *slog.Logger
	}

	// ResolverOption configures a Resolver.
	ResolverOption func(*Resolver)

	// ResolveOption tunes a single Resolve call.
	ResolveOption func(*resolveParams)

	resolveParams struct {
		expected      int64
		attempts      int
		connectorType string
	}

	// Resolution is the outcome of Resolve. Found is false when nothing matched
	// after the search policy was exhausted; that is not an error.
	Resolution struct {
		Found    bool
		Entity   catalog.Entity
		Matches  int64 // approximate count reported by the last search
		Attempts int
	}
)

// WithSearchPolicy sets the policy used while waiting for search convergence.
func WithSearchPolicy(p retry.Policy) ResolverOption {
	return func(r *Resolver) {
		r.policy = p
	}
}

// WithResolverLogger sets the resolver's logger.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = l
	}
}

// ExpectAtLeast sets the lower bound on the match count that ends the wait.
// The default is 1. Zero makes a single probe.
func ExpectAtLeast(n int64) ResolveOption {
	return func(p *resolveParams) {
		p.expected = n
	}
}

// WithAttempts overrides the policy's attempt cap for one call.
func WithAttempts(n int) ResolveOption {
	return func(p *resolveParams) {
		p.attempts = n
	}
}

// WithConnectorType narrows a connection lookup to one connector type.
func WithConnectorType(connectorType string) ResolveOption {
	return func(p *resolveParams) {
		p.connectorType = strings.ToLower(strings.TrimSpace(connectorType))
	}
}

// NewResolver builds a Resolver. get may be nil when Get is never used.
func NewResolver(search catalog.Searcher, get catalog.Getter, opts ...ResolverOption) (*Resolver, error) {
	if search == nil {
		return nil, ErrNoSearcher
	}

	r := &Resolver{
		search: search,
		get:    get,
		policy: retry.DefaultPolicy(),
		logger: config.NewLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	if err := r.policy.Validate(); err != nil {
		return nil, err
	}

	if r.policy.Notify == nil {
		r.policy.Notify = telemetry.RetryNotifier(telemetry.PurposeSearch)
	}

	return r, nil
}

// IdentityQuery builds the search for an identity key, oldest match first.
//
// Connections match on kind and name only. Containers additionally require a
// qualified name under the connection scope. Leaves and tables require the
// exact parent scope.
func IdentityQuery(key catalog.IdentityKey, connectorType string) catalog.Query {
	filters := []catalog.Filter{
		catalog.KindIs(key.Kind),
		catalog.Eq(catalog.FieldName, key.Name),
	}

	switch key.Kind {
	case catalog.KindConnection:
		if connectorType != "" {
			filters = append(filters, catalog.Eq(catalog.FieldConnectorType, connectorType))
		}
	case catalog.KindContainer:
		filters = append(filters, catalog.Prefix(catalog.FieldQualifiedName, catalog.ScopePrefix(key.Scope)))
	default:
		filters = append(filters, catalog.Eq(catalog.FieldScopeQualifiedName, key.Scope))
	}

	return catalog.Query{Filters: filters, PageSize: 1, SortByCreatedAsc: true}
}

// Resolve searches for key until at least the expected number of matches is
// visible or attempts run out, then returns the oldest match.
//
// Errors:
//   - catalog.ErrInvalidInput for a malformed key, before any search
//   - retry.ErrNonRetryable wrapping any search failure
//   - context errors when ctx ends during a backoff wait
func (r *Resolver) Resolve(ctx context.Context, key catalog.IdentityKey, opts ...ResolveOption) (Resolution, error) {
	params := resolveParams{expected: 1}
	for _, opt := range opts {
		opt(&params)
	}

	if err := key.Validate(); err != nil {
		return Resolution{}, err
	}

	ctx, span := telemetry.StartSpan(ctx, "reconcile.Resolver.Resolve",
		"kind", key.Kind.String(), "name", key.Name, "scope", key.Scope)
	defer telemetry.ObserveDuration("resolve", time.Now())

	policy := r.policy
	if params.attempts > 0 {
		policy = policy.WithMaxAttempts(params.attempts)
	}

	query := IdentityQuery(key, params.connectorType)

	var last catalog.SearchResult

	_, res, err := retry.Do(ctx, policy, retry.On(catalog.ErrNotConverged),
		func(ctx context.Context, attempt int) (struct{}, error) {
			result, err := r.search.Search(ctx, query)
			if err != nil {
				return struct{}{}, err
			}

			last = result

			if result.ApproximateCount < params.expected || (params.expected > 0 && len(result.Entities) == 0) {
				r.logger.Debug("search not converged",
					slog.String("identity", key.String()),
					slog.Int("attempt", attempt),
					slog.Int64("matches", result.ApproximateCount),
					slog.Int64("expected", params.expected),
				)

				return struct{}{}, catalog.ErrNotConverged
			}

			return struct{}{}, nil
		})

	if err != nil && !errors.Is(err, retry.ErrRetryExhausted) {
		telemetry.ObserveResolve(key.Kind.String(), telemetry.OutcomeError)
		telemetry.EndSpan(span, err)

		return Resolution{Attempts: res.Attempts}, fmt.Errorf("resolve %s: %w", key, err)
	}

	resolution := Resolution{Matches: last.ApproximateCount, Attempts: res.Attempts}

	if len(last.Entities) == 0 {
		telemetry.ObserveResolve(key.Kind.String(), telemetry.OutcomeNotFound)
		telemetry.EndSpan(span, nil)

		return resolution, nil
	}

	if err != nil {
		r.logger.Warn("search did not reach expected count, using oldest visible match",
			slog.String("identity", key.String()),
			slog.Int64("matches", last.ApproximateCount),
			slog.Int64("expected", params.expected),
		)
	}

	resolution.Found = true
	resolution.Entity = last.Entities[0]

	telemetry.ObserveResolve(key.Kind.String(), telemetry.OutcomeFound)
	telemetry.EndSpan(span, nil)

	return resolution, nil
}

// ResolveEntity is Resolve for callers that treat absence as an error.
// A miss returns catalog.ErrNotFound carrying the identity key and attempt count.
func (r *Resolver) ResolveEntity(ctx context.Context, key catalog.IdentityKey, opts ...ResolveOption) (catalog.Entity, error) {
	res, err := r.Resolve(ctx, key, opts...)
	if err != nil {
		return catalog.Entity{}, err
	}

	if !res.Found {
		return catalog.Entity{}, fmt.Errorf("%w: %s after %d attempt(s)", catalog.ErrNotFound, key, res.Attempts)
	}

	return res.Entity, nil
}

// Get fetches an entity by id to refresh its canonical qualified name.
func (r *Resolver) Get(ctx context.Context, id string) (catalog.Entity, error) {
	if id == "" {
		return catalog.Entity{}, fmt.Errorf("%w: entity id is required", catalog.ErrInvalidInput)
	}

	if r.get == nil {
		return catalog.Entity{}, fmt.Errorf("%w: no get capability configured", catalog.ErrInvalidInput)
	}

	e, err := r.get.Get(ctx, id)
	if err != nil {
		return catalog.Entity{}, fmt.Errorf("get %s: %w", id, err)
	}

	return e, nil
}

// FindInConnection finds an asset of any kind by name within a connection.
func (r *Resolver) FindInConnection(ctx context.Context, kind catalog.Kind, name, connectionQN string) (catalog.Entity, error) {
	if name == "" || connectionQN == "" {
		return catalog.Entity{}, fmt.Errorf("%w: name and connection are required", catalog.ErrInvalidInput)
	}

	filters := []catalog.Filter{
		catalog.Eq(catalog.FieldName, name),
		catalog.Eq(catalog.FieldConnectionQualifiedName, connectionQN),
	}
	if kind.Valid() {
		filters = append(filters, catalog.KindIs(kind))
	}

	res, err := r.search.Search(ctx, catalog.Query{Filters: filters, PageSize: 1, SortByCreatedAsc: true})
	if err != nil {
		return catalog.Entity{}, fmt.Errorf("find %q in %s: %w", name, connectionQN, err)
	}

	if len(res.Entities) == 0 {
		return catalog.Entity{}, fmt.Errorf("%w: %q in %s", catalog.ErrNotFound, name, connectionQN)
	}

	return res.Entities[0], nil
}

// ListInConnection pages through every asset in a connection, up to limit (0 = all).
func (r *Resolver) ListInConnection(ctx context.Context, connectionQN string, limit int) ([]catalog.Entity, error) {
	if connectionQN == "" {
		return nil, fmt.Errorf("%w: connection is required", catalog.ErrInvalidInput)
	}

	query := catalog.Query{
		Filters:          []catalog.Filter{catalog.Eq(catalog.FieldConnectionQualifiedName, connectionQN)},
		PageSize:         catalog.DefaultPageSize,
		SortByCreatedAsc: true,
	}

	var out []catalog.Entity

	for {
		res, err := r.search.Search(ctx, query)
		if err != nil {
			return out, fmt.Errorf("list %s: %w", connectionQN, err)
		}

		out = append(out, res.Entities...)

		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}

		if len(res.Entities) < query.Limit() {
			return out, nil
		}

		query.Offset += len(res.Entities)
	}
}
