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

// EmptyCreatePolicy decides what a write that created nothing means.
type EmptyCreatePolicy int

const (
	// EmptyCreateFail treats an empty created-set as catalog.ErrCreationFailed.
	EmptyCreateFail EmptyCreatePolicy = iota
	// EmptyCreateNoOp treats it as "already there" and re-resolves the entity.
	EmptyCreateNoOp
)

const (
	connectorS3         = "s3"
	defaultLookupProbes = 1

	// connectionEpochProbes bounds how many later epoch seconds a new
	// connection tries when its qualified name is taken.
	connectionEpochProbes = 16
)

var (
	// ErrNoSaver is returned when a Reconciler is built without a write capability.
	ErrNoSaver = errors.New("reconciler requires a saver")

	// ErrNoResolver is returned when a Reconciler is built without a resolver.
	ErrNoResolver = errors.New("reconciler requires a resolver")
)

type (
	// CreationParams carries descriptive attributes for a newly created entity.
	// They are ignored when the entity already exists.
	CreationParams struct {
		ConnectorType string // connections only
		Locator       string // overrides the derived external locator
		Owner         string
		Description   string
		Extra         map[string]string
	}

	// Request asks for one entity by identity. Parent is the resolved enclosing
	// entity and must be nil for connections.
	Request struct {
		Kind   catalog.Kind
		Name   string
		Parent *catalog.Entity
		Params CreationParams
	}

	// Outcome reports the resolved entity and whether this call created it.
	Outcome struct {
		Entity   catalog.Entity
		Created  bool
		Attempts int // write attempts, 0 when the entity already existed
	}

	// Reconciler implements get-or-create over a Resolver and a Saver.
	Reconciler struct {
		resolver        *Resolver
		saver           catalog.Saver
		writePolicy     retry.Policy
		transientCodes  []string
		emptyCreate     EmptyCreatePolicy
		lookupAttempts  int
		awaitVisibility bool
		arnSuffix       string
		objectPrefix    string
		owner           string
		now             func() time.Time
		logger          *slog.Logger
	}

	// Option configures a Reconciler.
	Option func(*Reconciler)
)

// WithWritePolicy sets the policy for retrying transient write failures.
func WithWritePolicy(p retry.Policy) Option {
	return func(r *Reconciler) {
		r.writePolicy = p
	}
}

// WithTransientCodes replaces the remote error codes retried on write.
func WithTransientCodes(codes ...string) Option {
	return func(r *Reconciler) {
		r.transientCodes = codes
	}
}

// WithEmptyCreatePolicy selects how an empty created-set is handled.
func WithEmptyCreatePolicy(p EmptyCreatePolicy) Option {
	return func(r *Reconciler) {
		r.emptyCreate = p
	}
}

// WithLookupAttempts sets how many searches precede a create. The default is a single probe.
func WithLookupAttempts(n int) Option {
	return func(r *Reconciler) {
		r.lookupAttempts = n
	}
}

// WithAwaitVisibility makes the reconciler wait until a created entity is searchable.
func WithAwaitVisibility(enabled bool) Option {
	return func(r *Reconciler) {
		r.awaitVisibility = enabled
	}
}

// WithARNSuffix appends suffix to derived bucket ARNs.
func WithARNSuffix(suffix string) Option {
	return func(r *Reconciler) {
		r.arnSuffix = suffix
	}
}

// WithObjectPrefix inserts prefix between the bucket ARN and object key.
func WithObjectPrefix(prefix string) Option {
	return func(r *Reconciler) {
		r.objectPrefix = prefix
	}
}

// WithDefaultOwner sets the owner used when CreationParams leaves it empty.
func WithDefaultOwner(owner string) Option {
	return func(r *Reconciler) {
		r.owner = owner
	}
}

// WithClock replaces time.Now for connection qualified names.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithLogger sets the reconciler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = l
	}
}

// New builds a Reconciler.
func New(resolver *Resolver, saver catalog.Saver, opts ...Option) (*Reconciler, error) {
	if resolver == nil {
		return nil, ErrNoResolver
	}

	if saver == nil {
		return nil, ErrNoSaver
	}

	r := &Reconciler{
		resolver:       resolver,
		saver:          saver,
		writePolicy:    retry.DefaultPolicy(),
		transientCodes: catalog.DefaultTransientAuthCodes,
		lookupAttempts: defaultLookupProbes,
		now:            time.Now,
		logger:         config.NewLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	if err := r.writePolicy.Validate(); err != nil {
		return nil, err
	}

	if r.lookupAttempts < 1 {
		return nil, fmt.Errorf("%w: lookup attempts must be >= 1", retry.ErrInvalidPolicy)
	}

	if r.writePolicy.Notify == nil {
		r.writePolicy.Notify = telemetry.RetryNotifier(telemetry.PurposeWrite)
	}

	return r, nil
}

// Resolver exposes the underlying resolver.
func (r *Reconciler) Resolver() *Resolver {
	return r.resolver
}

// GetOrCreate returns the entity for req's identity key, creating it when absent.
// An existing entity is returned unchanged even if req.Params differ.
func (r *Reconciler) GetOrCreate(ctx context.Context, req Request) (Outcome, error) {
	key, err := r.identityKey(req)
	if err != nil {
		return Outcome{}, err
	}

	ctx, span := telemetry.StartSpan(ctx, "reconcile.Reconciler.GetOrCreate",
		"kind", key.Kind.String(), "name", key.Name, "scope", key.Scope)
	defer telemetry.ObserveDuration("get_or_create", time.Now())

	outcome, err := r.getOrCreate(ctx, key, req)

	switch {
	case err != nil:
		telemetry.ObserveGetOrCreate(key.Kind.String(), telemetry.OutcomeError)
	case outcome.Created:
		telemetry.ObserveGetOrCreate(key.Kind.String(), telemetry.OutcomeCreated)
	default:
		telemetry.ObserveGetOrCreate(key.Kind.String(), telemetry.OutcomeExisting)
	}

	telemetry.EndSpan(span, err)

	return outcome, err
}

func (r *Reconciler) getOrCreate(ctx context.Context, key catalog.IdentityKey, req Request) (Outcome, error) {
	res, err := r.resolver.Resolve(ctx, key,
		WithAttempts(r.lookupAttempts),
		WithConnectorType(req.Params.ConnectorType),
	)
	if err != nil {
		return Outcome{}, err
	}

	if res.Found {
		r.logger.Info("using existing entity",
			slog.String("kind", key.Kind.String()),
			slog.String("name", key.Name),
			slog.String("id", res.Entity.ID),
			slog.String("qualified_name", res.Entity.QualifiedName),
		)

		return Outcome{Entity: res.Entity}, nil
	}

	draft, err := r.draft(req)
	if err != nil {
		return Outcome{}, err
	}

	r.logger.Info("creating new entity",
		slog.String("kind", key.Kind.String()),
		slog.String("name", key.Name),
		slog.String("qualified_name", draft.QualifiedName),
	)

	result, draft, attempts, err := r.create(ctx, draft)
	if err != nil {
		return Outcome{Attempts: attempts}, fmt.Errorf("create %s: %w", key, err)
	}

	if len(result.Created) == 0 {
		return r.handleEmptyCreate(ctx, key, req, attempts)
	}

	created := pickCreated(result.Created, draft)

	r.logger.Info("entity created",
		slog.String("kind", key.Kind.String()),
		slog.String("id", created.ID),
		slog.String("qualified_name", created.QualifiedName),
		slog.Int("attempts", attempts),
	)

	if r.awaitVisibility {
		r.waitVisible(ctx, key, req)
	}

	return Outcome{Entity: created, Created: true, Attempts: attempts}, nil
}

// Connection gets or creates a connection of connectorType.
func (r *Reconciler) Connection(ctx context.Context, name, connectorType string) (Outcome, error) {
	return r.GetOrCreate(ctx, Request{
		Kind:   catalog.KindConnection,
		Name:   name,
		Params: CreationParams{ConnectorType: connectorType},
	})
}

// Container gets or creates a storage container in conn.
func (r *Reconciler) Container(ctx context.Context, conn catalog.Entity, name string, params CreationParams) (Outcome, error) {
	return r.GetOrCreate(ctx, Request{Kind: catalog.KindContainer, Name: name, Parent: &conn, Params: params})
}

// Leaf gets or creates an object inside container.
func (r *Reconciler) Leaf(ctx context.Context, container catalog.Entity, key string, params CreationParams) (Outcome, error) {
	return r.GetOrCreate(ctx, Request{Kind: catalog.KindLeaf, Name: key, Parent: &container, Params: params})
}

// Table gets or creates a table in conn.
func (r *Reconciler) Table(ctx context.Context, conn catalog.Entity, name string, params CreationParams) (Outcome, error) {
	return r.GetOrCreate(ctx, Request{Kind: catalog.KindTable, Name: name, Parent: &conn, Params: params})
}

// identityKey validates the request and derives the scope from the resolved parent.
func (r *Reconciler) identityKey(req Request) (catalog.IdentityKey, error) {
	key := catalog.IdentityKey{Kind: req.Kind, Name: strings.TrimSpace(req.Name)}

	switch req.Kind {
	case catalog.KindConnection:
		if req.Parent != nil {
			return key, fmt.Errorf("%w: connection %q cannot have a parent", catalog.ErrInvalidInput, req.Name)
		}
	case catalog.KindContainer, catalog.KindTable:
		if err := requireParent(req, catalog.KindConnection); err != nil {
			return key, err
		}

		key.Scope = req.Parent.QualifiedName
	case catalog.KindLeaf:
		if err := requireParent(req, catalog.KindContainer); err != nil {
			return key, err
		}

		key.Scope = req.Parent.QualifiedName
	}

	return key, key.Validate()
}

func requireParent(req Request, want catalog.Kind) error {
	if req.Parent == nil || !req.Parent.Resolved() {
		return fmt.Errorf("%w: %s %q needs a resolved %s parent", catalog.ErrInvalidInput, req.Kind, req.Name, want)
	}

	if req.Parent.Kind != want {
		return fmt.Errorf("%w: %s %q cannot be scoped by a %s", catalog.ErrInvalidInput, req.Kind, req.Name, req.Parent.Kind)
	}

	return nil
}

// draft builds the create request, including the locator the store deduplicates on.
func (r *Reconciler) draft(req Request) (catalog.Draft, error) {
	name := strings.TrimSpace(req.Name)
	attrs := catalog.Attributes{
		Owner:       firstNonEmpty(req.Params.Owner, r.owner),
		Description: req.Params.Description,
		Locator:     req.Params.Locator,
		Extra:       req.Params.Extra,
	}

	d := catalog.Draft{Kind: req.Kind, Name: name}

	switch req.Kind {
	case catalog.KindConnection:
		connector := strings.ToLower(strings.TrimSpace(req.Params.ConnectorType))
		if connector == "" {
			return d, fmt.Errorf("%w: connection %q needs a connector type", catalog.ErrInvalidInput, name)
		}

		d.ConnectorType = connector
		d.QualifiedName = catalog.ConnectionQualifiedName(connector, r.now())
	case catalog.KindContainer:
		conn := req.Parent
		if attrs.Locator == "" {
			attrs.Locator = name
			if conn.ConnectorType == connectorS3 {
				attrs.Locator = catalog.BucketARN(name, r.arnSuffix)
			}
		}

		if attrs.Description == "" {
			attrs.Description = "Bucket for " + name + r.arnSuffix
		}

		d.ConnectorType = conn.ConnectorType
		d.ScopeQualifiedName = conn.QualifiedName
		d.ConnectionQualifiedName = conn.QualifiedName
		d.QualifiedName = catalog.ContainerQualifiedName(conn.QualifiedName, attrs.Locator)
	case catalog.KindLeaf:
		container := req.Parent
		if attrs.Locator == "" {
			base := container.Attributes.Locator
			if base == "" {
				base = container.Name
			}

			attrs.Locator = catalog.ObjectARN(base, r.objectPrefix, name)
		}

		if attrs.Description == "" {
			attrs.Description = "Object " + name
		}

		d.ConnectorType = container.ConnectorType
		d.ScopeQualifiedName = container.QualifiedName
		d.ConnectionQualifiedName = container.OwningConnection()
		d.QualifiedName = catalog.LeafQualifiedName(container.OwningConnection(), attrs.Locator)
	case catalog.KindTable:
		conn := req.Parent
		d.ConnectorType = conn.ConnectorType
		d.ScopeQualifiedName = conn.QualifiedName
		d.ConnectionQualifiedName = conn.QualifiedName
		d.QualifiedName = catalog.TableQualifiedName(conn.QualifiedName, name)
	default:
		return d, fmt.Errorf("%w: cannot create %s through get-or-create", catalog.ErrInvalidInput, req.Kind)
	}

	d.Attributes = attrs

	return d, d.Validate()
}

// create saves d. A connection whose qualified name is already held by
// another entity moves on to the next epoch second.
func (r *Reconciler) create(ctx context.Context, d catalog.Draft) (catalog.MutationResult, catalog.Draft, int, error) {
	result, attempts, err := r.save(ctx, d)
	if d.Kind != catalog.KindConnection || !errors.Is(err, catalog.ErrConflict) {
		return result, d, attempts, err
	}

	_, epoch, perr := catalog.ParseConnectionQualifiedName(d.QualifiedName)
	if perr != nil {
		return result, d, attempts, err
	}

	for i := int64(1); i < connectionEpochProbes && errors.Is(err, catalog.ErrConflict); i++ {
		taken := d.QualifiedName
		d.QualifiedName = catalog.ConnectionQualifiedName(d.ConnectorType, time.Unix(epoch+i, 0))

		r.logger.Info("connection qualified name taken, trying next epoch",
			slog.String("name", d.Name),
			slog.String("taken", taken),
			slog.String("qualified_name", d.QualifiedName),
		)

		var n int

		result, n, err = r.save(ctx, d)
		attempts += n
	}

	return result, d, attempts, err
}

// save submits the draft, retrying only transient authentication failures.
func (r *Reconciler) save(ctx context.Context, d catalog.Draft) (catalog.MutationResult, int, error) {
	isTransient := func(err error) bool {
		return catalog.HasRemoteCode(err, r.transientCodes...)
	}

	result, res, err := retry.Do(ctx, r.writePolicy, isTransient,
		func(ctx context.Context, attempt int) (catalog.MutationResult, error) {
			result, err := r.saver.Save(ctx, d)
			if err != nil && isTransient(err) {
				r.logger.Warn("transient authentication failure on write, retrying",
					slog.String("qualified_name", d.QualifiedName),
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()),
				)
			}

			return result, err
		})

	return result, res.Attempts, err
}

func (r *Reconciler) handleEmptyCreate(ctx context.Context, key catalog.IdentityKey, req Request, attempts int) (Outcome, error) {
	if r.emptyCreate == EmptyCreateFail {
		return Outcome{Attempts: attempts}, fmt.Errorf("%w: %s: store reported no created entity", catalog.ErrCreationFailed, key)
	}

	r.logger.Info("write created nothing, treating as existing", slog.String("identity", key.String()))

	res, err := r.resolver.Resolve(ctx, key, WithConnectorType(req.Params.ConnectorType))
	if err != nil {
		return Outcome{Attempts: attempts}, err
	}

	if !res.Found {
		return Outcome{Attempts: attempts}, fmt.Errorf(
			"%w: %s: store reported no created entity and none is visible", catalog.ErrCreationFailed, key)
	}

	return Outcome{Entity: res.Entity, Attempts: attempts}, nil
}

func (r *Reconciler) waitVisible(ctx context.Context, key catalog.IdentityKey, req Request) {
	res, err := r.resolver.Resolve(ctx, key, WithConnectorType(req.Params.ConnectorType))
	if err != nil || !res.Found {
		r.logger.Warn("created entity not yet visible to search",
			slog.String("identity", key.String()),
			slog.Int("attempts", res.Attempts),
		)
	}
}

// pickCreated returns the created entity matching the draft, filling gaps the
// store left in its response.
func pickCreated(created []catalog.Entity, d catalog.Draft) catalog.Entity {
	picked := created[0]

	for _, e := range created {
		if e.QualifiedName == d.QualifiedName {
			picked = e

			break
		}
	}

	if picked.QualifiedName == "" {
		picked.QualifiedName = d.QualifiedName
	}

	if picked.Name == "" {
		picked.Name = d.Name
	}

	if !picked.Kind.Valid() {
		picked.Kind = d.Kind
	}

	if picked.ScopeQualifiedName == "" {
		picked.ScopeQualifiedName = d.ScopeQualifiedName
	}

	if picked.ConnectionQualifiedName == "" {
		picked.ConnectionQualifiedName = d.ConnectionQualifiedName
	}

	return picked
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
