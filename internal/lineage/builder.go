// Package lineage ensures directed lineage edges exist between resolved
// catalog entities, creating a process node only when the target is not
// already reachable downstream of the source.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/correlator-io/reconciler/internal/catalog"
	"github.com/correlator-io/reconciler/internal/config"
	"github.com/correlator-io/reconciler/internal/reconcile"
	"github.com/correlator-io/reconciler/internal/telemetry"
)

// Status is the outcome of EnsureEdge.
type Status int

const (
	// StatusExists means the target was already reachable; nothing was written.
	StatusExists Status = iota + 1
	// StatusCreated means a new process edge was written.
	StatusCreated
	// StatusNoOp means the write created nothing and the caller accepted that.
	StatusNoOp
)

func (s Status) String() string {
	switch s {
	case StatusExists:
		return "exists"
	case StatusCreated:
		return "created"
	case StatusNoOp:
		return "noop"
	default:
		return "unknown"
	}
}

// ExistenceMode selects how an existing edge is detected.
type ExistenceMode int

const (
	// Reachability treats any downstream path from source to target within the
	// traversal cap as an existing edge.
	Reachability ExistenceMode = iota
	// ExactEdge requires a process with the same name reading source and writing target.
	ExactEdge
)

var (
	// ErrNoTraverser is returned when a Builder is built without a traversal capability.
	ErrNoTraverser = errors.New("lineage builder requires a traverser")

	// ErrNoSaver is returned when a Builder is built without a write capability.
	ErrNoSaver = errors.New("lineage builder requires a saver")

	// ErrNoSearcher is returned when ExactEdge mode is selected without a searcher.
	ErrNoSearcher = errors.New("exact edge mode requires a searcher")
)

type (
	// Options are per-edge caller choices.
	Options struct {
		// SourceConnectionQN is used when the source reports no owning connection.
		SourceConnectionQN string
		// DagID gives the process a stable qualified name for upserts.
		DagID string
		// StableDagID derives DagID from the process name when DagID is empty.
		StableDagID bool
		// EmptyCreate decides what an empty created-set means. Defaults to failing.
		EmptyCreate reconcile.EmptyCreatePolicy
	}

	// Result describes one EnsureEdge call.
	Result struct {
		Status              Status
		SourceQualifiedName string
		Edge                catalog.Entity // the created process, or the matched one in ExactEdge mode
		Created             int
		Updated             int
	}

	// Builder implements EnsureEdge.
	Builder struct {
		resolver  *reconcile.Resolver
		traverser catalog.Traverser
		saver     catalog.Saver
		searcher  catalog.Searcher
		mode      ExistenceMode
		maxNodes  int
		logger    *slog.Logger
	}

	// BuilderOption configures a Builder.
	BuilderOption func(*Builder)
)

// WithTraversalCap bounds the existence traversal. Default catalog.DefaultTraversalCap.
func WithTraversalCap(n int) BuilderOption {
	return func(b *Builder) {
		b.maxNodes = n
	}
}

// WithExactEdge switches existence checks to an exact process lookup through searcher.
func WithExactEdge(searcher catalog.Searcher) BuilderOption {
	return func(b *Builder) {
		b.mode = ExactEdge
		b.searcher = searcher
	}
}

// WithBuilderLogger sets the builder's logger.
func WithBuilderLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = l
	}
}

// NewBuilder builds a lineage Builder. resolver refreshes the source's canonical identity.
func NewBuilder(
	resolver *reconcile.Resolver,
	traverser catalog.Traverser,
	saver catalog.Saver,
	opts ...BuilderOption,
) (*Builder, error) {
	if resolver == nil {
		return nil, reconcile.ErrNoResolver
	}

	if traverser == nil {
		return nil, ErrNoTraverser
	}

	if saver == nil {
		return nil, ErrNoSaver
	}

	b := &Builder{
		resolver:  resolver,
		traverser: traverser,
		saver:     saver,
		maxNodes:  catalog.DefaultTraversalCap,
		logger:    config.NewLogger(),
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.mode == ExactEdge && b.searcher == nil {
		return nil, ErrNoSearcher
	}

	return b, nil
}

// EnsureEdge makes sure a lineage edge from source to target exists.
//
// Steps:
//  1. fetch source by id for its canonical qualified name
//  2. check existence (downstream reachability, or an exact process match)
//  3. otherwise save one process with sources=[source] and targets=[target]
//  4. report created/updated counts; an empty created-set follows opts.EmptyCreate
func (b *Builder) EnsureEdge(
	ctx context.Context,
	source, target catalog.Entity,
	processName string,
	opts Options,
) (Result, error) {
	processName = strings.TrimSpace(processName)

	if err := validateEnds(source, target, processName); err != nil {
		return Result{}, err
	}

	ctx, span := telemetry.StartSpan(ctx, "lineage.Builder.EnsureEdge",
		"source_id", source.ID, "target_id", target.ID, "process", processName)
	defer telemetry.ObserveDuration("ensure_edge", time.Now())

	result, err := b.ensureEdge(ctx, source, target, processName, opts)

	switch {
	case err != nil:
		telemetry.ObserveEdge(telemetry.OutcomeError)
	case result.Status == StatusExists:
		telemetry.ObserveEdge(telemetry.OutcomeExists)
	case result.Status == StatusNoOp:
		telemetry.ObserveEdge(telemetry.OutcomeNoOp)
	default:
		telemetry.ObserveEdge(telemetry.OutcomeCreated)
	}

	telemetry.EndSpan(span, err)

	return result, err
}

func (b *Builder) ensureEdge(
	ctx context.Context,
	source, target catalog.Entity,
	processName string,
	opts Options,
) (Result, error) {
	canonical, err := b.resolver.Get(ctx, source.ID)
	if err != nil {
		return Result{}, err
	}

	result := Result{SourceQualifiedName: canonical.QualifiedName}

	existing, exists, err := b.exists(ctx, canonical, target, processName)
	if err != nil {
		return result, err
	}

	if exists {
		b.logger.Info("lineage already exists",
			slog.String("source", canonical.QualifiedName),
			slog.String("target_id", target.ID),
			slog.String("process", processName),
		)

		result.Status = StatusExists
		result.Edge = existing

		return result, nil
	}

	connectionQN := canonical.ConnectionQualifiedName
	if connectionQN == "" && canonical.Kind.Scoped() {
		connectionQN = canonical.ScopeQualifiedName
	}

	if connectionQN == "" {
		connectionQN = opts.SourceConnectionQN
	}

	if connectionQN == "" {
		return result, fmt.Errorf("%w: no connection for lineage from %s", catalog.ErrInvalidInput, canonical.QualifiedName)
	}

	dagID := opts.DagID
	if dagID == "" && opts.StableDagID {
		dagID = catalog.DagIDFor(processName)
	}

	edge := catalog.LineageEdge{
		ProcessName:             processName,
		DagID:                   dagID,
		Sources:                 []catalog.Ref{source.Ref()},
		Targets:                 []catalog.Ref{target.Ref()},
		ConnectionQualifiedName: connectionQN,
	}

	if err := edge.Validate(); err != nil {
		return result, err
	}

	mutation, err := b.saver.Save(ctx, edge.Draft())
	if err != nil {
		return result, fmt.Errorf("create lineage %q: %w", processName, err)
	}

	result.Created = len(mutation.Created)
	result.Updated = len(mutation.Updated)

	if result.Created == 0 {
		if opts.EmptyCreate == reconcile.EmptyCreateNoOp {
			b.logger.Info("lineage write created nothing, treating as no-op",
				slog.String("process", processName),
				slog.Int("updated", result.Updated),
			)

			result.Status = StatusNoOp

			return result, nil
		}

		return result, fmt.Errorf("%w: lineage process %q", catalog.ErrCreationFailed, processName)
	}

	result.Status = StatusCreated
	result.Edge = mutation.Created[0]

	b.logger.Info("lineage process created",
		slog.String("process", processName),
		slog.String("qualified_name", result.Edge.QualifiedName),
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
	)

	return result, nil
}

func (b *Builder) exists(
	ctx context.Context,
	source, target catalog.Entity,
	processName string,
) (catalog.Entity, bool, error) {
	if b.mode == ExactEdge {
		return b.exactEdge(ctx, source, target, processName)
	}

	found, err := b.reachable(ctx, source.ID, target.ID)

	return catalog.Entity{}, found, err
}

// reachable walks downstream from sourceID, ignoring process nodes, until
// targetID is seen or the cap is reached.
func (b *Builder) reachable(ctx context.Context, sourceID, targetID string) (bool, error) {
	it, err := b.traverser.TraverseDownstream(ctx, sourceID, catalog.TraverseOptions{
		MaxNodes:   b.maxNodes,
		AssetsOnly: true,
	})
	if err != nil {
		return false, fmt.Errorf("traverse downstream of %s: %w", sourceID, err)
	}

	defer func() {
		_ = it.Close()
	}()

	// Only assets count toward the cap.
	for visited := 0; visited < b.maxNodes; {
		e, ok, err := it.Next(ctx)
		if err != nil {
			return false, fmt.Errorf("traverse downstream of %s: %w", sourceID, err)
		}

		if !ok {
			return false, nil
		}

		if e.Kind == catalog.KindLineageEdge {
			continue
		}

		if e.ID == targetID {
			return true, nil
		}

		visited++
	}

	return false, nil
}

func (b *Builder) exactEdge(
	ctx context.Context,
	source, target catalog.Entity,
	processName string,
) (catalog.Entity, bool, error) {
	res, err := b.searcher.Search(ctx, catalog.Query{
		Filters: []catalog.Filter{
			catalog.KindIs(catalog.KindLineageEdge),
			catalog.Eq(catalog.FieldName, processName),
			catalog.Eq(catalog.FieldInput, source.ID),
			catalog.Eq(catalog.FieldOutput, target.ID),
		},
		PageSize:         1,
		SortByCreatedAsc: true,
	})
	if err != nil {
		return catalog.Entity{}, false, fmt.Errorf("search lineage %q: %w", processName, err)
	}

	if len(res.Entities) == 0 {
		return catalog.Entity{}, false, nil
	}

	return res.Entities[0], true, nil
}

// Verify reports whether targetID is reachable downstream of sourceID.
func (b *Builder) Verify(ctx context.Context, sourceID, targetID string) (bool, error) {
	if sourceID == "" || targetID == "" {
		return false, fmt.Errorf("%w: source and target ids are required", catalog.ErrInvalidInput)
	}

	found, err := b.reachable(ctx, sourceID, targetID)
	if err != nil {
		return false, err
	}

	if found {
		b.logger.Info("lineage verified", slog.String("source_id", sourceID), slog.String("target_id", targetID))
	}

	return found, nil
}

func validateEnds(source, target catalog.Entity, processName string) error {
	if processName == "" {
		return fmt.Errorf("%w: process name is required", catalog.ErrInvalidInput)
	}

	if source.ID == "" || target.ID == "" {
		return fmt.Errorf("%w: lineage %q needs resolved source and target", catalog.ErrInvalidInput, processName)
	}

	if !source.Kind.IsAsset() || !target.Kind.IsAsset() {
		return fmt.Errorf("%w: lineage %q must connect assets", catalog.ErrInvalidInput, processName)
	}

	if source.ID == target.ID {
		return fmt.Errorf("%w: lineage %q cannot loop on %s", catalog.ErrInvalidInput, processName, source.ID)
	}

	return nil
}
