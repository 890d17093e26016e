// Package pipeline drives producer output through the reconciler and the
// lineage builder in dependency order and reports what each run did.
//
// Producers are read concurrently; the catalog is written sequentially.
package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/correlator-io/reconciler/internal/catalog"
	"github.com/correlator-io/reconciler/internal/config"
	"github.com/correlator-io/reconciler/internal/events"
	"github.com/correlator-io/reconciler/internal/ingestion"
	"github.com/correlator-io/reconciler/internal/lineage"
	"github.com/correlator-io/reconciler/internal/reconcile"
)

var (
	// ErrNoReconciler is returned when a Runner is built without a reconciler.
	ErrNoReconciler = errors.New("pipeline requires a reconciler")

	// ErrNoBuilder is returned by lineage runs on a Runner built without a lineage builder.
	ErrNoBuilder = errors.New("pipeline requires a lineage builder for lineage runs")

	// ErrNoDeleter is returned by Purge on a Runner built without a delete capability.
	ErrNoDeleter = errors.New("pipeline requires a deleter to purge")
)

type (
	// Runner executes asset, lineage and purge runs against one catalog.
	Runner struct {
		reconciler *reconcile.Reconciler
		builder    *lineage.Builder
		deleter    catalog.Deleter
		manifest   *ingestion.Manifest
		validator  *ingestion.Validator
		publisher  events.Publisher
		runID      string
		logger     *slog.Logger
	}

	// Option configures a Runner.
	Option func(*Runner)
)

// WithBuilder enables lineage runs.
func WithBuilder(b *lineage.Builder) Option {
	return func(r *Runner) {
		r.builder = b
	}
}

// WithDeleter enables Purge.
func WithDeleter(d catalog.Deleter) Option {
	return func(r *Runner) {
		r.deleter = d
	}
}

// WithPublisher sends a change event for every entity and edge outcome.
func WithPublisher(p events.Publisher) Option {
	return func(r *Runner) {
		r.publisher = p
	}
}

// WithRunID overrides the generated run id stamped on events and reports.
func WithRunID(id string) Option {
	return func(r *Runner) {
		r.runID = id
	}
}

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// New builds a Runner. A nil manifest uses ingestion.DefaultManifest.
func New(rec *reconcile.Reconciler, manifest *ingestion.Manifest, opts ...Option) (*Runner, error) {
	if rec == nil {
		return nil, ErrNoReconciler
	}

	if manifest == nil {
		manifest = ingestion.DefaultManifest()
	}

	r := &Runner{
		reconciler: rec,
		manifest:   manifest,
		validator:  ingestion.NewValidator(),
		publisher:  events.NopPublisher{},
		runID:      uuid.NewString(),
		logger:     config.NewLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// RunID returns the id stamped on this runner's events.
func (r *Runner) RunID() string {
	return r.runID
}

// publish sends events without failing the run; the catalog is the source of truth.
func (r *Runner) publish(ctx context.Context, evs ...events.ChangeEvent) {
	if err := r.publisher.Publish(ctx, evs...); err != nil {
		r.logger.Warn("failed to publish change events",
			slog.String("run_id", r.runID),
			slog.Int("count", len(evs)),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Runner) entityEvent(o reconcile.Outcome) events.ChangeEvent {
	t := events.EntityExisting
	if o.Created {
		t = events.EntityCreated
	}

	return events.NewEvent(t, o.Entity, r.runID)
}
