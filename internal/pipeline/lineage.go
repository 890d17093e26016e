package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/correlator-io/reconciler/internal/catalog"
	"github.com/correlator-io/reconciler/internal/events"
	"github.com/correlator-io/reconciler/internal/ingestion"
	"github.com/correlator-io/reconciler/internal/lineage"
	"github.com/correlator-io/reconciler/internal/reconcile"
)

type (
	// EdgeOutcome is one ensured lineage edge.
	EdgeOutcome struct {
		ProcessName string
		Source      catalog.Entity
		Target      catalog.Entity
		Status      lineage.Status
		Process     catalog.Entity
		Verified    bool
	}

	// LineageReport summarizes a lineage run. On failure it holds every edge
	// handled before the failing one.
	LineageReport struct {
		RunID      string
		Edges      []EdgeOutcome
		Created    int
		Existing   int
		NoOp       int
		Unverified int
		Duration   time.Duration
	}

	// endpoints resolves lineage endpoints once per run.
	endpoints struct {
		resolver    *reconcile.Resolver
		manifest    *ingestion.Manifest
		connections map[string]string
		entities    map[ingestion.IdentityTuple]catalog.Entity
	}
)

// RunLineage ensures every edge in order, then verifies them when the
// manifest asks for it. Endpoints must already exist in the catalog.
func (r *Runner) RunLineage(ctx context.Context, edges []ingestion.EdgeTuple) (*LineageReport, error) {
	start := time.Now()
	report := &LineageReport{RunID: r.runID}

	defer func() {
		report.Duration = time.Since(start)
	}()

	if r.builder == nil {
		return report, ErrNoBuilder
	}

	for _, e := range edges {
		if err := r.validator.ValidateEdge(e); err != nil {
			return report, err
		}
	}

	ends := &endpoints{
		resolver:    r.reconciler.Resolver(),
		manifest:    r.manifest,
		connections: make(map[string]string),
		entities:    make(map[ingestion.IdentityTuple]catalog.Entity),
	}

	emptyCreate := reconcile.EmptyCreateFail
	if r.manifest.Lineage.EmptyAsNoOp {
		emptyCreate = reconcile.EmptyCreateNoOp
	}

	for _, e := range edges {
		outcome, err := r.ensure(ctx, ends, e, emptyCreate)
		if err != nil {
			return report, fmt.Errorf("lineage %q: %w", e.ProcessName, err)
		}

		report.Edges = append(report.Edges, outcome)

		switch outcome.Status {
		case lineage.StatusCreated:
			report.Created++
		case lineage.StatusExists:
			report.Existing++
		case lineage.StatusNoOp:
			report.NoOp++
		}
	}

	if r.manifest.Lineage.Verify {
		if err := r.verify(ctx, report); err != nil {
			return report, err
		}
	}

	r.logger.Info("lineage run complete",
		slog.String("run_id", r.runID),
		slog.Int("edges", len(report.Edges)),
		slog.Int("created", report.Created),
		slog.Int("existing", report.Existing),
		slog.Int("noop", report.NoOp),
		slog.Int("unverified", report.Unverified),
	)

	return report, nil
}

func (r *Runner) ensure(
	ctx context.Context,
	ends *endpoints,
	e ingestion.EdgeTuple,
	emptyCreate reconcile.EmptyCreatePolicy,
) (EdgeOutcome, error) {
	source, err := ends.entity(ctx, e.Source)
	if err != nil {
		return EdgeOutcome{}, fmt.Errorf("source %s: %w", e.Source, err)
	}

	target, err := ends.entity(ctx, e.Target)
	if err != nil {
		return EdgeOutcome{}, fmt.Errorf("target %s: %w", e.Target, err)
	}

	sourceConn, err := ends.connection(ctx, e.Source)
	if err != nil {
		return EdgeOutcome{}, err
	}

	res, err := r.builder.EnsureEdge(ctx, source, target, e.ProcessName, lineage.Options{
		SourceConnectionQN: sourceConn,
		StableDagID:        r.manifest.Lineage.StableDagIDs,
		EmptyCreate:        emptyCreate,
	})
	if err != nil {
		return EdgeOutcome{}, err
	}

	outcome := EdgeOutcome{
		ProcessName: e.ProcessName,
		Source:      source,
		Target:      target,
		Status:      res.Status,
		Process:     res.Edge,
	}

	switch res.Status {
	case lineage.StatusCreated:
		r.publish(ctx, events.NewEvent(events.LineageCreated, res.Edge, r.runID))
	case lineage.StatusExists:
		// Reachability mode has no process entity to report; the source stands in.
		subject := res.Edge
		if subject.ID == "" {
			subject = source
		}

		ev := events.NewEvent(events.LineageExists, subject, r.runID)
		ev.Name = e.ProcessName
		r.publish(ctx, ev)
	}

	return outcome, nil
}

// verify checks downstream reachability of every handled edge. Unreachable
// targets are counted and logged; only remote failures end the run.
func (r *Runner) verify(ctx context.Context, report *LineageReport) error {
	for i := range report.Edges {
		edge := &report.Edges[i]

		ok, err := r.builder.Verify(ctx, edge.Source.ID, edge.Target.ID)
		if err != nil {
			return fmt.Errorf("verify %q: %w", edge.ProcessName, err)
		}

		edge.Verified = ok
		if !ok {
			report.Unverified++

			r.logger.Warn("lineage not visible downstream yet",
				slog.String("process", edge.ProcessName),
				slog.String("source", edge.Source.QualifiedName),
				slog.String("target", edge.Target.QualifiedName),
			)
		}
	}

	return nil
}

// connection turns a column reference into a connection qualified name.
// Qualified names are used as given; names are resolved through the catalog.
func (p *endpoints) connection(ctx context.Context, t ingestion.IdentityTuple) (string, error) {
	ref := p.manifest.ResolveConnection(t.Scope)

	if qn, ok := p.connections[ref]; ok {
		return qn, nil
	}

	if _, _, err := catalog.ParseConnectionQualifiedName(ref); err == nil {
		p.connections[ref] = ref

		return ref, nil
	}

	conn, err := p.resolver.ResolveEntity(ctx,
		catalog.IdentityKey{Kind: catalog.KindConnection, Name: ref},
		reconcile.WithConnectorType(p.connectorType(t)),
	)
	if err != nil {
		return "", fmt.Errorf("connection %q: %w", ref, err)
	}

	p.connections[ref] = conn.QualifiedName

	return conn.QualifiedName, nil
}

func (p *endpoints) entity(ctx context.Context, t ingestion.IdentityTuple) (catalog.Entity, error) {
	if e, ok := p.entities[t]; ok {
		return e, nil
	}

	connQN, err := p.connection(ctx, t)
	if err != nil {
		return catalog.Entity{}, err
	}

	e, err := p.resolver.FindInConnection(ctx, t.Kind, t.Name, connQN)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return catalog.Entity{}, fmt.Errorf("%w: reconcile assets before lineage", err)
		}

		return catalog.Entity{}, err
	}

	p.entities[t] = e

	return e, nil
}

// connectorType finds the column whose kind and connection match t, for
// narrowing connection lookups by name.
func (p *endpoints) connectorType(t ingestion.IdentityTuple) string {
	cols := p.manifest.Lineage.Columns
	for _, c := range []ingestion.Column{cols.Source, cols.Intermediate, cols.Target} {
		if p.manifest.ResolveConnection(c.Connection) == t.Scope && c.ConnectorType != "" {
			return c.ConnectorType
		}
	}

	return ""
}
