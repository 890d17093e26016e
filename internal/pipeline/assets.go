package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/correlator-io/reconciler/internal/catalog"
	"github.com/correlator-io/reconciler/internal/ingestion"
	"github.com/correlator-io/reconciler/internal/reconcile"
)

type (
	// EntityOutcome is one reconciled identity.
	EntityOutcome struct {
		Tuple   ingestion.IdentityTuple
		Entity  catalog.Entity
		Created bool
	}

	// KindCount counts outcomes of one kind.
	KindCount struct {
		Created  int
		Existing int
	}

	// AssetReport summarizes an asset run. On failure it holds everything
	// reconciled before the failing tuple; nothing is rolled back.
	AssetReport struct {
		RunID      string
		Connection catalog.Entity
		Entities   []EntityOutcome
		Created    int
		Existing   int
		Duration   time.Duration
	}
)

// RunAssets reconciles the manifest's connection, then each listing's bucket
// and objects, in that order.
func (r *Runner) RunAssets(ctx context.Context, listings ...ingestion.Listing) (*AssetReport, error) {
	start := time.Now()
	report := &AssetReport{RunID: r.runID}

	defer func() {
		report.Duration = time.Since(start)
	}()

	if err := r.validator.ValidateAssets(r.manifest); err != nil {
		return report, err
	}

	for _, l := range listings {
		if err := r.validator.ValidateListing(l); err != nil {
			return report, err
		}
	}

	assets := r.manifest.Assets
	params := reconcile.CreationParams{Owner: r.manifest.Owner, Description: assets.Description}

	conn, err := r.reconciler.Connection(ctx, assets.Connection, assets.ConnectorType)
	if err != nil {
		return report, fmt.Errorf("connection %q: %w", assets.Connection, err)
	}

	report.Connection = conn.Entity
	r.record(ctx, report, ingestion.IdentityTuple{Kind: catalog.KindConnection, Name: assets.Connection}, conn)

	for _, l := range listings {
		if err := r.reconcileListing(ctx, report, conn.Entity, l, params); err != nil {
			return report, err
		}
	}

	r.logger.Info("asset run complete",
		slog.String("run_id", r.runID),
		slog.String("connection", conn.Entity.QualifiedName),
		slog.Int("created", report.Created),
		slog.Int("existing", report.Existing),
	)

	return report, nil
}

func (r *Runner) reconcileListing(
	ctx context.Context,
	report *AssetReport,
	conn catalog.Entity,
	l ingestion.Listing,
	params reconcile.CreationParams,
) error {
	var container catalog.Entity

	// The connection tuple was reconciled once for the whole run.
	for _, tuple := range l.Tuples(conn.Name)[1:] {
		var (
			out reconcile.Outcome
			err error
		)

		switch tuple.Kind {
		case catalog.KindContainer:
			out, err = r.reconciler.Container(ctx, conn, tuple.Name, params)
			container = out.Entity
		case catalog.KindLeaf:
			out, err = r.reconciler.Leaf(ctx, container, tuple.Name, reconcile.CreationParams{Owner: params.Owner})
		default:
			err = fmt.Errorf("%w: unexpected %s in listing", catalog.ErrInvalidInput, tuple.Kind)
		}

		if err != nil {
			return fmt.Errorf("%s: %w", tuple, err)
		}

		r.record(ctx, report, tuple, out)
	}

	return nil
}

func (r *Runner) record(ctx context.Context, report *AssetReport, tuple ingestion.IdentityTuple, out reconcile.Outcome) {
	report.Entities = append(report.Entities, EntityOutcome{Tuple: tuple, Entity: out.Entity, Created: out.Created})

	if out.Created {
		report.Created++
	} else {
		report.Existing++
	}

	r.publish(ctx, r.entityEvent(out))
}

// Summary returns the created and existing counts per kind.
func (rep *AssetReport) Summary() map[catalog.Kind]KindCount {
	out := make(map[catalog.Kind]KindCount)

	for _, e := range rep.Entities {
		counts := out[e.Tuple.Kind]
		if e.Created {
			counts.Created++
		} else {
			counts.Existing++
		}

		out[e.Tuple.Kind] = counts
	}

	return out
}
