package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/correlator-io/reconciler/internal/catalog"
	"github.com/correlator-io/reconciler/internal/events"
)

// Purge deletes one entity by id and returns everything the store removed.
func (r *Runner) Purge(ctx context.Context, id string) ([]catalog.Entity, error) {
	if r.deleter == nil {
		return nil, ErrNoDeleter
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: entity id is required", catalog.ErrInvalidInput)
	}

	res, err := r.deleter.Delete(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("purge %s: %w", id, err)
	}

	evs := make([]events.ChangeEvent, 0, len(res.Deleted))

	for _, e := range res.Deleted {
		r.logger.Info("entity purged",
			slog.String("id", e.ID),
			slog.String("kind", e.Kind.String()),
			slog.String("qualified_name", e.QualifiedName),
		)

		evs = append(evs, events.NewEvent(events.EntityDeleted, e, r.runID))
	}

	if len(evs) > 0 {
		r.publish(ctx, evs...)
	}

	return res.Deleted, nil
}
