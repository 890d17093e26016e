package catalog

import (
	"context"
	"sync"
)

// DefaultTraversalCap bounds downstream traversals when no cap is given.
const DefaultTraversalCap = 100

type (
	// Searcher queries the (eventually consistent) search index.
	Searcher interface {
		Search(ctx context.Context, q Query) (SearchResult, error)
	}

	// Saver submits one create-or-update request. One remote call per invocation.
	Saver interface {
		Save(ctx context.Context, d Draft) (MutationResult, error)
	}

	// Getter fetches an entity by id. Returns ErrNotFound when absent.
	Getter interface {
		Get(ctx context.Context, id string) (Entity, error)
	}

	// Traverser walks lineage downstream from an entity.
	Traverser interface {
		TraverseDownstream(ctx context.Context, startID string, opts TraverseOptions) (Iterator, error)
	}

	// Deleter removes an entity by id.
	Deleter interface {
		Delete(ctx context.Context, id string) (MutationResult, error)
	}

	// Catalog is the full capability set of a remote catalog store.
	Catalog interface {
		Searcher
		Saver
		Getter
		Traverser
		Deleter
	}

	// TraverseOptions bound a downstream traversal.
	TraverseOptions struct {
		MaxNodes   int  // visit cap; DefaultTraversalCap when <= 0
		AssetsOnly bool // skip process nodes in the yielded sequence
	}

	// Iterator is a lazy sequence of entities. Next returns false once exhausted.
	Iterator interface {
		Next(ctx context.Context) (Entity, bool, error)
		Close() error
	}

	// SliceIterator iterates over an in-memory slice.
	SliceIterator struct {
		mu       sync.Mutex
		entities []Entity
		pos      int
	}
)

// Cap returns the effective visit cap.
func (o TraverseOptions) Cap() int {
	if o.MaxNodes <= 0 {
		return DefaultTraversalCap
	}

	return o.MaxNodes
}

// NewSliceIterator returns an Iterator over entities.
func NewSliceIterator(entities []Entity) *SliceIterator {
	return &SliceIterator{entities: entities}
}

// Next implements Iterator.
func (it *SliceIterator) Next(ctx context.Context) (Entity, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entity{}, false, err
	}

	it.mu.Lock()
	defer it.mu.Unlock()

	if it.pos >= len(it.entities) {
		return Entity{}, false, nil
	}

	e := it.entities[it.pos]
	it.pos++

	return e, true, nil
}

// Close implements Iterator.
func (it *SliceIterator) Close() error {
	return nil
}

// Collect drains an iterator, stopping after limit entities when limit > 0.
func Collect(ctx context.Context, it Iterator, limit int) ([]Entity, error) {
	defer func() {
		_ = it.Close()
	}()

	var out []Entity

	for limit <= 0 || len(out) < limit {
		e, ok, err := it.Next(ctx)
		if err != nil {
			return out, err
		}

		if !ok {
			break
		}

		out = append(out, e)
	}

	return out, nil
}
