// Package catalogtest provides catalog doubles for tests.
package catalogtest

import (
	"context"
	"sync"

	"github.com/correlator-io/reconciler/internal/catalog"
)

var _ catalog.Catalog = (*Recorder)(nil)

// Recorder wraps a catalog, counts calls per capability and can inject
// scripted failures. Scripted errors are consumed one per call in order; a nil
// entry lets that call through to the wrapped catalog.
type Recorder struct {
	Inner catalog.Catalog

	mu sync.Mutex

	Searches   int
	Saves      int
	Gets       int
	Traversals int
	Deletes    int

	Drafts []catalog.Draft

	SearchErrors []error
	SaveErrors   []error

	// EmptySaves makes Save return an empty result without writing.
	EmptySaves bool
}

// NewRecorder wraps inner.
func NewRecorder(inner catalog.Catalog) *Recorder {
	return &Recorder{Inner: inner}
}

// Search implements catalog.Searcher.
func (r *Recorder) Search(ctx context.Context, q catalog.Query) (catalog.SearchResult, error) {
	r.mu.Lock()
	r.Searches++
	err := pop(&r.SearchErrors)
	r.mu.Unlock()

	if err != nil {
		return catalog.SearchResult{}, err
	}

	return r.Inner.Search(ctx, q)
}

// Save implements catalog.Saver.
func (r *Recorder) Save(ctx context.Context, d catalog.Draft) (catalog.MutationResult, error) {
	r.mu.Lock()
	r.Saves++
	r.Drafts = append(r.Drafts, d)
	err := pop(&r.SaveErrors)
	empty := r.EmptySaves
	r.mu.Unlock()

	if err != nil {
		return catalog.MutationResult{}, err
	}

	if empty {
		return catalog.MutationResult{}, nil
	}

	return r.Inner.Save(ctx, d)
}

// Get implements catalog.Getter.
func (r *Recorder) Get(ctx context.Context, id string) (catalog.Entity, error) {
	r.mu.Lock()
	r.Gets++
	r.mu.Unlock()

	return r.Inner.Get(ctx, id)
}

// TraverseDownstream implements catalog.Traverser.
func (r *Recorder) TraverseDownstream(
	ctx context.Context,
	startID string,
	opts catalog.TraverseOptions,
) (catalog.Iterator, error) {
	r.mu.Lock()
	r.Traversals++
	r.mu.Unlock()

	return r.Inner.TraverseDownstream(ctx, startID, opts)
}

// Delete implements catalog.Deleter.
func (r *Recorder) Delete(ctx context.Context, id string) (catalog.MutationResult, error) {
	r.mu.Lock()
	r.Deletes++
	r.mu.Unlock()

	return r.Inner.Delete(ctx, id)
}

// SaveCount returns the number of Save calls so far.
func (r *Recorder) SaveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.Saves
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}

	err := (*errs)[0]
	*errs = (*errs)[1:]

	return err
}
