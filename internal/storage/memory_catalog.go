package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/correlator-io/reconciler/internal/catalog"
)

// Compile-time assertion that MemoryCatalog satisfies the full capability set.
var _ catalog.Catalog = (*MemoryCatalog)(nil)

type (
	// MemoryCatalog is a thread-safe in-memory catalog. It can simulate an
	// eventually consistent search index: entities written through Save stay
	// hidden from Search for a configurable number of searches. Get and
	// traversal are always consistent.
	//
	// Used by tests and the CLI's --store=memory mode.
	MemoryCatalog struct {
		mu       sync.RWMutex
		entities map[string]catalog.Entity // id -> entity
		byQN     map[string]string         // qualified name -> id
		order    []string                  // ids in insertion order
		hidden   map[string]int            // id -> search count at which it becomes visible
		searches int
		lag      int
		now      func() time.Time
		lastTime time.Time
	}

	// MemoryCatalogOption configures a MemoryCatalog.
	MemoryCatalogOption func(*MemoryCatalog)
)

// WithVisibilityLag hides each newly saved entity from the next n searches.
func WithVisibilityLag(n int) MemoryCatalogOption {
	return func(m *MemoryCatalog) {
		m.lag = n
	}
}

// WithMemoryClock replaces time.Now for CreatedAt stamps.
func WithMemoryClock(now func() time.Time) MemoryCatalogOption {
	return func(m *MemoryCatalog) {
		m.now = now
	}
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog(opts ...MemoryCatalogOption) *MemoryCatalog {
	m := &MemoryCatalog{
		entities: make(map[string]catalog.Entity),
		byQN:     make(map[string]string),
		hidden:   make(map[string]int),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Seed inserts entities that are immediately visible. Missing ids and
// timestamps are filled in. Returns the stored copies.
func (m *MemoryCatalog) Seed(entities ...catalog.Entity) []catalog.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]catalog.Entity, 0, len(entities))

	for _, e := range entities {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}

		if e.CreatedAt.IsZero() {
			e.CreatedAt = m.tick()
		}

		m.put(e)
		out = append(out, e)
	}

	return out
}

// Len returns the number of stored entities.
func (m *MemoryCatalog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entities)
}

// Search implements catalog.Searcher over currently visible entities.
func (m *MemoryCatalog) Search(ctx context.Context, q catalog.Query) (catalog.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return catalog.SearchResult{}, err
	}

	if err := q.Validate(); err != nil {
		return catalog.SearchResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.searches++

	visible := make([]catalog.Entity, 0, len(m.order))

	for _, id := range m.order {
		if at, ok := m.hidden[id]; ok {
			if m.searches < at {
				continue
			}

			delete(m.hidden, id)
		}

		visible = append(visible, m.entities[id])
	}

	return q.Apply(visible), nil
}

// Save implements catalog.Saver as an upsert on qualified name. A qualified
// name held by another identity yields catalog.ErrConflict.
func (m *MemoryCatalog) Save(ctx context.Context, d catalog.Draft) (catalog.MutationResult, error) {
	if err := ctx.Err(); err != nil {
		return catalog.MutationResult{}, err
	}

	if err := d.Validate(); err != nil {
		return catalog.MutationResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byQN[d.QualifiedName]; ok {
		existing := m.entities[id]
		if existing.Kind != d.Kind || existing.Name != d.Name || existing.ScopeQualifiedName != d.ScopeQualifiedName {
			return catalog.MutationResult{}, fmt.Errorf("%w: %s is held by %s %q",
				catalog.ErrConflict, d.QualifiedName, existing.Kind, existing.Name)
		}

		updated := d.Entity(existing.ID, existing.CreatedAt)
		m.entities[id] = updated

		return catalog.MutationResult{Updated: []catalog.Entity{updated}}, nil
	}

	for _, ref := range slices.Concat(d.Inputs, d.Outputs) {
		if _, ok := m.entities[ref.ID]; !ok {
			return catalog.MutationResult{}, fmt.Errorf("%w: process %q references unknown entity %s",
				catalog.ErrInvalidInput, d.Name, ref.ID)
		}
	}

	created := d.Entity(uuid.NewString(), m.tick())
	m.put(created)

	if m.lag > 0 {
		m.hidden[created.ID] = m.searches + m.lag + 1
	}

	return catalog.MutationResult{Created: []catalog.Entity{created}}, nil
}

// Get implements catalog.Getter.
func (m *MemoryCatalog) Get(ctx context.Context, id string) (catalog.Entity, error) {
	if err := ctx.Err(); err != nil {
		return catalog.Entity{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[id]
	if !ok {
		return catalog.Entity{}, fmt.Errorf("%w: %s", catalog.ErrNotFound, id)
	}

	return e, nil
}

// TraverseDownstream implements catalog.Traverser with a breadth-first walk
// from startID through the processes consuming each visited node.
func (m *MemoryCatalog) TraverseDownstream(
	ctx context.Context,
	startID string,
	opts catalog.TraverseOptions,
) (catalog.Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.entities[startID]; !ok {
		return nil, fmt.Errorf("%w: %s", catalog.ErrNotFound, startID)
	}

	consumers := make(map[string][]string) // entity id -> ids of processes reading it
	for _, id := range m.order {
		e := m.entities[id]
		if e.Kind != catalog.KindLineageEdge {
			continue
		}

		for _, in := range e.Inputs {
			consumers[in.ID] = append(consumers[in.ID], id)
		}
	}

	limit := opts.Cap()
	visited := map[string]bool{startID: true}
	queue := []string{startID}

	var out []catalog.Entity

	for len(queue) > 0 && len(out) < limit {
		current := queue[0]
		queue = queue[1:]

		for _, pid := range consumers[current] {
			if visited[pid] {
				continue
			}

			visited[pid] = true
			process := m.entities[pid]

			if !opts.AssetsOnly && len(out) < limit {
				out = append(out, process)
			}

			for _, target := range process.Outputs {
				if visited[target.ID] {
					continue
				}

				asset, ok := m.entities[target.ID]
				if !ok {
					continue
				}

				visited[target.ID] = true
				queue = append(queue, target.ID)

				if len(out) < limit {
					out = append(out, asset)
				}
			}
		}
	}

	return catalog.NewSliceIterator(out), nil
}

// Delete implements catalog.Deleter. Processes referencing the entity are kept.
func (m *MemoryCatalog) Delete(ctx context.Context, id string) (catalog.MutationResult, error) {
	if err := ctx.Err(); err != nil {
		return catalog.MutationResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[id]
	if !ok {
		return catalog.MutationResult{}, fmt.Errorf("%w: %s", catalog.ErrNotFound, id)
	}

	delete(m.entities, id)
	delete(m.byQN, e.QualifiedName)
	delete(m.hidden, id)
	m.order = slices.DeleteFunc(m.order, func(other string) bool { return other == id })

	return catalog.MutationResult{Deleted: []catalog.Entity{e}}, nil
}

// put stores e. Caller holds the write lock.
func (m *MemoryCatalog) put(e catalog.Entity) {
	if _, exists := m.entities[e.ID]; !exists {
		m.order = append(m.order, e.ID)
	}

	m.entities[e.ID] = e
	m.byQN[e.QualifiedName] = e.ID
}

// tick returns a strictly increasing timestamp so creation order is total.
// Caller holds the write lock.
func (m *MemoryCatalog) tick() time.Time {
	t := m.now().UTC()
	if !t.After(m.lastTime) {
		t = m.lastTime.Add(time.Microsecond)
	}

	m.lastTime = t

	return t
}
