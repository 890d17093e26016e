// Package events publishes catalog change events so downstream systems can
// follow what a reconcile run created or found.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/correlator-io/reconciler/internal/catalog"
)

// Type is the kind of change an event reports.
type Type string

// Event types.
const (
	EntityCreated  Type = "entity.created"
	EntityExisting Type = "entity.existing"
	EntityDeleted  Type = "entity.deleted"
	LineageCreated Type = "lineage.created"
	LineageExists  Type = "lineage.exists"
)

type (
	// ChangeEvent is the JSON payload of one published event.
	ChangeEvent struct {
		ID            string       `json:"id"`
		Type          Type         `json:"type"`
		Kind          catalog.Kind `json:"kind"`
		EntityID      string       `json:"entityId,omitempty"`
		Name          string       `json:"name"`
		QualifiedName string       `json:"qualifiedName,omitempty"`
		RunID         string       `json:"runId,omitempty"`
		OccurredAt    time.Time    `json:"occurredAt"`
	}

	// Publisher sends change events. Implementations must be safe for concurrent use.
	Publisher interface {
		Publish(ctx context.Context, events ...ChangeEvent) error
		Close() error
	}

	// NopPublisher drops every event. Used when no brokers are configured.
	NopPublisher struct{}

	// MemoryPublisher keeps published events in memory.
	MemoryPublisher struct {
		mu     sync.Mutex
		events []ChangeEvent
		closed bool
	}
)

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*MemoryPublisher)(nil)
	_ Publisher = (*KafkaPublisher)(nil)
)

// NewEvent builds an event for entity with a fresh id.
func NewEvent(t Type, entity catalog.Entity, runID string) ChangeEvent {
	return ChangeEvent{
		ID:            uuid.NewString(),
		Type:          t,
		Kind:          entity.Kind,
		EntityID:      entity.ID,
		Name:          entity.Name,
		QualifiedName: entity.QualifiedName,
		RunID:         runID,
		OccurredAt:    time.Now().UTC(),
	}
}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, ...ChangeEvent) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }

// NewMemoryPublisher returns an empty MemoryPublisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish appends events.
func (p *MemoryPublisher) Publish(_ context.Context, events ...ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	p.events = append(p.events, events...)

	return nil
}

// Close marks the publisher closed; later publishes fail.
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true

	return nil
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ChangeEvent, len(p.events))
	copy(out, p.events)

	return out
}

// Count returns how many events of type t were published.
func (p *MemoryPublisher) Count(t Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0

	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}

	return n
}
