package catalog

import (
	"fmt"
	"strings"
	"time"
)

type (
	// Ref points at an entity by id. It is what lineage edges carry instead of
	// full entities.
	Ref struct {
		Kind Kind   `json:"kind"`
		ID   string `json:"id"`
	}

	// Attributes are descriptive only and never part of an identity key.
	Attributes struct {
		Owner       string            `json:"owner,omitempty"`
		Description string            `json:"description,omitempty"`
		Locator     string            `json:"locator,omitempty"` // external resource path such as an ARN
		Extra       map[string]string `json:"extra,omitempty"`
	}

	// Entity is one catalog node. Kind tags the variant; every variant shares
	// the same identity fields so references are built uniformly.
	Entity struct {
		ID                      string     `json:"id"`
		Kind                    Kind       `json:"kind"`
		Name                    string     `json:"name"`
		QualifiedName           string     `json:"qualifiedName"`
		ScopeQualifiedName      string     `json:"scopeQualifiedName,omitempty"`
		ConnectionQualifiedName string     `json:"connectionQualifiedName,omitempty"`
		ConnectorType           string     `json:"connectorType,omitempty"`
		Attributes              Attributes `json:"attributes"`
		Inputs                  []Ref      `json:"inputs,omitempty"`  // lineage edges only
		Outputs                 []Ref      `json:"outputs,omitempty"` // lineage edges only
		CreatedAt               time.Time  `json:"createdAt"`
	}

	// IdentityKey is the (kind, name, scope) tuple that identifies at most one live entity.
	IdentityKey struct {
		Kind  Kind
		Name  string
		Scope string
	}

	// MutationResult reports what a single write touched.
	MutationResult struct {
		Created []Entity `json:"created"`
		Updated []Entity `json:"updated"`
		Deleted []Entity `json:"deleted"`
	}
)

// Ref returns a reference to the entity by id.
func (e Entity) Ref() Ref {
	return Ref{Kind: e.Kind, ID: e.ID}
}

// Resolved reports whether the entity has been assigned an id and qualified name.
func (e Entity) Resolved() bool {
	return e.ID != "" && e.QualifiedName != ""
}

// IdentityKey returns the entity's identity key.
func (e Entity) IdentityKey() IdentityKey {
	return IdentityKey{Kind: e.Kind, Name: e.Name, Scope: e.ScopeQualifiedName}
}

// OwningConnection returns the qualified name of the connection the entity
// belongs to. A connection owns itself.
func (e Entity) OwningConnection() string {
	if e.Kind == KindConnection {
		return e.QualifiedName
	}

	return e.ConnectionQualifiedName
}

func (k IdentityKey) String() string {
	if k.Scope == "" {
		return fmt.Sprintf("%s %q", k.Kind, k.Name)
	}

	return fmt.Sprintf("%s %q in %q", k.Kind, k.Name, k.Scope)
}

// Validate rejects a malformed identity tuple before any remote call.
func (k IdentityKey) Validate() error {
	if !k.Kind.Valid() || k.Kind == KindLineageEdge {
		return fmt.Errorf("%w: kind %s cannot be resolved by identity key", ErrInvalidInput, k.Kind)
	}

	if strings.TrimSpace(k.Name) == "" {
		return fmt.Errorf("%w: %s name is required", ErrInvalidInput, k.Kind)
	}

	if k.Kind.Scoped() && strings.TrimSpace(k.Scope) == "" {
		return fmt.Errorf("%w: %s %q requires a scope qualified name", ErrInvalidInput, k.Kind, k.Name)
	}

	return nil
}

// Empty reports whether the write touched nothing.
func (r MutationResult) Empty() bool {
	return len(r.Created) == 0 && len(r.Updated) == 0 && len(r.Deleted) == 0
}

// First returns the first created entity, falling back to the first updated one.
func (r MutationResult) First() (Entity, bool) {
	if len(r.Created) > 0 {
		return r.Created[0], true
	}

	if len(r.Updated) > 0 {
		return r.Updated[0], true
	}

	return Entity{}, false
}
