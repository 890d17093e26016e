// Package catalog defines the metadata-catalog model shared by the reconciler:
// entities, references, lineage edges, search queries and the capability
// interfaces a remote catalog store exposes.
package catalog

import (
	"fmt"
	"strings"
)

// Kind tags the variant of an Entity.
type Kind int

// Entity kinds. KindUnknown is the zero value and never valid on the wire.
const (
	KindUnknown Kind = iota
	KindConnection
	KindContainer
	KindLeaf
	KindTable
	KindLineageEdge
)

var kindNames = map[Kind]string{
	KindConnection:  "connection",
	KindContainer:   "container",
	KindLeaf:        "leaf",
	KindTable:       "table",
	KindLineageEdge: "lineage_edge",
}

// typeNames are the catalog type names stored alongside each entity.
var typeNames = map[Kind]string{
	KindConnection:  "Connection",
	KindContainer:   "S3Bucket",
	KindLeaf:        "S3Object",
	KindTable:       "Table",
	KindLineageEdge: "Process",
}

// Kinds lists every valid kind in dependency order.
func Kinds() []Kind {
	return []Kind{KindConnection, KindContainer, KindLeaf, KindTable, KindLineageEdge}
}

// String returns the lower-case kind name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return "unknown"
}

// TypeName returns the catalog type name for the kind (e.g. "S3Bucket").
func (k Kind) TypeName() string {
	return typeNames[k]
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]

	return ok
}

// Scoped reports whether entities of this kind live inside a parent scope.
// Connections are the only top-level assets; lineage edges hang off a connection.
func (k Kind) Scoped() bool {
	return k == KindContainer || k == KindLeaf || k == KindTable
}

// IsAsset reports whether the kind is a data asset rather than a process node.
func (k Kind) IsAsset() bool {
	return k.Valid() && k != KindLineageEdge
}

// ParseKind accepts either a kind name ("container") or a type name ("S3Bucket").
func ParseKind(s string) (Kind, error) {
	needle := strings.TrimSpace(s)

	for k, name := range kindNames {
		if strings.EqualFold(needle, name) || strings.EqualFold(needle, typeNames[k]) {
			return k, nil
		}
	}

	return KindUnknown, fmt.Errorf("%w: unknown entity kind %q", ErrInvalidInput, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: cannot marshal kind %d", ErrInvalidInput, int(k))
	}

	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}

	*k = parsed

	return nil
}
