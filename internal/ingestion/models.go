// Package ingestion turns external system state into identity and edge tuples:
// exported bucket listings, live S3 listings, lineage CSV files and the run manifest.
package ingestion

import (
	"fmt"
	"strings"

	"github.com/correlator-io/reconciler/internal/catalog"
)

type (
	// IdentityTuple names one entity. Scope is the enclosing entity's name, or
	// for lineage columns a connection name or connection qualified name.
	IdentityTuple struct {
		Kind  catalog.Kind
		Name  string
		Scope string
	}

	// EdgeTuple asks for one lineage edge between two identities.
	EdgeTuple struct {
		Source      IdentityTuple
		Target      IdentityTuple
		ProcessName string
	}

	// Listing is the content of one bucket: its name and object keys in listing order.
	Listing struct {
		Bucket string
		Keys   []string
	}
)

func (t IdentityTuple) String() string {
	if t.Scope == "" {
		return fmt.Sprintf("%s %q", t.Kind, t.Name)
	}

	return fmt.Sprintf("%s %q in %q", t.Kind, t.Name, t.Scope)
}

// ProcessName is the default lineage process name, "<source> to <target>".
func ProcessName(source, target string) string {
	return strings.TrimSpace(source) + " to " + strings.TrimSpace(target)
}

// Tuples returns the listing's identities in dependency order: the
// connection, then the bucket, then each object.
func (l Listing) Tuples(connectionName string) []IdentityTuple {
	out := make([]IdentityTuple, 0, len(l.Keys)+2) //nolint:mnd // connection and bucket

	out = append(out,
		IdentityTuple{Kind: catalog.KindConnection, Name: connectionName},
		IdentityTuple{Kind: catalog.KindContainer, Name: l.Bucket, Scope: connectionName},
	)

	for _, key := range l.Keys {
		out = append(out, IdentityTuple{Kind: catalog.KindLeaf, Name: key, Scope: l.Bucket})
	}

	return out
}
