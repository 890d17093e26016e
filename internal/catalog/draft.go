package catalog

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	// Draft is a create request submitted to a Saver. Stores deduplicate on
	// QualifiedName, so building it through the qualified-name helpers matters.
	Draft struct {
		Kind                    Kind       `json:"kind"`
		Name                    string     `json:"name"`
		QualifiedName           string     `json:"qualifiedName"`
		ScopeQualifiedName      string     `json:"scopeQualifiedName,omitempty"`
		ConnectionQualifiedName string     `json:"connectionQualifiedName,omitempty"`
		ConnectorType           string     `json:"connectorType,omitempty"`
		Attributes              Attributes `json:"attributes"`
		Inputs                  []Ref      `json:"inputs,omitempty"`
		Outputs                 []Ref      `json:"outputs,omitempty"`
	}

	// LineageEdge is a directed, named relation from sources to targets.
	LineageEdge struct {
		ProcessName             string
		DagID                   string // optional; stable upsert identity when set
		Sources                 []Ref
		Targets                 []Ref
		ConnectionQualifiedName string
	}
)

var whitespace = regexp.MustCompile(`\s+`)

// DagIDFor derives a stable dag id from a process name:
// "Postgres to S3" becomes "dag_postgres_to_s3".
func DagIDFor(processName string) string {
	return "dag_" + strings.ToLower(whitespace.ReplaceAllString(strings.TrimSpace(processName), "_"))
}

// Validate checks the draft carries everything a store needs.
func (d Draft) Validate() error {
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: draft kind %s", ErrInvalidInput, d.Kind)
	}

	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: draft name is required", ErrInvalidInput)
	}

	if strings.TrimSpace(d.QualifiedName) == "" {
		return fmt.Errorf("%w: draft %q has no qualified name", ErrInvalidInput, d.Name)
	}

	if d.Kind.Scoped() && d.ScopeQualifiedName == "" {
		return fmt.Errorf("%w: %s %q has no scope", ErrInvalidInput, d.Kind, d.Name)
	}

	if d.Kind == KindLineageEdge && (len(d.Inputs) == 0 || len(d.Outputs) == 0) {
		return fmt.Errorf("%w: process %q needs at least one input and one output", ErrInvalidInput, d.Name)
	}

	return nil
}

// Entity materialises the draft as a stored entity.
func (d Draft) Entity(id string, createdAt time.Time) Entity {
	return Entity{
		ID:                      id,
		Kind:                    d.Kind,
		Name:                    d.Name,
		QualifiedName:           d.QualifiedName,
		ScopeQualifiedName:      d.ScopeQualifiedName,
		ConnectionQualifiedName: d.ConnectionQualifiedName,
		ConnectorType:           d.ConnectorType,
		Attributes:              d.Attributes,
		Inputs:                  append([]Ref(nil), d.Inputs...),
		Outputs:                 append([]Ref(nil), d.Outputs...),
		CreatedAt:               createdAt,
	}
}

// Validate checks the edge has a name, an owning connection and both ends.
func (e LineageEdge) Validate() error {
	if strings.TrimSpace(e.ProcessName) == "" {
		return fmt.Errorf("%w: process name is required", ErrInvalidInput)
	}

	if e.ConnectionQualifiedName == "" {
		return fmt.Errorf("%w: process %q has no connection", ErrInvalidInput, e.ProcessName)
	}

	if len(e.Sources) == 0 || len(e.Targets) == 0 {
		return fmt.Errorf("%w: process %q needs sources and targets", ErrInvalidInput, e.ProcessName)
	}

	for _, ref := range append(append([]Ref(nil), e.Sources...), e.Targets...) {
		if ref.ID == "" {
			return fmt.Errorf("%w: process %q references an unresolved entity", ErrInvalidInput, e.ProcessName)
		}
	}

	return nil
}

// Draft builds the process create request. Without a dag id every call gets a
// fresh qualified name, leaving duplicate suppression to the existence check.
func (e LineageEdge) Draft() Draft {
	local := e.DagID
	if local == "" {
		local = uuid.NewString()
	}

	return Draft{
		Kind:                    KindLineageEdge,
		Name:                    e.ProcessName,
		QualifiedName:           ChildQualifiedName(e.ConnectionQualifiedName, local),
		ConnectionQualifiedName: e.ConnectionQualifiedName,
		Inputs:                  e.Sources,
		Outputs:                 e.Targets,
	}
}
