package catalog

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Field names a searchable entity attribute.
type Field string

// Searchable fields.
const (
	FieldKind                    Field = "kind"
	FieldName                    Field = "name"
	FieldQualifiedName           Field = "qualifiedName"
	FieldScopeQualifiedName      Field = "scopeQualifiedName"
	FieldConnectionQualifiedName Field = "connectionQualifiedName"
	FieldConnectorType           Field = "connectorType"
	FieldInput                   Field = "input"  // matches a process with this entity id among its inputs
	FieldOutput                  Field = "output" // matches a process with this entity id among its outputs
)

// Op is a filter predicate.
type Op string

// Filter operators.
const (
	OpEq     Op = "eq"
	OpPrefix Op = "prefix"
)

// DefaultPageSize is used when a query leaves PageSize unset.
const DefaultPageSize = 100

type (
	// Filter is one conjunctive predicate.
	Filter struct {
		Field Field  `json:"field"`
		Op    Op     `json:"op"`
		Value string `json:"value"`
	}

	// Query is a conjunction of filters with paging and optional oldest-first ordering.
	Query struct {
		Filters          []Filter `json:"filters"`
		PageSize         int      `json:"pageSize,omitempty"`
		Offset           int      `json:"offset,omitempty"`
		SortByCreatedAsc bool     `json:"sortByCreatedAsc,omitempty"`
	}

	// SearchResult holds one page of matches and the approximate total.
	SearchResult struct {
		ApproximateCount int64    `json:"approximateCount"`
		Entities         []Entity `json:"entities"`
	}
)

// Eq builds an equality filter.
func Eq(field Field, value string) Filter {
	return Filter{Field: field, Op: OpEq, Value: value}
}

// Prefix builds a prefix filter.
func Prefix(field Field, value string) Filter {
	return Filter{Field: field, Op: OpPrefix, Value: value}
}

// KindIs filters on entity kind.
func KindIs(k Kind) Filter {
	return Eq(FieldKind, k.String())
}

var knownFields = []Field{
	FieldKind, FieldName, FieldQualifiedName, FieldScopeQualifiedName,
	FieldConnectionQualifiedName, FieldConnectorType, FieldInput, FieldOutput,
}

// Validate rejects unknown fields or operators and negative paging.
func (q Query) Validate() error {
	for _, f := range q.Filters {
		if !slices.Contains(knownFields, f.Field) {
			return fmt.Errorf("%w: unknown search field %q", ErrInvalidInput, f.Field)
		}

		if f.Op != OpEq && f.Op != OpPrefix {
			return fmt.Errorf("%w: unknown search operator %q", ErrInvalidInput, f.Op)
		}

		if f.Field == FieldKind {
			if _, err := ParseKind(f.Value); err != nil {
				return err
			}
		}
	}

	if q.PageSize < 0 || q.Offset < 0 {
		return fmt.Errorf("%w: negative paging", ErrInvalidInput)
	}

	return nil
}

// Limit returns the effective page size.
func (q Query) Limit() int {
	if q.PageSize <= 0 {
		return DefaultPageSize
	}

	return q.PageSize
}

// Matches evaluates the query's filters against one entity.
func (q Query) Matches(e Entity) bool {
	for _, f := range q.Filters {
		if !f.matches(e) {
			return false
		}
	}

	return true
}

func (f Filter) matches(e Entity) bool {
	switch f.Field {
	case FieldKind:
		k, err := ParseKind(f.Value)

		return err == nil && e.Kind == k
	case FieldInput:
		return containsRef(e.Inputs, f.Value)
	case FieldOutput:
		return containsRef(e.Outputs, f.Value)
	}

	var value string

	switch f.Field {
	case FieldName:
		value = e.Name
	case FieldQualifiedName:
		value = e.QualifiedName
	case FieldScopeQualifiedName:
		value = e.ScopeQualifiedName
	case FieldConnectionQualifiedName:
		value = e.ConnectionQualifiedName
	case FieldConnectorType:
		value = e.ConnectorType
	default:
		return false
	}

	if f.Op == OpPrefix {
		return strings.HasPrefix(value, f.Value)
	}

	return value == f.Value
}

func containsRef(refs []Ref, id string) bool {
	return slices.ContainsFunc(refs, func(r Ref) bool { return r.ID == id })
}

// Apply filters, orders and pages entities the way a store would.
// Used by in-memory stores and tests.
func (q Query) Apply(entities []Entity) SearchResult {
	matched := make([]Entity, 0, len(entities))

	for _, e := range entities {
		if q.Matches(e) {
			matched = append(matched, e)
		}
	}

	if q.SortByCreatedAsc {
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		})
	}

	total := int64(len(matched))

	start := min(q.Offset, len(matched))
	end := min(start+q.Limit(), len(matched))

	return SearchResult{ApproximateCount: total, Entities: matched[start:end]}
}
