package ingestion

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/correlator-io/reconciler/internal/catalog"
)

// Sentinel errors for validation failures. All of them match catalog.ErrInvalidInput.
var (
	ErrMalformedInput       = fmt.Errorf("%w: malformed input", catalog.ErrInvalidInput)
	ErrMissingBucket        = fmt.Errorf("%w: bucket name is required", catalog.ErrInvalidInput)
	ErrInvalidBucketName    = fmt.Errorf("%w: invalid bucket name", catalog.ErrInvalidInput)
	ErrMissingName          = fmt.Errorf("%w: name is required", catalog.ErrInvalidInput)
	ErrMissingKey           = fmt.Errorf("%w: object key is required", catalog.ErrInvalidInput)
	ErrMissingScope         = fmt.Errorf("%w: scope is required", catalog.ErrInvalidInput)
	ErrNotAnAsset           = fmt.Errorf("%w: kind is not an asset", catalog.ErrInvalidInput)
	ErrMissingProcessName   = fmt.Errorf("%w: process name is required", catalog.ErrInvalidInput)
	ErrSelfLoop             = fmt.Errorf("%w: edge source and target are the same", catalog.ErrInvalidInput)
	ErrMissingConnection    = fmt.Errorf("%w: connection is required", catalog.ErrInvalidInput)
	ErrMissingConnectorType = fmt.Errorf("%w: connector type is required", catalog.ErrInvalidInput)
)

// bucketNamePattern follows the S3 general purpose bucket naming rules:
// 3 to 63 characters of lower-case letters, digits, dots and hyphens,
// beginning and ending with a letter or digit.
var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// Validator checks producer output before it reaches the reconciler, so bad
// input fails without any remote call.
type Validator struct{}

// NewValidator creates a new Validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateListing checks the bucket name and every object key. Listings that
// do not come from the parser, such as API requests, may carry blank keys.
func (v *Validator) ValidateListing(l Listing) error {
	if l.Bucket == "" {
		return ErrMissingBucket
	}

	if !bucketNamePattern.MatchString(l.Bucket) || strings.Contains(l.Bucket, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidBucketName, l.Bucket)
	}

	for i, key := range l.Keys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: bucket %s, key %d", ErrMissingKey, l.Bucket, i)
		}
	}

	return nil
}

// ValidateTuple checks one identity. Connections take no scope; every other
// asset kind needs one.
func (v *Validator) ValidateTuple(t IdentityTuple) error {
	if !t.Kind.IsAsset() {
		return fmt.Errorf("%w: %s", ErrNotAnAsset, t.Kind)
	}

	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: %s", ErrMissingName, t.Kind)
	}

	if t.Kind.Scoped() && strings.TrimSpace(t.Scope) == "" {
		return fmt.Errorf("%w: %s", ErrMissingScope, t)
	}

	return nil
}

// ValidateEdge checks both ends and the process name.
func (v *Validator) ValidateEdge(e EdgeTuple) error {
	if strings.TrimSpace(e.ProcessName) == "" {
		return ErrMissingProcessName
	}

	if err := v.ValidateTuple(e.Source); err != nil {
		return fmt.Errorf("source of %q: %w", e.ProcessName, err)
	}

	if err := v.ValidateTuple(e.Target); err != nil {
		return fmt.Errorf("target of %q: %w", e.ProcessName, err)
	}

	if e.Source == e.Target {
		return fmt.Errorf("%w: %s", ErrSelfLoop, e.Source)
	}

	return nil
}

// ValidateAssets checks the asset run settings.
func (v *Validator) ValidateAssets(m *Manifest) error {
	if strings.TrimSpace(m.Assets.Connection) == "" {
		return fmt.Errorf("assets: %w", ErrMissingConnection)
	}

	if strings.TrimSpace(m.Assets.ConnectorType) == "" {
		return fmt.Errorf("assets: %w", ErrMissingConnectorType)
	}

	return nil
}

// ValidateLineage checks every column mapping of the lineage run.
func (v *Validator) ValidateLineage(m *Manifest) error {
	for name, col := range m.Lineage.Columns.byName() {
		if _, err := col.kind(); err != nil {
			return fmt.Errorf("lineage column %s: %w", name, err)
		}

		if m.ResolveConnection(col.Connection) == "" {
			return fmt.Errorf("lineage column %s: %w", name, ErrMissingConnection)
		}
	}

	return nil
}

func (c Columns) byName() map[string]Column {
	return map[string]Column{
		"source":       c.Source,
		"intermediate": c.Intermediate,
		"target":       c.Target,
	}
}

// kind parses the column kind; an empty kind means table.
func (c Column) kind() (catalog.Kind, error) {
	if strings.TrimSpace(c.Kind) == "" {
		return catalog.KindTable, nil
	}

	k, err := catalog.ParseKind(c.Kind)
	if err != nil {
		return k, err
	}

	if !k.Scoped() {
		return k, fmt.Errorf("%w: %s", ErrNotAnAsset, k)
	}

	return k, nil
}
