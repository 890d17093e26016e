package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/reconciler/internal/catalog"
)

func TestValidator_ValidateListing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	v := NewValidator()

	tests := []struct {
		bucket  string
		wantErr error
	}{
		{bucket: "sales-landing"},
		{bucket: "logs.example.com"},
		{bucket: "", wantErr: ErrMissingBucket},
		{bucket: "ab", wantErr: ErrInvalidBucketName},
		{bucket: "Upper-Case", wantErr: ErrInvalidBucketName},
		{bucket: "-leading", wantErr: ErrInvalidBucketName},
		{bucket: "double..dot", wantErr: ErrInvalidBucketName},
	}

	for _, tt := range tests {
		t.Run(tt.bucket, func(t *testing.T) {
			err := v.ValidateListing(Listing{Bucket: tt.bucket})
			if tt.wantErr == nil {
				assert.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, catalog.ErrInvalidInput)
		})
	}
}

func TestValidator_ValidateListingKeys(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	v := NewValidator()

	require.NoError(t, v.ValidateListing(Listing{Bucket: "sales-landing", Keys: []string{"a.csv", "dir/b.csv"}}))

	for _, key := range []string{"", "   ", "\t"} {
		err := v.ValidateListing(Listing{Bucket: "sales-landing", Keys: []string{"a.csv", key}})
		require.ErrorIs(t, err, ErrMissingKey)
		assert.ErrorIs(t, err, catalog.ErrInvalidInput)
	}
}

func TestValidator_ValidateEdge(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	v := NewValidator()
	src := IdentityTuple{Kind: catalog.KindTable, Name: "orders", Scope: "pg"}
	dst := IdentityTuple{Kind: catalog.KindLeaf, Name: "orders.csv", Scope: "s3"}

	tests := []struct {
		name    string
		edge    EdgeTuple
		wantErr error
	}{
		{name: "valid", edge: EdgeTuple{Source: src, Target: dst, ProcessName: "orders to orders.csv"}},
		{name: "no process name", edge: EdgeTuple{Source: src, Target: dst}, wantErr: ErrMissingProcessName},
		{
			name:    "missing source name",
			edge:    EdgeTuple{Source: IdentityTuple{Kind: catalog.KindTable, Scope: "pg"}, Target: dst, ProcessName: "p"},
			wantErr: ErrMissingName,
		},
		{
			name:    "unscoped target",
			edge:    EdgeTuple{Source: src, Target: IdentityTuple{Kind: catalog.KindLeaf, Name: "x"}, ProcessName: "p"},
			wantErr: ErrMissingScope,
		},
		{
			name:    "process as end",
			edge:    EdgeTuple{Source: src, Target: IdentityTuple{Kind: catalog.KindLineageEdge, Name: "x"}, ProcessName: "p"},
			wantErr: ErrNotAnAsset,
		},
		{name: "self loop", edge: EdgeTuple{Source: src, Target: src, ProcessName: "p"}, wantErr: ErrSelfLoop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateEdge(tt.edge)
			if tt.wantErr == nil {
				assert.NoError(t, err)

				return
			}

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidator_ValidateTuple(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	v := NewValidator()

	assert.NoError(t, v.ValidateTuple(IdentityTuple{Kind: catalog.KindConnection, Name: "s3-prod"}))
	assert.ErrorIs(t, v.ValidateTuple(IdentityTuple{Kind: catalog.KindUnknown, Name: "x"}), ErrNotAnAsset)
	assert.ErrorIs(t, v.ValidateTuple(IdentityTuple{Kind: catalog.KindContainer, Name: "b"}), ErrMissingScope)
}

func TestValidator_ValidateManifest(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	v := NewValidator()

	m := DefaultManifest()
	require.NoError(t, v.ValidateAssets(m))
	assert.ErrorIs(t, v.ValidateLineage(m), ErrMissingConnection, "default columns have no connections")

	m = lineageManifest()
	require.NoError(t, v.ValidateLineage(m))

	m.Lineage.Columns.Intermediate.Kind = "Process"
	assert.ErrorIs(t, v.ValidateLineage(m), ErrNotAnAsset)

	m = DefaultManifest()
	m.Assets.Connection = " "
	assert.ErrorIs(t, v.ValidateAssets(m), ErrMissingConnection)

	m = DefaultManifest()
	m.Assets.ConnectorType = ""
	assert.ErrorIs(t, v.ValidateAssets(m), ErrMissingConnectorType)
}
