package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, id, client string) *APIKey {
	t.Helper()

	key, err := GenerateAPIKey(client)
	require.NoError(t, err)

	return &APIKey{
		ID:          id,
		Key:         key,
		ClientID:    client,
		Name:        "pipeline " + client,
		Permissions: []string{PermissionCatalogRead, PermissionReconcile},
		CreatedAt:   time.Now(),
		Active:      true,
	}
}

func TestInMemoryKeyStore(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()

	t.Run("add and find", func(t *testing.T) {
		store := NewInMemoryKeyStore()
		k := testKey(t, "key-1", "airflow")

		require.NoError(t, store.Add(ctx, k))

		found, ok := store.FindByKey(ctx, k.Key)
		require.True(t, ok)
		assert.Equal(t, "airflow", found.ClientID)

		found.Name = "mutated"
		again, _ := store.FindByKey(ctx, k.Key)
		assert.Equal(t, "pipeline airflow", again.Name, "callers get copies")

		_, ok = store.FindByKey(ctx, "missing")
		assert.False(t, ok)
	})

	t.Run("duplicates and nil", func(t *testing.T) {
		store := NewInMemoryKeyStore()
		k := testKey(t, "key-1", "airflow")

		require.NoError(t, store.Add(ctx, k))
		assert.ErrorIs(t, store.Add(ctx, k), ErrKeyAlreadyExists)

		other := testKey(t, "key-2", "airflow")
		other.Key = k.Key
		assert.ErrorIs(t, store.Add(ctx, other), ErrKeyAlreadyExists)

		assert.ErrorIs(t, store.Add(ctx, nil), ErrKeyNil)
	})

	t.Run("update moves client", func(t *testing.T) {
		store := NewInMemoryKeyStore()
		k := testKey(t, "key-1", "airflow")
		require.NoError(t, store.Add(ctx, k))

		moved := *k
		moved.ClientID = "dagster"
		require.NoError(t, store.Update(ctx, &moved))

		airflow, err := store.ListByClient(ctx, "airflow")
		require.NoError(t, err)
		assert.Empty(t, airflow)

		dagster, err := store.ListByClient(ctx, "dagster")
		require.NoError(t, err)
		require.Len(t, dagster, 1)
		assert.Equal(t, "key-1", dagster[0].ID)

		missing := testKey(t, "nope", "x")
		assert.ErrorIs(t, store.Update(ctx, missing), ErrKeyNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		store := NewInMemoryKeyStore()
		k := testKey(t, "key-1", "airflow")
		require.NoError(t, store.Add(ctx, k))

		require.NoError(t, store.Delete(ctx, "key-1"))
		_, ok := store.FindByKey(ctx, k.Key)
		assert.False(t, ok)
		assert.ErrorIs(t, store.Delete(ctx, "key-1"), ErrKeyNotFound)
	})
}

func TestAPIKeyHelpers(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	key, err := GenerateAPIKey("airflow")
	require.NoError(t, err)
	assert.Len(t, key, apiKeyLength)

	parsed, err := ParseAPIKey("Bearer " + key)
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	_, err = ParseAPIKey("")
	assert.ErrorIs(t, err, ErrKeyStringEmpty)

	_, err = ParseAPIKey("other_ak_123")
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)

	_, err = ParseAPIKey(KeyPrefix + "abc")
	assert.ErrorIs(t, err, ErrInvalidKeyLength)

	_, err = GenerateAPIKey(" ")
	assert.ErrorIs(t, err, ErrClientIDEmpty)

	masked := MaskKey(key)
	assert.Equal(t, key[:prefixLen], masked[:prefixLen])
	assert.Equal(t, key[len(key)-suffixLen:], masked[len(masked)-suffixLen:])
	assert.NotContains(t, masked, key[prefixLen:len(key)-suffixLen])
	assert.Equal(t, "****", MaskKey("abcd"))

	assert.True(t, SecureCompare("abc", "abc"))
	assert.False(t, SecureCompare("abc", "abd"))
	assert.False(t, SecureCompare("abc", "ab"))
}

func TestAPIKey_UsableAndPermissions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.True(t, (&APIKey{Active: true}).Usable(now))
	assert.True(t, (&APIKey{Active: true, ExpiresAt: &future}).Usable(now))
	assert.False(t, (&APIKey{Active: true, ExpiresAt: &past}).Usable(now))
	assert.False(t, (&APIKey{Active: false}).Usable(now))

	k := &APIKey{Permissions: []string{PermissionCatalogRead}}
	assert.True(t, k.HasPermission(PermissionCatalogRead))
	assert.False(t, k.HasPermission(PermissionCatalogWrite))
}
