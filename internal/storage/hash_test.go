package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "sk-test-12345678901234567890123456789012" // pragma: allowlist secret

func TestHashAPIKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name   string
		apiKey string
	}{
		{name: "regular key", apiKey: testAPIKey},
		{name: "short key", apiKey: "sk-test-123"},
		{name: "key above bcrypt limit", apiKey: strings.Repeat("a", 100)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashAPIKey(tt.apiKey)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(hash, "$2"), "bcrypt format")
			assert.True(t, CompareAPIKeyHash(hash, tt.apiKey))
			assert.False(t, CompareAPIKeyHash(hash, tt.apiKey+"x"))
		})
	}

	_, err := HashAPIKey("")
	assert.ErrorIs(t, err, ErrKeyNil)
}

func TestHashAPIKey_Salted(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	first, err := HashAPIKey(testAPIKey)
	require.NoError(t, err)

	second, err := HashAPIKey(testAPIKey)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, CompareAPIKeyHash(first, testAPIKey))
	assert.True(t, CompareAPIKeyHash(second, testAPIKey))
}

func TestCompareAPIKeyHash_LongKeysDifferingAfterLimit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	base := strings.Repeat("k", bcryptLimit)

	hash, err := HashAPIKey(base + "-one")
	require.NoError(t, err)

	assert.False(t, CompareAPIKeyHash(hash, base+"-two"), "pre-hashing keeps bytes past 72 significant")
}

func TestCompareAPIKeyHash_InvalidInputs(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.False(t, CompareAPIKeyHash("", testAPIKey))
	assert.False(t, CompareAPIKeyHash("not-a-bcrypt-hash", testAPIKey))
	assert.False(t, CompareAPIKeyHash("$2a$10$abc", ""))
}
