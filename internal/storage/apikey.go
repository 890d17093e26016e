// Package storage holds the catalog stores (in-memory and PostgreSQL) and the
// API key stores guarding the catalog HTTP API.
package storage

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	// KeyPrefix starts every generated API key.
	KeyPrefix = "reconciler_ak_"

	randomBytesSize = 32
	apiKeyLength    = len(KeyPrefix) + 2*randomBytesSize
	prefixLen       = len(KeyPrefix) + 4 // "reconciler_ak_1a2b"
	suffixLen       = 4
)

// Permissions granted to API keys.
const (
	PermissionCatalogRead  = "catalog:read"
	PermissionCatalogWrite = "catalog:write"
	PermissionReconcile    = "reconcile:write"
)

var (
	// ErrKeyAlreadyExists is returned when attempting to add a key that already exists.
	ErrKeyAlreadyExists = errors.New("API key already exists")
	// ErrKeyNotFound is returned when attempting to operate on a non-existent key.
	ErrKeyNotFound = errors.New("API key not found")
	// ErrKeyNil is returned when a nil or empty API key is provided.
	ErrKeyNil = errors.New("API key cannot be nil")
	// ErrClientIDEmpty is returned when client ID is empty during key generation.
	ErrClientIDEmpty = errors.New("client ID cannot be empty")
	// ErrKeyStringEmpty is returned when key string is empty during parsing.
	ErrKeyStringEmpty = errors.New("key string cannot be empty")
	// ErrInvalidKeyFormat is returned when API key doesn't match expected format.
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	// ErrInvalidKeyLength is returned when API key length is incorrect.
	ErrInvalidKeyLength = errors.New("invalid API key length")
)

type (
	// APIKey identifies one client of the catalog API.
	APIKey struct {
		ID          string     `json:"id"`
		Key         string     `json:"key"`
		ClientID    string     `json:"clientId"`
		Name        string     `json:"name"`
		Permissions []string   `json:"permissions"`
		CreatedAt   time.Time  `json:"createdAt"`
		ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
		Active      bool       `json:"active"`
	}

	// APIKeyStore finds and manages API keys.
	APIKeyStore interface {
		FindByKey(ctx context.Context, key string) (*APIKey, bool)
		Add(ctx context.Context, apiKey *APIKey) error
		Update(ctx context.Context, apiKey *APIKey) error
		Delete(ctx context.Context, keyID string) error
		ListByClient(ctx context.Context, clientID string) ([]*APIKey, error)
	}
)

// Usable reports whether the key is active and unexpired at now.
func (k *APIKey) Usable(now time.Time) bool {
	if !k.Active {
		return false
	}

	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// HasPermission checks if the API key has a specific permission.
func (k *APIKey) HasPermission(permission string) bool {
	return slices.Contains(k.Permissions, permission)
}

// SecureCompare performs constant-time comparison of two strings.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		// Still burn the comparison so mismatched lengths cost the same.
		subtle.ConstantTimeCompare([]byte(a), make([]byte, len(a)))

		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskKey keeps the prefix and last four characters of a well-formed key and
// masks everything else.
func MaskKey(key string) string {
	if len(key) != apiKeyLength {
		return strings.Repeat("*", len(key))
	}

	return key[:prefixLen] + strings.Repeat("*", apiKeyLength-prefixLen-suffixLen) + key[apiKeyLength-suffixLen:]
}

// GenerateAPIKey creates a new random API key for a client.
func GenerateAPIKey(clientID string) (string, error) {
	if strings.TrimSpace(clientID) == "" {
		return "", ErrClientIDEmpty
	}

	random := make([]byte, randomBytesSize)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return KeyPrefix + hex.EncodeToString(random), nil
}

// ParseAPIKey strips an optional "Bearer " prefix and checks the key's shape.
func ParseAPIKey(keyString string) (string, error) {
	if keyString == "" {
		return "", ErrKeyStringEmpty
	}

	keyString = strings.TrimPrefix(keyString, "Bearer ")

	if !strings.HasPrefix(keyString, KeyPrefix) {
		return "", ErrInvalidKeyFormat
	}

	if len(keyString) != apiKeyLength {
		return "", ErrInvalidKeyLength
	}

	return keyString, nil
}
