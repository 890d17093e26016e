package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/correlator-io/reconciler/internal/config"
)

const (
	keyCreated = "created"
	keyUpdated = "updated"
	keyDeleted = "deleted"
)

var _ APIKeyStore = (*PersistentKeyStore)(nil)

// PersistentKeyStore keeps bcrypt-hashed API keys in PostgreSQL and writes an
// audit row for every change.
type PersistentKeyStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPersistentKeyStore builds a key store over conn.
func NewPersistentKeyStore(conn *Connection) (*PersistentKeyStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PersistentKeyStore{conn: conn, logger: config.NewLogger()}, nil
}

// FindByKey compares key against every active hash. Returned keys carry a masked hash.
func (s *PersistentKeyStore) FindByKey(ctx context.Context, key string) (*APIKey, bool) {
	if key == "" {
		return nil, false
	}

	keys, err := s.query(ctx, `
		SELECT id, key_hash, client_id, name, permissions, created_at, expires_at, active
		FROM api_keys
		WHERE active = TRUE`)
	if err != nil {
		s.logger.Error("failed to load API keys", slog.String("error", err.Error()))

		return nil, false
	}

	for _, k := range keys {
		if CompareAPIKeyHash(k.Key, key) {
			k.Key = MaskKey(key)

			return k, true
		}
	}

	return nil, false
}

// Add hashes and stores a new key.
func (s *PersistentKeyStore) Add(ctx context.Context, apiKey *APIKey) error {
	if apiKey == nil || apiKey.Key == "" {
		return ErrKeyNil
	}

	// bcrypt salts each hash, so duplicates can only be found by comparison.
	if _, found := s.FindByKey(ctx, apiKey.Key); found {
		return ErrKeyAlreadyExists
	}

	hash, err := HashAPIKey(apiKey.Key)
	if err != nil {
		return err
	}

	permissions, err := permissionsToJSON(apiKey.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO api_keys (id, key_hash, client_id, name, permissions, created_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		apiKey.ID, hash, apiKey.ClientID, apiKey.Name, permissions,
		apiKey.CreatedAt, apiKey.ExpiresAt, apiKey.Active,
	)
	if isUniqueViolation(err) {
		return ErrKeyAlreadyExists
	}

	if err != nil {
		return fmt.Errorf("failed to insert API key: %w", err)
	}

	s.audit(ctx, keyCreated, apiKey.ID, MaskKey(apiKey.Key), apiKey.ClientID)

	return nil
}

// Update changes name, permissions, active flag and expiry. The hash is immutable.
func (s *PersistentKeyStore) Update(ctx context.Context, apiKey *APIKey) error {
	if apiKey == nil {
		return ErrKeyNil
	}

	permissions, err := permissionsToJSON(apiKey.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE api_keys
		SET name = $1, permissions = $2, active = $3, expires_at = $4, updated_at = NOW()
		WHERE id = $5`,
		apiKey.Name, permissions, apiKey.Active, apiKey.ExpiresAt, apiKey.ID,
	)
	if err := affectedOne(res, err, "update"); err != nil {
		return err
	}

	s.audit(ctx, keyUpdated, apiKey.ID, "", apiKey.ClientID)

	return nil
}

// Delete soft-deletes a key by clearing its active flag.
func (s *PersistentKeyStore) Delete(ctx context.Context, keyID string) error {
	if keyID == "" {
		return ErrKeyNotFound
	}

	res, err := s.conn.ExecContext(ctx,
		"UPDATE api_keys SET active = FALSE, updated_at = NOW() WHERE id = $1 AND active", keyID)
	if err := affectedOne(res, err, "delete"); err != nil {
		return err
	}

	s.audit(ctx, keyDeleted, keyID, "", "")

	return nil
}

// ListByClient returns a client's active keys, newest first, with masked hashes.
func (s *PersistentKeyStore) ListByClient(ctx context.Context, clientID string) ([]*APIKey, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}

	keys, err := s.query(ctx, `
		SELECT id, key_hash, client_id, name, permissions, created_at, expires_at, active
		FROM api_keys
		WHERE client_id = $1 AND active = TRUE
		ORDER BY created_at DESC`, clientID)
	if err != nil {
		return nil, err
	}

	for _, k := range keys {
		k.Key = MaskKey(k.Key)
	}

	return keys, nil
}

func (s *PersistentKeyStore) query(ctx context.Context, query string, args ...any) ([]*APIKey, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query API keys: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	keys := []*APIKey{}

	for rows.Next() {
		var (
			k           APIKey
			permissions []byte
		)

		if err := rows.Scan(&k.ID, &k.Key, &k.ClientID, &k.Name, &permissions,
			&k.CreatedAt, &k.ExpiresAt, &k.Active); err != nil {
			return nil, fmt.Errorf("failed to scan API key: %w", err)
		}

		if err := json.Unmarshal(permissions, &k.Permissions); err != nil {
			return nil, fmt.Errorf("failed to decode permissions of %s: %w", k.ID, err)
		}

		keys = append(keys, &k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating API keys: %w", err)
	}

	return keys, nil
}

// audit is best-effort: a failed audit write is logged, never returned.
func (s *PersistentKeyStore) audit(ctx context.Context, operation, keyID, maskedKey, clientID string) {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO api_key_audit_log (api_key_id, operation, masked_key, client_id)
		VALUES ($1, $2, $3, $4)`,
		keyID, operation, maskedKey, clientID,
	)
	if err != nil {
		s.logger.Error("failed to write API key audit entry",
			slog.String("operation", operation),
			slog.String("key_id", keyID),
			slog.String("error", err.Error()),
		)
	}
}

func affectedOne(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("failed to %s API key: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if n == 0 {
		return ErrKeyNotFound
	}

	return nil
}

func permissionsToJSON(permissions []string) ([]byte, error) {
	if permissions == nil {
		permissions = []string{}
	}

	return json.Marshal(permissions)
}
