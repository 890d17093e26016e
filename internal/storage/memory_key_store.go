package storage

import (
	"context"
	"slices"
	"sync"
)

var _ APIKeyStore = (*InMemoryKeyStore)(nil)

// InMemoryKeyStore keeps API keys in process memory. Used by tests and the
// CLI's serve command when no database is configured.
type InMemoryKeyStore struct {
	mutex    sync.RWMutex
	keys     map[string]*APIKey   // plaintext key -> key
	byID     map[string]*APIKey   // id -> key
	byClient map[string][]*APIKey // client id -> keys
}

// NewInMemoryKeyStore creates an empty key store.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		keys:     make(map[string]*APIKey),
		byID:     make(map[string]*APIKey),
		byClient: make(map[string][]*APIKey),
	}
}

// FindByKey returns a copy of the key, if present.
func (s *InMemoryKeyStore) FindByKey(_ context.Context, key string) (*APIKey, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	found, ok := s.keys[key]
	if !ok {
		return nil, false
	}

	cp := *found

	return &cp, true
}

// Add stores a new key.
func (s *InMemoryKeyStore) Add(_ context.Context, apiKey *APIKey) error {
	if apiKey == nil || apiKey.Key == "" {
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.byID[apiKey.ID]; exists {
		return ErrKeyAlreadyExists
	}

	if _, exists := s.keys[apiKey.Key]; exists {
		return ErrKeyAlreadyExists
	}

	cp := *apiKey
	s.keys[cp.Key] = &cp
	s.byID[cp.ID] = &cp
	s.byClient[cp.ClientID] = append(s.byClient[cp.ClientID], &cp)

	return nil
}

// Update replaces an existing key by id.
func (s *InMemoryKeyStore) Update(_ context.Context, apiKey *APIKey) error {
	if apiKey == nil {
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, ok := s.byID[apiKey.ID]
	if !ok {
		return ErrKeyNotFound
	}

	s.unlinkClient(existing.ClientID, existing.ID)
	delete(s.keys, existing.Key)

	cp := *apiKey
	s.keys[cp.Key] = &cp
	s.byID[cp.ID] = &cp
	s.byClient[cp.ClientID] = append(s.byClient[cp.ClientID], &cp)

	return nil
}

// Delete removes a key by id.
func (s *InMemoryKeyStore) Delete(_ context.Context, keyID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, ok := s.byID[keyID]
	if !ok {
		return ErrKeyNotFound
	}

	delete(s.keys, existing.Key)
	delete(s.byID, keyID)
	s.unlinkClient(existing.ClientID, keyID)

	return nil
}

// ListByClient returns copies of a client's keys; empty, never nil.
func (s *InMemoryKeyStore) ListByClient(_ context.Context, clientID string) ([]*APIKey, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	keys := s.byClient[clientID]
	out := make([]*APIKey, 0, len(keys))

	for _, k := range keys {
		cp := *k
		out = append(out, &cp)
	}

	return out, nil
}

// unlinkClient drops keyID from the client index. Caller holds the write lock.
func (s *InMemoryKeyStore) unlinkClient(clientID, keyID string) {
	s.byClient[clientID] = slices.DeleteFunc(s.byClient[clientID], func(k *APIKey) bool {
		return k.ID == keyID
	})

	if len(s.byClient[clientID]) == 0 {
		delete(s.byClient, clientID)
	}
}
