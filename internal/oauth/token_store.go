package oauth

import (
	"context"
	"sync"
)

// TokenStore persists token sets keyed by server id. The OAuth client writes
// through it on every exchange and refresh, so whatever the caller plugs in
// (memory, encrypted file, secret manager, the server registry itself) always
// holds the latest rotation.
type TokenStore interface {
	// Load returns the stored token set for serverID, or nil when none exists.
	Load(ctx context.Context, serverID string) (*Tokens, error)
	// Save replaces the stored token set for serverID.
	Save(ctx context.Context, serverID string, tokens *Tokens) error
}

// MemoryTokenStore is a thread-safe in-memory TokenStore.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*Tokens
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*Tokens)}
}

// Load implements TokenStore.
func (s *MemoryTokenStore) Load(_ context.Context, serverID string) (*Tokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[serverID].Clone(), nil
}

// Save implements TokenStore.
func (s *MemoryTokenStore) Save(_ context.Context, serverID string, tokens *Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tokens == nil {
		delete(s.tokens, serverID)
		return nil
	}
	s.tokens[serverID] = tokens.Clone()
	return nil
}
