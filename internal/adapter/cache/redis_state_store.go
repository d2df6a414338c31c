package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harborauth/harbor/internal/domain"
)

// SignInState captures the state/nonce/PKCE tuple persisted between the
// authorization redirect and the provider callback.
type SignInState struct {
	State        string          `json:"state"`
	Nonce        string          `json:"nonce"`
	CodeVerifier string          `json:"code_verifier"`
	Provider     domain.Provider `json:"provider"`
	RedirectURI  string          `json:"redirect_uri"`
	CreatedAt    time.Time       `json:"created_at"`
}

// StateStore persists pending sign-in state with a TTL.
type StateStore interface {
	SaveState(ctx context.Context, key string, data SignInState, ttl time.Duration) error
	GetState(ctx context.Context, key string) (*SignInState, error)
	DeleteState(ctx context.Context, key string) error
}

// RedisStateStore implements StateStore backed by Redis.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// SaveState stores the encoded sign-in state payload with TTL.
func (s *RedisStateStore) SaveState(ctx context.Context, key string, data SignInState, ttl time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// GetState loads and decodes the state payload. A missing key returns nil
// without error.
func (s *RedisStateStore) GetState(ctx context.Context, key string) (*SignInState, error) {
	bytes, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	var state SignInState
	if err := json.Unmarshal(bytes, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}

// DeleteState removes the persisted state key.
func (s *RedisStateStore) DeleteState(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// MemoryStateStore keeps sign-in state in process, used when Redis is not
// configured and in tests.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]memoryStateEntry
}

type memoryStateEntry struct {
	state     SignInState
	expiresAt time.Time
}

var _ StateStore = (*MemoryStateStore)(nil)

// NewMemoryStateStore constructs an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{entries: make(map[string]memoryStateEntry)}
}

// SaveState stores the payload with an expiry checked on read.
func (s *MemoryStateStore) SaveState(_ context.Context, key string, data SignInState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryStateEntry{state: data, expiresAt: time.Now().Add(ttl)}
	return nil
}

// GetState returns the payload if present and unexpired.
func (s *MemoryStateStore) GetState(_ context.Context, key string) (*SignInState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil, nil
	}
	state := entry.state
	return &state, nil
}

// DeleteState removes the key.
func (s *MemoryStateStore) DeleteState(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
