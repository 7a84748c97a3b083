package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. State is lost on restart; it exists
// for tests and for single-instance deployments that want the CAS code path
// exercised without a backend.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	clock   func() time.Time
}

type memoryEntry struct {
	data      *BudgetStateData
	version   int64
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		clock:   time.Now,
	}
}

// Get returns the live state for a scope key.
func (m *MemoryStore) Get(ctx context.Context, scopeKey string) (*BudgetStateData, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.liveLocked(scopeKey)
	if e == nil {
		return nil, 0, nil
	}
	return e.data.Clone(), e.version, nil
}

// CompareAndSet writes data when the stored version matches.
func (m *MemoryStore) CompareAndSet(ctx context.Context, scopeKey string, expectedVersion int64, data *BudgetStateData, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.liveLocked(scopeKey)
	var current int64
	if e != nil {
		current = e.version
	}
	if current != expectedVersion {
		return ErrConflict
	}
	m.entries[scopeKey] = &memoryEntry{
		data:      data.Clone(),
		version:   current + 1,
		expiresAt: expiresAt,
	}
	return nil
}

// SetWithTTL writes data unconditionally.
func (m *MemoryStore) SetWithTTL(ctx context.Context, scopeKey string, data *BudgetStateData, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var version int64
	if e := m.liveLocked(scopeKey); e != nil {
		version = e.version
	}
	m.entries[scopeKey] = &memoryEntry{
		data:      data.Clone(),
		version:   version + 1,
		expiresAt: expiresAt,
	}
	return nil
}

// ListKeys returns live keys with the given prefix.
func (m *MemoryStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) && m.liveLocked(key) != nil {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// liveLocked returns the entry for key, purging it if expired.
// Caller must hold mu.
func (m *MemoryStore) liveLocked(key string) *memoryEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !m.clock().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}
