package store

import (
	"context"
	"sync"
	"time"

	"github.com/replikv/sinkrepl/internal/domain"
)

type memoryEntry struct {
	value       []byte
	tombstone   bool
	modTimeMs   int64
	sourceModMs int64
}

// MemoryStore is an in-memory Store used as the default backend and in tests.
// Tombstones are retained as markers rather than deleted outright so a later
// out-of-order object for the same key can be detected by callers inspecting
// the entry.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Apply(_ context.Context, obj *domain.ReplObject) (int64, error) {
	now := time.Now().UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[obj.Key] = memoryEntry{
		value:       obj.Value,
		tombstone:   obj.Tombstone,
		modTimeMs:   now,
		sourceModMs: obj.LastModifiedMs,
	}
	return now, nil
}

// Get returns the stored value for key and whether the entry is a live
// (non-tombstone) object.
func (m *MemoryStore) Get(key string) (value []byte, live bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || e.tombstone {
		return nil, false
	}
	return e.value, true
}

// Len reports the number of entries, tombstones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

var _ Store = (*MemoryStore)(nil)
