// Package cache memoizes resolution lookup results across chain executions.
package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// Cache stores lookup results. Implementations are safe for concurrent use
// and treat backend failures as misses.
type Cache interface {
	Get(ctx context.Context, key string) (map[string]any, bool)
	Set(ctx context.Context, key string, value map[string]any)
}

// Key derives a cache key from a lookup operation name and its variables.
// encoding/json sorts map keys, so equal variable sets hash identically.
func Key(operationName string, variables map[string]any) string {
	raw, err := json.Marshal(variables)
	if err != nil {
		raw = []byte("null")
	}
	sum := blake3.Sum256(raw)
	return operationName + ":" + hex.EncodeToString(sum[:])
}

type memoryEntry struct {
	value   map[string]any
	expires time.Time
}

// Memory is an in-process Cache. A zero TTL keeps entries until the cache is dropped.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemory creates an in-process cache.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

// Get returns the cached value for key.
func (m *Memory) Get(_ context.Context, key string) (map[string]any, bool) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !entry.expires.IsZero() && m.now().After(entry.expires) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

// Set stores value under key.
func (m *Memory) Set(_ context.Context, key string, value map[string]any) {
	entry := memoryEntry{value: value}
	if m.ttl > 0 {
		entry.expires = m.now().Add(m.ttl)
	}
	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
