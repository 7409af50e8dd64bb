package velocity

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory velocity store for demo/development mode.
// Expiry is checked lazily on access; a sweep goroutine is not needed
// because stale entries are overwritten on the next Add.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	total     decimal.Decimal
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory velocity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
	}
}

func (m *MemoryStore) Total(ctx context.Context, userID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[userID]
	if !ok || time.Now().After(e.expiresAt) {
		return decimal.Zero, nil
	}
	return e.total, nil
}

func (m *MemoryStore) Add(ctx context.Context, userID string, amount decimal.Decimal, window time.Duration) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	e, ok := m.entries[userID]
	if !ok || now.After(e.expiresAt) {
		e = &memoryEntry{total: decimal.Zero}
		m.entries[userID] = e
	}

	e.total = e.total.Add(amount)
	e.expiresAt = now.Add(window) // full reset, not an extension
	return e.total, nil
}
