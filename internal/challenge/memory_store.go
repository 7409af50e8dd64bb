package challenge

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and dev mode. Entries are
// dropped lazily once they are well past their TTL.
type MemoryStore struct {
	mu         sync.RWMutex
	challenges map[string]*Challenge
}

// retention keeps expired challenges around long enough that verification
// attempts against them still report EXPIRED rather than not-found.
const retention = time.Hour

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{challenges: make(map[string]*Challenge)}
}

func (m *MemoryStore) Put(_ context.Context, ch *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep()
	cp := *ch
	m.challenges[ch.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.challenges[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (m *MemoryStore) Save(_ context.Context, ch *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.challenges[ch.ID]; !ok {
		return ErrNotFound
	}
	cp := *ch
	m.challenges[ch.ID] = &cp
	return nil
}

func (m *MemoryStore) sweep() {
	cutoff := time.Now().Add(-retention)
	for id, ch := range m.challenges {
		if ch.ExpiresAt.Before(cutoff) {
			delete(m.challenges, id)
		}
	}
}
