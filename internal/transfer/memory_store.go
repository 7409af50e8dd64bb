package transfer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fortressbank/transfers/internal/pagination"
)

// MemoryStore is an in-memory Store for tests and dev mode.
type MemoryStore struct {
	mu    sync.RWMutex
	txs   map[string]*Transaction
	byRef map[string]string // provider reference -> transaction ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:   make(map[string]*Transaction),
		byRef: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	m.txs[tx.ID] = &cp
	if tx.ProviderRef != "" {
		m.byRef[tx.ProviderRef] = tx.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetByProviderRef(_ context.Context, ref string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRef[ref]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *m.txs[id]
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.ID]; !ok {
		return ErrTransactionNotFound
	}
	cp := *tx
	m.txs[tx.ID] = &cp
	if tx.ProviderRef != "" {
		m.byRef[tx.ProviderRef] = tx.ID
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, f HistoryFilter) ([]*Transaction, error) {
	cursor, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	var out []*Transaction
	for _, tx := range m.txs {
		if f.UserID != "" && tx.UserID != f.UserID {
			continue
		}
		if f.Account != "" && tx.FromAccount != f.Account && tx.ToAccount != f.Account {
			continue
		}
		if f.Status != "" && tx.Status != f.Status {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if cursor != nil {
		idx := 0
		for i, tx := range out {
			if tx.CreatedAt.Before(cursor.CreatedAt) ||
				(tx.CreatedAt.Equal(cursor.CreatedAt) && tx.ID < cursor.ID) {
				idx = i
				break
			}
			idx = len(out)
		}
		out = out[idx:]
	}

	if len(out) > f.Limit+1 {
		out = out[:f.Limit+1]
	}
	return out, nil
}

func (m *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, tx := range m.txs {
		if len(out) >= limit {
			break
		}
		if (tx.Status == StatusPendingOTP || tx.Status == StatusPendingSmartOTP) &&
			!tx.ExpiresAt.IsZero() && tx.ExpiresAt.Before(before) {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}
