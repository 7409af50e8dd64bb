package ledgerclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fortressbank/transfers/internal/idgen"
)

// Memory is an in-process Client for dev mode and tests. It enforces the
// same rules the real ledger does (active accounts, sufficient funds,
// idempotent correlation IDs) and supports per-operation failure injection.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]*Account
	posted   map[string]*Entry // correlation ID -> entry, for idempotent replay
	entries  []*Entry

	// FailNext, when set for an op ("debit", "credit", "refund"), makes the
	// next call of that op return the given error once.
	failNext map[string]error
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*Account),
		posted:   make(map[string]*Entry),
		failNext: make(map[string]error),
	}
}

// AddAccount seeds an active account with an opening balance.
func (m *Memory) AddAccount(number, userID string, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[number] = &Account{
		Number:   number,
		UserID:   userID,
		Status:   "ACTIVE",
		Balance:  balance,
		Currency: "USD",
	}
}

// FreezeAccount marks an account inactive.
func (m *Memory) FreezeAccount(number string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[number]; ok {
		a.Status = "FROZEN"
	}
}

// FailNext arranges for the next call of op to fail with err.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = err
}

// Entries returns all postings in order.
func (m *Memory) Entries() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *Memory) GetAccount(_ context.Context, accountNumber string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountNumber]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) Debit(_ context.Context, req EntryRequest) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("debit"); err != nil {
		return nil, err
	}
	if e, ok := m.posted[req.CorrelationID]; ok {
		return e, nil
	}
	a, ok := m.accounts[req.AccountNumber]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if !a.Active() {
		return nil, ErrAccountInactive
	}
	if a.Balance.LessThan(req.Amount) {
		return nil, ErrInsufficientFunds
	}
	a.Balance = a.Balance.Sub(req.Amount)
	return m.record(req, req.Amount.Neg()), nil
}

func (m *Memory) Credit(_ context.Context, req EntryRequest) (*Entry, error) {
	return m.deposit("credit", req)
}

func (m *Memory) Refund(_ context.Context, req EntryRequest) (*Entry, error) {
	return m.deposit("refund", req)
}

func (m *Memory) deposit(op string, req EntryRequest) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(op); err != nil {
		return nil, err
	}
	if e, ok := m.posted[req.CorrelationID]; ok {
		return e, nil
	}
	a, ok := m.accounts[req.AccountNumber]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if !a.Active() {
		return nil, ErrAccountInactive
	}
	a.Balance = a.Balance.Add(req.Amount)
	return m.record(req, req.Amount), nil
}

// record stores an entry under the request's correlation ID. Caller holds mu.
func (m *Memory) record(req EntryRequest, signed decimal.Decimal) *Entry {
	e := &Entry{
		ID:            idgen.WithPrefix("ent_"),
		AccountNumber: req.AccountNumber,
		Amount:        signed,
		CorrelationID: req.CorrelationID,
		CreatedAt:     time.Now().UTC(),
	}
	if req.CorrelationID != "" {
		m.posted[req.CorrelationID] = e
	}
	m.entries = append(m.entries, e)
	return e
}

func (m *Memory) takeFailure(op string) error {
	if err, ok := m.failNext[op]; ok && err != nil {
		delete(m.failNext, op)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
