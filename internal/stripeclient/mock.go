package stripeclient

import (
	"context"
	"sync"

	"github.com/fortressbank/transfers/internal/idgen"
)

// Mock is an in-process Client for dev mode and tests.
type Mock struct {
	mu        sync.Mutex
	transfers []TransferRequest
	invalid   map[string]bool
	nextErr   error
}

// NewMock creates a mock that accepts every transfer.
func NewMock() *Mock {
	return &Mock{invalid: make(map[string]bool)}
}

// MarkInvalid makes validation fail for the given connected account.
func (m *Mock) MarkInvalid(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalid[accountID] = true
}

// FailNext makes the next CreateTransfer return err once.
func (m *Mock) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextErr = err
}

// Transfers returns every accepted request in order.
func (m *Mock) Transfers() []TransferRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransferRequest, len(m.transfers))
	copy(out, m.transfers)
	return out
}

func (m *Mock) CreateTransfer(_ context.Context, req TransferRequest) (*TransferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nextErr != nil {
		err := m.nextErr
		m.nextErr = nil
		return nil, err
	}
	if m.invalid[req.DestinationAccount] {
		return nil, ErrDestinationInvalid
	}
	m.transfers = append(m.transfers, req)
	return &TransferResult{ProviderID: idgen.WithPrefix("tr_"), Amount: req.Amount}, nil
}

func (m *Mock) ValidateConnectedAccount(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.invalid[accountID] {
		return ErrDestinationInvalid
	}
	return nil
}
