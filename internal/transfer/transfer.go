// Package transfer orchestrates money movement as a compensating saga.
//
// Flow:
//  1. Client creates a transfer → risk assessment decides the challenge
//  2. Challenge answered → PROCESSING, ledger debit then credit
//  3. Credit fails after a successful debit → compensating refund
//  4. Refund fails → ROLLBACK_FAILED, flagged for manual reconciliation
//
// Every transition goes through one transition table; there are no status
// writes outside advance().
package transfer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fortressbank/transfers/internal/challenge"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidStatus       = errors.New("invalid transaction status for this operation")
	ErrInvalidTransition   = errors.New("illegal status transition")
	ErrUnauthorized        = errors.New("not authorized for this transaction")
	ErrSameAccount         = errors.New("sender and receiver cannot be the same account")
	ErrLimitExceeded       = errors.New("transfer limit exceeded")
	ErrChallengeRequired   = errors.New("transaction has no pending challenge")
)

// Status is the saga state of a transaction.
type Status string

const (
	StatusPendingOTP        Status = "PENDING_OTP"        // waiting for SMS code
	StatusPendingSmartOTP   Status = "PENDING_SMART_OTP"  // waiting for device/face verification
	StatusPending           Status = "PENDING"            // no challenge required, not yet executing
	StatusProcessing        Status = "PROCESSING"         // ledger calls in flight
	StatusCompleted         Status = "COMPLETED"          // terminal
	StatusFailed            Status = "FAILED"             // terminal
	StatusCancelled         Status = "CANCELLED"          // terminal
	StatusOTPExpired        Status = "OTP_EXPIRED"        // terminal
	StatusRollbackCompleted Status = "ROLLBACK_COMPLETED" // terminal: debit refunded
	StatusRollbackFailed    Status = "ROLLBACK_FAILED"    // terminal: money stuck, manual reconciliation
)

// ParseStatus normalizes an inbound status string. SUCCESS is accepted as
// a legacy alias for COMPLETED.
func ParseStatus(s string) (Status, bool) {
	s = strings.ToUpper(s)
	if s == "SUCCESS" {
		return StatusCompleted, true
	}
	st := Status(s)
	switch st {
	case StatusPendingOTP, StatusPendingSmartOTP, StatusPending, StatusProcessing,
		StatusCompleted, StatusFailed, StatusCancelled, StatusOTPExpired,
		StatusRollbackCompleted, StatusRollbackFailed:
		return st, true
	}
	return "", false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusOTPExpired,
		StatusRollbackCompleted, StatusRollbackFailed:
		return true
	}
	return false
}

// PreAuth reports whether the transaction is still waiting for (or exempt
// from) a challenge and has not begun executing. Cancellation is only
// allowed here.
func (s Status) PreAuth() bool {
	switch s {
	case StatusPendingOTP, StatusPendingSmartOTP, StatusPending:
		return true
	}
	return false
}

// transitions is the single authoritative edge set of the saga.
var transitions = map[Status][]Status{
	StatusPendingOTP:      {StatusProcessing, StatusFailed, StatusCancelled, StatusOTPExpired},
	StatusPendingSmartOTP: {StatusProcessing, StatusFailed, StatusCancelled, StatusOTPExpired},
	StatusPending:         {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing:      {StatusCompleted, StatusFailed, StatusRollbackCompleted, StatusRollbackFailed},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Type classifies where the money goes.
type Type string

const (
	TypeInternal    Type = "INTERNAL_TRANSFER"
	TypeExternal    Type = "EXTERNAL_TRANSFER"
	TypeDeposit     Type = "DEPOSIT"
	TypeWithdrawal  Type = "WITHDRAWAL"
	TypeBillPayment Type = "BILL_PAYMENT"
)

// ParseType validates an inbound transaction type. Empty defaults to
// INTERNAL_TRANSFER.
func ParseType(s string) (Type, bool) {
	if s == "" {
		return TypeInternal, true
	}
	t := Type(s)
	switch t {
	case TypeInternal, TypeExternal, TypeDeposit, TypeWithdrawal, TypeBillPayment:
		return t, true
	}
	return "", false
}

// Transaction is one money movement and its full audit trail. Records are
// never deleted; terminal states are reached by field updates in place.
type Transaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Type        Type            `json:"type"`
	FromAccount string          `json:"fromAccount"`
	ToAccount   string          `json:"toAccount"`
	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
	Status      Status          `json:"status"`

	RiskLevel string `json:"riskLevel,omitempty"`
	RiskScore int    `json:"riskScore,omitempty"`

	// DeviceFingerprint is the device that submitted the transfer, kept so
	// a successful verification can register it as trusted.
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`

	ChallengeID   string         `json:"challengeId,omitempty"`
	ChallengeType challenge.Type `json:"challengeType,omitempty"`

	// ChallengeNonce carries a DEVICE_BIO nonce back to the client in the
	// create response. Never persisted.
	ChallengeNonce string `json:"challengeNonce,omitempty"`

	// CorrelationID keys idempotent ledger postings for this saga. The
	// debit, credit, and refund legs derive their own IDs from it.
	CorrelationID string `json:"correlationId"`

	// DebitCompleted is the durable step marker: credit is attempted iff
	// this was persisted true.
	DebitCompleted bool `json:"debitCompleted"`

	ProviderRef   string `json:"providerRef,omitempty"` // external rail reference
	FailureReason string `json:"failureReason,omitempty"`

	ExpiresAt   time.Time  `json:"expiresAt,omitempty"` // challenge deadline, zero when none
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// advance applies a status transition, enforcing the transition table.
func (t *Transaction) advance(to Status, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return ErrInvalidTransition
	}
	t.Status = to
	t.UpdatedAt = now
	if to.IsTerminal() {
		t.CompletedAt = &now
	}
	return nil
}

// HistoryFilter narrows a history query.
type HistoryFilter struct {
	Account string // match on either side of the transfer
	UserID  string
	Status  Status // empty = all
	Limit   int
	Cursor  string
}

// Store persists transactions.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	// GetByProviderRef looks a transaction up by its external gateway
	// reference; deposit webhooks dedupe on it.
	GetByProviderRef(ctx context.Context, ref string) (*Transaction, error)
	Update(ctx context.Context, tx *Transaction) error
	// List returns transactions matching the filter, newest first, fetched
	// with limit+1 so the caller can compute the next cursor.
	List(ctx context.Context, f HistoryFilter) ([]*Transaction, error)
	// ListExpired returns pre-auth transactions whose challenge deadline
	// has passed, for the expiry sweeper.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
}
