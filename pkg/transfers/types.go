// Package transfers is the public Go client for the FortressBank
// transfers API. It covers the transfer lifecycle: create, answer the
// step-up challenge, poll, cancel, and page through history.
package transfers

import (
	"fmt"
	"time"
)

// Transaction mirrors the API's transaction resource.
type Transaction struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"`
	Type           string     `json:"type"`
	FromAccount    string     `json:"fromAccount"`
	ToAccount      string     `json:"toAccount"`
	Amount         string     `json:"amount"`
	Fee            string     `json:"fee"`
	Currency       string     `json:"currency"`
	Description    string     `json:"description,omitempty"`
	Status         string     `json:"status"`
	RiskLevel      string     `json:"riskLevel,omitempty"`
	ChallengeID    string     `json:"challengeId,omitempty"`
	ChallengeType  string     `json:"challengeType,omitempty"`
	ChallengeNonce string     `json:"challengeNonce,omitempty"`
	FailureReason  string     `json:"failureReason,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// Pending reports whether the transfer still waits for a challenge answer.
func (t *Transaction) Pending() bool {
	switch t.Status {
	case "PENDING", "PENDING_OTP", "PENDING_SMART_OTP":
		return true
	}
	return false
}

// CreateRequest starts a transfer.
type CreateRequest struct {
	Type              string `json:"type,omitempty"` // defaults to INTERNAL_TRANSFER
	FromAccount       string `json:"fromAccount"`
	ToAccount         string `json:"toAccount"`
	Amount            string `json:"amount"`
	Description       string `json:"description,omitempty"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
}

// VerifyRequest answers a pending challenge.
type VerifyRequest struct {
	Method            string `json:"method"` // SMS_OTP or DEVICE_BIO
	Code              string `json:"code,omitempty"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
	Attestation       string `json:"attestation,omitempty"`
}

// VerifyResult is the outcome of a challenge answer.
type VerifyResult struct {
	Transaction  *Transaction `json:"transaction"`
	Outcome      string       `json:"outcome"` // OK, INVALID, EXPIRED, LOCKED
	AttemptsLeft int          `json:"attemptsLeft"`
}

// HistoryPage is one page of transfer history.
type HistoryPage struct {
	Transactions []*Transaction `json:"transactions"`
	NextCursor   string         `json:"nextCursor,omitempty"`
	HasMore      bool           `json:"hasMore"`
}

// HistoryOptions filter the history listing. Zero values are omitted.
type HistoryOptions struct {
	Status string
	Limit  int
	Cursor string
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("transfers api: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("transfers api: %d %s", e.StatusCode, e.Code)
}
