// Package ledgerclient talks to the core ledger service that owns account
// balances. The orchestrator never computes balances itself: every debit,
// credit, and compensating refund is an entry posted here.
//
// Every mutating call carries a correlation ID the ledger uses for
// idempotent replay, so a retried refund can never double-post.
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fortressbank/transfers/internal/circuitbreaker"
	"github.com/fortressbank/transfers/internal/metrics"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountInactive   = errors.New("account is not active")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTimeout           = errors.New("ledger call timed out")
	ErrUnavailable       = errors.New("ledger unavailable")
)

// Account is the ledger's view of an account.
type Account struct {
	Number   string          `json:"accountNumber"`
	UserID   string          `json:"userId"`
	Status   string          `json:"status"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

// Active reports whether the account can send or receive money.
func (a *Account) Active() bool { return a.Status == "ACTIVE" }

// EntryRequest describes one ledger posting.
type EntryRequest struct {
	AccountNumber string          `json:"accountNumber"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transactionId"`
	CorrelationID string          `json:"correlationId"`
	Description   string          `json:"description,omitempty"`
}

// Entry is the ledger's record of a completed posting.
type Entry struct {
	ID            string          `json:"id"`
	AccountNumber string          `json:"accountNumber"`
	Amount        decimal.Decimal `json:"amount"`
	CorrelationID string          `json:"correlationId"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Client is the ledger operations the transfer saga needs.
type Client interface {
	GetAccount(ctx context.Context, accountNumber string) (*Account, error)
	Debit(ctx context.Context, req EntryRequest) (*Entry, error)
	Credit(ctx context.Context, req EntryRequest) (*Entry, error)
	Refund(ctx context.Context, req EntryRequest) (*Entry, error)
}

const breakerKey = "ledger"

// HTTPClient is the production Client backed by the ledger's REST API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// NewHTTPClient creates a ledger client with a hard per-call timeout.
func NewHTTPClient(baseURL string, timeout time.Duration, breaker *circuitbreaker.Breaker) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

func (c *HTTPClient) GetAccount(ctx context.Context, accountNumber string) (*Account, error) {
	var acct Account
	err := c.call(ctx, "get_account", http.MethodGet,
		"/v1/accounts/"+accountNumber, "", nil, &acct)
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (c *HTTPClient) Debit(ctx context.Context, req EntryRequest) (*Entry, error) {
	return c.post(ctx, "debit", "/v1/entries/debit", req)
}

func (c *HTTPClient) Credit(ctx context.Context, req EntryRequest) (*Entry, error) {
	return c.post(ctx, "credit", "/v1/entries/credit", req)
}

func (c *HTTPClient) Refund(ctx context.Context, req EntryRequest) (*Entry, error) {
	return c.post(ctx, "refund", "/v1/entries/refund", req)
}

func (c *HTTPClient) post(ctx context.Context, op, path string, req EntryRequest) (*Entry, error) {
	var entry Entry
	if err := c.call(ctx, op, http.MethodPost, path, req.CorrelationID, req, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *HTTPClient) call(ctx context.Context, op, method, path, idempotencyKey string, body, out any) error {
	if !c.breaker.Allow(breakerKey) {
		return fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	start := time.Now()
	err := c.do(ctx, method, path, idempotencyKey, body, out)
	metrics.ObserveLedgerCall(op, err, time.Since(start))

	switch {
	case err == nil:
		c.breaker.RecordSuccess(breakerKey)
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrUnavailable):
		c.breaker.RecordFailure(breakerKey)
	default:
		// Business rejections (insufficient funds, unknown account) are
		// healthy responses, not dependency failures.
		c.breaker.RecordSuccess(breakerKey)
	}
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	case http.StatusNotFound:
		return ErrAccountNotFound
	case http.StatusPaymentRequired, http.StatusUnprocessableEntity:
		return ErrInsufficientFunds
	case http.StatusConflict:
		return ErrAccountInactive
	case http.StatusGatewayTimeout:
		return ErrTimeout
	default:
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ledger rejected %s: status %d: %s", path, resp.StatusCode, msg)
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
