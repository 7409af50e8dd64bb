// Package stripeclient wraps the Stripe Connect transfer API used for the
// external leg of outbound transfers. Internal transfers never touch this
// package; only transfers whose destination is a connected account do.
package stripeclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

var (
	ErrDestinationInvalid = errors.New("destination account invalid")
	ErrPayoutFailed       = errors.New("stripe transfer failed")
)

// TransferRequest describes one outbound payout.
type TransferRequest struct {
	DestinationAccount string
	Amount             decimal.Decimal
	Currency           string
	TransactionID      string
	CorrelationID      string
}

// TransferResult is the provider's record of a created transfer.
type TransferResult struct {
	ProviderID string
	Amount     decimal.Decimal
}

// Client is the payout surface the transfer saga depends on.
type Client interface {
	CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	ValidateConnectedAccount(ctx context.Context, accountID string) error
}

// StripeClient is the production Client backed by the Stripe API.
type StripeClient struct {
	api    *client.API
	logger *slog.Logger
}

// New creates a Stripe-backed client with the given secret key.
func New(secretKey string) *StripeClient {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeClient{api: api, logger: slog.Default()}
}

// WithLogger sets a structured logger.
func (s *StripeClient) WithLogger(l *slog.Logger) *StripeClient {
	s.logger = l
	return s
}

// CreateTransfer moves funds to the connected account. The correlation ID
// doubles as the Stripe idempotency key, so a retried call after a network
// error cannot create a second payout.
func (s *StripeClient) CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	currency := req.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount.Shift(2).IntPart()),
		Currency:      stripe.String(currency),
		Destination:   stripe.String(req.DestinationAccount),
		TransferGroup: stripe.String(req.TransactionID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.CorrelationID)

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeAccountInvalid {
			return nil, fmt.Errorf("%w: %s", ErrDestinationInvalid, req.DestinationAccount)
		}
		return nil, fmt.Errorf("%w: %v", ErrPayoutFailed, err)
	}

	s.logger.Info("stripe transfer created",
		"transaction_id", req.TransactionID,
		"stripe_transfer_id", tr.ID,
		"destination", req.DestinationAccount)
	return &TransferResult{
		ProviderID: tr.ID,
		Amount:     decimal.New(tr.Amount, -2),
	}, nil
}

// ValidateConnectedAccount checks that the destination exists and can
// receive payouts. Called during transfer creation, before any debit.
func (s *StripeClient) ValidateConnectedAccount(ctx context.Context, accountID string) error {
	params := &stripe.AccountParams{}
	params.Context = ctx
	acct, err := s.api.Accounts.GetByID(accountID, params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDestinationInvalid, err)
	}
	if !acct.PayoutsEnabled {
		return fmt.Errorf("%w: payouts disabled for %s", ErrDestinationInvalid, accountID)
	}
	return nil
}
