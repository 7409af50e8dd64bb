// Package velocity tracks cumulative transfer amounts per user over a
// rolling window.
//
// Splitting one large transfer into many small ones keeps each individual
// amount under the high-amount threshold; the rolling total catches the
// aggregate. Reads fail open (a storage outage must not block transfers),
// and every recorded transfer resets the window TTL to its full length.
package velocity

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// ExceededScore is the risk score contributed when a proposed transfer
// would push the user's rolling total past the daily limit. It lands the
// assessment in the MEDIUM band on its own, never HIGH.
const ExceededScore = 35

// DefaultWindow is the rolling window length.
const DefaultWindow = 24 * time.Hour

// Store persists per-user rolling totals. Add must be atomic: two
// concurrent calls for the same user must both be reflected in the final
// total (no lost updates).
type Store interface {
	// Total returns the user's current rolling total, zero if none recorded.
	Total(ctx context.Context, userID string) (decimal.Decimal, error)
	// Add adds amount to the user's total, resets the TTL to window, and
	// returns the new total.
	Add(ctx context.Context, userID string, amount decimal.Decimal, window time.Duration) (decimal.Decimal, error)
}

// Tracker is the velocity ledger service.
type Tracker struct {
	store  Store
	limit  decimal.Decimal
	window time.Duration
	logger *slog.Logger
}

// NewTracker creates a tracker with the given daily limit and window.
func NewTracker(store Store, limit decimal.Decimal, window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		store:  store,
		limit:  limit,
		window: window,
		logger: slog.Default(),
	}
}

// WithLogger sets a structured logger.
func (t *Tracker) WithLogger(l *slog.Logger) *Tracker {
	t.logger = l
	return t
}

// DailyLimit returns the configured rolling-window limit.
func (t *Tracker) DailyLimit() decimal.Decimal {
	return t.limit
}

// DailyTotal returns the user's current rolling total. Fails open: a read
// error is logged and reported as zero so a storage outage never blocks a
// transfer.
func (t *Tracker) DailyTotal(ctx context.Context, userID string) decimal.Decimal {
	total, err := t.store.Total(ctx, userID)
	if err != nil {
		t.logger.Warn("velocity read failed, treating total as zero", "user_id", userID, "error", err)
		return decimal.Zero
	}
	return total
}

// RecordTransfer adds a completed transfer to the user's rolling total and
// returns the new total. The window TTL is reset to its full length, not
// extended.
func (t *Tracker) RecordTransfer(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	newTotal, err := t.store.Add(ctx, userID, amount, t.window)
	if err != nil {
		return decimal.Zero, err
	}

	// Approaching-limit warning at 80% utilization.
	if newTotal.GreaterThan(t.limit.Mul(decimal.NewFromFloat(0.8))) && !newTotal.GreaterThan(t.limit) {
		t.logger.Info("velocity approaching daily limit",
			"user_id", userID, "total", newTotal.String(), "limit", t.limit.String())
	}

	t.logger.Debug("recorded velocity",
		"user_id", userID, "amount", amount.String(), "total", newTotal.String())
	return newTotal, nil
}

// RiskScore returns ExceededScore when total + amount strictly exceeds the
// daily limit, zero otherwise. Exactly-at-limit is not a violation.
func (t *Tracker) RiskScore(ctx context.Context, userID string, amount decimal.Decimal) int {
	if t.WouldExceedLimit(ctx, userID, amount) {
		return ExceededScore
	}
	return 0
}

// WouldExceedLimit reports whether a proposed transfer would push the
// user's rolling total strictly past the daily limit.
func (t *Tracker) WouldExceedLimit(ctx context.Context, userID string, amount decimal.Decimal) bool {
	total := t.DailyTotal(ctx, userID)
	projected := total.Add(amount)
	if projected.GreaterThan(t.limit) {
		t.logger.Info("velocity limit exceeded",
			"user_id", userID,
			"total", total.String(),
			"amount", amount.String(),
			"projected", projected.String(),
			"limit", t.limit.String())
		return true
	}
	return false
}
