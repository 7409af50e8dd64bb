package transfer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresLimitStore persists per-user transfer limits and usage. Reads and
// usage updates run in a row-locking transaction so concurrent completions
// of the same user's transfers cannot lose counter updates.
type PostgresLimitStore struct {
	db *sql.DB
}

// NewPostgresLimitStore creates a PostgreSQL-backed limit store.
func NewPostgresLimitStore(db *sql.DB) *PostgresLimitStore {
	return &PostgresLimitStore{db: db}
}

func (p *PostgresLimitStore) Get(ctx context.Context, userID string, defaults Limit) (*Limit, error) {
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dbtx.Rollback() }()

	l, err := p.getForUpdate(ctx, dbtx, userID, defaults)
	if err != nil {
		return nil, err
	}
	if err := dbtx.Commit(); err != nil {
		return nil, err
	}
	return l, nil
}

func (p *PostgresLimitStore) AddUsage(ctx context.Context, userID string, amount decimal.Decimal, defaults Limit) error {
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dbtx.Rollback() }()

	l, err := p.getForUpdate(ctx, dbtx, userID, defaults)
	if err != nil {
		return err
	}
	l.DailyUsed = l.DailyUsed.Add(amount)
	l.MonthlyUsed = l.MonthlyUsed.Add(amount)
	l.UpdatedAt = time.Now().UTC()

	if _, err := dbtx.ExecContext(ctx, `
		UPDATE transaction_limits SET
			daily_used = $1::NUMERIC(20,6), monthly_used = $2::NUMERIC(20,6),
			period_day = $3, period_month = $4, updated_at = $5
		WHERE user_id = $6`,
		l.DailyUsed.String(), l.MonthlyUsed.String(),
		l.Day, l.Month, l.UpdatedAt, userID,
	); err != nil {
		return fmt.Errorf("update limit usage: %w", err)
	}
	return dbtx.Commit()
}

// getForUpdate fetches (or seeds) the row under FOR UPDATE and rolls
// expired periods over, persisting the rollover.
func (p *PostgresLimitStore) getForUpdate(ctx context.Context, dbtx *sql.Tx, userID string, defaults Limit) (*Limit, error) {
	l := &Limit{UserID: userID}
	var daily, monthly, dailyUsed, monthlyUsed string

	err := dbtx.QueryRowContext(ctx, `
		SELECT daily_limit, monthly_limit, daily_used, monthly_used,
		       period_day, period_month, updated_at
		FROM transaction_limits WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&daily, &monthly, &dailyUsed, &monthlyUsed, &l.Day, &l.Month, &l.UpdatedAt)

	if err == sql.ErrNoRows {
		return p.seed(ctx, dbtx, userID, defaults)
	}
	if err != nil {
		return nil, fmt.Errorf("query limits: %w", err)
	}

	if l.DailyLimit, err = decimal.NewFromString(daily); err != nil {
		return nil, err
	}
	if l.MonthlyLimit, err = decimal.NewFromString(monthly); err != nil {
		return nil, err
	}
	if l.DailyUsed, err = decimal.NewFromString(dailyUsed); err != nil {
		return nil, err
	}
	if l.MonthlyUsed, err = decimal.NewFromString(monthlyUsed); err != nil {
		return nil, err
	}

	day, month := l.Day, l.Month
	l.rollover(time.Now())
	if l.Day != day || l.Month != month {
		if _, err := dbtx.ExecContext(ctx, `
			UPDATE transaction_limits SET
				daily_used = $1::NUMERIC(20,6), monthly_used = $2::NUMERIC(20,6),
				period_day = $3, period_month = $4, updated_at = $5
			WHERE user_id = $6`,
			l.DailyUsed.String(), l.MonthlyUsed.String(),
			l.Day, l.Month, time.Now().UTC(), userID,
		); err != nil {
			return nil, fmt.Errorf("roll over limit periods: %w", err)
		}
	}
	return l, nil
}

func (p *PostgresLimitStore) seed(ctx context.Context, dbtx *sql.Tx, userID string, defaults Limit) (*Limit, error) {
	now := time.Now().UTC()
	l := &Limit{
		UserID:       userID,
		DailyLimit:   defaults.DailyLimit,
		MonthlyLimit: defaults.MonthlyLimit,
		DailyUsed:    decimal.Zero,
		MonthlyUsed:  decimal.Zero,
		Day:          now.Format("2006-01-02"),
		Month:        now.Format("2006-01"),
		UpdatedAt:    now,
	}
	if _, err := dbtx.ExecContext(ctx, `
		INSERT INTO transaction_limits (
			user_id, daily_limit, monthly_limit, daily_used, monthly_used,
			period_day, period_month, updated_at
		) VALUES ($1, $2::NUMERIC(20,6), $3::NUMERIC(20,6), 0, 0, $4, $5, $6)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, l.DailyLimit.String(), l.MonthlyLimit.String(),
		l.Day, l.Month, now,
	); err != nil {
		return nil, fmt.Errorf("seed limits: %w", err)
	}
	return l, nil
}

// Compile-time assertion that PostgresLimitStore implements LimitStore.
var _ LimitStore = (*PostgresLimitStore)(nil)
