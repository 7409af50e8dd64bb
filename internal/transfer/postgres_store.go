package transfer

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fortressbank/transfers/internal/challenge"
	"github.com/fortressbank/transfers/internal/pagination"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, user_id, type, from_account, to_account,
			amount, fee, currency, description, status,
			risk_level, risk_score, device_fingerprint, challenge_id, challenge_type,
			correlation_id, debit_completed, provider_ref, failure_reason,
			expires_at, created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC(20,6), $7::NUMERIC(20,6), $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19,
			$20, $21, $22, $23
		)`,
		t.ID, t.UserID, string(t.Type), t.FromAccount, t.ToAccount,
		t.Amount.String(), t.Fee.String(), t.Currency, nullString(t.Description), string(t.Status),
		nullString(t.RiskLevel), t.RiskScore, nullString(t.DeviceFingerprint), nullString(t.ChallengeID), nullString(string(t.ChallengeType)),
		t.CorrelationID, t.DebitCompleted, nullString(t.ProviderRef), nullString(t.FailureReason),
		nullZeroTime(t.ExpiresAt), t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt),
	)
	return err
}

const txColumns = `id, user_id, type, from_account, to_account,
		       amount, fee, currency, description, status,
		       risk_level, risk_score, device_fingerprint, challenge_id, challenge_type,
		       correlation_id, debit_completed, provider_ref, failure_reason,
		       expires_at, created_at, updated_at, completed_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) GetByProviderRef(ctx context.Context, ref string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE provider_ref = $1`, ref)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Transaction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, risk_level = $2, risk_score = $3,
			challenge_id = $4, challenge_type = $5,
			debit_completed = $6, provider_ref = $7, failure_reason = $8,
			expires_at = $9, updated_at = $10, completed_at = $11
		WHERE id = $12`,
		string(t.Status), nullString(t.RiskLevel), t.RiskScore,
		nullString(t.ChallengeID), nullString(string(t.ChallengeType)),
		t.DebitCompleted, nullString(t.ProviderRef), nullString(t.FailureReason),
		nullZeroTime(t.ExpiresAt), t.UpdatedAt, nullTime(t.CompletedAt),
		t.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f HistoryFilter) ([]*Transaction, error) {
	cursor, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + txColumns + ` FROM transactions WHERE 1=1`
	args := []interface{}{}
	n := 1

	if f.UserID != "" {
		query += ` AND user_id = $` + strconv.Itoa(n)
		args = append(args, f.UserID)
		n++
	}
	if f.Account != "" {
		query += ` AND (from_account = $` + strconv.Itoa(n) + ` OR to_account = $` + strconv.Itoa(n) + `)`
		args = append(args, f.Account)
		n++
	}
	if f.Status != "" {
		query += ` AND status = $` + strconv.Itoa(n)
		args = append(args, string(f.Status))
		n++
	}
	if cursor != nil {
		query += ` AND (created_at, id) < ($` + strconv.Itoa(n) + `, $` + strconv.Itoa(n+1) + `)`
		args = append(args, cursor.CreatedAt, cursor.ID)
		n += 2
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(n)
	args = append(args, f.Limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE status IN ('PENDING_OTP', 'PENDING_SMART_OTP')
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		typ           string
		amount        string
		fee           string
		description   sql.NullString
		status        string
		riskLevel     sql.NullString
		fingerprint   sql.NullString
		challengeID   sql.NullString
		challengeType sql.NullString
		providerRef   sql.NullString
		failureReason sql.NullString
		expiresAt     sql.NullTime
		completedAt   sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.UserID, &typ, &t.FromAccount, &t.ToAccount,
		&amount, &fee, &t.Currency, &description, &status,
		&riskLevel, &t.RiskScore, &fingerprint, &challengeID, &challengeType,
		&t.CorrelationID, &t.DebitCompleted, &providerRef, &failureReason,
		&expiresAt, &t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if t.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, err
	}
	t.Type = Type(typ)
	t.Status = Status(status)
	t.Description = description.String
	t.RiskLevel = riskLevel.String
	t.DeviceFingerprint = fingerprint.String
	t.ChallengeID = challengeID.String
	t.ChallengeType = challenge.Type(challengeType.String)
	t.ProviderRef = providerRef.String
	t.FailureReason = failureReason.String
	if expiresAt.Valid {
		t.ExpiresAt = expiresAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullZeroTime converts a zero time.Time to NULL.
func nullZeroTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
