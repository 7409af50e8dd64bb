// Package challenge issues and verifies step-up challenges for pending
// transfers: SMS one-time codes, device biometric confirmations, and
// externally confirmed face verifications.
//
// A challenge is single-use. It expires after a fixed TTL, locks after a
// fixed number of failed attempts, and once consumed can never verify again.
package challenge

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fortressbank/transfers/internal/idgen"
	"github.com/fortressbank/transfers/internal/metrics"
	"github.com/fortressbank/transfers/internal/syncutil"
)

// Type identifies the verification mechanism.
type Type string

const (
	TypeNone       Type = "NONE"
	TypeSMSOTP     Type = "SMS_OTP"
	TypeDeviceBio  Type = "DEVICE_BIO"
	TypeFaceVerify Type = "FACE_VERIFY"
)

// Result is the outcome of a verification attempt.
type Result string

const (
	ResultOK      Result = "OK"
	ResultInvalid Result = "INVALID"
	ResultExpired Result = "EXPIRED"
	ResultLocked  Result = "LOCKED"
)

var (
	ErrNotFound       = errors.New("challenge not found")
	ErrResendCooldown = errors.New("resend requested too soon")
	ErrWrongType      = errors.New("challenge type does not support this operation")
)

// Challenge is one issued step-up challenge.
type Challenge struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	UserID        string    `json:"userId"`
	Type          Type      `json:"type"`
	SecretHash    string    `json:"-"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"maxAttempts"`
	Consumed      bool      `json:"consumed"`
	CreatedAt     time.Time `json:"createdAt"`
	LastSentAt    time.Time `json:"lastSentAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Expired reports whether the challenge is past its TTL.
func (ch *Challenge) Expired(now time.Time) bool {
	return now.After(ch.ExpiresAt)
}

// Locked reports whether failed attempts have exhausted the challenge.
func (ch *Challenge) Locked() bool {
	return ch.Attempts >= ch.MaxAttempts
}

// Store persists challenges. Save must preserve the remaining TTL when a
// challenge is updated in place.
type Store interface {
	Put(ctx context.Context, ch *Challenge) error
	Get(ctx context.Context, id string) (*Challenge, error)
	Save(ctx context.Context, ch *Challenge) error
}

// Service issues, reissues, and verifies challenges.
type Service struct {
	store       Store
	locks       *syncutil.ShardedMutex
	ttl         time.Duration
	maxAttempts int
	cooldown    time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a challenge service.
func NewService(store Store, ttl time.Duration, maxAttempts int, cooldown time.Duration) *Service {
	return &Service{
		store:       store,
		locks:       &syncutil.ShardedMutex{},
		ttl:         ttl,
		maxAttempts: maxAttempts,
		cooldown:    cooldown,
		logger:      slog.Default(),
		now:         time.Now,
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue creates a challenge for the transaction and returns it with the
// plaintext secret: the 6-digit code for SMS_OTP, a signing nonce for
// DEVICE_BIO, empty for FACE_VERIFY (confirmed out of band).
func (s *Service) Issue(ctx context.Context, transactionID, userID string, typ Type) (*Challenge, string, error) {
	var secret string
	switch typ {
	case TypeSMSOTP:
		secret = idgen.Digits(6)
	case TypeDeviceBio:
		secret = idgen.New()
	case TypeFaceVerify:
		// verified via the face-confirm callback, no client-held secret
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrWrongType, typ)
	}

	now := s.now().UTC()
	ch := &Challenge{
		ID:            idgen.WithPrefix("chl_"),
		TransactionID: transactionID,
		UserID:        userID,
		Type:          typ,
		SecretHash:    hashSecret(secret),
		MaxAttempts:   s.maxAttempts,
		CreatedAt:     now,
		LastSentAt:    now,
		ExpiresAt:     now.Add(s.ttl),
	}
	if err := s.store.Put(ctx, ch); err != nil {
		return nil, "", fmt.Errorf("store challenge: %w", err)
	}

	metrics.ChallengesTotal.WithLabelValues(string(typ), "issued").Inc()
	s.logger.Info("challenge issued",
		"challenge_id", ch.ID,
		"transaction_id", transactionID,
		"type", typ,
		"expires_at", ch.ExpiresAt)
	return ch, secret, nil
}

// Reissue replaces the secret of an SMS_OTP challenge and restarts its TTL.
// The attempt counter is not reset. Callers hitting the cooldown get
// ErrResendCooldown.
func (s *Service) Reissue(ctx context.Context, id string) (*Challenge, string, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	ch, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if ch.Type != TypeSMSOTP {
		return nil, "", fmt.Errorf("%w: %s", ErrWrongType, ch.Type)
	}
	now := s.now().UTC()
	if ch.Consumed || ch.Locked() || ch.Expired(now) {
		return nil, "", ErrNotFound
	}
	if now.Sub(ch.LastSentAt) < s.cooldown {
		return nil, "", ErrResendCooldown
	}

	secret := idgen.Digits(6)
	ch.SecretHash = hashSecret(secret)
	ch.LastSentAt = now
	ch.ExpiresAt = now.Add(s.ttl)
	if err := s.store.Save(ctx, ch); err != nil {
		return nil, "", fmt.Errorf("save challenge: %w", err)
	}

	metrics.ChallengesTotal.WithLabelValues(string(ch.Type), "reissued").Inc()
	s.logger.Info("challenge reissued", "challenge_id", ch.ID, "transaction_id", ch.TransactionID)
	return ch, secret, nil
}

// Verify checks the supplied secret against the challenge. A correct secret
// consumes the challenge; a consumed or past-TTL challenge reports EXPIRED,
// an attempt-exhausted one reports LOCKED. Each wrong secret burns an
// attempt, and the attempt that exhausts the counter reports LOCKED.
func (s *Service) Verify(ctx context.Context, id, secret string) (Result, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	ch, err := s.store.Get(ctx, id)
	if err != nil {
		return ResultInvalid, err
	}

	res := s.verifyLocked(ctx, ch, secret)
	metrics.ChallengesTotal.WithLabelValues(string(ch.Type), string(res)).Inc()
	if res != ResultOK {
		s.logger.Warn("challenge verification failed",
			"challenge_id", ch.ID,
			"transaction_id", ch.TransactionID,
			"result", res,
			"attempts", ch.Attempts)
	}
	return res, nil
}

func (s *Service) verifyLocked(ctx context.Context, ch *Challenge, secret string) Result {
	if ch.Consumed || ch.Expired(s.now().UTC()) {
		return ResultExpired
	}
	if ch.Locked() {
		return ResultLocked
	}

	if subtle.ConstantTimeCompare([]byte(ch.SecretHash), []byte(hashSecret(secret))) != 1 {
		ch.Attempts++
		if err := s.store.Save(ctx, ch); err != nil {
			s.logger.Error("failed to record challenge attempt", "challenge_id", ch.ID, "error", err)
		}
		if ch.Locked() {
			return ResultLocked
		}
		return ResultInvalid
	}

	ch.Consumed = true
	if err := s.store.Save(ctx, ch); err != nil {
		s.logger.Error("failed to consume challenge", "challenge_id", ch.ID, "error", err)
		return ResultInvalid
	}
	return ResultOK
}

// ConfirmExternal consumes a FACE_VERIFY challenge on behalf of the
// verification provider's callback.
func (s *Service) ConfirmExternal(ctx context.Context, id string, approved bool) (Result, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	ch, err := s.store.Get(ctx, id)
	if err != nil {
		return ResultInvalid, err
	}
	if ch.Type != TypeFaceVerify {
		return ResultInvalid, fmt.Errorf("%w: %s", ErrWrongType, ch.Type)
	}
	if ch.Consumed || ch.Expired(s.now().UTC()) {
		return ResultExpired, nil
	}
	if !approved {
		ch.Attempts++
		if err := s.store.Save(ctx, ch); err != nil {
			s.logger.Error("failed to record face rejection", "challenge_id", ch.ID, "error", err)
		}
		metrics.ChallengesTotal.WithLabelValues(string(ch.Type), string(ResultInvalid)).Inc()
		if ch.Locked() {
			return ResultLocked, nil
		}
		return ResultInvalid, nil
	}

	ch.Consumed = true
	if err := s.store.Save(ctx, ch); err != nil {
		return ResultInvalid, fmt.Errorf("consume challenge: %w", err)
	}
	metrics.ChallengesTotal.WithLabelValues(string(ch.Type), string(ResultOK)).Inc()
	return ResultOK, nil
}

// Get returns a challenge by ID.
func (s *Service) Get(ctx context.Context, id string) (*Challenge, error) {
	return s.store.Get(ctx, id)
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
