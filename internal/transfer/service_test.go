package transfer

import (
	"context"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressbank/transfers/internal/challenge"
	"github.com/fortressbank/transfers/internal/ledgerclient"
	"github.com/fortressbank/transfers/internal/notify"
	"github.com/fortressbank/transfers/internal/risk"
	"github.com/fortressbank/transfers/internal/stripeclient"
	"github.com/fortressbank/transfers/internal/velocity"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// captureNotifier records enqueued messages for inspection.
type captureNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (n *captureNotifier) Enqueue(msg notify.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *captureNotifier) messages() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Message, len(n.msgs))
	copy(out, n.msgs)
	return out
}

var otpPattern = regexp.MustCompile(`\d{6}`)

// lastOTP pulls the code out of the most recent OTP notification.
func (n *captureNotifier) lastOTP(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.msgs) - 1; i >= 0; i-- {
		if n.msgs[i].Kind == notify.KindOTPCode {
			code := otpPattern.FindString(n.msgs[i].Body)
			require.NotEmpty(t, code, "OTP notification carries no code")
			return code
		}
	}
	t.Fatal("no OTP notification sent")
	return ""
}

type fixture struct {
	svc        *Service
	store      *MemoryStore
	ledger     *ledgerclient.Memory
	limits     *MemoryLimitStore
	profiles   *risk.MemoryProfiles
	challenges *challenge.Service
	stripe     *stripeclient.Mock
	notes      *captureNotifier
	tracker    *velocity.Tracker

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// waitEffects blocks until in-flight velocity and limit bookkeeping lands.
func (f *fixture) waitEffects() {
	f.svc.effects.Wait()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		ledger:   ledgerclient.NewMemory(),
		limits:   NewMemoryLimitStore(),
		profiles: risk.NewMemoryProfiles(),
		stripe:   stripeclient.NewMock(),
		notes:    &captureNotifier{},
		now:      time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
	}
	f.challenges = challenge.NewService(challenge.NewMemoryStore(), 5*time.Minute, 3, 30*time.Second)
	f.challenges.WithClock(f.clock)
	f.tracker = velocity.NewTracker(velocity.NewMemoryStore(), dec("50000"), velocity.DefaultWindow)
	scorer := risk.NewScorer(f.profiles, f.tracker, dec("10000"))

	f.svc = NewService(f.store, f.limits, f.ledger, scorer, f.challenges, f.profiles, f.tracker, Options{
		DefaultDailyLimit:   dec("20000"),
		DefaultMonthlyLimit: dec("100000"),
	}).WithStripe(f.stripe).WithNotifier(f.notes).WithClock(f.clock)

	f.ledger.AddAccount("acc-alice", "u-alice", dec("50000"))
	f.ledger.AddAccount("acc-bob", "u-bob", dec("1000"))
	return f
}

// trust marks fp as an already-known device so it adds no risk score.
func (f *fixture) trust(t *testing.T, userID, fp string) {
	t.Helper()
	require.NoError(t, f.profiles.RegisterDevice(context.Background(), userID, fp))
}

func internalReq(amount string) CreateRequest {
	return CreateRequest{
		Type:        TypeInternal,
		FromAccount: "acc-alice",
		ToAccount:   "acc-bob",
		Amount:      dec(amount),
		Description: "rent",
	}
}

func TestCreateLowRiskExecutesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := f.svc.Create(ctx, "u-alice", internalReq("250.00"))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, tx.Status)
	assert.True(t, tx.DebitCompleted)
	assert.Equal(t, "LOW", tx.RiskLevel)
	assert.Equal(t, challenge.TypeNone, tx.ChallengeType)
	require.NotNil(t, tx.CompletedAt)

	entries := f.ledger.Entries()
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Amount.Equal(dec("-250.00")), "debit first")
	assert.True(t, entries[1].Amount.Equal(dec("250.00")), "credit second")

	from, _ := f.ledger.GetAccount(ctx, "acc-alice")
	to, _ := f.ledger.GetAccount(ctx, "acc-bob")
	assert.True(t, from.Balance.Equal(dec("49750")))
	assert.True(t, to.Balance.Equal(dec("1250")))

	// Completion feeds the velocity ledger and the daily limit counter.
	f.waitEffects()
	assert.True(t, f.tracker.DailyTotal(ctx, "u-alice").Equal(dec("250.00")))
	limit, err := f.limits.Get(ctx, "u-alice", Limit{})
	require.NoError(t, err)
	assert.True(t, limit.DailyUsed.Equal(dec("250.00")))
}

// stallingVelocityStore holds every Add until released.
type stallingVelocityStore struct {
	inner   velocity.Store
	release chan struct{}
}

func (s *stallingVelocityStore) Total(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.inner.Total(ctx, userID)
}

func (s *stallingVelocityStore) Add(ctx context.Context, userID string, amount decimal.Decimal, window time.Duration) (decimal.Decimal, error) {
	<-s.release
	return s.inner.Add(ctx, userID, amount, window)
}

func TestCompletionDoesNotWaitForVelocityRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stalled := &stallingVelocityStore{inner: velocity.NewMemoryStore(), release: make(chan struct{})}
	f.tracker = velocity.NewTracker(stalled, dec("50000"), velocity.DefaultWindow)
	f.svc.velocity = f.tracker

	type result struct {
		tx  *Transaction
		err error
	}
	done := make(chan result, 1)
	go func() {
		tx, err := f.svc.Create(ctx, "u-alice", internalReq("250.00"))
		done <- result{tx, err}
	}()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, StatusCompleted, res.tx.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("confirmation blocked on velocity bookkeeping")
	}

	// The record still lands once the store recovers.
	close(stalled.release)
	f.waitEffects()
	assert.True(t, f.tracker.DailyTotal(ctx, "u-alice").Equal(dec("250.00")))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("same account", func(t *testing.T) {
		req := internalReq("10")
		req.ToAccount = req.FromAccount
		_, err := f.svc.Create(ctx, "u-alice", req)
		assert.ErrorIs(t, err, ErrSameAccount)
	})

	t.Run("sender not owned", func(t *testing.T) {
		_, err := f.svc.Create(ctx, "u-bob", internalReq("10"))
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("unknown sender account", func(t *testing.T) {
		req := internalReq("10")
		req.FromAccount = "acc-nope"
		_, err := f.svc.Create(ctx, "u-alice", req)
		assert.ErrorIs(t, err, ledgerclient.ErrAccountNotFound)
	})

	t.Run("frozen receiver", func(t *testing.T) {
		f.ledger.FreezeAccount("acc-bob")
		_, err := f.svc.Create(ctx, "u-alice", internalReq("10"))
		assert.ErrorIs(t, err, ledgerclient.ErrAccountInactive)
	})
}

func TestCreateRejectsOverLimit(t *testing.T) {
	f := newFixture(t)
	f.limits.SetLimit("u-alice", dec("100"), dec("1000"))

	_, err := f.svc.Create(context.Background(), "u-alice", internalReq("100.01"))
	assert.ErrorIs(t, err, ErrLimitExceeded)

	// Exactly at the limit is allowed.
	tx, err := f.svc.Create(context.Background(), "u-alice", internalReq("100"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tx.Status)
}

func TestInsufficientFundsFailsWithoutCredit(t *testing.T) {
	f := newFixture(t)

	tx, err := f.svc.Create(context.Background(), "u-bob", CreateRequest{
		Type:        TypeInternal,
		FromAccount: "acc-bob",
		ToAccount:   "acc-alice",
		Amount:      dec("5000"),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, tx.Status)
	assert.False(t, tx.DebitCompleted)
	assert.Contains(t, tx.FailureReason, "debit failed")
	assert.Empty(t, f.ledger.Entries(), "no leg may post when the debit is refused")
}

func TestUnknownDeviceRequiresSMSOTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := internalReq("250.00")
	req.DeviceFingerprint = "fp-new"
	tx, err := f.svc.Create(ctx, "u-alice", req)
	require.NoError(t, err)

	assert.Equal(t, StatusPendingOTP, tx.Status)
	assert.Equal(t, challenge.TypeSMSOTP, tx.ChallengeType)
	assert.Equal(t, "MEDIUM", tx.RiskLevel)
	assert.Equal(t, 25, tx.RiskScore)
	assert.False(t, tx.ExpiresAt.IsZero())
	assert.Empty(t, f.ledger.Entries(), "no money moves before verification")

	code := f.notes.lastOTP(t)

	// A wrong code burns an attempt but leaves the transfer pending.
	res, err := f.svc.VerifySMSOTP(ctx, tx.ID, "u-alice", "000000")
	require.NoError(t, err)
	assert.Equal(t, challenge.ResultInvalid, res.Outcome)
	assert.Equal(t, 2, res.AttemptsLeft)
	assert.Equal(t, StatusPendingOTP, res.Transaction.Status)

	res, err = f.svc.VerifySMSOTP(ctx, tx.ID, "u-alice", code)
	require.NoError(t, err)
	assert.Equal(t, challenge.ResultOK, res.Outcome)
	assert.Equal(t, StatusCompleted, res.Transaction.Status)
	require.Len(t, f.ledger.Entries(), 2)

	// The verified device becomes trusted for next time.
	known, err := f.profiles.KnownDevices(ctx, "u-alice")
	require.NoError(t, err)
	assert.Contains(t, known, "fp-new")
}

func TestVerifyAttemptsExhaustedFailsTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := internalReq("50")
	req.DeviceFingerprint = "fp-new"
	tx, err := f.svc.Create(ctx, "u-alice", req)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := f.svc.VerifySMSOTP(ctx, tx.ID, "u-alice", "000000")
		require.NoError(t, err)
		assert.Equal(t, challenge.ResultInvalid, res.Outcome)
	}
	res, err := f.svc.VerifySMSOTP(ctx, tx.ID, "u-alice", "000000")
	require.NoError(t, err)
	assert.Equal(t, challenge.ResultLocked, res.Outcome)
	assert.Equal(t, 0, res.AttemptsLeft)

	got, err := f.svc.Get(ctx, tx.ID, "u-alice")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "challenge attempts exhausted", got.FailureReason)
	assert.Empty(t, f.ledger.Entries())
}

func TestVerifyExpiredChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := internalReq("50")
	req.DeviceFingerprint = "fp-new"
	tx, err := f.svc.Create(ctx, "u-alice", req)
	require.NoError(t, err)
	code := f.notes.lastOTP(t)

	f.advance(5*time.Minute + time.Second)

	res, err := f.svc.VerifySMSOTP(ctx, tx.ID, "u-alice", code)
	require.NoError(t, err)
	assert.Equal(t, challenge.ResultExpired, res.Outcome)

	got, _ := f.svc.Get(ctx, tx.ID, "u-alice")
	assert.Equal(t, StatusOTPExpired, got.Status)
	assert.Empty(t, f.ledger.Entries())
}

func TestVerifyWrongUserRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := internalReq("50")
	req.DeviceFingerprint = "fp-new"
	tx, err := f.svc.Create(ctx, "u-alice", req)
	require.NoError(t, err)

	_, err = f.svc.VerifySMSOTP(ctx, tx.ID, "u-bob", "123456")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyIsIdempotentAfterCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := internalReq("75")
	req.DeviceFingerprint = "fp-new"
	tx, err := f.svc.Create(ctx, "u-alice", req)
	require.NoError(t, err)
	code := f.notes.lastOTP(t)

	res, err := f.svc.VerifySMSOTP(ctx, tx.ID, "u-alice", code)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Transaction.Status)

	// Replaying the same code returns the snapshot and posts nothing new.
	res, err = f.svc.VerifySMSOTP(ctx, tx.ID, "u-alice", code)
	require.NoError(t, err)
	assert.Equal(t, challenge.ResultOK, res.Outcome)
	assert.Equal(t, StatusCompleted, res.Transaction.Status)
	assert.Len(t, f.ledger.Entries(), 2)
}

func TestHighRiskFaceVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.profiles.EnrollFace(ctx, "u-alice"))

	req := internalReq("12000")
	req.DeviceFingerprint = "fp-new"
	tx, err := f.svc.Create(ctx, "u-alice", req)
	require.NoError(t, err)

	assert.Equal(t, StatusPendingSmartOTP, tx.Status)
	assert.Equal(t, challenge.TypeFaceVerify, tx.ChallengeType)
	assert.Equal(t, "HIGH", tx.RiskLevel)
	assert.Equal(t, 65, tx.RiskScore)

	// The SMS path cannot answer a face challenge.
	_, err = f.svc.VerifySMSOTP(ctx, tx.ID, "u-alice", "123456")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	res, err := f.svc.ConfirmFaceVerification(ctx, tx.ID, true)
	require.NoError(t, err)
	assert.Equal(t, challenge.ResultOK, res.Outcome)
	assert.Equal(t, StatusCompleted, res.Transaction.Status)
}

func TestFaceVerificationRejectionsLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.profiles.EnrollFace(ctx, "u-alice"))

	req := internalReq("12000")
	req.DeviceFingerprint = "fp-new"
	tx, err := f.svc.Create(ctx, "u-alice", req)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := f.svc.ConfirmFaceVerification(ctx, tx.ID, false)
		require.NoError(t, err)
		assert.Equal(t, challenge.ResultInvalid, res.Outcome)
	}
	res, err := f.svc.ConfirmFaceVerification(ctx, tx.ID, false)
	require.NoError(t, err)
	assert.Equal(t, challenge.ResultLocked, res.Outcome)

	got, _ := f.svc.Get(ctx, tx.ID, "u-alice")
	assert.Equal(t, StatusFailed, got.Status)
}

func TestTrustedDeviceAnswersDeviceBio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.trust(t, "u-alice", "fp-phone")

	// Amount over threshold forces a step-up; no face enrollment, but the
	// submitting device is trusted.
	req := internalReq("12000")
	req.DeviceFingerprint = "fp-phone"
	tx, err := f.svc.Create(ctx, "u-alice", req)
	require.NoError(t, err)

	assert.Equal(t, StatusPendingSmartOTP, tx.Status)
	assert.Equal(t, challenge.TypeDeviceBio, tx.ChallengeType)
	require.NotEmpty(t, tx.ChallengeNonce)

	// Untrusted devices cannot answer even with the right nonce.
	_, err = f.svc.VerifyDeviceSignature(ctx, tx.ID, "u-alice", "fp-other", tx.ChallengeNonce)
	assert.ErrorIs(t, err, ErrUnauthorized)

	res, err := f.svc.VerifyDeviceSignature(ctx, tx.ID, "u-alice", "fp-phone", tx.ChallengeNonce)
	require.NoError(t, err)
	assert.Equal(t, challenge.ResultOK, res.Outcome)
	assert.Equal(t, StatusCompleted, res.Transaction.Status)
}

func TestHighRiskWithoutFactorsFallsBackToSMS(t *testing.T) {
	f := newFixture(t)

	req := internalReq("12000")
	req.DeviceFingerprint = "fp-new"
	tx, err := f.svc.Create(context.Background(), "u-alice", req)
	require.NoError(t, err)

	assert.Equal(t, StatusPendingOTP, tx.Status)
	assert.Equal(t, challenge.TypeSMSOTP, tx.ChallengeType)
	assert.Equal(t, "HIGH", tx.RiskLevel)
}

func TestCreditFailureRefundsDebit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.FailNext("credit", ledgerclient.ErrUnavailable)

	tx, err := f.svc.Create(ctx, "u-alice", internalReq("300"))
	require.NoError(t, err)

	assert.Equal(t, StatusRollbackCompleted, tx.Status)
	assert.True(t, tx.DebitCompleted)
	assert.Contains(t, tx.FailureReason, "credit failed")

	// Debit then refund; the sender is made whole.
	entries := f.ledger.Entries()
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Amount.Equal(dec("-300")))
	assert.True(t, entries[1].Amount.Equal(dec("300")))
	from, _ := f.ledger.GetAccount(ctx, "acc-alice")
	assert.True(t, from.Balance.Equal(dec("50000")))

	// A reversed transfer never counts against velocity or limits.
	f.waitEffects()
	assert.True(t, f.tracker.DailyTotal(ctx, "u-alice").IsZero())
}

func TestRefundFailureLandsInRollbackFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.FailNext("credit", ledgerclient.ErrUnavailable)
	f.ledger.FailNext("refund", ledgerclient.ErrTimeout)

	tx, err := f.svc.Create(ctx, "u-alice", internalReq("300"))
	require.NoError(t, err)

	assert.Equal(t, StatusRollbackFailed, tx.Status)
	assert.Contains(t, tx.FailureReason, "refund failed")

	var alerted bool
	for _, msg := range f.notes.messages() {
		if msg.Kind == notify.KindRollbackAlert {
			alerted = true
		}
	}
	assert.True(t, alerted, "rollback failure must raise an alert")
}

func TestDebitTimeoutIsNeverRetried(t *testing.T) {
	f := newFixture(t)
	f.ledger.FailNext("debit", ledgerclient.ErrTimeout)

	tx, err := f.svc.Create(context.Background(), "u-alice", internalReq("300"))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, tx.Status)
	assert.False(t, tx.DebitCompleted)
	assert.Contains(t, tx.FailureReason, "operator review required")
	assert.Empty(t, f.ledger.Entries(), "a timed-out debit must not be reattempted")
}

// TestRandomLedgerFaultsKeepSagaConsistent injects random failures into
// each ledger leg and checks the structural invariant on every run: a
// credit posts only after a successfully recorded debit, and the terminal
// status matches the legs that actually ran.
func TestRandomLedgerFaultsKeepSagaConsistent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	faults := []error{ledgerclient.ErrTimeout, ledgerclient.ErrUnavailable, ledgerclient.ErrInsufficientFunds}

	for i := 0; i < 200; i++ {
		f := newFixture(t)
		ctx := context.Background()

		failDebit := rng.Intn(2) == 0
		failCredit := rng.Intn(2) == 0
		failRefund := rng.Intn(2) == 0
		if failDebit {
			f.ledger.FailNext("debit", faults[rng.Intn(len(faults))])
		}
		if failCredit {
			f.ledger.FailNext("credit", faults[rng.Intn(len(faults))])
		}
		if failRefund {
			f.ledger.FailNext("refund", faults[rng.Intn(len(faults))])
		}

		tx, err := f.svc.Create(ctx, "u-alice", internalReq("250"))
		require.NoError(t, err, "run %d", i)

		var debited, credited, refunded bool
		for _, e := range f.ledger.Entries() {
			switch {
			case strings.HasSuffix(e.CorrelationID, ":debit"):
				debited = true
			case strings.HasSuffix(e.CorrelationID, ":credit"):
				credited = true
			case strings.HasSuffix(e.CorrelationID, ":refund"):
				refunded = true
			}
		}

		if credited {
			require.True(t, debited, "run %d: credit posted without a debit", i)
			require.True(t, tx.DebitCompleted, "run %d: credit posted before the debit was recorded", i)
		}
		if refunded {
			require.True(t, debited, "run %d: refund posted without a debit", i)
		}

		switch {
		case failDebit:
			require.Equal(t, StatusFailed, tx.Status, "run %d", i)
			require.False(t, debited, "run %d", i)
			require.False(t, credited, "run %d", i)
		case failCredit && failRefund:
			require.Equal(t, StatusRollbackFailed, tx.Status, "run %d", i)
			require.True(t, debited && !credited && !refunded, "run %d", i)
		case failCredit:
			require.Equal(t, StatusRollbackCompleted, tx.Status, "run %d", i)
			require.True(t, debited && !credited && refunded, "run %d", i)

			// The sender is made whole.
			from, _ := f.ledger.GetAccount(ctx, "acc-alice")
			require.True(t, from.Balance.Equal(dec("50000")), "run %d", i)
		default:
			require.Equal(t, StatusCompleted, tx.Status, "run %d", i)
			require.True(t, debited && credited, "run %d", i)
		}
	}
}

func TestExternalTransferViaProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := f.svc.Create(ctx, "u-alice", CreateRequest{
		Type:        TypeExternal,
		FromAccount: "acc-alice",
		ToAccount:   "acct_connected_1",
		Amount:      dec("400"),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, tx.Status)
	assert.NotEmpty(t, tx.ProviderRef)

	// Only the debit posts locally; the credit rides the provider rail.
	entries := f.ledger.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Amount.Equal(dec("-400")))
	require.Len(t, f.stripe.Transfers(), 1)
	assert.Equal(t, tx.ID, f.stripe.Transfers()[0].TransactionID)
}

func TestExternalTransferInvalidDestination(t *testing.T) {
	f := newFixture(t)
	f.stripe.MarkInvalid("acct_bad")

	_, err := f.svc.Create(context.Background(), "u-alice", CreateRequest{
		Type:        TypeExternal,
		FromAccount: "acc-alice",
		ToAccount:   "acct_bad",
		Amount:      dec("400"),
	})
	assert.ErrorIs(t, err, stripeclient.ErrDestinationInvalid)
	assert.Empty(t, f.ledger.Entries())
}

func TestExternalPayoutFailureRefunds(t *testing.T) {
	f := newFixture(t)
	f.stripe.FailNext(stripeclient.ErrPayoutFailed)

	tx, err := f.svc.Create(context.Background(), "u-alice", CreateRequest{
		Type:        TypeExternal,
		FromAccount: "acc-alice",
		ToAccount:   "acct_connected_1",
		Amount:      dec("400"),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusRollbackCompleted, tx.Status)
	from, _ := f.ledger.GetAccount(context.Background(), "acc-alice")
	assert.True(t, from.Balance.Equal(dec("50000")))
}

func TestCancelBeforeExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := internalReq("50")
	req.DeviceFingerprint = "fp-new"
	tx, err := f.svc.Create(ctx, "u-alice", req)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, tx.ID, "u-bob")
	assert.ErrorIs(t, err, ErrUnauthorized)

	got, err := f.svc.Cancel(ctx, tx.ID, "u-alice")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// Terminal transactions cannot be cancelled again.
	_, err = f.svc.Cancel(ctx, tx.ID, "u-alice")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCancelCompletedRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := f.svc.Create(ctx, "u-alice", internalReq("50"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, tx.Status)

	_, err = f.svc.Cancel(ctx, tx.ID, "u-alice")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestResendRotatesCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := internalReq("50")
	req.DeviceFingerprint = "fp-new"
	tx, err := f.svc.Create(ctx, "u-alice", req)
	require.NoError(t, err)
	oldCode := f.notes.lastOTP(t)

	_, err = f.svc.Resend(ctx, tx.ID, "u-alice")
	assert.ErrorIs(t, err, challenge.ErrResendCooldown)

	f.advance(31 * time.Second)
	updated, err := f.svc.Resend(ctx, tx.ID, "u-alice")
	require.NoError(t, err)
	assert.True(t, updated.ExpiresAt.After(tx.ExpiresAt))

	newCode := f.notes.lastOTP(t)
	require.NotEqual(t, oldCode, newCode)

	res, err := f.svc.VerifySMSOTP(ctx, tx.ID, "u-alice", oldCode)
	require.NoError(t, err)
	assert.Equal(t, challenge.ResultInvalid, res.Outcome)

	res, err = f.svc.VerifySMSOTP(ctx, tx.ID, "u-alice", newCode)
	require.NoError(t, err)
	assert.Equal(t, challenge.ResultOK, res.Outcome)
}

func TestResendRequiresPendingOTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := f.svc.Create(ctx, "u-alice", internalReq("50"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, tx.Status)

	_, err = f.svc.Resend(ctx, tx.ID, "u-alice")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestRiskTimeoutFailsClosed(t *testing.T) {
	f := newFixture(t)
	slow := &slowAssessor{delay: 200 * time.Millisecond}
	f.svc.risk = slow
	f.svc.opts.RiskTimeout = 10 * time.Millisecond

	req := internalReq("10")
	req.DeviceFingerprint = "fp-new"
	tx, err := f.svc.Create(context.Background(), "u-alice", req)
	require.NoError(t, err)

	assert.Equal(t, "HIGH", tx.RiskLevel)
	assert.Equal(t, StatusPendingOTP, tx.Status, "no enrolled factors, falls back to SMS")
	assert.Empty(t, f.ledger.Entries())
}

type slowAssessor struct {
	delay time.Duration
}

func (s *slowAssessor) Assess(ctx context.Context, req risk.Request) *risk.Assessment {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
	}
	return &risk.Assessment{Level: risk.LevelLow, ChallengeType: risk.ChallengeNone}
}

func TestHistoryPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Create(ctx, "u-alice", internalReq("10"))
		require.NoError(t, err)
		f.advance(time.Minute)
	}

	page, err := f.svc.History(ctx, HistoryFilter{UserID: "u-alice", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextCursor)
	assert.True(t, page.Transactions[0].CreatedAt.After(page.Transactions[1].CreatedAt),
		"newest first")

	seen := map[string]bool{}
	cursor := ""
	for {
		p, err := f.svc.History(ctx, HistoryFilter{UserID: "u-alice", Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		for _, tx := range p.Transactions {
			require.False(t, seen[tx.ID], "transaction repeated across pages")
			seen[tx.ID] = true
		}
		if !p.HasMore {
			break
		}
		cursor = p.NextCursor
	}
	assert.Len(t, seen, 5)
}

func TestHistoryStatusFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "u-alice", internalReq("10"))
	require.NoError(t, err)
	req := internalReq("20")
	req.DeviceFingerprint = "fp-new"
	pending, err := f.svc.Create(ctx, "u-alice", req)
	require.NoError(t, err)

	page, err := f.svc.History(ctx, HistoryFilter{UserID: "u-alice", Status: StatusPendingOTP})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, pending.ID, page.Transactions[0].ID)
}

func TestHandleDepositIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := DepositEvent{
		Reference:     "gw-ref-1",
		AccountNumber: "acc-bob",
		Amount:        dec("900"),
	}
	tx, err := f.svc.HandleDeposit(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tx.Status)
	assert.Equal(t, TypeDeposit, tx.Type)
	assert.Equal(t, "u-bob", tx.UserID)
	assert.Equal(t, "gw-ref-1", tx.ProviderRef)

	// Gateway retries replay the same reference.
	again, err := f.svc.HandleDeposit(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, again.ID)
	assert.Len(t, f.ledger.Entries(), 1)

	to, _ := f.ledger.GetAccount(ctx, "acc-bob")
	assert.True(t, to.Balance.Equal(dec("1900")))
}

func TestHandleDepositUnknownAccount(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleDeposit(context.Background(), DepositEvent{
		Reference:     "gw-ref-2",
		AccountNumber: "acc-nope",
		Amount:        dec("10"),
	})
	assert.ErrorIs(t, err, ledgerclient.ErrAccountNotFound)
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := internalReq("50")
	req.DeviceFingerprint = "fp-new"
	tx, err := f.svc.Create(ctx, "u-alice", req)
	require.NoError(t, err)

	// Nothing expires while the challenge window is open.
	n, err := f.svc.ExpireStale(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.advance(6 * time.Minute)
	n, err = f.svc.ExpireStale(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := f.svc.Get(ctx, tx.ID, "u-alice")
	assert.Equal(t, StatusOTPExpired, got.Status)

	// A second sweep finds nothing.
	n, err = f.svc.ExpireStale(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetEnforcesOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := f.svc.Create(ctx, "u-alice", internalReq("10"))
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, tx.ID, "u-bob")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.Get(ctx, "txn_missing", "u-alice")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}
