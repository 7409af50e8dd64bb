package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fortressbank/transfers/internal/challenge"
	"github.com/fortressbank/transfers/internal/idgen"
	"github.com/fortressbank/transfers/internal/ledgerclient"
	"github.com/fortressbank/transfers/internal/metrics"
	"github.com/fortressbank/transfers/internal/notify"
	"github.com/fortressbank/transfers/internal/pagination"
	"github.com/fortressbank/transfers/internal/realtime"
	"github.com/fortressbank/transfers/internal/risk"
	"github.com/fortressbank/transfers/internal/stripeclient"
	"github.com/fortressbank/transfers/internal/syncutil"
	"github.com/fortressbank/transfers/internal/traces"
	"github.com/fortressbank/transfers/internal/velocity"
)

// RiskAssessor scores a proposed transfer.
type RiskAssessor interface {
	Assess(ctx context.Context, req risk.Request) *risk.Assessment
}

// DeviceRegistry tracks the user's trusted devices and face enrollment.
// Both risk profile stores satisfy it.
type DeviceRegistry interface {
	KnownDevices(ctx context.Context, userID string) ([]string, error)
	RegisterDevice(ctx context.Context, userID, fingerprint string) error
	FaceEnrolled(ctx context.Context, userID string) (bool, error)
}

// Notifier queues a user-facing message without blocking.
type Notifier interface {
	Enqueue(msg notify.Message)
}

// StatusPublisher pushes a transition to live subscribers.
type StatusPublisher interface {
	Publish(update *realtime.StatusUpdate)
}

// Options are the tunables the orchestrator needs beyond its collaborators.
type Options struct {
	RiskTimeout         time.Duration
	DefaultDailyLimit   decimal.Decimal
	DefaultMonthlyLimit decimal.Decimal
	Currency            string
}

// Service is the transaction saga orchestrator.
type Service struct {
	store      Store
	limits     LimitStore
	ledger     ledgerclient.Client
	stripe     stripeclient.Client
	risk       RiskAssessor
	challenges *challenge.Service
	registry   DeviceRegistry
	velocity   *velocity.Tracker
	notifier   Notifier
	publisher  StatusPublisher
	locks      *syncutil.ShardedMutex
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
	effects    sync.WaitGroup
}

// NewService creates the orchestrator. Stripe, notifier, and publisher are
// optional and attached with the With* builders.
func NewService(store Store, limits LimitStore, ledger ledgerclient.Client,
	assessor RiskAssessor, challenges *challenge.Service, registry DeviceRegistry,
	vel *velocity.Tracker, opts Options) *Service {
	if opts.RiskTimeout <= 0 {
		opts.RiskTimeout = 2 * time.Second
	}
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	return &Service{
		store:      store,
		limits:     limits,
		ledger:     ledger,
		risk:       assessor,
		challenges: challenges,
		registry:   registry,
		velocity:   vel,
		locks:      &syncutil.ShardedMutex{},
		opts:       opts,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// WithStripe enables the external transfer rail.
func (s *Service) WithStripe(c stripeclient.Client) *Service {
	s.stripe = c
	return s
}

// WithNotifier attaches the notification dispatcher.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithPublisher attaches the realtime status hub.
func (s *Service) WithPublisher(p StatusPublisher) *Service {
	s.publisher = p
	return s
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

// CreateRequest carries the parsed inputs for a new transfer.
type CreateRequest struct {
	Type              Type
	FromAccount       string
	ToAccount         string
	Amount            decimal.Decimal
	Description       string
	DeviceFingerprint string
}

// Create validates the request, assesses risk, and either issues a
// challenge or executes immediately. The returned transaction reflects the
// state after any synchronous execution.
func (s *Service) Create(ctx context.Context, userID string, req CreateRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transfer.Create",
		traces.UserID(userID), traces.Amount(req.Amount.String()))
	defer span.End()

	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidStatus)
	}
	if req.FromAccount == req.ToAccount {
		return nil, ErrSameAccount
	}

	sender, err := s.ledger.GetAccount(ctx, req.FromAccount)
	if err != nil {
		return nil, fmt.Errorf("resolve sender account: %w", err)
	}
	if sender.UserID != userID {
		return nil, ErrUnauthorized
	}
	if !sender.Active() {
		return nil, ledgerclient.ErrAccountInactive
	}

	if err := s.validateDestination(ctx, req); err != nil {
		return nil, err
	}

	limit, err := s.limits.Get(ctx, userID, s.limitDefaults())
	if err != nil {
		return nil, fmt.Errorf("load transfer limits: %w", err)
	}
	if !limit.Allows(req.Amount) {
		return nil, ErrLimitExceeded
	}

	assessment := s.assessRisk(ctx, risk.Request{
		UserID:            userID,
		Amount:            req.Amount,
		DeviceFingerprint: req.DeviceFingerprint,
	})

	chType, initial := s.selectChallenge(ctx, userID, req.DeviceFingerprint, assessment.ChallengeType)

	now := s.now().UTC()
	tx := &Transaction{
		ID:                idgen.WithPrefix("txn_"),
		UserID:            userID,
		Type:              req.Type,
		FromAccount:       req.FromAccount,
		ToAccount:         req.ToAccount,
		Amount:            req.Amount,
		Fee:               decimal.Zero,
		Currency:          s.opts.Currency,
		Description:       req.Description,
		Status:            initial,
		RiskLevel:         string(assessment.Level),
		RiskScore:         assessment.Score,
		DeviceFingerprint: req.DeviceFingerprint,
		ChallengeType:     chType,
		CorrelationID:     idgen.New(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if chType != challenge.TypeNone {
		ch, secret, err := s.challenges.Issue(ctx, tx.ID, userID, chType)
		if err != nil {
			return nil, fmt.Errorf("issue challenge: %w", err)
		}
		tx.ChallengeID = ch.ID
		tx.ExpiresAt = ch.ExpiresAt
		if chType == challenge.TypeDeviceBio {
			tx.ChallengeNonce = secret
		}
		if err := s.store.Create(ctx, tx); err != nil {
			return nil, fmt.Errorf("persist transaction: %w", err)
		}
		s.deliverChallenge(tx, ch, secret)
		s.publish(tx, "")
		s.logger.Info("transfer created, challenge pending",
			"transaction_id", tx.ID,
			"status", tx.Status,
			"risk_level", tx.RiskLevel,
			"challenge_type", chType)
		return tx, nil
	}

	if err := s.store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("persist transaction: %w", err)
	}
	s.publish(tx, "")
	s.logger.Info("transfer created, no challenge required",
		"transaction_id", tx.ID, "risk_level", tx.RiskLevel)

	unlock := s.locks.Lock(tx.ID)
	defer unlock()
	return s.beginExecution(ctx, tx)
}

func (s *Service) validateDestination(ctx context.Context, req CreateRequest) error {
	if req.Type == TypeExternal {
		if s.stripe == nil {
			return fmt.Errorf("%w: external transfers not configured", ErrInvalidStatus)
		}
		if err := s.stripe.ValidateConnectedAccount(ctx, req.ToAccount); err != nil {
			return fmt.Errorf("validate destination: %w", err)
		}
		return nil
	}
	receiver, err := s.ledger.GetAccount(ctx, req.ToAccount)
	if err != nil {
		return fmt.Errorf("resolve receiver account: %w", err)
	}
	if !receiver.Active() {
		return fmt.Errorf("receiver: %w", ledgerclient.ErrAccountInactive)
	}
	return nil
}

func (s *Service) limitDefaults() Limit {
	return Limit{
		DailyLimit:   s.opts.DefaultDailyLimit,
		MonthlyLimit: s.opts.DefaultMonthlyLimit,
	}
}

// assessRisk runs the scorer under a hard deadline. A timeout is
// fail-closed: the transfer is treated as HIGH risk, never waved through.
func (s *Service) assessRisk(ctx context.Context, req risk.Request) *risk.Assessment {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RiskTimeout)
	defer cancel()

	done := make(chan *risk.Assessment, 1)
	go func() { done <- s.risk.Assess(ctx, req) }()

	select {
	case a := <-done:
		return a
	case <-ctx.Done():
		s.logger.Warn("risk assessment timed out, assuming HIGH",
			"user_id", req.UserID, "timeout", s.opts.RiskTimeout)
		return &risk.Assessment{
			Level:         risk.LevelHigh,
			ChallengeType: risk.ChallengeStrong,
			Reasons:       []string{"risk assessment unavailable"},
		}
	}
}

// selectChallenge maps the assessed tier to a concrete challenge using the
// user's capability, falling back down the chain when a stronger factor is
// not enrolled: FACE_VERIFY → DEVICE_BIO → SMS_OTP.
func (s *Service) selectChallenge(ctx context.Context, userID, fingerprint, tier string) (challenge.Type, Status) {
	deviceTrusted := false
	if fingerprint != "" {
		known, err := s.registry.KnownDevices(ctx, userID)
		if err != nil {
			s.logger.Warn("device lookup failed during challenge selection", "user_id", userID, "error", err)
		}
		for _, fp := range known {
			if fp == fingerprint {
				deviceTrusted = true
				break
			}
		}
	}

	switch tier {
	case risk.ChallengeNone:
		return challenge.TypeNone, StatusPending
	case risk.ChallengeStrong:
		enrolled, err := s.registry.FaceEnrolled(ctx, userID)
		if err != nil {
			s.logger.Warn("face enrollment lookup failed", "user_id", userID, "error", err)
		}
		if enrolled {
			return challenge.TypeFaceVerify, StatusPendingSmartOTP
		}
		if deviceTrusted {
			return challenge.TypeDeviceBio, StatusPendingSmartOTP
		}
		return challenge.TypeSMSOTP, StatusPendingOTP
	default: // MEDIUM
		if deviceTrusted {
			return challenge.TypeDeviceBio, StatusPendingSmartOTP
		}
		return challenge.TypeSMSOTP, StatusPendingOTP
	}
}

// deliverChallenge sends the secret to the user through the right channel.
// DEVICE_BIO nonces travel back in the API response, not a notification.
func (s *Service) deliverChallenge(tx *Transaction, ch *challenge.Challenge, secret string) {
	if s.notifier == nil || ch.Type != challenge.TypeSMSOTP {
		return
	}
	s.notifier.Enqueue(notify.Message{
		UserID:        tx.UserID,
		Kind:          notify.KindOTPCode,
		TransactionID: tx.ID,
		Body:          fmt.Sprintf("Your verification code is %s. It expires in 5 minutes.", secret),
	})
}

// VerifyResult is the outcome of one verification attempt against a
// pending transfer.
type VerifyResult struct {
	Transaction  *Transaction     `json:"transaction"`
	Outcome      challenge.Result `json:"outcome"`
	AttemptsLeft int              `json:"attemptsLeft"`
}

// VerifySMSOTP answers a pending SMS_OTP challenge.
func (s *Service) VerifySMSOTP(ctx context.Context, id, userID, code string) (*VerifyResult, error) {
	return s.verify(ctx, id, userID, challenge.TypeSMSOTP, code, "")
}

// VerifyDeviceSignature answers a pending DEVICE_BIO challenge. The
// attestation must carry back the nonce issued with the challenge, and the
// fingerprint must be one of the user's trusted devices.
func (s *Service) VerifyDeviceSignature(ctx context.Context, id, userID, fingerprint, attestation string) (*VerifyResult, error) {
	if fingerprint == "" {
		return nil, fmt.Errorf("%w: device fingerprint required", ErrInvalidStatus)
	}
	known, err := s.registry.KnownDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("device lookup: %w", err)
	}
	trusted := false
	for _, fp := range known {
		if fp == fingerprint {
			trusted = true
			break
		}
	}
	if !trusted {
		return nil, ErrUnauthorized
	}
	return s.verify(ctx, id, userID, challenge.TypeDeviceBio, attestation, fingerprint)
}

// verify funnels both client-held-secret challenge types through one path.
func (s *Service) verify(ctx context.Context, id, userID string, want challenge.Type, secret, fingerprint string) (*VerifyResult, error) {
	ctx, span := traces.StartSpan(ctx, "transfer.Verify", traces.TransactionID(id))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		return nil, ErrUnauthorized
	}

	// Duplicate submissions after the saga advanced are a no-op: return the
	// current snapshot without touching the ledger again.
	if tx.Status == StatusProcessing || tx.Status.IsTerminal() {
		return &VerifyResult{Transaction: tx, Outcome: challenge.ResultOK}, nil
	}
	if tx.ChallengeID == "" {
		return nil, ErrChallengeRequired
	}
	if tx.ChallengeType != want {
		return nil, fmt.Errorf("%w: expected %s challenge", ErrInvalidStatus, tx.ChallengeType)
	}

	outcome, err := s.challenges.Verify(ctx, tx.ChallengeID, secret)
	if err != nil {
		return nil, fmt.Errorf("verify challenge: %w", err)
	}
	return s.applyOutcome(ctx, tx, outcome, fingerprint)
}

// ConfirmFaceVerification is the callback surface for the external face
// verification provider.
func (s *Service) ConfirmFaceVerification(ctx context.Context, id string, approved bool) (*VerifyResult, error) {
	ctx, span := traces.StartSpan(ctx, "transfer.ConfirmFace", traces.TransactionID(id))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status == StatusProcessing || tx.Status.IsTerminal() {
		return &VerifyResult{Transaction: tx, Outcome: challenge.ResultOK}, nil
	}
	if tx.ChallengeType != challenge.TypeFaceVerify || tx.ChallengeID == "" {
		return nil, fmt.Errorf("%w: no face verification pending", ErrInvalidStatus)
	}

	outcome, err := s.challenges.ConfirmExternal(ctx, tx.ChallengeID, approved)
	if err != nil {
		return nil, fmt.Errorf("confirm challenge: %w", err)
	}
	return s.applyOutcome(ctx, tx, outcome, "")
}

// applyOutcome advances the saga per the challenge result. Caller holds the
// transaction lock.
func (s *Service) applyOutcome(ctx context.Context, tx *Transaction, outcome challenge.Result, fingerprint string) (*VerifyResult, error) {
	res := &VerifyResult{Transaction: tx, Outcome: outcome}
	if ch, err := s.challenges.Get(ctx, tx.ChallengeID); err == nil {
		res.AttemptsLeft = ch.MaxAttempts - ch.Attempts
		if res.AttemptsLeft < 0 {
			res.AttemptsLeft = 0
		}
	}

	switch outcome {
	case challenge.ResultOK:
		// SMS and face verifications carry no fingerprint of their own;
		// fall back to the device that submitted the transfer.
		if fingerprint == "" {
			fingerprint = tx.DeviceFingerprint
		}
		if fingerprint != "" {
			if err := s.registry.RegisterDevice(ctx, tx.UserID, fingerprint); err != nil {
				s.logger.Warn("failed to register device after verification",
					"transaction_id", tx.ID, "error", err)
			}
		}
		executed, err := s.beginExecution(ctx, tx)
		if err != nil {
			return nil, err
		}
		res.Transaction = executed
		return res, nil

	case challenge.ResultExpired:
		if err := s.terminate(ctx, tx, StatusOTPExpired, "challenge expired before verification"); err != nil {
			return nil, err
		}
		return res, nil

	case challenge.ResultLocked:
		if err := s.terminate(ctx, tx, StatusFailed, "challenge attempts exhausted"); err != nil {
			return nil, err
		}
		return res, nil

	default: // INVALID: attempts burned, state unchanged
		return res, nil
	}
}

// beginExecution moves a pre-auth transaction into PROCESSING and runs the
// ledger saga. Caller holds the transaction lock.
func (s *Service) beginExecution(ctx context.Context, tx *Transaction) (*Transaction, error) {
	if err := tx.advance(StatusProcessing, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("persist processing status: %w", err)
	}
	s.publish(tx, "")
	return s.execute(ctx, tx)
}

// execute runs the debit → credit saga with compensating refund. tx must be
// PROCESSING and the caller must hold the transaction lock.
func (s *Service) execute(ctx context.Context, tx *Transaction) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transfer.execute",
		traces.TransactionID(tx.ID), traces.CorrelationID(tx.CorrelationID))
	defer span.End()

	debit, err := s.ledger.Debit(ctx, ledgerclient.EntryRequest{
		AccountNumber: tx.FromAccount,
		Amount:        tx.Amount,
		TransactionID: tx.ID,
		CorrelationID: tx.CorrelationID + ":debit",
		Description:   tx.Description,
	})
	if err != nil {
		// A timed-out debit may or may not have posted. It is never
		// blind-retried; the failure reason routes it to an operator.
		reason := "debit failed: " + err.Error()
		if errors.Is(err, ledgerclient.ErrTimeout) {
			reason = "debit timed out; ledger state unknown, operator review required"
		}
		if termErr := s.terminate(ctx, tx, StatusFailed, reason); termErr != nil {
			return nil, termErr
		}
		s.notifyOutcome(tx, notify.KindTransferFailed)
		return tx, nil
	}

	// Durable step marker: credit is attempted only after this persists.
	tx.DebitCompleted = true
	tx.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, tx); err != nil {
		if retryErr := s.store.Update(ctx, tx); retryErr != nil {
			s.logger.Error("debit marker persist failed, compensating",
				"transaction_id", tx.ID, "error", retryErr)
			return s.compensate(ctx, tx, "store failure after debit")
		}
	}
	s.logger.Info("debit posted", "transaction_id", tx.ID, "entry_id", debit.ID)

	if err := s.creditLeg(ctx, tx); err != nil {
		return s.compensate(ctx, tx, err.Error())
	}

	if err := s.terminate(ctx, tx, StatusCompleted, ""); err != nil {
		return nil, err
	}
	s.recordSideEffects(tx)
	s.notifyOutcome(tx, notify.KindTransferComplete)
	return tx, nil
}

// creditLeg posts the receiving side: a ledger credit for internal
// transfers, a provider payout for external ones.
func (s *Service) creditLeg(ctx context.Context, tx *Transaction) error {
	if tx.Type == TypeExternal {
		result, err := s.stripe.CreateTransfer(ctx, stripeclient.TransferRequest{
			DestinationAccount: tx.ToAccount,
			Amount:             tx.Amount,
			Currency:           tx.Currency,
			TransactionID:      tx.ID,
			CorrelationID:      tx.CorrelationID + ":payout",
		})
		if err != nil {
			return fmt.Errorf("external payout failed: %w", err)
		}
		tx.ProviderRef = result.ProviderID
		return nil
	}

	_, err := s.ledger.Credit(ctx, ledgerclient.EntryRequest{
		AccountNumber: tx.ToAccount,
		Amount:        tx.Amount,
		TransactionID: tx.ID,
		CorrelationID: tx.CorrelationID + ":credit",
		Description:   tx.Description,
	})
	if err != nil {
		return fmt.Errorf("credit failed: %w", err)
	}
	return nil
}

// compensate refunds a completed debit after the credit leg failed. A
// failed refund means money is stuck mid-flight: the transaction lands in
// ROLLBACK_FAILED and is never auto-retried.
func (s *Service) compensate(ctx context.Context, tx *Transaction, cause string) (*Transaction, error) {
	s.logger.Warn("credit leg failed, refunding debit",
		"transaction_id", tx.ID, "cause", cause)

	_, err := s.ledger.Refund(ctx, ledgerclient.EntryRequest{
		AccountNumber: tx.FromAccount,
		Amount:        tx.Amount,
		TransactionID: tx.ID,
		CorrelationID: tx.CorrelationID + ":refund",
		Description:   "compensating refund: " + cause,
	})
	if err != nil {
		metrics.RollbacksTotal.WithLabelValues("failed").Inc()
		s.logger.Error("compensating refund failed, manual reconciliation required",
			"transaction_id", tx.ID,
			"from_account", tx.FromAccount,
			"amount", tx.Amount,
			"cause", cause,
			"refund_error", err)
		if termErr := s.terminate(ctx, tx, StatusRollbackFailed,
			fmt.Sprintf("%s; refund failed: %v", cause, err)); termErr != nil {
			return nil, termErr
		}
		s.notifyOutcome(tx, notify.KindRollbackAlert)
		return tx, nil
	}

	metrics.RollbacksTotal.WithLabelValues("completed").Inc()
	if termErr := s.terminate(ctx, tx, StatusRollbackCompleted, cause); termErr != nil {
		return nil, termErr
	}
	s.notifyOutcome(tx, notify.KindTransferFailed)
	return tx, nil
}

// terminate advances to a terminal (or FAILED) state and persists.
func (s *Service) terminate(ctx context.Context, tx *Transaction, to Status, reason string) error {
	prev := tx.Status
	if err := tx.advance(to, s.now().UTC()); err != nil {
		return err
	}
	tx.FailureReason = reason
	if err := s.store.Update(ctx, tx); err != nil {
		// State already enforced in memory; one retry before giving up.
		if retryErr := s.store.Update(ctx, tx); retryErr != nil {
			s.logger.Error("failed to persist terminal status",
				"transaction_id", tx.ID, "status", to, "error", retryErr)
			return fmt.Errorf("persist status %s: %w", to, retryErr)
		}
	}
	metrics.TransfersTotal.WithLabelValues(string(to)).Inc()
	s.publish(tx, string(prev))
	return nil
}

// recordSideEffects updates the velocity ledger and limit usage after a
// completed transfer. The bookkeeping runs off the response path so a slow
// store never delays the confirmation; failures are logged, never
// propagated: the money has already moved.
func (s *Service) recordSideEffects(tx *Transaction) {
	s.effects.Add(1)
	go func() {
		defer s.effects.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := s.velocity.RecordTransfer(ctx, tx.UserID, tx.Amount); err != nil {
			s.logger.Error("failed to record velocity", "transaction_id", tx.ID, "error", err)
		}
		if err := s.limits.AddUsage(ctx, tx.UserID, tx.Amount, s.limitDefaults()); err != nil {
			s.logger.Error("failed to record limit usage", "transaction_id", tx.ID, "error", err)
		}
	}()
}

func (s *Service) notifyOutcome(tx *Transaction, kind notify.Kind) {
	if s.notifier == nil {
		return
	}
	body := fmt.Sprintf("Transfer of %s %s to %s: %s", tx.Amount, tx.Currency, tx.ToAccount, tx.Status)
	s.notifier.Enqueue(notify.Message{
		UserID:        tx.UserID,
		Kind:          kind,
		TransactionID: tx.ID,
		Body:          body,
	})
}

func (s *Service) publish(tx *Transaction, prev string) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(&realtime.StatusUpdate{
		TransactionID:  tx.ID,
		UserID:         tx.UserID,
		Status:         string(tx.Status),
		PreviousStatus: prev,
		Amount:         tx.Amount.String(),
		Timestamp:      s.now().UTC(),
	})
}

// Resend rotates the SMS code for a transfer still waiting on one.
func (s *Service) Resend(ctx context.Context, id, userID string) (*Transaction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		return nil, ErrUnauthorized
	}
	if tx.Status != StatusPendingOTP {
		return nil, ErrInvalidStatus
	}

	ch, secret, err := s.challenges.Reissue(ctx, tx.ChallengeID)
	if err != nil {
		return nil, err
	}
	tx.ExpiresAt = ch.ExpiresAt
	tx.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("persist resend: %w", err)
	}
	s.deliverChallenge(tx, ch, secret)
	return tx, nil
}

// Cancel aborts a transfer that has not begun executing. Once PROCESSING
// starts the only ways out are completion, failure, or rollback.
func (s *Service) Cancel(ctx context.Context, id, userID string) (*Transaction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		return nil, ErrUnauthorized
	}
	if !tx.Status.PreAuth() {
		return nil, ErrInvalidStatus
	}
	if err := s.terminate(ctx, tx, StatusCancelled, "cancelled by user"); err != nil {
		return nil, err
	}
	return tx, nil
}

// Get returns a transaction the user owns.
func (s *Service) Get(ctx context.Context, id, userID string) (*Transaction, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		return nil, ErrUnauthorized
	}
	return tx, nil
}

// HistoryPage is one page of transaction history.
type HistoryPage struct {
	Transactions []*Transaction `json:"transactions"`
	NextCursor   string         `json:"nextCursor,omitempty"`
	HasMore      bool           `json:"hasMore"`
}

// History lists the user's transactions newest-first with keyset paging.
func (s *Service) History(ctx context.Context, f HistoryFilter) (*HistoryPage, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	items, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	trimmed, next, more := pagination.ComputePage(items, f.Limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return &HistoryPage{Transactions: trimmed, NextCursor: next, HasMore: more}, nil
}

// DepositEvent is an inbound credit notice from the external deposit
// gateway.
type DepositEvent struct {
	Reference     string          `json:"reference"`
	AccountNumber string          `json:"accountNumber"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description,omitempty"`
}

// HandleDeposit credits an account from a gateway notice. Replays of the
// same gateway reference return the original transaction.
func (s *Service) HandleDeposit(ctx context.Context, ev DepositEvent) (*Transaction, error) {
	if !ev.Amount.IsPositive() || ev.Reference == "" || ev.AccountNumber == "" {
		return nil, fmt.Errorf("%w: malformed deposit event", ErrInvalidStatus)
	}

	if existing, err := s.store.GetByProviderRef(ctx, ev.Reference); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrTransactionNotFound) {
		return nil, err
	}

	acct, err := s.ledger.GetAccount(ctx, ev.AccountNumber)
	if err != nil {
		return nil, fmt.Errorf("resolve deposit account: %w", err)
	}

	now := s.now().UTC()
	tx := &Transaction{
		ID:            idgen.WithPrefix("txn_"),
		UserID:        acct.UserID,
		Type:          TypeDeposit,
		FromAccount:   "external:" + ev.Reference,
		ToAccount:     ev.AccountNumber,
		Amount:        ev.Amount,
		Fee:           decimal.Zero,
		Currency:      s.opts.Currency,
		Description:   ev.Description,
		Status:        StatusPending,
		CorrelationID: idgen.New(),
		ProviderRef:   ev.Reference,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("persist deposit: %w", err)
	}

	unlock := s.locks.Lock(tx.ID)
	defer unlock()

	if err := tx.advance(StatusProcessing, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("persist processing status: %w", err)
	}

	if _, err := s.ledger.Credit(ctx, ledgerclient.EntryRequest{
		AccountNumber: ev.AccountNumber,
		Amount:        ev.Amount,
		TransactionID: tx.ID,
		CorrelationID: tx.CorrelationID + ":credit",
		Description:   "deposit " + ev.Reference,
	}); err != nil {
		if termErr := s.terminate(ctx, tx, StatusFailed, "deposit credit failed: "+err.Error()); termErr != nil {
			return nil, termErr
		}
		return tx, nil
	}

	if err := s.terminate(ctx, tx, StatusCompleted, ""); err != nil {
		return nil, err
	}
	s.notifyOutcome(tx, notify.KindTransferComplete)
	return tx, nil
}

// ExpireStale marks pre-auth transactions whose challenge deadline passed
// as OTP_EXPIRED. Called by the Timer; returns how many were expired.
func (s *Service) ExpireStale(ctx context.Context, limit int) (int, error) {
	stale, err := s.store.ListExpired(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range stale {
		unlock := s.locks.Lock(candidate.ID)

		// Re-read under the lock: a concurrent verify may have advanced it.
		tx, err := s.store.Get(ctx, candidate.ID)
		if err != nil {
			unlock()
			continue
		}
		if (tx.Status == StatusPendingOTP || tx.Status == StatusPendingSmartOTP) &&
			!tx.ExpiresAt.IsZero() && s.now().UTC().After(tx.ExpiresAt) {
			if err := s.terminate(ctx, tx, StatusOTPExpired, "challenge expired unanswered"); err != nil {
				s.logger.Error("failed to expire transaction", "transaction_id", tx.ID, "error", err)
			} else {
				expired++
			}
		}
		unlock()
	}
	return expired, nil
}
