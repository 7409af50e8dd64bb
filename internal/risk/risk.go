// Package risk scores proposed transfers and decides which step-up
// challenge, if any, must be answered before money moves.
//
// Three signals feed the score: a high-amount rule, an unknown-device rule,
// and the rolling velocity total from the velocity package. Both boundary
// checks are strict greater-than: an amount exactly at the threshold or a
// total exactly at the limit is not a violation.
package risk

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fortressbank/transfers/internal/metrics"
	"github.com/fortressbank/transfers/internal/velocity"
)

// Level is the assessed risk tier.
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// Challenge is the class of step-up verification the tier requires.
// The orchestrator maps these to a concrete challenge type based on the
// user's registered device/face capability.
const (
	ChallengeNone   = "NONE"
	ChallengeOTP    = "SMS_OTP"   // MEDIUM tier
	ChallengeStrong = "SMART_OTP" // HIGH tier
)

// Rule point values.
const (
	amountScore = 40
	deviceScore = 25
)

// Request carries the inputs for one assessment.
type Request struct {
	UserID            string          `json:"userId"`
	Amount            decimal.Decimal `json:"amount"`
	DeviceFingerprint string          `json:"deviceFingerprint,omitempty"`
}

// Assessment is the result of scoring one proposed transfer.
type Assessment struct {
	Level            Level    `json:"riskLevel"`
	Score            int      `json:"riskScore"`
	ChallengeType    string   `json:"challengeType"`
	Reasons          []string `json:"reasons,omitempty"`
	VelocityExceeded bool     `json:"velocityExceeded"`
	AmountFlagged    bool     `json:"amountFlagged"`
	DeviceFlagged    bool     `json:"deviceFlagged"`
}

// ProfileProvider looks up the sender's known device fingerprints.
type ProfileProvider interface {
	KnownDevices(ctx context.Context, userID string) ([]string, error)
}

// Scorer combines the rule set with the velocity ledger.
type Scorer struct {
	profiles        ProfileProvider
	velocity        *velocity.Tracker
	amountThreshold decimal.Decimal
	overrides       map[string]bool // users always treated as HIGH
	logger          *slog.Logger
}

// NewScorer creates a scorer with the given high-amount threshold.
func NewScorer(profiles ProfileProvider, vel *velocity.Tracker, amountThreshold decimal.Decimal) *Scorer {
	return &Scorer{
		profiles:        profiles,
		velocity:        vel,
		amountThreshold: amountThreshold,
		overrides:       make(map[string]bool),
		logger:          slog.Default(),
	}
}

// WithLogger sets a structured logger.
func (s *Scorer) WithLogger(l *slog.Logger) *Scorer {
	s.logger = l
	return s
}

// WithOverrides marks user IDs that are always assessed as HIGH
// (comma-separated, e.g. from RISK_HIGH_OVERRIDE_USERS).
func (s *Scorer) WithOverrides(list string) *Scorer {
	for _, id := range strings.Split(list, ",") {
		if id = strings.TrimSpace(id); id != "" {
			s.overrides[id] = true
		}
	}
	return s
}

// Assess scores one proposed transfer.
//
// Tier mapping: no flags → LOW. Amount and device flagged together, or an
// explicit override, → HIGH. Any other flagged combination → MEDIUM; the
// velocity flag alone never escalates past MEDIUM.
func (s *Scorer) Assess(ctx context.Context, req Request) *Assessment {
	a := &Assessment{}

	// Rule 1: high amount. Strict greater-than; exactly-at-threshold passes.
	if req.Amount.GreaterThan(s.amountThreshold) {
		a.AmountFlagged = true
		a.Score += amountScore
		a.Reasons = append(a.Reasons, "amount exceeds high-amount threshold")
	}

	// Rule 2: unknown device. An absent fingerprint means "not submitted",
	// never "unknown device". A profile lookup failure counts a submitted
	// fingerprint as unknown: under-assessing is the costlier mistake.
	if req.DeviceFingerprint != "" {
		known, err := s.profiles.KnownDevices(ctx, req.UserID)
		if err != nil {
			s.logger.Warn("device profile lookup failed, treating device as unknown",
				"user_id", req.UserID, "error", err)
			known = nil
		}
		if !contains(known, req.DeviceFingerprint) {
			a.DeviceFlagged = true
			a.Score += deviceScore
			a.Reasons = append(a.Reasons, "device fingerprint not recognized")
		}
	}

	// Rule 3: rolling velocity. The tracker fails open on read errors.
	if vScore := s.velocity.RiskScore(ctx, req.UserID, req.Amount); vScore > 0 {
		a.VelocityExceeded = true
		a.Score += vScore
		a.Reasons = append(a.Reasons, "daily transfer velocity would exceed limit")
		metrics.VelocityLimitHits.Inc()
	}

	switch {
	case s.overrides[req.UserID], a.AmountFlagged && a.DeviceFlagged:
		a.Level = LevelHigh
		a.ChallengeType = ChallengeStrong
	case a.Score > 0:
		a.Level = LevelMedium
		a.ChallengeType = ChallengeOTP
	default:
		a.Level = LevelLow
		a.ChallengeType = ChallengeNone
	}

	metrics.RiskAssessmentsTotal.WithLabelValues(string(a.Level)).Inc()
	s.logger.Info("risk assessment",
		"user_id", req.UserID,
		"score", a.Score,
		"level", a.Level,
		"challenge", a.ChallengeType,
		"reasons", len(a.Reasons))
	return a
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
