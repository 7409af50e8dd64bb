package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultChallengeTTL, cfg.ChallengeTTL)
	assert.Equal(t, DefaultMaxAttempts, cfg.ChallengeMaxAttempts)
	assert.Equal(t, DefaultResendCooldown, cfg.ResendCooldown)
	assert.True(t, cfg.HighAmountThreshold.Equal(DefaultHighAmountThreshold))
	assert.True(t, cfg.DailyTransferLimit.Equal(DefaultDailyLimit))
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CHALLENGE_TTL", "10m")
	t.Setenv("RISK_HIGH_AMOUNT_THRESHOLD", "2500.50")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.fortressbank.com, https://staging.fortressbank.com")
	t.Setenv("GATEWAY_WEBHOOK_SECRET", "whsec_test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 10*time.Minute, cfg.ChallengeTTL)
	assert.True(t, cfg.HighAmountThreshold.Equal(decimal.RequireFromString("2500.50")))
	assert.Equal(t, []string{"https://app.fortressbank.com", "https://staging.fortressbank.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "whsec_test", cfg.WebhookSecret)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("CHALLENGE_MAX_ATTEMPTS", "lots")
	t.Setenv("VELOCITY_WINDOW", "-1h")
	t.Setenv("DAILY_TRANSFER_LIMIT", "a million")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxAttempts, cfg.ChallengeMaxAttempts)
	assert.Equal(t, DefaultVelocityWindow, cfg.VelocityWindow)
	assert.True(t, cfg.DailyTransferLimit.Equal(DefaultDailyLimit))
}

func TestValidate(t *testing.T) {
	t.Run("production requires ledger url", func(t *testing.T) {
		t.Setenv("ENV", "production")
		t.Setenv("GATEWAY_WEBHOOK_SECRET", "whsec_test")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "LEDGER_URL")
	})

	t.Run("production requires webhook secret", func(t *testing.T) {
		t.Setenv("ENV", "production")
		t.Setenv("LEDGER_URL", "https://ledger.internal:8443")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "GATEWAY_WEBHOOK_SECRET")
	})

	t.Run("rejects nonpositive attempts", func(t *testing.T) {
		cfg := &Config{
			ChallengeMaxAttempts: 0,
			ChallengeTTL:         time.Minute,
			HighAmountThreshold:  decimal.NewFromInt(1),
			VelocityDailyLimit:   decimal.NewFromInt(1),
			VelocityWindow:       time.Hour,
		}
		require.Error(t, cfg.Validate())
	})
}
