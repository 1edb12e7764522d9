package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CURRENCY", "")
	t.Setenv("ENV", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "USD", cfg.Currency)
	assert.Equal(t, 5*time.Second, cfg.OperationTimeout)
	assert.Equal(t, DefaultRetryAttempts, cfg.ConflictRetries)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CURRENCY", "EUR")
	t.Setenv("OP_TIMEOUT_MS", "250")
	t.Setenv("RATE_LIMIT_RPM", "30")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "EUR", cfg.Currency)
	assert.Equal(t, 250*time.Millisecond, cfg.OperationTimeout)
	assert.Equal(t, 30, cfg.RateLimitRPM)
}

func TestValidate_BadCurrency(t *testing.T) {
	cfg := &Config{Currency: "DOLLARS", OperationTimeout: time.Second, ConflictRetries: 1}
	assert.Error(t, cfg.Validate())
}

func TestValidate_ProductionRequiresAdminSecret(t *testing.T) {
	cfg := &Config{
		Env:              "production",
		Currency:         "USD",
		OperationTimeout: time.Second,
		ConflictRetries:  1,
	}
	assert.Error(t, cfg.Validate())

	cfg.AdminSecret = "s3cret"
	assert.NoError(t, cfg.Validate())
}
