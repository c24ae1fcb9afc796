package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvironmentValid(t *testing.T) {
	for _, e := range []Environment{EnvDevelopment, EnvStaging, EnvProduction, EnvSandbox} {
		assert.True(t, e.Valid(), string(e))
	}
	assert.False(t, Environment("qa").Valid())
	assert.False(t, Environment("").Valid())
}

func TestKeyPrefixRoundTrip(t *testing.T) {
	for _, e := range []Environment{EnvDevelopment, EnvStaging, EnvProduction, EnvSandbox} {
		got, ok := EnvironmentFromPrefix(e.KeyPrefix() + "0123456789abcdef")
		require.True(t, ok, string(e))
		assert.Equal(t, e, got)
	}
}

func TestEnvironmentFromPrefixUnknown(t *testing.T) {
	for _, key := range []string{"", "sk-abc123", "de", "development_key"} {
		_, ok := EnvironmentFromPrefix(key)
		assert.False(t, ok, key)
	}
}

func TestDefaultEnvSettings(t *testing.T) {
	settings := DefaultEnvSettings()
	require.Len(t, settings, 4)

	prod := settings[EnvProduction]
	assert.True(t, prod.StrictMode)
	assert.False(t, prod.DebugHeaders)
	assert.False(t, prod.LogPrompts)
	assert.Equal(t, "strict", prod.SecurityLevel)
	assert.Equal(t, 1.0, prod.BudgetMultiplier)

	dev := settings[EnvDevelopment]
	assert.False(t, dev.StrictMode)
	assert.True(t, dev.DebugHeaders)

	// Sandbox spend counts tenfold against limits.
	assert.Equal(t, 0.1, settings[EnvSandbox].BudgetMultiplier)
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 50, cfg.RateLimitRPS)
	assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
	assert.Equal(t, 5*time.Minute, cfg.CredentialCacheTTL)
	assert.Equal(t, 0.5, cfg.RiskThreshold)
	assert.Len(t, cfg.Environments, 4)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("RATE_LIMIT_RPS", "7")
	t.Setenv("PROVIDER_TIMEOUT", "3s")
	t.Setenv("RISK_THRESHOLD", "0.8")
	t.Setenv("ARBITER_TEST_MODE", "true")

	cfg := Load()
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, 7, cfg.RateLimitRPS)
	assert.Equal(t, 3*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 0.8, cfg.RiskThreshold)
	assert.True(t, cfg.TestMode)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("RATE_LIMIT_RPS", "lots")
	t.Setenv("PROVIDER_TIMEOUT", "soon")

	cfg := Load()
	assert.Equal(t, 50, cfg.RateLimitRPS)
	assert.Equal(t, 60*time.Second, cfg.ProviderTimeout)
}
