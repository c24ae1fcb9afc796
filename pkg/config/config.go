// Package config holds server configuration and per-environment settings.
package config

import (
	"os"
	"strconv"
	"time"
)

// Environment is the deployment scope an API key is bound to.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
	EnvSandbox     Environment = "sandbox"
)

// Valid reports whether e is a known environment.
func (e Environment) Valid() bool {
	switch e {
	case EnvDevelopment, EnvStaging, EnvProduction, EnvSandbox:
		return true
	}
	return false
}

// KeyPrefix returns the environment prefix encoded into issued gateway keys.
func (e Environment) KeyPrefix() string {
	switch e {
	case EnvDevelopment:
		return "dev_"
	case EnvStaging:
		return "stg_"
	case EnvProduction:
		return "prod_"
	case EnvSandbox:
		return "sbx_"
	}
	return ""
}

// EnvironmentFromPrefix resolves a gateway key prefix back to its
// environment; ok is false when the key carries no known prefix.
func EnvironmentFromPrefix(key string) (Environment, bool) {
	for _, e := range []Environment{EnvDevelopment, EnvStaging, EnvProduction, EnvSandbox} {
		p := e.KeyPrefix()
		if len(key) >= len(p) && key[:len(p)] == p {
			return e, true
		}
	}
	return "", false
}

// EnvSettings is the configuration record carried by each environment.
type EnvSettings struct {
	StrictMode       bool
	DebugHeaders     bool
	SecurityLevel    string // "basic", "standard", "strict"
	BudgetMultiplier float64
	AllowedModels    []string
	BlockedModels    []string
	LogPrompts       bool
	LogResponses     bool
}

// DefaultEnvSettings returns the built-in per-environment records.
func DefaultEnvSettings() map[Environment]EnvSettings {
	return map[Environment]EnvSettings{
		EnvDevelopment: {
			StrictMode:       false,
			DebugHeaders:     true,
			SecurityLevel:    "basic",
			BudgetMultiplier: 1.0,
			LogPrompts:       true,
			LogResponses:     true,
		},
		EnvStaging: {
			StrictMode:       false,
			DebugHeaders:     true,
			SecurityLevel:    "standard",
			BudgetMultiplier: 1.0,
			LogPrompts:       true,
			LogResponses:     false,
		},
		EnvProduction: {
			StrictMode:       true,
			DebugHeaders:     false,
			SecurityLevel:    "strict",
			BudgetMultiplier: 1.0,
			LogPrompts:       false,
			LogResponses:     false,
		},
		EnvSandbox: {
			StrictMode:       false,
			DebugHeaders:     true,
			SecurityLevel:    "basic",
			BudgetMultiplier: 0.1,
			LogPrompts:       true,
			LogResponses:     true,
		},
	}
}

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string // postgres DSN, or "sqlite:<path>" for local mode
	RedisAddr   string
	RedisDB     int

	KeyringPath string
	MasterKey   string // 32-byte master key, base64 or raw

	// TestMode restricts provider selection to the mock adapter.
	TestMode bool

	// Per-call timeouts.
	KVTimeout       time.Duration
	StoreTimeout    time.Duration
	SecurityTimeout time.Duration
	ProviderTimeout time.Duration
	StreamTimeout   time.Duration

	// Admission defaults.
	CredentialCacheTTL time.Duration
	PolicyCacheTTL     time.Duration
	RiskThreshold      float64
	RateLimitRPS       int
	RateLimitBurst     int
	MaxBodyBytes       int64

	Environments map[Environment]EnvSettings

	OTLPEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		DatabaseURL: getenv("DATABASE_URL", "postgres://arbiter@localhost:5432/arbiter?sslmode=disable"),
		RedisAddr:   getenv("REDIS_ADDR", "localhost:6379"),
		RedisDB:     getint("REDIS_DB", 0),

		KeyringPath: getenv("KEYRING_PATH", ".arbiter/keyring.json"),
		MasterKey:   os.Getenv("MASTER_KEY"),

		TestMode: os.Getenv("ARBITER_TEST_MODE") == "true",

		KVTimeout:       getdur("KV_TIMEOUT", 100*time.Millisecond),
		StoreTimeout:    getdur("STORE_TIMEOUT", 500*time.Millisecond),
		SecurityTimeout: getdur("SECURITY_TIMEOUT", 30*time.Second),
		ProviderTimeout: getdur("PROVIDER_TIMEOUT", 60*time.Second),
		StreamTimeout:   getdur("STREAM_TIMEOUT", 120*time.Second),

		CredentialCacheTTL: getdur("CREDENTIAL_CACHE_TTL", 5*time.Minute),
		PolicyCacheTTL:     getdur("POLICY_CACHE_TTL", 60*time.Second),
		RiskThreshold:      getfloat("RISK_THRESHOLD", 0.5),
		RateLimitRPS:       getint("RATE_LIMIT_RPS", 50),
		RateLimitBurst:     getint("RATE_LIMIT_BURST", 100),
		MaxBodyBytes:       int64(getint("MAX_BODY_BYTES", 1<<20)),

		Environments: DefaultEnvSettings(),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getfloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getdur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
