package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	Host string
	Port int

	// Database
	DBPath   string
	RedisURL string

	// Security
	EncryptionKey string
	StaticToken   string
	AuthMode      string // off | strict | all_except_health | auto

	// Upstream code-assistant API
	UpstreamBaseURLs          []string
	UpstreamAPIVersion        string
	UpstreamBetaHeader        string
	UpstreamRequestTimeout    time.Duration
	MaxTransportRetries       int
	TransportRetryDelay       time.Duration
	EndpointIdleTimeout       time.Duration

	// Model fallbacks used by the protocol mappers
	ImageModelFallback     string
	WebSearchModelFallback string
	ThinkingDefaultOnOpus  bool

	// Scheduling
	SessionBindingTTL   time.Duration
	TokenRefreshAdvance time.Duration

	// Error pause durations
	ErrorPause401 time.Duration
	ErrorPause403 time.Duration
	ErrorPause429 time.Duration
	ErrorPause529 time.Duration

	// Request
	RequestTimeout   time.Duration
	MaxRequestBodyMB int
	MaxRetryAccounts int
	MaxCacheControls int
	MaxAttempts      int

	// Signature cache
	SignatureTTL time.Duration

	// Health monitor
	HealthErrorThreshold          int
	HealthRecoveryCheckInterval   time.Duration
	HealthCooldown                time.Duration

	// Warmup scheduler
	WarmupEnabled            bool
	WarmupInterval           time.Duration
	WarmupCooldownAfterFull  time.Duration
	WarmupHistoryPath        string

	// Logging
	LogLevel string

	// Hot-reloadable pool config file (selection weights, warmup whitelist)
	PoolConfigPath string

	// Identity persistence: JSON files under AccountsDir (accounts/{id}.json
	// plus an accounts.json index), and the OAuth refresh endpoint used to
	// mint new access tokens just-in-time.
	AccountsDir             string
	OAuthRefreshURL         string
	OAuthClientID           string
	MaxConcurrentPerAccount int
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 3000),

		DBPath:   envOr("DB_PATH", "./dispatchcore.db"),
		RedisURL: os.Getenv("REDIS_URL"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		StaticToken:   os.Getenv("API_TOKEN"),
		AuthMode:      envOr("AUTH_MODE", "strict"),

		UpstreamBaseURLs:       envList("UPSTREAM_BASE_URLS", []string{"https://cloudcode-pa.googleapis.com/v1internal"}),
		UpstreamAPIVersion:     envOr("UPSTREAM_API_VERSION", "v1internal"),
		UpstreamBetaHeader:     envOr("UPSTREAM_BETA_HEADER", ""),
		UpstreamRequestTimeout: envDuration("UPSTREAM_REQUEST_TIMEOUT", 10*time.Minute),
		MaxTransportRetries:    envInt("MAX_TRANSPORT_RETRIES_PER_ENDPOINT", 2),
		TransportRetryDelay:    envDuration("TRANSPORT_RETRY_DELAY", 200*time.Millisecond),
		EndpointIdleTimeout:    envDuration("ENDPOINT_IDLE_TIMEOUT", 5*time.Minute),

		ImageModelFallback:     envOr("IMAGE_MODEL_FALLBACK", "imagen-3.0-generate"),
		WebSearchModelFallback: envOr("WEB_SEARCH_MODEL_FALLBACK", "gemini-2.5-flash"),
		ThinkingDefaultOnOpus:  envBool("THINKING_DEFAULT_ON_OPUS", true),

		SessionBindingTTL:   envDuration("SESSION_BINDING_TTL", 24*time.Hour),
		TokenRefreshAdvance: envDuration("TOKEN_REFRESH_ADVANCE", 60*time.Second),

		ErrorPause401: envDuration("ERROR_PAUSE_401", 30*time.Minute),
		ErrorPause403: envDuration("ERROR_PAUSE_403", 10*time.Minute),
		ErrorPause429: envDuration("ERROR_PAUSE_429", 60*time.Second),
		ErrorPause529: envDuration("ERROR_PAUSE_529", 5*time.Minute),

		RequestTimeout:   envDuration("REQUEST_TIMEOUT", 5*time.Minute),
		MaxRequestBodyMB: envInt("REQUEST_MAX_SIZE_MB", 60),
		MaxRetryAccounts: envInt("MAX_RETRY_ACCOUNTS", 2),
		MaxCacheControls: envInt("MAX_CACHE_CONTROLS", 4),
		MaxAttempts:      envInt("MAX_ATTEMPTS", 64),

		SignatureTTL: envDuration("SIGNATURE_TTL", 30*time.Minute),

		HealthErrorThreshold:        envInt("HEALTH_ERROR_THRESHOLD", 5),
		HealthRecoveryCheckInterval: envDuration("HEALTH_RECOVERY_CHECK_INTERVAL", 30*time.Second),
		HealthCooldown:              envDuration("HEALTH_COOLDOWN", 5*time.Minute),

		WarmupEnabled:           envBool("WARMUP_ENABLED", true),
		WarmupInterval:          envDuration("WARMUP_INTERVAL", 10*time.Minute),
		WarmupCooldownAfterFull: envDuration("WARMUP_COOLDOWN_AFTER_FULL", 4*time.Hour),
		WarmupHistoryPath:       envOr("WARMUP_HISTORY_PATH", "./warmup_history.json"),

		LogLevel: envOr("LOG_LEVEL", "info"),

		PoolConfigPath: os.Getenv("POOL_CONFIG_PATH"),

		AccountsDir:             envOr("ACCOUNTS_DIR", "./data"),
		OAuthRefreshURL:         envOr("OAUTH_REFRESH_URL", "https://oauth2.googleapis.com/token"),
		OAuthClientID:           os.Getenv("OAUTH_CLIENT_ID"),
		MaxConcurrentPerAccount: envInt("MAX_CONCURRENT_PER_ACCOUNT", 8),
	}
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if c.StaticToken == "" && c.AuthMode != "off" {
		return errMissing("API_TOKEN")
	}
	if len(c.UpstreamBaseURLs) == 0 {
		return errMissing("UPSTREAM_BASE_URLS")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
