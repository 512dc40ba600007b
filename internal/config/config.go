// config.go

// Configuration loading: optional YAML file, then environment overrides, then validation.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// KeySize is the required length of TOKEN_ENCRYPTION_KEY once decoded (AES-256).
const KeySize = 32

// minStateSecretLen is the minimum byte length of OAUTH_STATE_SECRET.
const minStateSecretLen = 32

// ConfigurationError reports a missing or malformed setting. Fatal at startup.
// Reason never contains the secret value itself.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

// Config holds all runtime configuration.
type Config struct {
	DatabaseURL string
	RedisURL    string // empty disables Redis (session cache, replay cache, shared limiter)
	Port        string
	LogLevel    slog.Level

	// CookieSecure sets the Secure flag on session cookies. Only disable for local http.
	CookieSecure bool

	// TokenEncryptionKey is the decoded 256-bit key for credential encryption at rest.
	TokenEncryptionKey []byte
	// OAuthStateSecret signs the OAuth state parameter.
	OAuthStateSecret []byte
	OAuthStateTTL    time.Duration
	// OAuthStateSingleUse enables the Redis nonce cache; ignored without Redis.
	OAuthStateSingleUse bool

	// Google OAuth client; all three set or none (calendar features disabled).
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleCalendarID   string

	SessionTTL time.Duration

	// Login rate limit, keyed per email. Lockout 0 means lockout == window.
	RateLoginMax     int
	RateLoginWindow  time.Duration
	RateLoginLockout time.Duration
	// RateLimitBackend is "memory" (process-local) or "redis" (shared counters).
	RateLimitBackend string

	SyncConcurrency int
	SyncItemTimeout time.Duration
	ProviderTimeout time.Duration
}

// CalendarEnabled reports whether Google OAuth credentials are configured.
func (c *Config) CalendarEnabled() bool {
	return c.GoogleClientID != ""
}

// fileConfig mirrors the YAML schema accepted via CONFIG_FILE.
// Secrets may live here for local runs; env always wins.
type fileConfig struct {
	Server struct {
		Port     string `yaml:"port"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`
	Dependencies struct {
		DatabaseURL string `yaml:"database_url"`
		RedisURL    string `yaml:"redis_url"`
	} `yaml:"dependencies"`
	Google struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		RedirectURL  string `yaml:"redirect_url"`
		CalendarID   string `yaml:"calendar_id"`
	} `yaml:"google"`
	Sync struct {
		Concurrency int    `yaml:"concurrency"`
		ItemTimeout string `yaml:"item_timeout"`
	} `yaml:"sync"`
	RateLimit struct {
		Backend string `yaml:"backend"`
		Max     int    `yaml:"max"`
		Window  string `yaml:"window"`
		Lockout string `yaml:"lockout"`
	} `yaml:"rate_limit"`
}

// LoadConfig resolves configuration in priority order: defaults -> CONFIG_FILE -> env.
// Returns *ConfigurationError for missing or malformed required settings.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:             "7865",
		LogLevel:         slog.LevelInfo,
		CookieSecure:     true,
		OAuthStateTTL:    10 * time.Minute,
		GoogleCalendarID: "primary",
		SessionTTL:       7 * 24 * time.Hour,
		RateLoginMax:     5,
		RateLoginWindow:  15 * time.Minute,
		RateLimitBackend: "memory",
		SyncConcurrency:  4,
		SyncItemTimeout:  20 * time.Second,
		ProviderTimeout:  15 * time.Second,
	}

	logLevel := ""
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fc, err := readFile(path)
		if err != nil {
			return nil, err
		}
		applyFile(cfg, fc)
		logLevel = fc.Server.LogLevel
	}

	setString(&cfg.DatabaseURL, "DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, &ConfigurationError{Key: "DATABASE_URL", Reason: "is required"}
	}
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.Port, "PORT")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		logLevel = v
	}
	cfg.LogLevel = parseLevel(logLevel)

	// Default true -- only explicit "false" disables.
	if os.Getenv("COOKIE_SECURE") == "false" {
		cfg.CookieSecure = false
	}

	key, err := ParseKey(os.Getenv("TOKEN_ENCRYPTION_KEY"))
	if err != nil {
		return nil, err
	}
	cfg.TokenEncryptionKey = key

	secret := os.Getenv("OAUTH_STATE_SECRET")
	if secret == "" {
		return nil, &ConfigurationError{Key: "OAUTH_STATE_SECRET", Reason: "is required"}
	}
	if len(secret) < minStateSecretLen {
		return nil, &ConfigurationError{Key: "OAUTH_STATE_SECRET", Reason: fmt.Sprintf("must be at least %d bytes", minStateSecretLen)}
	}
	cfg.OAuthStateSecret = []byte(secret)
	cfg.OAuthStateTTL = envDuration("OAUTH_STATE_TTL", cfg.OAuthStateTTL)
	cfg.OAuthStateSingleUse = os.Getenv("OAUTH_STATE_SINGLE_USE") != "false"

	setString(&cfg.GoogleClientID, "GOOGLE_CLIENT_ID")
	setString(&cfg.GoogleClientSecret, "GOOGLE_CLIENT_SECRET")
	setString(&cfg.GoogleRedirectURL, "GOOGLE_REDIRECT_URL")
	setString(&cfg.GoogleCalendarID, "GOOGLE_CALENDAR_ID")
	set := 0
	for _, v := range []string{cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		return nil, &ConfigurationError{Key: "GOOGLE_CLIENT_ID", Reason: "GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET and GOOGLE_REDIRECT_URL must be set together"}
	}

	cfg.SessionTTL = envDuration("SESSION_TTL", cfg.SessionTTL)

	// Misconfigured limits fall back to defaults rather than disabling rate limiting.
	cfg.RateLoginMax = envInt("RATE_LOGIN_MAX", cfg.RateLoginMax)
	cfg.RateLoginWindow = envDuration("RATE_LOGIN_WINDOW", cfg.RateLoginWindow)
	cfg.RateLoginLockout = envDuration("RATE_LOGIN_LOCKOUT", cfg.RateLoginLockout)
	setString(&cfg.RateLimitBackend, "RATE_LIMIT_BACKEND")
	switch cfg.RateLimitBackend {
	case "memory":
	case "redis":
		if cfg.RedisURL == "" {
			return nil, &ConfigurationError{Key: "RATE_LIMIT_BACKEND", Reason: "redis backend requires REDIS_URL"}
		}
	default:
		return nil, &ConfigurationError{Key: "RATE_LIMIT_BACKEND", Reason: "must be memory or redis"}
	}

	cfg.SyncConcurrency = envInt("SYNC_CONCURRENCY", cfg.SyncConcurrency)
	cfg.SyncItemTimeout = envDuration("SYNC_ITEM_TIMEOUT", cfg.SyncItemTimeout)
	cfg.ProviderTimeout = envDuration("PROVIDER_TIMEOUT", cfg.ProviderTimeout)

	return cfg, nil
}

// ParseKey decodes a 256-bit key given as 64 hex chars or base64 (std or url, padded or not).
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &ConfigurationError{Key: "TOKEN_ENCRYPTION_KEY", Reason: "is required"}
	}
	if len(raw) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(raw); err == nil {
			return key, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		key, err := enc.DecodeString(raw)
		if err != nil {
			continue
		}
		if len(key) != KeySize {
			return nil, &ConfigurationError{Key: "TOKEN_ENCRYPTION_KEY", Reason: fmt.Sprintf("must decode to %d bytes, got %d", KeySize, len(key))}
		}
		return key, nil
	}
	return nil, &ConfigurationError{Key: "TOKEN_ENCRYPTION_KEY", Reason: "must be hex or base64 encoded"}
}

func readFile(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Key: "CONFIG_FILE", Reason: fmt.Sprintf("reading %s: %v", path, err)}
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, &ConfigurationError{Key: "CONFIG_FILE", Reason: fmt.Sprintf("parsing %s: %v", path, err)}
	}
	return &fc, nil
}

func applyFile(cfg *Config, fc *fileConfig) {
	if fc.Server.Port != "" {
		cfg.Port = fc.Server.Port
	}
	if fc.Dependencies.DatabaseURL != "" {
		cfg.DatabaseURL = fc.Dependencies.DatabaseURL
	}
	if fc.Dependencies.RedisURL != "" {
		cfg.RedisURL = fc.Dependencies.RedisURL
	}
	if fc.Google.ClientID != "" {
		cfg.GoogleClientID = fc.Google.ClientID
	}
	if fc.Google.ClientSecret != "" {
		cfg.GoogleClientSecret = fc.Google.ClientSecret
	}
	if fc.Google.RedirectURL != "" {
		cfg.GoogleRedirectURL = fc.Google.RedirectURL
	}
	if fc.Google.CalendarID != "" {
		cfg.GoogleCalendarID = fc.Google.CalendarID
	}
	if fc.Sync.Concurrency > 0 {
		cfg.SyncConcurrency = fc.Sync.Concurrency
	}
	if d, err := time.ParseDuration(fc.Sync.ItemTimeout); err == nil && d > 0 {
		cfg.SyncItemTimeout = d
	}
	if fc.RateLimit.Backend != "" {
		cfg.RateLimitBackend = fc.RateLimit.Backend
	}
	if fc.RateLimit.Max > 0 {
		cfg.RateLoginMax = fc.RateLimit.Max
	}
	if d, err := time.ParseDuration(fc.RateLimit.Window); err == nil && d > 0 {
		cfg.RateLoginWindow = d
	}
	if d, err := time.ParseDuration(fc.RateLimit.Lockout); err == nil && d > 0 {
		cfg.RateLoginLockout = d
	}
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setString overwrites dst with the env var when it is non-empty.
func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
