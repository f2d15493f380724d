// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (./config.yaml or ~/.ask-sspai/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Generation: model selection, temperature, credential fallback
//   - Retrieval: embedder model, vector dimension, top-k
//   - Prompt: template directory and template name
//   - Rate limiting: per-class quotas and windows
//   - Storage: PostgreSQL connection (see storage.go)
//   - Server: listen address, CORS, proxy trust, HMAC secret
//
// Security: sensitive fields (password, API key, HMAC secret) are masked in
// MarshalJSON/String and never logged in the clear.
//
// Error handling uses sentinel errors checked with errors.Is(); wrap with
// fmt.Errorf("%w: details", ErrXxx).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates no generation credential is available.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidGenerationTimeout indicates the generation timeout is not positive.
	ErrInvalidGenerationTimeout = errors.New("invalid generation timeout")

	// ErrInvalidTopK indicates the retrieval top-k is out of range.
	ErrInvalidTopK = errors.New("invalid retrieval top-k")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidPromptName indicates the prompt template name is empty.
	ErrInvalidPromptName = errors.New("invalid prompt name")

	// ErrInvalidRateLimit indicates a rate-limit quota or window is out of range.
	ErrInvalidRateLimit = errors.New("invalid rate limit")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrMissingHMACSecret indicates the HMAC secret is not set.
	ErrMissingHMACSecret = errors.New("missing HMAC secret")

	// ErrInvalidHMACSecret indicates the HMAC secret is too short.
	ErrInvalidHMACSecret = errors.New("invalid HMAC secret")
)

const (
	// DefaultEmbedderModel is the default Gemini embedder model.
	// gemini-embedding-001 outputs 3072 dimensions by default, but supports
	// truncation to 768 via OutputDimensionality; the pgvector schema uses
	// 768 dimensions (knowledge.VectorDimension).
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultModelName is the default generation model.
	DefaultModelName = "gemini-2.5-flash"

	// DefaultPromptName is the prompt template used to compose generation
	// requests. Resolved against PromptDir as "<name>.tmpl".
	DefaultPromptName = "ask-sspai"
)

// RateLimitPolicy is one admission class: at most Quota requests per key
// within a sliding Window.
type RateLimitPolicy struct {
	Quota  int `mapstructure:"quota" json:"quota"`
	Window int `mapstructure:"window_minutes" json:"window_minutes"` // minutes
}

// WindowDuration returns the sliding window as a time.Duration.
func (p RateLimitPolicy) WindowDuration() time.Duration {
	return time.Duration(p.Window) * time.Minute
}

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (passwords, API keys, tokens), update MarshalJSON.
type Config struct {
	// Generation configuration
	ModelName    string  `mapstructure:"model_name" json:"model_name"`
	Temperature  float32 `mapstructure:"temperature" json:"temperature"`
	GeminiAPIKey string  `mapstructure:"gemini_api_key" json:"gemini_api_key"` // SENSITIVE: masked in MarshalJSON

	// GenerationTimeout bounds a single streaming run; the upstream service
	// is untrusted for liveness.
	GenerationTimeout time.Duration `mapstructure:"generation_timeout" json:"generation_timeout"`

	// Prompt template configuration
	PromptDir  string `mapstructure:"prompt_dir" json:"prompt_dir"`
	PromptName string `mapstructure:"prompt_name" json:"prompt_name"`

	// Retrieval configuration
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`
	TopK          int    `mapstructure:"top_k" json:"top_k"`

	// Rate limiting per identity class
	RegisteredLimit RateLimitPolicy `mapstructure:"registered_limit" json:"registered_limit"`
	AnonymousLimit  RateLimitPolicy `mapstructure:"anonymous_limit" json:"anonymous_limit"`

	// Storage configuration (see storage.go for documentation)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Server configuration
	ListenAddr  string   `mapstructure:"listen_addr" json:"listen_addr"`
	HMACSecret  string   `mapstructure:"hmac_secret" json:"hmac_secret"` // SENSITIVE: masked in MarshalJSON
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // Trust X-Real-IP/X-Forwarded-For (set true behind reverse proxy)

	// Observability configuration
	TracingEnabled bool   `mapstructure:"tracing_enabled" json:"tracing_enabled"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name" json:"service_name"`
	Environment    string `mapstructure:"environment" json:"environment"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".ask-sspai")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".") // Also support current directory

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// Parse DATABASE_URL if set (highest priority for PostgreSQL config)
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	// Validate immediately (fail-fast)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// Generation defaults. Temperature is deliberately low: answers should
	// stay grounded in the retrieved passages rather than improvise.
	viper.SetDefault("model_name", DefaultModelName)
	viper.SetDefault("temperature", 0.1)
	viper.SetDefault("generation_timeout", "2m")

	// Prompt defaults
	viper.SetDefault("prompt_dir", "prompts")
	viper.SetDefault("prompt_name", DefaultPromptName)

	// Retrieval defaults
	viper.SetDefault("embedder_model", DefaultEmbedderModel)
	viper.SetDefault("top_k", 4)

	// Rate limit defaults: registered users get a long window, anonymous
	// preview-token callers a short one.
	viper.SetDefault("registered_limit.quota", 10)
	viper.SetDefault("registered_limit.window_minutes", 300)
	viper.SetDefault("anonymous_limit.quota", 10)
	viper.SetDefault("anonymous_limit.window_minutes", 60)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "asksspai")
	viper.SetDefault("postgres_password", "asksspai_dev_password")
	viper.SetDefault("postgres_db_name", "asksspai")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Server defaults
	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("trust_proxy", false)

	// Observability defaults
	viper.SetDefault("tracing_enabled", false)
	viper.SetDefault("otlp_endpoint", "localhost:4318")
	viper.SetDefault("service_name", "ask-sspai")
	viper.SetDefault("environment", "dev")
}

// bindEnvVariables binds environment variables explicitly.
func bindEnvVariables() {
	// Helper to panic on unexpected bind errors (hardcoded strings can't fail).
	// If this panics, it's a BUG in our code, not a runtime error.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	// Server-held generation credential; a caller-supplied preview token
	// overrides it per request (see ResolveCredential).
	mustBind("gemini_api_key", "GEMINI_API_KEY")

	// HMAC secret for uid cookie verification
	mustBind("hmac_secret", "HMAC_SECRET")

	// Server overrides
	mustBind("listen_addr", "ASK_SSPAI_LISTEN_ADDR")
	mustBind("cors_origins", "ASK_SSPAI_CORS_ORIGINS")
	mustBind("trust_proxy", "ASK_SSPAI_TRUST_PROXY")

	// Generation overrides
	mustBind("model_name", "ASK_SSPAI_MODEL_NAME")
	mustBind("prompt_dir", "ASK_SSPAI_PROMPT_DIR")

	// Observability
	mustBind("tracing_enabled", "ASK_SSPAI_TRACING")
	mustBind("otlp_endpoint", "OTLP_ENDPOINT")
}

// ResolveCredential returns the credential to use for a generation call:
// the caller-supplied preview token when present, otherwise the server key.
// The fallback is explicit so an empty credential never reaches the
// generation service silently.
func (c *Config) ResolveCredential(previewToken string) (string, error) {
	if previewToken != "" {
		return previewToken, nil
	}
	if c.GeminiAPIKey != "" {
		return c.GeminiAPIKey, nil
	}
	return "", fmt.Errorf("%w: no preview token and GEMINI_API_KEY not set", ErrMissingAPIKey)
}

// PromptPath returns the filesystem path of the named prompt template.
func (c *Config) PromptPath() string {
	return filepath.Join(c.PromptDir, c.PromptName+".tmpl")
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks (U+2588) avoid substring matching against real secret
// characters; "****" and "[REDACTED]" both leaked for secrets containing
// those characters.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Shows first 2 and last 2 characters, masks the rest. Secrets of 8 or
// fewer characters are fully masked to prevent substring matching.
//
// THREAT MODEL: this defends against accidental logging of real secrets.
// It is NOT cryptographically secure; if logs are compromised, rotate secrets.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked: PostgresPassword, GeminiAPIKey, HMACSecret.
// When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.GeminiAPIKey = maskSecret(a.GeminiAPIKey)
	a.HMACSecret = maskSecret(a.HMACSecret)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
