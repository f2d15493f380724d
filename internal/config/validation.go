package config

import (
	"fmt"
	"log/slog"
	"slices"
)

// minHMACSecretLength is the minimum accepted HMAC secret size in bytes.
// 32 bytes matches the SHA-256 block recommendation for HMAC keys.
const minHMACSecretLength = 32

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// 1. Generation configuration
	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	// Temperature range: 0.0 (deterministic) to 2.0 (maximum creativity)
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("%w: must be between 0.0 and 2.0, got %.2f", ErrInvalidTemperature, c.Temperature)
	}

	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("%w: must be positive, got %s", ErrInvalidGenerationTimeout, c.GenerationTimeout)
	}

	// 2. Prompt configuration
	if c.PromptName == "" {
		return fmt.Errorf("%w: prompt_name cannot be empty", ErrInvalidPromptName)
	}

	// 3. Retrieval configuration
	if c.TopK <= 0 || c.TopK > 10 {
		return fmt.Errorf("%w: must be between 1 and 10, got %d", ErrInvalidTopK, c.TopK)
	}

	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}

	// 4. Rate limit policies
	for _, p := range []struct {
		name   string
		policy RateLimitPolicy
	}{
		{"registered_limit", c.RegisteredLimit},
		{"anonymous_limit", c.AnonymousLimit},
	} {
		if p.policy.Quota < 1 {
			return fmt.Errorf("%w: %s.quota must be at least 1, got %d", ErrInvalidRateLimit, p.name, p.policy.Quota)
		}
		if p.policy.Window < 1 {
			return fmt.Errorf("%w: %s.window_minutes must be at least 1, got %d", ErrInvalidRateLimit, p.name, p.policy.Window)
		}
	}

	// 5. PostgreSQL configuration
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}

	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}

	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set", ErrInvalidPostgresPassword)
	}

	// Warn if using default dev password (but don't block, user might be in dev)
	if c.PostgresPassword == "asksspai_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password for production deployments")
	}

	if len(c.PostgresPassword) < 8 {
		return fmt.Errorf("%w: postgres_password must be at least 8 characters (got %d)",
			ErrInvalidPostgresPassword, len(c.PostgresPassword))
	}

	// Modern SSL modes only; 'allow' and 'prefer' are deprecated (MITM vulnerable).
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if c.PostgresSSLMode == "" {
		return fmt.Errorf("%w: postgres_ssl_mode is empty (should have default from setDefaults)",
			ErrInvalidPostgresSSLMode)
	}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	// 6. Server security configuration
	if c.HMACSecret == "" {
		return fmt.Errorf("%w: HMAC_SECRET environment variable is required", ErrMissingHMACSecret)
	}
	if len(c.HMACSecret) < minHMACSecretLength {
		return fmt.Errorf("%w: must be at least %d bytes (got %d)",
			ErrInvalidHMACSecret, minHMACSecretLength, len(c.HMACSecret))
	}

	return nil
}
