package config

import (
	"fmt"
	"os"
	"slices"
	"time"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// 1. API key validation (required for all AI operations)
	if os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required\n"+
			"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
			ErrMissingAPIKey)
	}

	// 2. Model configuration
	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	if c.Budget.MaxOutputTokens < 1 {
		return fmt.Errorf("%w: budget.max_output_tokens must be positive, got %d",
			ErrInvalidMaxTokens, c.Budget.MaxOutputTokens)
	}
	if c.Budget.ContextBudget() <= 0 {
		return fmt.Errorf("%w: context window %d leaves no room after reserves",
			ErrInvalidTokenBudget, c.Budget.ContextWindow)
	}

	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}

	// 3. Retrieval configuration
	if c.ScoreThreshold < 0 || c.ScoreThreshold > 1 {
		return fmt.Errorf("%w: score_threshold must be in [0,1], got %.2f",
			ErrInvalidThreshold, c.ScoreThreshold)
	}
	if c.ContactMatchScore < 0 || c.ContactMatchScore > 1 {
		return fmt.Errorf("%w: contact_match_score must be in [0,1], got %.2f",
			ErrInvalidThreshold, c.ContactMatchScore)
	}

	// 4. PostgreSQL configuration
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	// Modern SSL modes only - exclude deprecated allow/prefer (MITM vulnerable)
	// Reference: https://www.postgresql.org/docs/current/libpq-ssl.html
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	// 5. Source connectors: an enabled source needs an endpoint, a token and a
	// sane cadence. A misconfigured source refuses to start its job; the
	// others proceed — that decision lives in app wiring, so here a disabled
	// source is simply skipped.
	for _, src := range []struct {
		name string
		cfg  SourceConfig
	}{
		{"email", c.Email},
		{"messaging", c.Messaging},
		{"meeting", c.Meeting},
	} {
		if !src.cfg.Enabled {
			continue
		}
		if src.cfg.Endpoint == "" || src.cfg.Token == "" {
			return fmt.Errorf("%w: source %q is enabled but endpoint or token is empty",
				ErrMissingSourceCredential, src.name)
		}
		if src.cfg.Interval < 10*time.Second {
			return fmt.Errorf("%w: source %q interval %s is below 10s",
				ErrInvalidInterval, src.name, src.cfg.Interval)
		}
	}

	// 6. Briefing
	if c.BriefingHourUTC < 0 || c.BriefingHourUTC > 23 {
		return fmt.Errorf("%w: must be between 0 and 23, got %d",
			ErrInvalidBriefingHour, c.BriefingHourUTC)
	}

	return nil
}
