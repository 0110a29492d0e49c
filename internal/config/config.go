// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.sentinel/config.yaml)
//  3. Default values (sensible defaults for quick start)
//
// Main configuration categories:
//   - AI: Model selection, temperature, token budgets, embedder
//   - Storage: PostgreSQL connection
//   - Sources: per-connector endpoints, credentials, poll cadences
//   - Pipeline: retrieval limits, briefing hour, noise filters
//   - Serve: HTTP address, CORS, rate limits
//
// Security: Sensitive data (passwords, tokens) are never logged; config
// directory uses 0750 permissions.
//
// Error Handling:
//   - Uses sentinel errors for Go-idiomatic error checking with errors.Is()
//   - Wrap with context using fmt.Errorf("%w: details", ErrXxx)
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidMaxTokens indicates the max output tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidTokenBudget indicates the context token budget is inconsistent.
	ErrInvalidTokenBudget = errors.New("invalid token budget")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidInterval indicates a source poll interval is out of range.
	ErrInvalidInterval = errors.New("invalid poll interval")

	// ErrInvalidBriefingHour indicates the daily briefing hour is out of range.
	ErrInvalidBriefingHour = errors.New("invalid briefing hour")

	// ErrInvalidThreshold indicates a similarity threshold is out of range.
	ErrInvalidThreshold = errors.New("invalid similarity threshold")

	// ErrMissingSourceCredential indicates a source is enabled without credentials.
	ErrMissingSourceCredential = errors.New("missing source credential")
)

const (
	// DefaultGeminiEmbedderModel is the default Gemini embedder model.
	// gemini-embedding-001 outputs 3072 dimensions by default, but supports
	// truncation to 768 via OutputDimensionality; the pgvector schema uses 768.
	DefaultGeminiEmbedderModel = "gemini-embedding-001"

	// ProviderGoogleAI is the Genkit plugin prefix for Gemini models.
	ProviderGoogleAI = "googleai"
)

// SourceConfig configures one external source connector.
type SourceConfig struct {
	Enabled  bool          `mapstructure:"enabled" json:"enabled"`
	Endpoint string        `mapstructure:"endpoint" json:"endpoint"`
	Token    string        `mapstructure:"token" json:"token"` // SENSITIVE: masked in MarshalJSON
	Interval time.Duration `mapstructure:"interval" json:"interval"`
}

// MarshalJSON masks the source token.
func (s SourceConfig) MarshalJSON() ([]byte, error) {
	type alias SourceConfig
	a := alias(s)
	a.Token = maskSecret(a.Token)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal source config: %w", err)
	}
	return data, nil
}

// BudgetConfig carries the token accounting for one generation request.
// ContextBudget is derived: window − system − output − buffer.
type BudgetConfig struct {
	ContextWindow   int `mapstructure:"context_window" json:"context_window"`
	SystemReserve   int `mapstructure:"system_reserve" json:"system_reserve"`
	MaxOutputTokens int `mapstructure:"max_output_tokens" json:"max_output_tokens"`
	SafetyBuffer    int `mapstructure:"safety_buffer" json:"safety_buffer"`
}

// ContextBudget returns the token budget available for retrieved context.
func (b BudgetConfig) ContextBudget() int {
	budget := b.ContextWindow - b.SystemReserve - b.MaxOutputTokens - b.SafetyBuffer
	if budget < 0 {
		return 0
	}
	return budget
}

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (passwords, API keys, tokens), update MarshalJSON.
type Config struct {
	// AI model configuration
	ModelName   string  `mapstructure:"model_name" json:"model_name"`
	Temperature float32 `mapstructure:"temperature" json:"temperature"`

	// Token accounting
	Budget BudgetConfig `mapstructure:"budget" json:"budget"`

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Embedding configuration
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	// Source connectors
	Email     SourceConfig `mapstructure:"email" json:"email"`
	Messaging SourceConfig `mapstructure:"messaging" json:"messaging"`
	Meeting   SourceConfig `mapstructure:"meeting" json:"meeting"`

	// Noise filtering: sender patterns dropped before normalization.
	NoiseSenders []string `mapstructure:"noise_senders" json:"noise_senders"`

	// Retrieval configuration
	RetrievalTopK      int     `mapstructure:"retrieval_top_k" json:"retrieval_top_k"`
	ScoreThreshold     float32 `mapstructure:"score_threshold" json:"score_threshold"`
	ContactMatchScore  float32 `mapstructure:"contact_match_score" json:"contact_match_score"`
	ScanContextPerColl int     `mapstructure:"scan_context_per_collection" json:"scan_context_per_collection"`

	// Briefing digest
	BriefingHourUTC int `mapstructure:"briefing_hour_utc" json:"briefing_hour_utc"`

	// Silence gap alerting: no inbound email for this long raises a tier-1 alert.
	EmailGapAlert time.Duration `mapstructure:"email_gap_alert" json:"email_gap_alert"`

	// Notification sink (chat-ops webhook) for tier-1/2 alerts. Empty disables.
	WebhookURL string `mapstructure:"webhook_url" json:"webhook_url"` // SENSITIVE: masked in MarshalJSON

	// Serve configuration
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	TrustProxy bool   `mapstructure:"trust_proxy" json:"trust_proxy"` // Trust X-Real-IP/X-Forwarded-For (behind reverse proxy)
	RateBurst  int    `mapstructure:"rate_burst" json:"rate_burst"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	configDir := os.Getenv("SENTINEL_CONFIG_DIR")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(home, ".sentinel")
	}

	// Ensure directory exists (0750 for better security)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

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

	// CRITICAL: Validate immediately (fail-fast)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// AI defaults
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("temperature", 0.7)

	// Token accounting defaults
	viper.SetDefault("budget.context_window", 1_000_000)
	viper.SetDefault("budget.system_reserve", 50_000)
	viper.SetDefault("budget.max_output_tokens", 128_000)
	viper.SetDefault("budget.safety_buffer", 22_000)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "sentinel")
	viper.SetDefault("postgres_password", "sentinel_dev_password")
	viper.SetDefault("postgres_db_name", "sentinel")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Embedding defaults
	viper.SetDefault("embedder_model", DefaultGeminiEmbedderModel)

	// Source cadences
	viper.SetDefault("email.interval", 5*time.Minute)
	viper.SetDefault("messaging.interval", 10*time.Minute)
	viper.SetDefault("meeting.interval", 2*time.Hour)

	// Retrieval defaults
	viper.SetDefault("retrieval_top_k", 10)
	viper.SetDefault("score_threshold", 0.3)
	viper.SetDefault("contact_match_score", 0.3)
	viper.SetDefault("scan_context_per_collection", 8)

	// Briefing and gap alerting
	viper.SetDefault("briefing_hour_utc", 6)
	viper.SetDefault("email_gap_alert", 48*time.Hour)

	// Serve defaults
	viper.SetDefault("listen_addr", "127.0.0.1:3500")
	viper.SetDefault("trust_proxy", false)
	viper.SetDefault("rate_burst", 60)
}

// bindEnvVariables binds sensitive environment variables explicitly.
func bindEnvVariables() {
	// Helper to panic on unexpected bind errors (hardcoded strings can't fail).
	// If this panics, it's a BUG in our code, not a runtime error.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("webhook_url", "SENTINEL_WEBHOOK_URL")
	mustBind("listen_addr", "SENTINEL_LISTEN_ADDR")
	mustBind("trust_proxy", "SENTINEL_TRUST_PROXY")
	mustBind("model_name", "SENTINEL_MODEL_NAME")

	mustBind("email.token", "SENTINEL_EMAIL_TOKEN")
	mustBind("messaging.token", "SENTINEL_MESSAGING_TOKEN")
	mustBind("meeting.token", "SENTINEL_MEETING_TOKEN")

	// NOTE: GEMINI_API_KEY is read directly by Genkit, not via Viper.
	// Validation checks its presence in cfg.Validate().
}

// maskedValue is the placeholder for masked sensitive data.
// Using ████████ (full-width blocks U+2588) to avoid substring matching
// against real secret characters.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Shows first 2 and last 2 characters, masks the rest.
// SECURITY: For secrets <=8 chars, fully masks to prevent substring attacks.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	prefix := make([]byte, 2)
	suffix := make([]byte, 2)
	copy(prefix, s[:2])
	copy(suffix, s[len(s)-2:])
	return string(prefix) + "<" + maskedValue + ">" + string(suffix)
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked:
//   - PostgresPassword
//   - WebhookURL (webhook URLs embed tokens)
//   - Email/Messaging/Meeting tokens (via SourceConfig.MarshalJSON)
//
// When adding new sensitive fields, update this method or the nested struct's
// MarshalJSON.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.WebhookURL = maskSecret(a.WebhookURL)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// FullModelName returns the provider-qualified model name for Genkit.
// Example: "googleai/gemini-2.5-flash".
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	return ProviderGoogleAI + "/" + c.ModelName
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
