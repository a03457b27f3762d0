// Package config provides configuration loading and validation for the engine and CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Store and queue backends
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
	QueueNATS     = "nats"
	QueueChannel  = "channel"
)

// Default values applied by Defaults
const (
	DefaultModelTimeout = 90 * time.Second
	DefaultConcurrency  = 3
	DefaultLogLevel     = "info"
	DefaultEnvironment  = "development"
	DefaultProvider     = "openai"
)

// Duration is a time.Duration that reads "90s"-style strings from JSON
type Duration time.Duration

// UnmarshalJSON accepts a Go duration string or a number of seconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds: %w", err)
	}
	*d = Duration(time.Duration(seconds * float64(time.Second)))
	return nil
}

// MarshalJSON writes the duration as a Go duration string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config represents the engine configuration. It can be loaded from a JSON
// file, from the environment, or both; see Load.
type Config struct {
	// Record store
	Store       string `json:"store,omitempty" validate:"omitempty,oneof=postgres memory"`
	DatabaseURL string `json:"database_url,omitempty" validate:"required_if=Store postgres"`
	Fixtures    string `json:"fixtures,omitempty"` // JSON seed file for the memory store

	// Job queue
	Queue       string `json:"queue,omitempty" validate:"omitempty,oneof=nats channel"`
	NATSURL     string `json:"nats_url,omitempty"`
	NATSSubject string `json:"nats_subject,omitempty"`
	NATSDurable string `json:"nats_durable,omitempty"`

	// Language model
	Provider        string   `json:"provider,omitempty" validate:"omitempty,oneof=gemini openai"`
	APIKey          string   `json:"api_key,omitempty"`
	DefaultModel    string   `json:"default_model,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty" validate:"gte=0"`
	ModelTimeout    Duration `json:"model_timeout,omitempty" validate:"gte=0"`
	ClaimLease      Duration `json:"claim_lease,omitempty" validate:"gte=0"`

	// Worker
	Concurrency int `json:"concurrency,omitempty" validate:"gte=0,lte=64"`

	// Observability
	LogFile      string `json:"log_file,omitempty"`
	LogLevel     string `json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	Environment  string `json:"environment,omitempty" validate:"omitempty,oneof=development production"`
	OTelEnabled  bool   `json:"otel_enabled,omitempty"`
	OTelEndpoint string `json:"otel_endpoint,omitempty"`
}

var validate = validator.New()

// Defaults returns the built-in configuration
func Defaults() Config {
	return Config{
		Store:        StoreMemory,
		Queue:        QueueChannel,
		Provider:     DefaultProvider,
		ModelTimeout: Duration(DefaultModelTimeout),
		Concurrency:  DefaultConcurrency,
		LogLevel:     DefaultLogLevel,
		Environment:  DefaultEnvironment,
	}
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// FromEnv reads configuration from environment variables. Unset variables
// leave fields empty so file values and defaults can fill them.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Store:        os.Getenv("COACH_STORE"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		Fixtures:     os.Getenv("COACH_FIXTURES"),
		Queue:        os.Getenv("COACH_QUEUE"),
		NATSURL:      os.Getenv("NATS_URL"),
		NATSSubject:  os.Getenv("NATS_SUBJECT"),
		NATSDurable:  os.Getenv("NATS_DURABLE"),
		Provider:     os.Getenv("LLM_PROVIDER"),
		DefaultModel: os.Getenv("LLM_MODEL"),
		LogFile:      os.Getenv("LOG_FILE_PATH"),
		LogLevel:     strings.ToLower(os.Getenv("LOG_LEVEL")),
		Environment:  os.Getenv("GO_ENV"),
		OTelEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
	}
	// provider-specific keys are resolved by Load once the provider is known
	cfg.APIKey = os.Getenv("LLM_API_KEY")

	var err error
	if cfg.MaxOutputTokens, err = getEnvInt("LLM_MAX_OUTPUT_TOKENS"); err != nil {
		return nil, err
	}
	if cfg.Concurrency, err = getEnvInt("WORKER_CONCURRENCY"); err != nil {
		return nil, err
	}
	if cfg.ModelTimeout, err = getEnvDuration("MODEL_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.ClaimLease, err = getEnvDuration("CLAIM_LEASE"); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load merges a config file (when path is set) over the environment and
// the defaults, then validates the result
func Load(path string) (*Config, error) {
	env, err := FromEnv()
	if err != nil {
		return nil, err
	}
	cfg := *env
	if path != "" {
		file, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = file.MergeWithDefaults(*env)
	}
	cfg = cfg.MergeWithDefaults(Defaults())
	if cfg.APIKey == "" {
		cfg.APIKey = apiKeyFromEnv(cfg.Provider)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration has valid values.
// Note: required credentials such as the API key are checked by the
// commands that need them.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	if c.Store == StoreMemory && c.Fixtures != "" {
		if _, err := os.Stat(c.Fixtures); os.IsNotExist(err) {
			return fmt.Errorf("config error: fixtures file not found: %s", c.Fixtures)
		}
	}
	if c.ClaimLease > 0 && c.ModelTimeout > 0 && c.ClaimLease <= c.ModelTimeout {
		return fmt.Errorf("config error: 'claim_lease' must exceed 'model_timeout'")
	}

	return nil
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	// String fields: use default if empty
	mergeString(&result.Store, defaults.Store)
	mergeString(&result.DatabaseURL, defaults.DatabaseURL)
	mergeString(&result.Fixtures, defaults.Fixtures)
	mergeString(&result.Queue, defaults.Queue)
	mergeString(&result.NATSURL, defaults.NATSURL)
	mergeString(&result.NATSSubject, defaults.NATSSubject)
	mergeString(&result.NATSDurable, defaults.NATSDurable)
	mergeString(&result.Provider, defaults.Provider)
	mergeString(&result.APIKey, defaults.APIKey)
	mergeString(&result.DefaultModel, defaults.DefaultModel)
	mergeString(&result.LogFile, defaults.LogFile)
	mergeString(&result.LogLevel, defaults.LogLevel)
	mergeString(&result.Environment, defaults.Environment)
	mergeString(&result.OTelEndpoint, defaults.OTelEndpoint)

	// Numeric fields: use default if zero
	if result.MaxOutputTokens == 0 {
		result.MaxOutputTokens = defaults.MaxOutputTokens
	}
	if result.ModelTimeout == 0 {
		result.ModelTimeout = defaults.ModelTimeout
	}
	if result.ClaimLease == 0 {
		result.ClaimLease = defaults.ClaimLease
	}
	if result.Concurrency == 0 {
		result.Concurrency = defaults.Concurrency
	}

	// Bool fields: an unset false cannot be told apart, so either source enables
	result.OTelEnabled = result.OTelEnabled || defaults.OTelEnabled

	return result
}

// Production reports whether logs should be written as JSON only
func (c *Config) Production() bool {
	return c.Environment == "production"
}

func mergeString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func apiKeyFromEnv(provider string) string {
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		return key
	}
	if provider == "gemini" {
		return os.Getenv("GEMINI_API_KEY")
	}
	return os.Getenv("OPENAI_API_KEY")
}

func getEnvInt(key string) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("config error: %s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string) (Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config error: %s must be a duration such as 90s: %w", key, err)
	}
	return Duration(d), nil
}
