// Package llm provides the language-model call boundary used by the coaching engine.
// Providers are interchangeable behind Client; the engine never sees provider types.
package llm

// Provider represents an LLM provider
type Provider string

// Provider constants define supported LLM providers
const (
	// ProviderGemini is the Google Gemini provider
	ProviderGemini Provider = "gemini"
	// ProviderOpenAI is the OpenAI provider, reached through langchaingo
	ProviderOpenAI Provider = "openai"
)

// Default model settings
const (
	DefaultOpenAIModel     = "gpt-4o"
	DefaultGeminiModel     = "gemini-2.5-pro"
	DefaultMaxOutputTokens = 8192
	DefaultTemperature     = 0.1
)

// Config holds the provider configuration for the application
type Config struct {
	Provider        Provider
	DefaultModel    string
	MaxOutputTokens int
	Temperature     float64
}

// DefaultConfig returns the default configuration (OpenAI gpt-4o)
func DefaultConfig() *Config {
	return DefaultOpenAIConfig()
}

// DefaultOpenAIConfig returns the default OpenAI configuration
func DefaultOpenAIConfig() *Config {
	return &Config{
		Provider:        ProviderOpenAI,
		DefaultModel:    DefaultOpenAIModel,
		MaxOutputTokens: DefaultMaxOutputTokens,
		Temperature:     DefaultTemperature,
	}
}

// DefaultGeminiConfig returns the default Gemini configuration
func DefaultGeminiConfig() *Config {
	return &Config{
		Provider:        ProviderGemini,
		DefaultModel:    DefaultGeminiModel,
		MaxOutputTokens: DefaultMaxOutputTokens,
		Temperature:     DefaultTemperature,
	}
}

// ResolveModel returns requested if set, else the configured default
func (c *Config) ResolveModel(requested string) string {
	if requested != "" {
		return requested
	}
	return c.DefaultModel
}

// ResolveMaxTokens returns requested if positive, else the configured default
func (c *Config) ResolveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	if c.MaxOutputTokens > 0 {
		return c.MaxOutputTokens
	}
	return DefaultMaxOutputTokens
}

// WithModel returns a copy of the config with a different default model
func (c *Config) WithModel(model string) *Config {
	newConfig := *c
	newConfig.DefaultModel = model
	return &newConfig
}
