package config

import "time"

// LLMConfig configures the LLM client.
type LLMConfig struct {
	Provider string `yaml:"provider"` // openai-compatible chat completions
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`

	// Timeout bounds a single completion call end to end.
	Timeout   Duration `yaml:"timeout"`
	MaxTokens int      `yaml:"max_tokens"`

	// Token-bucket rate limit applied before every request.
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateBurst       int     `yaml:"rate_burst"`

	// MaxRetries for transient failures (timeouts, 429, 5xx).
	MaxRetries int `yaml:"max_retries"`
}

// DefaultLLMConfig returns sensible defaults for an OpenAI-compatible
// endpoint.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:        "openai",
		BaseURL:         "https://api.deepseek.com/v1",
		Model:           "deepseek-chat",
		Timeout:         Duration(120 * time.Second),
		MaxTokens:       8192,
		RateLimitPerSec: 4,
		RateBurst:       8,
		MaxRetries:      3,
	}
}
