package openai

import (
	"fmt"
	"time"

	"github.com/gcsruntime/gcs/internal/config"
)

// Config holds OpenAI-compatible adapter configuration.
type Config struct {
	APIKey      string        // static API key; ignored when a BearerSource is set
	BaseURL     string        // default: https://api.openai.com/v1
	Model       string        // default model for requests that do not name one
	Temperature float32       // default sampling temperature
	MaxTokens   int           // 0 = no limit
	HTTPTimeout time.Duration // per-request transport timeout
	MaxRetries  int           // attempts for transient errors (default 3)
	BackoffBase time.Duration // first retry delay (default 1s)
	BackoffCap  time.Duration // max retry delay (default 60s)
}

// FromSettings derives an adapter Config from the runtime settings.
func FromSettings(s *config.Settings) *Config {
	return &Config{
		APIKey:      s.LLMAPIKey,
		BaseURL:     s.LLMBaseURL,
		Model:       s.LLMModel,
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
		HTTPTimeout: s.LLMTimeout,
		MaxRetries:  3,
		BackoffBase: time.Second,
		BackoffCap:  60 * time.Second,
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0, got %f", c.Temperature)
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 1
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	return nil
}
