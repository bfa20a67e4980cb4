// Package llm provides the language model providers, the fixed system prompt and the
// extraction of candidate SQL from free-form model output.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Temperature is the sampling temperature sent on every model call. Extraction
// relies on low variance in the model's phrasing, so it is always the minimum.
const Temperature = 0

const (
	ProviderMistral   = "mistral"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

const defaultMaxTokens = 512

// Provider defines the interface for LLM integrations.
type Provider interface {
	// Complete sends one system turn and one user turn and returns the raw text
	// of the model's reply.
	Complete(ctx context.Context, system, user string) (string, error)

	// Name returns the provider name for logging/debugging.
	Name() string
}

// Config holds LLM provider configuration.
type Config struct {
	Provider  string        // "mistral", "openai" or "anthropic"
	APIKey    string        // API key for the provider
	Model     string        // Model name (e.g., "mistral-small-latest")
	BaseURL   string        // Base URL (for proxies and compatible services)
	MaxTokens int           // Max tokens for response (0 = provider default)
	Timeout   time.Duration // HTTP client timeout (0 = 60s)
}

// NewProvider creates an LLM provider based on configuration.
func NewProvider(cfg Config) (Provider, error) {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Provider == "" {
		cfg.Provider = ProviderMistral
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.Timeout <= 0 {
		client.Timeout = 60 * time.Second
	}

	switch cfg.Provider {
	case ProviderMistral:
		if cfg.Model == "" {
			cfg.Model = "mistral-small-latest"
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.mistral.ai/v1"
		}
		return NewOpenAIProvider(ProviderMistral, cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.MaxTokens, client), nil

	case ProviderOpenAI:
		if cfg.Model == "" {
			cfg.Model = "gpt-4o"
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.openai.com/v1"
		}
		return NewOpenAIProvider(ProviderOpenAI, cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.MaxTokens, client), nil

	case ProviderAnthropic:
		if cfg.Model == "" {
			cfg.Model = "claude-sonnet-4-20250514"
		}
		return NewAnthropicProvider(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.MaxTokens, client), nil

	default:
		return nil, fmt.Errorf("unknown LLM provider: %q (supported: mistral, openai, anthropic)", cfg.Provider)
	}
}
