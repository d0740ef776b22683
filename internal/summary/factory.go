package summary

import (
	"context"
	"fmt"
)

// Config selects and configures a summary provider.
type Config struct {
	// Provider is one of "openai", "anthropic", "googleai", or "mock".
	Provider string

	// Model is the provider-specific model name, e.g. "gpt-4o-mini".
	Model string

	// APIKey authenticates against the provider. Unused by mock.
	APIKey string

	// BaseURL overrides the provider endpoint. Only honored by openai,
	// which is useful for proxies and compatible gateways.
	BaseURL string
}

// NewGenerator builds the Generator named by cfg.Provider. The google
// client owns a connection and should be closed on shutdown; callers can
// type-assert for io.Closer to handle that uniformly.
func NewGenerator(ctx context.Context, cfg Config) (Generator, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("summary: openai provider requires an API key")
		}
		return NewOpenAIGenerator(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("summary: anthropic provider requires an API key")
		}
		return NewAnthropicGenerator(cfg.APIKey, cfg.Model)
	case "googleai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("summary: googleai provider requires an API key")
		}
		return NewGoogleGenerator(ctx, cfg.APIKey, cfg.Model)
	case "mock", "":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("summary: unknown provider %q", cfg.Provider)
	}
}
