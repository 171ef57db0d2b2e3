// Package resolve selects and constructs a diligent.Provider from config,
// the way a CLI or session manager would wire one up at startup.
package resolve

import (
	"fmt"

	"github.com/nevindra/diligent"
	"github.com/nevindra/diligent/provider/anthropic"
	"github.com/nevindra/diligent/provider/openai"
)

// Config names the provider to construct and its credentials. Model lives
// alongside it here because some gateways key default model selection off
// the same config block, but callers are free to override per-call.
type Config struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

// Provider builds a diligent.Provider for cfg.Provider. Supported values
// are "anthropic" and "openai" (an empty name selects anthropic); anything
// else is a config error.
func Provider(cfg Config) (diligent.Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("resolve: missing API key for provider %q", cfg.Provider)
	}
	switch cfg.Provider {
	case "anthropic", "":
		return anthropic.New(cfg.APIKey, cfg.BaseURL), nil
	case "openai":
		return openai.New(cfg.APIKey, cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

// DefaultModel returns a sensible default model id for cfg.Provider when
// the caller hasn't configured one explicitly.
func DefaultModel(providerName string) string {
	switch providerName {
	case "openai":
		return "gpt-4o"
	default:
		return "claude-sonnet-4-5"
	}
}
