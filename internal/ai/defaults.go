package ai

import (
	"context"
	"strings"

	"github.com/suPer8Hu/convsync/internal/config"
)

// NewDefaultRegistry registers every provider the config knows about.
// The model passed at lookup time overrides the configured default.
func NewDefaultRegistry(cfg config.Config) *Registry {
	reg := NewRegistry()

	pick := func(model, fallback string) string {
		if m := strings.TrimSpace(model); m != "" {
			return m
		}
		return fallback
	}

	reg.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		return NewOllamaProvider(cfg.OllamaBaseURL, pick(model, cfg.OllamaModel)), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (Provider, error) {
		return NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey,
			pick(model, cfg.OpenRouterModel), cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	reg.Register("anthropic", func(ctx context.Context, model string) (Provider, error) {
		return NewAnthropicProvider(cfg.AnthropicBaseURL, cfg.AnthropicAPIKey,
			pick(model, cfg.AnthropicModel), cfg.AnthropicMaxToken), nil
	})
	reg.Register("openai", func(ctx context.Context, model string) (Provider, error) {
		return NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, pick(model, cfg.OpenAIModel)), nil
	})
	return reg
}

// DefaultModel is the configured model for a provider name.
func DefaultModel(cfg config.Config, provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openrouter":
		return cfg.OpenRouterModel
	case "anthropic":
		return cfg.AnthropicModel
	case "openai":
		return cfg.OpenAIModel
	default:
		return cfg.OllamaModel
	}
}
