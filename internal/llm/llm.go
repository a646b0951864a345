package llm

import (
	"context"
	"time"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Provider interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

type Config struct {
	Mode             string
	Provider         string
	Model            string
	BaseURL          string
	OpenAIAPIKey     string
	OpenRouterAPIKey string
	Timeout          time.Duration
	// JSONResponses asks the provider for a JSON object response when the
	// API supports it.
	JSONResponses bool
}

// NewProvider returns nil for the heuristic mode; callers plan without a
// model in that case.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Mode {
	case "heuristic":
		return nil, nil
	case "local":
		return NewLocalProvider(LocalConfig{
			Model:         defaultIfEmpty(cfg.Model, defaultLocalModel),
			BaseURL:       cfg.BaseURL,
			Timeout:       cfg.Timeout,
			JSONResponses: cfg.JSONResponses,
		}), nil
	}

	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:        cfg.OpenAIAPIKey,
			Model:         cfg.Model,
			BaseURL:       cfg.BaseURL,
			Timeout:       cfg.Timeout,
			JSONResponses: cfg.JSONResponses,
		}), nil
	case "openrouter":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:        cfg.OpenRouterAPIKey,
			Model:         cfg.Model,
			BaseURL:       defaultIfEmpty(cfg.BaseURL, "https://openrouter.ai/api/v1"),
			Timeout:       cfg.Timeout,
			JSONResponses: cfg.JSONResponses,
		}), nil
	default:
		return nil, ErrUnsupportedProvider{Provider: cfg.Provider}
	}
}

func defaultIfEmpty(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
