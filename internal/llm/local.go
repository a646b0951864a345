package llm

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const (
	defaultLocalBaseURL = "http://localhost:11434/v1"
	defaultLocalModel   = "llama3.1"
	defaultLocalTimeout = 2 * time.Minute
)

type LocalConfig struct {
	Model         string
	BaseURL       string
	Timeout       time.Duration
	JSONResponses bool
}

// LocalProvider talks to a self-hosted OpenAI-compatible server (Ollama,
// llama.cpp, vLLM) that needs no API key.
type LocalProvider struct {
	model         string
	baseURL       string
	jsonResponses bool
	client        *http.Client
}

func NewLocalProvider(cfg LocalConfig) *LocalProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultLocalTimeout
	}
	return &LocalProvider{
		model:         defaultIfEmpty(cfg.Model, defaultLocalModel),
		baseURL:       strings.TrimRight(defaultIfEmpty(cfg.BaseURL, defaultLocalBaseURL), "/"),
		jsonResponses: cfg.JSONResponses,
		client:        &http.Client{Timeout: timeout},
	}
}

func (p *LocalProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	return chatCompletion(ctx, p.client, p.baseURL, "", p.model, p.jsonResponses, messages)
}
