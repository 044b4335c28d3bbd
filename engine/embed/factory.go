package embed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/docrag/engine/config"
	"github.com/WessleyAI/docrag/pkg/ollama"
)

// New builds the embedder selected by cfg.Backend.
func New(ctx context.Context, cfg config.Embedding, logger *slog.Logger) (Embedder, error) {
	opts := Options{
		Dimension: cfg.Dimension,
		BatchSize: cfg.BatchSize,
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		Logger:    logger,
	}
	switch cfg.Backend {
	case "ollama":
		opts.RateLimit = 0
		return NewOllama(ollama.New(cfg.OllamaURL, cfg.Timeout), cfg.Model, opts), nil
	case "openai":
		return NewOpenAI(OpenAIConfig{BaseURL: cfg.OpenAIURL, APIKey: cfg.OpenAIKey, Model: cfg.Model}, opts), nil
	case "azure":
		return NewAzure(AzureConfig{
			Endpoint:   cfg.Azure.Endpoint,
			APIKey:     cfg.Azure.APIKey,
			Deployment: cfg.Azure.Deployment,
			APIVersion: cfg.Azure.APIVersion,
		}, opts), nil
	case "gemini":
		return NewGemini(ctx, cfg.GeminiKey, cfg.Model, opts)
	default:
		return nil, fmt.Errorf("embed: unknown backend %q", cfg.Backend)
	}
}
