package generate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/docrag/engine/config"
	"github.com/WessleyAI/docrag/pkg/ollama"
)

// New builds the generator selected by cfg.Backend, wrapped in Guarded.
func New(ctx context.Context, cfg config.Generation, logger *slog.Logger) (Generator, error) {
	var g Generator
	switch cfg.Backend {
	case "openai":
		g = NewOpenAI(cfg.OpenAIURL, cfg.OpenAIKey, cfg.Model)
	case "azure":
		g = NewAzure(cfg.Azure.Endpoint, cfg.Azure.APIKey, cfg.Azure.Deployment, cfg.Azure.APIVersion)
	case "anthropic":
		g = NewAnthropic(cfg.AnthropicKey, cfg.Model)
	case "gemini":
		gem, err := NewGemini(ctx, cfg.GeminiKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		g = gem
	case "ollama":
		g = NewOllama(ollama.New(cfg.OllamaURL, cfg.Timeout), cfg.Model)
	default:
		return nil, fmt.Errorf("generate: unknown backend %q", cfg.Backend)
	}
	return NewGuarded(g, cfg.Timeout, logger), nil
}
