package embed

import (
	"context"

	"github.com/WessleyAI/docrag/pkg/ollama"
)

// NewOllama embeds with a locally served Ollama model.
func NewOllama(client *ollama.Client, model string, opts Options) *Client {
	return newClient("ollama", func(ctx context.Context, texts []string) ([][]float32, error) {
		return client.Embed(ctx, model, texts)
	}, opts)
}
