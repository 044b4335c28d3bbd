package embed

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// NewGemini embeds with the Gemini API. Dimension is requested as the
// output dimensionality.
func NewGemini(ctx context.Context, apiKey, model string, opts Options) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("embed: gemini client: %w", err)
	}
	cfg := &genai.EmbedContentConfig{}
	if opts.Dimension > 0 {
		dim := int32(opts.Dimension)
		cfg.OutputDimensionality = &dim
	}
	return newClient("gemini", func(ctx context.Context, texts []string) ([][]float32, error) {
		contents := make([]*genai.Content, len(texts))
		for i, t := range texts {
			contents[i] = genai.NewContentFromText(t, genai.RoleUser)
		}
		res, err := client.Models.EmbedContent(ctx, model, contents, cfg)
		if err != nil {
			return nil, err
		}
		vecs := make([][]float32, len(res.Embeddings))
		for i, e := range res.Embeddings {
			vecs[i] = e.Values
		}
		return vecs, nil
	}, opts), nil
}
