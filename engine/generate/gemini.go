package generate

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/WessleyAI/docrag/engine/domain"
)

// Gemini generates with the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini generator.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Name() string  { return "gemini" }
func (g *Gemini) Model() string { return g.model }

// Generate implements Generator.
func (g *Gemini) Generate(ctx context.Context, req Request) (*Completion, error) {
	system, turns := splitSystem(req.Messages)

	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := genai.Role(genai.RoleUser)
		if t.Role == domain.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Content, role))
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}

	var text strings.Builder
	finish := ""
	if len(resp.Candidates) > 0 {
		c := resp.Candidates[0]
		finish = strings.ToLower(string(c.FinishReason))
		if c.Content != nil {
			for _, p := range c.Content.Parts {
				text.WriteString(p.Text)
			}
		}
	}
	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	model := resp.ModelVersion
	if model == "" {
		model = g.model
	}
	return &Completion{Text: text.String(), Model: model, TokensUsed: tokens, FinishReason: finish}, nil
}
