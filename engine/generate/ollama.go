package generate

import (
	"context"

	"github.com/WessleyAI/docrag/pkg/ollama"
)

// Ollama generates with a locally served model.
type Ollama struct {
	client *ollama.Client
	model  string
}

// NewOllama creates an Ollama generator.
func NewOllama(client *ollama.Client, model string) *Ollama {
	return &Ollama{client: client, model: model}
}

func (o *Ollama) Name() string  { return "ollama" }
func (o *Ollama) Model() string { return o.model }

// Generate implements Generator.
func (o *Ollama) Generate(ctx context.Context, req Request) (*Completion, error) {
	msgs := make([]ollama.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	resp, err := o.client.Chat(ctx, o.model, msgs, ollama.ChatOptions{
		Temperature: req.Temperature,
		NumPredict:  req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return &Completion{
		Text:         resp.Message.Content,
		Model:        resp.Model,
		TokensUsed:   resp.PromptEvalCount + resp.EvalCount,
		FinishReason: resp.DoneReason,
	}, nil
}
