package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/WessleyAI/docrag/engine/domain"
)

// Anthropic generates with the Claude Messages API.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic creates a Claude generator. Extra options (base URL, HTTP
// client) are passed through to the SDK.
func NewAnthropic(apiKey, model string, opts ...option.RequestOption) *Anthropic {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Anthropic{client: anthropic.NewClient(opts...), model: model}
}

func (a *Anthropic) Name() string  { return "anthropic" }
func (a *Anthropic) Model() string { return a.model }

// Generate implements Generator.
func (a *Anthropic) Generate(ctx context.Context, req Request) (*Completion, error) {
	system, turns := splitSystem(req.Messages)
	turns = alternate(turns)

	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(t.Content)
		if t.Role == domain.RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(req.MaxTokens),
		Messages:    msgs,
		Temperature: anthropic.Float(req.Temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Completion{
		Text:         text.String(),
		Model:        string(resp.Model),
		TokensUsed:   int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		FinishReason: string(resp.StopReason),
	}, nil
}
