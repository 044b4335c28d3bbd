// Package generate produces answers from a chat-style language model.
// Backends: OpenAI, Azure OpenAI, Anthropic, Gemini and Ollama.
package generate

import (
	"context"
	"strings"

	"github.com/WessleyAI/docrag/engine/domain"
)

// Request is one completion call. Messages may start with system turns.
type Request struct {
	Messages    []domain.Turn
	Temperature float64
	MaxTokens   int
}

// Completion is a generated answer.
type Completion struct {
	Text         string
	Model        string
	TokensUsed   int
	FinishReason string
}

// Generator is the generative backend capability.
type Generator interface {
	Name() string
	Model() string
	Generate(ctx context.Context, req Request) (*Completion, error)
}

// splitSystem separates system turns from the conversation. Multiple
// system turns are joined with a blank line.
func splitSystem(msgs []domain.Turn) (string, []domain.Turn) {
	var sys []string
	rest := make([]domain.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			sys = append(sys, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(sys, "\n\n"), rest
}

// alternate merges consecutive turns of the same role and drops leading
// assistant turns, for APIs that require strict user/assistant alternation.
func alternate(msgs []domain.Turn) []domain.Turn {
	var out []domain.Turn
	for _, m := range msgs {
		if len(out) == 0 && m.Role != domain.RoleUser {
			continue
		}
		if len(out) > 0 && out[len(out)-1].Role == m.Role {
			out[len(out)-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}
