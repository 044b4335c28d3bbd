// Package ollama is a minimal client for a local Ollama server's embedding
// and chat endpoints.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to Ollama's HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a client for baseURL, e.g. http://localhost:11434.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama: status %d: %s", e.Code, e.Body)
}

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	var out embedResp
	if err := c.post(ctx, "/api/embed", embedReq{Model: model, Input: texts}, &out); err != nil {
		return nil, fmt.Errorf("ollama: embed: %w", err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama: embed: got %d vectors for %d inputs", len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}

// Message is a chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions are sampling parameters.
type ChatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatReq struct {
	Model    string      `json:"model"`
	Messages []Message   `json:"messages"`
	Stream   bool        `json:"stream"`
	Options  ChatOptions `json:"options"`
}

// ChatResponse is a completed, non-streamed chat reply.
type ChatResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	DoneReason      string  `json:"done_reason"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
}

// Chat runs a non-streaming chat completion.
func (c *Client) Chat(ctx context.Context, model string, msgs []Message, opts ChatOptions) (*ChatResponse, error) {
	var out ChatResponse
	if err := c.post(ctx, "/api/chat", chatReq{Model: model, Messages: msgs, Options: opts}, &out); err != nil {
		return nil, fmt.Errorf("ollama: chat: %w", err)
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
