package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/WessleyAI/docrag/engine/domain"
)

// OpenAI calls an OpenAI-compatible chat completions endpoint. The same type
// serves Azure OpenAI deployments.
type OpenAI struct {
	name  string
	url   string
	model string
	auth  func(*http.Request)
	http  *http.Client
}

// NewOpenAI targets the public OpenAI API.
func NewOpenAI(baseURL, apiKey, model string) *OpenAI {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &OpenAI{
		name:  "openai",
		url:   base + "/chat/completions",
		model: model,
		auth:  func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+apiKey) },
		http:  &http.Client{},
	}
}

// NewAzure targets an Azure OpenAI chat deployment.
func NewAzure(endpoint, apiKey, deployment, apiVersion string) *OpenAI {
	return &OpenAI{
		name: "azure",
		url: fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			strings.TrimRight(endpoint, "/"), url.PathEscape(deployment), url.QueryEscape(apiVersion)),
		model: deployment,
		auth:  func(r *http.Request) { r.Header.Set("api-key", apiKey) },
		http:  &http.Client{},
	}
}

func (o *OpenAI) Name() string  { return o.name }
func (o *OpenAI) Model() string { return o.model }

type chatReq struct {
	Model       string        `json:"model,omitempty"`
	Messages    []domain.Turn `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResp struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      domain.Turn `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate implements Generator.
func (o *OpenAI) Generate(ctx context.Context, req Request) (*Completion, error) {
	in := chatReq{Messages: req.Messages, Temperature: req.Temperature, MaxTokens: req.MaxTokens}
	if o.name == "openai" {
		in.Model = o.model
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	o.auth(hreq)

	resp, err := o.http.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s: status %d: %s", o.name, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out chatResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", o.name, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s: no choices returned", o.name)
	}
	model := out.Model
	if model == "" {
		model = o.model
	}
	return &Completion{
		Text:         out.Choices[0].Message.Content,
		Model:        model,
		TokensUsed:   out.Usage.TotalTokens,
		FinishReason: out.Choices[0].FinishReason,
	}, nil
}
