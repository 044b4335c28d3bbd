package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// OpenAIConfig configures the public OpenAI embeddings API.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// AzureConfig configures an Azure OpenAI embedding deployment.
type AzureConfig struct {
	Endpoint   string
	APIKey     string
	Deployment string
	APIVersion string
}

// NewOpenAI embeds with the OpenAI embeddings endpoint.
func NewOpenAI(cfg OpenAIConfig, opts Options) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	h := &httpEmbedder{
		url:   base + "/embeddings",
		model: cfg.Model,
		auth:  func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+cfg.APIKey) },
		http:  &http.Client{},
	}
	return newClient("openai", h.embed, opts)
}

// NewAzure embeds with an Azure OpenAI deployment.
func NewAzure(cfg AzureConfig, opts Options) *Client {
	u := fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
		strings.TrimRight(cfg.Endpoint, "/"), url.PathEscape(cfg.Deployment), url.QueryEscape(cfg.APIVersion))
	h := &httpEmbedder{
		url:  u,
		auth: func(r *http.Request) { r.Header.Set("api-key", cfg.APIKey) },
		http: &http.Client{},
	}
	return newClient("azure", h.embed, opts)
}

type httpEmbedder struct {
	url   string
	model string
	auth  func(*http.Request)
	http  *http.Client
}

type embeddingsReq struct {
	Input []string `json:"input"`
	Model string   `json:"model,omitempty"`
}

type embeddingsResp struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (h *httpEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingsReq{Input: texts, Model: h.model})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	h.auth(req)

	resp, err := h.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out embeddingsResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	sort.SliceStable(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}
