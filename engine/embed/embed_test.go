package embed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WessleyAI/docrag/engine/config"
	"github.com/WessleyAI/docrag/engine/domain"
	"github.com/WessleyAI/docrag/pkg/ollama"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// vecFor encodes the text's position so order can be checked.
func vecFor(text string) []float32 { return []float32{float32(len(text)), 1} }

func fakeClient(call batchFunc) *Client {
	c := newClient("fake", call, Options{Dimension: 2, BatchSize: 2, Logger: quiet})
	c.retry.InitialWait = time.Millisecond
	c.retry.Jitter = false
	return c
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	var calls atomic.Int32
	c := fakeClient(func(_ context.Context, texts []string) ([][]float32, error) {
		calls.Add(1)
		out := make([][]float32, len(texts))
		for i, s := range texts {
			out[i] = vecFor(s)
		}
		return out, nil
	})
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := c.EmbedBatch(context.Background(), texts, 0)
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 batch calls, got %d", calls.Load())
	}
	for i, v := range vecs {
		if int(v[0]) != len(texts[i]) {
			t.Fatalf("vector %d out of order: %v", i, v)
		}
	}
}

// Second of three batches fails: the first batch's vectors come back with the error.
func TestEmbedBatchPartialResult(t *testing.T) {
	var calls int
	c := fakeClient(func(_ context.Context, texts []string) ([][]float32, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("backend exploded")
		}
		return [][]float32{{1, 0}, {0, 1}}, nil
	})
	vecs, err := c.EmbedBatch(context.Background(), []string{"1", "2", "3", "4", "5", "6"}, 2)

	var ue *domain.UpstreamError
	if !errors.As(err, &ue) || ue.Stage != domain.StageEmbed {
		t.Fatalf("expected embed UpstreamError, got %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected first batch (2 vectors) retained, got %d", len(vecs))
	}
	if calls != 2 {
		t.Fatalf("third batch must not run, calls=%d", calls)
	}

	chunks := []domain.Chunk{{Text: "1"}, {Text: "2"}, {Text: "3"}, {Text: "4"}, {Text: "5"}, {Text: "6"}}
	calls = 0
	got, err := EmbedChunks(context.Background(), c, chunks, 2)
	if err == nil || got != nil {
		t.Fatalf("EmbedChunks must discard partial vectors, got %v, %v", got, err)
	}
}

func TestDimensionMismatch(t *testing.T) {
	c := fakeClient(func(_ context.Context, texts []string) ([][]float32, error) {
		return [][]float32{{1, 2, 3}}, nil
	})
	_, err := c.Embed(context.Background(), "x")
	var de *DimensionError
	if !errors.As(err, &de) || de.Want != 2 || de.Got != 3 {
		t.Fatalf("expected DimensionError, got %v", err)
	}
}

func TestTransientErrorsRetried(t *testing.T) {
	var calls int
	c := fakeClient(func(_ context.Context, texts []string) ([][]float32, error) {
		calls++
		if calls == 1 {
			return nil, &StatusError{Code: 503, Body: "busy"}
		}
		return [][]float32{{1, 1}}, nil
	})
	if _, err := c.Embed(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected retry, calls=%d", calls)
	}

	calls = 0
	c = fakeClient(func(_ context.Context, texts []string) ([][]float32, error) {
		calls++
		return nil, &StatusError{Code: 400, Body: "bad input"}
	})
	if _, err := c.Embed(context.Background(), "x"); err == nil || calls != 1 {
		t.Fatalf("400 must not be retried, calls=%d err=%v", calls, err)
	}
}

func TestEmbedChunks(t *testing.T) {
	c := fakeClient(func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, s := range texts {
			out[i] = vecFor(s)
		}
		return out, nil
	})
	in := []domain.Chunk{{Index: 0, Text: "ab"}, {Index: 1, Text: "abc"}}
	out, err := EmbedChunks(context.Background(), c, in, 1)
	if err != nil {
		t.Fatal(err)
	}
	if in[0].Embedding != nil {
		t.Fatal("input chunks must not be mutated")
	}
	if out[1].Embedding[0] != 3 || out[1].Index != 1 {
		t.Fatalf("unexpected %+v", out[1])
	}
}

func TestOpenAIBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" || r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("unexpected request %s %v", r.URL.Path, r.Header)
		}
		var req embeddingsReq
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "text-embedding-3-small" || len(req.Input) != 2 {
			t.Errorf("unexpected body %+v", req)
		}
		w.Write([]byte(`{"data":[{"index":1,"embedding":[0,2]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(OpenAIConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "text-embedding-3-small"},
		Options{Dimension: 2, Logger: quiet})
	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b"}, 16)
	if err != nil {
		t.Fatal(err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 2 {
		t.Fatalf("expected index ordering, got %v", vecs)
	}
	if c.Name() != "openai" || c.Dimension() != 2 {
		t.Fatalf("unexpected name/dim %s/%d", c.Name(), c.Dimension())
	}
}

func TestAzureBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/deployments/emb-large/embeddings" ||
			r.URL.Query().Get("api-version") != "2023-05-15" ||
			r.Header.Get("api-key") != "az-key" {
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		w.Write([]byte(`{"data":[{"index":0,"embedding":[0.5,0.5]}]}`))
	}))
	defer srv.Close()

	c := NewAzure(AzureConfig{Endpoint: srv.URL, APIKey: "az-key", Deployment: "emb-large", APIVersion: "2023-05-15"},
		Options{Dimension: 2, Logger: quiet})
	v, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if v[0] != 0.5 {
		t.Fatalf("unexpected %v", v)
	}
}

func TestOllamaBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings":[[1,2],[3,4]]}`))
	}))
	defer srv.Close()

	c := NewOllama(ollama.New(srv.URL, time.Second), "all-minilm", Options{Dimension: 2, Logger: quiet})
	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b"}, 32)
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 2 || vecs[1][0] != 3 {
		t.Fatalf("unexpected %v", vecs)
	}
}

func TestNewUnknownBackend(t *testing.T) {
	if _, err := New(context.Background(), config.Embedding{Backend: "word2vec"}, quiet); err == nil {
		t.Fatal("expected error")
	}
	e, err := New(context.Background(), config.Embedding{Backend: "ollama", Dimension: 384, OllamaURL: "http://localhost:11434"}, quiet)
	if err != nil || e.Name() != "ollama" || e.Dimension() != 384 {
		t.Fatalf("unexpected %v %v", e, err)
	}
}
