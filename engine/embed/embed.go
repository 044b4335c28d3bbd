// Package embed turns text into fixed-dimension vectors through a local
// (Ollama) or remote (OpenAI, Azure OpenAI, Gemini) embedding model.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/docrag/engine/domain"
	"github.com/WessleyAI/docrag/pkg/fn"
	"github.com/WessleyAI/docrag/pkg/ollama"
	"github.com/WessleyAI/docrag/pkg/resilience"
)

// Embedder is the embedding capability shared by every backend.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch embeds texts in batches of batchSize, preserving order.
	// When batch k fails it returns the vectors of batches 0..k-1 together
	// with a non-nil error; callers must treat any error as total failure.
	EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error)
}

// batchFunc embeds one request-sized batch.
type batchFunc func(ctx context.Context, texts []string) ([][]float32, error)

// Client implements Embedder over a backend batch call.
type Client struct {
	name      string
	dim       int
	batchSize int
	timeout   time.Duration
	limiter   *resilience.Limiter
	retry     fn.RetryOpts
	call      batchFunc
	logger    *slog.Logger
}

// Options tune a Client.
type Options struct {
	Dimension int
	BatchSize int
	Timeout   time.Duration
	// RateLimit is batch requests per second; 0 disables pacing.
	RateLimit float64
	Logger    *slog.Logger
}

func newClient(name string, call batchFunc, opts Options) *Client {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	retry := fn.DefaultRetry
	retry.Retryable = isTransient
	return &Client{
		name:      name,
		dim:       opts.Dimension,
		batchSize: opts.BatchSize,
		timeout:   opts.Timeout,
		limiter:   resilience.NewLimiter(resilience.LimiterOpts{Rate: opts.RateLimit, Burst: 1}),
		retry:     retry,
		call:      call,
		logger:    opts.Logger,
	}
}

func (c *Client) Name() string   { return c.name }
func (c *Client) Dimension() int { return c.dim }

// Embed embeds a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text}, 1)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements Embedder. batchSize <= 0 uses the client default.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = c.batchSize
	}
	batches := fn.Chunk(texts, batchSize)
	out := make([][]float32, 0, len(texts))
	for k, batch := range batches {
		vecs, err := c.embedOne(ctx, batch)
		if err != nil {
			c.logger.Warn("embedding batch failed",
				"backend", c.name, "batch", k+1, "batches", len(batches), "embedded", len(out), "err", err)
			return out, domain.Upstream(domain.StageEmbed, fmt.Errorf("%s: batch %d/%d: %w", c.name, k+1, len(batches), err))
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) embedOne(ctx context.Context, batch []string) ([][]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return fn.Retry(ctx, c.retry, func(ctx context.Context) fn.Result[[][]float32] {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		vecs, err := c.call(cctx, batch)
		if err != nil {
			return fn.Err[[][]float32](err)
		}
		if len(vecs) != len(batch) {
			return fn.Errf[[][]float32]("got %d vectors for %d texts", len(vecs), len(batch))
		}
		for i, v := range vecs {
			if c.dim > 0 && len(v) != c.dim {
				return fn.Err[[][]float32](&DimensionError{Want: c.dim, Got: len(v), Index: i})
			}
		}
		return fn.Ok(vecs)
	}).Unwrap()
}

// DimensionError reports a vector whose length differs from the configured dimension.
type DimensionError struct {
	Want, Got, Index int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("vector %d has dimension %d, want %d", e.Index, e.Got, e.Want)
}

// StatusError is a non-2xx response from an HTTP embedding API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string { return fmt.Sprintf("status %d: %s", e.Code, e.Body) }

// isTransient retries throttling and server-side failures only.
func isTransient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 429 || se.Code >= 500
	}
	var oe *ollama.StatusError
	if errors.As(err, &oe) {
		return oe.Code == 429 || oe.Code >= 500
	}
	return false
}

// EmbedChunks returns copies of chunks with Embedding set. Partial results
// are discarded on error.
func EmbedChunks(ctx context.Context, e Embedder, chunks []domain.Chunk, batchSize int) ([]domain.Chunk, error) {
	texts := fn.Map(chunks, func(c domain.Chunk) string { return c.Text })
	vecs, err := e.EmbedBatch(ctx, texts, batchSize)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Chunk, len(chunks))
	for i, c := range chunks {
		c.Embedding = vecs[i]
		out[i] = c
	}
	return out, nil
}
