// Package rag answers questions over the ingested documents. A query runs
// RETRIEVE → FORMAT → GENERATE → RESPOND as composed pipeline stages.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/WessleyAI/docrag/engine/domain"
	"github.com/WessleyAI/docrag/engine/generate"
	"github.com/WessleyAI/docrag/pkg/fn"
	"github.com/WessleyAI/docrag/pkg/metrics"
)

// NoContextMarker is the formatted context when retrieval finds nothing.
const NoContextMarker = "No relevant context found."

// Answer status values. StatusGenerationFailed accompanies the
// "Error generating answer" text and finish reason "error".
const (
	StatusOK               = "ok"
	StatusGenerationFailed = "generation_failed"
	StatusNoUserMessage    = "no_user_message"

	FinishReasonError = "error"
)

const defaultSystemPrompt = `You are a helpful AI assistant that answers questions based on provided documents.
Use the provided context to answer questions accurately and comprehensively.
If the context doesn't contain enough information, say so and provide what you can based on the available context.
Always cite the source when using information from the context.
Be clear, concise, and informative in your answers.
Answer in Indonesian or English based on the question language.`

// Embedder turns the question into a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the similarity half of the vector store.
type Searcher interface {
	SimilaritySearch(ctx context.Context, query []float32, topK int, documentID *int64) ([]domain.RetrievalResult, error)
}

// Expander widens a retrieved chunk with its neighbours in the document.
type Expander interface {
	Expand(ctx context.Context, r domain.RetrievalResult, window int) (string, error)
}

// Options configures the pipeline.
type Options struct {
	TopK          int
	MinSimilarity float64
	Temperature   float64
	MaxTokens     int
	// HistoryLimit keeps the most recent N chat turns; 0 keeps all.
	HistoryLimit int
	// ExpandWindow is the neighbour radius used when an Expander is set.
	ExpandWindow  int
	SearchTimeout time.Duration
	SystemPrompt  string
}

// DefaultOptions returns the stock retrieval settings.
func DefaultOptions() Options {
	return Options{
		TopK:          5,
		MinSimilarity: 0.3,
		Temperature:   0.7,
		MaxTokens:     1000,
		HistoryLimit:  20,
		SearchTimeout: 10 * time.Second,
	}
}

// Service is the RAG orchestrator.
type Service struct {
	embedder Embedder
	searcher Searcher
	gen      generate.Generator
	expander Expander
	metrics  *metrics.RAG
	opts     Options
	logger   *slog.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithExpander enables neighbour expansion of retrieved chunks.
func WithExpander(e Expander) Option { return func(s *Service) { s.expander = e } }

// WithMetrics records query series on m.
func WithMetrics(m *metrics.RAG) Option { return func(s *Service) { s.metrics = m } }

// New creates a Service.
func New(e Embedder, search Searcher, gen generate.Generator, opts Options, logger *slog.Logger, extra ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = def.MaxTokens
	}
	s := &Service{embedder: e, searcher: search, gen: gen, opts: opts, logger: logger}
	for _, o := range extra {
		o(s)
	}
	return s
}

// Answer is the outcome of one generation call.
type Answer struct {
	Text         string
	Model        string
	TokensUsed   int
	FinishReason string
	Status       string
	Error        string
}

// Source is a retrieval result echoed back to the caller.
type Source struct {
	Text       string  `json:"text"`
	Filename   string  `json:"filename"`
	Similarity float64 `json:"similarity"`
	ChunkIndex int     `json:"chunk_index"`
	DocumentID int64   `json:"document_id"`
}

// QueryRequest is a single-turn question.
type QueryRequest struct {
	Question   string
	TopK       int
	DocumentID *int64
	// MinSimilarity nil means Options.MinSimilarity.
	MinSimilarity  *float64
	SystemPrompt   string
	History        []domain.Turn
	IncludeSources bool
}

// ChatRequest is a multi-turn conversation; the last user turn is the query.
type ChatRequest struct {
	Messages     []domain.Turn
	TopK         int
	DocumentID   *int64
	SystemPrompt string
}

// Response is returned by Query and Chat.
type Response struct {
	Question     string   `json:"question,omitempty"`
	Answer       string   `json:"answer"`
	Model        string   `json:"model,omitempty"`
	TokensUsed   int      `json:"tokens_used"`
	NumSources   int      `json:"num_sources"`
	Sources      []Source `json:"sources,omitzero"`
	FinishReason string   `json:"finish_reason,omitempty"`
	Status       string   `json:"status"`
	Error        string   `json:"error,omitempty"`
}

// RetrieveContext embeds query, searches topK chunks and drops every result
// below minSimilarity. Fewer than topK results may come back, never more.
func (s *Service) RetrieveContext(ctx context.Context, query string, topK int, documentID *int64, minSimilarity float64) ([]domain.RetrievalResult, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, domain.Upstream(domain.StageEmbed, err)
	}

	searchCtx := ctx
	if s.opts.SearchTimeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, s.opts.SearchTimeout)
		defer cancel()
	}
	results, err := s.searcher.SimilaritySearch(searchCtx, vec, topK, documentID)
	if err != nil {
		return nil, err
	}
	return fn.Filter(results, func(r domain.RetrievalResult) bool {
		return r.Similarity >= minSimilarity
	}), nil
}

// FormatContext renders results as numbered context blocks.
func FormatContext(results []domain.RetrievalResult) string {
	if len(results) == 0 {
		return NoContextMarker
	}
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = fmt.Sprintf("[Context %d] (from %s, similarity: %.2f)\n%s\n", i+1, r.Filename, r.Similarity, r.Text)
	}
	return strings.Join(parts, "\n")
}

// GenerateAnswer asks the generator to answer query from context. It never
// fails: a backend error becomes an Answer with Status generation_failed.
func (s *Service) GenerateAnswer(ctx context.Context, query, contextText, systemPrompt string, history []domain.Turn) Answer {
	if systemPrompt == "" {
		systemPrompt = s.opts.SystemPrompt
	}
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	msgs := make([]domain.Turn, 0, len(history)+2)
	msgs = append(msgs, domain.Turn{Role: domain.RoleSystem, Content: systemPrompt})
	msgs = append(msgs, history...)
	msgs = append(msgs, domain.Turn{
		Role:    domain.RoleUser,
		Content: "Context:\n" + contextText + "\n\nQuestion: " + query + "\n\nPlease provide a detailed answer based on the context above.",
	})

	c, err := s.gen.Generate(ctx, generate.Request{
		Messages:    msgs,
		Temperature: s.opts.Temperature,
		MaxTokens:   s.opts.MaxTokens,
	})
	if err != nil {
		s.logger.Error("rag: generation failed", "model", s.gen.Model(), "err", err)
		if s.metrics != nil {
			s.metrics.GenerationErrors.Inc()
		}
		return Answer{
			Text:         "Error generating answer: " + err.Error(),
			Model:        s.gen.Model(),
			FinishReason: FinishReasonError,
			Status:       StatusGenerationFailed,
			Error:        err.Error(),
		}
	}
	model := c.Model
	if model == "" {
		model = s.gen.Model()
	}
	return Answer{
		Text:         c.Text,
		Model:        model,
		TokensUsed:   c.TokensUsed,
		FinishReason: c.FinishReason,
		Status:       StatusOK,
	}
}

// run carries one request through the pipeline.
type run struct {
	req     QueryRequest
	minSim  float64
	results []domain.RetrievalResult
	context string
	answer  Answer
}

func (s *Service) pipeline() fn.Stage[*run, *Response] {
	retrieve := fn.TracedStage("rag.retrieve", fn.LiftStage(func(ctx context.Context, r *run) (*run, error) {
		res, err := s.RetrieveContext(ctx, r.req.Question, r.req.TopK, r.req.DocumentID, r.minSim)
		if err != nil {
			return nil, err
		}
		r.results = res
		return r, nil
	}))
	format := fn.TracedStage("rag.format", func(ctx context.Context, r *run) fn.Result[*run] {
		r.context = FormatContext(s.expand(ctx, r.results))
		return fn.Ok(r)
	})
	gen := fn.TracedStage("rag.generate", func(ctx context.Context, r *run) fn.Result[*run] {
		r.answer = s.GenerateAnswer(ctx, r.req.Question, r.context, r.req.SystemPrompt, r.req.History)
		return fn.Ok(r)
	})
	respond := fn.MapStage(func(r *run) *Response {
		resp := &Response{
			Question:     r.req.Question,
			Answer:       r.answer.Text,
			Model:        r.answer.Model,
			TokensUsed:   r.answer.TokensUsed,
			NumSources:   len(r.results),
			FinishReason: r.answer.FinishReason,
			Status:       r.answer.Status,
			Error:        r.answer.Error,
		}
		if r.req.IncludeSources {
			resp.Sources = fn.Map(r.results, func(x domain.RetrievalResult) Source {
				return Source{Text: x.Text, Filename: x.Filename, Similarity: x.Similarity, ChunkIndex: x.ChunkIndex, DocumentID: x.DocumentID}
			})
		}
		return resp
	})
	return fn.Then(fn.Then(fn.Then(retrieve, format), gen), respond)
}

// expand replaces each result's text with its neighbourhood. Failures are
// logged and the chunk keeps its own text.
func (s *Service) expand(ctx context.Context, results []domain.RetrievalResult) []domain.RetrievalResult {
	if s.expander == nil || s.opts.ExpandWindow <= 0 || len(results) == 0 {
		return results
	}
	out := make([]domain.RetrievalResult, len(results))
	for i, r := range results {
		out[i] = r
		text, err := s.expander.Expand(ctx, r, s.opts.ExpandWindow)
		if err != nil {
			s.logger.Warn("rag: neighbour expansion failed, continuing without", "chunk_id", r.ChunkID, "err", err)
			continue
		}
		out[i].Text = text
	}
	return out
}

// Query answers a single question.
func (s *Service) Query(ctx context.Context, req QueryRequest) (*Response, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return nil, domain.NewValidationError("question", "is required", domain.ErrMissingField)
	}
	if req.TopK <= 0 {
		req.TopK = s.opts.TopK
	}
	minSim := s.opts.MinSimilarity
	if req.MinSimilarity != nil {
		minSim = *req.MinSimilarity
	}

	start := time.Now()
	s.logger.Info("rag query start", "question_len", len(req.Question), "top_k", req.TopK, "history", len(req.History))
	resp, err := s.pipeline()(ctx, &run{req: req, minSim: minSim}).Unwrap()
	if err != nil {
		s.logger.Error("rag query failed", "err", err)
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.Queries.Inc()
		s.metrics.QueryDuration.Since(start)
		s.metrics.SourcesPerQuery.Observe(float64(resp.NumSources))
	}
	s.logger.Info("rag query done", "sources", resp.NumSources, "tokens", resp.TokensUsed,
		"status", resp.Status, "duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}

// Chat answers the last user turn of a conversation, forwarding every turn
// before it as history.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (*Response, error) {
	if err := domain.ValidateTurns(req.Messages); err != nil {
		return nil, err
	}
	_, last := fn.Last(req.Messages, func(t domain.Turn) bool { return t.Role == domain.RoleUser })
	if last < 0 {
		return &Response{
			Answer: "No user message found",
			Error:  "no user message found",
			Status: StatusNoUserMessage,
		}, nil
	}

	history := req.Messages[:last]
	if n := s.opts.HistoryLimit; n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	return s.Query(ctx, QueryRequest{
		Question:       req.Messages[last].Content,
		TopK:           req.TopK,
		DocumentID:     req.DocumentID,
		SystemPrompt:   req.SystemPrompt,
		History:        history,
		IncludeSources: true,
	})
}
