package rag

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/WessleyAI/docrag/engine/domain"
	"github.com/WessleyAI/docrag/engine/generate"
	"github.com/WessleyAI/docrag/pkg/metrics"
)

// --- Mocks ---

type mockEmbedder struct {
	err   error
	calls []string
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.calls = append(m.calls, text)
	if m.err != nil {
		return nil, m.err
	}
	return []float32{1, 0}, nil
}

type mockSearcher struct {
	results []domain.RetrievalResult
	err     error
	topK    int
	docID   *int64
}

func (m *mockSearcher) SimilaritySearch(_ context.Context, _ []float32, topK int, documentID *int64) ([]domain.RetrievalResult, error) {
	m.topK, m.docID = topK, documentID
	if m.err != nil {
		return nil, m.err
	}
	if len(m.results) > topK {
		return m.results[:topK], nil
	}
	return m.results, nil
}

type mockGenerator struct {
	err  error
	reqs []generate.Request
}

func (m *mockGenerator) Name() string  { return "mock" }
func (m *mockGenerator) Model() string { return "mock-model" }
func (m *mockGenerator) Generate(_ context.Context, req generate.Request) (*generate.Completion, error) {
	m.reqs = append(m.reqs, req)
	if m.err != nil {
		return nil, m.err
	}
	return &generate.Completion{Text: "the answer", Model: "mock-model-v1", TokensUsed: 42, FinishReason: "stop"}, nil
}

type mockExpander struct{ err error }

func (m mockExpander) Expand(_ context.Context, r domain.RetrievalResult, _ int) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "before " + r.Text + " after", nil
}

func results(sims ...float64) []domain.RetrievalResult {
	out := make([]domain.RetrievalResult, len(sims))
	for i, s := range sims {
		out[i] = domain.RetrievalResult{ChunkID: int64(i + 1), DocumentID: 1, Text: "chunk text", Filename: "a.pdf", Similarity: s, ChunkIndex: i}
	}
	return out
}

func newService(search *mockSearcher, gen *mockGenerator, opts ...Option) (*Service, *mockEmbedder) {
	emb := &mockEmbedder{}
	return New(emb, search, gen, DefaultOptions(), nil, opts...), emb
}

func ptr[T any](v T) *T { return &v }

// --- Tests ---

func TestRetrieveContext_MinSimilarityFilter(t *testing.T) {
	s, _ := newService(&mockSearcher{results: results(0.9, 0.5, 0.3, 0.29)}, &mockGenerator{})
	got, err := s.RetrieveContext(context.Background(), "q", 10, nil, 0.3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	for _, r := range got {
		if r.Similarity < 0.3 {
			t.Errorf("similarity %v below threshold", r.Similarity)
		}
	}
}

func TestRetrieveContext_NeverMoreThanTopK(t *testing.T) {
	s, _ := newService(&mockSearcher{results: results(0.9, 0.8, 0.7, 0.6)}, &mockGenerator{})
	got, err := s.RetrieveContext(context.Background(), "q", 2, nil, 0)
	if err != nil || len(got) != 2 {
		t.Fatalf("got %d results, err %v", len(got), err)
	}
}

func TestRetrieveContext_EmbedError(t *testing.T) {
	s := New(&mockEmbedder{err: errors.New("down")}, &mockSearcher{}, &mockGenerator{}, DefaultOptions(), nil)
	_, err := s.RetrieveContext(context.Background(), "q", 5, nil, 0)
	var ue *domain.UpstreamError
	if !errors.As(err, &ue) || ue.Stage != domain.StageEmbed {
		t.Fatalf("expected embed UpstreamError, got %v", err)
	}
}

func TestRetrieveContext_SearchErrorPassesThrough(t *testing.T) {
	storeErr := domain.Storage("search", errors.New("db gone"))
	s, _ := newService(&mockSearcher{err: storeErr}, &mockGenerator{})
	_, err := s.RetrieveContext(context.Background(), "q", 5, nil, 0)
	if !errors.Is(err, storeErr) {
		t.Fatalf("got %v", err)
	}
}

func TestFormatContext(t *testing.T) {
	if got := FormatContext(nil); got != NoContextMarker {
		t.Fatalf("empty: got %q", got)
	}
	got := FormatContext([]domain.RetrievalResult{
		{Filename: "a.pdf", Similarity: 0.876, Text: "alpha"},
		{Filename: "b.pdf", Similarity: 0.5, Text: "beta"},
	})
	want := "[Context 1] (from a.pdf, similarity: 0.88)\nalpha\n\n[Context 2] (from b.pdf, similarity: 0.50)\nbeta\n"
	if got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestGenerateAnswer_Messages(t *testing.T) {
	gen := &mockGenerator{}
	s, _ := newService(&mockSearcher{}, gen)
	history := []domain.Turn{{Role: "user", Content: "A"}, {Role: "assistant", Content: "B"}}
	a := s.GenerateAnswer(context.Background(), "Q", "CTX", "", history)

	if a.Status != StatusOK || a.Text != "the answer" || a.TokensUsed != 42 || a.Model != "mock-model-v1" {
		t.Fatalf("answer = %+v", a)
	}
	msgs := gen.reqs[0].Messages
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Role != domain.RoleSystem || !strings.Contains(msgs[0].Content, "Indonesian or English") {
		t.Errorf("system = %+v", msgs[0])
	}
	want := "Context:\nCTX\n\nQuestion: Q\n\nPlease provide a detailed answer based on the context above."
	if msgs[3].Role != domain.RoleUser || msgs[3].Content != want {
		t.Errorf("user message = %q", msgs[3].Content)
	}
}

func TestGenerateAnswer_CustomSystemPrompt(t *testing.T) {
	gen := &mockGenerator{}
	s, _ := newService(&mockSearcher{}, gen)
	s.GenerateAnswer(context.Background(), "Q", "CTX", "be brief", nil)
	if gen.reqs[0].Messages[0].Content != "be brief" {
		t.Errorf("system prompt = %q", gen.reqs[0].Messages[0].Content)
	}
}

func TestGenerateAnswer_SoftFailure(t *testing.T) {
	reg := metrics.New()
	m := metrics.NewRAG(reg)
	s, _ := newService(&mockSearcher{}, &mockGenerator{err: errors.New("rate limited")}, WithMetrics(m))
	a := s.GenerateAnswer(context.Background(), "Q", "CTX", "", nil)

	if a.Text != "Error generating answer: rate limited" {
		t.Errorf("text = %q", a.Text)
	}
	if a.FinishReason != FinishReasonError || a.Status != StatusGenerationFailed || a.TokensUsed != 0 {
		t.Errorf("answer = %+v", a)
	}
	if a.Error != "rate limited" {
		t.Errorf("error = %q", a.Error)
	}
	if m.GenerationErrors.Value() != 1 {
		t.Errorf("generation errors = %d", m.GenerationErrors.Value())
	}
}

func TestQuery_ScenarioB_NoContext(t *testing.T) {
	gen := &mockGenerator{}
	s, _ := newService(&mockSearcher{results: results(0.90)}, gen)
	resp, err := s.Query(context.Background(), QueryRequest{Question: "q", MinSimilarity: ptr(0.95), IncludeSources: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.NumSources != 0 || len(resp.Sources) != 0 {
		t.Fatalf("expected no sources, got %+v", resp)
	}
	if !strings.Contains(gen.reqs[0].Messages[1].Content, NoContextMarker) {
		t.Errorf("prompt lacks marker: %q", gen.reqs[0].Messages[1].Content)
	}

	b, _ := json.Marshal(resp)
	if !strings.Contains(string(b), `"sources":[]`) {
		t.Errorf("requested sources must serialise as an empty list: %s", b)
	}
}

func TestQuery_Defaults(t *testing.T) {
	search := &mockSearcher{results: results(0.9, 0.31, 0.2)}
	s, emb := newService(search, &mockGenerator{})
	doc := int64(3)
	resp, err := s.Query(context.Background(), QueryRequest{Question: "  hello  ", DocumentID: &doc})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if search.topK != 5 || search.docID == nil || *search.docID != 3 {
		t.Errorf("search called with topK=%d doc=%v", search.topK, search.docID)
	}
	if emb.calls[0] != "hello" {
		t.Errorf("embedded %q", emb.calls[0])
	}
	if resp.NumSources != 2 || resp.Sources != nil {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Question != "hello" || resp.Model != "mock-model-v1" || resp.Status != StatusOK {
		t.Errorf("resp = %+v", resp)
	}
}

func TestQuery_Sources(t *testing.T) {
	s, _ := newService(&mockSearcher{results: results(0.9)}, &mockGenerator{})
	resp, err := s.Query(context.Background(), QueryRequest{Question: "q", IncludeSources: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Source{Text: "chunk text", Filename: "a.pdf", Similarity: 0.9, ChunkIndex: 0, DocumentID: 1}
	if len(resp.Sources) != 1 || resp.Sources[0] != want {
		t.Errorf("sources = %+v", resp.Sources)
	}
}

func TestQuery_EmptyQuestion(t *testing.T) {
	s, _ := newService(&mockSearcher{}, &mockGenerator{})
	_, err := s.Query(context.Background(), QueryRequest{Question: "   "})
	if !errors.Is(err, domain.ErrMissingField) {
		t.Fatalf("got %v", err)
	}
}

func TestQuery_GenerationFailureIsNotAnError(t *testing.T) {
	s, _ := newService(&mockSearcher{results: results(0.9)}, &mockGenerator{err: errors.New("boom")})
	resp, err := s.Query(context.Background(), QueryRequest{Question: "q"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != StatusGenerationFailed || resp.FinishReason != "error" || resp.NumSources != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestQuery_RecordsMetrics(t *testing.T) {
	m := metrics.NewRAG(metrics.New())
	s, _ := newService(&mockSearcher{results: results(0.9)}, &mockGenerator{}, WithMetrics(m))
	if _, err := s.Query(context.Background(), QueryRequest{Question: "q"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Queries.Value() != 1 {
		t.Errorf("queries = %d", m.Queries.Value())
	}
}

func TestQuery_Expansion(t *testing.T) {
	gen := &mockGenerator{}
	opts := DefaultOptions()
	opts.ExpandWindow = 1
	s := New(&mockEmbedder{}, &mockSearcher{results: results(0.9)}, gen, opts, nil, WithExpander(mockExpander{}))
	resp, err := s.Query(context.Background(), QueryRequest{Question: "q", IncludeSources: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(gen.reqs[0].Messages[1].Content, "before chunk text after") {
		t.Errorf("context not expanded: %q", gen.reqs[0].Messages[1].Content)
	}
	if resp.Sources[0].Text != "chunk text" {
		t.Errorf("sources must keep the original chunk text, got %q", resp.Sources[0].Text)
	}
}

func TestQuery_ExpansionFailureIsSkipped(t *testing.T) {
	gen := &mockGenerator{}
	opts := DefaultOptions()
	opts.ExpandWindow = 1
	s := New(&mockEmbedder{}, &mockSearcher{results: results(0.9)}, gen, opts, nil, WithExpander(mockExpander{err: errors.New("neo4j down")}))
	if _, err := s.Query(context.Background(), QueryRequest{Question: "q"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(gen.reqs[0].Messages[1].Content, "\nchunk text\n") {
		t.Errorf("context = %q", gen.reqs[0].Messages[1].Content)
	}
}

func TestChat_ScenarioC(t *testing.T) {
	gen := &mockGenerator{}
	s, emb := newService(&mockSearcher{results: results(0.9)}, gen)
	resp, err := s.Chat(context.Background(), ChatRequest{Messages: []domain.Turn{
		{Role: "user", Content: "A"},
		{Role: "assistant", Content: "B"},
		{Role: "user", Content: "C"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if emb.calls[0] != "C" || resp.Question != "C" {
		t.Errorf("effective query = %q", emb.calls[0])
	}
	msgs := gen.reqs[0].Messages
	if len(msgs) != 4 || msgs[1] != (domain.Turn{Role: "user", Content: "A"}) || msgs[2] != (domain.Turn{Role: "assistant", Content: "B"}) {
		t.Errorf("history not forwarded verbatim: %+v", msgs)
	}
	if len(resp.Sources) != 1 {
		t.Errorf("chat includes sources, got %+v", resp.Sources)
	}
}

func TestChat_NoUserMessage(t *testing.T) {
	gen := &mockGenerator{}
	s, _ := newService(&mockSearcher{}, gen)
	resp, err := s.Chat(context.Background(), ChatRequest{Messages: []domain.Turn{{Role: "assistant", Content: "hi"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Answer != "No user message found" || resp.Status != StatusNoUserMessage || resp.Error == "" {
		t.Errorf("resp = %+v", resp)
	}
	if len(gen.reqs) != 0 {
		t.Error("generator must not be called")
	}
}

func TestChat_EmptyMessages(t *testing.T) {
	gen := &mockGenerator{}
	s, _ := newService(&mockSearcher{}, gen)
	for _, msgs := range [][]domain.Turn{nil, {}} {
		resp, err := s.Chat(context.Background(), ChatRequest{Messages: msgs})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Status != StatusNoUserMessage || resp.Answer != "No user message found" {
			t.Errorf("resp = %+v", resp)
		}
	}
	if len(gen.reqs) != 0 {
		t.Error("generator must not be called")
	}
}

func TestChat_InvalidRole(t *testing.T) {
	s, _ := newService(&mockSearcher{}, &mockGenerator{})
	_, err := s.Chat(context.Background(), ChatRequest{Messages: []domain.Turn{{Role: "robot", Content: "x"}}})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "messages[0].role" {
		t.Fatalf("got %v", err)
	}
}

func TestChat_HistoryLimit(t *testing.T) {
	gen := &mockGenerator{}
	opts := DefaultOptions()
	opts.HistoryLimit = 2
	s := New(&mockEmbedder{}, &mockSearcher{}, gen, opts, nil)
	msgs := []domain.Turn{
		{Role: "user", Content: "1"}, {Role: "assistant", Content: "2"},
		{Role: "user", Content: "3"}, {Role: "assistant", Content: "4"},
		{Role: "user", Content: "5"},
	}
	if _, err := s.Chat(context.Background(), ChatRequest{Messages: msgs}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := gen.reqs[0].Messages
	if len(got) != 4 || got[1].Content != "3" || got[2].Content != "4" {
		t.Errorf("history = %+v", got)
	}
}
