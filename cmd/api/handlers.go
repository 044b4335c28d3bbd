package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/WessleyAI/docrag/engine/domain"
	"github.com/WessleyAI/docrag/engine/ingest"
	"github.com/WessleyAI/docrag/engine/rag"
)

const (
	serviceName    = "docrag"
	serviceVersion = "1.0.0"

	defaultListLimit = 100
	// multipartSlack covers the multipart framing around the file part.
	multipartSlack = 1 << 20
)

// Answerer is the query side of the RAG service.
type Answerer interface {
	Query(ctx context.Context, req rag.QueryRequest) (*rag.Response, error)
	Chat(ctx context.Context, req rag.ChatRequest) (*rag.Response, error)
}

// Ingester stores and removes documents.
type Ingester interface {
	IngestUpload(ctx context.Context, filename string, r io.Reader, opts ingest.Options) (*ingest.Result, error)
	Delete(ctx context.Context, id int64) error
}

// DocumentReader is the read side of the vector store.
type DocumentReader interface {
	GetDocument(ctx context.Context, id int64) (*domain.Document, error)
	ListDocuments(ctx context.Context, limit int) ([]domain.Document, error)
	GetStats(ctx context.Context) (domain.Stats, error)
}

type server struct {
	rag       Answerer
	ingest    Ingester
	docs      DocumentReader
	metrics   http.Handler
	maxUpload int64
	maxSizeMB int64
	logger    *slog.Logger
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("POST /api/query", s.handleQuery)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/documents", s.handleListDocuments)
	mux.HandleFunc("GET /api/documents/{id}", s.handleGetDocument)
	mux.HandleFunc("DELETE /api/documents/{id}", s.handleDeleteDocument)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": serviceName,
		"version": serviceVersion,
	})
}

// uploadResponse is the JSON body of a successful upload.
type uploadResponse struct {
	Success        bool           `json:"success"`
	DocumentID     int64          `json:"document_id"`
	Filename       string         `json:"filename"`
	FileSize       int64          `json:"file_size"`
	TotalChunks    int            `json:"total_chunks"`
	ProcessingTime float64        `json:"processing_time_seconds"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartSlack)
	}
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var mbe *http.MaxBytesError
		if !errors.As(err, &mbe) {
			err = domain.NewValidationError("file", "", domain.ErrMissingField)
		}
		s.writeError(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, domain.NewValidationError("file", "", domain.ErrMissingField))
		return
	}
	defer file.Close()
	if s.maxUpload > 0 && header.Size > s.maxUpload {
		s.writeError(w, r, domain.ErrPayloadTooLarge)
		return
	}

	skipOCR, _ := strconv.ParseBool(r.FormValue("skip_ocr"))
	res, err := s.ingest.IngestUpload(r.Context(), header.Filename, file, ingest.Options{SkipOCR: skipOCR})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{
		Success:        true,
		DocumentID:     res.DocumentID,
		Filename:       res.Filename,
		FileSize:       res.FileSize,
		TotalChunks:    res.TotalChunks,
		ProcessingTime: res.ProcessingTime.Seconds(),
		Metadata:       res.Metadata,
	})
}

// QueryRequest is the JSON body for POST /api/query.
type QueryRequest struct {
	Question       string   `json:"question" validate:"required"`
	TopK           int      `json:"top_k" validate:"gte=0,lte=100"`
	DocumentID     *int64   `json:"document_id,omitempty"`
	MinSimilarity  *float64 `json:"min_similarity,omitempty" validate:"omitempty,gte=-1,lte=1"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	IncludeSources *bool    `json:"include_sources,omitempty"`
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := domain.ValidateStruct(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	include := req.IncludeSources == nil || *req.IncludeSources
	resp, err := s.rag.Query(r.Context(), rag.QueryRequest{
		Question:       req.Question,
		TopK:           req.TopK,
		DocumentID:     req.DocumentID,
		MinSimilarity:  req.MinSimilarity,
		SystemPrompt:   req.SystemPrompt,
		IncludeSources: include,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ChatRequest is the JSON body for POST /api/chat. A missing or empty
// messages list is answered with the no_user_message body, like a list
// holding no user turn.
type ChatRequest struct {
	Messages     []domain.Turn `json:"messages"`
	TopK         int           `json:"top_k" validate:"gte=0,lte=100"`
	DocumentID   *int64        `json:"document_id,omitempty"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := domain.ValidateStruct(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.rag.Chat(r.Context(), rag.ChatRequest{
		Messages:     req.Messages,
		TopK:         req.TopK,
		DocumentID:   req.DocumentID,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if resp.Status == rag.StatusNoUserMessage {
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, domain.NewValidationError("limit", v, domain.ErrInvalidField))
			return
		}
		limit = n
	}
	docs, err := s.docs.ListDocuments(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "count": len(docs)})
}

func (s *server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := s.docs.GetDocument(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ingest.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Document %d deleted", id),
	})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.docs.GetStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Helpers ---

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.NewValidationError("id", raw, domain.ErrInvalidField)
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return err
		}
		return domain.NewValidationError("body", "", fmt.Errorf("%w: invalid JSON", domain.ErrInvalidField))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy onto status codes. Stage failures
// carry the stage name in the body.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve  *domain.ValidationError
		se  *domain.StageError
		mbe *http.MaxBytesError
	)
	switch {
	case errors.Is(err, domain.ErrPayloadTooLarge), errors.As(err, &mbe):
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error": fmt.Sprintf("File too large. Maximum size is %dMB", s.maxSizeMB),
		})
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &se):
		s.log().Error("ingestion failed", "stage", se.Stage, "err", err, "path", r.URL.Path)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error(), "stage": se.Stage})
	default:
		s.log().Error("request failed", "err", err, "path", r.URL.Path)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}
