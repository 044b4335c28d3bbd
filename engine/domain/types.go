// Package domain defines the core docrag data model, the error taxonomy
// shared by every layer, and request validation.
package domain

import "time"

// Document is an ingested source file.
type Document struct {
	ID          int64          `json:"id"`
	Filename    string         `json:"filename"`
	Location    string         `json:"file_path"`
	FileSize    int64          `json:"file_size"`
	TotalChunks int            `json:"total_chunks"`
	UploadedAt  time.Time      `json:"upload_date"`
	Metadata    map[string]any `json:"metadata"`
	FullText    string         `json:"full_text,omitempty"`
}

// Chunk is a contiguous slice of a document's text plus its embedding.
type Chunk struct {
	ID         int64          `json:"id"`
	DocumentID int64          `json:"document_id"`
	Index      int            `json:"chunk_index"`
	Text       string         `json:"chunk_text"`
	CharCount  int            `json:"char_count"`
	Embedding  []float32      `json:"-"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
}

// RetrievalResult is one chunk returned by a similarity search.
type RetrievalResult struct {
	ChunkID    int64   `json:"chunk_id"`
	DocumentID int64   `json:"document_id"`
	Text       string  `json:"text"`
	Filename   string  `json:"filename"`
	Similarity float64 `json:"similarity"`
	ChunkIndex int     `json:"chunk_index"`
}

// Roles of a conversation turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn is one message in a chat conversation.
type Turn struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content"`
}

// Stats summarises the store.
type Stats struct {
	TotalDocuments int64 `json:"total_documents"`
	TotalChunks    int64 `json:"total_chunks"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
}

// Ingestion stage names.
const (
	StageSave     = "save"
	StageExtract  = "extract"
	StageChunk    = "chunk"
	StageEmbed    = "embed"
	StageStore    = "store"
	StageGenerate = "generate"
	StageOCR      = "ocr"
)
