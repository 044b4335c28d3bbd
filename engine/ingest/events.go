package ingest

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/docrag/pkg/natsutil"
)

// Event subjects.
const (
	SubjectIngested     = "docrag.document.ingested"
	SubjectDeleted      = "docrag.document.deleted"
	SubjectIngestFailed = "docrag.ingest.failed"
)

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// IngestedEvent follows a successful ingestion.
type IngestedEvent struct {
	DocumentID  int64  `json:"document_id"`
	Filename    string `json:"filename"`
	FileSize    int64  `json:"file_size"`
	TotalChunks int    `json:"total_chunks"`
}

// DeletedEvent follows a document deletion.
type DeletedEvent struct {
	DocumentID int64 `json:"document_id"`
}

// FailedEvent follows an ingestion that stopped at Stage.
type FailedEvent struct {
	Filename string `json:"filename"`
	Stage    string `json:"stage"`
	Error    string `json:"error"`
}

// NATSPublisher publishes events as JSON with trace headers.
type NATSPublisher struct {
	Conn *nats.Conn
}

// Publish implements Publisher.
func (p NATSPublisher) Publish(ctx context.Context, subject string, v any) error {
	return natsutil.Publish(ctx, p.Conn, subject, v)
}
