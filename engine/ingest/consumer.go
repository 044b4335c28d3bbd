package ingest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/docrag/pkg/natsutil"
)

const (
	// JobSubject carries ingestion jobs for workers.
	JobSubject = "docrag.ingest"
	// DLQSubject receives jobs that exhausted their retries.
	DLQSubject = "docrag.ingest.dlq"
	// MaxRetries before a job goes to the DLQ.
	MaxRetries = 3

	retryHeader = "X-Retry-Count"
)

// Job asks a worker to ingest a file readable at Path.
type Job struct {
	Path     string `json:"path"`
	Filename string `json:"filename,omitempty"`
	SkipOCR  bool   `json:"skip_ocr"`
}

// dlqMessage is published to the DLQ on repeated failure.
type dlqMessage struct {
	Job     Job    `json:"job"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// Ingester is what the consumer drives.
type Ingester interface {
	IngestUpload(ctx context.Context, filename string, r io.Reader, opts Options) (*Result, error)
}

// runJob opens the job's file and ingests it under the job's filename, or
// the path's base name when none is given.
func runJob(ctx context.Context, ing Ingester, j Job) (*Result, error) {
	f, err := os.Open(j.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	name := j.Filename
	if name == "" {
		name = filepath.Base(j.Path)
	}
	return ing.IngestUpload(ctx, name, f, Options{SkipOCR: j.SkipOCR})
}

// SubmitJob publishes a job for a worker.
func SubmitJob(ctx context.Context, nc *nats.Conn, j Job) error {
	return natsutil.Publish(ctx, nc, JobSubject, j)
}

// StartConsumer subscribes to JobSubject and ingests each job. A failed job
// is re-published with an incremented X-Retry-Count header until MaxRetries,
// then sent to DLQSubject.
func StartConsumer(nc *nats.Conn, ing Ingester, log *slog.Logger) (*nats.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}
	return natsutil.Subscribe(nc, JobSubject, func(ctx context.Context, j Job, msg *nats.Msg) {
		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get(retryHeader); v != "" {
				retries, _ = strconv.Atoi(v)
			}
		}

		res, err := runJob(ctx, ing, j)
		if err == nil {
			log.Info("ingest: job done", "path", j.Path, "document_id", res.DocumentID)
			return
		}

		retries++
		log.Error("ingest: job failed", "path", j.Path, "retry", retries, "err", err)
		if retries >= MaxRetries {
			if err := natsutil.Publish(ctx, nc, DLQSubject, dlqMessage{Job: j, Error: err.Error(), Retries: retries}); err != nil {
				log.Error("ingest: DLQ publish failed", "err", err)
			}
			return
		}
		hdr := nats.Header{}
		hdr.Set(retryHeader, strconv.Itoa(retries))
		if err := natsutil.PublishWithHeader(ctx, nc, JobSubject, j, hdr); err != nil {
			log.Error("ingest: retry publish failed", "err", err)
		}
	}, func(err error) {
		log.Error("ingest: decode job", "err", err)
	})
}
