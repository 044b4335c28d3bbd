// Package ingest turns an uploaded PDF into a stored, searchable document:
// save → extract → chunk → embed → store, composed as pipeline stages.
package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/WessleyAI/docrag/engine/domain"
	"github.com/WessleyAI/docrag/engine/embed"
	"github.com/WessleyAI/docrag/engine/extract"
	"github.com/WessleyAI/docrag/pkg/fn"
	"github.com/WessleyAI/docrag/pkg/metrics"
)

// Extractor pulls native and OCR text out of a PDF.
type Extractor interface {
	Process(ctx context.Context, path string, skipOCR bool) (*extract.Extraction, error)
}

// Chunker splits text into indexed chunks carrying metadata.
type Chunker interface {
	Chunk(text string, metadata map[string]any) []domain.Chunk
}

// Store is the part of the vector store ingestion writes to.
type Store interface {
	InsertDocument(ctx context.Context, doc domain.Document) (int64, error)
	InsertChunks(ctx context.Context, documentID int64, chunks []domain.Chunk) error
	GetDocument(ctx context.Context, id int64) (*domain.Document, error)
	DeleteDocument(ctx context.Context, id int64) error
}

// GraphMirror keeps an optional copy of the chunk sequence.
type GraphMirror interface {
	MirrorDocument(ctx context.Context, doc domain.Document, chunks []domain.Chunk) error
	DeleteDocument(ctx context.Context, documentID int64) error
}

// Config holds upload limits and batching.
type Config struct {
	UploadFolder      string
	MaxFileSize       int64
	AllowedExtensions []string
	EmbedBatchSize    int
}

// Deps are the collaborators of a Coordinator. Graph, Events and Metrics
// are optional.
type Deps struct {
	Extractor Extractor
	Chunker   Chunker
	Embedder  embed.Embedder
	Store     Store
	Graph     GraphMirror
	Events    Publisher
	Metrics   *metrics.RAG
	Logger    *slog.Logger
}

// Options tunes a single ingestion.
type Options struct {
	SkipOCR bool
}

// Result describes a successfully ingested document.
type Result struct {
	DocumentID     int64          `json:"document_id"`
	Filename       string         `json:"filename"`
	FileSize       int64          `json:"file_size"`
	TotalChunks    int            `json:"total_chunks"`
	ProcessingTime time.Duration  `json:"-"`
	Metadata       map[string]any `json:"metadata"`
}

// Coordinator runs the ingestion pipeline and document deletion.
type Coordinator struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	pipeline fn.Stage[*job, *job]
}

// New builds a Coordinator.
func New(cfg Config, deps Deps) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 100
	}
	c := &Coordinator{cfg: cfg, deps: deps, logger: deps.Logger}
	c.pipeline = c.newPipeline()
	return c
}

// job is the state carried through one ingestion.
type job struct {
	opts       Options
	name       string
	src        io.Reader
	path       string
	size       int64
	extraction *extract.Extraction
	chunks     []domain.Chunk
	doc        domain.Document
}

// LoggedTap wraps stage with enter/exit logging and its duration.
func LoggedTap[In, Out any](name string, log *slog.Logger, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		log.Info("stage.enter", "stage", name)
		start := time.Now()
		r := stage(ctx, in)
		if r.IsErr() {
			_, err := r.Unwrap()
			log.Error("stage.fail", "stage", name, "duration", time.Since(start), "err", err)
		} else {
			log.Info("stage.exit", "stage", name, "duration", time.Since(start))
		}
		return r
	}
}

// stage lifts f into a traced, logged stage whose errors carry the stage name.
func (c *Coordinator) stage(name string, f func(context.Context, *job) error) fn.Stage[*job, *job] {
	body := fn.LiftStage(func(ctx context.Context, j *job) (*job, error) {
		start := time.Now()
		err := f(ctx, j)
		if c.deps.Metrics != nil {
			c.deps.Metrics.StageDone(name, time.Since(start))
		}
		return j, err
	})
	tagged := fn.MapErr(fn.TracedStage("ingest."+name, body), func(err error) error {
		return &domain.StageError{Stage: name, Err: err}
	})
	return LoggedTap(name, c.logger, tagged)
}

func (c *Coordinator) newPipeline() fn.Stage[*job, *job] {
	save := c.stage(domain.StageSave, c.save)
	extracted := fn.Then(save, c.stage(domain.StageExtract, c.extract))
	chunked := fn.Then(extracted, c.stage(domain.StageChunk, c.chunk))
	embedded := fn.Then(chunked, c.stage(domain.StageEmbed, c.embed))
	return fn.Then(embedded, c.stage(domain.StageStore, c.store))
}

func (c *Coordinator) extract(ctx context.Context, j *job) error {
	ex, err := c.deps.Extractor.Process(ctx, j.path, j.opts.SkipOCR)
	if err != nil {
		return err
	}
	j.extraction = ex
	return nil
}

func (c *Coordinator) chunk(_ context.Context, j *job) error {
	j.chunks = c.deps.Chunker.Chunk(j.extraction.CombinedText, map[string]any{
		"filename":   j.name,
		"num_images": j.extraction.PageImageCount,
	})
	return nil
}

func (c *Coordinator) embed(ctx context.Context, j *job) error {
	chunks, err := embed.EmbedChunks(ctx, c.deps.Embedder, j.chunks, c.cfg.EmbedBatchSize)
	if err != nil {
		return err
	}
	j.chunks = chunks
	return nil
}

// store inserts the document, then its chunks. A failed chunk insert deletes
// the document again so no partial document stays visible.
func (c *Coordinator) store(ctx context.Context, j *job) error {
	ex := j.extraction
	j.doc = domain.Document{
		Filename:    j.name,
		Location:    j.path,
		FileSize:    j.size,
		TotalChunks: len(j.chunks),
		UploadedAt:  time.Now().UTC(),
		Metadata: map[string]any{
			"num_images":      ex.PageImageCount,
			"text_length":     utf8.RuneCountInString(ex.NativeText),
			"ocr_text_length": utf8.RuneCountInString(ex.OCRText),
			"page_count":      ex.PageCount,
		},
		FullText: ex.CombinedText,
	}
	id, err := c.deps.Store.InsertDocument(ctx, j.doc)
	if err != nil {
		return err
	}
	j.doc.ID = id
	if err := c.deps.Store.InsertChunks(ctx, id, j.chunks); err != nil {
		if derr := c.deps.Store.DeleteDocument(context.WithoutCancel(ctx), id); derr != nil {
			c.logger.Error("ingest: compensating delete failed", "document_id", id, "err", derr)
		}
		return err
	}
	return nil
}

// IngestUpload saves r under filename in the upload folder and runs the
// pipeline. Failures after the save remove the saved file and come back as
// *domain.StageError.
func (c *Coordinator) IngestUpload(ctx context.Context, filename string, r io.Reader, opts Options) (*Result, error) {
	start := time.Now()
	j := &job{opts: opts, name: filename, src: r}
	if c.deps.Metrics != nil {
		c.deps.Metrics.IngestsInFlight.Inc()
		defer c.deps.Metrics.IngestsInFlight.Dec()
	}

	c.logger.Info("ingest: start", "filename", filename, "skip_ocr", opts.SkipOCR)
	_, err := c.pipeline(ctx, j).Unwrap()
	if err != nil {
		if j.path != "" {
			if rmErr := os.Remove(j.path); rmErr != nil && !os.IsNotExist(rmErr) {
				c.logger.Warn("ingest: remove saved file", "path", j.path, "err", rmErr)
			}
		}
		stage := stageOf(err)
		if c.deps.Metrics != nil {
			c.deps.Metrics.IngestFailed(stage)
		}
		c.publish(ctx, SubjectIngestFailed, FailedEvent{Filename: j.name, Stage: stage, Error: err.Error()})
		return nil, err
	}

	c.afterIngest(ctx, j)
	res := &Result{
		DocumentID:     j.doc.ID,
		Filename:       j.name,
		FileSize:       j.size,
		TotalChunks:    len(j.chunks),
		ProcessingTime: time.Since(start),
		Metadata:       j.doc.Metadata,
	}
	c.logger.Info("ingest: success", "document_id", res.DocumentID, "chunks", res.TotalChunks,
		"duration", res.ProcessingTime)
	return res, nil
}

// IngestFile copies the file at path into the upload folder and ingests it.
func (c *Coordinator) IngestFile(ctx context.Context, path string, opts Options) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &domain.StageError{Stage: domain.StageSave, Err: err}
	}
	defer f.Close()
	return c.IngestUpload(ctx, filepath.Base(path), f, opts)
}

// afterIngest runs the best-effort side effects of a successful ingestion.
func (c *Coordinator) afterIngest(ctx context.Context, j *job) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.DocsIngested.Inc()
		c.deps.Metrics.ChunksStored.Add(int64(len(j.chunks)))
	}
	if c.deps.Graph != nil {
		if err := c.deps.Graph.MirrorDocument(ctx, j.doc, j.chunks); err != nil {
			c.logger.Warn("ingest: graph mirror failed, continuing without", "document_id", j.doc.ID, "err", err)
		}
	}
	c.publish(ctx, SubjectIngested, IngestedEvent{
		DocumentID:  j.doc.ID,
		Filename:    j.name,
		FileSize:    j.size,
		TotalChunks: len(j.chunks),
	})
}

// Delete removes a document, its chunks, its stored file and its graph
// mirror. A missing document is domain.ErrNotFound.
func (c *Coordinator) Delete(ctx context.Context, id int64) error {
	var location string
	if doc, err := c.deps.Store.GetDocument(ctx, id); err == nil {
		location = doc.Location
	}
	if err := c.deps.Store.DeleteDocument(ctx, id); err != nil {
		return err
	}
	if location != "" {
		if err := os.Remove(location); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("ingest: remove stored file", "path", location, "err", err)
		}
	}
	if c.deps.Graph != nil {
		if err := c.deps.Graph.DeleteDocument(ctx, id); err != nil {
			c.logger.Warn("ingest: graph delete failed", "document_id", id, "err", err)
		}
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.DocsDeleted.Inc()
	}
	c.publish(ctx, SubjectDeleted, DeletedEvent{DocumentID: id})
	c.logger.Info("ingest: deleted", "document_id", id)
	return nil
}

func (c *Coordinator) publish(ctx context.Context, subject string, v any) {
	if c.deps.Events == nil {
		return
	}
	if err := c.deps.Events.Publish(ctx, subject, v); err != nil {
		c.logger.Warn("ingest: publish event", "subject", subject, "err", err)
	}
}

func stageOf(err error) string {
	var se *domain.StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return "unknown"
}
