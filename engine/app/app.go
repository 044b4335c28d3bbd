// Package app builds the docrag object graph once from configuration. Both
// the API server and the CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/docrag/engine/chunk"
	"github.com/WessleyAI/docrag/engine/config"
	"github.com/WessleyAI/docrag/engine/embed"
	"github.com/WessleyAI/docrag/engine/extract"
	"github.com/WessleyAI/docrag/engine/generate"
	"github.com/WessleyAI/docrag/engine/graph"
	"github.com/WessleyAI/docrag/engine/ingest"
	"github.com/WessleyAI/docrag/engine/rag"
	"github.com/WessleyAI/docrag/engine/store"
	"github.com/WessleyAI/docrag/engine/store/pgvector"
	"github.com/WessleyAI/docrag/engine/store/qdrant"
	"github.com/WessleyAI/docrag/engine/store/sqlite"
	"github.com/WessleyAI/docrag/pkg/metrics"
)

// App is the explicit application context.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Store     store.Store
	Embedder  embed.Embedder
	Generator generate.Generator
	// Graph and NATS are nil when not configured or unreachable.
	Graph    *graph.Store
	NATS     *nats.Conn
	Registry *metrics.Registry
	Metrics  *metrics.RAG
	RAG      *rag.Service
	Ingest   *ingest.Coordinator
}

// Build connects every backend named by cfg. The store is opened at the
// embedder's dimension, so a store persisted at another size fails with
// store.ErrDimensionMismatch; a backend returning vectors of the wrong length
// is caught per call by embed.DimensionError. Graph and NATS are optional: a
// failed connection is logged and the feature is disabled.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Registry: metrics.New()}
	a.Metrics = metrics.NewRAG(a.Registry)

	ok := false
	defer func() {
		if !ok {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	var err error
	if a.Embedder, err = embed.New(ctx, cfg.Embedding, logger); err != nil {
		return nil, err
	}
	if a.Store, err = OpenStore(ctx, cfg.Store, a.Embedder.Dimension()); err != nil {
		return nil, err
	}
	if a.Generator, err = generate.New(ctx, cfg.Generation, logger); err != nil {
		return nil, err
	}

	if cfg.Graph.URL != "" {
		g, err := graph.Connect(ctx, cfg.Graph.URL, cfg.Graph.User, cfg.Graph.Pass)
		if err == nil {
			err = g.EnsureSchema(ctx)
			if err != nil {
				g.Close(ctx)
			}
		}
		if err != nil {
			logger.Warn("graph unavailable, continuing without", "url", cfg.Graph.URL, "err", err)
		} else {
			a.Graph = g
		}
	}
	if cfg.Messaging.NATSURL != "" {
		nc, err := nats.Connect(cfg.Messaging.NATSURL, nats.Name("docrag"))
		if err != nil {
			logger.Warn("nats unavailable, events disabled", "url", cfg.Messaging.NATSURL, "err", err)
		} else {
			a.NATS = nc
		}
	}

	splitter, err := chunk.New(cfg.Chunking.Size, cfg.Chunking.Overlap)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	processor := extract.NewProcessor(extract.Options{
		TesseractCmd: cfg.OCR.TesseractCmd,
		PdftoppmCmd:  cfg.OCR.PdftoppmCmd,
		Lang:         cfg.OCR.Lang,
		DPI:          cfg.OCR.DPI,
		PageTimeout:  cfg.OCR.PageTimeout,
		Workers:      cfg.OCR.Workers,
	}, logger)

	deps := ingest.Deps{
		Extractor: processor,
		Chunker:   splitter,
		Embedder:  a.Embedder,
		Store:     a.Store,
		Metrics:   a.Metrics,
		Logger:    logger,
	}
	ragOpts := []rag.Option{rag.WithMetrics(a.Metrics)}
	if a.Graph != nil {
		deps.Graph = a.Graph
		ragOpts = append(ragOpts, rag.WithExpander(a.Graph))
	}
	if a.NATS != nil {
		deps.Events = ingest.NATSPublisher{Conn: a.NATS}
	}
	a.Ingest = ingest.New(ingest.Config{
		UploadFolder:      cfg.Server.UploadFolder,
		MaxFileSize:       cfg.Server.MaxFileSizeBytes(),
		AllowedExtensions: cfg.Server.AllowedExtensions,
		EmbedBatchSize:    cfg.Embedding.BatchSize,
	}, deps)
	a.RAG = rag.New(a.Embedder, a.Store, a.Generator, RAGOptions(cfg.Generation), logger, ragOpts...)

	ok = true
	logger.Info("app ready",
		"store", cfg.Store.Backend,
		"embedding", a.Embedder.Name(),
		"dimension", a.Embedder.Dimension(),
		"generation", a.Generator.Name(),
		"model", a.Generator.Model(),
		"graph", a.Graph != nil,
		"nats", a.NATS != nil,
	)
	return a, nil
}

// RAGOptions maps generation settings onto the orchestrator's options.
func RAGOptions(g config.Generation) rag.Options {
	opts := rag.DefaultOptions()
	opts.TopK = g.TopK
	opts.MinSimilarity = g.MinSimilarity
	opts.Temperature = g.Temperature
	opts.MaxTokens = g.MaxTokens
	opts.HistoryLimit = g.HistoryLimit
	if g.ExpandNeighbors {
		opts.ExpandWindow = 1
	}
	return opts
}

// OpenStore opens the vector store selected by cfg.Backend at dimension dim.
func OpenStore(ctx context.Context, cfg config.Store, dim int) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.Backend {
	case "postgres":
		s, err = pgvector.Open(ctx, cfg.Postgres.DSN(), dim)
	case "sqlite":
		s, err = sqlite.Open(ctx, cfg.SQLitePath, dim)
	case "qdrant":
		s, err = qdrant.New(ctx, cfg.QdrantURL, cfg.QdrantCollection, dim)
	default:
		return nil, fmt.Errorf("app: unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases every connection. It is safe on a partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.NATS != nil {
		if err := a.NATS.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Graph != nil {
		if err := a.Graph.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
