package main

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/WessleyAI/docrag/engine/domain"
	"github.com/WessleyAI/docrag/engine/ingest"
	"github.com/WessleyAI/docrag/engine/rag"
)

// Answerer is the query side of the RAG service.
type Answerer interface {
	Query(ctx context.Context, req rag.QueryRequest) (*rag.Response, error)
	Chat(ctx context.Context, req rag.ChatRequest) (*rag.Response, error)
}

// Ingester ingests and deletes documents.
type Ingester interface {
	ingest.Ingester
	IngestFile(ctx context.Context, path string, opts ingest.Options) (*ingest.Result, error)
	Delete(ctx context.Context, id int64) error
}

// DocumentReader is the read side of the vector store.
type DocumentReader interface {
	GetDocument(ctx context.Context, id int64) (*domain.Document, error)
	ListDocuments(ctx context.Context, limit int) ([]domain.Document, error)
	GetStats(ctx context.Context) (domain.Stats, error)
}

// services is what every subcommand works against.
type services struct {
	RAG    Answerer
	Ingest Ingester
	Docs   DocumentReader
	// NATS is nil when messaging is not configured.
	NATS    *nats.Conn
	SkipOCR bool
	Logger  *slog.Logger
	close   func()
}

func (s *services) Close() {
	if s.close != nil {
		s.close()
	}
}

type globalOptions struct {
	configPath string
	verbose    bool
}

type builder func(ctx context.Context, opts globalOptions) (*services, error)

var errNoNATS = errors.New("NATS_URL is not configured or unreachable")

// cli holds the lazily built services shared by the subcommands.
type cli struct {
	opts  globalOptions
	build builder
	svc   *services
}

func (c *cli) services(cmd *cobra.Command) (*services, error) {
	if c.svc != nil {
		return c.svc, nil
	}
	svc, err := c.build(cmd.Context(), c.opts)
	if err != nil {
		return nil, err
	}
	if svc.Logger == nil {
		svc.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c.svc = svc
	return svc, nil
}

// newRootCmd builds the command tree. The returned func releases whatever
// services a command built.
func newRootCmd(build builder) (*cobra.Command, func()) {
	c := &cli{build: build}
	root := &cobra.Command{
		Use:           "docctl",
		Short:         "Operate a docrag knowledge base",
		Long:          `Ingest PDFs, ask questions against them and manage stored documents.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.opts.configPath, "config", "", "YAML config file (default $CONFIG_FILE)")
	root.PersistentFlags().BoolVarP(&c.opts.verbose, "verbose", "v", false, "Log at info level")

	root.AddCommand(
		newIngestCmd(c),
		newQueryCmd(c),
		newChatCmd(c),
		newDocsCmd(c),
		newStatsCmd(c),
		newWorkerCmd(c),
	)
	return root, func() {
		if c.svc != nil {
			c.svc.Close()
		}
	}
}
