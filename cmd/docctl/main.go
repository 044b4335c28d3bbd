// Command docctl is the docrag operator CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/WessleyAI/docrag/engine/app"
	"github.com/WessleyAI/docrag/engine/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root, closeServices := newRootCmd(buildServices)
	err := root.ExecuteContext(ctx)
	closeServices()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildServices loads configuration and builds the full application.
func buildServices(ctx context.Context, opts globalOptions) (*services, error) {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &services{
		RAG:     a.RAG,
		Ingest:  a.Ingest,
		Docs:    a.Store,
		NATS:    a.NATS,
		SkipOCR: cfg.OCR.Skip,
		Logger:  logger,
		close:   func() { a.Close(context.Background()) },
	}, nil
}
