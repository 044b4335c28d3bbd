// Package main implements the docrag API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/docrag/engine/app"
	"github.com/WessleyAI/docrag/engine/config"
	"github.com/WessleyAI/docrag/pkg/mid"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	configPath := flag.String("config", "", "YAML config file (default $CONFIG_FILE)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer a.Close(context.Background())

	api := &server{
		rag:       a.RAG,
		ingest:    a.Ingest,
		docs:      a.Store,
		metrics:   a.Registry.Handler(),
		maxUpload: cfg.Server.MaxFileSizeBytes(),
		maxSizeMB: cfg.Server.MaxFileSizeMB,
		logger:    logger,
	}
	handler := mid.Chain(api.routes(),
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.CORS(cfg.Server.CORSOrigin),
		mid.OTel("docrag-api"),
	)

	var metricsSrv *http.Server
	if cfg.Server.MetricsPort > 0 {
		metricsSrv = a.Registry.ServeAsync(cfg.Server.MetricsPort, logger)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutCtx)
	}
	return srv.Shutdown(shutCtx)
}
