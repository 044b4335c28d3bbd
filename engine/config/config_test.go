package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/WessleyAI/docrag/engine/domain"
)

// localEnv selects backends that need no credentials.
func localEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("EMBEDDING_BACKEND", "ollama")
	t.Setenv("GENERATION_BACKEND", "ollama")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("USE_AZURE_OPENAI", "")
}

func TestLoadDefaults(t *testing.T) {
	localEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "5001" || cfg.Server.MaxFileSizeBytes() != 50*1024*1024 {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Chunking.Size != 500 || cfg.Chunking.Overlap != 50 {
		t.Errorf("unexpected chunking %+v", cfg.Chunking)
	}
	if cfg.Embedding.Dimension != 384 || cfg.Embedding.Model != "all-minilm" {
		t.Errorf("unexpected embedding %+v", cfg.Embedding)
	}
	if cfg.Generation.Model != "llama3.2" || cfg.Generation.HistoryLimit != 20 {
		t.Errorf("unexpected generation %+v", cfg.Generation)
	}
	if cfg.OCR.Lang != "eng+ind" || cfg.OCR.DPI != 300 {
		t.Errorf("unexpected ocr %+v", cfg.OCR)
	}
	if cfg.Store.Postgres.DB != "maggot_chatbot" {
		t.Errorf("unexpected postgres db %q", cfg.Store.Postgres.DB)
	}
}

func TestAzureSwitch(t *testing.T) {
	localEnv(t)
	t.Setenv("USE_AZURE_OPENAI", "true")
	t.Setenv("EMBEDDING_BATCH_SIZE", "64")
	t.Setenv("AZURE_EMBEDDING_ENDPOINT", "https://embed.example")
	t.Setenv("AZURE_EMBEDDING_API_KEY", "k1")
	t.Setenv("AZURE_CHATBOT_ENDPOINT", "https://chat.example")
	t.Setenv("AZURE_CHATBOT_API_KEY", "k2")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Embedding.Backend != "azure" || cfg.Generation.Backend != "azure" {
		t.Fatalf("expected azure backends, got %s/%s", cfg.Embedding.Backend, cfg.Generation.Backend)
	}
	if cfg.Embedding.Dimension != 3072 {
		t.Errorf("expected 3072, got %d", cfg.Embedding.Dimension)
	}
	if cfg.Embedding.BatchSize != 16 {
		t.Errorf("expected batch size capped at 16, got %d", cfg.Embedding.BatchSize)
	}
	if cfg.Generation.Model != "gpt-4o-mini-2" || cfg.Generation.Azure.APIVersion != "2024-02-01" {
		t.Errorf("unexpected generation %+v", cfg.Generation)
	}
}

func TestAzureMissingCredentials(t *testing.T) {
	localEnv(t)
	t.Setenv("USE_AZURE_OPENAI", "1")
	t.Setenv("AZURE_EMBEDDING_ENDPOINT", "")
	t.Setenv("AZURE_EMBEDDING_API_KEY", "")
	t.Setenv("AZURE_CHATBOT_ENDPOINT", "")
	t.Setenv("AZURE_CHATBOT_API_KEY", "")

	_, err := Load("")
	if !errors.Is(err, domain.ErrMissingField) {
		t.Fatalf("expected missing field, got %v", err)
	}
}

func TestYAMLThenEnv(t *testing.T) {
	localEnv(t)
	path := filepath.Join(t.TempDir(), "docrag.yaml")
	yml := `
server:
  port: "7000"
chunking:
  size: 800
  overlap: 100
ocr:
  page_timeout: 30s
generation:
  top_k: 8
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHUNK_OVERLAP", "120")
	t.Setenv("OCR_WORKERS", "4")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "7000" || cfg.Chunking.Size != 800 || cfg.Generation.TopK != 8 {
		t.Errorf("yaml not applied: %+v", cfg)
	}
	if cfg.Chunking.Overlap != 120 {
		t.Errorf("env should override yaml, got %d", cfg.Chunking.Overlap)
	}
	if cfg.OCR.PageTimeout != 30*time.Second {
		t.Errorf("expected 30s, got %s", cfg.OCR.PageTimeout)
	}
	if cfg.OCR.Workers != 4 {
		t.Errorf("expected 4 ocr workers, got %d", cfg.OCR.Workers)
	}
	if cfg.Server.UploadFolder != "./storage/uploads" {
		t.Errorf("defaults lost: %q", cfg.Server.UploadFolder)
	}
}

func TestInvalidValues(t *testing.T) {
	localEnv(t)
	t.Setenv("CHUNK_SIZE", "abc")
	_, err := Load("")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "CHUNK_SIZE" {
		t.Fatalf("expected CHUNK_SIZE validation error, got %v", err)
	}
}

func TestOverlapMustBeBelowSize(t *testing.T) {
	localEnv(t)
	t.Setenv("CHUNK_SIZE", "100")
	t.Setenv("CHUNK_OVERLAP", "100")
	_, err := Load("")
	if !errors.Is(err, domain.ErrInvalidField) {
		t.Fatalf("expected invalid field, got %v", err)
	}
}

func TestPostgresDSN(t *testing.T) {
	p := Default().Store.Postgres
	p.Password = "secret"
	want := "host=localhost port=5432 dbname=maggot_chatbot user=postgres password=secret sslmode=disable"
	if got := p.DSN(); got != want {
		t.Fatalf("got %q", got)
	}
}
