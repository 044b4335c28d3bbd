// Package config loads docrag settings from a .env file, an optional YAML
// file and the process environment, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/docrag/engine/domain"
)

// Server holds HTTP and upload settings.
type Server struct {
	Port              string   `yaml:"port" validate:"required"`
	UploadFolder      string   `yaml:"upload_folder" validate:"required"`
	MaxFileSizeMB     int64    `yaml:"max_file_size_mb" validate:"gt=0"`
	AllowedExtensions []string `yaml:"allowed_extensions" validate:"min=1"`
	CORSOrigin        string   `yaml:"cors_origin"`
	MetricsPort       int      `yaml:"metrics_port" validate:"gte=0"`
}

// MaxFileSizeBytes is the upload limit in bytes.
func (s Server) MaxFileSizeBytes() int64 { return s.MaxFileSizeMB * 1024 * 1024 }

// OCR configures the rasterize + recognize path.
type OCR struct {
	Lang         string        `yaml:"lang" validate:"required"`
	Skip         bool          `yaml:"skip"`
	TesseractCmd string        `yaml:"tesseract_cmd" validate:"required"`
	PdftoppmCmd  string        `yaml:"pdftoppm_cmd" validate:"required"`
	DPI          int           `yaml:"dpi" validate:"gt=0"`
	PageTimeout  time.Duration `yaml:"page_timeout" validate:"gt=0"`
	Workers      int           `yaml:"workers" validate:"gte=1,lte=16"`
}

// Chunking configures the splitter.
type Chunking struct {
	Size    int `yaml:"size" validate:"gt=0"`
	Overlap int `yaml:"overlap" validate:"gte=0,ltfield=Size"`
}

// Azure is one Azure OpenAI deployment.
type Azure struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Deployment string `yaml:"deployment"`
	APIVersion string `yaml:"api_version"`
}

// Embedding selects and configures the embedding backend.
type Embedding struct {
	Backend   string        `yaml:"backend" validate:"oneof=ollama openai azure gemini"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension" validate:"gt=0"`
	BatchSize int           `yaml:"batch_size" validate:"gt=0"`
	RateLimit float64       `yaml:"rate_limit" validate:"gte=0"`
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
	OllamaURL string        `yaml:"ollama_url"`
	OpenAIURL string        `yaml:"openai_url"`
	OpenAIKey string        `yaml:"openai_api_key"`
	GeminiKey string        `yaml:"gemini_api_key"`
	Azure     Azure         `yaml:"azure"`
}

// Generation selects and configures the chat backend and retrieval defaults.
type Generation struct {
	Backend         string        `yaml:"backend" validate:"oneof=openai azure anthropic gemini ollama"`
	Model           string        `yaml:"model"`
	Temperature     float64       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens       int           `yaml:"max_tokens" validate:"gt=0"`
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
	HistoryLimit    int           `yaml:"history_limit" validate:"gte=0"`
	TopK            int           `yaml:"top_k" validate:"gt=0"`
	MinSimilarity   float64       `yaml:"min_similarity" validate:"gte=-1,lte=1"`
	ExpandNeighbors bool          `yaml:"expand_neighbors"`
	OllamaURL       string        `yaml:"ollama_url"`
	OpenAIURL       string        `yaml:"openai_url"`
	OpenAIKey       string        `yaml:"openai_api_key"`
	AnthropicKey    string        `yaml:"anthropic_api_key"`
	GeminiKey       string        `yaml:"gemini_api_key"`
	Azure           Azure         `yaml:"azure"`
}

// Postgres holds connection settings for the pgvector store.
type Postgres struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       string `yaml:"db"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN renders a libpq keyword/value connection string.
func (p Postgres) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		p.Host, p.Port, p.DB, p.User, p.Password, p.SSLMode)
}

// Store selects and configures the vector store.
type Store struct {
	Backend          string   `yaml:"backend" validate:"oneof=postgres sqlite qdrant"`
	Postgres         Postgres `yaml:"postgres"`
	SQLitePath       string   `yaml:"sqlite_path"`
	QdrantURL        string   `yaml:"qdrant_url"`
	QdrantCollection string   `yaml:"qdrant_collection"`
}

// Messaging holds optional NATS settings.
type Messaging struct {
	NATSURL string `yaml:"nats_url"`
}

// Graph holds optional Neo4j settings.
type Graph struct {
	URL  string `yaml:"url"`
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
}

// Config is the root configuration.
type Config struct {
	Server     Server     `yaml:"server"`
	OCR        OCR        `yaml:"ocr"`
	Chunking   Chunking   `yaml:"chunking"`
	Embedding  Embedding  `yaml:"embedding"`
	Generation Generation `yaml:"generation"`
	Store      Store      `yaml:"store"`
	Messaging  Messaging  `yaml:"messaging"`
	Graph      Graph      `yaml:"graph"`
}

// Default returns the built-in defaults. Embedding dimension and models are
// left zero and resolved per backend in Load.
func Default() Config {
	return Config{
		Server: Server{
			Port:              "5001",
			UploadFolder:      "./storage/uploads",
			MaxFileSizeMB:     50,
			AllowedExtensions: []string{"pdf"},
			CORSOrigin:        "*",
			MetricsPort:       9091,
		},
		OCR: OCR{
			Lang:         "eng+ind",
			TesseractCmd: "tesseract",
			PdftoppmCmd:  "pdftoppm",
			DPI:          300,
			PageTimeout:  2 * time.Minute,
			Workers:      2,
		},
		Chunking: Chunking{Size: 500, Overlap: 50},
		Embedding: Embedding{
			Backend:   "ollama",
			BatchSize: 16,
			RateLimit: 5,
			Timeout:   60 * time.Second,
			OllamaURL: "http://localhost:11434",
			OpenAIURL: "https://api.openai.com/v1",
			Azure: Azure{
				Deployment: "text-embedding-3-large",
				APIVersion: "2023-05-15",
			},
		},
		Generation: Generation{
			Backend:       "openai",
			Temperature:   0.7,
			MaxTokens:     1000,
			Timeout:       90 * time.Second,
			HistoryLimit:  20,
			TopK:          5,
			MinSimilarity: 0.3,
			OllamaURL:     "http://localhost:11434",
			OpenAIURL:     "https://api.openai.com/v1",
			Azure: Azure{
				Deployment: "gpt-4o-mini-2",
				APIVersion: "2024-02-01",
			},
		},
		Store: Store{
			Backend: "postgres",
			Postgres: Postgres{
				Host:    "localhost",
				Port:    5432,
				DB:      "maggot_chatbot",
				User:    "postgres",
				SSLMode: "disable",
			},
			SQLitePath:       "./storage/docrag.db",
			QdrantURL:        "localhost:6334",
			QdrantCollection: "docrag",
		},
	}
}

var defaultEmbedModels = map[string]struct {
	model string
	dim   int
}{
	"ollama": {"all-minilm", 384},
	"openai": {"text-embedding-3-small", 1536},
	"azure":  {"text-embedding-3-large", 3072},
	"gemini": {"gemini-embedding-001", 768},
}

var defaultChatModels = map[string]string{
	"openai":    "gpt-4o-mini",
	"azure":     "gpt-4o-mini-2",
	"anthropic": "claude-3-5-haiku-latest",
	"gemini":    "gemini-2.0-flash",
	"ollama":    "llama3.2",
}

// Load builds the configuration. path names an optional YAML file; when empty
// CONFIG_FILE is consulted. A missing .env is not an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	resolveDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct rules plus the credentials each backend needs.
func (c Config) Validate() error {
	if err := domain.ValidateStruct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	var errs []error
	need := func(ok bool, field string) {
		if !ok {
			errs = append(errs, domain.NewValidationError(field, "", domain.ErrMissingField))
		}
	}
	switch c.Embedding.Backend {
	case "azure":
		need(c.Embedding.Azure.Endpoint != "", "embedding.azure.endpoint")
		need(c.Embedding.Azure.APIKey != "", "embedding.azure.api_key")
	case "openai":
		need(c.Embedding.OpenAIKey != "", "embedding.openai_api_key")
	case "gemini":
		need(c.Embedding.GeminiKey != "", "embedding.gemini_api_key")
	}
	switch c.Generation.Backend {
	case "azure":
		need(c.Generation.Azure.Endpoint != "", "generation.azure.endpoint")
		need(c.Generation.Azure.APIKey != "", "generation.azure.api_key")
	case "openai":
		need(c.Generation.OpenAIKey != "", "generation.openai_api_key")
	case "anthropic":
		need(c.Generation.AnthropicKey != "", "generation.anthropic_api_key")
	case "gemini":
		need(c.Generation.GeminiKey != "", "generation.gemini_api_key")
	}
	switch c.Store.Backend {
	case "sqlite":
		need(c.Store.SQLitePath != "", "store.sqlite_path")
	case "qdrant":
		need(c.Store.QdrantURL != "", "store.qdrant_url")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func resolveDefaults(cfg *Config) {
	if d, ok := defaultEmbedModels[cfg.Embedding.Backend]; ok {
		if cfg.Embedding.Model == "" {
			cfg.Embedding.Model = d.model
		}
		if cfg.Embedding.Dimension == 0 {
			cfg.Embedding.Dimension = d.dim
		}
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = defaultChatModels[cfg.Generation.Backend]
	}
	if cfg.Generation.Backend == "azure" && cfg.Generation.Azure.Deployment != "" {
		cfg.Generation.Model = cfg.Generation.Azure.Deployment
	}
	// Azure caps embedding requests at 16 inputs.
	if cfg.Embedding.Backend == "azure" && cfg.Embedding.BatchSize > 16 {
		cfg.Embedding.BatchSize = 16
	}
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, set func(string) error) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if err := set(v); err != nil {
				errs = append(errs, domain.NewValidationError(key, v, domain.ErrInvalidField))
			}
		}
	}
	intVar := func(key string, dst *int) {
		num(key, func(v string) (err error) { *dst, err = strconv.Atoi(v); return })
	}
	int64Var := func(key string, dst *int64) {
		num(key, func(v string) (err error) { *dst, err = strconv.ParseInt(v, 10, 64); return })
	}
	floatVar := func(key string, dst *float64) {
		num(key, func(v string) (err error) { *dst, err = strconv.ParseFloat(v, 64); return })
	}
	boolVar := func(key string, dst *bool) {
		num(key, func(v string) (err error) { *dst, err = strconv.ParseBool(v); return })
	}
	durVar := func(key string, dst *time.Duration) {
		num(key, func(v string) (err error) { *dst, err = time.ParseDuration(v); return })
	}

	s := &cfg.Server
	str("PORT", &s.Port)
	str("UPLOAD_FOLDER", &s.UploadFolder)
	int64Var("MAX_FILE_SIZE", &s.MaxFileSizeMB)
	if v := os.Getenv("ALLOWED_EXTENSIONS"); v != "" {
		s.AllowedExtensions = splitList(v)
	}
	str("CORS_ORIGIN", &s.CORSOrigin)
	intVar("METRICS_PORT", &s.MetricsPort)

	o := &cfg.OCR
	str("OCR_LANG", &o.Lang)
	boolVar("SKIP_OCR", &o.Skip)
	str("TESSERACT_CMD", &o.TesseractCmd)
	str("PDFTOPPM_CMD", &o.PdftoppmCmd)
	intVar("OCR_DPI", &o.DPI)
	durVar("OCR_TIMEOUT", &o.PageTimeout)
	intVar("OCR_WORKERS", &o.Workers)

	intVar("CHUNK_SIZE", &cfg.Chunking.Size)
	intVar("CHUNK_OVERLAP", &cfg.Chunking.Overlap)

	e := &cfg.Embedding
	str("EMBEDDING_BACKEND", &e.Backend)
	str("EMBEDDING_MODEL", &e.Model)
	intVar("VECTOR_DIMENSION", &e.Dimension)
	intVar("EMBEDDING_BATCH_SIZE", &e.BatchSize)
	floatVar("EMBEDDING_RATE_LIMIT", &e.RateLimit)
	durVar("EMBEDDING_TIMEOUT", &e.Timeout)
	str("OLLAMA_URL", &e.OllamaURL)
	str("OPENAI_BASE_URL", &e.OpenAIURL)
	str("OPENAI_API_KEY", &e.OpenAIKey)
	str("GEMINI_API_KEY", &e.GeminiKey)
	str("AZURE_EMBEDDING_ENDPOINT", &e.Azure.Endpoint)
	str("AZURE_EMBEDDING_API_KEY", &e.Azure.APIKey)
	str("AZURE_EMBEDDING_DEPLOYMENT", &e.Azure.Deployment)
	str("AZURE_EMBEDDING_API_VERSION", &e.Azure.APIVersion)

	g := &cfg.Generation
	str("GENERATION_BACKEND", &g.Backend)
	str("GENERATION_MODEL", &g.Model)
	floatVar("TEMPERATURE", &g.Temperature)
	intVar("MAX_TOKENS", &g.MaxTokens)
	durVar("GENERATION_TIMEOUT", &g.Timeout)
	intVar("CHAT_HISTORY_LIMIT", &g.HistoryLimit)
	intVar("TOP_K", &g.TopK)
	floatVar("MIN_SIMILARITY", &g.MinSimilarity)
	boolVar("EXPAND_NEIGHBORS", &g.ExpandNeighbors)
	str("OLLAMA_URL", &g.OllamaURL)
	str("OPENAI_BASE_URL", &g.OpenAIURL)
	str("OPENAI_API_KEY", &g.OpenAIKey)
	str("ANTHROPIC_API_KEY", &g.AnthropicKey)
	str("GEMINI_API_KEY", &g.GeminiKey)
	str("AZURE_CHATBOT_ENDPOINT", &g.Azure.Endpoint)
	str("AZURE_CHATBOT_API_KEY", &g.Azure.APIKey)
	str("AZURE_CHATBOT_DEPLOYMENT", &g.Azure.Deployment)
	str("AZURE_CHATBOT_API_VERSION", &g.Azure.APIVersion)

	var useAzure bool
	boolVar("USE_AZURE_OPENAI", &useAzure)
	if useAzure {
		e.Backend = "azure"
		g.Backend = "azure"
	}

	st := &cfg.Store
	str("STORE_BACKEND", &st.Backend)
	str("POSTGRES_HOST", &st.Postgres.Host)
	intVar("POSTGRES_PORT", &st.Postgres.Port)
	str("POSTGRES_DB", &st.Postgres.DB)
	str("POSTGRES_USER", &st.Postgres.User)
	str("POSTGRES_PASSWORD", &st.Postgres.Password)
	str("POSTGRES_SSLMODE", &st.Postgres.SSLMode)
	str("SQLITE_PATH", &st.SQLitePath)
	str("QDRANT_URL", &st.QdrantURL)
	str("QDRANT_COLLECTION", &st.QdrantCollection)

	str("NATS_URL", &cfg.Messaging.NATSURL)
	str("NEO4J_URL", &cfg.Graph.URL)
	str("NEO4J_USER", &cfg.Graph.User)
	str("NEO4J_PASS", &cfg.Graph.Pass)

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(p), ".")); p != "" {
			out = append(out, p)
		}
	}
	return out
}
