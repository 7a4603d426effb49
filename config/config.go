// Package config loads service settings from the environment, optionally
// layered over a YAML file named by RAG_CONFIG_FILE.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"docqa/app/agent"
	"docqa/model"
	"docqa/pipeline"
	"docqa/retriever"
)

type ServerConfig struct {
	Addr           string `yaml:"addr" json:"addr" validate:"required"`
	MaxUploadBytes int    `yaml:"max_upload_bytes" json:"max_upload_bytes" validate:"min=1"`
}

type PostgresConfig struct {
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	User    string `yaml:"user" json:"user"`
	Pass    string `yaml:"pass" json:"-"`
	DBName  string `yaml:"db_name" json:"db_name"`
	SSLMode string `yaml:"ssl_mode" json:"ssl_mode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
}

// ConnString returns the keyword/value connection string pgx understands.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Pass, p.DBName, p.SSLMode)
}

type EmbedderConfig struct {
	URL        string        `yaml:"url" json:"url" validate:"omitempty,url"`
	Model      string        `yaml:"model" json:"model"`
	Dimensions int           `yaml:"dimensions" json:"dimensions" validate:"min=1,max=16000"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	Fallback   bool          `yaml:"fallback" json:"fallback"`
}

type GeneratorConfig struct {
	URL         string        `yaml:"url" json:"url" validate:"required,url"`
	Model       string        `yaml:"model" json:"model" validate:"required"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	Temperature float64       `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int           `yaml:"max_tokens" json:"max_tokens" validate:"min=1"`
}

type ChunkingConfig struct {
	TargetSize       int     `yaml:"target_size" json:"target_size" validate:"min=1"`
	Overlap          float64 `yaml:"overlap" json:"overlap" validate:"gte=0,lt=1"`
	EmbedConcurrency int     `yaml:"embed_concurrency" json:"embed_concurrency" validate:"min=1,max=64"`
	// Tokenizer is "words" or a tiktoken encoding name.
	Tokenizer string `yaml:"tokenizer" json:"tokenizer"`
}

type RetrievalConfig struct {
	MaxChunks           int     `yaml:"max_chunks" json:"max_chunks" validate:"min=1,max=100"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold" validate:"gte=-1,lte=1"`
	MaxHistoryTurns     int     `yaml:"max_history_turns" json:"max_history_turns" validate:"min=0,max=50"`
	MaxContextTokens    int     `yaml:"max_context_tokens" json:"max_context_tokens" validate:"min=0"`
}

type LoaderConfig struct {
	// Enabled runs the directory loader inside the API process.
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	SourceDir    string        `yaml:"source_dir" json:"source_dir"`
	ArchiveDir   string        `yaml:"archive_dir" json:"archive_dir"`
	BadDir       string        `yaml:"bad_dir" json:"bad_dir"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" validate:"gt=0"`
	StableFor    time.Duration `yaml:"stable_for" json:"stable_for" validate:"gte=0"`
	OrgID        string        `yaml:"org_id" json:"org_id"`
	// CropBox trims headers and footers from PDFs before extraction, in pdfcpu box syntax.
	CropBox string `yaml:"crop_box" json:"crop_box"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=json text"`
}

type Config struct {
	Environment string          `yaml:"environment" json:"environment" validate:"oneof=development test production"`
	Store       string          `yaml:"store" json:"store" validate:"oneof=postgres memory"`
	Server      ServerConfig    `yaml:"server" json:"server"`
	Postgres    PostgresConfig  `yaml:"postgres" json:"postgres"`
	Embedder    EmbedderConfig  `yaml:"embedder" json:"embedder"`
	Generator   GeneratorConfig `yaml:"generator" json:"generator"`
	Chunking    ChunkingConfig  `yaml:"chunking" json:"chunking"`
	Retrieval   RetrievalConfig `yaml:"retrieval" json:"retrieval"`
	Loader      LoaderConfig    `yaml:"loader" json:"loader"`
	Log         LogConfig       `yaml:"log" json:"log"`
}

func Default() Config {
	return Config{
		Environment: "development",
		Store:       "postgres",
		Server: ServerConfig{
			Addr:           ":3000",
			MaxUploadBytes: 50 << 20,
		},
		Postgres: PostgresConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "postgres",
			DBName:  "rag",
			SSLMode: "disable",
		},
		Embedder: EmbedderConfig{
			URL:        model.DefaultEmbeddingURL,
			Model:      model.DefaultEmbeddingModel,
			Dimensions: 768,
			Timeout:    30 * time.Second,
		},
		Generator: GeneratorConfig{
			URL:         agent.DefaultChatURL,
			Model:       agent.DefaultChatModel,
			Timeout:     2 * time.Minute,
			Temperature: 0.1,
			MaxTokens:   1024,
		},
		Chunking: ChunkingConfig{
			TargetSize:       500,
			Overlap:          0.2,
			EmbedConcurrency: 4,
			Tokenizer:        "cl100k_base",
		},
		Retrieval: RetrievalConfig{
			MaxChunks:           5,
			SimilarityThreshold: 0.55,
			MaxHistoryTurns:     6,
			MaxContextTokens:    6000,
		},
		Loader: LoaderConfig{
			SourceDir:    "./data/source",
			ArchiveDir:   "./data/archive",
			BadDir:       "./data/bad",
			PollInterval: 5 * time.Second,
			StableFor:    10 * time.Second,
			OrgID:        "default",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, the optional YAML file and the
// environment, in increasing priority.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("RAG_CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.overlayEnv()
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() {
	c.Environment = envOr("APP_ENV", c.Environment)
	c.Store = envOr("STORE_BACKEND", c.Store)

	c.Server.Addr = envOr("SERVER_ADDR", c.Server.Addr)
	c.Server.MaxUploadBytes = envInt("MAX_UPLOAD_BYTES", c.Server.MaxUploadBytes)

	c.Postgres.Host = envOr("PG_HOST", c.Postgres.Host)
	c.Postgres.Port = envInt("PG_PORT", c.Postgres.Port)
	c.Postgres.User = envOr("PG_USER", c.Postgres.User)
	c.Postgres.Pass = envOr("PG_PASS", c.Postgres.Pass)
	c.Postgres.DBName = envOr("PG_DB_NAME", c.Postgres.DBName)
	c.Postgres.SSLMode = envOr("PG_SSLMODE", c.Postgres.SSLMode)

	c.Embedder.URL = envOr("OLLAMA_EMBEDDING_URL", c.Embedder.URL)
	c.Embedder.Model = envOr("OLLAMA_EMBEDDING_MODEL", c.Embedder.Model)
	c.Embedder.Dimensions = envInt("EMBEDDING_DIMENSIONS", c.Embedder.Dimensions)
	c.Embedder.Timeout = envDuration("EMBEDDING_TIMEOUT", c.Embedder.Timeout)
	c.Embedder.Fallback = envBool("EMBEDDING_FALLBACK", c.Embedder.Fallback)

	c.Generator.URL = envOr("LLM_URL", c.Generator.URL)
	c.Generator.Model = envOr("LLM_MODEL", c.Generator.Model)
	c.Generator.Timeout = envDuration("LLM_TIMEOUT", c.Generator.Timeout)
	c.Generator.Temperature = envFloat("LLM_TEMPERATURE", c.Generator.Temperature)
	c.Generator.MaxTokens = envInt("LLM_MAX_TOKENS", c.Generator.MaxTokens)

	c.Chunking.TargetSize = envInt("CHUNK_SIZE", c.Chunking.TargetSize)
	c.Chunking.Overlap = envFloat("CHUNK_OVERLAP", c.Chunking.Overlap)
	c.Chunking.EmbedConcurrency = envInt("EMBED_CONCURRENCY", c.Chunking.EmbedConcurrency)
	c.Chunking.Tokenizer = envOr("TOKENIZER", c.Chunking.Tokenizer)

	c.Retrieval.MaxChunks = envInt("MAX_CHUNKS", c.Retrieval.MaxChunks)
	c.Retrieval.SimilarityThreshold = envFloat("SIMILARITY_THRESHOLD", c.Retrieval.SimilarityThreshold)
	c.Retrieval.MaxHistoryTurns = envInt("MAX_HISTORY_TURNS", c.Retrieval.MaxHistoryTurns)
	c.Retrieval.MaxContextTokens = envInt("MAX_CONTEXT_TOKENS", c.Retrieval.MaxContextTokens)

	c.Loader.Enabled = envBool("LOADER_ENABLED", c.Loader.Enabled)
	c.Loader.SourceDir = envOr("LOADER_SOURCE_DIR", c.Loader.SourceDir)
	c.Loader.ArchiveDir = envOr("LOADER_ARCHIVE_DIR", c.Loader.ArchiveDir)
	c.Loader.BadDir = envOr("LOADER_BAD_DIR", c.Loader.BadDir)
	c.Loader.PollInterval = envDuration("LOADER_POLL_INTERVAL", c.Loader.PollInterval)
	c.Loader.StableFor = envDuration("LOADER_STABLE_FOR", c.Loader.StableFor)
	c.Loader.OrgID = envOr("LOADER_ORG_ID", c.Loader.OrgID)
	c.Loader.CropBox = envOr("LOADER_CROP_BOX", c.Loader.CropBox)

	c.Log.Level = strings.ToLower(envOr("LOG_LEVEL", c.Log.Level))
	c.Log.Format = strings.ToLower(envOr("LOG_FORMAT", c.Log.Format))
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", e.Namespace(), e.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	if !c.Embedder.Fallback && c.Embedder.URL == "" {
		return errors.New("invalid config: OLLAMA_EMBEDDING_URL is required unless EMBEDDING_FALLBACK is set")
	}
	if c.Embedder.Fallback && c.Environment == "production" {
		return errors.New("invalid config: EMBEDDING_FALLBACK cannot be enabled in production")
	}
	return nil
}

func (c Config) EmbedderConfig() model.EmbedderConfig {
	return model.EmbedderConfig{
		URL:         c.Embedder.URL,
		Model:       c.Embedder.Model,
		Dimensions:  c.Embedder.Dimensions,
		Timeout:     c.Embedder.Timeout,
		Fallback:    c.Embedder.Fallback,
		Environment: c.Environment,
	}
}

func (c Config) ChatConfig() agent.ChatConfig {
	return agent.ChatConfig{URL: c.Generator.URL, Model: c.Generator.Model, Timeout: c.Generator.Timeout}
}

func (c Config) RetrieverConfig() retriever.Config {
	return retriever.Config{MaxChunks: c.Retrieval.MaxChunks, SimilarityThreshold: c.Retrieval.SimilarityThreshold}
}

func (c Config) PromptConfig() agent.PromptConfig {
	return agent.PromptConfig{MaxHistoryTurns: c.Retrieval.MaxHistoryTurns, MaxContextTokens: c.Retrieval.MaxContextTokens}
}

func (c Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Chunking: pipeline.ChunkingConfig{
			TargetSize:       c.Chunking.TargetSize,
			Overlap:          c.Chunking.Overlap,
			EmbedConcurrency: c.Chunking.EmbedConcurrency,
		},
		Generation: agent.Params{Temperature: c.Generator.Temperature, MaxTokens: c.Generator.MaxTokens},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
