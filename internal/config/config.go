package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServiceName string
	Port        string
	GinMode     string
	CORSOrigins []string
	LogLevel    string
	LogFormat   string

	// Storage
	StorageBackend      string // "file" (default) or "mongo"
	DataDir             string
	SnapshotCompression string // "none", "gzip" or "brotli"
	MongoURI            string
	DBName              string

	// Redis (summary cache + asynq)
	RedisURL            string
	RedisPassword       string
	RedisDB             int
	SummaryCacheEnabled bool
	SummaryCacheTTL     time.Duration
	QueueConcurrency    int

	// Gemini
	GeminiAPIKey         string
	GeminiTier           string
	ChatModel            string
	SummaryModel         string
	EmbeddingModel       string
	EmbeddingDimension   int
	LLMRequestsPerMinute int

	// Rendering
	PdftoppmPath string
	SofficePath  string
	RenderDPI    int
	PixmapDir    string
	MaxFileSize  int64

	// Inbox watcher
	InboxDir      string
	InboxInterval time.Duration

	// Tracing
	TracingEnabled   bool
	OTLPEndpoint     string
	TraceSampleRatio float64

	PipelineConfigFile string
	Pipeline           PipelineConfig
}

// PipelineConfig is the tuning block of the pipeline. It can be overridden by a
// YAML file named by PIPELINE_CONFIG_FILE.
type PipelineConfig struct {
	MaxConcurrentDocuments  int             `yaml:"max_concurrent_documents"`
	MaxWorkersPerDocument   int             `yaml:"max_workers_per_document"`
	RenderWorkers           int             `yaml:"render_workers"`
	Streaming               bool            `yaml:"streaming"`
	LLMTimeout              time.Duration   `yaml:"llm_timeout"`
	ChunkStrategy           string          `yaml:"chunk_strategy"`
	MaxComponentTokens      int             `yaml:"max_component_tokens"`
	ComponentMergeThreshold int             `yaml:"component_merge_threshold"`
	WindowTokens            int             `yaml:"window_tokens"`
	WindowOverlap           int             `yaml:"window_overlap"`
	SummaryFallbackChars    int             `yaml:"summary_fallback_chars"`
	EmbeddingBatchSize      int             `yaml:"embedding_batch_size"`
	EventBuffer             int             `yaml:"event_buffer"`
	Guardrail               GuardrailConfig `yaml:"guardrail"`
}

// GuardrailConfig mirrors the stream monitor thresholds.
type GuardrailConfig struct {
	WindowSize          int     `yaml:"window_size"`
	MaxLength           int     `yaml:"max_length"`
	RepetitionRatio     float64 `yaml:"repetition_ratio"`
	MaxConsecutiveLines int     `yaml:"max_consecutive_newlines"`
	EscapedNewlineRatio float64 `yaml:"escaped_newline_ratio"`
}

var validChunkStrategies = []string{"component", "hybrid", "fixed"}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "doc-ingest-pipeline"),
		Port:        getEnv("PORT", "8080"),
		GinMode:     getEnv("GIN_MODE", "release"),
		CORSOrigins: strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000"), ","),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		StorageBackend:      getEnv("STORAGE_BACKEND", "file"),
		DataDir:             getEnv("DATA_DIR", "./data"),
		SnapshotCompression: getEnv("SNAPSHOT_COMPRESSION", "none"),
		MongoURI:            getEnv("MONGO_URI", "mongodb://localhost:27017"),
		DBName:              getEnv("DB_NAME", "doc_ingest"),

		RedisURL:            getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:             getEnvInt("REDIS_DB", 0),
		SummaryCacheEnabled: getEnvBool("SUMMARY_CACHE_ENABLED", false),
		SummaryCacheTTL:     getEnvDuration("SUMMARY_CACHE_TTL", 7*24*time.Hour),
		QueueConcurrency:    getEnvInt("QUEUE_CONCURRENCY", 2),

		GeminiAPIKey:         getEnv("GEMINI_API_KEY", ""),
		GeminiTier:           getEnv("GEMINI_TIER", "free"),
		ChatModel:            getEnv("GEMINI_CHAT_MODEL", "gemini-2.0-flash"),
		SummaryModel:         getEnv("GEMINI_SUMMARY_MODEL", "gemini-2.0-flash"),
		EmbeddingModel:       getEnv("GOOGLE_EMBEDDINGS_MODEL", "text-embedding-004"),
		EmbeddingDimension:   getEnvInt("VECTOR_DIM", 768),
		LLMRequestsPerMinute: getEnvInt("LLM_REQUESTS_PER_MINUTE", 0),

		PdftoppmPath: getEnv("PDFTOPPM_PATH", "pdftoppm"),
		SofficePath:  getEnv("SOFFICE_PATH", "soffice"),
		RenderDPI:    getEnvInt("RENDER_DPI", 150),
		PixmapDir:    getEnv("PIXMAP_DIR", ""),
		MaxFileSize:  int64(getEnvInt("MAX_FILE_SIZE_MB", 100)) << 20,

		InboxDir:      getEnv("INBOX_DIR", ""),
		InboxInterval: getEnvDuration("INBOX_INTERVAL", time.Minute),

		TracingEnabled:   getEnvBool("TRACING_ENABLED", false),
		OTLPEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TraceSampleRatio: getEnvFloat64("TRACE_SAMPLE_RATIO", 0.1),

		PipelineConfigFile: getEnv("PIPELINE_CONFIG_FILE", ""),
		Pipeline: PipelineConfig{
			MaxConcurrentDocuments:  getEnvInt("MAX_CONCURRENT_DOCUMENTS", 5),
			MaxWorkersPerDocument:   getEnvInt("MAX_WORKERS_PER_DOCUMENT", 4),
			RenderWorkers:           getEnvInt("RENDER_WORKERS", 0),
			Streaming:               getEnvBool("LLM_STREAMING", true),
			LLMTimeout:              getEnvDuration("LLM_TIMEOUT", 90*time.Second),
			ChunkStrategy:           getEnv("CHUNK_STRATEGY", "component"),
			MaxComponentTokens:      getEnvInt("MAX_COMPONENT_TOKENS", 500),
			ComponentMergeThreshold: getEnvInt("COMPONENT_MERGE_THRESHOLD", 100),
			WindowTokens:            getEnvInt("CHUNK_WINDOW_TOKENS", 200),
			WindowOverlap:           getEnvInt("CHUNK_WINDOW_OVERLAP", 50),
			SummaryFallbackChars:    getEnvInt("SUMMARY_FALLBACK_CHARS", 300),
			EmbeddingBatchSize:      getEnvInt("EMBEDDING_BATCH_SIZE", 100),
			EventBuffer:             getEnvInt("EVENT_BUFFER", 256),
			Guardrail: GuardrailConfig{
				WindowSize:          getEnvInt("GUARDRAIL_WINDOW", 200),
				MaxLength:           getEnvInt("GUARDRAIL_MAX_LENGTH", 50000),
				RepetitionRatio:     getEnvFloat64("GUARDRAIL_REPETITION_RATIO", 0.8),
				MaxConsecutiveLines: getEnvInt("GUARDRAIL_MAX_NEWLINES", 100),
				EscapedNewlineRatio: getEnvFloat64("GUARDRAIL_ESCAPED_NEWLINE_RATIO", 0.5),
			},
		},
	}

	if cfg.PipelineConfigFile != "" {
		if err := cfg.Pipeline.overlay(cfg.PipelineConfigFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlay replaces the fields present in the YAML file at path. Fields the file
// does not mention keep their current values.
func (p *PipelineConfig) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pipeline config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return fmt.Errorf("parse pipeline config %s: %w", path, err)
	}
	return nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	p := c.Pipeline
	positive := map[string]int{
		"max_concurrent_documents":  p.MaxConcurrentDocuments,
		"max_workers_per_document":  p.MaxWorkersPerDocument,
		"max_component_tokens":      p.MaxComponentTokens,
		"component_merge_threshold": p.ComponentMergeThreshold,
		"window_tokens":             p.WindowTokens,
		"embedding_batch_size":      p.EmbeddingBatchSize,
		"event_buffer":              p.EventBuffer,
		"guardrail.window_size":     p.Guardrail.WindowSize,
		"guardrail.max_length":      p.Guardrail.MaxLength,
	}
	for _, name := range slices.Sorted(maps.Keys(positive)) {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, positive[name]))
		}
	}
	if p.WindowOverlap < 0 || p.WindowOverlap >= p.WindowTokens {
		errs = append(errs, fmt.Errorf("window_overlap must be in [0, window_tokens), got %d", p.WindowOverlap))
	}
	if p.RenderWorkers < 0 {
		errs = append(errs, fmt.Errorf("render_workers must not be negative, got %d", p.RenderWorkers))
	}
	if p.LLMTimeout <= 0 {
		errs = append(errs, fmt.Errorf("llm_timeout must be positive, got %s", p.LLMTimeout))
	}
	if !slices.Contains(validChunkStrategies, p.ChunkStrategy) {
		errs = append(errs, fmt.Errorf("chunk_strategy must be one of %v, got %q", validChunkStrategies, p.ChunkStrategy))
	}
	if r := p.Guardrail.RepetitionRatio; r <= 0 || r > 1 {
		errs = append(errs, fmt.Errorf("guardrail.repetition_ratio must be in (0, 1], got %v", r))
	}
	if r := p.Guardrail.EscapedNewlineRatio; r <= 0 || r > 1 {
		errs = append(errs, fmt.Errorf("guardrail.escaped_newline_ratio must be in (0, 1], got %v", r))
	}
	if p.Guardrail.MaxConsecutiveLines <= 0 {
		errs = append(errs, fmt.Errorf("guardrail.max_consecutive_newlines must be positive, got %d", p.Guardrail.MaxConsecutiveLines))
	}
	switch c.StorageBackend {
	case "file", "mongo":
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be file or mongo, got %q", c.StorageBackend))
	}
	switch c.SnapshotCompression {
	case "none", "gzip", "brotli":
	default:
		errs = append(errs, fmt.Errorf("SNAPSHOT_COMPRESSION must be none, gzip or brotli, got %q", c.SnapshotCompression))
	}
	return errors.Join(errs...)
}

// RequireGemini reports an error when no Gemini key is configured. Only the
// commands that call the model need it.
func (c *Config) RequireGemini() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required - set it in .env file")
	}
	return nil
}
