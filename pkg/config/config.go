package config

import "time"

// Config is the root configuration of the retrieval pipeline.
type Config struct {
	Chunking   ChunkingConfig   `koanf:"chunking"   validate:"required"`
	Vectorizer VectorizerConfig `koanf:"vectorizer" validate:"required"`
	Store      StoreConfig      `koanf:"store"      validate:"required"`
	Retrieval  RetrievalConfig  `koanf:"retrieval"  validate:"required"`
	Ingestion  IngestionConfig  `koanf:"ingestion"  validate:"required"`
	Documents  DocumentsConfig  `koanf:"documents"  validate:"required"`
	Redis      RedisConfig      `koanf:"redis"`
	Runtime    RuntimeConfig    `koanf:"runtime"`
}

// ChunkingConfig controls the sliding window used to split documents.
type ChunkingConfig struct {
	Size    int `koanf:"size"    validate:"gt=0"`
	Overlap int `koanf:"overlap" validate:"gte=0"`
}

// VectorizerConfig controls TF-IDF fitting and model lifecycle.
type VectorizerConfig struct {
	MaxFeatures   int    `koanf:"max_features"   validate:"gt=0"`
	Scope         string `koanf:"scope"          validate:"oneof=tenant global"`
	NgramMax      int    `koanf:"ngram_max"      validate:"min=1,max=3"`
	StopWords     bool   `koanf:"stop_words"`
	AutoFit       bool   `koanf:"auto_fit"`
	CacheSize     int    `koanf:"cache_size"     validate:"gte=0"`
	RefitSchedule string `koanf:"refit_schedule"`
	ModelStore    string `koanf:"model_store"    validate:"oneof=memory filesystem redis"`
	ModelDir      string `koanf:"model_dir"`
}

// StoreConfig selects and configures the vector store backend.
type StoreConfig struct {
	Provider string        `koanf:"provider" validate:"oneof=memory filesystem redis pgvector qdrant"`
	DSN      string        `koanf:"dsn"`
	URL      string        `koanf:"url"`
	APIKey   string        `koanf:"api_key"`
	Path     string        `koanf:"path"`
	Table    string        `koanf:"table"`
	Timeout  time.Duration `koanf:"timeout"  validate:"gt=0"`
	Breaker  BreakerConfig `koanf:"breaker"`
}

// BreakerConfig configures the circuit breaker placed in front of the backend.
type BreakerConfig struct {
	Enabled                 bool          `koanf:"enabled"`
	ErrorPercentThreshold   int           `koanf:"error_percent_threshold"    validate:"min=0,max=100"`
	MinimumRequests         int           `koanf:"minimum_requests"           validate:"gte=0"`
	WaitDurationInOpenState time.Duration `koanf:"wait_duration_in_open_state"`
}

// RetrievalConfig controls ranking and context assembly.
type RetrievalConfig struct {
	MaxResults      int     `koanf:"max_results"       validate:"gt=0"`
	MaxContextChars int     `koanf:"max_context_chars" validate:"gt=0"`
	MinScore        float64 `koanf:"min_score"         validate:"gte=0,lte=1"`
	TokenEncoding   string  `koanf:"token_encoding"`
	CacheSize       int     `koanf:"cache_size"        validate:"gte=0"`
}

// IngestionConfig controls retries and parallelism of the ingestion pipeline.
type IngestionConfig struct {
	MaxRetries   int           `koanf:"max_retries"   validate:"gte=0"`
	RetryBackoff time.Duration `koanf:"retry_backoff" validate:"gt=0"`
	MaxBackoff   time.Duration `koanf:"max_backoff"   validate:"gt=0"`
	Concurrency  int           `koanf:"concurrency"   validate:"gt=0"`
	Workers      int           `koanf:"workers"       validate:"gt=0"`
	QueueSize    int           `koanf:"queue_size"    validate:"gt=0"`
	Timeout      time.Duration `koanf:"timeout"       validate:"gt=0"`
}

// DocumentsConfig selects the document record store.
type DocumentsConfig struct {
	Provider string `koanf:"provider" validate:"oneof=memory redis sqlite"`
	Path     string `koanf:"path"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"gte=0"`
	Prefix   string `koanf:"prefix"`
}

type RuntimeConfig struct {
	LogLevel string `koanf:"log_level" validate:"omitempty,oneof=debug info warn error disabled"`
	LogJSON  bool   `koanf:"log_json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Chunking: ChunkingConfig{
			Size:    1000,
			Overlap: 200,
		},
		Vectorizer: VectorizerConfig{
			MaxFeatures: 5000,
			Scope:       "tenant",
			NgramMax:    2,
			StopWords:   true,
			AutoFit:     true,
			CacheSize:   1024,
			ModelStore:  "filesystem",
			ModelDir:    "./data/models",
		},
		Store: StoreConfig{
			Provider: "memory",
			Path:     "./data/vectors",
			Table:    "knowledge_chunks",
			Timeout:  10 * time.Second,
			Breaker: BreakerConfig{
				ErrorPercentThreshold:   50,
				MinimumRequests:         10,
				WaitDurationInOpenState: 5 * time.Second,
			},
		},
		Retrieval: RetrievalConfig{
			MaxResults:      5,
			MaxContextChars: 4000,
			MinScore:        0,
			CacheSize:       1000,
		},
		Ingestion: IngestionConfig{
			MaxRetries:   3,
			RetryBackoff: 200 * time.Millisecond,
			MaxBackoff:   5 * time.Second,
			Concurrency:  4,
			Workers:      2,
			QueueSize:    64,
			Timeout:      2 * time.Minute,
		},
		Documents: DocumentsConfig{
			Provider: "memory",
			Path:     "./data/documents.db",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "skynet",
		},
		Runtime: RuntimeConfig{
			LogLevel: "info",
		},
	}
}
