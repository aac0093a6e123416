package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds runtime configuration for the library backend.
type Config struct {
	// Server
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	DataDir  string `env:"DATA_DIR" envDefault:"./data"`

	// Backend providers
	StoreProvider  string `env:"STORE_PROVIDER" envDefault:"sqlite"`  // "sqlite", "postgres" or "memory"
	IndexProvider  string `env:"INDEX_PROVIDER" envDefault:"sqlite"`  // "sqlite", "postgres" or "memory"
	LedgerProvider string `env:"LEDGER_PROVIDER" envDefault:"sqlite"` // "sqlite", "postgres" or "memory"
	CacheProvider  string `env:"CACHE_PROVIDER" envDefault:"memory"`  // "memory", "redis" or "none"
	QueueProvider  string `env:"QUEUE_PROVIDER" envDefault:"memory"`  // "memory" or "nats"
	DatabaseURL    string `env:"DATABASE_URL"`
	RedisAddr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	NATSURL        string `env:"NATS_URL"`

	// LLM provider. The default endpoint speaks the OpenAI wire protocol,
	// so any compatible base URL works here.
	LLMBaseURL     string `env:"LLM_BASE_URL" envDefault:"https://api.venice.ai/api/v1"`
	LLMAPIKey      string `env:"LLM_API_KEY"`
	LLMModel       string `env:"LLM_MODEL" envDefault:"venice-xl"`
	EmbeddingModel string `env:"EMBEDDING_MODEL" envDefault:"text-embedding-bge-m3"`
	EmbeddingDims  int    `env:"EMBEDDING_DIMENSIONS" envDefault:"1024"`

	// Gateway: response cache, quota window, retry
	CacheTTL         time.Duration `env:"CACHE_TTL" envDefault:"1h"`
	QuotaCap         int           `env:"QUOTA_CAP" envDefault:"20"`
	QuotaWindow      time.Duration `env:"QUOTA_WINDOW" envDefault:"60s"`
	QuotaMaxWait     time.Duration `env:"QUOTA_MAX_WAIT" envDefault:"30s"`
	ProviderTimeout  time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"60s"`
	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetryBase        time.Duration `env:"RETRY_BASE" envDefault:"1s"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`

	// Pricing, USD per million tokens
	PriceInputPerMTok  float64 `env:"PRICE_INPUT_PER_MTOK" envDefault:"0.70"`
	PriceOutputPerMTok float64 `env:"PRICE_OUTPUT_PER_MTOK" envDefault:"2.80"`

	// Summarization
	SummaryConcurrency  int     `env:"SUMMARY_CONCURRENCY" envDefault:"4"`
	SummaryMaxTokens    int     `env:"SUMMARY_MAX_TOKENS" envDefault:"2048"`
	ContextBudgetTokens int     `env:"CONTEXT_BUDGET_TOKENS" envDefault:"6000"`
	SummaryTemperature  float64 `env:"SUMMARY_TEMPERATURE" envDefault:"0.7"`

	// Query handling
	QueryTemperature float64 `env:"QUERY_TEMPERATURE" envDefault:"0.3"`
	QueryTopK        int     `env:"QUERY_TOP_K" envDefault:"5"`

	// Selection: relevance score 0-100 a book must reach before it is
	// summarized; 0 accepts everything without an evaluation call.
	SelectionThreshold int `env:"SELECTION_THRESHOLD" envDefault:"0"`

	// Orchestrator
	TaskMaxAttempts  int           `env:"TASK_MAX_ATTEMPTS" envDefault:"5"`
	WatchdogInterval time.Duration `env:"WATCHDOG_INTERVAL" envDefault:"15s"`
	WatchdogTimeout  time.Duration `env:"WATCHDOG_TIMEOUT" envDefault:"2m"`
	MemoryBudgetMB   int64         `env:"MEMORY_BUDGET_MB" envDefault:"12288"`
	TaskMemoryMB     int64         `env:"TASK_MEMORY_MB" envDefault:"2048"`

	// Client-facing API rate limit
	APIRateRPS   float64 `env:"API_RATE_RPS" envDefault:"10"`
	APIRateBurst int     `env:"API_RATE_BURST" envDefault:"20"`

	// Vector snapshot target; derived from DataDir when unset.
	SnapshotPath string `env:"SNAPSHOT_PATH"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Warn("failed to parse env; using defaults where set", "err", err)
	}
	return cfg
}

// SnapshotFile returns the vector snapshot path, defaulting into DataDir.
func (c Config) SnapshotFile() string {
	if c.SnapshotPath != "" {
		return c.SnapshotPath
	}
	return filepath.Join(c.DataDir, "vectors.snapshot.json")
}
