// Package app wires configuration into the running service: storage,
// cache, queue, the provider gateway, the vector index, and the agent
// orchestrator with its four agents registered.
package app

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/openai/openai-go/v3"

	"bookbot/internal/agent"
	"bookbot/internal/cache"
	"bookbot/internal/clock"
	"bookbot/internal/config"
	"bookbot/internal/embeddings"
	"bookbot/internal/gateway"
	"bookbot/internal/index"
	"bookbot/internal/ledger"
	"bookbot/internal/llm"
	"bookbot/internal/logger"
	"bookbot/internal/queue"
	"bookbot/internal/resource"
	"bookbot/internal/retry"
	"bookbot/internal/store"
	"bookbot/internal/summarize"
)

// Deps bundles the runtime dependencies of the service.
type Deps struct {
	Config  config.Config
	Log     *slog.Logger
	Store   store.Store
	Ledger  ledger.Ledger
	Index   *index.Manager
	Queue   queue.Queue
	Gateway *gateway.Gateway
	Tracker *resource.Tracker
	Orch    *agent.Orchestrator

	closers []func() error
}

// Build loads env and config and assembles every component. The returned
// orchestrator has all agents registered and is ready to Run.
func Build() (*Deps, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	cfg := config.Load()
	log := logger.New(cfg.LogLevel)
	clk := clock.Wall{}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	d := &Deps{Config: cfg, Log: log}
	ok := false
	defer func() {
		if !ok {
			_ = d.Close()
		}
	}()

	st, err := buildStore(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	d.Store = st
	d.addCloser(st.Close)

	led, err := buildLedger(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("initializing ledger: %w", err)
	}
	d.Ledger = led
	d.addCloser(led.Close)

	idxStore, err := buildIndexStore(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("initializing index store: %w", err)
	}
	d.addCloser(idxStore.Close)

	cch, err := buildCache(cfg, log, clk)
	if err != nil {
		return nil, fmt.Errorf("initializing cache: %w", err)
	}
	d.addCloser(cch.Close)

	q, qClose, err := buildQueue(cfg, log, clk)
	if err != nil {
		return nil, fmt.Errorf("initializing queue: %w", err)
	}
	d.Queue = q
	if qClose != nil {
		d.addCloser(qClose)
	}

	if cfg.LLMAPIKey == "" {
		return nil, errors.New("LLM_API_KEY is required")
	}
	client, err := llm.NewOpenAIClient(cfg.LLMAPIKey, cfg.LLMBaseURL, openai.ChatModel(cfg.LLMModel))
	if err != nil {
		return nil, fmt.Errorf("initializing provider client: %w", err)
	}
	embedder, err := embeddings.NewOpenAIEmbedder(cfg.LLMAPIKey, cfg.LLMBaseURL, openai.EmbeddingModel(cfg.EmbeddingModel))
	if err != nil {
		return nil, fmt.Errorf("initializing embedder: %w", err)
	}

	pol := retry.Policy{MaxAttempts: cfg.RetryMaxAttempts, Base: cfg.RetryBase, MaxDelay: cfg.RetryMaxDelay}
	d.Gateway = gateway.New(client, embedder, log, gateway.Options{
		Cache:        cch,
		Ledger:       led,
		Window:       gateway.NewQuotaWindow(cfg.QuotaCap, cfg.QuotaWindow, clk),
		Clock:        clk,
		Retry:        pol,
		Pricing:      gateway.Pricing{InputPerMTok: cfg.PriceInputPerMTok, OutputPerMTok: cfg.PriceOutputPerMTok},
		CacheTTL:     cfg.CacheTTL,
		QuotaMaxWait: cfg.QuotaMaxWait,
		CallTimeout:  cfg.ProviderTimeout,
	})
	d.Index = index.NewManager(idxStore, d.Gateway, cfg.EmbeddingModel, cfg.EmbeddingDims, clk, log)

	d.Tracker = resource.NewTracker(int(cfg.MemoryBudgetMB), log)
	d.addCloser(d.Tracker.Close)

	d.Orch = agent.NewOrchestrator(q, st, d.Tracker, clk, log, agent.Options{
		TaskMaxAttempts:  cfg.TaskMaxAttempts,
		TaskMemoryMB:     int(cfg.TaskMemoryMB),
		WatchdogInterval: cfg.WatchdogInterval,
		WatchdogTimeout:  cfg.WatchdogTimeout,
		Retry:            pol,
	})
	pipeline := summarize.New(st, d.Gateway, d.Index, log, summarize.Options{
		Model:         cfg.LLMModel,
		Concurrency:   cfg.SummaryConcurrency,
		MaxTokens:     cfg.SummaryMaxTokens,
		ContextBudget: cfg.ContextBudgetTokens,
		Temperature:   cfg.SummaryTemperature,
		Heartbeat:     func() { d.Orch.Heartbeat(agent.KindSummarization) },
	})
	d.Orch.Register(func() agent.Agent {
		return agent.NewSelection(st, d.Gateway, q, log, agent.SelectionOptions{
			Model:       cfg.LLMModel,
			Threshold:   cfg.SelectionThreshold,
			MaxAttempts: cfg.TaskMaxAttempts,
		})
	})
	d.Orch.Register(func() agent.Agent {
		return agent.NewSummarization(pipeline, q, log, cfg.TaskMaxAttempts)
	})
	d.Orch.Register(func() agent.Agent {
		return agent.NewLibrarian(st, d.Index, log)
	})
	d.Orch.RegisterQuery(agent.NewQueryHandler(st, d.Index, d.Gateway, log, agent.QueryOptions{
		Model:       cfg.LLMModel,
		TopK:        cfg.QueryTopK,
		Temperature: cfg.QueryTemperature,
	}))

	ok = true
	return d, nil
}

func (d *Deps) addCloser(fn func() error) {
	d.closers = append(d.closers, fn)
}

// Close releases every component in reverse build order.
func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func buildStore(cfg config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.StoreProvider {
	case "sqlite":
		path := filepath.Join(cfg.DataDir, "library.db")
		st, err := store.NewSQLite(path)
		if err != nil {
			return nil, err
		}
		log.Info("using sqlite store", "path", path)
		return st, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required when STORE_PROVIDER=postgres")
		}
		st, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Info("using postgres store")
		return st, nil
	case "memory":
		log.Warn("using in-memory store; documents are lost on restart")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("invalid STORE_PROVIDER: %s (valid: sqlite, postgres, memory)", cfg.StoreProvider)
	}
}

func buildLedger(cfg config.Config, log *slog.Logger) (ledger.Ledger, error) {
	switch cfg.LedgerProvider {
	case "sqlite":
		path := filepath.Join(cfg.DataDir, "usage.db")
		led, err := ledger.NewSQLite(path)
		if err != nil {
			return nil, err
		}
		log.Info("using sqlite ledger", "path", path)
		return led, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required when LEDGER_PROVIDER=postgres")
		}
		led, err := ledger.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Info("using postgres ledger")
		return led, nil
	case "memory":
		log.Warn("using in-memory ledger; usage history is lost on restart")
		return ledger.NewMemoryLedger(), nil
	default:
		return nil, fmt.Errorf("invalid LEDGER_PROVIDER: %s (valid: sqlite, postgres, memory)", cfg.LedgerProvider)
	}
}

func buildIndexStore(cfg config.Config, log *slog.Logger) (index.Store, error) {
	switch cfg.IndexProvider {
	case "sqlite":
		path := filepath.Join(cfg.DataDir, "vectors.db")
		s, err := index.NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		log.Info("using sqlite vector index", "path", path)
		return s, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required when INDEX_PROVIDER=postgres")
		}
		s, err := index.NewPostgresStore(cfg.DatabaseURL, cfg.EmbeddingDims)
		if err != nil {
			return nil, err
		}
		log.Info("using postgres vector index")
		return s, nil
	case "memory":
		log.Warn("using in-memory vector index; vectors are lost on restart")
		return index.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("invalid INDEX_PROVIDER: %s (valid: sqlite, postgres, memory)", cfg.IndexProvider)
	}
}

func buildCache(cfg config.Config, log *slog.Logger, clk clock.Clock) (cache.Cache, error) {
	switch cfg.CacheProvider {
	case "memory":
		return cache.NewMemoryCache(clk), nil
	case "redis":
		c, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		log.Info("using redis response cache", "addr", cfg.RedisAddr)
		return c, nil
	case "none":
		return cache.NewNoOpCache(), nil
	default:
		return nil, fmt.Errorf("invalid CACHE_PROVIDER: %s (valid: memory, redis, none)", cfg.CacheProvider)
	}
}

func buildQueue(cfg config.Config, log *slog.Logger, clk clock.Clock) (queue.Queue, func() error, error) {
	switch cfg.QueueProvider {
	case "memory":
		return queue.NewMemory(log, clk), nil, nil
	case "nats":
		if cfg.NATSURL == "" {
			return nil, nil, errors.New("NATS_URL is required when QUEUE_PROVIDER=nats")
		}
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		log.Info("using NATS queue", "url", cfg.NATSURL)
		return queue.NewNATS(log, nc, clk), nc.Drain, nil
	default:
		return nil, nil, fmt.Errorf("invalid QUEUE_PROVIDER: %s (valid: memory, nats)", cfg.QueueProvider)
	}
}
