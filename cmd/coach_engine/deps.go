package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/meeting-coach/internal/bundles"
	"github.com/jonathan/meeting-coach/internal/config"
	"github.com/jonathan/meeting-coach/internal/db"
	"github.com/jonathan/meeting-coach/internal/engine"
	"github.com/jonathan/meeting-coach/internal/llm"
	"github.com/jonathan/meeting-coach/internal/logging"
	"github.com/jonathan/meeting-coach/internal/queue"
	"github.com/jonathan/meeting-coach/internal/store"
	"github.com/jonathan/meeting-coach/internal/tracing"
)

// newLLMClient is replaced in tests
var newLLMClient = llm.NewClient

// app holds everything a command wires together
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    store.Store
	shutdown []func(context.Context) error
}

// bootstrap loads config and builds the logger and tracer
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{
		File:       cfg.LogFile,
		Level:      cfg.LogLevel,
		Production: cfg.Production(),
	})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	stop, err := tracing.Init(ctx, tracing.Config{Enabled: cfg.OTelEnabled, Endpoint: cfg.OTelEndpoint}, logger)
	if err != nil {
		logger.Warn("tracing unavailable", zap.Error(err))
	}
	a.onClose(func(ctx context.Context) error { return stop(ctx) })
	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.shutdown = append(a.shutdown, fn)
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		if err := a.shutdown[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// openStore connects the configured record store
func (a *app) openStore(ctx context.Context) (store.Store, error) {
	switch a.cfg.Store {
	case config.StorePostgres:
		database, err := db.Connect(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { database.Close(); return nil })
		a.store = database
	default:
		if a.cfg.Fixtures == "" {
			a.logger.Warn("memory store has no fixtures; every lookup will miss")
			a.store = store.NewMemoryStore()
			break
		}
		mem, err := store.LoadMemoryStore(a.cfg.Fixtures)
		if err != nil {
			return nil, err
		}
		a.store = mem
	}
	a.logger.Info("record store ready", zap.String("store", a.cfg.Store))
	return a.store, nil
}

// openQueue connects the configured job queue
func (a *app) openQueue(ctx context.Context) (interface {
	queue.Source
	queue.Publisher
}, error) {
	switch a.cfg.Queue {
	case config.QueueNATS:
		q, err := queue.NewNATSQueue(ctx, queue.NATSConfig{
			URL:     a.cfg.NATSURL,
			Subject: a.cfg.NATSSubject,
			Durable: a.cfg.NATSDurable,
			// a delivery must outlive a full claim lease before JetStream retries it
			AckWait: a.claimLease() + time.Minute,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return q.Close() })
		return q, nil
	default:
		q := queue.NewChannelQueue(a.cfg.NATSSubject, queue.NewWatermillLogger(a.logger))
		a.onClose(func(context.Context) error { return q.Close() })
		return q, nil
	}
}

func (a *app) claimLease() time.Duration {
	if a.cfg.ClaimLease > 0 {
		return time.Duration(a.cfg.ClaimLease)
	}
	return time.Duration(a.cfg.ModelTimeout) + 30*time.Second
}

// newEngine builds the model client and the engine over the opened store
func (a *app) newEngine(ctx context.Context, onProgress engine.ProgressCallback) (*engine.Engine, error) {
	if a.store == nil {
		return nil, fmt.Errorf("record store is not open")
	}
	llmCfg := llmConfig(a.cfg)
	if a.cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required (set LLM_API_KEY, OPENAI_API_KEY or GEMINI_API_KEY, or api_key in the config file)")
	}
	client, err := newLLMClient(ctx, llmCfg, a.cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	a.onClose(func(context.Context) error { return client.Close() })

	resolver := bundles.NewResolver(a.store, bundles.Defaults{
		Model:           llmCfg.DefaultModel,
		MaxOutputTokens: llmCfg.MaxOutputTokens,
	}, a.logger)

	return engine.New(a.store, client, resolver, a.logger, engine.Options{
		ModelTimeout: time.Duration(a.cfg.ModelTimeout),
		ClaimLease:   time.Duration(a.cfg.ClaimLease),
		OnProgress:   onProgress,
	}), nil
}

// llmConfig maps engine config onto the provider settings
func llmConfig(cfg *config.Config) *llm.Config {
	var c *llm.Config
	if llm.Provider(cfg.Provider) == llm.ProviderGemini {
		c = llm.DefaultGeminiConfig()
	} else {
		c = llm.DefaultOpenAIConfig()
	}
	if cfg.DefaultModel != "" {
		c = c.WithModel(cfg.DefaultModel)
	}
	if cfg.MaxOutputTokens > 0 {
		c.MaxOutputTokens = cfg.MaxOutputTokens
	}
	return c
}
