package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/scrypster/companion/internal/config"
	"github.com/scrypster/companion/internal/flow"
	"github.com/scrypster/companion/internal/llm"
	"github.com/scrypster/companion/internal/memory"
	"github.com/scrypster/companion/internal/memory/postgres"
	"github.com/scrypster/companion/internal/memory/sqlite"
	"github.com/scrypster/companion/internal/statemachine"
)

// app holds the wired collaborators of one process.
type app struct {
	store    memory.Store
	gen      llm.TextGenerator
	machines *statemachine.Registry
	watcher  *statemachine.Watcher
	flow     *flow.Flow
}

// newApp wires storage, the model client, the state registry and the flow.
// The caller must Close the result.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	gen, err := llm.NewTextGenerator(cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("text generator: %w", err)
	}
	emb, err := llm.NewEmbeddingGenerator(cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("embedding generator: %w", err)
	}

	store, err := openStore(ctx, cfg, emb, logger)
	if err != nil {
		return nil, err
	}

	doc := statemachine.LoadDocumentOrDefault(cfg.StateMachine.ConfigPath, logger)
	machines := statemachine.NewRegistry(doc, statemachine.WithLogger(logger.Named("state")))

	a := &app{store: store, gen: gen, machines: machines}

	if cfg.StateMachine.ConfigPath != "" && cfg.StateMachine.Watch {
		w := statemachine.NewWatcher(cfg.StateMachine.ConfigPath, machines, logger.Named("state"))
		if err := w.Start(); err != nil {
			// Hot reload is optional; the loaded document stays in effect.
			logger.Warn("state document watcher disabled", zap.Error(err))
		} else {
			a.watcher = w
		}
	}

	a.flow = flow.New(gen, store, machines,
		flow.WithLogger(logger.Named("flow")),
		flow.WithCallTimeout(cfg.Flow.CallTimeout),
		flow.WithRetryPolicy(llm.RetryPolicy{
			MaxRetries:     cfg.Flow.DecisionRetries,
			InitialBackoff: cfg.Flow.RetryBackoff,
			Multiplier:     2,
		}),
		flow.WithThreshold(cfg.Memory.EvidenceThreshold),
		flow.WithLimits(flow.Limits{
			Conversation: cfg.Memory.ConversationLimit,
			Dog:          cfg.Memory.DogLimit,
			User:         cfg.Memory.UserLimit,
		}),
		flow.WithWindowTurns(cfg.Flow.WindowTurns),
		flow.WithProfileType(cfg.Memory.ProfileType),
	)
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, emb llm.EmbeddingGenerator, logger *zap.Logger) (memory.Store, error) {
	storeLogger := logger.Named("store")
	switch cfg.Storage.Engine {
	case "postgres":
		opts := []postgres.Option{postgres.WithNames(cfg.Memory.Names()), postgres.WithLogger(storeLogger)}
		if emb != nil {
			opts = append(opts, postgres.WithEmbedder(emb))
		}
		store, err := postgres.NewStore(ctx, cfg.Storage.PostgresDSN, opts...)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	default:
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, fmt.Errorf("create data path: %w", err)
		}
		opts := []sqlite.Option{sqlite.WithNames(cfg.Memory.Names()), sqlite.WithLogger(storeLogger)}
		if emb != nil {
			opts = append(opts, sqlite.WithEmbedder(emb))
		}
		store, err := sqlite.NewStore(cfg.Storage.SQLitePath(), opts...)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	}
}

// Close stops the watcher and releases the store.
func (a *app) Close() error {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	return a.store.Close()
}
