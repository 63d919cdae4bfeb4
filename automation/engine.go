package automation

import (
	"context"
	"log/slog"
	"time"
)

// EngineConfig tunes engine construction.
type EngineConfig struct {
	// Cache controls the dispatcher's candidate cache.
	Cache CacheConfig

	// RetentionKeep bounds execution history per rule; zero disables
	// pruning entirely.
	RetentionKeep int

	// RetentionEvery is how often history is trimmed.
	RetentionEvery time.Duration
}

// DefaultEngineConfig returns the defaults used by cmd/server.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Cache:          DefaultCacheConfig(),
		RetentionKeep:  1000,
		RetentionEvery: time.Hour,
	}
}

// Engine is the single assembled automation engine: one value constructed
// at process start and passed to every caller. There is deliberately no
// package-level instance.
type Engine struct {
	Store      RuleStore
	Registry   *HandlerRegistry
	Manager    *Manager
	Dispatcher *Dispatcher
	Executor   *Executor
	Scheduler  *Scheduler

	logger *slog.Logger
}

// NewEngine assembles the engine over a store and handler registry, and
// compiles guard expressions for any rules already in the store.
func NewEngine(store RuleStore, registry *HandlerRegistry, logger *slog.Logger, cfg EngineConfig) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	expressions, err := NewExpressionCompiler()
	if err != nil {
		return nil, err
	}

	cache := NewInMemoryCandidateCache(cfg.Cache)
	manager := NewManager(store, registry, expressions, cache, logger)
	executor := NewExecutor(store, registry, logger)
	dispatcher := NewDispatcher(store, cache, expressions, executor, logger)
	scheduler := NewScheduler(store, dispatcher, logger, cfg.RetentionKeep, cfg.RetentionEvery)
	manager.OnMutation(scheduler.HandleMutation)

	if err := manager.CompileAll(); err != nil {
		return nil, err
	}

	return &Engine{
		Store:      store,
		Registry:   registry,
		Manager:    manager,
		Dispatcher: dispatcher,
		Executor:   executor,
		Scheduler:  scheduler,
		logger:     logger,
	}, nil
}

// Start brings up the scheduler (cron entries for scheduled rules plus the
// retention loop).
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Scheduler.Sync(); err != nil {
		return err
	}
	e.Scheduler.Start(ctx)
	e.logger.Info("automation engine started")
	return nil
}

// Stop shuts the scheduler down and waits for in-flight cron jobs.
func (e *Engine) Stop() {
	e.Scheduler.Stop()
	e.logger.Info("automation engine stopped")
}

// Process dispatches one event. See Dispatcher.Process.
func (e *Engine) Process(ctx context.Context, event TriggerEvent) ([]*ExecutionResult, error) {
	return e.Dispatcher.Process(ctx, event)
}
