package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Executor runs a rule's action pipeline against an execution context,
// applying per-action delay and retry with exponential backoff.
type Executor struct {
	store    RuleStore
	registry *HandlerRegistry
	logger   *slog.Logger

	// sleep is the cooperative suspension used for action delays and retry
	// backoff. Injectable so tests run without wall-clock waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor over the store and handler registry.
func NewExecutor(store RuleStore, registry *HandlerRegistry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:    store,
		registry: registry,
		logger:   logger,
		sleep:    ctxSleep,
	}
}

// Run executes every action of the rule in list order. A failing action is
// retried up to its retry count with 2^attempt-second backoff; once retries
// are exhausted it counts as failed and the pipeline continues with the
// next action. The rule's statistics are updated afterwards; a store
// failure there is logged and the result still returned, since the actions
// already ran.
func (e *Executor) Run(ctx context.Context, rule *Rule, ectx *ExecutionContext) *ExecutionResult {
	var executed, failed int
	var failures []string

	for i, action := range rule.Actions {
		if action.DelaySeconds > 0 {
			if err := e.sleep(ctx, time.Duration(action.DelaySeconds)*time.Second); err != nil {
				failed++
				failures = append(failures, fmt.Sprintf("action %d (%s): cancelled during delay", i, action.Type))
				continue
			}
		}

		if err := e.runAction(ctx, action, ectx); err != nil {
			failed++
			failures = append(failures, fmt.Sprintf("action %d (%s): %v", i, action.Type, err))
			e.logger.Warn("action failed after retries",
				"rule_id", rule.ID, "execution_id", ectx.ExecutionID,
				"action", action.Type, "index", i, "err", err)
			continue
		}
		executed++
	}

	result := &ExecutionResult{
		ExecutionID:     ectx.ExecutionID,
		RuleID:          rule.ID,
		Success:         failed == 0,
		ExecutedActions: executed,
		FailedActions:   failed,
		Duration:        time.Since(ectx.StartedAt),
		ErrorMessage:    strings.Join(failures, "; "),
		CompletedAt:     time.Now(),
	}

	if err := e.store.RecordExecution(result); err != nil {
		e.logger.Error("record execution", "rule_id", rule.ID, "execution_id", ectx.ExecutionID, "err", err)
	}
	return result
}

// runAction performs one action with its retry budget. An action with retry
// count r is attempted at most r+1 times.
func (e *Executor) runAction(ctx context.Context, action Action, ectx *ExecutionContext) error {
	params := renderParams(action.Params, ectx.Variables)

	var lastErr error
	for attempt := 0; attempt <= action.RetryCount; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			if err := e.sleep(ctx, backoff); err != nil {
				return fmt.Errorf("cancelled during backoff: %w", err)
			}
		}

		ok, err := e.registry.Dispatch(ctx, action.Type, params, ectx)
		if err == nil && ok {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("handler reported failure")
		}
	}
	return fmt.Errorf("exhausted %d attempt(s): %w", action.RetryCount+1, lastErr)
}

// ctxSleep waits for d or until ctx is done, whichever comes first.
func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
