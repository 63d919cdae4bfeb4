package automation

import (
	"context"
	"testing"
	"time"
)

// TestEngineEndToEnd verifies a rule committed through the manager runs for
// a matching event with statistics and audit visible through the engine.
func TestEngineEndToEnd(t *testing.T) {
	registry := NewHandlerRegistry()
	var delivered []map[string]any
	registry.Register(ActionSendMessage, ActionHandlerFunc(func(ctx context.Context, params map[string]any, ectx *ExecutionContext) (bool, error) {
		delivered = append(delivered, params)
		return true, nil
	}))

	engine, err := NewEngine(NewInMemoryRuleStore(), registry, discardLogger(), DefaultEngineConfig())
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	rule := &Rule{
		Name:    "greet members",
		ScopeID: "guild-1",
		Trigger: Trigger{
			Type: TriggerMemberJoin,
			Conditions: []Condition{
				{Field: "user.bot", Operator: OpEquals, Value: false},
			},
			Expression: `event.user.name != ""`,
		},
		Actions: []Action{{
			Type:   ActionSendMessage,
			Params: map[string]any{"text": "hello ${user.name}"},
		}},
		Status:   StatusActive,
		Priority: 5,
	}
	id, err := engine.Manager.Create(rule, "admin")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	results, err := engine.Process(context.Background(), TriggerEvent{
		ScopeID:     "guild-1",
		TriggerType: TriggerMemberJoin,
		Payload: map[string]any{
			"user": map[string]any{"name": "alice", "bot": false},
		},
		OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v, want one success", results)
	}
	if len(delivered) != 1 || delivered[0]["text"] != "hello alice" {
		t.Errorf("delivered = %v, want rendered greeting", delivered)
	}

	// Bot joins fail the condition; no execution.
	results, _ = engine.Process(context.Background(), TriggerEvent{
		ScopeID:     "guild-1",
		TriggerType: TriggerMemberJoin,
		Payload: map[string]any{
			"user": map[string]any{"name": "helper", "bot": true},
		},
		OccurredAt: time.Now(),
	})
	if len(results) != 0 {
		t.Errorf("bot join ran %d rules, want 0", len(results))
	}

	stored, err := engine.Store.Get(id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if stored.ExecutionCount != 1 || stored.SuccessCount != 1 {
		t.Errorf("counters = exec %d / success %d, want 1/1",
			stored.ExecutionCount, stored.SuccessCount)
	}
}

// TestEngineCompilesPersistedGuards verifies guards for rules already in
// the store work without a manager round-trip.
func TestEngineCompilesPersistedGuards(t *testing.T) {
	store := NewInMemoryRuleStore()
	rule := testRule("persisted", "guild-1")
	rule.Trigger.Expression = `event.priority == "high"`
	if err := store.Add(rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	registry := NewHandlerRegistry()
	registry.Register(ActionSendMessage, ActionHandlerFunc(func(ctx context.Context, params map[string]any, ectx *ExecutionContext) (bool, error) {
		return true, nil
	}))

	engine, err := NewEngine(store, registry, discardLogger(), DefaultEngineConfig())
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	ids, err := engine.Dispatcher.MatchingRules(recordEvent("guild-1", map[string]any{"priority": "high"}))
	if err != nil {
		t.Fatalf("MatchingRules() failed: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("matched %v, want the persisted rule via its recompiled guard", ids)
	}
}

// TestEngineStartStop verifies lifecycle symmetry with a scheduled rule in
// the store.
func TestEngineStartStop(t *testing.T) {
	store := NewInMemoryRuleStore()
	if err := store.Add(scheduledRule("nightly")); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	registry := NewHandlerRegistry()
	registry.Register(ActionSendMessage, ActionHandlerFunc(func(ctx context.Context, params map[string]any, ectx *ExecutionContext) (bool, error) {
		return true, nil
	}))

	engine, err := NewEngine(store, registry, discardLogger(), DefaultEngineConfig())
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if got := engine.Scheduler.entryCount(); got != 1 {
		t.Errorf("cron entries after Start = %d, want 1", got)
	}
	engine.Stop()
}
