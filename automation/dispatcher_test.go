package automation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type dispatcherFixture struct {
	store      *InMemoryRuleStore
	compiler   *ExpressionCompiler
	registry   *HandlerRegistry
	executor   *Executor
	dispatcher *Dispatcher

	mu  sync.Mutex
	ran []string // rule names, in execution order
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		store:    NewInMemoryRuleStore(),
		registry: NewHandlerRegistry(),
	}
	compiler, err := NewExpressionCompiler()
	if err != nil {
		t.Fatalf("NewExpressionCompiler() failed: %v", err)
	}
	f.compiler = compiler

	f.registry.Register(ActionSendMessage, ActionHandlerFunc(func(ctx context.Context, params map[string]any, ectx *ExecutionContext) (bool, error) {
		f.mu.Lock()
		f.ran = append(f.ran, stringify(ectx.Variables["rule_name"]))
		f.mu.Unlock()
		return true, nil
	}))

	f.executor = NewExecutor(f.store, f.registry, discardLogger())
	f.executor.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	f.dispatcher = NewDispatcher(f.store, NewInMemoryCandidateCache(DefaultCacheConfig()),
		f.compiler, f.executor, discardLogger())
	return f
}

func (f *dispatcherFixture) add(t *testing.T, rule *Rule) {
	t.Helper()
	if err := f.store.Add(rule); err != nil {
		t.Fatalf("Add(%s) failed: %v", rule.ID, err)
	}
	if rule.Trigger.Expression != "" {
		if err := f.compiler.Compile(rule.ID, rule.Trigger.Expression); err != nil {
			t.Fatalf("Compile(%s) failed: %v", rule.ID, err)
		}
	}
}

func (f *dispatcherFixture) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

func recordEvent(scope string, payload map[string]any) TriggerEvent {
	return TriggerEvent{
		ScopeID:     scope,
		TriggerType: TriggerRecordCreated,
		Payload:     payload,
		OccurredAt:  time.Now(),
	}
}

// TestDispatcherPriorityOrdering verifies matched rules run by priority
// descending, with creation order breaking ties.
func TestDispatcherPriorityOrdering(t *testing.T) {
	f := newDispatcherFixture(t)

	low := testRule("low", "guild-1")
	low.Name = "low"
	low.Priority = 2
	tieFirst := testRule("tie-first", "guild-1")
	tieFirst.Name = "tie-first"
	tieFirst.Priority = 8
	tieSecond := testRule("tie-second", "guild-1")
	tieSecond.Name = "tie-second"
	tieSecond.Priority = 8
	top := testRule("top", "guild-1")
	top.Name = "top"
	top.Priority = 10

	// Insertion order deliberately differs from execution order.
	for _, r := range []*Rule{low, tieFirst, tieSecond, top} {
		f.add(t, r)
	}

	results, err := f.dispatcher.Process(context.Background(), recordEvent("guild-1", nil))
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("Process() returned %d results, want 4", len(results))
	}

	want := []string{"top", "tie-first", "tie-second", "low"}
	got := f.executed()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
}

// TestDispatcherDeterministicOrder verifies repeated dispatch of the same
// event executes rules in the same order every time.
func TestDispatcherDeterministicOrder(t *testing.T) {
	f := newDispatcherFixture(t)
	names := []string{"a", "b", "c", "d", "e"}
	for _, n := range names {
		r := testRule(n, "guild-1")
		r.Name = n
		r.Priority = 5
		f.add(t, r)
	}

	var first []string
	for i := 0; i < 5; i++ {
		f.mu.Lock()
		f.ran = nil
		f.mu.Unlock()

		if _, err := f.dispatcher.Process(context.Background(), recordEvent("guild-1", nil)); err != nil {
			t.Fatalf("Process() failed: %v", err)
		}
		got := f.executed()
		if first == nil {
			first = got
			continue
		}
		for j := range first {
			if got[j] != first[j] {
				t.Fatalf("run %d order = %v, first run = %v", i, got, first)
			}
		}
	}
	for i, n := range names {
		if first[i] != n {
			t.Errorf("equal-priority order = %v, want creation order %v", first, names)
			break
		}
	}
}

// TestDispatcherConditionAND verifies all conditions must hold and
// evaluation short-circuits per rule, not per event.
func TestDispatcherConditionAND(t *testing.T) {
	f := newDispatcherFixture(t)

	both := testRule("both", "guild-1")
	both.Name = "both"
	both.Trigger.Conditions = []Condition{
		{Field: "priority", Operator: OpEquals, Value: "high"},
		{Field: "count", Operator: OpGreaterThan, Value: 3},
	}
	oneOnly := testRule("one-only", "guild-1")
	oneOnly.Name = "one-only"
	oneOnly.Trigger.Conditions = []Condition{
		{Field: "priority", Operator: OpEquals, Value: "high"},
		{Field: "count", Operator: OpGreaterThan, Value: 100},
	}
	f.add(t, both)
	f.add(t, oneOnly)

	event := recordEvent("guild-1", map[string]any{"priority": "high", "count": 5})
	ids, err := f.dispatcher.MatchingRules(event)
	if err != nil {
		t.Fatalf("MatchingRules() failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "both" {
		t.Errorf("matched = %v, want only the rule whose conditions all hold", ids)
	}
}

// TestDispatcherGuardExpression verifies the optional guard is AND-ed in
// after structured conditions.
func TestDispatcherGuardExpression(t *testing.T) {
	f := newDispatcherFixture(t)

	guarded := testRule("guarded", "guild-1")
	guarded.Trigger.Conditions = []Condition{
		{Field: "priority", Operator: OpEquals, Value: "high"},
	}
	guarded.Trigger.Expression = `event.count >= 10`
	f.add(t, guarded)

	ids, _ := f.dispatcher.MatchingRules(recordEvent("guild-1", map[string]any{"priority": "high", "count": 3}))
	if len(ids) != 0 {
		t.Errorf("guard should reject count below threshold, matched %v", ids)
	}
	ids, _ = f.dispatcher.MatchingRules(recordEvent("guild-1", map[string]any{"priority": "high", "count": 12}))
	if len(ids) != 1 {
		t.Errorf("guard should accept count at threshold, matched %v", ids)
	}
}

// TestDispatcherScopeAndStatusFiltering verifies inactive rules and rules
// from other scopes never run.
func TestDispatcherScopeAndStatusFiltering(t *testing.T) {
	f := newDispatcherFixture(t)

	active := testRule("active", "guild-1")
	active.Name = "active"
	paused := testRule("paused", "guild-1")
	paused.Name = "paused"
	paused.Status = StatusPaused
	draft := testRule("draft", "guild-1")
	draft.Name = "draft"
	draft.Status = StatusDraft
	other := testRule("other", "guild-2")
	other.Name = "other"
	for _, r := range []*Rule{active, paused, draft, other} {
		f.add(t, r)
	}

	results, err := f.dispatcher.Process(context.Background(), recordEvent("guild-1", nil))
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Process() ran %d rules, want only the active one", len(results))
	}
	if got := f.executed(); len(got) != 1 || got[0] != "active" {
		t.Errorf("executed = %v, want [active]", got)
	}
}

// TestDispatcherTriggerTypeFiltering verifies candidate selection keys on
// the event's trigger type.
func TestDispatcherTriggerTypeFiltering(t *testing.T) {
	f := newDispatcherFixture(t)

	join := testRule("join", "guild-1")
	join.Trigger.Type = TriggerMemberJoin
	record := testRule("record", "guild-1")
	f.add(t, join)
	f.add(t, record)

	ids, _ := f.dispatcher.MatchingRules(TriggerEvent{
		ScopeID:     "guild-1",
		TriggerType: TriggerMemberJoin,
		OccurredAt:  time.Now(),
	})
	if len(ids) != 1 || ids[0] != "join" {
		t.Errorf("matched = %v, want only the member_join rule", ids)
	}
}

// TestDispatcherCooldown verifies a rule inside its cooldown window is
// skipped and runs again once the window elapses.
func TestDispatcherCooldown(t *testing.T) {
	f := newDispatcherFixture(t)

	rule := testRule("cooled", "guild-1")
	rule.Trigger.CooldownSeconds = 60
	f.add(t, rule)

	event := recordEvent("guild-1", nil)
	results, err := f.dispatcher.Process(context.Background(), event)
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("first event ran %d rules, want 1", len(results))
	}

	// Second event inside the window.
	results, _ = f.dispatcher.Process(context.Background(), event)
	if len(results) != 0 {
		t.Fatalf("event inside cooldown ran %d rules, want 0", len(results))
	}

	// Move the dispatcher clock past the window.
	f.dispatcher.now = func() time.Time { return time.Now().Add(61 * time.Second) }
	results, _ = f.dispatcher.Process(context.Background(), event)
	if len(results) != 1 {
		t.Errorf("event after cooldown ran %d rules, want 1", len(results))
	}
}

// TestDispatcherCooldownPerRule verifies one rule's cooldown does not
// suppress other rules matching the same event.
func TestDispatcherCooldownPerRule(t *testing.T) {
	f := newDispatcherFixture(t)

	cooled := testRule("cooled", "guild-1")
	cooled.Name = "cooled"
	cooled.Trigger.CooldownSeconds = 3600
	eager := testRule("eager", "guild-1")
	eager.Name = "eager"
	f.add(t, cooled)
	f.add(t, eager)

	event := recordEvent("guild-1", nil)
	if _, err := f.dispatcher.Process(context.Background(), event); err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	results, _ := f.dispatcher.Process(context.Background(), event)
	if len(results) != 1 {
		t.Fatalf("second event ran %d rules, want only the uncooled one", len(results))
	}
	got := f.executed()
	if got[len(got)-1] != "eager" {
		t.Errorf("second event executed %q, want eager", got[len(got)-1])
	}
}

// TestDispatcherScopeSerialization verifies events for one scope never
// execute concurrently.
func TestDispatcherScopeSerialization(t *testing.T) {
	f := newDispatcherFixture(t)

	var inFlight, maxInFlight atomic.Int32
	f.registry.Register(ActionSendMessage, ActionHandlerFunc(func(ctx context.Context, params map[string]any, ectx *ExecutionContext) (bool, error) {
		cur := inFlight.Add(1)
		for {
			seen := maxInFlight.Load()
			if cur <= seen || maxInFlight.CompareAndSwap(seen, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return true, nil
	}))

	f.add(t, testRule("r1", "guild-1"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.dispatcher.Process(context.Background(), recordEvent("guild-1", nil))
		}()
	}
	wg.Wait()

	if maxInFlight.Load() != 1 {
		t.Errorf("max concurrent executions in one scope = %d, want 1", maxInFlight.Load())
	}
}

// TestDispatcherExecutionContext verifies the per-execution context carries
// flattened payload variables and the standard identifiers.
func TestDispatcherExecutionContext(t *testing.T) {
	f := newDispatcherFixture(t)

	var ectx *ExecutionContext
	f.registry.Register(ActionSendMessage, ActionHandlerFunc(func(ctx context.Context, params map[string]any, e *ExecutionContext) (bool, error) {
		ectx = e
		return true, nil
	}))
	f.add(t, testRule("r1", "guild-1"))

	payload := map[string]any{
		"user":    map[string]any{"id": "u-42", "name": "alice"},
		"channel": map[string]any{"id": "c-7"},
	}
	if _, err := f.dispatcher.Process(context.Background(), recordEvent("guild-1", payload)); err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if ectx == nil {
		t.Fatal("handler did not run")
	}

	if ectx.ExecutionID == "" {
		t.Error("context should carry a unique execution id")
	}
	if ectx.ActorID != "u-42" || ectx.ChannelID != "c-7" {
		t.Errorf("actor/channel = %q/%q, want u-42/c-7", ectx.ActorID, ectx.ChannelID)
	}
	if ectx.Variables["user.name"] != "alice" {
		t.Errorf("flattened variables = %v", ectx.Variables)
	}
	if ectx.Variables["rule_id"] != "r1" || ectx.Variables["scope_id"] != "guild-1" {
		t.Error("context variables should include rule and scope identifiers")
	}
}

// TestProcessTargeted verifies targeted dispatch runs exactly the named
// rule and still honors status and scope.
func TestProcessTargeted(t *testing.T) {
	f := newDispatcherFixture(t)

	scheduled := testRule("sched", "guild-1")
	scheduled.Name = "sched"
	bystander := testRule("bystander", "guild-1")
	bystander.Name = "bystander"
	f.add(t, scheduled)
	f.add(t, bystander)

	event := recordEvent("guild-1", nil)
	results, err := f.dispatcher.ProcessTargeted(context.Background(), "sched", event)
	if err != nil {
		t.Fatalf("ProcessTargeted() failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("targeted dispatch ran %d rules, want 1", len(results))
	}
	if got := f.executed(); len(got) != 1 || got[0] != "sched" {
		t.Errorf("executed = %v, want only the targeted rule", got)
	}

	// Paused rules do not fire even when targeted.
	paused := testRule("paused", "guild-1")
	paused.Status = StatusPaused
	f.add(t, paused)
	results, err = f.dispatcher.ProcessTargeted(context.Background(), "paused", event)
	if err != nil || len(results) != 0 {
		t.Errorf("targeted paused rule = %d results, %v; want none", len(results), err)
	}

	// Scope mismatch is a no-op, not an error.
	results, err = f.dispatcher.ProcessTargeted(context.Background(), "sched",
		recordEvent("guild-2", nil))
	if err != nil || len(results) != 0 {
		t.Errorf("targeted cross-scope = %d results, %v; want none", len(results), err)
	}
}
