package automation

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dispatcher matches incoming events against the rule registry and hands
// surviving rules to the executor.
//
// Events for the same scope are processed strictly one at a time; events
// for different scopes run concurrently. Within one Process call rules
// execute sequentially in priority order, so a lower-priority rule observes
// the side effects of higher-priority rules matching the same event.
type Dispatcher struct {
	store       RuleStore
	cache       CandidateCache
	expressions *ExpressionCompiler
	executor    *Executor
	logger      *slog.Logger

	scopeMu sync.Mutex
	scopes  map[string]*sync.Mutex

	now func() time.Time
}

// NewDispatcher wires a dispatcher over its collaborators. cache may be
// nil, in which case every event scans the store.
func NewDispatcher(store RuleStore, cache CandidateCache, expressions *ExpressionCompiler, executor *Executor, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:       store,
		cache:       cache,
		expressions: expressions,
		executor:    executor,
		logger:      logger,
		scopes:      make(map[string]*sync.Mutex),
		now:         time.Now,
	}
}

// Process runs the full match-and-execute cycle for one event and returns
// one result per executed rule, preserving execution order.
func (d *Dispatcher) Process(ctx context.Context, event TriggerEvent) ([]*ExecutionResult, error) {
	lock := d.scopeLock(event.ScopeID)
	lock.Lock()
	defer lock.Unlock()

	candidates, err := d.candidates(event.ScopeID, event.TriggerType)
	if err != nil {
		return nil, err
	}

	runnable := d.matchAndFilter(candidates, event)

	results := make([]*ExecutionResult, 0, len(runnable))
	for _, rule := range runnable {
		ectx := d.newContext(rule, event)
		d.logger.Debug("executing rule",
			"rule_id", rule.ID, "scope_id", rule.ScopeID,
			"execution_id", ectx.ExecutionID, "priority", rule.Priority)
		results = append(results, d.executor.Run(ctx, rule, ectx))
	}
	return results, nil
}

// ProcessTargeted runs the match-and-execute cycle for a single rule,
// bypassing candidate selection. Used for scheduled triggers, where the
// cron entry already names the rule. Matching, cooldown and scope
// serialization still apply; the returned slice is empty when the rule does
// not run.
func (d *Dispatcher) ProcessTargeted(ctx context.Context, ruleID string, event TriggerEvent) ([]*ExecutionResult, error) {
	lock := d.scopeLock(event.ScopeID)
	lock.Lock()
	defer lock.Unlock()

	rule, err := d.store.Get(ruleID)
	if err != nil {
		return nil, err
	}
	if rule.Status != StatusActive || rule.ScopeID != event.ScopeID {
		return nil, nil
	}

	runnable := d.matchAndFilter([]*Rule{rule}, event)
	results := make([]*ExecutionResult, 0, len(runnable))
	for _, r := range runnable {
		results = append(results, d.executor.Run(ctx, r, d.newContext(r, event)))
	}
	return results, nil
}

// MatchingRules returns the ordered rule ids Process would execute for the
// event, without executing anything. Used by tests and dry-run tooling.
func (d *Dispatcher) MatchingRules(event TriggerEvent) ([]string, error) {
	candidates, err := d.candidates(event.ScopeID, event.TriggerType)
	if err != nil {
		return nil, err
	}
	runnable := d.matchAndFilter(candidates, event)
	ids := make([]string, len(runnable))
	for i, rule := range runnable {
		ids[i] = rule.ID
	}
	return ids, nil
}

// candidates returns active rules for the scope and trigger type, through
// the cache when one is configured.
func (d *Dispatcher) candidates(scopeID string, trigger TriggerType) ([]*Rule, error) {
	if d.cache != nil {
		if rules := d.cache.Get(scopeID, trigger); rules != nil {
			return rules, nil
		}
	}
	rules, err := d.store.List(RuleFilter{
		ScopeID:     scopeID,
		Status:      StatusActive,
		TriggerType: trigger,
	})
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		d.cache.Set(scopeID, trigger, rules)
	}
	return rules, nil
}

// matchAndFilter applies condition matching (AND semantics, short-circuit),
// the optional guard expression, and the cooldown window, then orders
// survivors by priority descending with creation order breaking ties.
func (d *Dispatcher) matchAndFilter(candidates []*Rule, event TriggerEvent) []*Rule {
	now := d.now()

	var runnable []*Rule
	for _, rule := range candidates {
		if !d.matches(rule, event) {
			continue
		}
		if !d.cooldownElapsed(rule, now) {
			d.logger.Debug("rule in cooldown", "rule_id", rule.ID,
				"last_executed", rule.LastExecuted,
				"cooldown_seconds", rule.Trigger.CooldownSeconds)
			continue
		}
		runnable = append(runnable, rule)
	}

	sort.SliceStable(runnable, func(i, j int) bool {
		if runnable[i].Priority != runnable[j].Priority {
			return runnable[i].Priority > runnable[j].Priority
		}
		return runnable[i].Seq < runnable[j].Seq
	})
	return runnable
}

// matches evaluates all of a rule's conditions against the event with AND
// semantics; a rule with zero conditions always matches. The guard
// expression, when present, is AND-ed in afterwards.
func (d *Dispatcher) matches(rule *Rule, event TriggerEvent) bool {
	for _, cond := range rule.Trigger.Conditions {
		if !EvaluateCondition(cond, event.Payload) {
			return false
		}
	}
	return d.expressions.Match(rule, event.Payload)
}

// cooldownElapsed reports whether the rule is outside its cooldown window.
// Candidate lists may come from the cache, which statistics updates do not
// invalidate, so the authoritative timestamp is read from the store.
func (d *Dispatcher) cooldownElapsed(rule *Rule, now time.Time) bool {
	if rule.Trigger.CooldownSeconds <= 0 {
		return true
	}
	if fresh, err := d.store.Get(rule.ID); err == nil {
		rule = fresh
	}
	if rule.LastExecuted == nil {
		return true
	}
	window := time.Duration(rule.Trigger.CooldownSeconds) * time.Second
	return !now.Before(rule.LastExecuted.Add(window))
}

// newContext builds the per-execution context, seeding template variables
// with the flattened event payload plus the standard identifiers.
func (d *Dispatcher) newContext(rule *Rule, event TriggerEvent) *ExecutionContext {
	vars := make(map[string]any)
	flattenPayload("", event.Payload, vars)
	vars["scope_id"] = event.ScopeID
	vars["rule_id"] = rule.ID
	vars["rule_name"] = rule.Name
	vars["trigger_type"] = string(event.TriggerType)

	return &ExecutionContext{
		ExecutionID: uuid.NewString(),
		RuleID:      rule.ID,
		ScopeID:     event.ScopeID,
		Event:       event,
		ActorID:     stringifyIfSet(event.Payload, "user.id"),
		ChannelID:   stringifyIfSet(event.Payload, "channel.id"),
		MessageID:   stringifyIfSet(event.Payload, "message.id"),
		StartedAt:   d.now(),
		Variables:   vars,
	}
}

// scopeLock returns the serialization lock for a scope, creating it on
// first use.
func (d *Dispatcher) scopeLock(scopeID string) *sync.Mutex {
	d.scopeMu.Lock()
	defer d.scopeMu.Unlock()
	lock, ok := d.scopes[scopeID]
	if !ok {
		lock = &sync.Mutex{}
		d.scopes[scopeID] = lock
	}
	return lock
}

// flattenPayload writes every scalar payload value into vars under its
// dotted path.
func flattenPayload(prefix string, m map[string]any, vars map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenPayload(key, nested, vars)
			continue
		}
		vars[key] = v
	}
}

func stringifyIfSet(payload map[string]any, path string) string {
	v, ok := lookupField(payload, path)
	if !ok {
		return ""
	}
	return stringify(v)
}
