package automation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MutationHook is notified after every successful rule mutation. Hooks run
// synchronously on the mutating goroutine and must not call back into the
// manager.
type MutationHook func(rule *Rule, change ChangeType)

// Manager validates and normalizes rule definitions before committing them
// to the store, compiles trigger guard expressions, and maintains the
// append-only audit trail.
type Manager struct {
	store       RuleStore
	registry    *HandlerRegistry
	expressions *ExpressionCompiler
	cache       CandidateCache
	logger      *slog.Logger

	hookMu sync.RWMutex
	hooks  []MutationHook
}

// NewManager wires a manager over its collaborators. cache may be nil.
func NewManager(store RuleStore, registry *HandlerRegistry, expressions *ExpressionCompiler, cache CandidateCache, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:       store,
		registry:    registry,
		expressions: expressions,
		cache:       cache,
		logger:      logger,
	}
}

// OnMutation registers a hook invoked after create/update/delete/status
// changes commit.
func (m *Manager) OnMutation(hook MutationHook) {
	m.hookMu.Lock()
	m.hooks = append(m.hooks, hook)
	m.hookMu.Unlock()
}

// Create validates the spec, assigns identity, and commits the rule in
// draft status unless the spec names another valid status.
func (m *Manager) Create(rule *Rule, actor string) (string, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Status == "" {
		rule.Status = StatusDraft
	}

	if err := ValidateRule(rule, m.registry); err != nil {
		return "", err
	}

	// The guard is built before the commit but installed only after, so a
	// rejected create (duplicate id, store failure) leaves the program cache
	// untouched: a committed rule with the same id keeps its guard.
	guard, err := m.expressions.build(rule.Trigger.Expression)
	if err != nil {
		return "", fieldErr("trigger.expression", "%v", err)
	}

	if err := m.store.Add(rule); err != nil {
		return "", err
	}
	m.expressions.install(rule.ID, guard)

	m.recordChange(rule.ID, actor, ChangeCreated, rule)
	m.afterMutation(rule, ChangeCreated)
	m.logger.Info("rule created", "rule_id", rule.ID, "scope_id", rule.ScopeID, "trigger", rule.Trigger.Type)
	return rule.ID, nil
}

// Update replaces an existing rule's definition. Identity, creation
// metadata and counters are preserved by the store; committing the same
// spec twice leaves the stored rule unchanged apart from timestamps.
func (m *Manager) Update(rule *Rule, actor string) error {
	existing, err := m.store.Get(rule.ID)
	if err != nil {
		return err
	}
	if rule.Status == "" {
		rule.Status = existing.Status
	}

	if err := ValidateRule(rule, m.registry); err != nil {
		return err
	}

	// Install the new guard only once the store accepts the write; a failed
	// update must leave the committed rule evaluating its committed guard.
	guard, err := m.expressions.build(rule.Trigger.Expression)
	if err != nil {
		return fieldErr("trigger.expression", "%v", err)
	}

	if err := m.store.Update(rule); err != nil {
		return err
	}
	m.expressions.install(rule.ID, guard)

	m.recordChange(rule.ID, actor, ChangeUpdated, rule)
	m.afterMutation(rule, ChangeUpdated)
	m.logger.Info("rule updated", "rule_id", rule.ID, "scope_id", rule.ScopeID)
	return nil
}

// UpdateStatus transitions a rule's lifecycle state. Status is never changed
// implicitly anywhere else.
func (m *Manager) UpdateStatus(id string, status RuleStatus, actor string) error {
	if !ValidStatus(status) {
		return fieldErr("status", "unknown status %q", status)
	}

	rule, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if rule.Status == status {
		return nil
	}

	rule.Status = status
	if err := m.store.Update(rule); err != nil {
		return err
	}

	m.recordChange(id, actor, ChangeStatusChanged, map[string]any{"status": status})
	m.afterMutation(rule, ChangeStatusChanged)
	m.logger.Info("rule status changed", "rule_id", id, "status", status)
	return nil
}

// Delete removes a rule. The audit trail survives.
func (m *Manager) Delete(id string, actor string) error {
	rule, err := m.store.Get(id)
	if err != nil {
		return err
	}

	if err := m.store.Delete(id); err != nil {
		return err
	}
	m.expressions.Remove(id)

	m.recordChange(id, actor, ChangeDeleted, nil)
	m.afterMutation(rule, ChangeDeleted)
	m.logger.Info("rule deleted", "rule_id", id, "scope_id", rule.ScopeID)
	return nil
}

// Get returns a copy of the rule.
func (m *Manager) Get(id string) (*Rule, error) {
	return m.store.Get(id)
}

// List returns rules matching the filter.
func (m *Manager) List(filter RuleFilter) ([]*Rule, error) {
	return m.store.List(filter)
}

// Changes returns a rule's audit trail.
func (m *Manager) Changes(ruleID string) ([]*ChangeRecord, error) {
	return m.store.ListChanges(ruleID)
}

// CompileAll compiles guard expressions for every stored rule, e.g. after
// loading persisted rules at startup.
func (m *Manager) CompileAll() error {
	rules, err := m.store.List(RuleFilter{})
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if err := m.expressions.Compile(rule.ID, rule.Trigger.Expression); err != nil {
			return fmt.Errorf("compile guard for rule %s: %w", rule.ID, err)
		}
	}
	return nil
}

func (m *Manager) recordChange(ruleID, actor string, change ChangeType, detail any) {
	var diff string
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			diff = string(b)
		}
	}
	rec := &ChangeRecord{
		RuleID:     ruleID,
		Actor:      actor,
		ChangeType: change,
		Diff:       diff,
		Timestamp:  time.Now(),
	}
	if err := m.store.AppendChange(rec); err != nil {
		// Best-effort audit: the mutation itself already committed.
		m.logger.Error("append audit entry", "rule_id", ruleID, "err", err)
	}
}

func (m *Manager) afterMutation(rule *Rule, change ChangeType) {
	if m.cache != nil {
		m.cache.Invalidate()
	}
	m.hookMu.RLock()
	hooks := m.hooks
	m.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(rule, change)
	}
}
