package automation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Sentinel errors callers branch on.
var (
	ErrRuleNotFound = errors.New("rule not found")
	ErrRuleExists   = errors.New("rule already exists")
)

// RuleFilter narrows List results. Zero-valued fields are ignored.
type RuleFilter struct {
	ScopeID     string
	Status      RuleStatus
	TriggerType TriggerType
}

// RuleStore is the canonical registry of rule definitions plus the
// append-only audit trail and execution history. Implementations must be
// safe for concurrent use; callers always receive value copies.
type RuleStore interface {
	Add(rule *Rule) error
	Get(id string) (*Rule, error)
	Update(rule *Rule) error
	Delete(id string) error
	List(filter RuleFilter) ([]*Rule, error)

	// RecordExecution atomically updates the rule's statistics counters and
	// last-executed timestamp, and appends the result to execution history.
	RecordExecution(result *ExecutionResult) error

	// ListExecutions returns the most recent execution results for a rule,
	// newest first, up to limit (0 means no limit).
	ListExecutions(ruleID string, limit int) ([]*ExecutionResult, error)

	// PruneExecutions trims execution history to the newest keep entries
	// per rule and returns the number of records removed.
	PruneExecutions(keep int) (int, error)

	// AppendChange appends one immutable audit entry.
	AppendChange(rec *ChangeRecord) error

	// ListChanges returns a rule's audit trail in append order.
	ListChanges(ruleID string) ([]*ChangeRecord, error)
}

// InMemoryRuleStore implements RuleStore with mutex-guarded maps.
type InMemoryRuleStore struct {
	mu         sync.RWMutex
	rules      map[string]*Rule
	executions map[string][]*ExecutionResult
	changes    map[string][]*ChangeRecord
	seq        int64
}

// NewInMemoryRuleStore creates an empty in-memory rule store.
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules:      make(map[string]*Rule),
		executions: make(map[string][]*ExecutionResult),
		changes:    make(map[string][]*ChangeRecord),
	}
}

// Add inserts a new rule, assigning its creation sequence number and
// timestamps.
func (s *InMemoryRuleStore) Add(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleExists)
	}

	s.seq++
	now := time.Now()
	cp := rule.Clone()
	cp.Seq = s.seq
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.rules[cp.ID] = cp

	rule.Seq = cp.Seq
	rule.CreatedAt = now
	rule.UpdatedAt = now
	return nil
}

// Get returns a copy of the rule with the given id.
func (s *InMemoryRuleStore) Get(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return rule.Clone(), nil
}

// Update replaces an existing rule definition, preserving creation metadata
// and execution counters.
func (s *InMemoryRuleStore) Update(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}

	cp := rule.Clone()
	cp.Seq = existing.Seq
	cp.CreatedAt = existing.CreatedAt
	cp.ExecutionCount = existing.ExecutionCount
	cp.SuccessCount = existing.SuccessCount
	cp.FailureCount = existing.FailureCount
	cp.LastExecuted = existing.LastExecuted
	cp.UpdatedAt = time.Now()
	s.rules[cp.ID] = cp
	return nil
}

// Delete removes a rule. Its audit trail survives deletion.
func (s *InMemoryRuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	delete(s.rules, id)
	delete(s.executions, id)
	return nil
}

// List returns copies of all rules matching the filter, in creation order.
func (s *InMemoryRuleStore) List(filter RuleFilter) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Rule
	for _, rule := range s.rules {
		if filter.ScopeID != "" && rule.ScopeID != filter.ScopeID {
			continue
		}
		if filter.Status != "" && rule.Status != filter.Status {
			continue
		}
		if filter.TriggerType != "" && rule.Trigger.Type != filter.TriggerType {
			continue
		}
		out = append(out, rule.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// RecordExecution updates counters and last-executed under the store lock so
// interleaved dispatches never lose updates, then appends to history.
func (s *InMemoryRuleStore) RecordExecution(result *ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[result.RuleID]
	if !exists {
		return fmt.Errorf("rule %s: %w", result.RuleID, ErrRuleNotFound)
	}

	rule.ExecutionCount++
	if result.Success {
		rule.SuccessCount++
	} else {
		rule.FailureCount++
	}
	t := result.CompletedAt.Add(-result.Duration)
	rule.LastExecuted = &t

	cp := *result
	s.executions[result.RuleID] = append(s.executions[result.RuleID], &cp)
	return nil
}

// ListExecutions returns the newest results first.
func (s *InMemoryRuleStore) ListExecutions(ruleID string, limit int) ([]*ExecutionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.executions[ruleID]
	out := make([]*ExecutionResult, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		cp := *history[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PruneExecutions drops all but the newest keep results per rule.
func (s *InMemoryRuleStore) PruneExecutions(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for ruleID, history := range s.executions {
		if len(history) <= keep {
			continue
		}
		removed += len(history) - keep
		trimmed := make([]*ExecutionResult, keep)
		copy(trimmed, history[len(history)-keep:])
		s.executions[ruleID] = trimmed
	}
	return removed, nil
}

// AppendChange appends an audit entry. Entries are never mutated or removed.
func (s *InMemoryRuleStore) AppendChange(rec *ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	s.changes[rec.RuleID] = append(s.changes[rec.RuleID], &cp)
	return nil
}

// ListChanges returns a rule's audit trail in append order.
func (s *InMemoryRuleStore) ListChanges(ruleID string) ([]*ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.changes[ruleID]
	out := make([]*ChangeRecord, len(history))
	for i, rec := range history {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}
