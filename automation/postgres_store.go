package automation

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL. Counter
// updates are expressed as SQL increments, so concurrent dispatches never
// lose updates.
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a PostgreSQL-backed rule store.
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

// Add inserts a new rule. The creation sequence number comes from the
// table's bigserial column.
func (s *PostgresRuleStore) Add(rule *Rule) error {
	triggerJSON, actionsJSON, err := marshalRuleBody(rule)
	if err != nil {
		return err
	}

	now := time.Now()
	err = s.db.QueryRow(`
		INSERT INTO rules (id, scope_id, name, description, trigger, actions,
			status, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING seq
	`, rule.ID, rule.ScopeID, rule.Name, rule.Description, triggerJSON,
		actionsJSON, rule.Status, rule.Priority, now).Scan(&rule.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleExists)
		}
		return fmt.Errorf("insert rule: %w", err)
	}

	rule.CreatedAt = now
	rule.UpdatedAt = now
	return nil
}

// Get retrieves a rule by id.
func (s *PostgresRuleStore) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(`
		SELECT id, scope_id, name, description, trigger, actions, status,
			priority, execution_count, success_count, failure_count,
			last_executed, seq, created_at, updated_at
		FROM rules
		WHERE id = $1
	`, id)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

// Update replaces a rule's definition, leaving counters and creation
// metadata untouched.
func (s *PostgresRuleStore) Update(rule *Rule) error {
	triggerJSON, actionsJSON, err := marshalRuleBody(rule)
	if err != nil {
		return err
	}

	result, err := s.db.Exec(`
		UPDATE rules
		SET scope_id = $1, name = $2, description = $3, trigger = $4,
			actions = $5, status = $6, priority = $7, updated_at = $8
		WHERE id = $9
	`, rule.ScopeID, rule.Name, rule.Description, triggerJSON, actionsJSON,
		rule.Status, rule.Priority, time.Now(), rule.ID)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return requireRowsAffected(result, rule.ID)
}

// Delete removes a rule and its execution history. The audit trail is kept.
func (s *PostgresRuleStore) Delete(id string) error {
	result, err := s.db.Exec(`DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return requireRowsAffected(result, id)
}

// List returns rules matching the filter in creation order.
func (s *PostgresRuleStore) List(filter RuleFilter) ([]*Rule, error) {
	query := `
		SELECT id, scope_id, name, description, trigger, actions, status,
			priority, execution_count, success_count, failure_count,
			last_executed, seq, created_at, updated_at
		FROM rules
		WHERE ($1 = '' OR scope_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR trigger->>'type' = $3)
		ORDER BY seq ASC
	`
	rows, err := s.db.Query(query, filter.ScopeID, string(filter.Status), string(filter.TriggerType))
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return out, nil
}

// RecordExecution increments counters and appends the result in one
// transaction.
func (s *PostgresRuleStore) RecordExecution(result *ExecutionResult) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	successInc := 0
	failureInc := 1
	if result.Success {
		successInc, failureInc = 1, 0
	}
	startedAt := result.CompletedAt.Add(-result.Duration)

	res, err := tx.Exec(`
		UPDATE rules
		SET execution_count = execution_count + 1,
			success_count = success_count + $1,
			failure_count = failure_count + $2,
			last_executed = $3
		WHERE id = $4
	`, successInc, failureInc, startedAt, result.RuleID)
	if err != nil {
		return fmt.Errorf("update rule statistics: %w", err)
	}
	if err := requireRowsAffected(res, result.RuleID); err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO rule_executions (execution_id, rule_id, success,
			executed_actions, failed_actions, duration_ms, error_message,
			completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, result.ExecutionID, result.RuleID, result.Success,
		result.ExecutedActions, result.FailedActions,
		result.Duration.Milliseconds(), result.ErrorMessage, result.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert execution result: %w", err)
	}

	return tx.Commit()
}

// ListExecutions returns the newest results first.
func (s *PostgresRuleStore) ListExecutions(ruleID string, limit int) ([]*ExecutionResult, error) {
	query := `
		SELECT execution_id, rule_id, success, executed_actions,
			failed_actions, duration_ms, error_message, completed_at
		FROM rule_executions
		WHERE rule_id = $1
		ORDER BY completed_at DESC
	`
	args := []any{ruleID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionResult
	for rows.Next() {
		var r ExecutionResult
		var durationMs int64
		if err := rows.Scan(&r.ExecutionID, &r.RuleID, &r.Success,
			&r.ExecutedActions, &r.FailedActions, &durationMs,
			&r.ErrorMessage, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

// PruneExecutions keeps only the newest keep rows per rule.
func (s *PostgresRuleStore) PruneExecutions(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	result, err := s.db.Exec(`
		DELETE FROM rule_executions
		WHERE execution_id IN (
			SELECT execution_id FROM (
				SELECT execution_id,
					ROW_NUMBER() OVER (PARTITION BY rule_id ORDER BY completed_at DESC) AS rn
				FROM rule_executions
			) ranked
			WHERE ranked.rn > $1
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(removed), nil
}

// AppendChange appends one audit entry.
func (s *PostgresRuleStore) AppendChange(rec *ChangeRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO rule_changes (rule_id, actor, change_type, diff, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.RuleID, rec.Actor, rec.ChangeType, rec.Diff, ts)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListChanges returns the audit trail in append order.
func (s *PostgresRuleStore) ListChanges(ruleID string) ([]*ChangeRecord, error) {
	rows, err := s.db.Query(`
		SELECT rule_id, actor, change_type, diff, created_at
		FROM rule_changes
		WHERE rule_id = $1
		ORDER BY id ASC
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*ChangeRecord
	for rows.Next() {
		var rec ChangeRecord
		if err := rows.Scan(&rec.RuleID, &rec.Actor, &rec.ChangeType,
			&rec.Diff, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var rule Rule
	var triggerJSON, actionsJSON []byte
	var lastExecuted sql.NullTime

	err := row.Scan(&rule.ID, &rule.ScopeID, &rule.Name, &rule.Description,
		&triggerJSON, &actionsJSON, &rule.Status, &rule.Priority,
		&rule.ExecutionCount, &rule.SuccessCount, &rule.FailureCount,
		&lastExecuted, &rule.Seq, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(triggerJSON, &rule.Trigger); err != nil {
		return nil, fmt.Errorf("decode trigger: %w", err)
	}
	if err := json.Unmarshal(actionsJSON, &rule.Actions); err != nil {
		return nil, fmt.Errorf("decode actions: %w", err)
	}
	if lastExecuted.Valid {
		t := lastExecuted.Time
		rule.LastExecuted = &t
	}
	return &rule, nil
}

func marshalRuleBody(rule *Rule) ([]byte, []byte, error) {
	triggerJSON, err := json.Marshal(rule.Trigger)
	if err != nil {
		return nil, nil, fmt.Errorf("encode trigger: %w", err)
	}
	actionsJSON, err := json.Marshal(rule.Actions)
	if err != nil {
		return nil, nil, fmt.Errorf("encode actions: %w", err)
	}
	return triggerJSON, actionsJSON, nil
}

func requireRowsAffected(result sql.Result, ruleID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("rule %s: %w", ruleID, ErrRuleNotFound)
	}
	return nil
}

// isUniqueViolation detects a primary-key conflict without importing pq's
// error type into the store's public surface.
func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}
