package automation

import (
	"time"
)

// TriggerType identifies the class of event a rule reacts to.
type TriggerType string

const (
	TriggerRecordCreated TriggerType = "record_created"
	TriggerRecordClosed  TriggerType = "record_closed"
	TriggerMemberJoin    TriggerType = "member_join"
	TriggerMemberLeave   TriggerType = "member_leave"
	TriggerMessageSent   TriggerType = "message_sent"
	TriggerScheduled     TriggerType = "scheduled"
	TriggerWebhook       TriggerType = "webhook"
	TriggerCustom        TriggerType = "custom"
)

// ConditionOperator is the comparison applied between an event field and the
// expected value of a condition.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not_equals"
	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "not_contains"
	OpStartsWith  ConditionOperator = "starts_with"
	OpEndsWith    ConditionOperator = "ends_with"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
	OpRegexMatch  ConditionOperator = "regex_match"
	OpInList      ConditionOperator = "in_list"
	OpNotInList   ConditionOperator = "not_in_list"
)

// ActionType names a registered action handler. The set is open: handlers
// register under arbitrary type strings, and validation checks rules against
// whatever is registered at commit time.
type ActionType string

const (
	ActionSendMessage   ActionType = "send_message"
	ActionAssignRole    ActionType = "assign_role"
	ActionRemoveRole    ActionType = "remove_role"
	ActionCreateChannel ActionType = "create_channel"
	ActionDeleteChannel ActionType = "delete_channel"
	ActionSendWebhook   ActionType = "send_webhook"
	ActionUpdateRecord  ActionType = "update_record"
)

// RuleStatus is the lifecycle state of a rule. Only active rules are
// eligible for dispatch.
type RuleStatus string

const (
	StatusDraft    RuleStatus = "draft"
	StatusActive   RuleStatus = "active"
	StatusPaused   RuleStatus = "paused"
	StatusDisabled RuleStatus = "disabled"
	StatusError    RuleStatus = "error"
)

// Condition is a single field/operator/value comparison evaluated against an
// incoming event payload. Field is a dotted path into the payload map.
type Condition struct {
	Field       string            `json:"field"`
	Operator    ConditionOperator `json:"operator"`
	Value       any               `json:"value"`
	Description string            `json:"description,omitempty"`
}

// Trigger describes when a rule becomes eligible to run.
//
// Expression is an optional CEL guard over an `event` map variable. It is
// compiled at commit time and evaluated after the structured conditions with
// AND semantics.
type Trigger struct {
	Type            TriggerType    `json:"type"`
	Conditions      []Condition    `json:"conditions,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
	Expression      string         `json:"expression,omitempty"`
	CooldownSeconds int            `json:"cooldown_seconds"`
}

// Action is one side-effecting step in a rule's pipeline.
type Action struct {
	Type         ActionType     `json:"type"`
	Params       map[string]any `json:"params,omitempty"`
	DelaySeconds int            `json:"delay_seconds"`
	RetryCount   int            `json:"retry_count"`
}

// Rule is the authored automation unit.
type Rule struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	ScopeID     string     `json:"scope_id"`
	Trigger     Trigger    `json:"trigger"`
	Actions     []Action   `json:"actions"`
	Status      RuleStatus `json:"status"`
	Priority    int        `json:"priority"`

	ExecutionCount int        `json:"execution_count"`
	SuccessCount   int        `json:"success_count"`
	FailureCount   int        `json:"failure_count"`
	LastExecuted   *time.Time `json:"last_executed,omitempty"`

	// Seq is assigned by the store at creation and breaks priority ties
	// deterministically (creation order).
	Seq       int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers never alias the store's canonical
// rule.
func (r *Rule) Clone() *Rule {
	cp := *r
	if r.LastExecuted != nil {
		t := *r.LastExecuted
		cp.LastExecuted = &t
	}
	cp.Trigger.Conditions = append([]Condition(nil), r.Trigger.Conditions...)
	cp.Trigger.Params = cloneMap(r.Trigger.Params)
	cp.Actions = make([]Action, len(r.Actions))
	for i, a := range r.Actions {
		cp.Actions[i] = a
		cp.Actions[i].Params = cloneMap(a.Params)
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// TriggerEvent is the ingestion contract: one call into the dispatcher per
// event. Payload keys are whatever dotted paths rule conditions reference.
type TriggerEvent struct {
	ScopeID     string         `json:"scope_id"`
	TriggerType TriggerType    `json:"trigger_type"`
	Payload     map[string]any `json:"payload"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

// ExecutionContext is the per-dispatch-attempt state handed through a rule's
// action pipeline. It is owned by exactly one in-flight execution.
type ExecutionContext struct {
	ExecutionID string
	RuleID      string
	ScopeID     string
	Event       TriggerEvent
	ActorID     string
	ChannelID   string
	MessageID   string
	StartedAt   time.Time

	// Variables feeds ${name} template substitution in action parameters.
	Variables map[string]any
}

// ExecutionResult is the immutable record produced when a rule's pipeline
// finishes.
type ExecutionResult struct {
	ExecutionID     string        `json:"execution_id"`
	RuleID          string        `json:"rule_id"`
	Success         bool          `json:"success"`
	ExecutedActions int           `json:"executed_actions"`
	FailedActions   int           `json:"failed_actions"`
	Duration        time.Duration `json:"duration"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	CompletedAt     time.Time     `json:"completed_at"`
}

// ChangeType classifies an audit trail entry.
type ChangeType string

const (
	ChangeCreated       ChangeType = "created"
	ChangeUpdated       ChangeType = "updated"
	ChangeDeleted       ChangeType = "deleted"
	ChangeStatusChanged ChangeType = "status_changed"
)

// ChangeRecord is one immutable entry in a rule's append-only audit trail.
type ChangeRecord struct {
	RuleID     string     `json:"rule_id"`
	Actor      string     `json:"actor"`
	ChangeType ChangeType `json:"change_type"`
	Diff       string     `json:"diff,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ValidTriggerType reports whether t is in the closed trigger enum.
func ValidTriggerType(t TriggerType) bool {
	switch t {
	case TriggerRecordCreated, TriggerRecordClosed, TriggerMemberJoin,
		TriggerMemberLeave, TriggerMessageSent, TriggerScheduled,
		TriggerWebhook, TriggerCustom:
		return true
	}
	return false
}

// ValidOperator reports whether op is in the closed operator enum.
func ValidOperator(op ConditionOperator) bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpStartsWith,
		OpEndsWith, OpGreaterThan, OpLessThan, OpRegexMatch, OpInList,
		OpNotInList:
		return true
	}
	return false
}

// ValidStatus reports whether s is a known rule lifecycle state.
func ValidStatus(s RuleStatus) bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaused, StatusDisabled, StatusError:
		return true
	}
	return false
}
