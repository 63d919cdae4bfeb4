package main

import (
	"time"

	"github.com/Craig-0219/potato-sub004/automation"
)

// API request and response models.

// RuleSpec is the authored rule shape shared by create and update requests.
// Scope comes from the URL.
type RuleSpec struct {
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Trigger     automation.Trigger    `json:"trigger"`
	Actions     []automation.Action   `json:"actions"`
	Status      automation.RuleStatus `json:"status,omitempty"`
	Priority    int                   `json:"priority"`
}

// UpdateStatusRequest transitions a rule's lifecycle state.
type UpdateStatusRequest struct {
	Status automation.RuleStatus `json:"status"`
}

// IngestEventRequest is the event ingestion body.
type IngestEventRequest struct {
	ScopeID     string                 `json:"scope_id"`
	TriggerType automation.TriggerType `json:"trigger_type"`
	Payload     map[string]any         `json:"payload"`
	OccurredAt  *time.Time             `json:"occurred_at,omitempty"`
}

// ProcessResponse is returned from event ingestion.
type ProcessResponse struct {
	Results []*automation.ExecutionResult `json:"results"`
}

// RuleStatsResponse combines a rule's counters with its recent executions.
type RuleStatsResponse struct {
	RuleID           string                        `json:"rule_id"`
	ExecutionCount   int                           `json:"execution_count"`
	SuccessCount     int                           `json:"success_count"`
	FailureCount     int                           `json:"failure_count"`
	LastExecuted     *time.Time                    `json:"last_executed,omitempty"`
	RecentExecutions []*automation.ExecutionResult `json:"recent_executions"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
