package automation

import (
	"fmt"
	"regexp"

	"github.com/robfig/cron/v3"
)

// Priority bounds. 10 runs first among simultaneously matching rules.
const (
	MinPriority = 1
	MaxPriority = 10
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidationError is a field-level validation failure surfaced to rule
// authors at commit time.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func fieldErr(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidateRule checks a rule spec against the closed enums and range
// invariants. Registered action types come from the handler registry, so
// unknown action types are rejected here rather than silently accepted.
func ValidateRule(rule *Rule, registry *HandlerRegistry) error {
	if rule.Name == "" {
		return fieldErr("name", "is required")
	}
	if rule.ScopeID == "" {
		return fieldErr("scope_id", "is required")
	}
	if !ValidTriggerType(rule.Trigger.Type) {
		return fieldErr("trigger.type", "unknown trigger type %q", rule.Trigger.Type)
	}
	if rule.Trigger.CooldownSeconds < 0 {
		return fieldErr("trigger.cooldown_seconds", "must be >= 0, got %d", rule.Trigger.CooldownSeconds)
	}
	if rule.Priority < MinPriority || rule.Priority > MaxPriority {
		return fieldErr("priority", "must be between %d and %d, got %d", MinPriority, MaxPriority, rule.Priority)
	}
	if rule.Status != "" && !ValidStatus(rule.Status) {
		return fieldErr("status", "unknown status %q", rule.Status)
	}

	for i, cond := range rule.Trigger.Conditions {
		field := fmt.Sprintf("trigger.conditions[%d]", i)
		if cond.Field == "" {
			return fieldErr(field+".field", "is required")
		}
		if !ValidOperator(cond.Operator) {
			return fieldErr(field+".operator", "unknown operator %q", cond.Operator)
		}
		if cond.Operator == OpRegexMatch {
			pattern := stringify(cond.Value)
			if _, err := regexp.Compile(pattern); err != nil {
				return fieldErr(field+".value", "invalid regular expression: %v", err)
			}
		}
	}

	if rule.Trigger.Type == TriggerScheduled {
		spec := stringify(rule.Trigger.Params["cron"])
		if spec == "" {
			return fieldErr("trigger.params.cron", "is required for scheduled rules")
		}
		if _, err := cronParser.Parse(spec); err != nil {
			return fieldErr("trigger.params.cron", "invalid cron spec: %v", err)
		}
	}

	if len(rule.Actions) == 0 {
		return fieldErr("actions", "must contain at least one action")
	}
	for i, action := range rule.Actions {
		field := fmt.Sprintf("actions[%d]", i)
		if action.Type == "" {
			return fieldErr(field+".type", "is required")
		}
		if registry != nil && !registry.Has(action.Type) {
			return fieldErr(field+".type", "no handler registered for action type %q", action.Type)
		}
		if action.DelaySeconds < 0 {
			return fieldErr(field+".delay_seconds", "must be >= 0, got %d", action.DelaySeconds)
		}
		if action.RetryCount < 0 {
			return fieldErr(field+".retry_count", "must be >= 0, got %d", action.RetryCount)
		}
	}

	return nil
}
