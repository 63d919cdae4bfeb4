package automation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// EvaluateCondition applies a single condition to the event payload.
// Malformed operands never abort dispatch: any comparison that cannot be
// performed fails the condition instead of raising.
func EvaluateCondition(cond Condition, payload map[string]any) bool {
	actual, ok := lookupField(payload, cond.Field)
	if !ok {
		// A missing field only satisfies the negated operators.
		switch cond.Operator {
		case OpNotEquals, OpNotContains, OpNotInList:
			return true
		}
		return false
	}
	return EvaluateOperator(cond.Operator, actual, cond.Value)
}

// EvaluateOperator compares an actual value against an expected value using
// one of the closed set of operators. Unknown operators evaluate to false;
// they are rejected long before dispatch, at rule commit time.
func EvaluateOperator(op ConditionOperator, actual, expected any) bool {
	switch op {
	case OpEquals:
		return looseEqual(actual, expected)
	case OpNotEquals:
		return !looseEqual(actual, expected)
	case OpContains:
		return strings.Contains(stringify(actual), stringify(expected))
	case OpNotContains:
		return !strings.Contains(stringify(actual), stringify(expected))
	case OpStartsWith:
		return strings.HasPrefix(stringify(actual), stringify(expected))
	case OpEndsWith:
		return strings.HasSuffix(stringify(actual), stringify(expected))
	case OpGreaterThan:
		a, e, ok := bothNumeric(actual, expected)
		return ok && a > e
	case OpLessThan:
		a, e, ok := bothNumeric(actual, expected)
		return ok && a < e
	case OpRegexMatch:
		re, err := regexp.Compile(stringify(expected))
		if err != nil {
			return false
		}
		return re.MatchString(stringify(actual))
	case OpInList:
		return inList(actual, expected)
	case OpNotInList:
		return !inList(actual, expected)
	}
	return false
}

// lookupField resolves a dotted path ("user.roles") inside a nested payload
// map. The second return is false when any path segment is missing or a
// non-map value is traversed into.
func lookupField(payload map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEqual compares numerically when both sides parse as numbers, falling
// back to string comparison. "5" and 5 are considered equal, the way
// payloads decoded from JSON mix types.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return stringify(a) == stringify(b)
}

func bothNumeric(a, b any) (float64, float64, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return af, bf, aok && bok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case bool:
		return 0, false
	case nil:
		return 0, false
	default:
		f, err := strconv.ParseFloat(stringify(v), 64)
		return f, err == nil
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// inList membership test. A non-list expected value is treated as a
// one-element list.
func inList(actual, expected any) bool {
	list, ok := expected.([]any)
	if !ok {
		list = []any{expected}
	}
	for _, item := range list {
		if looseEqual(actual, item) {
			return true
		}
	}
	return false
}
