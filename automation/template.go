package automation

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z0-9_.]+)\}`)

// renderParams substitutes ${name} placeholders in string parameter values
// with entries from the execution context's variable map, recursing into
// nested maps and slices. Unknown names are left in place so handlers can
// surface them in their own errors. Non-string values pass through
// untouched; the engine never interprets handler parameters beyond this.
func renderParams(params map[string]any, vars map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = renderValue(v, vars)
	}
	return out
}

func renderValue(v any, vars map[string]any) any {
	switch val := v.(type) {
	case string:
		return renderString(val, vars)
	case map[string]any:
		return renderParams(val, vars)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = renderValue(item, vars)
		}
		return out
	default:
		return v
	}
}

func renderString(s string, vars map[string]any) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := vars[name]; ok {
			return stringify(v)
		}
		return match
	})
}
