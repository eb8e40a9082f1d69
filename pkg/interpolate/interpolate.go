// Package interpolate resolves ${name} placeholders in recorded values.
package interpolate

import "regexp"

var placeholderPattern = regexp.MustCompile(`\$\{([^{}]+)\}`)

// Apply replaces every ${name} occurrence in s with its binding from vars.
// Unresolved placeholders are left verbatim rather than treated as errors.
// Substitution is a single pass: substituted values are never re-scanned,
// so a binding whose value contains ${other} survives literally and Apply
// is idempotent once no bound placeholders remain.
func Apply(s string, vars map[string]string) string {
	if s == "" {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}

// ApplyAll applies the same bindings to every string in values, in order.
func ApplyAll(values []string, vars map[string]string) []string {
	if len(values) == 0 {
		return values
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = Apply(v, vars)
	}
	return out
}

// Merge layers overrides on top of defaults without mutating either map.
// An empty-string override still wins over a default.
func Merge(defaults, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
