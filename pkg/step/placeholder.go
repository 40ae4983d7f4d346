package step

import (
	"os"
	"regexp"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.-]*)\}`)

// Lookup resolves a placeholder name to a value.
type Lookup func(name string) (string, bool)

// EnvLookup consults vars first and then the process environment.
func EnvLookup(vars map[string]string) Lookup {
	return func(name string) (string, bool) {
		if v, ok := vars[name]; ok {
			return v, true
		}
		return os.LookupEnv(name)
	}
}

// ResolvePlaceholders returns a copy of settings with placeholders
// substituted. A string that is exactly "{key}" is replaced by the value of
// key; "${NAME}" is substituted anywhere inside a string. Unknown
// placeholders are left untouched. Nested maps and slices are walked.
func ResolvePlaceholders(settings map[string]any, lookup Lookup) map[string]any {
	if settings == nil || lookup == nil {
		return settings
	}

	resolved := make(map[string]any, len(settings))
	for key, value := range settings {
		resolved[key] = resolveValue(value, lookup)
	}
	return resolved
}

func resolveValue(value any, lookup Lookup) any {
	switch v := value.(type) {
	case string:
		if len(v) > 2 && v[0] == '{' && v[len(v)-1] == '}' {
			if s, ok := lookup(v[1 : len(v)-1]); ok {
				return s
			}
			return v
		}
		return envPattern.ReplaceAllStringFunc(v, func(m string) string {
			name := envPattern.FindStringSubmatch(m)[1]
			if s, ok := lookup(name); ok {
				return s
			}
			return m
		})
	case map[string]any:
		return ResolvePlaceholders(v, lookup)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = resolveValue(e, lookup)
		}
		return out
	default:
		return v
	}
}
