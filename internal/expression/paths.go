package expression

import (
	"regexp"
	"strconv"
	"strings"
)

// pathPattern matches pure dotted-path expressions like "a.b_c.0.d" or
// "items[2].name". Anything more structured goes through the evaluator.
var pathPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(?:(?:\.[A-Za-z0-9_]+)|(?:\[[0-9]+\]))*$`)

// IsPath reports whether the expression is a plain dotted path
func IsPath(expression string) bool {
	return pathPattern.MatchString(expression)
}

// ResolvePath walks a dotted path through nested maps and sequences.
// Missing intermediate keys yield (nil, false) rather than an error;
// non-integer indexing on a sequence yields undefined.
func ResolvePath(env map[string]interface{}, path string) (interface{}, bool) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return nil, false
	}

	current, ok := env[segments[0]]
	if !ok {
		return nil, false
	}

	for _, segment := range segments[1:] {
		current, ok = descend(current, segment)
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func splitPath(path string) []string {
	// normalize bracket indexing to dot segments: a[0].b -> a.0.b
	normalized := strings.NewReplacer("[", ".", "]", "").Replace(path)
	parts := strings.Split(normalized, ".")
	segments := parts[:0]
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}

func descend(value interface{}, segment string) (interface{}, bool) {
	switch v := value.(type) {
	case map[string]interface{}:
		child, ok := v[segment]
		return child, ok
	case map[interface{}]interface{}:
		child, ok := v[segment]
		return child, ok
	case []interface{}:
		idx, err := strconv.Atoi(segment)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	default:
		return nil, false
	}
}
