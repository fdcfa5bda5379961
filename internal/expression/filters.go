package expression

import (
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
)

// helperFunctions are available in every expression, both bare and as
// pipe targets ("items | jq('.[] | .name')"). Workflow variables with the
// same name shadow them.
var helperFunctions = map[string]interface{}{
	"has":      helperHas,
	"includes": helperIncludes,
	"length":   helperLength,
	"coalesce": helperCoalesce,
	"jq":       helperJq,
}

func helperHas(m map[string]interface{}, key string) bool {
	_, ok := m[key]
	return ok
}

func helperIncludes(list []interface{}, item interface{}) bool {
	for _, v := range list {
		if fmt.Sprintf("%v", v) == fmt.Sprintf("%v", item) {
			return true
		}
	}
	return false
}

func helperLength(v interface{}) int {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		return len(val)
	case []interface{}:
		return len(val)
	case map[string]interface{}:
		return len(val)
	default:
		return 0
	}
}

func helperCoalesce(values ...interface{}) interface{} {
	for _, v := range values {
		if v != nil && v != "" {
			return v
		}
	}
	return nil
}

// helperJq applies a jq program to the value. A program yielding one
// result returns it directly; multiple results return a list.
func helperJq(value interface{}, program string) (interface{}, error) {
	query, err := gojq.Parse(program)
	if err != nil {
		return nil, fmt.Errorf("invalid jq program %q: %w", program, err)
	}

	normalized, err := NormalizeJSON(value)
	if err != nil {
		return nil, err
	}

	var results []interface{}
	iter := query.Run(normalized)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if runErr, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq evaluation failed: %w", runErr)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// NormalizeJSON round-trips the value through JSON so gojq sees only the
// types it accepts
func NormalizeJSON(value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON representable: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
