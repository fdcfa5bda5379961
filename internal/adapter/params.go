package adapter

import (
	"fmt"
	"time"

	"github.com/scottgl07/marktoflow-sub001/internal/expression"
)

// String returns the named parameter coerced to a string, preferring the
// step's with block over the tool binding's config.
func (r *Request) String(key, fallback string) string {
	if v, ok := r.lookup(key); ok && v != nil {
		return expression.ToString(v)
	}
	return fallback
}

// RequireString returns the named parameter or an error when missing
func (r *Request) RequireString(key string) (string, error) {
	v, ok := r.lookup(key)
	if !ok || v == nil || expression.ToString(v) == "" {
		return "", fmt.Errorf("action %q requires parameter %q", r.Uses, key)
	}
	return expression.ToString(v), nil
}

// Int returns the named parameter coerced to an int
func (r *Request) Int(key string, fallback int) int {
	if v, ok := r.lookup(key); ok {
		if n, ok := expression.ToNumber(v); ok {
			return int(n)
		}
	}
	return fallback
}

// Float returns the named parameter coerced to a float64
func (r *Request) Float(key string, fallback float64) float64 {
	if v, ok := r.lookup(key); ok {
		if n, ok := expression.ToNumber(v); ok {
			return n
		}
	}
	return fallback
}

// Bool returns the named parameter coerced to a bool
func (r *Request) Bool(key string, fallback bool) bool {
	if v, ok := r.lookup(key); ok && v != nil {
		return expression.ToBool(v)
	}
	return fallback
}

// Duration reads the named parameter as milliseconds or a duration string
func (r *Request) Duration(key string, fallback time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok || v == nil {
		return fallback
	}
	if n, ok := expression.ToNumber(v); ok {
		return time.Duration(n) * time.Millisecond
	}
	if d, err := time.ParseDuration(expression.ToString(v)); err == nil {
		return d
	}
	return fallback
}

// StringMap returns the named parameter as a map with string values
func (r *Request) StringMap(key string) map[string]string {
	v, ok := r.lookup(key)
	if !ok {
		return nil
	}
	m, ok := expression.ToStringMap(v)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, value := range m {
		out[k] = expression.ToString(value)
	}
	return out
}

// Value returns the raw named parameter
func (r *Request) Value(key string) (interface{}, bool) {
	return r.lookup(key)
}

func (r *Request) lookup(key string) (interface{}, bool) {
	if r.With != nil {
		if v, ok := r.With[key]; ok {
			return v, true
		}
	}
	if r.Tool != nil && r.Tool.Config != nil {
		if v, ok := r.Tool.Config[key]; ok {
			return v, true
		}
	}
	return nil, false
}
