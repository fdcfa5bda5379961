package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/expression"
)

// InputValidationError describes one rejected workflow input
type InputValidationError struct {
	Field   string
	Message string
}

func (e *InputValidationError) Error() string {
	return fmt.Sprintf("input %q: %s", e.Field, e.Message)
}

// ValidateInputs checks the provided inputs against the workflow's input
// declarations and returns the normalized input set: defaults applied,
// values coerced to their declared types. Validation runs before any step
// does; a failed run is never created from invalid inputs.
func ValidateInputs(workflow *ast.Workflow, provided map[string]interface{}) (map[string]interface{}, error) {
	normalized := make(map[string]interface{}, len(provided))
	var errs []error

	for name, param := range workflow.Inputs {
		value, present := provided[name]
		if !present || value == nil {
			if param.HasDefault() {
				normalized[name] = param.Default
				continue
			}
			if param.Required {
				errs = append(errs, &InputValidationError{Field: name, Message: "required input is missing"})
			}
			continue
		}

		coerced, err := coerceInput(value, param.GetTypeString())
		if err != nil {
			errs = append(errs, &InputValidationError{Field: name, Message: err.Error()})
			continue
		}

		if param.Pattern != "" {
			if text, ok := coerced.(string); ok {
				matched, err := regexp.MatchString(param.Pattern, text)
				if err != nil {
					errs = append(errs, &InputValidationError{Field: name, Message: fmt.Sprintf("invalid pattern %q", param.Pattern)})
					continue
				}
				if !matched {
					errs = append(errs, &InputValidationError{Field: name, Message: fmt.Sprintf("value does not match pattern %q", param.Pattern)})
					continue
				}
			}
		}

		if len(param.Enum) > 0 {
			text := expression.ToString(coerced)
			allowed := false
			for _, option := range param.Enum {
				if text == option {
					allowed = true
					break
				}
			}
			if !allowed {
				errs = append(errs, &InputValidationError{Field: name, Message: fmt.Sprintf("value %q is not one of the allowed values", text)})
				continue
			}
		}

		normalized[name] = coerced
	}

	for name := range provided {
		if workflow.Inputs == nil {
			errs = append(errs, &InputValidationError{Field: name, Message: "workflow declares no inputs"})
			continue
		}
		if _, declared := workflow.Inputs[name]; !declared {
			errs = append(errs, &InputValidationError{Field: name, Message: "unexpected input"})
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return normalized, nil
}

// coerceInput converts a provided value to the declared input type,
// accepting the usual JSON and YAML representations
func coerceInput(value interface{}, declaredType string) (interface{}, error) {
	switch declaredType {
	case "string":
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("expected string, got %T", value)

	case "number", "integer":
		if n, ok := expression.ToNumber(value); ok {
			if declaredType == "integer" {
				return int(n), nil
			}
			return n, nil
		}
		return nil, fmt.Errorf("expected number, got %T", value)

	case "boolean", "bool":
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", v)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("expected boolean, got %T", value)

	case "array", "list":
		if slice, ok := expression.ToSlice(value); ok {
			return slice, nil
		}
		return nil, fmt.Errorf("expected array, got %T", value)

	case "object", "map":
		if m, ok := expression.ToStringMap(value); ok {
			return m, nil
		}
		return nil, fmt.Errorf("expected object, got %T", value)

	default:
		return value, nil
	}
}
