package adapter

import (
	"context"
	"fmt"

	"github.com/itchyny/gojq"
	"github.com/scottgl07/marktoflow-sub001/internal/expression"
)

// TransformExecutor reshapes data with a jq program. Input passes through
// JSON normalization first so typed values behave like decoded JSON.
type TransformExecutor struct{}

func NewTransformExecutor() *TransformExecutor {
	return &TransformExecutor{}
}

func (e *TransformExecutor) Name() string {
	return "transform"
}

func (e *TransformExecutor) Execute(ctx context.Context, req *Request) (interface{}, error) {
	program, err := req.RequireString("query")
	if err != nil {
		return nil, err
	}

	input, ok := req.Value("input")
	if !ok {
		return nil, fmt.Errorf("action %q requires parameter %q", req.Uses, "input")
	}

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, fmt.Errorf("invalid jq query: %w", err)
	}

	normalized, err := expression.NormalizeJSON(input)
	if err != nil {
		return nil, err
	}

	iter := query.RunWithContext(ctx, normalized)
	results := make([]interface{}, 0, 1)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, fmt.Errorf("jq query failed: %w", err)
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
