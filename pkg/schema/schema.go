// Package schema provides access to workflow schema definitions and
// metadata. It enables third-party applications to introspect the workflow
// document format: the JSON schema for the YAML surface, the recognized
// step kinds, and the helper functions available inside expressions.
//
// The schema information is useful for:
//   - Building workflow editors with syntax validation and autocompletion
//   - Creating standalone workflow validation tools
//   - Generating documentation for the workflow syntax
//
// Example usage:
//
//	info, err := schema.GetSchema()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Validate workflow YAML against the JSON schema
//	var workflowSchema map[string]interface{}
//	json.Unmarshal(info.Schema, &workflowSchema)
//
//	// List the step kinds the engine dispatches
//	for _, kind := range info.StepKinds {
//		fmt.Println(kind)
//	}
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/expression"
)

// Output represents the complete schema information for workflow
// documents. It contains everything needed to understand and validate a
// workflow definition without importing the engine's internals.
type Output struct {
	// Schema contains the JSON Schema definition for the YAML surface of
	// workflow documents. It can be used to validate workflow files and
	// to provide autocompletion and diagnostics in editors.
	Schema json.RawMessage `json:"schema"`

	// StepKinds lists every step kind the engine dispatches, from plain
	// adapter actions through control flow like loops, branches and waits.
	StepKinds []ast.StepKind `json:"step_kinds"`

	// Helpers contains the helper functions usable inside template
	// expressions, with their signatures and usage examples.
	Helpers []expression.HelperDef `json:"helpers"`
}

// GetSchema compiles and returns the workflow document schema metadata.
//
// This is the same information the hidden `schema` CLI command prints; the
// function form is intended for editor tooling and validators that embed
// the engine rather than shell out to it.
//
// Example:
//
//	info, err := schema.GetSchema()
//	if err != nil {
//		return fmt.Errorf("failed to get schema: %w", err)
//	}
//	fmt.Printf("step kinds: %d, helpers: %d\n", len(info.StepKinds), len(info.Helpers))
func GetSchema() (*Output, error) {
	schemaBytes, err := ast.NewSchema()
	if err != nil {
		return nil, fmt.Errorf("error creating base schema: %w", err)
	}

	return &Output{
		Schema:    json.RawMessage(schemaBytes),
		StepKinds: ast.StepKinds(),
		Helpers:   expression.HelperDefs,
	}, nil
}
