package schema

import (
	"encoding/json"
	"testing"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSchema(t *testing.T) {
	info, err := GetSchema()
	require.NoError(t, err)

	// The schema must be valid JSON describing an object
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(info.Schema, &decoded))
	assert.NotEmpty(t, decoded)

	assert.Contains(t, info.StepKinds, ast.StepKindAction)
	assert.Contains(t, info.StepKinds, ast.StepKindWait)
	assert.Contains(t, info.StepKinds, ast.StepKindParallel)

	helperNames := make([]string, 0, len(info.Helpers))
	for _, helper := range info.Helpers {
		helperNames = append(helperNames, helper.Name)
		assert.NotEmpty(t, helper.Signature, "helper %s has no signature", helper.Name)
	}
	assert.Contains(t, helperNames, "jq")
	assert.Contains(t, helperNames, "coalesce")
}
