package server

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
)

func TestWorkflowRegistry(t *testing.T) {
	registry := NewWorkflowRegistry()
	assert.Equal(t, 0, registry.Count())
	assert.Empty(t, registry.List())

	registry.Register(&ast.Workflow{ID: "deploy", Name: "Deploy"}, "flows/deploy.flow.md")
	registry.Register(&ast.Workflow{ID: "audit", Name: "Audit"}, "flows/audit.flow.md")
	assert.Equal(t, 2, registry.Count())

	registered, ok := registry.Get("deploy")
	require.True(t, ok)
	assert.Equal(t, "Deploy", registered.Workflow.Name)
	assert.Equal(t, "flows/deploy.flow.md", registered.Path)

	_, ok = registry.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"audit", "deploy"}, registry.List(), "listing is sorted by id")

	// Re-registering an id replaces the earlier entry.
	registry.Register(&ast.Workflow{ID: "deploy", Name: "Deploy v2"}, "flows/deploy_v2.flow.md")
	assert.Equal(t, 2, registry.Count())
	registered, ok = registry.Get("deploy")
	require.True(t, ok)
	assert.Equal(t, "Deploy v2", registered.Workflow.Name)
	assert.Equal(t, "flows/deploy_v2.flow.md", registered.Path)
}

func TestWorkflowRegistryConcurrentAccess(t *testing.T) {
	registry := NewWorkflowRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("workflow-%d", n)
			registry.Register(&ast.Workflow{ID: id}, id+".flow.md")
			if _, ok := registry.Get(id); !ok {
				t.Errorf("workflow %s not found after registration", id)
			}
			registry.List()
			registry.Count()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, registry.Count())
}
