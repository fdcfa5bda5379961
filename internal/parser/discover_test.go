package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverWorkflows(t *testing.T) {
	root := t.TempDir()
	files := []string{
		"deploy.flow.md",
		"sub/release.flow.md",
		"sub/deep/cleanup.flow.md",
		"README.md",
		"sub/config.yaml",
		"sub/notes.flow.txt",
	}
	for _, name := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("---\nid: x\n---\n"), 0o644))
	}

	found, err := DiscoverWorkflows(root)
	require.NoError(t, err)
	require.Len(t, found, 3)

	for _, path := range found {
		assert.True(t, IsWorkflowFile(path), "unexpected file %s", path)
	}
	assert.IsIncreasing(t, found)
}

func TestDiscoverWorkflows_Empty(t *testing.T) {
	found, err := DiscoverWorkflows(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, found)
}
