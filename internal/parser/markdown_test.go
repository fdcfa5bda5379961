package parser

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
)

// sampleDocument exercises frontmatter, shorthand and full input forms,
// tool bindings and step blocks separated by prose. Position assertions
// below depend on its exact line layout.
const sampleDocument = `---
id: release-notes
name: Release notes
version: 1.2.0
description: Collects merged pull requests and drafts release notes.
inputs:
  repo: string
  tag:
    type: string
    required: true
  dry_run:
    type: boolean
    default: false
tools:
  gh:
    uses: http
    base_url: https://api.github.com
---

# Release notes

Fetches merged pull requests for a tag and drafts notes.

` + "```yaml" + `
steps:
  - id: fetch
    uses: gh.get
    with:
      url: "/repos/{{ repo }}/pulls"
    output: pulls
` + "```" + `

The summary runs after the fetch completes.

` + "```yaml" + `
steps:
  - id: summarize
    uses: log.info
    with:
      message: "found {{ length(pulls) }} pulls for {{ tag }}"
` + "```" + `
`

func TestNewMarkdownParser(t *testing.T) {
	p := NewMarkdownParser()
	assert.NotNil(t, p)
	assert.True(t, p.strict)
	assert.NotNil(t, p.semantic)
}

func TestNewMarkdownParser_WithOptions(t *testing.T) {
	p := NewMarkdownParser(WithStrict(false))
	assert.False(t, p.strict)

	p.SetStrict(true)
	assert.True(t, p.strict)
}

func TestNewMarkdownParser_WithKnownAdapters(t *testing.T) {
	doc := []byte(`---
id: custom-adapter
name: Custom Adapter
version: 1.0.0
---

` + "```yaml" + `
steps:
  - id: ping
    uses: mytool.ping
` + "```" + `
`)

	result, err := NewMarkdownParser().ParseBytes(doc)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Warnings, "unknown adapter should warn with the builtin set")

	result, err = NewMarkdownParser(WithKnownAdapters("mytool")).ParseBytes(doc)
	require.NoError(t, err)
	assert.Empty(t, result.Warnings)
}

func TestMarkdownParser_ParseBytes_Valid(t *testing.T) {
	p := NewMarkdownParser()

	result, err := p.ParseBytes([]byte(sampleDocument))
	require.NoError(t, err)
	require.NotNil(t, result.Workflow)
	assert.Empty(t, result.Warnings)

	workflow := result.Workflow
	assert.Equal(t, "release-notes", workflow.ID)
	assert.Equal(t, "Release notes", workflow.Name)
	assert.Equal(t, "1.2.0", workflow.Version)
	assert.NotEmpty(t, workflow.Description)

	require.Len(t, workflow.Inputs, 3)
	repo := workflow.Inputs["repo"]
	require.NotNil(t, repo)
	assert.Equal(t, "string", repo.Type)
	assert.True(t, repo.Required)
	assert.Equal(t, 7, repo.Position.Line)

	tag := workflow.Inputs["tag"]
	require.NotNil(t, tag)
	assert.True(t, tag.Required)

	dryRun := workflow.Inputs["dry_run"]
	require.NotNil(t, dryRun)
	assert.False(t, dryRun.Required)
	assert.True(t, dryRun.HasDefault())

	gh, ok := workflow.GetTool("gh")
	require.True(t, ok)
	assert.Equal(t, "http", gh.Uses)
	assert.Equal(t, "https://api.github.com", gh.Config["base_url"])
	assert.Equal(t, 16, gh.Position.Line)

	require.Len(t, workflow.Steps, 2)
	fetch, summarize := workflow.Steps[0], workflow.Steps[1]

	assert.Equal(t, "fetch", fetch.ID)
	assert.Equal(t, ast.StepKindAction, fetch.Kind)
	assert.Equal(t, "gh.get", fetch.Action.Uses)
	assert.Equal(t, "pulls", fetch.Output)
	assert.Equal(t, 26, fetch.Position.Line)

	assert.Equal(t, "summarize", summarize.ID)
	assert.Equal(t, "log.info", summarize.Action.Uses)
	assert.Equal(t, 37, summarize.Position.Line)
}

func TestMarkdownParser_ParseBytes_SourceHash(t *testing.T) {
	p := NewMarkdownParser()

	result, err := p.ParseBytes([]byte(sampleDocument))
	require.NoError(t, err)
	assert.Equal(t, xxhash.Sum64([]byte(sampleDocument)), result.Workflow.SourceHash)

	changed := strings.Replace(sampleDocument, "release-notes", "release-notes-v2", 1)
	other, err := p.ParseBytes([]byte(changed))
	require.NoError(t, err)
	assert.NotEqual(t, result.Workflow.SourceHash, other.Workflow.SourceHash)
}

func TestMarkdownParser_ParseBytes_Empty(t *testing.T) {
	p := NewMarkdownParser()

	for _, data := range [][]byte{nil, []byte("  \n\t\n")} {
		_, err := p.ParseBytes(data)
		require.Error(t, err)

		var parseErr *ParseError
		require.True(t, errors.As(err, &parseErr))
		assert.Contains(t, parseErr.Message, "Empty workflow document")
		assert.NotEmpty(t, parseErr.Suggestion)
	}
}

func TestMarkdownParser_ParseBytes_MissingFrontmatter(t *testing.T) {
	p := NewMarkdownParser()

	_, err := p.ParseBytes([]byte("# Just a readme\n\nNo header here.\n"))
	require.Error(t, err)

	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Contains(t, parseErr.Message, "Missing frontmatter")
	assert.Equal(t, 1, parseErr.Position.Line)
	assert.Contains(t, parseErr.Suggestion, "---")
}

func TestMarkdownParser_ParseBytes_UnterminatedFrontmatter(t *testing.T) {
	p := NewMarkdownParser()

	_, err := p.ParseBytes([]byte("---\nid: lost\nname: no closing fence\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unterminated frontmatter")
}

func TestMarkdownParser_ParseBytes_UnterminatedCodeFence(t *testing.T) {
	p := NewMarkdownParser()

	doc := "---\nid: wf\n---\n```yaml\nsteps:\n  - id: a\n    uses: log.info\n"
	_, err := p.ParseBytes([]byte(doc))
	require.Error(t, err)

	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Contains(t, parseErr.Message, "Unterminated code fence")
	assert.Equal(t, 4, parseErr.Position.Line)
}

func TestMarkdownParser_ParseBytes_BrokenYAMLBlock(t *testing.T) {
	p := NewMarkdownParser()

	doc := "---\nid: broken\n---\n```yaml\nsteps:\n  - id: a\n    uses: log.info\n   miss: aligned\n```\n"
	_, err := p.ParseBytes([]byte(doc))
	require.Error(t, err)

	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Contains(t, parseErr.Message, "YAML block is not valid")
	assert.GreaterOrEqual(t, parseErr.Position.Line, 5)
	assert.LessOrEqual(t, parseErr.Position.Line, 9)
}

func TestMarkdownParser_ParseBytes_InvalidStepsList(t *testing.T) {
	p := NewMarkdownParser()

	doc := "---\nid: bad-steps\n---\n```yaml\nsteps: 12\n```\n"
	_, err := p.ParseBytes([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid steps block")
}

func TestMarkdownParser_ParseBytes_IgnoresNonStepBlocks(t *testing.T) {
	p := NewMarkdownParser()

	doc := `---
id: docs-heavy
---

Configuration example, not steps:

` + "```yaml" + `
server:
  port: 8080
` + "```" + `

A JSON example is not yaml at all:

` + "```json" + `
{"steps": "nope"}
` + "```" + `

A top-level list is documentation too:

` + "```yaml" + `
- one
- two
` + "```" + `

` + "```yaml" + `
steps:
  - id: only
    uses: log.info
` + "```" + `
`
	result, err := p.ParseBytes([]byte(doc))
	require.NoError(t, err)
	require.Len(t, result.Workflow.Steps, 1)
	assert.Equal(t, "only", result.Workflow.Steps[0].ID)
}

func TestMarkdownParser_ParseBytes_ConcatenatesBlocksInOrder(t *testing.T) {
	p := NewMarkdownParser()

	doc := "---\nid: ordered\n---\n" +
		"```yaml\nsteps:\n  - id: first\n    uses: log.info\n```\n" +
		"prose\n" +
		"```yaml\nsteps:\n  - id: second\n    uses: log.info\n  - id: third\n    uses: log.info\n```\n"

	result, err := p.ParseBytes([]byte(doc))
	require.NoError(t, err)
	require.Len(t, result.Workflow.Steps, 3)
	assert.Equal(t, []string{"first", "second", "third"}, result.Workflow.ListStepIDs())
}

func TestMarkdownParser_StrictRejectsUnknownFrontmatterKeys(t *testing.T) {
	doc := "---\nid: wf-a\nschedule: daily\n---\n```yaml\nsteps:\n  - id: a\n    uses: log.info\n```\n"

	_, err := NewMarkdownParser().ParseBytes([]byte(doc))
	require.Error(t, err)

	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Contains(t, parseErr.Message, "field schedule not found")
	assert.Contains(t, parseErr.Suggestion, "frontmatter accepts")

	result, err := NewMarkdownParser(WithStrict(false)).ParseBytes([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "wf-a", result.Workflow.ID)
}

func TestMarkdownParser_ParseBytes_CollectsAllErrors(t *testing.T) {
	p := NewMarkdownParser()

	doc := `---
id: multi
---
` + "```yaml" + `
steps:
  - id: dup
    uses: log.info
  - id: dup
    kind: wait
    mode: lunar
` + "```" + `
`
	_, err := p.ParseBytes([]byte(doc))
	require.Error(t, err)

	var multi *MultiError
	require.True(t, errors.As(err, &multi))
	require.Len(t, multi.Errors, 2)
	assert.Contains(t, multi.Error(), "duplicate step id")
	assert.Contains(t, multi.Error(), `unknown mode "lunar"`)
}

func TestMarkdownParser_ParseBytes_CRLF(t *testing.T) {
	p := NewMarkdownParser()

	doc := strings.ReplaceAll("---\nid: windows\n---\n```yaml\nsteps:\n  - id: a\n    uses: log.info\n```\n", "\n", "\r\n")
	result, err := p.ParseBytes([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "windows", result.Workflow.ID)
}

func TestMarkdownParser_ParseBytes_TooLarge(t *testing.T) {
	p := NewMarkdownParser()

	_, err := p.ParseBytes(make([]byte, maxFileSize+1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestMarkdownParser_ParseFile(t *testing.T) {
	p := NewMarkdownParser()

	path := filepath.Join(t.TempDir(), "release.flow.md")
	require.NoError(t, os.WriteFile(path, []byte(sampleDocument), 0o644))

	result, err := p.ParseFile(path)
	require.NoError(t, err)

	abs, err := filepath.Abs(path)
	require.NoError(t, err)
	assert.Equal(t, abs, result.Workflow.SourceFile)
	assert.Equal(t, abs, result.Workflow.Steps[0].Position.File)
}

func TestMarkdownParser_ParseFile_InvalidExtension(t *testing.T) {
	p := NewMarkdownParser()

	_, err := p.ParseFile("workflow.md")
	require.Error(t, err)

	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Contains(t, parseErr.Message, "Invalid file extension")
	assert.Contains(t, parseErr.Suggestion, "workflow.flow.md")
}

func TestMarkdownParser_ParseFile_NotFound(t *testing.T) {
	p := NewMarkdownParser()

	_, err := p.ParseFile(filepath.Join(t.TempDir(), "missing.flow.md"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot read file")
}

func TestMarkdownParser_ParseFile_TooLarge(t *testing.T) {
	p := NewMarkdownParser()

	path := filepath.Join(t.TempDir(), "large.flow.md")
	require.NoError(t, os.WriteFile(path, make([]byte, maxFileSize+1), 0o644))

	_, err := p.ParseFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "File too large")
}

func TestMarkdownParser_ParseReader(t *testing.T) {
	p := NewMarkdownParser()

	result, err := p.ParseReader(strings.NewReader(sampleDocument))
	require.NoError(t, err)
	assert.Equal(t, "release-notes", result.Workflow.ID)
}

func TestMarkdownParser_ValidateOnly(t *testing.T) {
	p := NewMarkdownParser()

	assert.NoError(t, p.ValidateOnly([]byte(sampleDocument)))
	assert.Error(t, p.ValidateOnly([]byte("not a workflow")))
}

func TestMarkdownParser_Load(t *testing.T) {
	p := NewMarkdownParser()

	path := filepath.Join(t.TempDir(), "load.flow.md")
	require.NoError(t, os.WriteFile(path, []byte(sampleDocument), 0o644))

	workflow, err := p.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "release-notes", workflow.ID)
}

func TestIsWorkflowFile(t *testing.T) {
	testCases := []struct {
		filename string
		expected bool
	}{
		{"pipeline.flow.md", true},
		{"nested/dir/pipeline.flow.md", true},
		{".flow.md", true},
		{"pipeline.md", false},
		{"pipeline.flow.yaml", false},
		{"flow.md", false},
		{"pipeline.flow.md.bak", false},
	}

	for _, tc := range testCases {
		t.Run(tc.filename, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsWorkflowFile(tc.filename))
		})
	}
}

func TestGetSupportedExtensions(t *testing.T) {
	assert.Contains(t, GetSupportedExtensions(), ".flow.md")
}

func BenchmarkMarkdownParser_ParseBytes(b *testing.B) {
	p := NewMarkdownParser()
	data := []byte(sampleDocument)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.ParseBytes(data); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMarkdownParser_ValidateOnly(b *testing.B) {
	p := NewMarkdownParser()
	data := []byte(sampleDocument)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := p.ValidateOnly(data); err != nil {
			b.Fatal(err)
		}
	}
}
