// Package parser loads .flow.md workflow documents. A document is Markdown
// with a YAML frontmatter header carrying the workflow identity, inputs and
// tool bindings; fenced yaml blocks in the body contribute `steps:` lists,
// concatenated in document order into the top-level step sequence. Errors
// carry document positions and, where a fix is known, a suggestion.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"github.com/scottgl07/marktoflow-sub001/internal/adapter"
	"github.com/scottgl07/marktoflow-sub001/internal/ast"
)

const (
	// maxFileSize bounds workflow documents at 10MB
	maxFileSize = 10 * 1024 * 1024

	workflowExtension = ".flow.md"
)

// Result is a successful parse: the workflow plus non-fatal findings the
// caller may surface
type Result struct {
	Workflow *ast.Workflow
	Warnings []Warning
}

// Parser is the interface for loading workflow documents
type Parser interface {
	ParseFile(path string) (*Result, error)
	ParseBytes(data []byte) (*Result, error)
	ParseReader(reader io.Reader) (*Result, error)
	ValidateOnly(data []byte) error
}

// MarkdownParser parses .flow.md documents into workflow ASTs
type MarkdownParser struct {
	strict   bool
	semantic *SemanticValidator
}

// Option configures a MarkdownParser
type Option func(*MarkdownParser)

// WithStrict toggles strict mode. Strict parsers reject unknown
// frontmatter keys; lenient ones ignore them.
func WithStrict(strict bool) Option {
	return func(p *MarkdownParser) {
		p.strict = strict
	}
}

// WithKnownAdapters replaces the builtin adapter set used for dangling
// tool-reference warnings, typically with registry.Names() of the registry
// the embedder actually runs
func WithKnownAdapters(names ...string) Option {
	return func(p *MarkdownParser) {
		p.semantic = NewSemanticValidator(names...)
	}
}

// NewMarkdownParser creates a parser. Strict mode is on by default.
func NewMarkdownParser(opts ...Option) *MarkdownParser {
	p := &MarkdownParser{strict: true}
	for _, opt := range opts {
		opt(p)
	}
	if p.semantic == nil {
		p.semantic = NewSemanticValidator(adapter.Builtin().Names()...)
	}
	return p
}

// SetStrict toggles strict mode after construction
func (p *MarkdownParser) SetStrict(strict bool) {
	p.strict = strict
}

// ParseFile reads and parses a workflow document from disk
func (p *MarkdownParser) ParseFile(path string) (*Result, error) {
	if !IsWorkflowFile(path) {
		return nil, &ParseError{
			Message:    fmt.Sprintf("Invalid file extension for %q: workflow documents use %s", filepath.Base(path), workflowExtension),
			Suggestion: fmt.Sprintf("rename the file to %s%s", trimKnownExtensions(filepath.Base(path)), workflowExtension),
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("Cannot read file %s: %v", path, err)}
	}
	if len(data) > maxFileSize {
		return nil, &ParseError{
			Message: fmt.Sprintf("File too large (%d bytes): workflow documents are limited to %d bytes", len(data), maxFileSize),
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return p.parseDocument(data, abs)
}

// ParseBytes parses a workflow document from memory
func (p *MarkdownParser) ParseBytes(data []byte) (*Result, error) {
	if len(data) > maxFileSize {
		return nil, &ParseError{
			Message: fmt.Sprintf("Document too large (%d bytes): workflow documents are limited to %d bytes", len(data), maxFileSize),
		}
	}
	return p.parseDocument(data, "")
}

// ParseReader parses a workflow document from a reader
func (p *MarkdownParser) ParseReader(reader io.Reader) (*Result, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxFileSize+1))
	if err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("Cannot read document: %v", err)}
	}
	return p.ParseBytes(data)
}

// ValidateOnly parses and validates without returning the workflow
func (p *MarkdownParser) ValidateOnly(data []byte) error {
	_, err := p.ParseBytes(data)
	return err
}

// Load parses the file and returns just the workflow. It matches the
// engine's WorkflowLoader signature for CLI, server and sub-workflow use.
func (p *MarkdownParser) Load(path string) (*ast.Workflow, error) {
	result, err := p.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return result.Workflow, nil
}

// parseDocument splits the document, decodes frontmatter and step blocks,
// and runs semantic validation over the assembled workflow
func (p *MarkdownParser) parseDocument(data []byte, filename string) (*Result, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ParseError{
			Message:    "Empty workflow document",
			Suggestion: documentSkeleton,
			Source:     data,
		}
	}

	doc, err := splitDocument(data)
	if err != nil {
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			parseErr.Source = data
			parseErr.Position.File = filename
		}
		return nil, err
	}

	workflow := &ast.Workflow{
		SourceFile: filename,
		SourceHash: xxhash.Sum64(data),
		Position:   ast.Position{File: filename, Line: 1, Column: 1},
	}

	if err := p.decodeFrontmatter(doc, workflow, data, filename); err != nil {
		return nil, err
	}

	for _, block := range doc.blocks {
		steps, err := decodeStepBlock(block, data, filename)
		if err != nil {
			return nil, err
		}
		workflow.Steps = append(workflow.Steps, steps...)
	}

	warnings, parseErrs := p.semantic.Validate(workflow)
	if len(parseErrs) > 0 {
		multi := &MultiError{}
		for _, perr := range parseErrs {
			perr.Source = data
			if perr.Position.File == "" {
				perr.Position.File = filename
			}
			multi.Add(perr)
		}
		return nil, multi.ToError()
	}

	return &Result{Workflow: workflow, Warnings: warnings}, nil
}

// frontmatter is the decoding surface of the document header. Step lists
// never appear here; in strict mode any other key is rejected.
type frontmatter struct {
	ID          string                      `yaml:"id"`
	Name        string                      `yaml:"name"`
	Version     string                      `yaml:"version"`
	Description string                      `yaml:"description"`
	Inputs      map[string]*ast.InputParam  `yaml:"inputs"`
	Tools       map[string]*ast.ToolBinding `yaml:"tools"`
}

func (p *MarkdownParser) decodeFrontmatter(doc *document, workflow *ast.Workflow, data []byte, filename string) error {
	delta := doc.headerLine - 1

	decoder := yaml.NewDecoder(bytes.NewReader(doc.header))
	decoder.KnownFields(p.strict)

	var header frontmatter
	if err := decoder.Decode(&header); err != nil && !errors.Is(err, io.EOF) {
		message := fmt.Sprintf("Frontmatter is not valid YAML: %s", cleanYAMLError(err))
		return &ParseError{
			Message:    message,
			Position:   positionInFile(yamlErrorPosition(err, delta), filename),
			Suggestion: generateSuggestion(message),
			Source:     data,
		}
	}

	workflow.ID = header.ID
	workflow.Name = header.Name
	workflow.Version = header.Version
	workflow.Description = header.Description
	workflow.Inputs = header.Inputs
	workflow.Tools = header.Tools

	for _, input := range workflow.Inputs {
		if input != nil && input.Position.Line > 0 {
			input.Position.Line += delta
			input.Position.File = filename
		}
	}
	for _, tool := range workflow.Tools {
		if tool != nil && tool.Position.Line > 0 {
			tool.Position.Line += delta
			tool.Position.File = filename
		}
	}
	return nil
}

// decodeStepBlock parses one fenced yaml block. Blocks whose top level is
// not a mapping with a steps key are documentation and contribute nothing;
// broken YAML inside a yaml fence is always an error.
func decodeStepBlock(block rawBlock, data []byte, filename string) ([]*ast.Step, error) {
	delta := block.line - 1

	var node yaml.Node
	if err := yaml.Unmarshal(block.data, &node); err != nil {
		message := fmt.Sprintf("YAML block is not valid: %s", cleanYAMLError(err))
		return nil, &ParseError{
			Message:    message,
			Position:   positionInFile(yamlErrorPosition(err, delta), filename),
			Suggestion: generateSuggestion(message),
			Source:     data,
		}
	}

	root := documentRoot(&node)
	if root == nil || root.Kind != yaml.MappingNode {
		return nil, nil
	}
	stepsNode := mappingValue(root, "steps")
	if stepsNode == nil {
		return nil, nil
	}

	var steps []*ast.Step
	if err := stepsNode.Decode(&steps); err != nil {
		message := fmt.Sprintf("Invalid steps block: %s", cleanYAMLError(err))
		return nil, &ParseError{
			Message:    message,
			Position:   positionInFile(yamlErrorPosition(err, delta), filename),
			Suggestion: generateSuggestion(message),
			Source:     data,
		}
	}

	offsetSteps(steps, delta, filename)
	return steps, nil
}

// document is the structural split of a .flow.md file
type document struct {
	header     []byte
	headerLine int // document line of the first header content line
	blocks     []rawBlock
}

// rawBlock is the content of one fenced yaml block
type rawBlock struct {
	data []byte
	line int // document line of the first line inside the fence
}

// splitDocument separates the frontmatter header from the body and
// collects the body's fenced yaml blocks. Lines are tracked so positions
// inside fragments can be shifted back to document coordinates.
func splitDocument(data []byte) (*document, error) {
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	lines[0] = strings.TrimPrefix(lines[0], "\ufeff")

	if strings.TrimSpace(lines[0]) != "---" {
		return nil, &ParseError{
			Message:    "Missing frontmatter: workflow documents begin with a --- fenced YAML header",
			Position:   ast.Position{Line: 1, Column: 1},
			Suggestion: documentSkeleton,
		}
	}

	closing := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closing = i
			break
		}
	}
	if closing < 0 {
		return nil, &ParseError{
			Message:    "Unterminated frontmatter: closing --- not found",
			Position:   ast.Position{Line: 1, Column: 1},
			Suggestion: documentSkeleton,
		}
	}

	doc := &document{
		header:     []byte(strings.Join(lines[1:closing], "\n")),
		headerLine: 2,
	}

	inFence := false
	fenceIsYAML := false
	fenceLine := 0
	var content []string

	for i := closing + 1; i < len(lines); i++ {
		trimmed := strings.TrimLeft(lines[i], " ")
		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				if fenceIsYAML {
					doc.blocks = append(doc.blocks, rawBlock{
						data: []byte(strings.Join(content, "\n")),
						line: fenceLine + 1,
					})
				}
				inFence = false
				content = nil
				continue
			}
			info := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "```")))
			if idx := strings.IndexAny(info, " \t"); idx >= 0 {
				info = info[:idx]
			}
			inFence = true
			fenceIsYAML = info == "yaml" || info == "yml"
			fenceLine = i + 1 // 1-based document line of the fence itself
			continue
		}
		if inFence {
			content = append(content, lines[i])
		}
	}

	if inFence {
		return nil, &ParseError{
			Message:  "Unterminated code fence",
			Position: ast.Position{Line: fenceLine, Column: 1},
		}
	}

	return doc, nil
}

// documentRoot unwraps a decoded document node to its content root
func documentRoot(node *yaml.Node) *yaml.Node {
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return nil
		}
		return node.Content[0]
	}
	return node
}

// mappingValue returns the value node for a key of a mapping node
func mappingValue(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func positionInFile(pos ast.Position, filename string) ast.Position {
	pos.File = filename
	return pos
}

// IsWorkflowFile reports whether the filename carries the workflow
// document extension
func IsWorkflowFile(filename string) bool {
	return strings.HasSuffix(filename, workflowExtension)
}

// GetSupportedExtensions returns the recognized workflow file extensions
func GetSupportedExtensions() []string {
	return []string{workflowExtension}
}

// trimKnownExtensions strips trailing markdown-ish extensions so the
// rename suggestion reads naturally
func trimKnownExtensions(name string) string {
	for _, ext := range []string{".md", ".markdown", ".yaml", ".yml", ".flow"} {
		name = strings.TrimSuffix(name, ext)
	}
	return name
}
