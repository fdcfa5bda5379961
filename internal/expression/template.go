package expression

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// interpPattern matches {{ expression }} interpolations
var interpPattern = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// blockPattern matches {% tag %} control tags
var blockPattern = regexp.MustCompile(`\{%\s*(.*?)\s*%\}`)

var (
	forTagPattern = regexp.MustCompile(`^for\s+([A-Za-z_][A-Za-z0-9_]*)\s+in\s+(.+)$`)
	ifTagPattern  = regexp.MustCompile(`^if\s+(.+)$`)
)

// Engine resolves template strings against a flat variable environment.
// Resolution is pure and never fails: undefined paths render empty in
// string context and nil in value context.
type Engine struct {
	evaluator *Evaluator
}

// NewEngine creates a template engine with its own expression evaluator
func NewEngine() *Engine {
	return &Engine{evaluator: NewEvaluator()}
}

// Evaluator exposes the underlying expression evaluator so conditions and
// templates share one program cache
func (e *Engine) Evaluator() *Evaluator {
	return e.evaluator
}

// Render resolves one template string. A string that is exactly a single
// {{ expression }} evaluates to the expression's raw value (any type);
// every other template renders to a string.
func (e *Engine) Render(template string, env map[string]interface{}) interface{} {
	if !strings.Contains(template, "{{") && !strings.Contains(template, "{%") {
		return template
	}

	if strings.Contains(template, "{%") {
		return e.renderWithBlocks(template, env)
	}

	matches := interpPattern.FindAllStringSubmatchIndex(template, -1)
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(template) {
		inner := template[matches[0][2]:matches[0][3]]
		return e.evalExpression(inner, env)
	}

	return e.interpolate(template, env)
}

// RenderString resolves a template and coerces the result to a string
func (e *Engine) RenderString(template string, env map[string]interface{}) string {
	return ToString(e.Render(template, env))
}

// ResolveValue walks the value recursively, resolving every string it
// contains. Maps and slices are rebuilt; other values pass through.
func (e *Engine) ResolveValue(value interface{}, env map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return e.Render(v, env)
	case map[string]interface{}:
		resolved := make(map[string]interface{}, len(v))
		for key, val := range v {
			resolved[key] = e.ResolveValue(val, env)
		}
		return resolved
	case map[interface{}]interface{}:
		resolved := make(map[string]interface{}, len(v))
		for key, val := range v {
			resolved[ToString(key)] = e.ResolveValue(val, env)
		}
		return resolved
	case []interface{}:
		resolved := make([]interface{}, len(v))
		for i, item := range v {
			resolved[i] = e.ResolveValue(item, env)
		}
		return resolved
	default:
		return value
	}
}

// evalExpression evaluates the interior of one interpolation. Pure dotted
// paths resolve undefined-safe; anything else goes through the evaluator,
// with failures yielding nil.
func (e *Engine) evalExpression(expression string, env map[string]interface{}) interface{} {
	if expression == "" {
		return nil
	}

	if IsPath(expression) {
		value, _ := ResolvePath(env, expression)
		return value
	}

	value, err := e.evaluator.Evaluate(expression, env)
	if err != nil {
		log.Debug().Err(err).Str("expression", expression).Msg("template expression failed, resolving to undefined")
		return nil
	}
	return value
}

func (e *Engine) interpolate(template string, env map[string]interface{}) string {
	return interpPattern.ReplaceAllStringFunc(template, func(match string) string {
		inner := interpPattern.FindStringSubmatch(match)[1]
		return ToString(e.evalExpression(inner, env))
	})
}

// Block rendering. The template is tokenized into literal text and
// {% ... %} tags; if/for constructs nest. A structurally broken template
// (unclosed block, stray endif) renders unchanged rather than failing.

type templateNode interface{}

type textNode string

type ifNode struct {
	condition string
	then      []templateNode
	otherwise []templateNode
}

type forNode struct {
	variable string
	items    string
	body     []templateNode
}

type templateToken struct {
	tag  string // empty for literal text
	text string
}

func (e *Engine) renderWithBlocks(template string, env map[string]interface{}) string {
	tokens := tokenizeBlocks(template)
	nodes, rest, ok := parseNodes(tokens, nil)
	if !ok || len(rest) != 0 {
		log.Debug().Str("template", template).Msg("unbalanced template blocks, rendering literally")
		return e.interpolate(template, env)
	}

	var sb strings.Builder
	e.renderNodes(&sb, nodes, env)
	return sb.String()
}

func tokenizeBlocks(template string) []templateToken {
	var tokens []templateToken
	last := 0
	for _, loc := range blockPattern.FindAllStringSubmatchIndex(template, -1) {
		if loc[0] > last {
			tokens = append(tokens, templateToken{text: template[last:loc[0]]})
		}
		tokens = append(tokens, templateToken{tag: template[loc[2]:loc[3]]})
		last = loc[1]
	}
	if last < len(template) {
		tokens = append(tokens, templateToken{text: template[last:]})
	}
	return tokens
}

// parseNodes consumes tokens until one of the stop tags (or the end when
// stop is nil). It returns the parsed nodes and the remaining tokens with
// the stop tag still at the front.
func parseNodes(tokens []templateToken, stop []string) ([]templateNode, []templateToken, bool) {
	var nodes []templateNode

	for len(tokens) > 0 {
		token := tokens[0]

		if token.tag == "" {
			nodes = append(nodes, textNode(token.text))
			tokens = tokens[1:]
			continue
		}

		for _, s := range stop {
			if token.tag == s {
				return nodes, tokens, true
			}
		}

		if m := ifTagPattern.FindStringSubmatch(token.tag); m != nil {
			then, rest, ok := parseNodes(tokens[1:], []string{"else", "endif"})
			if !ok || len(rest) == 0 {
				return nil, nil, false
			}
			node := ifNode{condition: m[1], then: then}
			if rest[0].tag == "else" {
				var otherwise []templateNode
				otherwise, rest, ok = parseNodes(rest[1:], []string{"endif"})
				if !ok || len(rest) == 0 {
					return nil, nil, false
				}
				node.otherwise = otherwise
			}
			nodes = append(nodes, node)
			tokens = rest[1:] // consume endif
			continue
		}

		if m := forTagPattern.FindStringSubmatch(token.tag); m != nil {
			body, rest, ok := parseNodes(tokens[1:], []string{"endfor"})
			if !ok || len(rest) == 0 {
				return nil, nil, false
			}
			nodes = append(nodes, forNode{variable: m[1], items: m[2], body: body})
			tokens = rest[1:] // consume endfor
			continue
		}

		// stray tag outside any construct
		return nil, nil, false
	}

	if stop != nil {
		return nil, nil, false
	}
	return nodes, tokens, true
}

func (e *Engine) renderNodes(sb *strings.Builder, nodes []templateNode, env map[string]interface{}) {
	for _, node := range nodes {
		switch n := node.(type) {
		case textNode:
			sb.WriteString(e.interpolate(string(n), env))
		case ifNode:
			if ToBool(e.evalExpression(n.condition, env)) {
				e.renderNodes(sb, n.then, env)
			} else if n.otherwise != nil {
				e.renderNodes(sb, n.otherwise, env)
			}
		case forNode:
			items, ok := ToSlice(e.evalExpression(n.items, env))
			if !ok {
				continue
			}
			scoped := make(map[string]interface{}, len(env)+1)
			for k, v := range env {
				scoped[k] = v
			}
			for _, item := range items {
				scoped[n.variable] = item
				e.renderNodes(sb, n.body, scoped)
			}
		}
	}
}
