package engine

import (
	"errors"
	"fmt"

	"github.com/scottgl07/marktoflow-sub001/internal/ast"
	"github.com/scottgl07/marktoflow-sub001/internal/execcontext"
	"github.com/scottgl07/marktoflow-sub001/internal/expression"
)

// executeMerge combines previously resolved lists. Mode append
// concatenates; the field-based modes (match, diff, combine_by_field)
// correlate items by the configured match field and drop items that do
// not carry it.
func (e *Executor) executeMerge(execCtx *execcontext.ExecutionContext, step *ast.Step) (interface{}, error) {
	m := step.Merge
	if len(m.Sources) == 0 {
		return nil, errors.New("merge requires at least one source")
	}

	env := execCtx.TemplateEnv()
	sources := make([][]interface{}, 0, len(m.Sources))
	for _, ref := range m.Sources {
		value, err := e.templates.EvaluateExpression(ref, env)
		if err != nil {
			return nil, fmt.Errorf("merge source %q: %w", ref, err)
		}
		slice, ok := expression.ToSlice(value)
		if !ok {
			return nil, fmt.Errorf("merge source %q is not a list", ref)
		}
		sources = append(sources, slice)
	}

	mode := m.Mode
	if mode == "" {
		mode = "append"
	}
	if mode != "append" && m.MatchField == "" {
		return nil, fmt.Errorf("merge mode %q requires match_field", mode)
	}

	switch mode {
	case "append":
		merged := make([]interface{}, 0)
		for _, src := range sources {
			merged = append(merged, src...)
		}
		return merged, nil
	case "match":
		return mergeMatch(sources, m.MatchField), nil
	case "diff":
		return mergeDiff(sources, m.MatchField), nil
	case "combine_by_field":
		return mergeCombine(sources, m.MatchField, m.OnConflict), nil
	default:
		return nil, fmt.Errorf("unknown merge mode %q", mode)
	}
}

// mergeMatch keeps first-source items whose match key appears in every
// other source, in first-source order, one item per key
func mergeMatch(sources [][]interface{}, field string) []interface{} {
	others := make([]map[string]bool, len(sources)-1)
	for i, src := range sources[1:] {
		keys := make(map[string]bool, len(src))
		for _, item := range src {
			if key, ok := matchKey(item, field); ok {
				keys[key] = true
			}
		}
		others[i] = keys
	}

	result := make([]interface{}, 0)
	seen := make(map[string]bool)
	for _, item := range sources[0] {
		key, ok := matchKey(item, field)
		if !ok || seen[key] {
			continue
		}
		inAll := true
		for _, keys := range others {
			if !keys[key] {
				inAll = false
				break
			}
		}
		if inAll {
			seen[key] = true
			result = append(result, item)
		}
	}
	return result
}

// mergeDiff keeps first-source items whose match key appears in no other
// source. A single source passes through verbatim.
func mergeDiff(sources [][]interface{}, field string) []interface{} {
	if len(sources) == 1 {
		return sources[0]
	}

	otherKeys := make(map[string]bool)
	for _, src := range sources[1:] {
		for _, item := range src {
			if key, ok := matchKey(item, field); ok {
				otherKeys[key] = true
			}
		}
	}

	result := make([]interface{}, 0)
	for _, item := range sources[0] {
		if key, ok := matchKey(item, field); ok && otherKeys[key] {
			continue
		}
		result = append(result, item)
	}
	return result
}

// mergeCombine groups items across all sources by their match key and
// folds each group into one map, ordered by first appearance. On
// conflicting fields the later value wins unless keep_first is
// configured.
func mergeCombine(sources [][]interface{}, field, onConflict string) []interface{} {
	keepFirst := onConflict == "keep_first"

	order := make([]string, 0)
	groups := make(map[string]map[string]interface{})
	for _, src := range sources {
		for _, item := range src {
			key, ok := matchKey(item, field)
			if !ok {
				continue
			}
			itemMap, ok := expression.ToStringMap(item)
			if !ok {
				continue
			}

			existing, found := groups[key]
			if !found {
				merged := make(map[string]interface{}, len(itemMap))
				for k, v := range itemMap {
					merged[k] = v
				}
				groups[key] = merged
				order = append(order, key)
				continue
			}
			for k, v := range itemMap {
				if _, exists := existing[k]; exists && keepFirst {
					continue
				}
				existing[k] = v
			}
		}
	}

	result := make([]interface{}, len(order))
	for i, key := range order {
		result[i] = groups[key]
	}
	return result
}

// matchKey extracts the comparable merge key from an item. Non-map items
// and items lacking the field yield no key.
func matchKey(item interface{}, field string) (string, bool) {
	itemMap, ok := expression.ToStringMap(item)
	if !ok {
		return "", false
	}
	value, ok := expression.ResolvePath(itemMap, field)
	if !ok || value == nil {
		return "", false
	}
	return fmt.Sprintf("%v", value), true
}
