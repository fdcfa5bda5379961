package parser

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// DiscoverWorkflows finds every workflow document under root, recursing
// through subdirectories. Results are sorted for stable listings.
func DiscoverWorkflows(root string) ([]string, error) {
	pattern := filepath.Join(root, "**", "*"+workflowExtension)
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("workflow discovery in %s: %w", root, err)
	}
	sort.Strings(matches)
	return matches, nil
}
