package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/strands-agents/costguard/pkg/policy"
)

// File loads policy documents from a directory of YAML files.
//
// Every *.yaml / *.yml file in the directory is parsed as a document that
// may carry any of the three sections (budgets, routing_policies, pricing);
// sections from multiple files are concatenated, except pricing where the
// last file in lexical order wins. Unknown keys are ignored with a warning.
type File struct {
	dir string
}

// NewFile creates a File source reading from dir.
func NewFile(dir string) *File {
	return &File{dir: dir}
}

// Load reads and merges every YAML file in the directory.
func (f *File) Load(ctx context.Context) (*policy.Documents, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy directory %q: %w", f.dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	merged := &policy.Documents{}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(f.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %q: %w", path, err)
		}
		var docs policy.Documents
		if err := yaml.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("%w: failed to parse %q: %v", policy.ErrConfigInvalid, path, err)
		}
		merged.Budgets = append(merged.Budgets, docs.Budgets...)
		merged.Routing = append(merged.Routing, docs.Routing...)
		if docs.Pricing != nil {
			if merged.Pricing != nil {
				merged.Warnings = append(merged.Warnings,
					fmt.Sprintf("pricing table in %q replaces an earlier one", name))
			}
			merged.Pricing = docs.Pricing
		}
		merged.Warnings = append(merged.Warnings, unknownKeyWarnings(data, name)...)
	}
	return merged, nil
}

// knownTopLevelKeys are the recognized document sections.
var knownTopLevelKeys = map[string]bool{
	"budgets":          true,
	"routing_policies": true,
	"pricing":          true,
}

// unknownKeyWarnings reports top-level keys the schema does not define.
// Unknown keys are warnings, not errors.
func unknownKeyWarnings(data []byte, name string) []string {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil || len(root.Content) == 0 {
		return nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil
	}
	var warnings []string
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i].Value
		if !knownTopLevelKeys[key] {
			warnings = append(warnings, fmt.Sprintf("%s: unknown key %q ignored", name, key))
		}
	}
	return warnings
}
