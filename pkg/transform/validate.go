package transform

import (
	"fmt"
	"sort"
	"strings"

	"github.com/futuesigndev/fsapi/pkg/apperr"
	"github.com/futuesigndev/fsapi/pkg/metadata"
)

// RequiredPaths returns the dotted paths of every required leaf input, sorted.
func RequiredPaths(inputs map[string]*metadata.FieldNode) []string {
	var paths []string
	var walk func(prefix string, node *metadata.FieldNode)
	walk = func(prefix string, node *metadata.FieldNode) {
		if node == nil {
			return
		}
		if node.Leaf != nil {
			if node.Leaf.Required {
				paths = append(paths, prefix)
			}
			return
		}
		for name, child := range node.Children {
			walk(prefix+"."+name, child)
		}
	}
	for name, node := range inputs {
		walk(name, node)
	}
	sort.Strings(paths)
	return paths
}

// MissingInputs reports every required input path with no usable value.
// Nil and the empty string count as missing; zero and false do not.
func MissingInputs(input map[string]any, inputs map[string]*metadata.FieldNode) []string {
	var missing []string
	for _, path := range RequiredPaths(inputs) {
		if !present(input, strings.Split(path, ".")) {
			missing = append(missing, path)
		}
	}
	return missing
}

func present(input map[string]any, segments []string) bool {
	current := any(input)
	for _, segment := range segments {
		node, ok := current.(map[string]any)
		if !ok {
			return false
		}
		current, ok = node[segment]
		if !ok {
			return false
		}
	}
	if current == nil {
		return false
	}
	if s, ok := current.(string); ok && s == "" {
		return false
	}
	return true
}

// MissingTableFields reports required table problems: a declared table that
// the caller never supplied, a supplied table with zero rows, and any row
// lacking a required field. Every declared table must be supplied with at
// least one row even when none of its fields are individually required.
// Field findings are deduplicated across rows.
func MissingTableFields(tables map[string]TableInput, specs map[string]metadata.TableSpec) []string {
	var missing []string
	for name, spec := range specs {
		table, supplied := tables[name]
		if !supplied {
			missing = append(missing, name)
			continue
		}
		if len(table.Rows) == 0 {
			missing = append(missing, name+" (no fields)")
			continue
		}
		required := spec.RequiredFields()
		if len(required) == 0 {
			continue
		}
		seen := make(map[string]bool)
		for _, row := range table.Rows {
			for _, field := range required {
				if _, ok := row[field]; !ok && !seen[field] {
					seen[field] = true
					missing = append(missing, name+"."+field)
				}
			}
		}
	}
	sort.Strings(missing)
	return missing
}

// Validate collects every required-field violation in one pass and reports
// them together, so callers can fix a request in a single round trip.
func Validate(tree *ParamTree, schema *metadata.Schema) error {
	findings := MissingInputs(tree.Input, schema.Inputs)
	findings = append(findings, MissingTableFields(tree.Tables, schema.Tables)...)
	if len(findings) == 0 {
		return nil
	}
	sort.Strings(findings)
	return &apperr.Error{
		Code:    apperr.CodeValidation,
		Message: fmt.Sprintf("missing required parameters: %s", strings.Join(findings, ", ")),
		Fields:  findings,
	}
}
