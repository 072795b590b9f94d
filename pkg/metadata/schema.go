// Package metadata models the per-function declarative documents that drive
// request validation, transformation and response filtering. Documents are
// externally supplied JSON and immutable once loaded.
package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// FieldSpec is a leaf input parameter descriptor.
type FieldSpec struct {
	Type     string `json:"type"`
	Length   int    `json:"length"`
	Required bool   `json:"required"`
}

// FieldNode is the tagged union behind input_parameters: either a leaf spec
// (carries a required flag) or a group of nested field descriptors.
type FieldNode struct {
	Leaf     *FieldSpec
	Children map[string]*FieldNode
}

func (n *FieldNode) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("field node must be an object: %w", err)
	}
	if isLeafSpec(probe) {
		var spec FieldSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			return err
		}
		n.Leaf = &spec
		n.Children = nil
		return nil
	}
	children := make(map[string]*FieldNode, len(probe))
	for key, raw := range probe {
		child := &FieldNode{}
		if err := child.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		children[key] = child
	}
	n.Leaf = nil
	n.Children = children
	return nil
}

// A node is a leaf when it carries the required flag, or when it looks like
// a plain {type, length} descriptor with no nested objects.
func isLeafSpec(probe map[string]json.RawMessage) bool {
	if _, ok := probe["required"]; ok {
		return true
	}
	if raw, ok := probe["type"]; ok && len(raw) > 0 && raw[0] == '"' {
		return true
	}
	return false
}

// TableSpec declares a repeating row group: every row carries the same
// leaf field set.
type TableSpec struct {
	Fields map[string]FieldSpec `json:"fields"`
}

// RequiredFields returns the table's required field names, sorted.
func (t TableSpec) RequiredFields() []string {
	var names []string
	for name, spec := range t.Fields {
		if spec.Required {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// OutputNode declares one output key: a scalar passthrough (Fields nil) or a
// row projection listing the sub-fields to keep.
type OutputNode struct {
	Fields []string
}

func (o *OutputNode) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		o.Fields = nil
		return nil
	}
	var sub map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &sub); err != nil {
		return err
	}
	fields := make([]string, 0, len(sub))
	for name := range sub {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	o.Fields = fields
	return nil
}

// Schema is the full metadata document for one remote function.
type Schema struct {
	FunctionName string                `json:"function_name"`
	Description  string                `json:"description"`
	Inputs       map[string]*FieldNode `json:"input_parameters"`
	Tables       map[string]TableSpec  `json:"table_parameters"`
	Outputs      map[string]OutputNode `json:"output_parameters"`
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Parse decodes a metadata document. Documents exported from Windows tooling
// often carry a UTF-8 BOM; strip it before decoding.
func Parse(data []byte) (*Schema, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	var schema Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse metadata document: %w", err)
	}
	return &schema, nil
}
