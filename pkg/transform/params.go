// Package transform implements the metadata-driven request pipeline: shape
// normalization of the inbound parameter tree, required-field validation,
// construction of the flat remote-call argument set, and allow-list
// projection of the raw response.
package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ShapeError reports a parameter tree whose structure cannot be normalized;
// it maps to the validation arm of the error taxonomy.
type ShapeError struct {
	Reason string
}

func (e *ShapeError) Error() string {
	return "invalid parameter shape: " + e.Reason
}

// ParamTree is the normalized request body. Table input is polymorphic on
// the wire (one row as an object, many rows as an array); normalization
// happens here, at the boundary, so nothing deeper ever branches on shape.
type ParamTree struct {
	Input  map[string]any
	Tables map[string]TableInput
}

// TableInput holds a table's rows after normalization. A table supplied
// with an empty object or empty array has zero rows.
type TableInput struct {
	Rows []map[string]any
}

type rawTree struct {
	Input  map[string]any      `json:"input"`
	Tables map[string]rawTable `json:"tables"`
}

type rawTable struct {
	Fields json.RawMessage `json:"fields"`
}

// ParseParams normalizes a raw parameters document. A missing or null
// document becomes an empty tree, mirroring callers that omit parameters
// entirely.
func ParseParams(raw json.RawMessage) (*ParamTree, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return &ParamTree{Input: map[string]any{}, Tables: map[string]TableInput{}}, nil
	}
	if trimmed[0] != '{' {
		return nil, &ShapeError{Reason: "parameters must be an object"}
	}
	var decoded rawTree
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return nil, &ShapeError{Reason: err.Error()}
	}
	tree := &ParamTree{
		Input:  decoded.Input,
		Tables: make(map[string]TableInput, len(decoded.Tables)),
	}
	if tree.Input == nil {
		tree.Input = map[string]any{}
	}
	for name, table := range decoded.Tables {
		rows, err := normalizeRows(name, table.Fields)
		if err != nil {
			return nil, err
		}
		tree.Tables[name] = TableInput{Rows: rows}
	}
	return tree, nil
}

func normalizeRows(table string, fields json.RawMessage) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(fields)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	switch trimmed[0] {
	case '{':
		var row map[string]any
		if err := json.Unmarshal(trimmed, &row); err != nil {
			return nil, &ShapeError{Reason: fmt.Sprintf("table %q: %v", table, err)}
		}
		if len(row) == 0 {
			return nil, nil
		}
		return []map[string]any{row}, nil
	case '[':
		var rows []map[string]any
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, &ShapeError{Reason: fmt.Sprintf("table %q must hold objects: %v", table, err)}
		}
		return rows, nil
	default:
		return nil, &ShapeError{Reason: fmt.Sprintf("table %q fields must be an object or an array of objects", table)}
	}
}
