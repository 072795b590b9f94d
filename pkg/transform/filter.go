package transform

import (
	"github.com/futuesigndev/fsapi/pkg/metadata"
)

// Project applies the output allow-list to a raw remote response. Every
// declared key appears in the result; absent values default to the empty
// string so response shape never depends on what the remote omitted.
// Projecting an already-projected response is a no-op.
func Project(raw map[string]any, outputs map[string]metadata.OutputNode) map[string]any {
	filtered := make(map[string]any, len(outputs))
	for name, node := range outputs {
		value, ok := raw[name]
		if !ok {
			filtered[name] = ""
			continue
		}
		if node.Fields == nil {
			filtered[name] = value
			continue
		}
		rows := asRows(value)
		if rows == nil {
			filtered[name] = value
			continue
		}
		projected := make([]map[string]any, len(rows))
		for i, row := range rows {
			out := make(map[string]any, len(node.Fields))
			for _, field := range node.Fields {
				if v, has := row[field]; has {
					out[field] = v
				} else {
					out[field] = ""
				}
			}
			projected[i] = out
		}
		filtered[name] = projected
	}
	return filtered
}

// asRows coerces the two list shapes JSON decoding and re-projection
// produce. Non-list values return nil and pass through unprojected.
func asRows(value any) []map[string]any {
	switch rows := value.(type) {
	case []map[string]any:
		return rows
	case []any:
		out := make([]map[string]any, len(rows))
		for i, entry := range rows {
			row, ok := entry.(map[string]any)
			if !ok {
				row = map[string]any{}
			}
			out[i] = row
		}
		return out
	default:
		return nil
	}
}
