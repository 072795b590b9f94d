package transform

import (
	"strings"

	"github.com/futuesigndev/fsapi/pkg/metadata"
)

// Remote date fields arrive in dotted display form and must be sent as an
// eight-digit string. Only this field name is rewritten.
const dateFieldName = "I_DATE"

// BuildCallArgs produces the flat argument map for the remote call. Only
// keys the metadata declares survive; everything else the caller sent is
// dropped here rather than rejected.
func BuildCallArgs(tree *ParamTree, schema *metadata.Schema) map[string]any {
	args := make(map[string]any)
	for name := range schema.Inputs {
		value, ok := tree.Input[name]
		if !ok {
			continue
		}
		if name == dateFieldName {
			if s, isString := value.(string); isString {
				value = reformatDate(s)
			}
		}
		args[name] = value
	}
	for name := range schema.Tables {
		table, ok := tree.Tables[name]
		if !ok {
			continue
		}
		rows := make([]map[string]any, len(table.Rows))
		copy(rows, table.Rows)
		args[name] = rows
	}
	return args
}

// reformatDate collapses a dotted date into YYYYMMDD. Dotted values can be
// day-first (15.03.2024) or year-first (2024.03.15); anything else, including
// slash-separated dates, passes through untouched.
func reformatDate(value string) string {
	parts := strings.Split(value, ".")
	if len(parts) != 3 {
		return value
	}
	if len(parts[2]) == 4 {
		return parts[2] + parts[1] + parts[0]
	}
	return parts[0] + parts[1] + parts[2]
}
