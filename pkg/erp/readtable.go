package erp

import (
	"context"
	"fmt"
	"strings"
)

const (
	readTableFunction  = "RFC_READ_TABLE"
	readTableDelimiter = "|"
)

// TableQuery describes one generic table read against the application host.
type TableQuery struct {
	Table    string
	Fields   []string
	Where    []string
	RowCount int
}

// ReadTable runs a generic table read and decodes the delimited result rows
// into field maps keyed by the requested field names. Values come back
// space-padded from the host and are trimmed here.
func ReadTable(ctx context.Context, client Client, q TableQuery) ([]map[string]string, error) {
	fields := make([]map[string]any, len(q.Fields))
	for i, f := range q.Fields {
		fields[i] = map[string]any{"FIELDNAME": f}
	}
	options := make([]map[string]any, len(q.Where))
	for i, clause := range q.Where {
		options[i] = map[string]any{"TEXT": clause}
	}
	args := map[string]any{
		"QUERY_TABLE": q.Table,
		"DELIMITER":   readTableDelimiter,
		"FIELDS":      fields,
		"OPTIONS":     options,
	}
	if q.RowCount > 0 {
		args["ROWCOUNT"] = q.RowCount
	}

	result, err := client.Invoke(ctx, readTableFunction, args)
	if err != nil {
		return nil, err
	}
	raw, ok := result["DATA"].([]any)
	if !ok {
		return nil, nil
	}
	rows := make([]map[string]string, 0, len(raw))
	for _, entry := range raw {
		line, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		wa, _ := line["WA"].(string)
		values := strings.Split(wa, readTableDelimiter)
		if len(values) != len(q.Fields) {
			return nil, fmt.Errorf("read %s: row has %d values for %d fields", q.Table, len(values), len(q.Fields))
		}
		row := make(map[string]string, len(q.Fields))
		for i, f := range q.Fields {
			row[f] = strings.TrimSpace(values[i])
		}
		rows = append(rows, row)
	}
	return rows, nil
}
