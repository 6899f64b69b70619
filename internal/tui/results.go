package tui

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// ResultTable is one root field of a GraphQL result laid out as rows
type ResultTable struct {
	Field   string
	Columns []string
	Rows    [][]string
}

// Tabulate turns the data member of a GraphQL response into tables, one per
// root field. Lists of objects become one row per element; a single object
// becomes one row; nested objects are flattened into dotted column names.
func Tabulate(data map[string]any) []ResultTable {
	fields := make([]string, 0, len(data))
	for f := range data {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	tables := make([]ResultTable, 0, len(fields))
	for _, f := range fields {
		tables = append(tables, tabulateField(f, data[f]))
	}
	return tables
}

func tabulateField(field string, value any) ResultTable {
	var records []map[string]string
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			records = append(records, flattenRecord(item))
		}
	case map[string]any:
		records = append(records, flattenRecord(v))
	default:
		records = append(records, map[string]string{field: formatCell(v)})
	}

	seen := map[string]bool{}
	var columns []string
	for _, rec := range records {
		for col := range rec {
			if !seen[col] {
				seen[col] = true
				columns = append(columns, col)
			}
		}
	}
	sort.Strings(columns)

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		row := make([]string, len(columns))
		for i, col := range columns {
			cell, ok := rec[col]
			if !ok {
				cell = "NULL"
			}
			row[i] = cell
		}
		rows = append(rows, row)
	}
	return ResultTable{Field: field, Columns: columns, Rows: rows}
}

func flattenRecord(item any) map[string]string {
	out := map[string]string{}
	obj, ok := item.(map[string]any)
	if !ok {
		out["value"] = formatCell(item)
		return out
	}
	flattenInto(out, "", obj)
	return out
}

func flattenInto(out map[string]string, prefix string, obj map[string]any) {
	for k, v := range obj {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flattenInto(out, name, nested)
			continue
		}
		out[name] = formatCell(v)
	}
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	}
}

// RowCount returns the number of rows across tables
func RowCount(tables []ResultTable) int {
	n := 0
	for _, t := range tables {
		n += len(t.Rows)
	}
	return n
}
