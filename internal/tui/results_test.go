package tui

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTabulateList(t *testing.T) {
	data := map[string]any{
		"users": []any{
			map[string]any{"id": 1.0, "name": "Ada", "email": nil},
			map[string]any{"id": 2.0, "name": "Grace", "active": true},
		},
	}

	tables := Tabulate(data)
	require.Len(t, tables, 1)
	tbl := tables[0]
	assert.Equal(t, "users", tbl.Field)
	assert.Equal(t, []string{"active", "email", "id", "name"}, tbl.Columns)
	assert.Equal(t, [][]string{
		{"NULL", "NULL", "1", "Ada"},
		{"true", "NULL", "2", "Grace"},
	}, tbl.Rows)
	assert.Equal(t, 2, RowCount(tables))
}

func TestTabulateAggregateFlattens(t *testing.T) {
	data := map[string]any{
		"orders_aggregate": map[string]any{
			"aggregate": map[string]any{"count": json.Number("42")},
		},
	}

	tables := Tabulate(data)
	require.Len(t, tables, 1)
	assert.Equal(t, []string{"aggregate.count"}, tables[0].Columns)
	assert.Equal(t, [][]string{{"42"}}, tables[0].Rows)
}

func TestTabulateMixedRootFields(t *testing.T) {
	data := map[string]any{
		"b_total": 3.5,
		"a_tags":  []any{"x", "y"},
		"c_items": []any{map[string]any{"meta": map[string]any{}, "list": []any{1.0, 2.0}}},
	}

	tables := Tabulate(data)
	require.Len(t, tables, 3)

	assert.Equal(t, "a_tags", tables[0].Field)
	assert.Equal(t, []string{"value"}, tables[0].Columns)
	assert.Equal(t, [][]string{{"x"}, {"y"}}, tables[0].Rows)

	assert.Equal(t, "b_total", tables[1].Field)
	assert.Equal(t, [][]string{{"3.5"}}, tables[1].Rows)

	assert.Equal(t, []string{"list", "meta"}, tables[2].Columns)
	assert.Equal(t, [][]string{{"[1,2]", "{}"}}, tables[2].Rows)
}

func TestTabulateEmpty(t *testing.T) {
	assert.Empty(t, Tabulate(nil))

	tables := Tabulate(map[string]any{"users": []any{}})
	require.Len(t, tables, 1)
	assert.Empty(t, tables[0].Columns)
	assert.Empty(t, tables[0].Rows)
}

func TestPadOrTruncate(t *testing.T) {
	assert.Equal(t, "abc  ", padOrTruncate("abc", 5))
	assert.Equal(t, "abcd…", padOrTruncate("abcdefgh", 5))
	assert.Equal(t, "héllo", padOrTruncate("héllo", 5))
}
