package llm

import (
	"fmt"
	"strings"
)

// Plan types reported in QueryPlan.PlanType
const (
	PlanCountAggregate = "count_aggregate"
	PlanUnsupported    = "unsupported"
)

// MaxPlanLimit bounds the limit argument of a planned query
const MaxPlanLimit = 1000

// QueryPlan is a deterministic query built without the model
type QueryPlan struct {
	SelectedTable string `json:"selected_table,omitempty"`
	Query         string `json:"query,omitempty"`
	PlanType      string `json:"plan_type"`
	SafeLimit     int    `json:"safe_limit"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
}

// RootField is the gateway field name of a table; schema.table becomes schema_table
func RootField(table string) string {
	return strings.ReplaceAll(table, ".", "_")
}

// Plan picks the first table mentioned in prompt, or the first table when
// none is, and counts its rows through the aggregate field
func Plan(prompt string, tables []string, maxLimit int) QueryPlan {
	limit := clampLimit(maxLimit)
	if len(tables) == 0 {
		return QueryPlan{
			PlanType:  PlanUnsupported,
			SafeLimit: limit,
			Error:     "no tracked tables found",
		}
	}

	table := findTable(strings.ToLower(prompt), tables)
	return QueryPlan{
		SelectedTable: table,
		Query:         fmt.Sprintf("query PromptQueryPlan { %s_aggregate(limit: %d) { aggregate { count } } }", RootField(table), limit),
		PlanType:      PlanCountAggregate,
		SafeLimit:     limit,
		Success:       true,
	}
}

// findTable returns the first table whose name occurs in prompt. A
// schema-qualified name also matches on its field form or its bare name.
func findTable(prompt string, tables []string) string {
	for _, t := range tables {
		lower := strings.ToLower(t)
		names := []string{lower, RootField(lower)}
		if i := strings.LastIndexByte(lower, '.'); i >= 0 {
			names = append(names, lower[i+1:])
		}
		for _, n := range names {
			if n != "" && strings.Contains(prompt, n) {
				return t
			}
		}
	}
	return tables[0]
}

func clampLimit(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxPlanLimit {
		return MaxPlanLimit
	}
	return n
}
