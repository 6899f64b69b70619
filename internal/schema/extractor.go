// Package schema compiles the gateway's GraphQL type system into the compact
// text description handed to the query generation model.
package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kartoza/kartoza-pgql/internal/hasura"
	"github.com/kartoza/kartoza-pgql/internal/llm"
	"github.com/kartoza/kartoza-pgql/internal/logging"
)

const (
	// DefaultMaxColumns caps the columns described per table
	DefaultMaxColumns = 20

	noTablesText     = "No tables found in database schema."
	noAccessibleText = "No accessible tables found."
)

const capabilitiesLegend = `## Query Capabilities
- Filtering: where: {field: {_eq/_gt/_lt/_like/_in: value}}
- Sorting: order_by: {field: asc/desc}
- Pagination: limit: N, offset: N
- Aggregation: TABLE_aggregate { aggregate { count, sum { field }, avg { field } } }
- Cross-table via FK: TABLE(order_by: {RELATED_aggregate: {count: desc}})`

const rootFieldsQuery = `query { __schema { queryType { fields { name } } } }`

const introspectTypeQuery = `query IntrospectType($name: String!) {
  __type(name: $name) {
    fields {
      name
      type { name kind ofType { name kind ofType { name kind ofType { name kind } } } }
    }
  }
}`

var excludedSuffixes = []string{"_aggregate", "_by_pk", "_stream", "_mutation_response"}

var numericTypes = map[string]bool{
	"Int": true, "Float": true, "numeric": true, "bigint": true,
	"smallint": true, "float8": true, "float4": true,
}

// Column is a scalar column of a table
type Column struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Numeric bool   `json:"numeric"`
}

// Table is an introspected table
type Table struct {
	Name         string   `json:"name"`
	Columns      []Column `json:"columns"`
	HasAggregate bool     `json:"has_aggregate"`
	// Links maps relationship fields to the object type they return
	Links map[string]string `json:"links,omitempty"`
}

// Description is the compiled schema text plus the tables it covers
type Description struct {
	Text   string   `json:"text"`
	Tables []string `json:"tables"`
	// Links maps "table.field" to the type a relationship field returns
	Links map[string]string `json:"links,omitempty"`
	// Empty is set when no usable table was found; Text then explains why
	Empty bool `json:"empty"`
}

// Executor runs GraphQL against the gateway
type Executor interface {
	Execute(ctx context.Context, query string, variables map[string]any, role string) (*hasura.Response, error)
}

// MetadataSource exports gateway metadata
type MetadataSource interface {
	ExportMetadata(ctx context.Context) (*hasura.Metadata, error)
}

// Extractor introspects the gateway schema
type Extractor struct {
	exec       Executor
	metadata   MetadataSource
	maxColumns int
	logger     *zap.Logger
}

// ExtractorOption configures an Extractor
type ExtractorOption func(*Extractor)

// WithMetadata enables authoritative relationships from exported metadata
func WithMetadata(src MetadataSource) ExtractorOption {
	return func(e *Extractor) { e.metadata = src }
}

// WithMaxColumns sets the per-table column cap
func WithMaxColumns(n int) ExtractorOption {
	return func(e *Extractor) {
		if n > 0 {
			e.maxColumns = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ExtractorOption {
	return func(e *Extractor) { e.logger = logging.OrNop(logger) }
}

// NewExtractor creates an extractor
func NewExtractor(exec Executor, opts ...ExtractorOption) *Extractor {
	e := &Extractor{exec: exec, maxColumns: DefaultMaxColumns, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract builds the schema description, restricted to allowed when non-empty.
// Finding no tables is reported through Description.Empty, not an error.
func (e *Extractor) Extract(ctx context.Context, allowed []string) (*Description, error) {
	rootFields, err := e.rootFields(ctx)
	if err != nil {
		return nil, err
	}
	if len(rootFields) == 0 {
		return &Description{Text: noTablesText, Empty: true}, nil
	}

	names := FilterTableNames(rootFields, allowed)
	if len(names) == 0 {
		return &Description{Text: noAccessibleText, Empty: true}, nil
	}

	rootSet := make(map[string]bool, len(rootFields))
	for _, f := range rootFields {
		rootSet[f] = true
	}

	var tables []Table
	for _, name := range names {
		table, err := e.introspectTable(ctx, name)
		if err != nil {
			e.logger.Warn("skipping table after introspection failure",
				zap.String("table", name), zap.Error(err))
			continue
		}
		if rootSet[name+"_aggregate"] {
			table.HasAggregate = true
		}
		tables = append(tables, *table)
	}

	rels := InferRelationships(tables, names)
	if e.metadata != nil {
		md, err := e.metadata.ExportMetadata(ctx)
		if err != nil {
			e.logger.Warn("metadata export failed, using naming heuristic only", zap.Error(err))
		} else {
			rels = MergeRelationships(MetadataRelationships(md), rels, tables)
		}
	}

	links := map[string]string{}
	for _, t := range tables {
		for field, target := range t.Links {
			links[t.Name+"."+field] = target
		}
	}

	return &Description{Text: Render(tables, rels), Tables: names, Links: links}, nil
}

func (e *Extractor) rootFields(ctx context.Context) ([]string, error) {
	resp, err := e.exec.Execute(ctx, rootFieldsQuery, nil, "")
	if err != nil {
		return nil, fmt.Errorf("list root fields: %w", err)
	}
	if err := resp.Err(); err != nil {
		return nil, fmt.Errorf("list root fields: %w", err)
	}

	var data struct {
		Schema struct {
			QueryType *struct {
				Fields []struct {
					Name string `json:"name"`
				} `json:"fields"`
			} `json:"queryType"`
		} `json:"__schema"`
	}
	if err := resp.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode root fields: %w", err)
	}
	if data.Schema.QueryType == nil {
		return nil, nil
	}

	names := make([]string, 0, len(data.Schema.QueryType.Fields))
	for _, f := range data.Schema.QueryType.Fields {
		names = append(names, f.Name)
	}
	return names, nil
}

// FilterTableNames keeps table root fields, applies the allow-list when it is
// non-empty, and returns the names sorted without duplicates. Allow-list
// entries may be schema-qualified (sales.orders selects sales_orders).
func FilterTableNames(rootFields, allowed []string) []string {
	allow := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allow[llm.RootField(a)] = true
	}

	seen := map[string]bool{}
	var names []string
	for _, name := range rootFields {
		if strings.HasPrefix(name, "__") || hasExcludedSuffix(name) {
			continue
		}
		if len(allow) > 0 && !allow[name] {
			continue
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func hasExcludedSuffix(name string) bool {
	for _, s := range excludedSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

type typeRef struct {
	Name   string   `json:"name"`
	Kind   string   `json:"kind"`
	OfType *typeRef `json:"ofType"`
}

// object returns the named type under any NON_NULL and LIST wrappers when it
// is an object type
func (t *typeRef) object() string {
	for t != nil && (t.Kind == "NON_NULL" || t.Kind == "LIST") {
		t = t.OfType
	}
	if t == nil || t.Kind != "OBJECT" {
		return ""
	}
	return t.Name
}

func (e *Extractor) introspectTable(ctx context.Context, name string) (*Table, error) {
	resp, err := e.exec.Execute(ctx, introspectTypeQuery, map[string]any{"name": name}, "")
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}

	var data struct {
		Type *struct {
			Fields []struct {
				Name string  `json:"name"`
				Type typeRef `json:"type"`
			} `json:"fields"`
		} `json:"__type"`
	}
	if err := resp.Decode(&data); err != nil {
		return nil, err
	}
	if data.Type == nil {
		return nil, fmt.Errorf("type %q not found", name)
	}

	table := &Table{Name: name}
	for _, f := range data.Type.Fields {
		kind := f.Type.Kind
		inner := f.Type.OfType
		nested := kind == "OBJECT" || kind == "LIST" ||
			(kind == "NON_NULL" && inner != nil && (inner.Kind == "OBJECT" || inner.Kind == "LIST"))
		if nested {
			if strings.HasSuffix(f.Name, "_aggregate") {
				table.HasAggregate = true
			}
			if target := f.Type.object(); target != "" {
				if table.Links == nil {
					table.Links = map[string]string{}
				}
				table.Links[f.Name] = target
			}
			continue
		}

		if len(table.Columns) >= e.maxColumns {
			continue
		}

		col := Column{Name: f.Name}
		switch {
		case kind == "NON_NULL" && inner != nil:
			col.Type = inner.Name + "!"
			col.Numeric = numericTypes[inner.Name]
		case kind == "SCALAR":
			col.Type = f.Type.Name
			col.Numeric = numericTypes[f.Type.Name]
		default:
			col.Type = f.Type.Name
			if col.Type == "" {
				col.Type = kind
			}
		}
		table.Columns = append(table.Columns, col)
	}
	return table, nil
}

// Render produces the compact schema text. Tables without scalar columns are
// omitted from the body.
func Render(tables []Table, rels []Relationship) string {
	sorted := append([]Table(nil), tables...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	targets := make(map[string]string, len(rels))
	for _, r := range rels {
		targets[r.Table+"."+r.Column] = r.Target
	}

	var b strings.Builder
	b.WriteString("## Database Schema\n\n")

	for _, t := range sorted {
		if len(t.Columns) == 0 {
			continue
		}

		parts := make([]string, len(t.Columns))
		var numeric []string
		for i, c := range t.Columns {
			parts[i] = fmt.Sprintf("%s(%s)", c.Name, c.Type)
			if target, ok := targets[t.Name+"."+c.Name]; ok {
				parts[i] += " → " + target
			}
			if c.Numeric {
				numeric = append(numeric, c.Name)
			}
		}
		fmt.Fprintf(&b, "%s: %s\n", t.Name, strings.Join(parts, ", "))

		if t.HasAggregate {
			agg := []string{"count"}
			if len(numeric) > 0 {
				cols := strings.Join(numeric, ",")
				for _, fn := range []string{"sum", "avg", "max", "min"} {
					agg = append(agg, fmt.Sprintf("%s(%s)", fn, cols))
				}
			}
			fmt.Fprintf(&b, "%s_aggregate: %s\n", t.Name, strings.Join(agg, ", "))
		}
		b.WriteString("\n")
	}

	if len(rels) > 0 {
		b.WriteString("## Relationships\n")
		bySource := map[string][]string{}
		var sources []string
		for _, r := range rels {
			if _, ok := bySource[r.Table]; !ok {
				sources = append(sources, r.Table)
			}
			bySource[r.Table] = append(bySource[r.Table], r.Column+" → "+r.Target)
		}
		sort.Strings(sources)
		for _, src := range sources {
			fmt.Fprintf(&b, "%s: %s\n", src, strings.Join(bySource[src], ", "))
		}
		b.WriteString("\n")
	}

	b.WriteString(capabilitiesLegend)
	return b.String()
}
