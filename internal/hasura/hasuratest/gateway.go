// Package hasuratest runs an in-process GraphQL gateway that mimics the parts of
// Hasura this service talks to: root-field and type introspection, list and
// aggregate queries, and metadata export.
package hasuratest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/graphql-go/graphql"
)

// Column is a scalar column of a fake table
type Column struct {
	Name    string
	Type    string // Int, String, Float, Boolean or a custom scalar such as numeric
	NonNull bool
}

// Relation is an object relationship from a column to another table
type Relation struct {
	Name   string // field name on the source table, e.g. "user"
	Column string // foreign key column, e.g. "user_id"
	Target string // referenced table
}

// Table describes one tracked table
type Table struct {
	Name      string
	Columns   []Column
	Relations []Relation
	Rows      []map[string]any
}

// Gateway is a running fake gateway
type Gateway struct {
	Server *httptest.Server
	schema graphql.Schema
	tables []Table

	mu              sync.Mutex
	failTypes       map[string]bool
	lastQuery       string
	lastRole        string
	graphqlRequests atomic.Int64
	metadataCalls   atomic.Int64

	// Override, when set, may answer a GraphQL request itself by returning true
	Override func(w http.ResponseWriter, query string) bool
}

// New starts a gateway serving tables and registers its shutdown with t
func New(t testing.TB, tables []Table) *Gateway {
	t.Helper()

	g := &Gateway{tables: tables, failTypes: map[string]bool{}}
	schema, err := buildSchema(tables)
	if err != nil {
		t.Fatalf("build fake gateway schema: %v", err)
	}
	g.schema = schema

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/graphql", g.handleGraphQL)
	mux.HandleFunc("/v1/metadata", g.handleMetadata)
	g.Server = httptest.NewServer(mux)
	t.Cleanup(g.Server.Close)
	return g
}

// Endpoint returns the GraphQL endpoint URL
func (g *Gateway) Endpoint() string {
	return g.Server.URL + "/v1/graphql"
}

// FailIntrospection makes __type lookups for table return a GraphQL error
func (g *Gateway) FailIntrospection(table string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failTypes[table] = true
}

// LastQuery returns the most recent GraphQL request text
func (g *Gateway) LastQuery() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastQuery
}

// LastRole returns the x-hasura-role header of the most recent request
func (g *Gateway) LastRole() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRole
}

// GraphQLRequests returns how many GraphQL requests were served
func (g *Gateway) GraphQLRequests() int64 { return g.graphqlRequests.Load() }

// MetadataCalls returns how many metadata exports were served
func (g *Gateway) MetadataCalls() int64 { return g.metadataCalls.Load() }

func (g *Gateway) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	g.graphqlRequests.Add(1)

	var req struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	g.mu.Lock()
	g.lastQuery = req.Query
	g.lastRole = r.Header.Get("x-hasura-role")
	failing := false
	if name, ok := req.Variables["name"].(string); ok && g.failTypes[name] {
		failing = true
	}
	override := g.Override
	g.mu.Unlock()

	if override != nil && override(w, req.Query) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if failing {
		json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]any{{"message": "introspection failed"}},
		})
		return
	}

	result := graphql.Do(graphql.Params{
		Schema:         g.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
	})
	json.NewEncoder(w).Encode(result)
}

func (g *Gateway) handleMetadata(w http.ResponseWriter, r *http.Request) {
	g.metadataCalls.Add(1)

	var req struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type != "export_metadata" {
		http.Error(w, `{"error":"unsupported metadata request"}`, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(g.metadata())
}

// metadata renders the tables in export_metadata shape. Object relations are
// emitted on the source table and the matching array relation on the target.
func (g *Gateway) metadata() map[string]any {
	arrays := map[string][]map[string]any{}
	for _, t := range g.tables {
		for _, rel := range t.Relations {
			arrays[rel.Target] = append(arrays[rel.Target], map[string]any{
				"name": t.Name,
				"using": map[string]any{
					"foreign_key_constraint_on": map[string]any{
						"table":  map[string]any{"schema": "public", "name": t.Name},
						"column": rel.Column,
					},
				},
			})
		}
	}

	var tables []map[string]any
	for _, t := range g.tables {
		entry := map[string]any{
			"table": map[string]any{"schema": "public", "name": t.Name},
		}
		var objects []map[string]any
		for _, rel := range t.Relations {
			objects = append(objects, map[string]any{
				"name":  rel.Name,
				"using": map[string]any{"foreign_key_constraint_on": rel.Column},
			})
		}
		if len(objects) > 0 {
			entry["object_relationships"] = objects
		}
		if a := arrays[t.Name]; len(a) > 0 {
			entry["array_relationships"] = a
		}
		tables = append(tables, entry)
	}

	return map[string]any{
		"version": 3,
		"sources": []map[string]any{{
			"name":   "default",
			"kind":   "postgres",
			"tables": tables,
		}},
	}
}

func buildSchema(tables []Table) (graphql.Schema, error) {
	scalars := map[string]*graphql.Scalar{
		"Int":     graphql.Int,
		"String":  graphql.String,
		"Float":   graphql.Float,
		"Boolean": graphql.Boolean,
	}
	scalarFor := func(name string) *graphql.Scalar {
		if s, ok := scalars[name]; ok {
			return s
		}
		s := graphql.NewScalar(graphql.ScalarConfig{
			Name:      name,
			Serialize: func(v interface{}) interface{} { return v },
		})
		scalars[name] = s
		return s
	}

	byName := map[string]Table{}
	for _, t := range tables {
		byName[t.Name] = t
	}

	objects := map[string]*graphql.Object{}
	aggregates := map[string]*graphql.Object{}

	for _, t := range tables {
		aggregates[t.Name] = graphql.NewObject(graphql.ObjectConfig{
			Name: t.Name + "_aggregate",
			Fields: graphql.Fields{
				"aggregate": &graphql.Field{
					Type: graphql.NewObject(graphql.ObjectConfig{
						Name: t.Name + "_aggregate_fields",
						Fields: graphql.Fields{
							"count": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
						},
					}),
				},
			},
		})
	}

	for _, t := range tables {
		table := t
		objects[table.Name] = graphql.NewObject(graphql.ObjectConfig{
			Name: table.Name,
			Fields: graphql.FieldsThunk(func() graphql.Fields {
				fields := graphql.Fields{}
				for _, c := range table.Columns {
					var typ graphql.Output = scalarFor(c.Type)
					if c.NonNull {
						typ = graphql.NewNonNull(typ)
					}
					fields[c.Name] = &graphql.Field{Type: typ}
				}
				for _, rel := range table.Relations {
					if target, ok := objects[rel.Target]; ok {
						fields[rel.Name] = &graphql.Field{Type: target}
					}
				}
				// Array relationships pointing back at this table
				for _, other := range tables {
					for _, rel := range other.Relations {
						if rel.Target != table.Name {
							continue
						}
						fields[other.Name] = &graphql.Field{
							Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(objects[other.Name]))),
						}
						fields[other.Name+"_aggregate"] = &graphql.Field{
							Type: graphql.NewNonNull(aggregates[other.Name]),
						}
					}
				}
				return fields
			}),
		})
	}

	limitArgs := graphql.FieldConfigArgument{
		"limit":  &graphql.ArgumentConfig{Type: graphql.Int},
		"offset": &graphql.ArgumentConfig{Type: graphql.Int},
	}

	root := graphql.Fields{}
	for _, t := range tables {
		table := t
		root[table.Name] = &graphql.Field{
			Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(objects[table.Name]))),
			Args: limitArgs,
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				rows := byName[table.Name].Rows
				if limit, ok := p.Args["limit"].(int); ok && limit >= 0 && limit < len(rows) {
					rows = rows[:limit]
				}
				return rows, nil
			},
		}
		root[table.Name+"_aggregate"] = &graphql.Field{
			Type: graphql.NewNonNull(aggregates[table.Name]),
			Args: limitArgs,
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return map[string]interface{}{
					"aggregate": map[string]interface{}{"count": len(byName[table.Name].Rows)},
				}, nil
			},
		}
		root[table.Name+"_by_pk"] = &graphql.Field{
			Type: objects[table.Name],
			Args: graphql.FieldConfigArgument{
				"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Int)},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				for _, row := range byName[table.Name].Rows {
					if id, ok := row["id"].(int); ok && id == p.Args["id"] {
						return row, nil
					}
				}
				return nil, nil
			},
		}
	}
	if len(root) == 0 {
		root["_placeholder"] = &graphql.Field{Type: graphql.String}
	}

	return graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{Name: "query_root", Fields: root}),
	})
}

// Names returns the table names in declaration order
func Names(tables []Table) []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	return names
}

// Contains reports whether the last query mentioned s
func (g *Gateway) Contains(s string) bool {
	return strings.Contains(g.LastQuery(), s)
}
