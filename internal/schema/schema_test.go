package schema

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartoza/kartoza-pgql/internal/cache"
	"github.com/kartoza/kartoza-pgql/internal/hasura"
	"github.com/kartoza/kartoza-pgql/internal/hasura/hasuratest"
)

func shopTables() []hasuratest.Table {
	return []hasuratest.Table{
		{
			Name: "users",
			Columns: []hasuratest.Column{
				{Name: "id", Type: "Int", NonNull: true},
				{Name: "name", Type: "String", NonNull: true},
				{Name: "email", Type: "String"},
			},
		},
		{
			Name: "products",
			Columns: []hasuratest.Column{
				{Name: "id", Type: "Int", NonNull: true},
				{Name: "name", Type: "String", NonNull: true},
				{Name: "price", Type: "numeric", NonNull: true},
				{Name: "user_id", Type: "Int", NonNull: true},
				{Name: "category_id", Type: "Int"},
			},
			Relations: []hasuratest.Relation{{Name: "user", Column: "user_id", Target: "users"}},
		},
		{
			Name: "categories",
			Columns: []hasuratest.Column{
				{Name: "id", Type: "Int", NonNull: true},
				{Name: "name", Type: "String", NonNull: true},
			},
		},
	}
}

func newTestExtractor(t *testing.T, tables []hasuratest.Table, opts ...ExtractorOption) (*Extractor, *hasuratest.Gateway, *hasura.Client) {
	t.Helper()
	gw := hasuratest.New(t, tables)
	client := hasura.New(hasura.Options{Endpoint: gw.Endpoint()})
	return NewExtractor(client, opts...), gw, client
}

func TestExtractRendersTables(t *testing.T) {
	ex, _, _ := newTestExtractor(t, shopTables())

	desc, err := ex.Extract(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, desc.Empty)
	assert.Equal(t, []string{"categories", "products", "users"}, desc.Tables)

	text := desc.Text
	assert.True(t, strings.HasPrefix(text, "## Database Schema\n\n"))
	assert.Contains(t, text, "categories: id(Int!), name(String!)\n")
	assert.Contains(t, text, "products: category_id(Int) → categories, id(Int!), name(String!), price(numeric!), user_id(Int!) → users\n")
	assert.Contains(t, text, "products_aggregate: count, sum(category_id,id,price,user_id), avg(category_id,id,price,user_id), max(category_id,id,price,user_id), min(category_id,id,price,user_id)\n")
	assert.Contains(t, text, "users: email(String), id(Int!), name(String!)\n")
	assert.Contains(t, text, "## Relationships\nproducts: category_id → categories, user_id → users\n")
	assert.True(t, strings.HasSuffix(text, capabilitiesLegend))

	// Output is ordered by table name
	assert.Less(t, strings.Index(text, "categories:"), strings.Index(text, "products:"))
	assert.Less(t, strings.Index(text, "products:"), strings.Index(text, "users:"))
}

func TestExtractAllowList(t *testing.T) {
	ex, _, _ := newTestExtractor(t, shopTables())

	desc, err := ex.Extract(context.Background(), []string{"users"})
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, desc.Tables)
	assert.NotContains(t, desc.Text, "products:")

	desc, err = ex.Extract(context.Background(), []string{"secrets"})
	require.NoError(t, err)
	assert.True(t, desc.Empty)
	assert.Equal(t, "No accessible tables found.", desc.Text)
}

func TestExtractSkipsFailingTable(t *testing.T) {
	ex, gw, _ := newTestExtractor(t, shopTables())
	gw.FailIntrospection("categories")

	desc, err := ex.Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.NotContains(t, desc.Text, "categories:")
	assert.Contains(t, desc.Text, "users: ")
	// The failed table no longer takes part in the body, but it is still a known name
	assert.Contains(t, desc.Tables, "categories")
}

func TestExtractColumnCap(t *testing.T) {
	ex, _, _ := newTestExtractor(t, shopTables(), WithMaxColumns(2))

	desc, err := ex.Extract(context.Background(), []string{"products"})
	require.NoError(t, err)
	assert.Contains(t, desc.Text, "products: category_id(Int), id(Int!)\n")
	assert.NotContains(t, desc.Text, "price")
}

func TestExtractUsesMetadataRelationships(t *testing.T) {
	tables := append(shopTables(), hasuratest.Table{
		Name: "orders",
		Columns: []hasuratest.Column{
			{Name: "id", Type: "Int", NonNull: true},
			{Name: "buyer_id", Type: "Int", NonNull: true},
		},
		Relations: []hasuratest.Relation{{Name: "buyer", Column: "buyer_id", Target: "users"}},
	})
	gw := hasuratest.New(t, tables)
	client := hasura.New(hasura.Options{Endpoint: gw.Endpoint()})

	withoutMetadata, err := NewExtractor(client).Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.NotContains(t, withoutMetadata.Text, "buyer_id(Int!) → users")

	desc, err := NewExtractor(client, WithMetadata(client)).Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, desc.Text, "buyer_id(Int!) → users")
	assert.Contains(t, desc.Text, "orders: buyer_id → users\n")
}

func TestExtractNoRootFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"__schema":{"queryType":{"fields":[]}}}}`))
	}))
	defer srv.Close()

	ex := NewExtractor(hasura.New(hasura.Options{Endpoint: srv.URL + "/v1/graphql"}))
	desc, err := ex.Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, desc.Empty)
	assert.Equal(t, "No tables found in database schema.", desc.Text)
}

func TestExtractUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ex := NewExtractor(hasura.New(hasura.Options{Endpoint: url + "/v1/graphql", Timeout: time.Second}))
	_, err := ex.Extract(context.Background(), nil)
	assert.ErrorIs(t, err, hasura.ErrUnreachable)
}

func TestFilterTableNames(t *testing.T) {
	root := []string{"users", "users_aggregate", "users_by_pk", "users_stream", "insert_users_mutation_response", "__typename", "orders", "users"}

	assert.Equal(t, []string{"orders", "users"}, FilterTableNames(root, nil))
	assert.Equal(t, []string{"orders"}, FilterTableNames(root, []string{"orders", "missing"}))

	// Schema-qualified allow-list entries select the matching root field
	qualified := []string{"sales_orders", "sales_orders_aggregate", "customers"}
	assert.Equal(t, []string{"sales_orders"}, FilterTableNames(qualified, []string{"sales.orders"}))
	assert.Equal(t, []string{"customers", "sales_orders"}, FilterTableNames(qualified, []string{"sales_orders", "customers"}))
}

func TestInferRelationships(t *testing.T) {
	tables := []Table{
		{Name: "orders", Columns: []Column{{Name: "customer_id"}, {Name: "box_id"}, {Name: "category_id"}, {Name: "id"}}},
		{Name: "people", Columns: []Column{{Name: "people_id"}}},
		{Name: "nodes", Columns: []Column{{Name: "node_id"}, {Name: "_id"}}},
	}
	names := []string{"boxes", "categories", "customers", "nodes", "orders", "people"}

	rels := InferRelationships(tables, names)
	assert.Equal(t, []Relationship{
		{Table: "orders", Column: "box_id", Target: "boxes", Source: SourceNaming},
		{Table: "orders", Column: "category_id", Target: "categories", Source: SourceNaming},
		{Table: "orders", Column: "customer_id", Target: "customers", Source: SourceNaming},
	}, rels)

	// Unchanged inputs give identical output
	assert.Equal(t, rels, InferRelationships(tables, names))
}

func TestMergeRelationshipsPrefersMetadata(t *testing.T) {
	tables := []Table{
		{Name: "orders", Columns: []Column{{Name: "user_id"}, {Name: "product_id"}}},
		{Name: "users"},
		{Name: "accounts"},
		{Name: "products"},
	}
	authoritative := []Relationship{
		{Table: "orders", Column: "user_id", Target: "accounts", Source: SourceMetadata},
		{Table: "orders", Column: "hidden_id", Target: "users", Source: SourceMetadata},
		{Table: "orders", Column: "product_id", Target: "warehouse", Source: SourceMetadata},
	}
	heuristic := []Relationship{
		{Table: "orders", Column: "user_id", Target: "users", Source: SourceNaming},
		{Table: "orders", Column: "product_id", Target: "products", Source: SourceNaming},
	}

	merged := MergeRelationships(authoritative, heuristic, tables)
	assert.Equal(t, []Relationship{
		{Table: "orders", Column: "product_id", Target: "products", Source: SourceNaming},
		{Table: "orders", Column: "user_id", Target: "accounts", Source: SourceMetadata},
	}, merged)
}

func TestServiceCachesDescriptions(t *testing.T) {
	ex, gw, _ := newTestExtractor(t, shopTables())
	svc := NewService(ex, cache.NewMemoryCache(time.Minute, 10), gw.Endpoint(), time.Minute, nil)

	ctx := context.Background()
	first, err := svc.Describe(ctx, []string{"users", "products"})
	require.NoError(t, err)
	requests := gw.GraphQLRequests()

	second, err := svc.Describe(ctx, []string{"products", "users"})
	require.NoError(t, err)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, requests, gw.GraphQLRequests(), "second lookup should be served from cache")

	assert.Equal(t, "schema_dsl:"+gw.Endpoint()+":products,users", svc.CacheKey([]string{"users", "products"}))
}

func TestServiceCacheKeyNormalizesQualifiedNames(t *testing.T) {
	svc := NewService(NewExtractor(nil), nil, "http://gw/v1/graphql", 0, nil)
	assert.Equal(t, svc.CacheKey([]string{"sales_orders", "customers"}), svc.CacheKey([]string{"customers", "sales.orders"}))
	assert.Equal(t, "schema_dsl:http://gw/v1/graphql:sales_orders", svc.CacheKey([]string{"sales.orders", "sales_orders"}))
}

func TestServiceExtractionOutlivesCancelledCaller(t *testing.T) {
	ex, gw, _ := newTestExtractor(t, shopTables())
	svc := NewService(ex, cache.NewMemoryCache(time.Minute, 10), gw.Endpoint(), time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	desc, err := svc.Describe(ctx, []string{"users"})
	require.NoError(t, err, "the shared extraction must not inherit the caller's cancellation")
	assert.Equal(t, []string{"users"}, desc.Tables)

	requests := gw.GraphQLRequests()
	again, err := svc.Describe(context.Background(), []string{"users"})
	require.NoError(t, err)
	assert.Equal(t, desc.Text, again.Text)
	assert.Equal(t, requests, gw.GraphQLRequests(), "the result was cached for later callers")
}

func TestExtractRecordsRelationshipLinks(t *testing.T) {
	ex, _, _ := newTestExtractor(t, shopTables())

	desc, err := ex.Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "users", desc.Links["products.user"], "object relationship")
	assert.Equal(t, "products", desc.Links["users.products"], "array relationship")
	assert.Equal(t, "products_aggregate", desc.Links["users.products_aggregate"])
	assert.NotContains(t, desc.Links, "products.user_id", "scalar columns are not links")

	// Links do not leak into the rendered text
	assert.NotContains(t, desc.Text, "user(")
}

func TestLoadTrackedTables(t *testing.T) {
	md, err := hasura.ParseMetadata([]byte(`{"version":3,"sources":[
		{"name":"default","tables":[{"table":{"schema":"public","name":"users"}},{"table":{"schema":"sales","name":"orders"}},{"table":"legacy"}]}
	]}`))
	require.NoError(t, err)

	tables, err := LoadTrackedTables(context.Background(), staticMetadata{md})
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy", "sales_orders", "users"}, tables)
}

type staticMetadata struct{ md *hasura.Metadata }

func (s staticMetadata) ExportMetadata(context.Context) (*hasura.Metadata, error) { return s.md, nil }
