package pipeline

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kartoza/kartoza-pgql/internal/apperr"
	"github.com/kartoza/kartoza-pgql/internal/apps"
	"github.com/kartoza/kartoza-pgql/internal/hasura"
	"github.com/kartoza/kartoza-pgql/internal/hasura/hasuratest"
	"github.com/kartoza/kartoza-pgql/internal/llm"
	"github.com/kartoza/kartoza-pgql/internal/metrics"
	"github.com/kartoza/kartoza-pgql/internal/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type stubChat struct {
	reply string
	err   error
}

func (s *stubChat) Chat(context.Context, llm.ChatRequest) (*llm.ChatResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResult{Content: s.reply, Usage: llm.Usage{TotalTokens: 7}}, nil
}

type panicGenerator struct{}

func (panicGenerator) Generate(context.Context, string, string) llm.Generation {
	panic("generator exploded")
}

// stubGateway fails every execution and reports a fixed tracked-table list
type stubGateway struct {
	tables     []string
	executeErr error
	executed   []string
}

func (g *stubGateway) Configured() bool { return true }

func (g *stubGateway) Execute(_ context.Context, query string, _ map[string]any, _ string) (*hasura.Response, error) {
	g.executed = append(g.executed, query)
	return nil, g.executeErr
}

func (g *stubGateway) TrackedTables(context.Context, []string) ([]string, error) {
	return g.tables, nil
}

type stubSchema struct {
	desc *schema.Description
	err  error
}

func (s stubSchema) Describe(context.Context, []string) (*schema.Description, error) {
	return s.desc, s.err
}

func customerTables() []hasuratest.Table {
	return []hasuratest.Table{
		{
			Name: "customers",
			Columns: []hasuratest.Column{
				{Name: "id", Type: "Int", NonNull: true},
				{Name: "name", Type: "String", NonNull: true},
			},
			Rows: []map[string]any{
				{"id": 1, "name": "Ada"},
				{"id": 2, "name": "Grace"},
				{"id": 3, "name": "Linus"},
			},
		},
		{
			Name: "orders",
			Columns: []hasuratest.Column{
				{Name: "id", Type: "Int", NonNull: true},
				{Name: "customer_id", Type: "Int", NonNull: true},
			},
			Relations: []hasuratest.Relation{{Name: "customer", Column: "customer_id", Target: "customers"}},
			Rows:      []map[string]any{{"id": 1, "customer_id": 1}},
		},
	}
}

type fixture struct {
	gw       *hasuratest.Gateway
	client   *hasura.Client
	recorder *metrics.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gw := hasuratest.New(t, customerTables())
	return &fixture{
		gw:       gw,
		client:   hasura.New(hasura.Options{Endpoint: gw.Endpoint()}),
		recorder: metrics.NewRecorder(),
	}
}

func (f *fixture) pipeline(generator, summarizer llm.ChatClient) *Pipeline {
	return New(Options{
		Gateway:     f.client,
		Schema:      schema.NewService(schema.NewExtractor(f.client), nil, f.client.Endpoint(), 0, nil),
		Generator:   llm.NewGenerator(generator, nil),
		Synthesizer: llm.NewSynthesizer(summarizer, nil),
		Metrics:     f.recorder,
	})
}

func readApp() apps.Application {
	return apps.Application{ID: "reporting", Role: apps.RoleRead, Active: true}
}

func TestModelBranch(t *testing.T) {
	f := newFixture(t)
	gen := &stubChat{reply: "```graphql\nquery { customers_aggregate { aggregate { count } } }\n```"}
	p := f.pipeline(gen, &stubChat{reply: "There are 3 customers."})

	resp, err := p.Run(context.Background(), Request{Prompt: "how many customers are there?", App: readApp()})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, BranchLLM, resp.Pipeline)
	assert.Equal(t, "There are 3 customers.", resp.Answer)
	assert.Equal(t, "query { customers_aggregate { aggregate { count } } }", resp.Query)
	assert.Equal(t, 14, resp.Usage.TotalTokens)
	assert.Contains(t, resp.Data, "data")
	assert.Empty(t, resp.FallbackReason)

	s := f.recorder.Summary()
	assert.Equal(t, 1, s.SuccessfulRequests)
	assert.Equal(t, "llm", f.recorder.RecentRequests(1)[0].Metadata["pipeline"])
}

func TestRuleBasedFallbackAnswersCount(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(&stubChat{err: errors.New("model offline")}, nil)

	resp, err := p.Run(context.Background(), Request{Prompt: "how many customers are there?", App: readApp()})
	require.NoError(t, err)

	assert.Equal(t, BranchRuleBased, resp.Pipeline)
	assert.Equal(t, "customers", resp.SelectedTable)
	assert.Equal(t, "query PromptQueryPlan { customers_aggregate(limit: 100) { aggregate { count } } }", resp.Query)
	assert.Contains(t, resp.Answer, "customers")
	assert.Contains(t, resp.Answer, "3")
	assert.Contains(t, resp.FallbackReason, "model offline")
}

func TestFallbackOnRejectedQuery(t *testing.T) {
	deep := "```graphql\nquery { orders { customer { orders { customer { id } } } } }\n```"

	f := newFixture(t)
	resp, err := f.pipeline(&stubChat{reply: deep}, nil).Run(context.Background(), Request{Prompt: "orders please", App: readApp()})
	require.NoError(t, err)
	assert.Equal(t, BranchRuleBased, resp.Pipeline)
	assert.Equal(t, "orders", resp.SelectedTable)
	assert.Contains(t, resp.FallbackReason, "query too complex")
}

func TestFallbackOnAllowListViolation(t *testing.T) {
	f := newFixture(t)
	app := readApp()
	app.AllowedTables = []string{"orders"}

	gen := &stubChat{reply: "```graphql\nquery { customers { id name } }\n```"}
	resp, err := f.pipeline(gen, nil).Run(context.Background(), Request{Prompt: "list customers", App: app})
	require.NoError(t, err)

	assert.Equal(t, BranchRuleBased, resp.Pipeline)
	assert.Equal(t, "orders", resp.SelectedTable, "planner only sees the allow-list")
	assert.Contains(t, resp.FallbackReason, "allow-list")
}

func TestFallbackOnNestedTableOutsideAllowList(t *testing.T) {
	replies := map[string]string{
		"field named after the table": "query { orders { id customers { id name } } }",
		"relationship field":          "query { orders { id customer { id name } } }",
	}
	for name, reply := range replies {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			app := readApp()
			app.AllowedTables = []string{"orders"}

			gen := &stubChat{reply: "```graphql\n" + reply + "\n```"}
			resp, err := f.pipeline(gen, nil).Run(context.Background(), Request{Prompt: "orders with their customers", App: app})
			require.NoError(t, err)

			assert.Equal(t, BranchRuleBased, resp.Pipeline)
			assert.Equal(t, "orders", resp.SelectedTable)
			assert.Contains(t, resp.FallbackReason, "allow-list: customers")
			assert.NotContains(t, f.gw.LastQuery(), "customer", "the rejected query never reaches the gateway")
		})
	}
}

func TestNestedRelationshipInsideAllowList(t *testing.T) {
	f := newFixture(t)
	app := readApp()
	app.AllowedTables = []string{"orders", "customers"}

	gen := &stubChat{reply: "```graphql\nquery { orders { id customer { name } } }\n```"}
	resp, err := f.pipeline(gen, nil).Run(context.Background(), Request{Prompt: "orders with their customers", App: app})
	require.NoError(t, err)
	assert.Equal(t, BranchLLM, resp.Pipeline, resp.FallbackReason)
}

func TestFallbackOnExecutionError(t *testing.T) {
	f := newFixture(t)
	gen := &stubChat{reply: "```graphql\nquery { customers { no_such_column } }\n```"}

	resp, err := f.pipeline(gen, nil).Run(context.Background(), Request{Prompt: "customers", App: readApp()})
	require.NoError(t, err)
	assert.Equal(t, BranchRuleBased, resp.Pipeline)
	assert.Contains(t, resp.FallbackReason, "query execution failed")
	assert.Contains(t, resp.Answer, "currently has 3 records")
}

func TestReadOnlyAppCannotMutate(t *testing.T) {
	f := newFixture(t)
	gen := &stubChat{reply: "```graphql\nmutation { delete_customers { affected_rows } }\n```"}

	_, err := f.pipeline(gen, nil).Run(context.Background(), Request{Prompt: "delete all customers", App: readApp()})
	require.Error(t, err)
	assert.Equal(t, apperr.KindPermission, apperr.KindOf(err))
	assert.Equal(t, http.StatusForbidden, apperr.HTTPStatus(err))
	assert.NotContains(t, f.gw.LastQuery(), "mutation", "the mutation never reaches the gateway")
}

func TestReadOnlyAppCannotMutateAfterQuery(t *testing.T) {
	f := newFixture(t)
	gen := &stubChat{reply: "```graphql\nquery Q { orders { id } } mutation M { delete_orders(where: {}) { affected_rows } }\n```"}

	_, err := f.pipeline(gen, nil).Run(context.Background(), Request{Prompt: "orders", App: readApp()})
	require.Error(t, err)
	assert.Equal(t, apperr.KindPermission, apperr.KindOf(err))
	assert.NotContains(t, f.gw.LastQuery(), "delete_orders")
}

func TestGatewayNotConfigured(t *testing.T) {
	p := New(Options{Gateway: hasura.New(hasura.Options{}), Metrics: metrics.NewRecorder()})

	_, err := p.Run(context.Background(), Request{Prompt: "anything", App: readApp()})
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
	assert.Equal(t, http.StatusServiceUnavailable, apperr.HTTPStatus(err))
}

func TestGatewayUnreachable(t *testing.T) {
	gw := hasuratest.New(t, customerTables())
	client := hasura.New(hasura.Options{Endpoint: gw.Endpoint()})
	gw.Server.Close()

	p := New(Options{
		Gateway: client,
		Schema:  schema.NewService(schema.NewExtractor(client), nil, client.Endpoint(), 0, nil),
	})
	_, err := p.Run(context.Background(), Request{Prompt: "anything", App: readApp()})
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
	assert.ErrorIs(t, err, hasura.ErrUnreachable)
}

func TestNoTablesIsValidationError(t *testing.T) {
	p := New(Options{
		Gateway: &stubGateway{},
		Schema:  stubSchema{desc: &schema.Description{Text: "No tables found in database schema.", Empty: true}},
	})

	_, err := p.Run(context.Background(), Request{Prompt: "anything", App: readApp()})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "no tracked tables found")
}

func TestBothBranchesFail(t *testing.T) {
	gw := &stubGateway{executeErr: hasura.ErrTimeout}
	p := New(Options{
		Gateway:   gw,
		Schema:    stubSchema{desc: &schema.Description{Text: "orders: id(Int!)", Tables: []string{"orders"}}},
		Generator: llm.NewGenerator(&stubChat{reply: "```graphql\nquery { orders { id } }\n```"}, nil),
	})

	_, err := p.Run(context.Background(), Request{Prompt: "orders", App: readApp()})
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, apperr.HTTPStatus(err))
	assert.ErrorIs(t, err, hasura.ErrTimeout)
	require.Len(t, gw.executed, 2)
	assert.True(t, strings.HasPrefix(gw.executed[1], "query PromptQueryPlan"))
}

func TestSchemaFailureFallsBackToTrackedTables(t *testing.T) {
	gw := &stubGateway{tables: []string{"invoices"}, executeErr: errors.New("down")}
	p := New(Options{
		Gateway: gw,
		Schema:  stubSchema{err: &hasura.GatewayError{StatusCode: 500, Messages: []string{"boom"}}},
	})

	_, err := p.Run(context.Background(), Request{Prompt: "x", App: readApp()})
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
	require.Len(t, gw.executed, 1)
	assert.Contains(t, gw.executed[0], "invoices_aggregate")
}

func TestPanicIsRecoveredAndRecorded(t *testing.T) {
	recorder := metrics.NewRecorder()
	p := New(Options{
		Gateway:   &stubGateway{},
		Schema:    stubSchema{desc: &schema.Description{Text: "t", Tables: []string{"t"}}},
		Generator: panicGenerator{},
		Metrics:   recorder,
	})

	resp, err := p.Run(context.Background(), Request{Prompt: "x", App: readApp()})
	assert.Nil(t, resp)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))

	s := recorder.Summary()
	assert.Equal(t, 1, s.FailedRequests)
	require.Len(t, recorder.RecentErrors(1), 1)
	assert.Equal(t, MetricsTool, recorder.RecentErrors(1)[0].Tool)
}
