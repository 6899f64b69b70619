package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartoza/kartoza-pgql/internal/apps"
	"github.com/kartoza/kartoza-pgql/internal/client"
	"github.com/kartoza/kartoza-pgql/internal/pipeline"
	"github.com/kartoza/kartoza-pgql/internal/security"
	"github.com/kartoza/kartoza-pgql/internal/server"
)

const dashboardKey = "dash-secret"

type fixedAnswer struct {
	last pipeline.Request
}

func (f *fixedAnswer) Run(_ context.Context, req pipeline.Request) (*pipeline.Response, error) {
	f.last = req
	return &pipeline.Response{
		Success:  true,
		Answer:   "There are 2 users.",
		Query:    "query { users_aggregate { aggregate { count } } }",
		Pipeline: pipeline.BranchRuleBased,
		Data:     map[string]any{"users_aggregate": map[string]any{"aggregate": map[string]any{"count": 2.0}}},
	}, nil
}

type fixture struct {
	http   *httptest.Server
	store  *apps.Store
	answer *fixedAnswer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := apps.Open(context.Background(), nil)
	require.NoError(t, err)

	f := &fixture{store: store, answer: &fixedAnswer{}}
	srv := server.New(server.Options{
		Store:        store,
		Pipeline:     f.answer,
		Limiter:      security.NewRateLimiter(30, time.Minute),
		DashboardKey: dashboardKey,
		Version:      "test",
	})
	f.http = httptest.NewServer(srv.Handler())
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) client(appKey, dashKey string) *client.Client {
	return client.New(client.Options{
		BaseURL:      f.http.URL + "/",
		AppKey:       appKey,
		DashboardKey: dashKey,
		HTTPClient:   f.http.Client(),
	})
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	h, err := f.client("", "").Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "test", h.Version)
}

func TestQueryAsApplication(t *testing.T) {
	f := newFixture(t)
	app, err := f.store.Create(context.Background(), apps.CreateParams{ID: "reports"})
	require.NoError(t, err)

	c := f.client(app.APIKey, "")
	resp, err := c.Query(context.Background(), "how many users?", 25)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "There are 2 users.", resp.Answer)
	assert.Equal(t, pipeline.BranchRuleBased, resp.Pipeline)
	assert.Contains(t, resp.Data, "users_aggregate")

	assert.Equal(t, "how many users?", f.answer.last.Prompt)
	assert.Equal(t, 25, f.answer.last.MaxLimit)
	assert.Equal(t, "reports", f.answer.last.App.ID)

	me, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "reports", me.AppID)
	assert.Equal(t, apps.RoleRead, me.Role)
	assert.True(t, me.Active)

	tables, err := c.Schema(context.Background())
	require.NoError(t, err)
	assert.False(t, tables.Restricted)
}

func TestAPIErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.client("pgql_not-a-key", "").Query(context.Background(), "hi", 0)
	require.Error(t, err)
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "auth", apiErr.Kind)
	assert.Equal(t, "Invalid or inactive API key", apiErr.Message)

	_, err = f.client("", "wrong").ListApps(context.Background())
	assert.Equal(t, http.StatusUnauthorized, client.StatusOf(err))

	_, err = f.client("", "").Me(context.Background())
	assert.ErrorIs(t, err, client.ErrNoCredential)
	assert.Equal(t, 0, client.StatusOf(err))
}

func TestAdminLifecycle(t *testing.T) {
	f := newFixture(t)
	c := f.client("", dashboardKey)
	ctx := context.Background()

	created, err := c.CreateApp(ctx, client.NewApp{AppID: "ops", Role: "write"})
	require.NoError(t, err)
	assert.Equal(t, "ops", created.ID)
	assert.Equal(t, apps.RoleWrite, created.Role)
	assert.Contains(t, created.APIKey, apps.KeyPrefix)

	_, err = c.CreateApp(ctx, client.NewApp{AppID: "ops"})
	assert.Equal(t, http.StatusConflict, client.StatusOf(err))

	list, err := c.ListApps(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NotEqual(t, created.APIKey, list[0].APIKey)

	rotated, err := c.RegenerateKey(ctx, "ops")
	require.NoError(t, err)
	assert.NotEqual(t, created.APIKey, rotated)
	_, ok := f.store.Resolve(rotated)
	assert.True(t, ok)

	require.NoError(t, c.DeleteApp(ctx, "ops"))
	err = c.DeleteApp(ctx, "ops")
	assert.Equal(t, http.StatusNotFound, client.StatusOf(err))

	_, err = c.ReloadSchema(ctx)
	assert.Equal(t, http.StatusBadRequest, client.StatusOf(err))
}
