package tui

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartoza/kartoza-pgql/internal/apps"
	"github.com/kartoza/kartoza-pgql/internal/client"
	"github.com/kartoza/kartoza-pgql/internal/config"
	"github.com/kartoza/kartoza-pgql/internal/pipeline"
)

type stubService struct {
	resp     *pipeline.Response
	err      error
	meErr    error
	prompts  []string
	maxLimit int
}

func (s *stubService) Query(_ context.Context, prompt string, maxLimit int) (*pipeline.Response, error) {
	s.prompts = append(s.prompts, prompt)
	s.maxLimit = maxLimit
	return s.resp, s.err
}

func (s *stubService) Me(context.Context) (*client.Identity, error) {
	if s.meErr != nil {
		return nil, s.meErr
	}
	return &client.Identity{AppID: "reports", Role: apps.RoleRead, Active: true}, nil
}

func (s *stubService) Schema(context.Context) (*client.TableList, error) {
	return &client.TableList{Tables: []string{"orders", "users"}, Total: 2}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	return config.DefaultConfig()
}

func resetState(t *testing.T) {
	t.Helper()
	saved := *GlobalAppState
	t.Cleanup(func() { *GlobalAppState = saved })
	*GlobalAppState = AppState{Status: "Ready", BlinkOn: true}
}

func TestAppConnects(t *testing.T) {
	resetState(t)
	app := NewAppModel(&stubService{}, testConfig(t))
	assert.False(t, app.menu.items[MenuAsk].enabled)

	app.Update(app.connect()())

	assert.True(t, GlobalAppState.Connected)
	assert.Equal(t, "reports", GlobalAppState.AppID)
	assert.Equal(t, "read", GlobalAppState.Role)
	assert.Equal(t, 2, GlobalAppState.TablesCount)
	assert.True(t, app.menu.items[MenuAsk].enabled)

	app.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	assert.Contains(t, app.View(), "Kartoza PGQL - Main Menu")
}

func TestAppConnectFailure(t *testing.T) {
	resetState(t)
	app := NewAppModel(&stubService{meErr: errors.New("connection refused")}, testConfig(t))

	app.Update(app.connect()())

	assert.False(t, GlobalAppState.Connected)
	assert.False(t, app.menu.items[MenuAsk].enabled)
	assert.Contains(t, app.menu.notice, "connection refused")
}

func TestQueryRecordsAnswer(t *testing.T) {
	resetState(t)
	cfg := testConfig(t)
	cfg.Settings.DefaultMaxLimit = 25
	svc := &stubService{resp: &pipeline.Response{
		Success:  true,
		Answer:   "There are 2 users.",
		Query:    "query { users { id name } }",
		Pipeline: pipeline.BranchLLM,
		Data: map[string]any{"users": []any{
			map[string]any{"id": 1.0, "name": "Ada"},
			map[string]any{"id": 2.0, "name": "Grace"},
		}},
	}}

	q := NewQueryModel(svc, cfg, "reports")
	q.width, q.height = 120, 50
	q.Update(q.ask("how many users?")())

	require.Len(t, q.history, 1)
	entry := q.history[0]
	assert.Equal(t, "There are 2 users.", entry.Answer)
	assert.Equal(t, pipeline.BranchLLM, entry.Pipeline)
	require.Len(t, entry.Tables, 1)
	assert.Equal(t, []string{"id", "name"}, entry.Tables[0].Columns)
	assert.Equal(t, 25, svc.maxLimit)
	assert.Equal(t, 1, GlobalAppState.QueryCount)

	require.Len(t, cfg.QueryHistory, 1)
	saved := cfg.QueryHistory[0]
	assert.Equal(t, "how many users?", saved.Prompt)
	assert.Equal(t, "query { users { id name } }", saved.GeneratedQL)
	assert.Equal(t, "reports", saved.AppID)
	assert.Equal(t, pipeline.BranchLLM, saved.Pipeline)
	assert.True(t, saved.Success)

	view := q.View()
	assert.Contains(t, view, "There are 2 users.")
	assert.Contains(t, view, "Grace")
	assert.NotContains(t, view, "users { id name }")

	q.Update(tea.KeyMsg{Type: tea.KeyCtrlG})
	assert.True(t, q.history[0].ShowQuery)
	assert.Contains(t, q.View(), "users { id name }")
}

func TestQueryRecordsFailure(t *testing.T) {
	resetState(t)
	cfg := testConfig(t)
	svc := &stubService{err: &client.APIError{StatusCode: 429, Kind: "rate_limit", Message: "Rate limit exceeded"}}

	q := NewQueryModel(svc, cfg, "reports")
	q.width, q.height = 120, 40
	q.Update(q.ask("anything")())

	require.Len(t, q.history, 1)
	assert.Contains(t, q.history[0].Error, "Rate limit exceeded")
	assert.Equal(t, 0, GlobalAppState.QueryCount)

	require.Len(t, cfg.QueryHistory, 1)
	assert.False(t, cfg.QueryHistory[0].Success)
	assert.Contains(t, cfg.QueryHistory[0].ErrorMessage, "Rate limit exceeded")
}

func TestHistoryRerun(t *testing.T) {
	resetState(t)
	cfg := testConfig(t)
	now := time.Now()
	cfg.QueryHistory = []config.QueryHistoryEntry{
		{Timestamp: now, Prompt: "latest", AppID: "reports", Success: true},
		{Timestamp: now.Add(-time.Minute), Prompt: "other app", AppID: "ops"},
		{Timestamp: now.Add(-2 * time.Minute), Prompt: "oldest", AppID: "reports"},
	}

	h := NewHistoryModel(cfg, "reports")
	require.Len(t, h.entries, 2)

	h.Update(tea.KeyMsg{Type: tea.KeyDown})
	_, cmd := h.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.Equal(t, rerunQueryMsg{prompt: "oldest"}, cmd())

	h.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	require.Len(t, h.entries, 1)
	assert.Len(t, cfg.QueryHistory, 2)
	assert.Equal(t, 0, h.selected)
}

func TestHistoryDeleteReportsSaveFailure(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := config.LoadFrom(path)
	require.NoError(t, err)
	cfg.QueryHistory = []config.QueryHistoryEntry{
		{Timestamp: time.Now(), Prompt: "first", Success: true},
		{Timestamp: time.Now().Add(-time.Minute), Prompt: "second"},
	}
	// A directory where the file should be makes every write fail
	require.NoError(t, os.Mkdir(path, 0o755))

	h := NewHistoryModel(cfg, "")
	h.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	h.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})

	require.Len(t, cfg.QueryHistory, 1)
	assert.NotEmpty(t, h.err)
	assert.Contains(t, stripANSI(h.View()), "Save failed:")

	// A later successful save clears the message
	require.NoError(t, os.Remove(path))
	h.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	assert.Empty(t, h.err)
	assert.NotContains(t, stripANSI(h.View()), "Save failed:")
}

func TestSettingsCycleMaxLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Settings.DefaultMaxLimit = 100

	s := NewSettingsModel(cfg)
	s.Update(tea.KeyMsg{Type: tea.KeyDown})
	_, cmd := s.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.Equal(t, 250, cfg.Settings.DefaultMaxLimit)

	assert.Equal(t, 10, nextLimit(1000))
	assert.Equal(t, 10, nextLimit(0))
}

func TestBoxTableWidths(t *testing.T) {
	tbl := newBoxTable(3, 6)
	assert.Equal(t, "┌───┬──────┐", stripANSI(tbl.top()))
	assert.Equal(t, "│ a │ xy   │", stripANSI(tbl.row(" a ", tbl.cell(1, "xy", ValueStyle))))
}

// stripANSI drops escape sequences so layout can be compared
func stripANSI(s string) string {
	var b strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape:
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
