// Package tui is the terminal chat client: it asks questions of a running
// query server as one application and shows the answers.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kartoza/kartoza-pgql/internal/client"
	"github.com/kartoza/kartoza-pgql/internal/config"
)

// Screen represents the current screen being displayed
type Screen int

const (
	ScreenMenu Screen = iota
	ScreenQuery
	ScreenHistory
	ScreenSettings
)

const connectTimeout = 10 * time.Second

// Service is the part of the query server the chat client uses
type Service interface {
	Asker
	Me(ctx context.Context) (*client.Identity, error)
	Schema(ctx context.Context) (*client.TableList, error)
}

// AppModel is the main application model
type AppModel struct {
	screen   Screen
	width    int
	height   int
	menu     *MenuModel
	query    *QueryModel
	history  *HistoryModel
	settings *SettingsModel

	service  Service
	cfg      *config.Config
	identity *client.Identity
}

// blinkTickMsg drives the header's connection indicator
type blinkTickMsg time.Time

// goToMenuMsg returns to the menu screen
type goToMenuMsg struct{}

// connectedMsg reports who the server says we are
type connectedMsg struct {
	identity *client.Identity
	tables   *client.TableList
	err      error
}

// NewAppModel creates the application model
func NewAppModel(service Service, cfg *config.Config) *AppModel {
	menu := NewMenuModel()
	menu.SetItemEnabled(MenuAsk, false)
	return &AppModel{
		screen:  ScreenMenu,
		menu:    menu,
		service: service,
		cfg:     cfg,
	}
}

// Init initializes the application
func (m *AppModel) Init() tea.Cmd {
	return tea.Batch(m.menu.Init(), m.startBlinkTicker(), m.connect())
}

func (m *AppModel) startBlinkTicker() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return blinkTickMsg(t)
	})
}

// connect asks the server for our identity and visible tables
func (m *AppModel) connect() tea.Cmd {
	service := m.service
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()

		id, err := service.Me(ctx)
		if err != nil {
			return connectedMsg{err: err}
		}
		tables, err := service.Schema(ctx)
		return connectedMsg{identity: id, tables: tables, err: err}
	}
}

func (m *AppModel) appID() string {
	if m.identity == nil {
		return ""
	}
	return m.identity.AppID
}

func (m *AppModel) sized(msg tea.Msg) {
	if ws, ok := msg.(tea.WindowSizeMsg); ok {
		m.width = ws.Width
		m.height = ws.Height
	}
}

func (m *AppModel) openQuery(initial string) tea.Cmd {
	if m.query == nil || initial != "" {
		m.query = NewQueryModel(m.service, m.cfg, m.appID())
		if initial != "" {
			m.query.SetInitialQuery(initial)
		}
	}
	m.query.width = m.width
	m.query.height = m.height
	m.screen = ScreenQuery
	return m.query.Init()
}

func (m *AppModel) openHistory() tea.Cmd {
	m.history = NewHistoryModel(m.cfg, m.appID())
	m.history.width = m.width
	m.history.height = m.height
	m.screen = ScreenHistory
	return m.history.Init()
}

// Update handles all messages for the application
func (m *AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	m.sized(msg)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.menu.width, m.menu.height = msg.Width, msg.Height

	case blinkTickMsg:
		GlobalAppState.BlinkOn = !GlobalAppState.BlinkOn
		return m, m.startBlinkTicker()

	case connectedMsg:
		if msg.err != nil {
			GlobalAppState.Connected = false
			GlobalAppState.Status = "Disconnected"
			m.menu.SetNotice("Cannot reach server: " + msg.err.Error())
			return m, nil
		}
		m.identity = msg.identity
		GlobalAppState.Connected = true
		GlobalAppState.AppID = msg.identity.AppID
		GlobalAppState.Role = string(msg.identity.Role)
		GlobalAppState.TablesCount = msg.tables.Total
		GlobalAppState.Restricted = msg.tables.Restricted
		GlobalAppState.Status = "Connected"
		m.menu.SetItemEnabled(MenuAsk, true)
		m.menu.SetNotice("")
		return m, nil

	case menuActionMsg:
		switch msg.action {
		case MenuAsk:
			return m, m.openQuery("")
		case MenuHistory:
			return m, m.openHistory()
		case MenuSettings:
			m.settings = NewSettingsModel(m.cfg)
			m.settings.width = m.width
			m.settings.height = m.height
			m.screen = ScreenSettings
			return m, m.settings.Init()
		}

	case settingsChangedMsg:
		// the editor mode is read when the chat screen is built
		m.query = nil
		return m, nil

	case queryAnsweredMsg:
		// answers land in the conversation even after leaving the screen
		if m.query != nil {
			var cmd tea.Cmd
			m.query, cmd = m.query.Update(msg)
			return m, cmd
		}
		return m, nil

	case goToHistoryMsg:
		return m, m.openHistory()

	case rerunQueryMsg:
		if !GlobalAppState.Connected {
			return m, nil
		}
		return m, m.openQuery(msg.prompt)

	case goToMenuMsg:
		m.screen = ScreenMenu
		return m, nil
	}

	var cmd tea.Cmd
	switch m.screen {
	case ScreenMenu:
		m.menu, cmd = m.menu.Update(msg)
	case ScreenQuery:
		if m.query != nil {
			m.query, cmd = m.query.Update(msg)
		}
	case ScreenHistory:
		if m.history != nil {
			m.history, cmd = m.history.Update(msg)
		}
	case ScreenSettings:
		if m.settings != nil {
			m.settings, cmd = m.settings.Update(msg)
		}
	}
	return m, cmd
}

// View renders the application
func (m *AppModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	switch m.screen {
	case ScreenQuery:
		if m.query != nil {
			return m.query.View()
		}
	case ScreenHistory:
		if m.history != nil {
			return m.history.View()
		}
	case ScreenSettings:
		if m.settings != nil {
			return m.settings.View()
		}
	}
	return m.menu.View()
}

// RunApp runs the chat client until the user quits
func RunApp(service Service, cfg *config.Config) error {
	p := tea.NewProgram(NewAppModel(service, cfg), tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err := p.Run()
	return err
}
