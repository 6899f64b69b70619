package tui

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kartoza/kartoza-pgql/internal/config"
)

// maxLimitChoices are the row limits the settings screen cycles through
var maxLimitChoices = []int{10, 25, 50, 100, 250, 500, 1000}

// SettingItem is one row of the settings screen. Items with Change are
// editable; the rest are shown read-only.
type SettingItem struct {
	Name        string
	Description string
	GetValue    func(*config.Config) string
	Change      func(*config.Config)
}

// SettingsModel is the settings screen
type SettingsModel struct {
	width    int
	height   int
	cfg      *config.Config
	selected int
	items    []SettingItem
	err      string
}

// settingsChangedMsg is sent after a setting was saved
type settingsChangedMsg struct{}

func enabled(b bool) string {
	if b {
		return "Enabled"
	}
	return "Disabled"
}

// nextLimit returns the choice after current, wrapping around
func nextLimit(current int) int {
	for _, c := range maxLimitChoices {
		if c > current {
			return c
		}
	}
	return maxLimitChoices[0]
}

// NewSettingsModel creates the settings screen
func NewSettingsModel(cfg *config.Config) *SettingsModel {
	items := []SettingItem{
		{
			Name:        "Vim Mode",
			Description: "Use vim-style keybindings in the question editor",
			GetValue:    func(c *config.Config) string { return enabled(c.Settings.VimModeEnabled) },
			Change:      func(c *config.Config) { c.Settings.VimModeEnabled = !c.Settings.VimModeEnabled },
		},
		{
			Name:        "Default Max Limit",
			Description: "Row limit sent with every question",
			GetValue:    func(c *config.Config) string { return strconv.Itoa(c.Settings.DefaultMaxLimit) },
			Change:      func(c *config.Config) { c.Settings.DefaultMaxLimit = nextLimit(c.Settings.DefaultMaxLimit) },
		},
		{
			Name:        "Max History Size",
			Description: "Questions kept in the local history",
			GetValue:    func(c *config.Config) string { return strconv.Itoa(c.Settings.MaxHistorySize) },
		},
		{
			Name:        "Server",
			Description: "Query service the chat client talks to",
			GetValue:    func(c *config.Config) string { return c.Server.URL },
		},
		{
			Name:        "Application Key",
			Description: "Set with: kartoza-pgql config set-secret app_api_key",
			GetValue: func(c *config.Config) string {
				if c.Server.AppAPIKey == "" {
					return "Not set"
				}
				return "Configured"
			},
		},
		{
			Name:        "History Entries",
			Description: "Questions currently saved",
			GetValue:    func(c *config.Config) string { return fmt.Sprintf("%d", len(c.QueryHistory)) },
		},
	}

	return &SettingsModel{cfg: cfg, items: items}
}

// Init initializes the settings model
func (m *SettingsModel) Init() tea.Cmd {
	return nil
}

// Update handles messages for the settings model
func (m *SettingsModel) Update(msg tea.Msg) (*SettingsModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("esc"))):
			return m, func() tea.Msg { return goToMenuMsg{} }

		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c"))):
			return m, tea.Quit

		case key.Matches(msg, key.NewBinding(key.WithKeys("up", "k"))):
			m.selected = (m.selected - 1 + len(m.items)) % len(m.items)

		case key.Matches(msg, key.NewBinding(key.WithKeys("down", "j"))):
			m.selected = (m.selected + 1) % len(m.items)

		case key.Matches(msg, key.NewBinding(key.WithKeys("enter", " "))):
			item := m.items[m.selected]
			if item.Change == nil || m.cfg == nil {
				return m, nil
			}
			item.Change(m.cfg)
			m.err = ""
			if err := m.cfg.Save(); err != nil {
				m.err = err.Error()
			}
			return m, func() tea.Msg { return settingsChangedMsg{} }
		}
	}
	return m, nil
}

// View renders the settings screen
func (m *SettingsModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	footer := RenderHelpFooter("↑/k: up • ↓/j: down • enter/space: change • esc: back", m.width)
	return LayoutWithHeaderFooter(RenderHeader("Settings"), m.renderContent(), footer, m.width, m.height)
}

func (m *SettingsModel) renderContent() string {
	sections := []string{InactiveStyle.Italic(true).Render("Configure the chat client"), ""}
	if m.cfg == nil {
		sections = append(sections, ErrorStyle.Render("Error: Configuration not loaded"))
		return lipgloss.JoinVertical(lipgloss.Center, sections...)
	}

	tbl := newBoxTable(3, 22, 24, 50)
	rows := []string{tbl.top(), tbl.header("", "Setting", "Value", "Description"), tbl.middle()}
	for i, item := range m.items {
		selected := i == m.selected

		icon := lipgloss.NewStyle().Foreground(ColorGray).Render("○")
		if item.Change != nil {
			icon = lipgloss.NewStyle().Foreground(ColorBlue).Render("◉")
		}
		nameStyle := ValueStyle
		if selected {
			nameStyle = ActiveStyle
		}

		value := item.GetValue(m.cfg)
		valueStyle := lipgloss.NewStyle().Foreground(ColorCyan)
		switch value {
		case "Enabled", "Configured":
			valueStyle = SuccessStyle
		case "Disabled", "Not set":
			valueStyle = lipgloss.NewStyle().Foreground(ColorRed)
		}

		rows = append(rows, tbl.row(
			selectorCell(selected, icon),
			tbl.cell(1, item.Name, nameStyle),
			tbl.cell(2, value, valueStyle),
			tbl.cell(3, item.Description, LabelStyle),
		))
	}
	rows = append(rows, tbl.bottom(), "", LabelStyle.Render("◉ editable  ○ read-only"))
	if m.err != "" {
		rows = append(rows, "", ErrorStyle.Render("Save failed: "+m.err))
	}

	sections = append(sections, lipgloss.JoinVertical(lipgloss.Center, rows...))
	return lipgloss.JoinVertical(lipgloss.Center, sections...)
}
