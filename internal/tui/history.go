package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kartoza/kartoza-pgql/internal/config"
)

const historyVisible = 15

// HistoryModel lists the questions asked from this machine
type HistoryModel struct {
	width    int
	height   int
	entries  []config.QueryHistoryEntry
	selected int
	appID    string
	cfg      *config.Config
	err      string
}

// rerunQueryMsg asks the app to open the chat screen with a prompt
type rerunQueryMsg struct {
	prompt string
}

// goToHistoryMsg opens the history screen
type goToHistoryMsg struct{}

// NewHistoryModel creates the history screen for appID; an empty appID shows
// every entry
func NewHistoryModel(cfg *config.Config, appID string) *HistoryModel {
	var entries []config.QueryHistoryEntry
	if cfg != nil {
		for _, e := range cfg.QueryHistory {
			if appID == "" || e.AppID == appID {
				entries = append(entries, e)
			}
		}
	}
	return &HistoryModel{entries: entries, appID: appID, cfg: cfg}
}

// Init initializes the history model
func (m *HistoryModel) Init() tea.Cmd {
	return nil
}

// Update handles messages for the history model
func (m *HistoryModel) Update(msg tea.Msg) (*HistoryModel, tea.Cmd) {
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
			if n := len(m.entries); n > 0 {
				m.selected = (m.selected - 1 + n) % n
			}

		case key.Matches(msg, key.NewBinding(key.WithKeys("down", "j"))):
			if n := len(m.entries); n > 0 {
				m.selected = (m.selected + 1) % n
			}

		case key.Matches(msg, key.NewBinding(key.WithKeys("enter", " "))):
			if m.selected < len(m.entries) {
				prompt := m.entries[m.selected].Prompt
				return m, func() tea.Msg { return rerunQueryMsg{prompt: prompt} }
			}

		case key.Matches(msg, key.NewBinding(key.WithKeys("d"))):
			if m.selected < len(m.entries) {
				m.deleteEntry(m.selected)
				if m.selected >= len(m.entries) && m.selected > 0 {
					m.selected--
				}
			}
		}
	}
	return m, nil
}

func (m *HistoryModel) deleteEntry(index int) {
	entry := m.entries[index]
	m.entries = append(m.entries[:index], m.entries[index+1:]...)
	if m.cfg == nil {
		return
	}
	for i, e := range m.cfg.QueryHistory {
		if e.Timestamp.Equal(entry.Timestamp) && e.Prompt == entry.Prompt {
			m.cfg.QueryHistory = append(m.cfg.QueryHistory[:i], m.cfg.QueryHistory[i+1:]...)
			m.err = ""
			if err := m.cfg.Save(); err != nil {
				m.err = err.Error()
			}
			return
		}
	}
}

// View renders the history screen
func (m *HistoryModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	title := "History"
	if m.appID != "" {
		title += " - " + m.appID
	}
	footer := RenderHelpFooter("↑/k: up • ↓/j: down • enter: ask again • d: delete • esc: back", m.width)
	return LayoutWithHeaderFooter(RenderHeader(title), m.renderContent(), footer, m.width, m.height)
}

func (m *HistoryModel) renderContent() string {
	if len(m.entries) == 0 {
		empty := InactiveStyle.Italic(true).Render("No questions asked yet")
		if m.err != "" {
			return lipgloss.JoinVertical(lipgloss.Center, empty, "", ErrorStyle.Render("Save failed: "+m.err))
		}
		return empty
	}

	tbl := newBoxTable(3, 14, 47, 12)
	rows := []string{tbl.top(), tbl.header("", "Time", "Question", "Pipeline"), tbl.middle()}

	for i, entry := range m.entries {
		if i >= historyVisible {
			rows = append(rows, InactiveStyle.Italic(true).
				Render(fmt.Sprintf("... and %d more entries", len(m.entries)-historyVisible)))
			break
		}
		selected := i == m.selected

		icon := lipgloss.NewStyle().Foreground(ColorGreen).Render("●")
		if !entry.Success {
			icon = lipgloss.NewStyle().Foreground(ColorRed).Render("○")
		}
		promptStyle := ValueStyle
		if selected {
			promptStyle = ActiveStyle
		}
		pipeline := entry.Pipeline
		if pipeline == "" {
			pipeline = "-"
		}

		rows = append(rows, tbl.row(
			selectorCell(selected, icon),
			tbl.cell(1, entry.Timestamp.Local().Format("01-02 15:04"), LabelStyle),
			tbl.cell(2, entry.Prompt, promptStyle),
			tbl.cell(3, pipeline, lipgloss.NewStyle().Foreground(ColorBlue)),
		))
	}
	rows = append(rows, tbl.bottom(), "", LabelStyle.Render("● answered  ○ failed"))
	if m.err != "" {
		rows = append(rows, "", ErrorStyle.Render("Save failed: "+m.err))
	}

	if m.selected < len(m.entries) {
		rows = append(rows, "", m.renderDetail(m.entries[m.selected]))
	}
	return lipgloss.JoinVertical(lipgloss.Center, rows...)
}

func (m *HistoryModel) renderDetail(entry config.QueryHistoryEntry) string {
	var parts []string
	if entry.GeneratedQL != "" {
		parts = append(parts, LabelStyle.Render("GraphQL:"), GraphQLStyle.Render(entry.GeneratedQL), "")
	}
	if entry.ErrorMessage != "" {
		parts = append(parts, ErrorStyle.Render("Error: "+entry.ErrorMessage), "")
	}
	parts = append(parts, LabelStyle.Render(fmt.Sprintf("App: %s • Time: %.0fms", entry.AppID, entry.ExecutionTime)))

	return BoxStyle.Copy().
		BorderForeground(ColorBlue).
		Width(min(80, m.width-10)).
		Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
