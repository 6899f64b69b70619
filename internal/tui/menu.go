package tui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// MenuItem represents a menu option
type MenuItem int

const (
	MenuAsk MenuItem = iota
	MenuHistory
	MenuSettings
	MenuQuit
)

type menuItem struct {
	label   string
	enabled bool
	action  MenuItem
	icon    string
}

// MenuModel is the main menu screen
type MenuModel struct {
	selected int
	items    []menuItem
	notice   string
	width    int
	height   int
}

// menuActionMsg is sent when a menu item is selected
type menuActionMsg struct {
	action MenuItem
}

// NewMenuModel creates a new menu model
func NewMenuModel() *MenuModel {
	return &MenuModel{
		items: []menuItem{
			{label: "Ask a Question", enabled: true, action: MenuAsk, icon: "󰆼"},
			{label: "Question History", enabled: true, action: MenuHistory, icon: "󰋚"},
			{label: "Settings", enabled: true, action: MenuSettings, icon: "󰒓"},
			{label: "Quit", enabled: true, action: MenuQuit, icon: "󰗼"},
		},
	}
}

// Init initializes the menu
func (m *MenuModel) Init() tea.Cmd {
	return nil
}

// Update handles messages for the menu
func (m *MenuModel) Update(msg tea.Msg) (*MenuModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "q"))):
			return m, tea.Quit

		case key.Matches(msg, key.NewBinding(key.WithKeys("up", "k"))):
			m.selected = (m.selected - 1 + len(m.items)) % len(m.items)

		case key.Matches(msg, key.NewBinding(key.WithKeys("down", "j"))):
			m.selected = (m.selected + 1) % len(m.items)

		case key.Matches(msg, key.NewBinding(key.WithKeys("enter", " "))):
			item := m.items[m.selected]
			if !item.enabled {
				return m, nil
			}
			if item.action == MenuQuit {
				return m, tea.Quit
			}
			return m, func() tea.Msg { return menuActionMsg{action: item.action} }
		}
	}
	return m, nil
}

// SetItemEnabled enables or disables a menu item
func (m *MenuModel) SetItemEnabled(action MenuItem, enabled bool) {
	for i := range m.items {
		if m.items[i].action == action {
			m.items[i].enabled = enabled
			return
		}
	}
}

// SetNotice shows a message below the menu; empty clears it
func (m *MenuModel) SetNotice(notice string) {
	m.notice = notice
}

// View renders the menu
func (m *MenuModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	footer := RenderHelpFooter("↑/k: up • ↓/j: down • enter/space: select • q: quit", m.width)
	return LayoutWithHeaderFooter(RenderHeader("Main Menu"), m.renderItems(), footer, m.width, m.height)
}

func (m *MenuModel) renderItems() string {
	normal := lipgloss.NewStyle().Foreground(ColorBlue).Padding(0, 2)
	selected := ActiveStyle.Padding(0, 2)
	disabled := InactiveStyle.Padding(0, 2)

	lines := []string{InactiveStyle.Italic(true).Render("Select an option from the menu below"), ""}
	for i, item := range m.items {
		prefix := "  "
		if i == m.selected {
			prefix = "▶ "
		}
		label := prefix + item.icon + " " + item.label
		switch {
		case !item.enabled:
			lines = append(lines, disabled.Render(label+" (not connected)"))
		case i == m.selected:
			lines = append(lines, selected.Render(label))
		default:
			lines = append(lines, normal.Render(label))
		}
	}
	if m.notice != "" {
		lines = append(lines, "", ErrorStyle.Render(m.notice))
	}
	return lipgloss.JoinVertical(lipgloss.Center, lines...)
}
