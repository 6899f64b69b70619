package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/kujtimiihoxha/vimtea"

	"github.com/kartoza/kartoza-pgql/internal/client"
	"github.com/kartoza/kartoza-pgql/internal/config"
	"github.com/kartoza/kartoza-pgql/internal/pipeline"
)

const (
	editorHeight    = 5
	maxColWidth     = 25
	olderEntryRows  = 5
	latestEntryRows = 15
)

// Asker sends a question to the query service
type Asker interface {
	Query(ctx context.Context, prompt string, maxLimit int) (*pipeline.Response, error)
}

// conversationScroll tracks the scroll position of the conversation, in
// lines counted up from the bottom
type conversationScroll struct {
	offset  int
	total   int
	visible int
}

func (s *conversationScroll) maxOffset() int {
	return max(s.total-s.visible, 0)
}

func (s *conversationScroll) by(lines int) {
	s.offset = min(max(s.offset+lines, 0), s.maxOffset())
}

// ConversationEntry is one question and its answer
type ConversationEntry struct {
	Prompt         string
	Answer         string
	Query          string
	Pipeline       string
	FallbackReason string
	Tables         []ResultTable
	Error          string
	Elapsed        time.Duration
	ShowQuery      bool
}

// QueryModel is the chat screen: an editor for questions and the
// conversation so far
type QueryModel struct {
	width       int
	height      int
	vimEditor   vimtea.Editor
	textArea    textarea.Model
	vimMode     bool
	spinner     spinner.Model
	loading     bool
	asker       Asker
	cfg         *config.Config
	appID       string
	history     []ConversationEntry
	error       string
	convScroll  conversationScroll
	selected    int
	focusEditor bool
}

// queryAnsweredMsg carries the server's answer to a question
type queryAnsweredMsg struct {
	prompt  string
	resp    *pipeline.Response
	err     error
	elapsed time.Duration
}

// NewQueryModel creates the chat screen
func NewQueryModel(asker Asker, cfg *config.Config, appID string) *QueryModel {
	vimMode := cfg != nil && cfg.Settings.VimModeEnabled

	ta := textarea.New()
	ta.Placeholder = "Ask a question about your data..."
	ta.ShowLineNumbers = false
	ta.SetHeight(editorHeight)
	ta.CharLimit = 0
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.FocusedStyle.Base = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorOrange)
	ta.BlurredStyle.Base = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorGray)
	ta.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(ColorOrange)

	return &QueryModel{
		vimEditor:   newVimEditor(),
		textArea:    ta,
		vimMode:     vimMode,
		spinner:     s,
		asker:       asker,
		cfg:         cfg,
		appID:       appID,
		selected:    -1,
		focusEditor: true,
	}
}

func newVimEditor() vimtea.Editor {
	return vimtea.NewEditor(
		vimtea.WithLineNumberStyle(lipgloss.NewStyle().Foreground(ColorGray).PaddingRight(1)),
		vimtea.WithCurrentLineNumberStyle(lipgloss.NewStyle().Foreground(ColorOrange).Bold(true).PaddingRight(1)),
		vimtea.WithTextStyle(lipgloss.NewStyle().Foreground(ColorWhite)),
		vimtea.WithStatusStyle(lipgloss.NewStyle().Foreground(ColorOrange).Background(lipgloss.Color("#1a1a1a")).Padding(0, 1)),
		vimtea.WithCursorStyle(lipgloss.NewStyle().Background(ColorOrange).Foreground(lipgloss.Color("#000000"))),
		vimtea.WithRelativeNumbers(false),
		vimtea.WithEnableStatusBar(false),
	)
}

func (m *QueryModel) editorWidth() int {
	return max(m.width-10, 40)
}

func (m *QueryModel) resizeEditor() tea.Cmd {
	if m.vimMode {
		updated, cmd := m.vimEditor.SetSize(m.editorWidth(), editorHeight)
		m.vimEditor = updated.(vimtea.Editor)
		return cmd
	}
	m.textArea.SetWidth(m.editorWidth())
	m.textArea.SetHeight(editorHeight)
	return nil
}

// Init initializes the editor
func (m *QueryModel) Init() tea.Cmd {
	var cmds []tea.Cmd
	if m.width > 0 {
		cmds = append(cmds, m.resizeEditor())
	}
	if m.vimMode {
		cmds = append(cmds, m.vimEditor.Init(), m.vimEditor.SetMode(vimtea.ModeInsert))
	} else {
		cmds = append(cmds, textarea.Blink)
	}
	return tea.Batch(cmds...)
}

func (m *QueryModel) editorText() string {
	if m.vimMode {
		return m.vimEditor.GetBuffer().Text()
	}
	return m.textArea.Value()
}

// SetInitialQuery puts text in the editor
func (m *QueryModel) SetInitialQuery(text string) {
	if m.vimMode {
		m.vimEditor.GetBuffer().InsertAt(0, 0, text)
	} else {
		m.textArea.SetValue(text)
	}
}

func (m *QueryModel) clearEditor() tea.Cmd {
	if m.vimMode {
		m.vimEditor = newVimEditor()
		return tea.Batch(m.vimEditor.Init(), m.resizeEditor(), m.vimEditor.SetMode(vimtea.ModeInsert))
	}
	m.textArea.Reset()
	m.textArea.Focus()
	return nil
}

var (
	keyRun         = key.NewBinding(key.WithKeys("ctrl+s"))
	keyHistory     = key.NewBinding(key.WithKeys("ctrl+h"))
	keyClear       = key.NewBinding(key.WithKeys("ctrl+l"))
	keyToggleQuery = key.NewBinding(key.WithKeys("ctrl+g"))
	keyEdit        = key.NewBinding(key.WithKeys("i", "enter"))
	keyScrollUp    = key.NewBinding(key.WithKeys("pgup", "k", "up"))
	keyScrollDown  = key.NewBinding(key.WithKeys("pgdown", "j", "down"))
	keyTop         = key.NewBinding(key.WithKeys("home", "g"))
	keyBottom      = key.NewBinding(key.WithKeys("end", "G"))
)

// Update handles messages for the chat screen
func (m *QueryModel) Update(msg tea.Msg) (*QueryModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, m.resizeEditor()

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case queryAnsweredMsg:
		m.loading = false
		m.record(msg)
		return m, m.clearEditor()

	case tea.MouseMsg:
		switch msg.Button {
		case tea.MouseButtonWheelUp:
			m.convScroll.by(3)
			return m, nil
		case tea.MouseButtonWheelDown:
			m.convScroll.by(-3)
			return m, nil
		}

	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}
		m.error = ""
	}

	if !m.focusEditor {
		return m, nil
	}
	if m.vimMode {
		updated, cmd := m.vimEditor.Update(msg)
		m.vimEditor = updated.(vimtea.Editor)
		return m, cmd
	}
	var cmd tea.Cmd
	m.textArea, cmd = m.textArea.Update(msg)
	return m, cmd
}

func (m *QueryModel) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch {
	case msg.Type == tea.KeyCtrlC:
		if m.loading {
			m.loading = false
			return nil, true
		}
		return tea.Quit, true

	case msg.Type == tea.KeyF1:
		return func() tea.Msg { return goToMenuMsg{} }, true

	case key.Matches(msg, keyHistory):
		return func() tea.Msg { return goToHistoryMsg{} }, true

	case key.Matches(msg, keyClear):
		m.history = nil
		m.selected = -1
		m.error = ""
		m.convScroll = conversationScroll{}
		return nil, true

	case key.Matches(msg, keyToggleQuery):
		if m.selected >= 0 && m.selected < len(m.history) {
			m.history[m.selected].ShowQuery = !m.history[m.selected].ShowQuery
		}
		return nil, true

	case key.Matches(msg, keyRun):
		prompt := strings.TrimSpace(m.editorText())
		if m.loading || prompt == "" {
			return nil, true
		}
		m.loading = true
		m.convScroll.offset = 0
		return tea.Batch(m.spinner.Tick, m.ask(prompt)), true

	case msg.Type == tea.KeyEscape && m.focusEditor:
		// vim needs escape to reach normal mode first
		if m.vimMode && m.vimEditor.GetMode().String() != "NORMAL" {
			return nil, false
		}
		m.focusEditor = false
		m.textArea.Blur()
		if len(m.history) > 0 && m.selected < 0 {
			m.selected = len(m.history) - 1
		}
		return nil, true
	}

	if m.focusEditor {
		return nil, false
	}
	return m.handleBrowseKey(msg), true
}

// handleBrowseKey handles keys while the conversation has focus
func (m *QueryModel) handleBrowseKey(msg tea.KeyMsg) tea.Cmd {
	switch {
	case key.Matches(msg, keyEdit):
		m.focusEditor = true
		if m.vimMode {
			return m.vimEditor.SetMode(vimtea.ModeInsert)
		}
		m.textArea.Focus()
		return nil

	case msg.Type == tea.KeyTab && len(m.history) > 0:
		m.selected = (m.selected + 1) % len(m.history)

	case msg.Type == tea.KeyShiftTab && len(m.history) > 0:
		m.selected = (m.selected - 1 + len(m.history)) % len(m.history)

	case key.Matches(msg, keyScrollUp):
		step := 1
		if msg.String() == "pgup" {
			step = m.convScroll.visible
		}
		m.convScroll.by(step)

	case key.Matches(msg, keyScrollDown):
		step := 1
		if msg.String() == "pgdown" {
			step = m.convScroll.visible
		}
		m.convScroll.by(-step)

	case key.Matches(msg, keyTop):
		m.convScroll.offset = m.convScroll.maxOffset()

	case key.Matches(msg, keyBottom):
		m.convScroll.offset = 0
	}
	return nil
}

func (m *QueryModel) maxLimit() int {
	if m.cfg == nil {
		return 0
	}
	return m.cfg.Settings.DefaultMaxLimit
}

// ask sends prompt to the server
func (m *QueryModel) ask(prompt string) tea.Cmd {
	asker := m.asker
	limit := m.maxLimit()
	return func() tea.Msg {
		if asker == nil {
			return queryAnsweredMsg{prompt: prompt, err: fmt.Errorf("not connected to a server")}
		}
		start := time.Now()
		resp, err := asker.Query(context.Background(), prompt, limit)
		return queryAnsweredMsg{prompt: prompt, resp: resp, err: err, elapsed: time.Since(start)}
	}
}

// record appends an answer to the conversation and the saved history
func (m *QueryModel) record(msg queryAnsweredMsg) {
	entry := ConversationEntry{Prompt: msg.prompt, Elapsed: msg.elapsed}
	hist := config.QueryHistoryEntry{
		Timestamp:     time.Now(),
		Prompt:        msg.prompt,
		AppID:         m.appID,
		ExecutionTime: float64(msg.elapsed.Microseconds()) / 1000,
	}

	if msg.err != nil {
		entry.Error = msg.err.Error()
		m.error = msg.err.Error()
		hist.ErrorMessage = msg.err.Error()
	} else {
		entry.Answer = msg.resp.Answer
		entry.Query = msg.resp.Query
		entry.Pipeline = msg.resp.Pipeline
		entry.FallbackReason = msg.resp.FallbackReason
		entry.Tables = Tabulate(msg.resp.Data)
		m.error = ""

		hist.GeneratedQL = msg.resp.Query
		hist.Pipeline = msg.resp.Pipeline
		hist.Success = msg.resp.Success
		GlobalAppState.QueryCount++
	}

	m.history = append(m.history, entry)
	m.selected = len(m.history) - 1

	if m.cfg != nil {
		m.cfg.AddQueryToHistory(hist)
		if err := m.cfg.Save(); err != nil {
			m.error = "Failed to save history: " + err.Error()
		}
	}
}

// View renders the chat screen
func (m *QueryModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	header := RenderHeader("Ask")
	helpText := "ctrl+s: ask • Esc: browse answers • ctrl+g: GraphQL • ctrl+h: history • F1: menu"
	if !m.focusEditor {
		helpText = "i/Enter: edit • j/k: scroll • Tab: select • ctrl+g: GraphQL • ctrl+l: clear • F1: menu"
	}
	footer := RenderHelpFooter(helpText, m.width)

	return LayoutWithHeaderFooter(header, m.renderContent(), footer, m.width, m.height)
}

func (m *QueryModel) renderContent() string {
	var sections []string
	convHeight := max(m.height-20, 10)

	switch {
	case m.loading:
		if len(m.history) > 0 {
			sections = append(sections, m.renderConversation(convHeight-3))
		}
		sections = append(sections, lipgloss.NewStyle().
			Width(m.width-10).
			Align(lipgloss.Center).
			Render(m.spinner.View()+" Generating and running query..."))
	case len(m.history) > 0:
		sections = append(sections, m.renderConversation(convHeight))
	default:
		sections = append(sections, m.renderWelcome(convHeight))
	}

	if m.error != "" && (len(m.history) == 0 || m.history[len(m.history)-1].Error != m.error) {
		sections = append(sections, ErrorStyle.Render(m.error))
	}

	sections = append(sections, "")
	if m.focusEditor {
		sections = append(sections, PromptStyle.Render("Ask your data:"))
	} else {
		sections = append(sections, InactiveStyle.Render("Ask your data (press i to edit):"))
	}

	borderColor := ColorGray
	if m.focusEditor {
		borderColor = ColorOrange
	}
	if m.vimMode {
		box := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(borderColor).
			Width(m.width-6).
			Padding(0, 1)
		sections = append(sections, box.Render(m.vimEditor.View()), m.renderVimStatusBar())
	} else {
		m.textArea.SetWidth(m.width - 10)
		sections = append(sections, m.textArea.View())
	}

	return lipgloss.JoinVertical(lipgloss.Center, sections...)
}

func (m *QueryModel) renderConversation(height int) string {
	youStyle := lipgloss.NewStyle().Foreground(ColorGray)
	promptStyle := lipgloss.NewStyle().Foreground(ColorOrange).Bold(true)
	answerStyle := lipgloss.NewStyle().Foreground(ColorWhite).Width(min(100, m.width-12))
	hintStyle := lipgloss.NewStyle().Foreground(ColorGray).Italic(true)
	queryBox := BoxStyle.Copy().
		BorderForeground(ColorCyan).
		Width(min(80, m.width-10)).
		Padding(0, 1)

	var lines []string
	for i, entry := range m.history {
		selected := i == m.selected
		if i > 0 {
			lines = append(lines,
				lipgloss.NewStyle().Foreground(ColorDarkGray).Render(strings.Repeat("─", min(60, m.width-20))),
				"")
		}

		prefix := "  "
		if selected {
			prefix = ActiveStyle.Render("▶ ")
		}
		lines = append(lines, prefix+youStyle.Render("You: ")+promptStyle.Render(entry.Prompt))

		if selected && entry.Query != "" {
			hint := "  [ctrl+g: show GraphQL]"
			if entry.ShowQuery {
				hint = "  [ctrl+g: hide GraphQL]"
			}
			lines = append(lines, hintStyle.Render(hint))
		}
		if entry.ShowQuery && entry.Query != "" {
			lines = append(lines, "", GraphQLStyle.Bold(true).Render("  GraphQL:"),
				queryBox.Render(GraphQLStyle.Render(entry.Query)))
		}

		if entry.Error != "" {
			lines = append(lines, "", "  "+ErrorStyle.Render("Error: "+entry.Error), "")
			continue
		}

		lines = append(lines, "", "  "+answerStyle.Render(entry.Answer))
		if entry.FallbackReason != "" {
			lines = append(lines, hintStyle.Render("  fallback: "+entry.FallbackReason))
		}

		rowLimit := olderEntryRows
		if i == len(m.history)-1 {
			rowLimit = latestEntryRows
		}
		for _, tbl := range entry.Tables {
			lines = append(lines, "")
			lines = append(lines, renderResultTable(tbl, rowLimit)...)
		}
		lines = append(lines, hintStyle.Render(fmt.Sprintf("  %s • %d rows • %.0fms",
			entry.Pipeline, RowCount(entry.Tables), float64(entry.Elapsed.Microseconds())/1000)), "")
	}

	all := strings.Split(strings.Join(lines, "\n"), "\n")
	m.convScroll.total = len(all)
	m.convScroll.visible = height
	m.convScroll.by(0)

	start := max(len(all)-height-m.convScroll.offset, 0)
	end := min(start+height, len(all))
	visible := strings.Join(all[start:end], "\n")

	if len(all) > height {
		visible += "\n" + hintStyle.Render(fmt.Sprintf(" ↑↓ scroll • lines %d-%d of %d", start+1, end, len(all)))
	}
	return visible
}

// renderResultTable lays out one result table, showing at most maxRows rows
func renderResultTable(tbl ResultTable, maxRows int) []string {
	label := lipgloss.NewStyle().Foreground(ColorBlue).Bold(true).Render("  " + tbl.Field)
	if len(tbl.Columns) == 0 {
		return []string{label, InactiveStyle.Italic(true).Render("  No rows returned")}
	}

	widths := make([]int, len(tbl.Columns))
	for i, col := range tbl.Columns {
		widths[i] = len([]rune(col))
	}
	for _, row := range tbl.Rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len([]rune(cell)))
		}
	}
	for i := range widths {
		widths[i] = min(widths[i], maxColWidth)
	}

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(ColorOrange)
	sepStyle := lipgloss.NewStyle().Foreground(ColorGray)
	rowStyle := lipgloss.NewStyle().Foreground(ColorWhite)

	cells := make([]string, len(tbl.Columns))
	seps := make([]string, len(tbl.Columns))
	for i, col := range tbl.Columns {
		cells[i] = headerStyle.Render(padOrTruncate(col, widths[i]))
		seps[i] = strings.Repeat("─", widths[i])
	}
	lines := []string{label, "  " + strings.Join(cells, " │ "), "  " + sepStyle.Render(strings.Join(seps, "─┼─"))}

	shown := min(len(tbl.Rows), maxRows)
	for _, row := range tbl.Rows[:shown] {
		out := make([]string, len(row))
		for i, cell := range row {
			out[i] = padOrTruncate(cell, widths[i])
		}
		lines = append(lines, "  "+rowStyle.Render(strings.Join(out, " │ ")))
	}
	if len(tbl.Rows) > shown {
		lines = append(lines, InactiveStyle.Italic(true).Render(fmt.Sprintf("  ... and %d more rows", len(tbl.Rows)-shown)))
	}
	return lines
}

func (m *QueryModel) renderVimStatusBar() string {
	mode := m.vimEditor.GetMode().String()

	modeColor := ColorGray
	switch mode {
	case "NORMAL":
		modeColor = ColorBlue
	case "INSERT":
		modeColor = ColorGreen
	case "VISUAL":
		modeColor = ColorOrange
	case "COMMAND":
		modeColor = ColorCyan
	}

	modeSection := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#000000")).
		Background(modeColor).
		Bold(true).
		Padding(0, 1).
		Render(mode)

	info := fmt.Sprintf("%d lines  i:insert  esc:normal  ctrl+s:ask", m.vimEditor.GetBuffer().LineCount())
	infoSection := lipgloss.NewStyle().
		Foreground(ColorWhite).
		Background(ColorDarkGray).
		Padding(0, 1).
		Render(info)

	padding := max(m.width-8-lipgloss.Width(modeSection)-lipgloss.Width(infoSection), 0)
	return modeSection + lipgloss.NewStyle().Background(ColorDarkGray).Render(strings.Repeat(" ", padding)) + infoSection
}

func (m *QueryModel) renderWelcome(height int) string {
	tablesInfo := "Tables: -"
	if GlobalAppState.Connected {
		tablesInfo = fmt.Sprintf("App: %s • Role: %s • Tables: %d", GlobalAppState.AppID, GlobalAppState.Role, GlobalAppState.TablesCount)
		if GlobalAppState.Restricted {
			tablesInfo += " (restricted)"
		}
	}

	examples := []string{
		"• \"How many users are there?\"",
		"• \"Show me the first 10 orders\"",
		"• \"List products sorted by price\"",
		"• \"What is the average order total?\"",
	}
	examplesBox := BoxStyle.Copy().
		BorderForeground(ColorGray).
		Width(50).
		Padding(1, 2).
		Render(lipgloss.JoinVertical(lipgloss.Left,
			TitleStyle.Render("Example questions:"),
			"",
			InactiveStyle.Render(strings.Join(examples, "\n")),
		))

	content := lipgloss.JoinVertical(lipgloss.Center,
		TitleStyle.Render("Ask your GraphQL data"),
		"",
		InactiveStyle.Italic(true).Render("Questions are answered through the server's query pipeline"),
		"",
		lipgloss.NewStyle().Foreground(ColorBlue).Render(tablesInfo),
		"",
		"",
		examplesBox,
	)

	return lipgloss.NewStyle().
		Width(m.width-10).
		Height(height).
		Align(lipgloss.Center, lipgloss.Center).
		Render(content)
}

var _ Asker = (*client.Client)(nil)
