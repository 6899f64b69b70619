package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// ========================================
// Brand Colors - Kartoza standard palette
// ========================================

var (
	ColorOrange   = lipgloss.Color("#DDA036") // Primary/Active
	ColorBlue     = lipgloss.Color("#569FC6") // Secondary/Links
	ColorGray     = lipgloss.Color("#9A9EA0") // Inactive/Subtle
	ColorWhite    = lipgloss.Color("#FFFFFF") // Text
	ColorDarkGray = lipgloss.Color("#3A3A3A") // Background
	ColorRed      = lipgloss.Color("#E95420") // Error
	ColorGreen    = lipgloss.Color("#4CAF50") // Success
	ColorCyan     = lipgloss.Color("#00BCD4") // GraphQL
)

// HeaderWidth is the standard width for the header
const HeaderWidth = 64

// AppState is the session state shown in every header
type AppState struct {
	Connected   bool
	AppID       string
	Role        string
	TablesCount int
	Restricted  bool
	QueryCount  int
	Status      string
	BlinkOn     bool
}

// GlobalAppState is updated by the main app model
var GlobalAppState = &AppState{
	Status:  "Ready",
	BlinkOn: true,
}

// RenderHeader renders the application header shared by all pages
//
//	Kartoza PGQL - Page Title
//	Natural Language GraphQL Interface
//	────────────────────────────────────────────────────────────────
//	App: reports | Role: read | Tables: 12 | Queries: 3
//	────────────────────────────────────────────────────────────────
func RenderHeader(pageTitle string) string {
	centered := lipgloss.NewStyle().Align(lipgloss.Center).Width(HeaderWidth)

	title := centered.Bold(true).Foreground(ColorOrange).
		Render(fmt.Sprintf("Kartoza PGQL - %s", pageTitle))
	motto := centered.Italic(true).Foreground(ColorGray).
		Render("Natural Language GraphQL Interface")
	divider := centered.Foreground(ColorGray).
		Render(strings.Repeat("─", HeaderWidth))

	appLabel := "Not connected"
	appColor := ColorGray
	if GlobalAppState.Connected {
		appLabel = GlobalAppState.AppID
		appColor = ColorGreen
	}
	indicator := " "
	if GlobalAppState.Connected && GlobalAppState.BlinkOn {
		indicator = "●"
	}
	appStyled := lipgloss.NewStyle().Foreground(appColor).Bold(GlobalAppState.Connected).
		Render(indicator + " " + appLabel)

	role := "-"
	if GlobalAppState.Role != "" {
		role = GlobalAppState.Role
	}
	tables := "-"
	if GlobalAppState.Connected {
		tables = fmt.Sprintf("%d", GlobalAppState.TablesCount)
		if GlobalAppState.Restricted {
			tables += "*"
		}
	}

	status := centered.Foreground(ColorWhite).Render(fmt.Sprintf("App: %s | Role: %s | Tables: %s | Queries: %d",
		appStyled, role, tables, GlobalAppState.QueryCount))

	return lipgloss.JoinVertical(lipgloss.Center, title, motto, divider, status, divider)
}

// RenderHelpFooter renders the help line at the bottom of the screen
func RenderHelpFooter(helpText string, width int) string {
	helpStyle := lipgloss.NewStyle().
		Foreground(ColorGray).
		Italic(true)

	return lipgloss.NewStyle().
		Width(width).
		Align(lipgloss.Center).
		Render(helpStyle.Render(helpText))
}

// LayoutWithHeaderFooter places the header at the top, the footer at the
// bottom and the content top-aligned in between
func LayoutWithHeaderFooter(header, content, footer string, width, height int) string {
	centeredHeader := lipgloss.PlaceHorizontal(width, lipgloss.Center, header)
	centeredContent := lipgloss.PlaceHorizontal(width, lipgloss.Center, content)
	centeredFooter := lipgloss.PlaceHorizontal(width, lipgloss.Center, footer)

	contentAreaHeight := height - lipgloss.Height(centeredHeader) - lipgloss.Height(centeredFooter) - 2
	if contentAreaHeight < 1 {
		contentAreaHeight = 1
	}
	contentArea := lipgloss.Place(width, contentAreaHeight, lipgloss.Center, lipgloss.Top, centeredContent)

	return lipgloss.JoinVertical(lipgloss.Left, centeredHeader, "", contentArea, centeredFooter)
}

// ========================================
// Common Styles
// ========================================

var BoxStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(ColorOrange).
	Padding(1, 2)

var TitleStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorOrange)

var LabelStyle = lipgloss.NewStyle().
	Foreground(ColorGray)

var ValueStyle = lipgloss.NewStyle().
	Foreground(ColorWhite)

var ActiveStyle = lipgloss.NewStyle().
	Foreground(ColorOrange).
	Bold(true)

var InactiveStyle = lipgloss.NewStyle().
	Foreground(ColorGray)

var ErrorStyle = lipgloss.NewStyle().
	Foreground(ColorRed).
	Bold(true)

var SuccessStyle = lipgloss.NewStyle().
	Foreground(ColorGreen).
	Bold(true)

// GraphQLStyle renders generated queries
var GraphQLStyle = lipgloss.NewStyle().
	Foreground(ColorCyan)

var PromptStyle = lipgloss.NewStyle().
	Foreground(ColorOrange).
	Bold(true)

// ========================================
// Text helpers
// ========================================

// padRight pads s with spaces to width runes
func padRight(s string, width int) string {
	n := len([]rune(s))
	if n >= width {
		return s
	}
	return s + strings.Repeat(" ", width-n)
}

// truncateStr shortens s to width runes, marking the cut with an ellipsis
func truncateStr(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width <= 1 {
		return string(r[:width])
	}
	return string(r[:width-1]) + "…"
}

// padOrTruncate fits s to exactly width runes
func padOrTruncate(s string, width int) string {
	return padRight(truncateStr(s, width), width)
}

// boxTable draws bordered tables with fixed column widths
type boxTable struct {
	widths []int
	border lipgloss.Style
}

func newBoxTable(widths ...int) boxTable {
	return boxTable{widths: widths, border: lipgloss.NewStyle().Foreground(ColorOrange)}
}

func (t boxTable) rule(left, mid, right string) string {
	parts := make([]string, len(t.widths))
	for i, w := range t.widths {
		parts[i] = strings.Repeat("─", w)
	}
	return t.border.Render(left + strings.Join(parts, mid) + right)
}

func (t boxTable) top() string    { return t.rule("┌", "┬", "┐") }
func (t boxTable) middle() string { return t.rule("├", "┼", "┤") }
func (t boxTable) bottom() string { return t.rule("└", "┴", "┘") }

// row joins cells that are already padded to their column widths
func (t boxTable) row(cells ...string) string {
	bar := t.border.Render("│")
	return bar + strings.Join(cells, bar) + bar
}

func (t boxTable) header(titles ...string) string {
	style := lipgloss.NewStyle().Foreground(ColorOrange).Bold(true)
	cells := make([]string, len(titles))
	for i, title := range titles {
		cells[i] = style.Render(padRight(" "+title, t.widths[i]))
	}
	return t.row(cells...)
}

// cell pads text to column i, leaving a one-space margin, and styles it
func (t boxTable) cell(i int, text string, style lipgloss.Style) string {
	return style.Render(padRight(" "+truncateStr(text, t.widths[i]-2), t.widths[i]))
}

// selectorCell is the three-column marker cell shared by list screens
func selectorCell(selected bool, icon string) string {
	selector := " "
	if selected {
		selector = ActiveStyle.Render("▶")
	}
	return selector + icon + " "
}
