package tui

import (
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const splashLogo = `██████╗  ██████╗  ██████╗ ██╗
██╔══██╗██╔════╝ ██╔═══██╗██║
██████╔╝██║  ███╗██║   ██║██║
██╔═══╝ ██║   ██║██║▄▄ ██║██║
██║     ╚██████╔╝╚██████╔╝███████╗
╚═╝      ╚═════╝  ╚══▀▀═╝ ╚══════╝`

// SplashModel is a short full-screen logo that reveals itself line by line
type SplashModel struct {
	width    int
	height   int
	caption  string
	duration time.Duration
	start    time.Time
	progress float64
	done     bool
}

type splashTickMsg time.Time

// NewSplashModel creates a splash screen shown for duration
func NewSplashModel(duration time.Duration, caption string) *SplashModel {
	return &SplashModel{duration: duration, caption: caption}
}

func splashTick() tea.Cmd {
	return tea.Tick(33*time.Millisecond, func(t time.Time) tea.Msg {
		return splashTickMsg(t)
	})
}

// Init starts the animation clock
func (m *SplashModel) Init() tea.Cmd {
	m.start = time.Now()
	return splashTick()
}

// Update advances the animation; any key skips it
func (m *SplashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tea.KeyMsg:
		m.done = true
		return m, tea.Quit
	case splashTickMsg:
		m.progress = float64(time.Time(msg).Sub(m.start)) / float64(m.duration)
		if m.progress >= 1 {
			m.done = true
			return m, tea.Quit
		}
		return m, splashTick()
	}
	return m, nil
}

// View renders the part of the logo revealed so far
func (m *SplashModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	lines := strings.Split(splashLogo, "\n")
	shown := int(easeInOutCubic(min(m.progress*2, 1)) * float64(len(lines)))
	for i := shown; i < len(lines); i++ {
		lines[i] = ""
	}

	logo := lipgloss.NewStyle().Foreground(ColorOrange).Bold(true).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Center,
		logo,
		"",
		lipgloss.NewStyle().Foreground(ColorBlue).Render("Kartoza"),
		InactiveStyle.Italic(true).Render(m.caption),
	)
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, content)
}

// IsDone reports whether the splash has finished
func (m *SplashModel) IsDone() bool {
	return m.done
}

func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - (-2*t+2)*(-2*t+2)*(-2*t+2)/2
}

func runSplash(duration time.Duration, caption string) error {
	_, err := tea.NewProgram(NewSplashModel(duration, caption), tea.WithAltScreen()).Run()
	return err
}

// ShowSplashScreen displays the start-up splash
func ShowSplashScreen(duration time.Duration) error {
	return runSplash(duration, "Natural Language GraphQL Interface")
}

// ShowExitSplashScreen displays the goodbye splash
func ShowExitSplashScreen(duration time.Duration) error {
	return runSplash(duration, "Thanks for asking. Goodbye!")
}
