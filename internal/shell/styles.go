package shell

import "github.com/charmbracelet/lipgloss"

var (
	colorPrimary = lipgloss.Color("#1565C0")
	colorMuted   = lipgloss.Color("#78909C")
	colorError   = lipgloss.Color("#E53935")
	colorSuccess = lipgloss.Color("#43A047")
	colorWarning = lipgloss.Color("#FFB300")
)

// Styles holds the lipgloss styles used by the shell.
type Styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Error   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Help    lipgloss.Style
	Box     lipgloss.Style
	Spinner lipgloss.Style
}

// DefaultStyles returns the shell's default look.
func DefaultStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(colorPrimary),
		Label:   lipgloss.NewStyle().Bold(true),
		Muted:   lipgloss.NewStyle().Foreground(colorMuted),
		Error:   lipgloss.NewStyle().Foreground(colorError),
		Success: lipgloss.NewStyle().Bold(true).Foreground(colorSuccess),
		Warning: lipgloss.NewStyle().Foreground(colorWarning),
		Help:    lipgloss.NewStyle().Foreground(colorMuted).Italic(true),
		Box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPrimary).
			Padding(1, 2),
		Spinner: lipgloss.NewStyle().Foreground(colorPrimary),
	}
}
