// Package theme holds the shared terminal palette and the styles for turn
// phases, transcript roles and the approval banner.
package theme

import "github.com/charmbracelet/lipgloss"

// Color palette - dark theme inspired by Catppuccin Mocha
var (
	ColorBase     = lipgloss.Color("#1e1e2e")
	ColorSurface0 = lipgloss.Color("#313244")
	ColorOverlay0 = lipgloss.Color("#6c7086")
	ColorText     = lipgloss.Color("#cdd6f4")
	ColorSubtext0 = lipgloss.Color("#a6adc8")

	ColorRed      = lipgloss.Color("#f38ba8")
	ColorGreen    = lipgloss.Color("#a6e3a1")
	ColorYellow   = lipgloss.Color("#f9e2af")
	ColorBlue     = lipgloss.Color("#89b4fa")
	ColorMauve    = lipgloss.Color("#cba6f7")
	ColorTeal     = lipgloss.Color("#94e2d5")
	ColorPeach    = lipgloss.Color("#fab387")
	ColorLavender = lipgloss.Color("#b4befe")
)

// Turn phase indicators.
var (
	PhaseIdle         = lipgloss.NewStyle().Foreground(ColorGreen).Bold(true).SetString("● idle")
	PhaseStarting     = lipgloss.NewStyle().Foreground(ColorBlue).Bold(true).SetString("◌ starting")
	PhaseBusy         = lipgloss.NewStyle().Foreground(ColorYellow).Bold(true).SetString("◉ working")
	PhaseInterrupting = lipgloss.NewStyle().Foreground(ColorPeach).Bold(true).SetString("◍ interrupting")
)

// PhaseIndicator returns the styled indicator for a turn phase name.
func PhaseIndicator(phase string) string {
	switch phase {
	case "starting":
		return PhaseStarting.String()
	case "busy":
		return PhaseBusy.String()
	case "interrupting":
		return PhaseInterrupting.String()
	default:
		return PhaseIdle.String()
	}
}

// Transcript role styles.
var (
	UserStyle      = lipgloss.NewStyle().Foreground(ColorMauve).Bold(true)
	AgentStyle     = lipgloss.NewStyle().Foreground(ColorText)
	ReasoningStyle = lipgloss.NewStyle().Foreground(ColorOverlay0).Italic(true)
	CommandStyle   = lipgloss.NewStyle().Foreground(ColorTeal)
	ErrorStyle     = lipgloss.NewStyle().Foreground(ColorRed).Bold(true)
	MutedStyle     = lipgloss.NewStyle().Foreground(ColorSubtext0)
	LiveStyle      = lipgloss.NewStyle().Foreground(ColorLavender)
)

// Layout styles.
var (
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBase).
			Background(ColorBlue).
			Padding(0, 1)

	ApprovalBannerStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(ColorPeach).
				Padding(0, 1)

	StatusBarStyle = lipgloss.NewStyle().
			Foreground(ColorSubtext0).
			Background(ColorSurface0).
			Padding(0, 1)
)
