// Package watch implements the registry watch TUI: live agents, clients and
// sessions fed by the registry service's event stream.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	// Session and event states
	StatusOK     lipgloss.Style
	StatusFailed lipgloss.Style
	StatusDead   lipgloss.Style

	// Member kinds
	Agent  lipgloss.Style
	Client lipgloss.Style

	// UI elements
	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	// Activity dots
	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")
	green := lipgloss.Color("#00FF00")

	return Theme{
		StatusOK:     lipgloss.NewStyle().Foreground(green),
		StatusFailed: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusDead:   lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),

		Agent:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")),
		Client: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#C678DD")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		TickerActive:   lipgloss.NewStyle().Foreground(green),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}
