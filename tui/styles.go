// Package tui implements the terminal run monitor: a live table of
// recent runs with state, progress and retry counters.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fallpaper/fallpaper"
)

// Color palette.
var (
	ColorPrimary    = lipgloss.Color("#7D56F4")
	ColorSecondary  = lipgloss.Color("#6C757D")
	ColorSuccess    = lipgloss.Color("#28A745")
	ColorWarning    = lipgloss.Color("#FFC107")
	ColorError      = lipgloss.Color("#DC3545")
	ColorInfo       = lipgloss.Color("#17A2B8")
	ColorMuted      = lipgloss.Color("#6C757D")
	ColorForeground = lipgloss.Color("#CDD6F4")
)

// Status indicator symbols.
const (
	SymbolSuccess    = "✓"
	SymbolError      = "✗"
	SymbolCancelled  = "⊘"
	SymbolInProgress = "⟳"
	SymbolPending    = "○"
)

// Styles provides consistent styling across the monitor.
type Styles struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style

	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Muted   lipgloss.Style

	TableHeader lipgloss.Style
	TableRow    lipgloss.Style

	Help lipgloss.Style
}

// DefaultStyles returns the default style configuration.
func DefaultStyles() *Styles {
	return &Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			MarginBottom(1),

		Subtitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorForeground),

		Success: lipgloss.NewStyle().Foreground(ColorSuccess),
		Error:   lipgloss.NewStyle().Foreground(ColorError),
		Warning: lipgloss.NewStyle().Foreground(ColorWarning),
		Info:    lipgloss.NewStyle().Foreground(ColorInfo),
		Muted:   lipgloss.NewStyle().Foreground(ColorMuted),

		TableHeader: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(ColorSecondary),

		TableRow: lipgloss.NewStyle().
			Foreground(ColorForeground),

		Help: lipgloss.NewStyle().Foreground(ColorMuted),
	}
}

// StateIcon returns a styled status icon for a run state.
func (s *Styles) StateIcon(state fallpaper.RunState) string {
	switch state {
	case fallpaper.RunCompleted:
		return s.Success.Render(SymbolSuccess)
	case fallpaper.RunFailed:
		return s.Error.Render(SymbolError)
	case fallpaper.RunCancelled:
		return s.Warning.Render(SymbolCancelled)
	case fallpaper.RunRunning:
		return s.Info.Render(SymbolInProgress)
	default:
		return s.Muted.Render(SymbolPending)
	}
}

// FormatDuration formats a duration into a short human-readable string.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
