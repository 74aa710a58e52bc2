package main

import "github.com/charmbracelet/lipgloss"

// Palette mirrors the muted, dark-terminal-friendly scheme used by
// the rest of the pack's operator tooling.
var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(purple)
	okStyle     = lipgloss.NewStyle().Foreground(green)
	errStyle    = lipgloss.NewStyle().Foreground(red)
	warnStyle   = lipgloss.NewStyle().Foreground(yellow)
	labelStyle  = lipgloss.NewStyle().Foreground(dim)
)

func statusColor(s string) string {
	switch s {
	case "AVAILABLE":
		return okStyle.Render(s)
	case "DEAD":
		return errStyle.Render(s)
	case "UNAVAILABLE", "EVACUATING", "FULL":
		return warnStyle.Render(s)
	default:
		return s
	}
}
