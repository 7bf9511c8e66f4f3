package cmd

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// palette styles CLI output. Colors are dropped when out is not a terminal.
type palette struct {
	title lipgloss.Style
	name  lipgloss.Style
	muted lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	fail  lipgloss.Style
}

func newPalette(out io.Writer) palette {
	r := lipgloss.NewRenderer(out)
	return palette{
		title: r.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED")),
		name:  r.NewStyle().Bold(true),
		muted: r.NewStyle().Foreground(lipgloss.Color("#6B7280")),
		ok:    r.NewStyle().Foreground(lipgloss.Color("#10B981")),
		warn:  r.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
		fail:  r.NewStyle().Foreground(lipgloss.Color("#EF4444")),
	}
}
