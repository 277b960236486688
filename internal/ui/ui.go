// Package ui holds the terminal styling helpers shared by the kin
// commands. Styling degrades to plain text when stdout is not a
// terminal, so scripted invocations stay parseable.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	keyStyle     = lipgloss.NewStyle().Bold(true)
)

// Interactive reports whether stdout is a terminal with color support.
func Interactive() bool {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return termenv.EnvColorProfile() != termenv.Ascii
}

func render(style lipgloss.Style, s string) string {
	if !Interactive() {
		return s
	}
	return style.Render(s)
}

// Title renders a section heading.
func Title(s string) string { return render(titleStyle, s) }

// Success renders a positive outcome.
func Success(s string) string { return render(successStyle, s) }

// Warn renders a caution.
func Warn(s string) string { return render(warnStyle, s) }

// Error renders a failure.
func Error(s string) string { return render(errorStyle, s) }

// Muted renders secondary detail.
func Muted(s string) string { return render(mutedStyle, s) }

// KeyValues renders aligned "key: value" lines.
func KeyValues(pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		if len(p[0]) > width {
			width = len(p[0])
		}
	}

	var b strings.Builder
	for _, p := range pairs {
		key := fmt.Sprintf("%-*s", width, p[0])
		fmt.Fprintf(&b, "%s  %s\n", render(keyStyle, key), p[1])
	}
	return b.String()
}
