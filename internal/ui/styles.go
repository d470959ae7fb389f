// Package ui renders styled terminal output for the bsync CLI.
package ui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1d4ed8", Dark: "#60a5fa"}).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#15803d", Dark: "#4ade80"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#b45309", Dark: "#fbbf24"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#b91c1c", Dark: "#f87171"}).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6b7280", Dark: "#9ca3af"})
	labelStyle  = lipgloss.NewStyle().Bold(true)
)

// colorEnabled is false when stdout is not a terminal or NO_COLOR is set.
var colorEnabled = term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == ""

func render(style lipgloss.Style, s string) string {
	if !colorEnabled {
		return s
	}
	return style.Render(s)
}

// RenderAccent highlights headings.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderPass marks success.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn marks conditions that need attention.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail marks errors.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderMuted de-emphasizes secondary details.
func RenderMuted(s string) string { return render(mutedStyle, s) }

// KeyValues formats pairs as aligned "label: value" lines, one per pair.
// pairs alternates labels and values.
func KeyValues(pairs ...string) string {
	width := 0
	for i := 0; i < len(pairs); i += 2 {
		width = max(width, lipgloss.Width(pairs[i]))
	}

	var b strings.Builder
	for i := 0; i+1 < len(pairs); i += 2 {
		label := pairs[i] + ":" + strings.Repeat(" ", width-lipgloss.Width(pairs[i])+1)
		fmt.Fprintf(&b, "   %s%s\n", render(labelStyle, label), pairs[i+1])
	}
	return b.String()
}

// Ago formats t relative to now, e.g. "3m ago". The zero time is "never".
func Ago(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
