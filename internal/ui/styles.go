// Package ui holds terminal presentation helpers for loomd output.
package ui

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// ANSI256 color codes for loomd terminal output.
const (
	colorAccent = 74  // blue, headings and notable values
	colorName   = 250 // light gray, realm/policy/rule names
	colorMuted  = 245 // medium gray, reasons and secondary detail
	colorDeny   = 167 // red, denied decisions
)

var noColor bool

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", colorAccent, s)
}

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", colorMuted, s)
}

// RenderCommand returns s styled as a name (light gray).
func RenderCommand(s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", colorName, s)
}

// RenderDeny returns s in the deny (red) color.
func RenderDeny(s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", colorDeny, s)
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}

// ShouldUseColor decides whether loomd output gets ANSI colors, honoring
// NO_COLOR (https://no-color.org), CLICOLOR_FORCE, and CLICOLOR before
// falling back to TTY detection on stdout.
func ShouldUseColor() bool {
	switch {
	case os.Getenv("NO_COLOR") != "":
		return false
	case strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")) == "1":
		return true
	case strings.TrimSpace(os.Getenv("CLICOLOR")) == "0":
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}
