// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui holds small terminal-output helpers shared by the CLI
// commands: color toggling and consistent status glyphs.
package ui

import (
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	// Success renders green text, used for completed operations.
	Success = color.New(color.FgGreen)
	// Warning renders yellow text, used for conflicts and retries.
	Warning = color.New(color.FgYellow)
	// Failure renders red text, used for failed operations.
	Failure = color.New(color.FgRed)
	// Info renders cyan text, used for progress/status lines.
	Info = color.New(color.FgCyan)
)

// InitColors disables color output when noColor is set, NO_COLOR is
// present in the environment, or stdout is not a terminal.
func InitColors(noColor bool) {
	if noColor || os.Getenv("NO_COLOR") != "" || !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
}

// Glyph returns a short status marker for the given operation status.
func Glyph(status string) string {
	switch status {
	case "completed":
		return Success.Sprint("✓")
	case "failed":
		return Failure.Sprint("✗")
	case "in_progress":
		return Info.Sprint("…")
	case "cancelled":
		return Warning.Sprint("–")
	default:
		return "·"
	}
}
