// Package termcolor provides simple ANSI terminal color output for
// rhpman-sim's CLI, gating on a real TTY check (mattn/go-isatty) and
// wrapping stdout for Windows ANSI passthrough (mattn/go-colorable)
// instead of hand-rolling either.
//
// Inspired by the API of github.com/fatih/color (MIT License).
package termcolor

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const (
	reset  = "\033[0m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	faint  = "\033[2m"
)

var (
	ttyOnce   sync.Once
	ttyResult bool
)

// isColorEnabled reports whether color output should be used.
// Disabled when stdout is not a terminal or NO_COLOR env is set.
func isColorEnabled() bool {
	ttyOnce.Do(func() {
		if os.Getenv("NO_COLOR") != "" {
			return
		}
		fd := os.Stdout.Fd()
		ttyResult = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	})
	return ttyResult
}

// writer wraps the current os.Stdout with colorable's ANSI passthrough
// so escape codes render on Windows consoles too. Resolved per call
// (not cached) so tests that redirect os.Stdout still see their pipe.
func writer() io.Writer {
	return colorable.NewColorable(os.Stdout)
}

// Green prints a green-colored line to stdout (appends newline).
func Green(format string, a ...any) {
	printLine(green, format, a...)
}

// Red prints a red-colored line to stdout (appends newline).
func Red(format string, a ...any) {
	printLine(red, format, a...)
}

// Yellow prints a yellow-colored line to stdout (appends newline).
func Yellow(format string, a ...any) {
	printLine(yellow, format, a...)
}

// Faint prints faint/dim text to stdout (no newline appended - Printf style).
func Faint(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if isColorEnabled() {
		fmt.Fprint(writer(), faint+msg+reset)
	} else {
		fmt.Fprint(writer(), msg)
	}
}

func printLine(code, format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if isColorEnabled() {
		fmt.Fprintf(writer(), "%s%s%s\n", code, msg, reset)
	} else {
		fmt.Fprintln(writer(), msg)
	}
}
