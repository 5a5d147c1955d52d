// Package colors provides the palette used by the CLI output.
//
// Colors are disabled when stdout is not a terminal. Use Init to override
// that from CLI flags.
package colors

import (
	"fmt"

	"github.com/fatih/color"
)

// Init overrides the auto-detected color setting when forceColor is non-nil.
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

// Enabled returns true if colors are currently enabled.
func Enabled() bool {
	return !color.NoColor
}

var (
	header  = color.New(color.Bold, color.FgHiWhite)
	dylib   = color.New(color.FgHiMagenta)
	symbol  = color.New(color.FgHiCyan)
	address = color.New(color.FgHiBlue)
	faint   = color.New(color.Faint)
	ok      = color.New(color.Bold, color.FgHiGreen)
	warn    = color.New(color.Bold, color.FgHiYellow)
	fail    = color.New(color.Bold, color.FgHiRed)
)

// Header formats a section title.
func Header(format string, a ...any) string { return header.Sprintf(format, a...) }

// Dylib formats an install name.
func Dylib(name string) string { return dylib.Sprint(name) }

// Symbol formats a symbol name.
func Symbol(name string) string { return symbol.Sprint(name) }

// Addr formats an address as %#x, zero padded to width digits when given.
func Addr(addr uint64, width ...int) string {
	if len(width) > 0 {
		return address.Sprintf("%#0*x", width[0], addr)
	}
	return address.Sprintf("%#x", addr)
}

// Faint formats secondary detail.
func Faint(format string, a ...any) string { return faint.Sprintf(format, a...) }

// Status formats a dylib outcome.
func Status(failed bool) string {
	if failed {
		return fail.Sprint("FAILED")
	}
	return ok.Sprint("ok")
}

// Warn formats a count of non-fatal problems, or nothing when n is zero.
func Warn(n int, what string) string {
	if n == 0 {
		return ""
	}
	return warn.Sprint(fmt.Sprintf("%d %s", n, what))
}

// Error formats an error message.
func Error(err error) string { return fail.Sprint(err.Error()) }
