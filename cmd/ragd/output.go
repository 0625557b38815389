package main

import (
	"fmt"
	"os"
)

// ANSI SGR codes used by the CLI. Color is suppressed by --no-color or by
// the NO_COLOR environment convention.
const (
	sgrBold   = "1"
	sgrRed    = "31"
	sgrGreen  = "32"
	sgrYellow = "33"
	sgrCyan   = "36"
)

func colorEnabled() bool {
	if noColor {
		return false
	}
	_, disabled := os.LookupEnv("NO_COLOR")
	return !disabled
}

func paint(code, text string) string {
	if !colorEnabled() {
		return text
	}
	return "\033[" + code + "m" + text + "\033[0m"
}

func bold(text string) string { return paint(sgrBold, text) }
func cyan(text string) string { return paint(sgrCyan, text) }

// Status lines go to stderr so command output on stdout stays pipeable.

func printSuccess(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", paint(sgrGreen, "ok"), fmt.Sprintf(format, args...))
}

func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", paint(sgrRed, "error:"), fmt.Sprintf(format, args...))
}

func printWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", paint(sgrYellow, "warning:"), fmt.Sprintf(format, args...))
}

func printStatus(label, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", bold(label+":"), fmt.Sprintf(format, args...))
}
