package cli

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Bold(true)
)

func printLine(w io.Writer, style lipgloss.Style, symbol, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", style.Render(symbol), fmt.Sprintf(format, args...))
}

func printSuccess(w io.Writer, format string, args ...any) {
	printLine(w, successStyle, "✓", format, args...)
}

func printWarn(w io.Writer, format string, args ...any) {
	printLine(w, warnStyle, "!", format, args...)
}

func printError(w io.Writer, format string, args ...any) {
	printLine(w, errorStyle, "✗", format, args...)
}

func printInfo(w io.Writer, format string, args ...any) {
	printLine(w, infoStyle, "→", format, args...)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
