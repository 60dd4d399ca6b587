package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	accentColor = lipgloss.Color("99")
	okColor     = lipgloss.Color("76")
	failColor   = lipgloss.Color("204")
	mutedColor  = lipgloss.Color("243")
	borderColor = lipgloss.Color("238")

	accent = lipgloss.NewStyle().Foreground(accentColor)
	ok     = lipgloss.NewStyle().Foreground(okColor)
	fail   = lipgloss.NewStyle().Foreground(failColor)
	muted  = lipgloss.NewStyle().Foreground(mutedColor)
	bold   = lipgloss.NewStyle().Bold(true)
)

func Accent(s string) string { return accent.Render(s) }
func Bold(s string) string   { return bold.Render(s) }
func Muted(s string) string  { return muted.Render(s) }

// Bool renders v as a colored yes or no.
func Bool(v bool) string {
	if v {
		return ok.Render("yes")
	}
	return fail.Render("no")
}

// Dash renders s, or a muted "-" when s is blank.
func Dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return Muted("-")
	}
	return s
}

func status(mark lipgloss.Style, symbol, format string, a []any) string {
	return mark.Render(symbol) + " " + fmt.Sprintf(format, a...)
}

func SuccessMsg(format string, a ...any) string { return status(ok, "✓", format, a) }
func ErrorMsg(format string, a ...any) string   { return status(fail, "✗", format, a) }
func InfoMsg(format string, a ...any) string    { return status(accent, "●", format, a) }

// Pair is one line of KeyValues output.
type Pair struct{ key, value string }

func KV(key, value string) Pair { return Pair{key: key, value: value} }

// KeyValues renders one "key: value" line per pair with the values aligned.
func KeyValues(indent string, pairs ...Pair) string {
	width := 0
	for _, p := range pairs {
		width = max(width, len(p.key)+1)
	}
	var sb strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&sb, "%s%s %s\n", indent, muted.Render(fmt.Sprintf("%-*s", width, p.key+":")), p.value)
	}
	return sb.String()
}

// Table renders rows under a bold header inside a rounded border.
func Table(headers []string, rows [][]string) string {
	cell := lipgloss.NewStyle().Padding(0, 1)
	header := cell.Foreground(accentColor).Bold(true)
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}
