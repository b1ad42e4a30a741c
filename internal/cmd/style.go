package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"

	"github.com/switchyard-chat/switchyard/pkg/cli"
)

var (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorSuccess = lipgloss.Color("#10B981")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#6B7280")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#9CA3AF"))
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "connected", "ok", "ready":
		return lipgloss.NewStyle().Foreground(colorSuccess)
	case "starting", "reconnecting", "stopping":
		return lipgloss.NewStyle().Foreground(colorWarning)
	case "not_ready", "unreachable":
		return lipgloss.NewStyle().Foreground(colorError)
	default:
		return mutedStyle
	}
}

// table writes aligned rows: lipgloss-styled on a terminal, tab-aligned
// plain text otherwise so output stays easy to pipe.
type table struct {
	w       io.Writer
	styled  bool
	headers []string
	widths  []int
	rows    [][]string
	// colorCol, when >= 0, is rendered with statusStyle.
	colorCol int
}

func newTable(w io.Writer, colorCol int, headers ...string) *table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	return &table{w: w, styled: cli.IsTerminal(w), headers: headers, widths: widths, colorCol: colorCol}
}

func (t *table) add(cells ...string) {
	for i, c := range cells {
		if i < len(t.widths) && len(c) > t.widths[i] {
			t.widths[i] = len(c)
		}
	}
	t.rows = append(t.rows, cells)
}

func (t *table) flush() error {
	if !t.styled {
		tw := tabwriter.NewWriter(t.w, 0, 0, 2, ' ', 0)
		writeTabRow(tw, t.headers)
		for _, r := range t.rows {
			writeTabRow(tw, r)
		}
		return tw.Flush()
	}

	_, _ = fmt.Fprintln(t.w, t.render(t.headers, func(int, string) lipgloss.Style { return headerStyle }))
	for _, r := range t.rows {
		_, _ = fmt.Fprintln(t.w, t.render(r, func(i int, cell string) lipgloss.Style {
			if i == t.colorCol {
				return statusStyle(cell)
			}
			return lipgloss.NewStyle()
		}))
	}
	return nil
}

func (t *table) render(cells []string, style func(int, string) lipgloss.Style) string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = style(i, c).Width(t.widths[i] + 2).Render(c)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, out...)
}

func writeTabRow(w io.Writer, cells []string) {
	for i, c := range cells {
		if i > 0 {
			_, _ = io.WriteString(w, "\t")
		}
		_, _ = io.WriteString(w, c)
	}
	_, _ = io.WriteString(w, "\n")
}

func heading(w io.Writer, text string) {
	if cli.IsTerminal(w) {
		_, _ = fmt.Fprintln(w, titleStyle.Render(text))
		return
	}
	_, _ = fmt.Fprintln(w, text)
}
