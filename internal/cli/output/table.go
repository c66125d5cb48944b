package output

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

const columnGap = 2

// TableFormatter formats output as an aligned text table. Column widths are
// measured in terminal cells so CJK tunnel names line up.
type TableFormatter struct {
	Unicode   bool // Use box-drawing separators on a terminal
	Condensed bool // Never decorate, even on a terminal
}

// Format renders values that have no table form as indented JSON.
func (f *TableFormatter) Format(data interface{}) (string, error) {
	if s, ok := data.(string); ok {
		return s, nil
	}
	return (&JSONFormatter{Indent: true}).Format(data)
}

// FormatError renders an error with its guidance.
func (f *TableFormatter) FormatError(err StructuredError) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Error: %s\n", err.Message)
	if err.Guidance != "" {
		fmt.Fprintf(&b, "  %s\n", err.Guidance)
	}
	if err.RecoveryCommand != "" {
		fmt.Fprintf(&b, "  Try: %s\n", err.RecoveryCommand)
	}
	return b.String(), nil
}

// FormatTable renders rows under headers.
func (f *TableFormatter) FormatTable(headers []string, rows [][]string) (string, error) {
	if len(rows) == 0 {
		return "No results found\n", nil
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = ansi.StringWidth(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if w := ansi.StringWidth(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	decorate := f.Unicode && !f.Condensed && f.isTTY()
	var b strings.Builder
	writeRow(&b, headers, widths)
	if decorate {
		seps := make([]string, len(headers))
		for i, w := range widths {
			seps[i] = strings.Repeat("─", w)
		}
		writeRow(&b, seps, widths)
	}
	for _, row := range rows {
		writeRow(&b, row, widths)
	}
	return b.String(), nil
}

func writeRow(b *strings.Builder, cells []string, widths []int) {
	var line strings.Builder
	for i, w := range widths {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		line.WriteString(cell)
		if i < len(widths)-1 {
			line.WriteString(strings.Repeat(" ", w-ansi.StringWidth(cell)+columnGap))
		}
	}
	b.WriteString(strings.TrimRight(line.String(), " "))
	b.WriteByte('\n')
}

// isTTY checks if stdout is a terminal.
func (f *TableFormatter) isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ProgressBar draws a start attempt as "[#####-----]  50%".
func ProgressBar(percent int, failed, succeeded bool, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * width / 100
	bar := "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
	switch {
	case failed:
		return fmt.Sprintf("%s %3d%% failed", bar, percent)
	case succeeded:
		return fmt.Sprintf("%s %3d%% ok", bar, percent)
	default:
		return fmt.Sprintf("%s %3d%%", bar, percent)
	}
}
