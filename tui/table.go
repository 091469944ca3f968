package tui

import (
	"strings"
)

// Column is one table column.
type Column struct {
	Title string
	Width int
}

// Row is one table row; cells align positionally with the columns.
type Row []string

// renderTable renders columns and rows with a separator line, truncating
// cells that exceed their column width.
func renderTable(columns []Column, rows []Row, styles *Styles) string {
	var b strings.Builder

	headerCells := make([]string, len(columns))
	for i, col := range columns {
		headerCells[i] = styles.TableHeader.Width(col.Width).Render(col.Title)
	}
	b.WriteString(strings.Join(headerCells, " ") + "\n")

	for _, col := range columns {
		b.WriteString(styles.Muted.Render(strings.Repeat("─", col.Width)) + " ")
	}
	b.WriteString("\n")

	for _, row := range rows {
		cells := make([]string, len(columns))
		for i, col := range columns {
			var cell string
			if i < len(row) {
				cell = row[i]
			}
			// Already-styled cells carry ANSI sequences; lipgloss pads
			// them width-aware, so only plain cells are truncated here.
			if !strings.ContainsRune(cell, '\x1b') {
				cell = truncate(cell, col.Width)
			}
			cells[i] = styles.TableRow.Width(col.Width).Render(cell)
		}
		b.WriteString(strings.Join(cells, " ") + "\n")
	}
	return b.String()
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width <= 2 {
		return string(r[:width])
	}
	return string(r[:width-2]) + ".."
}
