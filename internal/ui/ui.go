// Package ui renders colored terminal output for the ofmlsync commands.
package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

var (
	passColor   = color.New(color.FgGreen, color.Bold)
	warnColor   = color.New(color.FgYellow)
	failColor   = color.New(color.FgRed, color.Bold)
	accentColor = color.New(color.FgCyan)
	mutedColor  = color.New(color.FgHiBlack)
)

// RenderPass renders s as a success marker.
func RenderPass(s string) string { return passColor.Sprint(s) }

// RenderWarn renders s as a warning.
func RenderWarn(s string) string { return warnColor.Sprint(s) }

// RenderFail renders s as a failure.
func RenderFail(s string) string { return failColor.Sprint(s) }

// RenderAccent highlights s.
func RenderAccent(s string) string { return accentColor.Sprint(s) }

// RenderMuted dims s.
func RenderMuted(s string) string { return mutedColor.Sprint(s) }

// Table is a plain left-aligned table with a colored header.
type Table struct {
	w       io.Writer
	headers []string
	rows    [][]string
}

// NewTable returns a table writing to w.
func NewTable(w io.Writer, headers ...string) *Table {
	return &Table{w: w, headers: headers}
}

// AddRow appends a row. Missing cells render empty.
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Len returns the number of rows added.
func (t *Table) Len() int { return len(t.rows) }

// Render writes the header, a separator and every row.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	header := color.New(color.Bold, color.FgCyan)
	for i, h := range t.headers {
		header.Fprint(t.w, pad(h, widths[i], i == len(t.headers)-1))
	}
	fmt.Fprintln(t.w)

	seps := make([]string, len(widths))
	for i, w := range widths {
		seps[i] = strings.Repeat("-", w)
	}
	mutedColor.Fprintln(t.w, strings.Join(seps, "  "))

	for _, row := range t.rows {
		for i := range t.headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			fmt.Fprint(t.w, pad(cell, widths[i], i == len(t.headers)-1))
		}
		fmt.Fprintln(t.w)
	}
}

func pad(s string, width int, last bool) string {
	if last {
		return s
	}
	return s + strings.Repeat(" ", width-len(s)+2)
}
