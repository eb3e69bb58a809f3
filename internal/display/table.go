package display

import (
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Alignment represents column alignment options
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// Table renders rows as an ASCII grid sized to its content
type Table struct {
	headers    []string
	rows       [][]string
	alignments map[int]Alignment
	maxWidth   int
	palette    *Palette
}

// NewTable creates a table with the given headers
func NewTable(palette *Palette, headers ...string) *Table {
	return &Table{
		headers:    headers,
		alignments: make(map[int]Alignment),
		maxWidth:   terminalWidth(),
		palette:    palette,
	}
}

// AddRow appends a row
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// AlignRight right-aligns the given columns, typically counts
func (t *Table) AlignRight(columns ...int) {
	for _, c := range columns {
		t.alignments[c] = AlignRight
	}
}

// SetMaxWidth caps the rendered width; zero disables the cap
func (t *Table) SetMaxWidth(width int) {
	t.maxWidth = width
}

// Render returns the table as text
func (t *Table) Render() string {
	widths := t.widths()
	var b strings.Builder

	border := t.border(widths)
	b.WriteString(border)
	b.WriteString(t.row(t.headers, widths, true))
	b.WriteString(border)
	for _, r := range t.rows {
		b.WriteString(t.row(r, widths, false))
	}
	b.WriteString(border)
	return b.String()
}

// RenderTo writes the table to w
func (t *Table) RenderTo(w io.Writer) {
	io.WriteString(w, t.Render())
}

func (t *Table) widths() []int {
	n := len(t.headers)
	for _, r := range t.rows {
		if len(r) > n {
			n = len(r)
		}
	}
	widths := make([]int, n)
	measure := func(cells []string) {
		for i, c := range cells {
			if w := visibleWidth(c); w > widths[i] {
				widths[i] = w
			}
		}
	}
	measure(t.headers)
	for _, r := range t.rows {
		measure(r)
	}

	if t.maxWidth <= 0 {
		return widths
	}
	// shrink the widest column until the table fits
	for total(widths) > t.maxWidth {
		widest := 0
		for i := range widths {
			if widths[i] > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= 8 {
			break
		}
		widths[widest]--
	}
	return widths
}

// total is the rendered width including borders and padding
func total(widths []int) int {
	n := 1
	for _, w := range widths {
		n += w + 3
	}
	return n
}

func (t *Table) border(widths []int) string {
	var b strings.Builder
	b.WriteString("+")
	for _, w := range widths {
		b.WriteString(strings.Repeat("-", w+2))
		b.WriteString("+")
	}
	b.WriteString("\n")
	return b.String()
}

func (t *Table) row(cells []string, widths []int, header bool) string {
	var b strings.Builder
	b.WriteString("|")
	for i, w := range widths {
		var cell string
		if i < len(cells) {
			cell = cells[i]
		}
		cell = truncate(cell, w)
		pad := strings.Repeat(" ", w-visibleWidth(cell))
		if header && t.palette != nil {
			cell = t.palette.Bold(cell)
		}

		b.WriteString(" ")
		if t.alignments[i] == AlignRight {
			b.WriteString(pad + cell)
		} else {
			b.WriteString(cell + pad)
		}
		b.WriteString(" |")
	}
	b.WriteString("\n")
	return b.String()
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// visibleWidth counts runes without color escape sequences
func visibleWidth(s string) int {
	return utf8.RuneCountInString(ansiPattern.ReplaceAllString(s, ""))
}

// truncate shortens s to width; colors are dropped from truncated cells
func truncate(s string, width int) string {
	if visibleWidth(s) <= width {
		return s
	}
	runes := []rune(ansiPattern.ReplaceAllString(s, ""))
	if width > 3 {
		return string(runes[:width-3]) + "..."
	}
	return string(runes[:width])
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}
