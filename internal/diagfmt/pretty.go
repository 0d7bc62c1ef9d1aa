package diagfmt

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"

	"gorepl/internal/diag"
	"gorepl/internal/source"
)

type palette struct {
	err, warn, info, code, gutter, caret, note, help *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		err:    color.New(color.FgRed, color.Bold),
		warn:   color.New(color.FgYellow, color.Bold),
		info:   color.New(color.FgCyan, color.Bold),
		code:   color.New(color.Bold),
		gutter: color.New(color.FgBlue),
		caret:  color.New(color.FgRed, color.Bold),
		note:   color.New(color.FgCyan),
		help:   color.New(color.FgGreen),
	}
	for _, c := range []*color.Color{p.err, p.warn, p.info, p.code, p.gutter, p.caret, p.note, p.help} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p palette) severity(s diag.Severity) *color.Color {
	switch s {
	case diag.SevWarning:
		return p.warn
	case diag.SevInfo:
		return p.info
	}
	return p.err
}

// Pretty writes errs against the input they were mapped onto:
//
//	2:6: error[TYP2001]: undefined: nosuch
//	2 | x := nosuch()
//	  |      ^^^^^^
//
// followed by spanned notes and help lines.
func Pretty(w io.Writer, errs []diag.CompilationError, input string, opts PrettyOpts) error {
	pal := newPalette(opts.Color)
	lines := strings.Split(input, "\n")
	var b strings.Builder
	for i, e := range errs {
		if i > 0 {
			b.WriteByte('\n')
		}
		writeError(&b, pal, lines, e, opts)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Sprint renders errs without color.
func Sprint(errs []diag.CompilationError, input string) string {
	var b strings.Builder
	_ = Pretty(&b, errs, input, DefaultPrettyOpts(false))
	return b.String()
}

func writeError(b *strings.Builder, pal palette, lines []string, e diag.CompilationError, opts PrettyOpts) {
	span, ok := e.PrimarySpan()
	if ok {
		fmt.Fprintf(b, "%d:%d: ", span.StartLine, span.StartCol)
	}
	fmt.Fprintf(b, "%s%s: %s\n",
		pal.severity(e.Severity).Sprint(e.Severity.Label()),
		pal.code.Sprintf("[%s]", e.Code.ID()),
		e.Message)

	if ok {
		writeSnippet(b, pal, lines, span, opts)
	} else if opts.ShowGenerated {
		for _, l := range strings.Split(strings.TrimRight(e.Rendered(), "\n"), "\n") {
			fmt.Fprintf(b, "  %s %s\n", pal.gutter.Sprint("|"), l)
		}
	}

	if opts.ShowNotes {
		for _, m := range e.Spanned {
			if m.Primary || m.Message == "" {
				continue
			}
			if m.Span != nil {
				fmt.Fprintf(b, "  %s %d:%d: %s\n", pal.note.Sprint("note:"), m.Span.StartLine, m.Span.StartCol, m.Message)
			} else {
				fmt.Fprintf(b, "  %s %s\n", pal.note.Sprint("note:"), m.Message)
			}
		}
	}
	if opts.ShowHelp {
		for _, h := range e.Help {
			fmt.Fprintf(b, "  %s %s\n", pal.help.Sprint("help:"), h)
		}
	}
}

func writeSnippet(b *strings.Builder, pal palette, lines []string, span source.Span, opts PrettyOpts) {
	line := int(span.StartLine)
	if line < 1 || line > len(lines) {
		return
	}
	first := max(line-opts.Context, 1)
	gw := len(fmt.Sprint(line))
	for n := first; n <= line; n++ {
		fmt.Fprintf(b, "%s %s\n", pal.gutter.Sprintf("%*d |", gw, n), clip(lines[n-1], opts.Width))
	}

	text := lines[line-1]
	startCol := clampCol(int(span.StartCol), text)
	endCol := len(text) + 1
	if span.EndLine == span.StartLine {
		endCol = clampCol(int(span.EndCol), text)
	}
	// columns are byte offsets, the underline is placed by display width
	pad := runewidth.StringWidth(expandTabs(text[:startCol-1]))
	width := runewidth.StringWidth(text[startCol-1 : max(endCol, startCol)-1])
	if width < 1 {
		width = 1
	}
	if opts.Width > 0 && pad >= opts.Width {
		return
	}
	fmt.Fprintf(b, "%s %s%s\n", pal.gutter.Sprintf("%*s |", gw, ""), strings.Repeat(" ", pad), pal.caret.Sprint(strings.Repeat("^", width)))
}

func clampCol(col int, text string) int {
	if col < 1 {
		return 1
	}
	if col > len(text)+1 {
		return len(text) + 1
	}
	return col
}

// expandTabs renders tabs as four columns in both the line and its underline.
func expandTabs(s string) string {
	return strings.ReplaceAll(s, "\t", "    ")
}

func clip(s string, width int) string {
	s = expandTabs(s)
	if width <= 0 || runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "...")
}
