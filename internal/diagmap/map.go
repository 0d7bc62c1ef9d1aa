package diagmap

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"gorepl/internal/diag"
	"gorepl/internal/segment"
	"gorepl/internal/source"
)

// Unit is a compiled unit together with what is needed to map positions in
// it back to the input.
type Unit struct {
	File   string // path of the unit file as the build tool reports it
	Layout *segment.Layout
	Input  string

	codeLines  *source.LineIndex
	inputLines *source.LineIndex
}

// NewUnit indexes the unit text and the input once for repeated mapping.
func NewUnit(file string, layout *segment.Layout, input string) *Unit {
	return &Unit{
		File:       file,
		Layout:     layout,
		Input:      input,
		codeLines:  source.NewLineIndex(layout.Code),
		inputLines: source.NewLineIndex(input),
	}
}

// owns reports whether file, relative or absolute, is the unit file. Units
// of other builds live in other package directories and are not owned.
func (u *Unit) owns(file string) bool {
	if file == "" {
		return false
	}
	a := filepath.ToSlash(filepath.Clean(file))
	b := filepath.ToSlash(filepath.Clean(u.File))
	return a == b || strings.HasSuffix(a, "/"+b)
}

type located struct {
	kind segment.CodeKind
	span *source.Span
}

func (u *Unit) locate(pos diag.Position) (located, bool) {
	if !u.owns(pos.File) || pos.Line == 0 {
		return located{}, false
	}
	col := pos.Col
	if col == 0 {
		col = 1
	}
	off, ok := u.codeLines.Offset(source.LineCol{Line: pos.Line, Col: col})
	if !ok {
		// a position at the end of a line (missing return, EOF errors)
		off = u.codeLines.LineStart(int(pos.Line)) + int(col) - 1
		if off > len(u.Layout.Code) {
			off = len(u.Layout.Code)
		}
	}
	idx, ok := u.Layout.SegmentAt(off)
	if !ok {
		return located{kind: segment.Unknown{}}, true
	}
	seg := u.Layout.Block.Segments()[idx]
	loc := located{kind: seg.Kind}
	if _, user := seg.Kind.(segment.OriginalUserCode); user {
		if userOff, ok := u.Layout.OutputOffsetToUserOffset(off); ok {
			span := u.inputLines.SpanOf(userOff, wordEnd(u.Input, userOff))
			loc.span = &span
		}
	}
	return loc, true
}

// wordEnd extends an offset over the identifier or literal starting there.
func wordEnd(text string, off int) int {
	end := off
	for end < len(text) {
		r, size := utf8.DecodeRuneInString(text[end:])
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			break
		}
		end += size
	}
	return end
}

// Map locates the segments a diagnostic touches and translates its
// positions into input coordinates. When the primary position is outside
// the unit (a dependency or the runtime), the notes are searched for one
// that lands in the unit.
func (u *Unit) Map(d diag.Diagnostic) diag.CompilationError {
	ce := diag.CompilationError{
		Message:  d.Message,
		Raw:      d.Raw,
		Code:     d.Code,
		Severity: d.Severity,
	}
	primary, ok := u.locate(d.Primary)
	notes := d.Notes
	if !ok {
		for i, n := range d.Notes {
			if loc, found := u.locate(n.Pos); found {
				primary, ok = loc, true
				notes = append(append([]diag.Note(nil), d.Notes[:i]...), d.Notes[i+1:]...)
				break
			}
		}
	}
	if ok {
		ce.Origins = append(ce.Origins, primary.kind)
		u.annotate(&ce, primary.kind)
	} else {
		ce.Origins = append(ce.Origins, segment.Unknown{})
	}
	ce.Spanned = append(ce.Spanned, diag.SpannedMessage{Span: primary.span, Message: firstLine(d.Message), Primary: true})
	for _, n := range notes {
		loc, found := u.locate(n.Pos)
		if !found {
			continue
		}
		ce.Origins = append(ce.Origins, loc.kind)
		ce.Spanned = append(ce.Spanned, diag.SpannedMessage{Span: loc.span, Message: n.Msg})
	}
	if help, ok := helpFor[d.Code]; ok {
		ce.Help = append(ce.Help, help)
	}
	return ce
}

func (u *Unit) annotate(ce *diag.CompilationError, kind segment.CodeKind) {
	switch k := kind.(type) {
	case segment.PackVariable:
		ce.Variable = k.Name
	case segment.WithFallback:
		ce.FallbackKey = k.Key
	}
}

var helpFor = map[diag.Code]string{
	diag.BldMissingPackage: "add the module with :dep <module>@<version>",
	diag.BldModule:         "check the dependencies added with :dep",
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// MapAll maps a batch of diagnostics.
func (u *Unit) MapAll(diags []diag.Diagnostic) []diag.CompilationError {
	out := make([]diag.CompilationError, 0, len(diags))
	for _, d := range diags {
		if d.Severity < diag.SevError {
			continue
		}
		out = append(out, u.Map(d))
	}
	return out
}

// Filter drops errors the user cannot act on once at least one error in the
// batch is user-actionable.
func Filter(errs []diag.CompilationError) []diag.CompilationError {
	actionable := false
	for _, e := range errs {
		if e.IsUserActionable() {
			actionable = true
			break
		}
	}
	if !actionable {
		return errs
	}
	out := make([]diag.CompilationError, 0, len(errs))
	for _, e := range errs {
		if e.IsUserActionable() {
			out = append(out, e)
		}
	}
	return out
}
