package diag

import "fmt"

// Position is a location in a file the compiler saw. Col is 0 when the
// compiler reported only a line.
type Position struct {
	File string
	Line uint32
	Col  uint32
}

func (p Position) IsValid() bool {
	return p.File != "" && p.Line > 0
}

func (p Position) String() string {
	if p.Col == 0 {
		return fmt.Sprintf("%s:%d", p.File, p.Line)
	}
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Col)
}

type Note struct {
	Pos Position
	Msg string
}

// Diagnostic is one finding of the build tool in generated-code coordinates.
type Diagnostic struct {
	Severity Severity
	Code     Code
	Message  string
	Primary  Position
	Notes    []Note
	// Raw is the verbatim text the build tool printed, continuation lines
	// included.
	Raw string
	// Package is the import path of the package being built, when known.
	Package string
}

// NewError builds an error diagnostic and classifies its message.
func NewError(primary Position, msg string) Diagnostic {
	return Diagnostic{
		Severity: SevError,
		Code:     Classify(msg),
		Message:  msg,
		Primary:  primary,
	}
}

func (d Diagnostic) WithNote(pos Position, msg string) Diagnostic {
	d.Notes = append(d.Notes, Note{Pos: pos, Msg: msg})
	return d
}
