package source

import (
	"fmt"
)

// Span is a range in user coordinates: 1-based lines and byte columns,
// end inclusive of the last reported column.
type Span struct {
	StartLine uint32
	StartCol  uint32
	EndLine   uint32
	EndCol    uint32
}

// SpanAt builds a zero-width span at a single position.
func SpanAt(pos LineCol) Span {
	return Span{StartLine: pos.Line, StartCol: pos.Col, EndLine: pos.Line, EndCol: pos.Col}
}

// SpanFrom builds a span covering start..end.
func SpanFrom(start, end LineCol) Span {
	if end.Less(start) {
		start, end = end, start
	}
	return Span{StartLine: start.Line, StartCol: start.Col, EndLine: end.Line, EndCol: end.Col}
}

func (s Span) Start() LineCol { return LineCol{Line: s.StartLine, Col: s.StartCol} }

func (s Span) End() LineCol { return LineCol{Line: s.EndLine, Col: s.EndCol} }

// IsZero reports whether the span carries no position.
func (s Span) IsZero() bool {
	return s.StartLine == 0
}

func (s Span) String() string {
	if s.StartLine == s.EndLine {
		if s.StartCol == s.EndCol {
			return fmt.Sprintf("%d:%d", s.StartLine, s.StartCol)
		}
		return fmt.Sprintf("%d:%d-%d", s.StartLine, s.StartCol, s.EndCol)
	}
	return fmt.Sprintf("%d:%d-%d:%d", s.StartLine, s.StartCol, s.EndLine, s.EndCol)
}

// Cover returns the smallest span containing both s and other.
func (s Span) Cover(other Span) Span {
	if s.IsZero() {
		return other
	}
	if other.IsZero() {
		return s
	}
	start, end := s.Start(), s.End()
	if other.Start().Less(start) {
		start = other.Start()
	}
	if end.Less(other.End()) {
		end = other.End()
	}
	return SpanFrom(start, end)
}

// ShiftLines moves the span down by n lines.
func (s Span) ShiftLines(n uint32) Span {
	if s.IsZero() {
		return s
	}
	s.StartLine += n
	s.EndLine += n
	return s
}
