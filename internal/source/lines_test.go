package source

import (
	"testing"
)

func TestLineIndex_LineCol(t *testing.T) {
	text := "ab\ncde\n\nf"
	idx := NewLineIndex(text)

	tests := []struct {
		name string
		off  int
		want LineCol
	}{
		{"start", 0, LineCol{Line: 1, Col: 1}},
		{"newline of first line", 2, LineCol{Line: 1, Col: 3}},
		{"second line", 3, LineCol{Line: 2, Col: 1}},
		{"middle of second line", 5, LineCol{Line: 2, Col: 3}},
		{"empty line", 7, LineCol{Line: 3, Col: 1}},
		{"last byte", 8, LineCol{Line: 4, Col: 1}},
		{"end of text", 9, LineCol{Line: 4, Col: 2}},
		{"clamped past end", 100, LineCol{Line: 4, Col: 2}},
		{"clamped negative", -3, LineCol{Line: 1, Col: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := idx.LineCol(tt.off); got != tt.want {
				t.Errorf("LineCol(%d) = %+v, want %+v", tt.off, got, tt.want)
			}
		})
	}
	if idx.Lines() != 4 {
		t.Fatalf("Lines() = %d, want 4", idx.Lines())
	}
}

func TestLineIndex_OffsetRoundTrip(t *testing.T) {
	text := "package main\n\nfunc f() {\n\tx := 1\n}\n"
	idx := NewLineIndex(text)
	for off := 0; off <= len(text); off++ {
		pos := idx.LineCol(off)
		back, ok := idx.Offset(pos)
		if !ok {
			t.Fatalf("Offset(%+v) not ok for offset %d", pos, off)
		}
		if back != off {
			t.Fatalf("Offset(LineCol(%d)) = %d", off, back)
		}
	}
}

func TestLineIndex_OffsetOutOfRange(t *testing.T) {
	idx := NewLineIndex("abc\nde")
	cases := []LineCol{
		{Line: 0, Col: 1},
		{Line: 1, Col: 0},
		{Line: 3, Col: 1},
		{Line: 1, Col: 6},
		{Line: 2, Col: 4},
	}
	for _, pos := range cases {
		if off, ok := idx.Offset(pos); ok {
			t.Errorf("Offset(%+v) = %d, expected out of range", pos, off)
		}
	}
}

func TestLineIndex_SpanOf(t *testing.T) {
	idx := NewLineIndex("let\nfoo bar\n")
	got := idx.SpanOf(4, 7)
	want := Span{StartLine: 2, StartCol: 1, EndLine: 2, EndCol: 3}
	if got != want {
		t.Fatalf("SpanOf = %+v, want %+v", got, want)
	}
	if s := idx.SpanOf(5, 5); s != SpanAt(LineCol{Line: 2, Col: 2}) {
		t.Fatalf("empty SpanOf = %+v", s)
	}
}
