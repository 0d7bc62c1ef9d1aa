package source

import "testing"

func TestSpan_Cover(t *testing.T) {
	a := Span{StartLine: 2, StartCol: 5, EndLine: 2, EndCol: 9}
	b := Span{StartLine: 1, StartCol: 3, EndLine: 2, EndCol: 6}
	got := a.Cover(b)
	want := Span{StartLine: 1, StartCol: 3, EndLine: 2, EndCol: 9}
	if got != want {
		t.Fatalf("Cover = %+v, want %+v", got, want)
	}
	if got := (Span{}).Cover(a); got != a {
		t.Fatalf("zero.Cover(a) = %+v, want a", got)
	}
}

func TestSpan_String(t *testing.T) {
	tests := []struct {
		span Span
		want string
	}{
		{Span{StartLine: 1, StartCol: 2, EndLine: 1, EndCol: 2}, "1:2"},
		{Span{StartLine: 1, StartCol: 2, EndLine: 1, EndCol: 7}, "1:2-7"},
		{Span{StartLine: 1, StartCol: 2, EndLine: 3, EndCol: 1}, "1:2-3:1"},
	}
	for _, tt := range tests {
		if got := tt.span.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestSpan_ShiftLines(t *testing.T) {
	s := Span{StartLine: 1, StartCol: 1, EndLine: 2, EndCol: 4}.ShiftLines(3)
	if s.StartLine != 4 || s.EndLine != 5 || s.StartCol != 1 || s.EndCol != 4 {
		t.Fatalf("ShiftLines = %+v", s)
	}
	if !(Span{}).ShiftLines(3).IsZero() {
		t.Fatal("zero span must stay zero")
	}
}
