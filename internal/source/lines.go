package source

import (
	"fmt"
	"sort"

	"fortio.org/safecast"
)

// LineIndex converts between byte offsets and LineCol positions of one text.
type LineIndex struct {
	starts []uint32 // byte offset of each line start
	size   uint32
}

// NewLineIndex scans text once and records every line start.
func NewLineIndex(text string) *LineIndex {
	size, err := safecast.Conv[uint32](len(text))
	if err != nil {
		panic(fmt.Errorf("text too large for line index: %w", err))
	}
	starts := make([]uint32, 1, 16)
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			starts = append(starts, uint32(i+1)) // #nosec G115 -- bounded by size above
		}
	}
	return &LineIndex{starts: starts, size: size}
}

// Lines returns the number of lines (a trailing newline opens an empty line).
func (idx *LineIndex) Lines() int {
	return len(idx.starts)
}

// Size returns the length of the indexed text.
func (idx *LineIndex) Size() int {
	return int(idx.size)
}

// LineCol converts a byte offset; offsets past the end clamp to the end.
func (idx *LineIndex) LineCol(off int) LineCol {
	if off < 0 {
		off = 0
	}
	if off > int(idx.size) {
		off = int(idx.size)
	}
	o := uint32(off) // #nosec G115 -- clamped above
	line := sort.Search(len(idx.starts), func(i int) bool { return idx.starts[i] > o }) - 1
	return LineCol{Line: uint32(line + 1), Col: o - idx.starts[line] + 1} // #nosec G115
}

// Offset converts a position back to a byte offset. ok is false when the
// position lies outside the text.
func (idx *LineIndex) Offset(pos LineCol) (int, bool) {
	if pos.Line == 0 || pos.Col == 0 || int(pos.Line) > len(idx.starts) {
		return 0, false
	}
	start := idx.starts[pos.Line-1]
	lineEnd := idx.size
	if int(pos.Line) < len(idx.starts) {
		lineEnd = idx.starts[pos.Line] - 1
	}
	off := start + pos.Col - 1
	if off > lineEnd {
		return 0, false
	}
	return int(off), true
}

// LineStart returns the byte offset where a 1-based line begins.
func (idx *LineIndex) LineStart(line int) int {
	if line <= 0 {
		return 0
	}
	if line > len(idx.starts) {
		return int(idx.size)
	}
	return int(idx.starts[line-1])
}

// SpanOf converts a half-open byte range into a span. The end column points
// at the last byte of the range.
func (idx *LineIndex) SpanOf(start, end int) Span {
	if end <= start {
		return SpanAt(idx.LineCol(start))
	}
	return SpanFrom(idx.LineCol(start), idx.LineCol(end-1))
}
