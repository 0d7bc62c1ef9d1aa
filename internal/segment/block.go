package segment

import (
	"fmt"
	"sort"
	"strings"
)

// Segment is one contiguous piece of a code block. Segments are immutable.
type Segment struct {
	Kind      CodeKind
	Text      string
	LineCount int
	SeqID     int // non-zero only for segments derived from the current input
}

// NewSegment builds a segment and counts its lines.
func NewSegment(kind CodeKind, text string) Segment {
	return Segment{Kind: kind, Text: text, LineCount: countLines(text)}
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}

// CodeBlock is an ordered sequence of segments.
type CodeBlock struct {
	segments []Segment
}

// NewCodeBlock builds a block from segments.
func NewCodeBlock(segments ...Segment) CodeBlock {
	return CodeBlock{segments: append([]Segment(nil), segments...)}
}

// Segments returns the segments. Callers must not modify the slice.
func (b CodeBlock) Segments() []Segment {
	return b.segments
}

// Len returns the number of segments.
func (b CodeBlock) Len() int {
	return len(b.segments)
}

// IsEmpty reports whether the block carries no non-whitespace text.
func (b CodeBlock) IsEmpty() bool {
	for _, s := range b.segments {
		if strings.TrimSpace(s.Text) != "" {
			return false
		}
	}
	return true
}

// Add appends a segment.
func (b *CodeBlock) Add(seg Segment) *CodeBlock {
	b.segments = append(b.segments, seg)
	return b
}

// AddKind appends text with the given kind.
func (b *CodeBlock) AddKind(kind CodeKind, text string) *CodeBlock {
	return b.Add(NewSegment(kind, text))
}

// Generated appends scaffolding text.
func (b *CodeBlock) Generated(text string) *CodeBlock {
	return b.AddKind(OtherGeneratedCode{}, text)
}

// Generatedf appends formatted scaffolding text.
func (b *CodeBlock) Generatedf(format string, args ...any) *CodeBlock {
	return b.Generated(fmt.Sprintf(format, args...))
}

// OtherUser appends previously committed user code.
func (b *CodeBlock) OtherUser(text string) *CodeBlock {
	return b.AddKind(OtherUserCode{}, text)
}

// PackVariable appends code that persists or restores one variable.
func (b *CodeBlock) PackVariable(name, text string) *CodeBlock {
	return b.AddKind(PackVariable{Name: name}, text)
}

// WithFallback appends code that the fallback block can replace later.
func (b *CodeBlock) WithFallback(key, text string, fallback CodeBlock) *CodeBlock {
	return b.AddKind(WithFallback{Key: key, Fallback: fallback}, text)
}

// Append concatenates other onto b.
func (b *CodeBlock) Append(other CodeBlock) *CodeBlock {
	b.segments = append(b.segments, other.segments...)
	return b
}

// Commands returns the command segments in input order.
func (b CodeBlock) Commands() []Segment {
	var out []Segment
	for _, s := range b.segments {
		if _, ok := s.Kind.(Command); ok {
			out = append(out, s)
		}
	}
	return out
}

// WithoutCommands returns the block minus its command segments.
func (b CodeBlock) WithoutCommands() CodeBlock {
	out := CodeBlock{segments: make([]Segment, 0, len(b.segments))}
	for _, s := range b.segments {
		if _, ok := s.Kind.(Command); ok {
			continue
		}
		out.segments = append(out.segments, s)
	}
	return out
}

// FallbackKeys lists the keys of WithFallback segments, sorted.
func (b CodeBlock) FallbackKeys() []string {
	var keys []string
	for _, s := range b.segments {
		if fb, ok := s.Kind.(WithFallback); ok {
			keys = append(keys, fb.Key)
		}
	}
	sort.Strings(keys)
	return keys
}

// SubstituteFallbacks replaces every WithFallback segment whose key is in
// keys by its fallback block.
func (b CodeBlock) SubstituteFallbacks(keys map[string]bool) CodeBlock {
	if len(keys) == 0 {
		return b
	}
	out := CodeBlock{segments: make([]Segment, 0, len(b.segments))}
	for _, s := range b.segments {
		if fb, ok := s.Kind.(WithFallback); ok && keys[fb.Key] {
			out.segments = append(out.segments, fb.Fallback.segments...)
			continue
		}
		out.segments = append(out.segments, s)
	}
	return out
}

// contiguous reports whether next continues cur in the original input, in
// which case no separator is emitted between them.
func contiguous(cur, next Segment) bool {
	a, ok := cur.Kind.(OriginalUserCode)
	if !ok {
		return false
	}
	c, ok := next.Kind.(OriginalUserCode)
	if !ok {
		return false
	}
	return a.StartByte+len(cur.Text) == c.StartByte
}

// layout computes the output offset of every segment and the final text.
func (b CodeBlock) layout() ([]int, string) {
	var sb strings.Builder
	starts := make([]int, len(b.segments))
	for i, s := range b.segments {
		starts[i] = sb.Len()
		sb.WriteString(s.Text)
		if s.Text == "" || strings.HasSuffix(s.Text, "\n") {
			continue
		}
		if i+1 < len(b.segments) && contiguous(s, b.segments[i+1]) {
			continue
		}
		sb.WriteByte('\n')
	}
	return starts, sb.String()
}

// Code returns the text handed to the compiler.
func (b CodeBlock) Code() string {
	_, code := b.layout()
	return code
}

// Layout is the output text of a block plus per-segment output offsets.
type Layout struct {
	Block  CodeBlock
	Code   string
	Starts []int
}

// Layout computes the output text once for repeated offset queries.
func (b CodeBlock) Layout() *Layout {
	starts, code := b.layout()
	return &Layout{Block: b, Code: code, Starts: starts}
}

// SegmentAt returns the index of the segment containing the output offset.
func (l *Layout) SegmentAt(off int) (int, bool) {
	if off < 0 || off > len(l.Code) || len(l.Starts) == 0 {
		return 0, false
	}
	i := sort.Search(len(l.Starts), func(i int) bool { return l.Starts[i] > off }) - 1
	if i < 0 {
		return 0, false
	}
	// an offset on an inserted separator belongs to the segment before it
	return i, true
}

// UserOffsetToOutputOffset maps an input offset to the compiled text.
func (l *Layout) UserOffsetToOutputOffset(user int) (int, bool) {
	best := -1
	for i, s := range l.Block.segments {
		k, ok := s.Kind.(OriginalUserCode)
		if !ok {
			continue
		}
		if user < k.StartByte || user > k.StartByte+len(s.Text) {
			continue
		}
		best = i
		if user < k.StartByte+len(s.Text) {
			break
		}
	}
	if best < 0 {
		return 0, false
	}
	k := l.Block.segments[best].Kind.(OriginalUserCode)
	return l.Starts[best] + user - k.StartByte, true
}

// OutputOffsetToUserOffset maps a compiled-text offset back to the input.
func (l *Layout) OutputOffsetToUserOffset(out int) (int, bool) {
	i, ok := l.SegmentAt(out)
	if !ok {
		return 0, false
	}
	s := l.Block.segments[i]
	k, ok := s.Kind.(OriginalUserCode)
	if !ok {
		return 0, false
	}
	rel := out - l.Starts[i]
	if rel > len(s.Text) {
		rel = len(s.Text)
	}
	return k.StartByte + rel, true
}

// UserOffsetToOutputOffset is a convenience wrapper around Layout.
func (b CodeBlock) UserOffsetToOutputOffset(user int) (int, bool) {
	return b.Layout().UserOffsetToOutputOffset(user)
}

// OutputOffsetToUserOffset is a convenience wrapper around Layout.
func (b CodeBlock) OutputOffsetToUserOffset(out int) (int, bool) {
	return b.Layout().OutputOffsetToUserOffset(out)
}
