package source

// LineCol represents a human-readable position in a text.
type LineCol struct {
	Line uint32 // 1-based
	Col  uint32 // 1-based, in bytes (same as the Go compiler)
}

// Less orders positions line-major.
func (lc LineCol) Less(other LineCol) bool {
	if lc.Line != other.Line {
		return lc.Line < other.Line
	}
	return lc.Col < other.Col
}
