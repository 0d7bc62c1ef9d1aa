// Package segment splits REPL input into typed segments and assembles the
// code blocks that become compilation units.
//
// Every segment remembers where it came from (its CodeKind). The diagnostic
// mapper uses that to decide whether an error is actionable by the user and
// to translate compiler positions back into input coordinates; the fix rules
// use it to recognise errors caused by generated code.
package segment

// CodeKind records which logical source produced a segment.
type CodeKind interface {
	// IsUserCode reports whether diagnostics in this segment are user-actionable.
	IsUserCode() bool
	kindName() string
}

// OriginalUserCode is code taken verbatim from the current input.
type OriginalUserCode struct {
	StartByte    int // offset in the input text
	NodeIndex    int // index into Parsed.Nodes, -1 for unparsed text
	StartLine    int // 1-based
	ColumnOffset int // bytes preceding the segment on its first line
}

// OtherUserCode is user code committed by an earlier evaluation. Its
// position in the original input is no longer known.
type OtherUserCode struct{}

// PackVariable is generated code that persists or restores one variable.
type PackVariable struct {
	Name string
}

// WithFallback is generated code that may be replaced by Fallback if the
// compiler rejects it. Key identifies the substitution across regenerations.
type WithFallback struct {
	Key      string
	Fallback CodeBlock
}

// OtherGeneratedCode is scaffolding emitted by the code generator.
type OtherGeneratedCode struct{}

// Command is a leading `:name args` meta-command line.
type Command struct {
	Name     string
	Args     string
	Location int // byte offset of ':' in the input
}

// Unknown marks code of unknown provenance.
type Unknown struct{}

func (OriginalUserCode) IsUserCode() bool   { return true }
func (OtherUserCode) IsUserCode() bool      { return true }
func (PackVariable) IsUserCode() bool       { return false }
func (WithFallback) IsUserCode() bool       { return false }
func (OtherGeneratedCode) IsUserCode() bool { return false }
func (Command) IsUserCode() bool            { return true }
func (Unknown) IsUserCode() bool            { return false }

func (OriginalUserCode) kindName() string   { return "original-user-code" }
func (OtherUserCode) kindName() string      { return "other-user-code" }
func (PackVariable) kindName() string       { return "pack-variable" }
func (WithFallback) kindName() string       { return "with-fallback" }
func (OtherGeneratedCode) kindName() string { return "generated" }
func (Command) kindName() string            { return "command" }
func (Unknown) kindName() string            { return "unknown" }

// KindName returns a stable label for a kind, used in traces and tests.
func KindName(k CodeKind) string {
	if k == nil {
		return Unknown{}.kindName()
	}
	return k.kindName()
}
