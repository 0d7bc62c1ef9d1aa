package diag

import (
	"strings"

	"gorepl/internal/segment"
	"gorepl/internal/source"
)

// SpannedMessage is a message attached to a range of the user's input. Span
// is nil when the position lies outside the input.
type SpannedMessage struct {
	Span    *source.Span
	Message string
	Primary bool
}

// CompilationError is one build diagnostic mapped back onto the input that
// produced the compilation unit.
type CompilationError struct {
	Message  string
	Raw      string
	Code     Code
	Severity Severity
	// Origins lists the kinds of every segment the diagnostic touched,
	// primary position first.
	Origins []segment.CodeKind
	Spanned []SpannedMessage
	Help    []string
	// Variable names the persisted variable a PackVariable origin belongs to.
	Variable string
	// FallbackKey names the WithFallback segment a diagnostic landed in.
	FallbackKey string
}

func (e CompilationError) Error() string {
	return e.Message
}

// IsUserActionable reports whether any segment the diagnostic touched holds
// user code.
func (e CompilationError) IsUserActionable() bool {
	for _, o := range e.Origins {
		if o != nil && o.IsUserCode() {
			return true
		}
	}
	return false
}

// PrimaryOrigin returns the kind of the segment holding the primary position.
func (e CompilationError) PrimaryOrigin() segment.CodeKind {
	if len(e.Origins) == 0 {
		return segment.Unknown{}
	}
	return e.Origins[0]
}

// PrimarySpan returns the user span of the primary message.
func (e CompilationError) PrimarySpan() (source.Span, bool) {
	for _, m := range e.Spanned {
		if m.Primary && m.Span != nil {
			return *m.Span, true
		}
	}
	return source.Span{}, false
}

// Rendered returns the raw build output, or the message when none was kept.
func (e CompilationError) Rendered() string {
	if strings.TrimSpace(e.Raw) != "" {
		return e.Raw
	}
	return e.Message
}
