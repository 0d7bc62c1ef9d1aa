package diagfmt

import (
	"encoding/json"
	"io"

	"gorepl/internal/diag"
	"gorepl/internal/segment"
)

// SpanJSON is a user-input span, 1-based.
type SpanJSON struct {
	StartLine uint32 `json:"start_line"`
	StartCol  uint32 `json:"start_col"`
	EndLine   uint32 `json:"end_line"`
	EndCol    uint32 `json:"end_col"`
}

// MessageJSON is one spanned message of an error.
type MessageJSON struct {
	Message string    `json:"message"`
	Primary bool      `json:"primary,omitempty"`
	Span    *SpanJSON `json:"span,omitempty"`
}

// ErrorJSON is a compilation error in JSON form.
type ErrorJSON struct {
	Severity string        `json:"severity"`
	Code     string        `json:"code"`
	Title    string        `json:"title"`
	Message  string        `json:"message"`
	Spans    []MessageJSON `json:"spans,omitempty"`
	Help     []string      `json:"help,omitempty"`
	Variable string        `json:"variable,omitempty"`
	Origins  []string      `json:"origins,omitempty"`
	Raw      string        `json:"raw,omitempty"`
}

// ErrorsOutput is the root of the JSON output.
type ErrorsOutput struct {
	Errors []ErrorJSON `json:"errors"`
	Count  int         `json:"count"`
}

// BuildErrorsOutput converts errs to their JSON form.
func BuildErrorsOutput(errs []diag.CompilationError, opts JSONOpts) ErrorsOutput {
	out := ErrorsOutput{Errors: make([]ErrorJSON, 0, len(errs)), Count: len(errs)}
	for i, e := range errs {
		if opts.Max > 0 && i >= opts.Max {
			break
		}
		ej := ErrorJSON{
			Severity: e.Severity.String(),
			Code:     e.Code.ID(),
			Title:    e.Code.Title(),
			Message:  e.Message,
			Help:     e.Help,
			Variable: e.Variable,
		}
		for _, m := range e.Spanned {
			mj := MessageJSON{Message: m.Message, Primary: m.Primary}
			if m.Span != nil {
				mj.Span = &SpanJSON{
					StartLine: m.Span.StartLine,
					StartCol:  m.Span.StartCol,
					EndLine:   m.Span.EndLine,
					EndCol:    m.Span.EndCol,
				}
			}
			ej.Spans = append(ej.Spans, mj)
		}
		if opts.IncludeOrigins {
			for _, o := range e.Origins {
				ej.Origins = append(ej.Origins, segment.KindName(o))
			}
		}
		if opts.IncludeRaw {
			ej.Raw = e.Raw
		}
		out.Errors = append(out.Errors, ej)
	}
	return out
}

// JSON writes errs as indented JSON.
func JSON(w io.Writer, errs []diag.CompilationError, opts JSONOpts) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(BuildErrorsOutput(errs, opts))
}
