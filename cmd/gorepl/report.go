package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"gorepl/internal/diag"
	"gorepl/internal/diagfmt"
	"gorepl/internal/eval"
	"gorepl/internal/worker"
)

// reporter prints what an evaluation produced besides streamed output.
type reporter struct {
	out, errOut io.Writer
	color       bool
	json        bool
	// parts prints Output.Parts; off when a handler already streamed them.
	parts bool
}

// report prints out and err and reports whether the evaluation failed.
func (r *reporter) report(input string, out *eval.Output, err error) bool {
	warn := color.New(color.FgYellow)
	faint := color.New(color.Faint)
	bad := color.New(color.FgRed, color.Bold)
	for _, c := range []*color.Color{warn, faint, bad} {
		if r.color {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}

	if out != nil {
		if r.parts {
			for _, p := range out.Parts {
				if p.MIME == worker.TextPlain {
					_, _ = io.WriteString(r.out, p.Content)
				} else {
					fmt.Fprintln(r.out, describePart(p))
				}
			}
		}
		if out.Panicked {
			fmt.Fprintln(r.errOut, warn.Sprint("evaluation panicked"))
		}
		if len(out.Dropped) > 0 {
			fmt.Fprintln(r.errOut, faint.Sprintf("variables dropped: %s", strings.Join(out.Dropped, ", ")))
		}
		if out.Timings != nil {
			fmt.Fprint(r.errOut, faint.Sprint(out.Timings.Summary()))
		}
	}
	if err == nil {
		return false
	}

	var compileErrs *eval.CompilationErrors
	var lost *eval.TypeRedefinedVariablesLost
	var died *eval.SubprocessTerminated
	switch {
	case errors.As(err, &compileErrs):
		r.diagnostics(input, compileErrs.Errors)
	case errors.As(err, &lost):
		fmt.Fprintln(r.errOut, warn.Sprint(lost.Error()))
	case errors.As(err, &died):
		fmt.Fprintln(r.errOut, bad.Sprint(died.Error()))
	default:
		fmt.Fprintf(r.errOut, "%s %v\n", bad.Sprint("error:"), err)
	}
	return true
}

func (r *reporter) diagnostics(input string, errs []diag.CompilationError) {
	if r.json {
		_ = diagfmt.JSON(r.errOut, errs, diagfmt.JSONOpts{IncludeOrigins: true})
		return
	}
	_ = diagfmt.Pretty(r.errOut, errs, input, diagfmt.DefaultPrettyOpts(r.color))
}
