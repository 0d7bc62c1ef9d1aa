package eval

import (
	"fmt"
	"strings"

	"gorepl/internal/diag"
	"gorepl/internal/worker"
)

// CompilationErrors is returned when the input does not compile and the
// fix loop could not repair it.
type CompilationErrors struct {
	Errors []diag.CompilationError
}

func (e *CompilationErrors) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Message
	}
	msgs := make([]string, len(e.Errors))
	for i, ce := range e.Errors {
		msgs[i] = ce.Message
	}
	return fmt.Sprintf("%d compilation errors: %s", len(e.Errors), strings.Join(msgs, "; "))
}

// TypeRedefinedVariablesLost reports variables whose stored values were
// discarded because their types changed while they were stored.
type TypeRedefinedVariablesLost struct {
	Variables []string
}

func (e *TypeRedefinedVariablesLost) Error() string {
	return fmt.Sprintf("type of stored variable changed, lost: %s", strings.Join(e.Variables, ", "))
}

// SubprocessTerminated is returned when the worker died during a run. Every
// variable is lost; the next evaluation starts a fresh worker.
type SubprocessTerminated = worker.SubprocessTerminated

// CommandError is a meta-command that failed.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf(":%s: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
