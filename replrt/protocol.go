// Package replrt is the runtime linked into every evaluation unit and into
// the worker process. It is compiled inside the session module, so it only
// depends on the standard library.
package replrt

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// RoleWorker is the role argument that makes Serve run the command loop.
const RoleWorker = "worker"

// Commands sent by the orchestrator.
const (
	CmdLoadAndRun = "LOAD_AND_RUN"
)

// Sentinel starts every protocol line written by the worker. Text before it
// on the same line is ordinary program output.
const Sentinel = "\x1e"

// Sentinel names.
const (
	EvalComplete        = "EVAL_COMPLETE"
	EvalPanic           = "EVAL_PANIC"
	VariableChangedType = "VARIABLE_CHANGED_TYPE"
	InputRequest        = "INPUT_REQUEST"
	PasswordRequest     = "PASSWORD_REQUEST"
	MimeBegin           = "MIME_BEGIN"
	MimeEnd             = "MIME_END"
	LoadFailed          = "LOAD_FAILED"
)

var (
	outMu  sync.Mutex
	output io.Writer = os.Stdout
)

// emit writes one sentinel line. Arguments are flattened onto the line.
func emit(name string, arg string) {
	outMu.Lock()
	defer outMu.Unlock()
	if arg == "" {
		fmt.Fprintf(output, "%s%s\n", Sentinel, name)
		return
	}
	fmt.Fprintf(output, "%s%s %s\n", Sentinel, name, oneLine(arg))
}

func oneLine(s string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}

// ParseSentinel splits a worker line into the output before the sentinel and
// the sentinel's name and argument. ok is false for plain output lines.
func ParseSentinel(line string) (before, name, arg string, ok bool) {
	i := strings.Index(line, Sentinel)
	if i < 0 {
		return line, "", "", false
	}
	before = line[:i]
	name, arg, _ = strings.Cut(line[i+len(Sentinel):], " ")
	return before, name, arg, true
}
