package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/peterh/liner"
	"golang.org/x/term"

	"gorepl/internal/worker"
)

// terminal streams evaluation output and answers input requests from the
// user's terminal.
type terminal struct {
	mu   sync.Mutex
	out  io.Writer
	line *liner.State // nil outside the interactive loop
	in   *bufio.Reader
	// atLineStart is false while the last text written lacks a newline.
	atLineStart bool
}

func newTerminal(out io.Writer, line *liner.State) *terminal {
	return &terminal{out: out, line: line, in: bufio.NewReader(os.Stdin), atLineStart: true}
}

func (t *terminal) Output(p worker.Part) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.MIME != worker.TextPlain {
		t.finishLine()
		fmt.Fprintln(t.out, describePart(p))
		return
	}
	if p.Content == "" {
		return
	}
	_, _ = io.WriteString(t.out, p.Content)
	t.atLineStart = strings.HasSuffix(p.Content, "\n")
}

// finishLine ends a partial line so the prompt and diagnostics start clean.
func (t *terminal) finishLine() {
	if !t.atLineStart {
		fmt.Fprintln(t.out)
		t.atLineStart = true
	}
}

func (t *terminal) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishLine()
}

func (t *terminal) Input(prompt string, password bool) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stdin := int(os.Stdin.Fd())
	if password && term.IsTerminal(stdin) {
		fmt.Fprint(t.out, prompt)
		b, err := term.ReadPassword(stdin)
		fmt.Fprintln(t.out)
		t.atLineStart = true
		return string(b), err
	}
	if t.line != nil {
		t.atLineStart = true
		return t.line.Prompt(prompt)
	}
	fmt.Fprint(t.out, prompt)
	s, err := t.in.ReadString('\n')
	t.atLineStart = true
	if err == io.EOF && s != "" {
		err = nil
	}
	return strings.TrimRight(s, "\r\n"), err
}

func describePart(p worker.Part) string {
	return fmt.Sprintf("<%s, %d bytes>", p.MIME, len(p.Content))
}
