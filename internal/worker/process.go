// Package worker runs the long-lived process that loads evaluation units and
// speaks the line protocol of replrt with it.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"gorepl/replrt"
)

// TextPlain is the MIME type of forwarded program output.
const TextPlain = "text/plain"

const (
	stderrBuffer = 256
	stderrTail   = 20
	exitGrace    = 2 * time.Second
)

// ErrNotStarted is returned by operations on a zero Process.
var ErrNotStarted = errors.New("worker: not started")

// Part is one piece of captured output.
type Part struct {
	MIME    string
	Content string
}

// Outcome is what one LOAD_AND_RUN produced.
type Outcome struct {
	Parts []Part
	// Panicked reports a recovered panic; variables introduced by the run
	// cannot be trusted.
	Panicked bool
	// ChangedType lists stored variables whose type no longer matches.
	ChangedType []string
}

// Text concatenates the plain output.
func (o Outcome) Text() string {
	var b strings.Builder
	for _, p := range o.Parts {
		if p.MIME == TextPlain {
			b.WriteString(p.Content)
		}
	}
	return b.String()
}

func (o *Outcome) addText(s string) {
	if s == "" {
		return
	}
	if n := len(o.Parts); n > 0 && o.Parts[n-1].MIME == TextPlain {
		o.Parts[n-1].Content += s
		return
	}
	o.Parts = append(o.Parts, Part{MIME: TextPlain, Content: s})
}

// Handler receives output as it arrives and answers input requests.
type Handler interface {
	Output(Part)
	Input(prompt string, password bool) (string, error)
}

// SubprocessTerminated reports a worker that died while running a unit.
type SubprocessTerminated struct {
	Output   string // plain output captured before the worker died
	Stderr   string // last lines the worker wrote to stderr
	ExitCode int
	Cause    error
}

func (e *SubprocessTerminated) Error() string {
	msg := fmt.Sprintf("worker terminated (exit status %d)", e.ExitCode)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Stderr != "" {
		msg += "\n" + e.Stderr
	}
	return msg
}

func (e *SubprocessTerminated) Unwrap() error { return e.Cause }

// LoadError reports an artifact the worker could not load.
type LoadError struct {
	Artifact string
	Msg      string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %s", e.Artifact, e.Msg)
}

// Options configure Start.
type Options struct {
	// Args are passed before the role argument.
	Args []string
	Dir  string
	Env  []string // nil inherits the environment
}

// Process is a running worker. Run calls are serialized; Kill may be called
// concurrently with Run.
type Process struct {
	runMu sync.Mutex

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited bool

	stdoutFile *os.File
	stdout     *bufio.Reader
	stderr     chan string
	stderrDone chan struct{}
	done       chan struct{}

	tailMu sync.Mutex
	tail   []string
}

// Start launches bin in the worker role.
func Start(bin string, opts Options) (*Process, error) {
	args := append(append([]string(nil), opts.Args...), replrt.RoleWorker)
	cmd := exec.Command(bin, args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			f.Close()
		}
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	// the child holds its own copies
	outW.Close()
	errW.Close()

	p := &Process{
		cmd:        cmd,
		stdin:      stdin,
		stdoutFile: outR,
		stdout:     bufio.NewReader(outR),
		stderr:     make(chan string, stderrBuffer),
		stderrDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	go p.drainStderr(errR)
	go func() {
		_ = cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// drainStderr forwards stderr lines without ever blocking the worker.
func (p *Process) drainStderr(r io.ReadCloser) {
	defer close(p.stderrDone)
	defer close(p.stderr)
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		p.tailMu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTail {
			p.tail = p.tail[len(p.tail)-stderrTail:]
		}
		p.tailMu.Unlock()
		select {
		case p.stderr <- line:
		default:
		}
	}
}

// Stderr yields the worker's stderr lines. Lines are dropped while nobody
// receives. The channel is closed when the worker exits.
func (p *Process) Stderr() <-chan string { return p.stderr }

// Alive reports whether the process is still running.
func (p *Process) Alive() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil && !p.exited
}

// Run loads artifact in the worker, calls entry and collects the output
// until the run ends. Cancelling ctx kills the worker.
func (p *Process) Run(ctx context.Context, artifact, entry string, h Handler) (Outcome, error) {
	var out Outcome
	if p == nil {
		return out, ErrNotStarted
	}
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if !p.Alive() {
		return out, p.terminated(&out, nil)
	}
	stop := context.AfterFunc(ctx, func() { _ = p.Kill() })
	defer stop()

	if err := p.send(fmt.Sprintf("%s %s %s", replrt.CmdLoadAndRun, artifact, entry)); err != nil {
		return out, p.terminated(&out, ctx.Err())
	}

	var mime *Part
	text := func(s string) {
		if s == "" {
			return
		}
		if mime != nil {
			mime.Content += s
			return
		}
		out.addText(s)
		if h != nil {
			h.Output(Part{MIME: TextPlain, Content: s})
		}
	}
	for {
		line, err := p.stdout.ReadString('\n')
		if err != nil {
			text(line)
			return out, p.terminated(&out, ctx.Err())
		}
		line = strings.TrimSuffix(line, "\n")
		before, name, arg, ok := replrt.ParseSentinel(line)
		if !ok {
			text(line + "\n")
			continue
		}
		text(before)
		switch name {
		case replrt.EvalComplete:
			return out, nil
		case replrt.EvalPanic:
			out.Panicked = true
			return out, nil
		case replrt.LoadFailed:
			return out, &LoadError{Artifact: artifact, Msg: arg}
		case replrt.VariableChangedType:
			out.ChangedType = append(out.ChangedType, arg)
		case replrt.InputRequest, replrt.PasswordRequest:
			reply := ""
			if h != nil {
				if r, err := h.Input(arg, name == replrt.PasswordRequest); err == nil {
					reply = r
				}
			}
			if err := p.send(strings.NewReplacer("\r", "", "\n", " ").Replace(reply)); err != nil {
				return out, p.terminated(&out, ctx.Err())
			}
		case replrt.MimeBegin:
			mime = &Part{MIME: arg}
		case replrt.MimeEnd:
			if mime != nil {
				part := Part{MIME: mime.MIME, Content: strings.TrimSuffix(mime.Content, "\n")}
				mime = nil
				out.Parts = append(out.Parts, part)
				if h != nil {
					h.Output(part)
				}
			}
		}
	}
}

func (p *Process) send(line string) error {
	p.mu.Lock()
	w := p.stdin
	p.mu.Unlock()
	if w == nil {
		return ErrNotStarted
	}
	_, err := io.WriteString(w, line+"\n")
	return err
}

// terminated waits for the process to go away and describes its death.
func (p *Process) terminated(out *Outcome, cause error) error {
	select {
	case <-p.done:
	case <-time.After(exitGrace):
		_ = p.Kill()
		<-p.done
	}
	<-p.stderrDone
	_ = p.stdoutFile.Close()
	p.tailMu.Lock()
	tail := strings.Join(p.tail, "\n")
	p.tailMu.Unlock()
	code := -1
	if st := p.cmd.ProcessState; st != nil {
		code = st.ExitCode()
	}
	return &SubprocessTerminated{Output: out.Text(), Stderr: tail, ExitCode: code, Cause: cause}
}

// Kill terminates the worker. It is safe to call at any time.
func (p *Process) Kill() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil || p.exited {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Close ends the command stream so the worker exits on its own, killing it
// if it does not.
func (p *Process) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	p.mu.Unlock()
	var err error
	select {
	case <-p.done:
	case <-time.After(exitGrace):
		err = p.Kill()
		<-p.done
	}
	_ = p.stdoutFile.Close()
	return err
}
