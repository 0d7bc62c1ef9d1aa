package replrt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"plugin"
	"runtime/debug"
	"strings"
	"unsafe"
)

// Entry is the signature of an evaluation's entry function.
type Entry = func(unsafe.Pointer) unsafe.Pointer

// commands is shared with Input so prompts read from the command channel.
var commands *bufio.Reader

// ErrRole is returned by Serve when started without the worker role.
var ErrRole = errors.New("replrt: not started as a worker")

// Serve runs the worker loop: each LOAD_AND_RUN line loads a plugin and
// calls its entry with the store handle of the previous call. Loaded plugins
// are never closed. Serve returns nil when in is exhausted.
func Serve(role string, in io.Reader, out io.Writer) error {
	if role != RoleWorker {
		return fmt.Errorf("%w (role %q)", ErrRole, role)
	}
	debug.SetPanicOnFault(true)
	commands = bufio.NewReader(in)
	outMu.Lock()
	output = out
	outMu.Unlock()

	var handle unsafe.Pointer
	for {
		line, err := commands.ReadString('\n')
		if line == "" && err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		cmd, args, _ := strings.Cut(line, " ")
		switch cmd {
		case CmdLoadAndRun:
			handle = loadAndRun(args, handle)
		default:
			fmt.Fprintf(os.Stderr, "replrt: unknown command %q\n", cmd)
		}
	}
}

// loadAndRun takes "<path> <symbol>"; the path may contain spaces.
func loadAndRun(args string, handle unsafe.Pointer) unsafe.Pointer {
	i := strings.LastIndexByte(args, ' ')
	if i <= 0 {
		emit(LoadFailed, "malformed "+CmdLoadAndRun+" arguments")
		return handle
	}
	path, symbol := args[:i], args[i+1:]
	entry, err := lookup(path, symbol)
	if err != nil {
		emit(LoadFailed, err.Error())
		return handle
	}
	next := entry(handle)
	if s := (*Store)(next); s != nil && s.aborted {
		emit(EvalPanic, "")
	} else {
		emit(EvalComplete, "")
	}
	return next
}

func lookup(path, symbol string) (Entry, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	entry, ok := sym.(Entry)
	if !ok {
		return nil, fmt.Errorf("%s has type %T, not an entry function", symbol, sym)
	}
	return entry, nil
}
