package replrt

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
)

// faultExit is the exit status after a memory fault in user code.
const faultExit = 3

type faultError interface {
	error
	Addr() uintptr
}

// Recover runs f and turns a panic into an aborted run instead of a dead
// worker. Memory faults are not recovered: the process reports and exits.
func Recover(s *Store, f func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if fe, ok := r.(faultError); ok {
			fmt.Fprintf(os.Stderr, "fatal error: %v (fault address %#x)\n", fe, fe.Addr())
			os.Exit(faultExit)
		}
		fmt.Fprintf(os.Stderr, "panic: %v\n\n%s", r, debug.Stack())
		s.aborted = true
	}()
	f()
}

// Async runs f with a context that is cancelled when f returns.
func Async(f func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f(ctx)
}

// Fallible runs f; a returned error is printed and aborts the run.
func Fallible(s *Store, f func() error) {
	if err := f(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		s.aborted = true
	}
}
