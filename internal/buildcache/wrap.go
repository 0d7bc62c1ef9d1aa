package buildcache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
)

// toolEnv lists the environment variables the compiler reads.
var toolEnv = []string{"GOOS", "GOARCH", "GOAMD64", "GOARM", "GOARM64", "GO386", "GOEXPERIMENT", "GOFIPS140", "CGO_ENABLED"}

// InvocationFromArgs builds the invocation of a toolexec call: args[0] is
// the tool, the rest are its arguments. It runs in the current directory.
func InvocationFromArgs(args []string) (Invocation, error) {
	if len(args) == 0 {
		return Invocation{}, errors.New("toolexec: missing tool")
	}
	dir, err := os.Getwd()
	if err != nil {
		return Invocation{}, err
	}
	inv := Invocation{Tool: args[0], Args: args[1:], Dir: dir}
	for _, k := range toolEnv {
		if v, ok := os.LookupEnv(k); ok {
			inv.Env = append(inv.Env, k+"="+v)
		}
	}
	return inv, nil
}

// Result reports what Wrap did.
type Result struct {
	Cached bool // the outputs came from the cache
	Stored bool // a fresh run was added to the cache
	Key    string
}

// Wrap runs inv, serving it from c when possible. Invocations that are not
// cacheable run unchanged. The returned error carries the tool's exit status
// as an *exec.ExitError.
func Wrap(ctx context.Context, c *Cache, inv Invocation, stdout, stderr io.Writer) (Result, error) {
	if c == nil || !Cacheable(inv) {
		return Result{}, run(ctx, inv, stdout, stderr)
	}
	key, inputs, err := Key(inv)
	if err != nil {
		// unreadable inputs: let the tool report them
		return Result{}, run(ctx, inv, stdout, stderr)
	}
	res := Result{Key: key}
	outputs := Outputs(inv)
	if e, ok := c.Lookup(key); ok && e.Has(outputs) {
		if e, err := c.Restore(key, outputs); err == nil {
			res.Cached = true
			_, err = stdout.Write(e.Meta.Stdout)
			return res, err
		}
	}

	var captured bytes.Buffer
	if err := run(ctx, inv, io.MultiWriter(stdout, &captured), stderr); err != nil {
		return res, err
	}
	if err := c.Store(key, toolName(inv.Tool), inputs, outputs, captured.Bytes()); err == nil {
		res.Stored = true
	}
	return res, nil
}

func run(ctx context.Context, inv Invocation, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, inv.Tool, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// ExitCode extracts the exit status of a failed tool run.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() > 0 {
		return ee.ExitCode()
	}
	return 1
}
