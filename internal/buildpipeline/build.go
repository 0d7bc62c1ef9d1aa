// Package buildpipeline drives the go command for a session: it writes the
// generated unit, builds it as a plugin, parses the diagnostics and moves
// the artifact to a per-build file name.
package buildpipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"gorepl/internal/buildcache"
	"gorepl/internal/diag"
	"gorepl/internal/diagmap"
)

var goVersion = runtime.Version

// GoCommandError is a go invocation that failed without diagnostics, e.g.
// a missing toolchain or an unreachable module proxy.
type GoCommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *GoCommandError) Error() string {
	msg := strings.TrimSpace(e.Output)
	if msg == "" {
		return fmt.Sprintf("go %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("go %s: %s", strings.Join(e.Args, " "), msg)
}

func (e *GoCommandError) Unwrap() error { return e.Err }

// BuildRequest configures one compilation of the unit.
type BuildRequest struct {
	Workspace *Workspace
	Code      string
	BuildNum  int
	OptLevel  int
	// CheckOnly discards the artifact.
	CheckOnly bool
	// ToolExec is the -toolexec command running the cache wrapper; empty
	// disables the cache.
	ToolExec    string
	Cache       *buildcache.Cache
	CacheBudget int64
	Progress    ProgressSink
	MaxDiags    int
}

// BuildResult captures the outcome of a compilation.
type BuildResult struct {
	Artifact    string // empty for failed and check-only builds
	Diagnostics []diag.Diagnostic
	Failed      bool
	Args        []string
	Timings     Timings
}

// Build compiles the unit of build N, package unit/b<N>, into
// target/unit_<N>.so.
func Build(ctx context.Context, req *BuildRequest) (BuildResult, error) {
	var result BuildResult
	if req == nil || req.Workspace == nil {
		return result, errors.New("missing build request")
	}
	ws := req.Workspace

	if req.Cache != nil && req.CacheBudget > 0 {
		// eviction failures only cost disk space
		_, _ = req.Cache.Evict(req.CacheBudget)
	}

	start := time.Now()
	if err := ws.WriteUnit(req.BuildNum, req.Code); err != nil {
		return result, err
	}
	result.Timings.Set(StageWrite, time.Since(start))

	stage := StageBuild
	out := filepath.Join(ws.TargetDir(), "unit.so")
	if req.CheckOnly {
		stage = StageCheck
		out = filepath.Join(ws.TargetDir(), "check.so")
	}
	args := req.args(out)
	result.Args = args

	buildStart := time.Now()
	emitStage(req.Progress, stage, StatusWorking, nil, 0)
	stdout, stderr, runErr := ws.run(ctx, args...)
	result.Timings.Set(stage, time.Since(buildStart))
	if ctx.Err() != nil {
		emitStage(req.Progress, stage, StatusError, ctx.Err(), 0)
		return result, ctx.Err()
	}

	maxDiags := req.MaxDiags
	if maxDiags <= 0 {
		maxDiags = 200
	}
	bag := diag.NewBag(maxDiags)
	rep := diag.NewDedupReporter(diag.BagReporter{Bag: bag})
	log, err := diagmap.ParseBuildOutput(io.MultiReader(bytes.NewReader(stdout), bytes.NewReader(stderr)), rep)
	if err != nil {
		return result, fmt.Errorf("failed to parse build output: %w", err)
	}
	bag.Sort()
	result.Diagnostics = bag.Items()
	result.Failed = runErr != nil || len(log.Failed) > 0 || bag.HasErrors()

	if result.Failed {
		if len(result.Diagnostics) == 0 {
			err := &GoCommandError{Args: args, Output: strings.Join(log.Plain, "\n"), Err: runErr}
			emitStage(req.Progress, stage, StatusError, err, result.Timings.Duration(stage))
			return result, err
		}
		emitStage(req.Progress, stage, StatusError, nil, result.Timings.Duration(stage))
		return result, nil
	}
	emitStage(req.Progress, stage, StatusDone, nil, result.Timings.Duration(stage))

	if req.CheckOnly {
		_ = os.Remove(out)
		return result, nil
	}
	relocStart := time.Now()
	artifact := filepath.Join(ws.TargetDir(), fmt.Sprintf("unit_%d.so", req.BuildNum))
	if err := os.Rename(out, artifact); err != nil {
		err = fmt.Errorf("failed to relocate artifact: %w", err)
		emitStage(req.Progress, StageRelocate, StatusError, err, 0)
		return result, err
	}
	result.Timings.Set(StageRelocate, time.Since(relocStart))
	result.Artifact = artifact
	return result, nil
}

// args assembles the go build invocation for the unit.
func (req *BuildRequest) args(out string) []string {
	gcflags := UnitImportPath(req.BuildNum) + "=-e"
	if req.OptLevel == 0 {
		gcflags += " -N -l"
	}
	args := []string{
		"build", "-json", "-buildmode=plugin",
		"-gcflags=" + gcflags,
		"-o", out,
	}
	if req.ToolExec != "" {
		args = append(args, "-toolexec="+req.ToolExec)
	}
	return append(args, "./"+UnitPackage(req.BuildNum))
}

// BuildWorker builds the worker binary that loads units.
func BuildWorker(ctx context.Context, ws *Workspace, progress ProgressSink) (string, error) {
	start := time.Now()
	emitStage(progress, StageWorker, StatusWorking, nil, 0)
	args := []string{"build", "-o", ws.WorkerPath(), "./" + workerPkg}
	if _, stderr, err := ws.run(ctx, args...); err != nil {
		err = &GoCommandError{Args: args, Output: string(stderr), Err: err}
		emitStage(progress, StageWorker, StatusError, err, 0)
		return "", err
	}
	emitStage(progress, StageWorker, StatusDone, nil, time.Since(start))
	return ws.WorkerPath(), nil
}

// Environ is the environment of every go invocation in the workspace.
func (w *Workspace) Environ() []string {
	env := append(os.Environ(), "GOWORK=off", "GOFLAGS=-mod=mod", "CGO_ENABLED=1")
	if w.offline {
		env = append(env, "GOPROXY=off")
	}
	return append(env, w.env...)
}

func (w *Workspace) goCmd(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, w.goBin, args...)
	cmd.Dir = w.dir
	cmd.Env = w.Environ()
	return cmd
}

// run executes the go command, draining both pipes while it runs.
func (w *Workspace) run(ctx context.Context, args ...string) (stdout, stderr []byte, err error) {
	cmd := w.goCmd(ctx, args...)
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, &GoCommandError{Args: args, Err: err}
	}
	var outBuf, errBuf bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(&outBuf, outPipe)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&errBuf, errPipe)
		return err
	})
	drainErr := g.Wait()
	waitErr := cmd.Wait()
	if waitErr == nil && drainErr != nil {
		waitErr = drainErr
	}
	return outBuf.Bytes(), errBuf.Bytes(), waitErr
}
