// Package eval drives a REPL session: it turns each input into a unit,
// compiles it with automatic fixes, runs it in the worker and keeps the
// session state consistent with what the worker holds.
package eval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gorepl/internal/buildcache"
	"gorepl/internal/buildpipeline"
	"gorepl/internal/infer"
	"gorepl/internal/state"
	"gorepl/internal/trace"
	"gorepl/internal/worker"
)

// Compiler builds units. buildpipeline.Build is the real one.
type Compiler interface {
	Build(ctx context.Context, req *buildpipeline.BuildRequest) (buildpipeline.BuildResult, error)
}

// CompilerFunc adapts a function to Compiler.
type CompilerFunc func(ctx context.Context, req *buildpipeline.BuildRequest) (buildpipeline.BuildResult, error)

func (f CompilerFunc) Build(ctx context.Context, req *buildpipeline.BuildRequest) (buildpipeline.BuildResult, error) {
	return f(ctx, req)
}

// Runner executes built units. *worker.Process is the real one.
type Runner interface {
	Run(ctx context.Context, artifact, entry string, h worker.Handler) (worker.Outcome, error)
	Alive() bool
	Kill() error
	Close() error
	Stderr() <-chan string
}

// Launcher starts a runner for a workspace.
type Launcher func(ctx context.Context, ws *buildpipeline.Workspace) (Runner, error)

// Analyzer answers type questions about analysis units. *infer.Analyzer is
// the real one.
type Analyzer interface {
	Analyze(ctx context.Context, req infer.Request) (*infer.Result, error)
	Completions(ctx context.Context, req infer.Request, offset int) (infer.Completions, error)
}

// Options configure a session. Only Config is required in practice; every
// collaborator has a default that talks to the real toolchain.
type Options struct {
	Config state.Config
	// Root is where the session directory is created; empty means the
	// system temp dir.
	Root  string
	GoBin string
	Env   []string
	// ToolExec is the -toolexec command of the cache wrapper. It is only
	// used when Cache is set.
	ToolExec string
	Cache    *buildcache.Cache

	Compiler Compiler
	Launcher Launcher
	Analyzer Analyzer
	// Handler receives output as it is produced, command output included,
	// and answers input requests. Output collects the same parts.
	Handler  worker.Handler
	Progress buildpipeline.ProgressSink
	// Commands extends or overrides the built-in meta-commands.
	Commands []Command
	// KeepWorkspace leaves the session directory behind on Close.
	KeepWorkspace bool
}

// Session is one REPL session. Evaluate, Check and the other methods that
// touch state are serialized; Kill and Stderr may be called concurrently.
type Session struct {
	mu       sync.Mutex
	opts     Options
	state    *state.State
	ws       *buildpipeline.Workspace
	compiler Compiler
	launch   Launcher
	analyzer Analyzer
	commands map[string]Command
	builds   int // compiles so far; every compile gets a fresh build number

	runnerMu sync.Mutex
	runner   Runner
	loaded   buildpipeline.Graph // modules the plugins in runner were built against

	stderr chan string
	closed bool
}

// New creates the session directory and runs the prelude.
func New(ctx context.Context, opts Options) (*Session, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	ws, err := buildpipeline.NewWorkspace(opts.Root, buildpipeline.WorkspaceOptions{
		GoBin:   opts.GoBin,
		Env:     opts.Env,
		Offline: opts.Config.Offline,
	})
	if err != nil {
		return nil, err
	}
	s := &Session{
		opts:     opts,
		state:    state.New(opts.Config),
		ws:       ws,
		compiler: opts.Compiler,
		launch:   opts.Launcher,
		analyzer: opts.Analyzer,
		stderr:   make(chan string, 256),
	}
	if s.compiler == nil {
		s.compiler = CompilerFunc(buildpipeline.Build)
	}
	if s.launch == nil {
		s.launch = launchWorker(opts.Progress)
	}
	if s.analyzer == nil {
		s.analyzer = &infer.Analyzer{}
	}
	s.registerCommands(opts.Commands)
	trace.Point(ctx, trace.ScopeSession, "session_created", ws.Dir())

	for i, snippet := range opts.Config.Prelude {
		if _, err := s.Evaluate(ctx, snippet); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("prelude snippet %d: %w", i+1, err)
		}
	}
	return s, nil
}

// launchWorker builds the worker binary once per workspace and starts it.
func launchWorker(progress buildpipeline.ProgressSink) Launcher {
	return func(ctx context.Context, ws *buildpipeline.Workspace) (Runner, error) {
		bin := ws.WorkerPath()
		if _, err := os.Stat(bin); err != nil {
			if bin, err = buildpipeline.BuildWorker(ctx, ws, progress); err != nil {
				return nil, err
			}
		}
		return worker.Start(bin, worker.Options{Dir: ws.Dir()})
	}
}

// Dir returns the session directory.
func (s *Session) Dir() string { return s.ws.Dir() }

// Config returns the current settings.
func (s *Session) Config() state.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Config
}

// Stderr streams the worker's stderr lines. Lines are dropped when nobody
// reads them.
func (s *Session) Stderr() <-chan string { return s.stderr }

// Variable describes one live variable.
type Variable struct {
	Name    string
	Type    string
	Mutable bool
}

// Variables lists the live variables in name order.
func (s *Session) Variables() []Variable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.variables()
}

func (s *Session) variables() []Variable {
	names := s.state.VariableNames()
	out := make([]Variable, 0, len(names))
	for _, name := range names {
		v := s.state.Variables[name]
		out = append(out, Variable{Name: name, Type: v.Type, Mutable: v.Mutable})
	}
	return out
}

// Kill terminates the worker. An evaluation in flight returns
// SubprocessTerminated and the session carries on with no variables.
func (s *Session) Kill() error {
	s.runnerMu.Lock()
	r := s.runner
	s.runnerMu.Unlock()
	if r == nil {
		return nil
	}
	return r.Kill()
}

// Restart stops the worker and forgets every variable. Items, imports and
// dependencies stay.
func (s *Session) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ClearVariables()
	return s.stopRunner()
}

// Close stops the worker and removes the session directory.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.stopRunner()
	if !s.opts.KeepWorkspace {
		err = errors.Join(err, s.ws.Remove())
	}
	return err
}

func (s *Session) stopRunner() error {
	s.runnerMu.Lock()
	r := s.runner
	s.runner = nil
	s.loaded = nil
	s.runnerMu.Unlock()
	if r == nil {
		return nil
	}
	return r.Close()
}

// ensureRunner starts a worker unless a live one exists.
func (s *Session) ensureRunner(ctx context.Context) (Runner, error) {
	s.runnerMu.Lock()
	r := s.runner
	s.runnerMu.Unlock()
	if r != nil && r.Alive() {
		return r, nil
	}
	if r != nil {
		_ = r.Close()
	}
	ctx, span := trace.Start(ctx, trace.ScopePhase, "start_worker")
	r, err := s.launch(ctx, s.ws)
	span.EndErr(err)
	if err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	go forward(r.Stderr(), s.stderr)
	s.runnerMu.Lock()
	s.runner = r
	s.loaded = nil
	s.runnerMu.Unlock()
	return r, nil
}

// markLoaded records that the worker loaded a plugin built against the
// current module graph.
func (s *Session) markLoaded() {
	s.runnerMu.Lock()
	defer s.runnerMu.Unlock()
	s.loaded = s.loaded.Merge(s.ws.ModuleGraph())
}

// graphChanges lists the loaded modules the current module graph resolves
// differently.
func (s *Session) graphChanges() []string {
	s.runnerMu.Lock()
	defer s.runnerMu.Unlock()
	return s.loaded.Changed(s.ws.ModuleGraph())
}

func forward(from <-chan string, to chan<- string) {
	if from == nil {
		return
	}
	for line := range from {
		select {
		case to <- line:
		default:
		}
	}
}

var errClosed = errors.New("session closed")
