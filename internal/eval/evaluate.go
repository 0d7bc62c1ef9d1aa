package eval

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"path/filepath"
	"strings"
	"time"

	"gorepl/internal/buildpipeline"
	"gorepl/internal/codegen"
	"gorepl/internal/diag"
	"gorepl/internal/diagmap"
	"gorepl/internal/fix"
	"gorepl/internal/infer"
	"gorepl/internal/observ"
	"gorepl/internal/segment"
	"gorepl/internal/state"
	"gorepl/internal/trace"
	"gorepl/internal/worker"
)

// Part is one piece of output: plain text or a rich display block.
type Part = worker.Part

// Output is what one evaluation produced.
type Output struct {
	Parts    []Part
	Panicked bool
	// Dropped lists variables this evaluation discarded.
	Dropped []string
	Fixes   []fix.AppliedFix
	// Timings is set when timings are on.
	Timings *observ.Report
}

// Text concatenates the plain text parts.
func (o *Output) Text() string {
	var b strings.Builder
	for _, p := range o.Parts {
		if p.MIME == worker.TextPlain {
			b.WriteString(p.Content)
		}
	}
	return b.String()
}

func (o *Output) addText(s string) {
	if s == "" {
		return
	}
	if n := len(o.Parts); n > 0 && o.Parts[n-1].MIME == worker.TextPlain {
		o.Parts[n-1].Content += s
		return
	}
	o.Parts = append(o.Parts, Part{MIME: worker.TextPlain, Content: s})
}

func (o *Output) add(parts []Part) {
	for _, p := range parts {
		if p.MIME == worker.TextPlain {
			o.addText(p.Content)
			continue
		}
		o.Parts = append(o.Parts, p)
	}
}

// attempt is one input in flight: a clone of the state plus what the
// commands of the input asked for.
type attempt struct {
	input   string
	st      *state.State
	out     *Output
	timer   *observ.Timer
	check   bool
	restart bool // code built against other dependency versions is loaded
}

func (s *Session) newAttempt(input string, check bool) *attempt {
	return &attempt{
		input: input,
		st:    s.state.Clone(),
		out:   &Output{},
		timer: observ.NewTimer(),
		check: check,
	}
}

// Evaluate runs one input. The state advances only when the input
// compiled and ran; the returned Output holds whatever was produced, also
// on error.
func (s *Session) Evaluate(ctx context.Context, input string) (*Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &Output{}, errClosed
	}
	ctx, span := trace.Start(ctx, trace.ScopeSession, "evaluate")
	a := s.newAttempt(input, false)
	err := s.evaluate(ctx, a)
	if a.st.Config.ShowTimings {
		r := a.timer.Report()
		a.out.Timings = &r
	}
	span.EndErr(err)
	return a.out, err
}

func (s *Session) evaluate(ctx context.Context, a *attempt) error {
	block, parsed := segment.Split(a.input)
	applied, err := s.prepare(ctx, a, block, parsed)
	if err != nil {
		return err
	}
	if s.noop(a, applied) {
		if a.restart {
			_ = s.stopRunner()
		}
		a.st.Commit()
		s.state = a.st
		return nil
	}
	b, err := s.compile(ctx, a, applied)
	if err != nil {
		return err
	}
	return s.run(ctx, a, b)
}

// prepare runs the commands of the input and applies its code to the clone.
func (s *Session) prepare(ctx context.Context, a *attempt, block segment.CodeBlock, parsed *segment.Parsed) (*state.Applied, error) {
	for _, seg := range block.Commands() {
		cmd, ok := seg.Kind.(segment.Command)
		if !ok {
			continue
		}
		if err := s.runCommand(ctx, a, cmd); err != nil {
			return nil, err
		}
	}
	var applied *state.Applied
	err := a.timer.Track("apply", func() error {
		var err error
		applied, err = a.st.Apply(block, parsed)
		return err
	})
	var rn *state.ReservedNameError
	if errors.As(err, &rn) {
		return nil, &CompilationErrors{Errors: []diag.CompilationError{{
			Message:  rn.Error(),
			Code:     diag.RplReservedName,
			Severity: diag.SevError,
			Origins:  []segment.CodeKind{segment.OtherUserCode{}},
		}}}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply input: %w", err)
	}
	return applied, nil
}

// noop reports an input that changes nothing a build would see.
func (s *Session) noop(a *attempt, applied *state.Applied) bool {
	return len(applied.Statements) == 0 &&
		applied.Display == nil &&
		!applied.ItemsChanged &&
		len(applied.Dropped) == 0 &&
		a.st.DepsDigest() == s.state.DepsDigest()
}

type built struct {
	artifact string
	entry    string
}

// compile runs the build/fix loop until the unit builds, the fixes run
// out or the retry budget is spent.
func (s *Session) compile(ctx context.Context, a *attempt, applied *state.Applied) (built, error) {
	st := a.st
	if err := a.timer.Track("manifest", func() error { return s.ws.SyncManifest(ctx, st) }); err != nil {
		return built{}, err
	}
	s.checkGraph(ctx, a)
	a.out.Dropped = append(a.out.Dropped, applied.Dropped...)
	fallbacks := map[string]bool{}
	if err := s.infer(ctx, a, applied, fallbacks); err != nil {
		return built{}, err
	}
	for retry := 0; ; retry++ {
		s.builds++
		st.BuildNum = s.builds
		ctx, span := trace.Start(trace.WithBuild(ctx, st.BuildNum), trace.ScopeAttempt, "attempt")
		span.AttrInt("retry", retry)
		// a fix may have raised the language version
		if err := s.ws.SyncManifest(ctx, st); err != nil {
			span.EndErr(err)
			return built{}, err
		}
		unit := codegen.Generate(st, applied, codegen.Options{Mode: codegen.ModeBuild, Fallbacks: fallbacks})
		res, err := s.build(ctx, a, unit, a.check)
		if err != nil {
			span.EndErr(err)
			return built{}, err
		}
		if !res.Failed {
			span.EndErr(nil)
			return built{artifact: res.Artifact, entry: unit.Entry}, nil
		}
		errs := diagmap.NewUnit(s.ws.UnitRelPath(st.BuildNum), unit.Layout, a.input).MapAll(res.Diagnostics)
		span.AttrInt("errors", len(errs)).EndErr(fmt.Errorf("%d errors", len(errs)))
		if retry >= st.Config.MaxFixRetries {
			return built{}, s.surface(ctx, a, applied, fallbacks, errs)
		}
		fixes, unfixed := fix.Plan(errs)
		if actionable(unfixed) {
			return built{}, s.surface(ctx, a, applied, fallbacks, errs)
		}
		result, err := fix.Apply(st, fallbacks, fixes)
		if len(result.Surface) > 0 {
			return built{}, s.surface(ctx, a, applied, fallbacks, append(result.Surface, unfixed...))
		}
		if errors.Is(err, fix.ErrNoFixes) {
			return built{}, s.surface(ctx, a, applied, fallbacks, errs)
		}
		for _, f := range result.Applied {
			trace.Point(ctx, trace.ScopeAttempt, "fix_"+f.Action.String(), f.Detail)
			if f.Action == fix.ActionDropVariable {
				a.out.Dropped = append(a.out.Dropped, f.Variable)
			}
		}
		a.out.Fixes = append(a.out.Fixes, result.Applied...)
	}
}

// checkGraph replaces the worker before the next run when a module it has
// loaded code from resolves to another version: a process cannot load two
// builds of one package. The variables go with it, so the unit generated
// next does not load them.
func (s *Session) checkGraph(ctx context.Context, a *attempt) {
	if a.check || a.restart {
		return
	}
	changed := s.graphChanges()
	if len(changed) == 0 {
		return
	}
	trace.Point(ctx, trace.ScopeDetail, "module_graph_changed", strings.Join(changed, " "))
	c := &CommandContext{Session: s, State: a.st, attempt: a}
	c.RestartWorker()
	c.Printf("%s changed, variables cleared\n", strings.Join(changed, ", "))
}

func actionable(errs []diag.CompilationError) bool {
	for _, e := range errs {
		if e.IsUserActionable() {
			return true
		}
	}
	return false
}

// surface turns the final errors into CompilationErrors. A failure in user
// code gets one more compile without the recover boundary; that build is
// for the trace only and the original errors are returned.
func (s *Session) surface(ctx context.Context, a *attempt, applied *state.Applied, fallbacks map[string]bool, errs []diag.CompilationError) error {
	errs = diagmap.Filter(errs)
	if !a.check && actionable(errs) && a.st.Config.PreserveVarsOnPanic {
		s.builds++
		a.st.BuildNum = s.builds
		ctx := trace.WithBuild(ctx, a.st.BuildNum)
		unit := codegen.Generate(a.st, applied, codegen.Options{
			Mode:           codegen.ModeBuild,
			Fallbacks:      fallbacks,
			NoPanicWrapper: true,
		})
		if res, err := s.build(ctx, a, unit, true); err == nil {
			trace.Point(ctx, trace.ScopeDetail, "unwrapped_check", fmt.Sprintf("%d diagnostics", len(res.Diagnostics)))
		}
	}
	return &CompilationErrors{Errors: errs}
}

func (s *Session) build(ctx context.Context, a *attempt, unit *codegen.Unit, checkOnly bool) (buildpipeline.BuildResult, error) {
	ctx, span := trace.Start(ctx, trace.ScopePhase, "build")
	if checkOnly {
		span.Attr("mode", "check")
	}
	req := &buildpipeline.BuildRequest{
		Workspace: s.ws,
		Code:      unit.Code,
		BuildNum:  a.st.BuildNum,
		OptLevel:  a.st.Config.OptLevel,
		CheckOnly: checkOnly,
		Progress:  s.opts.Progress,
	}
	if s.opts.Cache != nil && a.st.Config.CacheBytes > 0 {
		req.Cache = s.opts.Cache
		req.CacheBudget = a.st.Config.CacheBytes
		req.ToolExec = s.opts.ToolExec
	}
	var res buildpipeline.BuildResult
	err := a.timer.Track("build", func() error {
		var err error
		res, err = s.compiler.Build(ctx, req)
		return err
	})
	switch {
	case err != nil:
		span.EndErr(err)
	case res.Failed:
		span.AttrInt("diagnostics", len(res.Diagnostics)).End("failed")
	default:
		span.Attr("artifact", filepath.Base(res.Artifact)).End("ok")
	}
	return res, err
}

// infer resolves the types of new unannotated variables and decides how
// the display expression is emitted. Without an answer the fix loop takes
// over: a pending type is substituted from the compiler's complaint and a
// display call without exactly one value falls back to a plain statement.
func (s *Session) infer(ctx context.Context, a *attempt, applied *state.Applied, fallbacks map[string]bool) error {
	st := a.st
	var pending []string
	for _, name := range st.VariableNames() {
		if st.Variables[name].Pending() {
			pending = append(pending, name)
		}
	}
	wantDisplay := applied.Display != nil && isCall(applied.DisplayExpr)
	if len(pending) == 0 && !wantDisplay {
		return nil
	}
	ctx, span := trace.Start(ctx, trace.ScopePhase, "infer")
	defer span.End("")

	unit := codegen.Generate(st, applied, codegen.Options{Mode: codegen.ModeAnalysis})
	var res *infer.Result
	err := a.timer.Track("infer", func() error {
		var err error
		res, err = s.analyzer.Analyze(ctx, s.analysisRequest(st, unit, pending, wantDisplay))
		return err
	})
	if err != nil {
		trace.Point(ctx, trace.ScopeDetail, "infer_failed", err.Error())
		return nil
	}
	if wantDisplay && res.DisplayValues >= 0 && res.DisplayValues != 1 {
		fallbacks[codegen.DisplayKey] = true
	}
	var lost []diag.CompilationError
	for _, name := range pending {
		vt, ok := res.Vars[name]
		if !ok {
			continue
		}
		if vt.Uncapturable != "" {
			lost = append(lost, uncapturableVariable(st, name, vt))
			continue
		}
		st.SetType(name, vt.Type, vt.Imports)
	}
	if len(lost) > 0 {
		return &CompilationErrors{Errors: lost}
	}
	return nil
}

func (s *Session) analysisRequest(st *state.State, unit *codegen.Unit, vars []string, display bool) infer.Request {
	imports := make(map[string]string, len(st.Imports))
	for name, imp := range st.Imports {
		imports[imp.Path] = name
	}
	return infer.Request{
		Dir:     s.ws.Dir(),
		File:    s.ws.AnalysisFile(),
		Src:     unit.Code,
		Entry:   unit.Entry,
		Vars:    vars,
		Imports: imports,
		Display: display,
		Env:     s.ws.Environ(),
	}
}

func uncapturableVariable(st *state.State, name string, vt infer.VarType) diag.CompilationError {
	e := diag.CompilationError{
		Message:  fmt.Sprintf("variable %s cannot be kept between evaluations: its type %s cannot be named here (%s)", name, vt.Type, vt.Uncapturable),
		Code:     diag.RplUncapturableType,
		Severity: diag.SevError,
		Origins:  []segment.CodeKind{segment.OtherUserCode{}},
		Variable: name,
		Help:     []string{"convert the value to an exported type, or use it within a single evaluation"},
	}
	if v, ok := st.Variables[name]; ok && v.Defined != nil {
		span := *v.Defined
		e.Spanned = []diag.SpannedMessage{{Span: &span, Message: "defined here", Primary: true}}
	}
	return e
}

// isCall reports whether expr is a call, the only expression that may
// yield no value or several.
func isCall(expr string) bool {
	e, err := parser.ParseExpr(expr)
	if err != nil {
		return false
	}
	_, ok := ast.Unparen(e).(*ast.CallExpr)
	return ok
}

// run executes a built unit and settles the state from the outcome.
func (s *Session) run(ctx context.Context, a *attempt, b built) error {
	if a.restart {
		_ = s.stopRunner()
	}
	r, err := s.ensureRunner(ctx)
	if err != nil {
		return err
	}
	ctx, span := trace.Start(trace.WithBuild(ctx, a.st.BuildNum), trace.ScopePhase, "run")
	span.Attr("entry", b.entry)

	var outcome worker.Outcome
	s.progress(buildpipeline.StageRun, buildpipeline.StatusWorking, nil, 0)
	start := time.Now()
	runErr := a.timer.Track("run", func() error {
		var err error
		outcome, err = r.Run(ctx, b.artifact, b.entry, s.opts.Handler)
		return err
	})
	if outcome.Panicked {
		span.Attr("panicked", "true")
	}
	span.AttrInt("changed_type", len(outcome.ChangedType)).EndErr(runErr)
	if runErr != nil || outcome.Panicked || len(outcome.ChangedType) > 0 {
		s.progress(buildpipeline.StageRun, buildpipeline.StatusError, runErr, time.Since(start))
	} else {
		s.progress(buildpipeline.StageRun, buildpipeline.StatusDone, nil, time.Since(start))
	}
	a.out.add(outcome.Parts)

	var term *SubprocessTerminated
	switch {
	case errors.As(runErr, &term):
		// nothing the worker held can be trusted; the input itself did not
		// complete, so none of it is committed
		a.out.Dropped = append(a.out.Dropped, s.state.VariableNames()...)
		s.state.ClearVariables()
		_ = s.stopRunner()
		if _, err := s.ensureRunner(context.WithoutCancel(ctx)); err != nil {
			trace.Point(ctx, trace.ScopeDetail, "restart_failed", err.Error())
		}
		return runErr
	case runErr != nil:
		return fmt.Errorf("failed to run evaluation: %w", runErr)
	}
	s.markLoaded()

	if len(outcome.ChangedType) > 0 {
		s.state.DropVariables(outcome.ChangedType...)
		a.out.Dropped = append(a.out.Dropped, outcome.ChangedType...)
		return &TypeRedefinedVariablesLost{Variables: outcome.ChangedType}
	}
	a.out.Panicked = outcome.Panicked
	if outcome.Panicked {
		a.out.Dropped = append(a.out.Dropped, a.st.DropNewVariables()...)
	}
	a.st.Commit()
	s.state = a.st
	return nil
}

func (s *Session) progress(stage buildpipeline.Stage, status buildpipeline.Status, err error, elapsed time.Duration) {
	if s.opts.Progress != nil {
		s.opts.Progress.OnEvent(buildpipeline.Event{Stage: stage, Status: status, Err: err, Elapsed: elapsed})
	}
}

// Check compiles the input against the current state without running it
// or changing anything. It returns the errors the input would produce.
func (s *Session) Check(ctx context.Context, input string) ([]diag.CompilationError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	ctx, span := trace.Start(ctx, trace.ScopeSession, "check")
	defer span.End("")

	a := s.newAttempt(input, true)
	block, parsed := segment.Split(input)
	applied, err := s.prepare(ctx, a, block, parsed)
	if err == nil && !s.noop(a, applied) {
		_, err = s.compile(ctx, a, applied)
	}
	var ce *CompilationErrors
	if errors.As(err, &ce) {
		return ce.Errors, nil
	}
	return nil, err
}

// Completions are candidates for the identifier ending at an offset of the
// input, with the range they replace.
type Completions = infer.Completions

// Candidate is one completion.
type Candidate = infer.Candidate

// Completions lists candidates at offset in input, a byte offset into the
// text as typed.
func (s *Session) Completions(ctx context.Context, input string, offset int) (Completions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 || offset > len(input) {
		offset = len(input)
	}
	none := Completions{Start: offset, End: offset}
	if s.closed {
		return none, errClosed
	}
	if c, ok := s.commandCompletions(input, offset); ok {
		return c, nil
	}
	ctx, span := trace.Start(ctx, trace.ScopeSession, "completions")
	defer span.End("")

	st := s.state.Clone()
	block, parsed := segment.Split(input)
	applied, err := st.Apply(block, parsed)
	if err != nil {
		return none, nil
	}
	unit := codegen.Generate(st, applied, codegen.Options{Mode: codegen.ModeAnalysis})
	at, ok := unit.Layout.UserOffsetToOutputOffset(offset)
	if !ok {
		return none, nil
	}
	if err := s.ws.SyncManifest(ctx, st); err != nil {
		return none, err
	}
	res, err := s.analyzer.Completions(ctx, s.analysisRequest(st, unit, nil, false), at)
	if err != nil {
		return none, err
	}
	start, ok1 := unit.Layout.OutputOffsetToUserOffset(res.Start)
	end, ok2 := unit.Layout.OutputOffsetToUserOffset(res.End)
	if !ok1 || !ok2 {
		start, end = offset, offset
	}
	return Completions{Start: start, End: end, Items: res.Items}, nil
}
