package eval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"gorepl/internal/buildpipeline"
	"gorepl/internal/diag"
	"gorepl/internal/infer"
	"gorepl/internal/state"
	"gorepl/internal/trace"
	"gorepl/internal/worker"
)

// fakeGo resolves the module graph from go.mod plus the lines of
// extra.graph, standing in for modules the requirements pull in.
const fakeGo = `#!/bin/sh
if [ "$1" = "list" ]; then
  awk '$1 == "require" && NF >= 3 { print $2, $3 } /^\t/ && NF >= 2 && $2 ~ /^v/ { print $1, $2 }' go.mod
  cat extra.graph 2>/dev/null
fi
exit 0
`

type fakeCompiler struct {
	mu   sync.Mutex
	reqs []buildpipeline.BuildRequest
	// fail returns the diagnostics of a failed build of code.
	fail func(code string) []diag.Diagnostic
}

func (f *fakeCompiler) Build(_ context.Context, req *buildpipeline.BuildRequest) (buildpipeline.BuildResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, *req)
	var res buildpipeline.BuildResult
	if f.fail != nil {
		if d := f.fail(req.Code); len(d) > 0 {
			// the go command names the package directory of this build
			for i := range d {
				if d[i].Primary.File == "unit/unit.go" {
					d[i].Primary.File = buildpipeline.UnitPackage(req.BuildNum) + "/unit.go"
				}
			}
			res.Failed = true
			res.Diagnostics = d
			return res, nil
		}
	}
	if !req.CheckOnly {
		res.Artifact = fmt.Sprintf("unit_%d.so", req.BuildNum)
	}
	return res, nil
}

func (f *fakeCompiler) last() buildpipeline.BuildRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

func (f *fakeCompiler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type fakeRunner struct {
	mu      sync.Mutex
	runs    []string
	outcome func(entry string) (worker.Outcome, error)
	dead    bool
	closed  bool
}

func (r *fakeRunner) Run(_ context.Context, artifact, entry string, _ worker.Handler) (worker.Outcome, error) {
	r.mu.Lock()
	r.runs = append(r.runs, artifact)
	r.mu.Unlock()
	if r.outcome == nil {
		return worker.Outcome{}, nil
	}
	out, err := r.outcome(entry)
	var st *worker.SubprocessTerminated
	if errors.As(err, &st) {
		r.mu.Lock()
		r.dead = true
		r.mu.Unlock()
	}
	return out, err
}

func (r *fakeRunner) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.dead && !r.closed
}

func (r *fakeRunner) Kill() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead = true
	return nil
}

func (r *fakeRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRunner) Stderr() <-chan string { return nil }

type fakeAnalyzer struct {
	types   map[string]string
	lost    map[string]string
	display int
	reqs    []infer.Request
	items   []infer.Candidate
}

func (a *fakeAnalyzer) Analyze(_ context.Context, req infer.Request) (*infer.Result, error) {
	a.reqs = append(a.reqs, req)
	res := &infer.Result{Vars: map[string]infer.VarType{}, DisplayValues: a.display}
	for _, name := range req.Vars {
		if why, ok := a.lost[name]; ok {
			res.Vars[name] = infer.VarType{Type: "local", Uncapturable: why}
			continue
		}
		if typ, ok := a.types[name]; ok {
			res.Vars[name] = infer.VarType{Type: typ}
		}
	}
	return res, nil
}

func (a *fakeAnalyzer) Completions(_ context.Context, req infer.Request, offset int) (infer.Completions, error) {
	a.reqs = append(a.reqs, req)
	start := offset
	for start > 0 && req.Src[start-1] != '\t' && req.Src[start-1] != '\n' {
		start--
	}
	return infer.Completions{Start: start, End: offset, Items: a.items}, nil
}

type harness struct {
	s        *Session
	compiler *fakeCompiler
	analyzer *fakeAnalyzer
	launches int
	outcome  func(entry string) (worker.Outcome, error)
}

func newHarness(t *testing.T, tune func(*state.Config)) *harness {
	t.Helper()
	h := &harness{
		compiler: &fakeCompiler{},
		analyzer: &fakeAnalyzer{types: map[string]string{}, lost: map[string]string{}, display: -1},
	}
	cfg := state.DefaultConfig()
	if tune != nil {
		tune(&cfg)
	}
	s, err := New(context.Background(), h.options(t, cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	h.s = s
	return h
}

func (h *harness) options(t *testing.T, cfg state.Config) Options {
	goBin := ""
	if runtime.GOOS != "windows" {
		goBin = filepath.Join(t.TempDir(), "go")
		if err := os.WriteFile(goBin, []byte(fakeGo), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return Options{
		Config:   cfg,
		Root:     t.TempDir(),
		GoBin:    goBin,
		Compiler: h.compiler,
		Analyzer: h.analyzer,
		Launcher: func(context.Context, *buildpipeline.Workspace) (Runner, error) {
			h.launches++
			return &fakeRunner{outcome: func(entry string) (worker.Outcome, error) {
				if h.outcome == nil {
					return worker.Outcome{}, nil
				}
				return h.outcome(entry)
			}}, nil
		},
	}
}

func (h *harness) eval(t *testing.T, input string) *Output {
	t.Helper()
	out, err := h.s.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate(%q): %v", input, err)
	}
	return out
}

func text(s string) worker.Outcome {
	return worker.Outcome{Parts: []worker.Part{{MIME: worker.TextPlain, Content: s}}}
}

func varList(vs []Variable) string {
	var parts []string
	for _, v := range vs {
		parts = append(parts, v.Name+":"+v.Type)
	}
	return strings.Join(parts, " ")
}

// diagAt reports msg at the first occurrence of needle in code.
func diagAt(code, needle, msg string) []diag.Diagnostic {
	i := strings.Index(code, needle)
	if i < 0 {
		return nil
	}
	line := strings.Count(code[:i], "\n") + 1
	col := i - (strings.LastIndexByte(code[:i], '\n') + 1) + 1
	return []diag.Diagnostic{diag.NewError(diag.Position{File: "unit/unit.go", Line: uint32(line), Col: uint32(col)}, msg)}
}

func TestEmptyInputIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	for _, input := range []string{"", "\n", "// nothing\n"} {
		out := h.eval(t, input)
		if len(out.Parts) != 0 {
			t.Fatalf("%q: output %+v", input, out.Parts)
		}
	}
	if n := h.compiler.count(); n != 0 {
		t.Fatalf("compiled %d times", n)
	}
	if h.launches != 0 {
		t.Fatal("worker started for no-op input")
	}
}

func TestVariablesPersist(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.types["a"] = "int"
	h.analyzer.types["b"] = "int"

	h.eval(t, "a := 34\nb := 8")
	if got := varList(h.s.Variables()); got != "a:int b:int" {
		t.Fatalf("variables = %s", got)
	}
	h.eval(t, "a = a + b")
	code := h.compiler.last().Code
	for _, name := range []string{"a", "b"} {
		if !strings.Contains(code, fmt.Sprintf(`replrt.Load[int](replStore, %q`, name)) {
			t.Fatalf("unit does not load %s:\n%s", name, code)
		}
	}
	h.outcome = func(string) (worker.Outcome, error) { return text("42\n"), nil }
	if out := h.eval(t, "a"); out.Text() != "42\n" {
		t.Fatalf("output = %q", out.Text())
	}
	if h.launches != 1 {
		t.Fatalf("launches = %d", h.launches)
	}
}

func TestBuildNumbersAreUnique(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.types["x"] = "int"
	h.eval(t, "x := 1")
	h.eval(t, "x++")
	seen := map[int]bool{}
	for _, req := range h.compiler.reqs {
		if seen[req.BuildNum] {
			t.Fatalf("build number %d reused", req.BuildNum)
		}
		seen[req.BuildNum] = true
	}
}

func TestPanicDropsNewVariables(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.types["a"] = "int"
	h.analyzer.types["c"] = "string"
	h.eval(t, "a := 1")
	h.outcome = func(string) (worker.Outcome, error) { return worker.Outcome{Panicked: true}, nil }
	out := h.eval(t, `c := "x"`)
	if !out.Panicked || !slices.Equal(out.Dropped, []string{"c"}) {
		t.Fatalf("output = %+v", out)
	}
	if got := varList(h.s.Variables()); got != "a:int" {
		t.Fatalf("variables = %s", got)
	}
}

func TestChangedTypeLosesVariables(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.types["a"] = "int"
	h.analyzer.types["b"] = "int"
	h.eval(t, "a := 1\nb := 2")
	h.outcome = func(string) (worker.Outcome, error) { return worker.Outcome{ChangedType: []string{"a"}}, nil }
	_, err := h.s.Evaluate(context.Background(), "b++")
	var lost *TypeRedefinedVariablesLost
	if !errors.As(err, &lost) || !slices.Equal(lost.Variables, []string{"a"}) {
		t.Fatalf("err = %v", err)
	}
	if got := varList(h.s.Variables()); got != "b:int" {
		t.Fatalf("variables = %s", got)
	}
}

func TestRedefiningNestedTypeLosesVariables(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.types["l"] = "Line"
	h.analyzer.types["n"] = "int"
	h.eval(t, "type Point struct{ X, Y int }\ntype Line struct{ A, B Point }\nl := Line{}\nn := 1")
	if got := varList(h.s.Variables()); got != "l:Line n:int" {
		t.Fatalf("variables = %s", got)
	}
	out := h.eval(t, "type Point struct{ X, Y, Z string }")
	if !slices.Equal(out.Dropped, []string{"l"}) {
		t.Fatalf("dropped = %v", out.Dropped)
	}
	if got := varList(h.s.Variables()); got != "n:int" {
		t.Fatalf("variables = %s", got)
	}
	if code := h.compiler.last().Code; strings.Contains(code, `replrt.Load[Line]`) {
		t.Fatalf("unit still loads l:\n%s", code)
	}
}

func TestWorkerDeathRestarts(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.types["a"] = "int"
	h.eval(t, "a := 1\nfunc g() {}")
	h.outcome = func(string) (worker.Outcome, error) {
		return text("partial"), &worker.SubprocessTerminated{Output: "partial", ExitCode: 3}
	}
	out, err := h.s.Evaluate(context.Background(), ":fallible on\nfunc f() {}\nf()")
	var st *SubprocessTerminated
	if !errors.As(err, &st) || st.ExitCode != 3 {
		t.Fatalf("err = %v", err)
	}
	if out.Text() != "partial" || !slices.Contains(out.Dropped, "a") {
		t.Fatalf("output = %+v", out)
	}
	if len(h.s.Variables()) != 0 {
		t.Fatalf("variables survived: %v", h.s.Variables())
	}
	if h.launches != 2 {
		t.Fatalf("launches = %d, want a restart", h.launches)
	}
	// the crashing input never completed: its items and toggles are gone,
	// earlier items stay
	h.outcome = nil
	h.eval(t, "g()")
	code := h.compiler.last().Code
	if !strings.Contains(code, "func g() {}") {
		t.Fatalf("committed item lost:\n%s", code)
	}
	if strings.Contains(code, "func f() {}") || strings.Contains(code, "replrt.Fallible") {
		t.Fatalf("crashed input was committed:\n%s", code)
	}
}

func TestMissingStoredVariableIsDroppedOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.types["a"] = "int"
	h.analyzer.types["b"] = "int"
	h.eval(t, "a := 1")
	before := h.compiler.count()
	h.compiler.fail = func(code string) []diag.Diagnostic {
		return diagAt(code, `replrt.Load[int](replStore, "a"`, "undefined: a")
	}
	out := h.eval(t, "b := 2")
	if n := h.compiler.count() - before; n != 2 {
		t.Fatalf("compiles = %d, want 2", n)
	}
	if !slices.Contains(out.Dropped, "a") || len(out.Fixes) != 1 {
		t.Fatalf("output = %+v", out)
	}
	if got := varList(h.s.Variables()); got != "b:int" {
		t.Fatalf("variables = %s", got)
	}
}

func TestUserErrorsSurface(t *testing.T) {
	h := newHarness(t, nil)
	h.compiler.fail = func(code string) []diag.Diagnostic {
		return diagAt(code, "nosuch()", "undefined: nosuch")
	}
	_, err := h.s.Evaluate(context.Background(), "x := nosuch()")
	var ce *CompilationErrors
	if !errors.As(err, &ce) || len(ce.Errors) != 1 {
		t.Fatalf("err = %v", err)
	}
	e := ce.Errors[0]
	span, ok := e.PrimarySpan()
	if !e.IsUserActionable() || !ok || span.StartLine != 1 || span.StartCol != 6 {
		t.Fatalf("error = %+v", e)
	}
	if n := h.compiler.count(); n != 2 {
		t.Fatalf("compiles = %d, want the failed build plus one check", n)
	}
	last := h.compiler.last()
	if !last.CheckOnly || strings.Contains(last.Code, "replrt.Recover") {
		t.Fatalf("second compile should be an unwrapped check:\n%s", last.Code)
	}
	if h.launches != 0 {
		t.Fatal("worker started for a failed build")
	}
}

func TestRetryBudget(t *testing.T) {
	h := newHarness(t, func(c *state.Config) { c.MaxFixRetries = 2 })
	// every attempt rejects the next import, each a fresh fallback to try
	h.compiler.fail = func(code string) []diag.Diagnostic {
		for _, p := range []string{"fmt", "os", "io"} {
			if d := diagAt(code, "\t\""+p+"\"", "\""+p+"\" imported and not used"); d != nil {
				return d
			}
		}
		return nil
	}
	_, err := h.s.Evaluate(context.Background(), "import (\n\t\"fmt\"\n\t\"os\"\n\t\"io\"\n)\nfmt.Sprint(os.Args, io.EOF)")
	var ce *CompilationErrors
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v", err)
	}
	if n := h.compiler.count(); n != 3 {
		t.Fatalf("compiles = %d, want the first build plus 2 retries", n)
	}
}

func TestDisplayOfVoidCallUsesPlainStatement(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.display = 0
	h.eval(t, "import \"fmt\"\nfmt.Println(1)")
	code := h.compiler.last().Code
	if strings.Contains(code, "replrt.Display(fmt.Println") || !strings.Contains(code, "fmt.Println(1)") {
		t.Fatalf("unit:\n%s", code)
	}
}

func TestUncapturableVariable(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.lost["v"] = "type local is declared inside a function"
	_, err := h.s.Evaluate(context.Background(), "v := makeLocal()")
	var ce *CompilationErrors
	if !errors.As(err, &ce) || len(ce.Errors) != 1 || ce.Errors[0].Code != diag.RplUncapturableType {
		t.Fatalf("err = %v", err)
	}
	if h.compiler.count() != 0 {
		t.Fatal("compiled an uncapturable variable")
	}
}

func TestReservedName(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.s.Evaluate(context.Background(), "replStore := 1")
	var ce *CompilationErrors
	if !errors.As(err, &ce) || ce.Errors[0].Code != diag.RplReservedName {
		t.Fatalf("err = %v", err)
	}
}

func TestCommands(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.types["a"] = "int"
	h.eval(t, "a := 1")

	tests := []struct {
		input string
		want  string
	}{
		{":vars", "a: int\n"},
		{":opt 0", "optimization level: 0\n"},
		{":types on", "types: on\n"},
		{":async", "async: on\n"},
		{":last_compile_dir", h.s.Dir() + "\n"},
	}
	for _, tt := range tests {
		if out := h.eval(t, tt.input); out.Text() != tt.want {
			t.Errorf("%s: output %q, want %q", tt.input, out.Text(), tt.want)
		}
	}
	cfg := h.s.Config()
	if cfg.OptLevel != 0 || !cfg.ShowTypes {
		t.Fatalf("config = %+v", cfg)
	}
	h.eval(t, "a")
	req := h.compiler.last()
	if req.OptLevel != 0 || !strings.Contains(req.Code, "replrt.DisplayTyped(a)") || !strings.Contains(req.Code, "replrt.Async(") {
		t.Fatalf("request opt %d, unit:\n%s", req.OptLevel, req.Code)
	}
}

func TestCommandErrors(t *testing.T) {
	h := newHarness(t, nil)
	tests := []string{":nope", ":opt 7", ":types maybe", ":cache"}
	for _, input := range tests {
		_, err := h.s.Evaluate(context.Background(), input)
		var ce *CommandError
		if !errors.As(err, &ce) {
			t.Errorf("%s: err = %v", input, err)
		}
	}
	if _, err := h.s.Evaluate(context.Background(), ":nope"); !errors.Is(err, errUnknownCommand) {
		t.Fatalf("err = %v", err)
	}
}

func TestCommandOutputPrecedesRun(t *testing.T) {
	h := newHarness(t, nil)
	h.outcome = func(string) (worker.Outcome, error) { return text("7\n"), nil }
	out := h.eval(t, ":timing on\n3 + 4")
	if out.Text() != "timing: on\n7\n" || out.Timings == nil {
		t.Fatalf("output = %+v", out)
	}
}

func TestRegisteredCommand(t *testing.T) {
	h := &harness{compiler: &fakeCompiler{}, analyzer: &fakeAnalyzer{display: -1}}
	opts := h.options(t, state.DefaultConfig())
	opts.Commands = []Command{{
		Name: "hello",
		Run: func(_ context.Context, c *CommandContext, args string) error {
			c.Printf("hello %s\n", args)
			return nil
		},
	}}
	s, err := New(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	out, err := s.Evaluate(context.Background(), ":hello gopher")
	if err != nil || out.Text() != "hello gopher\n" {
		t.Fatalf("output %q, err %v", out.Text(), err)
	}
}

type recordingHandler struct{ parts []worker.Part }

func (r *recordingHandler) Output(p worker.Part)               { r.parts = append(r.parts, p) }
func (r *recordingHandler) Input(string, bool) (string, error) { return "", nil }

type recordingSink struct{ events []buildpipeline.Event }

func (r *recordingSink) OnEvent(e buildpipeline.Event) { r.events = append(r.events, e) }

func TestHandlerSeesCommandOutputAndRunProgress(t *testing.T) {
	h := &harness{compiler: &fakeCompiler{}, analyzer: &fakeAnalyzer{types: map[string]string{}, display: -1}}
	handler := &recordingHandler{}
	sink := &recordingSink{}
	opts := h.options(t, state.DefaultConfig())
	opts.Handler = handler
	opts.Progress = sink
	s, err := New(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Evaluate(context.Background(), ":timing off\nprintln()"); err != nil {
		t.Fatal(err)
	}
	if len(handler.parts) != 1 || handler.parts[0].Content != "timing: off\n" {
		t.Fatalf("handler parts = %+v", handler.parts)
	}
	var run []buildpipeline.Status
	for _, e := range sink.events {
		if e.Stage == buildpipeline.StageRun {
			run = append(run, e.Status)
		}
	}
	if !slices.Equal(run, []buildpipeline.Status{buildpipeline.StatusWorking, buildpipeline.StatusDone}) {
		t.Fatalf("run events = %v", run)
	}

	// checks stay silent
	if _, err := s.Check(context.Background(), ":timing on"); err != nil {
		t.Fatal(err)
	}
	if len(handler.parts) != 1 {
		t.Fatalf("check reached the handler: %+v", handler.parts)
	}
}

func TestDependencyChangeRestartsWorker(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.types["a"] = "int"
	h.eval(t, ":dep example.com/lib@v1.0.0\na := 1")
	out := h.eval(t, ":dep example.com/lib@v1.1.0")
	if !strings.Contains(out.Text(), "variables cleared") || len(h.s.Variables()) != 0 {
		t.Fatalf("output %q, variables %v", out.Text(), h.s.Variables())
	}
	if h.launches != 2 {
		t.Fatalf("launches = %d", h.launches)
	}
	mod, err := os.ReadFile(filepath.Join(h.s.Dir(), "go.mod"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(mod), "example.com/lib v1.1.0") {
		t.Fatalf("go.mod:\n%s", mod)
	}
}

func TestModuleGraphChangeRestartsWorker(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake go command is a shell script")
	}
	h := newHarness(t, nil)
	h.analyzer.types["x"] = "int"
	extra := filepath.Join(h.s.Dir(), "extra.graph")
	if err := os.WriteFile(extra, []byte("example.com/shared v1.0.0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	h.eval(t, ":dep example.com/a@v1.0.0\nx := 1")

	// a module the worker has not loaded from before changes nothing
	out := h.eval(t, ":dep example.com/b@v1.0.0")
	if strings.Contains(out.Text(), "variables cleared") || h.launches != 1 || varList(h.s.Variables()) != "x:int" {
		t.Fatalf("output %q, launches %d, variables %v", out.Text(), h.launches, h.s.Variables())
	}

	// the new requirement raises a module the loaded code was built with
	if err := os.WriteFile(extra, []byte("example.com/shared v1.2.0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out = h.eval(t, ":dep example.com/c@v1.0.0")
	if !strings.Contains(out.Text(), "example.com/shared changed, variables cleared") {
		t.Fatalf("output %q", out.Text())
	}
	if h.launches != 2 || len(h.s.Variables()) != 0 || !slices.Equal(out.Dropped, []string{"x"}) {
		t.Fatalf("launches %d, variables %v, dropped %v", h.launches, h.s.Variables(), out.Dropped)
	}
	if strings.Contains(h.compiler.last().Code, "Load[int]") {
		t.Fatalf("unit loads cleared variables:\n%s", h.compiler.last().Code)
	}
}

func TestTraceCommandShowsBuild(t *testing.T) {
	h := newHarness(t, nil)
	out := h.eval(t, ":trace")
	if !strings.Contains(out.Text(), "no trace ring") {
		t.Fatalf("without a ring: %q", out.Text())
	}

	ring := trace.NewRingTracer(256, trace.LevelDetail)
	ctx := trace.WithTracer(context.Background(), ring)
	if _, err := h.s.Evaluate(ctx, "println(1)"); err != nil {
		t.Fatal(err)
	}
	out, err := h.s.Evaluate(ctx, ":trace")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"attempt b1", "build b1 (ok) {artifact=unit_1.so}", "run b1 (ok) {changed_type=0, entry=ReplEval1}"} {
		if !strings.Contains(out.Text(), want) {
			t.Fatalf("missing %q in\n%s", want, out.Text())
		}
	}
	if strings.Contains(out.Text(), "evaluate") {
		t.Fatalf("events outside the build:\n%s", out.Text())
	}
	out, err = h.s.Evaluate(ctx, ":trace 9")
	if err != nil || out.Text() != "no traced events for build 9\n" {
		t.Fatalf("build 9: %q, %v", out.Text(), err)
	}
	if _, err := h.s.Evaluate(ctx, ":trace x"); err == nil {
		t.Fatal("accepted a bad build number")
	}
}

func TestClear(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.types["a"] = "int"
	h.eval(t, "type T int\na := 1")
	h.eval(t, ":clear")
	if len(h.s.Variables()) != 0 {
		t.Fatal("variables survived :clear")
	}
	h.eval(t, "1")
	if strings.Contains(h.compiler.last().Code, "type T int") {
		t.Fatal("items survived :clear")
	}
}

func TestRestartKeepsItems(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.types["a"] = "int"
	h.eval(t, "type T int\na := 1")
	if err := h.s.Restart(); err != nil {
		t.Fatal(err)
	}
	if len(h.s.Variables()) != 0 {
		t.Fatal("variables survived Restart")
	}
	h.eval(t, "1")
	if !strings.Contains(h.compiler.last().Code, "type T int") {
		t.Fatal("items lost on Restart")
	}
	if h.launches != 2 {
		t.Fatalf("launches = %d", h.launches)
	}
}

func TestCheckHasNoEffect(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.types["a"] = "int"
	errs, err := h.s.Check(context.Background(), ":opt 0\na := 1")
	if err != nil || len(errs) != 0 {
		t.Fatalf("Check = %v, %v", errs, err)
	}
	if !h.compiler.last().CheckOnly || h.compiler.last().OptLevel != 0 {
		t.Fatalf("request = %+v", h.compiler.last())
	}
	if len(h.s.Variables()) != 0 || h.s.Config().OptLevel != 2 || h.launches != 0 {
		t.Fatal("Check changed the session")
	}

	h.compiler.fail = func(code string) []diag.Diagnostic {
		return diagAt(code, "nosuch", "undefined: nosuch")
	}
	errs, err = h.s.Check(context.Background(), "nosuch")
	if err != nil || len(errs) != 1 || errs[0].Code != diag.TypUndefinedName {
		t.Fatalf("Check = %v, %v", errs, err)
	}
}

func TestCompletions(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.items = []infer.Candidate{{Name: "strings", Kind: infer.KindPackage}}
	input := "x := 1\nstr"
	got, err := h.s.Completions(context.Background(), input, len(input))
	if err != nil {
		t.Fatal(err)
	}
	if input[got.Start:got.End] != "str" || len(got.Items) != 1 {
		t.Fatalf("completions = %+v", got)
	}

	got, err = h.s.Completions(context.Background(), ":ti", 3)
	if err != nil || got.Start != 1 || len(got.Items) != 1 || got.Items[0].Name != "timing" {
		t.Fatalf("command completions = %+v, %v", got, err)
	}
}

func TestPrelude(t *testing.T) {
	h2 := &harness{compiler: &fakeCompiler{}, analyzer: &fakeAnalyzer{types: map[string]string{"x": "int"}, display: -1}}
	cfg := state.DefaultConfig()
	cfg.Prelude = []string{"x := 5"}
	s, err := New(context.Background(), h2.options(t, cfg))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if got := varList(s.Variables()); got != "x:int" {
		t.Fatalf("variables = %s", got)
	}

	cfg.Prelude = []string{":nope"}
	if _, err := New(context.Background(), h2.options(t, cfg)); err == nil || !strings.Contains(err.Error(), "prelude") {
		t.Fatalf("err = %v", err)
	}
}

type blockingRunner struct {
	fakeRunner
	started chan struct{}
	kill    chan struct{}
	once    sync.Once
}

func (r *blockingRunner) Run(context.Context, string, string, worker.Handler) (worker.Outcome, error) {
	close(r.started)
	<-r.kill
	return worker.Outcome{}, &worker.SubprocessTerminated{ExitCode: -1}
}

func (r *blockingRunner) Kill() error {
	r.once.Do(func() { close(r.kill) })
	return r.fakeRunner.Kill()
}

func TestKillInterruptsEvaluation(t *testing.T) {
	r := &blockingRunner{started: make(chan struct{}), kill: make(chan struct{})}
	launched := 0
	opts := Options{
		Config:   state.DefaultConfig(),
		Root:     t.TempDir(),
		Compiler: &fakeCompiler{},
		Analyzer: &fakeAnalyzer{display: -1},
		Launcher: func(context.Context, *buildpipeline.Workspace) (Runner, error) {
			launched++
			if launched == 1 {
				return r, nil
			}
			return &fakeRunner{}, nil
		},
	}
	s, err := New(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	errc := make(chan error, 1)
	go func() {
		_, err := s.Evaluate(context.Background(), "for {}")
		errc <- err
	}()
	<-r.started
	if err := s.Kill(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		var st *SubprocessTerminated
		if !errors.As(err, &st) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Evaluate did not return after Kill")
	}
}

func TestClosedSession(t *testing.T) {
	h := newHarness(t, nil)
	dir := h.s.Dir()
	if err := h.s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("session dir left behind: %v", err)
	}
	if _, err := h.s.Evaluate(context.Background(), "1"); !errors.Is(err, errClosed) {
		t.Fatalf("err = %v", err)
	}
}
