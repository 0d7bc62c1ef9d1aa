package buildpipeline

import (
	"context"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/mod/modfile"

	"gorepl/internal/diag"
	"gorepl/internal/state"
)

const fakeGo = `#!/bin/sh
case "$1" in
  list)
    echo replsession
    awk '$1 == "require" && NF >= 3 { print $2, $3 } /^\t/ && NF >= 2 && $2 ~ /^v/ { print $1, $2 }' go.mod
    exit 0 ;;
  get)
    echo "$2" >> gets.log
    printf 'require %s v1.2.3\n' "${2%@*}" >> go.mod
    exit 0 ;;
esac
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift ;;
  esac
  shift
done
if [ -n "$FAKE_GO_FAIL" ]; then
  printf '%s\n' '{"ImportPath":"replsession/unit/b1","Action":"build-output","Output":"# replsession/unit/b1\n"}'
  printf '%s\n' '{"ImportPath":"replsession/unit/b1","Action":"build-output","Output":"unit/b1/unit.go:3:2: undefined: y\n"}'
  printf '%s\n' '{"ImportPath":"replsession/unit/b1","Action":"build-fail"}'
  exit 1
fi
if [ -n "$FAKE_GO_BROKEN" ]; then
  echo "go: cannot find main module" >&2
  exit 1
fi
echo plugin > "$out"
`

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	opts := WorkspaceOptions{}
	if runtime.GOOS != "windows" {
		bin := filepath.Join(t.TempDir(), "go")
		if err := os.WriteFile(bin, []byte(fakeGo), 0o755); err != nil {
			t.Fatal(err)
		}
		opts.GoBin = bin
	}
	ws, err := NewWorkspace(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	return ws
}

func TestNewWorkspaceLayout(t *testing.T) {
	ws := newWorkspace(t)
	for _, p := range []string{
		filepath.Join(ws.Dir(), "replrt", "store.go"),
		filepath.Join(ws.Dir(), "replrt", "serve.go"),
		filepath.Join(ws.Dir(), "cmd", "worker", "main.go"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("missing %s: %v", p, err)
		}
	}
	if _, err := os.Stat(filepath.Join(ws.Dir(), "replrt", "embed.go")); err == nil {
		t.Fatal("embed.go must stay out of the session")
	}
	if !strings.HasPrefix(filepath.Base(ws.Dir()), "gorepl-") {
		t.Fatalf("unexpected session dir %s", ws.Dir())
	}
}

func TestBuildArgs(t *testing.T) {
	ws := newWorkspace(t)
	req := &BuildRequest{Workspace: ws, BuildNum: 7, OptLevel: 0, ToolExec: "/bin/gorepl toolexec"}
	args := req.args("/x/unit.so")
	want := []string{
		"-buildmode=plugin",
		"-gcflags=replsession/unit/b7=-e -N -l",
		"-toolexec=/bin/gorepl toolexec",
		"./unit/b7",
	}
	for _, w := range want {
		if !slices.Contains(args, w) {
			t.Fatalf("args %q lack %q", args, w)
		}
	}
	req.OptLevel = 2
	req.ToolExec = ""
	args = req.args("/x/unit.so")
	if !slices.Contains(args, "-gcflags=replsession/unit/b7=-e") {
		t.Fatalf("optimized build keeps -N -l: %q", args)
	}
	for _, a := range args {
		if strings.HasPrefix(a, "-toolexec") {
			t.Fatal("no cache wrapper requested")
		}
	}
}

func TestBuildsUseDistinctPackages(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake go is a shell script")
	}
	ws := newWorkspace(t)
	for n := 1; n <= 3; n++ {
		res, err := Build(context.Background(), &BuildRequest{Workspace: ws, Code: "package main\n", BuildNum: n})
		if err != nil || res.Failed {
			t.Fatalf("build %d = %+v, %v", n, res, err)
		}
		if pkg := res.Args[len(res.Args)-1]; pkg != "./unit/b"+strconv.Itoa(n) {
			t.Fatalf("build %d compiled %s", n, pkg)
		}
		for _, a := range res.Args {
			if strings.Contains(a, "pluginpath") {
				t.Fatalf("plugin path overridden: %q", a)
			}
		}
	}
	entries, err := os.ReadDir(filepath.Join(ws.Dir(), "unit"))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if !slices.Equal(names, []string{"analysis", "b3"}) {
		t.Fatalf("unit dirs = %v", names)
	}
	for n := 1; n <= 3; n++ {
		if _, err := os.Stat(filepath.Join(ws.TargetDir(), "unit_"+strconv.Itoa(n)+".so")); err != nil {
			t.Fatalf("artifact of build %d: %v", n, err)
		}
	}
	if got := UnitImportPath(3); got != "replsession/unit/b3" {
		t.Fatalf("import path = %q", got)
	}
	if got := ws.UnitRelPath(3); got != "unit/b3/unit.go" {
		t.Fatalf("rel path = %q", got)
	}
}

func TestBuildRelocatesArtifact(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake go is a shell script")
	}
	ws := newWorkspace(t)
	var events []Event
	res, err := Build(context.Background(), &BuildRequest{Workspace: ws, Code: "package main\n", BuildNum: 3, Progress: sinkFunc(func(e Event) { events = append(events, e) })})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Failed || res.Artifact != filepath.Join(ws.TargetDir(), "unit_3.so") {
		t.Fatalf("result = %+v", res)
	}
	if _, err := os.Stat(res.Artifact); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if got, _ := os.ReadFile(ws.UnitFile(3)); string(got) != "package main\n" {
		t.Fatalf("unit = %q", got)
	}
	if len(events) != 2 || events[0].Status != StatusWorking || events[1].Status != StatusDone {
		t.Fatalf("events = %+v", events)
	}
}

func TestBuildReportsDiagnostics(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake go is a shell script")
	}
	t.Setenv("FAKE_GO_FAIL", "1")
	ws := newWorkspace(t)
	res, err := Build(context.Background(), &BuildRequest{Workspace: ws, Code: "package main\n", BuildNum: 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !res.Failed || res.Artifact != "" {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Diagnostics) != 1 || res.Diagnostics[0].Code != diag.TypUndefinedName {
		t.Fatalf("diagnostics = %+v", res.Diagnostics)
	}
}

func TestBuildToolchainFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake go is a shell script")
	}
	t.Setenv("FAKE_GO_BROKEN", "1")
	ws := newWorkspace(t)
	res, err := Build(context.Background(), &BuildRequest{Workspace: ws, Code: "package main\n", CheckOnly: true})
	if err == nil && len(res.Diagnostics) == 0 {
		t.Fatal("a failing go command must surface")
	}
}

func TestCheckDiscardsArtifact(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake go is a shell script")
	}
	ws := newWorkspace(t)
	res, err := Build(context.Background(), &BuildRequest{Workspace: ws, Code: "package main\n", CheckOnly: true})
	if err != nil || res.Failed || res.Artifact != "" {
		t.Fatalf("check = %+v, %v", res, err)
	}
	if _, err := os.Stat(filepath.Join(ws.TargetDir(), "check.so")); err == nil {
		t.Fatal("check artifact kept")
	}
}

func TestSyncManifest(t *testing.T) {
	ws := newWorkspace(t)
	st := state.New(state.DefaultConfig())
	st.LangVersion = "1.22"
	local := t.TempDir()
	for _, spec := range []string{"github.com/google/uuid@v1.6.0", "example.com/local=>" + local} {
		dep, err := state.NewExternalDep(spec, "")
		if err != nil {
			t.Fatal(err)
		}
		st.AddDep(dep)
	}
	if err := ws.SyncManifest(context.Background(), st); err != nil {
		t.Fatalf("SyncManifest: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(ws.Dir(), "go.mod"))
	if err != nil {
		t.Fatal(err)
	}
	f, err := modfile.Parse("go.mod", data, nil)
	if err != nil {
		t.Fatalf("generated go.mod does not parse: %v\n%s", err, data)
	}
	if f.Module.Mod.Path != Module || f.Go.Version != "1.22" {
		t.Fatalf("module %q go %q", f.Module.Mod.Path, f.Go.Version)
	}
	if len(f.Require) != 2 || len(f.Replace) != 1 || f.Replace[0].New.Path != local {
		t.Fatalf("requires %d replaces %+v", len(f.Require), f.Replace)
	}

	// unchanged deps leave the file alone
	if err := os.WriteFile(filepath.Join(ws.Dir(), "go.mod"), []byte("sentinel"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := ws.SyncManifest(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(filepath.Join(ws.Dir(), "go.mod")); string(data) != "sentinel" {
		t.Fatal("manifest rewritten without a change")
	}
}

func TestSyncManifestRewritesRequirements(t *testing.T) {
	ws := newWorkspace(t)
	st := state.New(state.DefaultConfig())
	local := t.TempDir()
	for _, spec := range []string{"github.com/google/uuid@v1.6.0", "example.com/local=>" + local} {
		dep, err := state.NewExternalDep(spec, "")
		if err != nil {
			t.Fatal(err)
		}
		st.AddDep(dep)
	}
	ctx := context.Background()
	if err := ws.SyncManifest(ctx, st); err != nil {
		t.Fatal(err)
	}
	if got := ws.ModuleGraph()["github.com/google/uuid"]; got != "v1.6.0" {
		t.Fatalf("graph %v", ws.ModuleGraph())
	}

	// a build records what the packages it compiled needed
	path := filepath.Join(ws.Dir(), "go.mod")
	f := parseMod(t, path)
	f.AddNewRequire("golang.org/x/text", "v0.3.0", true)
	data, err := f.Format()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		drop     string
		requires []string
		replaces int
	}{
		{"uuid removed", "github.com/google/uuid", []string{"example.com/local"}, 1},
		{"all removed", "example.com/local", nil, 0},
	}
	for _, tt := range tests {
		delete(st.Deps, tt.drop)
		if err := ws.SyncManifest(ctx, st); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		f := parseMod(t, path)
		var got []string
		for _, r := range f.Require {
			got = append(got, r.Mod.Path)
		}
		if !slices.Equal(got, tt.requires) || len(f.Replace) != tt.replaces {
			t.Fatalf("%s: requires %v replaces %d", tt.name, got, len(f.Replace))
		}
		if _, ok := ws.ModuleGraph()["github.com/google/uuid"]; ok {
			t.Fatalf("%s: graph %v", tt.name, ws.ModuleGraph())
		}
	}
}

func TestSyncManifestResolvesQueriesOnce(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake go command is a shell script")
	}
	ws := newWorkspace(t)
	st := state.New(state.DefaultConfig())
	ctx := context.Background()
	for _, spec := range []string{"example.com/q", "example.com/pinned@v1.0.0"} {
		dep, err := state.NewExternalDep(spec, "")
		if err != nil {
			t.Fatal(err)
		}
		st.AddDep(dep)
		if err := ws.SyncManifest(ctx, st); err != nil {
			t.Fatalf("%s: %v", spec, err)
		}
	}
	log, err := os.ReadFile(filepath.Join(ws.Dir(), "gets.log"))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Fields(string(log)); !slices.Equal(got, []string{"example.com/q@latest"}) {
		t.Fatalf("go get ran for %v", got)
	}
	want := Graph{"example.com/q": "v1.2.3", "example.com/pinned": "v1.0.0"}
	if got := ws.ModuleGraph(); !maps.Equal(got, want) {
		t.Fatalf("graph %v", got)
	}
}

func TestGraphChanged(t *testing.T) {
	loaded := Graph{"a": "v1.0.0", "b": "v1.2.0", "c": "v0.1.0 => /src/c"}
	tests := []struct {
		name string
		next Graph
		want []string
	}{
		{"same", Graph{"a": "v1.0.0", "b": "v1.2.0", "c": "v0.1.0 => /src/c"}, nil},
		{"module added", Graph{"a": "v1.0.0", "b": "v1.2.0", "c": "v0.1.0 => /src/c", "d": "v2.0.0"}, nil},
		{"module removed", Graph{"a": "v1.0.0"}, nil},
		{"version raised", Graph{"a": "v1.0.0", "b": "v1.3.0"}, []string{"b"}},
		{"replacement moved", Graph{"a": "v1.1.0", "c": "v0.1.0 => /other"}, []string{"a", "c"}},
	}
	for _, tt := range tests {
		if got := loaded.Changed(tt.next); !slices.Equal(got, tt.want) {
			t.Fatalf("%s: Changed = %v, want %v", tt.name, got, tt.want)
		}
	}
	merged := Graph(nil).Merge(loaded).Merge(Graph{"d": "v2.0.0"})
	if len(merged) != 4 || merged["d"] != "v2.0.0" {
		t.Fatalf("merged %v", merged)
	}
}

func TestParseGraph(t *testing.T) {
	out := []byte("replsession\ngithub.com/google/uuid v1.6.0\nexample.com/local v0.0.0-00010101000000-000000000000 => /src/local\n")
	want := Graph{
		"github.com/google/uuid": "v1.6.0",
		"example.com/local":      "v0.0.0-00010101000000-000000000000 => /src/local",
	}
	if got := parseGraph(out); !maps.Equal(got, want) {
		t.Fatalf("parseGraph = %v", got)
	}
}

func parseMod(t *testing.T, path string) *modfile.File {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	f, err := modfile.Parse(path, data, nil)
	if err != nil {
		t.Fatalf("go.mod does not parse: %v\n%s", err, data)
	}
	return f
}

func TestLabeledSink(t *testing.T) {
	var got Event
	Labeled(sinkFunc(func(e Event) { got = e }), "cell 2").OnEvent(Event{Stage: StageBuild})
	if got.File != "cell 2" || got.Stage != StageBuild {
		t.Fatalf("event = %+v", got)
	}
	if Labeled(nil, "x") != nil {
		t.Fatal("nil sink stays nil")
	}
}

func TestDefaultGoVersion(t *testing.T) {
	prev := goVersion
	t.Cleanup(func() { goVersion = prev })
	goVersion = func() string { return "go1.25.1" }
	if got := defaultGoVersion(); got != "1.25" {
		t.Fatalf("defaultGoVersion = %q", got)
	}
	goVersion = func() string { return "devel +abc" }
	if got := defaultGoVersion(); got != "1.22" {
		t.Fatalf("devel toolchain = %q", got)
	}
}

type sinkFunc func(Event)

func (f sinkFunc) OnEvent(e Event) { f(e) }
