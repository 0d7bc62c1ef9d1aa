package buildpipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/semver"

	"gorepl/internal/buildcache"
	"gorepl/internal/state"
	"gorepl/replrt"
)

// Module is the module path of every session workspace.
const Module = buildcache.SessionModule

const (
	unitPkg     = "unit"
	unitFile    = "unit.go"
	analysisPkg = "analysis"
	workerPkg   = "cmd/worker"
)

const workerMain = `package main

import (
	"fmt"
	"os"

	"replsession/replrt"
)

func main() {
	role := ""
	if len(os.Args) > 1 {
		role = os.Args[1]
	}
	if err := replrt.Serve(role, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}
`

// Workspace is the on-disk module a session builds in:
//
//	<root>/<uuid>/go.mod
//	              replrt/*.go
//	              cmd/worker/main.go
//	              unit/b<N>/unit.go
//	              unit/analysis/
//	              target/
//
// Every build gets its own package so that each plugin defines its symbols
// under a fresh import path; a process cannot load two plugins built from
// the same package.
type Workspace struct {
	dir     string
	goBin   string
	env     []string
	offline bool
	digest  string // deps digest the manifest was last written for
	queries map[string]string
	graph   Graph
}

// WorkspaceOptions configure NewWorkspace.
type WorkspaceOptions struct {
	GoBin   string   // defaults to "go"
	Env     []string // extra KEY=VALUE pairs for every go invocation
	Offline bool
}

// NewWorkspace creates a fresh session directory under root.
func NewWorkspace(root string, opts WorkspaceOptions) (*Workspace, error) {
	if root == "" {
		root = os.TempDir()
	}
	w := &Workspace{
		dir:     filepath.Join(root, "gorepl-"+uuid.NewString()),
		goBin:   opts.GoBin,
		env:     opts.Env,
		offline: opts.Offline,
	}
	if w.goBin == "" {
		w.goBin = "go"
	}
	for _, d := range []string{w.dir, w.AnalysisDir(), w.TargetDir(), filepath.Join(w.dir, workerPkg)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	}
	if err := w.extractRuntime(); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(w.dir, workerPkg, "main.go"), []byte(workerMain), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write worker main: %w", err)
	}
	return w, nil
}

// Dir returns the session directory.
func (w *Workspace) Dir() string { return w.dir }

// UnitPackage is the package directory of build n, relative to the
// session directory.
func UnitPackage(n int) string { return unitPkg + "/b" + strconv.Itoa(n) }

// UnitImportPath is the import path of build n.
func UnitImportPath(n int) string { return Module + "/" + UnitPackage(n) }

// UnitDir returns the directory of the unit of build n.
func (w *Workspace) UnitDir(n int) string {
	return filepath.Join(w.dir, filepath.FromSlash(UnitPackage(n)))
}

// UnitFile returns the path of the unit of build n.
func (w *Workspace) UnitFile(n int) string { return filepath.Join(w.UnitDir(n), unitFile) }

// UnitRelPath is the path of the unit of build n as the go command reports it.
func (w *Workspace) UnitRelPath(n int) string { return UnitPackage(n) + "/" + unitFile }

// AnalysisDir holds no files on disk; the analysis unit is overlaid there.
func (w *Workspace) AnalysisDir() string {
	return filepath.Join(w.dir, unitPkg, analysisPkg)
}

// AnalysisFile is the path the analysis unit is overlaid at.
func (w *Workspace) AnalysisFile() string { return filepath.Join(w.AnalysisDir(), unitFile) }

// TargetDir holds build artifacts.
func (w *Workspace) TargetDir() string { return filepath.Join(w.dir, "target") }

// WorkerPath is the worker binary.
func (w *Workspace) WorkerPath() string { return filepath.Join(w.TargetDir(), "worker") }

// Remove deletes the session directory.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.dir)
}

func (w *Workspace) extractRuntime() error {
	dst := filepath.Join(w.dir, "replrt")
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return fmt.Errorf("failed to create runtime dir: %w", err)
	}
	fsys := replrt.SourcesFS()
	n := 0
	walkErr := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".go") {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		n++
		return os.WriteFile(filepath.Join(dst, filepath.FromSlash(p)), data, 0o600)
	})
	if walkErr != nil {
		return fmt.Errorf("failed to extract embedded runtime sources: %w", walkErr)
	}
	if n == 0 {
		return errors.New("embedded runtime sources missing (build bug)")
	}
	return nil
}

// WriteUnit writes the unit of build n and removes the sources of earlier
// builds. Their artifacts stay in the target directory.
func (w *Workspace) WriteUnit(n int, code string) error {
	if err := w.pruneUnits(n); err != nil {
		return err
	}
	if err := os.MkdirAll(w.UnitDir(n), 0o750); err != nil {
		return fmt.Errorf("failed to create unit dir: %w", err)
	}
	if err := os.WriteFile(w.UnitFile(n), []byte(code), 0o600); err != nil {
		return fmt.Errorf("failed to write unit: %w", err)
	}
	return nil
}

func (w *Workspace) pruneUnits(keep int) error {
	entries, err := os.ReadDir(filepath.Join(w.dir, unitPkg))
	if err != nil {
		return fmt.Errorf("failed to list units: %w", err)
	}
	current := filepath.Base(UnitPackage(keep))
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || name == current || !strings.HasPrefix(name, "b") {
			continue
		}
		if _, err := strconv.Atoi(name[1:]); err != nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.dir, unitPkg, name)); err != nil {
			return fmt.Errorf("failed to remove stale unit: %w", err)
		}
	}
	return nil
}

// SyncManifest writes go.mod for the session's dependencies and language
// version and resolves the module graph. It is a no-op while the deps
// digest is unchanged. The requirements are rewritten from st: modules the
// session no longer depends on are dropped. Dependencies given as a query
// ("latest", a branch) are resolved with go get, once per query.
func (w *Workspace) SyncManifest(ctx context.Context, st *state.State) error {
	digest := st.DepsDigest()
	if digest == w.digest {
		return nil
	}
	path := filepath.Join(w.dir, "go.mod")
	f, err := readModFile(path)
	if err != nil {
		return err
	}
	if err := f.AddModuleStmt(Module); err != nil {
		return err
	}
	if st.LangVersion != "" {
		if err := f.AddGoStmt(st.LangVersion); err != nil {
			return fmt.Errorf("go version %q: %w", st.LangVersion, err)
		}
	} else if f.Go == nil {
		if err := f.AddGoStmt(defaultGoVersion()); err != nil {
			return err
		}
	}
	if err := dropStale(f, st); err != nil {
		return err
	}
	var queries []string
	for _, dep := range st.SortedDeps() {
		v := dep.RequireVersion()
		switch {
		case semver.IsValid(v):
			if err := f.AddRequire(dep.Module, v); err != nil {
				return err
			}
		case w.queries[dep.Module] == v && requires(f, dep.Module):
			// resolved by an earlier sync
		default:
			queries = append(queries, dep.Module+"@"+v)
		}
		if dep.Replace != "" {
			if err := f.AddReplace(dep.Module, "", dep.Replace, ""); err != nil {
				return err
			}
		} else {
			_ = f.DropReplace(dep.Module, "")
		}
	}
	f.Cleanup()
	data, err := f.Format()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write go.mod: %w", err)
	}
	if len(queries) > 0 {
		args := append([]string{"get"}, queries...)
		if out, err := w.goCmd(ctx, args...).CombinedOutput(); err != nil {
			return &GoCommandError{Args: args, Output: string(out), Err: err}
		}
		if f, err = readModFile(path); err != nil {
			return err
		}
	}
	w.queries = map[string]string{}
	for _, dep := range st.Deps {
		if v := dep.RequireVersion(); !semver.IsValid(v) {
			w.queries[dep.Module] = v
		}
	}
	w.graph = w.resolveGraph(ctx, f)
	w.digest = digest
	return nil
}

// dropStale removes the requirements and replacements of modules st does
// not depend on. Once a direct requirement goes, the indirect ones go too;
// the next build records what is still needed.
func dropStale(f *modfile.File, st *state.State) error {
	dropped := false
	for _, r := range slices.Clone(f.Require) {
		if _, ok := st.Deps[r.Mod.Path]; ok || r.Indirect {
			continue
		}
		if err := f.DropRequire(r.Mod.Path); err != nil {
			return err
		}
		dropped = true
	}
	if dropped {
		for _, r := range slices.Clone(f.Require) {
			if _, ok := st.Deps[r.Mod.Path]; ok || !r.Indirect {
				continue
			}
			if err := f.DropRequire(r.Mod.Path); err != nil {
				return err
			}
		}
	}
	for _, r := range slices.Clone(f.Replace) {
		if _, ok := st.Deps[r.Old.Path]; ok {
			continue
		}
		if err := f.DropReplace(r.Old.Path, r.Old.Version); err != nil {
			return err
		}
	}
	return nil
}

func requires(f *modfile.File, mod string) bool {
	return slices.ContainsFunc(f.Require, func(r *modfile.Require) bool { return r.Mod.Path == mod })
}

func readModFile(path string) (*modfile.File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &modfile.File{Syntax: &modfile.FileSyntax{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return modfile.Parse(path, data, nil)
}

// defaultGoVersion derives the go directive from the toolchain running
// gorepl, e.g. "go1.25.1" gives "1.25".
func defaultGoVersion() string {
	v := strings.TrimPrefix(goVersion(), "go")
	if mm := semver.MajorMinor("v" + v); mm != "" {
		return strings.TrimPrefix(mm, "v")
	}
	return "1.22"
}
