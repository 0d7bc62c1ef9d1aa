// Package infer answers type questions about an analysis unit: the concrete
// types of variables the user left unannotated, the shape of the value to
// display and completion candidates.
package infer

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"os"
	"path/filepath"

	"golang.org/x/tools/go/packages"
)

// ErrNoPackage is returned when the unit did not load into a package.
var ErrNoPackage = errors.New("infer: unit did not load")

// Request describes the analysis unit to load.
type Request struct {
	Dir   string // module root of the session
	File  string // absolute path of the unit file
	Src   string // unit source, overlaid on File
	Entry string // name of the generated entry function
	// Vars are the variables whose types are wanted.
	Vars []string
	// Imports maps import paths to the local names the session uses.
	Imports map[string]string
	// Display asks for the number of values of the display expression, the
	// last expression statement of the entry function.
	Display bool
	Env     []string
}

// VarType is the inferred type of one variable.
type VarType struct {
	Type string
	// Imports maps each package path the type text mentions to its qualifier.
	Imports map[string]string
	// Uncapturable explains why the type cannot be written outside the
	// entry function; empty when it can.
	Uncapturable string
}

// Result is the answer to a Request.
type Result struct {
	Vars map[string]VarType
	// DisplayValues is the number of values the display expression yields:
	// 0 for a call without results, -1 when unknown.
	DisplayValues int
	// Errors are the type errors of the unit, informational only.
	Errors []string
}

// Analyzer loads analysis units with go/packages.
type Analyzer struct{}

// Analyze type-checks the unit and answers req.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (*Result, error) {
	u, err := load(ctx, req)
	if err != nil {
		return nil, err
	}
	return u.analyze(req), nil
}

// unit is a type-checked analysis unit.
type unit struct {
	fset   *token.FileSet
	file   *ast.File
	pkg    *types.Package
	info   *types.Info
	errors []string
}

func load(ctx context.Context, req Request) (*unit, error) {
	env := req.Env
	if env == nil {
		env = os.Environ()
	}
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedSyntax |
			packages.NeedTypes | packages.NeedTypesInfo | packages.NeedImports,
		Context: ctx,
		Dir:     req.Dir,
		Env:     env,
		Overlay: map[string][]byte{req.File: []byte(req.Src)},
	}
	pkgs, err := packages.Load(cfg, "./"+filepath.ToSlash(mustRel(req.Dir, filepath.Dir(req.File))))
	if err != nil {
		return nil, fmt.Errorf("failed to load analysis unit: %w", err)
	}
	for _, p := range pkgs {
		for i, f := range p.CompiledGoFiles {
			if filepath.Clean(f) != filepath.Clean(req.File) || i >= len(p.Syntax) || p.Types == nil {
				continue
			}
			u := &unit{fset: p.Fset, file: p.Syntax[i], pkg: p.Types, info: p.TypesInfo}
			for _, e := range p.Errors {
				u.errors = append(u.errors, e.Error())
			}
			return u, nil
		}
	}
	return nil, ErrNoPackage
}

func mustRel(base, target string) string {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return target
	}
	return rel
}

func (u *unit) analyze(req Request) *Result {
	res := &Result{Vars: map[string]VarType{}, DisplayValues: -1, Errors: u.errors}
	fn := u.entry(req.Entry)
	if fn == nil || fn.Body == nil {
		return res
	}
	want := map[string]bool{}
	for _, name := range req.Vars {
		want[name] = true
	}
	scope := u.info.Scopes[fn.Type]
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		id, ok := n.(*ast.Ident)
		if !ok || !want[id.Name] {
			return true
		}
		obj, ok := u.info.Defs[id].(*types.Var)
		if !ok || obj.Parent() != scope {
			return true
		}
		res.Vars[id.Name] = describe(obj.Type(), u.pkg, req.Imports)
		return true
	})
	if req.Display {
		res.DisplayValues = u.displayValues(fn)
	}
	return res
}

func (u *unit) entry(name string) *ast.FuncDecl {
	for _, d := range u.file.Decls {
		if fn, ok := d.(*ast.FuncDecl); ok && fn.Recv == nil && fn.Name.Name == name {
			return fn
		}
	}
	return nil
}

func (u *unit) displayValues(fn *ast.FuncDecl) int {
	if len(fn.Body.List) == 0 {
		return -1
	}
	stmt, ok := fn.Body.List[len(fn.Body.List)-1].(*ast.ExprStmt)
	if !ok {
		return -1
	}
	tv, ok := u.info.Types[stmt.X]
	if !ok {
		return -1
	}
	if tv.IsVoid() {
		return 0
	}
	if tuple, ok := tv.Type.(*types.Tuple); ok {
		return tuple.Len()
	}
	return 1
}
