package infer

import (
	"go/ast"
	"go/importer"
	"go/parser"
	"go/token"
	"go/types"
	"slices"
	"strings"
	"testing"
)

// check type-checks src the way the analysis unit is checked, tolerating
// type errors.
func check(t *testing.T, src string) *unit {
	t.Helper()
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "unit.go", src, parser.AllErrors)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	info := &types.Info{
		Types:     map[ast.Expr]types.TypeAndValue{},
		Defs:      map[*ast.Ident]types.Object{},
		Uses:      map[*ast.Ident]types.Object{},
		Implicits: map[ast.Node]types.Object{},
		Scopes:    map[ast.Node]*types.Scope{},
	}
	u := &unit{fset: fset, file: f, info: info}
	conf := types.Config{
		Importer: importer.ForCompiler(fset, "source", nil),
		Error:    func(err error) { u.errors = append(u.errors, err.Error()) },
	}
	u.pkg, _ = conf.Check("replsession/unit", fset, []*ast.File{f}, info)
	return u
}

const unitSrc = `package main

import (
	"net/http"
	"strings"
)

type Point struct{ X, Y int }

func (Point) Xor() int { return 0 }

func ReplEval1() {
	a := 34
	p := Point{X: 1}
	c := &http.Client{}
	b := strings.NewReader("x")
	type local struct{}
	l := local{}
	f := func(int) error { return nil }
	n := []map[string]*Point{}
	_, _, _, _, _, _, _ = a, p, c, b, l, f, n
	strings.Split("a,b", ",")
}
`

func TestAnalyzeVariableTypes(t *testing.T) {
	u := check(t, unitSrc)
	res := u.analyze(Request{
		Entry:   "ReplEval1",
		Vars:    []string{"a", "p", "c", "b", "l", "f", "n"},
		Imports: map[string]string{"net/http": "nethttp"},
		Display: true,
	})
	tests := []struct {
		name, typ, imp string
		lost           bool
	}{
		{"a", "int", "", false},
		{"p", "Point", "", false},
		{"c", "*nethttp.Client", "net/http", false},
		{"b", "*strings.Reader", "strings", false},
		{"l", "local", "", true},
		{"f", "func(int) error", "", false},
		{"n", "[]map[string]*Point", "", false},
	}
	for _, tt := range tests {
		got, ok := res.Vars[tt.name]
		if !ok {
			t.Fatalf("%s: not inferred", tt.name)
		}
		if got.Type != tt.typ {
			t.Errorf("%s: type %q, want %q", tt.name, got.Type, tt.typ)
		}
		if tt.imp != "" {
			if _, ok := got.Imports[tt.imp]; !ok {
				t.Errorf("%s: imports %v lack %s", tt.name, got.Imports, tt.imp)
			}
		} else if len(got.Imports) != 0 {
			t.Errorf("%s: unexpected imports %v", tt.name, got.Imports)
		}
		if (got.Uncapturable != "") != tt.lost {
			t.Errorf("%s: uncapturable %q", tt.name, got.Uncapturable)
		}
	}
	if res.DisplayValues != 1 {
		t.Fatalf("display values = %d", res.DisplayValues)
	}
}

func TestDisplayValues(t *testing.T) {
	tests := []struct {
		expr string
		want int
	}{
		{`println("x")`, 0},
		{`strconv.Atoi("1")`, 2},
		{`len("x")`, 1},
		{`_ = strconv.Itoa(1)`, -1},
	}
	for _, tt := range tests {
		src := "package main\n\nimport \"strconv\"\n\nvar _ = strconv.Itoa\n\nfunc ReplEval2() {\n\t" + tt.expr + "\n}\n"
		res := check(t, src).analyze(Request{Entry: "ReplEval2", Display: true})
		if res.DisplayValues != tt.want {
			t.Errorf("%s: display values %d, want %d", tt.expr, res.DisplayValues, tt.want)
		}
	}
}

func TestUncapturable(t *testing.T) {
	home := types.NewPackage("replsession/unit", "main")
	lib := types.NewPackage("example.com/lib", "lib")
	internal := types.NewPackage("example.com/lib/internal/impl", "impl")
	named := func(pkg *types.Package, name string) types.Type {
		return types.NewNamed(types.NewTypeName(token.NoPos, pkg, name, nil), types.NewStruct(nil, nil), nil)
	}
	tests := []struct {
		typ  types.Type
		want string
	}{
		{named(lib, "Config"), ""},
		{named(lib, "config"), "not exported"},
		{types.NewSlice(named(lib, "config")), "not exported"},
		{types.NewPointer(named(internal, "State")), "internal"},
		{types.NewMap(types.Typ[types.String], named(lib, "Config")), ""},
		{types.Typ[types.UntypedNil], "untyped nil"},
	}
	for _, tt := range tests {
		got := uncapturable(tt.typ, home)
		if (tt.want == "") != (got == "") || !strings.Contains(got, tt.want) {
			t.Errorf("uncapturable(%s) = %q, want %q", tt.typ, got, tt.want)
		}
	}
}

func TestInternalTo(t *testing.T) {
	tests := []struct {
		path, home string
		want       bool
	}{
		{"example.com/a/internal/b", "replsession/unit", true},
		{"example.com/a/internal", "replsession/unit", true},
		{"internal/poll", "replsession/unit", true},
		{"example.com/a/b", "replsession/unit", false},
		{"replsession/internal/x", "replsession/unit", false},
	}
	for _, tt := range tests {
		if got := internalTo(tt.path, tt.home); got != tt.want {
			t.Errorf("internalTo(%q, %q) = %v", tt.path, tt.home, got)
		}
	}
}

func names(items []Candidate) []string {
	var out []string
	for _, c := range items {
		out = append(out, c.Name)
	}
	return out
}

func TestCompletions(t *testing.T) {
	tests := []struct {
		stmt     string
		want     []string
		excluded []string
	}{
		{"strings.Sp", []string{"Split", "SplitN"}, []string{"Join"}},
		{"co", []string{"count", "copy", "complex"}, []string{"ReplEval1"}},
		{"p.X", []string{"X", "Xor"}, []string{"Y"}},
		{"Re", nil, []string{"ReplEval1"}},
	}
	for _, tt := range tests {
		src := "package main\n\nimport \"strings\"\n\nvar _ = strings.Split\n\ntype Point struct{ X, Y int }\n\nfunc (Point) Xor() int { return 0 }\n\nfunc ReplEval1() {\n\tcount := 1\n\tp := Point{}\n\t_, _ = count, p\n\t" + tt.stmt + "\n}\n"
		u := check(t, src)
		offset := strings.Index(src, tt.stmt) + len(tt.stmt)
		got := u.complete(src, offset, "ReplEval1")
		if got.End != offset || src[got.Start:got.End] != tt.stmt[strings.LastIndexByte(tt.stmt, '.')+1:] {
			t.Errorf("%s: replace range %d..%d", tt.stmt, got.Start, got.End)
		}
		gotNames := names(got.Items)
		for _, w := range tt.want {
			if !slices.Contains(gotNames, w) {
				t.Errorf("%s: %v lacks %s", tt.stmt, gotNames, w)
			}
		}
		for _, x := range tt.excluded {
			if slices.Contains(gotNames, x) {
				t.Errorf("%s: %v contains %s", tt.stmt, gotNames, x)
			}
		}
	}
}

func TestIdentStartUnicode(t *testing.T) {
	src := "x := größe"
	if got := identStart(src, len(src)); src[got:] != "größe" {
		t.Fatalf("identStart = %q", src[got:])
	}
}
