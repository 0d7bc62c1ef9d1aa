package infer

import (
	"context"
	"go/token"
	"go/types"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Candidate kinds.
const (
	KindVar     = "var"
	KindConst   = "const"
	KindType    = "type"
	KindFunc    = "func"
	KindPackage = "package"
	KindField   = "field"
	KindMethod  = "method"
	KindBuiltin = "builtin"
)

// Candidate is one completion.
type Candidate struct {
	Name   string
	Kind   string
	Detail string // type or signature
}

// Completions replace Src[Start:End] with one of Items.
type Completions struct {
	Start, End int
	Items      []Candidate
}

// Completions lists candidates for the identifier ending at offset in
// req.Src. A unit that does not typecheck still yields what its scopes
// know.
func (a *Analyzer) Completions(ctx context.Context, req Request, offset int) (Completions, error) {
	u, err := load(ctx, req)
	if err != nil {
		return Completions{Start: offset, End: offset}, err
	}
	return u.complete(req.Src, offset, req.Entry), nil
}

func (u *unit) complete(src string, offset int, entry string) Completions {
	if offset < 0 || offset > len(src) {
		offset = len(src)
	}
	start := identStart(src, offset)
	out := Completions{Start: start, End: offset}
	prefix := norm.NFC.String(src[start:offset])
	tf := u.fset.File(u.file.Pos())
	if tf == nil || tf.Size() < offset {
		return out
	}
	pos := tf.Pos(offset)

	var cands []Candidate
	if start > 0 && src[start-1] == '.' {
		recv := src[identStart(src, start-1) : start-1]
		if recv == "" {
			return out
		}
		cands = u.members(recv, pos)
	} else {
		cands = u.scopeNames(pos, entry)
	}
	for _, c := range cands {
		if strings.HasPrefix(norm.NFC.String(c.Name), prefix) {
			out.Items = append(out.Items, c)
		}
	}
	sort.Slice(out.Items, func(i, j int) bool { return out.Items[i].Name < out.Items[j].Name })
	return out
}

func identStart(src string, end int) int {
	i := end
	for i > 0 {
		r, size := utf8.DecodeLastRuneInString(src[:i])
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		i -= size
	}
	return i
}

func (u *unit) lookup(name string, pos token.Pos) types.Object {
	scope := u.pkg.Scope().Innermost(pos)
	if scope == nil {
		scope = u.pkg.Scope()
	}
	_, obj := scope.LookupParent(name, pos)
	if obj != nil {
		return obj
	}
	// the scope tree may miss positions inside unparsed text
	if _, obj = u.pkg.Scope().LookupParent(name, token.NoPos); obj != nil {
		return obj
	}
	var best types.Object
	for id, def := range u.info.Defs {
		if id.Name == name && def != nil && id.Pos() < pos && (best == nil || id.Pos() > best.Pos()) {
			best = def
		}
	}
	return best
}

func (u *unit) members(recv string, pos token.Pos) []Candidate {
	obj := u.lookup(recv, pos)
	if obj == nil {
		return nil
	}
	if pn, ok := obj.(*types.PkgName); ok {
		scope := pn.Imported().Scope()
		var out []Candidate
		for _, name := range scope.Names() {
			if m := scope.Lookup(name); m.Exported() {
				out = append(out, candidate(m, pn.Imported()))
			}
		}
		return out
	}
	t := obj.Type()
	if _, ok := obj.(*types.TypeName); ok {
		// method expressions
		t = types.NewPointer(t)
	}
	return u.typeMembers(t)
}

func (u *unit) typeMembers(t types.Type) []Candidate {
	var out []Candidate
	seen := map[string]bool{}
	visible := func(o types.Object) bool {
		return o.Exported() || o.Pkg() == u.pkg
	}
	base := t
	if p, ok := t.Underlying().(*types.Pointer); ok {
		base = p.Elem()
	}
	if st, ok := base.Underlying().(*types.Struct); ok {
		for i := range st.NumFields() {
			f := st.Field(i)
			if visible(f) && !seen[f.Name()] {
				seen[f.Name()] = true
				out = append(out, Candidate{Name: f.Name(), Kind: KindField, Detail: types.TypeString(f.Type(), types.RelativeTo(u.pkg))})
			}
		}
	}
	recv := t
	if _, isPtr := t.Underlying().(*types.Pointer); !isPtr && !types.IsInterface(t) {
		recv = types.NewPointer(t)
	}
	mset := types.NewMethodSet(recv)
	for i := range mset.Len() {
		m := mset.At(i).Obj()
		if visible(m) && !seen[m.Name()] {
			seen[m.Name()] = true
			out = append(out, Candidate{Name: m.Name(), Kind: KindMethod, Detail: types.TypeString(m.Type(), types.RelativeTo(u.pkg))})
		}
	}
	return out
}

func (u *unit) scopeNames(pos token.Pos, entry string) []Candidate {
	var out []Candidate
	seen := map[string]bool{}
	scope := u.pkg.Scope().Innermost(pos)
	if scope == nil {
		scope = u.pkg.Scope()
	}
	for s := scope; s != nil; s = s.Parent() {
		for _, name := range s.Names() {
			if seen[name] || name == entry || name == "_" {
				continue
			}
			obj := s.Lookup(name)
			// function-local names exist only after their declaration
			if s != u.pkg.Scope() && s != types.Universe && obj.Pos().IsValid() && obj.Pos() > pos {
				continue
			}
			seen[name] = true
			out = append(out, candidate(obj, u.pkg))
		}
	}
	for _, imp := range u.file.Imports {
		if pn, ok := u.info.Implicits[imp].(*types.PkgName); ok && !seen[pn.Name()] {
			seen[pn.Name()] = true
			out = append(out, candidate(pn, u.pkg))
		}
		if imp.Name != nil {
			if pn, ok := u.info.Defs[imp.Name].(*types.PkgName); ok && !seen[pn.Name()] {
				seen[pn.Name()] = true
				out = append(out, candidate(pn, u.pkg))
			}
		}
	}
	return out
}

func candidate(obj types.Object, rel *types.Package) Candidate {
	c := Candidate{Name: obj.Name(), Detail: types.TypeString(obj.Type(), types.RelativeTo(rel))}
	switch o := obj.(type) {
	case *types.Var:
		c.Kind = KindVar
	case *types.Const:
		c.Kind = KindConst
	case *types.TypeName:
		c.Kind = KindType
		c.Detail = ""
	case *types.Func:
		c.Kind = KindFunc
	case *types.PkgName:
		c.Kind = KindPackage
		c.Detail = o.Imported().Path()
	case *types.Builtin:
		c.Kind = KindBuiltin
		c.Detail = ""
	case *types.Nil:
		c.Kind = KindConst
		c.Detail = ""
	}
	return c
}
