package infer

import (
	"fmt"
	"go/types"
	"strings"
)

// describe renders t as it must be written in the unit's package. Imports
// maps paths to the session's local names; packages not imported yet are
// qualified by their own name and reported in VarType.Imports.
func describe(t types.Type, home *types.Package, imports map[string]string) VarType {
	vt := VarType{Imports: map[string]string{}}
	qual := func(p *types.Package) string {
		if p == nil || p == home || p.Path() == home.Path() {
			return ""
		}
		name := p.Name()
		if local, ok := imports[p.Path()]; ok {
			name = local
		}
		if name == "." {
			return ""
		}
		vt.Imports[p.Path()] = name
		return name
	}
	vt.Type = types.TypeString(t, qual)
	vt.Uncapturable = uncapturable(t, home)
	return vt
}

// uncapturable reports why t cannot be named at package level of home.
func uncapturable(t types.Type, home *types.Package) string {
	seen := map[types.Type]bool{}
	var walk func(types.Type) string
	walk = func(t types.Type) string {
		if t == nil || seen[t] {
			return ""
		}
		seen[t] = true
		switch t := t.(type) {
		case *types.Alias:
			return walk(types.Unalias(t))
		case *types.Named:
			obj := t.Obj()
			pkg := obj.Pkg()
			switch {
			case pkg == nil:
				// predeclared, e.g. error
			case pkg == home || pkg.Path() == home.Path():
				if obj.Parent() != pkg.Scope() {
					return fmt.Sprintf("type %s is declared inside a function", obj.Name())
				}
			case !obj.Exported():
				return fmt.Sprintf("type %s.%s is not exported", pkg.Name(), obj.Name())
			case internalTo(pkg.Path(), home.Path()):
				return fmt.Sprintf("package %s is internal", pkg.Path())
			}
			if args := t.TypeArgs(); args != nil {
				for i := range args.Len() {
					if why := walk(args.At(i)); why != "" {
						return why
					}
				}
			}
		case *types.Pointer:
			return walk(t.Elem())
		case *types.Slice:
			return walk(t.Elem())
		case *types.Array:
			return walk(t.Elem())
		case *types.Chan:
			return walk(t.Elem())
		case *types.Map:
			if why := walk(t.Key()); why != "" {
				return why
			}
			return walk(t.Elem())
		case *types.Signature:
			for _, tup := range []*types.Tuple{t.Params(), t.Results()} {
				for i := range tup.Len() {
					if why := walk(tup.At(i).Type()); why != "" {
						return why
					}
				}
			}
		case *types.Struct:
			for i := range t.NumFields() {
				f := t.Field(i)
				if !f.Exported() && f.Pkg() != nil && f.Pkg().Path() != home.Path() {
					return fmt.Sprintf("field %s of %s is not exported", f.Name(), f.Pkg().Name())
				}
				if why := walk(f.Type()); why != "" {
					return why
				}
			}
		case *types.Interface:
			for i := range t.NumExplicitMethods() {
				m := t.ExplicitMethod(i)
				if !m.Exported() && m.Pkg() != nil && m.Pkg().Path() != home.Path() {
					return fmt.Sprintf("method %s of %s is not exported", m.Name(), m.Pkg().Name())
				}
				if why := walk(m.Type()); why != "" {
					return why
				}
			}
			for i := range t.NumEmbeddeds() {
				if why := walk(t.EmbeddedType(i)); why != "" {
					return why
				}
			}
		case *types.Tuple:
			return "multiple values"
		case *types.TypeParam:
			return fmt.Sprintf("type parameter %s", t.Obj().Name())
		case *types.Basic:
			switch t.Kind() {
			case types.UntypedNil:
				return "untyped nil"
			case types.Invalid:
				return "type could not be determined"
			}
		}
		return ""
	}
	return walk(t)
}

// internalTo reports whether importing path from the module of home is
// forbidden by the internal package rule.
func internalTo(path, home string) bool {
	i := strings.LastIndex(path, "/internal/")
	switch {
	case i >= 0:
	case strings.HasSuffix(path, "/internal"):
		i = len(path) - len("/internal")
	case path == "internal" || strings.HasPrefix(path, "internal/"):
		return !strings.HasPrefix(home, "internal")
	default:
		return false
	}
	parent := path[:i]
	return home != parent && !strings.HasPrefix(home, parent+"/")
}
