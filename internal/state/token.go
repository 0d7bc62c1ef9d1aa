package state

import (
	"crypto/sha256"
	"encoding/hex"
	"go/scanner"
	"go/token"
	"slices"
	"sort"
	"strings"
)

// TypeToken returns the identity token guarding a variable's payload in the
// worker's store. It changes whenever the type string, the text of a session
// item the type names, or (for types from third-party modules) the
// dependency set changes.
func (s *State) TypeToken(name string) string {
	v, ok := s.Variables[name]
	if !ok {
		return ""
	}
	return s.tokenFor(v)
}

// StoredTypeToken is TypeToken for the last committed snapshot.
func (s *State) StoredTypeToken(name string) string {
	v, ok := s.StoredVariables[name]
	if !ok {
		return ""
	}
	return s.tokenFor(v)
}

func (s *State) tokenFor(v *VariableState) string {
	h := sha256.New()
	h.Write([]byte(v.Type))
	refs := slices.Clone(v.TypeRefs)
	sort.Strings(refs)
	for _, ref := range refs {
		h.Write([]byte{0})
		if it, ok := s.Item(ref); ok {
			h.Write([]byte(it.Text))
		}
	}
	paths := make([]string, 0, len(v.TypeImports))
	for p := range v.TypeImports {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		h.Write([]byte{1})
		h.Write([]byte(p))
		if !isStdPath(p) {
			h.Write([]byte(s.DepsDigest()))
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// isStdPath follows the go command's rule: standard library import paths
// have no dot in their first element.
func isStdPath(path string) bool {
	first, _, _ := strings.Cut(path, "/")
	return !strings.Contains(first, ".")
}

// typeRefs lists the session types and constants a type expression depends
// on, directly or through the declarations of other session types: a
// variable of type Line depends on Point when Line has a Point field, and
// on N when Line is [N]Point.
func (s *State) typeRefs(typ string) []string {
	var refs []string
	queue := []string{typ}
	for len(queue) > 0 {
		text := queue[0]
		queue = queue[1:]
		for _, ident := range identifiers(text) {
			if slices.Contains(refs, ident) {
				continue
			}
			it, ok := s.Item(ident)
			if !ok || !shapesTypes(it.Kind) {
				continue
			}
			refs = append(refs, ident)
			if it.Kind == ItemType {
				queue = append(queue, it.Text)
			}
		}
	}
	sort.Strings(refs)
	return refs
}

// shapesTypes reports item kinds whose redefinition can change the layout
// of a type built from them.
func shapesTypes(k ItemKind) bool {
	return k == ItemType || k == ItemConst
}

// identifiers returns the unqualified identifiers of a type expression;
// the selector of a qualified name is skipped.
func identifiers(expr string) []string {
	fset := token.NewFileSet()
	file := fset.AddFile("", -1, len(expr))
	var sc scanner.Scanner
	sc.Init(file, []byte(expr), nil, 0)
	var out []string
	prevPeriod := false
	for {
		_, tok, lit := sc.Scan()
		if tok == token.EOF {
			return out
		}
		if tok == token.IDENT && !prevPeriod {
			out = append(out, lit)
		}
		prevPeriod = tok == token.PERIOD
	}
}
