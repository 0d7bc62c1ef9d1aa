package state

import (
	"fmt"
	"go/ast"
	"go/token"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"gorepl/internal/segment"
)

// Names used by generated code; user code may not declare them.
const (
	StoreVar   = "replStore"
	HandleVar  = "replHandle"
	RuntimePkg = "replrt"
)

var reserved = []string{StoreVar, HandleVar, RuntimePkg}

// Applied is what one input contributed to the state.
type Applied struct {
	// Statements are the input segments that go into the entry function,
	// in input order.
	Statements []segment.Segment
	// Display is the final expression statement, shown after the run.
	Display      *segment.Segment
	DisplayExpr  string
	NewVariables []string
	// Dropped lists variables lost because a type they use was redefined.
	Dropped      []string
	ItemsChanged bool
}

// ReservedNameError reports a declaration that collides with generated code.
type ReservedNameError struct {
	Name string
}

func (e *ReservedNameError) Error() string {
	return fmt.Sprintf("%s is reserved by the REPL and cannot be declared", e.Name)
}

// Apply walks the syntax of the code segments of one input and updates the
// state: items and imports are stored by name, bindings define new
// variables, and the final expression is singled out for display.
func (s *State) Apply(block segment.CodeBlock, parsed *segment.Parsed) (*Applied, error) {
	out := &Applied{}
	segs := block.WithoutCommands().Segments()
	for i := range segs {
		seg := segs[i]
		s.collectAttributes(seg.Text)
		node, ok := parsed.Node(seg.Kind)
		if !ok {
			out.Statements = append(out.Statements, seg)
			continue
		}
		var err error
		if node.Decl != nil {
			err = s.applyDecl(node, seg, out)
		} else {
			err = s.applyStmt(node, parsed, seg, out)
		}
		if err != nil {
			return nil, err
		}
	}
	s.pickDisplay(parsed, out)
	return out, nil
}

var debugDirective = regexp.MustCompile(`(?m)^[ \t]*//go:debug[ \t]+([A-Za-z0-9_.]+)=(\S*)[ \t]*$`)

// collectAttributes records //go:debug directives. They apply to the whole
// unit, so they are hoisted above the package clause.
func (s *State) collectAttributes(text string) {
	for _, m := range debugDirective.FindAllStringSubmatch(text, -1) {
		s.Attributes[m[1]] = "//go:debug " + m[1] + "=" + m[2]
	}
}

func (s *State) pickDisplay(parsed *segment.Parsed, out *Applied) {
	for i := len(out.Statements) - 1; i >= 0; i-- {
		seg := out.Statements[i]
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		node, ok := parsed.Node(seg.Kind)
		if !ok {
			return
		}
		es, ok := node.Stmt.(*ast.ExprStmt)
		if !ok {
			return
		}
		out.DisplayExpr = node.Source(es.X.Pos(), es.X.End())
		out.Display = &seg
		out.Statements = slices.Delete(out.Statements, i, i+1)
		return
	}
}

func checkReserved(name string) error {
	if slices.Contains(reserved, name) {
		return &ReservedNameError{Name: name}
	}
	return nil
}

func (s *State) applyDecl(node *segment.Node, seg segment.Segment, out *Applied) error {
	switch d := node.Decl.(type) {
	case *ast.GenDecl:
		switch d.Tok {
		case token.IMPORT:
			return s.applyImports(d, node, out)
		case token.TYPE:
			var names []string
			for _, spec := range d.Specs {
				names = append(names, spec.(*ast.TypeSpec).Name.Name)
			}
			return s.defineItem(names, ItemType, seg, out)
		case token.CONST:
			var names []string
			for _, spec := range d.Specs {
				for _, n := range spec.(*ast.ValueSpec).Names {
					if n.Name != "_" {
						names = append(names, n.Name)
					}
				}
			}
			return s.defineItem(names, ItemConst, seg, out)
		}
	case *ast.FuncDecl:
		if d.Recv == nil {
			if d.Name.Name == "init" {
				return s.defineItem(nil, ItemFunc, seg, out)
			}
			return s.defineItem([]string{d.Name.Name}, ItemFunc, seg, out)
		}
		if recv := receiverName(d.Recv); recv != "" {
			return s.defineItem([]string{recv + "." + d.Name.Name}, ItemMethod, seg, out)
		}
	}
	return s.defineItem(nil, ItemOther, seg, out)
}

func receiverName(fields *ast.FieldList) string {
	if fields == nil || len(fields.List) == 0 {
		return ""
	}
	expr := fields.List[0].Type
	for {
		switch e := expr.(type) {
		case *ast.StarExpr:
			expr = e.X
		case *ast.ParenExpr:
			expr = e.X
		case *ast.IndexExpr:
			expr = e.X
		case *ast.IndexListExpr:
			expr = e.X
		case *ast.Ident:
			return e.Name
		default:
			return ""
		}
	}
}

// defineItem stores an item, replacing every prior item that shares a name.
func (s *State) defineItem(names []string, kind ItemKind, seg segment.Segment, out *Applied) error {
	for _, n := range names {
		if err := checkReserved(n); err != nil {
			return err
		}
	}
	segCopy := seg
	item := &Item{Names: names, Kind: kind, Text: seg.Text, Segment: &segCopy}
	out.ItemsChanged = true
	if len(names) == 0 {
		s.Unnamed = append(s.Unnamed, item)
		return nil
	}
	var replaced []string
	kept := s.Items[:0]
	for _, old := range s.Items {
		shared := slices.ContainsFunc(old.Names, func(n string) bool { return slices.Contains(names, n) })
		if !shared {
			kept = append(kept, old)
			continue
		}
		if shapesTypes(old.Kind) {
			replaced = append(replaced, old.Names...)
		}
	}
	s.Items = append(kept, item)
	for _, n := range replaced {
		out.Dropped = append(out.Dropped, s.dropVariablesOfType(n)...)
	}
	return nil
}

func (s *State) applyImports(d *ast.GenDecl, node *segment.Node, out *Applied) error {
	for _, spec := range d.Specs {
		is := spec.(*ast.ImportSpec)
		p, err := strconv.Unquote(is.Path.Value)
		if err != nil {
			return fmt.Errorf("import %s: %w", is.Path.Value, err)
		}
		if p == "C" {
			if !slices.Contains(s.Externs, node.Text) {
				s.Externs = append(s.Externs, node.Text)
			}
			out.ItemsChanged = true
			continue
		}
		name := ImportName(p)
		text := strconv.Quote(p)
		if is.Name != nil {
			name = is.Name.Name
			text = name + " " + text
		}
		if name == "_" || name == "." {
			s.UnnamedImports[p] = Import{Name: name, Path: p, Text: text}
			out.ItemsChanged = true
			continue
		}
		if err := checkReserved(name); err != nil {
			return err
		}
		s.Imports[name] = Import{Name: name, Path: p, Text: text}
		out.ItemsChanged = true
	}
	return nil
}

var majorSuffix = regexp.MustCompile(`^v[0-9]+$`)

// ImportName guesses the package name of an import path the way most
// modules name their packages.
func ImportName(importPath string) string {
	base := path.Base(importPath)
	if majorSuffix.MatchString(base) {
		if dir := path.Dir(importPath); dir != "." {
			base = path.Base(dir)
		}
	}
	if i := strings.Index(base, ".v"); i > 0 {
		base = base[:i]
	}
	base = strings.TrimPrefix(base, "go-")
	base = strings.TrimSuffix(base, "-go")
	base = strings.ReplaceAll(base, "-", "_")
	base = strings.ReplaceAll(base, ".", "_")
	return base
}

func (s *State) applyStmt(node *segment.Node, parsed *segment.Parsed, seg segment.Segment, out *Applied) error {
	out.Statements = append(out.Statements, seg)
	switch st := node.Stmt.(type) {
	case *ast.AssignStmt:
		if st.Tok != token.DEFINE {
			return nil
		}
		for _, lhs := range st.Lhs {
			if id, ok := lhs.(*ast.Ident); ok {
				if err := s.defineVariable(id, "", node, parsed, out); err != nil {
					return err
				}
			}
		}
	case *ast.DeclStmt:
		gd, ok := st.Decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.VAR {
			return nil
		}
		for _, spec := range gd.Specs {
			vs := spec.(*ast.ValueSpec)
			typ := ""
			if vs.Type != nil {
				typ = node.Source(vs.Type.Pos(), vs.Type.End())
			}
			for _, id := range vs.Names {
				if err := s.defineVariable(id, typ, node, parsed, out); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *State) defineVariable(id *ast.Ident, typ string, node *segment.Node, parsed *segment.Parsed, out *Applied) error {
	if id.Name == "_" {
		return nil
	}
	if err := checkReserved(id.Name); err != nil {
		return err
	}
	off := node.Offset(id.Pos())
	span := parsed.Lines.SpanOf(off, off+len(id.Name))
	v := &VariableState{Type: TypePending, Mutable: true, Move: MoveNew, Defined: &span}
	s.Variables[id.Name] = v
	if typ != "" {
		s.SetType(id.Name, typ, s.typeImports(typ))
	}
	if !slices.Contains(out.NewVariables, id.Name) {
		out.NewVariables = append(out.NewVariables, id.Name)
	}
	return nil
}

// typeImports maps package qualifiers in a type written by the user to the
// import paths of the session.
func (s *State) typeImports(typ string) map[string]string {
	out := map[string]string{}
	for name, imp := range s.Imports {
		if strings.Contains(typ, name+".") {
			out[imp.Path] = name
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
