// Package state tracks everything needed to regenerate a session's
// compilation unit: items, imports, dependencies and the live variables
// with their types.
package state

import (
	"maps"
	"slices"
	"sort"

	"gorepl/internal/segment"
	"gorepl/internal/source"
)

// TypePending is the placeholder type of a variable whose type is not known
// yet. The generated Put call fails to compile for it, and the compiler's
// message names the real type.
const TypePending = "replrt.Pending"

// MoveState tracks whether a variable's persistence has been confirmed.
type MoveState uint8

const (
	// MoveNew marks a variable defined by the evaluation in flight.
	MoveNew MoveState = iota
	// MoveAvailable marks a variable stored by a completed evaluation.
	MoveAvailable
)

func (m MoveState) String() string {
	if m == MoveAvailable {
		return "available"
	}
	return "new"
}

// VariableState describes one live variable.
type VariableState struct {
	Type    string
	Mutable bool
	Move    MoveState
	Defined *source.Span
	// TypeImports maps the import paths Type needs to the local names used
	// in Type.
	TypeImports map[string]string
	// TypeRefs lists the session types and constants Type depends on,
	// transitively.
	TypeRefs []string
}

// Pending reports whether the type is still unknown.
func (v *VariableState) Pending() bool {
	return v.Type == "" || v.Type == TypePending
}

func (v *VariableState) clone() *VariableState {
	c := *v
	c.TypeImports = maps.Clone(v.TypeImports)
	c.TypeRefs = slices.Clone(v.TypeRefs)
	if v.Defined != nil {
		span := *v.Defined
		c.Defined = &span
	}
	return &c
}

// ItemKind classifies a file-level declaration.
type ItemKind uint8

const (
	ItemFunc ItemKind = iota
	ItemMethod
	ItemType
	ItemConst
	ItemOther
)

var itemKindNames = [...]string{"func", "method", "type", "const", "other"}

func (k ItemKind) String() string {
	if int(k) < len(itemKindNames) {
		return itemKindNames[k]
	}
	return "unknown"
}

// Item is a stored file-level declaration.
type Item struct {
	Names []string
	Kind  ItemKind
	Text  string
	// Segment is set while the item comes from the input in flight, so
	// diagnostics point at the input rather than at committed code.
	Segment *segment.Segment
}

// Import is one import spec.
type Import struct {
	Name string // local name; "_" or "." for unnamed imports
	Path string
	Text string
}

// State is the versioned snapshot of a session.
type State struct {
	Items          []*Item // named items in definition order
	Unnamed        []*Item // func init, var _ = ... and friends
	Imports        map[string]Import
	UnnamedImports map[string]Import // keyed by path
	Deps           map[string]ExternalDep
	Externs        []string // cgo preambles, including their import "C"
	Attributes     map[string]string
	// Variables is the live table; StoredVariables equals it as of the last
	// commit.
	Variables       map[string]*VariableState
	StoredVariables map[string]*VariableState
	AsyncMode       bool
	FallibleMode    bool
	LangVersion     string // session go directive; empty means the toolchain's
	BuildNum        int
	Config          Config
}

// New returns an empty state with the given configuration.
func New(cfg Config) *State {
	return &State{
		Imports:         map[string]Import{},
		UnnamedImports:  map[string]Import{},
		Deps:            map[string]ExternalDep{},
		Attributes:      map[string]string{},
		Variables:       map[string]*VariableState{},
		StoredVariables: map[string]*VariableState{},
		LangVersion:     cfg.GoVersion,
		Config:          cfg,
	}
}

func cloneVars(in map[string]*VariableState) map[string]*VariableState {
	out := make(map[string]*VariableState, len(in))
	for k, v := range in {
		out[k] = v.clone()
	}
	return out
}

func cloneItems(in []*Item) []*Item {
	out := make([]*Item, len(in))
	for i, it := range in {
		c := *it
		c.Names = slices.Clone(it.Names)
		out[i] = &c
	}
	return out
}

// Clone returns a deep copy that can be mutated by one evaluation attempt.
func (s *State) Clone() *State {
	c := *s
	c.Items = cloneItems(s.Items)
	c.Unnamed = cloneItems(s.Unnamed)
	c.Imports = maps.Clone(s.Imports)
	c.UnnamedImports = maps.Clone(s.UnnamedImports)
	c.Deps = maps.Clone(s.Deps)
	c.Externs = slices.Clone(s.Externs)
	c.Attributes = maps.Clone(s.Attributes)
	c.Variables = cloneVars(s.Variables)
	c.StoredVariables = cloneVars(s.StoredVariables)
	return &c
}

// Commit marks every live variable available, forgets input positions of
// items, and snapshots the variables.
func (s *State) Commit() {
	for _, v := range s.Variables {
		v.Move = MoveAvailable
	}
	for _, it := range s.Items {
		it.Segment = nil
	}
	for _, it := range s.Unnamed {
		it.Segment = nil
	}
	s.StoredVariables = cloneVars(s.Variables)
}

// VariableNames returns live variable names, sorted.
func (s *State) VariableNames() []string {
	names := make([]string, 0, len(s.Variables))
	for name := range s.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Item returns the item defining name.
func (s *State) Item(name string) (*Item, bool) {
	for _, it := range s.Items {
		if slices.Contains(it.Names, name) {
			return it, true
		}
	}
	return nil, false
}

// DropNewVariables removes variables introduced by the evaluation in flight
// and returns their names.
func (s *State) DropNewVariables() []string {
	var dropped []string
	for _, name := range s.VariableNames() {
		if s.Variables[name].Move == MoveNew {
			delete(s.Variables, name)
			dropped = append(dropped, name)
		}
	}
	return dropped
}

// DropVariables removes the named variables from the live table and the
// snapshot.
func (s *State) DropVariables(names ...string) {
	for _, name := range names {
		delete(s.Variables, name)
		delete(s.StoredVariables, name)
	}
}

// ClearVariables forgets every variable.
func (s *State) ClearVariables() {
	s.Variables = map[string]*VariableState{}
	s.StoredVariables = map[string]*VariableState{}
}

// ClearAll resets the state to an empty session keeping its configuration.
func (s *State) ClearAll() {
	build := s.BuildNum
	*s = *New(s.Config)
	s.BuildNum = build
}

// SetType records a resolved variable type together with what it depends on.
func (s *State) SetType(name, typ string, imports map[string]string) {
	v, ok := s.Variables[name]
	if !ok {
		return
	}
	v.Type = typ
	v.TypeImports = imports
	v.TypeRefs = s.typeRefs(typ)
}

// SetTypeText records a type written as Go source, resolving package
// qualifiers against the session's imports.
func (s *State) SetTypeText(name, typ string) {
	s.SetType(name, typ, s.typeImports(typ))
}

// dropVariablesOfType removes every variable whose type depends on item.
func (s *State) dropVariablesOfType(item string) []string {
	var dropped []string
	for _, name := range s.VariableNames() {
		if slices.Contains(s.Variables[name].TypeRefs, item) {
			s.DropVariables(name)
			dropped = append(dropped, name)
		}
	}
	return dropped
}
