package replrt

import (
	"sort"
	"unsafe"
)

// Pending is the placeholder type of a variable whose type is not known yet.
// Nothing converts to it, so a Put of a pending variable fails to compile
// with a message that names the variable's real type.
type Pending struct {
	_ [0]func()
}

type slot struct {
	token string
	value unsafe.Pointer // *T for the type identified by token
}

// Store keeps variables across evaluations. It lives in the worker and is
// handed to each evaluation's entry function as an opaque handle.
type Store struct {
	vars    map[string]*slot
	lost    bool
	aborted bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{vars: map[string]*slot{}}
}

// Handle converts the store for the trip across the plugin boundary.
func Handle(s *Store) unsafe.Pointer {
	return unsafe.Pointer(s)
}

// FromHandle recovers the store of a handle and resets its per-run flags.
// A nil handle yields a fresh store.
func FromHandle(h unsafe.Pointer) *Store {
	s := (*Store)(h)
	if s == nil {
		s = NewStore()
	}
	s.lost = false
	s.aborted = false
	return s
}

// Lost reports whether a Load of this run failed.
func (s *Store) Lost() bool {
	return s.lost
}

// Aborted reports whether the run ended in a recovered panic or an error
// returned from a fallible block.
func (s *Store) Aborted() bool {
	return s.aborted
}

// Names lists the stored variables.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.vars))
	for name := range s.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load returns the value stored under name. The value is reinterpreted as T
// only when its type token equals token; otherwise the variable is reported
// as changed and the run is marked lost.
func Load[T any](s *Store, name, token string) T {
	var zero T
	sl, ok := s.vars[name]
	if !ok || sl.token != token {
		emit(VariableChangedType, name)
		s.lost = true
		return zero
	}
	return *(*T)(sl.value)
}

// Put stores a copy of v under name.
func Put[T any](s *Store, name, token string, v T) {
	p := new(T)
	*p = v
	s.vars[name] = &slot{token: token, value: unsafe.Pointer(p)}
}

// Retain drops every variable not named.
func (s *Store) Retain(names ...string) {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	for name := range s.vars {
		if !keep[name] {
			delete(s.vars, name)
		}
	}
}
