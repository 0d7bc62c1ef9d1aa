package state

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/module"
	"golang.org/x/mod/semver"
)

// ExternalDep is one module requirement of the session.
type ExternalDep struct {
	Module  string
	Version string // empty with Replace set, otherwise a version or "latest"
	Replace string // absolute directory
}

var errEmptyDep = errors.New("empty dependency spec")

// NewExternalDep parses `module[@version][=>dir]`. A relative replacement
// directory is resolved against base.
func NewExternalDep(spec, base string) (ExternalDep, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return ExternalDep{}, errEmptyDep
	}
	var dep ExternalDep
	if lhs, rhs, ok := strings.Cut(spec, "=>"); ok {
		spec = strings.TrimSpace(lhs)
		dir := strings.TrimSpace(rhs)
		if dir == "" {
			return ExternalDep{}, fmt.Errorf("dependency %q: empty replacement directory", spec)
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(base, dir)
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return ExternalDep{}, fmt.Errorf("dependency %q: %w", spec, err)
		}
		dep.Replace = abs
	}
	path, version, _ := strings.Cut(spec, "@")
	if err := module.CheckPath(path); err != nil && dep.Replace == "" {
		return ExternalDep{}, fmt.Errorf("dependency %q: %w", spec, err)
	}
	dep.Module = path
	dep.Version = version
	if dep.Version == "" && dep.Replace == "" {
		dep.Version = "latest"
	}
	return dep, nil
}

// RequireVersion returns the version written into go.mod.
func (d ExternalDep) RequireVersion() string {
	if d.Replace != "" && (d.Version == "" || d.Version == "latest") {
		return "v0.0.0-00010101000000-000000000000"
	}
	return d.Version
}

func (d ExternalDep) String() string {
	s := d.Module
	if d.Version != "" {
		s += "@" + d.Version
	}
	if d.Replace != "" {
		s += " => " + d.Replace
	}
	return s
}

// AddDep records or replaces a dependency and reports whether anything changed.
func (s *State) AddDep(dep ExternalDep) bool {
	if old, ok := s.Deps[dep.Module]; ok && old == dep {
		return false
	}
	s.Deps[dep.Module] = dep
	return true
}

// SortedDeps returns dependencies ordered by module path.
func (s *State) SortedDeps() []ExternalDep {
	out := make([]ExternalDep, 0, len(s.Deps))
	for _, d := range s.Deps {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out
}

// LangBelow reports whether go version a is older than b. An empty a means
// the toolchain default and is treated as older than any explicit request.
func LangBelow(a, b string) bool {
	if a == "" {
		return b != ""
	}
	return semver.Compare("v"+a, "v"+b) < 0
}

// DepsDigest identifies the dependency set and language version.
func (s *State) DepsDigest() string {
	h := sha256.New()
	fmt.Fprintf(h, "go %s\n", s.LangVersion)
	for _, d := range s.SortedDeps() {
		fmt.Fprintf(h, "%s\n", d)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
