// Package fix decides and applies the automatic fixes of the evaluation
// driver's compile/retry loop.
package fix

import (
	"errors"
	"fmt"
	"sort"

	"gorepl/internal/diag"
	"gorepl/internal/segment"
	"gorepl/internal/state"
)

// ErrNoFixes is returned when no planned fix changed anything.
var ErrNoFixes = errors.New("no applicable fixes found")

// Fix is one planned action with the data it needs.
type Fix struct {
	Action      Action
	Variable    string
	Type        string
	FallbackKey string
	LangVersion string
	Err         diag.CompilationError
	order       int
}

// AppliedFix records a fix that changed the attempt.
type AppliedFix struct {
	Action   Action
	Variable string
	Detail   string
	Code     diag.Code
}

// SkippedFix captures a planned fix that had no effect, with a reason.
type SkippedFix struct {
	Action Action
	Reason string
}

// ApplyResult aggregates applied and skipped fixes plus errors that must
// reach the user.
type ApplyResult struct {
	Applied []AppliedFix
	Skipped []SkippedFix
	Surface []diag.CompilationError
}

// Plan picks an action for every error. Errors without an action are
// returned as unfixed.
func Plan(errs []diag.CompilationError) (fixes []Fix, unfixed []diag.CompilationError) {
	for i, e := range errs {
		action := Lookup(e.Code, OriginOf(e.PrimaryOrigin()))
		f := Fix{Action: action, Variable: e.Variable, FallbackKey: e.FallbackKey, Err: e, order: i}
		switch action {
		case ActionNone:
			unfixed = append(unfixed, e)
			continue
		case ActionSubstituteType:
			typ, ok := diag.ArgumentType(e.Message)
			if !ok || f.Variable == "" {
				unfixed = append(unfixed, e)
				continue
			}
			f.Type = typ
		case ActionDropVariable, ActionUncapturable:
			if f.Variable == "" {
				unfixed = append(unfixed, e)
				continue
			}
		case ActionUseFallback:
			if f.FallbackKey == "" {
				unfixed = append(unfixed, e)
				continue
			}
		case ActionRaiseLang:
			v, ok := diag.RequiredGoVersion(e.Message)
			if !ok {
				unfixed = append(unfixed, e)
				continue
			}
			f.LangVersion = v
		}
		fixes = append(fixes, f)
	}
	sortFixes(fixes)
	return fixes, unfixed
}

// sortFixes orders by action, then variable or key, then input order, so a
// batch is applied deterministically.
func sortFixes(fixes []Fix) {
	sort.SliceStable(fixes, func(i, j int) bool {
		if fixes[i].Action != fixes[j].Action {
			return fixes[i].Action < fixes[j].Action
		}
		if fixes[i].Variable != fixes[j].Variable {
			return fixes[i].Variable < fixes[j].Variable
		}
		if fixes[i].FallbackKey != fixes[j].FallbackKey {
			return fixes[i].FallbackKey < fixes[j].FallbackKey
		}
		return fixes[i].order < fixes[j].order
	})
}

// Apply runs every planned fix against the attempt's state and fallback
// set. It returns ErrNoFixes when nothing changed and nothing needs to be
// surfaced, which ends the retry loop.
func Apply(st *state.State, fallbacks map[string]bool, fixes []Fix) (*ApplyResult, error) {
	result := &ApplyResult{}
	for _, f := range fixes {
		applied, detail, surface := applyOne(st, fallbacks, f)
		if surface != nil {
			result.Surface = append(result.Surface, *surface)
			continue
		}
		if !applied {
			result.Skipped = append(result.Skipped, SkippedFix{Action: f.Action, Reason: detail})
			continue
		}
		result.Applied = append(result.Applied, AppliedFix{Action: f.Action, Variable: f.Variable, Detail: detail, Code: f.Err.Code})
	}
	if len(result.Applied) == 0 && len(result.Surface) == 0 {
		return result, ErrNoFixes
	}
	return result, nil
}

func applyOne(st *state.State, fallbacks map[string]bool, f Fix) (bool, string, *diag.CompilationError) {
	switch f.Action {
	case ActionDropVariable:
		if _, ok := st.Variables[f.Variable]; !ok {
			if _, stored := st.StoredVariables[f.Variable]; !stored {
				return false, "variable already dropped", nil
			}
		}
		st.DropVariables(f.Variable)
		return true, f.Variable, nil
	case ActionSubstituteType:
		v, ok := st.Variables[f.Variable]
		if !ok {
			return false, "unknown variable", nil
		}
		if v.Type == f.Type {
			return false, "type unchanged", nil
		}
		st.SetTypeText(f.Variable, f.Type)
		return true, f.Variable + ": " + f.Type, nil
	case ActionUncapturable:
		e := uncapturable(st, f)
		st.DropVariables(f.Variable)
		return false, "", &e
	case ActionUseFallback:
		if fallbacks[f.FallbackKey] {
			return false, "fallback already in use", nil
		}
		fallbacks[f.FallbackKey] = true
		return true, f.FallbackKey, nil
	case ActionEnableAsync:
		if st.AsyncMode {
			return false, "async mode already on", nil
		}
		st.AsyncMode = true
		return true, "async", nil
	case ActionEnableFallible:
		if st.FallibleMode {
			return false, "fallible mode already on", nil
		}
		st.FallibleMode = true
		return true, "fallible", nil
	case ActionRaiseLang:
		if !state.LangBelow(st.LangVersion, f.LangVersion) {
			return false, "language version already " + st.LangVersion, nil
		}
		st.LangVersion = f.LangVersion
		return true, "go " + f.LangVersion, nil
	}
	return false, "no action", nil
}

// uncapturable rewrites a generated-code error into one about the variable
// that cannot be persisted.
func uncapturable(st *state.State, f Fix) diag.CompilationError {
	typ := "its type"
	e := f.Err
	if v, ok := st.Variables[f.Variable]; ok {
		if !v.Pending() {
			typ = v.Type
		}
		if v.Defined != nil {
			span := *v.Defined
			e.Spanned = []diag.SpannedMessage{{Span: &span, Message: "defined here", Primary: true}}
		}
	}
	e.Code = diag.RplUncapturableType
	e.Message = fmt.Sprintf("variable %s cannot be kept between evaluations: %s cannot be named outside its package (%s)", f.Variable, typ, f.Err.Message)
	e.Help = append(e.Help, "convert the value to an exported type, or keep it inside a single evaluation")
	e.Origins = append(e.Origins, segment.OtherUserCode{})
	return e
}
