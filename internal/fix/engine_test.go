package fix

import (
	"errors"
	"strings"
	"testing"

	"gorepl/internal/diag"
	"gorepl/internal/segment"
	"gorepl/internal/state"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		code   diag.Code
		origin Origin
		want   Action
	}{
		{diag.TypUndefinedName, OriginPackVariable, ActionDropVariable},
		{diag.TypUndefinedName, OriginUser, ActionNone},
		{diag.TypCannotUseAsArg, OriginPackVariable, ActionSubstituteType},
		{diag.TypUnexportedName, OriginPackVariable, ActionUncapturable},
		{diag.BldInternalPackage, OriginPackVariable, ActionUncapturable},
		{diag.TypUnusedImport, OriginFallback, ActionUseFallback},
		{diag.TypNoValueUsed, OriginFallback, ActionUseFallback},
		{diag.BldMissingPackage, OriginFallback, ActionNone},
		{diag.TypUndefinedCtx, OriginUser, ActionEnableAsync},
		{diag.TypTooManyReturns, OriginUser, ActionEnableFallible},
		{diag.BldRequiresGoVersion, OriginGenerated, ActionRaiseLang},
		{diag.TypMismatchedTypes, OriginUser, ActionNone},
	}
	for _, tt := range tests {
		if got := Lookup(tt.code, tt.origin); got != tt.want {
			t.Errorf("Lookup(%s, %d) = %s, want %s", tt.code.ID(), tt.origin, got, tt.want)
		}
	}
}

func compErr(msg string, origin segment.CodeKind) diag.CompilationError {
	e := diag.CompilationError{Message: msg, Code: diag.Classify(msg), Severity: diag.SevError, Origins: []segment.CodeKind{origin}}
	switch k := origin.(type) {
	case segment.PackVariable:
		e.Variable = k.Name
	case segment.WithFallback:
		e.FallbackKey = k.Key
	}
	return e
}

func newState(t *testing.T, input string) *state.State {
	t.Helper()
	st := state.New(state.DefaultConfig())
	block, parsed := segment.Split(input)
	if _, err := st.Apply(block, parsed); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return st
}

func TestPlanAndApplySubstituteType(t *testing.T) {
	st := newState(t, "x := 40 + 2\n")
	errs := []diag.CompilationError{
		compErr("cannot use x (variable of type int) as replrt.Pending value in argument to replrt.Put[replrt.Pending]", segment.PackVariable{Name: "x"}),
	}
	fixes, unfixed := Plan(errs)
	if len(unfixed) != 0 || len(fixes) != 1 || fixes[0].Type != "int" {
		t.Fatalf("Plan = %+v, unfixed %+v", fixes, unfixed)
	}
	res, err := Apply(st, map[string]bool{}, fixes)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Applied) != 1 || st.Variables["x"].Type != "int" {
		t.Fatalf("type not substituted: %+v", st.Variables["x"])
	}
	if _, err := Apply(st, map[string]bool{}, fixes); !errors.Is(err, ErrNoFixes) {
		t.Fatalf("second application must change nothing, got %v", err)
	}
}

// A generated-code error tied to a persisted variable is fixed at most once
// per variable and never reaches the user.
func TestDropVariableOncePerVariable(t *testing.T) {
	st := newState(t, "a := 1\nb := 2\n")
	st.Commit()
	errs := []diag.CompilationError{
		compErr("undefined: T", segment.PackVariable{Name: "a"}),
		compErr("undefined: T", segment.PackVariable{Name: "a"}),
	}
	fixes, unfixed := Plan(errs)
	if len(unfixed) != 0 {
		t.Fatalf("unexpected unfixed errors %+v", unfixed)
	}
	res, err := Apply(st, map[string]bool{}, fixes)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Applied) != 1 || len(res.Skipped) != 1 {
		t.Fatalf("applied %d skipped %d", len(res.Applied), len(res.Skipped))
	}
	if _, ok := st.Variables["a"]; ok {
		t.Fatal("a should be dropped")
	}
	if _, ok := st.StoredVariables["b"]; !ok {
		t.Fatal("b must survive")
	}
}

func TestUseFallback(t *testing.T) {
	st := newState(t, "")
	fallbacks := map[string]bool{}
	fixes, _ := Plan([]diag.CompilationError{compErr("\"os\" imported and not used", segment.WithFallback{Key: "import:os"})})
	if _, err := Apply(st, fallbacks, fixes); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !fallbacks["import:os"] {
		t.Fatal("fallback not recorded")
	}
	if _, err := Apply(st, fallbacks, fixes); !errors.Is(err, ErrNoFixes) {
		t.Fatal("a fallback is substituted once")
	}
}

func TestModeToggles(t *testing.T) {
	st := newState(t, "")
	errs := []diag.CompilationError{
		compErr("undefined: ctx", segment.OriginalUserCode{}),
		compErr("too many return values", segment.OriginalUserCode{}),
		compErr("for-range over int requires go1.22 or later (-lang was set to go1.21; check go.mod)", segment.OriginalUserCode{}),
	}
	st.LangVersion = "1.21"
	fixes, unfixed := Plan(errs)
	if len(unfixed) != 0 || len(fixes) != 3 {
		t.Fatalf("Plan = %+v / %+v", fixes, unfixed)
	}
	if _, err := Apply(st, map[string]bool{}, fixes); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !st.AsyncMode || !st.FallibleMode || st.LangVersion != "1.22" {
		t.Fatalf("modes not enabled: async=%v fallible=%v lang=%s", st.AsyncMode, st.FallibleMode, st.LangVersion)
	}
}

func TestUncapturableSurfaces(t *testing.T) {
	st := newState(t, "r := newReader()\n")
	fixes, _ := Plan([]diag.CompilationError{compErr("name reader not exported by package lib", segment.PackVariable{Name: "r"})})
	res, err := Apply(st, map[string]bool{}, fixes)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Surface) != 1 {
		t.Fatalf("expected one surfaced error, got %+v", res)
	}
	e := res.Surface[0]
	if !e.IsUserActionable() || e.Code != diag.RplUncapturableType || !strings.Contains(e.Message, "variable r") {
		t.Fatalf("unexpected surfaced error %+v", e)
	}
	if span, ok := e.PrimarySpan(); !ok || span.StartLine != 1 {
		t.Fatalf("surfaced error should point at the definition, got %v", span)
	}
	if _, ok := st.Variables["r"]; ok {
		t.Fatal("an uncapturable variable is not kept")
	}
}

func TestPlanLeavesUserErrors(t *testing.T) {
	_, unfixed := Plan([]diag.CompilationError{compErr("undefined: y", segment.OriginalUserCode{})})
	if len(unfixed) != 1 {
		t.Fatal("user errors are never fixed automatically")
	}
}
