package fix

import (
	"gorepl/internal/diag"
	"gorepl/internal/segment"
)

// Action is what the evaluation driver does about one error.
type Action uint8

const (
	ActionNone Action = iota
	// ActionDropVariable forgets a persisted variable the unit cannot use.
	ActionDropVariable
	// ActionSubstituteType replaces a pending type with the one the
	// compiler reported.
	ActionSubstituteType
	// ActionUncapturable turns the error into a user-facing one: the
	// variable's type cannot be written in the unit.
	ActionUncapturable
	// ActionUseFallback swaps a WithFallback segment for its fallback.
	ActionUseFallback
	ActionEnableAsync
	ActionEnableFallible
	// ActionRaiseLang raises the session's go directive.
	ActionRaiseLang
)

var actionNames = [...]string{"none", "drop-variable", "substitute-type", "uncapturable", "use-fallback", "enable-async", "enable-fallible", "raise-lang"}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "unknown"
}

// Origin is the coarse origin class a rule matches on.
type Origin uint8

const (
	OriginAny Origin = iota
	OriginUser
	OriginPackVariable
	OriginFallback
	OriginGenerated
)

// OriginOf classifies a segment kind.
func OriginOf(kind segment.CodeKind) Origin {
	switch kind.(type) {
	case segment.PackVariable:
		return OriginPackVariable
	case segment.WithFallback:
		return OriginFallback
	case segment.OriginalUserCode, segment.OtherUserCode, segment.Command:
		return OriginUser
	}
	return OriginGenerated
}

// Rule maps a diagnostic code seen in an origin to an action. Code
// diag.UnknownCode matches every code.
type Rule struct {
	Code   diag.Code
	Origin Origin
	Action Action
}

// Rules is consulted in order; the first match wins.
var Rules = []Rule{
	{diag.TypUndefinedName, OriginPackVariable, ActionDropVariable},
	{diag.TypCannotUseAsArg, OriginPackVariable, ActionSubstituteType},
	{diag.TypUnexportedName, OriginPackVariable, ActionUncapturable},
	{diag.BldInternalPackage, OriginPackVariable, ActionUncapturable},
	{diag.BldMissingPackage, OriginFallback, ActionNone},
	{diag.TypUnusedImport, OriginFallback, ActionUseFallback},
	{diag.UnknownCode, OriginFallback, ActionUseFallback},
	{diag.TypUndefinedCtx, OriginUser, ActionEnableAsync},
	{diag.TypTooManyReturns, OriginUser, ActionEnableFallible},
	{diag.BldRequiresGoVersion, OriginAny, ActionRaiseLang},
}

// Lookup returns the action for an error's primary origin.
func Lookup(code diag.Code, origin Origin) Action {
	for _, r := range Rules {
		if r.Code != diag.UnknownCode && r.Code != code {
			continue
		}
		if r.Origin != OriginAny && r.Origin != origin {
			continue
		}
		return r.Action
	}
	return ActionNone
}
