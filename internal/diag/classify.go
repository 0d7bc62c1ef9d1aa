package diag

import (
	"regexp"
	"strings"
)

type classRule struct {
	re   *regexp.Regexp
	code Code
}

// classRules map compiler and go command messages to codes. Order matters:
// the first match wins.
var classRules = []classRule{
	{regexp.MustCompile(`^name .* not exported by package|cannot refer to unexported`), TypUnexportedName},
	{regexp.MustCompile(`^undefined: ctx$`), TypUndefinedCtx},
	{regexp.MustCompile(`^undefined: `), TypUndefinedName},
	{regexp.MustCompile(`^cannot use .* as .* value in argument to `), TypCannotUseAsArg},
	{regexp.MustCompile(`^cannot use `), TypCannotUse},
	{regexp.MustCompile(`^declared and not used: |declared (and|but) not used$`), TypDeclaredNotUsed},
	{regexp.MustCompile(`imported and not used`), TypUnusedImport},
	{regexp.MustCompile(`^too many return values`), TypTooManyReturns},
	{regexp.MustCompile(`^not enough return values`), TypNotEnoughReturns},
	{regexp.MustCompile(`\(no value\) used as value`), TypNoValueUsed},
	{regexp.MustCompile(`mismatched types`), TypMismatchedTypes},
	{regexp.MustCompile(`redeclared in this block|already declared`), TypRedeclared},
	{regexp.MustCompile(`^missing return`), TypMissingReturn},
	{regexp.MustCompile(`is not a type$`), TypNotType},
	{regexp.MustCompile(`^assignment mismatch`), TypAssignmentMismatch},
	{regexp.MustCompile(`^invalid operation`), TypInvalidOperation},
	{regexp.MustCompile(`^too many errors$`), TypTooManyErrors},
	{regexp.MustCompile(`^syntax error: imports must appear before other declarations`), SynMisplacedImport},
	{regexp.MustCompile(`^syntax error: unexpected`), SynUnexpected},
	{regexp.MustCompile(`^syntax error`), SynError},
	{regexp.MustCompile(`use of internal package .* not allowed`), BldInternalPackage},
	{regexp.MustCompile(`requires go1\.[0-9]+(\.[0-9]+)? or later`), BldRequiresGoVersion},
	{regexp.MustCompile(`no required module provides package|cannot find package|is not in std|package .* is not in GOROOT`), BldMissingPackage},
	{regexp.MustCompile(`^go: |go\.mod|unknown revision|invalid version`), BldModule},
	{regexp.MustCompile(`import cycle not allowed`), BldImportCycle},
	{regexp.MustCompile(`^cgo|could not determine kind of name for C\.`), BldCgo},
	{regexp.MustCompile(`^link: |relocation target .* not defined|undefined reference`), BldLink},
}

// Classify derives a code from a diagnostic message.
func Classify(msg string) Code {
	msg = strings.TrimSpace(msg)
	for _, r := range classRules {
		if r.re.MatchString(msg) {
			return r.code
		}
	}
	return UnknownCode
}

var (
	cannotUseArgRe  = regexp.MustCompile(`^cannot use .+ \((?:variable|value) of (?:[a-z]+ )?type (.+?)\) as .+ value in argument to `)
	undefinedRe     = regexp.MustCompile(`^undefined: ([\pL_][\pL\pN_]*)`)
	requiresGoRe    = regexp.MustCompile(`requires go(1\.[0-9]+)(?:\.[0-9]+)? or later`)
	typeMentionedRe = regexp.MustCompile(`of (?:[a-z]+ )?type (.+?)\)`)
)

// ArgumentType extracts the actual type from a "cannot use X (variable of
// type T) as U value in argument to F" message.
func ArgumentType(msg string) (string, bool) {
	if m := cannotUseArgRe.FindStringSubmatch(msg); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	if m := typeMentionedRe.FindStringSubmatch(msg); m != nil && strings.HasPrefix(msg, "cannot use ") {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

// UndefinedName extracts the name of an "undefined: x" message.
func UndefinedName(msg string) (string, bool) {
	m := undefinedRe.FindStringSubmatch(msg)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// RequiredGoVersion extracts "1.N" from a "requires go1.N or later" message.
func RequiredGoVersion(msg string) (string, bool) {
	m := requiresGoRe.FindStringSubmatch(msg)
	if m == nil {
		return "", false
	}
	return m[1], true
}
