package diag

import (
	"fmt"
)

type Code uint16

const (
	UnknownCode Code = 0

	// Syntax
	SynInfo            Code = 1000
	SynError           Code = 1001
	SynUnexpected      Code = 1002
	SynMisplacedImport Code = 1003

	// Type checking
	TypInfo               Code = 2000
	TypUndefinedName      Code = 2001
	TypUndefinedCtx       Code = 2002
	TypCannotUseAsArg     Code = 2003
	TypCannotUse          Code = 2004
	TypDeclaredNotUsed    Code = 2005
	TypUnusedImport       Code = 2006
	TypUnexportedName     Code = 2007
	TypTooManyReturns     Code = 2008
	TypNotEnoughReturns   Code = 2009
	TypNoValueUsed        Code = 2010
	TypMismatchedTypes    Code = 2011
	TypRedeclared         Code = 2012
	TypMissingReturn      Code = 2013
	TypNotType            Code = 2014
	TypAssignmentMismatch Code = 2015
	TypInvalidOperation   Code = 2016
	TypTooManyErrors      Code = 2017

	// Build system
	BldInfo              Code = 3000
	BldInternalPackage   Code = 3001
	BldMissingPackage    Code = 3002
	BldRequiresGoVersion Code = 3003
	BldModule            Code = 3004
	BldLink              Code = 3005
	BldCgo               Code = 3006
	BldImportCycle       Code = 3007

	// REPL runtime
	RplInfo             Code = 4000
	RplUncapturableType Code = 4001
	RplReservedName     Code = 4002
)

var (
	codeDescription = map[Code]string{
		UnknownCode:           "Unknown error",
		SynInfo:               "Syntax information",
		SynError:              "Syntax error",
		SynUnexpected:         "Unexpected token",
		SynMisplacedImport:    "Import after other declarations",
		TypInfo:               "Type checking information",
		TypUndefinedName:      "Undefined name",
		TypUndefinedCtx:       "Undefined ctx outside an async block",
		TypCannotUseAsArg:     "Argument of the wrong type",
		TypCannotUse:          "Value of the wrong type",
		TypDeclaredNotUsed:    "Variable declared and not used",
		TypUnusedImport:       "Package imported and not used",
		TypUnexportedName:     "Name not exported by package",
		TypTooManyReturns:     "Too many return values",
		TypNotEnoughReturns:   "Not enough return values",
		TypNoValueUsed:        "Call without a value used as a value",
		TypMismatchedTypes:    "Mismatched types",
		TypRedeclared:         "Name redeclared",
		TypMissingReturn:      "Missing return",
		TypNotType:            "Name is not a type",
		TypAssignmentMismatch: "Assignment count mismatch",
		TypInvalidOperation:   "Invalid operation",
		TypTooManyErrors:      "Too many errors",
		BldInfo:               "Build information",
		BldInternalPackage:    "Use of internal package not allowed",
		BldMissingPackage:     "Package not found",
		BldRequiresGoVersion:  "Feature requires a newer language version",
		BldModule:             "Module resolution failed",
		BldLink:               "Link failed",
		BldCgo:                "Cgo failed",
		BldImportCycle:        "Import cycle",
		RplInfo:               "REPL information",
		RplUncapturableType:   "Variable type cannot be persisted",
		RplReservedName:       "Name reserved by the REPL",
	}
)

func (c Code) ID() string {
	switch ic := int(c); {
	case ic >= 1000 && ic < 2000:
		return fmt.Sprintf("SYN%04d", ic)
	case ic >= 2000 && ic < 3000:
		return fmt.Sprintf("TYP%04d", ic)
	case ic >= 3000 && ic < 4000:
		return fmt.Sprintf("BLD%04d", ic)
	case ic >= 4000 && ic < 5000:
		return fmt.Sprintf("RPL%04d", ic)
	}
	return "E0000"
}

func (c Code) Title() string {
	desc, ok := codeDescription[c]
	if !ok {
		return codeDescription[Code(0)]
	}
	return desc
}

func (c Code) String() string {
	return fmt.Sprintf("[%s]: %s", c.ID(), c.Title())
}
