// Package diag defines the diagnostic model of the REPL.
//
// Diagnostic is what the build tool reported, in the coordinates of the
// generated compilation unit: a classified Code, the message, a primary
// Position and continuation notes. Classify maps compiler messages to codes
// through an ordered rule table; the fix rules in internal/fix key on those
// codes.
//
// CompilationError is a Diagnostic after internal/diagmap has located the
// segments it touched. Its Origins decide whether the user can act on it,
// and its Spanned messages carry positions in the user's input.
//
// Reporter and Bag collect diagnostics while build output is decoded.
// Rendering lives in internal/diagfmt.
package diag
