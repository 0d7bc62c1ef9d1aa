package diagfmt

// PrettyOpts configures pretty-printing of compilation errors.
type PrettyOpts struct {
	Color bool
	// Context is the number of input lines shown above the primary line.
	Context   int
	ShowNotes bool
	ShowHelp  bool
	// ShowGenerated prints the raw build output for errors that have no
	// position in the input.
	ShowGenerated bool
	// Width truncates source lines, 0 means unlimited.
	Width int
}

// DefaultPrettyOpts is what the REPL uses on a terminal.
func DefaultPrettyOpts(color bool) PrettyOpts {
	return PrettyOpts{Color: color, ShowNotes: true, ShowHelp: true, ShowGenerated: true}
}

// JSONOpts configures JSON output of compilation errors.
type JSONOpts struct {
	Max            int // 0 means all
	IncludeRaw     bool
	IncludeOrigins bool
}
