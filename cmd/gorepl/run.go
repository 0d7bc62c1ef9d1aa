package main

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"gorepl/internal/eval"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <file.go>",
	Short: "Evaluate a file cell by cell in a fresh session",
	Long: `Evaluate a file in a fresh session. Lines of the form "// %%" split the
file into cells that are evaluated in order, the way a notebook runs them.`,
	Args: cobra.ExactArgs(1),
	RunE: runFile,
}

func init() {
	runCmd.Flags().String("ui", "auto", "progress view (auto|on|off)")
	runCmd.Flags().Bool("keep-going", false, "evaluate the remaining cells after a failure")
	runCmd.Flags().String("format", "pretty", "diagnostics format (pretty|json)")
}

// cell is one evaluation unit of a file.
type cell struct {
	name string
	text string
}

var cellMarker = regexp.MustCompile(`^\s*//\s*%%`)

// splitCells cuts src at cell markers. A file without markers is one cell;
// blank cells are dropped.
func splitCells(src string) []cell {
	var (
		cells []cell
		cur   strings.Builder
	)
	flush := func() {
		if strings.TrimSpace(cur.String()) != "" {
			cells = append(cells, cell{name: fmt.Sprintf("cell %d", len(cells)+1), text: cur.String()})
		}
		cur.Reset()
	}
	for _, l := range strings.SplitAfter(src, "\n") {
		if cellMarker.MatchString(l) {
			flush()
			continue
		}
		cur.WriteString(l)
	}
	flush()
	return cells
}

type cellResult struct {
	cell cell
	out  *eval.Output
	err  error
}

func runFile(cmd *cobra.Command, args []string) error {
	src, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	cells := splitCells(string(src))
	if len(cells) == 0 {
		return nil
	}

	modeStr, err := cmd.Flags().GetString("ui")
	if err != nil {
		return fmt.Errorf("failed to get ui flag: %w", err)
	}
	mode, err := readUIMode(modeStr)
	if err != nil {
		return err
	}
	keepGoing, err := cmd.Flags().GetBool("keep-going")
	if err != nil {
		return fmt.Errorf("failed to get keep-going flag: %w", err)
	}
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("failed to get format flag: %w", err)
	}
	if format != "pretty" && format != "json" {
		return fmt.Errorf("unsupported format %q (must be pretty or json)", format)
	}

	rep := &reporter{
		out:    cmd.OutOrStdout(),
		errOut: cmd.ErrOrStderr(),
		color:  colorEnabled(cmd, os.Stderr),
		json:   format == "json",
	}
	var failed int
	if shouldUseTUI(mode) {
		results, err := runCellsWithUI(cmd.Context(), cmd, args[0], cells, keepGoing)
		if err != nil {
			return err
		}
		rep.parts = true
		for _, r := range results {
			fmt.Fprintf(rep.errOut, "-- %s\n", r.cell.name)
			if rep.report(r.cell.text, r.out, r.err) {
				failed++
			}
		}
	} else {
		tty := newTerminal(cmd.OutOrStdout(), nil)
		sess, err := openSession(cmd.Context(), cmd, loaded, sessionOptions{handler: tty})
		if err != nil {
			return err
		}
		defer sess.Close()
		for _, c := range cells {
			out, err := sess.Evaluate(cmd.Context(), c.text)
			tty.reset()
			if rep.report(c.text, out, err) {
				failed++
				if !keepGoing {
					break
				}
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d cells failed", failed, len(cells))
	}
	return nil
}

// evalCells runs cells in one session, stopping at the first failure
// unless keepGoing.
func evalCells(ctx context.Context, sess *eval.Session, cells []cell, keepGoing bool, before func(cell)) []cellResult {
	results := make([]cellResult, 0, len(cells))
	for _, c := range cells {
		if before != nil {
			before(c)
		}
		out, err := sess.Evaluate(ctx, c.text)
		results = append(results, cellResult{cell: c, out: out, err: err})
		if err != nil && !keepGoing {
			break
		}
	}
	return results
}
