package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gorepl/internal/diagfmt"
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] <file.go>",
	Short: "Report the compilation errors of a file without running it",
	Long: `Compile a file as a single input of a fresh session and print the errors it
would produce, mapped onto the file. Nothing is run.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().String("format", "pretty", "output format (pretty|json)")
	checkCmd.Flags().Int("context", 0, "lines of context shown above each error")
}

func runCheck(cmd *cobra.Command, args []string) error {
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("failed to get format flag: %w", err)
	}
	if format != "pretty" && format != "json" {
		return fmt.Errorf("unsupported format %q (must be pretty or json)", format)
	}
	context, err := cmd.Flags().GetInt("context")
	if err != nil {
		return fmt.Errorf("failed to get context flag: %w", err)
	}
	src, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	sess, err := openSession(cmd.Context(), cmd, loaded, sessionOptions{})
	if err != nil {
		return err
	}
	defer sess.Close()
	errs, err := sess.Check(cmd.Context(), string(src))
	if err != nil {
		return err
	}

	if format == "json" {
		if err := diagfmt.JSON(cmd.OutOrStdout(), errs, diagfmt.JSONOpts{IncludeOrigins: true, IncludeRaw: true}); err != nil {
			return err
		}
	} else {
		opts := diagfmt.DefaultPrettyOpts(colorEnabled(cmd, os.Stdout))
		opts.Context = context
		if err := diagfmt.Pretty(cmd.OutOrStdout(), errs, string(src), opts); err != nil {
			return err
		}
	}
	if len(errs) > 0 {
		cmd.SilenceUsage = true
		return fmt.Errorf("%s: %d errors", args[0], len(errs))
	}
	return nil
}
