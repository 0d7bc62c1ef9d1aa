package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gorepl/internal/buildcache"
)

// toolexecCmd is what go build runs in place of the compiler and
// assembler when the dependency cache is on.
var toolexecCmd = &cobra.Command{
	Use:                "toolexec --cache <dir> <tool> [args...]",
	Hidden:             true,
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, toolArgs, err := parseToolExecArgs(args)
		if err != nil {
			return err
		}
		inv, err := buildcache.InvocationFromArgs(toolArgs)
		if err != nil {
			return err
		}
		// an unusable cache still runs the tool
		c, err := buildcache.Open(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gorepl toolexec: %v\n", err)
			c = nil
		}
		if _, err := buildcache.Wrap(cmd.Context(), c, inv, os.Stdout, os.Stderr); err != nil {
			os.Exit(buildcache.ExitCode(err))
		}
		return nil
	},
}

func parseToolExecArgs(args []string) (string, []string, error) {
	if len(args) < 3 || args[0] != "--cache" {
		return "", nil, errors.New("usage: gorepl toolexec --cache <dir> <tool> [args...]")
	}
	return args[1], args[2:], nil
}
