package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"gorepl/internal/config"
	"gorepl/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "gorepl",
	Short: "Interactive Go evaluation",
	Long:  `gorepl compiles each input into a plugin, loads it into a long-lived worker and keeps variables alive between inputs`,
	Args:  cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == toolexecCmd.Name() {
			return nil
		}
		if !colorEnabled(cmd, os.Stdout) {
			color.NoColor = true
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		loaded = cfg
		cleanup, err := setupTracing(cmd, cfg.Trace)
		if err != nil {
			return err
		}
		cobra.OnFinalize(cleanup)
		return nil
	},
	RunE: runREPL,
}

// loaded is the configuration resolved before any subcommand runs.
var loaded *config.Config

// main registers the subcommands and persistent flags and executes the root
// command. Any error exits with status 1.
func main() {
	rootCmd.Version = version.Version

	rootCmd.AddCommand(replCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(toolexecCmd)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: gorepl/gorepl.toml in the user config dir)")
	flags.String("color", "auto", "colorize output (auto|on|off)")
	flags.Int("opt", 2, "optimization level (0|1|2)")
	flags.Bool("offline", false, "never download modules")
	flags.Bool("no-cache", false, "disable the dependency compile cache")
	flags.Bool("timings", false, "show phase timings after each evaluation")
	flags.String("go", "", "go command to build with")
	flags.Bool("keep-workspace", false, "leave the session directory behind")
	flags.String("trace", "", "trace output file (\"-\" for stderr)")
	flags.String("trace-level", "", "trace level (off|error|phase|detail|debug)")
	flags.String("trace-mode", "", "trace storage (stream|ring|both)")
	flags.String("trace-format", "", "trace format (auto|text|ndjson)")
	flags.Int("trace-ring-size", 4096, "ring buffer size for ring mode")
	flags.Duration("trace-heartbeat", 0, "heartbeat interval, 0 disables")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func colorEnabled(cmd *cobra.Command, f *os.File) bool {
	mode, err := cmd.Root().PersistentFlags().GetString("color")
	if err != nil {
		mode = "auto"
	}
	switch mode {
	case "on":
		return true
	case "off":
		return false
	}
	return isTerminal(f) && os.Getenv("NO_COLOR") == ""
}
