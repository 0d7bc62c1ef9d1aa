package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gorepl/internal/config"
)

// loadConfig reads the config file and applies the persistent flags the
// user set on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Root().PersistentFlags()
	path, err := flags.GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if flags.Changed("opt") {
		if cfg.Session.OptLevel, err = flags.GetInt("opt"); err != nil {
			return nil, err
		}
	}
	if flags.Changed("offline") {
		if cfg.Session.Offline, err = flags.GetBool("offline"); err != nil {
			return nil, err
		}
	}
	if flags.Changed("timings") {
		if cfg.Session.ShowTimings, err = flags.GetBool("timings"); err != nil {
			return nil, err
		}
	}
	if off, _ := flags.GetBool("no-cache"); off {
		cfg.Cache.Enabled = false
		cfg.Session.CacheBytes = 0
	}
	if goBin, _ := flags.GetString("go"); goBin != "" {
		cfg.Build.GoBin = goBin
	}
	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
