package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"gorepl/internal/buildcache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the dependency compile cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size and hits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := configuredCache()
		if err != nil {
			return err
		}
		st, err := c.Stats()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "dir:     %s\nentries: %d\nsize:    %d MiB of %d MiB\nhits:    %d\n",
			c.Dir(), st.Entries, st.Bytes>>20, loaded.Session.CacheBytes>>20, st.Hits)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached artifact",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := configuredCache()
		if err != nil {
			return err
		}
		if err := c.Clear(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
		return nil
	},
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict [MiB]",
	Short: "Evict least recently used entries down to a budget (default: the configured one)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := configuredCache()
		if err != nil {
			return err
		}
		budget := loaded.Session.CacheBytes
		if len(args) == 1 {
			mib, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || mib < 0 {
				return fmt.Errorf("invalid budget %q", args[0])
			}
			budget = mib << 20
		}
		n, err := c.Evict(budget)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "evicted %d entries\n", n)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd, cacheEvictCmd)
}

func configuredCache() (*buildcache.Cache, error) {
	if !loaded.Cache.Enabled {
		return nil, errors.New("the dependency cache is disabled")
	}
	if loaded.Cache.Dir != "" {
		return buildcache.Open(loaded.Cache.Dir)
	}
	return buildcache.OpenDefault("gorepl")
}
