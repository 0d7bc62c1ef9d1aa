package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gorepl/internal/buildcache"
	"gorepl/internal/buildpipeline"
	"gorepl/internal/config"
	"gorepl/internal/eval"
	"gorepl/internal/worker"
)

// openCache opens the dependency cache and returns the -toolexec command
// that serves builds from it. Both are zero when the cache is off.
func openCache(cfg *config.Config) (*buildcache.Cache, string, error) {
	if !cfg.Cache.Enabled || cfg.Session.CacheBytes == 0 {
		return nil, "", nil
	}
	var (
		c   *buildcache.Cache
		err error
	)
	if cfg.Cache.Dir != "" {
		c, err = buildcache.Open(cfg.Cache.Dir)
	} else {
		c, err = buildcache.OpenDefault("gorepl")
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to open dependency cache: %w", err)
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, "", fmt.Errorf("failed to locate gorepl for -toolexec: %w", err)
	}
	return c, toolExecCommand(exe, c.Dir()), nil
}

// toolExecCommand quotes both paths the way go splits -toolexec.
func toolExecCommand(exe, cacheDir string) string {
	return fmt.Sprintf("%q toolexec --cache %q", exe, cacheDir)
}

type sessionOptions struct {
	handler  worker.Handler
	progress buildpipeline.ProgressSink
	commands []eval.Command
}

func openSession(ctx context.Context, cmd *cobra.Command, cfg *config.Config, so sessionOptions) (*eval.Session, error) {
	cache, toolexec, err := openCache(cfg)
	if err != nil {
		return nil, err
	}
	keep, err := cmd.Root().PersistentFlags().GetBool("keep-workspace")
	if err != nil {
		return nil, fmt.Errorf("failed to get keep-workspace flag: %w", err)
	}
	return eval.New(ctx, eval.Options{
		Config:        cfg.Session,
		Root:          cfg.Build.Root,
		GoBin:         cfg.Build.GoBin,
		Env:           cfg.Build.Env,
		ToolExec:      toolexec,
		Cache:         cache,
		Handler:       so.handler,
		Progress:      so.progress,
		Commands:      so.commands,
		KeepWorkspace: keep,
	})
}
