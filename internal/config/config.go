// Package config loads gorepl.toml.
//
//	[session]
//	opt_level = 2
//	preserve_vars_on_panic = true
//	prelude = ['import "fmt"']
//	prelude_file = "prelude.go"
//
//	[cache]
//	enabled = true
//	max_mib = 512
//
//	[build]
//	go = "go"
//	env = ["GOPRIVATE=example.com"]
//
//	[trace]
//	file = "gorepl.trace"
//	level = "phase"
//
// Keys left out keep their defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"gorepl/internal/state"
)

// FileName is the name of the config file in the user config directory.
const FileName = "gorepl.toml"

// Config is the resolved configuration.
type Config struct {
	// Path is the file the settings came from; empty when none was found.
	Path    string
	Session state.Config
	Cache   Cache
	Build   Build
	Trace   Trace
}

// Cache configures the dependency compile cache.
type Cache struct {
	Enabled bool
	Dir     string // empty means the user cache dir
}

// Build configures go invocations.
type Build struct {
	GoBin string
	Root  string // parent of session directories; empty means the temp dir
	Env   []string
}

// Trace configures the tracer.
type Trace struct {
	File   string
	Level  string
	Mode   string
	Format string
}

type fileConfig struct {
	Session struct {
		OptLevel            int      `toml:"opt_level"`
		PreserveVarsOnPanic bool     `toml:"preserve_vars_on_panic"`
		ShowTypes           bool     `toml:"show_types"`
		ShowTimings         bool     `toml:"show_timings"`
		MaxFixRetries       int      `toml:"max_fix_retries"`
		GoVersion           string   `toml:"go_version"`
		Offline             bool     `toml:"offline"`
		Prelude             []string `toml:"prelude"`
		PreludeFile         string   `toml:"prelude_file"`
	} `toml:"session"`
	Cache struct {
		Enabled bool   `toml:"enabled"`
		Dir     string `toml:"dir"`
		MaxMiB  int64  `toml:"max_mib"`
	} `toml:"cache"`
	Build struct {
		Go   string   `toml:"go"`
		Root string   `toml:"root"`
		Env  []string `toml:"env"`
	} `toml:"build"`
	Trace struct {
		File   string `toml:"file"`
		Level  string `toml:"level"`
		Mode   string `toml:"mode"`
		Format string `toml:"format"`
	} `toml:"trace"`
}

// Default returns the configuration used without a file.
func Default() *Config {
	return &Config{
		Session: state.DefaultConfig(),
		Cache:   Cache{Enabled: true},
		Build:   Build{GoBin: "go"},
		Trace:   Trace{Level: "off", Mode: "stream", Format: "auto"},
	}
}

// DefaultPath is gorepl.toml in the user config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "gorepl", FileName), nil
}

// Load reads the config at path. An empty path means DefaultPath, which
// may be missing; an explicit path must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return Default(), nil
		}
		path = p
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return loadFile(path)
}

func loadFile(path string) (*Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg := Default()
	cfg.Path = path
	s := &cfg.Session
	if meta.IsDefined("session", "opt_level") {
		s.OptLevel = raw.Session.OptLevel
	}
	if meta.IsDefined("session", "preserve_vars_on_panic") {
		s.PreserveVarsOnPanic = raw.Session.PreserveVarsOnPanic
	}
	if meta.IsDefined("session", "max_fix_retries") {
		s.MaxFixRetries = raw.Session.MaxFixRetries
	}
	s.ShowTypes = raw.Session.ShowTypes
	s.ShowTimings = raw.Session.ShowTimings
	s.GoVersion = strings.TrimSpace(raw.Session.GoVersion)
	s.Offline = raw.Session.Offline
	s.Prelude = raw.Session.Prelude
	if file := strings.TrimSpace(raw.Session.PreludeFile); file != "" {
		if !filepath.IsAbs(file) {
			file = filepath.Join(filepath.Dir(path), file)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("%s: [session].prelude_file: %w", path, err)
		}
		s.Prelude = append(s.Prelude, string(data))
	}

	if meta.IsDefined("cache", "enabled") {
		cfg.Cache.Enabled = raw.Cache.Enabled
	}
	cfg.Cache.Dir = raw.Cache.Dir
	if meta.IsDefined("cache", "max_mib") {
		if raw.Cache.MaxMiB < 0 || raw.Cache.MaxMiB > math.MaxInt64>>20 {
			return nil, fmt.Errorf("%s: [cache].max_mib out of range: %d", path, raw.Cache.MaxMiB)
		}
		s.CacheBytes = raw.Cache.MaxMiB << 20
	}
	if !cfg.Cache.Enabled {
		s.CacheBytes = 0
	}

	if meta.IsDefined("build", "go") {
		if strings.TrimSpace(raw.Build.Go) == "" {
			return nil, fmt.Errorf("%s: [build].go is empty", path)
		}
		cfg.Build.GoBin = raw.Build.Go
	}
	cfg.Build.Root = raw.Build.Root
	cfg.Build.Env = raw.Build.Env
	for _, kv := range cfg.Build.Env {
		if !strings.Contains(kv, "=") {
			return nil, fmt.Errorf("%s: [build].env entry %q is not KEY=VALUE", path, kv)
		}
	}

	if meta.IsDefined("trace", "file") {
		cfg.Trace.File = raw.Trace.File
	}
	if meta.IsDefined("trace", "level") {
		cfg.Trace.Level = raw.Trace.Level
	}
	if meta.IsDefined("trace", "mode") {
		cfg.Trace.Mode = raw.Trace.Mode
	}
	if meta.IsDefined("trace", "format") {
		cfg.Trace.Format = raw.Trace.Format
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
