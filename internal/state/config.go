package state

import "fmt"

// DefaultMaxFixRetries bounds the automatic fix/retry loop.
const DefaultMaxFixRetries = 5

// Config holds the user-tunable session settings.
type Config struct {
	OptLevel            int // 0 disables optimizations and inlining for the unit
	PreserveVarsOnPanic bool
	ShowTypes           bool
	ShowTimings         bool
	MaxFixRetries       int
	CacheBytes          int64 // dependency cache budget; 0 disables the cache
	GoVersion           string
	Offline             bool // GOFLAGS=-mod=mod with GOPROXY=off
	Prelude             []string
}

// DefaultConfig returns the settings of a fresh session.
func DefaultConfig() Config {
	return Config{
		OptLevel:            2,
		PreserveVarsOnPanic: true,
		MaxFixRetries:       DefaultMaxFixRetries,
		CacheBytes:          512 << 20,
	}
}

// Validate reports settings that cannot be used.
func (c Config) Validate() error {
	if c.OptLevel < 0 || c.OptLevel > 2 {
		return fmt.Errorf("opt level must be 0, 1 or 2, got %d", c.OptLevel)
	}
	if c.MaxFixRetries < 0 {
		return fmt.Errorf("max fix retries must not be negative, got %d", c.MaxFixRetries)
	}
	if c.CacheBytes < 0 {
		return fmt.Errorf("cache size must not be negative, got %d", c.CacheBytes)
	}
	return nil
}
