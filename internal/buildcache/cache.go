// Package buildcache is a content-addressed, size-bounded disk cache for
// compiler invocations of dependency packages.
package buildcache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"fortio.org/safecast"
	"github.com/vmihailenco/msgpack/v5"
)

// Current schema version - increment when Meta changes.
const schemaVersion uint16 = 1

const (
	metaFile     = "meta.mp"
	outputPrefix = "out."
)

// ErrMiss is returned by Restore for a key that is not cached.
var ErrMiss = errors.New("buildcache: miss")

// Cache stores one directory per key: <dir>/<key>/{meta.mp,out.*}.
// Thread-safe within one process; concurrent processes rely on atomic
// renames.
type Cache struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// Input is one file that went into a key.
type Input struct {
	Path string
	Hash string
}

// Meta describes a cache entry.
type Meta struct {
	Schema   uint16
	Tool     string
	Inputs   []Input
	Outputs  []string // output roles, stored as out.<role>
	Stdout   []byte
	Hits     uint64
	Created  int64 // unix nanoseconds
	LastUsed int64
	Size     int64
}

// Entry is a cache hit.
type Entry struct {
	Key  string
	Meta Meta
}

// Open uses dir as the cache root, creating it when needed.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("buildcache: %w", err)
	}
	return &Cache{dir: dir, now: time.Now}, nil
}

// OpenDefault opens the cache at the standard per-user location.
func OpenDefault(app string) (*Cache, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		var err error
		base, err = os.UserCacheDir()
		if err != nil {
			return nil, err
		}
	}
	return Open(filepath.Join(base, app, "build"))
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

func (c *Cache) entryDir(key string) string {
	return filepath.Join(c.dir, key)
}

func readMeta(dir string) (Meta, error) {
	var m Meta
	f, err := os.Open(filepath.Join(dir, metaFile))
	if err != nil {
		return m, err
	}
	defer f.Close()
	if err := msgpack.NewDecoder(f).Decode(&m); err != nil {
		return m, err
	}
	if m.Schema != schemaVersion {
		return m, fmt.Errorf("buildcache: schema %d, want %d", m.Schema, schemaVersion)
	}
	return m, nil
}

// writeMeta replaces the meta file atomically.
func writeMeta(dir string, m Meta) error {
	f, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if err := msgpack.NewEncoder(f).Encode(&m); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), filepath.Join(dir, metaFile))
}

// Lookup returns the entry for key.
func (c *Cache) Lookup(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := readMeta(c.entryDir(key))
	if err != nil {
		return nil, false
	}
	return &Entry{Key: key, Meta: m}, true
}

// Store records a successful invocation. outputs maps output roles to the
// files the tool produced.
func (c *Cache) Store(key, tool string, inputs []Input, outputs map[string]string, stdout []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tmp, err := os.MkdirTemp(c.dir, ".new-*")
	if err != nil {
		return fmt.Errorf("buildcache: %w", err)
	}
	defer os.RemoveAll(tmp)

	now := c.now().UnixNano()
	m := Meta{Schema: schemaVersion, Tool: tool, Inputs: inputs, Stdout: stdout, Created: now, LastUsed: now}
	for _, role := range sortedRoles(outputs) {
		n, err := copyFile(outputs[role], filepath.Join(tmp, outputPrefix+role))
		if err != nil {
			return fmt.Errorf("buildcache: store %s: %w", role, err)
		}
		m.Outputs = append(m.Outputs, role)
		m.Size += n
	}
	if err := writeMeta(tmp, m); err != nil {
		return fmt.Errorf("buildcache: %w", err)
	}
	dst := c.entryDir(key)
	if err := os.Rename(tmp, dst); err != nil {
		if _, statErr := os.Stat(dst); statErr == nil {
			// another build stored the same key first
			return nil
		}
		return fmt.Errorf("buildcache: %w", err)
	}
	return nil
}

// Restore copies the cached outputs of key to the requested paths and
// counts a hit.
func (c *Cache) Restore(key string, outputs map[string]string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dir := c.entryDir(key)
	m, err := readMeta(dir)
	if err != nil {
		return nil, ErrMiss
	}
	for _, role := range sortedRoles(outputs) {
		if _, err := copyFile(filepath.Join(dir, outputPrefix+role), outputs[role]); err != nil {
			return nil, fmt.Errorf("buildcache: restore %s: %w", role, err)
		}
	}
	m.Hits++
	m.LastUsed = c.now().UnixNano()
	if err := writeMeta(dir, m); err != nil {
		return nil, fmt.Errorf("buildcache: %w", err)
	}
	return &Entry{Key: key, Meta: m}, nil
}

// Has reports whether every requested output role is cached for e.
func (e *Entry) Has(outputs map[string]string) bool {
	for role := range outputs {
		found := false
		for _, r := range e.Meta.Outputs {
			if r == role {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (c *Cache) entries() ([]Entry, error) {
	des, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, de := range des {
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		m, err := readMeta(c.entryDir(de.Name()))
		if err != nil {
			continue
		}
		out = append(out, Entry{Key: de.Name(), Meta: m})
	}
	return out, nil
}

// Evict removes least recently used entries until the cache fits budget
// bytes. Equal access times evict the entry with fewer hits first, then the
// smaller key.
func (c *Cache) Evict(budget int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.entries()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.Meta.Size
	}
	if total <= budget {
		return 0, nil
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Meta, entries[j].Meta
		if a.LastUsed != b.LastUsed {
			return a.LastUsed < b.LastUsed
		}
		if a.Hits != b.Hits {
			return a.Hits < b.Hits
		}
		return entries[i].Key < entries[j].Key
	})
	removed := 0
	for _, e := range entries {
		if total <= budget {
			break
		}
		if err := os.RemoveAll(c.entryDir(e.Key)); err != nil {
			return removed, err
		}
		total -= e.Meta.Size
		removed++
	}
	return removed, nil
}

// Stats summarizes the cache.
type Stats struct {
	Entries int
	Bytes   uint64
	Hits    uint64
}

// Stats walks every entry.
func (c *Cache) Stats() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.entries()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Entries: len(entries)}
	for _, e := range entries {
		size, err := safecast.Conv[uint64](e.Meta.Size)
		if err != nil {
			return st, err
		}
		st.Bytes += size
		st.Hits += e.Meta.Hits
	}
	return st, nil
}

// Clear removes every entry.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.dir + ".old-" + c.now().Format("20060102150405")
	if err := os.Rename(c.dir, old); err != nil {
		return err
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	return os.RemoveAll(old)
}

func sortedRoles(outputs map[string]string) []string {
	roles := make([]string, 0, len(outputs))
	for r := range outputs {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return n, err
}
