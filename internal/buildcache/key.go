package buildcache

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// SessionModule is the module path of session workspaces. Its packages are
// rebuilt on every evaluation and never cached.
const SessionModule = "replsession"

// Invocation is one compiler run as seen by the toolexec wrapper.
type Invocation struct {
	Tool string
	Args []string
	Dir  string
	Env  []string // KEY=VALUE pairs that influence the tool
}

var (
	workDir   = regexp.MustCompile(`[^\s=>;,"']*go-build[0-9]+`)
	actionDir = regexp.MustCompile(`\$WORK/b[0-9]+`)
)

// outputFlags name the compile flags whose argument is a produced file.
var outputFlags = map[string]string{
	"-o":       "o",
	"-linkobj": "linkobj",
	"-asmhdr":  "asmhdr",
}

// Normalize replaces go-build temporary and action directories so two runs
// of the same build in different scratch directories compare equal.
func Normalize(s string) string {
	s = workDir.ReplaceAllString(s, "$$WORK")
	return actionDir.ReplaceAllString(s, "$$WORK/b")
}

func toolName(tool string) string {
	return strings.TrimSuffix(filepath.Base(tool), ".exe")
}

// flagValue returns the value of a flag given as "-f v" or "-f=v".
func flagValue(args []string, flag string) (string, bool) {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1], true
		}
		if v, ok := strings.CutPrefix(a, flag+"="); ok {
			return v, true
		}
	}
	return "", false
}

// Cacheable reports whether inv compiles a dependency package. Version
// queries, other tools and packages of the session module pass through.
func Cacheable(inv Invocation) bool {
	if toolName(inv.Tool) != "compile" {
		return false
	}
	if _, ok := flagValue(inv.Args, "-o"); !ok {
		return false
	}
	pkg, ok := flagValue(inv.Args, "-p")
	if !ok || pkg == "main" || pkg == SessionModule || strings.HasPrefix(pkg, SessionModule+"/") {
		return false
	}
	return true
}

// Outputs maps output roles to the files inv writes.
func Outputs(inv Invocation) map[string]string {
	out := map[string]string{}
	for flag, role := range outputFlags {
		if v, ok := flagValue(inv.Args, flag); ok {
			out[role] = resolve(inv.Dir, v)
		}
	}
	return out
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) || dir == "" {
		return p
	}
	return filepath.Join(dir, p)
}

// Key hashes the canonical form of inv: the normalized arguments plus the
// contents of every input file they name. Output files are not inputs.
func Key(inv Invocation) (string, []Input, error) {
	h := sha256.New()
	fmt.Fprintf(h, "schema %d\ntool %s\ndir %s\n", schemaVersion, Normalize(inv.Tool), Normalize(inv.Dir))
	env := append([]string(nil), inv.Env...)
	sort.Strings(env)
	for _, e := range env {
		fmt.Fprintf(h, "env %s\n", e)
	}

	var inputs []Input
	skip := false
	for _, a := range inv.Args {
		fmt.Fprintf(h, "arg %s\n", Normalize(a))
		if skip {
			skip = false
			continue
		}
		if _, ok := outputFlags[a]; ok {
			skip = true
			continue
		}
		if strings.HasPrefix(a, "-") {
			continue
		}
		in, err := hashInput(resolve(inv.Dir, a))
		if err != nil {
			return "", nil, err
		}
		inputs = append(inputs, in...)
	}
	// config files given as -flag=value
	for _, flag := range []string{"-importcfg", "-embedcfg", "-symabis"} {
		if v, ok := flagValue(inv.Args, flag); ok {
			in, err := hashInput(resolve(inv.Dir, v))
			if err != nil {
				return "", nil, err
			}
			inputs = append(inputs, in...)
		}
	}
	inputs = dedupInputs(inputs)
	for _, in := range inputs {
		fmt.Fprintf(h, "input %s %s\n", in.Path, in.Hash)
	}
	return hex.EncodeToString(h.Sum(nil))[:32], inputs, nil
}

// hashInput hashes a regular file; non-files yield nothing. Config files
// are hashed in normalized form together with the files they reference.
func hashInput(path string) ([]Input, error) {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	base := filepath.Base(path)
	if base != "importcfg" && base != "embedcfg" && !strings.HasSuffix(base, ".cfg") {
		return []Input{{Path: Normalize(path), Hash: digest(data)}}, nil
	}
	out := []Input{{Path: Normalize(path), Hash: digest([]byte(Normalize(string(data))))}}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		rest, ok := strings.CutPrefix(line, "packagefile ")
		if !ok {
			continue
		}
		_, file, ok := strings.Cut(rest, "=")
		if !ok {
			continue
		}
		ref, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("importcfg %s: %w", path, err)
		}
		out = append(out, Input{Path: Normalize(file), Hash: digest(ref)})
	}
	return out, sc.Err()
}

func dedupInputs(in []Input) []Input {
	seen := map[Input]bool{}
	out := in[:0]
	for _, i := range in {
		if seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, i)
	}
	return out
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
