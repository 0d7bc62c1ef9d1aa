package buildpipeline

import (
	"bufio"
	"bytes"
	"context"
	"maps"
	"slices"
	"strings"

	"golang.org/x/mod/modfile"
)

// Graph is a resolved build list: module path to version, with the
// replacement appended as " => <path> [version]" when there is one. The
// session module itself is not listed.
type Graph map[string]string

// Changed lists, sorted, the modules of g that resolve differently in next.
// Modules only one side has are not changes: a process that loaded
// plugins built against g can load one built against next.
func (g Graph) Changed(next Graph) []string {
	var out []string
	for mod, v := range g {
		if nv, ok := next[mod]; ok && nv != v {
			out = append(out, mod)
		}
	}
	slices.Sort(out)
	return out
}

// Merge adds the modules of other to g.
func (g Graph) Merge(other Graph) Graph {
	if g == nil {
		g = Graph{}
	}
	maps.Copy(g, other)
	return g
}

// ModuleGraph returns the build list of the last synced manifest.
func (w *Workspace) ModuleGraph() Graph { return w.graph }

// resolveGraph asks the go command for the build list of f. A module with
// no requirements needs no resolution; when the go command fails the
// requirements of f stand in, and the build will report the real error.
func (w *Workspace) resolveGraph(ctx context.Context, f *modfile.File) Graph {
	if len(f.Require) == 0 {
		return Graph{}
	}
	out, err := w.goCmd(ctx, "list", "-m", "all").Output()
	if err != nil {
		return requiredGraph(f)
	}
	return parseGraph(out)
}

// parseGraph reads the output of go list -m all.
func parseGraph(out []byte) Graph {
	g := Graph{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] == Module {
			continue
		}
		g[fields[0]] = strings.Join(fields[1:], " ")
	}
	return g
}

func requiredGraph(f *modfile.File) Graph {
	g := Graph{}
	for _, r := range f.Require {
		g[r.Mod.Path] = r.Mod.Version
	}
	for _, r := range f.Replace {
		if v, ok := g[r.Old.Path]; ok {
			g[r.Old.Path] = v + " => " + strings.TrimSpace(r.New.Path+" "+r.New.Version)
		}
	}
	return g
}
