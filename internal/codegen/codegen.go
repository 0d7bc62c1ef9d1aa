// Package codegen assembles the compilation unit of one evaluation attempt
// from the session state and the segments of the current input.
package codegen

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"gorepl/internal/segment"
	"gorepl/internal/state"
)

// Mode selects what the unit is for.
type Mode uint8

const (
	// ModeBuild emits the plugin unit with the variable store machinery.
	ModeBuild Mode = iota
	// ModeAnalysis emits a unit that only needs to typecheck: stored
	// variables are plain declarations and nothing is persisted.
	ModeAnalysis
)

const (
	// RuntimeImport is the import path of the runtime inside the session module.
	RuntimeImport = "replsession/replrt"
	// DisplayKey is the fallback key of the display call.
	DisplayKey = "display"
)

// Options tune one generation.
type Options struct {
	Mode      Mode
	Fallbacks map[string]bool
	// NoPanicWrapper drops the recover boundary, used for the extra compile
	// that gets a clearer diagnostic.
	NoPanicWrapper bool
}

// Unit is a generated compilation unit.
type Unit struct {
	Block  segment.CodeBlock
	Layout *segment.Layout
	Code   string
	Entry  string
}

// EntryName returns the entry symbol of a build.
func EntryName(build int) string {
	return fmt.Sprintf("ReplEval%d", build)
}

// Generate lays out the unit. The returned block has its fallbacks
// already substituted.
func Generate(st *state.State, applied *state.Applied, opts Options) *Unit {
	if applied == nil {
		applied = &state.Applied{}
	}
	g := &generator{st: st, applied: applied, opts: opts, entry: EntryName(st.BuildNum)}
	body := g.body()
	var unit segment.CodeBlock
	g.header(&unit, body)
	unit.Append(body)
	unit = unit.SubstituteFallbacks(opts.Fallbacks)
	layout := unit.Layout()
	return &Unit{Block: unit, Layout: layout, Code: layout.Code, Entry: g.entry}
}

type generator struct {
	st      *state.State
	applied *state.Applied
	opts    Options
	entry   string
}

func (g *generator) build() bool {
	return g.opts.Mode == ModeBuild
}

// body emits items and the entry function.
func (g *generator) body() segment.CodeBlock {
	var b segment.CodeBlock
	for _, ext := range g.st.Externs {
		b.OtherUser(ext)
	}
	for _, it := range g.st.Items {
		if it.Segment != nil {
			b.Add(hoisted(*it.Segment))
			continue
		}
		b.OtherUser(hoistedText(it.Text))
	}
	for _, it := range g.st.Unnamed {
		// unnamed items run their side effects only in the evaluation that defines them
		if it.Segment != nil {
			b.Add(hoisted(*it.Segment))
		}
	}
	if g.build() {
		g.entryBuild(&b)
	} else {
		g.entryAnalysis(&b)
	}
	return b
}

func (g *generator) entryBuild(b *segment.CodeBlock) {
	store := state.StoreVar
	b.Generatedf("func %s(%s unsafe.Pointer) unsafe.Pointer {", g.entry, state.HandleVar)
	b.Generatedf("\t%s := replrt.FromHandle(%s)", store, state.HandleVar)
	for _, name := range sortedKeys(g.st.StoredVariables) {
		v := g.st.StoredVariables[name]
		b.PackVariable(name, fmt.Sprintf("\t%s := replrt.Load[%s](%s, %q, %q)\n\t_ = %s",
			name, v.Type, store, name, g.st.StoredTypeToken(name), name))
	}
	b.Generatedf("\tif %s.Lost() {\n\t\treturn replrt.Handle(%s)\n\t}", store, store)

	var closers []string
	if g.st.Config.PreserveVarsOnPanic && !g.opts.NoPanicWrapper {
		b.Generatedf("\treplrt.Recover(%s, func() {", store)
		closers = append(closers, "\t})")
	} else {
		b.Generated("\tfunc() {")
		closers = append(closers, "\t}()")
	}
	if g.st.AsyncMode {
		b.Generated("\treplrt.Async(func(ctx context.Context) {")
		closers = append(closers, "\t})")
	}
	if g.st.FallibleMode {
		b.Generatedf("\treplrt.Fallible(%s, func() error {", store)
		closers = append(closers, "\treturn nil\n\t})")
	}

	for _, seg := range g.applied.Statements {
		b.Add(hoisted(seg))
	}
	if g.applied.Display != nil {
		fallback := segment.NewCodeBlock(hoisted(*g.applied.Display))
		display := "Display"
		if g.st.Config.ShowTypes {
			display = "DisplayTyped"
		}
		b.WithFallback(DisplayKey, fmt.Sprintf("\treplrt.%s(%s)", display, g.applied.DisplayExpr), fallback)
	}
	names := g.st.VariableNames()
	for _, name := range names {
		v := g.st.Variables[name]
		typ := v.Type
		if v.Pending() {
			typ = state.TypePending
		}
		b.PackVariable(name, fmt.Sprintf("\treplrt.Put[%s](%s, %q, %q, %s)", typ, store, name, g.st.TypeToken(name), name))
	}
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = strconv.Quote(name)
	}
	b.Generatedf("\t%s.Retain(%s)", store, strings.Join(quoted, ", "))
	for i := len(closers) - 1; i >= 0; i-- {
		b.Generated(closers[i])
	}
	b.Generatedf("\treturn replrt.Handle(%s)\n}", store)
}

func (g *generator) entryAnalysis(b *segment.CodeBlock) {
	b.Generatedf("func %s() {", g.entry)
	for _, name := range sortedKeys(g.st.StoredVariables) {
		v := g.st.StoredVariables[name]
		b.PackVariable(name, fmt.Sprintf("\tvar %s %s\n\t_ = %s", name, v.Type, name))
	}
	if g.st.AsyncMode {
		b.Generated("\tctx := context.Background()\n\t_ = ctx")
	}
	for _, seg := range g.applied.Statements {
		b.Add(hoisted(seg))
	}
	if g.applied.Display != nil {
		b.Add(hoisted(*g.applied.Display))
	}
	b.Generated("}")
}

// hoistedText disarms //go:debug lines left in place after they were
// hoisted above the package clause. The replacement keeps byte offsets.
func hoistedText(text string) string {
	return strings.ReplaceAll(text, "//go:debug", "//go debug")
}

func hoisted(seg segment.Segment) segment.Segment {
	seg.Text = hoistedText(seg.Text)
	return seg
}

var identRef = regexp.MustCompile(`[\pL_][\pL\pN_]*\s*\.`)

// referencedNames collects identifiers used as package qualifiers.
func referencedNames(code string) map[string]bool {
	out := map[string]bool{}
	for _, m := range identRef.FindAllString(code, -1) {
		out[strings.TrimSpace(strings.TrimSuffix(m, "."))] = true
	}
	return out
}

// header emits attributes, the package clause and the imports the body uses.
func (g *generator) header(b *segment.CodeBlock, body segment.CodeBlock) {
	for _, key := range sortedKeys(g.st.Attributes) {
		b.Generated(g.st.Attributes[key])
	}
	b.Generated("package main\n")

	refs := referencedNames(body.Code())
	emitted := map[string]bool{}
	b.Generated("import (")
	var generated []string
	if g.build() {
		generated = append(generated, "unsafe", RuntimeImport)
	}
	if g.st.AsyncMode {
		generated = append(generated, "context")
	}
	for _, p := range generated {
		name := state.ImportName(p)
		if imp, ok := g.st.Imports[name]; ok && imp.Path == p {
			// the user's own import of the same package covers it
			continue
		}
		b.Generated("\t" + strconv.Quote(p))
		emitted[name] = true
	}

	for _, name := range sortedKeys(g.st.Imports) {
		imp := g.st.Imports[name]
		if !refs[name] && !slices.Contains(generated, imp.Path) {
			continue
		}
		b.WithFallback("import:"+name, "\t"+imp.Text, segment.CodeBlock{})
		emitted[name] = true
	}
	for _, p := range sortedKeys(g.st.UnnamedImports) {
		imp := g.st.UnnamedImports[p]
		b.WithFallback("import:"+imp.Name+p, "\t"+imp.Text, segment.CodeBlock{})
	}

	// imports needed only by variable types
	for _, tn := range g.typeImports() {
		if emitted[tn.name] || !refs[tn.name] {
			continue
		}
		text := strconv.Quote(tn.path)
		if state.ImportName(tn.path) != tn.name {
			text = tn.name + " " + text
		}
		b.PackVariable(tn.variable, "\t"+text)
		emitted[tn.name] = true
	}
	b.Generated(")\n")
}

type typeImport struct {
	name, path, variable string
}

func (g *generator) typeImports() []typeImport {
	seen := map[string]bool{}
	var out []typeImport
	collect := func(vars map[string]*state.VariableState) {
		for _, name := range sortedKeys(vars) {
			for _, p := range sortedKeys(vars[name].TypeImports) {
				local := vars[name].TypeImports[p]
				if seen[local] {
					continue
				}
				seen[local] = true
				out = append(out, typeImport{name: local, path: p, variable: name})
			}
		}
	}
	collect(g.st.StoredVariables)
	collect(g.st.Variables)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
