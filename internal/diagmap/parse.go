// Package diagmap decodes go build output into diagnostics and maps them
// from the generated compilation unit back onto the user's input.
package diagmap

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"gorepl/internal/diag"
)

// BuildEvent is one line of `go build -json` output.
type BuildEvent struct {
	ImportPath string
	Action     string
	Output     string
}

// BuildLog summarises a build's event stream.
type BuildLog struct {
	Failed []string // import paths with a build-fail event
	Plain  []string // lines that were not JSON (go command errors)
}

var (
	posLine = regexp.MustCompile(`^(\S+?\.(?:go|s|c|h|mod)):(\d+)(?::(\d+))?: ?(.*)$`)
	noise   = []string{"go: downloading ", "go: finding ", "go: extracting ", "go: found "}
)

// ParseBuildOutput decodes build events from r and reports every diagnostic
// found in their output text. Output is grouped per package before parsing
// so continuation lines stay with their diagnostic.
func ParseBuildOutput(r io.Reader, rep diag.Reporter) (*BuildLog, error) {
	log := &BuildLog{}
	var order []string
	texts := map[string]*strings.Builder{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(strings.TrimSpace(line), "{") {
			if strings.TrimSpace(line) != "" {
				log.Plain = append(log.Plain, line)
			}
			continue
		}
		var ev BuildEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			log.Plain = append(log.Plain, line)
			continue
		}
		switch ev.Action {
		case "build-output":
			b, ok := texts[ev.ImportPath]
			if !ok {
				b = &strings.Builder{}
				texts[ev.ImportPath] = b
				order = append(order, ev.ImportPath)
			}
			b.WriteString(ev.Output)
		case "build-fail":
			log.Failed = append(log.Failed, ev.ImportPath)
		}
	}
	if err := sc.Err(); err != nil {
		return log, fmt.Errorf("read build output: %w", err)
	}
	for _, pkg := range order {
		ParseText(texts[pkg].String(), pkg, rep)
	}
	if len(log.Plain) > 0 {
		ParseText(strings.Join(log.Plain, "\n"), "", rep)
	}
	return log, nil
}

// ParseText extracts `file:line:col: message` diagnostics from compiler
// text. Tab-indented continuation lines become notes; position-less ones are
// appended to the message.
func ParseText(text, pkg string, rep diag.Reporter) {
	var cur *diag.Diagnostic
	var raw strings.Builder
	flush := func() {
		if cur == nil {
			return
		}
		cur.Raw = strings.TrimRight(raw.String(), "\n")
		rep.Report(*cur)
		cur = nil
		raw.Reset()
	}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(line, "# "):
			flush()
			continue
		case strings.HasPrefix(line, "\t") || strings.HasPrefix(line, "    "):
			if cur == nil {
				continue
			}
			raw.WriteString(line + "\n")
			if pos, msg, ok := parsePosition(trimmed); ok {
				cur.Notes = append(cur.Notes, diag.Note{Pos: pos, Msg: msg})
			} else {
				cur.Message += "\n\t" + trimmed
			}
			continue
		}
		if isNoise(trimmed) {
			continue
		}
		flush()
		d := diag.Diagnostic{Severity: diag.SevError, Package: pkg}
		if pos, msg, ok := parsePosition(trimmed); ok {
			d.Primary = pos
			d.Message = msg
		} else {
			d.Message = trimmed
		}
		d.Code = diag.Classify(d.Message)
		if strings.HasPrefix(d.Message, "warning: ") {
			d.Severity = diag.SevWarning
		}
		cur = &d
		raw.WriteString(line + "\n")
	}
	flush()
}

func isNoise(line string) bool {
	for _, p := range noise {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func parsePosition(line string) (diag.Position, string, bool) {
	m := posLine.FindStringSubmatch(line)
	if m == nil {
		return diag.Position{}, "", false
	}
	ln, err := strconv.ParseUint(m[2], 10, 32)
	if err != nil {
		return diag.Position{}, "", false
	}
	var col uint64
	if m[3] != "" {
		if col, err = strconv.ParseUint(m[3], 10, 32); err != nil {
			return diag.Position{}, "", false
		}
	}
	pos := diag.Position{File: m[1], Line: uint32(ln), Col: uint32(col)} // #nosec G115 -- parsed with bitSize 32
	return pos, strings.TrimSpace(m[4]), true
}
