package segment

import (
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"regexp"
	"strings"

	"gorepl/internal/source"
)

var commandLine = regexp.MustCompile(`^[ \t]*:([A-Za-z_][A-Za-z0-9_-]*)(?:[ \t]+(.*?))?[ \t]*\r?$`)

const (
	declPrefix = "package p\n"
	stmtPrefix = "package p\nfunc _() {\n"
	stmtSuffix = "\n}\n"
)

// Node is one parsed top-level declaration or statement of the input.
type Node struct {
	Decl  ast.Decl // set for file-level declarations (import, type, func, const)
	Stmt  ast.Stmt // set for statements, including `var` declarations
	Text  string
	Start int // offset of Text in the input

	prefix int
	file   *token.File
}

// Offset converts a position inside the node into an input offset.
func (n *Node) Offset(pos token.Pos) int {
	if n.file == nil || !pos.IsValid() {
		return n.Start
	}
	return n.Start + n.file.Offset(pos) - n.prefix
}

// Source returns the input text between two positions of the node.
func (n *Node) Source(from, to token.Pos) string {
	a, b := n.Offset(from)-n.Start, n.Offset(to)-n.Start
	if a < 0 || b > len(n.Text) || a > b {
		return ""
	}
	return n.Text[a:b]
}

// Parsed is the syntax side table produced by Split.
type Parsed struct {
	Input string
	Fset  *token.FileSet
	Nodes []Node
	Lines *source.LineIndex
}

// Node returns the node for an OriginalUserCode segment.
func (p *Parsed) Node(kind CodeKind) (*Node, bool) {
	k, ok := kind.(OriginalUserCode)
	if !ok || p == nil || k.NodeIndex < 0 || k.NodeIndex >= len(p.Nodes) {
		return nil, false
	}
	return &p.Nodes[k.NodeIndex], true
}

// Split segments raw input. Leading meta-command lines become Command
// segments; the rest is cut into top-level declarations and statements.
// The concatenated segment texts always equal the input.
func Split(input string) (CodeBlock, *Parsed) {
	parsed := &Parsed{
		Input: input,
		Fset:  token.NewFileSet(),
		Lines: source.NewLineIndex(input),
	}
	var block CodeBlock
	seq := 0
	nextSeq := func() int {
		seq++
		return seq
	}

	codeStart := splitCommands(input, &block, nextSeq)
	rest := input[codeStart:]
	if rest == "" {
		return block, parsed
	}

	chunks, ok := chunkStatements(rest)
	for i, ch := range chunks {
		start := codeStart + ch.start
		text := rest[ch.start:ch.end]
		opaque := !ok && i == len(chunks)-1
		nodeIndex := -1
		if !opaque {
			node, parsedOK := parseChunk(parsed.Fset, text, start)
			switch {
			case parsedOK && node != nil:
				nodeIndex = len(parsed.Nodes)
				parsed.Nodes = append(parsed.Nodes, *node)
			case !parsedOK:
				// everything from here on becomes one opaque segment
				text = rest[ch.start:]
				opaque = true
			}
		}
		pos := parsed.Lines.LineCol(start)
		seg := NewSegment(OriginalUserCode{
			StartByte:    start,
			NodeIndex:    nodeIndex,
			StartLine:    int(pos.Line),
			ColumnOffset: int(pos.Col) - 1,
		}, text)
		seg.SeqID = nextSeq()
		block.Add(seg)
		if opaque {
			break
		}
	}
	return block, parsed
}

// splitCommands consumes leading command lines and returns where code starts.
// Blank and comment lines between commands stay attached to the next command.
func splitCommands(input string, block *CodeBlock, nextSeq func() int) int {
	off := 0
	pendingStart := 0
	for off < len(input) {
		end := strings.IndexByte(input[off:], '\n')
		lineEnd := len(input)
		if end >= 0 {
			lineEnd = off + end + 1
		}
		line := strings.TrimRight(input[off:lineEnd], "\n")
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "//"):
			off = lineEnd
			continue
		case commandLine.MatchString(line):
			m := commandLine.FindStringSubmatch(line)
			loc := off + strings.IndexByte(line, ':')
			seg := NewSegment(Command{Name: m[1], Args: strings.TrimSpace(m[2]), Location: loc}, input[pendingStart:lineEnd])
			seg.SeqID = nextSeq()
			block.Add(seg)
			off = lineEnd
			pendingStart = off
			continue
		}
		break
	}
	if block.Len() == 0 {
		return 0
	}
	return pendingStart
}

type chunk struct {
	start, end int
}

// chunkStatements cuts src at depth-0 statement terminators. ok is false when
// the scanner reported an error; the last chunk then holds all remaining text.
func chunkStatements(src string) ([]chunk, bool) {
	fset := token.NewFileSet()
	file := fset.AddFile("", -1, len(src))
	var s scanner.Scanner
	failed := false
	s.Init(file, []byte(src), func(token.Position, string) { failed = true }, scanner.ScanComments)

	var chunks []chunk
	start := 0
	depth := 0
	sawToken := false
	for {
		pos, tok, lit := s.Scan()
		if failed {
			chunks = append(chunks, chunk{start: start, end: len(src)})
			return mergeBlankChunks(src, chunks), false
		}
		if tok == token.EOF {
			break
		}
		off := file.Offset(pos)
		switch tok {
		case token.LPAREN, token.LBRACK, token.LBRACE:
			depth++
		case token.RPAREN, token.RBRACK, token.RBRACE:
			if depth > 0 {
				depth--
			}
		case token.COMMENT:
			continue
		case token.SEMICOLON:
			if depth != 0 {
				continue
			}
			end := off + 1
			if lit == "\n" {
				// automatic semicolon: take the rest of the line, trailing comment included
				nl := strings.IndexByte(src[off:], '\n')
				if nl < 0 {
					end = len(src)
				} else {
					end = off + nl + 1
				}
			}
			if end > len(src) {
				end = len(src)
			}
			if sawToken {
				chunks = append(chunks, chunk{start: start, end: end})
				start = end
				sawToken = false
			}
			continue
		}
		sawToken = true
	}
	if start < len(src) {
		chunks = append(chunks, chunk{start: start, end: len(src)})
	}
	return mergeBlankChunks(src, chunks), depth == 0
}

// mergeBlankChunks folds whitespace/comment-only chunks into their
// predecessor (or successor when first).
func mergeBlankChunks(src string, chunks []chunk) []chunk {
	out := make([]chunk, 0, len(chunks))
	for _, ch := range chunks {
		if isBlank(src[ch.start:ch.end]) && len(out) > 0 {
			out[len(out)-1].end = ch.end
			continue
		}
		if len(out) > 0 && isBlank(src[out[len(out)-1].start:out[len(out)-1].end]) {
			out[len(out)-1].end = ch.end
			continue
		}
		out = append(out, ch)
	}
	return out
}

func isBlank(text string) bool {
	fset := token.NewFileSet()
	file := fset.AddFile("", -1, len(text))
	var s scanner.Scanner
	s.Init(file, []byte(text), nil, scanner.ScanComments)
	for {
		_, tok, lit := s.Scan()
		switch {
		case tok == token.EOF:
			return true
		case tok == token.COMMENT:
		case tok == token.SEMICOLON && lit == "\n":
		default:
			return false
		}
	}
}

// parseChunk classifies one chunk. It returns (nil, true) for chunks with
// nothing to parse (a lone `;`), and ok=false when neither a declaration nor
// a statement parse succeeds.
func parseChunk(fset *token.FileSet, text string, start int) (*Node, bool) {
	if file, err := parser.ParseFile(fset, "", declPrefix+text, parser.ParseComments|parser.SkipObjectResolution); err == nil && len(file.Decls) == 1 {
		decl := file.Decls[0]
		if gd, ok := decl.(*ast.GenDecl); !ok || gd.Tok != token.VAR {
			return &Node{Decl: decl, Text: text, Start: start, prefix: len(declPrefix), file: fset.File(file.Pos())}, true
		}
	}
	file, err := parser.ParseFile(fset, "", stmtPrefix+text+stmtSuffix, parser.ParseComments|parser.SkipObjectResolution)
	if err != nil {
		return nil, false
	}
	fn, ok := file.Decls[0].(*ast.FuncDecl)
	if !ok || fn.Body == nil {
		return nil, false
	}
	var stmts []ast.Stmt
	for _, st := range fn.Body.List {
		if _, empty := st.(*ast.EmptyStmt); empty {
			continue
		}
		stmts = append(stmts, st)
	}
	switch len(stmts) {
	case 0:
		return nil, true
	case 1:
		return &Node{Stmt: stmts[0], Text: text, Start: start, prefix: len(stmtPrefix), file: fset.File(file.Pos())}, true
	default:
		return nil, false
	}
}

// Incomplete reports whether text ends inside an open bracket, string or
// comment, i.e. whether a line editor should keep reading.
func Incomplete(text string) bool {
	fset := token.NewFileSet()
	file := fset.AddFile("", -1, len(text))
	var s scanner.Scanner
	unterminated := false
	s.Init(file, []byte(text), func(_ token.Position, msg string) {
		if strings.Contains(msg, "not terminated") {
			unterminated = true
		}
	}, 0)
	depth := 0
	for {
		_, tok, _ := s.Scan()
		if tok == token.EOF {
			break
		}
		switch tok {
		case token.LPAREN, token.LBRACK, token.LBRACE:
			depth++
		case token.RPAREN, token.RBRACK, token.RBRACE:
			depth--
		}
	}
	return unterminated || depth > 0
}
