package chunker

import (
	"bufio"
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"strings"
)

// fencedBlock is one ``` ... ``` region found in message text.
type fencedBlock struct {
	lang string
	body string
}

var fenceStart = regexp.MustCompile("^```\\s*([a-zA-Z0-9_+-]*)\\s*$")

// extractFencedBlocks scans text line by line for fenced code blocks; it
// never holds more than the current block in memory.
func extractFencedBlocks(text string) []fencedBlock {
	var blocks []fencedBlock
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var inBlock bool
	var lang string
	var body strings.Builder
	for sc.Scan() {
		line := sc.Text()
		if !inBlock {
			if m := fenceStart.FindStringSubmatch(line); m != nil {
				inBlock = true
				lang = m[1]
				body.Reset()
				continue
			}
		} else {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				blocks = append(blocks, fencedBlock{lang: lang, body: body.String()})
				inBlock = false
				continue
			}
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}
	return blocks
}

var (
	funcRegex  = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:async\s+)?(?:public\s+|private\s+|protected\s+)?(?:static\s+)?(?:def|func(?:tion)?)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	classRegex = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:public\s+|abstract\s+)?class\s+([A-Za-z_][A-Za-z0-9_]*)`)
)

// astSymbols extracts func:<name> / class:<name> tokens from a fenced code
// block. For Go blocks it first tries a strict parse; any non-Go block, or
// a Go block that fails to parse, falls back to the regex table (§4.3,
// §9 "strict language parse first; fall back to regex").
func astSymbols(b fencedBlock) []string {
	if strings.EqualFold(b.lang, "go") || strings.EqualFold(b.lang, "golang") {
		if syms, ok := astSymbolsGo(b.body); ok {
			return syms
		}
	}
	var out []string
	for _, m := range funcRegex.FindAllStringSubmatch(b.body, -1) {
		out = append(out, "func:"+m[1])
	}
	for _, m := range classRegex.FindAllStringSubmatch(b.body, -1) {
		out = append(out, "class:"+m[1])
	}
	return out
}

// astSymbolsGo attempts a real Go parse of the snippet. Snippets are rarely
// complete files, so failures are common and non-fatal; ok=false signals
// the caller to fall back to regex.
func astSymbolsGo(body string) (out []string, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	src := body
	if !strings.Contains(src, "package ") {
		src = "package p\n" + src
	}
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "snippet.go", src, 0)
	if err != nil || f == nil {
		return nil, false
	}
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			out = append(out, "func:"+d.Name.Name)
		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok {
					continue
				}
				switch ts.Type.(type) {
				case *ast.StructType, *ast.InterfaceType:
					out = append(out, "class:"+ts.Name.Name)
				}
			}
		}
	}
	return out, true
}
