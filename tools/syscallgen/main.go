// syscallgen generates the kernel syscall dispatch table. It parses the
// syscall package's Go sources for functions carrying a
// //syscall:name=id directive comment and emits a table_gen.go mapping
// each id to its handler, plus an exported Sys<Name> constant per entry.
//
// Invoked via go:generate from the syscall package:
//
//	go run ia32kernel/tools/syscallgen -pkg . -out table_gen.go
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const directivePrefix = "//syscall:"

type entry struct {
	id      int
	name    string
	handler string
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[syscallgen] error: %s\n", err.Error())
	os.Exit(1)
}

func collectGoFiles(root string) ([]string, error) {
	var goFiles []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}

		base := filepath.Base(path)
		if filepath.Ext(path) == ".go" && !strings.Contains(base, "_test") && !strings.HasSuffix(base, "_gen.go") {
			goFiles = append(goFiles, path)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return goFiles, nil
}

// parseDirectives scans a parsed file's function declarations for the
// //syscall:name=id directive and associates each with its handler.
func parseDirectives(fset *token.FileSet, file *ast.File) ([]entry, error) {
	var entries []entry

	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Doc == nil {
			continue
		}

		for _, comment := range fn.Doc.List {
			if !strings.HasPrefix(comment.Text, directivePrefix) {
				continue
			}

			spec := strings.TrimPrefix(comment.Text, directivePrefix)
			eq := strings.IndexByte(spec, '=')
			if eq <= 0 {
				return nil, fmt.Errorf("%s: malformed directive %q on %s",
					fset.Position(comment.Pos()), comment.Text, fn.Name.Name)
			}

			id, err := strconv.Atoi(strings.TrimSpace(spec[eq+1:]))
			if err != nil {
				return nil, fmt.Errorf("%s: non-numeric syscall id in %q",
					fset.Position(comment.Pos()), comment.Text)
			}

			entries = append(entries, entry{
				id:      id,
				name:    strings.TrimSpace(spec[:eq]),
				handler: fn.Name.Name,
			})
		}
	}

	return entries, nil
}

func constName(name string) string {
	return "Sys" + strings.ToUpper(name[:1]) + name[1:]
}

func render(pkgName string, entries []entry) ([]byte, error) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	seen := make(map[int]string)
	for _, e := range entries {
		if prev, dup := seen[e.id]; dup {
			return nil, fmt.Errorf("syscall id %d assigned to both %s and %s", e.id, prev, e.handler)
		}
		seen[e.id] = e.handler
	}
	for i, e := range entries {
		if e.id != i {
			return nil, fmt.Errorf("syscall ids are not dense: expected %d, found %d (%s)", i, e.id, e.handler)
		}
	}

	nameWidth := 0
	for _, e := range entries {
		if w := len(constName(e.name)); w > nameWidth {
			nameWidth = w
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "// Code generated by syscallgen. DO NOT EDIT.\n\n")
	fmt.Fprintf(&buf, "package %s\n\n", pkgName)

	fmt.Fprintf(&buf, "// Syscall ids assigned by %sname=id directives.\nconst (\n", directivePrefix)
	for _, e := range entries {
		fmt.Fprintf(&buf, "\t%-*s = %d\n", nameWidth, constName(e.name), e.id)
	}
	fmt.Fprintf(&buf, ")\n\n")

	fmt.Fprintf(&buf, "// table fans a syscall id out to its handler.\nvar table = [...]handlerFn{\n")
	for _, e := range entries {
		fmt.Fprintf(&buf, "\t%-*s %s,\n", nameWidth+1, constName(e.name)+":", e.handler)
	}
	fmt.Fprintf(&buf, "}\n")

	return buf.Bytes(), nil
}

func main() {
	pkgDir := flag.String("pkg", ".", "directory of the syscall package to scan")
	out := flag.String("out", "table_gen.go", "output file name, relative to -pkg")
	flag.Parse()

	goFiles, err := collectGoFiles(*pkgDir)
	if err != nil {
		exit(err)
	}
	if len(goFiles) == 0 {
		exit(errors.New("no Go files found under " + *pkgDir))
	}

	fset := token.NewFileSet()

	var (
		entries []entry
		pkgName string
	)
	for _, path := range goFiles {
		file, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
		if err != nil {
			exit(err)
		}
		pkgName = file.Name.Name

		found, err := parseDirectives(fset, file)
		if err != nil {
			exit(err)
		}
		entries = append(entries, found...)
	}

	if len(entries) == 0 {
		exit(errors.New("no " + directivePrefix + " directives found"))
	}

	rendered, err := render(pkgName, entries)
	if err != nil {
		exit(err)
	}

	if err := os.WriteFile(filepath.Join(*pkgDir, *out), rendered, 0644); err != nil {
		exit(err)
	}
}
