/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// opwidthcheck loads the core package with golang.org/x/tools/go/packages
// (the same loader tools/jitgen used before handing off to SSA), then
// inspects the syntax trees it returns for opcode.go's opcodeTable literal
// and the per-opcode switch statements in codegen_int.go and
// codegen_float.go. It reports any opcode the table marks Supported that
// emitIntOp's switch does not handle, and any case in either switch that mentions an Op
// opwidthcheck never saw declared in opcodeTable. It is the static
// counterpart of opcode.go's own comment that the table is "the single
// source of truth for instruction width": this tool makes sure the two
// switch statements that consume that table never drift out of sync with
// it. Unlike jitgen there is no operator body to lower to SSA here, only
// case labels to cross-reference, so the pipeline stops at NeedSyntax.
//
// Usage:
//
//	go run ./tools/opwidthcheck ./core
package main

import (
	"fmt"
	"go/ast"
	"go/token"
	"os"
	"strconv"

	"golang.org/x/tools/go/packages"
)

func main() {
	dir := "./core"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}

	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedSyntax | packages.NeedTypes,
	}
	pkgs, err := packages.Load(cfg, dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "opwidthcheck: load:", err)
		os.Exit(1)
	}
	if len(pkgs) == 0 {
		fmt.Fprintln(os.Stderr, "opwidthcheck: no packages found at", dir)
		os.Exit(1)
	}
	pkg := pkgs[0]
	for _, e := range pkg.Errors {
		fmt.Fprintln(os.Stderr, "opwidthcheck:", e)
	}
	if len(pkg.Errors) > 0 {
		os.Exit(1)
	}

	table, err := readOpcodeTable(pkg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "opwidthcheck:", err)
		os.Exit(1)
	}
	intCases, err := readSwitchCases(pkg, "emitIntOp")
	if err != nil {
		fmt.Fprintln(os.Stderr, "opwidthcheck:", err)
		os.Exit(1)
	}
	floatCases, err := readSwitchCases(pkg, "emitFloatOp")
	if err != nil {
		fmt.Fprintln(os.Stderr, "opwidthcheck:", err)
		os.Exit(1)
	}

	var problems []string
	for name, op := range table {
		if !op.supported {
			continue
		}
		if !intCases[name] {
			problems = append(problems, fmt.Sprintf("%s: Supported in opcodeTable but no case in emitIntOp", name))
		}
	}
	for name := range intCases {
		if _, ok := table[name]; !ok {
			problems = append(problems, fmt.Sprintf("%s: case in emitIntOp but absent from opcodeTable", name))
		}
	}
	for name := range floatCases {
		if _, ok := table[name]; !ok {
			problems = append(problems, fmt.Sprintf("%s: case in emitFloatOp but absent from opcodeTable", name))
		}
	}

	if len(problems) == 0 {
		fmt.Printf("opwidthcheck: %d opcodes, %d emitIntOp cases, %d emitFloatOp cases, all consistent\n",
			len(table), len(intCases), len(floatCases))
		return
	}
	for _, p := range problems {
		fmt.Fprintln(os.Stderr, "opwidthcheck:", p)
	}
	os.Exit(1)
}

type opEntry struct {
	width     int
	supported bool
}

// readOpcodeTable extracts the `OpXxx: {"name", width, delta, known,
// supported, icBacked}` entries from opcodeTable's composite literal across
// every syntax file the loader attached to pkg. It deliberately only
// understands the exact shape opcode.go uses today (keyed-element composite
// literal, positional struct fields); anything else is a parse error rather
// than a silent skip, so a future restructuring of the table is forced to
// touch this tool too.
func readOpcodeTable(pkg *packages.Package) (map[string]opEntry, error) {
	out := map[string]opEntry{}
	for _, f := range pkg.Syntax {
		ast.Inspect(f, func(n ast.Node) bool {
			vs, ok := n.(*ast.ValueSpec)
			if !ok || len(vs.Names) != 1 || vs.Names[0].Name != "opcodeTable" {
				return true
			}
			for _, val := range vs.Values {
				cl, ok := val.(*ast.CompositeLit)
				if !ok {
					continue
				}
				for _, elt := range cl.Elts {
					kv, ok := elt.(*ast.KeyValueExpr)
					if !ok {
						continue
					}
					ident, ok := kv.Key.(*ast.Ident)
					if !ok {
						continue
					}
					entryLit, ok := kv.Value.(*ast.CompositeLit)
					if !ok || len(entryLit.Elts) < 6 {
						continue
					}
					width, werr := basicLitInt(entryLit.Elts[1])
					supported, serr := basicLitBool(entryLit.Elts[4])
					if werr != nil || serr != nil {
						continue
					}
					out[ident.Name] = opEntry{width: width, supported: supported}
				}
			}
			return true
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("opcodeTable not found or empty in %s", pkg.PkgPath)
	}
	return out, nil
}

func basicLitInt(e ast.Expr) (int, error) {
	bl, ok := e.(*ast.BasicLit)
	if !ok || bl.Kind != token.INT {
		return 0, fmt.Errorf("not an int literal")
	}
	return strconv.Atoi(bl.Value)
}

func basicLitBool(e ast.Expr) (bool, error) {
	ident, ok := e.(*ast.Ident)
	if !ok {
		return false, fmt.Errorf("not a bool literal")
	}
	switch ident.Name {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("not a bool literal")
}

// readSwitchCases finds funcName's body across pkg's syntax files and
// collects every Op identifier named across all of its switch statement's
// case clauses (a case may list several, e.g. `case OpEq, OpSEq:`).
func readSwitchCases(pkg *packages.Package, funcName string) (map[string]bool, error) {
	out := map[string]bool{}
	var found bool
	for _, f := range pkg.Syntax {
		ast.Inspect(f, func(n ast.Node) bool {
			fd, ok := n.(*ast.FuncDecl)
			if !ok || fd.Name.Name != funcName {
				return true
			}
			found = true
			ast.Inspect(fd.Body, func(n ast.Node) bool {
				cc, ok := n.(*ast.CaseClause)
				if !ok {
					return true
				}
				for _, expr := range cc.List {
					if ident, ok := expr.(*ast.Ident); ok {
						out[ident.Name] = true
					}
				}
				return true
			})
			return false
		})
		if found {
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("function %s not found in %s", funcName, pkg.PkgPath)
	}
	return out, nil
}
