// Copyright © 2018 The ELPS authors

package rewrite

import (
	"go/ast"
	"go/token"
	"sort"
)

// declared is one named entity of kind local or parameter, tagged with its
// declaration position so visible-locals lists can be ordered by source.
type declared struct {
	name string
	pos  token.Pos
}

// scope tracks the locals declared so far in one block. Lookup walks the
// parent chain, so a scope sees everything declared earlier in enclosing
// blocks but nothing declared later or in sibling blocks.
type scope struct {
	parent *scope
	decls  []declared
}

func (s *scope) child() *scope {
	return &scope{parent: s}
}

func (s *scope) declare(name string, pos token.Pos) {
	if name == "" || name == "_" {
		return
	}
	s.decls = append(s.decls, declared{name: name, pos: pos})
}

// all returns every declaration visible from s, outermost scope first.
func (s *scope) all() []declared {
	if s == nil {
		return nil
	}
	return append(s.parent.all(), s.decls...)
}

// declareStmtVars records the variables a statement introduces into sc.
// Called after the statement has been instrumented, so a statement's own
// declarations become visible at the following checkpoint, never at its
// own (Go forbids referencing an identifier before its declaration).
func declareStmtVars(sc *scope, stmt ast.Stmt) {
	switch s := stmt.(type) {
	case *ast.AssignStmt:
		if s.Tok != token.DEFINE {
			return
		}
		for _, lhs := range s.Lhs {
			declareExprName(sc, lhs)
		}
	case *ast.DeclStmt:
		gd, ok := s.Decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.VAR {
			// Constants and types are not locals.
			return
		}
		for _, spec := range gd.Specs {
			vs, ok := spec.(*ast.ValueSpec)
			if !ok {
				continue
			}
			for _, name := range vs.Names {
				sc.declare(name.Name, name.Pos())
			}
		}
	}
}

func declareExprName(sc *scope, expr ast.Expr) {
	if ident, ok := expr.(*ast.Ident); ok {
		sc.declare(ident.Name, ident.Pos())
	}
}

// visibleNames computes the ordered name list for a locals provider:
// receiver and parameters in declaration order, then locals visible at the
// statement sorted by declaration position, deduplicated by name keeping
// the first occurrence. If scope analysis panics the provider degrades to
// the parameter list alone.
func visibleNames(params []declared, sc *scope) (names []string) {
	defer func() {
		if recover() != nil {
			names = names[:0]
			for _, p := range params {
				names = append(names, p.name)
			}
		}
	}()
	locals := sc.all()
	sort.SliceStable(locals, func(i, j int) bool { return locals[i].pos < locals[j].pos })
	seen := make(map[string]bool, len(params)+len(locals))
	for _, p := range params {
		if seen[p.name] {
			continue
		}
		seen[p.name] = true
		names = append(names, p.name)
	}
	for _, d := range locals {
		if seen[d.name] {
			continue
		}
		seen[d.name] = true
		names = append(names, d.name)
	}
	return names
}
