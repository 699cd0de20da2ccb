// Copyright © 2018 The ELPS authors

// Package rewrite implements the instrumenting source-to-source transform.
// It parses a Go source unit, wraps every function body in a
// PushFrame/PopFrame pair, and inserts a checkpoint callback immediately
// before each original statement. The rewrite also produces the two index
// structures the debugger consumes at runtime: the checkpoint position map
// and the per-method ordered checkpoint lists.
package rewrite

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"strconv"

	"golang.org/x/tools/go/ast/astutil"
)

// RuntimePkgPath is the import path of the injected runtime API. The
// rewriter adds this import to any unit it instruments.
const RuntimePkgPath = "github.com/luthersystems/stepwise/debugrt"

const runtimePkgName = "debugrt"

// Result is the output of a rewrite: the instrumented source and the
// checkpoint index. There is no partial output; a failed rewrite returns
// only an error.
type Result struct {
	Source []byte
	Index  *Index
}

// Rewrite instruments a single Go source unit. Parse errors are fatal and
// carry the parser's full error list.
func Rewrite(filename string, src []byte) (*Result, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.AllErrors)
	if err != nil {
		return nil, fmt.Errorf("rewrite %s: %w", filename, err)
	}

	rw := &rewriter{
		fset:  fset,
		index: NewIndex(),
		pkg:   file.Name.Name,
	}
	instrumented := false
	for _, decl := range file.Decls {
		fd, ok := decl.(*ast.FuncDecl)
		if !ok || fd.Body == nil {
			// Declarations without bodies are not wrapped.
			continue
		}
		if rw.instrumentFunc(fd) {
			instrumented = true
		}
	}
	if instrumented {
		astutil.AddImport(fset, file, RuntimePkgPath)
	}

	var buf bytes.Buffer
	if err := printer.Fprint(&buf, fset, file); err != nil {
		return nil, fmt.Errorf("rewrite %s: print: %w", filename, err)
	}
	return &Result{Source: buf.Bytes(), Index: rw.index}, nil
}

type rewriter struct {
	fset  *token.FileSet
	index *Index
	pkg   string
}

// funcCtx carries the enclosing declared function's qualified name and
// parameter list through the statement traversal. Function literals share
// the context of the function that lexically contains them.
type funcCtx struct {
	name   string
	params []declared
}

// instrumentFunc wraps a function body and instruments its statements.
// Returns false when the body is already wrapped (idempotence: a second
// rewrite must not add another wrapper pair).
func (rw *rewriter) instrumentFunc(fd *ast.FuncDecl) bool {
	if alreadyWrapped(fd.Body) {
		return false
	}
	fc := &funcCtx{
		name:   rw.qualifiedName(fd),
		params: funcParams(fd),
	}
	sc := &scope{}
	list := rw.visitStmts(fc, sc, fd.Body.List)
	fd.Body.List = append([]ast.Stmt{
		pushFrameStmt(fc.name),
		deferPopStmt(),
	}, list...)
	return true
}

// qualifiedName builds pkg.Func, or pkg.Type.Method for methods using the
// minimally qualified receiver type name. When the package name is
// unresolvable the identifier text alone is used; it is still unique
// within the unit.
func (rw *rewriter) qualifiedName(fd *ast.FuncDecl) string {
	name := fd.Name.Name
	if fd.Recv != nil && len(fd.Recv.List) > 0 {
		if recv := receiverTypeName(fd.Recv.List[0].Type); recv != "" {
			name = recv + "." + name
		}
	}
	if rw.pkg == "" {
		return name
	}
	return rw.pkg + "." + name
}

func receiverTypeName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return receiverTypeName(t.X)
	case *ast.IndexExpr:
		return receiverTypeName(t.X)
	case *ast.IndexListExpr:
		return receiverTypeName(t.X)
	}
	return ""
}

// funcParams lists the receiver and parameters in declaration order.
func funcParams(fd *ast.FuncDecl) []declared {
	var params []declared
	add := func(fl *ast.FieldList) {
		if fl == nil {
			return
		}
		for _, field := range fl.List {
			for _, name := range field.Names {
				if name.Name == "_" {
					continue
				}
				params = append(params, declared{name: name.Name, pos: name.Pos()})
			}
		}
	}
	add(fd.Recv)
	add(fd.Type.Params)
	return params
}

// visitStmts instruments one statement list: each original statement gets
// a fresh checkpoint id and a checkpoint call inserted immediately before
// it, in lexical order. Statements that are themselves runtime calls are
// passed through untouched so rewriting rewritten code cannot recurse.
func (rw *rewriter) visitStmts(fc *funcCtx, sc *scope, list []ast.Stmt) []ast.Stmt {
	out := make([]ast.Stmt, 0, 2*len(list))
	for _, stmt := range list {
		if isRuntimeStmt(stmt) {
			out = append(out, stmt)
			continue
		}
		id := rw.alloc(fc.name, stmt.Pos())
		out = append(out, checkpointStmt(id, fc.name, providerLit(visibleNames(fc.params, sc))))
		out = append(out, rw.visitStmt(fc, sc, stmt))
		declareStmtVars(sc, stmt)
	}
	return out
}

// visitStmt recurses into the blocks nested inside a single statement,
// giving each its own scope. It never re-enters the top-level function
// transform: function literals are instrumented in place under the
// enclosing declared function's name.
func (rw *rewriter) visitStmt(fc *funcCtx, sc *scope, stmt ast.Stmt) ast.Stmt {
	switch s := stmt.(type) {
	case *ast.BlockStmt:
		s.List = rw.visitStmts(fc, sc.child(), s.List)
	case *ast.IfStmt:
		inner := sc.child()
		if s.Init != nil {
			declareStmtVars(inner, s.Init)
		}
		rw.visitFuncLits(fc, inner, s.Cond)
		s.Body.List = rw.visitStmts(fc, inner.child(), s.Body.List)
		if s.Else != nil {
			s.Else = rw.visitStmt(fc, inner, s.Else)
		}
	case *ast.ForStmt:
		inner := sc.child()
		if s.Init != nil {
			declareStmtVars(inner, s.Init)
		}
		if s.Cond != nil {
			rw.visitFuncLits(fc, inner, s.Cond)
		}
		s.Body.List = rw.visitStmts(fc, inner.child(), s.Body.List)
	case *ast.RangeStmt:
		inner := sc.child()
		if s.Tok == token.DEFINE {
			declareExprName(inner, s.Key)
			declareExprName(inner, s.Value)
		}
		rw.visitFuncLits(fc, sc, s.X)
		s.Body.List = rw.visitStmts(fc, inner.child(), s.Body.List)
	case *ast.SwitchStmt:
		inner := sc.child()
		if s.Init != nil {
			declareStmtVars(inner, s.Init)
		}
		if s.Tag != nil {
			rw.visitFuncLits(fc, inner, s.Tag)
		}
		for _, clause := range s.Body.List {
			if cc, ok := clause.(*ast.CaseClause); ok {
				cc.Body = rw.visitStmts(fc, inner.child(), cc.Body)
			}
		}
	case *ast.TypeSwitchStmt:
		inner := sc.child()
		if s.Init != nil {
			declareStmtVars(inner, s.Init)
		}
		if s.Assign != nil {
			declareStmtVars(inner, s.Assign)
		}
		for _, clause := range s.Body.List {
			if cc, ok := clause.(*ast.CaseClause); ok {
				cc.Body = rw.visitStmts(fc, inner.child(), cc.Body)
			}
		}
	case *ast.SelectStmt:
		for _, clause := range s.Body.List {
			cc, ok := clause.(*ast.CommClause)
			if !ok {
				continue
			}
			inner := sc.child()
			if cc.Comm != nil {
				declareStmtVars(inner, cc.Comm)
			}
			cc.Body = rw.visitStmts(fc, inner, cc.Body)
		}
	case *ast.LabeledStmt:
		s.Stmt = rw.visitStmt(fc, sc, s.Stmt)
	default:
		rw.visitFuncLits(fc, sc, stmt)
	}
	return stmt
}

// visitFuncLits instruments the bodies of function literals nested in an
// expression or plain statement. Literal parameters become locals of the
// literal's scope; everything already visible outside remains visible as
// captured variables.
func (rw *rewriter) visitFuncLits(fc *funcCtx, sc *scope, n ast.Node) {
	ast.Inspect(n, func(child ast.Node) bool {
		lit, ok := child.(*ast.FuncLit)
		if !ok {
			return true
		}
		inner := sc.child()
		if lit.Type.Params != nil {
			for _, field := range lit.Type.Params.List {
				for _, name := range field.Names {
					inner.declare(name.Name, name.Pos())
				}
			}
		}
		lit.Body.List = rw.visitStmts(fc, inner, lit.Body.List)
		return false
	})
}

func (rw *rewriter) alloc(method string, pos token.Pos) CheckpointID {
	position := rw.fset.Position(pos)
	return rw.index.add(method, Pos{
		File: position.Filename,
		Line: position.Line,
		Col:  position.Column,
	})
}

// alreadyWrapped reports whether a body starts with a PushFrame call, the
// marker left by a previous rewrite.
func alreadyWrapped(body *ast.BlockStmt) bool {
	if len(body.List) == 0 {
		return false
	}
	return runtimeCallName(body.List[0]) == "PushFrame"
}

// isRuntimeStmt reports whether stmt is a call into the injected runtime
// API. Such statements are never instrumented.
func isRuntimeStmt(stmt ast.Stmt) bool {
	return runtimeCallName(stmt) != ""
}

func runtimeCallName(stmt ast.Stmt) string {
	var call *ast.CallExpr
	switch s := stmt.(type) {
	case *ast.ExprStmt:
		call, _ = s.X.(*ast.CallExpr)
	case *ast.DeferStmt:
		call = s.Call
	}
	if call == nil {
		return ""
	}
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return ""
	}
	pkg, ok := sel.X.(*ast.Ident)
	if !ok || pkg.Name != runtimePkgName {
		return ""
	}
	return sel.Sel.Name
}

func runtimeSel(name string) *ast.SelectorExpr {
	return &ast.SelectorExpr{
		X:   ast.NewIdent(runtimePkgName),
		Sel: ast.NewIdent(name),
	}
}

func strLit(s string) *ast.BasicLit {
	return &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(s)}
}

func intLit(v int) *ast.BasicLit {
	return &ast.BasicLit{Kind: token.INT, Value: strconv.Itoa(v)}
}

func pushFrameStmt(method string) ast.Stmt {
	return &ast.ExprStmt{X: &ast.CallExpr{
		Fun:  runtimeSel("PushFrame"),
		Args: []ast.Expr{strLit(method), ast.NewIdent("nil")},
	}}
}

func deferPopStmt() ast.Stmt {
	return &ast.DeferStmt{Call: &ast.CallExpr{Fun: runtimeSel("PopFrame")}}
}

func checkpointStmt(id CheckpointID, method string, provider ast.Expr) ast.Stmt {
	return &ast.ExprStmt{X: &ast.CallExpr{
		Fun:  runtimeSel("Checkpoint"),
		Args: []ast.Expr{intLit(int(id)), strLit(method), provider},
	}}
}

// providerLit builds the zero-argument closure returning the ordered
// (name, value) pairs visible at a statement. Each value is a plain
// identifier reference captured by the closure, so the provider reads live
// values at invocation time.
func providerLit(names []string) ast.Expr {
	args := make([]ast.Expr, 0, 2*len(names))
	for _, name := range names {
		args = append(args, strLit(name), ast.NewIdent(name))
	}
	return &ast.FuncLit{
		Type: &ast.FuncType{
			Params: &ast.FieldList{},
			Results: &ast.FieldList{List: []*ast.Field{{
				Type: &ast.ArrayType{Elt: runtimeSel("Local")},
			}}},
		},
		Body: &ast.BlockStmt{List: []ast.Stmt{
			&ast.ReturnStmt{Results: []ast.Expr{&ast.CallExpr{
				Fun:  runtimeSel("MakeLocals"),
				Args: args,
			}}},
		}},
	}
}
