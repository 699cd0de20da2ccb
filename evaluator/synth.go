// Copyright © 2018 The ELPS authors

package evaluator

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"

	"github.com/luthersystems/stepwise/compile"
	"github.com/luthersystems/stepwise/rewrite"
)

// entryPackage and entryFunc name the synthesized module's single static
// entrypoint: dbgexpr.Eval(locals []debugrt.Local) any.
const (
	entryPackage = "dbgexpr"
	entryFunc    = "Eval"
)

// goKeywords are reserved words that cannot serve as local bindings.
var goKeywords = map[string]bool{
	"break": true, "case": true, "chan": true, "const": true,
	"continue": true, "default": true, "defer": true, "else": true,
	"fallthrough": true, "for": true, "func": true, "go": true,
	"goto": true, "if": true, "import": true, "interface": true,
	"map": true, "package": true, "range": true, "return": true,
	"select": true, "struct": true, "switch": true, "type": true,
	"var": true,
}

// safeIdent derives a Go identifier from a local's name: a leading
// non-letter gets an underscore prefix, every other unsafe rune becomes an
// underscore, and reserved words get a trailing underscore.
func safeIdent(name string) string {
	if name == "" {
		return "_v"
	}
	var b strings.Builder
	for i, r := range name {
		alpha := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		digit := r >= '0' && r <= '9'
		switch {
		case i == 0 && !alpha:
			b.WriteByte('_')
			if digit {
				b.WriteRune(r)
			}
		case alpha || digit:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	ident := b.String()
	if goKeywords[ident] {
		ident += "_"
	}
	return ident
}

// bindings maps each local name to its safe identifier, disambiguating
// collisions by position.
func bindings(names []string) map[string]string {
	bound := make(map[string]string, len(names))
	used := make(map[string]bool, len(names))
	for i, name := range names {
		ident := safeIdent(name)
		if used[ident] {
			ident = fmt.Sprintf("%s_%d", ident, i)
		}
		used[ident] = true
		bound[name] = ident
	}
	return bound
}

// Synthesize translates an expression into the source of a dbgexpr module.
// Each local binds to a positional argument as a late-bound value, and the
// expression's operators, member accesses, indexing, and calls translate to
// dynop calls that dispatch on the runtime types.
func Synthesize(expr string, names []string) (string, error) {
	parsed, err := parser.ParseExpr(expr)
	if err != nil {
		return "", fmt.Errorf("parse expression: %w", err)
	}
	bound := bindings(names)
	body, err := translate(parsed, bound)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "package %s\n\n", entryPackage)
	b.WriteString("import (\n")
	fmt.Fprintf(&b, "\t%q\n", rewrite.RuntimePkgPath)
	fmt.Fprintf(&b, "\t%q\n", dynopPkgPath)
	b.WriteString(")\n\n")
	fmt.Fprintf(&b, "func %s(locals []debugrt.Local) any {\n", entryFunc)
	for i, name := range names {
		ident := bound[name]
		fmt.Fprintf(&b, "\t%s := dynop.Arg(locals, %d)\n", ident, i)
		fmt.Fprintf(&b, "\t_ = %s\n", ident)
	}
	fmt.Fprintf(&b, "\treturn %s\n", body)
	b.WriteString("}\n")
	return b.String(), nil
}

const dynopPkgPath = "github.com/luthersystems/stepwise/evaluator/dynop"

var binaryOps = map[token.Token]string{
	token.ADD:  "Add",
	token.SUB:  "Sub",
	token.MUL:  "Mul",
	token.QUO:  "Quo",
	token.REM:  "Rem",
	token.EQL:  "Eq",
	token.NEQ:  "Ne",
	token.LSS:  "Lt",
	token.LEQ:  "Le",
	token.GTR:  "Gt",
	token.GEQ:  "Ge",
	token.LAND: "And",
	token.LOR:  "Or",
}

// translate renders one expression node as Go source over dynop calls.
func translate(node ast.Expr, bound map[string]string) (string, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		return n.Value, nil
	case *ast.Ident:
		if ident, ok := bound[n.Name]; ok {
			return ident, nil
		}
		switch n.Name {
		case "true", "false", "nil":
			return n.Name, nil
		}
		return "", fmt.Errorf("undefined: %s", n.Name)
	case *ast.ParenExpr:
		inner, err := translate(n.X, bound)
		if err != nil {
			return "", err
		}
		return "(" + inner + ")", nil
	case *ast.BinaryExpr:
		op, ok := binaryOps[n.Op]
		if !ok {
			return "", fmt.Errorf("unsupported operator %s", n.Op)
		}
		x, err := translate(n.X, bound)
		if err != nil {
			return "", err
		}
		y, err := translate(n.Y, bound)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("dynop.%s(%s, %s)", op, x, y), nil
	case *ast.UnaryExpr:
		x, err := translate(n.X, bound)
		if err != nil {
			return "", err
		}
		switch n.Op {
		case token.SUB:
			return fmt.Sprintf("dynop.Neg(%s)", x), nil
		case token.NOT:
			return fmt.Sprintf("dynop.Not(%s)", x), nil
		case token.ADD:
			return x, nil
		}
		return "", fmt.Errorf("unsupported operator %s", n.Op)
	case *ast.SelectorExpr:
		x, err := translate(n.X, bound)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("dynop.Member(%s, %q)", x, n.Sel.Name), nil
	case *ast.IndexExpr:
		x, err := translate(n.X, bound)
		if err != nil {
			return "", err
		}
		i, err := translate(n.Index, bound)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("dynop.Index(%s, %s)", x, i), nil
	case *ast.CallExpr:
		if ident, ok := n.Fun.(*ast.Ident); ok && ident.Name == "len" && len(n.Args) == 1 {
			arg, err := translate(n.Args[0], bound)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("dynop.Len(%s)", arg), nil
		}
		fn, err := translate(n.Fun, bound)
		if err != nil {
			return "", err
		}
		args := make([]string, 0, len(n.Args)+1)
		args = append(args, fn)
		for _, a := range n.Args {
			arg, err := translate(a, bound)
			if err != nil {
				return "", err
			}
			args = append(args, arg)
		}
		return fmt.Sprintf("dynop.Call(%s)", strings.Join(args, ", ")), nil
	}
	return "", fmt.Errorf("unsupported expression %T", node)
}

// exprUnit wraps synthesized source as a release-mode compile unit.
func exprUnit(source string) compile.Unit {
	return compile.Unit{
		Name:   entryPackage + ".go",
		Source: source,
		Mode:   compile.ModeRelease,
	}
}
