package rewrite

import (
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSrc = `package main

import "fmt"

func add(a, b int) int {
	c := a + b
	return c
}

func Run() {
	x := 1
	y := add(x, 2)
	fmt.Println(y)
}
`

func TestRewriteIndex(t *testing.T) {
	res, err := Rewrite("sample.go", []byte(sampleSrc))
	require.NoError(t, err)

	// Ids are dense from 1 in lexical source order.
	assert.Len(t, res.Index.Checkpoints, 5)
	assert.Equal(t, []CheckpointID{1, 2}, res.Index.MethodCheckpoints("main.add"))
	assert.Equal(t, []CheckpointID{3, 4, 5}, res.Index.MethodCheckpoints("main.Run"))

	// Positions refer to the original statements.
	wantLines := map[CheckpointID]int{1: 6, 2: 7, 3: 11, 4: 12, 5: 13}
	for id, line := range wantLines {
		pos, ok := res.Index.Pos(id)
		require.True(t, ok, "missing checkpoint %d", id)
		assert.Equal(t, "sample.go", pos.File)
		assert.Equal(t, line, pos.Line, "checkpoint %d", id)
	}

	// Each id belongs to exactly one method.
	seen := map[CheckpointID]string{}
	for method, ids := range res.Index.Methods {
		for _, id := range ids {
			_, dup := seen[id]
			assert.False(t, dup, "checkpoint %d in two methods", id)
			seen[id] = method
		}
	}
	assert.Len(t, seen, len(res.Index.Checkpoints))
}

func TestRewriteInjectsRuntimeCalls(t *testing.T) {
	res, err := Rewrite("sample.go", []byte(sampleSrc))
	require.NoError(t, err)
	out := string(res.Source)

	assert.Contains(t, out, `"github.com/luthersystems/stepwise/debugrt"`)
	assert.Equal(t, 2, strings.Count(out, "debugrt.PushFrame("))
	assert.Equal(t, 2, strings.Count(out, "defer debugrt.PopFrame()"))
	assert.Equal(t, 5, strings.Count(out, "debugrt.Checkpoint("))

	// The rewritten unit must itself parse.
	fset := token.NewFileSet()
	_, err = parser.ParseFile(fset, "sample.go", res.Source, 0)
	assert.NoError(t, err)
}

func TestRewriteIdempotent(t *testing.T) {
	first, err := Rewrite("sample.go", []byte(sampleSrc))
	require.NoError(t, err)
	second, err := Rewrite("sample.go", first.Source)
	require.NoError(t, err)

	// Wrapper-pair and checkpoint counts are stable under a second rewrite.
	assert.Equal(t,
		strings.Count(string(first.Source), "debugrt.PushFrame("),
		strings.Count(string(second.Source), "debugrt.PushFrame("))
	assert.Equal(t,
		strings.Count(string(first.Source), "debugrt.Checkpoint("),
		strings.Count(string(second.Source), "debugrt.Checkpoint("))
	assert.Empty(t, second.Index.Checkpoints)
}

func TestRewriteParseError(t *testing.T) {
	_, err := Rewrite("bad.go", []byte("package main\nfunc {"))
	assert.Error(t, err)
}

func TestRewriteSkipsBodylessDecls(t *testing.T) {
	src := `package main

func external() int
`
	res, err := Rewrite("decl.go", []byte(src))
	require.NoError(t, err)
	assert.Empty(t, res.Index.Checkpoints)
	assert.NotContains(t, string(res.Source), "debugrt")
}

// providerNames extracts the MakeLocals name arguments of the checkpoint
// call with the given id from rewritten source.
func providerNames(t *testing.T, src []byte, id int) []string {
	t.Helper()
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "out.go", src, 0)
	require.NoError(t, err)

	var names []string
	found := false
	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok || found {
			return !found
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok || sel.Sel.Name != "Checkpoint" || len(call.Args) != 3 {
			return true
		}
		lit, ok := call.Args[0].(*ast.BasicLit)
		if !ok || lit.Value != strconv.Itoa(id) {
			return true
		}
		found = true
		ast.Inspect(call.Args[2], func(m ast.Node) bool {
			inner, ok := m.(*ast.CallExpr)
			if !ok {
				return true
			}
			innerSel, ok := inner.Fun.(*ast.SelectorExpr)
			if !ok || innerSel.Sel.Name != "MakeLocals" {
				return true
			}
			for i := 0; i+1 < len(inner.Args); i += 2 {
				name, ok := inner.Args[i].(*ast.BasicLit)
				if ok {
					unquoted, uerr := strconv.Unquote(name.Value)
					require.NoError(t, uerr)
					names = append(names, unquoted)
				}
			}
			return false
		})
		return false
	})
	require.True(t, found, "no checkpoint call with id %d", id)
	return names
}

func TestProviderVisibleLocals(t *testing.T) {
	res, err := Rewrite("sample.go", []byte(sampleSrc))
	require.NoError(t, err)

	// add's first statement sees only the parameters.
	assert.Equal(t, []string{"a", "b"}, providerNames(t, res.Source, 1))
	// add's return sees c, declared by the previous statement.
	assert.Equal(t, []string{"a", "b", "c"}, providerNames(t, res.Source, 2))
	// Run's later statements accumulate x then y.
	assert.Equal(t, []string{"x"}, providerNames(t, res.Source, 4))
	assert.Equal(t, []string{"x", "y"}, providerNames(t, res.Source, 5))
}

func TestProviderScopesNested(t *testing.T) {
	src := `package main

func f(n int) int {
	total := 0
	for i := 0; i < n; i++ {
		total += i
	}
	if n > 1 {
		m := n * 2
		total += m
	}
	return total
}
`
	res, err := Rewrite("nested.go", []byte(src))
	require.NoError(t, err)

	// Statement order: total := (1), for (2), total += i (3), if (4),
	// m := (5), total += m (6), return (7).
	require.Equal(t, []CheckpointID{1, 2, 3, 4, 5, 6, 7}, res.Index.MethodCheckpoints("main.f"))

	// Inside the loop body the loop variable is visible.
	assert.Equal(t, []string{"n", "total", "i"}, providerNames(t, res.Source, 3))
	// Inside the if body, m is not yet declared at its own checkpoint.
	assert.Equal(t, []string{"n", "total"}, providerNames(t, res.Source, 5))
	assert.Equal(t, []string{"n", "total", "m"}, providerNames(t, res.Source, 6))
	// After both blocks, the inner names are out of scope again.
	assert.Equal(t, []string{"n", "total"}, providerNames(t, res.Source, 7))
}

func TestMethodQualifiedNames(t *testing.T) {
	src := `package calc

type Counter struct{ n int }

func (c *Counter) Incr(by int) {
	c.n += by
}
`
	res, err := Rewrite("counter.go", []byte(src))
	require.NoError(t, err)
	assert.Equal(t, []CheckpointID{1}, res.Index.MethodCheckpoints("calc.Counter.Incr"))
	assert.Equal(t, []string{"c", "by"}, providerNames(t, res.Source, 1))
}

func TestFuncLitAttributedToEnclosing(t *testing.T) {
	src := `package main

func g() {
	n := 1
	f := func(d int) {
		n += d
	}
	f(2)
}
`
	res, err := Rewrite("lit.go", []byte(src))
	require.NoError(t, err)

	// n := (1), f := (2), n += d inside the literal (3), f(2) (4) — all
	// attributed to main.g in lexical order.
	assert.Equal(t, []CheckpointID{1, 2, 3, 4}, res.Index.MethodCheckpoints("main.g"))
	// The literal body sees the captured n and its own parameter d.
	assert.Equal(t, []string{"n", "d"}, providerNames(t, res.Source, 3))
	// Only declared functions get frames.
	assert.Equal(t, 1, strings.Count(string(res.Source), "debugrt.PushFrame("))
}
