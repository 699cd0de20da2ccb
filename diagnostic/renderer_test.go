// Copyright © 2024 The ELPS authors

package diagnostic

import (
	"bytes"
	"strings"
	"testing"

	"github.com/luthersystems/stepwise/compile"
)

// testRenderer returns a Renderer with colors disabled and a fake source reader.
func testRenderer(sources map[string]string) *Renderer {
	return &Renderer{
		Color: ColorNever,
		SourceReader: func(name string) ([]byte, error) {
			s, ok := sources[name]
			if !ok {
				return nil, &fakeErr{name}
			}
			return []byte(s), nil
		},
	}
}

type fakeErr struct{ name string }

func (e *fakeErr) Error() string { return "not found: " + e.name }

func TestRenderError(t *testing.T) {
	r := testRenderer(map[string]string{
		"script.go": "\tcount := count +",
	})

	d := Diagnostic{
		Severity: SeverityError,
		Message:  "expected operand, found newline",
		Spans: []Span{
			{File: "script.go", Line: 1, Col: 16, EndCol: 17, Label: "expression is unfinished"},
		},
	}

	var buf bytes.Buffer
	if err := r.Render(&buf, d); err != nil {
		t.Fatal(err)
	}

	got := buf.String()

	// Verify key structural elements
	assertContains(t, got, "error: expected operand, found newline")
	assertContains(t, got, "--> script.go:1:16")
	assertContains(t, got, "count := count +")
	assertContains(t, got, "^^")
	assertContains(t, got, "expression is unfinished")
}

func TestRenderWarning(t *testing.T) {
	r := testRenderer(map[string]string{
		"script.go": "x := 1\nx := 2",
	})

	d := Diagnostic{
		Severity: SeverityWarning,
		Message:  "no new variables on left side of :=",
		Spans: []Span{
			{File: "script.go", Line: 2, Col: 1, EndCol: 6},
		},
	}

	var buf bytes.Buffer
	if err := r.Render(&buf, d); err != nil {
		t.Fatal(err)
	}

	got := buf.String()
	assertContains(t, got, "warning: no new variables on left side of :=")
	assertContains(t, got, "--> script.go:2:1")
	assertContains(t, got, "x := 2")
}

func TestRenderNoSource(t *testing.T) {
	r := testRenderer(nil)

	d := Diagnostic{
		Severity: SeverityError,
		Message:  "some error",
		Spans: []Span{
			{File: "<stdin>", Line: 5, Col: 3},
		},
	}

	var buf bytes.Buffer
	if err := r.Render(&buf, d); err != nil {
		t.Fatal(err)
	}

	got := buf.String()
	assertContains(t, got, "error: some error")
	assertContains(t, got, "--> <stdin>:5:3")
	// Should have a gutter but no source line
	assertContains(t, got, "|")
	assertNotContains(t, got, "^")
}

func TestRenderNotes(t *testing.T) {
	r := testRenderer(map[string]string{
		"script.go": "\thelper(1, 2)",
	})

	d := Diagnostic{
		Severity: SeverityError,
		Message:  "undefined: helper",
		Spans: []Span{
			{File: "script.go", Line: 1, Col: 2, EndCol: 7},
		},
		Notes: []string{
			"in main.Run at script.go:1:1",
			"called from main.main at script.go:10:5",
		},
	}

	var buf bytes.Buffer
	if err := r.Render(&buf, d); err != nil {
		t.Fatal(err)
	}

	got := buf.String()
	assertContains(t, got, "= note: in main.Run at script.go:1:1")
	assertContains(t, got, "= note: called from main.main at script.go:10:5")
}

func TestRenderAutoDetectEndCol(t *testing.T) {
	r := testRenderer(map[string]string{
		"script.go": "func main() { total := 0 }",
	})

	d := Diagnostic{
		Severity: SeverityError,
		Message:  "declared and not used: total",
		Spans: []Span{
			{File: "script.go", Line: 1, Col: 15}, // EndCol=0 → auto-detect
		},
	}

	var buf bytes.Buffer
	if err := r.Render(&buf, d); err != nil {
		t.Fatal(err)
	}

	got := buf.String()
	// "total" starts at col 15 and is 5 chars → should produce "^^^^^"
	assertContains(t, got, "^^^^^")
}

func TestRenderMultipleDiagnostics(t *testing.T) {
	r := testRenderer(map[string]string{
		"script.go": "x := 1\nx := 2\nreturn",
	})

	diags := []Diagnostic{
		{
			Severity: SeverityWarning,
			Message:  "no new variables on left side of :=",
			Spans:    []Span{{File: "script.go", Line: 2, Col: 1, EndCol: 6}},
		},
		{
			Severity: SeverityWarning,
			Message:  "return outside function body",
			Spans:    []Span{{File: "script.go", Line: 3, Col: 1, EndCol: 6}},
		},
	}

	var buf bytes.Buffer
	if err := r.RenderAll(&buf, diags); err != nil {
		t.Fatal(err)
	}

	got := buf.String()
	// Should have both diagnostics separated by blank line
	parts := strings.Split(got, "\n\n")
	if len(parts) < 2 {
		t.Errorf("expected diagnostics separated by blank line, got:\n%s", got)
	}
	assertContains(t, got, "no new variables on left side of :=")
	assertContains(t, got, "return outside function body")
}

func TestRenderNoSpans(t *testing.T) {
	r := testRenderer(nil)

	d := Diagnostic{
		Severity: SeverityError,
		Message:  "library error: file not found",
	}

	var buf bytes.Buffer
	if err := r.Render(&buf, d); err != nil {
		t.Fatal(err)
	}

	got := buf.String()
	assertContains(t, got, "error: library error: file not found")
	// Should be just the header, no arrows or source
	assertNotContains(t, got, "-->")
}

func TestFromCompileError(t *testing.T) {
	cerr := &compile.Error{
		Unit: "script.go",
		Diagnostics: []compile.Diagnostic{
			{File: "script.go", Line: 3, Col: 9, Message: "expected ';', found ','"},
			{File: "script.go", Line: 7, Col: 1, Message: "expected declaration"},
		},
	}

	diags := FromCompileError(cerr)
	if len(diags) != 2 {
		t.Fatalf("expected 2 diagnostics, got %d", len(diags))
	}

	r := testRenderer(map[string]string{
		"script.go": strings.Repeat("line\n", 10),
	})
	var buf bytes.Buffer
	if err := r.RenderAll(&buf, diags); err != nil {
		t.Fatal(err)
	}
	got := buf.String()
	assertContains(t, got, "error: expected ';', found ','")
	assertContains(t, got, "--> script.go:3:9")
	assertContains(t, got, "error: expected declaration")
	assertContains(t, got, "--> script.go:7:1")
}

func assertContains(t *testing.T, got, want string) {
	t.Helper()
	if !strings.Contains(got, want) {
		t.Errorf("output does not contain %q:\n%s", want, got)
	}
}

func assertNotContains(t *testing.T, got, unwanted string) {
	t.Helper()
	if strings.Contains(got, unwanted) {
		t.Errorf("output unexpectedly contains %q:\n%s", unwanted, got)
	}
}
