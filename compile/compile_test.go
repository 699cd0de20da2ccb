package compile

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestCompileOK(t *testing.T) {
	prog, err := Compile(context.Background(), Unit{
		Name:   "ok.go",
		Source: "package main\n\nfunc main() {}\n",
		Mode:   ModeDebug,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok.go", prog.Unit.Name)
}

func TestCompileReportsAllErrors(t *testing.T) {
	src := "package main\n\nfunc f( {\nfunc g( {\n"
	_, err := Compile(context.Background(), Unit{Name: "bad.go", Source: src})
	require.Error(t, err)

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "bad.go", cerr.Unit)
	assert.NotEmpty(t, cerr.Diagnostics)
	for _, d := range cerr.Diagnostics {
		assert.Equal(t, "bad.go", d.File)
		assert.NotZero(t, d.Line)
	}
}

func TestCompileEmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	_, err := Compile(context.Background(), Unit{
		Name:   "traced.go",
		Source: "package main\n\nfunc main() {}\n",
		Mode:   ModeRelease,
	})
	require.NoError(t, err)

	spans := recorder.Ended()
	require.NotEmpty(t, spans)
	assert.Equal(t, "compile", spans[0].Name())
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "debug", ModeDebug.String())
	assert.Equal(t, "release", ModeRelease.String())
}

func TestIsolateLoadAndEntry(t *testing.T) {
	ctx := context.Background()
	prog, err := Compile(ctx, Unit{
		Name: "calc.go",
		Source: `package calc

func Double(n int) int {
	return 2 * n
}
`,
		Mode: ModeRelease,
	})
	require.NoError(t, err)

	iso, err := NewIsolate("test-calc")
	require.NoError(t, err)
	require.NoError(t, iso.Load(ctx, prog))

	double, err := iso.Entry("calc.Double")
	require.NoError(t, err)
	out := double.Call([]reflect.Value{reflect.ValueOf(21)})
	require.Len(t, out, 1)
	assert.EqualValues(t, 42, out[0].Interface())
}

func TestIsolatesAreIndependent(t *testing.T) {
	ctx := context.Background()
	prog, err := Compile(ctx, Unit{
		Name: "state.go",
		Source: `package state

var n int

func Incr() int {
	n++
	return n
}
`,
	})
	require.NoError(t, err)

	a, err := NewIsolate("a")
	require.NoError(t, err)
	b, err := NewIsolate("b")
	require.NoError(t, err)
	require.NoError(t, a.Load(ctx, prog))
	require.NoError(t, b.Load(ctx, prog))

	incrA, err := a.Entry("state.Incr")
	require.NoError(t, err)
	incrB, err := b.Entry("state.Incr")
	require.NoError(t, err)

	assert.EqualValues(t, 1, incrA.Call(nil)[0].Interface())
	assert.EqualValues(t, 2, incrA.Call(nil)[0].Interface())
	// b's static state is untouched by a's calls.
	assert.EqualValues(t, 1, incrB.Call(nil)[0].Interface())
}

func TestUnloadedIsolateRejectsCalls(t *testing.T) {
	iso, err := NewIsolate("gone")
	require.NoError(t, err)
	iso.Unload()

	_, err = iso.Entry("main.main")
	assert.Error(t, err)

	prog := &Program{Unit: Unit{Name: "x.go", Source: "package x\n"}}
	assert.Error(t, iso.Load(context.Background(), prog))
}

func TestIsolateCollectedAfterUnload(t *testing.T) {
	iso, err := NewIsolate("collectible")
	require.NoError(t, err)
	assert.False(t, iso.Collected())

	iso.Unload()
	assert.True(t, iso.AwaitCollected(10), "isolate was not reclaimed")
}
