// Copyright © 2018 The ELPS authors

// Package evalbox implements the out-of-process expression evaluator. A
// parent process ships a synthesized dbgexpr module over standard input,
// bracketed by marker lines; the box compiles it into a fresh isolate,
// invokes the entrypoint, and reports the outcome through its exit code.
// Running expressions out of process lets the parent apply an OS-level
// timeout to runaway expressions; the box itself sets no time limit.
package evalbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/luthersystems/stepwise/compile"
	"github.com/luthersystems/stepwise/debugrt"
)

// Code delimiter lines of the stdin protocol.
const (
	BeginMarker = "---BEGIN-CODE---"
	EndMarker   = "---END-CODE---"
)

// Exit codes of the protocol.
const (
	ExitOK           = 0
	ExitEmptyInput   = 1
	ExitCompileError = 2
	ExitRuntimeError = 3
)

var log = commonlog.GetLogger("stepwise.evalbox")

// ReadCode extracts the code bracketed by the BeginMarker and EndMarker
// lines. Content outside the brackets is ignored; a missing bracket or an
// empty body yields the empty string.
func ReadCode(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var b strings.Builder
	inside := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case !inside && line == BeginMarker:
			inside = true
		case inside && line == EndMarker:
			return b.String(), nil
		case inside:
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read code: %w", err)
	}
	return "", nil
}

// Run executes one evalbox session: code in, result out, exit code back.
func Run(ctx context.Context, in io.Reader, out, errw io.Writer) int {
	source, err := ReadCode(in)
	if err != nil {
		fmt.Fprintln(errw, err)
		return ExitEmptyInput
	}
	if strings.TrimSpace(source) == "" {
		fmt.Fprintln(errw, "evalbox: empty input")
		return ExitEmptyInput
	}

	prog, err := compile.Compile(ctx, compile.Unit{
		Name:   "dbgexpr.go",
		Source: source,
		Mode:   compile.ModeRelease,
	})
	if err != nil {
		fmt.Fprintln(errw, err)
		return ExitCompileError
	}
	iso, err := compile.NewIsolate("evalbox")
	if err != nil {
		fmt.Fprintln(errw, err)
		return ExitCompileError
	}
	defer iso.Unload()
	if err := iso.Load(ctx, prog); err != nil {
		fmt.Fprintln(errw, err)
		return ExitCompileError
	}
	call, err := iso.Entry("dbgexpr.Eval")
	if err != nil {
		fmt.Fprintln(errw, err)
		return ExitCompileError
	}

	log.Debug("evaluating shipped expression")
	result, err := invoke(call)
	if err != nil {
		fmt.Fprintln(errw, err)
		return ExitRuntimeError
	}
	fmt.Fprintf(out, "%v\n", result)
	return ExitOK
}

// invoke calls the shipped entrypoint with an empty locals list, mapping a
// panic inside the expression to an error.
func invoke(call reflect.Value) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("%v", r)
		}
	}()
	out := call.Call([]reflect.Value{reflect.ValueOf([]debugrt.Local{})})
	if len(out) == 0 {
		return nil, nil
	}
	v := out[0]
	if !v.IsValid() || (v.Kind() == reflect.Interface && v.IsNil()) {
		return nil, nil
	}
	return v.Interface(), nil
}
