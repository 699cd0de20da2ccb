// Copyright © 2018 The ELPS authors

package compile

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"time"
	"weak"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Isolate is a named collectible loader scope. Each isolate owns a
// dedicated interpreter instance preloaded with the Go standard library
// and the host's injected runtime symbols; two isolates loading the same
// bytes are fully independent. Unload drops the interpreter so new calls
// are impossible and the generated code and static state become
// garbage-collectible. The weak reference lets callers observe when
// reclamation has actually happened.
type Isolate struct {
	name string

	mu     sync.Mutex
	interp *interp.Interpreter
	ref    weak.Pointer[interp.Interpreter]
}

// NewIsolate creates an empty isolate.
func NewIsolate(name string) (*Isolate, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("isolate %s: stdlib symbols: %w", name, err)
	}
	if err := i.Use(hostSymbols()); err != nil {
		return nil, fmt.Errorf("isolate %s: host symbols: %w", name, err)
	}
	return &Isolate{
		name:   name,
		interp: i,
		ref:    weak.Make(i),
	}, nil
}

// Name returns the isolate's name.
func (iso *Isolate) Name() string {
	return iso.name
}

// Load compiles and executes a program inside the isolate, making its
// declarations callable through Entry. A failed execution is retried once
// before the load is reported as fatal.
func (iso *Isolate) Load(ctx context.Context, prog *Program) error {
	_, span := otelSpan(ctx, "load", iso.name, prog.Unit.Name)
	defer span.End()

	iso.mu.Lock()
	defer iso.mu.Unlock()
	if iso.interp == nil {
		return fmt.Errorf("isolate %s: unloaded", iso.name)
	}
	compiled, err := iso.interp.Compile(prog.Unit.Source)
	if err != nil {
		cerr := diagnosticError(prog.Unit.Name, err)
		span.RecordError(cerr)
		return cerr
	}
	if _, err := iso.interp.Execute(compiled); err != nil {
		// Retry once; persistent failures are fatal to this load.
		if _, err = iso.interp.Execute(compiled); err != nil {
			lerr := fmt.Errorf("load %s into %s: %w", prog.Unit.Name, iso.name, err)
			span.RecordError(lerr)
			return lerr
		}
	}
	return nil
}

// Entry resolves a loaded symbol (e.g. "main.Run" or "dbgexpr.Eval") to a
// callable handle.
func (iso *Isolate) Entry(name string) (reflect.Value, error) {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	if iso.interp == nil {
		return reflect.Value{}, fmt.Errorf("isolate %s: unloaded", iso.name)
	}
	v, err := iso.interp.Eval(name)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("isolate %s: entrypoint %s: %w", iso.name, name, err)
	}
	if v.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("isolate %s: entrypoint %s is %s, not func", iso.name, name, v.Kind())
	}
	return v, nil
}

// Unload releases the isolate. Code already referenced by outstanding
// handles keeps running until those handles drop; new Entry and Load
// calls fail.
func (iso *Isolate) Unload() {
	iso.mu.Lock()
	iso.interp = nil
	iso.mu.Unlock()
}

// Collected reports whether the interpreter has been reclaimed: the weak
// reference is dead only after unload and collection.
func (iso *Isolate) Collected() bool {
	return iso.ref.Value() == nil
}

// AwaitCollected nudges the collector up to tries times waiting for the
// isolate to be reclaimed. Reclamation is best-effort prompt; callers must
// tolerate a false return without leaking correctness.
func (iso *Isolate) AwaitCollected(tries int) bool {
	for i := 0; i < tries; i++ {
		if iso.Collected() {
			return true
		}
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
	return iso.Collected()
}
