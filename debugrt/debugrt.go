// Copyright © 2018 The ELPS authors

// Package debugrt defines the runtime API that instrumented scripts call.
// The rewriter emits calls to PushFrame, PopFrame, Checkpoint, and
// MakeLocals; at load time these symbols are exposed inside the module
// isolate so generated code can import this package unchanged.
//
// Binding is process-wide: a single Host receives all calls. When no host
// is bound every call is a no-op, so instrumented modules can be loaded
// and run outside a debugger.
package debugrt

import "sync"

// Local is one named local variable captured at a checkpoint. Values are
// boxed so the debugger and evaluator can dispatch on the runtime type.
type Local struct {
	Name  string
	Value any
}

// LocalsProvider returns the ordered (name, value) pairs visible at a
// statement. Providers are closures over the live variables, so they read
// current values at invocation time, not a snapshot taken at rewrite time.
type LocalsProvider func() []Local

// Host receives all runtime callbacks from instrumented code.
type Host interface {
	// PushFrame records entry into an instrumented function. When a
	// provider is supplied the locals are snapshotted immediately.
	PushFrame(method string, provider LocalsProvider)

	// PopFrame records exit from an instrumented function. The rewriter
	// guarantees it runs on every exit path, normal or panicking.
	PopFrame()

	// Checkpoint fires immediately before an original statement and may
	// block the calling goroutine while the debugger holds it paused.
	Checkpoint(id int, method string, provider LocalsProvider)
}

var (
	hostMu sync.RWMutex
	host   Host
)

// SetHost binds the process-wide host. Passing nil unbinds it.
func SetHost(h Host) {
	hostMu.Lock()
	host = h
	hostMu.Unlock()
}

// ResetHost unbinds the process-wide host.
func ResetHost() {
	SetHost(nil)
}

func currentHost() Host {
	hostMu.RLock()
	h := host
	hostMu.RUnlock()
	return h
}

// PushFrame forwards to the bound host, or does nothing when unbound.
func PushFrame(method string, provider LocalsProvider) {
	if h := currentHost(); h != nil {
		h.PushFrame(method, provider)
	}
}

// PopFrame forwards to the bound host, or does nothing when unbound.
func PopFrame() {
	if h := currentHost(); h != nil {
		h.PopFrame()
	}
}

// Checkpoint forwards to the bound host, or does nothing when unbound.
func Checkpoint(id int, method string, provider LocalsProvider) {
	if h := currentHost(); h != nil {
		h.Checkpoint(id, method, provider)
	}
}

// MakeLocals assembles a locals list from alternating name, value pairs.
// Generated code uses it so providers stay compact. A trailing name with
// no value is dropped.
func MakeLocals(pairs ...any) []Local {
	locals := make([]Local, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		name, ok := pairs[i].(string)
		if !ok {
			continue
		}
		locals = append(locals, Local{Name: name, Value: pairs[i+1]})
	}
	return locals
}
