// Copyright © 2018 The ELPS authors

// Package debugger implements the stepwise debugger engine. It provides
// breakpoint management, per-thread stepping, and the pause/resume
// handshake between instrumented script goroutines and the UI.
//
// The engine implements debugrt.Host and communicates with external
// consumers (the terminal REPL or a DAP server) through an event callback
// and pause ids. Each script goroutine owns a threadState; when a
// checkpoint decides to pause, the goroutine publishes a stopped event and
// blocks on a one-shot handshake that the consumer completes with
// Continue/StepInto/StepOver/StepOut, routed by the pause id. Multiple
// script goroutines may be paused concurrently.
package debugger

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"

	"github.com/luthersystems/stepwise/debugrt"
	"github.com/luthersystems/stepwise/rewrite"
)

// EventType identifies the kind of debug event.
type EventType int

const (
	// EventStopped indicates a script goroutine has paused.
	EventStopped EventType = iota
	// EventContinued indicates a paused goroutine has resumed.
	EventContinued
	// EventExited indicates the script has finished.
	EventExited
)

// StopReason describes why execution paused.
type StopReason string

const (
	StopBreakpoint StopReason = "breakpoint"
	StopStep       StopReason = "step"
)

// FrameSnapshot is an immutable copy of a frame taken at pause time. The
// locals slice is copied so the consumer can read it while the script
// goroutine stays blocked or later resumes.
type FrameSnapshot struct {
	Method     string
	Checkpoint rewrite.CheckpointID
	Locals     []debugrt.Local
	Depth      int

	// Diagnostic is set when the statement's locals provider panicked; the
	// pause proceeds with empty locals.
	Diagnostic string
}

// Event is sent to the event callback when the engine state changes.
type Event struct {
	Type     EventType
	Reason   StopReason
	PauseID  uint64
	ThreadID int64
	Frame    *FrameSnapshot
	ExitCode int // set for EventExited
}

// EventCallback is called when the engine state changes. Stopped events run
// on the pausing script goroutine, so the callback must not block; hand the
// event to a buffered channel and return.
type EventCallback func(Event)

// FrameInfo is the per-call record pushed on method entry. Locals hold the
// snapshot taken at the frame's most recent checkpoint.
type FrameInfo struct {
	Method         string
	Locals         []debugrt.Local
	LastCheckpoint rewrite.CheckpointID // 0 until the first checkpoint fires
}

// threadState tracks one script goroutine. It is created on the
// goroutine's first callback and persists for the thread's lifetime. The
// mutex is taken by the owning goroutine in every callback and by UI
// resume calls, which flip step flags and complete the handshake.
type threadState struct {
	id int64

	mu      sync.Mutex
	frames  []*FrameInfo
	stepper *stepper

	// Pause fields, set while the goroutine is blocked in Checkpoint.
	pauseID    uint64
	resumeCh   chan struct{}
	lastPaused *FrameSnapshot
}

// Engine is the debugger core shared by all script goroutines.
type Engine struct {
	breakpoints *BreakpointStore
	index       *rewrite.Index
	pauseSeq    atomic.Uint64

	mu      sync.Mutex
	threads map[int64]*threadState
	onEvent EventCallback
}

// Verify Engine implements the injected runtime contract at compile time.
var _ debugrt.Host = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithEventCallback sets the function called on engine state changes.
func WithEventCallback(cb EventCallback) Option {
	return func(e *Engine) {
		e.onEvent = cb
	}
}

// New creates a debugger engine for an instrumented unit. The index is the
// rewriter's output and drives step-over targeting and position display.
func New(index *rewrite.Index, opts ...Option) *Engine {
	e := &Engine{
		breakpoints: NewBreakpointStore(),
		index:       index,
		threads:     make(map[int64]*threadState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Breakpoints returns the breakpoint store for external management.
func (e *Engine) Breakpoints() *BreakpointStore {
	return e.breakpoints
}

// Index returns the checkpoint index the engine was built with.
func (e *Engine) Index() *rewrite.Index {
	return e.index
}

// SetEventCallback sets or replaces the event callback. It is safe to call
// after construction (e.g., when a DAP handler wires itself up).
func (e *Engine) SetEventCallback(cb EventCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = cb
}

func (e *Engine) event(ev Event) {
	e.mu.Lock()
	cb := e.onEvent
	e.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// thread returns the calling goroutine's state, creating it on first use.
func (e *Engine) thread() *threadState {
	id := goid.Get()
	e.mu.Lock()
	defer e.mu.Unlock()
	ts, ok := e.threads[id]
	if !ok {
		ts = &threadState{id: id, stepper: newStepper()}
		e.threads[id] = ts
	}
	return ts
}

// PushFrame implements debugrt.Host. A supplied provider is snapshotted
// immediately.
func (e *Engine) PushFrame(method string, provider debugrt.LocalsProvider) {
	ts := e.thread()
	frame := &FrameInfo{Method: method}
	if provider != nil {
		frame.Locals, _ = callProvider(provider)
	}
	ts.mu.Lock()
	ts.frames = append(ts.frames, frame)
	ts.mu.Unlock()
}

// PopFrame implements debugrt.Host. The rewriter guarantees a pop on every
// exit path; when a pop brings the stack to an armed pause-on-pop depth the
// next checkpoint in the caller pauses.
func (e *Engine) PopFrame() {
	ts := e.thread()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if n := len(ts.frames); n > 0 {
		ts.frames = ts.frames[:n-1]
	}
	ts.stepper.onPop(len(ts.frames))
}

// Checkpoint implements debugrt.Host. It fires immediately before every
// original statement; when a breakpoint or the thread's step state decides
// to pause, the goroutine publishes a stopped event and blocks until the
// consumer resumes it by pause id.
func (e *Engine) Checkpoint(id int, method string, provider debugrt.LocalsProvider) {
	cid := rewrite.CheckpointID(id)
	ts := e.thread()

	ts.mu.Lock()
	var frame *FrameInfo
	if n := len(ts.frames); n > 0 {
		frame = ts.frames[n-1]
	} else {
		// Checkpoint outside any frame: synthesize a transient record so
		// the pause still carries a method name and locals.
		frame = &FrameInfo{Method: method}
	}
	var diag string
	if provider != nil {
		locals, err := callProvider(provider)
		if err != nil {
			diag = err.Error()
			locals = nil
		}
		frame.Locals = locals
	}
	frame.LastCheckpoint = cid

	// The breakpoint check is taken under the store mutex, so an Add
	// issued before this checkpoint is guaranteed to pause here.
	pause := e.breakpoints.Contains(cid)
	reason := StopBreakpoint
	if ts.stepper.shouldPause(cid) {
		if !pause {
			reason = StopStep
		}
		pause = true
	}
	if !pause {
		ts.mu.Unlock()
		return
	}

	pauseID := e.pauseSeq.Add(1)
	resume := make(chan struct{}, 1)
	snap := snapshotFrame(frame, len(ts.frames), diag)
	ts.pauseID = pauseID
	ts.resumeCh = resume
	ts.lastPaused = snap
	ts.mu.Unlock()

	e.event(Event{
		Type:     EventStopped,
		Reason:   reason,
		PauseID:  pauseID,
		ThreadID: ts.id,
		Frame:    snap,
	})

	<-resume

	ts.mu.Lock()
	ts.pauseID = 0
	ts.resumeCh = nil
	ts.mu.Unlock()
}

// snapshotFrame copies a frame for the stopped event. depth is the frame
// stack size at pause time (0 for a transient frame).
func snapshotFrame(frame *FrameInfo, depth int, diag string) *FrameSnapshot {
	locals := make([]debugrt.Local, len(frame.Locals))
	copy(locals, frame.Locals)
	return &FrameSnapshot{
		Method:     frame.Method,
		Checkpoint: frame.LastCheckpoint,
		Locals:     locals,
		Depth:      depth,
		Diagnostic: diag,
	}
}

// callProvider invokes a locals provider, converting a panic into an error
// so a broken provider degrades to an empty locals list instead of killing
// the script goroutine.
func callProvider(provider debugrt.LocalsProvider) (locals []debugrt.Local, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("locals provider: %v", r)
		}
	}()
	return provider(), nil
}

// pausedThread finds the thread currently blocked on pauseID. A stale or
// unknown pause id returns nil and the resume call is a silent no-op.
func (e *Engine) pausedThread(pauseID uint64) *threadState {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ts := range e.threads {
		ts.mu.Lock()
		match := ts.resumeCh != nil && ts.pauseID == pauseID
		ts.mu.Unlock()
		if match {
			return ts
		}
	}
	return nil
}

// resume completes a thread's handshake after configure ran under its lock.
func (e *Engine) resume(pauseID uint64, configure func(ts *threadState)) {
	ts := e.pausedThread(pauseID)
	if ts == nil {
		return
	}
	ts.mu.Lock()
	if ts.resumeCh == nil || ts.pauseID != pauseID {
		ts.mu.Unlock()
		return
	}
	resume := ts.resumeCh
	configure(ts)
	ts.mu.Unlock()
	resume <- struct{}{}
	e.event(Event{Type: EventContinued, PauseID: pauseID, ThreadID: ts.id})
}

// Continue resumes the thread paused on pauseID, clearing all step state.
func (e *Engine) Continue(pauseID uint64) {
	e.resume(pauseID, func(ts *threadState) {
		ts.stepper.reset()
	})
}

// StepInto resumes the thread paused on pauseID; the next checkpoint on
// that thread pauses regardless of method.
func (e *Engine) StepInto(pauseID uint64) {
	e.resume(pauseID, func(ts *threadState) {
		ts.stepper.armInto()
	})
}

// StepOver resumes the thread paused on pauseID; the pause fires at the
// next checkpoint of the current method, skipping any methods called in
// between. From the method's last statement the pause instead fires in the
// caller, immediately after the frame pops. With no frame on the stack
// step-over degrades to step-into.
func (e *Engine) StepOver(pauseID uint64) {
	e.resume(pauseID, func(ts *threadState) {
		n := len(ts.frames)
		if n == 0 {
			ts.stepper.armInto()
			return
		}
		top := ts.frames[n-1]
		if next, ok := e.index.NextInMethod(top.Method, top.LastCheckpoint); ok {
			ts.stepper.armOver(next)
			return
		}
		ts.stepper.armOverPop(n - 1)
	})
}

// StepOut resumes the thread paused on pauseID; the pause fires at the
// first checkpoint after the current frame returns to its caller.
func (e *Engine) StepOut(pauseID uint64) {
	e.resume(pauseID, func(ts *threadState) {
		depth := len(ts.frames) - 1
		if depth < 0 {
			depth = 0
		}
		ts.stepper.armOut(depth)
	})
}

// IsPaused reports whether any script goroutine is currently paused.
func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ts := range e.threads {
		ts.mu.Lock()
		paused := ts.resumeCh != nil
		ts.mu.Unlock()
		if paused {
			return true
		}
	}
	return false
}

// StackOf returns a bottom-up snapshot of the frame stack of the thread
// paused on pauseID, or nil when the pause id is stale.
func (e *Engine) StackOf(pauseID uint64) []FrameSnapshot {
	ts := e.pausedThread(pauseID)
	if ts == nil {
		return nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	stack := make([]FrameSnapshot, len(ts.frames))
	for i, frame := range ts.frames {
		stack[i] = *snapshotFrame(frame, i+1, "")
	}
	return stack
}

// LastPaused returns the frame snapshot recorded at the thread's most
// recent pause, or nil for an unknown pause id.
func (e *Engine) LastPaused(pauseID uint64) *FrameSnapshot {
	ts := e.pausedThread(pauseID)
	if ts == nil {
		return nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.lastPaused
}

// NotifyExit fires an EventExited event so consumers blocked on the event
// stream can unwind. Call it from the host after the script entrypoint
// returns.
func (e *Engine) NotifyExit(exitCode int) {
	e.event(Event{Type: EventExited, ExitCode: exitCode})
}
