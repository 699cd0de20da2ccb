package debugger

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthersystems/stepwise/debugrt"
	"github.com/luthersystems/stepwise/rewrite"
)

// testIndex builds the index of a two-method script: A holds checkpoints
// 1-3 and calls B (checkpoints 4-5) between its first two statements.
func testIndex(t *testing.T) *rewrite.Index {
	t.Helper()
	const doc = `{
	  "checkpoints": [
	    {"id": 1, "file": "script.go", "line": 4, "col": 2},
	    {"id": 2, "file": "script.go", "line": 5, "col": 2},
	    {"id": 3, "file": "script.go", "line": 6, "col": 2},
	    {"id": 4, "file": "script.go", "line": 10, "col": 2},
	    {"id": 5, "file": "script.go", "line": 11, "col": 2}
	  ],
	  "methods": {"main.A": [1, 2, 3], "main.B": [4, 5]}
	}`
	ix, err := rewrite.ReadIndex(strings.NewReader(doc))
	require.NoError(t, err)
	return ix
}

func newTestEngine(t *testing.T) (*Engine, chan Event) {
	t.Helper()
	events := make(chan Event, 16)
	e := New(testIndex(t), WithEventCallback(func(ev Event) {
		events <- ev
	}))
	return e, events
}

// runScript simulates the instrumented two-method script on one goroutine,
// exactly as generated code would drive the runtime API.
func runScript(e *Engine, done chan struct{}) {
	defer close(done)
	e.PushFrame("main.A", nil)
	defer e.PopFrame()
	e.Checkpoint(1, "main.A", func() []debugrt.Local {
		return debugrt.MakeLocals("x", 7)
	})
	func() {
		e.PushFrame("main.B", nil)
		defer e.PopFrame()
		e.Checkpoint(4, "main.B", nil)
		e.Checkpoint(5, "main.B", nil)
	}()
	e.Checkpoint(2, "main.A", func() []debugrt.Local {
		return debugrt.MakeLocals("x", 7, "y", 8)
	})
	e.Checkpoint(3, "main.A", nil)
}

// waitStopped receives events until the next stopped event arrives.
func waitStopped(t *testing.T, events chan Event) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventStopped {
				return ev
			}
		case <-deadline:
			t.Fatal("timeout waiting for stopped event")
		}
	}
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for script to finish")
	}
}

func TestEngine_BreakpointPauseAndResume(t *testing.T) {
	e, events := newTestEngine(t)
	e.Breakpoints().Add(2)

	done := make(chan struct{})
	go runScript(e, done)

	ev := waitStopped(t, events)
	assert.Equal(t, StopBreakpoint, ev.Reason)
	require.NotNil(t, ev.Frame)
	assert.Equal(t, rewrite.CheckpointID(2), ev.Frame.Checkpoint)
	assert.Equal(t, "main.A", ev.Frame.Method)
	require.Len(t, ev.Frame.Locals, 2)
	assert.Equal(t, "x", ev.Frame.Locals[0].Name)
	assert.Equal(t, 7, ev.Frame.Locals[0].Value)
	assert.Equal(t, "y", ev.Frame.Locals[1].Name)

	e.Continue(ev.PauseID)
	waitDone(t, done)
	assert.False(t, e.IsPaused())
}

func TestEngine_StepIntoDescends(t *testing.T) {
	e, events := newTestEngine(t)
	e.Breakpoints().Add(1)

	done := make(chan struct{})
	go runScript(e, done)

	ev := waitStopped(t, events)
	require.Equal(t, rewrite.CheckpointID(1), ev.Frame.Checkpoint)

	// Step-into pauses at the very next checkpoint, which is inside B.
	e.StepInto(ev.PauseID)
	ev = waitStopped(t, events)
	assert.Equal(t, StopStep, ev.Reason)
	assert.Equal(t, rewrite.CheckpointID(4), ev.Frame.Checkpoint)
	assert.Equal(t, "main.B", ev.Frame.Method)
	assert.Equal(t, 2, ev.Frame.Depth)

	e.Continue(ev.PauseID)
	waitDone(t, done)
}

func TestEngine_StepOverDoesNotDescend(t *testing.T) {
	e, events := newTestEngine(t)
	e.Breakpoints().Add(1)

	done := make(chan struct{})
	go runScript(e, done)

	ev := waitStopped(t, events)
	require.Equal(t, rewrite.CheckpointID(1), ev.Frame.Checkpoint)

	// Step-over targets checkpoint 2 of A; the call to B in between must
	// not pause even though its checkpoints fire.
	e.StepOver(ev.PauseID)
	ev = waitStopped(t, events)
	assert.Equal(t, StopStep, ev.Reason)
	assert.Equal(t, rewrite.CheckpointID(2), ev.Frame.Checkpoint)
	assert.Equal(t, "main.A", ev.Frame.Method)
	assert.Equal(t, 1, ev.Frame.Depth)

	e.Continue(ev.PauseID)
	waitDone(t, done)
}

func TestEngine_StepOutReturnsToCaller(t *testing.T) {
	e, events := newTestEngine(t)
	e.Breakpoints().Add(4)

	done := make(chan struct{})
	go runScript(e, done)

	ev := waitStopped(t, events)
	require.Equal(t, "main.B", ev.Frame.Method)
	require.Equal(t, 2, ev.Frame.Depth)

	// Step-out runs the rest of B and pauses at the next checkpoint in A.
	e.StepOut(ev.PauseID)
	ev = waitStopped(t, events)
	assert.Equal(t, rewrite.CheckpointID(2), ev.Frame.Checkpoint)
	assert.Equal(t, "main.A", ev.Frame.Method)
	assert.Equal(t, 1, ev.Frame.Depth)

	e.Continue(ev.PauseID)
	waitDone(t, done)
}

func TestEngine_StepOverAtLastStatement(t *testing.T) {
	e, events := newTestEngine(t)
	e.Breakpoints().Add(5)

	done := make(chan struct{})
	go runScript(e, done)

	ev := waitStopped(t, events)
	require.Equal(t, rewrite.CheckpointID(5), ev.Frame.Checkpoint)

	// Checkpoint 5 is B's last statement: no intra-method target exists,
	// so the pause fires in the caller right after B returns.
	e.StepOver(ev.PauseID)
	ev = waitStopped(t, events)
	assert.Equal(t, rewrite.CheckpointID(2), ev.Frame.Checkpoint)
	assert.Equal(t, "main.A", ev.Frame.Method)

	e.Continue(ev.PauseID)
	waitDone(t, done)
}

func TestEngine_StaleResumeIsNoop(t *testing.T) {
	e, events := newTestEngine(t)
	e.Breakpoints().Add(1)

	done := make(chan struct{})
	go runScript(e, done)

	ev := waitStopped(t, events)

	// Resumes on unknown pause ids do nothing; the real id still works.
	e.Continue(ev.PauseID + 100)
	assert.True(t, e.IsPaused())
	e.StepOut(ev.PauseID + 100)
	assert.True(t, e.IsPaused())

	e.Continue(ev.PauseID)
	waitDone(t, done)
}

func TestEngine_ProviderPanicPausesWithDiagnostic(t *testing.T) {
	e, events := newTestEngine(t)
	e.Breakpoints().Add(1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.PushFrame("main.A", nil)
		defer e.PopFrame()
		e.Checkpoint(1, "main.A", func() []debugrt.Local {
			panic("locals exploded")
		})
	}()

	ev := waitStopped(t, events)
	assert.Empty(t, ev.Frame.Locals)
	assert.Contains(t, ev.Frame.Diagnostic, "locals exploded")

	e.Continue(ev.PauseID)
	waitDone(t, done)
}

func TestEngine_TransientFrameOutsideStack(t *testing.T) {
	e, events := newTestEngine(t)
	e.Breakpoints().Add(3)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// No PushFrame: the engine synthesizes a transient frame.
		e.Checkpoint(3, "main.orphan", nil)
	}()

	ev := waitStopped(t, events)
	assert.Equal(t, "main.orphan", ev.Frame.Method)
	assert.Equal(t, 0, ev.Frame.Depth)

	e.Continue(ev.PauseID)
	waitDone(t, done)
}

func TestEngine_ConcurrentThreadsPauseIndependently(t *testing.T) {
	e, events := newTestEngine(t)
	e.Breakpoints().Add(4)

	// Two goroutines both park on checkpoint 4; each pause has its own id
	// and resumes independently.
	dones := [2]chan struct{}{make(chan struct{}), make(chan struct{})}
	for i := 0; i < 2; i++ {
		done := dones[i]
		go func() {
			defer close(done)
			e.PushFrame("main.B", nil)
			defer e.PopFrame()
			e.Checkpoint(4, "main.B", nil)
			e.Checkpoint(5, "main.B", nil)
		}()
	}

	first := waitStopped(t, events)
	second := waitStopped(t, events)
	require.NotEqual(t, first.PauseID, second.PauseID)
	require.NotEqual(t, first.ThreadID, second.ThreadID)

	e.Continue(second.PauseID)
	e.Continue(first.PauseID)
	waitDone(t, dones[0])
	waitDone(t, dones[1])
}

func TestEngine_PopFrameBalancesOnPanic(t *testing.T) {
	e, _ := newTestEngine(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { _ = recover() }()
		e.PushFrame("main.A", nil)
		defer e.PopFrame()
		panic("script fault")
	}()
	waitDone(t, done)

	// The deferred pop ran: the goroutine's frame stack is empty again and
	// nothing is left paused.
	e.mu.Lock()
	require.Len(t, e.threads, 1)
	for _, ts := range e.threads {
		assert.Empty(t, ts.frames)
	}
	e.mu.Unlock()
	assert.False(t, e.IsPaused())
}

func TestEngine_StackOf(t *testing.T) {
	e, events := newTestEngine(t)
	e.Breakpoints().Add(4)

	done := make(chan struct{})
	go runScript(e, done)

	ev := waitStopped(t, events)
	stack := e.StackOf(ev.PauseID)
	require.Len(t, stack, 2)
	assert.Equal(t, "main.A", stack[0].Method)
	assert.Equal(t, "main.B", stack[1].Method)

	assert.Nil(t, e.StackOf(ev.PauseID+99))

	e.Continue(ev.PauseID)
	waitDone(t, done)
}

func TestEngine_NotifyExit(t *testing.T) {
	e, events := newTestEngine(t)
	e.NotifyExit(0)
	select {
	case ev := <-events:
		assert.Equal(t, EventExited, ev.Type)
		assert.Equal(t, 0, ev.ExitCode)
	case <-time.After(time.Second):
		t.Fatal("no exit event")
	}
}
