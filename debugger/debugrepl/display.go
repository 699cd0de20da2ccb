// Copyright © 2018 The ELPS authors

package debugrepl

import (
	"fmt"
	"io"
	"strings"

	"github.com/muesli/reflow/wordwrap"

	"github.com/luthersystems/stepwise/debugger"
)

const valueWrapWidth = 72

// formatValue renders a boxed value for terminal output, wrapping long
// representations.
func formatValue(v any) string {
	if v == nil {
		return "nil"
	}
	s := fmt.Sprintf("%#v", v)
	if len(s) <= valueWrapWidth {
		return s
	}
	return wordwrap.String(s, valueWrapWidth)
}

// showStopBanner prints the stop reason and the paused position.
func (s *Session) showStopBanner(ev debugger.Event) {
	loc := ""
	if pos, ok := s.engine.Index().Pos(ev.Frame.Checkpoint); ok {
		loc = fmt.Sprintf(" at %s:%d", pos.File, pos.Line)
	}
	fmt.Fprintf(s.out, "stopped: %s in %s (checkpoint %d, thread %d)%s\n",
		ev.Reason, ev.Frame.Method, ev.Frame.Checkpoint, ev.ThreadID, loc) //nolint:errcheck
	if ev.Frame.Diagnostic != "" {
		fmt.Fprintf(s.out, "warning: %s\n", ev.Frame.Diagnostic) //nolint:errcheck
	}
}

// showMap lists every checkpoint of the instrumented unit.
func (s *Session) showMap() {
	records := s.engine.Index().All()
	if len(records) == 0 {
		fmt.Fprintln(s.out, "  (no checkpoints)") //nolint:errcheck
		return
	}
	for _, rec := range records {
		method, _ := s.engine.Index().MethodOf(rec.ID)
		fmt.Fprintf(s.out, "  %4d  %s:%d:%d  %s\n", rec.ID, rec.File, rec.Line, rec.Col, method) //nolint:errcheck
	}
}

// showBreakpoints lists the breakpoint set with positions.
func showBreakpoints(w io.Writer, engine *debugger.Engine) {
	ids := engine.Breakpoints().All()
	if len(ids) == 0 {
		fmt.Fprintln(w, "  (no breakpoints)") //nolint:errcheck
		return
	}
	for _, id := range ids {
		if pos, ok := engine.Index().Pos(id); ok {
			fmt.Fprintf(w, "  %4d  %s:%d\n", id, pos.File, pos.Line) //nolint:errcheck
		} else {
			fmt.Fprintf(w, "  %4d\n", id) //nolint:errcheck
		}
	}
}

// showLocals prints the locals of a paused frame in declaration order.
func showLocals(w io.Writer, frame *debugger.FrameSnapshot) {
	if frame == nil || len(frame.Locals) == 0 {
		fmt.Fprintln(w, "  (no locals)") //nolint:errcheck
		return
	}
	width := 0
	for _, l := range frame.Locals {
		if len(l.Name) > width {
			width = len(l.Name)
		}
	}
	for _, l := range frame.Locals {
		value := formatValue(l.Value)
		indent := strings.Repeat(" ", width+4)
		lines := strings.Split(value, "\n")
		fmt.Fprintf(w, "  %-*s  %s\n", width, l.Name, lines[0]) //nolint:errcheck
		for _, line := range lines[1:] {
			fmt.Fprintf(w, "%s%s\n", indent, line) //nolint:errcheck
		}
	}
}

// showBacktrace prints the paused thread's stack, most recent frame first.
func showBacktrace(w io.Writer, engine *debugger.Engine, pauseID uint64) {
	stack := engine.StackOf(pauseID)
	if len(stack) == 0 {
		fmt.Fprintln(w, "  (empty stack)") //nolint:errcheck
		return
	}
	for i := len(stack) - 1; i >= 0; i-- {
		frame := stack[i]
		loc := "unknown"
		if pos, ok := engine.Index().Pos(frame.Checkpoint); ok {
			loc = fmt.Sprintf("%s:%d:%d", pos.File, pos.Line, pos.Col)
		}
		fmt.Fprintf(w, "  #%d  %s  at %s\n", len(stack)-i, frame.Method, loc) //nolint:errcheck
	}
}
