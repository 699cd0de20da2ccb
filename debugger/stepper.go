// Copyright © 2018 The ELPS authors

package debugger

import "github.com/luthersystems/stepwise/rewrite"

// StepMode represents the stepping behavior armed on one thread.
type StepMode int

const (
	// StepNone means no stepping is active (free-running).
	StepNone StepMode = iota
	// StepInto pauses at the next checkpoint regardless of method.
	StepInto
	// StepOver pauses only when the targeted checkpoint id fires, or after
	// the current frame pops when the paused statement was the method's last.
	StepOver
	// StepOut never pauses at a checkpoint directly; the pause is armed by
	// the frame pop that brings the stack back to the recorded depth.
	StepOut
)

// stepper implements the per-thread step state machine. It tracks the step
// mode, the step-over target checkpoint, and the pop depth that re-arms a
// pause after a return.
//
// Thread safety: stepper is NOT safe for concurrent use on its own. All
// access is guarded by the owning threadState's mutex — the write path
// (arm*/reset) runs in the UI resume calls and the read path (shouldPause,
// onPop) runs in the script goroutine's callbacks, both under that lock.
type stepper struct {
	mode     StepMode
	runUntil rewrite.CheckpointID // step-over target; 0 when unset
	popDepth int                  // pause-on-pop depth; -1 when unset
	next     bool                 // one-shot pause override
}

func newStepper() *stepper {
	return &stepper{popDepth: -1}
}

// reset clears every step flag, returning the thread to free-running.
func (s *stepper) reset() {
	s.mode = StepNone
	s.runUntil = 0
	s.popDepth = -1
	s.next = false
}

// armInto pauses at the next checkpoint on this thread, anywhere.
func (s *stepper) armInto() {
	s.reset()
	s.mode = StepInto
}

// armOver pauses when the given checkpoint id fires on this thread.
func (s *stepper) armOver(target rewrite.CheckpointID) {
	s.reset()
	s.mode = StepOver
	s.runUntil = target
}

// armOverPop handles step-over from a method's last statement: there is no
// next intra-method checkpoint, so the pause fires after the frame pops
// back to depth.
func (s *stepper) armOverPop(depth int) {
	s.reset()
	s.mode = StepOver
	s.popDepth = depth
}

// armOut pauses at the first checkpoint after the stack pops back to depth.
func (s *stepper) armOut(depth int) {
	s.reset()
	s.mode = StepOut
	s.popDepth = depth
}

// onPop is called after a frame pop leaves the stack at depth. When the
// armed pop target is reached it is consumed and the one-shot pause flag is
// set, so the next checkpoint in the caller pauses.
func (s *stepper) onPop(depth int) {
	if s.popDepth >= 0 && depth <= s.popDepth {
		s.popDepth = -1
		s.next = true
	}
}

// shouldPause decides the step-account pause for a checkpoint. After
// returning true all step state is cleared.
func (s *stepper) shouldPause(id rewrite.CheckpointID) bool {
	if s.next {
		s.reset()
		return true
	}
	switch s.mode {
	case StepInto:
		s.reset()
		return true
	case StepOver:
		if s.runUntil != 0 && s.runUntil == id {
			s.reset()
			return true
		}
		return false
	case StepOut:
		// Pause is triggered by the pop handshake, never here.
		return false
	}
	return false
}
