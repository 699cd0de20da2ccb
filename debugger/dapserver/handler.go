// Copyright © 2018 The ELPS authors

package dapserver

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/go-dap"
	"github.com/tliron/commonlog"

	"github.com/luthersystems/stepwise/debugger"
	"github.com/luthersystems/stepwise/evaluator"
	"github.com/luthersystems/stepwise/rewrite"
)

var log = commonlog.GetLogger("stepwise.dap")

// scopeLocalBase encodes the frame id into the Locals scope's variables
// reference: ref = scopeLocalBase + frameID.
const scopeLocalBase = 1000

// handler dispatches incoming DAP messages to the appropriate method.
type handler struct {
	server *Server
	engine *debugger.Engine
	cache  *evaluator.Cache

	mu          sync.Mutex
	initialized bool

	// pauses maps script thread ids to their current pause id; entries are
	// added by stopped events and removed when a resume is dispatched.
	pauses map[int64]uint64

	// frames caches the paused stacks served by the last stackTrace
	// response, keyed by synthetic frame id.
	frames      map[int]debugger.FrameSnapshot
	nextFrameID int

	// bpByFile tracks the checkpoint ids installed per client source path,
	// so setBreakpoints can implement full-replacement semantics.
	bpByFile map[string][]rewrite.CheckpointID
}

func newHandler(s *Server, e *debugger.Engine, cache *evaluator.Cache) *handler {
	h := &handler{
		server:   s,
		engine:   e,
		cache:    cache,
		pauses:   make(map[int64]uint64),
		frames:   make(map[int]debugger.FrameSnapshot),
		bpByFile: make(map[string][]rewrite.CheckpointID),
	}
	// Forward engine events to the client. Stopped events run on the
	// pausing script goroutine, so only channel-free work happens here.
	e.SetEventCallback(func(ev debugger.Event) {
		switch ev.Type {
		case debugger.EventStopped:
			h.mu.Lock()
			h.pauses[ev.ThreadID] = ev.PauseID
			h.mu.Unlock()
			h.sendStoppedEvent(ev)
		case debugger.EventExited:
			h.send(&dap.ExitedEvent{
				Event: h.newEvent("exited"),
				Body:  dap.ExitedEventBody{ExitCode: ev.ExitCode},
			})
			h.send(&dap.TerminatedEvent{Event: h.newEvent("terminated")})
		}
	})
	return h
}

// send sends a DAP message and logs any write error.
func (h *handler) send(msg dap.Message) {
	if err := h.server.send(msg); err != nil {
		log.Errorf("send error: %v", err)
	}
}

func (h *handler) handle(msg dap.Message) {
	switch req := msg.(type) {
	case *dap.InitializeRequest:
		h.onInitialize(req)
	case *dap.SetBreakpointsRequest:
		h.onSetBreakpoints(req)
	case *dap.ConfigurationDoneRequest:
		h.onConfigurationDone(req)
	case *dap.ThreadsRequest:
		h.onThreads(req)
	case *dap.StackTraceRequest:
		h.onStackTrace(req)
	case *dap.ScopesRequest:
		h.onScopes(req)
	case *dap.VariablesRequest:
		h.onVariables(req)
	case *dap.ContinueRequest:
		h.onContinue(req)
	case *dap.NextRequest:
		h.onNext(req)
	case *dap.StepInRequest:
		h.onStepIn(req)
	case *dap.StepOutRequest:
		h.onStepOut(req)
	case *dap.EvaluateRequest:
		h.onEvaluate(req)
	case *dap.DisconnectRequest:
		h.onDisconnect(req)
	default:
		log.Debugf("unhandled message type: %T", msg)
	}
}

func (h *handler) newResponse(reqSeq int, command string) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: h.server.nextSeq(), Type: "response"},
		RequestSeq:      reqSeq,
		Command:         command,
		Success:         true,
	}
}

func (h *handler) newEvent(event string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: h.server.nextSeq(), Type: "event"},
		Event:           event,
	}
}

func (h *handler) sendStoppedEvent(ev debugger.Event) {
	stopped := &dap.StoppedEvent{Event: h.newEvent("stopped")}
	stopped.Body = dap.StoppedEventBody{
		Reason:   string(ev.Reason),
		ThreadId: int(ev.ThreadID),
	}
	if ev.Reason == debugger.StopBreakpoint {
		stopped.Body.HitBreakpointIds = []int{int(ev.Frame.Checkpoint)}
	}
	h.send(stopped)
}

func (h *handler) onInitialize(req *dap.InitializeRequest) {
	h.mu.Lock()
	h.initialized = true
	h.mu.Unlock()

	resp := &dap.InitializeResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body = dap.Capabilities{
		SupportsConfigurationDoneRequest: true,
		SupportsEvaluateForHovers:        true,
		SupportTerminateDebuggee:         true,
	}
	h.send(resp)
	h.send(&dap.InitializedEvent{Event: h.newEvent("initialized")})
}

// onSetBreakpoints implements the DAP full-replacement semantics per file:
// the previously installed checkpoints of that file are removed and each
// requested line resolves to the nearest checkpoint through the index.
func (h *handler) onSetBreakpoints(req *dap.SetBreakpointsRequest) {
	file := req.Arguments.Source.Path
	if file == "" {
		file = req.Arguments.Source.Name
	}

	h.mu.Lock()
	for _, id := range h.bpByFile[file] {
		h.engine.Breakpoints().Remove(id)
	}
	installed := make([]rewrite.CheckpointID, 0, len(req.Arguments.Breakpoints))
	result := make([]dap.Breakpoint, len(req.Arguments.Breakpoints))
	for i, bp := range req.Arguments.Breakpoints {
		id, ok := h.engine.Index().Nearest(file, bp.Line)
		if !ok {
			result[i] = dap.Breakpoint{Verified: false, Message: "no checkpoint near line"}
			continue
		}
		h.engine.Breakpoints().Add(id)
		installed = append(installed, id)
		pos, _ := h.engine.Index().Pos(id)
		result[i] = dap.Breakpoint{
			Id:       int(id),
			Verified: true,
			Line:     pos.Line,
			Source:   &dap.Source{Path: pos.File},
		}
	}
	h.bpByFile[file] = installed
	h.mu.Unlock()

	resp := &dap.SetBreakpointsResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body.Breakpoints = result
	h.send(resp)
}

func (h *handler) onConfigurationDone(req *dap.ConfigurationDoneRequest) {
	resp := &dap.ConfigurationDoneResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	h.send(resp)
}

func (h *handler) onThreads(req *dap.ThreadsRequest) {
	h.mu.Lock()
	threads := make([]dap.Thread, 0, len(h.pauses))
	for tid := range h.pauses {
		threads = append(threads, dap.Thread{
			Id:   int(tid),
			Name: fmt.Sprintf("script-%d", tid),
		})
	}
	h.mu.Unlock()
	if len(threads) == 0 {
		threads = append(threads, dap.Thread{Id: 1, Name: "script"})
	}

	resp := &dap.ThreadsResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body.Threads = threads
	h.send(resp)
}

// pauseOf returns the pause id of a thread, or 0 when it is not paused.
func (h *handler) pauseOf(threadID int) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pauses[int64(threadID)]
}

func (h *handler) onStackTrace(req *dap.StackTraceRequest) {
	resp := &dap.StackTraceResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)

	pauseID := h.pauseOf(req.Arguments.ThreadId)
	stack := h.engine.StackOf(pauseID)

	h.mu.Lock()
	frames := make([]dap.StackFrame, 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		frame := stack[i]
		h.nextFrameID++
		h.frames[h.nextFrameID] = frame
		sf := dap.StackFrame{
			Id:   h.nextFrameID,
			Name: frame.Method,
		}
		if pos, ok := h.engine.Index().Pos(frame.Checkpoint); ok {
			sf.Line = pos.Line
			sf.Column = pos.Col
			sf.Source = &dap.Source{Path: pos.File}
		}
		frames = append(frames, sf)
	}
	h.mu.Unlock()

	resp.Body.StackFrames = frames
	resp.Body.TotalFrames = len(frames)
	h.send(resp)
}

func (h *handler) onScopes(req *dap.ScopesRequest) {
	resp := &dap.ScopesResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body.Scopes = []dap.Scope{{
		Name:               "Locals",
		VariablesReference: scopeLocalBase + req.Arguments.FrameId,
	}}
	h.send(resp)
}

func (h *handler) onVariables(req *dap.VariablesRequest) {
	resp := &dap.VariablesResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)

	frameID := req.Arguments.VariablesReference - scopeLocalBase
	h.mu.Lock()
	frame, ok := h.frames[frameID]
	h.mu.Unlock()
	if ok {
		vars := make([]dap.Variable, len(frame.Locals))
		for i, l := range frame.Locals {
			vars[i] = dap.Variable{
				Name:  l.Name,
				Value: fmt.Sprintf("%v", l.Value),
				Type:  fmt.Sprintf("%T", l.Value),
			}
		}
		resp.Body.Variables = vars
	}
	h.send(resp)
}

// resumeThread routes a resume action by the thread's current pause id and
// forgets the pause.
func (h *handler) resumeThread(threadID int, action func(uint64)) {
	h.mu.Lock()
	pauseID := h.pauses[int64(threadID)]
	delete(h.pauses, int64(threadID))
	h.mu.Unlock()
	action(pauseID)
}

func (h *handler) onContinue(req *dap.ContinueRequest) {
	h.resumeThread(req.Arguments.ThreadId, h.engine.Continue)
	resp := &dap.ContinueResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body.AllThreadsContinued = false
	h.send(resp)
}

func (h *handler) onNext(req *dap.NextRequest) {
	h.resumeThread(req.Arguments.ThreadId, h.engine.StepOver)
	resp := &dap.NextResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	h.send(resp)
}

func (h *handler) onStepIn(req *dap.StepInRequest) {
	h.resumeThread(req.Arguments.ThreadId, h.engine.StepInto)
	resp := &dap.StepInResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	h.send(resp)
}

func (h *handler) onStepOut(req *dap.StepOutRequest) {
	h.resumeThread(req.Arguments.ThreadId, h.engine.StepOut)
	resp := &dap.StepOutResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	h.send(resp)
}

func (h *handler) onEvaluate(req *dap.EvaluateRequest) {
	resp := &dap.EvaluateResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)

	h.mu.Lock()
	frame, ok := h.frames[req.Arguments.FrameId]
	h.mu.Unlock()
	if !ok {
		// No frame context: fall back to the most recent pause on any
		// thread so hover evaluation still works.
		h.mu.Lock()
		var pauseID uint64
		for _, id := range h.pauses {
			if id > pauseID {
				pauseID = id
			}
		}
		h.mu.Unlock()
		if snap := h.engine.LastPaused(pauseID); snap != nil {
			frame, ok = *snap, true
		}
	}
	if !ok {
		resp.Success = false
		resp.Message = "not paused"
		h.send(resp)
		return
	}

	result, err := h.cache.Eval(context.Background(), req.Arguments.Expression, frame.Locals)
	if err != nil {
		resp.Success = false
		resp.Message = err.Error()
		h.send(resp)
		return
	}
	resp.Body.Result = fmt.Sprintf("%v", result)
	resp.Body.Type = fmt.Sprintf("%T", result)
	h.send(resp)
}

func (h *handler) onDisconnect(req *dap.DisconnectRequest) {
	// Resume anything still paused so the script can finish.
	h.mu.Lock()
	pauses := make([]uint64, 0, len(h.pauses))
	for _, id := range h.pauses {
		pauses = append(pauses, id)
	}
	h.pauses = make(map[int64]uint64)
	h.mu.Unlock()
	for _, id := range pauses {
		h.engine.Continue(id)
	}

	resp := &dap.DisconnectResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	h.send(resp)
	h.server.close()
}
