// Copyright © 2018 The ELPS authors

// Package debugrepl provides the interactive terminal debugger. Before the
// script starts it accepts checkpoint-map and breakpoint commands; once
// running, pause events arrive from script goroutines over a buffered
// channel consumed by the single REPL loop, and resume commands are routed
// back by pause id so concurrently paused goroutines are both serviceable.
package debugrepl

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ergochat/readline"

	"github.com/luthersystems/stepwise/debugger"
	"github.com/luthersystems/stepwise/evaluator"
	"github.com/luthersystems/stepwise/rewrite"
)

// ScriptFunc starts the instrumented script. It runs on its own goroutine;
// the REPL fires NotifyExit when it returns.
type ScriptFunc func() error

// Option configures the debug REPL.
type Option func(*Session)

// WithStdin sets the reader for REPL input. This is primarily useful for
// testing, where a pipe replaces the terminal.
func WithStdin(r io.ReadCloser) Option {
	return func(s *Session) {
		s.stdin = r
	}
}

// WithOutput sets the writer for prompts, banners, and command output.
func WithOutput(w io.Writer) Option {
	return func(s *Session) {
		s.out = w
	}
}

// Session is one interactive debug session over an engine.
type Session struct {
	engine *debugger.Engine
	cache  *evaluator.Cache
	script ScriptFunc

	stdin  io.ReadCloser
	out    io.Writer
	events chan debugger.Event
}

// New creates a debug session. The evaluator cache may be shared with
// other consumers (e.g. a DAP server); the script function is launched by
// the run command.
func New(engine *debugger.Engine, cache *evaluator.Cache, script ScriptFunc, opts ...Option) *Session {
	s := &Session{
		engine: engine,
		cache:  cache,
		script: script,
		out:    os.Stderr,
		events: make(chan debugger.Event, 16),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run enters the REPL loop on the calling goroutine and returns when the
// user quits or the script finishes.
func (s *Session) Run() error {
	s.engine.SetEventCallback(func(ev debugger.Event) {
		s.events <- ev
	})

	rlCfg := &readline.Config{
		Stdout:            s.out,
		Stderr:            s.out,
		Prompt:            "(stepwise) ",
		HistorySearchFold: true,
	}
	if s.stdin != nil {
		rlCfg.Stdin = s.stdin
	}
	rl, err := readline.NewEx(rlCfg)
	if err != nil {
		return fmt.Errorf("debugrepl: %w", err)
	}
	defer rl.Close() //nolint:errcheck // best-effort cleanup

	return s.preRunLoop(rl)
}

// preRunLoop handles the commands available before the script starts.
func (s *Session) preRunLoop(rl *readline.Instance) error {
	for {
		line, err := rl.ReadLine()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			return nil
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "map":
			s.showMap()
		case "mapline":
			s.doMapLine(fields[1:])
		case "bp":
			s.doBreakpoint(fields[1:])
		case "run":
			return s.runScript(rl)
		case "quit", "q":
			return nil
		case "help", "h":
			showPreRunHelp(s.out)
		default:
			fmt.Fprintf(s.out, "unknown command %q (try help)\n", fields[0]) //nolint:errcheck
		}
	}
}

// runScript launches the script goroutine and consumes pause events until
// the script exits or the user quits.
func (s *Session) runScript(rl *readline.Instance) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.script()
		exitCode := 0
		if err != nil {
			exitCode = 1
		}
		s.engine.NotifyExit(exitCode)
		errCh <- err
	}()

	for {
		ev := <-s.events
		switch ev.Type {
		case debugger.EventStopped:
			quit, err := s.pausedLoop(rl, ev)
			if err != nil || quit {
				return err
			}
		case debugger.EventExited:
			if ev.ExitCode != 0 {
				fmt.Fprintf(s.out, "program exited with code %d\n", ev.ExitCode) //nolint:errcheck
			} else {
				fmt.Fprintln(s.out, "program exited") //nolint:errcheck
			}
			return <-errCh
		}
	}
}

// pausedLoop services one pause: it prints the stop banner and dispatches
// commands until a resume is issued. Returns quit=true on user quit.
func (s *Session) pausedLoop(rl *readline.Instance, ev debugger.Event) (bool, error) {
	s.showStopBanner(ev)
	rl.SetPrompt(fmt.Sprintf("(paused %d) ", ev.PauseID))
	defer rl.SetPrompt("(stepwise) ")

	for {
		line, err := rl.ReadLine()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			// Input closed while paused; drop the breakpoints and let the
			// script run to completion.
			s.engine.Breakpoints().Clear()
			s.engine.Continue(ev.PauseID)
			return true, nil
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "c":
			s.engine.Continue(ev.PauseID)
			return false, nil
		case "i":
			s.engine.StepInto(ev.PauseID)
			return false, nil
		case "o":
			s.engine.StepOver(ev.PauseID)
			return false, nil
		case "u":
			s.engine.StepOut(ev.PauseID)
			return false, nil
		case "e":
			s.doEval(ev, fields[1:], line)
		case "b":
			s.doAddByID(fields[1:])
		case "locals", "l":
			showLocals(s.out, ev.Frame)
		case "bt":
			showBacktrace(s.out, s.engine, ev.PauseID)
		case "q":
			s.engine.Breakpoints().Clear()
			s.engine.Continue(ev.PauseID)
			return true, nil
		case "help", "h":
			showPausedHelp(s.out)
		default:
			fmt.Fprintf(s.out, "unknown command %q (try help)\n", fields[0]) //nolint:errcheck
		}
	}
}

func (s *Session) doEval(ev debugger.Event, args []string, line string) {
	if len(args) == 0 {
		fmt.Fprintln(s.out, "usage: e <expression>") //nolint:errcheck
		return
	}
	expr := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "e"))
	result, err := s.cache.Eval(context.Background(), expr, ev.Frame.Locals)
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err) //nolint:errcheck
		return
	}
	fmt.Fprintln(s.out, formatValue(result)) //nolint:errcheck
}

func (s *Session) doAddByID(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(s.out, "usage: b <checkpoint-id>") //nolint:errcheck
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(s.out, "invalid checkpoint id: %s\n", args[0]) //nolint:errcheck
		return
	}
	s.engine.Breakpoints().Add(rewrite.CheckpointID(id))
	fmt.Fprintf(s.out, "breakpoint set at checkpoint %d\n", id) //nolint:errcheck
}

// doMapLine resolves file:line to the nearest checkpoint id.
func (s *Session) doMapLine(args []string) {
	file, line, ok := parseFileLine(args)
	if !ok {
		fmt.Fprintln(s.out, "usage: mapline <file>:<line>") //nolint:errcheck
		return
	}
	id, ok := s.engine.Index().Nearest(file, line)
	if !ok {
		fmt.Fprintf(s.out, "no checkpoint near %s:%d\n", file, line) //nolint:errcheck
		return
	}
	pos, _ := s.engine.Index().Pos(id)
	fmt.Fprintf(s.out, "checkpoint %d at %s:%d:%d\n", id, pos.File, pos.Line, pos.Col) //nolint:errcheck
}

// doBreakpoint dispatches the bp subcommands: add, addline, rm, list.
func (s *Session) doBreakpoint(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(s.out, "usage: bp add <id> | bp addline <file>:<line> | bp rm <id> | bp list") //nolint:errcheck
		return
	}
	switch args[0] {
	case "add":
		s.doAddByID(args[1:])
	case "addline":
		file, line, ok := parseFileLine(args[1:])
		if !ok {
			fmt.Fprintln(s.out, "usage: bp addline <file>:<line>") //nolint:errcheck
			return
		}
		id, ok := s.engine.Index().Nearest(file, line)
		if !ok {
			fmt.Fprintf(s.out, "no checkpoint near %s:%d\n", file, line) //nolint:errcheck
			return
		}
		s.engine.Breakpoints().Add(id)
		fmt.Fprintf(s.out, "breakpoint set at checkpoint %d\n", id) //nolint:errcheck
	case "rm":
		if len(args) < 2 {
			fmt.Fprintln(s.out, "usage: bp rm <id>") //nolint:errcheck
			return
		}
		id, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(s.out, "invalid checkpoint id: %s\n", args[1]) //nolint:errcheck
			return
		}
		s.engine.Breakpoints().Remove(rewrite.CheckpointID(id))
	case "list":
		showBreakpoints(s.out, s.engine)
	default:
		fmt.Fprintf(s.out, "unknown bp subcommand %q\n", args[0]) //nolint:errcheck
	}
}

func parseFileLine(args []string) (string, int, bool) {
	if len(args) == 0 {
		return "", 0, false
	}
	idx := strings.LastIndex(args[0], ":")
	if idx <= 0 {
		return "", 0, false
	}
	line, err := strconv.Atoi(args[0][idx+1:])
	if err != nil {
		return "", 0, false
	}
	return args[0][:idx], line, true
}

func showPreRunHelp(w io.Writer) {
	help := `Commands:
  map                  List all checkpoints
  mapline F:L          Show nearest checkpoint to file:line
  bp add N             Set breakpoint at checkpoint N
  bp addline F:L       Set breakpoint at nearest checkpoint to file:line
  bp rm N              Remove breakpoint N
  bp list              List breakpoints
  run                  Start the script
  quit (q)             Exit
  help (h)             Show this help`
	fmt.Fprintln(w, help) //nolint:errcheck
}

func showPausedHelp(w io.Writer) {
	help := `Paused commands:
  c                    Continue
  i                    Step into
  o                    Step over
  u                    Step out
  e EXPR               Evaluate expression against the paused locals
  b N                  Set breakpoint at checkpoint N
  locals (l)           Show locals of the paused frame
  bt                   Show call stack
  q                    Quit
  help (h)             Show this help`
	fmt.Fprintln(w, help) //nolint:errcheck
}
