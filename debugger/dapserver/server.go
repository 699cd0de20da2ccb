// Copyright © 2018 The ELPS authors

// Package dapserver implements a DAP (Debug Adapter Protocol) server for
// the stepwise debugger engine. It translates between the DAP wire
// protocol and the checkpoint-based engine: client breakpoints arrive as
// file:line pairs and resolve to checkpoint ids through the rewrite index,
// and step requests route to the engine by the target thread's current
// pause id.
//
// The server supports two transport modes:
//   - TCP: the server listens on a port and accepts a single client.
//   - Stdio: for editors that launch the adapter as a child process.
package dapserver

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/google/go-dap"

	"github.com/luthersystems/stepwise/debugger"
	"github.com/luthersystems/stepwise/evaluator"
)

// Server is a DAP protocol server over a debugger engine.
type Server struct {
	engine *debugger.Engine
	cache  *evaluator.Cache

	mu     sync.Mutex
	seq    int
	writer io.Writer
	reader *bufio.Reader

	// done is closed when the server should stop processing messages.
	done chan struct{}
}

// New creates a DAP server wrapping the given engine. The evaluator cache
// backs the evaluate request.
func New(engine *debugger.Engine, cache *evaluator.Cache) *Server {
	return &Server{
		engine: engine,
		cache:  cache,
		done:   make(chan struct{}),
	}
}

// ServeConn serves DAP messages on a single connection. It blocks until
// the connection closes or a disconnect request arrives.
func (s *Server) ServeConn(conn io.ReadWriteCloser) error {
	defer conn.Close() //nolint:errcheck // best-effort cleanup
	return s.serve(conn, conn)
}

// ServeTCP listens on the given address and serves a single DAP client.
func (s *Server) ServeTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close() //nolint:errcheck // best-effort cleanup
	return s.ServeListener(ln)
}

// ServeListener accepts a single connection and serves DAP messages on it.
func (s *Server) ServeListener(ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		return err
	}
	return s.ServeConn(conn)
}

// ServeStdio serves DAP messages on the given reader and writer,
// typically os.Stdin and os.Stdout.
func (s *Server) ServeStdio(r io.Reader, w io.Writer) error {
	return s.serve(r, w)
}

func (s *Server) serve(r io.Reader, w io.Writer) error {
	s.mu.Lock()
	s.writer = w
	s.reader = bufio.NewReader(r)
	s.mu.Unlock()

	handler := newHandler(s, s.engine, s.cache)
	for {
		select {
		case <-s.done:
			return nil
		default:
		}

		msg, err := dap.ReadProtocolMessage(s.reader)
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				if err == io.EOF {
					return nil
				}
				return err
			}
		}
		handler.handle(msg)
	}
}

// send writes a DAP protocol message to the client.
func (s *Server) send(msg dap.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dap.WriteProtocolMessage(s.writer, msg)
}

// nextSeq returns the next sequence number for outgoing messages.
func (s *Server) nextSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// close signals the server to stop processing messages.
func (s *Server) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
