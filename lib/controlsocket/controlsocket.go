// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package controlsocket implements the listener's local operator
// interface: a Unix-domain socket that accepts single-request,
// single-response CBOR messages for status queries and control
// actions that would otherwise require sending a signal.
//
// The accept-loop and per-connection handling follow this codebase's
// existing Unix-socket request/response convention (a deadline on the
// handshake, one goroutine per connection, JSON framing there becomes
// CBOR framing here to match the rest of the listener's wire format).
package controlsocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/univention/directory-listener/lib/codec"
)

const handshakeTimeout = 10 * time.Second

// Request is a single control-socket command. Action selects the
// operation; the other fields are unused except where noted.
type Request struct {
	// Action is one of "status", "reload-handlers", "clear-quarantine".
	Action string `cbor:"action"`
}

// Response is the control socket's reply to a Request.
type Response struct {
	// OK is false if the request failed; Error then explains why.
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`

	// Status is populated only for Action == "status".
	Status *StatusReport `cbor:"status,omitempty"`
}

// StatusReport is the snapshot returned by the "status" action.
type StatusReport struct {
	NotifierID    uint64            `cbor:"notifier_id"`
	SchemaID      uint64            `cbor:"schema_id"`
	Idle          bool              `cbor:"idle"`
	NotifierUp    bool              `cbor:"notifier_up"`
	DirectoryUp   bool              `cbor:"directory_up"`
	HandlerStates map[string]string `cbor:"handler_states"`
}

// Handler supplies the control socket's backing operations. The
// supervisor implements this interface; the control socket itself
// holds no listener state of its own.
type Handler interface {
	Status(ctx context.Context) (StatusReport, error)
	ReloadHandlers(ctx context.Context) error
	ClearQuarantine(ctx context.Context) error
}

// Server listens on a Unix socket and serves control requests.
type Server struct {
	socketPath string
	handler    Handler
	logger     *slog.Logger
	listener   net.Listener
}

// Config holds the parameters for a new Server.
type Config struct {
	// SocketPath is the filesystem path of the Unix socket to create.
	SocketPath string
	Handler    Handler
	Logger     *slog.Logger
}

// New creates (but does not start) a control socket server.
func New(cfg Config) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("controlsocket: SocketPath is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("controlsocket: Handler is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Server{socketPath: cfg.SocketPath, handler: cfg.Handler, logger: logger}, nil
}

// Start creates the socket and begins accepting connections in a
// background goroutine. The accept loop exits when ctx is cancelled
// or Close is called.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("controlsocket: creating socket directory: %w", err)
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("controlsocket: removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("controlsocket: listening on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		listener.Close()
		return fmt.Errorf("controlsocket: setting socket permissions: %w", err)
	}
	s.listener = listener

	s.logger.Info("control socket listening", "path", s.socketPath)

	go s.acceptLoop(ctx)
	return nil
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	os.Remove(s.socketPath)
	if err != nil {
		return fmt.Errorf("controlsocket: closing listener: %w", err)
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				if !strings.Contains(err.Error(), "use of closed network connection") {
					s.logger.Error("control socket accept", "error", err)
				}
				return
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	var req Request
	if err := codec.NewDecoder(conn).Decode(&req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	switch req.Action {
	case "status":
		status, err := s.handler.Status(ctx)
		if err != nil {
			s.writeResponse(conn, Response{OK: false, Error: err.Error()})
			return
		}
		s.writeResponse(conn, Response{OK: true, Status: &status})
	case "reload-handlers":
		if err := s.handler.ReloadHandlers(ctx); err != nil {
			s.writeResponse(conn, Response{OK: false, Error: err.Error()})
			return
		}
		s.writeResponse(conn, Response{OK: true})
	case "clear-quarantine":
		if err := s.handler.ClearQuarantine(ctx); err != nil {
			s.writeResponse(conn, Response{OK: false, Error: err.Error()})
			return
		}
		s.writeResponse(conn, Response{OK: true})
	default:
		s.writeResponse(conn, Response{OK: false, Error: fmt.Sprintf("unknown action %q", req.Action)})
	}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	if err := codec.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Error("control socket write response", "error", err)
	}
}

// Call connects to socketPath, sends req, and decodes the response.
// Used by operator-facing tooling that issues a single control
// request and exits.
func Call(socketPath string, req Request) (Response, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return Response{}, fmt.Errorf("controlsocket: dialing %s: %w", socketPath, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	if err := codec.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, fmt.Errorf("controlsocket: sending request: %w", err)
	}

	var resp Response
	if err := codec.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("controlsocket: reading response: %w", err)
	}
	if !resp.OK {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}
