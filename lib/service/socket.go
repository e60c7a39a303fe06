// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/keystate/lib/codec"
)

// ActionFunc processes one request. raw is the full CBOR request,
// including the "action" field. A nil result produces {ok: true}; a
// non-nil result is encoded into the response's data field.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Response is the envelope of every socket response.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Code  string           `cbor:"code,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

const (
	// readTimeout bounds how long a client may take to send its
	// request after connecting.
	readTimeout = 30 * time.Second

	writeTimeout = 10 * time.Second

	// MaxRequestSize bounds one request. A submission carries one
	// event and its signatures; an import is streamed by the CLI one
	// record at a time.
	MaxRequestSize = 4 << 20
)

// SocketServer serves the request protocol on a Unix socket. Register
// actions with Handle before calling Serve.
type SocketServer struct {
	socketPath string
	handlers   map[string]ActionFunc
	logger     *slog.Logger

	activeConnections sync.WaitGroup
}

// NewSocketServer creates a server that will listen on socketPath.
func NewSocketServer(socketPath string, logger *slog.Logger) *SocketServer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SocketServer{
		socketPath: socketPath,
		handlers:   make(map[string]ActionFunc),
		logger:     logger,
	}
}

// Handle registers the handler for action. It panics on a duplicate
// registration.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Actions lists registered action names in sorted order.
func (s *SocketServer) Actions() []string {
	actions := make([]string, 0, len(s.handlers))
	for action := range s.handlers {
		actions = append(actions, action)
	}
	slices.Sort(actions)
	return actions
}

// Serve accepts connections until ctx is cancelled, then waits for
// in-flight handlers. A stale socket file is replaced; the socket file
// is removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("restricting socket %s: %w", s.socketPath, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("socket server listening", "path", s.socketPath, "actions", len(s.handlers))
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}
	s.activeConnections.Wait()
	return nil
}

func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, MaxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, CodeBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, CodeBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, CodeBadRequest, "missing required field: action")
		return
	}
	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeError(conn, CodeBadRequest, fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	started := time.Now()
	result, err := handler(ctx, []byte(raw))
	if err != nil {
		s.logger.Debug("action failed", "action", header.Action, "error", err)
		s.writeError(conn, errorCode(err), err.Error())
		return
	}
	s.logger.Debug("action served", "action", header.Action, "elapsed", time.Since(started))
	s.writeSuccess(conn, result)
}

func (s *SocketServer) writeError(conn net.Conn, code, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{Error: message, Code: code}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

func (s *SocketServer) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, "", fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}

// Decode decodes the action-specific fields of a request into v,
// reporting failures as bad requests.
func Decode(raw []byte, v any) error {
	if err := codec.Unmarshal(raw, v); err != nil {
		return BadRequest("decoding request: %v", err)
	}
	return nil
}
