// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bureau-foundation/keystate/lib/codec"
)

const (
	dialTimeout = 5 * time.Second

	// responseReadTimeout covers the server's read and write timeouts
	// plus handler time.
	responseReadTimeout = 45 * time.Second

	// MaxResponseSize bounds one response. Exports are the largest.
	MaxResponseSize = 256 << 20
)

// Client sends requests to a daemon socket. Each Call opens a new
// connection.
type Client struct {
	socketPath string
}

// NewClient returns a client for the socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// SocketPath returns the socket the client dials.
func (c *Client) SocketPath() string { return c.socketPath }

// Call sends action with fields and decodes the response data into
// result (when both are non-nil). A server-side failure is returned as
// a *ServiceError; connection and encoding failures are plain errors.
// fields must not contain an "action" key.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action

	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.socketPath, err)
	}
	if !response.OK {
		return &ServiceError{Action: action, Code: response.Code, Message: response.Error}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, request any) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	if _, ok := ctx.Deadline(); !ok {
		conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	}
	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, MaxResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}
