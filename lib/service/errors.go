// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"errors"
	"fmt"
)

// Error codes carried in Response.Code.
const (
	CodeNotFound   = "not_found"
	CodeBadRequest = "bad_request"
)

var (
	// ErrNotFound matches a ServiceError with CodeNotFound.
	ErrNotFound = errors.New("not found")

	// ErrBadRequest matches a ServiceError with CodeBadRequest.
	ErrBadRequest = errors.New("bad request")
)

// codedError attaches a response code to a handler error.
type codedError struct {
	code string
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// NotFound marks err as a not-found failure for the client.
func NotFound(err error) error {
	return &codedError{code: CodeNotFound, err: err}
}

// BadRequest marks err as a malformed-request failure for the client.
func BadRequest(format string, args ...any) error {
	return &codedError{code: CodeBadRequest, err: fmt.Errorf(format, args...)}
}

func errorCode(err error) string {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return ""
}

// ServiceError is returned by Call when the server responds with
// ok=false.
type ServiceError struct {
	Action  string
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error on %q: %s", e.Action, e.Message)
}

// Is matches ErrNotFound and ErrBadRequest by code.
func (e *ServiceError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == CodeNotFound
	case ErrBadRequest:
		return e.Code == CodeBadRequest
	}
	return false
}
