// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ExitError carries a specific exit status out of run(). The CLI uses
// it to distinguish an escrowed or rejected event (the command worked,
// the event did not) from a failure to run at all.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Exit returns an ExitError with code wrapping err.
func Exit(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// Fatal writes "error: err" to stderr and exits. The status is 1
// unless err wraps an ExitError. An ExitError with no inner error
// exits silently.
func Fatal(err error) {
	os.Exit(report(os.Stderr, err))
}

func report(w io.Writer, err error) int {
	code := 1
	var exit *ExitError
	if errors.As(err, &exit) {
		code = exit.Code
		if exit.Err == nil {
			return code
		}
	}
	fmt.Fprintf(w, "error: %v\n", err)
	return code
}
