// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"reflect"

	"golang.org/x/term"
)

// NewCommandLogger returns a logger on stderr: text for a terminal,
// JSON when stderr is piped into something that will parse it.
func NewCommandLogger() *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, options))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, options))
}

// WriteJSON writes value to stdout as indented JSON. A nil slice is
// written as [] rather than null.
func WriteJSON(value any) error {
	return writeJSON(os.Stdout, value)
}

func writeJSON(w io.Writer, value any) error {
	if v := reflect.ValueOf(value); v.Kind() == reflect.Slice && v.IsNil() {
		value = reflect.MakeSlice(v.Type(), 0, 0).Interface()
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
