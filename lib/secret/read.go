// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ReadFromPath reads a passcode from a file, or from the first line of
// stdin when path is "-". Surrounding whitespace is trimmed; an empty
// passcode is an error.
func ReadFromPath(path string) (*Buffer, error) {
	var data []byte
	if path == "-" {
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, fmt.Errorf("reading stdin: %w", err)
			}
			return nil, fmt.Errorf("stdin is empty")
		}
		data = scanner.Bytes()
	} else {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}
	return fromInput(data)
}

// ReadTerminal prompts on prompt and reads a passcode from the terminal
// fd without echo.
func ReadTerminal(fd int, prompt io.Writer, label string) (*Buffer, error) {
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("passcode prompt needs a terminal; use --passcode-file")
	}
	fmt.Fprintf(prompt, "%s: ", label)
	data, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return nil, fmt.Errorf("reading passcode: %w", err)
	}
	return fromInput(data)
}

func fromInput(data []byte) (*Buffer, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("secret is empty")
	}
	buffer, err := NewFromBytes(trimmed)
	Zero(data)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}
