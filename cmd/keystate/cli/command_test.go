// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func testTree(called *string, received *[]string, socket *string) *Command {
	return &Command{
		Name: "keystate",
		Subcommands: []*Command{
			{
				Name:    "state",
				Summary: "Show key state",
				Flags: func() *pflag.FlagSet {
					flagSet := pflag.NewFlagSet("state", pflag.ContinueOnError)
					flagSet.StringVar(socket, "socket", "/run/keystate.sock", "daemon socket")
					return flagSet
				},
				Run: func(args []string) error {
					*called = "state"
					*received = args
					return nil
				},
			},
			{
				Name:    "escrow",
				Summary: "Inspect held events",
				Subcommands: []*Command{
					{Name: "list", Run: func(args []string) error { *called = "escrow list"; return nil }},
					{Name: "purge", Run: func(args []string) error { *called = "escrow purge"; return nil }},
				},
			},
		},
	}
}

func TestExecuteDispatchesAndParsesFlags(t *testing.T) {
	var called, socket string
	var received []string
	root := testTree(&called, &received, &socket)

	if err := root.Execute([]string{"state", "--socket", "/tmp/k.sock", "Eprefix"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if called != "state" || socket != "/tmp/k.sock" || len(received) != 1 || received[0] != "Eprefix" {
		t.Errorf("called=%q socket=%q args=%v", called, socket, received)
	}

	if err := root.Execute([]string{"escrow", "purge"}); err != nil {
		t.Fatalf("Execute nested: %v", err)
	}
	if called != "escrow purge" {
		t.Errorf("called = %q, want escrow purge", called)
	}
}

func TestExecuteSuggestsCommands(t *testing.T) {
	var called, socket string
	var received []string
	root := testTree(&called, &received, &socket)

	err := root.Execute([]string{"stat"})
	if err == nil || !strings.Contains(err.Error(), `did you mean "state"`) {
		t.Errorf("error = %v, want a suggestion of state", err)
	}
	err = root.Execute([]string{"escrow", "lsit"})
	if err == nil || !strings.Contains(err.Error(), `did you mean "list"`) || !strings.Contains(err.Error(), "keystate escrow --help") {
		t.Errorf("error = %v, want a suggestion of list under keystate escrow", err)
	}
	err = root.Execute([]string{"zzzzzzzz"})
	if err == nil || strings.Contains(err.Error(), "did you mean") {
		t.Errorf("error = %v, want no suggestion", err)
	}
}

func TestExecuteSuggestsFlags(t *testing.T) {
	var called, socket string
	var received []string
	root := testTree(&called, &received, &socket)

	err := root.Execute([]string{"state", "--sockt", "x"})
	if err == nil || !strings.Contains(err.Error(), "did you mean --socket") {
		t.Errorf("error = %v, want --socket suggestion", err)
	}
	if called != "" {
		t.Errorf("Run was called after a flag error")
	}
}

func TestExecuteRequiresSubcommand(t *testing.T) {
	var called, socket string
	var received []string
	root := testTree(&called, &received, &socket)
	if err := root.Execute(nil); err == nil || !strings.Contains(err.Error(), "subcommand required") {
		t.Errorf("error = %v", err)
	}
}

func TestPrintHelp(t *testing.T) {
	var called, socket string
	var received []string
	root := testTree(&called, &received, &socket)
	root.Description = "keystate manages key event logs."
	root.Examples = []Example{{Description: "Show state", Command: "keystate state Eabc"}}

	var output bytes.Buffer
	root.PrintHelp(&output)
	for _, want := range []string{"keystate manages key event logs.", "keystate <command> [flags]", "escrow", "Inspect held events", "# Show state"} {
		if !strings.Contains(output.String(), want) {
			t.Errorf("help missing %q:\n%s", want, output.String())
		}
	}

	output.Reset()
	root.Subcommands[0].PrintHelp(&output)
	if !strings.Contains(output.String(), "--socket") || !strings.Contains(output.String(), "/run/keystate.sock") {
		t.Errorf("state help missing flag:\n%s", output.String())
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"state", "state", 0},
		{"stat", "state", 1},
		{"lsit", "list", 2},
		{"kitten", "sitting", 3},
	}
	for _, test := range tests {
		if got := levenshtein(test.a, test.b); got != test.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
		}
	}
}

func TestWriteJSONNormalizesNilSlices(t *testing.T) {
	var output bytes.Buffer
	var empty []string
	if err := writeJSON(&output, empty); err != nil {
		t.Fatalf("writeJSON: %v", err)
	}
	if strings.TrimSpace(output.String()) != "[]" {
		t.Errorf("output = %q, want []", output.String())
	}
}
