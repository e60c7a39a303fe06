// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command tree behind the keystate CLI.
//
// A [Command] has a name, help text, an optional lazily built
// [pflag.FlagSet], and either subcommands or a Run function. Execute
// walks the tree by positional argument, parses flags for the command
// it lands on, and calls Run with the remaining arguments. Unknown
// commands and flags get an edit-distance suggestion.
//
// The package also holds the output helpers commands share:
// [NewCommandLogger] picks text or JSON logging by whether stderr is a
// terminal, and [WriteJSON] renders --json results.
package cli
