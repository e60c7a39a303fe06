// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the keystate CLI command tree.
//
// Key management commands (init, incept, rotate, interact, sign, list,
// passcode) work on the local keystore. Everything else talks to
// keystate-daemon over its socket. Commands that submit an event exit
// with status 2 when it is rejected, 3 when it is held in escrow, and 4
// when it is duplicitous, after printing the outcome.
package commands

import (
	"fmt"

	"github.com/bureau-foundation/keystate/cmd/keystate/cli"
	"github.com/bureau-foundation/keystate/lib/version"
)

// Root builds and returns the complete keystate command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "keystate",
		Description: `keystate: key event log state for self-certifying identifiers.

Create and rotate identifiers from an encrypted keystore, submit their
events to keystate-daemon, and inspect the verified key state, witness
receipts, escrow, duplicity evidence, and credential registries.`,
		Subcommands: []*cli.Command{
			initCommand(),
			passcodeCommand(),
			inceptCommand(),
			rotateCommand(),
			interactCommand(),
			signCommand(),
			listCommand(),
			statusCommand(),
			stateCommand(),
			logCommand(),
			duplicityCommand(),
			receiptsCommand(),
			submitReceiptCommand(),
			submitSignaturesCommand(),
			resolveCommand(),
			escrowCommand(),
			registryCommand(),
			credentialCommand(),
			exportCommand(),
			importCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("keystate %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{Description: "Create a keystore", Command: "keystate init"},
			{Description: "Incept a single-key identifier", Command: "keystate incept alice"},
			{Description: "Rotate to the pre-committed keys", Command: "keystate rotate alice"},
			{Description: "Show the verified key state", Command: "keystate state EAbc..."},
			{Description: "See what is waiting in escrow", Command: "keystate escrow list"},
		},
	}
}
