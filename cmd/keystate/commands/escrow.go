// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/keystate/cmd/keystate/cli"
	"github.com/bureau-foundation/keystate/lib/delegation"
	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/kever"
)

// escrowEntry mirrors one held event reported by the daemon.
type escrowEntry struct {
	Prefix     event.Prefix  `cbor:"prefix" json:"prefix"`
	Sequence   uint64        `cbor:"sequence" json:"sequence"`
	SAID       digest.Digest `cbor:"said" json:"said"`
	Ilk        event.Ilk     `cbor:"ilk" json:"ilk"`
	Reason     kever.Reason  `cbor:"reason" json:"reason"`
	Detail     string        `cbor:"detail,omitempty" json:"detail,omitempty"`
	Signatures int           `cbor:"signatures" json:"signatures"`
	Received   time.Time     `cbor:"received" json:"received"`
	Updated    time.Time     `cbor:"updated" json:"updated"`
	Attempts   int           `cbor:"attempts" json:"attempts"`
}

func printEscrowEntries(entries []escrowEntry) error {
	table := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintln(table, "PREFIX\tSN\tILK\tSAID\tREASON\tSIGS\tATTEMPTS\tUPDATED")
	for _, entry := range entries {
		fmt.Fprintf(table, "%s\t%d\t%s\t%s\t%s\t%d\t%d\t%s\n",
			entry.Prefix, entry.Sequence, entry.Ilk, entry.SAID, entry.Reason,
			entry.Signatures, entry.Attempts, entry.Updated.Format(time.RFC3339))
	}
	return table.Flush()
}

func escrowCommand() *cli.Command {
	return &cli.Command{
		Name:    "escrow",
		Summary: "Inspect and manage held events",
		Description: `Events that cannot be accepted yet wait in escrow: a missing prior
event, missing signatures, an unanchored delegation or registry event,
or a flagged identifier. Acceptance retries them automatically; these
commands are for the ones that will never resolve.`,
		Subcommands: []*cli.Command{
			escrowListCommand(),
			escrowAbandonCommand(),
			escrowPurgeCommand(),
			escrowRetryCommand(),
		},
	}
}

func escrowListCommand() *cli.Command {
	var s session
	return &cli.Command{
		Name:    "list",
		Summary: "List held events",
		Usage:   "keystate escrow list [prefix] [flags]",
		Flags:   s.flags("list", nil),
		Run: func(args []string) error {
			if len(args) > 1 {
				return fmt.Errorf("usage: keystate escrow list [prefix]")
			}
			fields := map[string]any{}
			if len(args) == 1 {
				fields["prefix"] = args[0]
			}
			var result struct {
				Entries []escrowEntry     `cbor:"entries" json:"entries"`
				Pending []delegation.Seek `cbor:"pending,omitempty" json:"pending,omitempty"`
			}
			if err := s.call("list-escrow", fields, &result); err != nil {
				return err
			}
			if done, err := s.emit(result); done {
				return err
			}
			if len(result.Entries) == 0 {
				fmt.Println("escrow is empty")
				return nil
			}
			if err := printEscrowEntries(result.Entries); err != nil {
				return err
			}
			for _, seek := range result.Pending {
				fmt.Printf("waiting for %s to anchor %s since %s\n", seek.Controller, seek.Seal, seek.Since.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func escrowAbandonCommand() *cli.Command {
	var s session
	return &cli.Command{
		Name:    "abandon",
		Summary: "Drop one held event",
		Usage:   "keystate escrow abandon <said> [flags]",
		Flags:   s.flags("abandon", nil),
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: keystate escrow abandon <said>")
			}
			var entry escrowEntry
			if err := s.call("abandon-escrow", map[string]any{"said": args[0]}, &entry); err != nil {
				return err
			}
			if done, err := s.emit(entry); done {
				return err
			}
			fmt.Printf("abandoned %s %s/%d (%s)\n", entry.Ilk, entry.Prefix, entry.Sequence, entry.Reason)
			return nil
		},
	}
}

func escrowPurgeCommand() *cli.Command {
	var (
		s      session
		prefix string
		maxAge time.Duration
	)
	return &cli.Command{
		Name:    "purge",
		Summary: "Drop held events that have stopped making progress",
		Usage:   "keystate escrow purge [--prefix P] [--max-age D] [flags]",
		Flags: s.flags("purge", func(flagSet *pflag.FlagSet) {
			flagSet.StringVar(&prefix, "prefix", "", "only this identifier")
			flagSet.DurationVar(&maxAge, "max-age", 0, "only entries unchanged for this long (default: all)")
		}),
		Run: func(args []string) error {
			fields := map[string]any{}
			if prefix != "" {
				fields["prefix"] = prefix
			}
			if maxAge > 0 {
				fields["max_age"] = maxAge.String()
			}
			var purged []escrowEntry
			if err := s.call("purge-escrow", fields, &purged); err != nil {
				return err
			}
			if done, err := s.emit(purged); done {
				return err
			}
			fmt.Printf("purged %d entries\n", len(purged))
			if len(purged) > 0 {
				return printEscrowEntries(purged)
			}
			return nil
		},
	}
}

func escrowRetryCommand() *cli.Command {
	var s session
	return &cli.Command{
		Name:    "retry",
		Summary: "Retry every held event now",
		Usage:   "keystate escrow retry [flags]",
		Flags:   s.flags("retry", nil),
		Run: func(args []string) error {
			var result struct {
				Resolved int `cbor:"resolved" json:"resolved"`
			}
			if err := s.call("retry-escrow", nil, &result); err != nil {
				return err
			}
			if done, err := s.emit(result); done {
				return err
			}
			fmt.Printf("%d held events resolved\n", result.Resolved)
			return nil
		},
	}
}
