// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/keystate/cmd/keystate/cli"
	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/kelstream"
	"github.com/bureau-foundation/keystate/lib/kever"
	"github.com/bureau-foundation/keystate/lib/receipt"
	"github.com/bureau-foundation/keystate/lib/service"
	"github.com/bureau-foundation/keystate/lib/signing"
)

func exportCommand() *cli.Command {
	var (
		s           session
		output      string
		compression string
		prefixes    []string
		registries  bool
	)
	return &cli.Command{
		Name:    "export",
		Summary: "Write accepted logs as a stream",
		Description: `Export accepted key event logs, their signatures and witness receipts,
and optionally every registry event, as a keystate stream. Another
daemon replays the stream with 'keystate import'.`,
		Usage: "keystate export [--prefix P]... [--registries] [-o FILE] [flags]",
		Examples: []cli.Example{
			{Description: "Back up everything", Command: "keystate export --registries --compression zstd -o backup.kel"},
			{Description: "Hand one identifier's log to a verifier", Command: "keystate export --prefix EAbc... -o alice.kel"},
		},
		Flags: s.flags("export", func(flagSet *pflag.FlagSet) {
			flagSet.StringVarP(&output, "output", "o", "-", `output file ("-" for stdout)`)
			flagSet.StringVar(&compression, "compression", "zstd", "none, lz4, or zstd")
			flagSet.StringArrayVar(&prefixes, "prefix", nil, "export only this identifier (repeatable)")
			flagSet.BoolVar(&registries, "registries", false, "include registry events")
		}),
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("export takes no arguments")
			}
			if _, err := kelstream.ParseCompression(compression); err != nil {
				return err
			}
			var result struct {
				Stream  []byte            `cbor:"stream"`
				Summary kelstream.Summary `cbor:"summary"`
			}
			fields := map[string]any{"registries": registries, "compression": compression}
			if len(prefixes) > 0 {
				fields["prefixes"] = prefixes
			}
			if err := s.call("export", fields, &result); err != nil {
				return err
			}
			if err := writeStream(output, result.Stream); err != nil {
				return err
			}
			logger := cli.NewCommandLogger()
			logger.Info("exported",
				"events", result.Summary.Events,
				"registry_events", result.Summary.RegistryEvents,
				"receipts", result.Summary.Receipts,
				"bytes", len(result.Stream),
			)
			return nil
		},
	}
}

func writeStream(path string, stream []byte) error {
	if path == "-" {
		_, err := os.Stdout.Write(stream)
		return err
	}
	return os.WriteFile(path, stream, 0o644)
}

func importCommand() *cli.Command {
	var s session
	return &cli.Command{
		Name:    "import",
		Summary: "Replay a stream into the daemon",
		Description: `Submit every record of a keystate stream, as written by 'keystate export'
or 'keystate incept -o', to the daemon in order. Records are processed
exactly like freshly submitted events: out-of-order events are held in
escrow, invalid ones are rejected, and conflicting ones are recorded as
duplicity. Each file is read with its own compression.`,
		Usage: "keystate import <file>... [flags]",
		Flags: s.flags("import", nil),
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("usage: keystate import <file>...")
			}
			total := kelstream.Summary{Outcomes: make(map[kever.Status]int)}
			for _, path := range args {
				summary, err := s.importFile(path)
				if err != nil {
					return fmt.Errorf("importing %s: %w", path, err)
				}
				total.Events += summary.Events
				total.RegistryEvents += summary.RegistryEvents
				total.Receipts += summary.Receipts
				for status, count := range summary.Outcomes {
					total.Outcomes[status] += count
				}
			}
			if done, err := s.emit(total); done {
				return err
			}
			fmt.Printf("%d events, %d registry events, %d receipts\n", total.Events, total.RegistryEvents, total.Receipts)
			for _, status := range []kever.Status{kever.Accepted, kever.Escrowed, kever.Rejected, kever.Duplicitous} {
				if count := total.Outcomes[status]; count > 0 {
					fmt.Printf("  %-12s %d\n", status, count)
				}
			}
			return nil
		},
	}
}

func (s *session) importFile(path string) (kelstream.Summary, error) {
	var input io.Reader = os.Stdin
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return kelstream.Summary{}, err
		}
		defer file.Close()
		input = file
	}
	// Each record is bounded by --timeout through the session.
	return kelstream.Import(context.Background(), input, daemonSubmitter{s})
}

// daemonSubmitter replays stream records over the daemon socket.
type daemonSubmitter struct {
	s *session
}

func (d daemonSubmitter) SubmitEvent(ctx context.Context, raw []byte, signatures []signing.IndexedSignature) (kever.Outcome, error) {
	var outcome kever.Outcome
	err := d.s.call("submit-event", map[string]any{"raw": raw, "sigs": signatures}, &outcome)
	return outcome, err
}

func (d daemonSubmitter) SubmitWitnessReceipt(ctx context.Context, said digest.Digest, witness event.Prefix, signature []byte) (bool, error) {
	var result struct {
		Met bool `cbor:"met"`
	}
	err := d.s.call("submit-receipt", map[string]any{"said": said, "witness": witness, "signature": signature}, &result)
	if errors.Is(err, service.ErrBadRequest) {
		return false, fmt.Errorf("%w: %v", receipt.ErrInvalidReceipt, err)
	}
	return result.Met, err
}
