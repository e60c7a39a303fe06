// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/keystate/cmd/keystate/cli"
	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/kelstore"
	"github.com/bureau-foundation/keystate/lib/kelstream"
	"github.com/bureau-foundation/keystate/lib/kever"
	"github.com/bureau-foundation/keystate/lib/receipt"
	"github.com/bureau-foundation/keystate/lib/signing"
)

// statusResult mirrors the daemon's status response.
type statusResult struct {
	Version       string  `cbor:"version" json:"version"`
	UptimeSeconds float64 `cbor:"uptime_seconds" json:"uptime_seconds"`
	LastSweep     struct {
		At       time.Time `cbor:"at" json:"at"`
		Resolved int       `cbor:"resolved" json:"resolved"`
		Purged   int       `cbor:"purged" json:"purged"`
		Error    string    `cbor:"error,omitempty" json:"error,omitempty"`
	} `cbor:"last_sweep" json:"last_sweep"`

	Identifiers        int               `cbor:"identifiers" json:"identifiers"`
	Flagged            map[string]string `cbor:"flagged,omitempty" json:"flagged,omitempty"`
	Escrowed           int               `cbor:"escrowed" json:"escrowed"`
	PendingDelegations int               `cbor:"pending_delegations" json:"pending_delegations"`
	Store              kelstore.Counts   `cbor:"store" json:"store"`
}

func statusCommand() *cli.Command {
	var s session
	return &cli.Command{
		Name:    "status",
		Summary: "Show daemon status",
		Usage:   "keystate status [flags]",
		Flags:   s.flags("status", nil),
		Run: func(args []string) error {
			var status statusResult
			if err := s.call("status", nil, &status); err != nil {
				return err
			}
			if done, err := s.emit(status); done {
				return err
			}
			fmt.Printf("daemon %s, up %s\n", status.Version, (time.Duration(status.UptimeSeconds) * time.Second).String())
			fmt.Printf("identifiers:          %d\n", status.Identifiers)
			fmt.Printf("events:               %d\n", status.Store.Events)
			fmt.Printf("registry events:      %d\n", status.Store.Registry)
			fmt.Printf("receipts:             %d\n", status.Store.Receipts)
			fmt.Printf("escrowed:             %d\n", status.Escrowed)
			fmt.Printf("pending delegations:  %d\n", status.PendingDelegations)
			fmt.Printf("duplicity records:    %d\n", status.Store.Conflicts)
			if !status.LastSweep.At.IsZero() {
				fmt.Printf("last sweep:           %s (resolved %d, purged %d)\n",
					status.LastSweep.At.Format(time.RFC3339), status.LastSweep.Resolved, status.LastSweep.Purged)
			}
			for prefix, flag := range status.Flagged {
				fmt.Printf("FLAGGED %s: %s\n", prefix, flag)
			}
			return nil
		},
	}
}

func stateCommand() *cli.Command {
	var s session
	return &cli.Command{
		Name:    "state",
		Summary: "Show the key state of an identifier",
		Usage:   "keystate state <prefix> [flags]",
		Flags:   s.flags("state", nil),
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: keystate state <prefix>")
			}
			var state kever.State
			if err := s.call("query-state", map[string]any{"prefix": args[0]}, &state); err != nil {
				return err
			}
			if done, err := s.emit(state); done {
				return err
			}
			printState(state)
			return nil
		},
	}
}

func printState(state kever.State) {
	table := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintf(table, "prefix\t%s\n", state.Prefix)
	fmt.Fprintf(table, "sequence\t%d (%s %s)\n", state.Sequence, state.LastIlk, state.LastSAID)
	fmt.Fprintf(table, "last establishment\t%d\n", state.LastEstablishment)
	fmt.Fprintf(table, "threshold\t%s\n", state.Threshold)
	for i, key := range state.Keys {
		fmt.Fprintf(table, "key %d\t%s\n", i, key)
	}
	fmt.Fprintf(table, "next threshold\t%s\n", state.NextThreshold)
	fmt.Fprintf(table, "next commitment\t%s\n", state.NextCommitment)
	if len(state.Witnesses) > 0 {
		fmt.Fprintf(table, "witnesses\t%d of %s\n", state.WitnessThreshold, joinPrefixes(state.Witnesses))
	}
	if state.Delegator != "" {
		fmt.Fprintf(table, "delegator\t%s\n", state.Delegator)
	}
	if len(state.Config) > 0 {
		fmt.Fprintf(table, "config\t%s\n", strings.Join(state.Config, ", "))
	}
	if state.Flag != kever.FlagNone {
		fmt.Fprintf(table, "FLAG\t%s\n", state.Flag)
	}
	table.Flush()
}

func joinPrefixes(prefixes []event.Prefix) string {
	texts := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		texts = append(texts, string(prefix))
	}
	return strings.Join(texts, ", ")
}

// logEntry is one accepted event in 'keystate log' output.
type logEntry struct {
	Sequence   uint64 `json:"sequence"`
	Ilk        string `json:"ilk"`
	SAID       string `json:"said"`
	Signatures int    `json:"signatures"`
	Receipts   int    `json:"receipts"`
	Anchors    int    `json:"anchors"`
	Raw        []byte `json:"raw,omitempty"`
}

func logCommand() *cli.Command {
	var (
		s       session
		from    uint64
		withRaw bool
	)
	return &cli.Command{
		Name:    "log",
		Summary: "Show the accepted events of an identifier",
		Usage:   "keystate log <prefix> [flags]",
		Flags: s.flags("log", func(flagSet *pflag.FlagSet) {
			flagSet.Uint64Var(&from, "from", 0, "first sequence number")
			flagSet.BoolVar(&withRaw, "raw", false, "include the serialized events in --json output")
		}),
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: keystate log <prefix>")
			}
			var records []kelstream.Record
			if err := s.call("query-log", map[string]any{"prefix": args[0], "from": from}, &records); err != nil {
				return err
			}
			entries := make([]logEntry, 0, len(records))
			for _, record := range records {
				decoded, err := event.Decode(record.Raw)
				if err != nil {
					return fmt.Errorf("daemon returned an undecodable event: %w", err)
				}
				entry := logEntry{
					Sequence:   decoded.Sequence,
					Ilk:        string(decoded.Ilk),
					SAID:       string(decoded.SAID),
					Signatures: len(record.Signatures),
					Receipts:   len(record.Receipts),
					Anchors:    len(decoded.Anchors),
				}
				if withRaw {
					entry.Raw = record.Raw
				}
				entries = append(entries, entry)
			}
			if done, err := s.emit(entries); done {
				return err
			}
			table := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(table, "SN\tILK\tSAID\tSIGS\tRECEIPTS\tANCHORS")
			for _, entry := range entries {
				fmt.Fprintf(table, "%d\t%s\t%s\t%d\t%d\t%d\n",
					entry.Sequence, entry.Ilk, entry.SAID, entry.Signatures, entry.Receipts, entry.Anchors)
			}
			return table.Flush()
		},
	}
}

// conflictResult mirrors one duplicity record from the daemon.
type conflictResult struct {
	Sequence   uint64                     `cbor:"sequence" json:"sequence"`
	SAID       digest.Digest              `cbor:"said" json:"said"`
	Raw        []byte                     `cbor:"raw" json:"raw"`
	Signatures []signing.IndexedSignature `cbor:"sigs,omitempty" json:"-"`
	Accepted   digest.Digest              `cbor:"accepted" json:"accepted"`
	Detected   time.Time                  `cbor:"detected" json:"detected"`
}

func duplicityCommand() *cli.Command {
	var s session
	return &cli.Command{
		Name:    "duplicity",
		Summary: "Show conflicting events recorded for an identifier",
		Usage:   "keystate duplicity <prefix> [flags]",
		Flags:   s.flags("duplicity", nil),
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: keystate duplicity <prefix>")
			}
			var conflicts []conflictResult
			if err := s.call("query-duplicity", map[string]any{"prefix": args[0]}, &conflicts); err != nil {
				return err
			}
			if done, err := s.emit(conflicts); done {
				return err
			}
			if len(conflicts) == 0 {
				fmt.Println("no duplicity recorded")
				return nil
			}
			table := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(table, "SN\tCONFLICTING\tACCEPTED\tDETECTED")
			for _, conflict := range conflicts {
				fmt.Fprintf(table, "%d\t%s\t%s\t%s\n",
					conflict.Sequence, conflict.SAID, conflict.Accepted, conflict.Detected.Format(time.RFC3339))
			}
			return table.Flush()
		},
	}
}

func receiptsCommand() *cli.Command {
	var s session
	return &cli.Command{
		Name:    "receipts",
		Summary: "Show witness receipts for an accepted event",
		Usage:   "keystate receipts <said> [flags]",
		Flags:   s.flags("receipts", nil),
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: keystate receipts <said>")
			}
			var status receipt.Status
			if err := s.call("query-receipts", map[string]any{"said": args[0]}, &status); err != nil {
				return err
			}
			if done, err := s.emit(status); done {
				return err
			}
			met := "not met"
			if status.Met {
				met = "met"
			}
			fmt.Printf("%s/%d: %d of %d receipts, threshold %d %s\n",
				status.Prefix, status.Sequence, len(status.Receipts), len(status.Witnesses), status.Threshold, met)
			for _, r := range status.Receipts {
				fmt.Printf("  %s at %s\n", r.Witness, r.Received.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func submitReceiptCommand() *cli.Command {
	var s session
	return &cli.Command{
		Name:    "submit-receipt",
		Summary: "Record a witness receipt",
		Usage:   "keystate submit-receipt <said> <witness> <signature-base64url> [flags]",
		Flags:   s.flags("submit-receipt", nil),
		Run: func(args []string) error {
			if len(args) != 3 {
				return fmt.Errorf("usage: keystate submit-receipt <said> <witness> <signature>")
			}
			signature, err := base64.RawURLEncoding.DecodeString(args[2])
			if err != nil {
				return fmt.Errorf("decoding signature: %w", err)
			}
			var result struct {
				Met bool `cbor:"met" json:"met"`
			}
			if err := s.call("submit-receipt", map[string]any{"said": args[0], "witness": args[1], "signature": signature}, &result); err != nil {
				return err
			}
			if done, err := s.emit(result); done {
				return err
			}
			if result.Met {
				fmt.Println("receipt recorded; witness threshold met")
			} else {
				fmt.Println("receipt recorded")
			}
			return nil
		},
	}
}

// parseSignatures parses "index:base64url" arguments, the form
// 'keystate sign' prints.
func parseSignatures(values []string) ([]signing.IndexedSignature, error) {
	var signatures []signing.IndexedSignature
	for _, value := range values {
		indexText, encoded, found := strings.Cut(value, ":")
		if !found {
			return nil, fmt.Errorf("signature %q: want index:base64url", value)
		}
		index, err := strconv.ParseUint(indexText, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("signature %q: index: %w", value, err)
		}
		signature, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("signature %q: %w", value, err)
		}
		signatures = append(signatures, signing.IndexedSignature{Index: uint32(index), Signature: signature})
	}
	return signatures, nil
}

func submitSignaturesCommand() *cli.Command {
	var s session
	return &cli.Command{
		Name:    "submit-signatures",
		Summary: "Add co-signer signatures to an escrowed event",
		Usage:   "keystate submit-signatures <said> <index:signature>... [flags]",
		Examples: []cli.Example{
			{Description: "Second signer of a two-of-three identifier", Command: "keystate submit-signatures EAbc... 2:Q2x1..."},
		},
		Flags: s.flags("submit-signatures", nil),
		Run: func(args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("usage: keystate submit-signatures <said> <index:signature>...")
			}
			signatures, err := parseSignatures(args[1:])
			if err != nil {
				return err
			}
			var outcome kever.Outcome
			if err := s.call("submit-signatures", map[string]any{"said": args[0], "sigs": signatures}, &outcome); err != nil {
				return err
			}
			return s.printOutcome(outcome)
		},
	}
}

func resolveCommand() *cli.Command {
	var s session
	return &cli.Command{
		Name:    "resolve",
		Summary: "Clear a duplicity or review flag after investigation",
		Description: `Clear the duplicity or review flag of an identifier and retry the events
held behind it. The accepted log is not changed and the duplicity
evidence stays on record.`,
		Usage: "keystate resolve <prefix> [flags]",
		Flags: s.flags("resolve", nil),
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: keystate resolve <prefix>")
			}
			var result struct {
				Cleared kever.Flag `cbor:"cleared" json:"cleared"`
			}
			if err := s.call("resolve", map[string]any{"prefix": args[0]}, &result); err != nil {
				return err
			}
			if done, err := s.emit(result); done {
				return err
			}
			if result.Cleared == kever.FlagNone {
				fmt.Printf("%s was not flagged\n", args[0])
			} else {
				fmt.Printf("cleared %s flag on %s\n", result.Cleared, args[0])
			}
			return nil
		},
	}
}
