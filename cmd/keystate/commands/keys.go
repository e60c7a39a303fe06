// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"encoding/base64"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/keystate/cmd/keystate/cli"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/keeper"
	"github.com/bureau-foundation/keystate/lib/kelstream"
	"github.com/bureau-foundation/keystate/lib/secret"
	"github.com/bureau-foundation/keystate/lib/signing"
)

func initCommand() *cli.Command {
	var s session
	return &cli.Command{
		Name:    "init",
		Summary: "Create a keystore",
		Description: `Create an empty keystore sealed with a passcode.

The keystore holds a random salt and one record per identifier. Private
keys are never written; they are derived from the salt when needed.`,
		Usage: "keystate init [flags]",
		Flags: s.flags("init", nil),
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("init takes no arguments")
			}
			_, closeKeeper, err := s.createKeeper()
			if err != nil {
				return err
			}
			defer closeKeeper()
			fmt.Printf("keystore created at %s\n", s.cfg.Paths.Keystore)
			return nil
		},
	}
}

func passcodeCommand() *cli.Command {
	var (
		s               session
		newPasscodeFile string
	)
	return &cli.Command{
		Name:    "passcode",
		Summary: "Change the keystore passcode",
		Usage:   "keystate passcode [flags]",
		Flags: s.flags("passcode", func(flagSet *pflag.FlagSet) {
			flagSet.StringVar(&newPasscodeFile, "new-passcode-file", "", "read the new passcode from a file instead of prompting")
		}),
		Run: func(args []string) error {
			k, closeKeeper, err := s.openKeeper()
			if err != nil {
				return err
			}
			defer closeKeeper()

			var next *secret.Buffer
			if newPasscodeFile != "" {
				next, err = secret.ReadFromPath(newPasscodeFile)
			} else {
				prompt := session{}
				next, err = prompt.passcode("New keystore passcode", true)
			}
			if err != nil {
				return err
			}
			defer next.Close()
			if err := k.ChangePasscode(next); err != nil {
				return err
			}
			fmt.Println("passcode changed")
			return nil
		},
	}
}

// eventOutput is the --json form of a locally built event.
type eventOutput struct {
	Alias    string `json:"alias"`
	Prefix   string `json:"prefix"`
	Sequence uint64 `json:"sequence"`
	Ilk      string `json:"ilk"`
	SAID     string `json:"said"`
	Output   string `json:"output,omitempty"`
}

// deliver writes a freshly built event to output when one is given,
// and otherwise submits it to the daemon.
func (s *session) deliver(alias, output string, signed *event.Signed) error {
	if output != "" {
		if err := writeRecord(output, signed); err != nil {
			return err
		}
		result := eventOutput{
			Alias: alias, Prefix: string(signed.Event.Prefix), Sequence: signed.Event.Sequence,
			Ilk: string(signed.Event.Ilk), SAID: string(signed.Event.SAID), Output: output,
		}
		if done, err := s.emit(result); done {
			return err
		}
		fmt.Printf("%s %s/%d %s written to %s\n", signed.Event.Ilk, signed.Event.Prefix, signed.Event.Sequence, signed.Event.SAID, output)
		return nil
	}
	_, err := s.submitSigned(signed)
	return err
}

// writeRecord writes one signed event as an uncompressed stream that
// 'keystate import' accepts.
func writeRecord(path string, signed *event.Signed) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	writer, err := kelstream.NewWriter(file, kelstream.CompressionNone)
	if err != nil {
		file.Close()
		return err
	}
	if err := writer.Write(kelstream.Record{Raw: signed.Raw, Signatures: signed.Signatures}); err != nil {
		file.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func inceptCommand() *cli.Command {
	var (
		s                session
		keyCount         int
		threshold        string
		nextThreshold    string
		witnesses        []string
		witnessThreshold uint64
		traits           []string
		delegator        string
		anchors          []string
		fromFile         string
		output           string
	)
	return &cli.Command{
		Name:    "incept",
		Summary: "Create an identifier",
		Description: `Create an identifier under alias and submit its inception.

The first key set signs the inception; the second is committed to by
digest and revealed by the first rotation. With --delegator the event is
a delegated inception, which the daemon holds until the delegator
anchors it.`,
		Usage: "keystate incept <alias> [flags]",
		Examples: []cli.Example{
			{Description: "Single-key identifier", Command: "keystate incept alice"},
			{Description: "Two of three keys, two witnesses", Command: "keystate incept treasury --keys 3 --threshold 2 --witness BJq... --witness BKx... --witness-threshold 2"},
			{Description: "From a JSONC file", Command: "keystate incept treasury --from-file treasury.jsonc"},
		},
		Flags: s.flags("incept", func(flagSet *pflag.FlagSet) {
			flagSet.IntVar(&keyCount, "keys", 1, "number of signing keys")
			flagSet.StringVar(&threshold, "threshold", "", `signing threshold, e.g. "2" or "[1/2,1/2,1/2]" (default: majority)`)
			flagSet.StringVar(&nextThreshold, "next-threshold", "", "threshold committed for the next key set (default: --threshold)")
			flagSet.StringSliceVar(&witnesses, "witness", nil, "witness prefix (repeatable)")
			flagSet.Uint64Var(&witnessThreshold, "witness-threshold", 0, "receipts required from witnesses")
			flagSet.StringSliceVar(&traits, "trait", nil, "configuration trait: EO (establishment only) or DND (do not delegate)")
			flagSet.StringVar(&delegator, "delegator", "", "delegating identifier prefix")
			flagSet.StringSliceVar(&anchors, "anchor", nil, "seal to anchor, as prefix:sn:said (repeatable)")
			flagSet.StringVar(&fromFile, "from-file", "", "read the inception options from a JSONC file")
			flagSet.StringVarP(&output, "output", "o", "", "write the signed event to a stream file instead of submitting it")
		}),
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: keystate incept <alias> [flags]")
			}
			var options keeper.InceptOptions
			var err error
			if fromFile != "" {
				if options, err = readInceptFile(fromFile); err != nil {
					return err
				}
			} else {
				file := inceptFile{
					Keys: keyCount, Threshold: threshold, NextThreshold: nextThreshold,
					Witnesses: witnesses, WitnessThreshold: witnessThreshold,
					Config: traits, Delegator: delegator, Anchors: anchors,
				}
				if options, err = file.options(); err != nil {
					return err
				}
			}

			k, closeKeeper, err := s.openKeeper()
			if err != nil {
				return err
			}
			defer closeKeeper()
			signed, err := k.Incept(args[0], options)
			if err != nil {
				return err
			}
			return s.deliver(args[0], output, signed)
		},
	}
}

func rotateCommand() *cli.Command {
	var (
		s                session
		nextThreshold    string
		cuts             []string
		adds             []string
		witnessThreshold int64
		anchors          []string
		output           string
	)
	return &cli.Command{
		Name:    "rotate",
		Summary: "Rotate to the committed next keys",
		Description: `Reveal the key set committed by the last establishment event, commit
to a fresh one, and submit the rotation. The rotation is signed by the
keys it replaces.`,
		Usage: "keystate rotate <alias> [flags]",
		Flags: s.flags("rotate", func(flagSet *pflag.FlagSet) {
			flagSet.StringVar(&nextThreshold, "next-threshold", "", "threshold committed for the following key set")
			flagSet.StringSliceVar(&cuts, "cut", nil, "witness to remove (repeatable)")
			flagSet.StringSliceVar(&adds, "add", nil, "witness to add (repeatable)")
			flagSet.Int64Var(&witnessThreshold, "witness-threshold", -1, "new witness threshold (default: unchanged)")
			flagSet.StringSliceVar(&anchors, "anchor", nil, "seal to anchor, as prefix:sn:said (repeatable)")
			flagSet.StringVarP(&output, "output", "o", "", "write the signed event to a stream file instead of submitting it")
		}),
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: keystate rotate <alias> [flags]")
			}
			options := keeper.RotateOptions{
				WitnessCuts: toPrefixes(cuts),
				WitnessAdds: toPrefixes(adds),
			}
			var err error
			if options.NextThreshold, err = parseThreshold(nextThreshold); err != nil {
				return err
			}
			if options.Anchors, err = parseSeals(anchors); err != nil {
				return err
			}
			if witnessThreshold >= 0 {
				value := uint64(witnessThreshold)
				options.WitnessThreshold = &value
			}

			k, closeKeeper, err := s.openKeeper()
			if err != nil {
				return err
			}
			defer closeKeeper()
			signed, err := k.Rotate(args[0], options)
			if err != nil {
				return err
			}
			return s.deliver(args[0], output, signed)
		},
	}
}

func interactCommand() *cli.Command {
	var (
		s       session
		anchors []string
		output  string
	)
	return &cli.Command{
		Name:    "interact",
		Summary: "Anchor seals in an interaction event",
		Usage:   "keystate interact <alias> --anchor prefix:sn:said [flags]",
		Examples: []cli.Example{
			{Description: "Approve a delegated inception", Command: "keystate interact parent --anchor EChild...:0:EChild..."},
		},
		Flags: s.flags("interact", func(flagSet *pflag.FlagSet) {
			flagSet.StringSliceVar(&anchors, "anchor", nil, "seal to anchor, as prefix:sn:said (repeatable)")
			flagSet.StringVarP(&output, "output", "o", "", "write the signed event to a stream file instead of submitting it")
		}),
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: keystate interact <alias> [flags]")
			}
			seals, err := parseSeals(anchors)
			if err != nil {
				return err
			}
			k, closeKeeper, err := s.openKeeper()
			if err != nil {
				return err
			}
			defer closeKeeper()
			signed, err := k.Interact(args[0], seals...)
			if err != nil {
				return err
			}
			return s.deliver(args[0], output, signed)
		},
	}
}

// signatureOutput is one indexed signature in --json output.
type signatureOutput struct {
	Index     uint32 `json:"index"`
	Signature string `json:"signature"`
}

func signCommand() *cli.Command {
	var s session
	return &cli.Command{
		Name:    "sign",
		Summary: "Sign a file with an identifier's current keys",
		Description: `Sign the bytes of a file with every current key of alias. Signatures
print as "index:base64url" lines, the form 'keystate submit-signatures'
takes.`,
		Usage: "keystate sign <alias> <file> [flags]",
		Flags: s.flags("sign", nil),
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: keystate sign <alias> <file>")
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			k, closeKeeper, err := s.openKeeper()
			if err != nil {
				return err
			}
			defer closeKeeper()
			signatures, err := k.Sign(args[0], data)
			if err != nil {
				return err
			}
			return s.printSignatures(signatures)
		},
	}
}

func (s *session) printSignatures(signatures []signing.IndexedSignature) error {
	outputs := make([]signatureOutput, 0, len(signatures))
	for _, signature := range signatures {
		outputs = append(outputs, signatureOutput{
			Index:     signature.Index,
			Signature: base64.RawURLEncoding.EncodeToString(signature.Signature),
		})
	}
	if done, err := s.emit(outputs); done {
		return err
	}
	for _, output := range outputs {
		fmt.Printf("%d:%s\n", output.Index, output.Signature)
	}
	return nil
}

func listCommand() *cli.Command {
	var s session
	return &cli.Command{
		Name:    "list",
		Summary: "List identifiers in the keystore",
		Usage:   "keystate list [flags]",
		Flags:   s.flags("list", nil),
		Run: func(args []string) error {
			k, closeKeeper, err := s.openKeeper()
			if err != nil {
				return err
			}
			defer closeKeeper()

			var identifiers []keeper.Identifier
			for _, alias := range k.Aliases() {
				identifier, err := k.Identifier(alias)
				if err != nil {
					return err
				}
				identifiers = append(identifiers, identifier)
			}
			if done, err := s.emit(identifiers); done {
				return err
			}
			table := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(table, "ALIAS\tPREFIX\tSN\tKEYS\tTHRESHOLD\tWITNESSES")
			for _, identifier := range identifiers {
				fmt.Fprintf(table, "%s\t%s\t%d\t%d\t%s\t%d/%d\n",
					identifier.Alias, identifier.Prefix, identifier.Sequence, identifier.KeyCount,
					identifier.Threshold, identifier.WitnessThreshold, len(identifier.Witnesses))
			}
			return table.Flush()
		},
	}
}
