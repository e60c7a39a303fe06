// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/bureau-foundation/keystate/cmd/keystate/cli"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/kever"
	"github.com/bureau-foundation/keystate/lib/registry"
)

func registryCommand() *cli.Command {
	return &cli.Command{
		Name:    "registry",
		Summary: "Manage credential registries",
		Description: `A registry records the issuance and revocation of credentials. Every
registry event is anchored by a seal in an interaction event of the
issuing identifier, so each of these commands builds and submits that
interaction first.`,
		Subcommands: []*cli.Command{
			registryInceptCommand(),
			registryIssueCommand(),
			registryRevokeCommand(),
			registryShowCommand(),
		},
	}
}

// anchorAndSubmit builds a registry event for the identifier of alias,
// anchors it in an interaction of that identifier, and submits both,
// anchor first.
func (s *session) anchorAndSubmit(alias string, build func(issuer event.Prefix) (*event.Event, []byte, error)) error {
	k, closeKeeper, err := s.openKeeper()
	if err != nil {
		return err
	}
	identifier, err := k.Identifier(alias)
	if err != nil {
		closeKeeper()
		return err
	}
	built, raw, err := build(identifier.Prefix)
	if err != nil {
		closeKeeper()
		return err
	}
	anchor, err := k.Interact(alias, built.Seal())
	closeKeeper()
	if err != nil {
		return err
	}
	if !s.jsonOutput {
		fmt.Printf("%s %s anchored by %s/%d\n", built.Ilk, built.Prefix, anchor.Event.Prefix, anchor.Event.Sequence)
	}
	outcome, err := s.submitSigned(anchor)
	if err != nil {
		return err
	}
	if outcome.Status != kever.Accepted {
		return outcomeError(outcome)
	}
	_, err = s.submitRegistry(raw)
	return err
}

func registryInceptCommand() *cli.Command {
	var s session
	return &cli.Command{
		Name:    "incept",
		Summary: "Create a registry issued by an identifier",
		Usage:   "keystate registry incept <alias> <nonce> [flags]",
		Flags:   s.flags("incept", nil),
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: keystate registry incept <alias> <nonce>")
			}
			nonce := args[1]
			return s.anchorAndSubmit(args[0], func(issuer event.Prefix) (*event.Event, []byte, error) {
				return event.InceptRegistry(issuer, nonce)
			})
		},
	}
}

func registryIssueCommand() *cli.Command {
	var s session
	return &cli.Command{
		Name:    "issue",
		Summary: "Record a credential as issued",
		Usage:   "keystate registry issue <alias> <registry> <credential> [flags]",
		Flags:   s.flags("issue", nil),
		Run: func(args []string) error {
			if len(args) != 3 {
				return fmt.Errorf("usage: keystate registry issue <alias> <registry> <credential>")
			}
			return s.anchorAndSubmit(args[0], func(event.Prefix) (*event.Event, []byte, error) {
				return event.Issue(event.Prefix(args[1]), event.Prefix(args[2]), timestamp())
			})
		},
	}
}

func registryRevokeCommand() *cli.Command {
	var s session
	return &cli.Command{
		Name:    "revoke",
		Summary: "Record a credential as revoked",
		Usage:   "keystate registry revoke <alias> <credential> [flags]",
		Flags:   s.flags("revoke", nil),
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: keystate registry revoke <alias> <credential>")
			}
			var credential registry.Credential
			if err := s.call("query-credential", map[string]any{"prefix": args[1]}, &credential); err != nil {
				return err
			}
			if credential.Status == registry.Revoked {
				return fmt.Errorf("credential %s was already revoked at %s", credential.Prefix, credential.RevokedAt)
			}
			return s.anchorAndSubmit(args[0], func(event.Prefix) (*event.Event, []byte, error) {
				return event.Revoke(credential.Registry, credential.Prefix, credential.Issuance, timestamp())
			})
		},
	}
}

func registryShowCommand() *cli.Command {
	var s session
	return &cli.Command{
		Name:    "show",
		Summary: "Show a registry and its credentials",
		Usage:   "keystate registry show <registry> [flags]",
		Flags:   s.flags("show", nil),
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: keystate registry show <registry>")
			}
			var result struct {
				Registry    registry.Registry     `cbor:"registry"`
				Credentials []registry.Credential `cbor:"credentials"`
			}
			if err := s.call("query-registry", map[string]any{"prefix": args[0]}, &result); err != nil {
				return err
			}
			if done, err := s.emit(result); done {
				return err
			}
			fmt.Printf("registry  %s\n", result.Registry.Prefix)
			fmt.Printf("issuer    %s\n", result.Registry.Issuer)
			fmt.Printf("anchor    %s/%d\n", result.Registry.Anchor.Controller, result.Registry.Anchor.Sequence)
			if len(result.Credentials) == 0 {
				return nil
			}
			fmt.Println()
			return printCredentials(result.Credentials)
		},
	}
}

func credentialCommand() *cli.Command {
	var s session
	return &cli.Command{
		Name:    "credential",
		Summary: "Show the status of a credential",
		Usage:   "keystate credential <credential> [flags]",
		Flags:   s.flags("credential", nil),
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: keystate credential <credential>")
			}
			var credential registry.Credential
			if err := s.call("query-credential", map[string]any{"prefix": args[0]}, &credential); err != nil {
				return err
			}
			if done, err := s.emit(credential); done {
				return err
			}
			return printCredentials([]registry.Credential{credential})
		},
	}
}

func printCredentials(credentials []registry.Credential) error {
	table := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintln(table, "CREDENTIAL\tSTATUS\tISSUED\tREVOKED")
	for _, credential := range credentials {
		revoked := credential.RevokedAt
		if revoked == "" {
			revoked = "-"
		}
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\n", credential.Prefix, credential.Status, credential.IssuedAt, revoked)
	}
	return table.Flush()
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
