// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/keystate/cmd/keystate/cli"
	"github.com/bureau-foundation/keystate/lib/config"
	"github.com/bureau-foundation/keystate/lib/keeper"
	"github.com/bureau-foundation/keystate/lib/secret"
	"github.com/bureau-foundation/keystate/lib/service"
	"github.com/bureau-foundation/keystate/lib/signing"
)

// session holds the flags every command accepts and opens what they
// point at.
type session struct {
	configPath   string
	socketPath   string
	keystorePath string
	passcodeFile string
	timeout      time.Duration
	jsonOutput   bool

	cfg *config.Config
}

// flags returns a flag set named name with the session flags bound.
// extra binds the command's own flags.
func (s *session) flags(name string, extra func(*pflag.FlagSet)) func() *pflag.FlagSet {
	return func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
		flagSet.StringVar(&s.configPath, "config", "", "path to keystate.yaml (default: $"+config.EnvironmentVariable+")")
		flagSet.StringVar(&s.socketPath, "socket", "", "daemon socket (default: daemon.socket_path)")
		flagSet.StringVar(&s.keystorePath, "keystore", "", "keystore file (default: paths.keystore)")
		flagSet.StringVar(&s.passcodeFile, "passcode-file", "", `read the keystore passcode from a file ("-" for stdin) instead of prompting`)
		flagSet.DurationVar(&s.timeout, "timeout", 30*time.Second, "daemon request timeout")
		flagSet.BoolVar(&s.jsonOutput, "json", false, "output as JSON")
		if extra != nil {
			extra(flagSet)
		}
		return flagSet
	}
}

func (s *session) config() (*config.Config, error) {
	if s.cfg != nil {
		return s.cfg, nil
	}
	cfg, err := config.Resolve(s.configPath)
	if err != nil {
		return nil, err
	}
	if s.socketPath != "" {
		cfg.Daemon.SocketPath = s.socketPath
	}
	if s.keystorePath != "" {
		cfg.Paths.Keystore = s.keystorePath
	}
	s.cfg = cfg
	return cfg, nil
}

// context returns a context bounded by --timeout.
func (s *session) context() (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), s.timeout)
}

// call sends one request to the daemon.
func (s *session) call(action string, fields map[string]any, result any) error {
	cfg, err := s.config()
	if err != nil {
		return err
	}
	ctx, cancel := s.context()
	defer cancel()
	err = service.NewClient(cfg.Daemon.SocketPath).Call(ctx, action, fields, result)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w (is keystate-daemon running?)", err)
	}
	return err
}

// passcode reads the keystore passcode from --passcode-file or the
// terminal. When confirm is set, a prompted passcode is read twice.
func (s *session) passcode(label string, confirm bool) (*secret.Buffer, error) {
	if s.passcodeFile != "" {
		return secret.ReadFromPath(s.passcodeFile)
	}
	fd := int(os.Stdin.Fd())
	first, err := secret.ReadTerminal(fd, os.Stderr, label)
	if err != nil {
		return nil, err
	}
	if !confirm {
		return first, nil
	}
	second, err := secret.ReadTerminal(fd, os.Stderr, "Repeat "+label)
	if err != nil {
		first.Close()
		return nil, err
	}
	defer second.Close()
	if !first.Equal(second) {
		first.Close()
		return nil, fmt.Errorf("passcodes do not match")
	}
	return first, nil
}

// openKeeper unseals the configured keystore. The returned function
// closes the keeper and the passcode.
func (s *session) openKeeper() (*keeper.Keeper, func(), error) {
	cfg, err := s.config()
	if err != nil {
		return nil, nil, err
	}
	passcode, err := s.passcode("Keystore passcode", false)
	if err != nil {
		return nil, nil, err
	}
	k, err := keeper.Open(keeper.Config{
		Path:       cfg.Paths.Keystore,
		Passcode:   passcode,
		WorkFactor: cfg.Keeper.WorkFactor,
		Logger:     cli.NewCommandLogger().With("keystore", cfg.Paths.Keystore),
	})
	if err != nil {
		passcode.Close()
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("no keystore at %s; run 'keystate init' first", cfg.Paths.Keystore)
		}
		return nil, nil, err
	}
	return k, func() {
		k.Close()
		passcode.Close()
	}, nil
}

// createKeeper writes a new keystore at the configured path.
func (s *session) createKeeper() (*keeper.Keeper, func(), error) {
	cfg, err := s.config()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, nil, err
	}
	passcode, err := s.passcode("New keystore passcode", true)
	if err != nil {
		return nil, nil, err
	}
	k, err := keeper.Create(keeper.Config{
		Path:       cfg.Paths.Keystore,
		Passcode:   passcode,
		Tier:       signing.Tier(cfg.Keeper.Tier),
		WorkFactor: cfg.Keeper.WorkFactor,
		Logger:     cli.NewCommandLogger().With("keystore", cfg.Paths.Keystore),
	})
	if err != nil {
		passcode.Close()
		return nil, nil, err
	}
	return k, func() {
		k.Close()
		passcode.Close()
	}, nil
}

// emit writes result as JSON when --json is set and reports whether it
// did.
func (s *session) emit(result any) (bool, error) {
	if !s.jsonOutput {
		return false, nil
	}
	return true, cli.WriteJSON(result)
}
