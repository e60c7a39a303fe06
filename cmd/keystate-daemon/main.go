// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/keystate/lib/clock"
	"github.com/bureau-foundation/keystate/lib/config"
	"github.com/bureau-foundation/keystate/lib/kelstore"
	"github.com/bureau-foundation/keystate/lib/kevery"
	"github.com/bureau-foundation/keystate/lib/process"
	"github.com/bureau-foundation/keystate/lib/service"
	"github.com/bureau-foundation/keystate/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		socketPath  string
		showVersion bool
	)
	flags := pflag.NewFlagSet("keystate-daemon", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to keystate.yaml (default: $"+config.EnvironmentVariable+", then built-in defaults)")
	flags.StringVar(&socketPath, "socket", "", "override daemon.socket_path")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("keystate-daemon %s\n", version.Info())
		return nil
	}

	cfg, err := config.Resolve(configPath)
	if err != nil {
		return err
	}
	if socketPath != "" {
		cfg.Daemon.SocketPath = socketPath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	store, err := kelstore.Open(ctx, kelstore.Config{
		Path:     cfg.Paths.Database,
		PoolSize: cfg.Store.PoolSize,
		Clock:    clk,
		Logger:   logger.With("component", "kelstore"),
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	processor, err := kevery.Open(ctx, kevery.Config{
		Store:  store,
		Clock:  clk,
		Logger: logger.With("component", "kevery"),
	})
	if err != nil {
		return fmt.Errorf("restoring key state: %w", err)
	}

	daemon := newDaemon(processor, store, clk, logger)
	server := service.NewSocketServer(cfg.Daemon.SocketPath, logger.With("component", "socket"))
	daemon.registerActions(server)

	socketDone := make(chan error, 1)
	go func() {
		socketDone <- server.Serve(ctx)
	}()
	go daemon.sweep(ctx, cfg.RetryInterval(), cfg.EscrowMaxAge())

	logger.Info("keystate daemon running",
		"version", version.Info(),
		"socket", cfg.Daemon.SocketPath,
		"database", cfg.Paths.Database,
		"retry_interval", cfg.RetryInterval(),
		"escrow_max_age", cfg.EscrowMaxAge(),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := <-socketDone; err != nil {
		logger.Error("socket server error", "error", err)
	}
	return nil
}

// newLogger builds the daemon logger from daemon.log_format and
// daemon.log_level.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}
	switch cfg.Daemon.LogFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, options)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Daemon.LogFormat)
	}
}
