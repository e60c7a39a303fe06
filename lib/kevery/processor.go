// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kevery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/keystate/lib/clock"
	"github.com/bureau-foundation/keystate/lib/delegation"
	"github.com/bureau-foundation/keystate/lib/escrow"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/kelstore"
	"github.com/bureau-foundation/keystate/lib/kever"
	"github.com/bureau-foundation/keystate/lib/keylock"
	"github.com/bureau-foundation/keystate/lib/receipt"
	"github.com/bureau-foundation/keystate/lib/registry"
)

// ErrNotFound is returned by queries for unknown identifiers, events,
// credentials, and registries.
var ErrNotFound = errors.New("not found")

// Config configures a Processor.
type Config struct {
	// Store is required. The Processor does not close it.
	Store *kelstore.Store

	// Clock stamps escrow entries and receipts. Defaults to
	// clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// Processor is safe for concurrent use.
type Processor struct {
	store  *kelstore.Store
	clock  clock.Clock
	logger *slog.Logger

	locks      keylock.Map[event.Prefix]
	escrow     *escrow.Escrow
	receipts   *receipt.Tracker
	delegation *delegation.Verifier
	registry   *registry.State

	mu     sync.RWMutex
	kevers map[event.Prefix]*kever.Kever
}

// Open builds a Processor over store and restores everything the
// store holds: every key event log is replayed, then every registry
// log, then escrow entries and witness receipts are reloaded.
func Open(ctx context.Context, config Config) (*Processor, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("kevery: Store is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	processorClock := config.Clock
	if processorClock == nil {
		processorClock = clock.Real()
	}

	verifier := delegation.New(delegation.Config{
		Source: config.Store,
		Clock:  processorClock,
		Logger: logger.With("component", "delegation"),
	})
	p := &Processor{
		store:  config.Store,
		clock:  processorClock,
		logger: logger,
		escrow: escrow.New(escrow.Config{
			Store:  config.Store,
			Clock:  processorClock,
			Logger: logger.With("component", "escrow"),
		}),
		receipts: receipt.New(receipt.Config{
			Store:  config.Store,
			Clock:  processorClock,
			Logger: logger.With("component", "receipt"),
		}),
		delegation: verifier,
		registry: registry.New(registry.Config{
			Anchors: verifier,
			Log:     config.Store,
			Logger:  logger.With("component", "registry"),
		}),
		kevers: make(map[event.Prefix]*kever.Kever),
	}
	if err := p.load(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Processor) keverConfig() kever.Config {
	return kever.Config{
		Log:      p.store,
		Approver: approver{p},
		Logger:   p.logger,
	}
}

func (p *Processor) load(ctx context.Context) error {
	prefixes, err := p.store.Prefixes(ctx)
	if err != nil {
		return fmt.Errorf("kevery: %w", err)
	}
	events := 0
	for _, prefix := range prefixes {
		replayed, err := p.replay(ctx, prefix)
		if err != nil {
			return fmt.Errorf("kevery: replaying %s: %w", prefix, err)
		}
		events += replayed
	}

	flags, err := p.store.Flags(ctx)
	if err != nil {
		return fmt.Errorf("kevery: %w", err)
	}
	for prefix, flag := range flags {
		if k := p.kever(prefix); k != nil {
			k.SetFlag(flag)
		}
	}

	tel, err := p.store.RegistryLog(ctx)
	if err != nil {
		return fmt.Errorf("kevery: %w", err)
	}
	for _, signed := range tel {
		if err := p.registry.Replay(ctx, signed); err != nil {
			return fmt.Errorf("kevery: %w", err)
		}
	}

	held, err := p.escrow.Load(ctx)
	if err != nil {
		return fmt.Errorf("kevery: %w", err)
	}

	p.logger.Info("key state restored",
		"identifiers", len(prefixes),
		"events", events,
		"registry_events", len(tel),
		"flagged", len(flags),
		"escrowed", held,
	)
	return nil
}

// replay rebuilds one identifier from its stored log and returns the
// number of events replayed.
func (p *Processor) replay(ctx context.Context, prefix event.Prefix) (int, error) {
	log, err := p.store.Log(ctx, prefix, 0)
	if err != nil {
		return 0, err
	}
	if len(log) == 0 {
		return 0, nil
	}
	k, err := kever.Restore(log[0], p.keverConfig())
	if err != nil {
		return 0, err
	}
	for i, signed := range log {
		if i > 0 {
			if err := k.Replay(signed); err != nil {
				return i, err
			}
		}
		if err := p.restoreReceipts(ctx, k, signed); err != nil {
			return i, err
		}
		p.delegation.Observe(signed.Event)
	}
	p.mu.Lock()
	p.kevers[prefix] = k
	p.mu.Unlock()
	return len(log), nil
}

func (p *Processor) restoreReceipts(ctx context.Context, k *kever.Kever, signed *event.Signed) error {
	state := k.State()
	if _, err := p.receipts.Register(ctx, signed, state.Witnesses, state.WitnessThreshold); err != nil {
		return err
	}
	stored, err := p.store.LoadReceipts(ctx, signed.Event.SAID)
	if err != nil {
		return err
	}
	for _, r := range stored {
		if err := p.receipts.Restore(ctx, signed.Event.SAID, r); err != nil {
			// A stored receipt that no longer verifies is dropped rather
			// than blocking startup.
			p.logger.Warn("dropping stored receipt", "said", signed.Event.SAID, "witness", r.Witness, "error", err)
		}
	}
	return nil
}

func (p *Processor) kever(prefix event.Prefix) *kever.Kever {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.kevers[prefix]
}

// approver answers delegation queries from the delegator's live state
// and the delegation verifier.
type approver struct {
	p *Processor
}

func (a approver) Approve(ctx context.Context, delegator event.Prefix, seal event.Seal) (kever.Approval, error) {
	if k := a.p.kever(delegator); k != nil {
		state := k.State()
		if state.HasTrait(event.TraitDoNotDelegate) {
			return kever.ApprovalRefused, nil
		}
	}
	_, status, err := a.p.delegation.Seek(ctx, delegator, seal)
	if err != nil {
		return kever.ApprovalPending, err
	}
	if status == delegation.Confirmed {
		return kever.ApprovalConfirmed, nil
	}
	return kever.ApprovalPending, nil
}
