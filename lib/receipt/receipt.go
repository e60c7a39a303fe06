// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package receipt tracks witness receipts per accepted event.
//
// Each accepted event is registered with the witness set and
// threshold (TOAD) in force when it was accepted. Receipts count only
// if they come from a member of that set and carry a valid signature
// over the event's raw bytes; a witness that was cut by a later
// rotation can still receipt the events it witnessed, but not events
// accepted after the cut. The threshold gates downstream trust, not
// log inclusion: events are already in the log when they register.
//
// A receipt can arrive before its event is accepted (witnesses often
// answer faster than the controller's escrow clears). Such receipts
// are held unverified and checked when the event registers. The
// tracker has no event bytes to verify against before then, so every
// distinct (witness, signature) pair is held: a forged early receipt
// must not shadow the genuine one that follows it.
package receipt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/keystate/lib/clock"
	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/signing"
)

// ErrInvalidReceipt is returned for a receipt whose signature does not
// verify against the witness key.
var ErrInvalidReceipt = errors.New("invalid witness receipt")

// Receipt is one witness signature over an event.
type Receipt struct {
	Witness   event.Prefix `cbor:"witness"`
	Signature []byte       `cbor:"signature"`
	Received  time.Time    `cbor:"received"`
}

// Status summarizes the receipts of one event.
type Status struct {
	SAID      digest.Digest  `cbor:"said"`
	Prefix    event.Prefix   `cbor:"prefix"`
	Sequence  uint64         `cbor:"sequence"`
	Witnesses []event.Prefix `cbor:"witnesses,omitempty"`
	Threshold uint64         `cbor:"threshold"`
	Receipts  []Receipt      `cbor:"receipts,omitempty"`
	Met       bool           `cbor:"met"`
}

// Store persists verified receipts.
type Store interface {
	SaveReceipt(ctx context.Context, said digest.Digest, receipt Receipt) error
}

// Config configures a Tracker.
type Config struct {
	// Store persists verified receipts. Nil keeps them in memory.
	Store Store

	// Clock stamps receipts. Defaults to clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// Tracker is safe for concurrent use; each event digest has its own
// lock.
type Tracker struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	events map[digest.Digest]*tracked
}

type tracked struct {
	mu sync.Mutex

	registered bool
	prefix     event.Prefix
	sequence   uint64
	raw        []byte
	witnesses  []event.Prefix
	threshold  uint64
	met        bool

	// receipts holds verified receipts in arrival order.
	receipts []Receipt

	// unverified holds receipts that arrived before registration,
	// deduplicated by (witness, signature) and capped at maxUnverified.
	unverified []Receipt
}

// maxUnverified bounds the early receipts held for one event.
const maxUnverified = 64

// New returns an empty Tracker.
func New(config Config) *Tracker {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	receiptClock := config.Clock
	if receiptClock == nil {
		receiptClock = clock.Real()
	}
	return &Tracker{
		store:  config.Store,
		clock:  receiptClock,
		logger: logger,
		events: make(map[digest.Digest]*tracked),
	}
}

func (t *Tracker) entry(said digest.Digest, create bool) *tracked {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.events[said]
	if !ok && create {
		entry = &tracked{}
		t.events[said] = entry
	}
	return entry
}

// Register records an accepted event with the witness set and
// threshold effective at acceptance. Receipts held for it are verified
// now; invalid or non-member ones are dropped. It reports whether the
// threshold is met after that.
func (t *Tracker) Register(ctx context.Context, accepted *event.Signed, witnesses []event.Prefix, threshold uint64) (bool, error) {
	said := accepted.Event.SAID
	entry := t.entry(said, true)

	entry.mu.Lock()
	if entry.registered {
		met := entry.met
		entry.mu.Unlock()
		return met, nil
	}
	entry.registered = true
	entry.prefix = accepted.Event.Prefix
	entry.sequence = accepted.Event.Sequence
	entry.raw = slices.Clone(accepted.Raw)
	entry.witnesses = slices.Clone(witnesses)
	entry.threshold = threshold
	entry.met = len(witnesses) == 0 || threshold == 0
	held := entry.unverified
	entry.unverified = nil
	entry.mu.Unlock()

	for _, early := range held {
		_, err := t.record(ctx, said, early, true)
		if errors.Is(err, ErrInvalidReceipt) {
			t.logger.Warn("dropping early receipt", "said", said, "witness", early.Witness, "error", err)
			continue
		}
		if err != nil {
			return false, err
		}
	}
	return t.ThresholdMet(said), nil
}

// RecordReceipt records a witness receipt and reports whether the
// witness threshold became met by it. Receipts from non-members and
// valid repeats from the same witness are ignored (false, nil). A bad
// signature from a member returns ErrInvalidReceipt, whether or not
// that member has already receipted.
func (t *Tracker) RecordReceipt(ctx context.Context, said digest.Digest, witness event.Prefix, signature []byte) (bool, error) {
	return t.record(ctx, said, Receipt{
		Witness:   witness,
		Signature: slices.Clone(signature),
		Received:  t.clock.Now(),
	}, true)
}

// Restore re-adds a persisted receipt after Register at startup. It
// verifies the receipt but does not persist it again.
func (t *Tracker) Restore(ctx context.Context, said digest.Digest, receipt Receipt) error {
	_, err := t.record(ctx, said, receipt, false)
	return err
}

func (t *Tracker) record(ctx context.Context, said digest.Digest, receipt Receipt, persist bool) (bool, error) {
	entry := t.entry(said, true)
	entry.mu.Lock()

	if !entry.registered {
		for _, early := range entry.unverified {
			if early.Witness == receipt.Witness && bytes.Equal(early.Signature, receipt.Signature) {
				entry.mu.Unlock()
				return false, nil
			}
		}
		if len(entry.unverified) >= maxUnverified {
			entry.mu.Unlock()
			t.logger.Warn("too many early receipts, dropping", "said", said, "witness", receipt.Witness)
			return false, nil
		}
		entry.unverified = append(entry.unverified, receipt)
		entry.mu.Unlock()
		t.logger.Debug("receipt held until its event is accepted", "said", said, "witness", receipt.Witness)
		return false, nil
	}

	if !slices.Contains(entry.witnesses, receipt.Witness) {
		entry.mu.Unlock()
		t.logger.Debug("ignoring receipt from a non-member",
			"said", said, "sn", entry.sequence, "witness", receipt.Witness)
		return false, nil
	}
	// Verify before the duplicate check so a forgery from a member is
	// reported even after that member's genuine receipt is held.
	if !signing.Verify(string(receipt.Witness), entry.raw, receipt.Signature) {
		entry.mu.Unlock()
		return false, fmt.Errorf("%w: witness %s on %s", ErrInvalidReceipt, receipt.Witness, said.Short())
	}
	for _, existing := range entry.receipts {
		if existing.Witness == receipt.Witness {
			entry.mu.Unlock()
			return false, nil
		}
	}

	entry.receipts = append(entry.receipts, receipt)
	newlyMet := !entry.met && uint64(len(entry.receipts)) >= entry.threshold
	if newlyMet {
		entry.met = true
	}
	prefix, sequence, count := entry.prefix, entry.sequence, len(entry.receipts)
	entry.mu.Unlock()

	if newlyMet {
		t.logger.Info("witness threshold met", "prefix", prefix, "sn", sequence, "said", said, "receipts", count)
	}
	if persist && t.store != nil {
		if err := t.store.SaveReceipt(ctx, said, receipt); err != nil {
			return newlyMet, fmt.Errorf("saving receipt for %s from %s: %w", said, receipt.Witness, err)
		}
	}
	return newlyMet, nil
}

// ThresholdMet reports whether a registered event has enough
// receipts. Unregistered events are never met.
func (t *Tracker) ThresholdMet(said digest.Digest) bool {
	entry := t.entry(said, false)
	if entry == nil {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.registered && entry.met
}

// Receipts returns the receipt status of a registered event.
func (t *Tracker) Receipts(said digest.Digest) (Status, bool) {
	entry := t.entry(said, false)
	if entry == nil {
		return Status{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.registered {
		return Status{}, false
	}
	return Status{
		SAID:      said,
		Prefix:    entry.prefix,
		Sequence:  entry.sequence,
		Witnesses: slices.Clone(entry.witnesses),
		Threshold: entry.threshold,
		Receipts:  slices.Clone(entry.receipts),
		Met:       entry.met,
	}, true
}
