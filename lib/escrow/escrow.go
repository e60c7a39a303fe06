// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package escrow holds events that cannot be accepted yet and retries
// them when their dependencies may have arrived.
//
// Entries are keyed by the event SAID and grouped by prefix (the
// identifier for key events, the credential or registry for registry
// events). Holding an event that is already held merges the attached
// signatures, so co-signers can submit independently. Retries for one
// prefix visit entries in ascending (sequence, SAID) order, so
// accepting a missing event lets every later held event through in
// the same pass.
//
// Entries never expire. They leave the escrow when a retry resolves
// them (accepted, rejected, or duplicitous) or when an operator
// abandons or purges them.
package escrow

import (
	"cmp"
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
	"github.com/bureau-foundation/keystate/lib/kever"
	"github.com/bureau-foundation/keystate/lib/signing"
)

// ErrNotFound is returned when no entry has the requested SAID.
var ErrNotFound = errors.New("escrow entry not found")

// Entry is one held event.
type Entry struct {
	Prefix     event.Prefix               `cbor:"prefix"`
	Sequence   uint64                     `cbor:"sequence"`
	SAID       digest.Digest              `cbor:"said"`
	Ilk        event.Ilk                  `cbor:"ilk"`
	Raw        []byte                     `cbor:"raw"`
	Signatures []signing.IndexedSignature `cbor:"signatures,omitempty"`

	Reason kever.Reason `cbor:"reason"`
	Detail string       `cbor:"detail,omitempty"`

	Received time.Time `cbor:"received"`

	// Updated moves when the entry makes progress: resubmission, new
	// signatures, or a changed reason. A retry that ends the same way
	// does not touch it, so Purge ages out entries that are stuck
	// rather than entries that are merely retried often.
	Updated  time.Time `cbor:"updated"`
	Attempts int       `cbor:"attempts"`
}

// Signed decodes the held event with its signatures.
func (e *Entry) Signed() (*event.Signed, error) {
	return event.DecodeSigned(e.Raw, e.Signatures)
}

func (e Entry) clone() Entry {
	e.Raw = slices.Clone(e.Raw)
	e.Signatures = slices.Clone(e.Signatures)
	return e
}

// Store persists entries so escrow survives restarts.
type Store interface {
	SaveEscrow(ctx context.Context, entry Entry) error
	DeleteEscrow(ctx context.Context, said digest.Digest) error
	LoadEscrow(ctx context.Context) ([]Entry, error)
}

// Config configures an Escrow.
type Config struct {
	// Store persists entries. Nil keeps them in memory only.
	Store Store

	// Clock stamps entries. Defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// Escrow is safe for concurrent use. Each prefix has its own lock;
// retry callbacks run with no escrow lock held.
type Escrow struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger

	// mu guards the buckets and index maps, not bucket contents.
	mu      sync.Mutex
	buckets map[event.Prefix]*bucket
	index   map[digest.Digest]event.Prefix
}

type bucket struct {
	mu      sync.Mutex
	entries map[digest.Digest]*Entry
}

// New returns an empty Escrow.
func New(config Config) *Escrow {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	entryClock := config.Clock
	if entryClock == nil {
		entryClock = clock.Real()
	}
	return &Escrow{
		store:   config.Store,
		clock:   entryClock,
		logger:  logger,
		buckets: make(map[event.Prefix]*bucket),
		index:   make(map[digest.Digest]event.Prefix),
	}
}

// Load restores persisted entries. Call it once before use.
func (e *Escrow) Load(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	entries, err := e.store.LoadEscrow(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading escrow: %w", err)
	}
	for i := range entries {
		loaded := entries[i]
		held := e.bucketFor(loaded.Prefix, true)
		held.mu.Lock()
		held.entries[loaded.SAID] = &loaded
		held.mu.Unlock()
		e.indexPut(loaded.SAID, loaded.Prefix)
	}
	return len(entries), nil
}

func (e *Escrow) bucketFor(prefix event.Prefix, create bool) *bucket {
	e.mu.Lock()
	defer e.mu.Unlock()
	held, ok := e.buckets[prefix]
	if !ok && create {
		held = &bucket{entries: make(map[digest.Digest]*Entry)}
		e.buckets[prefix] = held
	}
	return held
}

func (e *Escrow) indexPut(said digest.Digest, prefix event.Prefix) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.index[said] = prefix
}

func (e *Escrow) indexDelete(said digest.Digest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.index, said)
}

// Hold escrows signed with the reason from outcome. If the event is
// already held, its signatures are merged and the reason refreshed.
func (e *Escrow) Hold(ctx context.Context, signed *event.Signed, outcome kever.Outcome) (Entry, error) {
	held := signed.Event
	now := e.clock.Now()
	target := e.bucketFor(held.Prefix, true)

	target.mu.Lock()
	entry, exists := target.entries[held.SAID]
	if !exists {
		entry = &Entry{
			Prefix:   held.Prefix,
			Sequence: held.Sequence,
			SAID:     held.SAID,
			Ilk:      held.Ilk,
			Raw:      slices.Clone(signed.Raw),
			Received: now,
		}
		target.entries[held.SAID] = entry
	}
	entry.Signatures = signing.MergeSignatures(entry.Signatures, signed.Signatures)
	entry.Reason = outcome.Reason
	entry.Detail = outcome.Detail
	entry.Updated = now
	snapshot := entry.clone()
	target.mu.Unlock()

	if !exists {
		e.indexPut(held.SAID, held.Prefix)
		e.logger.Info("event escrowed",
			"prefix", held.Prefix,
			"sn", held.Sequence,
			"said", held.SAID,
			"reason", outcome.Reason,
		)
	}
	if err := e.persist(ctx, snapshot); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// AddSignatures merges signatures into the entry held under said and
// returns the updated entry.
func (e *Escrow) AddSignatures(ctx context.Context, said digest.Digest, signatures []signing.IndexedSignature) (Entry, error) {
	prefix, ok := e.lookup(said)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, said)
	}
	target := e.bucketFor(prefix, false)
	if target == nil {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, said)
	}
	target.mu.Lock()
	entry, exists := target.entries[said]
	if !exists {
		target.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, said)
	}
	entry.Signatures = signing.MergeSignatures(entry.Signatures, signatures)
	entry.Updated = e.clock.Now()
	snapshot := entry.clone()
	target.mu.Unlock()

	return snapshot, e.persist(ctx, snapshot)
}

// RetryFunc re-submits one held event and reports the new outcome.
type RetryFunc func(ctx context.Context, entry Entry) (kever.Outcome, error)

// Result pairs a retried entry with its outcome.
type Result struct {
	Entry   Entry
	Outcome kever.Outcome
}

// Retry re-submits every entry held for prefix, in ascending
// (sequence, SAID) order. Entries whose outcome is no longer Escrowed
// are removed; the rest get the refreshed reason. An error from retry
// stops the pass and is returned with the results so far.
//
// The order is what makes one pass enough. When the event at n
// arrives, the held n+1 is visited after it in the same loop and finds
// its prior accepted, and so on up the chain; a map-order pass would
// need as many passes as there are gaps. SAID breaks ties so that
// competing events at one sequence number are tried in a stable
// order: the first accepted wins and the others come back as
// Duplicitous or Rejected against it on every node the same way.
//
// The bucket is snapshotted and unlocked before the callbacks run;
// each callback may be slow (it verifies signatures and writes the
// log) and Find, Entries and Len on other goroutines must not wait on
// it. Entries held after the snapshot wait for the next Retry.
func (e *Escrow) Retry(ctx context.Context, prefix event.Prefix, retry RetryFunc) ([]Result, error) {
	target := e.bucketFor(prefix, false)
	if target == nil {
		return nil, nil
	}
	target.mu.Lock()
	pending := make([]Entry, 0, len(target.entries))
	for _, entry := range target.entries {
		pending = append(pending, entry.clone())
	}
	target.mu.Unlock()
	slices.SortFunc(pending, compareEntries)

	results := make([]Result, 0, len(pending))
	for _, entry := range pending {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		outcome, err := retry(ctx, entry)
		if err != nil {
			return results, fmt.Errorf("retrying %s/%d: %w", entry.Prefix, entry.Sequence, err)
		}
		results = append(results, Result{Entry: entry, Outcome: outcome})
		if outcome.Status == kever.Escrowed {
			if err := e.refresh(ctx, target, entry.SAID, outcome); err != nil {
				return results, err
			}
			continue
		}
		e.logger.Info("escrow entry resolved",
			"prefix", entry.Prefix,
			"sn", entry.Sequence,
			"said", entry.SAID,
			"status", outcome.Status,
			"reason", outcome.Reason,
		)
		if err := e.remove(ctx, target, entry.SAID); err != nil {
			return results, err
		}
	}
	return results, nil
}

func compareEntries(a, b Entry) int {
	if order := cmp.Compare(a.Sequence, b.Sequence); order != 0 {
		return order
	}
	return cmp.Compare(a.SAID, b.SAID)
}

func (e *Escrow) refresh(ctx context.Context, target *bucket, said digest.Digest, outcome kever.Outcome) error {
	target.mu.Lock()
	entry, exists := target.entries[said]
	if !exists {
		// Abandoned while the retry ran.
		target.mu.Unlock()
		return nil
	}
	if entry.Reason != outcome.Reason {
		entry.Updated = e.clock.Now()
	}
	entry.Reason = outcome.Reason
	entry.Detail = outcome.Detail
	entry.Attempts++
	snapshot := entry.clone()
	target.mu.Unlock()
	return e.persist(ctx, snapshot)
}

func (e *Escrow) remove(ctx context.Context, target *bucket, said digest.Digest) error {
	target.mu.Lock()
	_, exists := target.entries[said]
	delete(target.entries, said)
	target.mu.Unlock()
	if !exists {
		return nil
	}
	e.indexDelete(said)
	if e.store == nil {
		return nil
	}
	if err := e.store.DeleteEscrow(ctx, said); err != nil {
		return fmt.Errorf("deleting escrow entry %s: %w", said, err)
	}
	return nil
}

func (e *Escrow) persist(ctx context.Context, entry Entry) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveEscrow(ctx, entry); err != nil {
		return fmt.Errorf("saving escrow entry %s: %w", entry.SAID, err)
	}
	return nil
}

func (e *Escrow) lookup(said digest.Digest) (event.Prefix, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prefix, ok := e.index[said]
	return prefix, ok
}

// Find returns the entry held under said.
func (e *Escrow) Find(said digest.Digest) (Entry, bool) {
	prefix, ok := e.lookup(said)
	if !ok {
		return Entry{}, false
	}
	target := e.bucketFor(prefix, false)
	if target == nil {
		return Entry{}, false
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	entry, ok := target.entries[said]
	if !ok {
		return Entry{}, false
	}
	return entry.clone(), true
}

// Entries lists held entries for prefix, or for every prefix when
// prefix is empty, in (prefix, sequence, SAID) order.
func (e *Escrow) Entries(prefix event.Prefix) []Entry {
	var prefixes []event.Prefix
	if prefix != "" {
		prefixes = []event.Prefix{prefix}
	} else {
		prefixes = e.Prefixes()
	}
	var entries []Entry
	for _, held := range prefixes {
		target := e.bucketFor(held, false)
		if target == nil {
			continue
		}
		target.mu.Lock()
		start := len(entries)
		for _, entry := range target.entries {
			entries = append(entries, entry.clone())
		}
		target.mu.Unlock()
		slices.SortFunc(entries[start:], compareEntries)
	}
	return entries
}

// Prefixes returns, sorted, the prefixes that have held entries.
func (e *Escrow) Prefixes() []event.Prefix {
	e.mu.Lock()
	buckets := make(map[event.Prefix]*bucket, len(e.buckets))
	for prefix, held := range e.buckets {
		buckets[prefix] = held
	}
	e.mu.Unlock()

	prefixes := make([]event.Prefix, 0, len(buckets))
	for prefix, held := range buckets {
		held.mu.Lock()
		empty := len(held.entries) == 0
		held.mu.Unlock()
		if !empty {
			prefixes = append(prefixes, prefix)
		}
	}
	slices.Sort(prefixes)
	return prefixes
}

// Abandon removes the entry held under said.
func (e *Escrow) Abandon(ctx context.Context, said digest.Digest) (Entry, error) {
	entry, ok := e.Find(said)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, said)
	}
	target := e.bucketFor(entry.Prefix, false)
	if err := e.remove(ctx, target, said); err != nil {
		return entry, err
	}
	e.logger.Info("escrow entry abandoned",
		"prefix", entry.Prefix,
		"sn", entry.Sequence,
		"said", said,
		"reason", entry.Reason,
	)
	return entry, nil
}

// Release removes the entry held under said after it was resolved
// outside Retry, for example by a resubmission carrying the missing
// signatures. Releasing an entry that is not held is a no-op.
func (e *Escrow) Release(ctx context.Context, said digest.Digest) error {
	prefix, ok := e.lookup(said)
	if !ok {
		return nil
	}
	target := e.bucketFor(prefix, false)
	if target == nil {
		return nil
	}
	return e.remove(ctx, target, said)
}

// Purge removes every entry for prefix (every entry when prefix is
// empty) that was last updated before cutoff. A zero cutoff purges
// regardless of age. It returns the removed entries.
func (e *Escrow) Purge(ctx context.Context, prefix event.Prefix, cutoff time.Time) ([]Entry, error) {
	var purged []Entry
	for _, entry := range e.Entries(prefix) {
		if !cutoff.IsZero() && !entry.Updated.Before(cutoff) {
			continue
		}
		if err := e.remove(ctx, e.bucketFor(entry.Prefix, false), entry.SAID); err != nil {
			return purged, err
		}
		purged = append(purged, entry)
	}
	if len(purged) > 0 {
		e.logger.Info("escrow purged", "prefix", prefix, "entries", len(purged))
	}
	return purged, nil
}

// Len returns the total number of held entries.
func (e *Escrow) Len() int {
	return len(e.Entries(""))
}
