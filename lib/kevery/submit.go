// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kevery

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/escrow"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/kelstore"
	"github.com/bureau-foundation/keystate/lib/kever"
	"github.com/bureau-foundation/keystate/lib/signing"
)

// SubmitEvent decodes and processes one key or registry event with its
// attached signatures.
//
// Every event-level result, including malformed bytes, is an Outcome.
// The error is reserved for storage failures. Acceptance retries the
// escrow entries it may unblock, for this identifier and for any
// identifier whose delegation or registry event it anchors, before
// SubmitEvent returns.
func (p *Processor) SubmitEvent(ctx context.Context, raw []byte, signatures []signing.IndexedSignature) (kever.Outcome, error) {
	signed, err := event.DecodeSigned(raw, signatures)
	if err != nil {
		return kever.Outcome{Status: kever.Rejected, Reason: kever.InvalidEvent, Detail: err.Error()}, nil
	}
	var work cascade
	outcome, err := p.submit(ctx, signed, &work)
	if err != nil {
		return outcome, err
	}
	return outcome, p.drain(ctx, &work)
}

// SubmitRegistryEvent processes one registry event (vcp, iss, rev).
// Key events are rejected.
func (p *Processor) SubmitRegistryEvent(ctx context.Context, raw []byte) (kever.Outcome, error) {
	signed, err := event.DecodeSigned(raw, nil)
	if err != nil {
		return kever.Outcome{Status: kever.Rejected, Reason: kever.InvalidEvent, Detail: err.Error()}, nil
	}
	if !signed.Event.Ilk.RegistryEvent() {
		return kever.Reject(signed.Event, kever.InvalidEvent, "%s is not a registry event", signed.Event.Ilk), nil
	}
	var work cascade
	outcome, err := p.submit(ctx, signed, &work)
	if err != nil {
		return outcome, err
	}
	return outcome, p.drain(ctx, &work)
}

// SubmitSignatures adds signatures to an escrowed event and retries
// its identifier. Signatures for an already accepted event are
// ignored and the outcome is Accepted. An event that is neither held
// nor accepted returns ErrNotFound.
func (p *Processor) SubmitSignatures(ctx context.Context, said digest.Digest, signatures []signing.IndexedSignature) (kever.Outcome, error) {
	entry, err := p.escrow.AddSignatures(ctx, said, signatures)
	if errors.Is(err, escrow.ErrNotFound) {
		accepted, getErr := p.store.Get(ctx, said)
		switch {
		case getErr == nil:
			return kever.Accept(accepted.Event), nil
		case errors.Is(getErr, kelstore.ErrNotFound):
			return kever.Outcome{}, fmt.Errorf("%w: no escrowed or accepted event %s", ErrNotFound, said)
		default:
			return kever.Outcome{}, getErr
		}
	}
	if err != nil {
		return kever.Outcome{}, err
	}

	var work cascade
	unlock := p.locks.Lock(entry.Prefix)
	results, err := p.escrow.Retry(ctx, entry.Prefix, p.retryFunc(&work))
	unlock()
	if err != nil {
		return kever.Outcome{}, err
	}
	outcome := kever.Outcome{Status: kever.Escrowed, Reason: entry.Reason, Prefix: entry.Prefix, Sequence: entry.Sequence, SAID: said}
	for _, result := range results {
		if result.Entry.SAID == said {
			outcome = result.Outcome
		}
	}
	return outcome, p.drain(ctx, &work)
}

// SubmitWitnessReceipt records a witness receipt and reports whether
// it newly met the event's witness threshold.
func (p *Processor) SubmitWitnessReceipt(ctx context.Context, said digest.Digest, witness event.Prefix, signature []byte) (bool, error) {
	return p.receipts.RecordReceipt(ctx, said, witness, signature)
}

// submit processes one decoded event under its prefix lock, escrowing
// it when the outcome is retryable.
func (p *Processor) submit(ctx context.Context, signed *event.Signed, work *cascade) (kever.Outcome, error) {
	submitted := signed.Event
	unlock := p.locks.Lock(submitted.Prefix)
	defer unlock()

	// Signatures already held for this event count toward this
	// attempt, so co-signers can submit independently.
	held, isHeld := p.escrow.Find(submitted.SAID)
	if isHeld {
		signed = &event.Signed{
			Event:      submitted,
			Raw:        signed.Raw,
			Signatures: signing.MergeSignatures(held.Signatures, signed.Signatures),
		}
	}

	outcome, err := p.apply(ctx, signed, work)
	if err != nil {
		return outcome, err
	}
	switch outcome.Status {
	case kever.Escrowed:
		if _, err := p.escrow.Hold(ctx, signed, outcome); err != nil {
			return outcome, err
		}
	case kever.Accepted:
		work.push(submitted.Prefix)
		if isHeld {
			if err := p.escrow.Release(ctx, submitted.SAID); err != nil {
				return outcome, err
			}
		}
	}
	return outcome, nil
}

// retryFunc returns the escrow callback that re-applies held events.
// The caller holds the prefix lock; escrow itself removes or refreshes
// each entry from the outcome.
func (p *Processor) retryFunc(work *cascade) escrow.RetryFunc {
	return func(ctx context.Context, entry escrow.Entry) (kever.Outcome, error) {
		signed, err := entry.Signed()
		if err != nil {
			p.logger.Warn("dropping undecodable escrow entry", "said", entry.SAID, "error", err)
			return kever.Outcome{Status: kever.Rejected, Reason: kever.InvalidEvent, Prefix: entry.Prefix,
				Sequence: entry.Sequence, SAID: entry.SAID, Detail: err.Error()}, nil
		}
		return p.apply(ctx, signed, work)
	}
}

// apply runs one event against the identifier or registry state and
// performs the side effects of its outcome. The caller holds the
// prefix lock.
func (p *Processor) apply(ctx context.Context, signed *event.Signed, work *cascade) (kever.Outcome, error) {
	if signed.Event.Ilk.RegistryEvent() {
		return p.applyRegistry(ctx, signed, work)
	}
	return p.applyKey(ctx, signed, work)
}

func (p *Processor) applyKey(ctx context.Context, signed *event.Signed, work *cascade) (kever.Outcome, error) {
	applied := signed.Event
	k := p.kever(applied.Prefix)
	if k == nil {
		if applied.Ilk != event.Inception && applied.Ilk != event.DelegatedInception {
			return kever.Escrow(applied, kever.MissingPrior, "identifier %s is not known yet", applied.Prefix), nil
		}
		incepted, outcome, err := kever.Initialize(ctx, signed, p.keverConfig())
		if err != nil || outcome.Status != kever.Accepted {
			return outcome, err
		}
		p.mu.Lock()
		p.kevers[applied.Prefix] = incepted
		p.mu.Unlock()
		return outcome, p.accepted(ctx, incepted, signed, work)
	}

	_, alreadyAccepted := k.SAIDAt(applied.Sequence)
	flagBefore := k.State().Flag
	outcome, err := k.Apply(ctx, signed)
	if err != nil {
		return outcome, err
	}

	switch outcome.Status {
	case kever.Accepted:
		if !alreadyAccepted {
			if err := p.accepted(ctx, k, signed, work); err != nil {
				return outcome, err
			}
		}
	case kever.Duplicitous:
		accepted, _ := k.SAIDAt(applied.Sequence)
		if err := p.store.SaveConflict(ctx, signed, accepted); err != nil {
			return outcome, err
		}
	}

	if flag := k.State().Flag; flag != flagBefore {
		if err := p.store.SaveFlag(ctx, applied.Prefix, flag, outcome.Detail); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

// accepted registers receipts and reports anchors for a newly accepted
// key event.
func (p *Processor) accepted(ctx context.Context, k *kever.Kever, signed *event.Signed, work *cascade) error {
	state := k.State()
	if _, err := p.receipts.Register(ctx, signed, state.Witnesses, state.WitnessThreshold); err != nil {
		return err
	}
	for _, seal := range p.delegation.Observe(signed.Event) {
		work.push(seal.Prefix)
	}
	return nil
}

func (p *Processor) applyRegistry(ctx context.Context, signed *event.Signed, work *cascade) (kever.Outcome, error) {
	outcome, err := p.registry.Apply(ctx, signed)
	if err != nil || outcome.Status != kever.Accepted {
		return outcome, err
	}
	if signed.Event.Ilk == event.RegistryInception {
		// Credential events that arrived before their registry. The
		// registry state records them as it holds them back, which
		// covers events whose escrow entry is still being written by a
		// concurrent submission; the escrow scan covers entries loaded
		// at startup.
		work.push(p.registry.TakeWaiting(signed.Event.Prefix)...)
		for _, entry := range p.escrow.Entries("") {
			if entry.Ilk != event.Issuance && entry.Ilk != event.Revocation {
				continue
			}
			waiting, err := entry.Signed()
			if err == nil && waiting.Event.Registry == signed.Event.Prefix {
				work.push(entry.Prefix)
			}
		}
	}
	return outcome, nil
}

// drain retries the escrow of every queued prefix, one prefix lock at
// a time, until no retry accepts anything new.
func (p *Processor) drain(ctx context.Context, work *cascade) error {
	for {
		prefix, ok := work.pop()
		if !ok {
			return nil
		}
		unlock := p.locks.Lock(prefix)
		results, err := p.escrow.Retry(ctx, prefix, p.retryFunc(work))
		unlock()
		if err != nil {
			return err
		}
		for _, result := range results {
			if result.Outcome.Status != kever.Escrowed {
				p.logger.Debug("cascade resolved escrow entry",
					"prefix", prefix, "sn", result.Entry.Sequence, "status", result.Outcome.Status)
			}
		}
	}
}

// cascade is a FIFO of prefixes whose escrow may be unblocked. A
// prefix is queued at most once at a time.
//
// Acceptance only queues; drain retries after the accepting
// submission has released its prefix lock. Retrying inline would take
// a second prefix lock while holding the first, and a delegator and
// delegate accepting into each other's escrow would deadlock. Each
// submission drains its own queue, so no accepted event depends on
// another goroutine noticing it.
type cascade struct {
	queue  []event.Prefix
	queued map[event.Prefix]bool
}

func (c *cascade) push(prefixes ...event.Prefix) {
	if c.queued == nil {
		c.queued = make(map[event.Prefix]bool)
	}
	for _, prefix := range prefixes {
		if !c.queued[prefix] {
			c.queued[prefix] = true
			c.queue = append(c.queue, prefix)
		}
	}
}

func (c *cascade) pop() (event.Prefix, bool) {
	if len(c.queue) == 0 {
		return "", false
	}
	prefix := c.queue[0]
	c.queue = c.queue[1:]
	delete(c.queued, prefix)
	return prefix, true
}
