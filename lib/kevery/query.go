// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kevery

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/bureau-foundation/keystate/lib/delegation"
	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/escrow"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/kelstore"
	"github.com/bureau-foundation/keystate/lib/kever"
	"github.com/bureau-foundation/keystate/lib/receipt"
	"github.com/bureau-foundation/keystate/lib/registry"
)

// QueryState returns the current key state of prefix.
func (p *Processor) QueryState(prefix event.Prefix) (kever.State, error) {
	k := p.kever(prefix)
	if k == nil {
		return kever.State{}, fmt.Errorf("%w: identifier %s", ErrNotFound, prefix)
	}
	return k.State(), nil
}

// QueryLog returns the accepted events of prefix from sequence number
// from onward.
func (p *Processor) QueryLog(ctx context.Context, prefix event.Prefix, from uint64) ([]*event.Signed, error) {
	if p.kever(prefix) == nil {
		return nil, fmt.Errorf("%w: identifier %s", ErrNotFound, prefix)
	}
	return p.store.Log(ctx, prefix, from)
}

// QueryDuplicity returns the conflicting events recorded for prefix.
// An identifier with no conflicts returns an empty list.
func (p *Processor) QueryDuplicity(ctx context.Context, prefix event.Prefix) ([]kelstore.Conflict, error) {
	if p.kever(prefix) == nil {
		return nil, fmt.Errorf("%w: identifier %s", ErrNotFound, prefix)
	}
	return p.store.Conflicts(ctx, prefix)
}

// QueryReceipts returns the witness receipt status of an accepted
// event.
func (p *Processor) QueryReceipts(said digest.Digest) (receipt.Status, error) {
	status, ok := p.receipts.Receipts(said)
	if !ok {
		return receipt.Status{}, fmt.Errorf("%w: accepted event %s", ErrNotFound, said)
	}
	return status, nil
}

// QueryCredential returns the state of a credential.
func (p *Processor) QueryCredential(prefix event.Prefix) (registry.Credential, error) {
	credential, ok := p.registry.Credential(prefix)
	if !ok {
		return registry.Credential{}, fmt.Errorf("%w: credential %s", ErrNotFound, prefix)
	}
	return credential, nil
}

// QueryRegistry returns a registry and its credentials.
func (p *Processor) QueryRegistry(prefix event.Prefix) (registry.Registry, []registry.Credential, error) {
	found, ok := p.registry.Registry(prefix)
	if !ok {
		return registry.Registry{}, nil, fmt.Errorf("%w: registry %s", ErrNotFound, prefix)
	}
	return found, p.registry.Credentials(prefix), nil
}

// Escrowed lists held events for prefix, or all when prefix is empty.
func (p *Processor) Escrowed(prefix event.Prefix) []escrow.Entry {
	return p.escrow.Entries(prefix)
}

// PendingDelegations lists seals still awaiting an anchor.
func (p *Processor) PendingDelegations() []delegation.Seek {
	return p.delegation.Pending()
}

// Abandon drops an escrowed event and any pending anchor search for
// it.
func (p *Processor) Abandon(ctx context.Context, said digest.Digest) (escrow.Entry, error) {
	entry, err := p.escrow.Abandon(ctx, said)
	if err != nil {
		return entry, err
	}
	p.delegation.Abandon(event.Seal{Prefix: entry.Prefix, Sequence: entry.Sequence, SAID: entry.SAID})
	return entry, nil
}

// Purge drops escrowed events for prefix (all prefixes when empty)
// not updated within age. A zero age purges regardless of age.
func (p *Processor) Purge(ctx context.Context, prefix event.Prefix, age time.Duration) ([]escrow.Entry, error) {
	var cutoff time.Time
	if age > 0 {
		cutoff = p.clock.Now().Add(-age)
	}
	purged, err := p.escrow.Purge(ctx, prefix, cutoff)
	for _, entry := range purged {
		p.delegation.Abandon(event.Seal{Prefix: entry.Prefix, Sequence: entry.Sequence, SAID: entry.SAID})
	}
	return purged, err
}

// Resolve clears the review flag of prefix after operator review and
// retries the events escrowed behind it. Accepted events stay as they
// are. It returns the flag that was cleared.
func (p *Processor) Resolve(ctx context.Context, prefix event.Prefix) (kever.Flag, error) {
	k := p.kever(prefix)
	if k == nil {
		return kever.FlagNone, fmt.Errorf("%w: identifier %s", ErrNotFound, prefix)
	}
	unlock := p.locks.Lock(prefix)
	cleared := k.Resolve()
	var err error
	if cleared != kever.FlagNone {
		err = p.store.SaveFlag(ctx, prefix, kever.FlagNone, "")
	}
	unlock()
	if err != nil || cleared == kever.FlagNone {
		return cleared, err
	}

	var work cascade
	work.push(prefix)
	return cleared, p.drain(ctx, &work)
}

// RetryAll retries every escrowed event and returns how many left
// escrow (accepted, rejected, or found duplicitous). The daemon calls
// it periodically; acceptance cascades do not depend on it.
func (p *Processor) RetryAll(ctx context.Context) (int, error) {
	resolved := 0
	var work cascade
	for _, prefix := range p.escrow.Prefixes() {
		unlock := p.locks.Lock(prefix)
		results, err := p.escrow.Retry(ctx, prefix, p.retryFunc(&work))
		unlock()
		for _, result := range results {
			if result.Outcome.Status != kever.Escrowed {
				resolved++
			}
		}
		if err != nil {
			return resolved, err
		}
	}
	return resolved, p.drain(ctx, &work)
}

// Status summarizes the processor for operators.
type Status struct {
	Identifiers        int               `cbor:"identifiers"`
	Flagged            map[string]string `cbor:"flagged,omitempty"`
	Escrowed           int               `cbor:"escrowed"`
	PendingDelegations int               `cbor:"pending_delegations"`
	Store              kelstore.Counts   `cbor:"store"`
}

// Status returns identifier, escrow, and store counts.
func (p *Processor) Status(ctx context.Context) (Status, error) {
	counts, err := p.store.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	p.mu.RLock()
	kevers := make([]*kever.Kever, 0, len(p.kevers))
	for _, k := range p.kevers {
		kevers = append(kevers, k)
	}
	p.mu.RUnlock()

	status := Status{
		Identifiers:        len(kevers),
		Escrowed:           p.escrow.Len(),
		PendingDelegations: len(p.delegation.Pending()),
		Store:              counts,
	}
	for _, k := range kevers {
		state := k.State()
		if state.Flag == kever.FlagNone {
			continue
		}
		if status.Flagged == nil {
			status.Flagged = make(map[string]string)
		}
		status.Flagged[string(state.Prefix)] = string(state.Flag)
	}
	return status, nil
}

// Identifiers lists known identifier prefixes in sorted order.
func (p *Processor) Identifiers() []event.Prefix {
	p.mu.RLock()
	prefixes := make([]event.Prefix, 0, len(p.kevers))
	for prefix := range p.kevers {
		prefixes = append(prefixes, prefix)
	}
	p.mu.RUnlock()
	slices.Sort(prefixes)
	return prefixes
}
