// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"time"

	"github.com/bureau-foundation/keystate/lib/delegation"
	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/escrow"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/kever"
	"github.com/bureau-foundation/keystate/lib/service"
)

// escrowEntry is the wire form of a held event. The raw bytes stay in
// the daemon; operators identify entries by SAID.
type escrowEntry struct {
	Prefix     event.Prefix  `cbor:"prefix"`
	Sequence   uint64        `cbor:"sequence"`
	SAID       digest.Digest `cbor:"said"`
	Ilk        event.Ilk     `cbor:"ilk"`
	Reason     kever.Reason  `cbor:"reason"`
	Detail     string        `cbor:"detail,omitempty"`
	Signatures int           `cbor:"signatures"`
	Received   time.Time     `cbor:"received"`
	Updated    time.Time     `cbor:"updated"`
	Attempts   int           `cbor:"attempts"`
}

func toEscrowEntry(entry escrow.Entry) escrowEntry {
	return escrowEntry{
		Prefix:     entry.Prefix,
		Sequence:   entry.Sequence,
		SAID:       entry.SAID,
		Ilk:        entry.Ilk,
		Reason:     entry.Reason,
		Detail:     entry.Detail,
		Signatures: len(entry.Signatures),
		Received:   entry.Received,
		Updated:    entry.Updated,
		Attempts:   entry.Attempts,
	}
}

func toEscrowEntries(entries []escrow.Entry) []escrowEntry {
	converted := make([]escrowEntry, 0, len(entries))
	for _, entry := range entries {
		converted = append(converted, toEscrowEntry(entry))
	}
	return converted
}

// escrowResponse lists held events and the anchor searches still
// pending for them.
type escrowResponse struct {
	Entries []escrowEntry     `cbor:"entries"`
	Pending []delegation.Seek `cbor:"pending,omitempty"`
}

// handleListEscrow lists held events for one identifier, or for all
// identifiers when prefix is empty.
func (d *Daemon) handleListEscrow(ctx context.Context, raw []byte) (any, error) {
	var request prefixRequest
	if err := service.Decode(raw, &request); err != nil {
		return nil, err
	}
	response := escrowResponse{Entries: toEscrowEntries(d.processor.Escrowed(request.Prefix))}
	for _, seek := range d.processor.PendingDelegations() {
		if request.Prefix == "" || seek.Seal.Prefix == request.Prefix {
			response.Pending = append(response.Pending, seek)
		}
	}
	return response, nil
}

func (d *Daemon) handleAbandonEscrow(ctx context.Context, raw []byte) (any, error) {
	var request saidRequest
	if err := service.Decode(raw, &request); err != nil {
		return nil, err
	}
	if request.SAID == "" {
		return nil, service.BadRequest("said is required")
	}
	entry, err := d.processor.Abandon(ctx, request.SAID)
	if err != nil {
		return nil, classify(err)
	}
	d.logger.Info("escrow entry abandoned",
		"prefix", entry.Prefix, "sn", entry.Sequence, "said", entry.SAID, "reason", entry.Reason)
	return toEscrowEntry(entry), nil
}

// purgeRequest purges the entries of one identifier (all when empty)
// idle for longer than MaxAge. An empty MaxAge purges regardless of
// age.
type purgeRequest struct {
	Prefix event.Prefix `cbor:"prefix,omitempty"`
	MaxAge string       `cbor:"max_age,omitempty"`
}

func (d *Daemon) handlePurgeEscrow(ctx context.Context, raw []byte) (any, error) {
	var request purgeRequest
	if err := service.Decode(raw, &request); err != nil {
		return nil, err
	}
	var age time.Duration
	if request.MaxAge != "" {
		parsed, err := time.ParseDuration(request.MaxAge)
		if err != nil || parsed <= 0 {
			return nil, service.BadRequest("max_age must be a positive duration, got %q", request.MaxAge)
		}
		age = parsed
	}
	purged, err := d.processor.Purge(ctx, request.Prefix, age)
	if err != nil {
		return nil, err
	}
	d.logger.Info("escrow purged", "prefix", request.Prefix, "max_age", age, "purged", len(purged))
	return toEscrowEntries(purged), nil
}

// retryResponse reports how many held events left escrow.
type retryResponse struct {
	Resolved int `cbor:"resolved"`
}

func (d *Daemon) handleRetryEscrow(ctx context.Context, raw []byte) (any, error) {
	resolved, err := d.processor.RetryAll(ctx)
	if err != nil {
		return nil, err
	}
	d.logger.Info("escrow retried on request", "resolved", resolved)
	return retryResponse{Resolved: resolved}, nil
}

// resolveResponse names the flag an operator cleared. Empty means the
// identifier was not flagged.
type resolveResponse struct {
	Cleared kever.Flag `cbor:"cleared"`
}

func (d *Daemon) handleResolve(ctx context.Context, raw []byte) (any, error) {
	prefix, err := decodePrefix(raw)
	if err != nil {
		return nil, err
	}
	cleared, err := d.processor.Resolve(ctx, prefix)
	if err != nil {
		return nil, classify(err)
	}
	if cleared != "" {
		d.logger.Warn("identifier flag cleared by operator", "prefix", prefix, "flag", cleared)
	}
	return resolveResponse{Cleared: cleared}, nil
}
