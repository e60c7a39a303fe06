// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kelstream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/kever"
	"github.com/bureau-foundation/keystate/lib/receipt"
	"github.com/bureau-foundation/keystate/lib/signing"
)

// Source supplies accepted events for export. *kelstore.Store
// implements it.
type Source interface {
	Prefixes(ctx context.Context) ([]event.Prefix, error)
	Log(ctx context.Context, prefix event.Prefix, from uint64) ([]*event.Signed, error)
	LoadReceipts(ctx context.Context, said digest.Digest) ([]receipt.Receipt, error)
	RegistryLog(ctx context.Context) ([]*event.Signed, error)
}

// Submitter replays imported records. *kevery.Processor implements
// it.
type Submitter interface {
	SubmitEvent(ctx context.Context, raw []byte, signatures []signing.IndexedSignature) (kever.Outcome, error)
	SubmitWitnessReceipt(ctx context.Context, said digest.Digest, witness event.Prefix, signature []byte) (bool, error)
}

// ExportOptions selects what Export writes.
type ExportOptions struct {
	Compression Compression

	// Prefixes limits the export to these identifiers. Empty exports
	// every identifier.
	Prefixes []event.Prefix

	// Registries includes every registry event.
	Registries bool
}

// Summary counts what a stream carried.
type Summary struct {
	Events         int `cbor:"events"`
	RegistryEvents int `cbor:"registry_events"`
	Receipts       int `cbor:"receipts"`

	// Outcomes counts import results by status. Export leaves it nil.
	Outcomes map[kever.Status]int `cbor:"outcomes,omitempty"`
}

// Export writes the selected logs from source to w.
func Export(ctx context.Context, w io.Writer, source Source, options ExportOptions) (Summary, error) {
	var summary Summary
	prefixes := options.Prefixes
	if len(prefixes) == 0 {
		all, err := source.Prefixes(ctx)
		if err != nil {
			return summary, fmt.Errorf("kelstream: listing identifiers: %w", err)
		}
		prefixes = all
	}

	writer, err := NewWriter(w, options.Compression)
	if err != nil {
		return summary, err
	}
	for _, prefix := range prefixes {
		log, err := source.Log(ctx, prefix, 0)
		if err != nil {
			writer.Close()
			return summary, fmt.Errorf("kelstream: reading log of %s: %w", prefix, err)
		}
		for _, signed := range log {
			receipts, err := source.LoadReceipts(ctx, signed.Event.SAID)
			if err != nil {
				writer.Close()
				return summary, fmt.Errorf("kelstream: reading receipts of %s: %w", signed.Event.SAID, err)
			}
			if err := writer.Write(Record{Raw: signed.Raw, Signatures: signed.Signatures, Receipts: receipts}); err != nil {
				writer.Close()
				return summary, err
			}
			summary.Events++
			summary.Receipts += len(receipts)
		}
	}

	if options.Registries {
		tel, err := source.RegistryLog(ctx)
		if err != nil {
			writer.Close()
			return summary, fmt.Errorf("kelstream: reading registry log: %w", err)
		}
		for _, signed := range tel {
			if err := writer.Write(Record{Raw: signed.Raw}); err != nil {
				writer.Close()
				return summary, err
			}
			summary.RegistryEvents++
		}
	}
	return summary, writer.Close()
}

// Import replays every record of the stream in r through submitter.
// Rejected and escrowed events are counted, not treated as errors; the
// error reports unreadable input or a storage failure.
func Import(ctx context.Context, r io.Reader, submitter Submitter) (Summary, error) {
	summary := Summary{Outcomes: make(map[kever.Status]int)}
	reader, err := NewReader(r)
	if err != nil {
		return summary, err
	}
	defer reader.Close()

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		record, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return summary, nil
		}
		if err != nil {
			return summary, err
		}

		registryEvent := false
		if decoded, err := event.DecodeSigned(record.Raw, nil); err == nil {
			registryEvent = decoded.Event.Ilk.RegistryEvent()
		}
		outcome, err := submitter.SubmitEvent(ctx, record.Raw, record.Signatures)
		if err != nil {
			return summary, fmt.Errorf("kelstream: submitting record: %w", err)
		}
		summary.Outcomes[outcome.Status]++
		if registryEvent {
			summary.RegistryEvents++
		} else {
			summary.Events++
		}
		if outcome.SAID == "" {
			continue
		}
		for _, r := range record.Receipts {
			if _, err := submitter.SubmitWitnessReceipt(ctx, outcome.SAID, r.Witness, r.Signature); err != nil {
				if errors.Is(err, receipt.ErrInvalidReceipt) {
					continue
				}
				return summary, fmt.Errorf("kelstream: submitting receipt: %w", err)
			}
			summary.Receipts++
		}
	}
}
