// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"time"

	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/kelstream"
	"github.com/bureau-foundation/keystate/lib/registry"
	"github.com/bureau-foundation/keystate/lib/service"
	"github.com/bureau-foundation/keystate/lib/signing"
)

// prefixRequest names one identifier, registry, or credential.
type prefixRequest struct {
	Prefix event.Prefix `cbor:"prefix"`
}

func decodePrefix(raw []byte) (event.Prefix, error) {
	var request prefixRequest
	if err := service.Decode(raw, &request); err != nil {
		return "", err
	}
	if request.Prefix == "" {
		return "", service.BadRequest("prefix is required")
	}
	return request.Prefix, nil
}

func (d *Daemon) handleQueryState(ctx context.Context, raw []byte) (any, error) {
	prefix, err := decodePrefix(raw)
	if err != nil {
		return nil, err
	}
	state, err := d.processor.QueryState(prefix)
	if err != nil {
		return nil, classify(err)
	}
	return state, nil
}

// logRequest selects the accepted events of one identifier from a
// sequence number onward.
type logRequest struct {
	Prefix event.Prefix `cbor:"prefix"`
	From   uint64       `cbor:"from"`
}

// handleQueryLog returns accepted events in stream record form, each
// with the witness receipts stored for it.
func (d *Daemon) handleQueryLog(ctx context.Context, raw []byte) (any, error) {
	var request logRequest
	if err := service.Decode(raw, &request); err != nil {
		return nil, err
	}
	if request.Prefix == "" {
		return nil, service.BadRequest("prefix is required")
	}
	log, err := d.processor.QueryLog(ctx, request.Prefix, request.From)
	if err != nil {
		return nil, classify(err)
	}
	records := make([]kelstream.Record, 0, len(log))
	for _, signed := range log {
		receipts, err := d.store.LoadReceipts(ctx, signed.Event.SAID)
		if err != nil {
			return nil, err
		}
		records = append(records, kelstream.Record{
			Raw:        signed.Raw,
			Signatures: signed.Signatures,
			Receipts:   receipts,
		})
	}
	return records, nil
}

// conflictRecord is one piece of duplicity evidence: the conflicting
// event as received and the SAID accepted at its sequence number.
type conflictRecord struct {
	Sequence   uint64                     `cbor:"sequence"`
	SAID       digest.Digest              `cbor:"said"`
	Raw        []byte                     `cbor:"raw"`
	Signatures []signing.IndexedSignature `cbor:"sigs,omitempty"`
	Accepted   digest.Digest              `cbor:"accepted"`
	Detected   time.Time                  `cbor:"detected"`
}

func (d *Daemon) handleQueryDuplicity(ctx context.Context, raw []byte) (any, error) {
	prefix, err := decodePrefix(raw)
	if err != nil {
		return nil, err
	}
	conflicts, err := d.processor.QueryDuplicity(ctx, prefix)
	if err != nil {
		return nil, classify(err)
	}
	records := make([]conflictRecord, 0, len(conflicts))
	for _, conflict := range conflicts {
		records = append(records, conflictRecord{
			Sequence:   conflict.Signed.Event.Sequence,
			SAID:       conflict.Signed.Event.SAID,
			Raw:        conflict.Signed.Raw,
			Signatures: conflict.Signed.Signatures,
			Accepted:   conflict.Accepted,
			Detected:   conflict.Detected,
		})
	}
	return records, nil
}

// saidRequest names one event by its SAID.
type saidRequest struct {
	SAID digest.Digest `cbor:"said"`
}

func (d *Daemon) handleQueryReceipts(ctx context.Context, raw []byte) (any, error) {
	var request saidRequest
	if err := service.Decode(raw, &request); err != nil {
		return nil, err
	}
	if request.SAID == "" {
		return nil, service.BadRequest("said is required")
	}
	status, err := d.processor.QueryReceipts(request.SAID)
	if err != nil {
		return nil, classify(err)
	}
	return status, nil
}

func (d *Daemon) handleQueryCredential(ctx context.Context, raw []byte) (any, error) {
	prefix, err := decodePrefix(raw)
	if err != nil {
		return nil, err
	}
	credential, err := d.processor.QueryCredential(prefix)
	if err != nil {
		return nil, classify(err)
	}
	return credential, nil
}

// registryResponse is a registry with every credential it has issued.
type registryResponse struct {
	Registry    registry.Registry     `cbor:"registry"`
	Credentials []registry.Credential `cbor:"credentials"`
}

func (d *Daemon) handleQueryRegistry(ctx context.Context, raw []byte) (any, error) {
	prefix, err := decodePrefix(raw)
	if err != nil {
		return nil, err
	}
	found, credentials, err := d.processor.QueryRegistry(prefix)
	if err != nil {
		return nil, classify(err)
	}
	return registryResponse{Registry: found, Credentials: credentials}, nil
}

func (d *Daemon) handleListIdentifiers(ctx context.Context, raw []byte) (any, error) {
	return d.processor.Identifiers(), nil
}

// exportRequest selects what the export stream carries.
type exportRequest struct {
	Prefixes    []event.Prefix `cbor:"prefixes,omitempty"`
	Registries  bool           `cbor:"registries"`
	Compression string         `cbor:"compression,omitempty"`
}

// exportResponse carries a complete stream. Streams are bounded by the
// client's maximum response size.
type exportResponse struct {
	Stream  []byte            `cbor:"stream"`
	Summary kelstream.Summary `cbor:"summary"`
}

func (d *Daemon) handleExport(ctx context.Context, raw []byte) (any, error) {
	var request exportRequest
	if err := service.Decode(raw, &request); err != nil {
		return nil, err
	}
	compression, err := kelstream.ParseCompression(request.Compression)
	if err != nil {
		return nil, service.BadRequest("%v", err)
	}
	for _, prefix := range request.Prefixes {
		if _, err := d.processor.QueryState(prefix); err != nil {
			return nil, classify(err)
		}
	}

	var stream bytes.Buffer
	summary, err := kelstream.Export(ctx, &stream, d.store, kelstream.ExportOptions{
		Compression: compression,
		Prefixes:    request.Prefixes,
		Registries:  request.Registries,
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info("exported key event logs",
		"events", summary.Events,
		"registry_events", summary.RegistryEvents,
		"receipts", summary.Receipts,
		"compression", compression,
		"bytes", stream.Len(),
	)
	return exportResponse{Stream: stream.Bytes(), Summary: summary}, nil
}
