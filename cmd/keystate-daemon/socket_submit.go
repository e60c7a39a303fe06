// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"

	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/kever"
	"github.com/bureau-foundation/keystate/lib/receipt"
	"github.com/bureau-foundation/keystate/lib/service"
	"github.com/bureau-foundation/keystate/lib/signing"
)

// submitEventRequest carries one serialized event and the signatures
// attached to it. Registry events carry no signatures.
type submitEventRequest struct {
	Raw        []byte                     `cbor:"raw"`
	Signatures []signing.IndexedSignature `cbor:"sigs,omitempty"`
}

func (d *Daemon) handleSubmitEvent(ctx context.Context, raw []byte) (any, error) {
	var request submitEventRequest
	if err := service.Decode(raw, &request); err != nil {
		return nil, err
	}
	if len(request.Raw) == 0 {
		return nil, service.BadRequest("raw is required")
	}
	outcome, err := d.processor.SubmitEvent(ctx, request.Raw, request.Signatures)
	if err != nil {
		return nil, err
	}
	d.logOutcome("event submitted", outcome)
	return outcome, nil
}

func (d *Daemon) handleSubmitRegistryEvent(ctx context.Context, raw []byte) (any, error) {
	var request submitEventRequest
	if err := service.Decode(raw, &request); err != nil {
		return nil, err
	}
	if len(request.Raw) == 0 {
		return nil, service.BadRequest("raw is required")
	}
	outcome, err := d.processor.SubmitRegistryEvent(ctx, request.Raw)
	if err != nil {
		return nil, err
	}
	d.logOutcome("registry event submitted", outcome)
	return outcome, nil
}

// submitSignaturesRequest adds signatures to an escrowed event.
type submitSignaturesRequest struct {
	SAID       digest.Digest              `cbor:"said"`
	Signatures []signing.IndexedSignature `cbor:"sigs"`
}

func (d *Daemon) handleSubmitSignatures(ctx context.Context, raw []byte) (any, error) {
	var request submitSignaturesRequest
	if err := service.Decode(raw, &request); err != nil {
		return nil, err
	}
	if request.SAID == "" || len(request.Signatures) == 0 {
		return nil, service.BadRequest("said and sigs are required")
	}
	outcome, err := d.processor.SubmitSignatures(ctx, request.SAID, request.Signatures)
	if err != nil {
		return nil, classify(err)
	}
	d.logOutcome("signatures submitted", outcome)
	return outcome, nil
}

// submitReceiptRequest carries one witness receipt.
type submitReceiptRequest struct {
	SAID      digest.Digest `cbor:"said"`
	Witness   event.Prefix  `cbor:"witness"`
	Signature []byte        `cbor:"signature"`
}

// receiptResponse reports whether the receipt completed the witness
// threshold.
type receiptResponse struct {
	Met bool `cbor:"met"`
}

func (d *Daemon) handleSubmitReceipt(ctx context.Context, raw []byte) (any, error) {
	var request submitReceiptRequest
	if err := service.Decode(raw, &request); err != nil {
		return nil, err
	}
	if request.SAID == "" || request.Witness == "" || len(request.Signature) == 0 {
		return nil, service.BadRequest("said, witness, and signature are required")
	}
	met, err := d.processor.SubmitWitnessReceipt(ctx, request.SAID, request.Witness, request.Signature)
	if errors.Is(err, receipt.ErrInvalidReceipt) {
		d.logger.Warn("invalid witness receipt", "said", request.SAID, "witness", request.Witness, "error", err)
		return nil, service.BadRequest("%v", err)
	}
	if err != nil {
		return nil, err
	}
	if met {
		d.logger.Info("witness threshold met", "said", request.SAID)
	}
	return receiptResponse{Met: met}, nil
}

func (d *Daemon) logOutcome(message string, outcome kever.Outcome) {
	level := d.logger.Info
	switch outcome.Status {
	case kever.Rejected, kever.Duplicitous:
		level = d.logger.Warn
	}
	level(message,
		"prefix", outcome.Prefix,
		"sn", outcome.Sequence,
		"said", outcome.SAID,
		"status", outcome.Status,
		"reason", outcome.Reason,
	)
}
