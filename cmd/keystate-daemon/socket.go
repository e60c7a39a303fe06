// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"

	"github.com/bureau-foundation/keystate/lib/escrow"
	"github.com/bureau-foundation/keystate/lib/kevery"
	"github.com/bureau-foundation/keystate/lib/service"
	"github.com/bureau-foundation/keystate/lib/version"
)

// registerActions registers every socket action on server. Access is
// controlled by the socket's file mode; there is no per-action
// authentication.
func (d *Daemon) registerActions(server *service.SocketServer) {
	server.Handle("status", d.handleStatus)

	// Submission.
	server.Handle("submit-event", d.handleSubmitEvent)
	server.Handle("submit-signatures", d.handleSubmitSignatures)
	server.Handle("submit-receipt", d.handleSubmitReceipt)
	server.Handle("submit-registry-event", d.handleSubmitRegistryEvent)

	// Queries.
	server.Handle("query-state", d.handleQueryState)
	server.Handle("query-log", d.handleQueryLog)
	server.Handle("query-duplicity", d.handleQueryDuplicity)
	server.Handle("query-receipts", d.handleQueryReceipts)
	server.Handle("query-credential", d.handleQueryCredential)
	server.Handle("query-registry", d.handleQueryRegistry)
	server.Handle("list-identifiers", d.handleListIdentifiers)
	server.Handle("export", d.handleExport)

	// Operator actions on escrow and flags.
	server.Handle("list-escrow", d.handleListEscrow)
	server.Handle("abandon-escrow", d.handleAbandonEscrow)
	server.Handle("purge-escrow", d.handlePurgeEscrow)
	server.Handle("retry-escrow", d.handleRetryEscrow)
	server.Handle("resolve", d.handleResolve)
}

// statusResponse is the response to the "status" action.
type statusResponse struct {
	Version       string      `cbor:"version"`
	UptimeSeconds float64     `cbor:"uptime_seconds"`
	LastSweep     sweepReport `cbor:"last_sweep"`

	kevery.Status
}

func (d *Daemon) handleStatus(ctx context.Context, raw []byte) (any, error) {
	status, err := d.processor.Status(ctx)
	if err != nil {
		return nil, err
	}
	return statusResponse{
		Version:       version.Info(),
		UptimeSeconds: d.clock.Now().Sub(d.startedAt).Seconds(),
		LastSweep:     d.lastSweepReport(),
		Status:        status,
	}, nil
}

// classify gives lookup failures the not_found code so clients can
// tell a missing identifier from a daemon failure.
func classify(err error) error {
	if errors.Is(err, kevery.ErrNotFound) || errors.Is(err, escrow.ErrNotFound) {
		return service.NotFound(err)
	}
	return err
}
