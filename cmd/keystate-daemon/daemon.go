// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/keystate/lib/clock"
	"github.com/bureau-foundation/keystate/lib/kelstore"
	"github.com/bureau-foundation/keystate/lib/kevery"
)

// Daemon holds the state shared by the socket handlers and the
// background sweep.
type Daemon struct {
	processor *kevery.Processor
	store     *kelstore.Store
	clock     clock.Clock
	startedAt time.Time
	logger    *slog.Logger

	mu        sync.Mutex
	lastSweep sweepReport
}

// sweepReport describes the most recent background sweep.
type sweepReport struct {
	At       time.Time `cbor:"at"`
	Resolved int       `cbor:"resolved"`
	Purged   int       `cbor:"purged"`
	Error    string    `cbor:"error,omitempty"`
}

func newDaemon(processor *kevery.Processor, store *kelstore.Store, clk clock.Clock, logger *slog.Logger) *Daemon {
	return &Daemon{
		processor: processor,
		store:     store,
		clock:     clk,
		startedAt: clk.Now(),
		logger:    logger,
	}
}

// sweep runs sweepOnce every interval until ctx is cancelled.
func (d *Daemon) sweep(ctx context.Context, interval, maxAge time.Duration) {
	ticker := d.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepOnce(ctx, maxAge)
		}
	}
}

// sweepOnce retries every escrowed event, then purges entries idle
// longer than maxAge when maxAge is positive.
func (d *Daemon) sweepOnce(ctx context.Context, maxAge time.Duration) sweepReport {
	report := sweepReport{At: d.clock.Now()}

	resolved, err := d.processor.RetryAll(ctx)
	report.Resolved = resolved
	if err != nil {
		report.Error = err.Error()
		d.logger.Error("escrow retry failed", "resolved", resolved, "error", err)
	} else if resolved > 0 {
		d.logger.Info("escrow sweep resolved events", "resolved", resolved)
	}

	if maxAge > 0 && err == nil {
		purged, err := d.processor.Purge(ctx, "", maxAge)
		report.Purged = len(purged)
		for _, entry := range purged {
			d.logger.Warn("purged stale escrow entry",
				"prefix", entry.Prefix,
				"sn", entry.Sequence,
				"said", entry.SAID,
				"reason", entry.Reason,
				"updated", entry.Updated,
			)
		}
		if err != nil {
			report.Error = err.Error()
			d.logger.Error("escrow purge failed", "error", err)
		}
	}

	d.mu.Lock()
	d.lastSweep = report
	d.mu.Unlock()
	return report
}

func (d *Daemon) lastSweepReport() sweepReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSweep
}
