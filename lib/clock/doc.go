// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components that stamp records (escrow entries, receipts) or run
// periodic work (the daemon's escrow sweep) take a Clock in their
// Config instead of calling the time package. Production wiring uses
// Real(); tests use Fake(), which only moves when Advance is called:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	ticker := fake.NewTicker(time.Minute)
//	fake.Advance(time.Minute) // ticker.C now holds a tick
package clock
