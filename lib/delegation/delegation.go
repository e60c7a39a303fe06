// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package delegation finds anchored seals in a controller's accepted
// key event log.
//
// A delegated establishment event is confirmed once its delegator
// anchors a seal {i, s, d} naming it in one of the delegator's own
// accepted events. Registry events are confirmed the same way by the
// issuer that controls the registry, so the Verifier serves both.
//
// Seals that are sought but not yet anchored are remembered as
// pending. The processor reports every accepted event to Observe,
// which returns the pending seals that event confirms so the waiting
// escrow entries can be retried. Pending seeks never time out; an
// operator can Abandon them.
package delegation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/keystate/lib/clock"
	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/event"
)

// Status is the state of a seek.
type Status int

const (
	Pending Status = iota
	Confirmed
)

// String returns "pending" or "confirmed".
func (s Status) String() string {
	if s == Confirmed {
		return "confirmed"
	}
	return "pending"
}

// Anchor locates the controller event that anchors a seal.
type Anchor struct {
	Controller event.Prefix  `cbor:"controller"`
	Sequence   uint64        `cbor:"sequence"`
	SAID       digest.Digest `cbor:"said"`
}

// Seek is a pending search.
type Seek struct {
	Controller event.Prefix `cbor:"controller"`
	Seal       event.Seal   `cbor:"seal"`
	Since      time.Time    `cbor:"since"`
}

// Source reads a controller's accepted events, oldest first. Seek
// falls back to it for seals the Verifier has not observed.
type Source interface {
	Events(ctx context.Context, prefix event.Prefix) ([]*event.Event, error)
}

// Config configures a Verifier.
type Config struct {
	// Source is optional. Without it, only observed anchors count.
	Source Source

	Clock  clock.Clock
	Logger *slog.Logger
}

// key names one seal as anchored by one controller. Anyone can put any
// seal in their own log; only the controller named by the seeker
// confirms it, so anchors are indexed per controller.
type key struct {
	controller event.Prefix
	seal       event.Seal
}

// Verifier is safe for concurrent use.
type Verifier struct {
	source Source
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	anchors map[key]Anchor
	pending map[key]Seek
}

// New returns a Verifier with no observed anchors.
func New(config Config) *Verifier {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	seekClock := config.Clock
	if seekClock == nil {
		seekClock = clock.Real()
	}
	return &Verifier{
		source:  config.Source,
		clock:   seekClock,
		logger:  logger,
		anchors: make(map[key]Anchor),
		pending: make(map[key]Seek),
	}
}

// Seek reports whether controller has anchored seal. An unanchored
// seal is remembered as pending.
//
// The seek is recorded as pending before the source is scanned, and
// only removed once the anchor is found. An anchoring event accepted
// while the scan runs is therefore either seen by the scan or reported
// by Observe as confirming this seal; it cannot fall between the two.
func (v *Verifier) Seek(ctx context.Context, controller event.Prefix, seal event.Seal) (Anchor, Status, error) {
	sought := key{controller: controller, seal: seal}
	v.mu.Lock()
	if anchor, found := v.anchors[sought]; found {
		delete(v.pending, sought)
		v.mu.Unlock()
		return anchor, Confirmed, nil
	}
	if _, waiting := v.pending[sought]; !waiting {
		v.pending[sought] = Seek{Controller: controller, Seal: seal, Since: v.clock.Now()}
		v.logger.Debug("seal pending", "controller", controller, "seal", seal)
	}
	v.mu.Unlock()

	if v.source == nil {
		return Anchor{}, Pending, nil
	}
	events, err := v.source.Events(ctx, controller)
	if err != nil {
		return Anchor{}, Pending, fmt.Errorf("reading log of %s: %w", controller, err)
	}
	for _, accepted := range events {
		if slices.Contains(accepted.Anchors, seal) {
			anchor := Anchor{Controller: controller, Sequence: accepted.Sequence, SAID: accepted.SAID}
			v.mu.Lock()
			if _, indexed := v.anchors[sought]; !indexed {
				v.anchors[sought] = anchor
			}
			delete(v.pending, sought)
			v.mu.Unlock()
			return anchor, Confirmed, nil
		}
	}
	return Anchor{}, Pending, nil
}

// Observe indexes the seals anchored by an accepted controller event
// and returns the pending seals it confirms. The earliest anchor of a
// seal in one controller's log is the one kept.
func (v *Verifier) Observe(accepted *event.Event) []event.Seal {
	if len(accepted.Anchors) == 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	var confirmed []event.Seal
	for _, seal := range accepted.Anchors {
		observed := key{controller: accepted.Prefix, seal: seal}
		if _, exists := v.anchors[observed]; !exists {
			v.anchors[observed] = Anchor{Controller: accepted.Prefix, Sequence: accepted.Sequence, SAID: accepted.SAID}
		}
		if seek, ok := v.pending[observed]; ok {
			delete(v.pending, observed)
			confirmed = append(confirmed, seal)
			v.logger.Info("pending seal confirmed",
				"controller", accepted.Prefix,
				"sn", accepted.Sequence,
				"seal", seal,
				"waited", v.clock.Now().Sub(seek.Since),
			)
		}
	}
	return confirmed
}

// Lookup returns the observed anchor of seal in controller's log
// without recording a pending seek.
func (v *Verifier) Lookup(controller event.Prefix, seal event.Seal) (Anchor, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	anchor, ok := v.anchors[key{controller: controller, seal: seal}]
	return anchor, ok
}

// Abandon drops every pending seek for seal. It reports whether one
// existed.
func (v *Verifier) Abandon(seal event.Seal) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	found := false
	for sought := range v.pending {
		if sought.seal == seal {
			delete(v.pending, sought)
			found = true
		}
	}
	return found
}

// Pending lists pending seeks ordered by controller, then seal.
func (v *Verifier) Pending() []Seek {
	v.mu.Lock()
	seeks := make([]Seek, 0, len(v.pending))
	for _, seek := range v.pending {
		seeks = append(seeks, seek)
	}
	v.mu.Unlock()
	slices.SortFunc(seeks, func(a, b Seek) int {
		if order := strings.Compare(string(a.Controller), string(b.Controller)); order != 0 {
			return order
		}
		return strings.Compare(a.Seal.String(), b.Seal.String())
	})
	return seeks
}
