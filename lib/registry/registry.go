// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry maintains credential registry state from
// transaction events (vcp, iss, rev).
//
// Registry events carry no signatures of their own. Each must be
// anchored by a seal in the key event log of the identifier that
// controls the registry, and inherits that identifier's authority
// from the anchoring event's acceptance. An unanchored event escrows
// with MissingAnchor.
//
// A credential is issued by an iss event and revoked by a rev event
// whose prior digest is the issuance SAID. Revocation is one way:
// revoking a credential that is not currently issued is rejected with
// AlreadyRevoked, and nothing re-issues a revoked credential.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/bureau-foundation/keystate/lib/delegation"
	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/kever"
)

// CredentialStatus is the live status of a credential.
type CredentialStatus string

const (
	Issued  CredentialStatus = "issued"
	Revoked CredentialStatus = "revoked"
)

// Registry is one credential registry.
type Registry struct {
	Prefix event.Prefix `cbor:"prefix"`
	Issuer event.Prefix `cbor:"issuer"`
	Nonce  string       `cbor:"nonce,omitempty"`
	Config []string     `cbor:"config,omitempty"`

	// Anchor is the issuer event that anchored the inception.
	Anchor delegation.Anchor `cbor:"anchor"`
}

// Credential is the state of one credential.
type Credential struct {
	Prefix   event.Prefix     `cbor:"prefix"`
	Registry event.Prefix     `cbor:"registry"`
	Status   CredentialStatus `cbor:"status"`

	Issuance       digest.Digest     `cbor:"issuance"`
	IssuedAt       string            `cbor:"issued_at"`
	IssuanceAnchor delegation.Anchor `cbor:"issuance_anchor"`

	Revocation       digest.Digest     `cbor:"revocation,omitempty"`
	RevokedAt        string            `cbor:"revoked_at,omitempty"`
	RevocationAnchor delegation.Anchor `cbor:"revocation_anchor"`
}

// Anchors finds seals in controller logs.
type Anchors interface {
	Seek(ctx context.Context, controller event.Prefix, seal event.Seal) (delegation.Anchor, delegation.Status, error)
}

// Log durably appends accepted registry events.
type Log interface {
	AppendRegistryEvent(ctx context.Context, signed *event.Signed, anchor delegation.Anchor) error
}

// Config configures a State.
type Config struct {
	Anchors Anchors
	Log     Log
	Logger  *slog.Logger
}

// State holds every known registry and credential. It is safe for
// concurrent use; events are applied one at a time.
type State struct {
	anchors Anchors
	log     Log
	logger  *slog.Logger

	mu          sync.RWMutex
	registries  map[event.Prefix]*Registry
	credentials map[event.Prefix]*Credential

	// waiting maps an unknown registry to the credentials whose events
	// named it. It is written under mu by the same call that decides
	// the registry is unknown, so a registry inception applied later
	// always finds them, even before their escrow entries are written.
	waiting map[event.Prefix]map[event.Prefix]bool
}

// New returns an empty State.
func New(config Config) *State {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &State{
		anchors:     config.Anchors,
		log:         config.Log,
		logger:      logger,
		registries:  make(map[event.Prefix]*Registry),
		credentials: make(map[event.Prefix]*Credential),
		waiting:     make(map[event.Prefix]map[event.Prefix]bool),
	}
}

// TakeWaiting returns, and forgets, the credentials whose events were
// held because registry was not known yet.
func (s *State) TakeWaiting(registry event.Prefix) []event.Prefix {
	s.mu.Lock()
	defer s.mu.Unlock()
	credentials := make([]event.Prefix, 0, len(s.waiting[registry]))
	for credential := range s.waiting[registry] {
		credentials = append(credentials, credential)
	}
	delete(s.waiting, registry)
	slices.Sort(credentials)
	return credentials
}

func (s *State) wait(e *event.Event) kever.Outcome {
	credentials := s.waiting[e.Registry]
	if credentials == nil {
		credentials = make(map[event.Prefix]bool)
		s.waiting[e.Registry] = credentials
	}
	credentials[e.Prefix] = true
	return kever.Escrow(e, kever.MissingPrior, "registry %s is not known yet", e.Registry)
}

// Apply validates a registry event against the current state and its
// anchor. Accepted events are appended to the log before the state
// changes. The error is reserved for log and anchor lookup failures.
func (s *State) Apply(ctx context.Context, signed *event.Signed) (kever.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(ctx, signed, true)
}

// Replay restores an already-accepted event at startup without
// appending it again. The anchoring key events must have been replayed
// first.
func (s *State) Replay(ctx context.Context, signed *event.Signed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcome, err := s.apply(ctx, signed, false)
	if err != nil {
		return err
	}
	if outcome.Status != kever.Accepted {
		return fmt.Errorf("replaying registry event %s: %s", signed.Event.SAID, outcome)
	}
	return nil
}

// apply runs with mu held.
func (s *State) apply(ctx context.Context, signed *event.Signed, persist bool) (kever.Outcome, error) {
	applied := signed.Event
	if !applied.Ilk.RegistryEvent() {
		return kever.Reject(applied, kever.InvalidEvent, "%s is not a registry event", applied.Ilk), nil
	}
	if err := applied.Validate(); err != nil {
		return kever.Reject(applied, kever.InvalidEvent, "%v", err), nil
	}

	switch applied.Ilk {
	case event.RegistryInception:
		return s.applyInception(ctx, signed, persist)
	case event.Issuance:
		return s.applyIssuance(ctx, signed, persist)
	case event.Revocation:
		return s.applyRevocation(ctx, signed, persist)
	}
	return kever.Reject(applied, kever.InvalidEvent, "unexpected ilk %s", applied.Ilk), nil
}

func (s *State) applyInception(ctx context.Context, signed *event.Signed, persist bool) (kever.Outcome, error) {
	inception := signed.Event
	if _, exists := s.registries[inception.Prefix]; exists {
		// The prefix is the SAID, so an existing registry is this one.
		return kever.Accept(inception), nil
	}
	anchor, blocked, err := s.anchored(ctx, inception, inception.Issuer)
	if err != nil || blocked != nil {
		return deref(blocked), err
	}
	if persist {
		if err := s.append(ctx, signed, anchor); err != nil {
			return kever.Outcome{}, err
		}
	}
	s.registries[inception.Prefix] = &Registry{
		Prefix: inception.Prefix,
		Issuer: inception.Issuer,
		Nonce:  inception.Nonce,
		Config: slices.Clone(inception.Config),
		Anchor: anchor,
	}
	s.logger.Info("registry incepted", "registry", inception.Prefix, "issuer", inception.Issuer, "anchor_sn", anchor.Sequence)
	return kever.Accept(inception), nil
}

func (s *State) applyIssuance(ctx context.Context, signed *event.Signed, persist bool) (kever.Outcome, error) {
	issuance := signed.Event
	registry, known := s.registries[issuance.Registry]
	if !known {
		return s.wait(issuance), nil
	}
	if existing, exists := s.credentials[issuance.Prefix]; exists {
		if existing.Issuance == issuance.SAID {
			return kever.Accept(issuance), nil
		}
		return kever.Reject(issuance, kever.InvalidEvent, "credential already issued by %s", existing.Issuance.Short()), nil
	}
	anchor, blocked, err := s.anchored(ctx, issuance, registry.Issuer)
	if err != nil || blocked != nil {
		return deref(blocked), err
	}
	if persist {
		if err := s.append(ctx, signed, anchor); err != nil {
			return kever.Outcome{}, err
		}
	}
	s.credentials[issuance.Prefix] = &Credential{
		Prefix:         issuance.Prefix,
		Registry:       issuance.Registry,
		Status:         Issued,
		Issuance:       issuance.SAID,
		IssuedAt:       issuance.Timestamp,
		IssuanceAnchor: anchor,
	}
	s.logger.Info("credential issued", "credential", issuance.Prefix, "registry", issuance.Registry, "anchor_sn", anchor.Sequence)
	return kever.Accept(issuance), nil
}

func (s *State) applyRevocation(ctx context.Context, signed *event.Signed, persist bool) (kever.Outcome, error) {
	revocation := signed.Event
	registry, known := s.registries[revocation.Registry]
	if !known {
		return s.wait(revocation), nil
	}
	credential, exists := s.credentials[revocation.Prefix]
	if !exists {
		return kever.Escrow(revocation, kever.MissingPrior, "issuance of %s is not known yet", revocation.Prefix), nil
	}
	if credential.Status != Issued {
		return kever.Reject(revocation, kever.AlreadyRevoked, "revoked by %s at %s",
			credential.Revocation.Short(), credential.RevokedAt), nil
	}
	if credential.Registry != revocation.Registry {
		return kever.Reject(revocation, kever.InvalidEvent, "credential belongs to registry %s", credential.Registry), nil
	}
	if revocation.Prior != credential.Issuance {
		return kever.Reject(revocation, kever.InvalidEvent, "prior %s is not the issuance %s",
			revocation.Prior.Short(), credential.Issuance.Short()), nil
	}
	anchor, blocked, err := s.anchored(ctx, revocation, registry.Issuer)
	if err != nil || blocked != nil {
		return deref(blocked), err
	}
	if persist {
		if err := s.append(ctx, signed, anchor); err != nil {
			return kever.Outcome{}, err
		}
	}
	credential.Status = Revoked
	credential.Revocation = revocation.SAID
	credential.RevokedAt = revocation.Timestamp
	credential.RevocationAnchor = anchor
	s.logger.Info("credential revoked", "credential", revocation.Prefix, "registry", revocation.Registry, "anchor_sn", anchor.Sequence)
	return kever.Accept(revocation), nil
}

// anchored seeks the seal of e in controller's log. It returns a
// non-nil outcome when the event must wait.
func (s *State) anchored(ctx context.Context, e *event.Event, controller event.Prefix) (delegation.Anchor, *kever.Outcome, error) {
	if s.anchors == nil {
		blocked := kever.Escrow(e, kever.MissingAnchor, "no anchor source configured")
		return delegation.Anchor{}, &blocked, nil
	}
	anchor, status, err := s.anchors.Seek(ctx, controller, e.Seal())
	if err != nil {
		return delegation.Anchor{}, nil, fmt.Errorf("seeking anchor of %s in %s: %w", e.SAID, controller, err)
	}
	if status != delegation.Confirmed {
		blocked := kever.Escrow(e, kever.MissingAnchor, "no seal for %s in %s", e.Seal(), controller)
		return delegation.Anchor{}, &blocked, nil
	}
	return anchor, nil, nil
}

func (s *State) append(ctx context.Context, signed *event.Signed, anchor delegation.Anchor) error {
	if s.log == nil {
		return nil
	}
	if err := s.log.AppendRegistryEvent(ctx, signed, anchor); err != nil {
		return fmt.Errorf("appending registry event %s: %w", signed.Event.SAID, err)
	}
	return nil
}

func deref(outcome *kever.Outcome) kever.Outcome {
	if outcome == nil {
		return kever.Outcome{}
	}
	return *outcome
}

// Registry returns the registry with prefix.
func (s *State) Registry(prefix event.Prefix) (Registry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	registry, ok := s.registries[prefix]
	if !ok {
		return Registry{}, false
	}
	copied := *registry
	copied.Config = slices.Clone(registry.Config)
	return copied, true
}

// Credential returns the state of the credential with prefix.
func (s *State) Credential(prefix event.Prefix) (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	credential, ok := s.credentials[prefix]
	if !ok {
		return Credential{}, false
	}
	return *credential, true
}

// Credentials lists the credentials of a registry ordered by prefix.
func (s *State) Credentials(registry event.Prefix) []Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var credentials []Credential
	for _, credential := range s.credentials {
		if credential.Registry == registry {
			credentials = append(credentials, *credential)
		}
	}
	slices.SortFunc(credentials, func(a, b Credential) int {
		switch {
		case a.Prefix < b.Prefix:
			return -1
		case a.Prefix > b.Prefix:
			return 1
		}
		return 0
	})
	return credentials
}
