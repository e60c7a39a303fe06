// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/keystate/lib/codec"
	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/signing"
	"github.com/bureau-foundation/keystate/lib/tholder"
)

// Version tags every event body.
const Version = "KERI10CBOR"

// ErrDecode is wrapped by every decoding and SAID verification
// failure.
var ErrDecode = errors.New("event decode error")

// ErrInvalid is wrapped by every structural validation failure.
var ErrInvalid = errors.New("invalid event")

// Ilk is the event type.
type Ilk string

const (
	Inception          Ilk = "icp"
	Rotation           Ilk = "rot"
	Interaction        Ilk = "ixn"
	DelegatedInception Ilk = "dip"
	DelegatedRotation  Ilk = "drt"
	RegistryInception  Ilk = "vcp"
	Issuance           Ilk = "iss"
	Revocation         Ilk = "rev"
)

// Valid reports whether i is a known ilk.
func (i Ilk) Valid() bool {
	switch i {
	case Inception, Rotation, Interaction, DelegatedInception, DelegatedRotation,
		RegistryInception, Issuance, Revocation:
		return true
	}
	return false
}

// Establishment reports whether events of this ilk can change signing
// authority.
func (i Ilk) Establishment() bool {
	switch i {
	case Inception, Rotation, DelegatedInception, DelegatedRotation:
		return true
	}
	return false
}

// Delegated reports whether the ilk needs a delegator's approval.
func (i Ilk) Delegated() bool {
	return i == DelegatedInception || i == DelegatedRotation
}

// KeyEvent reports whether the ilk belongs in a KEL.
func (i Ilk) KeyEvent() bool {
	switch i {
	case Inception, Rotation, Interaction, DelegatedInception, DelegatedRotation:
		return true
	}
	return false
}

// RegistryEvent reports whether the ilk belongs in a TEL.
func (i Ilk) RegistryEvent() bool {
	switch i {
	case RegistryInception, Issuance, Revocation:
		return true
	}
	return false
}

// Prefix is an identifier prefix in qualified text form.
type Prefix string

// String returns the prefix text.
func (p Prefix) String() string { return string(p) }

// SelfAddressing reports whether the prefix is a digest.
func (p Prefix) SelfAddressing() bool {
	return strings.HasPrefix(string(p), digest.Code) && digest.Digest(p).Valid()
}

// Basic reports whether the prefix is a bare public key.
func (p Prefix) Basic() bool {
	return signing.ValidKey(string(p))
}

// Transferable reports whether control of the identifier can move to
// new keys. Basic prefixes qualified non-transferable cannot.
func (p Prefix) Transferable() bool {
	if p.SelfAddressing() {
		return true
	}
	_, transferable, err := signing.DecodeKey(string(p))
	return err == nil && transferable
}

// ValidWitness reports whether p can name a witness: witnesses use
// non-transferable basic prefixes, so the prefix is the receipt
// verification key.
func ValidWitness(p Prefix) bool {
	_, transferable, err := signing.DecodeKey(string(p))
	return err == nil && !transferable
}

// Config traits recognized in an inception's "c" field.
const (
	// TraitEstablishmentOnly rejects interaction events.
	TraitEstablishmentOnly = "EO"

	// TraitDoNotDelegate rejects delegated inceptions naming this
	// identifier as delegator.
	TraitDoNotDelegate = "DND"

	// TraitNoBackers marks a registry that has no witnesses of its own.
	TraitNoBackers = "NB"
)

// Seal anchors one event inside another event's "a" field.
type Seal struct {
	Prefix   Prefix        `cbor:"i"`
	Sequence uint64        `cbor:"s"`
	SAID     digest.Digest `cbor:"d"`
}

// String renders the seal for logs.
func (s Seal) String() string {
	return fmt.Sprintf("%s:%d:%s", s.Prefix, s.Sequence, s.SAID.Short())
}

// Event is the tagged union of every key and registry event.
type Event struct {
	Version  string        `cbor:"v"`
	Ilk      Ilk           `cbor:"t"`
	SAID     digest.Digest `cbor:"d"`
	Prefix   Prefix        `cbor:"i"`
	Sequence uint64        `cbor:"s"`
	Prior    digest.Digest `cbor:"p,omitempty"`

	KeyThreshold  *tholder.Tholder `cbor:"kt,omitempty"`
	Keys          []string         `cbor:"k,omitempty"`
	NextThreshold *tholder.Tholder `cbor:"nt,omitempty"`
	NextDigests   []digest.Digest  `cbor:"n,omitempty"`

	WitnessThreshold uint64   `cbor:"bt,omitempty"`
	Witnesses        []Prefix `cbor:"b,omitempty"`
	WitnessCuts      []Prefix `cbor:"br,omitempty"`
	WitnessAdds      []Prefix `cbor:"ba,omitempty"`

	Config    []string `cbor:"c,omitempty"`
	Anchors   []Seal   `cbor:"a,omitempty"`
	Delegator Prefix   `cbor:"di,omitempty"`

	Issuer    Prefix `cbor:"ii,omitempty"`
	Registry  Prefix `cbor:"ri,omitempty"`
	Nonce     string `cbor:"u,omitempty"`
	Timestamp string `cbor:"dt,omitempty"`
}

// Seal returns the seal that anchors this event elsewhere.
func (e *Event) Seal() Seal {
	return Seal{Prefix: e.Prefix, Sequence: e.Sequence, SAID: e.SAID}
}

// HasTrait reports whether the event's config contains trait.
func (e *Event) HasTrait(trait string) bool {
	for _, configured := range e.Config {
		if configured == trait {
			return true
		}
	}
	return false
}

// selfAddressed reports whether "i" is derived from the SAID for
// this event.
func (e *Event) selfAddressed() bool {
	switch e.Ilk {
	case Inception, DelegatedInception, RegistryInception:
		return e.Prefix == Prefix(e.SAID)
	}
	return false
}

// Signed pairs a decoded event with its raw bytes and attached
// signatures.
type Signed struct {
	Event      *Event
	Raw        []byte
	Signatures []signing.IndexedSignature
}

// Decode parses raw event bytes, checks that they are canonical, and
// verifies the SAID. Structural validation is separate (Validate).
func Decode(raw []byte) (*Event, error) {
	var decoded Event
	if err := codec.UnmarshalStrict(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if decoded.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrDecode, decoded.Version)
	}
	if !decoded.Ilk.Valid() {
		return nil, fmt.Errorf("%w: unknown ilk %q", ErrDecode, decoded.Ilk)
	}
	canonical, err := codec.Canonical(raw, &decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: re-encoding: %v", ErrDecode, err)
	}
	if !canonical {
		return nil, fmt.Errorf("%w: non-canonical encoding", ErrDecode)
	}
	if !decoded.SAID.Valid() {
		return nil, fmt.Errorf("%w: malformed SAID %q", ErrDecode, decoded.SAID)
	}
	computed, err := computeSAID(&decoded, decoded.selfAddressed())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if computed != decoded.SAID {
		return nil, fmt.Errorf("%w: SAID %s does not match content digest %s",
			ErrDecode, decoded.SAID.Short(), computed.Short())
	}
	return &decoded, nil
}

// DecodeSigned decodes raw and pairs it with signatures.
func DecodeSigned(raw []byte, signatures []signing.IndexedSignature) (*Signed, error) {
	decoded, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return &Signed{Event: decoded, Raw: raw, Signatures: signatures}, nil
}

// computeSAID digests a copy of e with placeholders in the
// self-addressing fields.
func computeSAID(e *Event, selfAddressing bool) (digest.Digest, error) {
	dummy := *e
	dummy.SAID = digest.Digest(digest.Placeholder)
	if selfAddressing {
		dummy.Prefix = Prefix(digest.Placeholder)
	}
	data, err := codec.Marshal(&dummy)
	if err != nil {
		return "", err
	}
	return digest.Compute(data), nil
}

// finalize fills the SAID (and the prefix, when self-addressing) and
// returns the canonical raw bytes.
func finalize(e *Event, selfAddressing bool) ([]byte, error) {
	e.Version = Version
	said, err := computeSAID(e, selfAddressing)
	if err != nil {
		return nil, fmt.Errorf("computing SAID: %w", err)
	}
	e.SAID = said
	if selfAddressing {
		e.Prefix = Prefix(said)
	}
	raw, err := codec.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("serializing %s event: %w", e.Ilk, err)
	}
	return raw, nil
}
