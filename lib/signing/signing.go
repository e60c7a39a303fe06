// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signing wraps Ed25519 for key event signatures.
//
// Public keys travel as qualified text: "D" followed by the unpadded
// base64url public key for transferable keys (keys that may be rotated
// away from), "B" for non-transferable keys (witnesses and other
// basic identifiers whose prefix is the key itself). Signatures
// attached to an event are indexed: each one names the position of
// its signing key in the authorizing key list.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// CodeTransferable qualifies an Ed25519 key that can be rotated.
	CodeTransferable = "D"

	// CodeNonTransferable qualifies an Ed25519 key whose identifier
	// can never rotate.
	CodeNonTransferable = "B"
)

// ErrMalformedKey is returned when key text cannot be decoded.
var ErrMalformedKey = errors.New("malformed public key")

// IndexedSignature is one signature attached to an event. Index is a
// position in the authorizing key list.
type IndexedSignature struct {
	Index     uint32 `cbor:"i"`
	Signature []byte `cbor:"s"`
}

// Signer holds an Ed25519 private key and knows its qualified public
// key text.
type Signer struct {
	private       ed25519.PrivateKey
	transferable  bool
	qualifiedText string
}

// NewSigner wraps an existing private key.
func NewSigner(private ed25519.PrivateKey, transferable bool) *Signer {
	public := private.Public().(ed25519.PublicKey)
	return &Signer{
		private:       private,
		transferable:  transferable,
		qualifiedText: EncodeKey(public, transferable),
	}
}

// NewSignerFromSeed derives a signer from a 32-byte seed.
func NewSignerFromSeed(seed []byte, transferable bool) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return NewSigner(ed25519.NewKeyFromSeed(seed), transferable), nil
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner(transferable bool) (*Signer, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating Ed25519 key: %w", err)
	}
	return NewSigner(private, transferable), nil
}

// Verfer returns the qualified public key text.
func (s *Signer) Verfer() string { return s.qualifiedText }

// Transferable reports whether the key is qualified as transferable.
func (s *Signer) Transferable() bool { return s.transferable }

// Sign signs data.
func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.private, data)
}

// SignIndexed signs data and labels the signature with index.
func (s *Signer) SignIndexed(data []byte, index int) IndexedSignature {
	return IndexedSignature{Index: uint32(index), Signature: s.Sign(data)}
}

// EncodeKey returns the qualified text for a public key.
func EncodeKey(public ed25519.PublicKey, transferable bool) string {
	code := CodeNonTransferable
	if transferable {
		code = CodeTransferable
	}
	return code + base64.RawURLEncoding.EncodeToString(public)
}

// DecodeKey parses qualified key text.
func DecodeKey(text string) (public ed25519.PublicKey, transferable bool, err error) {
	switch {
	case strings.HasPrefix(text, CodeTransferable):
		transferable = true
	case strings.HasPrefix(text, CodeNonTransferable):
		transferable = false
	default:
		return nil, false, fmt.Errorf("%w: unknown code in %q", ErrMalformedKey, text)
	}
	raw, err := base64.RawURLEncoding.DecodeString(text[1:])
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, false, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedKey, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), transferable, nil
}

// ValidKey reports whether text is well-formed qualified key text.
func ValidKey(text string) bool {
	_, _, err := DecodeKey(text)
	return err == nil
}

// Verify checks signature over data against the qualified key text.
// Malformed keys verify nothing.
func Verify(keyText string, data, signature []byte) bool {
	public, _, err := DecodeKey(keyText)
	if err != nil {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(public, data, signature)
}

// VerifiedIndices returns the distinct indices of signatures that
// verify against keys. Signatures whose index is out of range or whose
// bytes do not verify are skipped: they contribute nothing toward a
// threshold.
func VerifiedIndices(keys []string, data []byte, signatures []IndexedSignature) []int {
	seen := make(map[uint32]bool, len(signatures))
	var indices []int
	for _, signature := range signatures {
		if seen[signature.Index] || int(signature.Index) >= len(keys) {
			continue
		}
		if Verify(keys[signature.Index], data, signature.Signature) {
			seen[signature.Index] = true
			indices = append(indices, int(signature.Index))
		}
	}
	return indices
}

// MergeSignatures unions two signature sets, dropping exact repeats.
// Two different signatures at the same index are both kept: only one
// can verify, and VerifiedIndices counts the index once.
func MergeSignatures(existing, incoming []IndexedSignature) []IndexedSignature {
	merged := make([]IndexedSignature, 0, len(existing)+len(incoming))
	type signatureKey struct {
		index     uint32
		signature string
	}
	seen := make(map[signatureKey]bool, len(existing)+len(incoming))
	for _, set := range [][]IndexedSignature{existing, incoming} {
		for _, signature := range set {
			key := signatureKey{signature.Index, string(signature.Signature)}
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, signature)
		}
	}
	return merged
}
