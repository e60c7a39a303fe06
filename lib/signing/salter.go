// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// SaltSize is the length of a Salter's secret salt.
const SaltSize = 16

// Tier selects the argon2id cost used to stretch a salt into key
// seeds. Low is for tests and throwaway identifiers; High is for
// long-lived controllers.
type Tier string

const (
	TierLow  Tier = "low"
	TierMed  Tier = "med"
	TierHigh Tier = "high"
)

type tierParams struct {
	time    uint32
	memory  uint32 // KiB
	threads uint8
}

var tiers = map[Tier]tierParams{
	TierLow:  {time: 1, memory: 8 * 1024, threads: 1},
	TierMed:  {time: 2, memory: 64 * 1024, threads: 2},
	TierHigh: {time: 3, memory: 256 * 1024, threads: 4},
}

// Salter derives Ed25519 signing keys deterministically from a secret
// salt and a path. The same salt and path always yield the same key,
// so a keystore only has to protect the salt.
type Salter struct {
	salt []byte
	tier Tier
}

// NewSalter wraps an existing salt.
func NewSalter(salt []byte, tier Tier) (*Salter, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt has %d bytes, want %d", len(salt), SaltSize)
	}
	if _, ok := tiers[tier]; !ok {
		return nil, fmt.Errorf("unknown salter tier %q", tier)
	}
	return &Salter{salt: append([]byte(nil), salt...), tier: tier}, nil
}

// GenerateSalter creates a salter with a fresh random salt.
func GenerateSalter(tier Tier) (*Salter, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return NewSalter(salt, tier)
}

// Salt returns a copy of the secret salt.
func (s *Salter) Salt() []byte { return append([]byte(nil), s.salt...) }

// Tier returns the stretch tier.
func (s *Salter) Tier() Tier { return s.tier }

// Signer derives the signer for path.
func (s *Salter) Signer(path string, transferable bool) (*Signer, error) {
	params := tiers[s.tier]
	seed := argon2.IDKey([]byte(path), s.salt, params.time, params.memory, params.threads, 32)
	return NewSignerFromSeed(seed, transferable)
}

// Signers derives count signers for consecutive paths
// "<stem><start>", "<stem><start+1>", ...
func (s *Salter) Signers(stem string, start, count int, transferable bool) ([]*Signer, error) {
	signers := make([]*Signer, 0, count)
	for i := start; i < start+count; i++ {
		signer, err := s.Signer(fmt.Sprintf("%s%d", stem, i), transferable)
		if err != nil {
			return nil, err
		}
		signers = append(signers, signer)
	}
	return signers, nil
}
