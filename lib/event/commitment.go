// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/tholder"
)

// DigestKey returns the commitment digest of one public key.
func DigestKey(key string) digest.Digest {
	return digest.Compute([]byte(key))
}

// DigestKeys returns the per-key commitment digests published in an
// establishment event's "n" field.
func DigestKeys(keys []string) []digest.Digest {
	digests := make([]digest.Digest, 0, len(keys))
	for _, key := range keys {
		digests = append(digests, DigestKey(key))
	}
	return digests
}

// Commitment folds next-key digests and the next threshold into one
// digest. A rotation is authorized only if Commitment over its
// revealed keys (hashed) and signing threshold equals Commitment over
// the prior establishment event's "n" and "nt".
//
// An empty digest list commits to no further rotation; its commitment
// is the empty Digest.
func Commitment(nextDigests []digest.Digest, nextThreshold tholder.Tholder) digest.Digest {
	if len(nextDigests) == 0 {
		return ""
	}
	parts := make([]string, 0, len(nextDigests)+1)
	for _, committed := range nextDigests {
		parts = append(parts, string(committed))
	}
	parts = append(parts, nextThreshold.Canonical())
	return digest.Of(parts...)
}

// RevealedCommitment is the commitment a rotation's revealed keys and
// threshold produce.
func RevealedCommitment(keys []string, threshold tholder.Tholder) digest.Digest {
	return Commitment(DigestKeys(keys), threshold)
}

// NextCommitment is the commitment published by an establishment
// event.
func (e *Event) NextCommitment() digest.Digest {
	var threshold tholder.Tholder
	if e.NextThreshold != nil {
		threshold = *e.NextThreshold
	}
	return Commitment(e.NextDigests, threshold)
}
