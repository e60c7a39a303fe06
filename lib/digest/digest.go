// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest computes and encodes the self-addressing digests that
// name events and commit to next keys.
//
// A Digest is qualified text: the derivation code "E" (BLAKE3-256)
// followed by the unpadded base64url encoding of the 32-byte hash, 44
// characters in total. The text form is what appears in event bodies,
// in the store, and in log output, so the type is a string rather than
// a byte array.
package digest

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Code is the derivation code for BLAKE3-256 digests.
const Code = "E"

// Size is the raw digest length in bytes.
const Size = 32

// TextLength is the length of a qualified digest string.
var TextLength = len(Code) + base64.RawURLEncoding.EncodedLen(Size)

// ErrMalformed is returned by Parse for text that is not a qualified
// BLAKE3-256 digest.
var ErrMalformed = errors.New("malformed digest")

// Digest is a qualified BLAKE3-256 digest in text form.
type Digest string

// Compute returns the qualified digest of data.
func Compute(data []byte) Digest {
	sum := blake3.Sum256(data)
	return FromRaw(sum)
}

// FromRaw qualifies a raw 32-byte digest.
func FromRaw(raw [Size]byte) Digest {
	return Digest(Code + base64.RawURLEncoding.EncodeToString(raw[:]))
}

// Parse validates text as a qualified digest.
func Parse(text string) (Digest, error) {
	if _, err := Digest(text).Raw(); err != nil {
		return "", err
	}
	return Digest(text), nil
}

// Raw decodes the digest into its 32 raw bytes.
func (d Digest) Raw() ([Size]byte, error) {
	var raw [Size]byte
	text := string(d)
	if len(text) != TextLength || !strings.HasPrefix(text, Code) {
		return raw, fmt.Errorf("%w: %q", ErrMalformed, text)
	}
	decoded, err := base64.RawURLEncoding.DecodeString(text[len(Code):])
	if err != nil {
		return raw, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	copy(raw[:], decoded)
	return raw, nil
}

// Verify reports whether d is the digest of data. The comparison is
// constant time.
func (d Digest) Verify(data []byte) bool {
	computed := Compute(data)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(d)) == 1
}

// Valid reports whether d is well formed.
func (d Digest) Valid() bool {
	_, err := d.Raw()
	return err == nil
}

// IsZero reports whether d is empty.
func (d Digest) IsZero() bool { return d == "" }

// String returns the qualified text.
func (d Digest) String() string { return string(d) }

// Short returns an abbreviated form for log output.
func (d Digest) Short() string {
	if len(d) <= 12 {
		return string(d)
	}
	return string(d[:12])
}

// Placeholder is the dummy value substituted for self-addressing
// fields while their digest is computed. It has the same length as a
// real digest so the serialized size does not change when the digest
// is filled in.
var Placeholder = strings.Repeat("#", TextLength)

// Of returns the digest of the concatenation of parts, each preceded
// by its length as a 4-byte big-endian integer. The length prefixes
// keep ("ab","c") and ("a","bc") distinct.
func Of(parts ...string) Digest {
	hasher := blake3.New()
	var length [4]byte
	for _, part := range parts {
		n := len(part)
		length[0] = byte(n >> 24)
		length[1] = byte(n >> 16)
		length[2] = byte(n >> 8)
		length[3] = byte(n)
		hasher.Write(length[:])
		hasher.Write([]byte(part))
	}
	var raw [Size]byte
	copy(raw[:], hasher.Sum(nil))
	return FromRaw(raw)
}
