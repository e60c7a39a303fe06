// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"bytes"
	"errors"
	"testing"
)

func TestKeyTextRoundTrip(t *testing.T) {
	for _, transferable := range []bool{true, false} {
		signer, err := GenerateSigner(transferable)
		if err != nil {
			t.Fatalf("GenerateSigner: %v", err)
		}
		public, gotTransferable, err := DecodeKey(signer.Verfer())
		if err != nil {
			t.Fatalf("DecodeKey(%q): %v", signer.Verfer(), err)
		}
		if gotTransferable != transferable {
			t.Errorf("transferable = %v, want %v", gotTransferable, transferable)
		}
		if EncodeKey(public, transferable) != signer.Verfer() {
			t.Errorf("re-encoded key differs from %q", signer.Verfer())
		}
	}
}

func TestDecodeKeyMalformed(t *testing.T) {
	for _, text := range []string{"", "X123", "Dnot-base64!", "DAAAA"} {
		if _, _, err := DecodeKey(text); !errors.Is(err, ErrMalformedKey) {
			t.Errorf("DecodeKey(%q) error = %v, want ErrMalformedKey", text, err)
		}
	}
}

func TestVerifiedIndices(t *testing.T) {
	var signers []*Signer
	var keys []string
	for i := 0; i < 3; i++ {
		signer, err := GenerateSigner(true)
		if err != nil {
			t.Fatal(err)
		}
		signers = append(signers, signer)
		keys = append(keys, signer.Verfer())
	}
	data := []byte("event body")

	signatures := []IndexedSignature{
		signers[0].SignIndexed(data, 0),
		signers[2].SignIndexed(data, 2),
		signers[2].SignIndexed(data, 2),           // repeat
		signers[1].SignIndexed([]byte("other"), 1), // wrong data
		signers[0].SignIndexed(data, 7),           // out of range
		signers[0].SignIndexed(data, 1),           // wrong key for index
	}

	indices := VerifiedIndices(keys, data, signatures)
	if len(indices) != 2 || indices[0] != 0 || indices[1] != 2 {
		t.Errorf("VerifiedIndices = %v, want [0 2]", indices)
	}
}

func TestMergeSignatures(t *testing.T) {
	a := IndexedSignature{Index: 0, Signature: []byte{1}}
	b := IndexedSignature{Index: 1, Signature: []byte{2}}
	c := IndexedSignature{Index: 1, Signature: []byte{3}}

	merged := MergeSignatures([]IndexedSignature{a, b}, []IndexedSignature{b, c})
	if len(merged) != 3 {
		t.Fatalf("merged %d signatures, want 3: %+v", len(merged), merged)
	}
	if !bytes.Equal(merged[2].Signature, c.Signature) {
		t.Errorf("third signature = %x, want %x", merged[2].Signature, c.Signature)
	}
}

func TestSalterDeterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{7}, SaltSize)
	first, err := NewSalter(salt, TierLow)
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewSalter(salt, TierLow)
	if err != nil {
		t.Fatal(err)
	}

	a, err := first.Signer("alias/0/0", true)
	if err != nil {
		t.Fatal(err)
	}
	b, err := second.Signer("alias/0/0", true)
	if err != nil {
		t.Fatal(err)
	}
	if a.Verfer() != b.Verfer() {
		t.Error("same salt and path produced different keys")
	}

	c, err := first.Signer("alias/0/1", true)
	if err != nil {
		t.Fatal(err)
	}
	if a.Verfer() == c.Verfer() {
		t.Error("different paths produced the same key")
	}

	signers, err := first.Signers("alias/0/", 0, 2, true)
	if err != nil {
		t.Fatal(err)
	}
	if signers[0].Verfer() != a.Verfer() || signers[1].Verfer() != c.Verfer() {
		t.Error("Signers does not match individually derived keys")
	}
}

func TestNewSalterRejectsBadInput(t *testing.T) {
	if _, err := NewSalter([]byte{1, 2}, TierLow); err == nil {
		t.Error("short salt accepted")
	}
	if _, err := NewSalter(make([]byte, SaltSize), Tier("extreme")); err == nil {
		t.Error("unknown tier accepted")
	}
}
