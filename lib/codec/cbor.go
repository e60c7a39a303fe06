// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	// strictDecMode additionally rejects duplicate map keys and
	// unknown struct fields. Event bodies decode through it: a field
	// the struct does not know would be dropped on re-encode and the
	// SAID check would fail anyway, but rejecting it up front gives a
	// precise error.
	strictDecMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Prefix, Digest and similar string types implement
	// encoding.TextMarshaler; encode them as text strings.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decOptions := cbor.DecOptions{
		// Non-struct targets (map[string]any in request envelopes)
		// decode to string-keyed maps.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}
	decMode, err = decOptions.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	decOptions.DupMapKey = cbor.DupMapKeyEnforcedAPF
	decOptions.ExtraReturnErrors = cbor.ExtraDecErrorUnknownField
	strictDecMode, err = decOptions.DecMode()
	if err != nil {
		panic("codec: strict CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// UnmarshalStrict decodes CBOR data into v, rejecting duplicate map
// keys, unknown struct fields, and trailing bytes.
func UnmarshalStrict(data []byte, v any) error {
	return strictDecMode.Unmarshal(data, v)
}

// Canonical reports whether data is exactly the deterministic
// encoding of v. Callers decode first, then pass the decoded value
// back in.
func Canonical(data []byte, v any) (bool, error) {
	encoded, err := encMode.Marshal(v)
	if err != nil {
		return false, err
	}
	return bytes.Equal(encoded, data), nil
}

// Encoder is a CBOR stream encoder.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value, used to delay decoding of
// request bodies until the action is known.
type RawMessage = cbor.RawMessage

// NewEncoder returns a stream encoder writing deterministic CBOR to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// Diagnose returns the RFC 8949 diagnostic notation for data. The CLI
// uses it to print raw event bodies.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
