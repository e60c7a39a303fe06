// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package kelstream reads and writes portable key event streams.
//
// A stream is a six-byte header ("KELS", a format version, a
// compression tag) followed by a possibly compressed CBOR sequence of
// [Record] values. Each record carries one event's raw bytes, its
// controller signatures, and the witness receipts known for it. Key
// events come first, each identifier's log in order, then registry
// events. Importing replays records through a processor, so events
// that arrive before their dependencies simply escrow and cascade.
package kelstream

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/keystate/lib/codec"
	"github.com/bureau-foundation/keystate/lib/receipt"
	"github.com/bureau-foundation/keystate/lib/signing"
)

const (
	magic = "KELS"

	// Version is the stream format version this package writes.
	Version = 1

	headerSize = len(magic) + 2
)

// ErrFormat is returned for input that is not a readable stream.
var ErrFormat = errors.New("kelstream: not a key event stream")

// Compression identifies how the record sequence is compressed. The
// values are written into stream headers.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q (want none, lz4, or zstd)", name)
	}
}

// Record is one event in a stream.
type Record struct {
	Raw        []byte                     `cbor:"raw"`
	Signatures []signing.IndexedSignature `cbor:"sigs,omitempty"`
	Receipts   []receipt.Receipt          `cbor:"receipts,omitempty"`
}

// Writer writes a stream. Close must be called to flush the
// compressor; it does not close the underlying writer.
type Writer struct {
	compressor io.WriteCloser
	encoder    *codec.Encoder
	records    int
}

// NewWriter writes the stream header to w and returns a Writer for
// the records.
func NewWriter(w io.Writer, compression Compression) (*Writer, error) {
	header := append([]byte(magic), Version, byte(compression))
	var compressor io.WriteCloser
	switch compression {
	case CompressionNone:
		compressor = nopCloser{w}
	case CompressionLZ4:
		compressor = lz4.NewWriter(w)
	case CompressionZstd:
		encoder, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("kelstream: creating zstd encoder: %w", err)
		}
		compressor = encoder
	default:
		return nil, fmt.Errorf("kelstream: unsupported compression %s", compression)
	}
	if _, err := w.Write(header); err != nil {
		compressor.Close()
		return nil, fmt.Errorf("kelstream: writing header: %w", err)
	}
	return &Writer{compressor: compressor, encoder: codec.NewEncoder(compressor)}, nil
}

// Write appends one record.
func (w *Writer) Write(record Record) error {
	if err := w.encoder.Encode(record); err != nil {
		return fmt.Errorf("kelstream: writing record %d: %w", w.records, err)
	}
	w.records++
	return nil
}

// Close flushes the compressor.
func (w *Writer) Close() error {
	if err := w.compressor.Close(); err != nil {
		return fmt.Errorf("kelstream: flushing stream: %w", err)
	}
	return nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Reader reads a stream.
type Reader struct {
	compression Compression
	closer      func()
	decoder     *codec.Decoder
	records     int
}

// NewReader reads and checks the stream header from r.
func NewReader(r io.Reader) (*Reader, error) {
	buffered := bufio.NewReader(r)
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(buffered, header); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrFormat, err)
	}
	if string(header[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrFormat, header[:len(magic)])
	}
	if version := header[len(magic)]; version != Version {
		return nil, fmt.Errorf("%w: version %d, this build reads %d", ErrFormat, version, Version)
	}

	reader := &Reader{compression: Compression(header[len(magic)+1]), closer: func() {}}
	var body io.Reader
	switch reader.compression {
	case CompressionNone:
		body = buffered
	case CompressionLZ4:
		body = lz4.NewReader(buffered)
	case CompressionZstd:
		decoder, err := zstd.NewReader(buffered)
		if err != nil {
			return nil, fmt.Errorf("kelstream: creating zstd decoder: %w", err)
		}
		body = decoder
		reader.closer = decoder.Close
	default:
		return nil, fmt.Errorf("%w: unknown compression tag %d", ErrFormat, header[len(magic)+1])
	}
	reader.decoder = codec.NewDecoder(body)
	return reader, nil
}

// Compression returns the stream's compression.
func (r *Reader) Compression() Compression { return r.compression }

// Next returns the next record, or io.EOF after the last.
func (r *Reader) Next() (Record, error) {
	var record Record
	if err := r.decoder.Decode(&record); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("kelstream: reading record %d: %w", r.records, err)
	}
	r.records++
	return record, nil
}

// Close releases decompressor resources.
func (r *Reader) Close() {
	r.closer()
}
