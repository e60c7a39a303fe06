// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package kelstore is the durable store behind a key state processor:
// accepted key event logs, duplicity evidence, review flags, witness
// receipts, escrowed events, and registry transaction logs, all in one
// SQLite database.
//
// The Store implements the persistence interfaces of the packages it
// serves (kever.Log, escrow.Store, receipt.Store, delegation.Source,
// registry.Log), so the processor hands the same *Store to each.
//
// Event bytes are stored exactly as received. Reads decode them with
// event.Decode, so a corrupted row surfaces as a decode error rather
// than as wrong state.
package kelstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/keystate/lib/clock"
	"github.com/bureau-foundation/keystate/lib/codec"
	"github.com/bureau-foundation/keystate/lib/signing"
	"github.com/bureau-foundation/keystate/lib/sqlitepool"
)

// ErrExists is returned by Append when the sequence number or SAID is
// already stored.
var ErrExists = errors.New("event already stored")

// ErrNotFound is returned for lookups that match no row.
var ErrNotFound = errors.New("not found")

var migrations = []string{`
CREATE TABLE kel (
	prefix      TEXT    NOT NULL,
	sn          INTEGER NOT NULL,
	said        TEXT    NOT NULL UNIQUE,
	ilk         TEXT    NOT NULL,
	raw         BLOB    NOT NULL,
	signatures  BLOB    NOT NULL,
	accepted_at INTEGER NOT NULL,
	PRIMARY KEY (prefix, sn)
);

CREATE TABLE conflicts (
	said        TEXT    PRIMARY KEY,
	prefix      TEXT    NOT NULL,
	sn          INTEGER NOT NULL,
	accepted    TEXT    NOT NULL,
	raw         BLOB    NOT NULL,
	signatures  BLOB    NOT NULL,
	detected_at INTEGER NOT NULL
);
CREATE INDEX conflicts_by_prefix ON conflicts (prefix, sn);

CREATE TABLE flags (
	prefix     TEXT    PRIMARY KEY,
	flag       TEXT    NOT NULL,
	detail     TEXT    NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE receipts (
	said        TEXT    NOT NULL,
	witness     TEXT    NOT NULL,
	signature   BLOB    NOT NULL,
	received_at INTEGER NOT NULL,
	PRIMARY KEY (said, witness)
);

CREATE TABLE escrow (
	said        TEXT    PRIMARY KEY,
	prefix      TEXT    NOT NULL,
	sn          INTEGER NOT NULL,
	ilk         TEXT    NOT NULL,
	raw         BLOB    NOT NULL,
	signatures  BLOB    NOT NULL,
	reason      TEXT    NOT NULL,
	detail      TEXT    NOT NULL,
	received_at INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	attempts    INTEGER NOT NULL
);

CREATE TABLE tel (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	prefix            TEXT    NOT NULL,
	sn                INTEGER NOT NULL,
	said              TEXT    NOT NULL UNIQUE,
	ilk               TEXT    NOT NULL,
	registry          TEXT    NOT NULL,
	raw               BLOB    NOT NULL,
	anchor_controller TEXT    NOT NULL,
	anchor_sn         INTEGER NOT NULL,
	anchor_said       TEXT    NOT NULL,
	accepted_at       INTEGER NOT NULL,
	UNIQUE (prefix, sn)
);
CREATE INDEX tel_by_registry ON tel (registry);
`}

// Config configures a Store.
type Config struct {
	// Path is the database file. Its directory must exist.
	Path string

	// PoolSize defaults to 4.
	PoolSize int

	// Clock stamps rows. Defaults to clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// Store is safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Open opens (creating if needed) the store at config.Path.
func Open(ctx context.Context, config Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	storeClock := config.Clock
	if storeClock == nil {
		storeClock = clock.Real()
	}
	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:       config.Path,
		PoolSize:   config.PoolSize,
		Migrations: migrations,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("kelstore: %w", err)
	}
	return &Store{pool: pool, clock: storeClock, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) now() int64 {
	return s.clock.Now().UnixNano()
}

func fromUnixNano(nanos int64) time.Time {
	return time.Unix(0, nanos).UTC()
}

func encodeSignatures(signatures []signing.IndexedSignature) ([]byte, error) {
	if signatures == nil {
		signatures = []signing.IndexedSignature{}
	}
	encoded, err := codec.Marshal(signatures)
	if err != nil {
		return nil, fmt.Errorf("encoding signatures: %w", err)
	}
	return encoded, nil
}

func decodeSignatures(data []byte) ([]signing.IndexedSignature, error) {
	var signatures []signing.IndexedSignature
	if err := codec.Unmarshal(data, &signatures); err != nil {
		return nil, fmt.Errorf("decoding signatures: %w", err)
	}
	return signatures, nil
}

func columnBlob(stmt *sqlite.Stmt, column int) []byte {
	data := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, data)
	return data
}

func isConstraint(err error) bool {
	return sqlite.ErrCode(err).ToPrimary() == sqlite.ResultConstraint
}

// count runs a single-value integer query.
func count(conn *sqlite.Conn, query string, args ...any) (int64, error) {
	var value int64
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnInt64(0)
			return nil
		},
	})
	return value, err
}
