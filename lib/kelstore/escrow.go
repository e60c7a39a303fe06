// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kelstore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/escrow"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/kever"
	"github.com/bureau-foundation/keystate/lib/receipt"
)

// SaveEscrow inserts or replaces an escrow entry.
func (s *Store) SaveEscrow(ctx context.Context, entry escrow.Entry) error {
	signatures, err := encodeSignatures(entry.Signatures)
	if err != nil {
		return err
	}
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT OR REPLACE INTO escrow
			 (said, prefix, sn, ilk, raw, signatures, reason, detail, received_at, updated_at, attempts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				string(entry.SAID), string(entry.Prefix), int64(entry.Sequence), string(entry.Ilk),
				entry.Raw, signatures, string(entry.Reason), entry.Detail,
				entry.Received.UnixNano(), entry.Updated.UnixNano(), entry.Attempts,
			}})
	})
	if err != nil {
		return fmt.Errorf("kelstore: saving escrow %s: %w", entry.SAID, err)
	}
	return nil
}

// DeleteEscrow removes an escrow entry. Deleting a missing entry is
// not an error.
func (s *Store) DeleteEscrow(ctx context.Context, said digest.Digest) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM escrow WHERE said = ?`,
			&sqlitex.ExecOptions{Args: []any{string(said)}})
	})
	if err != nil {
		return fmt.Errorf("kelstore: deleting escrow %s: %w", said, err)
	}
	return nil
}

// LoadEscrow returns every escrow entry.
func (s *Store) LoadEscrow(ctx context.Context) ([]escrow.Entry, error) {
	var entries []escrow.Entry
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT said, prefix, sn, ilk, raw, signatures, reason, detail, received_at, updated_at, attempts
			 FROM escrow ORDER BY prefix, sn, said`,
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				signatures, err := decodeSignatures(columnBlob(stmt, 5))
				if err != nil {
					return err
				}
				entries = append(entries, escrow.Entry{
					SAID:       digest.Digest(stmt.ColumnText(0)),
					Prefix:     event.Prefix(stmt.ColumnText(1)),
					Sequence:   uint64(stmt.ColumnInt64(2)),
					Ilk:        event.Ilk(stmt.ColumnText(3)),
					Raw:        columnBlob(stmt, 4),
					Signatures: signatures,
					Reason:     kever.Reason(stmt.ColumnText(6)),
					Detail:     stmt.ColumnText(7),
					Received:   fromUnixNano(stmt.ColumnInt64(8)),
					Updated:    fromUnixNano(stmt.ColumnInt64(9)),
					Attempts:   stmt.ColumnInt(10),
				})
				return nil
			}})
	})
	if err != nil {
		return nil, fmt.Errorf("kelstore: loading escrow: %w", err)
	}
	return entries, nil
}

// SaveReceipt stores a verified witness receipt. A second receipt from
// the same witness for the same event is ignored.
func (s *Store) SaveReceipt(ctx context.Context, said digest.Digest, r receipt.Receipt) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO receipts (said, witness, signature, received_at) VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{string(said), string(r.Witness), r.Signature, r.Received.UnixNano()}})
	})
	if err != nil {
		return fmt.Errorf("kelstore: saving receipt for %s from %s: %w", said, r.Witness, err)
	}
	return nil
}

// LoadReceipts returns the stored receipts of one event in arrival
// order.
func (s *Store) LoadReceipts(ctx context.Context, said digest.Digest) ([]receipt.Receipt, error) {
	var receipts []receipt.Receipt
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT witness, signature, received_at FROM receipts WHERE said = ? ORDER BY received_at, witness`,
			&sqlitex.ExecOptions{
				Args: []any{string(said)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					receipts = append(receipts, receipt.Receipt{
						Witness:   event.Prefix(stmt.ColumnText(0)),
						Signature: columnBlob(stmt, 1),
						Received:  fromUnixNano(stmt.ColumnInt64(2)),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("kelstore: loading receipts for %s: %w", said, err)
	}
	return receipts, nil
}
