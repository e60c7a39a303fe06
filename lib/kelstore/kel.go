// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kelstore

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/keystate/lib/digest"
	"github.com/bureau-foundation/keystate/lib/event"
	"github.com/bureau-foundation/keystate/lib/kever"
)

// Append stores an accepted key event. It returns ErrExists if the
// identifier already has an event at that sequence number or the SAID
// is stored.
func (s *Store) Append(ctx context.Context, signed *event.Signed) error {
	appended := signed.Event
	signatures, err := encodeSignatures(signed.Signatures)
	if err != nil {
		return err
	}
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO kel (prefix, sn, said, ilk, raw, signatures, accepted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				string(appended.Prefix), int64(appended.Sequence), string(appended.SAID),
				string(appended.Ilk), signed.Raw, signatures, s.now(),
			}})
	})
	if isConstraint(err) {
		return fmt.Errorf("%w: %s/%d (%s)", ErrExists, appended.Prefix, appended.Sequence, appended.SAID.Short())
	}
	if err != nil {
		return fmt.Errorf("kelstore: appending %s/%d: %w", appended.Prefix, appended.Sequence, err)
	}
	return nil
}

// Get returns the stored event with the given SAID.
func (s *Store) Get(ctx context.Context, said digest.Digest) (*event.Signed, error) {
	var found []*event.Signed
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		var err error
		found, err = scanEvents(conn, `SELECT raw, signatures FROM kel WHERE said = ?`, string(said))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("kelstore: reading %s: %w", said, err)
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, said)
	}
	return found[0], nil
}

// Log returns the accepted events of prefix starting at sequence from,
// in sequence order.
func (s *Store) Log(ctx context.Context, prefix event.Prefix, from uint64) ([]*event.Signed, error) {
	var log []*event.Signed
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		var err error
		log, err = scanEvents(conn,
			`SELECT raw, signatures FROM kel WHERE prefix = ? AND sn >= ? ORDER BY sn`,
			string(prefix), int64(from))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("kelstore: reading log of %s: %w", prefix, err)
	}
	return log, nil
}

// Events returns the accepted events of prefix without signatures. It
// serves delegation.Source.
func (s *Store) Events(ctx context.Context, prefix event.Prefix) ([]*event.Event, error) {
	log, err := s.Log(ctx, prefix, 0)
	if err != nil {
		return nil, err
	}
	events := make([]*event.Event, len(log))
	for i, signed := range log {
		events[i] = signed.Event
	}
	return events, nil
}

// Prefixes lists every identifier with a stored log in the order
// their inceptions were accepted.
func (s *Store) Prefixes(ctx context.Context) ([]event.Prefix, error) {
	var prefixes []event.Prefix
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT prefix FROM kel WHERE sn = 0 ORDER BY accepted_at, rowid`,
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				prefixes = append(prefixes, event.Prefix(stmt.ColumnText(0)))
				return nil
			}})
	})
	if err != nil {
		return nil, fmt.Errorf("kelstore: listing prefixes: %w", err)
	}
	return prefixes, nil
}

func scanEvents(conn *sqlite.Conn, query string, args ...any) ([]*event.Signed, error) {
	var events []*event.Signed
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			signatures, err := decodeSignatures(columnBlob(stmt, 1))
			if err != nil {
				return err
			}
			signed, err := event.DecodeSigned(columnBlob(stmt, 0), signatures)
			if err != nil {
				return err
			}
			events = append(events, signed)
			return nil
		},
	})
	return events, err
}

// Conflict is a stored event that conflicts with an accepted one.
type Conflict struct {
	Signed   *event.Signed
	Accepted digest.Digest
	Detected time.Time
}

// SaveConflict records duplicity evidence. Saving the same conflicting
// event again is a no-op.
func (s *Store) SaveConflict(ctx context.Context, signed *event.Signed, accepted digest.Digest) error {
	conflict := signed.Event
	signatures, err := encodeSignatures(signed.Signatures)
	if err != nil {
		return err
	}
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO conflicts (said, prefix, sn, accepted, raw, signatures, detected_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				string(conflict.SAID), string(conflict.Prefix), int64(conflict.Sequence),
				string(accepted), signed.Raw, signatures, s.now(),
			}})
	})
	if err != nil {
		return fmt.Errorf("kelstore: saving conflict %s: %w", conflict.SAID, err)
	}
	return nil
}

// Conflicts returns the duplicity evidence recorded for prefix in
// sequence order.
func (s *Store) Conflicts(ctx context.Context, prefix event.Prefix) ([]Conflict, error) {
	var conflicts []Conflict
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT raw, signatures, accepted, detected_at FROM conflicts WHERE prefix = ? ORDER BY sn, said`,
			&sqlitex.ExecOptions{
				Args: []any{string(prefix)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					signatures, err := decodeSignatures(columnBlob(stmt, 1))
					if err != nil {
						return err
					}
					signed, err := event.DecodeSigned(columnBlob(stmt, 0), signatures)
					if err != nil {
						return err
					}
					conflicts = append(conflicts, Conflict{
						Signed:   signed,
						Accepted: digest.Digest(stmt.ColumnText(2)),
						Detected: fromUnixNano(stmt.ColumnInt64(3)),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("kelstore: reading conflicts of %s: %w", prefix, err)
	}
	return conflicts, nil
}

// SaveFlag persists the review flag of prefix. FlagNone clears it.
func (s *Store) SaveFlag(ctx context.Context, prefix event.Prefix, flag kever.Flag, detail string) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if flag == kever.FlagNone {
			return sqlitex.Execute(conn, `DELETE FROM flags WHERE prefix = ?`,
				&sqlitex.ExecOptions{Args: []any{string(prefix)}})
		}
		return sqlitex.Execute(conn,
			`INSERT INTO flags (prefix, flag, detail, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (prefix) DO UPDATE SET flag = excluded.flag, detail = excluded.detail, updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{Args: []any{string(prefix), string(flag), detail, s.now()}})
	})
	if err != nil {
		return fmt.Errorf("kelstore: saving flag of %s: %w", prefix, err)
	}
	return nil
}

// Flags returns every persisted review flag.
func (s *Store) Flags(ctx context.Context) (map[event.Prefix]kever.Flag, error) {
	flags := make(map[event.Prefix]kever.Flag)
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT prefix, flag FROM flags`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				flags[event.Prefix(stmt.ColumnText(0))] = kever.Flag(stmt.ColumnText(1))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("kelstore: reading flags: %w", err)
	}
	return flags, nil
}

// Counts summarizes the store for status reports.
type Counts struct {
	Identifiers int64 `cbor:"identifiers"`
	Events      int64 `cbor:"events"`
	Conflicts   int64 `cbor:"conflicts"`
	Receipts    int64 `cbor:"receipts"`
	Escrowed    int64 `cbor:"escrowed"`
	Registry    int64 `cbor:"registry_events"`
}

// Counts returns row counts per table.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var counts Counts
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		for _, target := range []struct {
			query string
			value *int64
		}{
			{`SELECT count(*) FROM kel WHERE sn = 0`, &counts.Identifiers},
			{`SELECT count(*) FROM kel`, &counts.Events},
			{`SELECT count(*) FROM conflicts`, &counts.Conflicts},
			{`SELECT count(*) FROM receipts`, &counts.Receipts},
			{`SELECT count(*) FROM escrow`, &counts.Escrowed},
			{`SELECT count(*) FROM tel`, &counts.Registry},
		} {
			value, err := count(conn, target.query)
			if err != nil {
				return err
			}
			*target.value = value
		}
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("kelstore: counting: %w", err)
	}
	return counts, nil
}
