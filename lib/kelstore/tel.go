// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kelstore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/keystate/lib/delegation"
	"github.com/bureau-foundation/keystate/lib/event"
)

// AppendRegistryEvent stores an accepted registry event with the
// controller event that anchored it.
func (s *Store) AppendRegistryEvent(ctx context.Context, signed *event.Signed, anchor delegation.Anchor) error {
	appended := signed.Event
	registry := appended.Registry
	if appended.Ilk == event.RegistryInception {
		registry = appended.Prefix
	}
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO tel (prefix, sn, said, ilk, registry, raw, anchor_controller, anchor_sn, anchor_said, accepted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				string(appended.Prefix), int64(appended.Sequence), string(appended.SAID), string(appended.Ilk),
				string(registry), signed.Raw,
				string(anchor.Controller), int64(anchor.Sequence), string(anchor.SAID), s.now(),
			}})
	})
	if isConstraint(err) {
		return fmt.Errorf("%w: registry event %s/%d (%s)", ErrExists, appended.Prefix, appended.Sequence, appended.SAID.Short())
	}
	if err != nil {
		return fmt.Errorf("kelstore: appending registry event %s: %w", appended.SAID, err)
	}
	return nil
}

// RegistryLog returns every stored registry event in acceptance
// order, which is also a valid replay order.
func (s *Store) RegistryLog(ctx context.Context) ([]*event.Signed, error) {
	return s.registryEvents(ctx, `SELECT raw FROM tel ORDER BY seq`)
}

// RegistryEvents returns the events of one registry (its inception and
// every credential event naming it) in acceptance order.
func (s *Store) RegistryEvents(ctx context.Context, registry event.Prefix) ([]*event.Signed, error) {
	return s.registryEvents(ctx, `SELECT raw FROM tel WHERE registry = ? ORDER BY seq`, string(registry))
}

func (s *Store) registryEvents(ctx context.Context, query string, args ...any) ([]*event.Signed, error) {
	var events []*event.Signed
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				signed, err := event.DecodeSigned(columnBlob(stmt, 0), nil)
				if err != nil {
					return err
				}
				events = append(events, signed)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("kelstore: reading registry events: %w", err)
	}
	return events, nil
}
