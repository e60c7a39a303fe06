// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite connection pool behind the key
// state store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool and applies one set
// of pragmas to every connection:
//
//   - journal_mode=WAL: readers never block the single writer.
//   - synchronous=FULL: an accepted event survives power loss. The
//     key event log is a source of truth, not a cache.
//   - busy_timeout=5000: wait for the write lock instead of failing
//     with SQLITE_BUSY.
//   - foreign_keys=ON
//   - temp_store=MEMORY
//
// Schema setup goes through [Config.Migrations]: an ordered list of
// scripts. The database's user_version records how many have run, so
// opening an existing database applies only the new ones. Migrations
// run once at Open on a dedicated connection, before any caller can
// Take one.
//
// Callers Take a connection, use it from one goroutine, and Put it
// back. [Pool.Write] wraps the common case of one immediate
// transaction.
package sqlitepool
