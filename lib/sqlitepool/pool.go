// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config holds the parameters for opening a pool. Path is required.
type Config struct {
	// Path is the database file. ":memory:" is rejected because each
	// pooled connection would see a different database; tests use a
	// file under t.TempDir().
	Path string

	// PoolSize defaults to 4. Writes serialize in SQLite regardless,
	// so extra connections only help concurrent readers.
	PoolSize int

	// Migrations are applied in order. Entry i moves the schema from
	// user_version i to i+1. Never edit a released entry; append a new
	// one.
	Migrations []string

	Logger *slog.Logger
}

// Pool is safe for concurrent use. Connections are not.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=FULL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA temp_store=MEMORY",
}

// Open opens the database, applies pending migrations, and returns a
// pool of prepared connections.
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}
	if cfg.Path == ":memory:" {
		return nil, fmt.Errorf("sqlitepool: in-memory databases cannot be pooled")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	if err := migrate(cfg.Path, cfg.Migrations, logger); err != nil {
		return nil, err
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepare,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}

	// Surface pragma failures at Open rather than on first use.
	conn, err := inner.Take(ctx)
	if err != nil {
		inner.Close()
		return nil, fmt.Errorf("sqlitepool: preparing %s: %w", cfg.Path, err)
	}
	inner.Put(conn)

	logger.Info("sqlite pool opened", "path", cfg.Path, "pool_size", poolSize)
	return &Pool{inner: inner, logger: logger, path: cfg.Path}, nil
}

// Take borrows a connection. The caller must Put it back.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection. Nil is a no-op.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Read runs fn on a borrowed connection.
func (p *Pool) Read(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	return fn(conn)
}

// Write runs fn inside one immediate transaction. The transaction
// commits when fn returns nil and rolls back otherwise.
func (p *Pool) Write(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)

	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: begin: %w", err)
	}
	defer end(&err)
	return fn(conn)
}

// Close waits for borrowed connections and closes the pool.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error", "path", p.path, "error", err)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

func prepare(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate applies the migrations past the stored user_version on a
// connection of its own.
func migrate(path string, migrations []string, logger *slog.Logger) (err error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate|sqlite.OpenWAL)
	if err != nil {
		return fmt.Errorf("sqlitepool: opening %s: %w", path, err)
	}
	defer func() {
		if closeErr := conn.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("sqlitepool: closing migration connection: %w", closeErr)
		}
	}()
	if err := prepare(conn); err != nil {
		return err
	}

	version, err := userVersion(conn)
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return fmt.Errorf("sqlitepool: %s has schema version %d, newer than this binary's %d",
			path, version, len(migrations))
	}
	for index := version; index < len(migrations); index++ {
		if err := applyMigration(conn, index, migrations[index]); err != nil {
			return err
		}
		logger.Info("sqlite schema migrated", "path", path, "version", index+1)
	}
	return nil
}

func applyMigration(conn *sqlite.Conn, index int, script string) (err error) {
	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: migration %d: %w", index+1, err)
	}
	defer end(&err)
	if err := sqlitex.ExecuteScript(conn, script, nil); err != nil {
		return fmt.Errorf("sqlitepool: migration %d: %w", index+1, err)
	}
	// PRAGMA does not take bound parameters.
	if err := sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version=%d", index+1), nil); err != nil {
		return fmt.Errorf("sqlitepool: migration %d: recording version: %w", index+1, err)
	}
	return nil
}

func userVersion(conn *sqlite.Conn) (int, error) {
	var version int
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("sqlitepool: reading user_version: %w", err)
	}
	return version, nil
}
