// Package db provides database connection management for the task store
// backends: SQLite (WAL, single writer) and PostgreSQL (pgx).
package db

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Pool splits task-store traffic into a write handle and a read handle.
//
// The store's write side is small transactional upserts (one snapshot per
// event), while reads are point lookups and list scans. On SQLite the
// writer is pinned to one connection so snapshot saves never collide on
// SQLITE_BUSY, and the reader side runs several read-only connections
// against WAL snapshots. On PostgreSQL both handles are the same *sqlx.DB;
// pgx pools internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader handles.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// NewSharedPool creates a Pool where one handle serves both sides.
func NewSharedPool(db *sqlx.DB) *Pool {
	return &Pool{writer: db, reader: db}
}

// Writer returns the handle for snapshot upserts, deletes, and
// transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the handle for task lookups and list queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Ping verifies both sides of the pool are reachable.
func (p *Pool) Ping(ctx context.Context) error {
	if err := p.writer.PingContext(ctx); err != nil {
		return err
	}
	if p.reader != p.writer {
		return p.reader.PingContext(ctx)
	}
	return nil
}

// Close closes both handles, tolerating the shared-handle case.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
