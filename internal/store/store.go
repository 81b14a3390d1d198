// Package store persists per-namespace node preferences in SQLite.
//
// A node keeps its locked clock offset and its manual signed output delay so
// that a restart can resume without re-measuring. Rows are keyed by namespace
// hash; nothing about the swarm itself is stored.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Prefs is the persisted state for one namespace.
type Prefs struct {
	Namespace     string
	HasOffset     bool
	OffsetMs      float64
	OffsetSavedAt time.Time
	SignedDelayMs int64
}

type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if path == ":memory:" {
		// each connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS namespace_prefs (
		namespace       TEXT PRIMARY KEY,
		offset_ms       REAL,
		offset_saved_at INTEGER,
		signed_delay_ms INTEGER NOT NULL DEFAULT 0
	);`)
	return err
}

// Load returns the prefs for namespace; ok is false when none were saved.
func (s *Store) Load(ctx context.Context, namespace string) (Prefs, bool, error) {
	var (
		offset  sql.NullFloat64
		savedAt sql.NullInt64
		p       = Prefs{Namespace: namespace}
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT offset_ms, offset_saved_at, signed_delay_ms FROM namespace_prefs WHERE namespace = ?`,
		namespace,
	).Scan(&offset, &savedAt, &p.SignedDelayMs)
	if errors.Is(err, sql.ErrNoRows) {
		return p, false, nil
	}
	if err != nil {
		return p, false, fmt.Errorf("load prefs: %w", err)
	}
	if offset.Valid && savedAt.Valid {
		p.HasOffset = true
		p.OffsetMs = offset.Float64
		p.OffsetSavedAt = time.UnixMilli(savedAt.Int64)
	}
	return p, true, nil
}

// SaveOffset records a locked clock offset and when it was locked.
func (s *Store) SaveOffset(ctx context.Context, namespace string, offsetMs float64, at time.Time) error {
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO namespace_prefs (namespace, offset_ms, offset_saved_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT(namespace) DO UPDATE SET
			   offset_ms = excluded.offset_ms,
			   offset_saved_at = excluded.offset_saved_at`,
			namespace, offsetMs, at.UnixMilli(),
		)
		return err
	})
}

// ClearOffset forgets the cached offset so the next session measures afresh.
func (s *Store) ClearOffset(ctx context.Context, namespace string) error {
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE namespace_prefs SET offset_ms = NULL, offset_saved_at = NULL WHERE namespace = ?`,
			namespace,
		)
		return err
	})
}

func (s *Store) SaveSignedDelay(ctx context.Context, namespace string, delayMs int64) error {
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO namespace_prefs (namespace, signed_delay_ms)
			 VALUES (?, ?)
			 ON CONFLICT(namespace) DO UPDATE SET signed_delay_ms = excluded.signed_delay_ms`,
			namespace, delayMs,
		)
		return err
	})
}
