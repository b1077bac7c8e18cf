// Package sqlite is the reference session store driver: a single-writer
// key-value table in an embedded SQLite database. Writes follow a
// write-verify-promote protocol and keep one prior generation per key, so a
// failed or torn write can never be read back as a valid record.
package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/tillworks/posterm/internal/session/store"

	_ "modernc.org/sqlite"
)

type Store struct {
	db  *sql.DB
	dsn string
}

// NewStore opens (creating if needed) the SQLite database at dsn. The caller
// must run ApplyMigrations before first use.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Single logical writer, but WAL keeps the health-loop reader from
	// blocking a foreground save.
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA foreign_keys = ON;`,
	} {
		if _, err := db.ExecContext(context.Background(), pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &Store{db: db, dsn: dsn}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func checksum(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}

// Store persists value under key using write-verify-promote:
//
//  1. the previous live row (if any) is copied to the backup generation,
//  2. the new value lands in the staging row,
//  3. the staging row is read back and its checksum verified,
//  4. only then is it promoted to the live row.
//
// All four steps run in one immediate transaction; any failure rolls the
// whole write back, leaving the previous value readable.
func (s *Store) Store(ctx context.Context, key string, value []byte) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return writeKey(ctx, tx, key, value)
	})
}

// StoreAll persists every key in one transaction; either all entries promote
// or none do.
func (s *Store) StoreAll(ctx context.Context, values map[string][]byte) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for key, value := range values {
			if err := writeKey(ctx, tx, key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	defer func() {
		_ = tx.Rollback() // safe to call even after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func writeKey(ctx context.Context, tx *sql.Tx, key string, value []byte) error {
	sum := checksum(value)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO kv_backup (key, value, checksum, updated_at)
		SELECT key, value, checksum, updated_at FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO kv_staging (key, value, checksum, updated_at)
		VALUES (?, ?, ?, ?)`, key, value, sum, now)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	var staged []byte
	var stagedSum string
	err = tx.QueryRowContext(ctx,
		`SELECT value, checksum FROM kv_staging WHERE key = ?`, key,
	).Scan(&staged, &stagedSum)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if stagedSum != sum || checksum(staged) != sum {
		return fmt.Errorf("%w: staged value failed verification", store.ErrUnavailable)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO kv (key, value, checksum, updated_at)
		VALUES (?, ?, ?, ?)`, key, staged, sum, now)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_staging WHERE key = ?`, key); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Retrieve returns the live value for key. A live row whose checksum no
// longer matches is treated as damaged: the backup generation is consulted,
// and if that also fails verification the key reads as absent.
func (s *Store) Retrieve(ctx context.Context, key string) ([]byte, error) {
	value, ok, err := s.readVerified(ctx, `kv`, key)
	if err != nil {
		return nil, err
	}
	if ok {
		return value, nil
	}

	value, ok, err = s.readVerified(ctx, `kv_backup`, key)
	if err != nil {
		return nil, err
	}
	if ok {
		return value, nil
	}

	return nil, store.ErrNotFound
}

// Clear removes key from all generations. Clearing an absent key is a no-op.
func (s *Store) Clear(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, table := range []string{`kv`, `kv_staging`, `kv_backup`} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE key = ?`, key); err != nil {
			return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Has reports whether a verified live value exists for key.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	_, err := s.Retrieve(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) readVerified(ctx context.Context, table, key string) ([]byte, bool, error) {
	var value []byte
	var sum string
	err := s.db.QueryRowContext(ctx,
		`SELECT value, checksum FROM `+table+` WHERE key = ?`, key,
	).Scan(&value, &sum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if checksum(value) != sum {
		return nil, false, nil
	}
	return value, true, nil
}
