// Package store defines the key-value boundary the session manager persists
// through. Drivers live under drivers/; the contract is deliberately small so
// a platform keystore can stand in for the reference sqlite driver.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Retrieve when no readable value exists for a
// key. Drivers must map corruption to ErrNotFound rather than surfacing a
// decode failure; a half-written or damaged record is treated as absent.
var ErrNotFound = errors.New("store: key not found")

// ErrUnavailable reports that the backing storage itself failed (I/O, locked
// database). Distinct from ErrNotFound so callers can log it.
var ErrUnavailable = errors.New("store: unavailable")

// Store is the persistence contract for session state.
//
// Drivers must guarantee that a failed Store call never leaves a
// half-written value readable under the key: write, verify, then promote.
// Clear is idempotent.
type Store interface {
	Store(ctx context.Context, key string, value []byte) error
	Retrieve(ctx context.Context, key string) ([]byte, error)
	Clear(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
}

// BatchStore is an optional driver capability: persist several keys in one
// atomic write, so a crash cannot separate a record from its companion flags.
// Save paths prefer it when the driver offers it.
type BatchStore interface {
	StoreAll(ctx context.Context, values map[string][]byte) error
}
