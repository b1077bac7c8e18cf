package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/tillworks/posterm/internal/session/store"
)

// Store keys. ClearSession removes all of them; no partial state survives.
const (
	keySession    = "session"
	keyExpiry     = "session.expiry"
	keyPersistent = "session.persistent"
	keyNewUser    = "session.newuser"
)

// Refresh threshold policy. Non-persistent sessions refresh close to expiry;
// persistent ("remember me") sessions refresh well ahead of it so a terminal
// that is only powered up once a shift stays signed in.
const (
	StandardRefreshThreshold   = 300 * time.Second
	PersistentRefreshThreshold = 12 * time.Hour
)

var (
	// ErrNoSession is returned by Save when given a nil session; Save falls
	// back to Clear in that case and reports this sentinel.
	ErrNoSession = errors.New("session: no session")

	// ErrStorage wraps store failures surfaced by Save.
	ErrStorage = errors.New("session: storage failure")
)

// Manager computes expiry, validity, and refresh thresholds from persisted
// data, and owns save/load/clear of the single session record.
type Manager struct {
	store  store.Store
	clock  Clock
	logger *slog.Logger

	standardThreshold   time.Duration
	persistentThreshold time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithThresholds overrides the refresh threshold policy constants.
func WithThresholds(standard, persistent time.Duration) ManagerOption {
	return func(m *Manager) {
		m.standardThreshold = standard
		m.persistentThreshold = persistent
	}
}

func NewManager(st store.Store, clock Clock, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:               st,
		clock:               clock,
		logger:              logger,
		standardThreshold:   StandardRefreshThreshold,
		persistentThreshold: PersistentRefreshThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Save persists sess as the one session record. The absolute expiry is
// computed here, once, from the injected clock; later reads trust it over
// recomputation. A nil session clears instead.
//
// On storage failure the in-memory session is left unpersisted; the error is
// logged and returned wrapped in ErrStorage.
func (m *Manager) Save(ctx context.Context, sess *Session, persistent bool) error {
	if sess == nil {
		if err := m.Clear(ctx); err != nil {
			return err
		}
		return ErrNoSession
	}

	now := m.clock.Now().UTC()
	record := *sess
	record.CreatedAt = record.CreatedAt.UTC()

	data, err := json.Marshal(record)
	if err != nil {
		m.logger.Error("failed to encode session", "error", err)
		return errors.Join(ErrStorage, err)
	}

	values := map[string][]byte{
		keySession:    data,
		keyPersistent: encodeBool(persistent),
	}
	if sess.ExpiresIn > 0 {
		expiry := now.Add(time.Duration(sess.ExpiresIn) * time.Second)
		values[keyExpiry] = []byte(expiry.Format(time.RFC3339))
	}

	if err := m.writeRecord(ctx, values); err != nil {
		m.logger.Error("failed to persist session", "error", err)
		return errors.Join(ErrStorage, err)
	}
	if sess.ExpiresIn <= 0 {
		_ = m.store.Clear(ctx, keyExpiry)
	}
	return nil
}

// writeRecord persists the record keys, atomically when the driver can. On
// the sequential fallback the session key goes last: Load keys off it, so a
// torn write can never pair a new record with the previous login's flags.
func (m *Manager) writeRecord(ctx context.Context, values map[string][]byte) error {
	if batch, ok := m.store.(store.BatchStore); ok {
		return batch.StoreAll(ctx, values)
	}

	for _, key := range []string{keyExpiry, keyPersistent, keySession} {
		value, ok := values[key]
		if !ok {
			continue
		}
		if err := m.store.Store(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

// Load returns the persisted record, or nil when there is none. A corrupt or
// unreadable record, or one without an access token, reads as absent; Load
// never fails loudly.
func (m *Manager) Load(ctx context.Context) *Record {
	data, err := m.store.Retrieve(ctx, keySession)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("session store unreadable, treating as logged out", "error", err)
		}
		return nil
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		m.logger.Warn("corrupt session record, treating as logged out", "error", err)
		return nil
	}
	if !sess.Usable() {
		return nil
	}

	rec := &Record{
		Session:     sess,
		Persistent:  m.readBool(ctx, keyPersistent),
		NewUser:     m.readBool(ctx, keyNewUser),
		LastRefresh: sess.CreatedAt.UTC(),
	}

	if expiry, ok := m.readExpiry(ctx); ok {
		rec.AbsoluteExpiry = expiry
	} else {
		rec.AbsoluteExpiry = sess.ExpiryFromCreation()
	}

	return rec
}

// Clear removes every persisted session key. Idempotent.
func (m *Manager) Clear(ctx context.Context) error {
	var firstErr error
	for _, key := range []string{keySession, keyExpiry, keyPersistent, keyNewUser} {
		if err := m.store.Clear(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		m.logger.Error("failed to clear session state", "error", firstErr)
		return errors.Join(ErrStorage, firstErr)
	}
	return nil
}

// ExpiryTime reports when the session expires. The stored absolute expiry
// wins; CreatedAt + ExpiresIn is the fallback. ok is false when neither is
// derivable or there is no session.
func (m *Manager) ExpiryTime(ctx context.Context) (time.Time, bool) {
	if expiry, ok := m.readExpiry(ctx); ok {
		return expiry, true
	}

	rec := m.Load(ctx)
	if rec == nil {
		return time.Time{}, false
	}
	if expiry := rec.Session.ExpiryFromCreation(); !expiry.IsZero() {
		return expiry, true
	}
	return time.Time{}, false
}

// IsExpired reports whether the session's expiry is in the past. A session
// with no derivable expiry never reads as expired.
func (m *Manager) IsExpired(ctx context.Context) bool {
	expiry, ok := m.ExpiryTime(ctx)
	if !ok {
		return false
	}
	return m.clock.Now().UTC().After(expiry)
}

// RefreshThreshold returns how far ahead of expiry the session should be
// refreshed, per the persistence flag of the stored record.
func (m *Manager) RefreshThreshold(ctx context.Context) time.Duration {
	if m.readBool(ctx, keyPersistent) {
		return m.persistentThreshold
	}
	return m.standardThreshold
}

// SetNewUser persists the new-user flag. The flag is independent of session
// validity and survives refreshes.
func (m *Manager) SetNewUser(ctx context.Context, newUser bool) error {
	if err := m.store.Store(ctx, keyNewUser, encodeBool(newUser)); err != nil {
		m.logger.Error("failed to persist new-user flag", "error", err)
		return errors.Join(ErrStorage, err)
	}
	return nil
}

// NewUser reports the persisted new-user flag; absent reads as false.
func (m *Manager) NewUser(ctx context.Context) bool {
	return m.readBool(ctx, keyNewUser)
}

func (m *Manager) readExpiry(ctx context.Context) (time.Time, bool) {
	data, err := m.store.Retrieve(ctx, keyExpiry)
	if err != nil {
		return time.Time{}, false
	}
	expiry, err := time.Parse(time.RFC3339, string(data))
	if err != nil {
		m.logger.Warn("corrupt session expiry, recomputing from record", "error", err)
		return time.Time{}, false
	}
	return expiry.UTC(), true
}

func (m *Manager) readBool(ctx context.Context, key string) bool {
	data, err := m.store.Retrieve(ctx, key)
	if err != nil {
		return false
	}
	return string(data) == "true"
}

func encodeBool(v bool) []byte {
	if v {
		return []byte("true")
	}
	return []byte("false")
}
