// Package session owns the terminal's authenticated session state: the token
// pair issued by the identity provider, its persisted form, and the expiry
// and refresh-threshold arithmetic driven by an injected clock.
package session

import "time"

// User is the identity the session was issued for.
type User struct {
	ID     string         `json:"id"`
	Phone  string         `json:"phone,omitempty"`
	Email  string         `json:"email,omitempty"`
	Claims map[string]any `json:"claims,omitempty"`
}

// Session is the token pair plus user identity returned by the identity
// provider. It is a value object; the persisted form is [Record].
type Session struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	TokenType    string    `json:"tokenType"`
	ExpiresIn    int       `json:"expiresIn"` // seconds
	CreatedAt    time.Time `json:"createdAt"` // UTC
	User         User      `json:"user"`
}

// Usable reports whether the session carries an access token at all. A
// session without one is treated as absent everywhere.
func (s *Session) Usable() bool {
	return s != nil && s.AccessToken != ""
}

// ExpiryFromCreation derives the expiry from CreatedAt + ExpiresIn. Returns
// the zero time when ExpiresIn is not positive.
func (s *Session) ExpiryFromCreation() time.Time {
	if s == nil || s.ExpiresIn <= 0 {
		return time.Time{}
	}
	return s.CreatedAt.UTC().Add(time.Duration(s.ExpiresIn) * time.Second)
}

// Record is the persisted form of a session: the session itself plus the
// flags and timestamps the lifecycle manager needs across restarts.
//
// AbsoluteExpiry is computed at save time and is authoritative over
// recomputation from CreatedAt + ExpiresIn.
type Record struct {
	Session Session `json:"session"`

	AbsoluteExpiry time.Time `json:"absoluteExpiry"`
	Persistent     bool      `json:"persistent"`
	NewUser        bool      `json:"newUser"`
	LastRefresh    time.Time `json:"lastRefreshAt,omitempty"`
}
