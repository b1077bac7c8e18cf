// Package identity defines the boundary to the external identity provider:
// the capability set the auth coordinator consumes, the grant payload the
// provider returns, and the error taxonomy shared by all implementations.
// The HTTP implementation lives in httpidp; the in-memory double used by
// tests lives in identitytest.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotReady reports that the provider has not finished its
	// asynchronous initialization. Callers should retry after Ready.
	ErrNotReady = errors.New("identity: provider not ready")

	// ErrInvalidCredentials covers rejected password and OTP sign-ins.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")

	// ErrInvalidGrant reports a rejected, revoked, or expired refresh token.
	ErrInvalidGrant = errors.New("identity: invalid grant")

	// ErrUserExists is returned by SignUp for an already-registered email.
	ErrUserExists = errors.New("identity: user already exists")

	// ErrUnavailable covers transport and provider-side failures.
	ErrUnavailable = errors.New("identity: provider unavailable")
)

// User is the provider's view of an authenticated user.
type User struct {
	ID     string         `json:"id"`
	Phone  string         `json:"phone,omitempty"`
	Email  string         `json:"email,omitempty"`
	Claims map[string]any `json:"claims,omitempty"`
}

// Grant is the provider's token response: the access/refresh pair plus the
// user it was issued for. IssuedAt is stamped by the implementation when the
// provider omits it.
type Grant struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at"`
	User         User      `json:"user"`
}

// QueryRequest is a generic authorized read against provider-side records,
// used for authorization checks (e.g. organization membership, permission
// lookups) without binding the coordinator to a table schema.
type QueryRequest struct {
	Resource string            `json:"resource"`
	Filter   map[string]string `json:"filter,omitempty"`
	Count    bool              `json:"count,omitempty"`
}

// QueryResult carries the rows (as loose maps) and the match count.
type QueryResult struct {
	Count int              `json:"count"`
	Rows  []map[string]any `json:"rows,omitempty"`
}

// Provider is the capability set the auth coordinator consumes. A Provider
// may initialize asynchronously: operations invoked before Ready return
// ErrNotReady, and the channel from Ready is closed once the provider can
// take traffic.
type Provider interface {
	// Ready returns a channel closed when the provider has finished
	// initializing. IsReady is the point-in-time form.
	Ready() <-chan struct{}
	IsReady() bool

	SignInPassword(ctx context.Context, email, password string) (*Grant, error)
	SignUp(ctx context.Context, email, password string) (*Grant, error)

	// RequestOTP asks the provider to send a one-time code to phone.
	RequestOTP(ctx context.Context, phone string) error
	// VerifyOTP exchanges a delivered code for a grant.
	VerifyOTP(ctx context.Context, phone, code string) (*Grant, error)

	Refresh(ctx context.Context, refreshToken string) (*Grant, error)

	// SignOut revokes the provider-side session for accessToken. Best
	// effort; local state is cleared regardless of the outcome.
	SignOut(ctx context.Context, accessToken string) error

	// SetSession pushes locally persisted tokens into the provider after it
	// becomes ready, re-establishing the authenticated state.
	SetSession(ctx context.Context, accessToken, refreshToken string) error

	// UpdateUserAttributes patches attributes on the signed-in user.
	UpdateUserAttributes(ctx context.Context, accessToken string, attrs map[string]any) error

	// Query runs a generic authorized read with the given access token.
	Query(ctx context.Context, accessToken string, req QueryRequest) (*QueryResult, error)
}
