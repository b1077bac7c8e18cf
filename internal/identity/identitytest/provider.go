// Package identitytest provides an in-memory identity.Provider double. It
// issues real (HS256-signed) access tokens and real HOTP one-time codes so
// the code paths that parse claims or relay codes behave as they would
// against the hosted provider, and it counts every network-equivalent call
// so tests can assert on traffic.
package identitytest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/hotp"

	"github.com/tillworks/posterm/internal/identity"
	"github.com/tillworks/posterm/pkg/cryptox"
	"github.com/tillworks/posterm/pkg/idx"
)

const defaultExpiresIn = 3600

// Calls tallies provider operations. Copy it out via Provider.Calls.
type Calls struct {
	SignInPassword int
	SignUp         int
	RequestOTP     int
	VerifyOTP      int
	Refresh        int
	SignOut        int
	SetSession     int
	UpdateUser     int
	Query          int
}

type account struct {
	id           string
	email        string
	phone        string
	passwordHash string
	attrs        map[string]any
	orgs         []string
}

// Provider is the in-memory double. The zero value is not usable; call New.
type Provider struct {
	mu sync.Mutex

	ready    chan struct{}
	isReady  bool
	signKey  []byte
	otpKey   string
	now      func() time.Time
	calls    Calls
	accounts map[string]*account // by email and by phone

	otpCounters map[string]uint64 // per phone
	refreshes   map[string]string // refresh token -> account id
	revoked     map[string]bool   // access tokens revoked by SignOut

	// Failure injection. Errors are returned verbatim, once per queued
	// entry, before any state mutation.
	refreshFailures []error
	signOutErr      error

	// Concurrency hooks for Refresh: started receives a value when a
	// refresh call begins, gate (when set) blocks it until closed.
	refreshStarted chan<- struct{}
	refreshGate    <-chan struct{}
}

// New returns a ready provider double.
func New() *Provider {
	p := &Provider{
		ready:       make(chan struct{}),
		signKey:     []byte(cryptox.MustGenerateToken(cryptox.TokenSize256)),
		otpKey:      "JBSWY3DPEHPK3PXP", // fixed base32 secret, fine for a double
		now:         func() time.Time { return time.Now().UTC() },
		accounts:    make(map[string]*account),
		otpCounters: make(map[string]uint64),
		refreshes:   make(map[string]string),
		revoked:     make(map[string]bool),
	}
	p.markReadyLocked()
	return p
}

// NewNotReady returns a double that reports not-ready until MarkReady.
func NewNotReady() *Provider {
	p := New()
	p.mu.Lock()
	p.isReady = false
	p.ready = make(chan struct{})
	p.mu.Unlock()
	return p
}

func (p *Provider) markReadyLocked() {
	if !p.isReady {
		p.isReady = true
		close(p.ready)
	}
}

// MarkReady flips the double to ready, closing the Ready channel.
func (p *Provider) MarkReady() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markReadyLocked()
}

func (p *Provider) Ready() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *Provider) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isReady
}

// Calls returns a snapshot of the call tallies.
func (p *Provider) Calls() Calls {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// SetClock overrides the double's time source for deterministic token expiry.
func (p *Provider) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// FailRefreshes queues errs to be returned by the next len(errs) Refresh
// calls, in order, before any token rotation happens.
func (p *Provider) FailRefreshes(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshFailures = append(p.refreshFailures, errs...)
}

// SetRefreshHooks installs concurrency hooks: every Refresh call sends on
// started (non-blocking) when it begins, then blocks until gate is closed.
// Pass nils to clear.
func (p *Provider) SetRefreshHooks(started chan<- struct{}, gate <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshStarted = started
	p.refreshGate = gate
}

// FailSignOut makes every SignOut call return err until reset with nil.
func (p *Provider) FailSignOut(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signOutErr = err
}

// AddUser registers an email/password account and returns its id.
func (p *Provider) AddUser(email, password string, orgs ...string) string {
	hash, err := cryptox.HashPassword(password)
	if err != nil {
		panic(fmt.Sprintf("identitytest: hash password: %v", err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	acct := &account{
		id:           idx.New().String(),
		email:        email,
		passwordHash: hash,
		attrs:        make(map[string]any),
		orgs:         orgs,
	}
	p.accounts[email] = acct
	return acct.id
}

// AddPhoneUser registers a phone-only account and returns its id.
func (p *Provider) AddPhoneUser(phone string, orgs ...string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct := &account{
		id:    idx.New().String(),
		phone: phone,
		attrs: make(map[string]any),
		orgs:  orgs,
	}
	p.accounts[phone] = acct
	return acct.id
}

// LastOTP regenerates the code most recently "sent" to phone, standing in
// for reading the SMS off a handset.
func (p *Provider) LastOTP(phone string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	counter := p.otpCounters[phone]
	if counter == 0 {
		return ""
	}
	code, err := hotp.GenerateCode(p.otpKey, counter)
	if err != nil {
		panic(fmt.Sprintf("identitytest: generate otp: %v", err))
	}
	return code
}

func (p *Provider) guardReadyLocked() error {
	if !p.isReady {
		return identity.ErrNotReady
	}
	return nil
}

func (p *Provider) grantLocked(acct *account) *identity.Grant {
	now := p.now()

	claims := jwt.MapClaims{
		"sub": acct.id,
		"iat": now.Unix(),
		"exp": now.Add(defaultExpiresIn * time.Second).Unix(),
	}
	if acct.email != "" {
		claims["email"] = acct.email
	}
	if acct.phone != "" {
		claims["phone"] = acct.phone
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	accessToken, err := token.SignedString(p.signKey)
	if err != nil {
		panic(fmt.Sprintf("identitytest: sign token: %v", err))
	}

	refreshToken := cryptox.MustGenerateToken(cryptox.TokenSize256)
	p.refreshes[refreshToken] = acct.id

	return &identity.Grant{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresIn:    defaultExpiresIn,
		IssuedAt:     now,
		User: identity.User{
			ID:     acct.id,
			Email:  acct.email,
			Phone:  acct.phone,
			Claims: acct.attrs,
		},
	}
}

func (p *Provider) accountByID(id string) *account {
	for _, acct := range p.accounts {
		if acct.id == id {
			return acct
		}
	}
	return nil
}

func (p *Provider) SignInPassword(_ context.Context, email, password string) (*identity.Grant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.SignInPassword++

	if err := p.guardReadyLocked(); err != nil {
		return nil, err
	}

	acct, ok := p.accounts[email]
	if !ok || acct.passwordHash == "" {
		return nil, identity.ErrInvalidCredentials
	}
	if err := cryptox.VerifyPassword(password, acct.passwordHash); err != nil {
		return nil, identity.ErrInvalidCredentials
	}
	return p.grantLocked(acct), nil
}

func (p *Provider) SignUp(_ context.Context, email, password string) (*identity.Grant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.SignUp++

	if err := p.guardReadyLocked(); err != nil {
		return nil, err
	}
	if _, ok := p.accounts[email]; ok {
		return nil, identity.ErrUserExists
	}

	hash, err := cryptox.HashPassword(password)
	if err != nil {
		return nil, err
	}
	acct := &account{
		id:           idx.New().String(),
		email:        email,
		passwordHash: hash,
		attrs:        make(map[string]any),
	}
	p.accounts[email] = acct
	return p.grantLocked(acct), nil
}

func (p *Provider) RequestOTP(_ context.Context, phone string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.RequestOTP++

	if err := p.guardReadyLocked(); err != nil {
		return err
	}

	if _, ok := p.accounts[phone]; !ok {
		// Hosted providers auto-provision phone users on first OTP.
		p.accounts[phone] = &account{
			id:    idx.New().String(),
			phone: phone,
			attrs: make(map[string]any),
		}
	}
	p.otpCounters[phone]++
	return nil
}

func (p *Provider) VerifyOTP(_ context.Context, phone, code string) (*identity.Grant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.VerifyOTP++

	if err := p.guardReadyLocked(); err != nil {
		return nil, err
	}

	acct, ok := p.accounts[phone]
	counter := p.otpCounters[phone]
	if !ok || counter == 0 || !hotp.Validate(code, counter, p.otpKey) {
		return nil, identity.ErrInvalidCredentials
	}
	p.otpCounters[phone] = 0 // single use
	return p.grantLocked(acct), nil
}

func (p *Provider) Refresh(_ context.Context, refreshToken string) (*identity.Grant, error) {
	p.mu.Lock()
	started, gate := p.refreshStarted, p.refreshGate
	p.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.Refresh++

	if err := p.guardReadyLocked(); err != nil {
		return nil, err
	}
	if len(p.refreshFailures) > 0 {
		err := p.refreshFailures[0]
		p.refreshFailures = p.refreshFailures[1:]
		return nil, err
	}

	id, ok := p.refreshes[refreshToken]
	if !ok {
		return nil, identity.ErrInvalidGrant
	}
	acct := p.accountByID(id)
	if acct == nil {
		return nil, identity.ErrInvalidGrant
	}

	delete(p.refreshes, refreshToken) // rotation: old token is spent
	return p.grantLocked(acct), nil
}

func (p *Provider) SignOut(_ context.Context, accessToken string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.SignOut++

	if err := p.guardReadyLocked(); err != nil {
		return err
	}
	if p.signOutErr != nil {
		return p.signOutErr
	}
	p.revoked[accessToken] = true
	return nil
}

func (p *Provider) SetSession(_ context.Context, accessToken, refreshToken string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.SetSession++

	if err := p.guardReadyLocked(); err != nil {
		return err
	}
	if accessToken == "" {
		return identity.ErrInvalidGrant
	}
	if _, ok := p.refreshes[refreshToken]; refreshToken != "" && !ok {
		// Accept tokens minted before a restart of the double.
		user, err := identity.UserFromAccessToken(accessToken)
		if err != nil {
			return identity.ErrInvalidGrant
		}
		p.refreshes[refreshToken] = user.ID
	}
	return nil
}

func (p *Provider) UpdateUserAttributes(_ context.Context, accessToken string, attrs map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.UpdateUser++

	if err := p.guardReadyLocked(); err != nil {
		return err
	}

	user, err := identity.UserFromAccessToken(accessToken)
	if err != nil {
		return identity.ErrInvalidGrant
	}
	acct := p.accountByID(user.ID)
	if acct == nil {
		return identity.ErrInvalidGrant
	}
	for k, v := range attrs {
		acct.attrs[k] = v
	}
	return nil
}

func (p *Provider) Query(_ context.Context, accessToken string, req identity.QueryRequest) (*identity.QueryResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls.Query++

	if err := p.guardReadyLocked(); err != nil {
		return nil, err
	}
	if p.revoked[accessToken] {
		return nil, identity.ErrInvalidCredentials
	}

	user, err := identity.UserFromAccessToken(accessToken)
	if err != nil {
		return nil, identity.ErrInvalidCredentials
	}

	acct := p.accountByID(user.ID)
	result := &identity.QueryResult{}

	switch req.Resource {
	case "org_memberships":
		if acct != nil {
			for _, org := range acct.orgs {
				result.Rows = append(result.Rows, map[string]any{
					"org_id":  org,
					"user_id": acct.id,
				})
			}
		}
	case "permissions":
		if acct != nil {
			perms, _ := acct.attrs["permissions"].([]string)
			want := req.Filter["permission"]
			for _, perm := range perms {
				if want == "" || perm == want {
					result.Rows = append(result.Rows, map[string]any{
						"permission": perm,
						"user_id":    acct.id,
					})
				}
			}
		}
	default:
		return nil, errors.New("identitytest: unknown resource " + req.Resource)
	}

	result.Count = len(result.Rows)
	if req.Count {
		result.Rows = nil
	}
	return result, nil
}
