// Package auth owns the session lifecycle state machine: it orchestrates
// login, registration, and OTP flows against the identity provider, drives
// the periodic health check that refreshes or clears the session, and
// publishes SessionChanged notifications after every transition.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/tillworks/posterm/internal/identity"
	"github.com/tillworks/posterm/internal/session"
	"github.com/tillworks/posterm/pkg/cryptox"
	"github.com/tillworks/posterm/pkg/slogx"
)

var (
	// ErrEmptyCredentials rejects login/registration with blank fields
	// before any provider call.
	ErrEmptyCredentials = errors.New("auth: email and password are required")

	// ErrInvalidPhone rejects phone numbers that are not E.164.
	ErrInvalidPhone = errors.New("auth: phone number must be E.164 (+15551234567)")

	// ErrOTPThrottled reports that the per-phone OTP request limiter is
	// exhausted; the user should wait before requesting another code.
	ErrOTPThrottled = errors.New("auth: too many code requests, try again shortly")
)

var phonePattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// SevereExpiryGrace is how far past expiry a session may be before refresh
// is not attempted at all: beyond this the refresh token is assumed expired
// server-side too, and the session is force-cleared.
const SevereExpiryGrace = 30 * 24 * time.Hour

// DefaultHealthInterval drives the periodic ValidateHealth tick.
const DefaultHealthInterval = 300 * time.Second

// Coordinator is the session lifecycle state machine. One Coordinator exists
// per process; all methods are safe for concurrent use.
type Coordinator struct {
	provider identity.Provider
	sessions *session.Manager
	clock    session.Clock
	logger   *slog.Logger
	bus      *EventBus
	metrics  *metrics

	mu      sync.RWMutex
	current *session.Record
	state   State
	// epoch increments on every login and logout. A refresh result carrying
	// a stale epoch is discarded rather than resurrecting a cleared session.
	epoch uint64

	group singleflight.Group

	otpMu       sync.Mutex
	otpLimiters map[string]*rate.Limiter
	otpLimit    rate.Limit
	otpBurst    int

	healthInterval time.Duration

	started  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHealthInterval overrides the periodic health check interval.
func WithHealthInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.healthInterval = d
		}
	}
}

// WithMetricsRegisterer overrides the prometheus registerer (tests pass a
// private registry so repeated construction does not collide).
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *Coordinator) {
		c.metrics = newMetrics(reg)
	}
}

// WithOTPLimit overrides the per-phone OTP request limiter policy.
func WithOTPLimit(limit rate.Limit, burst int) Option {
	return func(c *Coordinator) {
		c.otpLimit = limit
		c.otpBurst = burst
	}
}

// NewCoordinator builds the coordinator and loads any persisted session into
// memory. It does not start background work; call Start for the health loop
// and provider-ready reconciliation.
func NewCoordinator(
	provider identity.Provider,
	sessions *session.Manager,
	clock session.Clock,
	logger *slog.Logger,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		provider:       provider,
		sessions:       sessions,
		clock:          clock,
		logger:         logger,
		bus:            NewEventBus(),
		otpLimiters:    make(map[string]*rate.Limiter),
		otpLimit:       rate.Every(30 * time.Second),
		otpBurst:       2,
		healthInterval: DefaultHealthInterval,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = newMetrics(prometheus.DefaultRegisterer)
	}

	if rec := c.sessions.Load(context.Background()); rec != nil {
		c.current = rec
		c.state = Valid
		logger.Info("restored persisted session",
			"user_id", rec.Session.User.ID,
			"persistent", rec.Persistent,
			"token_fp", cryptox.ShortFingerprint(rec.Session.AccessToken),
		)
	}

	return c
}

// Events exposes the SessionChanged bus for subscribers.
func (c *Coordinator) Events() *EventBus { return c.bus }

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsLoggedIn reports whether a session is present and not expired.
func (c *Coordinator) IsLoggedIn() bool {
	c.mu.RLock()
	rec := c.current
	c.mu.RUnlock()

	return rec != nil && !c.expired(rec)
}

// CurrentUser returns the signed-in user, or nil when logged out.
func (c *Coordinator) CurrentUser() *session.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil
	}
	user := c.current.Session.User
	return &user
}

// IsNewUser reports the persisted new-user flag.
func (c *Coordinator) IsNewUser(ctx context.Context) bool {
	return c.sessions.NewUser(ctx)
}

// SetUserAsExisting clears the new-user flag, locally and (best effort) on
// the provider-side user record.
func (c *Coordinator) SetUserAsExisting(ctx context.Context) error {
	if err := c.sessions.SetNewUser(ctx, false); err != nil {
		return err
	}

	c.mu.Lock()
	var accessToken string
	if c.current != nil {
		c.current.NewUser = false
		accessToken = c.current.Session.AccessToken
	}
	c.mu.Unlock()

	if accessToken != "" {
		if err := c.provider.UpdateUserAttributes(ctx, accessToken, map[string]any{
			"new_user": false,
		}); err != nil {
			slogx.FromContext(ctx).Warn("failed to update provider user attributes", "error", err)
		}
	}
	return nil
}

// LoginWithEmail signs in with an email/password pair. remember selects the
// persistent refresh threshold policy for the life of this login. A provider
// response without a usable grant returns (nil, nil) with no local mutation.
func (c *Coordinator) LoginWithEmail(ctx context.Context, email, password string, remember bool) (*session.Session, error) {
	if email == "" || password == "" {
		return nil, ErrEmptyCredentials
	}
	ctx = slogx.WithOp(ctx, "login")

	prev := c.enterAuthenticating()
	grant, err := c.provider.SignInPassword(ctx, email, password)
	if err != nil {
		c.restoreState(prev)
		return nil, fmt.Errorf("login: %w", err)
	}
	if !grantUsable(grant) {
		c.restoreState(prev)
		return nil, nil
	}

	return c.adoptGrant(ctx, grant, remember, false, "password"), nil
}

// RegisterWithEmail creates an account and signs it in. The new-user flag is
// persisted true so the UI can route through onboarding.
func (c *Coordinator) RegisterWithEmail(ctx context.Context, email, password string, remember bool) (*session.Session, error) {
	if email == "" || password == "" {
		return nil, ErrEmptyCredentials
	}
	ctx = slogx.WithOp(ctx, "register")

	prev := c.enterAuthenticating()
	grant, err := c.provider.SignUp(ctx, email, password)
	if err != nil {
		c.restoreState(prev)
		return nil, fmt.Errorf("register: %w", err)
	}
	if !grantUsable(grant) {
		c.restoreState(prev)
		return nil, nil
	}

	return c.adoptGrant(ctx, grant, remember, true, "signup"), nil
}

// RequestLoginOtp asks the provider to send a one-time code to phone. The
// number is validated client-side and requests are throttled per phone.
func (c *Coordinator) RequestLoginOtp(ctx context.Context, phone string) error {
	if !phonePattern.MatchString(phone) {
		return ErrInvalidPhone
	}
	if !c.otpLimiter(phone).Allow() {
		return ErrOTPThrottled
	}

	ctx = slogx.WithOp(ctx, "request_otp")
	if err := c.provider.RequestOTP(ctx, phone); err != nil {
		return fmt.Errorf("request otp: %w", err)
	}
	return nil
}

// VerifyLoginOtp exchanges a delivered code for a session. The new-user flag
// is derived from an authorization query on organization membership: a user
// belonging to no organization is new.
func (c *Coordinator) VerifyLoginOtp(ctx context.Context, phone, code string, remember bool) (*session.Session, error) {
	if !phonePattern.MatchString(phone) {
		return nil, ErrInvalidPhone
	}
	ctx = slogx.WithOp(ctx, "verify_otp")

	prev := c.enterAuthenticating()
	grant, err := c.provider.VerifyOTP(ctx, phone, code)
	if err != nil {
		c.restoreState(prev)
		return nil, fmt.Errorf("verify otp: %w", err)
	}
	if !grantUsable(grant) {
		c.restoreState(prev)
		return nil, nil
	}

	newUser := false
	result, err := c.provider.Query(ctx, grant.AccessToken, identity.QueryRequest{
		Resource: "org_memberships",
		Filter:   map[string]string{"user_id": grant.User.ID},
		Count:    true,
	})
	if err != nil {
		slogx.FromContext(ctx).Warn("membership query failed, assuming existing user", "error", err)
	} else {
		newUser = result.Count == 0
	}

	return c.adoptGrant(ctx, grant, remember, newUser, "otp"), nil
}

// RefreshSession exchanges the refresh token for a new grant. It is a no-op
// returning false when no session, no refresh token, or a not-ready provider
// makes a refresh impossible. Concurrent callers share a single in-flight
// provider call and all observe its outcome.
func (c *Coordinator) RefreshSession(ctx context.Context) (bool, error) {
	c.mu.RLock()
	rec := c.current
	epoch := c.epoch
	c.mu.RUnlock()

	if rec == nil || rec.Session.RefreshToken == "" || !c.provider.IsReady() {
		return false, nil
	}

	// The shared call must not die with the first caller's context.
	refreshCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do("refresh", func() (any, error) {
		return c.doRefresh(refreshCtx, epoch)
	})
	ok, _ := v.(bool)
	return ok, err
}

func (c *Coordinator) doRefresh(ctx context.Context, epoch uint64) (bool, error) {
	c.mu.Lock()
	if c.epoch != epoch || c.current == nil || c.current.Session.RefreshToken == "" {
		c.mu.Unlock()
		return false, nil
	}
	refreshToken := c.current.Session.RefreshToken
	persistent := c.current.Persistent
	if c.state == Valid {
		c.state = Expiring
	}
	c.mu.Unlock()

	grant, err := c.provider.Refresh(ctx, refreshToken)
	if err != nil {
		c.metrics.refreshes.WithLabelValues("failure").Inc()
		c.leaveExpiring(epoch)
		return false, fmt.Errorf("refresh: %w", err)
	}
	if !grantUsable(grant) {
		c.metrics.refreshes.WithLabelValues("failure").Inc()
		c.leaveExpiring(epoch)
		return false, fmt.Errorf("refresh: %w: empty grant", identity.ErrInvalidGrant)
	}

	sess := sessionFromGrant(grant, c.clock)

	c.mu.Lock()
	if c.epoch != epoch {
		// Logged out while the call was in flight; the result is stale.
		c.mu.Unlock()
		c.logger.Debug("discarding stale refresh result")
		c.metrics.refreshes.WithLabelValues("stale").Inc()
		return false, nil
	}
	if err := c.sessions.Save(ctx, &sess, persistent); err != nil {
		// Keep serving the in-memory session; persistence catches up on the
		// next successful save.
		c.logger.Error("refreshed session not persisted", "error", err)
	}
	c.current = &session.Record{
		Session:        sess,
		AbsoluteExpiry: sess.ExpiryFromCreation(),
		Persistent:     persistent,
		NewUser:        c.current.NewUser,
		LastRefresh:    c.clock.Now().UTC(),
	}
	c.state = Valid
	c.mu.Unlock()

	c.metrics.refreshes.WithLabelValues("success").Inc()
	c.publishSessionChanged()
	return true, nil
}

// Logout signs out remotely (best effort), clears local state, and always
// succeeds. A refresh completing after this point is discarded.
func (c *Coordinator) Logout(ctx context.Context) {
	ctx = slogx.WithOp(ctx, "logout")

	c.mu.Lock()
	rec := c.current
	c.epoch++
	c.current = nil
	c.state = LoggedOut
	c.mu.Unlock()

	if rec != nil {
		if err := c.provider.SignOut(ctx, rec.Session.AccessToken); err != nil {
			slogx.FromContext(ctx).Warn("remote sign-out failed, clearing locally anyway", "error", err)
		}
	}

	if err := c.sessions.Clear(ctx); err != nil {
		slogx.FromContext(ctx).Error("failed to clear session store", "error", err)
	}

	c.otpMu.Lock()
	c.otpLimiters = make(map[string]*rate.Limiter)
	c.otpMu.Unlock()

	c.metrics.sessionsClear.WithLabelValues("logout").Inc()
	c.publishSessionChanged()
}

// ValidateHealth is the periodic tick body. It walks the
// Valid → Expiring → RecoverableExpired → LoggedOut path: refresh inside the
// threshold, one recovery attempt for persistent sessions inside the grace
// window, and a forced clear beyond it. Errors never escape; the worst case
// is a cleared session and a SessionChanged notification.
func (c *Coordinator) ValidateHealth(ctx context.Context) {
	c.metrics.healthTicks.Inc()
	ctx = slogx.WithOp(ctx, "health")

	c.mu.RLock()
	rec := c.current
	c.mu.RUnlock()
	if rec == nil {
		return
	}

	expiry := rec.AbsoluteExpiry
	if expiry.IsZero() {
		expiry = rec.Session.ExpiryFromCreation()
	}
	if expiry.IsZero() {
		return
	}

	now := c.clock.Now().UTC()
	remaining := expiry.Sub(now)

	if remaining < -SevereExpiryGrace {
		// The refresh token is assumed dead server-side; do not even try.
		c.setState(SeverelyExpired)
		slogx.FromContext(ctx).Info("session severely expired, clearing",
			"expired_ago", (-remaining).String())
		c.forceClear(ctx, "severely_expired")
		return
	}

	if remaining >= c.sessions.RefreshThreshold(ctx) {
		return
	}

	ok, err := c.RefreshSession(ctx)
	if ok {
		return
	}
	if err == nil {
		// No-op: provider not ready or no refresh token. An expired session
		// with no way to refresh is cleared; otherwise wait for next tick.
		if now.After(expiry) && rec.Session.RefreshToken == "" {
			c.forceClear(ctx, "unrefreshable")
		}
		return
	}

	slogx.FromContext(ctx).Warn("refresh failed during health check", "error", err)

	if rec.Persistent && rec.Session.RefreshToken != "" {
		// One recovery attempt inside the grace window.
		c.setState(RecoverableExpired)
		if ok, err := c.RefreshSession(ctx); ok {
			return
		} else if err != nil {
			slogx.FromContext(ctx).Warn("recovery refresh failed", "error", err)
		}
		c.forceClear(ctx, "recovery_failed")
		return
	}

	// Non-persistent sessions get no recovery attempt; an expired one is
	// cleared, a not-yet-expired one gets another chance next tick.
	if now.After(expiry) {
		c.forceClear(ctx, "refresh_failed")
		return
	}
	c.setState(Valid)
}

// --- internals ---

func grantUsable(g *identity.Grant) bool {
	return g != nil && g.AccessToken != ""
}

func sessionFromGrant(g *identity.Grant, clock session.Clock) session.Session {
	createdAt := g.IssuedAt
	if createdAt.IsZero() {
		createdAt = clock.Now()
	}
	return session.Session{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		TokenType:    g.TokenType,
		ExpiresIn:    g.ExpiresIn,
		CreatedAt:    createdAt.UTC(),
		User: session.User{
			ID:     g.User.ID,
			Phone:  g.User.Phone,
			Email:  g.User.Email,
			Claims: g.User.Claims,
		},
	}
}

// adoptGrant installs a fresh login grant as the current session, persists
// it, and notifies subscribers.
func (c *Coordinator) adoptGrant(ctx context.Context, grant *identity.Grant, persistent, newUser bool, method string) *session.Session {
	sess := sessionFromGrant(grant, c.clock)
	now := c.clock.Now().UTC()

	c.mu.Lock()
	c.epoch++
	if err := c.sessions.Save(ctx, &sess, persistent); err != nil {
		c.logger.Error("session not persisted after sign-in", "error", err)
	}
	if err := c.sessions.SetNewUser(ctx, newUser); err != nil {
		c.logger.Error("new-user flag not persisted", "error", err)
	}
	c.current = &session.Record{
		Session:        sess,
		AbsoluteExpiry: now.Add(time.Duration(sess.ExpiresIn) * time.Second),
		Persistent:     persistent,
		NewUser:        newUser,
		LastRefresh:    now,
	}
	if sess.ExpiresIn <= 0 {
		c.current.AbsoluteExpiry = time.Time{}
	}
	c.state = Valid
	c.mu.Unlock()

	c.metrics.logins.WithLabelValues(method).Inc()
	slogx.FromContext(ctx).Info("signed in",
		"method", method,
		"user_id", sess.User.ID,
		"persistent", persistent,
		"new_user", newUser,
		"token_fp", cryptox.ShortFingerprint(sess.AccessToken),
	)
	c.publishSessionChanged()

	out := sess
	return &out
}

// forceClear drops the session locally without a remote sign-out and
// notifies subscribers around the LoggedOut transition.
func (c *Coordinator) forceClear(ctx context.Context, reason string) {
	c.mu.Lock()
	c.epoch++
	c.current = nil
	c.state = LoggedOut
	c.mu.Unlock()

	if err := c.sessions.Clear(ctx); err != nil {
		slogx.FromContext(ctx).Error("failed to clear session store", "error", err)
	}

	c.metrics.sessionsClear.WithLabelValues(reason).Inc()
	c.publishSessionChanged()
}

func (c *Coordinator) publishSessionChanged() {
	c.metrics.sessionChanged.Inc()
	c.bus.PublishSessionChanged()
}

func (c *Coordinator) expired(rec *session.Record) bool {
	expiry := rec.AbsoluteExpiry
	if expiry.IsZero() {
		expiry = rec.Session.ExpiryFromCreation()
	}
	if expiry.IsZero() {
		return false
	}
	return c.clock.Now().UTC().After(expiry)
}

func (c *Coordinator) enterAuthenticating() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	c.state = Authenticating
	return prev
}

func (c *Coordinator) restoreState(prev State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Authenticating {
		c.state = prev
	}
}

// leaveExpiring returns a failed refresh to Valid. Expiring is only ever
// entered from Valid, and the session is still usable until its expiry; the
// health check escalates to RecoverableExpired itself when it chooses to.
func (c *Coordinator) leaveExpiring(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch == epoch && c.state == Expiring {
		c.state = Valid
	}
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Coordinator) otpLimiter(phone string) *rate.Limiter {
	c.otpMu.Lock()
	defer c.otpMu.Unlock()

	limiter, ok := c.otpLimiters[phone]
	if !ok {
		limiter = rate.NewLimiter(c.otpLimit, c.otpBurst)
		c.otpLimiters[phone] = limiter
	}
	return limiter
}
