package auth_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tillworks/posterm/internal/auth"
	"github.com/tillworks/posterm/internal/identity"
	"github.com/tillworks/posterm/internal/identity/identitytest"
	"github.com/tillworks/posterm/internal/session"
	"github.com/tillworks/posterm/internal/session/store/drivers/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t.UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// env wires a coordinator against the in-memory provider double and store,
// with a controllable clock shared by all of them.
type env struct {
	clock    *testClock
	provider *identitytest.Provider
	store    *memory.Store
	sessions *session.Manager
	coord    *auth.Coordinator
}

func newEnv(t *testing.T, opts ...auth.Option) *env {
	t.Helper()
	e := &env{
		clock:    newTestClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		provider: identitytest.New(),
		store:    memory.NewStore(),
	}
	e.provider.SetClock(e.clock.Now)
	e.sessions = session.NewManager(e.store, e.clock, slog.Default())
	opts = append([]auth.Option{auth.WithMetricsRegisterer(prometheus.NewRegistry())}, opts...)
	e.coord = auth.NewCoordinator(e.provider, e.sessions, e.clock, slog.Default(), opts...)
	return e
}

// restart builds a fresh coordinator over the same store and provider, as a
// process restart would.
func (e *env) restart(t *testing.T) *auth.Coordinator {
	t.Helper()
	mgr := session.NewManager(e.store, e.clock, slog.Default())
	return auth.NewCoordinator(e.provider, mgr, e.clock, slog.Default(),
		auth.WithMetricsRegisterer(prometheus.NewRegistry()))
}

func (e *env) login(t *testing.T, remember bool) *session.Session {
	t.Helper()
	e.provider.AddUser("cashier@example.com", "opensesame", "org-1")
	sess, err := e.coord.LoginWithEmail(context.Background(), "cashier@example.com", "opensesame", remember)
	require.NoError(t, err)
	require.NotNil(t, sess)
	return sess
}

// signedTestToken mints a well-formed JWT for seeding stored sessions that
// were not issued by the provider double.
func signedTestToken(t *testing.T, userID string, issuedAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"iat": issuedAt.Unix(),
		"exp": issuedAt.Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return signed
}

func TestLoginWithEmail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("success installs a valid session", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)

		sess := e.login(t, true)
		require.NotEmpty(t, sess.AccessToken)
		require.NotEmpty(t, sess.RefreshToken)

		require.True(t, e.coord.IsLoggedIn())
		require.Equal(t, auth.Valid, e.coord.State())

		user := e.coord.CurrentUser()
		require.NotNil(t, user)
		require.Equal(t, "cashier@example.com", user.Email)

		rec := e.sessions.Load(ctx)
		require.NotNil(t, rec)
		require.True(t, rec.Persistent)
		require.Equal(t, sess.AccessToken, rec.Session.AccessToken)
	})

	t.Run("empty credentials fail before any provider call", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)

		_, err := e.coord.LoginWithEmail(ctx, "", "opensesame", false)
		require.ErrorIs(t, err, auth.ErrEmptyCredentials)
		_, err = e.coord.LoginWithEmail(ctx, "cashier@example.com", "", false)
		require.ErrorIs(t, err, auth.ErrEmptyCredentials)

		require.Zero(t, e.provider.Calls().SignInPassword)
	})

	t.Run("wrong password restores the prior state", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.provider.AddUser("cashier@example.com", "opensesame")

		_, err := e.coord.LoginWithEmail(ctx, "cashier@example.com", "nope", false)
		require.ErrorIs(t, err, identity.ErrInvalidCredentials)
		require.Equal(t, auth.LoggedOut, e.coord.State())
		require.False(t, e.coord.IsLoggedIn())
	})
}

func TestRegisterWithEmail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("signup marks the user new", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)

		sess, err := e.coord.RegisterWithEmail(ctx, "fresh@example.com", "opensesame", true)
		require.NoError(t, err)
		require.NotNil(t, sess)

		require.True(t, e.coord.IsLoggedIn())
		require.True(t, e.coord.IsNewUser(ctx))
	})

	t.Run("duplicate account surfaces the provider error", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.provider.AddUser("taken@example.com", "opensesame")

		_, err := e.coord.RegisterWithEmail(ctx, "taken@example.com", "opensesame", false)
		require.ErrorIs(t, err, identity.ErrUserExists)
		require.Equal(t, auth.LoggedOut, e.coord.State())
	})

	t.Run("set user as existing clears the flag locally and remotely", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)

		_, err := e.coord.RegisterWithEmail(ctx, "fresh@example.com", "opensesame", true)
		require.NoError(t, err)
		require.True(t, e.coord.IsNewUser(ctx))

		require.NoError(t, e.coord.SetUserAsExisting(ctx))
		require.False(t, e.coord.IsNewUser(ctx))
		require.Equal(t, 1, e.provider.Calls().UpdateUser)
	})
}

func TestRequestLoginOtp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("rejects non-E164 numbers before any provider call", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)

		for _, phone := range []string{"", "0412345678", "+0412345678", "61412345678", "+61 412 345 678"} {
			require.ErrorIs(t, e.coord.RequestLoginOtp(ctx, phone), auth.ErrInvalidPhone, "phone %q", phone)
		}
		require.Zero(t, e.provider.Calls().RequestOTP)
	})

	t.Run("throttles repeated requests per phone", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)

		require.NoError(t, e.coord.RequestLoginOtp(ctx, "+61412345678"))
		require.NoError(t, e.coord.RequestLoginOtp(ctx, "+61412345678"))
		require.ErrorIs(t, e.coord.RequestLoginOtp(ctx, "+61412345678"), auth.ErrOTPThrottled)

		// Another phone has its own budget.
		require.NoError(t, e.coord.RequestLoginOtp(ctx, "+61498765432"))
		require.Equal(t, 3, e.provider.Calls().RequestOTP)
	})

	t.Run("logout resets the throttle", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)

		require.NoError(t, e.coord.RequestLoginOtp(ctx, "+61412345678"))
		require.NoError(t, e.coord.RequestLoginOtp(ctx, "+61412345678"))
		require.ErrorIs(t, e.coord.RequestLoginOtp(ctx, "+61412345678"), auth.ErrOTPThrottled)

		e.coord.Logout(ctx)
		require.NoError(t, e.coord.RequestLoginOtp(ctx, "+61412345678"))
	})
}

func TestVerifyLoginOtp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("auto-provisioned user is new and the flag survives restart", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		phone := "+61412345678"

		require.NoError(t, e.coord.RequestLoginOtp(ctx, phone))
		code := e.provider.LastOTP(phone)
		require.NotEmpty(t, code)

		sess, err := e.coord.VerifyLoginOtp(ctx, phone, code, true)
		require.NoError(t, err)
		require.NotNil(t, sess)
		require.True(t, e.coord.IsLoggedIn())
		require.True(t, e.coord.IsNewUser(ctx))

		coord2 := e.restart(t)
		require.True(t, coord2.IsLoggedIn())
		require.True(t, coord2.IsNewUser(ctx))
	})

	t.Run("member of an organization is not new", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		phone := "+61412345678"
		e.provider.AddPhoneUser(phone, "org-1")

		require.NoError(t, e.coord.RequestLoginOtp(ctx, phone))
		sess, err := e.coord.VerifyLoginOtp(ctx, phone, e.provider.LastOTP(phone), false)
		require.NoError(t, err)
		require.NotNil(t, sess)
		require.False(t, e.coord.IsNewUser(ctx))
	})

	t.Run("bad code leaves the coordinator logged out", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		phone := "+61412345678"

		require.NoError(t, e.coord.RequestLoginOtp(ctx, phone))
		_, err := e.coord.VerifyLoginOtp(ctx, phone, "000000", false)
		require.ErrorIs(t, err, identity.ErrInvalidCredentials)
		require.False(t, e.coord.IsLoggedIn())
		require.Equal(t, auth.LoggedOut, e.coord.State())
	})

	t.Run("rejects non-E164 numbers", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)

		_, err := e.coord.VerifyLoginOtp(ctx, "0412345678", "123456", false)
		require.ErrorIs(t, err, auth.ErrInvalidPhone)
		require.Zero(t, e.provider.Calls().VerifyOTP)
	})
}

func TestRefreshSessionNoops(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("no session", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)

		ok, err := e.coord.RefreshSession(ctx)
		require.False(t, ok)
		require.NoError(t, err)
		require.Zero(t, e.provider.Calls().Refresh)
	})

	t.Run("no refresh token", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		require.NoError(t, e.sessions.Save(ctx, &session.Session{
			AccessToken: signedTestToken(t, "user-1", e.clock.Now()),
			TokenType:   "bearer",
			ExpiresIn:   3600,
			CreatedAt:   e.clock.Now(),
			User:        session.User{ID: "user-1"},
		}, false))
		coord := e.restart(t)
		require.True(t, coord.IsLoggedIn())

		ok, err := coord.RefreshSession(ctx)
		require.False(t, ok)
		require.NoError(t, err)
		require.Zero(t, e.provider.Calls().Refresh)
	})

	t.Run("provider not ready", func(t *testing.T) {
		t.Parallel()
		clock := newTestClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
		provider := identitytest.NewNotReady()
		provider.SetClock(clock.Now)
		st := memory.NewStore()
		mgr := session.NewManager(st, clock, slog.Default())
		require.NoError(t, mgr.Save(ctx, &session.Session{
			AccessToken:  signedTestToken(t, "user-1", clock.Now()),
			RefreshToken: "stored-refresh",
			ExpiresIn:    3600,
			CreatedAt:    clock.Now(),
			User:         session.User{ID: "user-1"},
		}, true))
		coord := auth.NewCoordinator(provider, mgr, clock, slog.Default(),
			auth.WithMetricsRegisterer(prometheus.NewRegistry()))

		ok, err := coord.RefreshSession(ctx)
		require.False(t, ok)
		require.NoError(t, err)
		require.Zero(t, provider.Calls().Refresh)
	})
}

func TestRefreshSessionRotatesTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	first := e.login(t, false)
	e.clock.Advance(30 * time.Minute)

	ok, err := e.coord.RefreshSession(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, auth.Valid, e.coord.State())

	rec := e.sessions.Load(ctx)
	require.NotNil(t, rec)
	require.NotEqual(t, first.AccessToken, rec.Session.AccessToken)
	require.NotEqual(t, first.RefreshToken, rec.Session.RefreshToken)

	// New expiry is anchored at the refresh time, not the login time.
	expiry, hasExpiry := e.sessions.ExpiryTime(ctx)
	require.True(t, hasExpiry)
	require.True(t, expiry.Equal(e.clock.Now().Add(time.Hour)), "expiry %v", expiry)
}

func TestRefreshSessionSingleFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	e.login(t, false)

	started := make(chan struct{}, 1)
	gate := make(chan struct{})
	e.provider.SetRefreshHooks(started, gate)

	type outcome struct {
		ok  bool
		err error
	}
	results := make(chan outcome, 2)
	refresh := func() {
		ok, err := e.coord.RefreshSession(ctx)
		results <- outcome{ok, err}
	}

	go refresh()
	<-started
	// First call is parked inside the provider; a second caller arriving now
	// must join it rather than issue its own.
	go refresh()
	time.Sleep(50 * time.Millisecond)
	close(gate)

	for i := 0; i < 2; i++ {
		got := <-results
		require.NoError(t, got.err)
		require.True(t, got.ok)
	}
	require.Equal(t, 1, e.provider.Calls().Refresh)
}

func TestStaleRefreshDiscardedAfterLogout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	e.login(t, true)

	started := make(chan struct{}, 1)
	gate := make(chan struct{})
	e.provider.SetRefreshHooks(started, gate)

	done := make(chan struct{})
	var refreshOK bool
	var refreshErr error
	go func() {
		defer close(done)
		refreshOK, refreshErr = e.coord.RefreshSession(ctx)
	}()

	<-started
	e.coord.Logout(ctx)
	close(gate)
	<-done

	// The provider answered, but the result belongs to a dead epoch.
	require.NoError(t, refreshErr)
	require.False(t, refreshOK)
	require.False(t, e.coord.IsLoggedIn())
	require.Equal(t, auth.LoggedOut, e.coord.State())
	require.Nil(t, e.sessions.Load(ctx))
}

func TestLogout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("clears local state even when remote sign-out fails", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.login(t, true)
		e.provider.FailSignOut(errors.New("gateway timeout"))

		e.coord.Logout(ctx)

		require.False(t, e.coord.IsLoggedIn())
		require.Equal(t, auth.LoggedOut, e.coord.State())
		require.Nil(t, e.coord.CurrentUser())
		require.Nil(t, e.sessions.Load(ctx))
		require.Equal(t, 1, e.provider.Calls().SignOut)
	})

	t.Run("logged out is a no-op without a provider call", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)

		e.coord.Logout(ctx)
		require.Zero(t, e.provider.Calls().SignOut)
		require.Equal(t, auth.LoggedOut, e.coord.State())
	})
}

func TestValidateHealth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("no-op when logged out", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)

		e.coord.ValidateHealth(ctx)
		require.Zero(t, e.provider.Calls().Refresh)
	})

	t.Run("outside the threshold nothing happens", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.login(t, false)

		e.clock.Advance(3000 * time.Second) // 600s remaining, threshold 300s
		e.coord.ValidateHealth(ctx)
		require.Zero(t, e.provider.Calls().Refresh)
		require.Equal(t, auth.Valid, e.coord.State())
	})

	t.Run("inside the threshold exactly one refresh fires", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.login(t, false)

		e.clock.Advance(3590 * time.Second) // 10s remaining
		e.coord.ValidateHealth(ctx)
		require.Equal(t, 1, e.provider.Calls().Refresh)
		require.Equal(t, auth.Valid, e.coord.State())
		require.True(t, e.coord.IsLoggedIn())
	})

	t.Run("persistent sessions refresh well ahead of expiry", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.login(t, true)

		// 1h to expiry is already inside the 12h persistent threshold.
		e.coord.ValidateHealth(ctx)
		require.Equal(t, 1, e.provider.Calls().Refresh)
		require.Equal(t, auth.Valid, e.coord.State())
	})

	t.Run("severe expiry clears with zero provider calls", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.login(t, true)

		e.clock.Advance(31 * 24 * time.Hour)
		e.coord.ValidateHealth(ctx)

		require.Zero(t, e.provider.Calls().Refresh)
		require.False(t, e.coord.IsLoggedIn())
		require.Equal(t, auth.LoggedOut, e.coord.State())
		require.Nil(t, e.sessions.Load(ctx))
	})

	t.Run("persistent session recovers after one failed refresh", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.login(t, true)
		e.provider.FailRefreshes(identity.ErrUnavailable)

		e.coord.ValidateHealth(ctx)

		require.Equal(t, 2, e.provider.Calls().Refresh)
		require.True(t, e.coord.IsLoggedIn())
		require.Equal(t, auth.Valid, e.coord.State())
	})

	t.Run("persistent session clears when recovery also fails", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.login(t, true)
		e.provider.FailRefreshes(identity.ErrUnavailable, identity.ErrUnavailable)

		e.coord.ValidateHealth(ctx)

		require.Equal(t, 2, e.provider.Calls().Refresh)
		require.False(t, e.coord.IsLoggedIn())
		require.Equal(t, auth.LoggedOut, e.coord.State())
		require.Nil(t, e.sessions.Load(ctx))
	})

	t.Run("non-persistent session gets no recovery and clears once expired", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.login(t, false)
		e.provider.FailRefreshes(identity.ErrUnavailable)

		e.clock.Advance(3601 * time.Second)
		e.coord.ValidateHealth(ctx)

		require.Equal(t, 1, e.provider.Calls().Refresh)
		require.False(t, e.coord.IsLoggedIn())
		require.Equal(t, auth.LoggedOut, e.coord.State())
	})

	t.Run("non-persistent session survives a failed refresh before expiry", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.login(t, false)
		e.provider.FailRefreshes(identity.ErrUnavailable)

		e.clock.Advance(3590 * time.Second) // inside threshold, not expired
		e.coord.ValidateHealth(ctx)

		require.Equal(t, 1, e.provider.Calls().Refresh)
		require.True(t, e.coord.IsLoggedIn())
		require.Equal(t, auth.Valid, e.coord.State())
	})
}

func TestStoreFailureKeepsSessionInMemory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("login survives an unpersistable session", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.provider.AddUser("cashier@example.com", "opensesame", "org-1")
		e.store.ErrHook = errors.New("disk full")

		sess, err := e.coord.LoginWithEmail(ctx, "cashier@example.com", "opensesame", true)
		require.NoError(t, err)
		require.NotNil(t, sess)

		// Served from memory; nothing reached the store.
		require.True(t, e.coord.IsLoggedIn())
		user := e.coord.CurrentUser()
		require.NotNil(t, user)
		require.Equal(t, "cashier@example.com", user.Email)
		require.Nil(t, e.sessions.Load(ctx))
	})

	t.Run("refresh survives an unpersistable session", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		first := e.login(t, false)
		e.store.ErrHook = errors.New("disk full")

		ok, err := e.coord.RefreshSession(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		require.True(t, e.coord.IsLoggedIn())
		require.Equal(t, auth.Valid, e.coord.State())

		// The in-memory session rotated even though persistence failed; the
		// store still holds the pre-refresh record.
		e.store.ErrHook = nil
		rec := e.sessions.Load(ctx)
		require.NotNil(t, rec)
		require.Equal(t, first.AccessToken, rec.Session.AccessToken)
	})
}

func TestRefreshFailureRestoresValidState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	e.login(t, false)
	e.provider.FailRefreshes(identity.ErrUnavailable)

	ok, err := e.coord.RefreshSession(ctx)
	require.False(t, ok)
	require.ErrorIs(t, err, identity.ErrUnavailable)

	// The session is still usable until its expiry; a failed foreground
	// refresh must not strand the coordinator in Expiring.
	require.Equal(t, auth.Valid, e.coord.State())
	require.True(t, e.coord.IsLoggedIn())
}

func TestStopWithoutStartReturns(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	done := make(chan struct{})
	go func() {
		e.coord.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a coordinator that was never started")
	}
}

func TestRestoredSessionAcrossRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	sess := e.login(t, true)

	coord2 := e.restart(t)
	require.True(t, coord2.IsLoggedIn())
	require.Equal(t, auth.Valid, coord2.State())

	user := coord2.CurrentUser()
	require.NotNil(t, user)
	require.Equal(t, "cashier@example.com", user.Email)

	// The restored session refreshes like the original.
	ok, err := coord2.RefreshSession(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	rec := e.sessions.Load(ctx)
	require.NotNil(t, rec)
	require.NotEqual(t, sess.RefreshToken, rec.Session.RefreshToken)
}

func TestReconcileWhenReady(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("pushes a stored valid session once the provider wakes", func(t *testing.T) {
		t.Parallel()
		clock := newTestClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
		provider := identitytest.NewNotReady()
		provider.SetClock(clock.Now)
		st := memory.NewStore()
		mgr := session.NewManager(st, clock, slog.Default())
		require.NoError(t, mgr.Save(ctx, &session.Session{
			AccessToken:  signedTestToken(t, "user-1", clock.Now()),
			RefreshToken: "stored-refresh",
			TokenType:    "bearer",
			ExpiresIn:    3600,
			CreatedAt:    clock.Now(),
			User:         session.User{ID: "user-1"},
		}, true))

		coord := auth.NewCoordinator(provider, mgr, clock, slog.Default(),
			auth.WithMetricsRegisterer(prometheus.NewRegistry()),
			auth.WithHealthInterval(time.Hour))
		coord.Start(ctx)
		defer coord.Stop()

		require.Zero(t, provider.Calls().SetSession)
		provider.MarkReady()

		require.Eventually(t, func() bool {
			return provider.Calls().SetSession == 1
		}, 2*time.Second, 10*time.Millisecond)
		require.Eventually(t, func() bool {
			return coord.State() == auth.Valid
		}, 2*time.Second, 10*time.Millisecond)
		require.True(t, coord.IsLoggedIn())
	})

	t.Run("refreshes an expired stored session", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.login(t, true)
		e.clock.Advance(90 * time.Minute) // past the 1h expiry

		coord2 := e.restart(t)
		require.False(t, coord2.IsLoggedIn())

		before := e.provider.Calls().Refresh
		coord2.Start(ctx)
		defer coord2.Stop()

		require.Eventually(t, func() bool {
			return e.provider.Calls().Refresh == before+1 && coord2.IsLoggedIn()
		}, 2*time.Second, 10*time.Millisecond)
		require.Equal(t, auth.Valid, coord2.State())
	})

	t.Run("clears when the stored tokens are rejected", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		// Neither token is known to the provider: the session push fails, the
		// fallback refresh fails, and the record is cleared.
		require.NoError(t, e.sessions.Save(ctx, &session.Session{
			AccessToken:  "opaque-token-from-another-life",
			RefreshToken: "revoked-long-ago",
			ExpiresIn:    3600,
			CreatedAt:    e.clock.Now(),
			User:         session.User{ID: "ghost"},
		}, true))

		coord2 := e.restart(t)
		coord2.Start(ctx)
		defer coord2.Stop()

		require.Eventually(t, func() bool {
			return coord2.State() == auth.LoggedOut && e.sessions.Load(ctx) == nil
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestSessionChangedNotifications(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	var mu sync.Mutex
	count := 0
	unsubscribe := e.coord.Events().SubscribeSessionChanged(func() {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer unsubscribe()

	events := func() int {
		mu.Lock()
		defer mu.Unlock()
		return count
	}

	e.login(t, false)
	require.Equal(t, 1, events())

	ok, err := e.coord.RefreshSession(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, events())

	e.coord.Logout(ctx)
	require.Equal(t, 3, events())

	unsubscribe()
	e.login(t, false)
	require.Equal(t, 3, events())
}
