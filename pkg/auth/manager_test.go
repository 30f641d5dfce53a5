package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerbaras/avatars/pkg/errs"
)

type mockAuthenticator struct {
	LoginFunc           func(ctx context.Context, username, password string) (LoginResult, error)
	VerifyTwoFactorFunc func(ctx context.Context, pending Token, method Method, code string) (Token, error)
	ValidateFunc        func(ctx context.Context, token Token) (Token, error)
	LogoutFunc          func(ctx context.Context, token Token) error

	verifyCalls atomic.Int32
	logoutCalls atomic.Int32
}

func (m *mockAuthenticator) Login(ctx context.Context, username, password string) (LoginResult, error) {
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, username, password)
	}
	return LoginResult{Token: Token{Auth: "authcookie", DisplayName: username}}, nil
}

func (m *mockAuthenticator) VerifyTwoFactor(ctx context.Context, pending Token, method Method, code string) (Token, error) {
	m.verifyCalls.Add(1)
	if m.VerifyTwoFactorFunc != nil {
		return m.VerifyTwoFactorFunc(ctx, pending, method, code)
	}
	pending.TwoFactor = "2fa"
	return pending, nil
}

func (m *mockAuthenticator) Validate(ctx context.Context, token Token) (Token, error) {
	if m.ValidateFunc != nil {
		return m.ValidateFunc(ctx, token)
	}
	return token, nil
}

func (m *mockAuthenticator) Logout(ctx context.Context, token Token) error {
	m.logoutCalls.Add(1)
	if m.LogoutFunc != nil {
		return m.LogoutFunc(ctx, token)
	}
	return nil
}

type mockLimiter struct {
	mu        sync.Mutex
	acquires  int
	penalties []time.Duration
	successes int
	AcquireFn func(ctx context.Context) error
}

func (m *mockLimiter) Acquire(ctx context.Context) error {
	m.mu.Lock()
	m.acquires++
	m.mu.Unlock()
	if m.AcquireFn != nil {
		return m.AcquireFn(ctx)
	}
	return nil
}

func (m *mockLimiter) Penalize(retryAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.penalties = append(m.penalties, retryAfter)
}

func (m *mockLimiter) Success() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes++
}

type memorySink struct {
	saved   []Token
	cleared int
}

func (s *memorySink) SaveToken(t Token) error {
	s.saved = append(s.saved, t)
	return nil
}

func (s *memorySink) ClearToken() error {
	s.cleared++
	return nil
}

func newTestManager(t *testing.T, authn Authenticator, opts Options) (*Manager, *mockLimiter) {
	t.Helper()
	limiter := &mockLimiter{}
	m, err := NewManager(authn, limiter, opts)
	require.NoError(t, err)
	return m, limiter
}

func drain(ch <-chan Event) []EventType {
	var types []EventType
	for {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		default:
			return types
		}
	}
}

func twoFactorAuthenticator(methods ...Method) *mockAuthenticator {
	return &mockAuthenticator{
		LoginFunc: func(ctx context.Context, username, password string) (LoginResult, error) {
			return LoginResult{Token: Token{Auth: "pending"}, Methods: methods}, nil
		},
	}
}

func TestLoginWithoutTwoFactor(t *testing.T) {
	sink := &memorySink{}
	m, limiter := newTestManager(t, &mockAuthenticator{}, Options{Sink: sink})

	methods, err := m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Empty(t, methods)
	assert.Equal(t, Authenticated, m.State())

	token, err := m.CurrentToken()
	require.NoError(t, err)
	assert.Equal(t, "authcookie", token.Auth)

	require.Len(t, sink.saved, 1)
	assert.Equal(t, "alice", sink.saved[0].DisplayName)
	assert.Equal(t, 1, limiter.acquires)
	assert.Equal(t, []EventType{EventLoginSucceeded}, drain(m.Events()))
}

func TestLoginRejectsEmptyCredentials(t *testing.T) {
	authn := &mockAuthenticator{
		LoginFunc: func(ctx context.Context, username, password string) (LoginResult, error) {
			t.Fatal("remote must not be called")
			return LoginResult{}, nil
		},
	}
	m, limiter := newTestManager(t, authn, Options{})

	_, err := m.Login(context.Background(), "  ", "secret")
	assert.True(t, errs.Is(err, errs.InvalidInput))
	_, err = m.Login(context.Background(), "alice", "")
	assert.True(t, errs.Is(err, errs.InvalidInput))
	assert.Zero(t, limiter.acquires)
}

func TestLoginInvalidCredentials(t *testing.T) {
	authn := &mockAuthenticator{
		LoginFunc: func(ctx context.Context, username, password string) (LoginResult, error) {
			return LoginResult{}, errs.E("vrchat.Login", errs.InvalidCredentials, nil)
		},
	}
	m, _ := newTestManager(t, authn, Options{})

	_, err := m.Login(context.Background(), "alice", "wrong")
	assert.True(t, errs.Is(err, errs.InvalidCredentials))
	assert.Equal(t, LoggedOut, m.State())
	assert.Equal(t, []EventType{EventLoginFailed}, drain(m.Events()))
}

func TestLoginRateLimitedPenalizesLimiter(t *testing.T) {
	authn := &mockAuthenticator{
		LoginFunc: func(ctx context.Context, username, password string) (LoginResult, error) {
			return LoginResult{}, errs.Limited("vrchat.Login", 3*time.Second, nil)
		},
	}
	m, limiter := newTestManager(t, authn, Options{})

	_, err := m.Login(context.Background(), "alice", "secret")
	assert.True(t, errs.Is(err, errs.RateLimited))
	assert.Equal(t, 3*time.Second, errs.RetryAfter(err))
	assert.Equal(t, LoggedOut, m.State())
	assert.Equal(t, []time.Duration{3 * time.Second}, limiter.penalties)
}

func TestLoginBlockedByLimiter(t *testing.T) {
	m, limiter := newTestManager(t, &mockAuthenticator{
		LoginFunc: func(ctx context.Context, username, password string) (LoginResult, error) {
			t.Fatal("remote must not be called")
			return LoginResult{}, nil
		},
	}, Options{})
	limiter.AcquireFn = func(ctx context.Context) error {
		return errs.Limited("ratelimit.Acquire", time.Second, context.DeadlineExceeded)
	}

	_, err := m.Login(context.Background(), "alice", "secret")
	assert.True(t, errs.Is(err, errs.RateLimited))
	assert.Equal(t, LoggedOut, m.State())
}

func TestTwoFactorWrongCodesThenSuccess(t *testing.T) {
	authn := twoFactorAuthenticator(MethodTOTP)
	authn.VerifyTwoFactorFunc = func(ctx context.Context, pending Token, method Method, code string) (Token, error) {
		if code != "123456" {
			return Token{}, errs.E("vrchat.VerifyTwoFactor", errs.TwoFactorInvalid, nil)
		}
		assert.Equal(t, "pending", pending.Auth)
		pending.TwoFactor = "2fa"
		return pending, nil
	}
	m, _ := newTestManager(t, authn, Options{})

	methods, err := m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, []Method{MethodTOTP}, methods)
	assert.Equal(t, AwaitingTwoFactor, m.State())

	for i := 0; i < 3; i++ {
		err := m.SubmitTwoFactor(context.Background(), "000000", MethodTOTP)
		assert.True(t, errs.Is(err, errs.TwoFactorInvalid), "attempt %d", i)
		assert.Equal(t, AwaitingTwoFactor, m.State())

		_, err = m.CurrentToken()
		assert.True(t, errs.Is(err, errs.NotAuthenticated))
	}

	require.NoError(t, m.SubmitTwoFactor(context.Background(), "123456", MethodTOTP))
	assert.Equal(t, Authenticated, m.State())

	token, err := m.CurrentToken()
	require.NoError(t, err)
	assert.Equal(t, "2fa", token.TwoFactor)
}

func TestTwoFactorFormatMismatchSkipsRemote(t *testing.T) {
	authn := twoFactorAuthenticator(MethodTOTP, MethodOTP)
	m, _ := newTestManager(t, authn, Options{})

	_, err := m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)

	err = m.SubmitTwoFactor(context.Background(), "12ab", MethodTOTP)
	assert.True(t, errs.Is(err, errs.TwoFactorInvalid))
	assert.Zero(t, authn.verifyCalls.Load())

	require.NoError(t, m.SubmitTwoFactor(context.Background(), "abcd-1234", MethodOTP))
	assert.Equal(t, Authenticated, m.State())
}

func TestTwoFactorAttemptsExhausted(t *testing.T) {
	authn := twoFactorAuthenticator(MethodEmail)
	authn.VerifyTwoFactorFunc = func(ctx context.Context, pending Token, method Method, code string) (Token, error) {
		return Token{}, errs.E("vrchat.VerifyTwoFactor", errs.TwoFactorInvalid, nil)
	}
	m, _ := newTestManager(t, authn, Options{MaxTwoFactorAttempts: 2})

	_, err := m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)

	err = m.SubmitTwoFactor(context.Background(), "111111", MethodEmail)
	assert.True(t, errs.Is(err, errs.TwoFactorInvalid))

	err = m.SubmitTwoFactor(context.Background(), "222222", MethodEmail)
	assert.True(t, errs.Is(err, errs.TwoFactorExpired))
	assert.Equal(t, LoggedOut, m.State())

	err = m.SubmitTwoFactor(context.Background(), "333333", MethodEmail)
	assert.True(t, errs.Is(err, errs.NotAuthenticated))
}

func TestTwoFactorChallengeTimesOut(t *testing.T) {
	authn := twoFactorAuthenticator(MethodTOTP)
	m, _ := newTestManager(t, authn, Options{TwoFactorTTL: time.Minute})

	now := time.Now()
	m.now = func() time.Time { return now }

	_, err := m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	err = m.SubmitTwoFactor(context.Background(), "123456", MethodTOTP)
	assert.True(t, errs.Is(err, errs.TwoFactorExpired))
	assert.Equal(t, LoggedOut, m.State())
	assert.Zero(t, authn.verifyCalls.Load())
}

func TestTwoFactorRemoteExpiry(t *testing.T) {
	authn := twoFactorAuthenticator(MethodTOTP)
	authn.VerifyTwoFactorFunc = func(ctx context.Context, pending Token, method Method, code string) (Token, error) {
		return Token{}, errs.E("vrchat.VerifyTwoFactor", errs.TwoFactorExpired, nil)
	}
	m, _ := newTestManager(t, authn, Options{})

	_, err := m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)

	err = m.SubmitTwoFactor(context.Background(), "123456", MethodTOTP)
	assert.True(t, errs.Is(err, errs.TwoFactorExpired))
	assert.Equal(t, LoggedOut, m.State())
}

func TestTwoFactorTransientFailureKeepsChallenge(t *testing.T) {
	authn := twoFactorAuthenticator(MethodTOTP)
	fail := true
	authn.VerifyTwoFactorFunc = func(ctx context.Context, pending Token, method Method, code string) (Token, error) {
		if fail {
			return Token{}, errs.E("vrchat.VerifyTwoFactor", errs.ConnectionFailed, errors.New("reset"))
		}
		return pending, nil
	}
	m, _ := newTestManager(t, authn, Options{MaxTwoFactorAttempts: 1})

	_, err := m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)

	err = m.SubmitTwoFactor(context.Background(), "123456", MethodTOTP)
	assert.True(t, errs.Is(err, errs.ConnectionFailed))
	assert.Equal(t, AwaitingTwoFactor, m.State())

	fail = false
	require.NoError(t, m.SubmitTwoFactor(context.Background(), "123456", MethodTOTP))
	assert.Equal(t, Authenticated, m.State())
}

func TestTwoFactorMethodNotOffered(t *testing.T) {
	m, _ := newTestManager(t, twoFactorAuthenticator(MethodEmail), Options{})

	_, err := m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)

	err = m.SubmitTwoFactor(context.Background(), "123456", MethodTOTP)
	assert.True(t, errs.Is(err, errs.InvalidInput))
	assert.Equal(t, AwaitingTwoFactor, m.State())
	assert.Equal(t, []Method{MethodEmail}, m.PendingMethods())
}

func TestSubmitWithoutChallenge(t *testing.T) {
	m, _ := newTestManager(t, &mockAuthenticator{}, Options{})

	err := m.SubmitTwoFactor(context.Background(), "123456", MethodTOTP)
	assert.True(t, errs.Is(err, errs.NotAuthenticated))
}

func TestCustomCodePatterns(t *testing.T) {
	authn := twoFactorAuthenticator(MethodTOTP)
	m, _ := newTestManager(t, authn, Options{CodePatterns: map[Method]string{MethodTOTP: `^\d{8}$`}})

	_, err := m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)

	err = m.SubmitTwoFactor(context.Background(), "123456", MethodTOTP)
	assert.True(t, errs.Is(err, errs.TwoFactorInvalid))
	require.NoError(t, m.SubmitTwoFactor(context.Background(), "12345678", MethodTOTP))
}

func TestNewManagerRejectsBadPattern(t *testing.T) {
	_, err := NewManager(&mockAuthenticator{}, &mockLimiter{}, Options{CodePatterns: map[Method]string{MethodTOTP: "("}})
	assert.Error(t, err)
}

func TestExpireOnRemoteRejection(t *testing.T) {
	m, _ := newTestManager(t, &mockAuthenticator{}, Options{})
	_, err := m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)

	m.Expire(Token{Auth: "someone-else"})
	assert.Equal(t, Authenticated, m.State())

	token, err := m.CurrentToken()
	require.NoError(t, err)
	m.Expire(token)
	assert.Equal(t, Expired, m.State())

	_, err = m.CurrentToken()
	assert.True(t, errs.Is(err, errs.SessionExpired))
}

func TestExpiryHintPasses(t *testing.T) {
	now := time.Now()
	authn := &mockAuthenticator{
		LoginFunc: func(ctx context.Context, username, password string) (LoginResult, error) {
			return LoginResult{Token: Token{Auth: "a", ExpiresAt: now.Add(time.Hour)}}, nil
		},
	}
	m, _ := newTestManager(t, authn, Options{})
	m.now = func() time.Time { return now }

	_, err := m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	_, err = m.CurrentToken()
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = m.CurrentToken()
	assert.True(t, errs.Is(err, errs.SessionExpired))
	assert.Equal(t, Expired, m.State())
}

func TestRefreshSavedToken(t *testing.T) {
	authn := &mockAuthenticator{
		ValidateFunc: func(ctx context.Context, token Token) (Token, error) {
			token.DisplayName = "alice"
			return token, nil
		},
	}
	sink := &memorySink{}
	m, _ := newTestManager(t, authn, Options{SavedToken: &Token{Auth: "saved"}, Sink: sink})

	ok, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Authenticated, m.State())

	token, err := m.CurrentToken()
	require.NoError(t, err)
	assert.Equal(t, "alice", token.DisplayName)
	require.Len(t, sink.saved, 1)
}

func TestRefreshRejectedToken(t *testing.T) {
	authn := &mockAuthenticator{
		ValidateFunc: func(ctx context.Context, token Token) (Token, error) {
			return Token{}, errs.E("vrchat.Validate", errs.NotAuthenticated, nil)
		},
	}
	sink := &memorySink{}
	m, _ := newTestManager(t, authn, Options{SavedToken: &Token{Auth: "stale"}, Sink: sink})

	ok, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, LoggedOut, m.State())
	assert.Equal(t, 1, sink.cleared)

	ok, err = m.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "nothing left to refresh")
}

func TestRefreshTransportFailure(t *testing.T) {
	authn := &mockAuthenticator{
		ValidateFunc: func(ctx context.Context, token Token) (Token, error) {
			return Token{}, errs.E("vrchat.Validate", errs.NetworkTimeout, context.DeadlineExceeded)
		},
	}
	m, _ := newTestManager(t, authn, Options{SavedToken: &Token{Auth: "saved"}})

	ok, err := m.Refresh(context.Background())
	assert.False(t, ok)
	assert.True(t, errs.Is(err, errs.NetworkTimeout))
}

func TestRefreshWithoutSavedToken(t *testing.T) {
	m, limiter := newTestManager(t, &mockAuthenticator{}, Options{})

	ok, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, limiter.acquires)
}

func TestLogoutIsIdempotent(t *testing.T) {
	authn := &mockAuthenticator{
		LogoutFunc: func(ctx context.Context, token Token) error {
			return errs.E("vrchat.Logout", errs.ConnectionFailed, nil)
		},
	}
	sink := &memorySink{}
	m, _ := newTestManager(t, authn, Options{Sink: sink})

	_, err := m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	drain(m.Events())

	require.NoError(t, m.Logout(context.Background()))
	assert.Equal(t, LoggedOut, m.State())
	assert.Equal(t, 1, sink.cleared)
	assert.Equal(t, int32(1), authn.logoutCalls.Load())

	require.NoError(t, m.Logout(context.Background()))
	assert.Equal(t, int32(1), authn.logoutCalls.Load())
	assert.Equal(t, []EventType{EventLoggedOut}, drain(m.Events()))

	_, err = m.CurrentToken()
	assert.True(t, errs.Is(err, errs.NotAuthenticated))
}

func TestLogoutDuringChallenge(t *testing.T) {
	m, _ := newTestManager(t, twoFactorAuthenticator(MethodTOTP), Options{})

	_, err := m.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)

	require.NoError(t, m.Logout(context.Background()))
	assert.Equal(t, LoggedOut, m.State())
	assert.Nil(t, m.PendingMethods())
}

func TestConcurrentLoginsAreSerialised(t *testing.T) {
	var inFlight, peak atomic.Int32
	authn := &mockAuthenticator{
		LoginFunc: func(ctx context.Context, username, password string) (LoginResult, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return LoginResult{Token: Token{Auth: username}}, nil
		},
	}
	m, _ := newTestManager(t, authn, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Login(context.Background(), "alice", "secret")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, Authenticated, m.State())
}
