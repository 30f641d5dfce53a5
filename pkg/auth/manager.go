// Package auth owns the single authenticated session of the process.
//
// Manager is a state machine:
//
//	LoggedOut -> AwaitingTwoFactor -> Authenticated -> Expired
//
// with LoggedOut reachable from every state through Logout or an
// unrecoverable rejection. Every other component obtains its credential
// context from CurrentToken.
package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kerbaras/avatars/pkg/errs"
)

// DefaultCodePatterns returns the accepted code formats per method.
func DefaultCodePatterns() map[Method]string {
	return map[Method]string{
		MethodTOTP:  `^\d{6}$`,
		MethodEmail: `^\d{6}$`,
		MethodOTP:   `^[a-z0-9]{4}-?[a-z0-9]{4}$`,
	}
}

// Options configures a Manager.
type Options struct {
	// SavedToken is the token persisted by a previous process, validated by Refresh.
	SavedToken *Token
	// Sink receives the token whenever the session becomes authenticated.
	Sink TokenSink
	// CodePatterns maps a method to the regular expression its codes must match.
	// Methods without a pattern accept any non-empty code.
	CodePatterns map[Method]string
	// MaxTwoFactorAttempts bounds wrong codes per challenge.
	MaxTwoFactorAttempts int
	// TwoFactorTTL bounds how long a challenge stays answerable.
	TwoFactorTTL time.Duration
	// EventBuffer is the capacity of the events channel.
	EventBuffer int
	Logger      *zap.Logger
}

type challenge struct {
	token    Token
	methods  []Method
	deadline time.Time
	attempts int
}

// Manager serialises every session transition.
type Manager struct {
	authn       Authenticator
	limiter     Limiter
	sink        TokenSink
	logger      *zap.Logger
	patterns    map[Method]*regexp.Regexp
	maxAttempts int
	ttl         time.Duration

	// opMu serialises Login, SubmitTwoFactor, Refresh and Logout, network
	// calls included. mu guards the fields below for quick reads.
	opMu sync.Mutex

	mu      sync.RWMutex
	state   State
	token   Token
	saved   *Token
	pending *challenge

	events chan Event
	now    func() time.Time
}

// NewManager creates a Manager in the LoggedOut state.
func NewManager(authn Authenticator, limiter Limiter, opts Options) (*Manager, error) {
	if opts.CodePatterns == nil {
		opts.CodePatterns = DefaultCodePatterns()
	}
	if opts.MaxTwoFactorAttempts <= 0 {
		opts.MaxTwoFactorAttempts = 5
	}
	if opts.TwoFactorTTL <= 0 {
		opts.TwoFactorTTL = 10 * time.Minute
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 16
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	patterns := make(map[Method]*regexp.Regexp, len(opts.CodePatterns))
	for method, expr := range opts.CodePatterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("code pattern for %s: %w", method, err)
		}
		patterns[method] = re
	}

	m := &Manager{
		authn:       authn,
		limiter:     limiter,
		sink:        opts.Sink,
		logger:      opts.Logger,
		patterns:    patterns,
		maxAttempts: opts.MaxTwoFactorAttempts,
		ttl:         opts.TwoFactorTTL,
		state:       LoggedOut,
		events:      make(chan Event, opts.EventBuffer),
		now:         time.Now,
	}
	if opts.SavedToken != nil && opts.SavedToken.Valid() {
		saved := *opts.SavedToken
		m.saved = &saved
	}
	return m, nil
}

// Events returns the channel session events are published on. Events are
// dropped when nobody keeps up with them.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// PendingMethods returns the second-factor methods of the open challenge.
func (m *Manager) PendingMethods() []Method {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pending == nil {
		return nil
	}
	return slices.Clone(m.pending.methods)
}

// Login authenticates with username and password. It returns the required
// second-factor methods when the remote asks for one, nil otherwise.
func (m *Manager) Login(ctx context.Context, username, password string) ([]Method, error) {
	const op = "auth.Login"

	if strings.TrimSpace(username) == "" || password == "" {
		return nil, errs.E(op, errs.InvalidInput, errors.New("username and password are required"))
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	var res LoginResult
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = m.authn.Login(ctx, username, password)
		return err
	})
	if err != nil {
		kind := errs.KindOf(err)
		if kind == errs.InvalidCredentials {
			m.reset()
		}
		m.logger.Warn("login failed", zap.String("kind", string(kind)), zap.Error(err))
		m.emit(Event{Type: EventLoginFailed, Kind: kind})
		return nil, wrap(op, err)
	}

	if len(res.Methods) > 0 {
		m.mu.Lock()
		m.state = AwaitingTwoFactor
		m.token = Token{}
		m.pending = &challenge{
			token:    res.Token,
			methods:  slices.Clone(res.Methods),
			deadline: m.now().Add(m.ttl),
		}
		m.mu.Unlock()

		m.logger.Info("two-factor verification required", zap.Any("methods", res.Methods))
		m.emit(Event{Type: EventTwoFactorRequired, Methods: slices.Clone(res.Methods)})
		return slices.Clone(res.Methods), nil
	}

	m.authenticate(res.Token)
	return nil, nil
}

// SubmitTwoFactor answers the open challenge.
func (m *Manager) SubmitTwoFactor(ctx context.Context, code string, method Method) error {
	const op = "auth.SubmitTwoFactor"

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	state, pending := m.state, m.pending
	m.mu.RUnlock()

	if state != AwaitingTwoFactor || pending == nil {
		return errs.E(op, errs.NotAuthenticated, errors.New("no pending two-factor challenge"))
	}
	if m.now().After(pending.deadline) {
		return m.expireChallenge(op, errors.New("challenge timed out"))
	}
	if !slices.Contains(pending.methods, method) {
		return errs.E(op, errs.InvalidInput, fmt.Errorf("method %q was not offered", method))
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return m.rejectCode(op, errors.New("empty code"))
	}
	if re, ok := m.patterns[method]; ok && !re.MatchString(code) {
		return m.rejectCode(op, fmt.Errorf("code does not match the %s format", method))
	}

	var token Token
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		token, err = m.authn.VerifyTwoFactor(ctx, pending.token, method, code)
		return err
	})
	switch errs.KindOf(err) {
	case "":
	case errs.TwoFactorInvalid:
		return m.rejectCode(op, err)
	case errs.TwoFactorExpired:
		return m.expireChallenge(op, err)
	default:
		return wrap(op, err)
	}

	m.authenticate(token)
	return nil
}

// rejectCode counts a wrong code; the challenge expires once the attempts
// are used up.
func (m *Manager) rejectCode(op string, cause error) error {
	m.mu.Lock()
	m.pending.attempts++
	exhausted := m.pending.attempts >= m.maxAttempts
	m.mu.Unlock()

	if exhausted {
		return m.expireChallenge(op, fmt.Errorf("too many wrong codes: %w", cause))
	}
	m.emit(Event{Type: EventLoginFailed, Kind: errs.TwoFactorInvalid})
	if errs.Is(cause, errs.TwoFactorInvalid) {
		return cause
	}
	return errs.E(op, errs.TwoFactorInvalid, cause)
}

func (m *Manager) expireChallenge(op string, cause error) error {
	m.reset()
	m.logger.Warn("two-factor challenge expired", zap.Error(cause))
	m.emit(Event{Type: EventLoginFailed, Kind: errs.TwoFactorExpired})
	if errs.Is(cause, errs.TwoFactorExpired) {
		return cause
	}
	return errs.E(op, errs.TwoFactorExpired, cause)
}

// CurrentToken returns the credential context of the authenticated session.
func (m *Manager) CurrentToken() (Token, error) {
	const op = "auth.CurrentToken"

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Authenticated:
		if m.token.ExpiredAt(m.now()) {
			m.state = Expired
			m.emit(Event{Type: EventSessionExpired})
			return Token{}, errs.E(op, errs.SessionExpired, errors.New("session token past its expiry"))
		}
		return m.token, nil
	case Expired:
		return Token{}, errs.E(op, errs.SessionExpired, nil)
	default:
		return Token{}, errs.E(op, errs.NotAuthenticated, nil)
	}
}

// Expire marks the session expired after the remote rejected token. Tokens
// other than the current one are ignored.
func (m *Manager) Expire(token Token) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Authenticated || m.token.Auth != token.Auth {
		return
	}
	m.state = Expired
	m.logger.Warn("session rejected by remote")
	m.emit(Event{Type: EventSessionExpired})
}

// Refresh re-validates the saved token without prompting. It reports false
// with a nil error when an interactive login is required; only transport
// failures are returned as errors.
func (m *Manager) Refresh(ctx context.Context) (bool, error) {
	const op = "auth.Refresh"

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	state := m.state
	var candidate Token
	switch {
	case state == Authenticated:
		m.mu.RUnlock()
		return true, nil
	case state == Expired:
		candidate = m.token
	case m.saved != nil:
		candidate = *m.saved
	}
	m.mu.RUnlock()

	if !candidate.Valid() {
		return false, nil
	}

	var validated Token
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		validated, err = m.authn.Validate(ctx, candidate)
		return err
	})
	if err != nil {
		if errs.KindOf(err).Category() == errs.CategoryAuth {
			m.logger.Info("saved session rejected, interactive login required", zap.Error(err))
			m.reset()
			m.clearSink()
			m.emit(Event{Type: EventLoginFailed, Kind: errs.SessionExpired})
			return false, nil
		}
		return false, wrap(op, err)
	}

	m.authenticate(validated)
	return true, nil
}

// Logout ends the session. The remote session is invalidated on a best
// effort basis; the local token is always cleared. Calling Logout while
// logged out is a no-op.
func (m *Manager) Logout(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	state := m.state
	token := m.token
	if m.pending != nil {
		token = m.pending.token
	}
	hadSaved := m.saved != nil
	m.mu.RUnlock()

	if state == LoggedOut && !hadSaved {
		return nil
	}

	m.reset()
	m.clearSink()

	if token.Valid() {
		err := m.call(ctx, func(ctx context.Context) error {
			return m.authn.Logout(ctx, token)
		})
		if err != nil {
			m.logger.Warn("remote logout failed", zap.Error(err))
		}
	}

	m.emit(Event{Type: EventLoggedOut})
	return nil
}

func (m *Manager) authenticate(token Token) {
	m.mu.Lock()
	m.state = Authenticated
	m.token = token
	m.pending = nil
	m.saved = nil
	m.mu.Unlock()

	if m.sink != nil {
		if err := m.sink.SaveToken(token); err != nil {
			m.logger.Error("failed to persist session token", zap.Error(err))
		}
	}

	m.logger.Info("logged in", zap.String("user", token.DisplayName))
	m.emit(Event{Type: EventLoginSucceeded, DisplayName: token.DisplayName})
}

func (m *Manager) reset() {
	m.mu.Lock()
	m.state = LoggedOut
	m.token = Token{}
	m.pending = nil
	m.saved = nil
	m.mu.Unlock()
}

func (m *Manager) clearSink() {
	if m.sink == nil {
		return
	}
	if err := m.sink.ClearToken(); err != nil {
		m.logger.Error("failed to clear session token", zap.Error(err))
	}
}

// call runs fn behind the limiter and feeds the outcome back to it.
func (m *Manager) call(ctx context.Context, fn func(context.Context) error) error {
	if err := m.limiter.Acquire(ctx); err != nil {
		return err
	}
	err := fn(ctx)
	switch {
	case errs.Is(err, errs.RateLimited):
		m.limiter.Penalize(errs.RetryAfter(err))
	case !errs.Retryable(err):
		m.limiter.Success()
	}
	return err
}

// emit sends an event without blocking.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

func wrap(op string, err error) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	return errs.E(op, errs.Unexpected, err)
}
