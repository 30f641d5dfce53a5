package auth

import (
	"context"
	"time"

	"github.com/kerbaras/avatars/pkg/errs"
)

// State is the authentication state of the session.
type State int

const (
	LoggedOut State = iota
	AwaitingTwoFactor
	Authenticated
	Expired
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged_out"
	case AwaitingTwoFactor:
		return "awaiting_two_factor"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Method is a second-factor verification method.
type Method string

const (
	// MethodTOTP is a time-based code from an authenticator app.
	MethodTOTP Method = "totp"
	// MethodOTP is a one-time recovery code.
	MethodOTP Method = "otp"
	// MethodEmail is a code sent by email.
	MethodEmail Method = "emailOtp"
)

// Token is the credential context issued by the remote after login.
// Callers treat it as opaque; only the source that issued it reads the
// cookie values.
type Token struct {
	Auth        string    `yaml:"auth"`
	TwoFactor   string    `yaml:"two_factor,omitempty"`
	UserID      string    `yaml:"user_id,omitempty"`
	DisplayName string    `yaml:"display_name,omitempty"`
	ExpiresAt   time.Time `yaml:"expires_at,omitempty"`
}

// Valid reports whether the token carries a session cookie at all.
func (t Token) Valid() bool {
	return t.Auth != ""
}

// ExpiredAt reports whether the expiry hint has passed. A zero hint never expires.
func (t Token) ExpiredAt(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// LoginResult is what the remote answers to a credential login.
type LoginResult struct {
	// Token holds the session cookie. When Methods is non-empty it is only
	// good for completing the second factor.
	Token Token
	// Methods lists the accepted second-factor methods, empty when none is required.
	Methods []Method
}

// Authenticator talks to the remote authentication endpoints.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (LoginResult, error)
	VerifyTwoFactor(ctx context.Context, pending Token, method Method, code string) (Token, error)
	// Validate checks a saved token and returns it with a refreshed identity.
	Validate(ctx context.Context, token Token) (Token, error)
	Logout(ctx context.Context, token Token) error
}

// Limiter is the shared admission gate consulted before each remote call.
type Limiter interface {
	Acquire(ctx context.Context) error
	Penalize(retryAfter time.Duration)
	Success()
}

// TokenSink persists the session token. The configuration layer owns it.
type TokenSink interface {
	SaveToken(Token) error
	ClearToken() error
}

// EventType identifies an authentication event.
type EventType int

const (
	EventLoginSucceeded EventType = iota
	EventTwoFactorRequired
	EventLoginFailed
	EventLoggedOut
	EventSessionExpired
)

func (t EventType) String() string {
	switch t {
	case EventLoginSucceeded:
		return "login_succeeded"
	case EventTwoFactorRequired:
		return "two_factor_required"
	case EventLoginFailed:
		return "login_failed"
	case EventLoggedOut:
		return "logged_out"
	case EventSessionExpired:
		return "session_expired"
	default:
		return "unknown"
	}
}

// Event is emitted on every session transition.
type Event struct {
	Type        EventType
	Methods     []Method  // EventTwoFactorRequired
	Kind        errs.Kind // EventLoginFailed
	DisplayName string    // EventLoginSucceeded
}
