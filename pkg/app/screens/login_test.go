package screens

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kerbaras/avatars/pkg/auth"
	"github.com/kerbaras/avatars/pkg/data"
	"github.com/kerbaras/avatars/pkg/errs"
	"github.com/kerbaras/avatars/pkg/ratelimit"
)

type stubAuthenticator struct {
	methods []auth.Method
	code    string
}

func (s *stubAuthenticator) Login(ctx context.Context, username, password string) (auth.LoginResult, error) {
	if password != "hunter2" {
		return auth.LoginResult{}, errs.E("stub.Login", errs.InvalidCredentials, errors.New("bad password"))
	}
	return auth.LoginResult{Token: auth.Token{Auth: "cookie", DisplayName: username}, Methods: s.methods}, nil
}

func (s *stubAuthenticator) VerifyTwoFactor(ctx context.Context, pending auth.Token, method auth.Method, code string) (auth.Token, error) {
	if code != s.code {
		return auth.Token{}, errs.E("stub.VerifyTwoFactor", errs.TwoFactorInvalid, errors.New("wrong code"))
	}
	pending.TwoFactor = "2fa"
	return pending, nil
}

func (s *stubAuthenticator) Validate(ctx context.Context, token auth.Token) (auth.Token, error) {
	return token, nil
}

func (s *stubAuthenticator) Logout(ctx context.Context, token auth.Token) error {
	return nil
}

func newTestLogin(t *testing.T, authn auth.Authenticator) (*LoginScreen, *auth.Manager) {
	t.Helper()
	mgr, err := auth.NewManager(authn, ratelimit.New(ratelimit.DefaultConfig(), nil), auth.Options{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return NewLoginScreen(mgr), mgr
}

func typeText(s *LoginScreen, text string) {
	s.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
}

// press sends a key and runs the command it returns, if any.
func press(s *LoginScreen, key tea.KeyType) tea.Msg {
	_, cmd := s.Update(tea.KeyMsg{Type: key})
	if cmd == nil {
		return nil
	}
	return cmd()
}

func TestLoginScreenWithTwoFactor(t *testing.T) {
	s, mgr := newTestLogin(t, &stubAuthenticator{methods: []auth.Method{auth.MethodTOTP}, code: "123456"})

	typeText(s, "bob")
	press(s, tea.KeyEnter)
	if s.focus != passwordField {
		t.Fatal("Expected enter to move to the password field")
	}
	typeText(s, "hunter2")

	msg := press(s, tea.KeyEnter)
	if _, ok := msg.(loginResultMsg); !ok {
		t.Fatalf("Expected loginResultMsg, got %T", msg)
	}
	s.Update(msg)
	if !s.twoFactor() {
		t.Fatal("Expected the code form")
	}
	if !strings.Contains(s.View(), "authenticator") {
		t.Error("Expected the method to be named")
	}

	typeText(s, "123456")
	msg = press(s, tea.KeyEnter)
	_, cmd := s.Update(msg)
	if cmd == nil {
		t.Fatal("Expected a screen switch")
	}
	switched, ok := cmd().(SwitchScreenMsg)
	if !ok || switched.Screen != "catalog" {
		t.Errorf("Expected switch to catalog, got %#v", switched)
	}
	if mgr.State() != auth.Authenticated {
		t.Errorf("Expected authenticated, got %s", mgr.State())
	}
}

func TestLoginScreenWrongCodeKeepsForm(t *testing.T) {
	s, mgr := newTestLogin(t, &stubAuthenticator{methods: []auth.Method{auth.MethodTOTP}, code: "123456"})

	typeText(s, "bob")
	press(s, tea.KeyEnter)
	typeText(s, "hunter2")
	s.Update(press(s, tea.KeyEnter))

	typeText(s, "000000")
	s.Update(press(s, tea.KeyEnter))

	if s.err == nil {
		t.Fatal("Expected an error")
	}
	if !s.twoFactor() {
		t.Error("Expected to stay on the code form")
	}
	if mgr.State() != auth.AwaitingTwoFactor {
		t.Errorf("Expected awaiting_two_factor, got %s", mgr.State())
	}
	if s.code.Value() != "" {
		t.Error("Expected the code field to be cleared")
	}
}

func TestLoginScreenBadPassword(t *testing.T) {
	s, _ := newTestLogin(t, &stubAuthenticator{})

	typeText(s, "bob")
	press(s, tea.KeyEnter)
	typeText(s, "nope")
	s.Update(press(s, tea.KeyEnter))

	if !errs.Is(s.err, errs.InvalidCredentials) {
		t.Errorf("Expected invalid credentials, got %v", s.err)
	}
	if s.password.Value() != "" {
		t.Error("Expected the password to be cleared")
	}
	if s.twoFactor() {
		t.Error("Expected no code form")
	}
}

func TestLoginScreenRequiresCredentials(t *testing.T) {
	s, _ := newTestLogin(t, &stubAuthenticator{})

	press(s, tea.KeyEnter)
	if msg := press(s, tea.KeyEnter); msg != nil {
		t.Errorf("Expected no login attempt, got %T", msg)
	}
	if s.err == nil {
		t.Error("Expected a validation error")
	}
}

func TestNextFilterCycles(t *testing.T) {
	f := data.FilterOwned
	seen := map[data.Filter]bool{}
	for range data.Filters {
		seen[f] = true
		f = nextFilter(f)
	}
	if f != data.FilterOwned {
		t.Errorf("Expected to cycle back to owned, got %s", f)
	}
	if len(seen) != len(data.Filters) {
		t.Errorf("Expected every filter once, got %v", seen)
	}
}
