package screens

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/kerbaras/avatars/pkg/app/styles"
	"github.com/kerbaras/avatars/pkg/auth"
)

const (
	usernameField = iota
	passwordField
)

// LoginScreen collects credentials and, when asked for, a second-factor code.
type LoginScreen struct {
	session  *auth.Manager
	username textinput.Model
	password textinput.Model
	code     textinput.Model
	focus    int
	methods  []auth.Method
	method   int
	busy     bool
	notice   string
	err      error
	width    int
	height   int
}

func NewLoginScreen(session *auth.Manager) *LoginScreen {
	username := textinput.New()
	username.Placeholder = "Username or email"
	username.CharLimit = 128
	username.Width = 40
	username.Focus()

	password := textinput.New()
	password.Placeholder = "Password"
	password.EchoMode = textinput.EchoPassword
	password.EchoCharacter = '•'
	password.CharLimit = 128
	password.Width = 40

	code := textinput.New()
	code.Placeholder = "Verification code"
	code.CharLimit = 16
	code.Width = 20

	return &LoginScreen{
		session:  session,
		username: username,
		password: password,
		code:     code,
	}
}

// SetNotice shows a message above the form, e.g. why the session ended.
func (s *LoginScreen) SetNotice(notice string) {
	s.notice = notice
}

// Typing reports whether keys go to a text field.
func (s *LoginScreen) Typing() bool {
	return true
}

func (s *LoginScreen) Init() tea.Cmd {
	return textinput.Blink
}

func (s *LoginScreen) twoFactor() bool {
	return len(s.methods) > 0
}

func (s *LoginScreen) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height

	case tea.KeyMsg:
		if s.busy {
			return s, nil
		}

		switch msg.String() {
		case "tab", "shift+tab", "up", "down":
			if !s.twoFactor() {
				s.setFocus(1 - s.focus)
			} else if len(s.methods) > 1 && msg.String() == "tab" {
				s.method = (s.method + 1) % len(s.methods)
			}
			return s, textinput.Blink

		case "esc":
			if s.twoFactor() {
				s.methods = nil
				s.code.Reset()
				s.code.Blur()
				s.setFocus(usernameField)
				return s, textinput.Blink
			}

		case "enter":
			if s.twoFactor() {
				code := strings.TrimSpace(s.code.Value())
				if code == "" {
					return s, nil
				}
				s.busy = true
				s.err = nil
				return s, s.submitCode(code, s.methods[s.method])
			}
			if s.focus == usernameField {
				s.setFocus(passwordField)
				return s, textinput.Blink
			}
			if s.username.Value() == "" || s.password.Value() == "" {
				s.err = fmt.Errorf("username and password are required")
				return s, nil
			}
			s.busy = true
			s.err = nil
			return s, s.login(s.username.Value(), s.password.Value())
		}

	case loginResultMsg:
		s.busy = false
		s.err = msg.err
		if msg.err != nil {
			s.password.Reset()
			return s, nil
		}
		if len(msg.methods) > 0 {
			s.methods = msg.methods
			s.method = 0
			s.username.Blur()
			s.password.Blur()
			s.code.Reset()
			s.code.Focus()
			return s, textinput.Blink
		}
		return s, s.loggedIn()

	case twoFactorResultMsg:
		s.busy = false
		s.err = msg.err
		s.code.Reset()
		if msg.err == nil {
			return s, s.loggedIn()
		}
		if s.session.State() != auth.AwaitingTwoFactor {
			// the challenge is gone; start over
			s.methods = nil
			s.password.Reset()
			s.setFocus(usernameField)
		}
		return s, nil
	}

	switch {
	case s.twoFactor():
		s.code, cmd = s.code.Update(msg)
	case s.focus == usernameField:
		s.username, cmd = s.username.Update(msg)
	default:
		s.password, cmd = s.password.Update(msg)
	}
	return s, cmd
}

func (s *LoginScreen) setFocus(field int) {
	s.focus = field
	if field == usernameField {
		s.username.Focus()
		s.password.Blur()
	} else {
		s.password.Focus()
		s.username.Blur()
	}
}

func (s *LoginScreen) View() string {
	header := styles.TitleStyle.Render("🔐 Sign in to VRChat")

	var notice string
	if s.notice != "" {
		notice = styles.StatusPaused.Render(s.notice) + "\n\n"
	}

	var form string
	if s.twoFactor() {
		method := s.methods[s.method]
		form = styles.SubtitleStyle.Render(fmt.Sprintf("Enter your %s code", methodLabel(method))) + "\n\n" +
			styles.FocusedInputStyle.Render(s.code.View())
	} else {
		userStyle, passStyle := styles.FocusedInputStyle, styles.InputStyle
		if s.focus == passwordField {
			userStyle, passStyle = styles.InputStyle, styles.FocusedInputStyle
		}
		form = userStyle.Render(s.username.View()) + "\n" + passStyle.Render(s.password.View())
	}

	var status string
	switch {
	case s.busy:
		status = styles.StatusDownloading.Render("Signing in...")
	case s.err != nil:
		status = styles.StatusError.Render(fmt.Sprintf("Error: %s", s.err))
	}

	help := "enter: next/submit • tab: switch field • ctrl+c: quit"
	if s.twoFactor() {
		help = "enter: verify • esc: back"
		if len(s.methods) > 1 {
			help += " • tab: other method"
		}
		help += " • ctrl+c: quit"
	}

	return fmt.Sprintf("%s\n\n%s%s\n\n%s\n%s", header, notice, form, status, styles.HelpStyle.Render(help))
}

func methodLabel(m auth.Method) string {
	switch m {
	case auth.MethodTOTP:
		return "authenticator"
	case auth.MethodEmail:
		return "email"
	case auth.MethodOTP:
		return "recovery"
	}
	return string(m)
}

// Messages
type loginResultMsg struct {
	methods []auth.Method
	err     error
}

type twoFactorResultMsg struct {
	err error
}

// Commands
func (s *LoginScreen) login(username, password string) tea.Cmd {
	return func() tea.Msg {
		methods, err := s.session.Login(context.Background(), username, password)
		return loginResultMsg{methods: methods, err: err}
	}
}

func (s *LoginScreen) submitCode(code string, method auth.Method) tea.Cmd {
	return func() tea.Msg {
		return twoFactorResultMsg{err: s.session.SubmitTwoFactor(context.Background(), code, method)}
	}
}

func (s *LoginScreen) loggedIn() tea.Cmd {
	s.password.Reset()
	s.notice = ""
	return func() tea.Msg {
		return SwitchScreenMsg{Screen: "catalog"}
	}
}
