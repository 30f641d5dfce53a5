package screens

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kerbaras/avatars/pkg/app/styles"
	"github.com/kerbaras/avatars/pkg/auth"
	"github.com/kerbaras/avatars/pkg/services"
)

type screenType int

const (
	catalogView screenType = iota
	downloadsView
	detailsView
	loginView
	startingView
)

// SwitchScreenMsg asks the root to show another screen.
type SwitchScreenMsg struct {
	Screen string
	Data   interface{}
}

type screen interface {
	tea.Model
	// Typing reports whether keys belong to a focused text field.
	Typing() bool
}

type RootScreen struct {
	ctrl *services.Controller

	currentView screenType
	login       *LoginScreen
	catalog     *CatalogScreen
	downloads   *DownloadsScreen
	details     *DetailsScreen
	user        string

	width  int
	height int
}

func NewRootScreen(ctrl *services.Controller) *RootScreen {
	return &RootScreen{
		ctrl:        ctrl,
		currentView: startingView,
		login:       NewLoginScreen(ctrl.Session),
		catalog:     NewCatalogScreen(ctrl),
		downloads:   NewDownloadsScreen(ctrl.Downloads),
	}
}

func (r *RootScreen) Init() tea.Cmd {
	return tea.Batch(
		r.restore,
		listenForDownloads(r.ctrl.Downloads.Events()),
		listenForSession(r.ctrl.Session.Events()),
	)
}

func (r *RootScreen) active() screen {
	switch r.currentView {
	case catalogView:
		return r.catalog
	case downloadsView:
		return r.downloads
	case detailsView:
		if r.details != nil {
			return r.details
		}
	case loginView:
		return r.login
	}
	return nil
}

func (r *RootScreen) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		r.width = msg.Width
		r.height = msg.Height
		// every screen keeps its layout, not only the visible one
		var cmds []tea.Cmd
		for _, s := range []screen{r.login, r.catalog, r.downloads} {
			_, c := s.Update(msg)
			cmds = append(cmds, c)
		}
		if r.details != nil {
			_, c := r.details.Update(msg)
			cmds = append(cmds, c)
		}
		return r, tea.Batch(cmds...)

	case tea.KeyMsg:
		typing := false
		if s := r.active(); s != nil {
			typing = s.Typing()
		}
		switch msg.String() {
		case "ctrl+c":
			return r, tea.Quit
		case "q":
			if !typing {
				return r, tea.Quit
			}
		case "tab":
			if r.currentView != catalogView && r.currentView != downloadsView {
				break
			}
			if typing {
				break
			}
			if r.currentView == catalogView {
				r.currentView = downloadsView
				return r, r.downloads.Init()
			}
			r.currentView = catalogView
			return r, r.catalog.Init()
		}

	case restoredMsg:
		if msg.ok {
			r.currentView = catalogView
			return r, r.catalog.Init()
		}
		r.currentView = loginView
		if msg.err != nil {
			r.login.SetNotice(fmt.Sprintf("Could not restore the saved session: %s", msg.err))
		}
		return r, r.login.Init()

	case downloadEventMsg:
		r.downloads.Update(msg)
		return r, listenForDownloads(r.ctrl.Downloads.Events())

	case sessionEventMsg:
		next := listenForSession(r.ctrl.Session.Events())
		switch msg.Type {
		case auth.EventLoginSucceeded:
			r.user = msg.DisplayName
		case auth.EventSessionExpired, auth.EventLoggedOut:
			r.user = ""
			if msg.Type == auth.EventSessionExpired {
				r.login.SetNotice("Your session expired. Please sign in again.")
			}
			r.currentView = loginView
			return r, tea.Batch(next, r.login.Init())
		}
		return r, next

	case SwitchScreenMsg:
		switch msg.Screen {
		case "catalog":
			r.currentView = catalogView
			cmd = r.catalog.Init()
		case "downloads":
			r.currentView = downloadsView
			cmd = r.downloads.Init()
		case "login":
			r.currentView = loginView
			cmd = r.login.Init()
		case "details":
			if itemID, ok := msg.Data.(string); ok {
				r.details = NewDetailsScreen(r.ctrl, itemID)
				r.details.width, r.details.height = r.width, r.height
				r.currentView = detailsView
				cmd = r.details.Init()
			}
		}
		return r, cmd
	}

	// Forward message to active screen
	if s := r.active(); s != nil {
		_, cmd = s.Update(msg)
	}
	return r, cmd
}

func (r *RootScreen) View() string {
	tabs := r.renderTabs()

	var content string
	if s := r.active(); s != nil {
		content = s.View()
	} else {
		content = styles.MutedStyle.Render("Restoring session...")
	}

	if tabs == "" {
		return content
	}
	return fmt.Sprintf("%s\n\n%s", tabs, content)
}

func (r *RootScreen) renderTabs() string {
	if r.currentView != catalogView && r.currentView != downloadsView {
		return ""
	}

	catalogTab := "Catalog"
	downloadsTab := "Downloads"

	if r.currentView == catalogView {
		catalogTab = styles.ActiveTabStyle.Render(catalogTab)
		downloadsTab = styles.InactiveTabStyle.Render(downloadsTab)
	} else {
		catalogTab = styles.InactiveTabStyle.Render(catalogTab)
		downloadsTab = styles.ActiveTabStyle.Render(downloadsTab)
	}

	tabs := lipgloss.JoinHorizontal(lipgloss.Top, catalogTab, downloadsTab)
	if r.user != "" {
		tabs = lipgloss.JoinHorizontal(lipgloss.Top, tabs, styles.MutedStyle.Render("  signed in as "+r.user))
	}
	return tabs
}

// Messages
type restoredMsg struct {
	ok  bool
	err error
}

type sessionEventMsg auth.Event

// Commands
func (r *RootScreen) restore() tea.Msg {
	ok, err := r.ctrl.Restore(context.Background())
	return restoredMsg{ok: ok, err: err}
}

func listenForSession(events <-chan auth.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return sessionEventMsg(ev)
	}
}
