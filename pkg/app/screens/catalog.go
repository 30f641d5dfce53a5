package screens

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/kerbaras/avatars/pkg/app/components"
	"github.com/kerbaras/avatars/pkg/app/styles"
	"github.com/kerbaras/avatars/pkg/data"
	"github.com/kerbaras/avatars/pkg/services"
)

// CatalogScreen browses remote listings page by page.
type CatalogScreen struct {
	ctrl    *services.Controller
	input   textinput.Model
	spinner spinner.Model
	filter  data.Filter
	search  string
	list    *components.ItemList
	next    data.Cursor
	total   *int
	loaded  bool
	loading bool
	notice  string
	err     error
	width   int
	height  int
}

func NewCatalogScreen(ctrl *services.Controller) *CatalogScreen {
	ti := textinput.New()
	ti.Placeholder = "Search avatars..."
	ti.CharLimit = 100
	ti.Width = 50

	list := components.NewItemList()
	list.Empty = "No avatars found"

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.StatusDownloading

	return &CatalogScreen{
		ctrl:    ctrl,
		input:   ti,
		spinner: sp,
		filter:  data.FilterOwned,
		list:    list,
	}
}

func (s *CatalogScreen) Typing() bool {
	return s.input.Focused()
}

func (s *CatalogScreen) Init() tea.Cmd {
	if !s.loaded && !s.loading {
		s.loading = true
		return tea.Batch(s.load(""), s.spinner.Tick)
	}
	return nil
}

func (s *CatalogScreen) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		s.list.Width = msg.Width - 4
		s.list.Height = msg.Height - 14

	case tea.KeyMsg:
		if s.input.Focused() {
			switch msg.String() {
			case "enter":
				s.input.Blur()
				s.search = s.input.Value()
				return s, s.reload()
			case "esc":
				s.input.Blur()
				s.input.SetValue(s.search)
				return s, nil
			}
			s.input, cmd = s.input.Update(msg)
			return s, cmd
		}

		if s.loading {
			return s, nil
		}

		switch msg.String() {
		case "/":
			s.input.Focus()
			return s, textinput.Blink
		case "up", "k":
			s.list.Prev()
		case "down", "j":
			s.list.Next()
		case "f":
			s.filter = nextFilter(s.filter)
			return s, s.reload()
		case "r":
			return s, s.reload()
		case "n":
			if s.next != "" {
				s.loading = true
				return s, tea.Batch(s.load(s.next), s.spinner.Tick)
			}
		case "enter":
			if item := s.list.Selected(); item != nil {
				id := item.ID
				return s, func() tea.Msg {
					return SwitchScreenMsg{Screen: "details", Data: id}
				}
			}
		case "d":
			if item := s.list.Selected(); item != nil {
				return s, queueDownload(s.ctrl, *item)
			}
		}

	case spinner.TickMsg:
		if s.loading {
			s.spinner, cmd = s.spinner.Update(msg)
			return s, cmd
		}

	case pageLoadedMsg:
		if msg.filter != s.filter || msg.search != s.search {
			// a reload superseded this page
			return s, nil
		}
		s.loading = false
		s.err = msg.err
		if msg.err != nil {
			return s, nil
		}
		s.loaded = true
		if msg.cursor == "" {
			s.list.SetItems(msg.page.Items)
			s.total = msg.page.TotalHint
		} else {
			s.list.Append(msg.page.Items)
		}
		s.next = msg.page.Next

	case downloadQueuedMsg:
		s.err = msg.err
		if msg.err == nil {
			s.notice = fmt.Sprintf("Queued %s", msg.name)
		}
	}

	return s, nil
}

func (s *CatalogScreen) reload() tea.Cmd {
	s.next = ""
	s.total = nil
	s.notice = ""
	s.loading = true
	s.list.SelectedIndex = 0
	return tea.Batch(s.load(""), s.spinner.Tick)
}

func nextFilter(f data.Filter) data.Filter {
	for i, candidate := range data.Filters {
		if candidate == f {
			return data.Filters[(i+1)%len(data.Filters)]
		}
	}
	return data.Filters[0]
}

func (s *CatalogScreen) View() string {
	if s.width == 0 {
		return "Loading..."
	}

	header := styles.TitleStyle.Render("🔍 Avatar Catalog")

	inputStyle := styles.InputStyle
	if s.input.Focused() {
		inputStyle = styles.FocusedInputStyle
	}
	inputView := inputStyle.Render(s.input.View())

	var filters string
	for _, f := range data.Filters {
		if f == s.filter {
			filters += styles.ActiveTabStyle.Render(string(f))
		} else {
			filters += styles.InactiveTabStyle.Render(string(f))
		}
	}

	var status string
	switch {
	case s.loading:
		status = s.spinner.View() + styles.StatusDownloading.Render(" Loading...")
	case s.err != nil:
		status = styles.StatusError.Render(fmt.Sprintf("Error: %s", s.err))
	case s.notice != "":
		status = styles.StatusCompleted.Render(s.notice)
	default:
		summary := fmt.Sprintf("%d shown", len(s.list.Items))
		if s.total != nil {
			summary = fmt.Sprintf("%d of %d", len(s.list.Items), *s.total)
		}
		if s.next != "" {
			summary += " • more available"
		}
		status = styles.SubtitleStyle.Render(summary)
	}

	help := styles.HelpStyle.Render(
		"/: search • f: filter • n: next page • enter: details • d: download • r: refresh • tab: switch view • q: quit",
	)

	return fmt.Sprintf("%s\n\n%s\n%s\n\n%s\n\n%s\n%s",
		header, inputView, filters, status, s.list.View(), help)
}

// Messages
type pageLoadedMsg struct {
	filter data.Filter
	search string
	cursor data.Cursor
	page   data.CatalogPage
	err    error
}

type downloadQueuedMsg struct {
	id   string
	name string
	err  error
}

// Commands
func (s *CatalogScreen) load(cursor data.Cursor) tea.Cmd {
	filter, search := s.filter, s.search
	return func() tea.Msg {
		page, err := s.ctrl.Catalog.ListPage(context.Background(), filter, search, cursor)
		return pageLoadedMsg{filter: filter, search: search, cursor: cursor, page: page, err: err}
	}
}

func queueDownload(ctrl *services.Controller, item data.ItemRecord) tea.Cmd {
	return func() tea.Msg {
		id, err := ctrl.DownloadItem(context.Background(), item.ID, "")
		return downloadQueuedMsg{id: id, name: item.Name, err: err}
	}
}
