package screens

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kerbaras/avatars/pkg/app/styles"
	"github.com/kerbaras/avatars/pkg/data"
	"github.com/kerbaras/avatars/pkg/services"
)

type DetailsScreen struct {
	ctrl      *services.Controller
	itemID    string
	item      *data.ItemRecord
	thumbnail string
	notice    string
	err       error
	width     int
	height    int
}

func NewDetailsScreen(ctrl *services.Controller, itemID string) *DetailsScreen {
	return &DetailsScreen{
		ctrl:   ctrl,
		itemID: itemID,
	}
}

func (s *DetailsScreen) Typing() bool {
	return false
}

func (s *DetailsScreen) Init() tea.Cmd {
	return s.loadDetails
}

func (s *DetailsScreen) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "esc", "backspace":
			return s, func() tea.Msg {
				return SwitchScreenMsg{Screen: "catalog"}
			}
		case "d":
			if s.item != nil {
				return s, queueDownload(s.ctrl, *s.item)
			}
		}

	case detailsLoadedMsg:
		s.err = msg.err
		if msg.err == nil {
			s.item = &msg.item
			return s, s.loadThumbnail(msg.item)
		}

	case thumbnailLoadedMsg:
		if msg.err != nil {
			s.thumbnail = "unavailable"
		} else {
			s.thumbnail = msg.path
		}

	case downloadQueuedMsg:
		s.err = msg.err
		if msg.err == nil {
			s.notice = fmt.Sprintf("Queued %s as job %s", msg.name, msg.id)
		}
	}

	return s, nil
}

func (s *DetailsScreen) View() string {
	if s.item == nil {
		if s.err != nil {
			return styles.StatusError.Render(fmt.Sprintf("Error: %s", s.err)) +
				"\n" + styles.HelpStyle.Render("esc: back")
		}
		return "Loading..."
	}

	item := s.item
	header := styles.TitleStyle.Render(item.Name)
	author := styles.SubtitleStyle.Render("by " + item.AuthorName)

	var lines []string
	if item.Description != "" {
		lines = append(lines, styles.TextStyle.Width(max(s.width-6, 20)).Render(item.Description), "")
	}
	lines = append(lines, styles.MutedStyle.Render(fmt.Sprintf("ID: %s", item.ID)))
	if item.ReleaseStatus != "" {
		lines = append(lines, styles.MutedStyle.Render(fmt.Sprintf("Release: %s", item.ReleaseStatus)))
	}
	if len(item.Platforms) > 0 {
		lines = append(lines, styles.MutedStyle.Render(fmt.Sprintf("Platforms: %s", strings.Join(item.Platforms, ", "))))
	}
	if v := item.Visibility.String(); v != "" {
		lines = append(lines, styles.MutedStyle.Render(fmt.Sprintf("Listed as: %s", v)))
	}
	if s.thumbnail != "" {
		lines = append(lines, styles.MutedStyle.Render(fmt.Sprintf("Thumbnail: %s", s.thumbnail)))
	}
	if item.AssetURL == "" {
		lines = append(lines, styles.StatusError.Render("No downloadable bundle"))
	}

	card := styles.CardStyle
	if s.notice != "" {
		card = styles.ActiveCardStyle
	}
	info := card.Width(max(s.width-4, 24)).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))

	var status string
	switch {
	case s.err != nil:
		status = styles.StatusError.Render(fmt.Sprintf("Error: %s", s.err))
	case s.notice != "":
		status = styles.StatusCompleted.Render(s.notice)
	}

	help := styles.HelpStyle.Render("d: download • esc: back • q: quit")

	return fmt.Sprintf("%s\n%s\n\n%s\n\n%s\n%s", header, author, info, status, help)
}

// Messages
type detailsLoadedMsg struct {
	item data.ItemRecord
	err  error
}

type thumbnailLoadedMsg struct {
	path string
	err  error
}

// Commands
func (s *DetailsScreen) loadDetails() tea.Msg {
	item, err := s.ctrl.Catalog.Item(context.Background(), s.itemID)
	return detailsLoadedMsg{item: item, err: err}
}

func (s *DetailsScreen) loadThumbnail(item data.ItemRecord) tea.Cmd {
	return func() tea.Msg {
		path, err := s.ctrl.Catalog.Thumbnail(context.Background(), item)
		return thumbnailLoadedMsg{path: path, err: err}
	}
}
