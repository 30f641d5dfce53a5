package screens

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kerbaras/avatars/pkg/app/components"
	"github.com/kerbaras/avatars/pkg/app/styles"
	"github.com/kerbaras/avatars/pkg/data"
	"github.com/kerbaras/avatars/pkg/services"
)

// DownloadsScreen lists the download queue and controls individual jobs.
type DownloadsScreen struct {
	downloads *services.DownloadManager
	tracker   *components.ProgressTracker
	err       error
	width     int
	height    int
}

func NewDownloadsScreen(downloads *services.DownloadManager) *DownloadsScreen {
	return &DownloadsScreen{
		downloads: downloads,
		tracker:   components.NewProgressTracker(76),
	}
}

func (s *DownloadsScreen) Typing() bool {
	return false
}

func (s *DownloadsScreen) Init() tea.Cmd {
	return s.loadJobs
}

func (s *DownloadsScreen) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		s.tracker.SetWidth(msg.Width - 4)

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			s.tracker.Prev()
		case "down", "j":
			s.tracker.Next()
		case "p":
			return s, s.act(s.downloads.Pause)
		case "r":
			return s, s.act(s.downloads.Resume)
		case "c":
			return s, s.act(s.downloads.Cancel)
		case "a":
			return s, s.act(s.downloads.Acknowledge)
		case "A":
			return s, s.acknowledgeFinished
		}

	case downloadEventMsg:
		s.tracker.Update(msg.Job)

	case jobsLoadedMsg:
		s.tracker.Set(msg.jobs)

	case jobActionMsg:
		s.err = msg.err
		return s, s.loadJobs
	}

	return s, nil
}

func (s *DownloadsScreen) View() string {
	header := styles.TitleStyle.Render("⬇ Downloads")

	var errorMsg string
	if s.err != nil {
		errorMsg = styles.StatusError.Render(fmt.Sprintf("Error: %s", s.err)) + "\n\n"
	}

	help := styles.HelpStyle.Render(
		"↑/k ↓/j: navigate • p: pause • r: resume • c: cancel • a: dismiss • A: dismiss finished • tab: switch view • q: quit",
	)

	return fmt.Sprintf("%s\n\n%s%s\n%s", header, errorMsg, s.tracker.View(), help)
}

// Messages
type downloadEventMsg services.DownloadEvent

type jobsLoadedMsg struct {
	jobs []data.DownloadJob
}

type jobActionMsg struct {
	err error
}

// Commands
func (s *DownloadsScreen) loadJobs() tea.Msg {
	return jobsLoadedMsg{jobs: s.downloads.Jobs()}
}

func (s *DownloadsScreen) act(fn func(id string) error) tea.Cmd {
	job := s.tracker.Selected()
	if job == nil {
		return nil
	}
	id := job.ID
	return func() tea.Msg {
		return jobActionMsg{err: fn(id)}
	}
}

func (s *DownloadsScreen) acknowledgeFinished() tea.Msg {
	for _, j := range s.downloads.Jobs() {
		if j.State.Terminal() {
			_ = s.downloads.Acknowledge(j.ID)
		}
	}
	return jobActionMsg{}
}

func listenForDownloads(events <-chan services.DownloadEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return downloadEventMsg(ev)
	}
}
