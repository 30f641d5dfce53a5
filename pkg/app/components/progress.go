package components

import (
	"fmt"
	"strings"

	"github.com/kerbaras/avatars/pkg/app/styles"
	"github.com/kerbaras/avatars/pkg/data"
)

// ProgressTracker keeps the latest snapshot of every download job in
// submission order.
type ProgressTracker struct {
	jobs     map[string]data.DownloadJob
	order    []string
	selected int
	width    int
}

func NewProgressTracker(width int) *ProgressTracker {
	return &ProgressTracker{
		jobs:  make(map[string]data.DownloadJob),
		width: width,
	}
}

func (p *ProgressTracker) SetWidth(width int) {
	p.width = width
}

// Update records a job snapshot. Older snapshots never replace newer ones.
func (p *ProgressTracker) Update(job data.DownloadJob) {
	prev, ok := p.jobs[job.ID]
	if !ok {
		p.order = append(p.order, job.ID)
	} else if job.UpdatedAt.Before(prev.UpdatedAt) {
		return
	}
	p.jobs[job.ID] = job
}

// Set replaces the tracked jobs.
func (p *ProgressTracker) Set(jobs []data.DownloadJob) {
	p.jobs = make(map[string]data.DownloadJob, len(jobs))
	p.order = p.order[:0]
	for _, j := range jobs {
		p.jobs[j.ID] = j
		p.order = append(p.order, j.ID)
	}
	if p.selected >= len(p.order) {
		p.selected = max(len(p.order)-1, 0)
	}
}

func (p *ProgressTracker) Remove(id string) {
	if _, ok := p.jobs[id]; !ok {
		return
	}
	delete(p.jobs, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	if p.selected >= len(p.order) {
		p.selected = max(len(p.order)-1, 0)
	}
}

func (p *ProgressTracker) Clear() {
	p.Set(nil)
}

// HasActive reports whether any job is not finished.
func (p *ProgressTracker) HasActive() bool {
	for _, j := range p.jobs {
		if !j.State.Terminal() {
			return true
		}
	}
	return false
}

func (p *ProgressTracker) Next() {
	if len(p.order) > 0 {
		p.selected = (p.selected + 1) % len(p.order)
	}
}

func (p *ProgressTracker) Prev() {
	if len(p.order) > 0 {
		p.selected = (p.selected - 1 + len(p.order)) % len(p.order)
	}
}

func (p *ProgressTracker) Selected() *data.DownloadJob {
	if len(p.order) == 0 {
		return nil
	}
	j := p.jobs[p.order[p.selected]]
	return &j
}

func (p *ProgressTracker) View() string {
	if len(p.order) == 0 {
		return styles.MutedStyle.Render("No downloads")
	}

	var b strings.Builder
	for i, id := range p.order {
		job := p.jobs[id]

		name := job.Destination
		if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
			name = name[idx+1:]
		}
		if i == p.selected {
			b.WriteString(styles.SelectedStyle.Render("> " + name))
		} else {
			b.WriteString(styles.TextStyle.Render("  " + name))
		}
		b.WriteString("\n")

		if job.BytesTotal > 0 {
			b.WriteString("  ")
			b.WriteString(renderProgressBar(job.BytesTransferred, job.BytesTotal, p.width-4))
			b.WriteString("\n")
		}

		status := string(job.State)
		switch {
		case job.BytesTotal > 0:
			status = fmt.Sprintf("%s (%s / %s - %.0f%%)", job.State,
				FormatBytes(job.BytesTransferred), FormatBytes(job.BytesTotal), job.Progress()*100)
		case job.BytesTransferred > 0:
			status = fmt.Sprintf("%s (%s)", job.State, FormatBytes(job.BytesTransferred))
		}
		if job.RetryCount > 0 && !job.State.Terminal() {
			status += fmt.Sprintf(" • retry %d", job.RetryCount)
		}
		b.WriteString("  ")
		b.WriteString(styles.StatusStyle(string(job.State)).Render(status))
		b.WriteString("\n")

		if job.State == data.JobFailed && job.LastError != "" {
			b.WriteString("  ")
			b.WriteString(styles.StatusError.Render(fmt.Sprintf("Error: %s", job.LastErrorKind)))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderProgressBar(current, total int64, width int) string {
	if total <= 0 || width <= 0 {
		return ""
	}

	filled := int(float64(current) / float64(total) * float64(width))
	filled = min(max(filled, 0), width)

	bar := styles.ProgressBarStyle.Render(strings.Repeat("█", filled)) +
		styles.ProgressEmptyStyle.Render(strings.Repeat("░", width-filled))
	return bar
}

// SimpleProgress renders a simple progress bar
func SimpleProgress(current, total int64, width int) string {
	return renderProgressBar(current, total, width)
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
