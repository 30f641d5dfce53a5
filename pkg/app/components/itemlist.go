package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kerbaras/avatars/pkg/app/styles"
	"github.com/kerbaras/avatars/pkg/data"
)

// ItemList is a scrollable, selectable list of catalog items.
type ItemList struct {
	Items         []data.ItemRecord
	SelectedIndex int
	Width         int
	Height        int
	Empty         string
}

func NewItemList() *ItemList {
	return &ItemList{
		Items:  []data.ItemRecord{},
		Width:  80,
		Height: 20,
		Empty:  "No avatars",
	}
}

func (l *ItemList) SetItems(items []data.ItemRecord) {
	l.Items = items
	if l.SelectedIndex >= len(items) && len(items) > 0 {
		l.SelectedIndex = len(items) - 1
	}
	if len(items) == 0 {
		l.SelectedIndex = 0
	}
}

// Append adds the items of a following page, keeping the selection.
func (l *ItemList) Append(items []data.ItemRecord) {
	l.Items = append(l.Items, items...)
}

func (l *ItemList) Next() {
	if len(l.Items) == 0 {
		return
	}
	l.SelectedIndex++
	if l.SelectedIndex >= len(l.Items) {
		l.SelectedIndex = 0
	}
}

func (l *ItemList) Prev() {
	if len(l.Items) == 0 {
		return
	}
	l.SelectedIndex--
	if l.SelectedIndex < 0 {
		l.SelectedIndex = len(l.Items) - 1
	}
}

func (l *ItemList) Selected() *data.ItemRecord {
	if len(l.Items) == 0 || l.SelectedIndex >= len(l.Items) {
		return nil
	}
	return &l.Items[l.SelectedIndex]
}

// window returns the range of rows that fit around the selection.
func (l *ItemList) window() (int, int) {
	rows := max(l.Height, 1)
	if len(l.Items) <= rows {
		return 0, len(l.Items)
	}
	start := max(l.SelectedIndex-rows/2, 0)
	end := start + rows
	if end > len(l.Items) {
		end = len(l.Items)
		start = end - rows
	}
	return start, end
}

func (l *ItemList) View() string {
	if len(l.Items) == 0 {
		msg := styles.MutedStyle.Render(l.Empty)
		return lipgloss.Place(l.Width, max(l.Height, 1), lipgloss.Center, lipgloss.Center, msg)
	}

	var b strings.Builder
	start, end := l.window()
	for i := start; i < end; i++ {
		item := l.Items[i]

		marker := "  "
		name := styles.TextStyle.Render(item.Name)
		if i == l.SelectedIndex {
			marker = "> "
			name = styles.SelectedStyle.Render(item.Name)
		}

		meta := item.AuthorName
		if item.ReleaseStatus != "" {
			meta = fmt.Sprintf("%s • %s", meta, item.ReleaseStatus)
		}
		if item.AssetURL == "" {
			meta += " • no bundle"
		}

		b.WriteString(marker)
		b.WriteString(name)
		b.WriteString("  ")
		b.WriteString(styles.MutedStyle.Render(meta))
		b.WriteString("\n")
	}

	if end-start < len(l.Items) {
		b.WriteString(styles.MutedStyle.Render(
			fmt.Sprintf("Showing %d-%d of %d", start+1, end, len(l.Items)),
		))
		b.WriteString("\n")
	}
	return b.String()
}
