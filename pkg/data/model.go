package data

import (
	"fmt"
	"strings"
	"time"
)

// Visibility is the set of listings an item was seen in.
type Visibility uint8

const (
	VisibilityOwned Visibility = 1 << iota
	VisibilityPublic
	VisibilityFavorited
)

func (v Visibility) Has(flag Visibility) bool {
	return v&flag != 0
}

func (v Visibility) String() string {
	var parts []string
	if v.Has(VisibilityOwned) {
		parts = append(parts, "owned")
	}
	if v.Has(VisibilityPublic) {
		parts = append(parts, "public")
	}
	if v.Has(VisibilityFavorited) {
		parts = append(parts, "favorited")
	}
	return strings.Join(parts, ",")
}

// Filter selects a catalog listing.
type Filter string

const (
	FilterOwned     Filter = "owned"
	FilterPublic    Filter = "public"
	FilterFavorited Filter = "favorited"
	FilterAll       Filter = "all"
)

// Filters lists every filter in display order.
var Filters = []Filter{FilterOwned, FilterPublic, FilterFavorited, FilterAll}

func ParseFilter(s string) (Filter, error) {
	f := Filter(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FilterOwned, FilterPublic, FilterFavorited, FilterAll:
		return f, nil
	case "":
		return FilterAll, nil
	}
	return "", fmt.Errorf("unknown filter %q", s)
}

// Visibility returns the flag items listed under f carry. FilterAll has none.
func (f Filter) Visibility() Visibility {
	switch f {
	case FilterOwned:
		return VisibilityOwned
	case FilterPublic:
		return VisibilityPublic
	case FilterFavorited:
		return VisibilityFavorited
	}
	return 0
}

// ItemRecord describes one remote avatar. Records are values; a newer
// listing replaces them rather than mutating them.
type ItemRecord struct {
	ID            string
	Name          string
	AuthorID      string
	AuthorName    string
	Description   string
	ThumbnailURL  string
	ImageURL      string
	AssetURL      string // empty when the listing did not expose one
	ReleaseStatus string
	Platforms     []string
	Visibility    Visibility
	UpdatedAt     *time.Time
}

// Matches reports whether term occurs, case-insensitively, in the name,
// author or description. An empty term matches everything.
func (i ItemRecord) Matches(term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return true
	}
	return strings.Contains(strings.ToLower(i.Name), term) ||
		strings.Contains(strings.ToLower(i.AuthorName), term) ||
		strings.Contains(strings.ToLower(i.Description), term)
}

// Cursor is an opaque continuation token. The empty cursor addresses the
// first page and, on a returned page, marks the end.
type Cursor string

type CatalogPage struct {
	Items     []ItemRecord
	Next      Cursor
	TotalHint *int
}

// Last reports whether no page follows.
func (p CatalogPage) Last() bool {
	return p.Next == ""
}

// JobState is the lifecycle state of a download job.
type JobState string

const (
	JobQueued      JobState = "queued"
	JobDownloading JobState = "downloading"
	JobPaused      JobState = "paused"
	JobCompleted   JobState = "completed"
	JobFailed      JobState = "failed"
	JobCancelled   JobState = "cancelled"
)

// Terminal reports whether the job will not change state again.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// DownloadJob is a snapshot of one download.
type DownloadJob struct {
	ID               string
	ItemID           string
	Source           string
	Destination      string
	State            JobState
	BytesTransferred int64
	BytesTotal       int64 // -1 when unknown
	RetryCount       int
	LastErrorKind    string
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Progress returns the completed fraction in [0,1], or -1 when the total is unknown.
func (j DownloadJob) Progress() float64 {
	if j.BytesTotal <= 0 {
		if j.State == JobCompleted {
			return 1
		}
		return -1
	}
	return min(float64(j.BytesTransferred)/float64(j.BytesTotal), 1)
}

// CacheEntry indexes one cached artifact.
type CacheEntry struct {
	Key        string
	Path       string
	Size       int64
	LastAccess time.Time
}
