package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestItemMatches(t *testing.T) {
	item := ItemRecord{
		Name:        "Red Dragon",
		AuthorName:  "Bob",
		Description: "Wings included",
	}

	tests := []struct {
		term string
		want bool
	}{
		{"", true},
		{"dragon", true},
		{"DRAGON", true},
		{"bob", true},
		{"wings", true},
		{"  red  ", true},
		{"cat", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, item.Matches(tt.term), "term %q", tt.term)
	}
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("Owned")
	assert.NoError(t, err)
	assert.Equal(t, FilterOwned, f)

	f, err = ParseFilter("")
	assert.NoError(t, err)
	assert.Equal(t, FilterAll, f)

	_, err = ParseFilter("private")
	assert.Error(t, err)
}

func TestFilterVisibility(t *testing.T) {
	assert.Equal(t, VisibilityOwned, FilterOwned.Visibility())
	assert.Equal(t, VisibilityFavorited, FilterFavorited.Visibility())
	assert.Equal(t, Visibility(0), FilterAll.Visibility())
	assert.Equal(t, "owned,favorited", (VisibilityOwned | VisibilityFavorited).String())
}

func TestJobStateTerminal(t *testing.T) {
	for _, s := range []JobState{JobCompleted, JobFailed, JobCancelled} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []JobState{JobQueued, JobDownloading, JobPaused} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestJobProgress(t *testing.T) {
	assert.Equal(t, -1.0, DownloadJob{BytesTotal: -1, BytesTransferred: 10}.Progress())
	assert.Equal(t, 0.5, DownloadJob{BytesTotal: 10, BytesTransferred: 5}.Progress())
	assert.Equal(t, 1.0, DownloadJob{State: JobCompleted, BytesTotal: -1}.Progress())
}
