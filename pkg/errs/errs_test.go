package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := E("auth.Login", InvalidCredentials, errors.New("401"))
	wrapped := fmt.Errorf("login: %w", base)

	assert.Equal(t, InvalidCredentials, KindOf(base))
	assert.Equal(t, InvalidCredentials, KindOf(wrapped))
	assert.Equal(t, Unexpected, KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.True(t, Is(wrapped, InvalidCredentials))
	assert.False(t, Is(nil, InvalidCredentials))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{RateLimited, true},
		{NetworkTimeout, true},
		{ConnectionFailed, true},
		{ServerUnavailable, true},
		{Incomplete, true},
		{NotFound, false},
		{PermissionDenied, false},
		{DiskWriteFailed, false},
		{InvalidCredentials, false},
		{CorruptEntry, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(E("op", tt.kind, nil)))
		})
	}
}

func TestLimited(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Limited("catalog.List", 3*time.Second, nil))

	assert.True(t, Is(err, RateLimited))
	assert.Equal(t, 3*time.Second, RetryAfter(err))
	assert.Contains(t, err.Error(), "retry after 3s")
	assert.Equal(t, time.Duration(0), RetryAfter(errors.New("x")))
}

func TestCategory(t *testing.T) {
	assert.Equal(t, CategoryAuth, SessionExpired.Category())
	assert.Equal(t, CategoryDownload, RetriesExhausted.Category())
	assert.Equal(t, CategoryCache, EvictionFailure.Category())
	assert.Equal(t, CategoryOther, InvalidInput.Category())
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := E("download", DiskWriteFailed, cause)
	assert.ErrorIs(t, err, cause)
}
