package sources

import (
	"context"
	"io"

	"github.com/kerbaras/avatars/pkg/auth"
	"github.com/kerbaras/avatars/pkg/data"
)

// Source lists remote items and serves their binary assets.
type Source interface {
	// ListItems returns up to limit records of the listing selected by
	// filter, starting at the server offset. Fewer than limit means the
	// listing is exhausted.
	ListItems(ctx context.Context, token auth.Token, filter data.Filter, offset, limit int) ([]data.ItemRecord, error)
	// GetItem fetches one item with its asset URL resolved.
	GetItem(ctx context.Context, token auth.Token, id string) (data.ItemRecord, error)
	// Open streams rawURL from offset. token is nil for public resources.
	Open(ctx context.Context, token *auth.Token, rawURL string, offset int64) (*Stream, error)
}

// Stream is an open asset body.
type Stream struct {
	Body io.ReadCloser
	// Offset is where Body starts. It is zero when the server ignored a range request.
	Offset int64
	// Total is the full asset size, -1 when the server did not say.
	Total int64
}
