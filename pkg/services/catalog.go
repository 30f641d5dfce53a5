package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kerbaras/avatars/pkg/auth"
	"github.com/kerbaras/avatars/pkg/cache"
	"github.com/kerbaras/avatars/pkg/data"
	"github.com/kerbaras/avatars/pkg/errs"
	"github.com/kerbaras/avatars/pkg/integrations"
	"github.com/kerbaras/avatars/pkg/ratelimit"
	"github.com/kerbaras/avatars/pkg/sources"
)

// ErrPagerDone is returned by Pager.Next after the last page.
var ErrPagerDone = errors.New("no more pages")

// CatalogRepository stores listed items for offline browsing.
type CatalogRepository interface {
	SaveItems(items []data.ItemRecord) error
	ListItems(vis data.Visibility) ([]data.ItemRecord, error)
	GetItem(id string) (*data.ItemRecord, error)
}

type CatalogOptions struct {
	// PageSize is both the page length and the server batch size.
	PageSize int
	// MaxScan bounds the server batches read to assemble one filtered page.
	MaxScan int
	// Retries bounds internal retries of transient failures per request.
	Retries int
	Retry   ratelimit.Policy
	// EventBuffer is the capacity of the events channel.
	EventBuffer int
	Logger      *zap.Logger
}

func DefaultCatalogOptions() CatalogOptions {
	return CatalogOptions{
		PageSize:    50,
		MaxScan:     10,
		Retries:     2,
		Retry:       ratelimit.Policy{Base: 500 * time.Millisecond, Max: 5 * time.Second},
		EventBuffer: 16,
	}
}

type CatalogEventType int

const (
	EventPageReady CatalogEventType = iota
	EventCatalogError
)

type CatalogEvent struct {
	Type   CatalogEventType
	Filter data.Filter
	Search string
	Page   data.CatalogPage // EventPageReady
	Kind   errs.Kind        // EventCatalogError
	Err    error
}

// Catalog lists remote items with client-side search and cursor paging.
type Catalog struct {
	source  sources.Source
	session SessionProvider
	limiter auth.Limiter
	repo    CatalogRepository
	cache   ArtifactCache
	thumbs  integrations.ImageNormalizer
	opts    CatalogOptions
	logger  *zap.Logger
	events  chan CatalogEvent
}

// NewCatalog creates a Catalog. repo, artifacts and thumbs may be nil; the
// features that need them are then unavailable.
func NewCatalog(source sources.Source, session SessionProvider, limiter auth.Limiter, repo CatalogRepository,
	artifacts ArtifactCache, thumbs integrations.ImageNormalizer, opts CatalogOptions) *Catalog {
	def := DefaultCatalogOptions()
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.MaxScan <= 0 {
		opts.MaxScan = def.MaxScan
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Retry.Base <= 0 {
		opts.Retry = def.Retry
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Catalog{
		source:  source,
		session: session,
		limiter: limiter,
		repo:    repo,
		cache:   artifacts,
		thumbs:  thumbs,
		opts:    opts,
		logger:  opts.Logger,
		events:  make(chan CatalogEvent, opts.EventBuffer),
	}
}

// Events returns the channel catalog events are published on.
func (c *Catalog) Events() <-chan CatalogEvent {
	return c.events
}

type cursorState struct {
	Filter data.Filter `json:"f"`
	Search string      `json:"q"`
	Offset int         `json:"o"`
}

func encodeCursor(s cursorState) data.Cursor {
	raw, _ := json.Marshal(s)
	return data.Cursor(base64.RawURLEncoding.EncodeToString(raw))
}

func decodeCursor(c data.Cursor) (cursorState, error) {
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return cursorState{}, fmt.Errorf("malformed cursor: %w", err)
	}
	var s cursorState
	if err := json.Unmarshal(raw, &s); err != nil {
		return cursorState{}, fmt.Errorf("malformed cursor: %w", err)
	}
	if s.Offset < 0 {
		return cursorState{}, errors.New("malformed cursor: negative offset")
	}
	return s, nil
}

func normalizeSearch(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ListPage returns the page of filter's listing matching search that starts
// at cursor. The empty cursor starts at the beginning.
func (c *Catalog) ListPage(ctx context.Context, filter data.Filter, search string, cursor data.Cursor) (data.CatalogPage, error) {
	page, err := c.listPage(ctx, filter, search, cursor)
	if err != nil {
		c.emit(CatalogEvent{Type: EventCatalogError, Filter: filter, Search: search, Kind: errs.KindOf(err), Err: err})
		return data.CatalogPage{}, err
	}
	c.emit(CatalogEvent{Type: EventPageReady, Filter: filter, Search: search, Page: page})
	return page, nil
}

func (c *Catalog) listPage(ctx context.Context, filter data.Filter, search string, cursor data.Cursor) (data.CatalogPage, error) {
	const op = "catalog.ListPage"

	if _, err := data.ParseFilter(string(filter)); err != nil || filter == "" {
		return data.CatalogPage{}, errs.E(op, errs.InvalidInput, fmt.Errorf("unknown filter %q", filter))
	}
	term := normalizeSearch(search)

	offset := 0
	if cursor != "" {
		state, err := decodeCursor(cursor)
		if err != nil {
			return data.CatalogPage{}, errs.E(op, errs.InvalidInput, err)
		}
		if state.Filter != filter || state.Search != term {
			return data.CatalogPage{}, errs.E(op, errs.InvalidInput, errors.New("cursor belongs to a different query"))
		}
		offset = state.Offset
	}
	start := offset

	token, err := c.session.CurrentToken()
	if err != nil {
		return data.CatalogPage{}, err
	}

	size := c.opts.PageSize
	page := data.CatalogPage{Items: make([]data.ItemRecord, 0, size)}
	exhausted := false

scan:
	for batch := 0; batch < c.opts.MaxScan; batch++ {
		records, err := c.fetch(ctx, token, filter, offset, size)
		if err != nil {
			return data.CatalogPage{}, err
		}
		c.save(records)

		for i, rec := range records {
			if !rec.Matches(term) {
				continue
			}
			page.Items = append(page.Items, rec)
			if len(page.Items) == size {
				offset += i + 1
				if i+1 == len(records) {
					exhausted = len(records) < size || c.drained(ctx, token, filter, offset)
				}
				break scan
			}
		}

		offset += len(records)
		if len(records) < size {
			exhausted = true
			break
		}
	}

	if !exhausted {
		page.Next = encodeCursor(cursorState{Filter: filter, Search: term, Offset: offset})
	} else if start == 0 {
		total := len(page.Items)
		page.TotalHint = &total
	}

	c.logger.Debug("catalog page assembled",
		zap.String("filter", string(filter)),
		zap.Int("items", len(page.Items)),
		zap.Int("offset", offset),
		zap.Bool("last", page.Last()),
	)
	return page, nil
}

// drained peeks one record past offset when a page fills on the last
// record of a full batch. A failed peek keeps the cursor. With a search
// term the following page may still come back empty.
func (c *Catalog) drained(ctx context.Context, token auth.Token, filter data.Filter, offset int) bool {
	records, err := c.fetch(ctx, token, filter, offset, 1)
	if err != nil {
		c.logger.Debug("catalog peek failed", zap.Int("offset", offset), zap.Error(err))
		return false
	}
	return len(records) == 0
}

// fetch reads one server batch behind the limiter, retrying transient
// failures a bounded number of times.
func (c *Catalog) fetch(ctx context.Context, token auth.Token, filter data.Filter, offset, limit int) ([]data.ItemRecord, error) {
	var records []data.ItemRecord
	err := c.call(ctx, token, func(ctx context.Context) error {
		var err error
		records, err = c.source.ListItems(ctx, token, filter, offset, limit)
		return err
	})
	return records, err
}

func (c *Catalog) call(ctx context.Context, token auth.Token, fn func(context.Context) error) error {
	backoff := ratelimit.NewBackoff(c.opts.Retry)
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		switch kind := errs.KindOf(err); {
		case err == nil:
			c.limiter.Success()
			return nil
		case kind == errs.NotAuthenticated:
			c.session.Expire(token)
			return err
		case kind == errs.RateLimited:
			c.limiter.Penalize(errs.RetryAfter(err))
			return err
		case kind.Category() == errs.CategoryTransient && attempt < c.opts.Retries:
			delay := backoff.Next()
			c.logger.Debug("retrying catalog request", zap.Error(err), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return errs.E("catalog.call", errs.Cancelled, ctx.Err())
			case <-time.After(delay):
			}
		default:
			if !kind.Retryable() {
				c.limiter.Success()
			}
			return err
		}
	}
}

func (c *Catalog) save(records []data.ItemRecord) {
	if c.repo == nil || len(records) == 0 {
		return
	}
	if err := c.repo.SaveItems(records); err != nil {
		c.logger.Warn("failed to store catalog records", zap.Error(err))
	}
}

// Item fetches one item with its asset URL resolved.
func (c *Catalog) Item(ctx context.Context, id string) (data.ItemRecord, error) {
	token, err := c.session.CurrentToken()
	if err != nil {
		return data.ItemRecord{}, err
	}
	var item data.ItemRecord
	err = c.call(ctx, token, func(ctx context.Context) error {
		var err error
		item, err = c.source.GetItem(ctx, token, id)
		return err
	})
	if err != nil {
		return data.ItemRecord{}, err
	}
	c.save([]data.ItemRecord{item})
	return item, nil
}

// Library lists items stored by earlier listings, without network access.
func (c *Catalog) Library(filter data.Filter, search string) ([]data.ItemRecord, error) {
	if c.repo == nil {
		return nil, errs.E("catalog.Library", errs.Unexpected, errors.New("no repository configured"))
	}
	items, err := c.repo.ListItems(filter.Visibility())
	if err != nil {
		return nil, err
	}
	term := normalizeSearch(search)
	if term == "" {
		return items, nil
	}
	matched := items[:0]
	for _, it := range items {
		if it.Matches(term) {
			matched = append(matched, it)
		}
	}
	return matched, nil
}

// Thumbnail returns the local path of item's normalised preview image,
// fetching and caching it on first use.
func (c *Catalog) Thumbnail(ctx context.Context, item data.ItemRecord) (string, error) {
	const op = "catalog.Thumbnail"

	if c.cache == nil || c.thumbs == nil {
		return "", errs.E(op, errs.Unexpected, errors.New("thumbnail cache not configured"))
	}
	ref := item.ThumbnailURL
	if ref == "" {
		ref = item.ImageURL
	}
	if ref == "" {
		return "", errs.E(op, errs.InvalidInput, fmt.Errorf("item %s has no preview image", item.ID))
	}

	key := cache.Key(ref)
	entry, err := c.cache.Get(ctx, key)
	if err == nil {
		return entry.Path, nil
	}
	if !errors.Is(err, cache.ErrMiss) && !errs.Is(err, errs.CorruptEntry) {
		return "", err
	}

	var normalized []byte
	err = c.call(ctx, auth.Token{}, func(ctx context.Context) error {
		stream, err := c.source.Open(ctx, nil, ref, 0)
		if err != nil {
			return err
		}
		defer stream.Body.Close()
		normalized, err = c.thumbs.Normalize(stream.Body)
		if err != nil {
			return errs.E(op, errs.Unexpected, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	entry, err = c.cache.Put(ctx, key, normalized)
	if err != nil {
		return "", err
	}
	return entry.Path, nil
}

// Pages returns a lazy pager over filter's listing.
func (c *Catalog) Pages(filter data.Filter, search string) *Pager {
	return &Pager{catalog: c, filter: filter, search: search}
}

// Pager walks a listing page by page. It is not safe for concurrent use.
type Pager struct {
	catalog *Catalog
	filter  data.Filter
	search  string
	next    data.Cursor
	done    bool
}

// Next returns the following page, or ErrPagerDone once the listing is exhausted.
func (p *Pager) Next(ctx context.Context) (data.CatalogPage, error) {
	if p.done {
		return data.CatalogPage{}, ErrPagerDone
	}
	page, err := p.catalog.ListPage(ctx, p.filter, p.search, p.next)
	if err != nil {
		return data.CatalogPage{}, err
	}
	p.next = page.Next
	p.done = page.Last()
	return page, nil
}

func (p *Pager) Done() bool {
	return p.done
}

// Reset restarts the pager from the first page.
func (p *Pager) Reset() {
	p.next = ""
	p.done = false
}

func (c *Catalog) emit(ev CatalogEvent) {
	select {
	case c.events <- ev:
	default:
	}
}
