// Package cache is a size-bounded, content-addressed store for fetched
// artifacts (thumbnails and small asset bundles).
//
// Artifacts live in a gocloud blob bucket; the LRU index lives in memory and
// is mirrored to an IndexStore so it survives restarts.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"

	"github.com/kerbaras/avatars/pkg/data"
	"github.com/kerbaras/avatars/pkg/errs"
)

// ErrMiss is returned by Get and Open when no entry exists for the key.
var ErrMiss = errors.New("cache miss")

// IndexStore persists the index.
type IndexStore interface {
	SaveCacheEntry(data.CacheEntry) error
	DeleteCacheEntry(key string) error
	ListCacheEntries() ([]data.CacheEntry, error)
}

type Options struct {
	// MaxBytes bounds the total size of all entries.
	MaxBytes int64
	// Root is the local directory backing the bucket, used to report entry
	// paths. Empty for non-file buckets.
	Root   string
	Store  IndexStore
	Logger *zap.Logger
}

type Cache struct {
	bucket *blob.Bucket
	root   string
	max    int64
	store  IndexStore
	logger *zap.Logger

	mu    sync.Mutex
	ll    *list.List // front is most recently used
	items map[string]*list.Element
	size  int64
	now   func() time.Time
}

// Key derives the cache key of a source reference.
func Key(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:])
}

// New wraps an open bucket.
func New(bucket *blob.Bucket, opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Cache{
		bucket: bucket,
		root:   opts.Root,
		max:    opts.MaxBytes,
		store:  opts.Store,
		logger: opts.Logger,
		ll:     list.New(),
		items:  make(map[string]*list.Element),
		now:    time.Now,
	}
}

// OpenDir opens a cache backed by the local directory dir.
func OpenDir(dir string, opts Options) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	bucket, err := fileblob.OpenBucket(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache bucket: %w", err)
	}
	opts.Root = abs
	return New(bucket, opts), nil
}

func (c *Cache) Close() error {
	return c.bucket.Close()
}

func (c *Cache) path(key string) string {
	if c.root == "" {
		return ""
	}
	return filepath.Join(c.root, key)
}

// Load rebuilds the index from the store. Entries whose artifact has gone
// missing are dropped; the bound is enforced afterwards.
func (c *Cache) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	entries, err := c.store.ListCacheEntries()
	if err != nil {
		return fmt.Errorf("load cache index: %w", err)
	}

	var live []data.CacheEntry
	for _, e := range entries {
		ok, err := c.bucket.Exists(ctx, e.Key)
		if err != nil {
			return fmt.Errorf("check cache entry %s: %w", e.Key, err)
		}
		if !ok {
			c.forget(e.Key)
			continue
		}
		live = append(live, e)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.ll.Init()
	c.items = make(map[string]*list.Element, len(live))
	c.size = 0
	// entries come least recently used first
	for _, e := range live {
		e.Path = c.path(e.Key)
		c.items[e.Key] = c.ll.PushFront(e)
		c.size += e.Size
	}
	return c.evictLocked(ctx)
}

// Get returns the entry for key and marks it most recently used.
func (c *Cache) Get(ctx context.Context, key string) (data.CacheEntry, error) {
	const op = "cache.Get"

	c.mu.Lock()
	_, ok := c.items[key]
	c.mu.Unlock()
	if !ok {
		return data.CacheEntry{}, ErrMiss
	}

	exists, err := c.bucket.Exists(ctx, key)
	if err != nil {
		return data.CacheEntry{}, errs.E(op, errs.CorruptEntry, err)
	}
	if !exists {
		c.mu.Lock()
		c.removeLocked(key)
		c.mu.Unlock()
		c.forget(key)
		c.logger.Warn("cache entry lost its artifact", zap.String("key", key))
		return data.CacheEntry{}, errs.E(op, errs.CorruptEntry, fmt.Errorf("artifact for %s is missing", key))
	}

	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return data.CacheEntry{}, ErrMiss
	}
	entry := el.Value.(data.CacheEntry)
	entry.LastAccess = c.now()
	el.Value = entry
	c.ll.MoveToFront(el)
	c.mu.Unlock()

	c.remember(entry)
	return entry, nil
}

// Open returns a reader over the artifact for key.
func (c *Cache) Open(ctx context.Context, key string) (io.ReadCloser, data.CacheEntry, error) {
	entry, err := c.Get(ctx, key)
	if err != nil {
		return nil, data.CacheEntry{}, err
	}
	r, err := c.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			c.mu.Lock()
			c.removeLocked(key)
			c.mu.Unlock()
			c.forget(key)
			return nil, data.CacheEntry{}, errs.E("cache.Open", errs.CorruptEntry, err)
		}
		return nil, data.CacheEntry{}, err
	}
	return r, entry, nil
}

// Put stores b under key.
func (c *Cache) Put(ctx context.Context, key string, b []byte) (data.CacheEntry, error) {
	const op = "cache.Put"

	if int64(len(b)) > c.max {
		return data.CacheEntry{}, errs.E(op, errs.InvalidInput,
			fmt.Errorf("artifact of %d bytes exceeds the cache bound of %d", len(b), c.max))
	}
	if err := c.bucket.WriteAll(ctx, key, b, nil); err != nil {
		return data.CacheEntry{}, fmt.Errorf("write cache artifact: %w", err)
	}
	return c.index(ctx, key, int64(len(b)))
}

// PutReader streams r into the cache under key. The write is abandoned
// once it grows past the bound.
func (c *Cache) PutReader(ctx context.Context, key string, r io.Reader) (data.CacheEntry, error) {
	const op = "cache.PutReader"

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := c.bucket.NewWriter(wctx, key, nil)
	if err != nil {
		return data.CacheEntry{}, fmt.Errorf("open cache writer: %w", err)
	}

	n, err := io.Copy(w, io.LimitReader(r, c.max+1))
	if err == nil && n > c.max {
		err = errs.E(op, errs.InvalidInput, fmt.Errorf("artifact exceeds the cache bound of %d bytes", c.max))
	}
	if err != nil {
		cancel()
		w.Close()
		return data.CacheEntry{}, err
	}
	if err := w.Close(); err != nil {
		return data.CacheEntry{}, fmt.Errorf("write cache artifact: %w", err)
	}
	return c.index(ctx, key, n)
}

// Remove drops key from the cache.
func (c *Cache) Remove(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; !ok {
		return nil
	}
	if err := c.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return errs.E("cache.Remove", errs.EvictionFailure, err)
	}
	c.removeLocked(key)
	c.forget(key)
	return nil
}

// Stats returns the entry count and total size.
func (c *Cache) Stats() (int, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len(), c.size
}

// Keys returns the keys from most to least recently used.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(data.CacheEntry).Key)
	}
	return keys
}

func (c *Cache) index(ctx context.Context, key string, size int64) (data.CacheEntry, error) {
	entry := data.CacheEntry{Key: key, Path: c.path(key), Size: size}

	c.mu.Lock()
	entry.LastAccess = c.now()
	if el, ok := c.items[key]; ok {
		c.size -= el.Value.(data.CacheEntry).Size
		el.Value = entry
		c.ll.MoveToFront(el)
	} else {
		c.items[key] = c.ll.PushFront(entry)
	}
	c.size += size
	err := c.evictLocked(ctx)
	c.mu.Unlock()

	c.remember(entry)
	return entry, err
}

// evictLocked drops least recently used entries until the bound holds.
func (c *Cache) evictLocked(ctx context.Context) error {
	for c.size > c.max {
		el := c.ll.Back()
		if el == nil {
			return nil
		}
		victim := el.Value.(data.CacheEntry)
		if err := c.bucket.Delete(ctx, victim.Key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return errs.E("cache.evict", errs.EvictionFailure, fmt.Errorf("delete %s: %w", victim.Key, err))
		}
		c.removeLocked(victim.Key)
		c.forget(victim.Key)
		c.logger.Debug("evicted cache entry", zap.String("key", victim.Key), zap.Int64("size", victim.Size))
	}
	return nil
}

func (c *Cache) removeLocked(key string) {
	el, ok := c.items[key]
	if !ok {
		return
	}
	c.size -= el.Value.(data.CacheEntry).Size
	c.ll.Remove(el)
	delete(c.items, key)
}

func (c *Cache) remember(e data.CacheEntry) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveCacheEntry(e); err != nil {
		c.logger.Warn("failed to persist cache entry", zap.String("key", e.Key), zap.Error(err))
	}
}

func (c *Cache) forget(key string) {
	if c.store == nil {
		return
	}
	if err := c.store.DeleteCacheEntry(key); err != nil {
		c.logger.Warn("failed to drop cache entry", zap.String("key", key), zap.Error(err))
	}
}
