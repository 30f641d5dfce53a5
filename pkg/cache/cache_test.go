package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/kerbaras/avatars/pkg/data"
	"github.com/kerbaras/avatars/pkg/errs"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]data.CacheEntry
}

func newMemStore() *memStore {
	return &memStore{entries: map[string]data.CacheEntry{}}
}

func (s *memStore) SaveCacheEntry(e data.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Key] = e
	return nil
}

func (s *memStore) DeleteCacheEntry(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *memStore) ListCacheEntries() ([]data.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []data.CacheEntry
	for _, e := range s.entries {
		out = append(out, e)
	}
	// least recently used first
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LastAccess.Before(out[j-1].LastAccess); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func newMemCache(t *testing.T, max int64, store IndexStore) *Cache {
	t.Helper()
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { bucket.Close() })

	c := New(bucket, Options{MaxBytes: max, Store: store})
	// strictly increasing clock so LRU order never ties
	tick := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return c
}

func TestKeyIsStableHex(t *testing.T) {
	k := Key("https://example.com/a.png")
	assert.Len(t, k, 64)
	assert.Equal(t, k, Key("https://example.com/a.png"))
	assert.NotEqual(t, k, Key("https://example.com/b.png"))
}

func TestGetMiss(t *testing.T) {
	c := newMemCache(t, 100, nil)

	_, err := c.Get(context.Background(), Key("nothing"))
	assert.ErrorIs(t, err, ErrMiss)
}

func TestPutAndGet(t *testing.T) {
	c := newMemCache(t, 100, nil)
	ctx := context.Background()

	_, err := c.Put(ctx, "k", []byte("hello"))
	require.NoError(t, err)

	entry, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(5), entry.Size)

	r, _, err := c.Open(ctx, "k")
	require.NoError(t, err)
	defer r.Close()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestBoundEvictsLeastRecentlyUsed(t *testing.T) {
	store := newMemStore()
	c := newMemCache(t, 10, store)
	ctx := context.Background()

	_, err := c.Put(ctx, "a", bytes.Repeat([]byte("a"), 4))
	require.NoError(t, err)
	_, err = c.Put(ctx, "b", bytes.Repeat([]byte("b"), 4))
	require.NoError(t, err)

	// touch a so b becomes the eviction candidate
	_, err = c.Get(ctx, "a")
	require.NoError(t, err)

	_, err = c.Put(ctx, "c", bytes.Repeat([]byte("c"), 4))
	require.NoError(t, err)

	_, err = c.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = c.Get(ctx, "a")
	assert.NoError(t, err)

	n, size := c.Stats()
	assert.Equal(t, 2, n)
	assert.LessOrEqual(t, size, int64(10))
	assert.Equal(t, []string{"a", "c"}, c.Keys())

	_, persisted := store.entries["b"]
	assert.False(t, persisted, "evicted entry removed from the index store")
}

func TestTotalSizeNeverExceedsBound(t *testing.T) {
	c := newMemCache(t, 50, nil)
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		_, err := c.Put(ctx, Key(strings.Repeat("x", i)), bytes.Repeat([]byte("z"), 1+i%13))
		require.NoError(t, err)
		_, size := c.Stats()
		assert.LessOrEqual(t, size, int64(50))
	}
}

func TestPutReplacesExistingEntry(t *testing.T) {
	c := newMemCache(t, 100, nil)
	ctx := context.Background()

	_, err := c.Put(ctx, "k", []byte("12345"))
	require.NoError(t, err)
	_, err = c.Put(ctx, "k", []byte("12"))
	require.NoError(t, err)

	n, size := c.Stats()
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(2), size)
}

func TestOversizeArtifactRejected(t *testing.T) {
	c := newMemCache(t, 4, nil)
	ctx := context.Background()

	_, err := c.Put(ctx, "big", []byte("12345"))
	assert.True(t, errs.Is(err, errs.InvalidInput))

	_, err = c.PutReader(ctx, "big", strings.NewReader("123456789"))
	assert.True(t, errs.Is(err, errs.InvalidInput))

	n, _ := c.Stats()
	assert.Zero(t, n)
}

func TestPutReader(t *testing.T) {
	c := newMemCache(t, 100, nil)
	ctx := context.Background()

	entry, err := c.PutReader(ctx, "k", strings.NewReader("streamed"))
	require.NoError(t, err)
	assert.Equal(t, int64(8), entry.Size)

	_, err = c.Get(ctx, "k")
	assert.NoError(t, err)
}

func TestMissingArtifactIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	c, err := OpenDir(dir, Options{MaxBytes: 100, Store: store})
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	entry, err := c.Put(ctx, Key("ref"), []byte("thumb"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, Key("ref")), entry.Path)

	require.NoError(t, os.Remove(entry.Path))

	_, err = c.Get(ctx, Key("ref"))
	assert.True(t, errs.Is(err, errs.CorruptEntry))

	_, err = c.Get(ctx, Key("ref"))
	assert.ErrorIs(t, err, ErrMiss, "corrupt entry is dropped")
	assert.Empty(t, store.entries)
}

func TestLoadRestoresIndex(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	ctx := context.Background()

	c, err := OpenDir(dir, Options{MaxBytes: 100, Store: store})
	require.NoError(t, err)
	_, err = c.Put(ctx, "old", []byte("1111"))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = c.Put(ctx, "new", []byte("2222"))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	// an index entry without an artifact is discarded on load
	store.entries["ghost"] = data.CacheEntry{Key: "ghost", Size: 3, LastAccess: time.Now()}

	reopened, err := OpenDir(dir, Options{MaxBytes: 100, Store: store})
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Load(ctx))

	assert.Equal(t, []string{"new", "old"}, reopened.Keys())
	_, size := reopened.Stats()
	assert.Equal(t, int64(8), size)
	_, ghost := store.entries["ghost"]
	assert.False(t, ghost)
}

func TestLoadEnforcesSmallerBound(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	ctx := context.Background()

	c, err := OpenDir(dir, Options{MaxBytes: 100, Store: store})
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		_, err := c.Put(ctx, k, []byte("12345"))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, c.Close())

	smaller, err := OpenDir(dir, Options{MaxBytes: 10, Store: store})
	require.NoError(t, err)
	defer smaller.Close()
	require.NoError(t, smaller.Load(ctx))

	assert.Equal(t, []string{"c", "b"}, smaller.Keys())
}

func TestRemove(t *testing.T) {
	c := newMemCache(t, 100, nil)
	ctx := context.Background()

	_, err := c.Put(ctx, "k", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, c.Remove(ctx, "k"))
	require.NoError(t, c.Remove(ctx, "k"))

	_, err = c.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrMiss))
}
