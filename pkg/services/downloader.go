package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kerbaras/avatars/pkg/auth"
	"github.com/kerbaras/avatars/pkg/cache"
	"github.com/kerbaras/avatars/pkg/data"
	"github.com/kerbaras/avatars/pkg/errs"
	"github.com/kerbaras/avatars/pkg/ratelimit"
	"github.com/kerbaras/avatars/pkg/sources"
	"github.com/kerbaras/avatars/pkg/utils"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("download job not found")

// SessionProvider hands out the current session token.
type SessionProvider interface {
	CurrentToken() (auth.Token, error)
	// Expire marks token as rejected by the server.
	Expire(token auth.Token)
}

// ArtifactCache is the subset of the artifact cache the services use.
type ArtifactCache interface {
	Get(ctx context.Context, key string) (data.CacheEntry, error)
	Open(ctx context.Context, key string) (io.ReadCloser, data.CacheEntry, error)
	Put(ctx context.Context, key string, b []byte) (data.CacheEntry, error)
	PutReader(ctx context.Context, key string, r io.Reader) (data.CacheEntry, error)
}

// HistoryStore records finished jobs.
type HistoryStore interface {
	SaveDownload(job data.DownloadJob) error
}

type DownloadOptions struct {
	// Workers bounds concurrent transfers.
	Workers int
	// MaxRetries bounds the retries of one job after its first attempt.
	MaxRetries int
	Retry      ratelimit.Policy
	// ChunkSize is the read buffer size and progress granularity.
	ChunkSize int
	// IdleTimeout fails an attempt as NetworkTimeout when the stream sends
	// nothing for this long. Zero disables it.
	IdleTimeout time.Duration
	// CacheAssets stores finished assets up to CacheMaxAsset bytes in the
	// artifact cache.
	CacheAssets   bool
	CacheMaxAsset int64
	EventBuffer   int
	Logger        *zap.Logger
}

func DefaultDownloadOptions() DownloadOptions {
	return DownloadOptions{
		Workers:       3,
		MaxRetries:    3,
		Retry:         ratelimit.Policy{Base: time.Second, Max: 30 * time.Second},
		ChunkSize:     32 << 10,
		IdleTimeout:   30 * time.Second,
		CacheMaxAsset: 64 << 20,
		EventBuffer:   100,
	}
}

// DownloadRequest describes one asset to fetch.
type DownloadRequest struct {
	ItemID      string
	Source      string
	Destination string
	// Authenticated sends the session cookies with the request.
	Authenticated bool
}

type DownloadEventType int

const (
	EventJobStateChanged DownloadEventType = iota
	EventJobProgress
	EventJobCompleted
	EventJobFailed
)

func (t DownloadEventType) String() string {
	switch t {
	case EventJobStateChanged:
		return "state_changed"
	case EventJobProgress:
		return "progress"
	case EventJobCompleted:
		return "completed"
	case EventJobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DownloadEvent carries a snapshot of the job at the time of the event.
type DownloadEvent struct {
	Type DownloadEventType
	Job  data.DownloadJob
	Kind errs.Kind // EventJobFailed
}

type job struct {
	snap          data.DownloadJob
	authenticated bool
	backoff       *ratelimit.Backoff
	notBefore     time.Time
	cancel        context.CancelFunc
	// stop is the state requested while the job was transferring.
	stop data.JobState
	done chan struct{}
}

// DownloadManager runs download jobs on a bounded worker pool, retrying
// transient failures with per-job backoff and resuming partial files.
type DownloadManager struct {
	source  sources.Source
	session SessionProvider
	limiter auth.Limiter
	cache   ArtifactCache
	history HistoryStore
	opts    DownloadOptions
	logger  *zap.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	order   []string
	queue   []string
	started bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	wake   chan struct{}
	events chan DownloadEvent
	now    func() time.Time
}

// NewDownloadManager creates a manager. artifacts and history may be nil.
func NewDownloadManager(source sources.Source, session SessionProvider, limiter auth.Limiter,
	artifacts ArtifactCache, history HistoryStore, opts DownloadOptions) *DownloadManager {
	def := DefaultDownloadOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Retry.Base <= 0 {
		opts.Retry = def.Retry
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.IdleTimeout < 0 {
		opts.IdleTimeout = 0
	}
	if opts.CacheMaxAsset <= 0 {
		opts.CacheMaxAsset = def.CacheMaxAsset
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &DownloadManager{
		source:  source,
		session: session,
		limiter: limiter,
		cache:   artifacts,
		history: history,
		opts:    opts,
		logger:  opts.Logger,
		jobs:    make(map[string]*job),
		wake:    make(chan struct{}, opts.Workers),
		events:  make(chan DownloadEvent, opts.EventBuffer),
		now:     time.Now,
	}
}

// Events returns the channel job events are published on. Progress events
// are dropped when the consumer falls behind; Jobs is authoritative.
func (m *DownloadManager) Events() <-chan DownloadEvent {
	return m.events
}

// Start launches the workers. Jobs submitted before Start wait in the queue.
func (m *DownloadManager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	m.group = g
	for i := 0; i < m.opts.Workers; i++ {
		g.Go(func() error {
			return m.worker(gctx)
		})
	}
	m.logger.Debug("download workers started", zap.Int("workers", m.opts.Workers))
}

// Close stops the workers, interrupting transfers in flight, and closes
// the events channel. Interrupted jobs keep their partial files.
func (m *DownloadManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel, g := m.cancel, m.group
	m.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		err = g.Wait()
	}

	m.mu.Lock()
	close(m.events)
	m.mu.Unlock()
	return err
}

// Submit queues a job and returns its id.
func (m *DownloadManager) Submit(req DownloadRequest) (string, error) {
	const op = "downloads.Submit"

	if req.Source == "" {
		return "", errs.E(op, errs.InvalidInput, errors.New("source is required"))
	}
	if req.Destination == "" {
		return "", errs.E(op, errs.InvalidInput, errors.New("destination is required"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", errs.E(op, errs.Cancelled, errors.New("download manager closed"))
	}

	now := m.now()
	j := &job{
		snap: data.DownloadJob{
			ID:          uuid.NewString(),
			ItemID:      req.ItemID,
			Source:      req.Source,
			Destination: req.Destination,
			State:       data.JobQueued,
			BytesTotal:  -1,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		authenticated: req.Authenticated,
		backoff:       ratelimit.NewBackoff(m.opts.Retry),
		done:          make(chan struct{}),
	}
	m.jobs[j.snap.ID] = j
	m.order = append(m.order, j.snap.ID)
	m.enqueueLocked(j)

	m.logger.Info("download queued",
		zap.String("job", j.snap.ID),
		zap.String("destination", req.Destination),
	)
	return j.snap.ID, nil
}

// Job returns a snapshot of one job.
func (m *DownloadManager) Job(id string) (data.DownloadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return data.DownloadJob{}, ErrJobNotFound
	}
	return j.snap, nil
}

// Jobs returns snapshots of all jobs in submission order.
func (m *DownloadManager) Jobs() []data.DownloadJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]data.DownloadJob, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.jobs[id].snap)
	}
	return out
}

// Wait blocks until the job reaches a terminal state or ctx ends.
func (m *DownloadManager) Wait(ctx context.Context, id string) (data.DownloadJob, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return data.DownloadJob{}, ErrJobNotFound
	}

	select {
	case <-j.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return j.snap, nil
	case <-ctx.Done():
		return data.DownloadJob{}, ctx.Err()
	}
}

// Pause stops a queued or running job, keeping its partial file.
func (m *DownloadManager) Pause(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	switch j.snap.State {
	case data.JobQueued:
		m.dequeueLocked(id)
		m.setStateLocked(j, data.JobPaused)
	case data.JobDownloading:
		j.stop = data.JobPaused
		j.cancel()
	case data.JobPaused:
	default:
		return errs.E("downloads.Pause", errs.InvalidInput, fmt.Errorf("job is %s", j.snap.State))
	}
	return nil
}

// Resume requeues a paused job.
func (m *DownloadManager) Resume(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	switch j.snap.State {
	case data.JobPaused:
		j.notBefore = time.Time{}
		m.setStateLocked(j, data.JobQueued)
		m.enqueueLocked(j)
	case data.JobQueued, data.JobDownloading:
	default:
		return errs.E("downloads.Resume", errs.InvalidInput, fmt.Errorf("job is %s", j.snap.State))
	}
	return nil
}

// Cancel stops a job for good and removes its partial file.
// Cancelling a finished job is a no-op.
func (m *DownloadManager) Cancel(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}

	switch j.snap.State {
	case data.JobQueued, data.JobPaused:
		m.dequeueLocked(id)
		removePartial(j.snap.Destination)
		j.snap.BytesTransferred = 0
		m.terminateLocked(j, data.JobCancelled, nil)
		snap := j.snap
		m.mu.Unlock()
		m.record(snap)
		return nil
	case data.JobDownloading:
		j.stop = data.JobCancelled
		j.cancel()
	}
	m.mu.Unlock()
	return nil
}

// Acknowledge forgets a finished job.
func (m *DownloadManager) Acknowledge(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !j.snap.State.Terminal() {
		return errs.E("downloads.Acknowledge", errs.InvalidInput, fmt.Errorf("job is %s", j.snap.State))
	}

	delete(m.jobs, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *DownloadManager) worker(ctx context.Context) error {
	for {
		j, attemptCtx, wait := m.next(ctx)
		if j != nil {
			err := m.attempt(attemptCtx, j)
			m.finish(ctx, j, err)
			continue
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-m.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// next pops the first queued job whose retry delay has elapsed. When none
// is ready it returns the time until the earliest one is.
func (m *DownloadManager) next(ctx context.Context) (*job, context.Context, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return nil, nil, 0
	}

	now := m.now()
	var wait time.Duration
	for i, id := range m.queue {
		j := m.jobs[id]
		if d := j.notBefore.Sub(now); d > 0 {
			if wait == 0 || d < wait {
				wait = d
			}
			continue
		}

		m.queue = append(m.queue[:i:i], m.queue[i+1:]...)
		attemptCtx, cancel := context.WithCancel(ctx)
		j.cancel = cancel
		j.stop = ""
		m.setStateLocked(j, data.JobDownloading)
		return j, attemptCtx, 0
	}
	return nil, nil, wait
}

func partialPath(dest string) string {
	return dest + ".part"
}

func removePartial(dest string) {
	_ = os.Remove(partialPath(dest))
}

// idleReader closes the stream once it has been silent for timeout, which
// unblocks a pending Read.
type idleReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleReader(rc io.ReadCloser, timeout time.Duration) *idleReader {
	r := &idleReader{rc: rc, timeout: timeout}
	r.timer = time.AfterFunc(timeout, func() {
		r.expired.Store(true)
		_ = rc.Close()
	})
	return r
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if r.expired.Load() {
		return n, errs.E("downloads.read", errs.NetworkTimeout, fmt.Errorf("no data for %s", r.timeout))
	}
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

func (r *idleReader) Close() error {
	r.timer.Stop()
	return r.rc.Close()
}

// attempt performs one transfer of j into its partial file and renames it
// into place when complete.
func (m *DownloadManager) attempt(ctx context.Context, j *job) error {
	const op = "downloads.attempt"

	m.mu.Lock()
	id, src, dest := j.snap.ID, j.snap.Source, j.snap.Destination
	authenticated := j.authenticated
	resume := j.snap.BytesTransferred > 0
	m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errs.E(op, errs.DiskWriteFailed, err)
	}

	if m.cache != nil {
		r, entry, err := m.cache.Open(ctx, cache.Key(src))
		if err == nil {
			defer r.Close()
			m.logger.Debug("download served from cache", zap.String("job", id))
			return m.write(ctx, j, r, 0, entry.Size, false)
		}
	}

	var offset int64
	if resume {
		if fi, err := os.Stat(partialPath(dest)); err == nil {
			offset = fi.Size()
		}
	}

	var token *auth.Token
	if authenticated {
		t, err := m.session.CurrentToken()
		if err != nil {
			return err
		}
		token = &t
	}

	if err := m.limiter.Acquire(ctx); err != nil {
		return err
	}
	stream, err := m.source.Open(ctx, token, src, offset)
	if err != nil {
		switch errs.KindOf(err) {
		case errs.RateLimited:
			m.limiter.Penalize(errs.RetryAfter(err))
		case errs.NotAuthenticated:
			m.limiter.Success()
			if token != nil {
				m.session.Expire(*token)
				return errs.E(op, errs.SessionExpired, err)
			}
			return errs.E(op, errs.PermissionDenied, err)
		default:
			if !errs.Retryable(err) {
				m.limiter.Success()
			}
		}
		return err
	}
	m.limiter.Success()
	body := stream.Body
	if m.opts.IdleTimeout > 0 {
		body = newIdleReader(body, m.opts.IdleTimeout)
	}
	defer body.Close()

	if stream.Offset != 0 && stream.Offset != offset {
		removePartial(dest)
		m.progress(j, 0, stream.Total)
		return errs.E(op, errs.Incomplete, fmt.Errorf("server resumed at %d, asked for %d", stream.Offset, offset))
	}
	appendTo := stream.Offset > 0 && stream.Offset == offset
	if err := m.write(ctx, j, body, stream.Offset, stream.Total, appendTo); err != nil {
		return err
	}

	if m.opts.CacheAssets && m.cache != nil {
		m.store(ctx, src, dest)
	}
	return nil
}

// write copies body into the partial file starting at offset, verifies the
// size against total and moves the file to its destination.
func (m *DownloadManager) write(ctx context.Context, j *job, body io.Reader, offset, total int64, appendTo bool) error {
	const op = "downloads.write"

	m.mu.Lock()
	dest := j.snap.Destination
	m.mu.Unlock()
	part := partialPath(dest)

	flags := os.O_CREATE | os.O_WRONLY
	written := offset
	if appendTo {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		written = 0
	}
	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return errs.E(op, errs.DiskWriteFailed, err)
	}

	m.progress(j, written, total)

	buf := make([]byte, m.opts.ChunkSize)
	for {
		if ctx.Err() != nil {
			f.Close()
			return errs.E(op, errs.Cancelled, ctx.Err())
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return errs.E(op, errs.DiskWriteFailed, werr)
			}
			written += int64(n)
			m.progress(j, written, total)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			switch {
			case ctx.Err() != nil:
				return errs.E(op, errs.Cancelled, ctx.Err())
			case errs.Is(rerr, errs.NetworkTimeout):
				return rerr
			case errors.Is(rerr, io.ErrUnexpectedEOF):
				return errs.E(op, errs.Incomplete, rerr)
			default:
				return utils.ClassifyTransport(op, rerr)
			}
		}
	}

	if err := f.Close(); err != nil {
		return errs.E(op, errs.DiskWriteFailed, err)
	}

	if total >= 0 && written != total {
		if written > total {
			// the partial file cannot be trusted, start over next time
			removePartial(dest)
			m.progress(j, 0, total)
		}
		return errs.E(op, errs.Incomplete, fmt.Errorf("received %d of %d bytes", written, total))
	}

	if err := os.Rename(part, dest); err != nil {
		return errs.E(op, errs.DiskWriteFailed, err)
	}
	return nil
}

// store copies a finished asset into the artifact cache.
func (m *DownloadManager) store(ctx context.Context, src, dest string) {
	fi, err := os.Stat(dest)
	if err != nil || fi.Size() > m.opts.CacheMaxAsset {
		return
	}
	f, err := os.Open(dest)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := m.cache.PutReader(ctx, cache.Key(src), f); err != nil {
		m.logger.Warn("failed to cache asset", zap.String("destination", dest), zap.Error(err))
	}
}

func (m *DownloadManager) progress(j *job, written, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j.snap.BytesTransferred = written
	j.snap.BytesTotal = total
	j.snap.UpdatedAt = m.now()
	m.emitLocked(DownloadEvent{Type: EventJobProgress, Job: j.snap})
}

// finish moves j out of the downloading state according to the outcome of
// its last attempt.
func (m *DownloadManager) finish(ctx context.Context, j *job, err error) {
	m.mu.Lock()
	j.cancel()
	j.cancel = func() {}

	var final *data.DownloadJob
	switch {
	case err == nil:
		m.terminateLocked(j, data.JobCompleted, nil)
		final = &j.snap

	case j.stop == data.JobCancelled:
		removePartial(j.snap.Destination)
		j.snap.BytesTransferred = 0
		m.terminateLocked(j, data.JobCancelled, nil)
		final = &j.snap

	case j.stop == data.JobPaused && (errs.Is(err, errs.Cancelled) || errs.Retryable(err)):
		m.setStateLocked(j, data.JobPaused)

	case ctx.Err() != nil:
		// shutting down; the job stays resumable
		j.snap.State = data.JobQueued

	case errs.Retryable(err):
		if j.snap.RetryCount >= m.opts.MaxRetries {
			removePartial(j.snap.Destination)
			m.failLocked(j, errs.E("downloads.Run", errs.RetriesExhausted, err))
			final = &j.snap
			break
		}
		j.snap.RetryCount++
		delay := max(j.backoff.Next(), errs.RetryAfter(err))
		j.notBefore = m.now().Add(delay)
		j.snap.LastErrorKind = string(errs.KindOf(err))
		j.snap.LastError = err.Error()
		m.logger.Info("download retry scheduled",
			zap.String("job", j.snap.ID),
			zap.Int("retry", j.snap.RetryCount),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		m.setStateLocked(j, data.JobQueued)
		m.enqueueLocked(j)

	default:
		removePartial(j.snap.Destination)
		m.failLocked(j, err)
		final = &j.snap
	}

	var snap data.DownloadJob
	if final != nil {
		snap = *final
	}
	m.mu.Unlock()

	if final != nil {
		m.record(snap)
	}
}

func (m *DownloadManager) failLocked(j *job, err error) {
	m.logger.Warn("download failed", zap.String("job", j.snap.ID), zap.Error(err))
	m.terminateLocked(j, data.JobFailed, err)
}

func (m *DownloadManager) terminateLocked(j *job, state data.JobState, err error) {
	j.snap.State = state
	j.snap.UpdatedAt = m.now()
	if err != nil {
		j.snap.LastErrorKind = string(errs.KindOf(err))
		j.snap.LastError = err.Error()
	}
	close(j.done)

	switch state {
	case data.JobCompleted:
		j.snap.LastErrorKind, j.snap.LastError = "", ""
		m.logger.Info("download completed",
			zap.String("job", j.snap.ID),
			zap.Int64("bytes", j.snap.BytesTransferred),
		)
		m.emitLocked(DownloadEvent{Type: EventJobCompleted, Job: j.snap})
	case data.JobFailed:
		m.emitLocked(DownloadEvent{Type: EventJobFailed, Job: j.snap, Kind: errs.KindOf(err)})
	default:
		m.emitLocked(DownloadEvent{Type: EventJobStateChanged, Job: j.snap})
	}
}

func (m *DownloadManager) setStateLocked(j *job, state data.JobState) {
	j.snap.State = state
	j.snap.UpdatedAt = m.now()
	m.emitLocked(DownloadEvent{Type: EventJobStateChanged, Job: j.snap})
}

func (m *DownloadManager) enqueueLocked(j *job) {
	m.queue = append(m.queue, j.snap.ID)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *DownloadManager) dequeueLocked(id string) {
	for i, qid := range m.queue {
		if qid == id {
			m.queue = append(m.queue[:i:i], m.queue[i+1:]...)
			return
		}
	}
}

func (m *DownloadManager) record(job data.DownloadJob) {
	if m.history == nil {
		return
	}
	if err := m.history.SaveDownload(job); err != nil {
		m.logger.Warn("failed to record download", zap.String("job", job.ID), zap.Error(err))
	}
}

// emitLocked sends without blocking, like progress updates always have.
func (m *DownloadManager) emitLocked(ev DownloadEvent) {
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	default:
	}
}
