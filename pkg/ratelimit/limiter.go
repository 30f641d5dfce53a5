// Package ratelimit provides the single admission gate shared by every
// outbound call (auth, catalog, downloads).
//
// The Limiter keeps a sliding log of admission times, so no more than the
// configured number of calls are admitted in any window of Window length.
// Server rejections shrink the effective limit and pause admissions; a run
// of successes restores it.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kerbaras/avatars/pkg/errs"
)

// Config configures a Limiter.
type Config struct {
	// Limit is the baseline number of admissions per Window.
	Limit int `yaml:"limit"`
	// Window is the rolling window length.
	Window time.Duration `yaml:"window"`
	// Backoff is applied when a rejection carries no retry-after hint.
	Backoff Policy `yaml:"backoff"`
	// AcquireTimeout bounds every Acquire call. Zero means only the caller's
	// context applies.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// DefaultConfig returns conservative defaults for the remote API.
func DefaultConfig() Config {
	return Config{
		Limit:          5,
		Window:         time.Second,
		Backoff:        DefaultPolicy(),
		AcquireTimeout: 2 * time.Minute,
	}
}

// Stats is a snapshot of the limiter state.
type Stats struct {
	Limit       int
	Baseline    int
	InWindow    int
	PausedUntil time.Time
}

// Limiter is an adaptive sliding-window throttle.
type Limiter struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	limit       int
	admitted    []time.Time
	pausedUntil time.Time
	backoff     *Backoff
	streak      int

	now     func() time.Time
	onAdmit func(time.Time) // called under mu
}

// New creates a Limiter.
func New(cfg Config, logger *zap.Logger) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		cfg:     cfg,
		logger:  logger,
		limit:   cfg.Limit,
		backoff: NewBackoff(cfg.Backoff),
		now:     time.Now,
	}
}

// Acquire blocks until the call is admitted. It fails with errs.RateLimited
// when ctx is done or the configured acquire timeout elapses first.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.AcquireTimeout)
		defer cancel()
	}

	for {
		if err := ctx.Err(); err != nil {
			return errs.Limited("ratelimit.Acquire", l.retryHint(), err)
		}

		wait := l.tryAdmit()
		if wait == 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errs.Limited("ratelimit.Acquire", l.retryHint(), ctx.Err())
		case <-timer.C:
		}
	}
}

// tryAdmit admits the caller and returns zero, or returns how long to wait
// before trying again.
func (l *Limiter) tryAdmit() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if now.Before(l.pausedUntil) {
		return l.pausedUntil.Sub(now)
	}

	if len(l.admitted) < l.limit {
		l.admitted = append(l.admitted, now)
		if l.onAdmit != nil {
			l.onAdmit(now)
		}
		return 0
	}

	// The oldest admission that keeps us at the limit has to leave the window.
	oldest := l.admitted[len(l.admitted)-l.limit]
	wait := oldest.Add(l.cfg.Window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

func (l *Limiter) prune(now time.Time) {
	i := 0
	for i < len(l.admitted) && now.Sub(l.admitted[i]) >= l.cfg.Window {
		i++
	}
	if i > 0 {
		l.admitted = append(l.admitted[:0], l.admitted[i:]...)
	}
}

func (l *Limiter) retryHint() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d := l.pausedUntil.Sub(l.now()); d > 0 {
		return d
	}
	return 0
}

// Penalize records a server-signalled rate-limit rejection. The effective
// limit is halved. A positive retryAfter pauses admissions for exactly that
// long; otherwise the pause follows the backoff policy.
func (l *Limiter) Penalize(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limit = max(1, l.limit/2)
	l.streak = 0

	wait := retryAfter
	if wait <= 0 {
		wait = l.backoff.Next()
	}
	until := l.now().Add(wait)
	if until.After(l.pausedUntil) {
		l.pausedUntil = until
	}

	l.logger.Warn("rate limited by remote",
		zap.Int("limit", l.limit),
		zap.Duration("pause", wait),
		zap.Bool("server_hint", retryAfter > 0),
	)
}

// Success records a call the remote accepted.
func (l *Limiter) Success() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.backoff.Success()
	if l.limit >= l.cfg.Limit {
		return
	}
	l.streak++
	if l.streak >= max(l.cfg.Backoff.DecayAfter, 1) {
		l.limit++
		l.streak = 0
		l.logger.Debug("rate limit recovering", zap.Int("limit", l.limit))
	}
}

// Stats returns a snapshot of the limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return Stats{
		Limit:       l.limit,
		Baseline:    l.cfg.Limit,
		InWindow:    len(l.admitted),
		PausedUntil: l.pausedUntil,
	}
}
