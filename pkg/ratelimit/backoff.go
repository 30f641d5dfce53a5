package ratelimit

import "time"

// Policy parameterises exponential backoff. The same policy family is used
// for global call admission and for per-job download retries.
type Policy struct {
	// Base is the first delay.
	Base time.Duration `yaml:"base"`
	// Max caps every delay.
	Max time.Duration `yaml:"max"`
	// DecayAfter is the number of consecutive successes that lowers the
	// backoff level by one step.
	DecayAfter int `yaml:"decay_after"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		Base:       500 * time.Millisecond,
		Max:        30 * time.Second,
		DecayAfter: 5,
	}
}

// Delay returns Base*2^attempt capped at Max.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		if p.Max > 0 && d >= p.Max {
			break
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Backoff tracks the current backoff level for one scope. It is not safe
// for concurrent use; the owner guards it.
type Backoff struct {
	policy Policy
	level  int
	streak int
}

// NewBackoff creates a Backoff at level zero.
func NewBackoff(p Policy) *Backoff {
	return &Backoff{policy: p}
}

// Next returns the delay for the current level and escalates.
func (b *Backoff) Next() time.Duration {
	d := b.policy.Delay(b.level)
	if b.policy.Max <= 0 || d < b.policy.Max {
		b.level++
	}
	b.streak = 0
	return d
}

// Success records a successful call. After DecayAfter consecutive successes
// the level steps back toward zero.
func (b *Backoff) Success() {
	if b.level == 0 {
		return
	}
	b.streak++
	if b.streak >= max(b.policy.DecayAfter, 1) {
		b.level--
		b.streak = 0
	}
}

// Level returns the current escalation level.
func (b *Backoff) Level() int {
	return b.level
}

// Reset returns to level zero.
func (b *Backoff) Reset() {
	b.level = 0
	b.streak = 0
}
