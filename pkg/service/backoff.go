package service

import (
	"math/rand"
	"sync"
	"time"
)

// Redial pacing defaults.
const (
	DefaultRedialInitial    = 1 * time.Second
	DefaultRedialMax        = 60 * time.Second
	DefaultRedialMultiplier = 2.0
	DefaultRedialJitter     = 0.25
)

// BackoffConfig overrides redial pacing. Zero values take the
// defaults above; a negative Jitter disables jitter entirely.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Backoff paces redial attempts. Delays grow exponentially up to the
// cap, with random jitter added on top; Reset after a successful
// connect starts the sequence over.
type Backoff struct {
	mu       sync.Mutex
	base     time.Duration
	attempts int

	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
	rng        *rand.Rand
}

// NewBackoff returns a pacer with cfg applied over the defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultRedialInitial
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultRedialMax
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = DefaultRedialMultiplier
	}
	if cfg.Jitter == 0 {
		cfg.Jitter = DefaultRedialJitter
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Backoff{
		base:       cfg.Initial,
		initial:    cfg.Initial,
		max:        cfg.Max,
		multiplier: cfg.Multiplier,
		jitter:     cfg.Jitter,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next attempt and advances the
// sequence.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.base
	if b.jitter > 0 {
		delay += time.Duration(float64(delay) * b.jitter * b.rng.Float64())
	}

	b.attempts++
	grown := time.Duration(float64(b.base) * b.multiplier)
	if grown > b.max {
		grown = b.max
	}
	b.base = grown

	return delay
}

// Reset starts the sequence over from the initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.base = b.initial
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last
// reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Current returns the next base delay without jitter or advancing.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base
}
