package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultBackoffInitial    = 30 * time.Second
	DefaultBackoffMax        = 5 * time.Minute
	DefaultBackoffMultiplier = 2.0
	DefaultBackoffJitter     = 0.2
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the randomization factor in [0,1). Zero gives exact delays.
	Jitter float64
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Initial <= 0 {
		c.Initial = DefaultBackoffInitial
	}
	if c.Max <= 0 {
		c.Max = DefaultBackoffMax
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultBackoffMultiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = DefaultBackoffJitter
	}
	return c
}

// Backoff produces capped exponential delays with jitter and sleeps them.
// It never gives up on its own; callers stop by cancelling ctx.
type Backoff struct {
	policy *backoff.ExponentialBackOff
	sleep  SleepFunc
}

type BackoffOption func(*Backoff)

// WithClock drives elapsed-time bookkeeping from clock instead of wall time.
func WithClock(clock backoff.Clock) BackoffOption {
	return func(b *Backoff) {
		b.policy.Clock = clock
	}
}

// WithSleeper replaces the timer based sleep, mostly for tests.
func WithSleeper(fn SleepFunc) BackoffOption {
	return func(b *Backoff) {
		b.sleep = fn
	}
}

func NewBackoff(cfg BackoffConfig, opts ...BackoffOption) *Backoff {
	cfg = cfg.withDefaults()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.Initial
	policy.MaxInterval = cfg.Max
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.Jitter
	policy.MaxElapsedTime = 0

	b := &Backoff{policy: policy, sleep: Sleep}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.policy.Reset()
	return b
}

// Next returns the next delay without sleeping.
func (b *Backoff) Next() time.Duration {
	d := b.policy.NextBackOff()
	if d == backoff.Stop {
		return b.policy.MaxInterval
	}
	return d
}

// Wait sleeps for the next delay and returns it.
func (b *Backoff) Wait(ctx context.Context) (time.Duration, error) {
	d := b.Next()
	if err := b.sleep(ctx, d); err != nil {
		return d, err
	}
	return d, nil
}

// Reset restarts the sequence at the initial delay.
func (b *Backoff) Reset() {
	b.policy.Reset()
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
