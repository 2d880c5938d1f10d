// Package retryutil provides a small linear-backoff retry helper used by
// the connection pool's Acquire retry.
//
// It mirrors the shape of retryutils.NewLinear used throughout
// gravitational/teleport (see lib/srv/sessiontracker.go's retryUpdate),
// reimplemented locally because this module does not depend on
// teleport's own api package.
package retryutil

import (
	"math/rand"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// LinearConfig configures a Linear retry.
type LinearConfig struct {
	// First is the first retry delay. Defaults to Step.
	First time.Duration
	// Step is the amount added to the delay after each attempt.
	Step time.Duration
	// Max caps the delay; once reached, further attempts wait Max.
	Max time.Duration
	// Jitter, if set, is applied to each computed delay.
	Jitter Jitter
	// Clock is used to create timers; defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *LinearConfig) CheckAndSetDefaults() error {
	if c.Step <= 0 {
		return trace.BadParameter("Step must be positive")
	}
	if c.Max <= 0 {
		return trace.BadParameter("Max must be positive")
	}
	if c.First == 0 {
		c.First = c.Step
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Jitter perturbs a duration, typically to avoid thundering-herd retries.
type Jitter func(time.Duration) time.Duration

// HalfJitter returns a duration drawn uniformly from [d/2, d].
func HalfJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// Linear is a retry helper that waits an increasing, optionally
// jittered, amount of time between attempts up to a configured cap.
type Linear struct {
	cfg      LinearConfig
	attempt  int
	lastWait time.Duration
}

// NewLinear creates a Linear retry from cfg.
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Linear{cfg: cfg}, nil
}

// Inc advances the retry counter, increasing the next wait duration.
func (r *Linear) Inc() {
	r.attempt++
}

// Duration returns the delay that the next After() channel will fire
// after, taking the current attempt count and jitter into account.
func (r *Linear) Duration() time.Duration {
	d := r.cfg.First + time.Duration(r.attempt)*r.cfg.Step
	if d > r.cfg.Max {
		d = r.cfg.Max
	}
	if r.cfg.Jitter != nil {
		d = r.cfg.Jitter(d)
	}
	r.lastWait = d
	return d
}

// After returns a channel that fires once after the current computed
// delay, using the retry's clock so it is deterministic under test.
func (r *Linear) After() <-chan time.Time {
	return r.cfg.Clock.After(r.Duration())
}

// Reset zeroes the attempt counter.
func (r *Linear) Reset() {
	r.attempt = 0
	r.lastWait = 0
}

// Attempt returns the number of completed Inc() calls.
func (r *Linear) Attempt() int {
	return r.attempt
}
