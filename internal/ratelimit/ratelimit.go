// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package ratelimit bounds calls to the evaluator to N per rolling minute.
// One Limiter is shared by every worker of a run; callers block until a
// token is available rather than failing.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// Window is the period over which CallsPerMinute is counted.
const Window = time.Minute

// Limiter is a token bucket refilled at N tokens per Window with a burst of N.
type Limiter struct {
	limiter *rate.Limiter
	perMin  int
	onWait  func(time.Duration)
}

// New returns a Limiter admitting cfg.CallsPerMinute calls per minute. A
// non-positive rate disables limiting.
func New(cfg types.RateLimitConfig) *Limiter {
	n := cfg.CallsPerMinute
	if n <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Every(Window/time.Duration(n)), n),
		perMin:  n,
	}
}

// OnWait registers a callback that receives how long each Wait blocked. It
// must be set before the Limiter is shared.
func (l *Limiter) OnWait(fn func(time.Duration)) {
	l.onWait = fn
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limit: %w", err)
	}
	if l.onWait != nil {
		l.onWait(time.Since(start))
	}
	return nil
}

// Allow reports whether a call may proceed now without waiting, consuming a
// token if so.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// CallsPerMinute returns the configured rate, zero when unlimited.
func (l *Limiter) CallsPerMinute() int {
	return l.perMin
}
