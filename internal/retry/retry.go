// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package retry runs an operation with bounded, classified retries.
//
// Rate-limit errors back off from a longer base delay, honour the server's
// Retry-After hint, and draw on their own attempt budget. Transient and
// unclassified errors use the standard budget. Fatal and validation errors
// are returned immediately. When a budget runs out the last error is
// returned wrapped in ErrExhausted.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// ErrExhausted marks an operation that failed on every allowed attempt.
var ErrExhausted = errors.New("retries exhausted")

// Kind classifies an error for retry purposes.
type Kind string

const (
	KindNone      Kind = ""
	KindRateLimit Kind = "rate_limit"
	KindTransient Kind = "transient"
	KindFatal     Kind = "fatal"
	KindInvalid   Kind = "validation"
	KindCancelled Kind = "cancelled"
)

// Classify returns the retry kind of err.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var (
		rl  *types.RateLimitError
		fat *types.FatalError
		val *types.ValidationError
		tr  *types.TransientError
	)
	switch {
	case errors.As(err, &fat):
		return KindFatal
	case errors.As(err, &val):
		return KindInvalid
	case errors.As(err, &rl):
		return KindRateLimit
	case errors.As(err, &tr):
		return KindTransient
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindTransient
	}
}

// Policy holds the retry budgets and delays.
type Policy struct {
	MaxAttempts        int
	BaseDelay          time.Duration
	RateLimitAttempts  int
	RateLimitBaseDelay time.Duration
	MaxDelay           time.Duration

	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(kind Kind, attempt int, delay time.Duration, err error)

	Logger *zap.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// FromConfig builds a Policy from configuration, filling zero fields with
// defaults.
func FromConfig(cfg types.RetryConfig, logger *zap.Logger) *Policy {
	p := &Policy{
		MaxAttempts:        cfg.MaxAttempts,
		BaseDelay:          cfg.BaseDelay,
		RateLimitAttempts:  cfg.RateLimitAttempts,
		RateLimitBaseDelay: cfg.RateLimitBaseDelay,
		MaxDelay:           cfg.MaxDelay,
		Logger:             logger,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.RateLimitAttempts <= 0 {
		p.RateLimitAttempts = 5
	}
	if p.RateLimitBaseDelay <= 0 {
		p.RateLimitBaseDelay = 10 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Minute
	}
	return p
}

// Do calls op until it succeeds, returns a non-retryable error, or a budget
// runs out. Each budget counts total attempts of its kind.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var transient, limited int
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}

		kind := Classify(err)
		var (
			attempt int
			budget  int
			delay   time.Duration
		)
		switch kind {
		case KindRateLimit:
			limited++
			attempt, budget = limited, p.RateLimitAttempts
			delay = p.backoff(p.RateLimitBaseDelay, limited)
			var rl *types.RateLimitError
			if errors.As(err, &rl) && rl.RetryAfter > delay {
				delay = rl.RetryAfter
			}
		case KindTransient:
			transient++
			attempt, budget = transient, p.MaxAttempts
			delay = p.backoff(p.BaseDelay, transient)
		default:
			return err
		}

		if attempt >= budget {
			return fmt.Errorf("%w after %d %s attempts: %w", ErrExhausted, attempt, kind, err)
		}
		if ctx.Err() != nil {
			return err
		}

		logger.Warn("retrying after error",
			zap.String("kind", string(kind)),
			zap.Int("attempt", attempt),
			zap.Int("budget", budget),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if p.OnRetry != nil {
			p.OnRetry(kind, attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return err
		}
	}
}

// backoff doubles base per prior attempt, capped at MaxDelay.
func (p *Policy) backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
