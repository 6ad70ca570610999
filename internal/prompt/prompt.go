// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package prompt asks an operator yes/no questions during a run. Every
// question carries a default, and Ask never waits past the request's
// timeout: an unanswered question resolves to its default.
package prompt

import (
	"context"
	"errors"
	"time"
)

// Request is one yes/no question.
type Request struct {
	Question string
	// Detail is shown under the question (e.g. what an appeal would re-run).
	Detail  string
	Default bool
	// Timeout bounds the wait; zero or less means DefaultTimeout.
	Timeout time.Duration
}

// DefaultTimeout bounds questions whose Request carries no timeout.
var DefaultTimeout = 2 * time.Minute

// Response is the operator's answer.
type Response struct {
	Answer bool
	// Defaulted is set when Answer came from Request.Default because the
	// prompter timed out, failed, or was absent.
	Defaulted bool
}

// Prompter asks a question and waits for an answer or ctx.
type Prompter interface {
	Prompt(ctx context.Context, req Request) (Response, error)
}

// Ask puts req to p and enforces the timeout even when p ignores its
// context. With a nil prompter, a timeout or a prompter error the default
// answer is returned; a prompter error is returned alongside it. Only
// cancellation of ctx itself yields a bare error.
func Ask(ctx context.Context, p Prompter, req Request) (Response, error) {
	fallback := Response{Answer: req.Default, Defaulted: true}
	if err := ctx.Err(); err != nil {
		return fallback, err
	}
	if p == nil {
		return fallback, nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	askCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		resp Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := p.Prompt(askCtx, req)
		ch <- result{resp, err}
	}()

	select {
	case r := <-ch:
		if r.err == nil {
			return r.resp, nil
		}
		if err := ctx.Err(); err != nil {
			return fallback, err
		}
		if errors.Is(r.err, context.DeadlineExceeded) {
			return fallback, nil
		}
		return fallback, r.err
	case <-askCtx.Done():
		if err := ctx.Err(); err != nil {
			return fallback, err
		}
		return fallback, nil
	}
}

// Static answers every question with Answer after an optional Delay. It
// serves non-interactive runs and tests.
type Static struct {
	Answer bool
	Delay  time.Duration
	Err    error
}

// Prompt waits Delay (or ctx) and answers.
func (s Static) Prompt(ctx context.Context, _ Request) (Response, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-t.C:
		}
	}
	if s.Err != nil {
		return Response{}, s.Err
	}
	return Response{Answer: s.Answer}, nil
}
