// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError reports malformed input: a report, document, or
// configuration that fails schema checks. It is never retried.
type ValidationError struct {
	Subject  string
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("invalid %s", e.Subject)
	}
	return fmt.Sprintf("invalid %s: %s", e.Subject, strings.Join(e.Problems, "; "))
}

// NotFoundError reports a missing entity: an empty report, an unknown
// pillar, a job without a checkpoint.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Kind)
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// TransientError wraps a failure expected to clear on retry (network
// errors, 5xx responses).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitError reports that the evaluator throttled the caller.
// RetryAfter is the server's hint, zero when absent.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	msg := "rate limited"
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %v)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// FatalError reports a failure no retry can fix (authorization, exhausted
// quota). The stage aborts and a checkpoint is written for a human to act on.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// ConflictError describes merge-time content divergence for one document in
// one sub-requirement. It is recorded and resolved, never returned as fatal.
type ConflictError struct {
	SubRequirementID string
	DocumentID       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting evidence for document %q in sub-requirement %q", e.DocumentID, e.SubRequirementID)
}

// StageFailedError reports a pipeline stage that could not complete.
type StageFailedError struct {
	Stage Stage
	Err   error
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageFailedError) Unwrap() error { return e.Err }
