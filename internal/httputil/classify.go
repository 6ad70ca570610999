// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package httputil maps HTTP responses and transport failures onto the
// pipeline's error taxonomy so the retry policy can act on them.
package httputil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// maxBodyInError bounds how much of a response body is quoted in errors.
const maxBodyInError = 512

// ClassifyStatus maps a non-2xx response to the pipeline's error taxonomy:
//
//	429                 RateLimitError (Retry-After honoured)
//	408, 5xx, 529       TransientError
//	400, 404, 413, 422  ValidationError
//	401, 402, 403       FatalError
//
// Any other status is treated as transient. A 2xx status returns nil.
func ClassifyStatus(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	cause := fmt.Errorf("HTTP %d: %s", code, snippet(body))

	switch {
	case code == http.StatusTooManyRequests:
		return &types.RateLimitError{
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:        cause,
		}
	case code == http.StatusUnauthorized, code == http.StatusPaymentRequired, code == http.StatusForbidden:
		return &types.FatalError{Err: cause}
	case code == http.StatusBadRequest, code == http.StatusNotFound,
		code == http.StatusRequestEntityTooLarge, code == http.StatusUnprocessableEntity:
		return &types.ValidationError{Subject: "request", Problems: []string{cause.Error()}}
	default:
		return &types.TransientError{Err: cause}
	}
}

// ClassifyTransport maps a client.Do error. Context cancellation passes
// through unchanged; every other transport failure is transient.
func ClassifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &types.TransientError{Err: err}
}

// ParseRetryAfter reads a Retry-After header given either as seconds or as
// an HTTP date. Missing or unparseable values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxBodyInError {
		s = s[:maxBodyInError] + "..."
	}
	if s == "" {
		return "(empty body)"
	}
	return s
}
