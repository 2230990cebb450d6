// Package backoff retries transient external-service failures with bounded
// exponential backoff. Semantic failures pass through untouched.
package backoff

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

const (
	// MaxAttempts caps retries per external call.
	MaxAttempts = 3

	defaultBaseDelay = 2 * time.Second
)

// Retry runs fn up to MaxAttempts times, sleeping base, 2*base, ... between
// attempts, but only while Transient reports the error as retryable. The
// context cancels both the waits and further attempts.
func Retry(ctx context.Context, base time.Duration, fn func(ctx context.Context) error) error {
	if base <= 0 {
		base = defaultBaseDelay
	}

	var lastErr error
	delay := base
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Transient(lastErr) {
			return lastErr
		}
		if attempt == MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

// Transient reports whether an error is worth retrying: rate limits, 5xx
// responses and network-level failures. Provider SDKs expose these only as
// strings, so classification is substring based.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429",
		"rate limit",
		"quota",
		"500",
		"502",
		"503",
		"504",
		"internal error",
		"unavailable",
		"connection reset",
		"connection refused",
		"eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
