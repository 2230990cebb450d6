package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("http 503: unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetryDoesNotRetrySemanticFailures(t *testing.T) {
	semantic := errors.New("moderation rejected the prompt")
	calls := 0
	err := Retry(context.Background(), time.Millisecond, func(ctx context.Context) error {
		calls++
		return semantic
	})
	if !errors.Is(err, semantic) {
		t.Fatalf("expected semantic error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	transient := errors.New("429 resource exhausted")
	calls := 0
	err := Retry(context.Background(), time.Millisecond, func(ctx context.Context) error {
		calls++
		return transient
	})
	if !errors.Is(err, transient) {
		t.Fatalf("expected transient error after exhaustion, got %v", err)
	}
	if calls != MaxAttempts {
		t.Fatalf("expected %d calls, got %d", MaxAttempts, calls)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, 50*time.Millisecond, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("502 bad gateway")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestTransientClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("429 too many requests"), true},
		{errors.New("rate limit exceeded"), true},
		{errors.New("quota exhausted for project"), true},
		{errors.New("503 service unavailable"), true},
		{errors.New("connection refused"), true},
		{errors.New("moderation rejection"), false},
		{errors.New("invalid argument"), false},
		{context.DeadlineExceeded, false},
	}
	for _, tc := range cases {
		if got := Transient(tc.err); got != tc.want {
			t.Fatalf("Transient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
