package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/picstash/picstash/pkg/errors"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeProviderError,
			errors.ErrCodeProviderTimeout,
		},
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	r := New(fastConfig())

	calls := 0
	err := r.Do(func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesRetryableCode(t *testing.T) {
	r := New(fastConfig())

	calls := 0
	err := r.Do(func() error {
		calls++
		if calls < 3 {
			return errors.New(errors.ErrCodeProviderError, "transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnNonRetryableCode(t *testing.T) {
	r := New(fastConfig())

	calls := 0
	err := r.Do(func() error {
		calls++
		return errors.New(errors.ErrCodeContentRejected, "nsfw")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("non-retryable code must not be retried, got %d calls", calls)
	}
	if !errors.HasCode(err, errors.ErrCodeContentRejected) {
		t.Errorf("original error should surface unchanged, got %v", err)
	}
}

func TestDoStopsOnUnstructuredError(t *testing.T) {
	r := New(fastConfig())

	calls := 0
	err := r.Do(func() error {
		calls++
		return fmt.Errorf("plain failure")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("unstructured errors are not retried, got %d calls", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	r := New(fastConfig())

	calls := 0
	err := r.Do(func() error {
		calls++
		return errors.New(errors.ErrCodeProviderTimeout, "still down")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if !errors.HasCode(err, errors.ErrCodeProviderTimeout) {
		t.Errorf("final error should wrap the last failure, got %v", err)
	}
}

func TestDoWithContextCanceled(t *testing.T) {
	r := New(fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := r.DoWithContext(ctx, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err == nil {
		t.Fatal("expected error for canceled context")
	}
	if calls != 0 {
		t.Errorf("canceled context must prevent the attempt, got %d calls", calls)
	}
}

func TestOnRetryCallback(t *testing.T) {
	cfg := fastConfig()
	var attempts []int
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}

	r := New(cfg)
	r.Do(func() error {
		return errors.New(errors.ErrCodeProviderError, "down")
	})

	if len(attempts) != 2 {
		t.Fatalf("expected 2 retry callbacks for 3 attempts, got %d", len(attempts))
	}
	if attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("unexpected attempt numbers: %v", attempts)
	}
}

func TestCalculateDelayBackoff(t *testing.T) {
	r := New(Config{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
		Multiplier:   2.0,
	})

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{4, 40 * time.Millisecond}, // capped at MaxDelay
	}
	for _, tt := range tests {
		if got := r.calculateDelay(tt.attempt); got != tt.expected {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.expected, got)
		}
	}
}

func TestCalculateDelayJitterBounds(t *testing.T) {
	cfg := fastConfig()
	cfg.Jitter = true
	cfg.InitialDelay = 100 * time.Millisecond
	cfg.MaxDelay = time.Second
	r := New(cfg)

	for i := 0; i < 100; i++ {
		d := r.calculateDelay(1)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±20%% of 100ms", d)
		}
	}
}

func TestWithMaxAttempts(t *testing.T) {
	r := New(fastConfig()).WithMaxAttempts(1)

	calls := 0
	r.Do(func() error {
		calls++
		return errors.New(errors.ErrCodeProviderError, "down")
	})
	if calls != 1 {
		t.Errorf("expected single attempt, got %d", calls)
	}
}
