package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelaySequenceMatchesScenario(t *testing.T) {
	cfg := Config{
		MaxRetries:   3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     80 * time.Millisecond,
		Multiplier:   2.0,
		Strategy:     StrategyExponential,
	}

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	for i, w := range want {
		if got := Delay(i+1, cfg); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

// TestDoStopsAfterMaxRetries matches literal scenario S3: maxRetries=3
// yields retry delays 10/20/40ms and exactly 4 total callback
// invocations (1 initial + 3 retries), no 5th call.
func TestDoStopsAfterMaxRetries(t *testing.T) {
	cfg := Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		Strategy:     StrategyExponential,
	}

	calls := 0
	_, err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("boom")
	})

	if calls != 4 {
		t.Errorf("expected 4 attempts (1 initial + 3 retries), got %d", calls)
	}
	if err == nil {
		t.Fatal("expected an error after exhausting attempts")
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	cfg := DefaultConfig()
	calls := 0
	_, err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		return Permanent{Err: errors.New("do not retry")}
	})
	if calls != 1 {
		t.Errorf("expected 1 attempt for a permanent error, got %d", calls)
	}
	if err == nil {
		t.Fatal("expected an error")
	}
}
