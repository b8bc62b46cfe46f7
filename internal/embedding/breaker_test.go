package embedding

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errProbe = errors.New("provider failed")

func failing() (interface{}, error) { return nil, errProbe }
func succeeding() (interface{}, error) { return "ok", nil }

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreakerWithConfig(BreakerConfig{
		MaxFailures:          3,
		Timeout:              time.Minute,
		HalfOpenMaxSuccesses: 1,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := b.Execute(ctx, failing); !errors.Is(err, errProbe) {
			t.Fatalf("failure %d: err = %v", i, err)
		}
	}
	if got := b.State(); got != "open" {
		t.Fatalf("state after 3 failures = %q, want open", got)
	}

	_, err := b.Execute(ctx, succeeding)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open circuit returned %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := NewBreakerWithConfig(BreakerConfig{
		MaxFailures:          3,
		Timeout:              time.Minute,
		HalfOpenMaxSuccesses: 1,
	})
	ctx := context.Background()

	_, _ = b.Execute(ctx, failing)
	_, _ = b.Execute(ctx, failing)
	if _, err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("success through closed circuit: %v", err)
	}
	_, _ = b.Execute(ctx, failing)
	_, _ = b.Execute(ctx, failing)

	if got := b.State(); got != "closed" {
		t.Fatalf("state = %q, want closed (streak was broken)", got)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := NewBreakerWithConfig(BreakerConfig{
		MaxFailures:          1,
		Timeout:              20 * time.Millisecond,
		HalfOpenMaxSuccesses: 1,
	})
	ctx := context.Background()

	_, _ = b.Execute(ctx, failing)
	if got := b.State(); got != "open" {
		t.Fatalf("state = %q, want open", got)
	}

	time.Sleep(30 * time.Millisecond)

	if _, err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if got := b.State(); got != "closed" {
		t.Fatalf("state after successful probe = %q, want closed", got)
	}
}

func TestBreakerCancelledContext(t *testing.T) {
	b := NewBreaker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Execute(ctx, succeeding)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestBreakerMetrics(t *testing.T) {
	b := NewBreaker()
	ctx := context.Background()

	_, _ = b.Execute(ctx, succeeding)
	_, _ = b.Execute(ctx, succeeding)
	_, _ = b.Execute(ctx, failing)

	m := b.Metrics()
	if m.TotalRequests != 3 {
		t.Errorf("TotalRequests = %d, want 3", m.TotalRequests)
	}
	if m.TotalSuccesses != 2 {
		t.Errorf("TotalSuccesses = %d, want 2", m.TotalSuccesses)
	}
	if m.TotalFailures != 1 {
		t.Errorf("TotalFailures = %d, want 1", m.TotalFailures)
	}
	if m.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", m.ConsecutiveFailures)
	}
}
