package exchange

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterBookBurstImmediate(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(5)

	// Should consume the burst without blocking
	for i := 0; i < 4; i++ {
		start := time.Now()
		if err := rl.Book.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() returned error: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Wait() took %v, expected immediate (token %d)", elapsed, i)
		}
	}
}

func TestRateLimiterMinimumBurst(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(0.5)
	if got := rl.Book.Burst(); got != 4 {
		t.Errorf("burst = %d, want 4", got)
	}
}

func TestRateLimiterContextCancelled(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(5)

	// Drain the single auth token
	if err := rl.Auth.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rl.Auth.Wait(ctx); err == nil {
		t.Error("Wait() with cancelled context should return error")
	}
}
