package upstream

import (
	"context"
	"testing"
	"time"
)

func TestNewRateLimiterFallsBackToDefaultsWhenUnset(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(0, 0)
	if rl.Submit.rate != 5 {
		t.Errorf("Submit.rate = %v, want default 5", rl.Submit.rate)
	}
	if rl.Poll.rate != 10 {
		t.Errorf("Poll.rate = %v, want default 10", rl.Poll.rate)
	}
}

func TestNewRateLimiterHonorsConfiguredRates(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(20, 5)
	if rl.Submit.rate != 20 {
		t.Errorf("Submit.rate = %v, want 20", rl.Submit.rate)
	}
	if rl.Poll.rate != 5 {
		t.Errorf("Poll.rate = %v, want 5", rl.Poll.rate)
	}
}

func TestTokenBucketWaitBlocksUntilRefilled(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 100) // one token burst, fast refill for a quick test
	ctx := context.Background()

	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed <= 0 {
		t.Errorf("second Wait returned instantly, expected to block for a refill")
	}
}

func TestTokenBucketWaitRespectsContextCancellation(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.001) // effectively never refills within the test window
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	if err := tb.Wait(ctx); err == nil {
		t.Fatal("expected context deadline error, got nil")
	}
}
