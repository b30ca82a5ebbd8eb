package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/Cutipus/HermesNet/pkg/constants"
)

func TestNewLimiterUnlimited(t *testing.T) {
	if NewLimiter(0) != nil {
		t.Error("Zero rate should return a nil limiter")
	}
	if NewLimiter(-1) != nil {
		t.Error("Negative rate should return a nil limiter")
	}
	var l *Limiter
	if err := l.Wait(context.Background(), 1<<30); err != nil {
		t.Errorf("Nil limiter Wait = %v, want nil", err)
	}
}

func TestReserveWithinBurst(t *testing.T) {
	l := NewLimiter(1000)
	burst := 1000.0 * constants.RateBurstSeconds

	if delay := l.reserve(burst); delay != 0 {
		t.Errorf("Full-burst reserve delayed %v, want 0", delay)
	}
	// The bucket is now empty; the next ask goes into debt and must wait
	// roughly ask/rate.
	delay := l.reserve(500)
	if delay <= 0 {
		t.Fatal("Reserve against an empty bucket did not delay")
	}
	want := 500 * time.Millisecond
	if delay > want+50*time.Millisecond {
		t.Errorf("Debt delay = %v, want about %v", delay, want)
	}
}

func TestWaitHonorsCancellation(t *testing.T) {
	l := NewLimiter(10)
	// Drain the bucket so the next Wait must sleep.
	l.reserve(10 * constants.RateBurstSeconds)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := l.Wait(ctx, 100); err != context.Canceled {
		t.Errorf("Wait = %v, want context.Canceled", err)
	}
}

func TestWaitFastPath(t *testing.T) {
	// A fresh bucket covers a burst-sized request without sleeping.
	l := NewLimiter(1 << 20)
	start := time.Now()
	if err := l.Wait(context.Background(), int(l.burst)); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Wait slept with a full bucket")
	}
}
