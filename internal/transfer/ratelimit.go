package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/Cutipus/HermesNet/pkg/constants"
)

// Limiter is a token bucket over bytes. Workers wait for tokens before
// pulling chunk data, capping a transfer's (or the whole process's)
// aggregate bytes per second. A nil or zero-rate limiter never blocks.
type Limiter struct {
	mu     sync.Mutex
	rate   float64 // tokens (bytes) added per second
	burst  float64 // bucket capacity
	tokens float64
	last   time.Time
}

// NewLimiter creates a limiter allowing bytesPerSec sustained throughput.
// A non-positive rate means unlimited.
func NewLimiter(bytesPerSec int) *Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := float64(bytesPerSec) * constants.RateBurstSeconds
	return &Limiter{
		rate:   float64(bytesPerSec),
		burst:  burst,
		tokens: burst,
		last:   time.Now(),
	}
}

// Wait blocks until n bytes worth of tokens are available or the context
// is cancelled. Requests larger than the burst are served in bucket-sized
// installments so a huge chunk cannot starve forever.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if l == nil || n <= 0 {
		return nil
	}
	remaining := float64(n)
	for remaining > 0 {
		ask := remaining
		if ask > l.burst {
			ask = l.burst
		}
		delay := l.reserve(ask)
		remaining -= ask
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return nil
}

// reserve takes ask tokens, going into debt if needed, and returns how
// long the caller must wait for the debt to refill.
func (l *Limiter) reserve(ask float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.last = now

	l.tokens -= ask
	if l.tokens >= 0 {
		return 0
	}
	return time.Duration(-l.tokens / l.rate * float64(time.Second))
}
