package segrep

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles outbound segment bytes. Pause blocks the calling
// goroutine until the given byte budget is admitted.
type RateLimiter interface {
	// MinPauseCheckBytes returns how many bytes a caller may accumulate
	// before it must call Pause.
	MinPauseCheckBytes() int64

	// Pause blocks until n bytes are admitted and returns the time spent
	// waiting. Honors ctx cancellation.
	Pause(ctx context.Context, n int64) (time.Duration, error)
}

var _ RateLimiter = (*TokenRateLimiter)(nil)

// TokenRateLimiter is a token-bucket RateLimiter that can be reconfigured
// live. A zero or negative rate disables throttling.
type TokenRateLimiter struct {
	mu          sync.Mutex
	bytesPerSec int64
	lim         *rate.Limiter // nil when unlimited
}

// NewTokenRateLimiter returns a limiter admitting bytesPerSec bytes per second.
func NewTokenRateLimiter(bytesPerSec int64) *TokenRateLimiter {
	l := &TokenRateLimiter{}
	l.SetRate(bytesPerSec)
	return l
}

// Rate returns the currently configured rate in bytes per second.
func (l *TokenRateLimiter) Rate() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bytesPerSec
}

// SetRate reconfigures the limiter. Safe to call while transfers are running.
func (l *TokenRateLimiter) SetRate(bytesPerSec int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.bytesPerSec = bytesPerSec
	if bytesPerSec <= 0 {
		l.lim = nil
		return
	}

	// Burst is one second's worth of bytes so a full-rate pause never
	// exceeds roughly one second per call.
	if l.lim == nil {
		l.lim = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
	} else {
		l.lim.SetLimit(rate.Limit(bytesPerSec))
		l.lim.SetBurst(int(bytesPerSec))
	}
}

// MinPauseCheckBytes returns 1% of the configured rate, so that callers pause
// roughly 100 times per second at full throughput.
func (l *TokenRateLimiter) MinPauseCheckBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.bytesPerSec <= 0 {
		return math.MaxInt64
	}
	n := l.bytesPerSec / 100
	if n < 1 {
		n = 1
	}
	return n
}

// Pause blocks until n bytes are admitted by the token bucket. Requests
// larger than the burst are admitted in burst-sized batches.
func (l *TokenRateLimiter) Pause(ctx context.Context, n int64) (time.Duration, error) {
	l.mu.Lock()
	lim := l.lim
	l.mu.Unlock()

	if lim == nil || n <= 0 {
		return 0, nil
	}

	start := time.Now()
	for n > 0 {
		batch := n
		if b := int64(lim.Burst()); batch > b {
			batch = b
		}
		if err := lim.WaitN(ctx, int(batch)); err != nil {
			return time.Since(start), err
		}
		n -= batch
	}
	return time.Since(start), nil
}
