// Package ratelimit throttles a Fetcher's byte throughput to a configured
// aggregate rate, shared across every task's segment fetches.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	pkgerrors "github.com/forest6511/paradl/pkg/errors"
)

// Limiter is what a Fetcher throttles its stream reads through.
type Limiter interface {
	// Wait blocks until n bytes may be sent, or ctx is done.
	Wait(ctx context.Context, n int) error

	// Allow reports whether n bytes may be sent right now, without blocking.
	Allow(n int) bool

	// Rate returns the current limit in bytes per second, 0 meaning unlimited.
	Rate() int64

	// SetRate changes the limit in place. 0 removes it.
	SetRate(bytesPerSec int64)
}

// BandwidthLimiter is a token-bucket Limiter, safe for concurrent use by
// every segment fetch a task has in flight at once.
type BandwidthLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	maxRate int64
}

// NewBandwidthLimiter builds a limiter capped at maxRate bytes per second.
// maxRate <= 0 means unlimited. The burst equals one second's worth of
// bytes at the configured rate, so a fetch can use a full second's budget
// in one go rather than being smoothed into tiny increments.
func NewBandwidthLimiter(maxRate int64) *BandwidthLimiter {
	bl := &BandwidthLimiter{maxRate: maxRate}
	if maxRate > 0 {
		bl.limiter = rate.NewLimiter(rate.Limit(maxRate), int(maxRate))
	}
	return bl
}

// Wait blocks until n bytes are within budget. A context cancellation while
// waiting is reported as KindCancelled, the same as every other component
// on the fetch path.
func (bl *BandwidthLimiter) Wait(ctx context.Context, n int) error {
	bl.mu.RLock()
	limiter := bl.limiter
	bl.mu.RUnlock()

	if limiter == nil {
		return nil
	}

	if err := limiter.WaitN(ctx, n); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.KindCancelled, "rate limit wait cancelled")
	}
	return nil
}

// Allow reports whether n bytes fit in the bucket without waiting.
func (bl *BandwidthLimiter) Allow(n int) bool {
	bl.mu.RLock()
	limiter := bl.limiter
	bl.mu.RUnlock()

	if limiter == nil {
		return true
	}
	return limiter.AllowN(time.Now(), n)
}

// Rate returns the configured bytes-per-second cap, 0 meaning unlimited.
func (bl *BandwidthLimiter) Rate() int64 {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	return bl.maxRate
}

// SetRate replaces the token bucket at bytesPerSec, dropping accumulated
// burst. bytesPerSec <= 0 removes the limit entirely.
func (bl *BandwidthLimiter) SetRate(bytesPerSec int64) {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	bl.maxRate = bytesPerSec
	if bytesPerSec <= 0 {
		bl.limiter = nil
		return
	}
	bl.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
}

// NullLimiter is the unlimited Limiter a Fetcher gets when no MaxDownloadSpeed is configured.
type NullLimiter struct{}

// NewNullLimiter returns a Limiter that never throttles.
func NewNullLimiter() *NullLimiter {
	return &NullLimiter{}
}

func (nl *NullLimiter) Wait(ctx context.Context, n int) error { return nil }

func (nl *NullLimiter) Allow(n int) bool { return true }

func (nl *NullLimiter) Rate() int64 { return 0 }

func (nl *NullLimiter) SetRate(bytesPerSec int64) {}
