// Package retry holds the retry budget shared by the transfer engine and the
// task queue.
package retry

import (
	"context"
	"time"

	"github.com/cesargomez89/capsulecache/internal/constants"
)

// Policy bounds how often a failed operation may be attempted again.
type Policy struct {
	// Backoff returns the wait before retry number n (1-based).
	Backoff func(n int) time.Duration
	// Sleep waits for d or until ctx is done. Tests swap it for a no-op.
	Sleep      func(ctx context.Context, d time.Duration) error
	MaxRetries int
}

// Default returns the 2^n seconds policy with maxRetries retries.
func Default(maxRetries int) *Policy {
	return &Policy{
		MaxRetries: maxRetries,
		Backoff:    Exponential(constants.DefaultRetryBase),
		Sleep:      SleepContext,
	}
}

// Exponential returns base * 2^n.
func Exponential(base time.Duration) func(int) time.Duration {
	return func(n int) time.Duration {
		if n < 0 {
			n = 0
		}
		if n > 30 {
			n = 30
		}
		return base * time.Duration(1<<uint(n))
	}
}

// WithMaxRetries returns a copy of p using a different budget.
func (p *Policy) WithMaxRetries(n int) *Policy {
	cp := *p
	cp.MaxRetries = n
	return &cp
}

// Allow reports whether another retry fits in the budget after used retries.
func (p *Policy) Allow(used int) bool {
	return used < p.MaxRetries
}

// Wait sleeps for the backoff of retry number n.
func (p *Policy) Wait(ctx context.Context, n int) error {
	backoff := p.Backoff
	if backoff == nil {
		backoff = Exponential(constants.DefaultRetryBase)
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	return sleep(ctx, backoff(n))
}

// SleepContext waits for d unless ctx is cancelled first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NoSleep returns immediately unless ctx is already done.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
