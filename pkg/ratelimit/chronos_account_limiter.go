// Package ratelimit throttles Google API traffic per account and per user.
package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// =============================================================================
// Account Limiter
// =============================================================================

const (
	// MaxConcurrentPerAccount bounds in-flight Google calls for one account.
	MaxConcurrentPerAccount = 3

	// MaxRetries is the total number of attempts WithRetry makes.
	MaxRetries = 5

	// BaseRetryDelay seeds the exponential backoff schedule.
	BaseRetryDelay = time.Second

	accountSoftCap          = 100
	accountCleanupThreshold = 150
)

// retryable is satisfied by errors that may succeed on a later attempt.
type retryable interface{ Retryable() bool }

// AccountLimiter keeps one concurrency semaphore and one refresh mutex per
// google account, indexed LRU so idle accounts age out. All Google API calls
// and token refreshes for an account flow through the same instance.
type AccountLimiter struct {
	mu    sync.Mutex
	sems  *lruTable // accountID -> *semaphore.Weighted
	locks *lruTable // accountID -> *sync.Mutex

	maxConcurrent int64
	maxRetries    int
	baseDelay     time.Duration
}

func NewAccountLimiter() *AccountLimiter {
	return &AccountLimiter{
		sems:          newLRUTable(),
		locks:         newLRUTable(),
		maxConcurrent: MaxConcurrentPerAccount,
		maxRetries:    MaxRetries,
		baseDelay:     BaseRetryDelay,
	}
}

// semaphore returns the account's concurrency gate, creating it on first use.
func (l *AccountLimiter) semaphore(accountID string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := l.sems.get(accountID); ok {
		return v.(*semaphore.Weighted)
	}
	sem := semaphore.NewWeighted(l.maxConcurrent)
	l.sems.put(accountID, sem)
	if l.sems.len() > accountCleanupThreshold {
		l.sems.shrink(accountSoftCap, func(v any) bool {
			s := v.(*semaphore.Weighted)
			if !s.TryAcquire(l.maxConcurrent) {
				return true // permits held, account is mid-call
			}
			s.Release(l.maxConcurrent)
			return false
		})
	}
	return sem
}

// RefreshLock returns the account's token refresh mutex. Holding it makes the
// check-expiry-then-refresh sequence atomic per account.
func (l *AccountLimiter) RefreshLock(accountID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := l.locks.get(accountID); ok {
		return v.(*sync.Mutex)
	}
	mu := &sync.Mutex{}
	l.locks.put(accountID, mu)
	if l.locks.len() > accountCleanupThreshold {
		l.locks.shrink(accountSoftCap, func(v any) bool {
			m := v.(*sync.Mutex)
			if !m.TryLock() {
				return true // a refresh is in progress
			}
			m.Unlock()
			return false
		})
	}
	return mu
}

// WithRetry runs fn under the account's concurrency semaphore, retrying
// retryable failures up to MaxRetries total attempts with jittered
// exponential backoff. Non-retryable errors and context cancellation return
// immediately; on exhaustion the last retryable error is returned.
func (l *AccountLimiter) WithRetry(ctx context.Context, accountID string, fn func(ctx context.Context) error) error {
	sem := l.semaphore(accountID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)

	var last error
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		last = err

		if attempt == l.maxRetries-1 {
			break
		}
		if err := sleepBackoff(ctx, l.baseDelay, attempt); err != nil {
			return err
		}
	}
	return last
}

func isRetryable(err error) bool {
	var r retryable
	return errors.As(err, &r) && r.Retryable()
}

// sleepBackoff waits baseDelay * 2^attempt scaled by a uniform jitter factor
// in [0.5, 1.5), or returns early when ctx is done.
func sleepBackoff(ctx context.Context, baseDelay time.Duration, attempt int) error {
	delay := baseDelay << uint(attempt)
	jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()))

	timer := time.NewTimer(jittered)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
