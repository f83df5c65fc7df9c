package provider

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"
)

// RetryPolicy defines how a provider call is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration

	// BackoffFactor is the factor by which the backoff grows per attempt.
	BackoffFactor float64

	// JitterFactor adds up to this fraction of the backoff at random.
	JitterFactor float64

	// Retryable decides whether an error may be retried.
	Retryable func(error) bool

	// Budget limits retries across all requests sharing the policy.
	Budget *RetryBudget
}

// RetryBudget caps the ratio of retries to requests.
type RetryBudget struct {
	MaxRetryRatio float64
	// MinRequests is the number of requests before the ratio is enforced.
	MinRequests int64

	requests atomic.Int64
	retries  atomic.Int64
}

// NewRetryBudget creates a retry budget.
func NewRetryBudget(maxRetryRatio float64) *RetryBudget {
	return &RetryBudget{
		MaxRetryRatio: maxRetryRatio,
		MinRequests:   100,
	}
}

// AllowRetry checks whether another retry fits in the budget.
func (rb *RetryBudget) AllowRetry() bool {
	if rb == nil {
		return true
	}
	requests := rb.requests.Load()
	if requests < rb.MinRequests {
		return true
	}
	return float64(rb.retries.Load())/float64(requests) < rb.MaxRetryRatio
}

// RecordRequest records a first attempt.
func (rb *RetryBudget) RecordRequest() {
	if rb != nil {
		rb.requests.Add(1)
	}
}

// RecordRetry records a retry.
func (rb *RetryBudget) RecordRetry() {
	if rb != nil {
		rb.retries.Add(1)
	}
}

// DefaultRetryPolicy is used for quote reads.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
		Retryable:      IsRetryable,
		Budget:         NewRetryBudget(0.2),
	}
}

// SingleAttemptPolicy never retries. Order submissions use it.
func SingleAttemptPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 1,
		Retryable:   func(error) bool { return false },
	}
}

// ShouldRetry determines if a call should be retried after the given attempt.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	if !retryable(err) {
		return false
	}
	if !p.Budget.AllowRetry() {
		return false
	}
	p.Budget.RecordRetry()
	return true
}

// CalculateBackoff calculates the wait after the given attempt, with jitter.
func (p *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= p.BackoffFactor
	}

	if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	jitter := rand.Float64() * p.JitterFactor * backoff
	return time.Duration(backoff + jitter)
}

// Do runs fn until it succeeds, the policy gives up, or ctx is done. The
// last error is returned.
func (p *RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	if p == nil {
		return fn(ctx)
	}
	p.Budget.RecordRequest()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if !p.ShouldRetry(err, attempt) {
			return err
		}

		timer := time.NewTimer(p.CalculateBackoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
