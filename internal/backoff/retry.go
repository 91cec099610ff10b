// Package backoff implements spec.md §4.3's retry wrapper law: the
// exponential/constant/linear interval policies a step's Retries/
// RetryDelayMS budget runs through, plus the one-sided jitter in
// jitter.go. The shape (a RetryPolicy that computes one interval at a
// time, a stateful Retrier that blocks on it) is inspired by Temporal's
// retry policy implementation (MIT License):
// https://github.com/temporalio/temporal/blob/2a1044994085bffbeeee789cad52ecf2650c501c/common/backoff/retrypolicy.go
package backoff

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/nexus-run/nexus/internal/core"
)

type (
	// RetryPolicy computes the interval before the next retry attempt, or
	// returns core.ErrRetriesExhausted once its budget is spent.
	RetryPolicy interface {
		ComputeNextInterval(retryCount int, elapsedTime time.Duration, err error) (time.Duration, error)
	}

	// Retrier drives one operation's retry loop: it tracks attempt count
	// and elapsed time and blocks for the policy's computed interval.
	Retrier interface {
		// Next blocks for the next retry interval, or returns
		// core.ErrRetriesExhausted if the policy's budget is spent, or
		// ctx.Err() if ctx is canceled first.
		Next(ctx context.Context, err error) error
		// Reset clears attempt count and elapsed time, for reuse across
		// independent operations (e.g. one Retrier per step invocation).
		Reset()
	}
)

// unboundedRetries is the MaxRetries value every policy constructor
// defaults to: spec.md §4.3 bounds retries via the step's own Retries
// field, so a policy built standalone (e.g. in tests) shouldn't impose
// its own ceiling.
const unboundedRetries = 0

var (
	defaultBackoffFactor = 2.0
	defaultMaxInterval   = 10 * time.Second
)

// ExponentialBackoffPolicy doubles (by BackoffFactor) the interval after
// each attempt, capped at MaxInterval. This is stepRetryPolicy's base in
// executor/shell.go before the one-sided jitter in jitter.go widens it.
type ExponentialBackoffPolicy struct {
	InitialInterval time.Duration
	BackoffFactor   float64
	MaxInterval     time.Duration
	// MaxRetries bounds attempts; 0 means unlimited.
	MaxRetries int
}

// NewExponentialBackoffPolicy builds an ExponentialBackoffPolicy with the
// package's default factor, cap, and unbounded retries.
func NewExponentialBackoffPolicy(initialInterval time.Duration) *ExponentialBackoffPolicy {
	return &ExponentialBackoffPolicy{
		InitialInterval: initialInterval,
		BackoffFactor:   defaultBackoffFactor,
		MaxInterval:     defaultMaxInterval,
		MaxRetries:      unboundedRetries,
	}
}

func (p *ExponentialBackoffPolicy) ComputeNextInterval(retryCount int, elapsedTime time.Duration, err error) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, core.ErrRetriesExhausted
	}

	interval := float64(p.InitialInterval) * math.Pow(p.BackoffFactor, float64(retryCount))
	if interval > float64(p.MaxInterval) {
		interval = float64(p.MaxInterval)
	}

	return time.Duration(interval), nil
}

// ConstantBackoffPolicy waits the same interval before every attempt.
type ConstantBackoffPolicy struct {
	Interval   time.Duration
	MaxRetries int
}

// NewConstantBackoffPolicy builds a ConstantBackoffPolicy with unbounded retries.
func NewConstantBackoffPolicy(interval time.Duration) *ConstantBackoffPolicy {
	return &ConstantBackoffPolicy{
		Interval:   interval,
		MaxRetries: unboundedRetries,
	}
}

func (p *ConstantBackoffPolicy) ComputeNextInterval(retryCount int, elapsedTime time.Duration, err error) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, core.ErrRetriesExhausted
	}
	return p.Interval, nil
}

// LinearBackoffPolicy adds a fixed Increment to the interval after each
// attempt, capped at MaxInterval.
type LinearBackoffPolicy struct {
	InitialInterval time.Duration
	Increment       time.Duration
	MaxInterval     time.Duration
	MaxRetries      int
}

// NewLinearBackoffPolicy builds a LinearBackoffPolicy with the package's
// default cap and unbounded retries.
func NewLinearBackoffPolicy(initialInterval, increment time.Duration) *LinearBackoffPolicy {
	return &LinearBackoffPolicy{
		InitialInterval: initialInterval,
		Increment:       increment,
		MaxInterval:     defaultMaxInterval,
		MaxRetries:      unboundedRetries,
	}
}

func (p *LinearBackoffPolicy) ComputeNextInterval(retryCount int, elapsedTime time.Duration, err error) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, core.ErrRetriesExhausted
	}

	interval := p.InitialInterval + (time.Duration(retryCount) * p.Increment)
	if interval > p.MaxInterval {
		interval = p.MaxInterval
	}

	return interval, nil
}

// NewRetrier builds a Retrier that drives policy's ComputeNextInterval
// calls, starting from attempt zero.
func NewRetrier(policy RetryPolicy) Retrier {
	return &retrier{policy: policy}
}

type retrier struct {
	policy     RetryPolicy
	retryCount int
	startTime  time.Time
	mu         sync.Mutex
}

func (r *retrier) Next(ctx context.Context, err error) error {
	r.mu.Lock()
	if r.startTime.IsZero() {
		r.startTime = time.Now()
	}
	elapsed := time.Since(r.startTime)

	interval, computeErr := r.policy.ComputeNextInterval(r.retryCount, elapsed, err)
	if computeErr != nil {
		r.mu.Unlock()
		return computeErr
	}
	r.retryCount++
	r.mu.Unlock()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset clears attempt count and elapsed time, so the same Retrier can
// be reused for a fresh operation.
func (r *retrier) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryCount = 0
	r.startTime = time.Time{}
}
