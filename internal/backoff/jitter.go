package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// JitterType selects how NewJitterFunc randomizes a base interval.
type JitterType int

const (
	// NoJitter returns the interval unchanged.
	NoJitter JitterType = iota
	// FullJitter returns a uniformly random duration in [0, interval].
	FullJitter
	// Jitter returns a uniformly random duration in [interval/2, interval*1.5].
	Jitter
)

// NewJitterFunc returns a function that applies the given jitter strategy to
// a base interval. The returned func is safe for concurrent use.
func NewJitterFunc(jt JitterType) func(time.Duration) time.Duration {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	return func(interval time.Duration) time.Duration {
		if interval <= 0 {
			return 0
		}
		switch jt {
		case FullJitter:
			mu.Lock()
			f := rng.Float64()
			mu.Unlock()
			return time.Duration(f * float64(interval))
		case Jitter:
			mu.Lock()
			f := rng.Float64()
			mu.Unlock()
			// Uniform in [0.5, 1.5) * interval.
			return time.Duration((0.5 + f) * float64(interval))
		default:
			return interval
		}
	}
}

// jitteredPolicy wraps a RetryPolicy, applying a jitter strategy to the
// interval it computes.
type jitteredPolicy struct {
	base   RetryPolicy
	jitter func(time.Duration) time.Duration
}

// WithJitter wraps base so every computed interval is passed through the
// given jitter strategy before being returned.
func WithJitter(base RetryPolicy, jt JitterType) RetryPolicy {
	return &jitteredPolicy{base: base, jitter: NewJitterFunc(jt)}
}

func (p *jitteredPolicy) ComputeNextInterval(retryCount int, elapsedTime time.Duration, err error) (time.Duration, error) {
	interval, computeErr := p.base.ComputeNextInterval(retryCount, elapsedTime, err)
	if computeErr != nil {
		return 0, computeErr
	}
	return p.jitter(interval), nil
}

// UniformJitter returns a duration uniformly distributed in
// [interval, interval*(1+pct)]. Used by the step retry wrapper, whose
// backoff law ("2^(attempt-1) * (1 + U[0, pct])") only ever widens an
// interval, never shrinks it, unlike FullJitter/Jitter above.
func UniformJitter(interval time.Duration, pct float64) time.Duration {
	if interval <= 0 {
		return 0
	}
	return time.Duration(float64(interval) * (1 + rand.Float64()*pct))
}
