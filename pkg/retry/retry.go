// Package retry implements bounded retries with jittered exponential
// backoff and pluggable error classification.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy controls how an operation is retried. IsTransient decides
// whether a failure is worth another attempt; a nil IsTransient retries
// every error. BeforeRetry, when set, runs before each re-attempt and
// receives the error that triggered it.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	IsTransient    func(error) bool
	BeforeRetry    func(ctx context.Context, err error)
}

// Default is the policy used for exchange REST calls.
var Default = Policy{
	MaxAttempts:    4,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
}

// Do runs op until it succeeds, a permanent error occurs, attempts are
// exhausted, or ctx is cancelled. The last error is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.InitialBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if p.IsTransient != nil && !p.IsTransient(err) {
			return err
		}
		if attempt >= attempts {
			return err
		}

		if p.BeforeRetry != nil {
			p.BeforeRetry(ctx, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}

		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}

// jitter spreads a delay over [d/2, d) to avoid synchronised retries.
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
