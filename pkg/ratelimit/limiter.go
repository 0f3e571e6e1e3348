// Package ratelimit gates Binance request weight and order count with
// two token buckets per credential. Acquire calls block until tokens are
// available; they fail only when the caller's context is cancelled.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Conservative capacities, below the official 6000/min and 100/10s.
const (
	DefaultWeightCapacity = 5000
	DefaultOrderCapacity  = 80

	// Usage zones derived from the weight bucket.
	WarningThreshold        = 0.80
	CircuitBreakerThreshold = 0.95

	warningPause = 500 * time.Millisecond
)

// Status reported by AcquireWeightProtected.
type Status string

const (
	StatusOK             Status = "ok"
	StatusWarning        Status = "warning"
	StatusCircuitBreaker Status = "circuit_breaker"
)

// Limiter owns the weight bucket (capacity/min) and the order bucket
// (capacity/10s) for one credential.
type Limiter struct {
	weight    *rate.Limiter
	orders    *rate.Limiter
	weightCap float64
	log       *zap.Logger
}

func New(weightCapacity, orderCapacity int, log *zap.Logger) *Limiter {
	if weightCapacity <= 0 {
		weightCapacity = DefaultWeightCapacity
	}
	if orderCapacity <= 0 {
		orderCapacity = DefaultOrderCapacity
	}
	l := &Limiter{
		weight:    rate.NewLimiter(rate.Limit(float64(weightCapacity)/60.0), weightCapacity),
		orders:    rate.NewLimiter(rate.Limit(float64(orderCapacity)/10.0), orderCapacity),
		weightCap: float64(weightCapacity),
		log:       log,
	}
	log.Info("rate limiter initialised",
		zap.Int("weight_per_min", weightCapacity),
		zap.Int("orders_per_10s", orderCapacity))
	return l
}

// AcquireWeight blocks until n weight tokens are available.
func (l *Limiter) AcquireWeight(ctx context.Context, n int) error {
	return l.weight.WaitN(ctx, n)
}

// AcquireOrderSlot blocks until one order token is available.
func (l *Limiter) AcquireOrderSlot(ctx context.Context) error {
	return l.orders.Wait(ctx)
}

// UsageRatio reports weight-bucket consumption in [0, 1].
func (l *Limiter) UsageRatio() float64 {
	tokens := l.weight.Tokens()
	if tokens < 0 {
		tokens = 0
	}
	if tokens > l.weightCap {
		tokens = l.weightCap
	}
	return 1.0 - tokens/l.weightCap
}

func (l *Limiter) InWarningZone() bool {
	return l.UsageRatio() >= WarningThreshold
}

func (l *Limiter) InCircuitBreaker() bool {
	return l.UsageRatio() >= CircuitBreakerThreshold
}

// CalibrateWeight clamps the bucket to the authoritative used weight
// reported in the X-MBX-USED-WEIGHT-1M response header. It only ever
// removes tokens; local accounting that is more pessimistic stands.
func (l *Limiter) CalibrateWeight(used int) {
	remaining := l.weightCap - float64(used)
	if remaining < 0 {
		remaining = 0
	}
	tokens := l.weight.Tokens()
	if tokens <= remaining {
		return
	}
	burn := int(tokens - remaining)
	if burn <= 0 {
		return
	}
	l.weight.ReserveN(time.Now(), burn)
	l.log.Debug("weight bucket calibrated",
		zap.Int("used_weight", used),
		zap.Float64("remaining_tokens", remaining))
}

// AcquireWeightProtected applies the two-stage guard: in the circuit
// breaker zone it refuses without acquiring, in the warning zone it
// pauses briefly before acquiring.
func (l *Limiter) AcquireWeightProtected(ctx context.Context, n int) (Status, error) {
	ratio := l.UsageRatio()

	if ratio >= CircuitBreakerThreshold {
		l.log.Warn("weight circuit breaker open, refusing request",
			zap.Float64("usage", ratio))
		return StatusCircuitBreaker, nil
	}

	status := StatusOK
	if ratio >= WarningThreshold {
		status = StatusWarning
		l.log.Warn("weight usage in warning zone, throttling",
			zap.Float64("usage", ratio))
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(warningPause):
		}
	}

	if err := l.weight.WaitN(ctx, n); err != nil {
		return status, err
	}
	return status, nil
}
