package ratelimit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestAcquireWeight_WaitBound(t *testing.T) {
	// 60 weight/min capacity refills 1 token/s. Drain the bucket, then
	// a 2-token acquire must complete within 2s plus scheduling slack.
	l := New(60, 10, zap.NewNop())
	ctx := context.Background()

	if err := l.AcquireWeight(ctx, 60); err != nil {
		t.Fatalf("drain: %v", err)
	}

	start := time.Now()
	if err := l.AcquireWeight(ctx, 2); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed > 2*time.Second+500*time.Millisecond {
		t.Errorf("waited %v, expected <= ~2s", elapsed)
	}
}

func TestAcquireWeight_CancelledContext(t *testing.T) {
	l := New(60, 10, zap.NewNop())
	if err := l.AcquireWeight(context.Background(), 60); err != nil {
		t.Fatalf("drain: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.AcquireWeight(ctx, 30); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

func TestUsageZones(t *testing.T) {
	l := New(100, 10, zap.NewNop())
	ctx := context.Background()

	if l.InWarningZone() || l.InCircuitBreaker() {
		t.Fatal("fresh bucket should not be in any zone")
	}

	if err := l.AcquireWeight(ctx, 85); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !l.InWarningZone() {
		t.Errorf("usage %.2f should be in warning zone", l.UsageRatio())
	}
	if l.InCircuitBreaker() {
		t.Errorf("usage %.2f should not trip the breaker", l.UsageRatio())
	}

	if err := l.AcquireWeight(ctx, 11); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !l.InCircuitBreaker() {
		t.Errorf("usage %.2f should trip the breaker", l.UsageRatio())
	}
}

func TestCalibrateWeight_ClampsDown(t *testing.T) {
	l := New(100, 10, zap.NewNop())

	// Bucket is full locally, but the exchange says 90 weight is spent.
	l.CalibrateWeight(90)
	if got := l.UsageRatio(); got < 0.85 {
		t.Errorf("usage after calibration = %.2f, expected >= 0.85", got)
	}

	// Calibration never adds tokens back.
	before := l.UsageRatio()
	l.CalibrateWeight(0)
	if l.UsageRatio() < before-0.05 {
		t.Error("calibration must not refill the bucket")
	}
}

func TestAcquireWeightProtected_Breaker(t *testing.T) {
	l := New(100, 10, zap.NewNop())
	ctx := context.Background()

	if err := l.AcquireWeight(ctx, 96); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	status, err := l.AcquireWeightProtected(ctx, 1)
	if err != nil {
		t.Fatalf("protected acquire: %v", err)
	}
	if status != StatusCircuitBreaker {
		t.Errorf("expected circuit_breaker status, got %s", status)
	}
}
