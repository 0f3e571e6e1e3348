package market

import (
	"testing"

	"go.uber.org/zap"
)

func TestController_DangerEntryIsImmediate(t *testing.T) {
	c := newStateController()

	got, _ := c.Apply(RegimeSlowBleed)
	if got != RegimeSlowBleed {
		t.Fatalf("first bleed sample must switch immediately, got %s", got)
	}
}

func TestController_NonDangerNeedsConfirmation(t *testing.T) {
	c := newStateController()

	got, _ := c.Apply(RegimeStrongBreakout)
	if got != RegimeLowVolRange {
		t.Fatalf("single breakout sample must not switch, got %s", got)
	}
	got, _ = c.Apply(RegimeStrongBreakout)
	if got != RegimeStrongBreakout {
		t.Fatalf("second consecutive breakout sample must switch, got %s", got)
	}
}

func TestController_InterruptionClearsBuffer(t *testing.T) {
	c := newStateController()

	c.Apply(RegimeStrongBreakout)
	c.Apply(RegimeWideRange)
	got, _ := c.Apply(RegimeStrongBreakout)
	if got != RegimeLowVolRange {
		t.Fatalf("interrupted confirmation must not switch, got %s", got)
	}
}

func TestController_LeavingDangerCools(t *testing.T) {
	c := newStateController()
	c.Apply(RegimeSlowBleed)

	// Two qualifying non-bleed samples to leave.
	got, cooling := c.Apply(RegimeLowVolRange)
	if got != RegimeSlowBleed || cooling {
		t.Fatalf("first exit sample: regime %s cooling %v", got, cooling)
	}
	got, cooling = c.Apply(RegimeLowVolRange)
	if got != RegimeLowVolRange || !cooling {
		t.Fatalf("second exit sample: regime %s cooling %v", got, cooling)
	}

	// Cooling covers the next two samples, then drains.
	for i := 0; i < 2; i++ {
		if _, cooling = c.Apply(RegimeLowVolRange); !cooling {
			t.Fatalf("cooling sample %d not paused", i+2)
		}
	}
	if _, cooling = c.Apply(RegimeLowVolRange); cooling {
		t.Fatal("cooling must drain after three samples")
	}
}

func TestClassify_PanicHysteresis(t *testing.T) {
	in := indicatorSet{
		close:    dec(100),
		rsi:      dec(15),
		atrRatio: dec(0.03),
	}
	if got := classify(RegimeLowVolRange, in); got != RegimePanicSell {
		t.Fatalf("rsi 15 atrRatio 0.03 should enter panic, got %s", got)
	}

	// Inside the hysteresis band the state is sticky.
	in.rsi = dec(25)
	if got := classify(RegimePanicSell, in); got != RegimePanicSell {
		t.Errorf("rsi 25 must not leave panic, got %s", got)
	}

	// Above the exit threshold it leaves.
	in.rsi = dec(29)
	if got := classify(RegimePanicSell, in); got == RegimePanicSell {
		t.Error("rsi 29 must leave panic")
	}
}

func TestClassify_BreakoutEntryAndExit(t *testing.T) {
	in := indicatorSet{
		close:    dec(110),
		sma7:     dec(105),
		sma25:    dec(100),
		ema200:   dec(90),
		rsi:      dec(70),
		atrRatio: dec(0.01),
	}
	if got := classify(RegimeLowVolRange, in); got != RegimeStrongBreakout {
		t.Fatalf("expected breakout entry, got %s", got)
	}

	// RSI drifting down inside the band keeps the state.
	in.rsi = dec(60)
	if got := classify(RegimeStrongBreakout, in); got != RegimeStrongBreakout {
		t.Errorf("rsi 60 must stay in breakout, got %s", got)
	}

	in.rsi = dec(57)
	if got := classify(RegimeStrongBreakout, in); got == RegimeStrongBreakout {
		t.Error("rsi 57 must exit breakout")
	}
}

func TestClassify_SmallTimeframeVeto(t *testing.T) {
	in := indicatorSet{
		close:       dec(110),
		sma7:        dec(105),
		sma25:       dec(100),
		ema200:      dec(90),
		rsi:         dec(70),
		smallRSI:    dec(40),
		hasSmallRSI: true,
	}
	if got := classify(RegimeLowVolRange, in); got == RegimeStrongBreakout {
		t.Error("weak small-timeframe rsi must veto the breakout entry")
	}
}

func TestAnalyze_FlatMarket(t *testing.T) {
	a := NewAnalyzer(zap.NewNop())

	closes := make([]float64, 50)
	for i := range closes {
		closes[i] = 100
	}
	klines := klinesFromCloses(closes...)

	adj, err := a.Analyze(Snapshot{Klines: klines})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if adj.State != RegimeLowVolRange {
		t.Errorf("flat market regime = %s", adj.State)
	}
	if adj.ShouldPause {
		t.Error("flat market must not pause")
	}
	assertClamped(t, adj)
}

func TestAnalyze_RequiresHistory(t *testing.T) {
	a := NewAnalyzer(zap.NewNop())
	if _, err := a.Analyze(Snapshot{Klines: klinesFromCloses(1, 2, 3)}); err == nil {
		t.Fatal("expected error with too few klines")
	}
}

func TestAnalyze_PositionDecayBrakesInvestment(t *testing.T) {
	a := NewAnalyzer(zap.NewNop())

	closes := make([]float64, 50)
	for i := range closes {
		closes[i] = 100
	}
	adj, err := a.Analyze(Snapshot{
		Klines:        klinesFromCloses(closes...),
		PositionRatio: dec(0.9),
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	// (1-0.9)^2 = 0.01 floors at the decay minimum 0.2.
	if !adj.InvestmentMultiplier.Equal(dec(0.2)) {
		t.Errorf("investment multiplier = %s, want 0.2", adj.InvestmentMultiplier)
	}
}

func assertClamped(t *testing.T, adj GridAdjustment) {
	t.Helper()
	limit := dec(0.1)
	if adj.GridCenterShift.Abs().GreaterThan(limit) {
		t.Errorf("shift out of range: %s", adj.GridCenterShift)
	}
	if adj.DensityMultiplier.LessThan(dec(0.5)) || adj.DensityMultiplier.GreaterThan(dec(2.0)) {
		t.Errorf("density out of range: %s", adj.DensityMultiplier)
	}
	if adj.InvestmentMultiplier.LessThan(dec(0.2)) || adj.InvestmentMultiplier.GreaterThan(dec(2.0)) {
		t.Errorf("investment out of range: %s", adj.InvestmentMultiplier)
	}
}
