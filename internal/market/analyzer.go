// Package market classifies recent price action into one of five
// regimes and derives grid-shape adjustments from the active regime.
package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridcore/internal/exchange"
)

// Regime is one of the five market states.
type Regime string

const (
	RegimeLowVolRange    Regime = "LOW_VOL_RANGE"
	RegimeWideRange      Regime = "WIDE_RANGE"
	RegimeStrongBreakout Regime = "STRONG_BREAKOUT"
	RegimeSlowBleed      Regime = "SLOW_BLEED"
	RegimePanicSell      Regime = "PANIC_SELL"
)

// GridAdjustment is the analyzer's advisory output consumed by the
// strategy on every tick.
type GridAdjustment struct {
	State                Regime
	GridCenterShift      decimal.Decimal
	DensityMultiplier    decimal.Decimal
	InvestmentMultiplier decimal.Decimal
	ShouldPause          bool
	SuggestedGridStep    decimal.Decimal
}

// Neutral is the adjustment used before the first analysis completes.
func Neutral() GridAdjustment {
	return GridAdjustment{
		State:                RegimeLowVolRange,
		GridCenterShift:      decimal.Zero,
		DensityMultiplier:    decimal.NewFromInt(1),
		InvestmentMultiplier: decimal.NewFromInt(1),
	}
}

const minKlines = 30

// Indicator and recipe thresholds.
var (
	breakoutEnterRSI = decimal.NewFromInt(68)
	breakoutExitRSI  = decimal.NewFromInt(58)
	bleedEnterRSI    = decimal.NewFromInt(32)
	bleedExitRSI     = decimal.NewFromInt(42)
	panicEnterRSI    = decimal.NewFromInt(18)
	panicExitRSI     = decimal.NewFromInt(28)
	smallConfirmRSI  = decimal.NewFromInt(55)

	wideATRRatio    = decimal.NewFromFloat(0.02)
	extremeATRRatio = decimal.NewFromFloat(0.05)
	calmATRRatio    = decimal.NewFromFloat(0.003)
	quietATRRatio   = decimal.NewFromFloat(0.005)

	feeShieldFloor = decimal.NewFromFloat(0.002)

	shiftLimit   = decimal.NewFromFloat(0.1)
	densityMin   = decimal.NewFromFloat(0.5)
	densityMax   = decimal.NewFromFloat(2.0)
	investMin    = decimal.NewFromFloat(0.2)
	investMax    = decimal.NewFromFloat(2.0)
	decayMin     = decimal.NewFromFloat(0.2)
	bearCapLimit = decimal.NewFromInt(1)
)

// Snapshot is one analysis input.
type Snapshot struct {
	// Klines on the big timeframe (1h), oldest first, at least 30.
	Klines []exchange.Kline
	// SmallKlines on the confirmation timeframe (15m); optional.
	SmallKlines []exchange.Kline
	// PositionRatio is base exposure over total equity, in [0, 1].
	PositionRatio decimal.Decimal
}

type indicatorSet struct {
	close    decimal.Decimal
	sma7     decimal.Decimal
	sma25    decimal.Decimal
	ema200   decimal.Decimal
	rsi      decimal.Decimal
	atr      decimal.Decimal
	atrRatio decimal.Decimal
	volRatio decimal.Decimal

	smallRSI    decimal.Decimal
	hasSmallRSI bool
}

func (in indicatorSet) smaBullish() bool  { return in.sma7.GreaterThan(in.sma25) }
func (in indicatorSet) macroBullish() bool { return in.close.GreaterThan(in.ema200) }

// Analyzer keeps per-bot regime state across evaluations.
type Analyzer struct {
	log  *zap.Logger
	ctrl *stateController

	mu       sync.Mutex
	last     GridAdjustment
	lastTime time.Time
}

func NewAnalyzer(log *zap.Logger) *Analyzer {
	return &Analyzer{
		log:  log,
		ctrl: newStateController(),
		last: Neutral(),
	}
}

// LastAdjustment returns the most recent adjustment and when it was
// produced.
func (a *Analyzer) LastAdjustment() (GridAdjustment, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last, a.lastTime
}

// Analyze evaluates one snapshot and returns the resulting adjustment.
func (a *Analyzer) Analyze(snap Snapshot) (GridAdjustment, error) {
	if len(snap.Klines) < minKlines {
		return GridAdjustment{}, fmt.Errorf("need at least %d klines, have %d", minKlines, len(snap.Klines))
	}

	in := computeIndicators(snap)
	candidate := classify(a.ctrl.current, in)
	effective, cooling := a.ctrl.Apply(candidate)

	adj := recipeFor(effective, in)
	adj = applyModifiers(adj, in, snap.PositionRatio)
	if cooling {
		adj.ShouldPause = true
	}
	adj = clampAdjustment(adj)

	a.mu.Lock()
	prev := a.last.State
	a.last = adj
	a.lastTime = time.Now()
	a.mu.Unlock()

	if prev != adj.State {
		a.log.Info("market regime changed",
			zap.String("from", string(prev)),
			zap.String("to", string(adj.State)),
			zap.String("rsi", in.rsi.StringFixed(1)),
			zap.String("atr_ratio", in.atrRatio.StringFixed(4)))
	}
	return adj, nil
}

func computeIndicators(snap Snapshot) indicatorSet {
	closes := closesOf(snap.Klines)
	last := closes[len(closes)-1]

	in := indicatorSet{
		close:    last,
		sma7:     sma(closes, 7),
		sma25:    sma(closes, 25),
		ema200:   ema(closes, 200),
		rsi:      rsi(closes, 14),
		atr:      atr(snap.Klines, 14),
		volRatio: volumeRatio(snap.Klines, 20),
	}
	if !last.IsZero() {
		in.atrRatio = in.atr.Div(last)
	}
	if len(snap.SmallKlines) >= 15 {
		in.smallRSI = rsi(closesOf(snap.SmallKlines), 14)
		in.hasSmallRSI = true
	}
	return in
}

// classify picks the candidate regime. The current regime's exit
// thresholds are checked first so a state is sticky inside its
// hysteresis band.
func classify(current Regime, in indicatorSet) Regime {
	switch current {
	case RegimePanicSell:
		if !in.rsi.GreaterThan(panicExitRSI) {
			return RegimePanicSell
		}
	case RegimeSlowBleed:
		if !in.rsi.GreaterThan(bleedExitRSI) {
			return RegimeSlowBleed
		}
	case RegimeStrongBreakout:
		if in.rsi.GreaterThanOrEqual(breakoutExitRSI) && in.smaBullish() {
			return RegimeStrongBreakout
		}
	}

	// Entries, most severe first.
	if in.rsi.LessThanOrEqual(panicEnterRSI) && in.atrRatio.GreaterThanOrEqual(wideATRRatio) {
		return RegimePanicSell
	}
	if in.rsi.LessThanOrEqual(bleedEnterRSI) && !in.smaBullish() && !in.macroBullish() {
		return RegimeSlowBleed
	}
	if in.rsi.GreaterThanOrEqual(breakoutEnterRSI) && in.smaBullish() &&
		(!in.hasSmallRSI || in.smallRSI.GreaterThanOrEqual(smallConfirmRSI)) {
		return RegimeStrongBreakout
	}
	if in.atrRatio.GreaterThanOrEqual(wideATRRatio) {
		return RegimeWideRange
	}
	return RegimeLowVolRange
}

func recipeFor(r Regime, in indicatorSet) GridAdjustment {
	adj := Neutral()
	adj.State = r

	switch r {
	case RegimeLowVolRange:
		switch {
		case in.atrRatio.LessThan(calmATRRatio):
			adj.DensityMultiplier = decimal.NewFromFloat(2.0)
		case in.atrRatio.LessThan(quietATRRatio):
			adj.DensityMultiplier = decimal.NewFromFloat(1.5)
		default:
			adj.DensityMultiplier = decimal.NewFromFloat(1.2)
		}
		adj.SuggestedGridStep = in.atr

	case RegimeWideRange:
		adj.DensityMultiplier = decimal.NewFromFloat(0.7)

	case RegimeStrongBreakout:
		adj.GridCenterShift = decimal.NewFromFloat(0.03)
		if in.rsi.GreaterThan(decimal.NewFromInt(70)) {
			adj.GridCenterShift = decimal.NewFromFloat(0.06)
		}
		adj.DensityMultiplier = decimal.NewFromFloat(0.8)
		adj.InvestmentMultiplier = decimal.NewFromFloat(0.7)

	case RegimeSlowBleed:
		adj.GridCenterShift = decimal.NewFromFloat(-0.03)
		adj.DensityMultiplier = decimal.NewFromFloat(0.6)
		adj.InvestmentMultiplier = decimal.NewFromFloat(0.5)
		adj.ShouldPause = true

	case RegimePanicSell:
		adj.GridCenterShift = decimal.NewFromFloat(-0.08)
		adj.DensityMultiplier = decimal.NewFromFloat(0.5)
		adj.InvestmentMultiplier = decimal.NewFromFloat(1.3)
		if in.volRatio.GreaterThan(two) {
			adj.InvestmentMultiplier = decimal.NewFromFloat(1.5)
		}
	}
	return adj
}

func applyModifiers(adj GridAdjustment, in indicatorSet, positionRatio decimal.Decimal) GridAdjustment {
	// Macro-bull amplifiers.
	if in.macroBullish() {
		if in.smaBullish() {
			neutralRSI := in.rsi.GreaterThanOrEqual(decimal.NewFromInt(45)) &&
				in.rsi.LessThanOrEqual(decimal.NewFromInt(65))
			if neutralRSI {
				if adj.DensityMultiplier.LessThan(decimal.NewFromFloat(1.2)) {
					adj.DensityMultiplier = decimal.NewFromFloat(1.2)
				}
			} else {
				adj.DensityMultiplier = decimal.NewFromFloat(1.5)
			}
		}
		if adj.State == RegimePanicSell {
			adj.InvestmentMultiplier = decimal.NewFromFloat(1.8)
		}
	}

	// Extreme volatility thins the grid.
	if in.atrRatio.GreaterThan(extremeATRRatio) {
		adj.DensityMultiplier = adj.DensityMultiplier.Mul(decimal.NewFromFloat(0.8))
	}

	// Fee shield: keep per-level spacing above 0.2% of price.
	step := adj.SuggestedGridStep
	if step.IsZero() {
		step = in.atr
	}
	if !step.IsZero() && !in.close.IsZero() && adj.DensityMultiplier.IsPositive() {
		perLevel := step.Div(adj.DensityMultiplier).Div(in.close)
		if perLevel.LessThan(feeShieldFloor) {
			adj.DensityMultiplier = step.Div(in.close.Mul(feeShieldFloor))
		}
	}

	// Macro-bear defence: wider steps, halved investment headroom.
	investCap := investMax
	if !in.macroBullish() {
		if !adj.SuggestedGridStep.IsZero() {
			adj.SuggestedGridStep = adj.SuggestedGridStep.Mul(decimal.NewFromFloat(1.2))
		}
		investCap = bearCapLimit
	}

	// Position decay: quadratic brake on new exposure as the position
	// fills up.
	one := decimal.NewFromInt(1)
	room := one.Sub(positionRatio)
	if room.IsNegative() {
		room = decimal.Zero
	}
	decay := room.Mul(room)
	if decay.LessThan(decayMin) {
		decay = decayMin
	}
	invest := adj.InvestmentMultiplier.Mul(decay)
	if invest.GreaterThan(investCap) {
		invest = investCap
	}
	adj.InvestmentMultiplier = invest

	return adj
}

func clampAdjustment(adj GridAdjustment) GridAdjustment {
	if adj.GridCenterShift.GreaterThan(shiftLimit) {
		adj.GridCenterShift = shiftLimit
	}
	if adj.GridCenterShift.LessThan(shiftLimit.Neg()) {
		adj.GridCenterShift = shiftLimit.Neg()
	}
	if adj.DensityMultiplier.LessThan(densityMin) {
		adj.DensityMultiplier = densityMin
	}
	if adj.DensityMultiplier.GreaterThan(densityMax) {
		adj.DensityMultiplier = densityMax
	}
	if adj.InvestmentMultiplier.LessThan(investMin) {
		adj.InvestmentMultiplier = investMin
	}
	if adj.InvestmentMultiplier.GreaterThan(investMax) {
		adj.InvestmentMultiplier = investMax
	}
	return adj
}
