package market

import (
	"github.com/shopspring/decimal"

	"gridcore/internal/exchange"
)

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// sma returns the simple mean of the last period values.
func sma(values []decimal.Decimal, period int) decimal.Decimal {
	if period <= 0 || len(values) < period {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values[len(values)-period:] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

// ema seeds with the SMA of the first period values, then folds the
// rest with k = 2/(period+1). With fewer than period values it degrades
// to the mean of what is available.
func ema(values []decimal.Decimal, period int) decimal.Decimal {
	if len(values) == 0 || period <= 0 {
		return decimal.Zero
	}
	if len(values) < period {
		return sma(values, len(values))
	}

	k := two.Div(decimal.NewFromInt(int64(period + 1)))
	out := sma(values[:period], period)
	for _, v := range values[period:] {
		out = v.Sub(out).Mul(k).Add(out)
	}
	return out
}

// rsi over the last period deltas, simple average gain / average loss.
func rsi(closes []decimal.Decimal, period int) decimal.Decimal {
	if len(closes) < period+1 {
		return decimal.NewFromInt(50)
	}

	window := closes[len(closes)-period-1:]
	gains := decimal.Zero
	losses := decimal.Zero
	for i := 1; i < len(window); i++ {
		delta := window[i].Sub(window[i-1])
		if delta.IsPositive() {
			gains = gains.Add(delta)
		} else {
			losses = losses.Sub(delta)
		}
	}
	if losses.IsZero() {
		if gains.IsZero() {
			return decimal.NewFromInt(50)
		}
		return hundred
	}

	rs := gains.Div(losses)
	return hundred.Sub(hundred.Div(rs.Add(decimal.NewFromInt(1))))
}

// atr is the mean true range over the last period candles.
func atr(klines []exchange.Kline, period int) decimal.Decimal {
	if len(klines) < period+1 {
		return decimal.Zero
	}

	window := klines[len(klines)-period-1:]
	sum := decimal.Zero
	for i := 1; i < len(window); i++ {
		prevClose := window[i-1].Close
		tr := window[i].High.Sub(window[i].Low)
		if d := window[i].High.Sub(prevClose).Abs(); d.GreaterThan(tr) {
			tr = d
		}
		if d := window[i].Low.Sub(prevClose).Abs(); d.GreaterThan(tr) {
			tr = d
		}
		sum = sum.Add(tr)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

// volumeRatio compares the current bar's volume to the mean of the
// preceding lookback bars.
func volumeRatio(klines []exchange.Kline, lookback int) decimal.Decimal {
	if len(klines) < lookback+1 {
		return decimal.NewFromInt(1)
	}

	current := klines[len(klines)-1].Volume
	window := klines[len(klines)-lookback-1 : len(klines)-1]
	sum := decimal.Zero
	for _, k := range window {
		sum = sum.Add(k.Volume)
	}
	if sum.IsZero() {
		return decimal.NewFromInt(1)
	}
	mean := sum.Div(decimal.NewFromInt(int64(lookback)))
	return current.Div(mean)
}

func closesOf(klines []exchange.Kline) []decimal.Decimal {
	out := make([]decimal.Decimal, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}
