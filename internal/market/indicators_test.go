package market

import (
	"testing"

	"github.com/shopspring/decimal"

	"gridcore/internal/exchange"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func decs(fs ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(fs))
	for i, f := range fs {
		out[i] = dec(f)
	}
	return out
}

func klinesFromCloses(closes ...float64) []exchange.Kline {
	out := make([]exchange.Kline, len(closes))
	for i, c := range closes {
		out[i] = exchange.Kline{
			Open:   dec(c),
			High:   dec(c + 1),
			Low:    dec(c - 1),
			Close:  dec(c),
			Volume: dec(100),
		}
	}
	return out
}

func TestSMA(t *testing.T) {
	values := decs(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	if got := sma(values, 5); !got.Equal(dec(8)) {
		t.Errorf("sma = %s, want 8", got)
	}
	if got := sma(values, 11); !got.IsZero() {
		t.Errorf("sma with short input = %s, want 0", got)
	}
}

func TestEMA_ConstantSeries(t *testing.T) {
	values := make([]decimal.Decimal, 50)
	for i := range values {
		values[i] = dec(42)
	}
	if got := ema(values, 20); !got.Equal(dec(42)) {
		t.Errorf("ema of constant series = %s, want 42", got)
	}
}

func TestRSI(t *testing.T) {
	// Monotonic rise: no losses.
	up := decs(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16)
	if got := rsi(up, 14); !got.Equal(dec(100)) {
		t.Errorf("rsi of rising series = %s, want 100", got)
	}

	// Flat: neutral.
	flat := make([]decimal.Decimal, 16)
	for i := range flat {
		flat[i] = dec(5)
	}
	if got := rsi(flat, 14); !got.Equal(dec(50)) {
		t.Errorf("rsi of flat series = %s, want 50", got)
	}

	// Equal gains and losses: rs = 1, rsi = 50.
	alternating := decs(10, 11, 10, 11, 10, 11, 10, 11, 10, 11, 10, 11, 10, 11, 10)
	if got := rsi(alternating, 14); !got.Equal(dec(50)) {
		t.Errorf("rsi of alternating series = %s, want 50", got)
	}
}

func TestATR(t *testing.T) {
	// Flat closes with high-low range 2 per bar: ATR = 2.
	klines := klinesFromCloses(100, 100, 100, 100, 100, 100, 100, 100,
		100, 100, 100, 100, 100, 100, 100, 100)
	if got := atr(klines, 14); !got.Equal(dec(2)) {
		t.Errorf("atr = %s, want 2", got)
	}
}

func TestVolumeRatio(t *testing.T) {
	klines := klinesFromCloses(make([]float64, 25)...)
	for i := range klines {
		klines[i].Volume = dec(100)
	}
	klines[len(klines)-1].Volume = dec(300)
	if got := volumeRatio(klines, 20); !got.Equal(dec(3)) {
		t.Errorf("volume ratio = %s, want 3", got)
	}
}
