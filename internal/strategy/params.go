package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// GridParameters is the typed, validated form of a bot's opaque
// parameter document. Unknown fields are rejected.
type GridParameters struct {
	Lower             decimal.Decimal `json:"lower"`
	Upper             decimal.Decimal `json:"upper"`
	GridCount         int             `json:"grid_count"`
	InvestmentPerGrid decimal.Decimal `json:"investment_per_grid"`

	ReserveRatio     decimal.Decimal `json:"reserve_ratio"`
	StopLossPercent  decimal.Decimal `json:"stop_loss_percent"`
	TakeProfitAmount decimal.Decimal `json:"take_profit_amount"`
	MaxSpreadPercent decimal.Decimal `json:"max_spread_percent"`
	MaxPositionRatio decimal.Decimal `json:"max_position_ratio"`
	MaxDrawdown      decimal.Decimal `json:"max_drawdown"`

	MartinMultiplier decimal.Decimal `json:"martin_multiplier"`
	MaxMartinLevels  int             `json:"max_martin_levels"`

	MaxOrderCount int `json:"max_order_count"`

	TradeCooldownSeconds    int  `json:"trade_cooldown_seconds"`
	StaleDataTimeoutSeconds int  `json:"stale_data_timeout_seconds"`
	AnalysisIntervalSeconds int  `json:"analysis_interval_seconds"`
	AdaptiveMode            bool `json:"adaptive_mode"`
}

func defaultParameters() GridParameters {
	return GridParameters{
		ReserveRatio:            decimal.NewFromFloat(0.05),
		StopLossPercent:         decimal.NewFromFloat(0.2),
		TakeProfitAmount:        decimal.NewFromInt(1000),
		MaxSpreadPercent:        decimal.NewFromFloat(0.005),
		MaxPositionRatio:        decimal.NewFromFloat(0.95),
		MaxDrawdown:             decimal.NewFromFloat(0.2),
		MartinMultiplier:        decimal.NewFromFloat(1.5),
		MaxMartinLevels:         3,
		MaxOrderCount:           50,
		TradeCooldownSeconds:    5,
		StaleDataTimeoutSeconds: 300,
		AnalysisIntervalSeconds: 300,
	}
}

// ParseGridParameters decodes and validates a parameter document.
func ParseGridParameters(raw json.RawMessage) (GridParameters, error) {
	p := defaultParameters()
	if len(raw) == 0 {
		return p, fmt.Errorf("parameters are required")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return p, fmt.Errorf("parse grid parameters: %w", err)
	}
	if err := p.validate(); err != nil {
		return p, err
	}
	return p, nil
}

func (p GridParameters) validate() error {
	one := decimal.NewFromInt(1)
	switch {
	case !p.Lower.IsPositive():
		return fmt.Errorf("lower must be positive")
	case !p.Upper.GreaterThan(p.Lower):
		return fmt.Errorf("upper must exceed lower")
	case p.GridCount < 2:
		return fmt.Errorf("grid_count must be at least 2")
	case p.GridCount > p.MaxOrderCount:
		return fmt.Errorf("grid_count must not exceed max_order_count (%d)", p.MaxOrderCount)
	case !p.InvestmentPerGrid.IsPositive():
		return fmt.Errorf("investment_per_grid must be positive")
	case !p.ReserveRatio.IsPositive() || !p.ReserveRatio.LessThan(one):
		return fmt.Errorf("reserve_ratio must be in (0, 1)")
	case !p.StopLossPercent.IsPositive() || !p.StopLossPercent.LessThan(one):
		return fmt.Errorf("stop_loss_percent must be in (0, 1)")
	case !p.MaxPositionRatio.IsPositive() || p.MaxPositionRatio.GreaterThan(one):
		return fmt.Errorf("max_position_ratio must be in (0, 1]")
	case p.MartinMultiplier.LessThan(one):
		return fmt.Errorf("martin_multiplier must be at least 1")
	case p.MaxMartinLevels < 0:
		return fmt.Errorf("max_martin_levels must not be negative")
	case p.MaxDrawdown.IsNegative():
		return fmt.Errorf("max_drawdown must not be negative")
	}
	return nil
}

func (p GridParameters) tradeCooldown() time.Duration {
	return time.Duration(p.TradeCooldownSeconds) * time.Second
}

func (p GridParameters) staleDataTimeout() time.Duration {
	return time.Duration(p.StaleDataTimeoutSeconds) * time.Second
}

func (p GridParameters) analysisInterval() time.Duration {
	return time.Duration(p.AnalysisIntervalSeconds) * time.Second
}
