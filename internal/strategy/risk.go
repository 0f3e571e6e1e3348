package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridcore/internal/exchange"
)

// emergencyExitLocked liquidates the bot after a risk gate trips:
// cancel everything, market-sell the base inventory, notify. The
// exited latch makes it idempotent; callers hold s.mu.
func (s *GridStrategy) emergencyExitLocked(ctx context.Context) {
	if s.exited {
		return
	}
	s.exited = true
	s.running = false

	if err := s.client.CancelAllOrders(ctx); err != nil {
		s.log.Error("emergency cancel failed", zap.Error(err))
	}

	qty, err := s.sellableBaseLocked(ctx)
	if err != nil {
		s.log.Error("emergency balance read failed", zap.Error(err))
	} else if qty.IsPositive() {
		if _, err := s.client.CreateMarketOrder(ctx, exchange.SideSell, qty, decimal.Zero); err != nil {
			s.log.Error("emergency liquidation failed",
				zap.String("quantity", qty.String()), zap.Error(err))
		} else {
			s.log.Warn("position liquidated",
				zap.String("quantity", qty.String()))
		}
	}

	if s.notify != nil {
		s.notify.Notify(ctx, "critical", "Emergency exit",
			fmt.Sprintf("Bot %d on %s exited after a risk limit trip. Realized profit: %s",
				s.cfg.BotID, s.client.Symbol(), s.realizedProfit.StringFixed(4)))
	}
	s.saveStateLocked()
}

// sellableBaseLocked floors the free base balance to the lot step and
// drops it to zero below the exchange minimums.
func (s *GridStrategy) sellableBaseLocked(ctx context.Context) (decimal.Decimal, error) {
	free, err := s.client.GetFreeBalance(ctx, s.cfg.BaseAsset)
	if err != nil {
		return decimal.Zero, err
	}
	filters := s.client.Filters()
	qty := free
	if filters.StepSize.IsPositive() {
		qty = qty.Div(filters.StepSize).Floor().Mul(filters.StepSize)
	}
	if filters.MinQty.IsPositive() && qty.LessThan(filters.MinQty) {
		return decimal.Zero, nil
	}
	if filters.MinNotional.IsPositive() && s.lastPrice.IsPositive() &&
		qty.Mul(s.lastPrice).LessThan(filters.MinNotional) {
		return decimal.Zero, nil
	}
	return qty, nil
}

// PanicClose is the operator-initiated kill: cancel all orders, dump
// the position at market, flush state. Unlike the automatic exit it
// reports failures to the caller.
func (s *GridStrategy) PanicClose(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	if err := s.client.CancelAllOrders(ctx); err != nil {
		return fmt.Errorf("cancel open orders: %w", err)
	}
	for key, o := range s.orders {
		if o.Status == StatusPending {
			delete(s.orders, key)
		}
	}

	qty, err := s.sellableBaseLocked(ctx)
	if err != nil {
		return fmt.Errorf("read base balance: %w", err)
	}
	if qty.IsPositive() {
		if _, err := s.client.CreateMarketOrder(ctx, exchange.SideSell, qty, decimal.Zero); err != nil {
			return fmt.Errorf("liquidate position: %w", err)
		}
		s.log.Warn("panic close liquidated position",
			zap.String("quantity", qty.String()))
	} else {
		s.log.Info("panic close: no sellable position")
	}

	s.exited = true
	s.saveStateLocked()
	return nil
}
