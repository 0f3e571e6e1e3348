package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridcore/internal/exchange"
	"gridcore/internal/market"
)

// OnPriceUpdate is the per-tick entry point. It runs the risk gates
// first and, when they pass, walks the grid for placement
// opportunities.
func (s *GridStrategy) OnPriceUpdate(ctx context.Context, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || !price.IsPositive() {
		return
	}
	s.lastPrice = price
	s.publishPriceLocked(ctx, price)

	if s.riskGatesTrippedLocked(ctx, price) {
		s.emergencyExitLocked(ctx)
		return
	}
	s.evaluateGridLocked(ctx, price)
}

func (s *GridStrategy) publishPriceLocked(ctx context.Context, price decimal.Decimal) {
	now := s.clock()
	if s.events == nil || now.Sub(s.lastPublishAt) < pricePublishInterval {
		return
	}
	s.lastPublishAt = now
	if err := s.events.Publish(ctx, EventPriceUpdate, map[string]any{
		"symbol": s.client.Symbol(),
		"price":  price.String(),
		"profit": s.realizedProfit.String(),
	}); err != nil {
		s.log.Debug("price publish failed", zap.Error(err))
	}
}

// riskGatesTrippedLocked checks stop loss, take profit and max
// drawdown. Any hit means a full exit.
func (s *GridStrategy) riskGatesTrippedLocked(ctx context.Context, price decimal.Decimal) bool {
	one := decimal.NewFromInt(1)

	stopLine := s.prices[0].Mul(one.Sub(s.params.StopLossPercent))
	if price.LessThanOrEqual(stopLine) {
		s.log.Warn("stop loss tripped",
			zap.String("price", price.String()),
			zap.String("stop_line", stopLine.String()))
		return true
	}
	if s.params.TakeProfitAmount.IsPositive() && s.realizedProfit.GreaterThanOrEqual(s.params.TakeProfitAmount) {
		s.log.Info("take profit reached",
			zap.String("realized", s.realizedProfit.String()))
		return true
	}
	if s.params.MaxDrawdown.IsPositive() && s.initialEquity.IsPositive() {
		equity, err := s.equityAt(ctx, price)
		if err != nil {
			s.log.Warn("equity read failed", zap.Error(err))
			return false
		}
		drawdown := s.initialEquity.Sub(equity).Div(s.initialEquity)
		if drawdown.GreaterThanOrEqual(s.params.MaxDrawdown) {
			s.log.Warn("max drawdown tripped",
				zap.String("drawdown", drawdown.StringFixed(4)))
			return true
		}
	}
	return false
}

// currentAdjustmentLocked resolves the analyzer's latest verdict. A
// stale verdict on an adaptive bot blocks placement entirely.
func (s *GridStrategy) currentAdjustmentLocked() (market.GridAdjustment, bool) {
	if !s.params.AdaptiveMode || s.analyzer == nil {
		return market.Neutral(), true
	}
	adj, at := s.analyzer.LastAdjustment()
	if at.IsZero() {
		return market.Neutral(), true
	}
	if s.clock().Sub(at) > s.params.staleDataTimeout() {
		s.log.Warn("analysis stale, holding new orders",
			zap.Duration("age", s.clock().Sub(at)))
		return adj, false
	}
	if adj.ShouldPause {
		return adj, false
	}
	return adj, true
}

// evaluateGridLocked walks the grid around the current price with the
// density-adjusted step and places missing orders: buys below, sells
// above when inventory allows.
func (s *GridStrategy) evaluateGridLocked(ctx context.Context, price decimal.Decimal) {
	adj, ok := s.currentAdjustmentLocked()
	if !ok {
		return
	}

	dynStep := s.baseStep.Div(adj.DensityMultiplier)
	if !dynStep.IsPositive() {
		return
	}
	tolerance := dynStep.Mul(decimal.NewFromFloat(0.1))
	invest := s.investmentLocked(adj)

	baseFree, err := s.client.GetFreeBalance(ctx, s.cfg.BaseAsset)
	if err != nil {
		s.log.Warn("base balance read failed", zap.Error(err))
		baseFree = decimal.Zero
	}
	sellBudget := baseFree

	upper := s.prices[len(s.prices)-1]
	i := 0
	for line := s.prices[0]; line.LessThanOrEqual(upper); line = line.Add(dynStep) {
		gridIndex := i
		i++
		// Lines hugging the market would fill as takers.
		if line.Sub(price).Abs().LessThan(tolerance) {
			continue
		}
		side := exchange.SideBuy
		if line.GreaterThan(price) {
			side = exchange.SideSell
		}
		if hasOrderNear(s.orders, line, tolerance, side == exchange.SideBuy) {
			continue
		}
		qty := s.floorQuantityLocked(line, invest.Div(line))
		if !qty.IsPositive() {
			continue
		}
		if side == exchange.SideSell {
			// The notional floor can lift the quantity past the
			// remaining inventory; such sells are skipped, not shrunk.
			if sellBudget.LessThan(qty) {
				continue
			}
			sellBudget = sellBudget.Sub(qty)
		}
		s.tryPlaceOrderLocked(ctx, gridIndex, side, line, qty, invest, adj.InvestmentMultiplier)
	}
}

// investmentLocked sizes one order: the analyzer's multiplier scales
// the per-grid investment, capped at perGrid times the martin
// multiplier. At the martin level ceiling sizing reverts to baseline.
func (s *GridStrategy) investmentLocked(adj market.GridAdjustment) decimal.Decimal {
	invest := s.params.InvestmentPerGrid.Mul(adj.InvestmentMultiplier)
	ceiling := s.params.InvestmentPerGrid.Mul(s.params.MartinMultiplier)
	if invest.GreaterThan(ceiling) {
		invest = ceiling
	}
	if s.martinLevel >= s.params.MaxMartinLevels {
		s.log.Warn("martin level cap reached, reverting to baseline investment",
			zap.Int("level", s.martinLevel))
		invest = s.params.InvestmentPerGrid
	}
	return invest
}

// tryPlaceOrderLocked runs the full pre-trade gate sequence and, when
// all gates pass, submits the limit order and records it in the book.
func (s *GridStrategy) tryPlaceOrderLocked(ctx context.Context, gridIndex int, side exchange.Side, price, qty, invest, investMult decimal.Decimal) {
	key := creationKey{gridIndex: gridIndex, side: side}
	if _, locked := s.creationLocks[key]; locked {
		return
	}
	s.creationLocks[key] = struct{}{}
	defer delete(s.creationLocks, key)

	spread, err := s.cachedSpreadLocked(ctx)
	if err != nil {
		s.log.Warn("spread read failed", zap.Error(err))
		return
	}
	if spread.GreaterThan(s.params.MaxSpreadPercent) {
		s.log.Debug("spread too wide", zap.String("spread", spread.StringFixed(6)))
		return
	}

	if side == exchange.SideBuy {
		if ok := s.buyGatesLocked(ctx, invest); !ok {
			return
		}
	}

	if pendingCount(s.orders) >= s.params.MaxOrderCount {
		s.log.Debug("order cap reached", zap.Int("max", s.params.MaxOrderCount))
		return
	}
	if s.client.InCircuitBreaker() {
		s.log.Warn("rate limit circuit breaker open, holding orders")
		return
	}
	if s.clock().Sub(s.lastTradeTime) < s.params.tradeCooldown() {
		return
	}

	ack, err := s.client.CreateLimitOrder(ctx, side, price, qty)
	if err != nil {
		if exchange.IsInsufficientBalance(err) {
			s.log.Debug("order skipped, insufficient balance",
				zap.String("side", string(side)), zap.String("price", price.String()))
			return
		}
		s.log.Warn("order placement failed",
			zap.String("side", string(side)),
			zap.String("price", price.String()),
			zap.Error(err))
		return
	}

	s.orders[priceKey(price)] = &GridOrder{
		GridIndex: gridIndex,
		Price:     price,
		Side:      side,
		Quantity:  qty,
		OrderID:   ack.OrderID,
		Status:    StatusPending,
	}
	s.lastTradeTime = s.clock()
	s.updateMartinLocked(investMult)
	s.saveStateLocked()
	s.log.Info("order placed",
		zap.String("side", string(side)),
		zap.Int("grid_index", gridIndex),
		zap.String("price", price.String()),
		zap.String("quantity", qty.String()),
		zap.Int64("order_id", ack.OrderID))
}

// buyGatesLocked enforces the quote reserve and the position-ratio
// ceiling before committing quote on a buy.
func (s *GridStrategy) buyGatesLocked(ctx context.Context, invest decimal.Decimal) bool {
	free, locked, err := s.client.GetBalance(ctx, s.cfg.QuoteAsset)
	if err != nil {
		s.log.Warn("quote balance read failed", zap.Error(err))
		return false
	}
	reserve := free.Add(locked).Mul(s.params.ReserveRatio)
	if free.Sub(invest).LessThan(reserve) {
		s.log.Debug("quote reserve would be breached",
			zap.String("free", free.StringFixed(2)),
			zap.String("reserve", reserve.StringFixed(2)))
		return false
	}

	ratio, err := s.positionRatio(ctx, s.lastPrice)
	if err != nil {
		s.log.Warn("position ratio read failed", zap.Error(err))
		return false
	}
	if ratio.GreaterThanOrEqual(s.params.MaxPositionRatio) {
		s.log.Debug("position ratio ceiling reached",
			zap.String("ratio", ratio.StringFixed(4)))
		return false
	}
	return true
}

func (s *GridStrategy) cachedSpreadLocked(ctx context.Context) (decimal.Decimal, error) {
	now := s.clock()
	if !s.lastSpreadAt.IsZero() && now.Sub(s.lastSpreadAt) < spreadCacheTTL {
		return s.lastSpread, nil
	}
	spread, err := s.client.GetBidAskSpread(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	s.lastSpread = spread
	s.lastSpreadAt = now
	return spread, nil
}

// floorQuantityLocked lifts the quantity to the exchange's notional
// floor with a 1% margin, then rounds it up to the next lot step so
// the floor still holds after snapping.
func (s *GridStrategy) floorQuantityLocked(price, qty decimal.Decimal) decimal.Decimal {
	filters := s.client.Filters()
	if filters.MinNotional.IsPositive() {
		minQty := filters.MinNotional.Mul(decimal.RequireFromString(notionalBuffer)).Div(price)
		if qty.LessThan(minQty) {
			qty = minQty
		}
	}
	if filters.StepSize.IsPositive() {
		qty = qty.Div(filters.StepSize).Ceil().Mul(filters.StepSize)
	}
	if filters.MinQty.IsPositive() && qty.LessThan(filters.MinQty) {
		qty = filters.MinQty
	}
	return qty
}

// updateMartinLocked tracks consecutive boosted placements. Only an
// analyzer verdict that actually scales the investment up counts as a
// martin step.
func (s *GridStrategy) updateMartinLocked(investMult decimal.Decimal) {
	if investMult.GreaterThan(decimal.NewFromInt(1)) {
		s.martinLevel++
	} else {
		s.martinLevel = 0
	}
}

// OnOrderUpdate applies one executionReport to the book: fills trigger
// the companion-sell / profit-matching flow, terminal cancels free the
// grid line.
func (s *GridStrategy) OnOrderUpdate(ctx context.Context, update exchange.OrderUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := findByOrderID(s.orders, update.OrderID)
	if order == nil {
		return
	}

	switch update.Status {
	case "CANCELED", "EXPIRED", "REJECTED":
		delete(s.orders, priceKey(order.Price))
		s.saveStateLocked()
		s.log.Info("order removed",
			zap.Int64("order_id", update.OrderID),
			zap.String("status", update.Status))
	case "PARTIALLY_FILLED":
		s.log.Info("order partially filled",
			zap.Int64("order_id", update.OrderID),
			zap.String("filled", update.FilledQuantity.String()))
	case "FILLED":
		s.handleFillLocked(ctx, order, update)
	}
}

func fillPrice(update exchange.OrderUpdate) decimal.Decimal {
	if update.LastFilledPrice.IsPositive() {
		return update.LastFilledPrice
	}
	return update.Price
}

func (s *GridStrategy) handleFillLocked(ctx context.Context, order *GridOrder, update exchange.OrderUpdate) {
	price := fillPrice(update)
	qty := update.FilledQuantity
	if qty.IsZero() {
		qty = order.Quantity
	}

	order.Status = StatusFilled
	s.log.Info("order filled",
		zap.String("side", string(order.Side)),
		zap.Int("grid_index", order.GridIndex),
		zap.String("price", price.String()),
		zap.String("quantity", qty.String()))

	switch order.Side {
	case exchange.SideBuy:
		s.recordTradeLocked(ctx, order, update, price, qty)
		order.EntryPrice = price
		if s.running {
			s.placeCompanionSellLocked(ctx, order, price, qty)
		}
	case exchange.SideSell:
		s.settleSellLocked(ctx, order, update, price, qty)
	}
	s.saveStateLocked()
}

func (s *GridStrategy) recordTradeLocked(ctx context.Context, order *GridOrder, update exchange.OrderUpdate, price, qty decimal.Decimal) {
	if s.recorder == nil {
		return
	}
	rec := TradeRecord{
		BotID:       s.cfg.BotID,
		OrderID:     update.OrderID,
		Symbol:      s.client.Symbol(),
		Side:        string(order.Side),
		Price:       price,
		Quantity:    order.Quantity,
		ExecutedQty: qty,
		Status:      "FILLED",
		Fee:         update.Fee,
		FeeAsset:    update.FeeAsset,
	}
	if err := s.recorder.SaveTrade(ctx, rec); err != nil {
		s.log.Error("trade persist failed", zap.Error(err))
	}
}

// placeCompanionSellLocked posts the paired SELL one grid line above a
// filled BUY. Requires s.mu held; the lock is released during any
// residual cooldown wait so other event handlers keep flowing.
func (s *GridStrategy) placeCompanionSellLocked(ctx context.Context, buy *GridOrder, entryPrice, qty decimal.Decimal) {
	sellIndex := buy.GridIndex + 1
	// Grid lines are evenly spaced, so the next line up is always one
	// base step above the buy.
	sellPrice := buy.Price.Add(s.baseStep)

	// Fills can land right after our own placement; queue the sell
	// behind the trade cooldown without stalling the stream callback.
	if wait := s.params.tradeCooldown() - s.clock().Sub(s.lastTradeTime); wait > 0 {
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			s.mu.Lock()
			return
		case <-time.After(wait):
		}
		s.mu.Lock()
		if !s.running {
			return
		}
		if existing, ok := s.orders[priceKey(sellPrice)]; ok && existing.Status == StatusPending {
			return
		}
	}

	// Fees or a manual sale may have consumed part of the fill; sell
	// what the account actually holds.
	sellQty := qty
	freeBase, err := s.client.GetFreeBalance(ctx, s.cfg.BaseAsset)
	if err != nil {
		s.log.Warn("base balance read failed", zap.Error(err))
		freeBase = sellQty
	}
	if freeBase.LessThan(sellQty) {
		s.log.Warn("base balance below fill quantity, shrinking companion sell",
			zap.String("free", freeBase.String()),
			zap.String("quantity", sellQty.String()))
		sellQty = freeBase
	}

	filters := s.client.Filters()
	if filters.MinNotional.IsPositive() && sellQty.Mul(sellPrice).LessThan(filters.MinNotional) {
		minQty := filters.MinNotional.Mul(decimal.RequireFromString(notionalBuffer)).Div(sellPrice)
		if freeBase.LessThan(minQty) {
			s.log.Error("position below exchange notional floor, holding inventory",
				zap.String("price", sellPrice.String()),
				zap.String("quantity", sellQty.String()))
			return
		}
		sellQty = minQty
	}
	if filters.StepSize.IsPositive() {
		sellQty = sellQty.Div(filters.StepSize).Floor().Mul(filters.StepSize)
	}
	if !sellQty.IsPositive() {
		s.log.Warn("fill too small for companion sell",
			zap.String("quantity", qty.String()))
		return
	}

	ack, err := s.client.CreateLimitOrder(ctx, exchange.SideSell, sellPrice, sellQty)
	if err != nil {
		s.log.Error("companion sell failed",
			zap.String("price", sellPrice.String()),
			zap.Error(err))
		return
	}
	s.orders[priceKey(sellPrice)] = &GridOrder{
		GridIndex:  sellIndex,
		Price:      sellPrice,
		Side:       exchange.SideSell,
		Quantity:   sellQty,
		OrderID:    ack.OrderID,
		Status:     StatusPending,
		EntryPrice: entryPrice,
	}
	s.lastTradeTime = s.clock()
	s.log.Info("companion sell placed",
		zap.Int("grid_index", sellIndex),
		zap.String("price", sellPrice.String()),
		zap.String("quantity", sellQty.String()),
		zap.Int64("order_id", ack.OrderID))
}

func (s *GridStrategy) settleSellLocked(ctx context.Context, sell *GridOrder, update exchange.OrderUpdate, price, qty decimal.Decimal) {
	profit := decimal.Zero
	entry := sell.EntryPrice
	if entry.IsZero() {
		if origin := findOriginBuy(s.orders, sell); origin != nil {
			entry = origin.EntryPrice
		}
	}
	if entry.IsPositive() {
		profit = price.Sub(entry).Mul(qty)
	}
	s.realizedProfit = s.realizedProfit.Add(profit)

	if origin := findOriginBuy(s.orders, sell); origin != nil {
		delete(s.orders, priceKey(origin.Price))
	}
	delete(s.orders, priceKey(sell.Price))

	if s.recorder != nil {
		rec := TradeRecord{
			BotID:       s.cfg.BotID,
			OrderID:     update.OrderID,
			Symbol:      s.client.Symbol(),
			Side:        string(exchange.SideSell),
			Price:       price,
			Quantity:    sell.Quantity,
			ExecutedQty: qty,
			Status:      "FILLED",
			Fee:         update.Fee,
			FeeAsset:    update.FeeAsset,
		}
		if err := s.recorder.SaveTradeWithPnl(ctx, rec, s.realizedProfit); err != nil {
			s.log.Error("trade and pnl persist failed", zap.Error(err))
		}
	}

	if s.events != nil {
		if err := s.events.Publish(ctx, EventProfitMatched, map[string]any{
			"symbol":       s.client.Symbol(),
			"sell_price":   price.String(),
			"entry_price":  entry.String(),
			"quantity":     qty.String(),
			"profit":       profit.String(),
			"total_profit": s.realizedProfit.String(),
		}); err != nil {
			s.log.Debug("profit publish failed", zap.Error(err))
		}
	}
	s.log.Info("grid pair matched",
		zap.String("profit", profit.String()),
		zap.String("total_profit", s.realizedProfit.String()))
}
