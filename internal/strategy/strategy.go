// Package strategy implements the per-bot grid trading state machine:
// grid generation, paired order management, risk gates, adaptive
// adjustments and crash-recovery persistence.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridcore/internal/exchange"
	"gridcore/internal/market"
)

// Exchange is the slice of the exchange client the strategy needs.
type Exchange interface {
	Symbol() string
	BaseAsset() string
	QuoteAsset() string
	Filters() exchange.SymbolFilters
	InCircuitBreaker() bool

	GetLastPrice(ctx context.Context) (decimal.Decimal, error)
	GetFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	GetBalance(ctx context.Context, asset string) (free, locked decimal.Decimal, err error)
	GetBidAskSpread(ctx context.Context) (decimal.Decimal, error)
	GetKlines(ctx context.Context, interval string, limit int) ([]exchange.Kline, error)
	GetOpenOrders(ctx context.Context) ([]exchange.OpenOrder, error)

	CreateLimitOrder(ctx context.Context, side exchange.Side, price, qty decimal.Decimal) (*exchange.OrderAck, error)
	CreateMarketOrder(ctx context.Context, side exchange.Side, qty, quoteQty decimal.Decimal) (*exchange.OrderAck, error)
	CancelOrder(ctx context.Context, orderID int64) error
	CancelAllOrders(ctx context.Context) error
	NukeAllOrders(ctx context.Context) error
}

// TradeRecord is one executed trade handed to the store.
type TradeRecord struct {
	BotID       int64
	OrderID     int64
	Symbol      string
	Side        string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	ExecutedQty decimal.Decimal
	Status      string
	Fee         decimal.Decimal
	FeeAsset    string
}

// TradeRecorder persists trades. SaveTradeWithPnl commits the trade row
// and the bot's cumulative pnl in one transaction.
type TradeRecorder interface {
	SaveTrade(ctx context.Context, t TradeRecord) error
	SaveTradeWithPnl(ctx context.Context, t TradeRecord, totalPnl decimal.Decimal) error
}

// EventSink publishes a bot's personal events on the bus.
type EventSink interface {
	Publish(ctx context.Context, eventType string, data map[string]any) error
}

// Notifier delivers user-visible notifications, best effort.
type Notifier interface {
	Notify(ctx context.Context, level, title, message string)
}

// Bus event types emitted by the grid strategy.
const (
	EventPriceUpdate   = "PRICE_UPDATE"
	EventProfitMatched = "PROFIT_MATCHED"
)

// Config identifies one bot instance.
type Config struct {
	BotID      int64
	UserID     int64
	APIKeyID   int64
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	IsTestnet  bool
	RawParams  json.RawMessage
}

// Deps are the collaborators a strategy runs against.
type Deps struct {
	Client   Exchange
	Recorder TradeRecorder
	Events   EventSink
	Notify   Notifier
	Analyzer *market.Analyzer
	Log      *zap.Logger
	StateDir string

	// Clock is overridable for tests; nil means time.Now.
	Clock func() time.Time
}

// Strategy is the lifecycle every bot algorithm implements.
type Strategy interface {
	Initialize(ctx context.Context) error
	OnPriceUpdate(ctx context.Context, price decimal.Decimal)
	OnOrderUpdate(ctx context.Context, update exchange.OrderUpdate)
	RunAnalysisLoop(ctx context.Context)
	Stop(ctx context.Context)
	PanicClose(ctx context.Context) error
}

// Factory builds a strategy for one bot.
type Factory func(cfg Config, deps Deps) (Strategy, error)

// Registry resolves strategy types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("grid", func(cfg Config, deps Deps) (Strategy, error) {
		return NewGridStrategy(cfg, deps)
	})
	return r
}

func (r *Registry) Register(strategyType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strategyType] = f
}

func (r *Registry) Resolve(strategyType string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[strategyType]
	if !ok {
		known := make([]string, 0, len(r.factories))
		for k := range r.factories {
			known = append(known, k)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("unknown strategy type %q (registered: %v)", strategyType, known)
	}
	return f, nil
}

const (
	feeReserveFactor     = "1.002"
	bootstrapBuffer      = "1.02"
	notionalBuffer       = "1.01"
	spreadCacheTTL       = 5 * time.Second
	pricePublishInterval = time.Second
	farOrderThreshold    = "0.05"
	analysisKlineLimit   = 250
	smallKlineLimit      = 50
)

type creationKey struct {
	gridIndex int
	side      exchange.Side
}

// GridStrategy is the grid state machine for one bot. One mutex guards
// all runtime state; tick and order handlers run serially under it.
type GridStrategy struct {
	cfg      Config
	params   GridParameters
	client   Exchange
	recorder TradeRecorder
	events   EventSink
	notify   Notifier
	analyzer *market.Analyzer
	log      *zap.Logger
	path     string
	clock    func() time.Time

	mu             sync.Mutex
	running        bool
	exited         bool
	prices         []decimal.Decimal
	baseStep       decimal.Decimal
	orders         map[string]*GridOrder
	realizedProfit decimal.Decimal
	lastPrice      decimal.Decimal
	initialEquity  decimal.Decimal
	martinLevel    int
	lastTradeTime  time.Time
	lastSpread     decimal.Decimal
	lastSpreadAt   time.Time
	lastPublishAt  time.Time
	creationLocks  map[creationKey]struct{}
}

// NewGridStrategy parses parameters and builds the state machine.
func NewGridStrategy(cfg Config, deps Deps) (*GridStrategy, error) {
	params, err := ParseGridParameters(cfg.RawParams)
	if err != nil {
		return nil, err
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &GridStrategy{
		cfg:           cfg,
		params:        params,
		client:        deps.Client,
		recorder:      deps.Recorder,
		events:        deps.Events,
		notify:        deps.Notify,
		analyzer:      deps.Analyzer,
		log:           deps.Log.Named("grid").With(zap.Int64("bot_id", cfg.BotID)),
		path:          statePath(deps.StateDir, cfg.BotID),
		clock:         clock,
		orders:        make(map[string]*GridOrder),
		creationLocks: make(map[creationKey]struct{}),
	}, nil
}

// Initialize computes the grid, restores or bootstraps position state,
// and arms the strategy. A price outside the grid range refuses to
// start.
func (s *GridStrategy) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices = GenerateGrid(s.params.Lower, s.params.Upper, s.params.GridCount)
	s.baseStep = s.params.Upper.Sub(s.params.Lower).Div(decimal.NewFromInt(int64(s.params.GridCount)))

	st, restored, err := loadStateFile(s.path)
	if err != nil {
		return err
	}
	if restored {
		s.orders = st.Orders
		s.realizedProfit = st.RealizedProfit
		s.lastPrice = st.LastPrice
		s.log.Info("state restored",
			zap.Int("orders", len(s.orders)),
			zap.String("realized_profit", s.realizedProfit.String()))
		if err := s.reconcileOrders(ctx); err != nil {
			s.log.Warn("order reconciliation failed", zap.Error(err))
		}
	}

	price, err := s.client.GetLastPrice(ctx)
	if err != nil {
		return fmt.Errorf("fetch current price: %w", err)
	}
	if price.LessThan(s.params.Lower) || price.GreaterThan(s.params.Upper) {
		return fmt.Errorf("price %s outside grid range [%s, %s]",
			price, s.params.Lower, s.params.Upper)
	}
	s.lastPrice = price

	if !restored {
		if err := s.client.NukeAllOrders(ctx); err != nil {
			s.log.Warn("stray order cleanup failed", zap.Error(err))
		}
		if err := s.bootstrap(ctx, price); err != nil {
			return err
		}
		if err := s.validateQuoteReserve(ctx); err != nil {
			return err
		}
	}

	if err := s.snapshotEquity(ctx, price); err != nil {
		return err
	}

	s.running = true
	s.exited = false
	s.saveStateLocked()
	s.log.Info("grid strategy initialised",
		zap.Int("grid_lines", len(s.prices)),
		zap.String("price", price.String()),
		zap.Bool("restored", restored))
	return nil
}

// reconcileOrders drops local PENDING entries the exchange no longer
// knows about.
func (s *GridStrategy) reconcileOrders(ctx context.Context) error {
	open, err := s.client.GetOpenOrders(ctx)
	if err != nil {
		return err
	}
	known := make(map[int64]bool, len(open))
	for _, o := range open {
		known[o.OrderID] = true
	}
	for key, o := range s.orders {
		if o.Status == StatusPending && !known[o.OrderID] {
			s.log.Info("dropping stale local order",
				zap.Int64("order_id", o.OrderID),
				zap.String("price", o.Price.String()))
			delete(s.orders, key)
		}
	}
	return nil
}

// bootstrap market-buys the base quantity needed to post the sell wall
// above the current price, within the available quote balance.
func (s *GridStrategy) bootstrap(ctx context.Context, price decimal.Decimal) error {
	required := decimal.Zero
	for i, line := range s.prices {
		if i == 0 || !line.GreaterThan(price) {
			continue
		}
		buyPrice := line.Sub(s.baseStep)
		if buyPrice.IsPositive() {
			required = required.Add(s.params.InvestmentPerGrid.Div(buyPrice))
		}
	}
	if required.IsZero() {
		return nil
	}

	baseFree, err := s.client.GetFreeBalance(ctx, s.cfg.BaseAsset)
	if err != nil {
		return fmt.Errorf("read base balance: %w", err)
	}
	shortfall := required.Sub(baseFree)
	if !shortfall.IsPositive() {
		return nil
	}

	buffer := decimal.RequireFromString(bootstrapBuffer)
	cost := shortfall.Mul(price).Mul(buffer)
	quoteFree, err := s.client.GetFreeBalance(ctx, s.cfg.QuoteAsset)
	if err != nil {
		return fmt.Errorf("read quote balance: %w", err)
	}
	if cost.GreaterThan(quoteFree) {
		if !s.cfg.IsTestnet {
			return fmt.Errorf("insufficient quote for bootstrap: need %s, have %s",
				cost.StringFixed(2), quoteFree.StringFixed(2))
		}
		s.log.Warn("partial bootstrap on testnet",
			zap.String("need", cost.StringFixed(2)),
			zap.String("have", quoteFree.StringFixed(2)))
		shortfall = quoteFree.Div(price.Mul(buffer))
	}
	if !shortfall.IsPositive() {
		return nil
	}

	s.log.Info("bootstrapping base position",
		zap.String("quantity", shortfall.String()),
		zap.String("price", price.String()))
	if _, err := s.client.CreateMarketOrder(ctx, exchange.SideBuy, shortfall, decimal.Zero); err != nil {
		return fmt.Errorf("bootstrap market buy: %w", err)
	}
	if s.notify != nil {
		s.notify.Notify(ctx, "info", "Position bootstrapped",
			fmt.Sprintf("Bought %s %s to build the sell wall", shortfall.StringFixed(6), s.cfg.BaseAsset))
	}
	return nil
}

func (s *GridStrategy) validateQuoteReserve(ctx context.Context) error {
	needed := s.params.InvestmentPerGrid.
		Mul(decimal.NewFromInt(int64(s.params.GridCount))).
		Mul(decimal.RequireFromString(feeReserveFactor))
	quoteFree, err := s.client.GetFreeBalance(ctx, s.cfg.QuoteAsset)
	if err != nil {
		return fmt.Errorf("read quote balance: %w", err)
	}
	if quoteFree.LessThan(needed) {
		return fmt.Errorf("free quote %s below required %s",
			quoteFree.StringFixed(2), needed.StringFixed(2))
	}
	return nil
}

func (s *GridStrategy) snapshotEquity(ctx context.Context, price decimal.Decimal) error {
	equity, err := s.equityAt(ctx, price)
	if err != nil {
		return fmt.Errorf("snapshot equity: %w", err)
	}
	s.initialEquity = equity
	return nil
}

func (s *GridStrategy) equityAt(ctx context.Context, price decimal.Decimal) (decimal.Decimal, error) {
	quoteFree, quoteLocked, err := s.client.GetBalance(ctx, s.cfg.QuoteAsset)
	if err != nil {
		return decimal.Zero, err
	}
	baseFree, baseLocked, err := s.client.GetBalance(ctx, s.cfg.BaseAsset)
	if err != nil {
		return decimal.Zero, err
	}
	base := baseFree.Add(baseLocked)
	return quoteFree.Add(quoteLocked).Add(base.Mul(price)), nil
}

// Stop disarms the strategy and flushes state.
func (s *GridStrategy) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.running = false
		s.saveStateLocked()
		s.log.Info("grid strategy stopped")
	}
}

// RealizedProfit returns the accumulated realized pnl.
func (s *GridStrategy) RealizedProfit() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realizedProfit
}

// RunAnalysisLoop drives the adaptive analyzer on its cadence and
// cancels orders drifting too far from the adjusted grid center. It
// blocks until ctx is cancelled; non-adaptive bots return immediately.
func (s *GridStrategy) RunAnalysisLoop(ctx context.Context) {
	if !s.params.AdaptiveMode || s.analyzer == nil {
		return
	}

	ticker := time.NewTicker(s.params.analysisInterval())
	defer ticker.Stop()

	// Prime once so the stale-analysis gate opens promptly.
	s.runAnalysisOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAnalysisOnce(ctx)
		}
	}
}

func (s *GridStrategy) runAnalysisOnce(ctx context.Context) {
	klines, err := s.client.GetKlines(ctx, "1h", analysisKlineLimit)
	if err != nil {
		s.log.Warn("kline fetch failed", zap.Error(err))
		return
	}
	snap := market.Snapshot{Klines: klines}
	if small, err := s.client.GetKlines(ctx, "15m", smallKlineLimit); err == nil {
		snap.SmallKlines = small
	}

	s.mu.Lock()
	price := s.lastPrice
	s.mu.Unlock()
	if ratio, err := s.positionRatio(ctx, price); err == nil {
		snap.PositionRatio = ratio
	}

	adj, err := s.analyzer.Analyze(snap)
	if err != nil {
		s.log.Warn("analysis failed", zap.Error(err))
		return
	}
	s.cancelFarOrders(ctx, adj)
}

func (s *GridStrategy) positionRatio(ctx context.Context, price decimal.Decimal) (decimal.Decimal, error) {
	if price.IsZero() {
		return decimal.Zero, nil
	}
	equity, err := s.equityAt(ctx, price)
	if err != nil || equity.IsZero() {
		return decimal.Zero, err
	}
	baseFree, baseLocked, err := s.client.GetBalance(ctx, s.cfg.BaseAsset)
	if err != nil {
		return decimal.Zero, err
	}
	return baseFree.Add(baseLocked).Mul(price).Div(equity), nil
}

// cancelFarOrders frees order slots held by PENDING orders more than 5%
// away from the shifted grid center.
func (s *GridStrategy) cancelFarOrders(ctx context.Context, adj market.GridAdjustment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.lastPrice.IsZero() {
		return
	}

	one := decimal.NewFromInt(1)
	center := s.lastPrice.Mul(one.Add(adj.GridCenterShift))
	threshold := decimal.RequireFromString(farOrderThreshold)

	changed := false
	for key, o := range s.orders {
		if o.Status != StatusPending {
			continue
		}
		distance := o.Price.Sub(center).Abs().Div(center)
		if distance.LessThanOrEqual(threshold) {
			continue
		}
		if err := s.client.CancelOrder(ctx, o.OrderID); err != nil {
			s.log.Warn("far order cancel failed",
				zap.Int64("order_id", o.OrderID), zap.Error(err))
			continue
		}
		s.log.Info("cancelled far order",
			zap.String("price", o.Price.String()),
			zap.String("center", center.StringFixed(4)))
		delete(s.orders, key)
		changed = true
	}
	if changed {
		s.saveStateLocked()
	}
}

// saveStateLocked flushes the snapshot; callers hold s.mu.
func (s *GridStrategy) saveStateLocked() {
	st := stateFile{
		RealizedProfit: s.realizedProfit,
		LastPrice:      s.lastPrice,
		Running:        s.running,
		Orders:         s.orders,
	}
	if err := saveStateFile(s.path, st); err != nil {
		s.log.Error("state flush failed", zap.Error(err))
	}
}
