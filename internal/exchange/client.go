// Package exchange wraps the Binance spot API for one credential and
// one symbol: typed REST operations with weight accounting and retry,
// symbol filter quantisation, a cached balance snapshot, and the two
// long-lived websocket streams.
package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridcore/pkg/ratelimit"
	"gridcore/pkg/retry"
)

const (
	mainnetBaseURL = "https://api.binance.com"
	testnetBaseURL = "https://testnet.binance.vision"

	clientOrderIDPrefix = "GRID_V2_"

	// Snapshot age beyond which balance reads fall back to REST.
	balanceStaleTimeout = 60 * time.Second

	klineCacheTTL = 60 * time.Second
)

// Request weights per endpoint.
const (
	weightServerTime   = 1
	weightExchangeInfo = 10
	weightAccount      = 10
	weightOpenOrders   = 3
	weightDepth        = 5
	weightKlines       = 2
	weightTicker       = 2
	weightOrder        = 1
)

// Options configure one client instance.
type Options struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	Creds      Credentials
	ProxyURL   string
}

type klineCacheEntry struct {
	klines    []Kline
	fetchedAt time.Time
}

// Client is a per-credential, per-symbol Binance wrapper. All REST
// operations consume rate-limiter tokens before hitting the wire.
type Client struct {
	opts    Options
	api     *binance.Client
	limiter *ratelimit.Limiter
	retry   retry.Policy
	log     *zap.Logger

	filters       SymbolFilters
	filtersLoaded bool

	balMu      sync.RWMutex
	balances   map[string]BalanceUpdate
	balancesAt time.Time

	klineMu    sync.Mutex
	klineCache map[string]klineCacheEntry

	keyMu     sync.Mutex
	listenKey string

	connMu    sync.Mutex
	connected bool
}

func New(opts Options, limiter *ratelimit.Limiter, log *zap.Logger) (*Client, error) {
	if opts.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}

	api := binance.NewClient(opts.Creds.APIKey, opts.Creds.APISecret)
	if opts.Creds.IsTestnet {
		api.BaseURL = testnetBaseURL
	} else {
		api.BaseURL = mainnetBaseURL
	}

	httpClient, err := newHTTPClient(opts.ProxyURL, limiter)
	if err != nil {
		return nil, fmt.Errorf("build http client: %w", err)
	}
	api.HTTPClient = httpClient

	c := &Client{
		opts:       opts,
		api:        api,
		limiter:    limiter,
		log:        log,
		balances:   make(map[string]BalanceUpdate),
		klineCache: make(map[string]klineCacheEntry),
	}

	p := retry.Default
	p.IsTransient = IsTransient
	p.BeforeRetry = func(ctx context.Context, err error) {
		if IsClockSkew(err) {
			if syncErr := c.syncClock(ctx); syncErr != nil {
				log.Warn("clock resync failed", zap.Error(syncErr))
			}
		}
	}
	c.retry = p

	return c, nil
}

func (c *Client) Symbol() string     { return c.opts.Symbol }
func (c *Client) BaseAsset() string  { return c.opts.BaseAsset }
func (c *Client) QuoteAsset() string { return c.opts.QuoteAsset }
func (c *Client) Testnet() bool      { return c.opts.Creds.IsTestnet }

// Filters returns the symbol quantisation rules loaded at connect time.
func (c *Client) Filters() SymbolFilters { return c.filters }

// InCircuitBreaker reports whether the weight bucket is in the breaker
// zone; the strategy skips non-essential buys while it holds.
func (c *Client) InCircuitBreaker() bool { return c.limiter.InCircuitBreaker() }

// Connect syncs the server clock, loads symbol filters and warms the
// balance snapshot. Live credentials fail hard when filters cannot be
// loaded; testnet credentials fall back to defaults.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.syncClock(ctx); err != nil {
		return fmt.Errorf("sync server time: %w", err)
	}
	if err := c.loadFilters(ctx); err != nil {
		if !c.opts.Creds.IsTestnet {
			return fmt.Errorf("load symbol filters: %w", err)
		}
		c.log.Warn("filter load failed on testnet, using defaults", zap.Error(err))
		c.filters = defaultFilters()
		c.filtersLoaded = true
	}
	if err := c.refreshBalances(ctx); err != nil {
		return fmt.Errorf("warm balances: %w", err)
	}

	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.log.Info("exchange client connected",
		zap.String("symbol", c.opts.Symbol),
		zap.Bool("testnet", c.opts.Creds.IsTestnet))
	return nil
}

// Disconnect is idempotent.
func (c *Client) Disconnect(ctx context.Context) {
	c.connMu.Lock()
	was := c.connected
	c.connected = false
	c.connMu.Unlock()
	if !was {
		return
	}

	c.keyMu.Lock()
	key := c.listenKey
	c.listenKey = ""
	c.keyMu.Unlock()
	if key != "" {
		if err := c.api.NewCloseUserStreamService().ListenKey(key).Do(ctx); err != nil {
			c.log.Debug("close user stream failed", zap.Error(err))
		}
	}
	c.api.HTTPClient.CloseIdleConnections()
	c.log.Info("exchange client disconnected", zap.String("symbol", c.opts.Symbol))
}

func (c *Client) syncClock(ctx context.Context) error {
	if err := c.limiter.AcquireWeight(ctx, weightServerTime); err != nil {
		return err
	}
	serverTime, err := c.api.NewServerTimeService().Do(ctx)
	if err != nil {
		return normalizeError(err)
	}
	offset := serverTime - time.Now().UnixMilli()
	c.api.TimeOffset = offset
	c.log.Debug("server clock synced", zap.Int64("offset_ms", offset))
	return nil
}

func (c *Client) loadFilters(ctx context.Context) error {
	if err := c.limiter.AcquireWeight(ctx, weightExchangeInfo); err != nil {
		return err
	}
	var info *binance.ExchangeInfo
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var opErr error
		info, opErr = c.api.NewExchangeInfoService().Symbol(c.opts.Symbol).Do(ctx)
		return normalizeError(opErr)
	})
	if err != nil {
		return err
	}

	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != c.opts.Symbol {
			continue
		}
		var f SymbolFilters
		if pf := s.PriceFilter(); pf != nil {
			f.TickSize, _ = decimal.NewFromString(pf.TickSize)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			f.StepSize, _ = decimal.NewFromString(lf.StepSize)
			f.MinQty, _ = decimal.NewFromString(lf.MinQuantity)
		}
		if nf := s.NotionalFilter(); nf != nil {
			f.MinNotional, _ = decimal.NewFromString(nf.MinNotional)
		}
		c.filters = f
		c.filtersLoaded = true
		c.log.Info("symbol filters loaded",
			zap.String("tick_size", f.TickSize.String()),
			zap.String("step_size", f.StepSize.String()),
			zap.String("min_notional", f.MinNotional.String()))
		return nil
	}
	return fmt.Errorf("symbol %s not present in exchangeInfo", c.opts.Symbol)
}

func defaultFilters() SymbolFilters {
	return SymbolFilters{
		TickSize:    decimal.New(1, -2),
		StepSize:    decimal.New(1, -5),
		MinQty:      decimal.New(1, -5),
		MinNotional: decimal.NewFromInt(5),
	}
}

func (c *Client) refreshBalances(ctx context.Context) error {
	if err := c.limiter.AcquireWeight(ctx, weightAccount); err != nil {
		return err
	}
	var acct *binance.Account
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var opErr error
		acct, opErr = c.api.NewGetAccountService().Do(ctx)
		return normalizeError(opErr)
	})
	if err != nil {
		return err
	}

	snapshot := make(map[string]BalanceUpdate, len(acct.Balances))
	for _, b := range acct.Balances {
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		snapshot[b.Asset] = BalanceUpdate{Asset: b.Asset, Free: free, Locked: locked}
	}

	c.balMu.Lock()
	c.balances = snapshot
	c.balancesAt = time.Now()
	c.balMu.Unlock()
	return nil
}

// GetFreeBalance reads the snapshot, refreshing it over REST first when
// it has gone stale.
func (c *Client) GetFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	free, _, err := c.GetBalance(ctx, asset)
	return free, err
}

// GetBalance returns free and locked amounts for one asset.
func (c *Client) GetBalance(ctx context.Context, asset string) (decimal.Decimal, decimal.Decimal, error) {
	c.balMu.RLock()
	age := time.Since(c.balancesAt)
	bal, ok := c.balances[asset]
	c.balMu.RUnlock()

	if age > balanceStaleTimeout {
		if err := c.refreshBalances(ctx); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		c.balMu.RLock()
		bal, ok = c.balances[asset]
		c.balMu.RUnlock()
	}
	if !ok {
		return decimal.Zero, decimal.Zero, nil
	}
	return bal.Free, bal.Locked, nil
}

// ApplyBalanceUpdates folds an outboundAccountPosition frame into the
// snapshot, keeping it fresh without REST calls.
func (c *Client) ApplyBalanceUpdates(updates []BalanceUpdate) {
	c.balMu.Lock()
	for _, u := range updates {
		c.balances[u.Asset] = u
	}
	c.balancesAt = time.Now()
	c.balMu.Unlock()
}

// FormatPrice floors a price to the symbol tick size.
func (c *Client) FormatPrice(p decimal.Decimal) decimal.Decimal {
	return floorToStep(p, c.filters.TickSize)
}

// FormatQuantity floors a quantity to the symbol step size.
func (c *Client) FormatQuantity(q decimal.Decimal) decimal.Decimal {
	return floorToStep(q, c.filters.StepSize)
}

func floorToStep(x, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return x
	}
	return x.Div(step).Floor().Mul(step)
}

func newClientOrderID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return clientOrderIDPrefix + raw[:16]
}

// CreateLimitOrder places a GTC limit order, rounding price and
// quantity to the symbol filters.
func (c *Client) CreateLimitOrder(ctx context.Context, side Side, price, qty decimal.Decimal) (*OrderAck, error) {
	price = c.FormatPrice(price)
	qty = c.FormatQuantity(qty)
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, &APIError{Code: CodeInvalidOrder, Message: "quantity rounds to zero"}
	}

	if err := c.limiter.AcquireOrderSlot(ctx); err != nil {
		return nil, err
	}
	if err := c.limiter.AcquireWeight(ctx, weightOrder); err != nil {
		return nil, err
	}

	clientID := newClientOrderID()
	var res *binance.CreateOrderResponse
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var opErr error
		res, opErr = c.api.NewCreateOrderService().
			Symbol(c.opts.Symbol).
			Side(binance.SideType(side)).
			Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(price.String()).
			Quantity(qty.String()).
			NewClientOrderID(clientID).
			Do(ctx)
		return normalizeError(opErr)
	})
	if err != nil {
		return nil, err
	}
	return &OrderAck{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Price:         price,
		Quantity:      qty,
		Status:        string(res.Status),
	}, nil
}

// CreateMarketOrder places a market order. Exactly one of qty (base
// asset) and quoteQty (quote asset) must be positive.
func (c *Client) CreateMarketOrder(ctx context.Context, side Side, qty, quoteQty decimal.Decimal) (*OrderAck, error) {
	hasQty := qty.IsPositive()
	hasQuote := quoteQty.IsPositive()
	if hasQty == hasQuote {
		return nil, fmt.Errorf("market order needs exactly one of quantity and quote quantity")
	}

	if err := c.limiter.AcquireOrderSlot(ctx); err != nil {
		return nil, err
	}
	if err := c.limiter.AcquireWeight(ctx, weightOrder); err != nil {
		return nil, err
	}

	svc := c.api.NewCreateOrderService().
		Symbol(c.opts.Symbol).
		Side(binance.SideType(side)).
		Type(binance.OrderTypeMarket).
		NewClientOrderID(newClientOrderID())
	if hasQty {
		svc = svc.Quantity(c.FormatQuantity(qty).String())
	} else {
		svc = svc.QuoteOrderQty(quoteQty.String())
	}

	var res *binance.CreateOrderResponse
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var opErr error
		res, opErr = svc.Do(ctx)
		return normalizeError(opErr)
	})
	if err != nil {
		return nil, err
	}

	executed, _ := decimal.NewFromString(res.ExecutedQuantity)
	return &OrderAck{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Quantity:      executed,
		Status:        string(res.Status),
	}, nil
}

// CancelOrder cancels one order; an already-gone order counts as
// success.
func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	if err := c.limiter.AcquireWeight(ctx, weightOrder); err != nil {
		return err
	}
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		_, opErr := c.api.NewCancelOrderService().
			Symbol(c.opts.Symbol).
			OrderID(orderID).
			Do(ctx)
		return normalizeError(opErr)
	})
	if err != nil && !IsUnknownOrder(err) {
		return err
	}
	return nil
}

// CancelAllOrders cancels every resting order on the symbol in one
// call. No open orders is not an error.
func (c *Client) CancelAllOrders(ctx context.Context) error {
	if err := c.limiter.AcquireWeight(ctx, weightOrder); err != nil {
		return err
	}
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		_, opErr := c.api.NewCancelOpenOrdersService().
			Symbol(c.opts.Symbol).
			Do(ctx)
		return normalizeError(opErr)
	})
	if err != nil && !IsUnknownOrder(err) {
		return err
	}
	return nil
}

// NukeAllOrders lists open orders and cancels them one by one. Used at
// fresh start to clear strays left by previous runs, where the bulk
// cancel's all-or-nothing semantics are unwanted.
func (c *Client) NukeAllOrders(ctx context.Context) error {
	orders, err := c.GetOpenOrders(ctx)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if err := c.CancelOrder(ctx, o.OrderID); err != nil {
			c.log.Warn("stray order cancel failed",
				zap.Int64("order_id", o.OrderID), zap.Error(err))
		}
	}
	if len(orders) > 0 {
		c.log.Info("stray orders cleared", zap.Int("count", len(orders)))
	}
	return nil
}

// GetOpenOrders lists resting orders for the symbol.
func (c *Client) GetOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	if err := c.limiter.AcquireWeight(ctx, weightOpenOrders); err != nil {
		return nil, err
	}
	var raw []*binance.Order
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var opErr error
		raw, opErr = c.api.NewListOpenOrdersService().Symbol(c.opts.Symbol).Do(ctx)
		return normalizeError(opErr)
	})
	if err != nil {
		return nil, err
	}

	orders := make([]OpenOrder, 0, len(raw))
	for _, o := range raw {
		price, _ := decimal.NewFromString(o.Price)
		qty, _ := decimal.NewFromString(o.OrigQuantity)
		orders = append(orders, OpenOrder{
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Side:          Side(o.Side),
			Price:         price,
			Quantity:      qty,
		})
	}
	return orders, nil
}

// GetOrderBook returns up to depth levels per side.
func (c *Client) GetOrderBook(ctx context.Context, depth int) (bids, asks []BookLevel, err error) {
	if err := c.limiter.AcquireWeight(ctx, weightDepth); err != nil {
		return nil, nil, err
	}
	var res *binance.DepthResponse
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		var opErr error
		res, opErr = c.api.NewDepthService().Symbol(c.opts.Symbol).Limit(depth).Do(ctx)
		return normalizeError(opErr)
	})
	if err != nil {
		return nil, nil, err
	}

	for _, b := range res.Bids {
		price, _ := decimal.NewFromString(b.Price)
		qty, _ := decimal.NewFromString(b.Quantity)
		bids = append(bids, BookLevel{Price: price, Quantity: qty})
	}
	for _, a := range res.Asks {
		price, _ := decimal.NewFromString(a.Price)
		qty, _ := decimal.NewFromString(a.Quantity)
		asks = append(asks, BookLevel{Price: price, Quantity: qty})
	}
	return bids, asks, nil
}

// GetBidAskSpread returns (ask-bid)/mid. An empty book reports 1.0 so
// spread gates pause trading instead of passing vacuously.
func (c *Client) GetBidAskSpread(ctx context.Context) (decimal.Decimal, error) {
	bids, asks, err := c.GetOrderBook(ctx, 5)
	if err != nil {
		return decimal.Zero, err
	}
	return spreadOf(bids, asks), nil
}

func spreadOf(bids, asks []BookLevel) decimal.Decimal {
	if len(bids) == 0 || len(asks) == 0 {
		return decimal.NewFromInt(1)
	}
	bid := bids[0].Price
	ask := asks[0].Price
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return decimal.NewFromInt(1)
	}
	return ask.Sub(bid).Div(mid)
}

// GetKlines returns candles for the interval, memoised for 60 seconds
// per (interval, limit) to keep analysis loops cheap.
func (c *Client) GetKlines(ctx context.Context, interval string, limit int) ([]Kline, error) {
	key := fmt.Sprintf("%s:%d", interval, limit)

	c.klineMu.Lock()
	if entry, ok := c.klineCache[key]; ok && time.Since(entry.fetchedAt) < klineCacheTTL {
		cached := entry.klines
		c.klineMu.Unlock()
		return cached, nil
	}
	c.klineMu.Unlock()

	if err := c.limiter.AcquireWeight(ctx, weightKlines); err != nil {
		return nil, err
	}
	var raw []*binance.Kline
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var opErr error
		raw, opErr = c.api.NewKlinesService().
			Symbol(c.opts.Symbol).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		return normalizeError(opErr)
	})
	if err != nil {
		return nil, err
	}

	klines := make([]Kline, 0, len(raw))
	for _, k := range raw {
		open, _ := decimal.NewFromString(k.Open)
		high, _ := decimal.NewFromString(k.High)
		low, _ := decimal.NewFromString(k.Low)
		cls, _ := decimal.NewFromString(k.Close)
		vol, _ := decimal.NewFromString(k.Volume)
		klines = append(klines, Kline{
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     cls,
			Volume:    vol,
			CloseTime: time.UnixMilli(k.CloseTime),
		})
	}

	c.klineMu.Lock()
	c.klineCache[key] = klineCacheEntry{klines: klines, fetchedAt: time.Now()}
	c.klineMu.Unlock()
	return klines, nil
}

// GetLastPrice fetches the current price over REST. Streams are the
// normal price source; this backs initialisation.
func (c *Client) GetLastPrice(ctx context.Context) (decimal.Decimal, error) {
	if err := c.limiter.AcquireWeight(ctx, weightTicker); err != nil {
		return decimal.Zero, err
	}
	var prices []*binance.SymbolPrice
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var opErr error
		prices, opErr = c.api.NewListPricesService().Symbol(c.opts.Symbol).Do(ctx)
		return normalizeError(opErr)
	})
	if err != nil {
		return decimal.Zero, err
	}
	if len(prices) == 0 {
		return decimal.Zero, fmt.Errorf("no price returned for %s", c.opts.Symbol)
	}
	return decimal.NewFromString(prices[0].Price)
}
