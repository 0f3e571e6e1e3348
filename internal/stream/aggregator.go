// Package stream multiplexes exchange streams across bots. Bots on the
// same symbol share one ticker reader, bots on the same credential
// share one user-data reader. Readers are reference counted: the first
// subscriber spawns one, the last to leave tears it down.
package stream

import (
	"context"
	"strings"
	"sync"

	"github.com/alitto/pond"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridcore/internal/exchange"
)

// Handle identifies one subscription for lifecycle bookkeeping.
type Handle struct {
	BotID int64
	Kind  string
}

type PriceCallback func(price decimal.Decimal)

type UserCallback func(ev exchange.UserEvent)

// MarketOpener runs one public ticker reader until ctx is cancelled.
type MarketOpener func(ctx context.Context, symbol string, testnet bool, onPrice PriceCallback) error

// UserOpener runs one authenticated user-data reader until ctx is
// cancelled.
type UserOpener func(ctx context.Context, creds exchange.Credentials, onEvent UserCallback) error

type marketKey struct {
	symbol  string
	testnet bool
}

type marketSub struct {
	cancel    context.CancelFunc
	callbacks map[Handle]PriceCallback
}

type userSub struct {
	cancel    context.CancelFunc
	callbacks map[Handle]UserCallback
}

// Aggregator owns the shared readers and the fan-out worker pool.
type Aggregator struct {
	log        *zap.Logger
	pool       *pond.WorkerPool
	openMarket MarketOpener
	openUser   UserOpener

	mu     sync.Mutex
	market map[marketKey]*marketSub
	user   map[int64]*userSub
}

// New builds an aggregator with the given reader constructors. Pass
// DefaultMarketOpener and a supervisor-provided user opener in
// production; tests inject fakes.
func New(openMarket MarketOpener, openUser UserOpener, log *zap.Logger) *Aggregator {
	return &Aggregator{
		log:        log,
		pool:       pond.New(32, 1024),
		openMarket: openMarket,
		openUser:   openUser,
		market:     make(map[marketKey]*marketSub),
		user:       make(map[int64]*userSub),
	}
}

// DefaultMarketOpener reads the public Binance ticker stream.
func DefaultMarketOpener(log *zap.Logger) MarketOpener {
	return func(ctx context.Context, symbol string, testnet bool, onPrice PriceCallback) error {
		return exchange.StreamTicker(ctx, symbol, testnet, func(p decimal.Decimal) { onPrice(p) }, log)
	}
}

// SubscribeMarket registers cb for ticker prices of (symbol, testnet),
// spawning the shared reader if this is the first subscriber.
func (a *Aggregator) SubscribeMarket(symbol string, testnet bool, h Handle, cb PriceCallback) {
	key := marketKey{symbol: strings.ToUpper(symbol), testnet: testnet}

	a.mu.Lock()
	defer a.mu.Unlock()

	sub, ok := a.market[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		sub = &marketSub{cancel: cancel, callbacks: make(map[Handle]PriceCallback)}
		a.market[key] = sub

		a.log.Info("opening shared market stream",
			zap.String("symbol", key.symbol), zap.Bool("testnet", testnet))
		go func() {
			err := a.openMarket(ctx, key.symbol, testnet, func(price decimal.Decimal) {
				a.dispatchMarket(key, price)
			})
			if err != nil && ctx.Err() == nil {
				a.log.Error("market stream reader exited",
					zap.String("symbol", key.symbol), zap.Error(err))
			}
		}()
	} else {
		a.log.Info("sharing market stream",
			zap.String("symbol", key.symbol),
			zap.Int("subscribers", len(sub.callbacks)+1))
	}
	sub.callbacks[h] = cb
}

// UnsubscribeMarket removes the handle; the last removal cancels the
// reader.
func (a *Aggregator) UnsubscribeMarket(symbol string, testnet bool, h Handle) {
	key := marketKey{symbol: strings.ToUpper(symbol), testnet: testnet}

	a.mu.Lock()
	defer a.mu.Unlock()

	sub, ok := a.market[key]
	if !ok {
		return
	}
	delete(sub.callbacks, h)
	if len(sub.callbacks) == 0 {
		a.log.Info("closing idle market stream", zap.String("symbol", key.symbol))
		sub.cancel()
		delete(a.market, key)
	}
}

// SubscribeUser registers cb for the credential's user-data events,
// spawning the shared authenticated reader on first use.
func (a *Aggregator) SubscribeUser(creds exchange.Credentials, h Handle, cb UserCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sub, ok := a.user[creds.APIKeyID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		sub = &userSub{cancel: cancel, callbacks: make(map[Handle]UserCallback)}
		a.user[creds.APIKeyID] = sub

		a.log.Info("opening shared user stream", zap.Int64("api_key_id", creds.APIKeyID))
		go func() {
			err := a.openUser(ctx, creds, func(ev exchange.UserEvent) {
				a.dispatchUser(creds.APIKeyID, ev)
			})
			if err != nil && ctx.Err() == nil {
				a.log.Error("user stream reader exited",
					zap.Int64("api_key_id", creds.APIKeyID), zap.Error(err))
			}
		}()
	} else {
		a.log.Info("sharing user stream",
			zap.Int64("api_key_id", creds.APIKeyID),
			zap.Int("subscribers", len(sub.callbacks)+1))
	}
	sub.callbacks[h] = cb
}

// UnsubscribeUser removes the handle; the last removal cancels the
// reader.
func (a *Aggregator) UnsubscribeUser(apiKeyID int64, h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sub, ok := a.user[apiKeyID]
	if !ok {
		return
	}
	delete(sub.callbacks, h)
	if len(sub.callbacks) == 0 {
		a.log.Info("closing idle user stream", zap.Int64("api_key_id", apiKeyID))
		sub.cancel()
		delete(a.user, apiKeyID)
	}
}

// dispatchMarket fans one price out to all subscribers concurrently,
// waiting for the batch so per-key ordering is preserved.
func (a *Aggregator) dispatchMarket(key marketKey, price decimal.Decimal) {
	a.mu.Lock()
	sub, ok := a.market[key]
	if !ok {
		a.mu.Unlock()
		return
	}
	batch := make([]PriceCallback, 0, len(sub.callbacks))
	for _, cb := range sub.callbacks {
		batch = append(batch, cb)
	}
	a.mu.Unlock()

	group := a.pool.Group()
	for _, cb := range batch {
		cb := cb
		group.Submit(func() {
			defer a.recoverCallback("market", key.symbol)
			cb(price)
		})
	}
	group.Wait()
}

func (a *Aggregator) dispatchUser(apiKeyID int64, ev exchange.UserEvent) {
	a.mu.Lock()
	sub, ok := a.user[apiKeyID]
	if !ok {
		a.mu.Unlock()
		return
	}
	batch := make([]UserCallback, 0, len(sub.callbacks))
	for _, cb := range sub.callbacks {
		batch = append(batch, cb)
	}
	a.mu.Unlock()

	group := a.pool.Group()
	for _, cb := range batch {
		cb := cb
		group.Submit(func() {
			defer a.recoverCallback("user", ev.Type)
			cb(ev)
		})
	}
	group.Wait()
}

// Callback failures are logged per occurrence; the subscriber stays.
func (a *Aggregator) recoverCallback(kind, key string) {
	if r := recover(); r != nil {
		a.log.Error("stream callback panicked",
			zap.String("stream", kind),
			zap.String("key", key),
			zap.Any("panic", r))
	}
}

// MarketReaderCount reports the number of live market readers.
func (a *Aggregator) MarketReaderCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.market)
}

// UserReaderCount reports the number of live user-data readers.
func (a *Aggregator) UserReaderCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.user)
}

// Stop cancels every reader and drains the dispatch pool.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	for key, sub := range a.market {
		sub.cancel()
		delete(a.market, key)
	}
	for id, sub := range a.user {
		sub.cancel()
		delete(a.user, id)
	}
	a.mu.Unlock()

	a.pool.StopAndWait()
	a.log.Info("stream aggregator stopped")
}
