// Package supervisor owns bot lifecycles: start, stop, panic close and
// crash recovery. Every bot gets its own exchange client, rate limiter
// and proxy assignment; market and user streams are shared through the
// aggregator.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gridcore/internal/bus"
	"gridcore/internal/exchange"
	"gridcore/internal/geo"
	"gridcore/internal/market"
	"gridcore/internal/notify"
	"gridcore/internal/proxy"
	"gridcore/internal/secrets"
	"gridcore/internal/store"
	"gridcore/internal/strategy"
	"gridcore/internal/stream"
	"gridcore/pkg/hub"
	"gridcore/pkg/ratelimit"
	"gridcore/pkg/telemetry"
)

const stopTimeout = 30 * time.Second

// BotStore is the registry slice the supervisor uses.
type BotStore interface {
	GetBot(ctx context.Context, botID int64) (*store.Bot, error)
	ListRunningBots(ctx context.Context) ([]store.Bot, error)
	GetAPIKey(ctx context.Context, keyID int64) (*store.APIKey, error)
	UpdateBotStatus(ctx context.Context, botID int64, status string) error
	RecordTrade(ctx context.Context, t store.Trade) error
	RecordTradeWithPnl(ctx context.Context, t store.Trade, totalPnl decimal.Decimal) error
}

// BotClient is what the supervisor needs from an exchange client; the
// strategy sees the narrower strategy.Exchange view of the same object.
type BotClient interface {
	strategy.Exchange
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context)
	ApplyBalanceUpdates(updates []exchange.BalanceUpdate)
}

// ClientFactory builds one exchange client; tests substitute fakes.
type ClientFactory func(opts exchange.Options, limiter *ratelimit.Limiter, log *zap.Logger) (BotClient, error)

func DefaultClientFactory(opts exchange.Options, limiter *ratelimit.Limiter, log *zap.Logger) (BotClient, error) {
	client, err := exchange.New(opts, limiter, log)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// TradePublisher is the outbound side of the event bus.
type TradePublisher interface {
	PublishTradeEvent(ctx context.Context, ev bus.TradeEvent) error
}

// Deps wires the supervisor into the rest of the engine.
type Deps struct {
	Store    BotStore
	Keeper   *secrets.Keeper
	Geo      *geo.Checker
	Proxies  *proxy.Pool
	Streams  *stream.Aggregator
	Notify   *notify.Service
	Bus      TradePublisher
	Hub      *hub.Hub
	Registry *strategy.Registry
	Metrics  *telemetry.Metrics
	Clients  ClientFactory
	Log      *zap.Logger
	StateDir string
}

type runningBot struct {
	userID    int64
	symbol    string
	testnet   bool
	apiKeyID  int64
	proxyURL  string
	proxyPool bool
	strat     strategy.Strategy
	client    BotClient
	cancel    context.CancelFunc
	done      chan struct{}
}

type Supervisor struct {
	deps Deps
	log  *zap.Logger

	mu   sync.Mutex
	bots map[int64]*runningBot
}

func New(deps Deps) *Supervisor {
	if deps.Clients == nil {
		deps.Clients = DefaultClientFactory
	}
	return &Supervisor{
		deps: deps,
		log:  deps.Log.Named("supervisor"),
		bots: make(map[int64]*runningBot),
	}
}

// ActiveCount reports the number of running bots.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bots)
}

// StartBot spins a bot up from its registry row. Already-running bots
// are rejected.
func (s *Supervisor) StartBot(ctx context.Context, botID int64) error {
	s.mu.Lock()
	if _, exists := s.bots[botID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("bot %d is already running", botID)
	}
	s.mu.Unlock()

	row, err := s.deps.Store.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	creds, err := s.loadCredentials(ctx, row.APIKeyID)
	if err != nil {
		return fmt.Errorf("bot %d credentials: %w", botID, err)
	}

	// A per-bot proxy override skips the shared pool.
	proxyURL := row.ProxyURL
	fromPool := false
	if proxyURL == "" {
		proxyURL = s.deps.Proxies.Acquire()
		fromPool = true
	}
	cleanupProxy := func() {
		if fromPool {
			s.deps.Proxies.Release(proxyURL)
		}
	}

	if err := s.deps.Geo.Check(ctx, proxyURL, creds.IsTestnet); err != nil {
		cleanupProxy()
		return fmt.Errorf("bot %d blocked: %w", botID, err)
	}

	limiter := ratelimit.New(ratelimit.DefaultWeightCapacity, ratelimit.DefaultOrderCapacity,
		s.log.With(zap.Int64("bot_id", botID)))
	client, err := s.deps.Clients(exchange.Options{
		Symbol:     row.Symbol,
		BaseAsset:  row.BaseAsset,
		QuoteAsset: row.QuoteAsset,
		Creds:      creds,
		ProxyURL:   proxyURL,
	}, limiter, s.log)
	if err != nil {
		cleanupProxy()
		return fmt.Errorf("bot %d client: %w", botID, err)
	}
	if err := client.Connect(ctx); err != nil {
		cleanupProxy()
		return fmt.Errorf("bot %d connect: %w", botID, err)
	}

	factory, err := s.deps.Registry.Resolve(row.StrategyType)
	if err != nil {
		client.Disconnect(ctx)
		cleanupProxy()
		return err
	}
	strat, err := factory(strategy.Config{
		BotID:      row.ID,
		UserID:     row.UserID,
		APIKeyID:   row.APIKeyID,
		Symbol:     row.Symbol,
		BaseAsset:  row.BaseAsset,
		QuoteAsset: row.QuoteAsset,
		IsTestnet:  creds.IsTestnet,
		RawParams:  row.Parameters,
	}, strategy.Deps{
		Client:   client,
		Recorder: &tradeRecorder{store: s.deps.Store},
		Events:   &eventSink{pub: s.deps.Bus, userID: row.UserID, botID: row.ID},
		Notify:   s.deps.Notify.For(row.UserID),
		Analyzer: market.NewAnalyzer(s.log),
		Log:      s.log,
		StateDir: s.deps.StateDir,
	})
	if err != nil {
		client.Disconnect(ctx)
		cleanupProxy()
		return fmt.Errorf("bot %d strategy: %w", botID, err)
	}
	if err := strat.Initialize(ctx); err != nil {
		client.Disconnect(ctx)
		cleanupProxy()
		return fmt.Errorf("bot %d initialise: %w", botID, err)
	}

	botCtx, cancel := context.WithCancel(context.Background())
	rb := &runningBot{
		userID:    row.UserID,
		symbol:    row.Symbol,
		testnet:   creds.IsTestnet,
		apiKeyID:  creds.APIKeyID,
		proxyURL:  proxyURL,
		proxyPool: fromPool,
		strat:     strat,
		client:    client,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if _, exists := s.bots[botID]; exists {
		s.mu.Unlock()
		cancel()
		strat.Stop(ctx)
		client.Disconnect(ctx)
		cleanupProxy()
		return fmt.Errorf("bot %d is already running", botID)
	}
	s.bots[botID] = rb
	s.mu.Unlock()

	go s.runBotLoop(botCtx, botID, rb, creds)

	if err := s.deps.Store.UpdateBotStatus(ctx, botID, "running"); err != nil {
		s.log.Warn("status update failed", zap.Int64("bot_id", botID), zap.Error(err))
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveBots.Inc()
	}
	s.log.Info("bot started",
		zap.Int64("bot_id", botID),
		zap.String("symbol", row.Symbol),
		zap.Bool("testnet", creds.IsTestnet))
	return nil
}

func (s *Supervisor) loadCredentials(ctx context.Context, keyID int64) (exchange.Credentials, error) {
	row, err := s.deps.Store.GetAPIKey(ctx, keyID)
	if err != nil {
		return exchange.Credentials{}, err
	}
	dek, err := s.deps.Keeper.UnwrapDEK(row.EncryptedDEK)
	if err != nil {
		return exchange.Credentials{}, err
	}
	apiKey, err := secrets.DecryptSecret(dek, row.EncryptedKey)
	if err != nil {
		return exchange.Credentials{}, err
	}
	apiSecret, err := secrets.DecryptSecret(dek, row.EncryptedSecret)
	if err != nil {
		return exchange.Credentials{}, err
	}
	return exchange.Credentials{
		APIKeyID:  row.ID,
		APIKey:    apiKey,
		APISecret: apiSecret,
		IsTestnet: row.IsTestnet,
	}, nil
}

// runBotLoop subscribes the bot to its shared streams and blocks until
// the bot context is cancelled, then tears everything down.
func (s *Supervisor) runBotLoop(ctx context.Context, botID int64, rb *runningBot, creds exchange.Credentials) {
	defer close(rb.done)

	marketHandle := stream.Handle{BotID: botID, Kind: "market"}
	userHandle := stream.Handle{BotID: botID, Kind: "user"}

	s.deps.Streams.SubscribeMarket(rb.symbol, rb.testnet, marketHandle, func(price decimal.Decimal) {
		if s.deps.Metrics != nil {
			s.deps.Metrics.StreamFrames.WithLabelValues("market").Inc()
		}
		rb.strat.OnPriceUpdate(ctx, price)
	})
	s.deps.Streams.SubscribeUser(creds, userHandle, func(ev exchange.UserEvent) {
		if s.deps.Metrics != nil {
			s.deps.Metrics.StreamFrames.WithLabelValues("user").Inc()
		}
		switch ev.Type {
		case exchange.UserEventOrder:
			if ev.Order == nil || ev.Order.Symbol != rb.symbol {
				return
			}
			if s.deps.Metrics != nil && ev.Order.Status == "FILLED" {
				s.deps.Metrics.OrdersFilled.WithLabelValues(ev.Order.Symbol, string(ev.Order.Side)).Inc()
			}
			rb.strat.OnOrderUpdate(ctx, *ev.Order)
		case exchange.UserEventBalance:
			rb.client.ApplyBalanceUpdates(ev.Balances)
		}
	})

	g, loopCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rb.strat.RunAnalysisLoop(loopCtx)
		return nil
	})
	g.Go(func() error {
		<-loopCtx.Done()
		return loopCtx.Err()
	})
	_ = g.Wait()

	s.deps.Streams.UnsubscribeMarket(rb.symbol, rb.testnet, marketHandle)
	s.deps.Streams.UnsubscribeUser(rb.apiKeyID, userHandle)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	rb.strat.Stop(shutdownCtx)
	rb.client.Disconnect(shutdownCtx)
	if rb.proxyPool {
		s.deps.Proxies.Release(rb.proxyURL)
	}
	s.log.Info("bot loop exited", zap.Int64("bot_id", botID))
}

// StopBot cancels the bot and waits for its teardown.
func (s *Supervisor) StopBot(ctx context.Context, botID int64) error {
	s.mu.Lock()
	rb, ok := s.bots[botID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("bot %d is not running", botID)
	}
	delete(s.bots, botID)
	s.mu.Unlock()

	rb.cancel()
	select {
	case <-rb.done:
	case <-time.After(stopTimeout):
		s.log.Warn("bot teardown timed out", zap.Int64("bot_id", botID))
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.deps.Store.UpdateBotStatus(ctx, botID, "stopped"); err != nil {
		s.log.Warn("status update failed", zap.Int64("bot_id", botID), zap.Error(err))
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveBots.Dec()
	}
	s.log.Info("bot stopped", zap.Int64("bot_id", botID))
	return nil
}

// PanicCloseBot liquidates the bot's position and stops it.
func (s *Supervisor) PanicCloseBot(ctx context.Context, botID int64) error {
	s.mu.Lock()
	rb, ok := s.bots[botID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("bot %d is not running", botID)
	}

	if err := rb.strat.PanicClose(ctx); err != nil {
		return fmt.Errorf("bot %d panic close: %w", botID, err)
	}
	return s.StopBot(ctx, botID)
}

// StopAllBots stops every bot concurrently.
func (s *Supervisor) StopAllBots(ctx context.Context) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.bots))
	for id := range s.bots {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(botID int64) {
			defer wg.Done()
			if err := s.StopBot(ctx, botID); err != nil {
				s.log.Warn("stop failed", zap.Int64("bot_id", botID), zap.Error(err))
			}
		}(id)
	}
	wg.Wait()
}

// InitAndResumeAll restarts every bot the registry marks running, for
// crash recovery at engine start. Individual failures park the bot in
// error status and do not abort the sweep.
func (s *Supervisor) InitAndResumeAll(ctx context.Context) {
	rows, err := s.deps.Store.ListRunningBots(ctx)
	if err != nil {
		s.log.Error("recovery sweep failed", zap.Error(err))
		return
	}
	s.log.Info("recovering bots", zap.Int("count", len(rows)))

	for _, row := range rows {
		if err := s.StartBot(ctx, row.ID); err != nil {
			s.log.Error("bot recovery failed",
				zap.Int64("bot_id", row.ID), zap.Error(err))
			if derr := s.deps.Store.UpdateBotStatus(ctx, row.ID, "error"); derr != nil {
				s.log.Warn("status update failed", zap.Int64("bot_id", row.ID), zap.Error(derr))
			}
			s.deps.Notify.Send(ctx, row.UserID, "error", "Bot recovery failed",
				fmt.Sprintf("Bot %d (%s) could not be restarted: %v", row.ID, row.Symbol, err))
			continue
		}
		s.deps.Notify.Send(ctx, row.UserID, "info", "Bot recovered",
			fmt.Sprintf("Bot %d (%s) resumed after engine restart", row.ID, row.Symbol))
	}
}

// HandleKillSwitch reacts to the global halt broadcast.
func (s *Supervisor) HandleKillSwitch(ctx context.Context, ks bus.KillSwitch) {
	s.log.Warn("kill switch received",
		zap.String("reason", ks.Reason),
		zap.String("triggered_by", ks.TriggeredBy))
	s.StopAllBots(ctx)
	if s.deps.Hub != nil {
		s.deps.Hub.Broadcast(hub.Message{
			Type: "KILL_SWITCH",
			Data: map[string]any{
				"reason":       ks.Reason,
				"triggered_by": ks.TriggeredBy,
			},
		})
	}
}

// UserStreamOpener adapts per-credential user streams for the
// aggregator using a throwaway client that only holds the listen key.
func UserStreamOpener(log *zap.Logger) stream.UserOpener {
	return func(ctx context.Context, creds exchange.Credentials, onEvent stream.UserCallback) error {
		limiter := ratelimit.New(ratelimit.DefaultWeightCapacity, ratelimit.DefaultOrderCapacity, log)
		client, err := exchange.New(exchange.Options{Creds: creds}, limiter, log)
		if err != nil {
			return err
		}
		defer client.Disconnect(ctx)
		return client.StartUserStream(ctx, func(ev exchange.UserEvent) { onEvent(ev) })
	}
}

// eventSink binds the bus to one bot for the strategy layer.
type eventSink struct {
	pub    TradePublisher
	userID int64
	botID  int64
}

func (e *eventSink) Publish(ctx context.Context, eventType string, data map[string]any) error {
	if e.pub == nil {
		return nil
	}
	return e.pub.PublishTradeEvent(ctx, bus.TradeEvent{
		UserID: e.userID,
		BotID:  e.botID,
		Type:   eventType,
		Data:   data,
	})
}

// tradeRecorder adapts the store to the strategy's recorder interface.
type tradeRecorder struct {
	store BotStore
}

func (r *tradeRecorder) SaveTrade(ctx context.Context, t strategy.TradeRecord) error {
	return r.store.RecordTrade(ctx, toStoreTrade(t))
}

func (r *tradeRecorder) SaveTradeWithPnl(ctx context.Context, t strategy.TradeRecord, totalPnl decimal.Decimal) error {
	return r.store.RecordTradeWithPnl(ctx, toStoreTrade(t), totalPnl)
}

func toStoreTrade(t strategy.TradeRecord) store.Trade {
	return store.Trade{
		BotID:       t.BotID,
		OrderID:     t.OrderID,
		Symbol:      t.Symbol,
		Side:        t.Side,
		Price:       t.Price,
		Quantity:    t.Quantity,
		ExecutedQty: t.ExecutedQty,
		Status:      t.Status,
		Fee:         t.Fee,
		FeeAsset:    t.FeeAsset,
	}
}
