package supervisor

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gridcore/internal/bus"
	"gridcore/internal/exchange"
	"gridcore/internal/geo"
	"gridcore/internal/notify"
	"gridcore/internal/proxy"
	"gridcore/internal/secrets"
	"gridcore/internal/store"
	"gridcore/internal/strategy"
	"gridcore/internal/stream"
	"gridcore/pkg/ratelimit"
)

type fakeStore struct {
	mu       sync.Mutex
	bots     map[int64]store.Bot
	keys     map[int64]store.APIKey
	statuses map[int64]string
	trades   []store.Trade
}

func (f *fakeStore) GetBot(_ context.Context, botID int64) (*store.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[botID]
	if !ok {
		return nil, fmt.Errorf("bot %d not found", botID)
	}
	return &b, nil
}

func (f *fakeStore) ListRunningBots(context.Context) ([]store.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Bot
	for _, b := range f.bots {
		if b.Status == "running" {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeStore) GetAPIKey(_ context.Context, keyID int64) (*store.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("api key %d not found", keyID)
	}
	return &k, nil
}

func (f *fakeStore) UpdateBotStatus(_ context.Context, botID int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[botID] = status
	return nil
}

func (f *fakeStore) RecordTrade(_ context.Context, t store.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, t)
	return nil
}

func (f *fakeStore) RecordTradeWithPnl(ctx context.Context, t store.Trade, _ decimal.Decimal) error {
	return f.RecordTrade(ctx, t)
}

func (f *fakeStore) status(botID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[botID]
}

// fakeClient satisfies BotClient with scripted market data.
type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	cancelledAll int
	markets      int
	nextID       int64
}

func (f *fakeClient) Symbol() string     { return "BTCUSDT" }
func (f *fakeClient) BaseAsset() string  { return "BTC" }
func (f *fakeClient) QuoteAsset() string { return "USDT" }
func (f *fakeClient) Filters() exchange.SymbolFilters {
	return exchange.SymbolFilters{
		StepSize:    decimal.RequireFromString("0.0001"),
		MinQty:      decimal.RequireFromString("0.0001"),
		MinNotional: decimal.NewFromInt(5),
	}
}
func (f *fakeClient) InCircuitBreaker() bool { return false }

func (f *fakeClient) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeClient) Disconnect(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeClient) ApplyBalanceUpdates([]exchange.BalanceUpdate) {}

func (f *fakeClient) GetLastPrice(context.Context) (decimal.Decimal, error) {
	return decimal.RequireFromString("99.5"), nil
}

func (f *fakeClient) GetFreeBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	if asset == "USDT" {
		return decimal.NewFromInt(1000), nil
	}
	return decimal.Zero, nil
}

func (f *fakeClient) GetBalance(ctx context.Context, asset string) (decimal.Decimal, decimal.Decimal, error) {
	free, err := f.GetFreeBalance(ctx, asset)
	return free, decimal.Zero, err
}

func (f *fakeClient) GetBidAskSpread(context.Context) (decimal.Decimal, error) {
	return decimal.RequireFromString("0.0001"), nil
}

func (f *fakeClient) GetKlines(context.Context, string, int) ([]exchange.Kline, error) {
	return nil, nil
}

func (f *fakeClient) GetOpenOrders(context.Context) ([]exchange.OpenOrder, error) {
	return nil, nil
}

func (f *fakeClient) CreateLimitOrder(_ context.Context, side exchange.Side, price, qty decimal.Decimal) (*exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return &exchange.OrderAck{OrderID: f.nextID, Price: price, Quantity: qty}, nil
}

func (f *fakeClient) CreateMarketOrder(_ context.Context, _ exchange.Side, qty, _ decimal.Decimal) (*exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.markets++
	return &exchange.OrderAck{OrderID: f.nextID, Quantity: qty}, nil
}

func (f *fakeClient) CancelOrder(context.Context, int64) error { return nil }

func (f *fakeClient) CancelAllOrders(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledAll++
	return nil
}

func (f *fakeClient) NukeAllOrders(context.Context) error { return nil }

type harness struct {
	sup    *Supervisor
	store  *fakeStore
	client *fakeClient
	pool   *proxy.Pool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zap.NewNop()

	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	keeper, err := secrets.NewKeeper(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)

	dek, wrapped, err := keeper.NewDEK()
	require.NoError(t, err)
	encKey, err := secrets.EncryptSecret(dek, "api-key")
	require.NoError(t, err)
	encSecret, err := secrets.EncryptSecret(dek, "api-secret")
	require.NoError(t, err)

	params, err := json.Marshal(map[string]any{
		"lower": "90", "upper": "110", "grid_count": 10, "investment_per_grid": "10",
	})
	require.NoError(t, err)

	fs := &fakeStore{
		bots: map[int64]store.Bot{
			1: {
				ID: 1, UserID: 7, APIKeyID: 3, StrategyType: "grid",
				Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT",
				Status: "running", Parameters: params,
			},
		},
		keys: map[int64]store.APIKey{
			3: {
				ID: 3, UserID: 7, EncryptedDEK: wrapped,
				EncryptedKey: encKey, EncryptedSecret: encSecret, IsTestnet: true,
			},
		},
		statuses: map[int64]string{},
	}

	client := &fakeClient{}
	pool := proxy.NewPool([]string{"http://p1:8080"}, log)

	marketOpener := func(ctx context.Context, _ string, _ bool, _ stream.PriceCallback) error {
		<-ctx.Done()
		return ctx.Err()
	}
	userOpener := func(ctx context.Context, _ exchange.Credentials, _ stream.UserCallback) error {
		<-ctx.Done()
		return ctx.Err()
	}

	agg := stream.New(marketOpener, userOpener, log)
	t.Cleanup(agg.Stop)

	sup := New(Deps{
		Store:    fs,
		Keeper:   keeper,
		Geo:      geo.New(true, log),
		Proxies:  pool,
		Streams:  agg,
		Notify:   notify.NewService(nil, nil, log),
		Registry: strategy.NewRegistry(),
		Clients: func(exchange.Options, *ratelimit.Limiter, *zap.Logger) (BotClient, error) {
			return client, nil
		},
		Log:      log,
		StateDir: t.TempDir(),
	})
	return &harness{sup: sup, store: fs, client: client, pool: pool}
}

func TestStartBotRejectsDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.sup.StartBot(ctx, 1))
	defer h.sup.StopAllBots(ctx)

	err := h.sup.StartBot(ctx, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
	assert.Equal(t, 1, h.sup.ActiveCount())
	assert.Equal(t, "running", h.store.status(1))
}

func TestStartBotUnknownBot(t *testing.T) {
	h := newHarness(t)
	err := h.sup.StartBot(context.Background(), 99)
	assert.ErrorContains(t, err, "not found")
}

func TestStopBotReleasesResources(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.sup.StartBot(ctx, 1))
	assert.Equal(t, 1, h.pool.Load("http://p1:8080"))

	require.NoError(t, h.sup.StopBot(ctx, 1))
	assert.Equal(t, 0, h.sup.ActiveCount())
	assert.Equal(t, 0, h.pool.Load("http://p1:8080"))
	assert.Equal(t, "stopped", h.store.status(1))

	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	assert.False(t, h.client.connected)
}

func TestStopBotNotRunning(t *testing.T) {
	h := newHarness(t)
	err := h.sup.StopBot(context.Background(), 1)
	assert.ErrorContains(t, err, "not running")
}

func TestPanicCloseCancelsOpenOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.sup.StartBot(ctx, 1))
	require.NoError(t, h.sup.PanicCloseBot(ctx, 1))

	assert.Equal(t, 0, h.sup.ActiveCount())
	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	assert.Equal(t, 1, h.client.cancelledAll)
}

func TestInitAndResumeAllRecoversRunningBots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sup.InitAndResumeAll(ctx)
	defer h.sup.StopAllBots(ctx)

	assert.Equal(t, 1, h.sup.ActiveCount())
	assert.Equal(t, "running", h.store.status(1))
}

func TestKillSwitchStopsEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.sup.StartBot(ctx, 1))
	h.sup.HandleKillSwitch(ctx, bus.KillSwitch{
		Action: bus.ActionHaltAll, Reason: "drill", TriggeredBy: "ops",
	})

	assert.Equal(t, 0, h.sup.ActiveCount())
	assert.Equal(t, "stopped", h.store.status(1))
}

func TestInitAndResumeAllParksFailedBots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Corrupt the parameters so initialisation fails.
	h.store.mu.Lock()
	b := h.store.bots[1]
	b.Parameters = json.RawMessage(`{"lower":"0"}`)
	h.store.bots[1] = b
	h.store.mu.Unlock()

	h.sup.InitAndResumeAll(ctx)
	assert.Equal(t, 0, h.sup.ActiveCount())
	assert.Equal(t, "error", h.store.status(1))
}
