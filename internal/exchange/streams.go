package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridcore/pkg/ws"
)

const (
	mainnetStreamURL = "wss://stream.binance.com:9443/ws"
	testnetStreamURL = "wss://stream.testnet.binance.vision/ws"

	// Watchdog deadlines. The ticker stream pushes at least once per
	// second on any active symbol; user-data streams can be quiet but
	// the server pings well inside three minutes.
	tradeStreamDeadline = 10 * time.Second
	userStreamDeadline  = 180 * time.Second

	listenKeyKeepalive = 30 * time.Minute
)

func streamBaseFor(testnet bool) string {
	if testnet {
		return testnetStreamURL
	}
	return mainnetStreamURL
}

func (c *Client) streamBase() string {
	return streamBaseFor(c.opts.Creds.IsTestnet)
}

type tickerFrame struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
}

// StreamTicker blocks, feeding every last price of the public ticker
// stream into onPrice until ctx is cancelled. No credentials needed.
// Silent connections are detected by the 10s watchdog and replaced.
func StreamTicker(ctx context.Context, symbol string, testnet bool, onPrice func(price decimal.Decimal), log *zap.Logger) error {
	url := fmt.Sprintf("%s/%s@ticker", streamBaseFor(testnet), strings.ToLower(symbol))

	client := ws.NewClient(ws.Config{
		URL:          func(context.Context) (string, error) { return url, nil },
		ReadDeadline: tradeStreamDeadline,
		OnMessage: func(data []byte) {
			var frame tickerFrame
			if err := json.Unmarshal(data, &frame); err != nil || frame.LastPrice == "" {
				return
			}
			price, err := decimal.NewFromString(frame.LastPrice)
			if err != nil {
				return
			}
			onPrice(price)
		},
	}, log.Named("trade_stream"))

	return client.Run(ctx)
}

// StartTradeStream runs the ticker stream for this client's symbol.
func (c *Client) StartTradeStream(ctx context.Context, onPrice func(price decimal.Decimal)) error {
	return StreamTicker(ctx, c.opts.Symbol, c.opts.Creds.IsTestnet, onPrice, c.log)
}

// StartUserStream blocks, feeding parsed user-data events into onEvent
// until ctx is cancelled. Balance frames also refresh the snapshot in
// place before being forwarded. A fresh listen key is obtained per
// (re)connect and kept alive while running.
func (c *Client) StartUserStream(ctx context.Context, onEvent func(ev UserEvent)) error {
	keepCtx, cancelKeep := context.WithCancel(ctx)
	defer cancelKeep()
	go c.keepListenKeyAlive(keepCtx)

	client := ws.NewClient(ws.Config{
		URL: func(ctx context.Context) (string, error) {
			key, err := c.newListenKey(ctx)
			if err != nil {
				return "", err
			}
			return c.streamBase() + "/" + key, nil
		},
		ReadDeadline: userStreamDeadline,
		OnMessage: func(data []byte) {
			ev, ok := parseUserFrame(data)
			if !ok {
				return
			}
			if ev.Type == UserEventBalance {
				c.ApplyBalanceUpdates(ev.Balances)
			}
			onEvent(ev)
		},
	}, c.log.Named("user_stream"))

	return client.Run(ctx)
}

func (c *Client) newListenKey(ctx context.Context) (string, error) {
	if err := c.limiter.AcquireWeight(ctx, weightServerTime); err != nil {
		return "", err
	}
	key, err := c.api.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", normalizeError(err)
	}
	c.keyMu.Lock()
	c.listenKey = key
	c.keyMu.Unlock()
	return key, nil
}

func (c *Client) keepListenKeyAlive(ctx context.Context) {
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.keyMu.Lock()
			key := c.listenKey
			c.keyMu.Unlock()
			if key == "" {
				continue
			}
			if err := c.api.NewKeepaliveUserStreamService().ListenKey(key).Do(ctx); err != nil {
				c.log.Warn("listen key keepalive failed", zap.Error(err))
			}
		}
	}
}

type executionReportFrame struct {
	EventType       string `json:"e"`
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	Side            string `json:"S"`
	OrderID         int64  `json:"i"`
	Status          string `json:"X"`
	Price           string `json:"p"`
	LastFilledPrice string `json:"L"`
	LastFilledQty   string `json:"l"`
	FilledQuantity  string `json:"z"`
	Fee             string `json:"n"`
	FeeAsset        string `json:"N"`
}

type accountPositionFrame struct {
	EventType string `json:"e"`
	Balances  []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

type eventTypeProbe struct {
	EventType string `json:"e"`
}

func parseUserFrame(data []byte) (UserEvent, bool) {
	var probe eventTypeProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return UserEvent{}, false
	}

	switch probe.EventType {
	case UserEventOrder:
		var frame executionReportFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return UserEvent{}, false
		}
		price, _ := decimal.NewFromString(frame.Price)
		lastPrice, _ := decimal.NewFromString(frame.LastFilledPrice)
		lastQty, _ := decimal.NewFromString(frame.LastFilledQty)
		filled, _ := decimal.NewFromString(frame.FilledQuantity)
		fee, _ := decimal.NewFromString(frame.Fee)
		return UserEvent{
			Type: UserEventOrder,
			Order: &OrderUpdate{
				Symbol:          frame.Symbol,
				OrderID:         frame.OrderID,
				ClientOrderID:   frame.ClientOrderID,
				Side:            Side(frame.Side),
				Status:          frame.Status,
				Price:           price,
				LastFilledPrice: lastPrice,
				LastFilledQty:   lastQty,
				FilledQuantity:  filled,
				Fee:             fee,
				FeeAsset:        frame.FeeAsset,
			},
		}, true

	case UserEventBalance:
		var frame accountPositionFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return UserEvent{}, false
		}
		updates := make([]BalanceUpdate, 0, len(frame.Balances))
		for _, b := range frame.Balances {
			free, _ := decimal.NewFromString(b.Free)
			locked, _ := decimal.NewFromString(b.Locked)
			updates = append(updates, BalanceUpdate{Asset: b.Asset, Free: free, Locked: locked})
		}
		return UserEvent{Type: UserEventBalance, Balances: updates}, true
	}
	return UserEvent{}, false
}
