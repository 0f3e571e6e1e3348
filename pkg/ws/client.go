// Package ws provides a self-healing websocket reader. A read deadline
// acts as a watchdog: streams that go silent past the deadline are
// treated as dead and reconnected.
package ws

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultReconnectWait = 5 * time.Second
	maxReconnectWait     = 60 * time.Second
	writeTimeout         = 10 * time.Second
)

// Config describes one stream connection.
type Config struct {
	// URL resolves the endpoint before each (re)connect, so callers can
	// refresh expiring tokens such as listen keys.
	URL func(ctx context.Context) (string, error)

	// ReadDeadline is the silent-stream watchdog. Zero disables it.
	ReadDeadline time.Duration

	// ReconnectWait is the base delay between reconnect attempts,
	// doubled per consecutive failure up to a fixed ceiling. Zero means
	// 5 seconds.
	ReconnectWait time.Duration

	// OnMessage receives every text frame.
	OnMessage func(data []byte)
}

// Client owns one resilient connection.
type Client struct {
	cfg Config
	log *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = defaultReconnectWait
	}
	return &Client{cfg: cfg, log: log}
}

// Run connects and reads until ctx is cancelled, reconnecting on any
// failure. It returns ctx.Err() on cancellation.
func (c *Client) Run(ctx context.Context) error {
	wait := c.cfg.ReconnectWait
	for {
		err := c.readOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("stream disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("wait", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}
	}
}

func (c *Client) readOnce(ctx context.Context) error {
	url, err := c.cfg.URL(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// The server pings; answering pongs also bumps the watchdog.
	conn.SetPingHandler(func(appData string) error {
		c.bumpDeadline(conn)
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	c.log.Debug("stream connected", zap.String("url", url))
	for {
		c.bumpDeadline(conn)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(data)
		}
	}
}

func (c *Client) bumpDeadline(conn *websocket.Conn) {
	if c.cfg.ReadDeadline > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadDeadline))
	}
}
