// Package bus carries cross-process events over Redis pub/sub: per-user
// trade telemetry out, the global kill switch in.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	tradeEventsChannel = "user:trade_events"
	killSwitchChannel  = "global:kill_switch"
)

// KillSwitch is the halt-everything broadcast.
type KillSwitch struct {
	Action      string `json:"action"`
	Reason      string `json:"reason"`
	TriggeredBy string `json:"triggered_by"`
}

// ActionHaltAll is the only action currently defined.
const ActionHaltAll = "HALT_ALL"

// TradeEvent is the envelope published for every bot event.
type TradeEvent struct {
	UserID int64          `json:"user_id"`
	BotID  int64          `json:"bot_id"`
	Type   string         `json:"type"`
	Data   map[string]any `json:"data"`
}

// Bus wraps the Redis connection used for pub/sub.
type Bus struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(redisURL string, log *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Bus{rdb: redis.NewClient(opts), log: log.Named("bus")}, nil
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *Bus) Close() error {
	return b.rdb.Close()
}

// PublishTradeEvent pushes one bot event onto the shared channel.
func (b *Bus) PublishTradeEvent(ctx context.Context, ev TradeEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode trade event: %w", err)
	}
	if err := b.rdb.Publish(ctx, tradeEventsChannel, raw).Err(); err != nil {
		return fmt.Errorf("publish trade event: %w", err)
	}
	return nil
}

// PublishKillSwitch broadcasts a halt to every engine instance.
func (b *Bus) PublishKillSwitch(ctx context.Context, reason, triggeredBy string) error {
	raw, err := json.Marshal(KillSwitch{
		Action:      ActionHaltAll,
		Reason:      reason,
		TriggeredBy: triggeredBy,
	})
	if err != nil {
		return fmt.Errorf("encode kill switch: %w", err)
	}
	if err := b.rdb.Publish(ctx, killSwitchChannel, raw).Err(); err != nil {
		return fmt.Errorf("publish kill switch: %w", err)
	}
	return nil
}

// SubscribeKillSwitch invokes handler for every HALT_ALL broadcast
// until ctx is cancelled. It blocks; run it on its own goroutine.
func (b *Bus) SubscribeKillSwitch(ctx context.Context, handler func(KillSwitch)) error {
	sub := b.rdb.Subscribe(ctx, killSwitchChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ks KillSwitch
			if err := json.Unmarshal([]byte(msg.Payload), &ks); err != nil {
				b.log.Warn("malformed kill switch payload", zap.Error(err))
				continue
			}
			if ks.Action != ActionHaltAll {
				b.log.Warn("unknown kill switch action", zap.String("action", ks.Action))
				continue
			}
			handler(ks)
		}
	}
}
