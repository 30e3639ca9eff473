package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/momentos/cafe-core/internal/config"
	svcErr "github.com/momentos/cafe-core/internal/errors"
	"github.com/momentos/cafe-core/internal/logger"
)

const (
	tableChannelPrefix     = "feed:"
	broadcastChannelPrefix = "broadcast:"
)

// RedisBus implements Bus on Redis pub/sub. One channel per table, one
// channel per broadcast scope; column filtering happens client-side.
type RedisBus struct {
	client *redis.Client
	log    *slog.Logger
}

// NewRedisBus initializes the bus from config. Only Addr is mandatory,
// Password/DB are optional.
func NewRedisBus(cfg *config.Config) *RedisBus {
	opts := &redis.Options{
		Addr: cfg.Redis.Addr,
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	return &RedisBus{
		client: redis.NewClient(opts),
		log:    logger.With("subsystem", "feed"),
	}
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, sub Subscription, h Handler, status StatusFunc) (*Handle, error) {
	ps := b.client.Subscribe(ctx, tableChannelPrefix+sub.Table)

	// Confirm the subscription before reporting it live.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		notify(status, StatusError, err)
		return nil, fmt.Errorf("%w: %w", svcErr.ErrFeedUnavailable, err)
	}
	notify(status, StatusSubscribed, nil)

	mask := wantEvents(sub.Events)
	go func() {
		for msg := range ps.Channel() {
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				b.log.Warn("dropping undecodable feed event", "table", sub.Table, "err", err)
				continue
			}
			if e.Type&mask == 0 || !sub.Filter.Matches(e) {
				continue
			}
			h(e)
		}
		notify(status, StatusClosed, nil)
	}()

	return newHandle(func() { _ = ps.Close() }), nil
}

func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, tableChannelPrefix+e.Table, payload).Err()
}

func (b *RedisBus) Broadcast(ctx context.Context, channel, event string, payload any) error {
	body, err := encodeBroadcast(event, payload)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, broadcastChannelPrefix+channel, body).Err()
}

func (b *RedisBus) SubscribeBroadcast(ctx context.Context, channel, event string, h BroadcastHandler, status StatusFunc) (*Handle, error) {
	ps := b.client.Subscribe(ctx, broadcastChannelPrefix+channel)

	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		notify(status, StatusError, err)
		return nil, fmt.Errorf("%w: %w", svcErr.ErrFeedUnavailable, err)
	}
	notify(status, StatusSubscribed, nil)

	go func() {
		for msg := range ps.Channel() {
			var env broadcastEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("dropping undecodable broadcast", "channel", channel, "err", err)
				continue
			}
			if env.Event != event {
				continue
			}
			h(env.Payload)
		}
		notify(status, StatusClosed, nil)
	}()

	return newHandle(func() { _ = ps.Close() }), nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
