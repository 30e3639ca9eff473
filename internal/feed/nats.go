package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/momentos/cafe-core/internal/config"
	svcErr "github.com/momentos/cafe-core/internal/errors"
	"github.com/momentos/cafe-core/internal/logger"
)

const (
	tableSubjectPrefix     = "feed."
	broadcastSubjectPrefix = "broadcast."
)

// NATSBus implements Bus on core NATS subjects. Same contract as
// RedisBus; selected with FEED_DRIVER=nats.
type NATSBus struct {
	conn *nats.Conn
	log  *slog.Logger
}

// NewNATSBus connects to the configured NATS server.
func NewNATSBus(cfg *config.Config) (*NATSBus, error) {
	conn, err := nats.Connect(cfg.Feed.NATSURL, nats.Name("cafe-core"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", svcErr.ErrFeedUnavailable, err)
	}
	return &NATSBus{
		conn: conn,
		log:  logger.With("subsystem", "feed"),
	}, nil
}

func (b *NATSBus) Subscribe(ctx context.Context, sub Subscription, h Handler, status StatusFunc) (*Handle, error) {
	mask := wantEvents(sub.Events)
	ns, err := b.conn.Subscribe(tableSubjectPrefix+sub.Table, func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			b.log.Warn("dropping undecodable feed event", "table", sub.Table, "err", err)
			return
		}
		if e.Type&mask == 0 || !sub.Filter.Matches(e) {
			return
		}
		h(e)
	})
	if err != nil {
		notify(status, StatusError, err)
		return nil, fmt.Errorf("%w: %w", svcErr.ErrFeedUnavailable, err)
	}
	notify(status, StatusSubscribed, nil)

	return newHandle(func() {
		_ = ns.Unsubscribe()
		notify(status, StatusClosed, nil)
	}), nil
}

func (b *NATSBus) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.conn.Publish(tableSubjectPrefix+e.Table, payload)
}

func (b *NATSBus) Broadcast(ctx context.Context, channel, event string, payload any) error {
	body, err := encodeBroadcast(event, payload)
	if err != nil {
		return err
	}
	return b.conn.Publish(broadcastSubjectPrefix+channel, body)
}

func (b *NATSBus) SubscribeBroadcast(ctx context.Context, channel, event string, h BroadcastHandler, status StatusFunc) (*Handle, error) {
	ns, err := b.conn.Subscribe(broadcastSubjectPrefix+channel, func(msg *nats.Msg) {
		var env broadcastEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.log.Warn("dropping undecodable broadcast", "channel", channel, "err", err)
			return
		}
		if env.Event != event {
			return
		}
		h(env.Payload)
	})
	if err != nil {
		notify(status, StatusError, err)
		return nil, fmt.Errorf("%w: %w", svcErr.ErrFeedUnavailable, err)
	}
	notify(status, StatusSubscribed, nil)

	return newHandle(func() {
		_ = ns.Unsubscribe()
		notify(status, StatusClosed, nil)
	}), nil
}

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}
