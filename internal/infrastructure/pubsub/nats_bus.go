package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"gamechat/internal/domain/entity"
	"gamechat/internal/domain/service"
	"gamechat/pkg/logger"
)

// NATSBus maps every channel onto a core NATS subject under a common prefix.
// Core NATS gives at-most-once delivery and preserves per-publisher order.
type NATSBus struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSBus(url, name, prefix string) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}

	logger.Info("Connected to NATS at %s", conn.ConnectedUrl())
	return NewNATSBusFromConn(conn, prefix), nil
}

func NewNATSBusFromConn(conn *nats.Conn, prefix string) *NATSBus {
	return &NATSBus{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

func (b *NATSBus) subject(channel string) string {
	return b.prefix + "." + strings.ReplaceAll(channel, ".", "_")
}

func (b *NATSBus) Publish(ctx context.Context, channel string, event *entity.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.Name, err)
	}
	if err := b.conn.Publish(b.subject(channel), data); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(channel string, handler service.EventHandler) (service.Subscription, error) {
	sub, err := b.conn.Subscribe(b.subject(channel), func(msg *nats.Msg) {
		var event entity.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logger.Warn("Dropping malformed event on %s: %v", channel, err)
			return
		}
		handler(channel, &event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}
	return sub, nil
}

// Flush waits until the server has processed everything published so far.
func (b *NATSBus) Flush() error {
	return b.conn.Flush()
}

func (b *NATSBus) Ping() error {
	if !b.conn.IsConnected() {
		return nats.ErrConnectionClosed
	}
	return b.conn.FlushTimeout(2 * time.Second)
}

func (b *NATSBus) Close() error {
	return b.conn.Drain()
}
