package service

import (
	"context"

	"gamechat/internal/domain/entity"
)

// EventHandler is invoked for every event received on a subscribed channel.
// Handlers must not block.
type EventHandler func(channel string, event *entity.Event)

// Subscription is released with Unsubscribe.
type Subscription interface {
	Unsubscribe() error
}

// EventBus relays events between gateway processes. Delivery is at most once
// and events published to a channel arrive in publish order.
type EventBus interface {
	Publish(ctx context.Context, channel string, event *entity.Event) error
	Subscribe(channel string, handler EventHandler) (Subscription, error)
	Close() error
}
