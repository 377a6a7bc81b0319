package pubsub

import (
	"context"
	"sync"

	"gamechat/internal/domain/entity"
	"gamechat/internal/domain/service"
)

// LocalBus is an in-process EventBus for single-node deployments and tests.
// Handlers run synchronously on the publisher's goroutine, in subscribe order.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[string][]*localSubscription
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string][]*localSubscription)}
}

func (b *LocalBus) Publish(ctx context.Context, channel string, event *entity.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	subs := append([]*localSubscription(nil), b.subs[channel]...)
	b.mu.RUnlock()

	for _, s := range subs {
		clone := *event
		s.handler(channel, &clone)
	}
	return nil
}

func (b *LocalBus) Subscribe(channel string, handler service.EventHandler) (service.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &localSubscription{bus: b, channel: channel, handler: handler}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

// Subscribers reports how many handlers listen on channel.
func (b *LocalBus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*localSubscription)
	return nil
}

type localSubscription struct {
	bus     *LocalBus
	channel string
	handler service.EventHandler
}

func (s *localSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subs[s.channel]
	for i, other := range subs {
		if other == s {
			s.bus.subs[s.channel] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(s.bus.subs[s.channel]) == 0 {
		delete(s.bus.subs, s.channel)
	}
	return nil
}
