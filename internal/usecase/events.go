package usecase

import (
	"context"

	"gamechat/internal/domain/entity"
	"gamechat/internal/domain/service"
	"gamechat/internal/infrastructure/telemetry"
	"gamechat/pkg/logger"
)

// eventPublisher wraps the bus so a publish failure is logged and counted
// instead of failing an operation whose state change already happened.
type eventPublisher struct {
	bus     service.EventBus
	metrics *telemetry.Metrics
}

func (p *eventPublisher) publish(ctx context.Context, channel, name, chatID string, payload interface{}, exceptUser string) bool {
	ev, err := entity.NewEvent(name, chatID, payload)
	if err != nil {
		logger.Error("Publish Error: encode %s for %s: %v", name, channel, err)
		return false
	}
	ev.ExceptUser = exceptUser

	if err := p.bus.Publish(ctx, channel, ev); err != nil {
		logger.Error("Publish Error: %s on %s failed: %v", name, channel, err)
		p.metrics.FanoutFailed(ctx, name)
		return false
	}
	return true
}

func (p *eventPublisher) toChat(ctx context.Context, chatID, name string, payload interface{}, exceptUser string) bool {
	return p.publish(ctx, entity.ChatChannel(chatID), name, chatID, payload, exceptUser)
}

func (p *eventPublisher) toUsers(ctx context.Context, userIDs []string, chatID, name string, payload interface{}) {
	for _, id := range userIDs {
		p.publish(ctx, entity.UserChannel(id), name, chatID, payload, "")
	}
}
