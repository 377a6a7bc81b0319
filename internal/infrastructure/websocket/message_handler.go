package websocket

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"gamechat/internal/domain/entity"
	"gamechat/internal/infrastructure/ratelimit"
	"gamechat/pkg/logger"
)

const publishTimeout = 5 * time.Second

var (
	errNotParticipant = stderrors.New("not a participant of this chat")
	errClosed         = stderrors.New("connection closed")
)

// Frame is the wire envelope exchanged with clients.
type Frame struct {
	Type      string          `json:"type"`
	ChatID    string          `json:"chat_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
}

type SocketErrorData struct {
	Error string `json:"error"`
}

func encodeFrame(frameType, chatID string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{
		Type:      frameType,
		ChatID:    chatID,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// ErrorFrame builds a socketError frame for connections that never reach
// the manager, such as failed handshakes.
func ErrorFrame(reason string) []byte {
	data, _ := json.Marshal(SocketErrorData{Error: reason})
	frame, _ := encodeFrame(entity.EventSocketError, "", data)
	return frame
}

// HandleClientMessage processes one inbound frame.
func (m *Manager) HandleClientMessage(c *Client, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		logger.Warn("Gateway: malformed frame from connection %s: %v", c.ID, err)
		m.sendError(c, "", "Invalid message format")
		return
	}

	switch frame.Type {
	case entity.EventPing:
		m.send(c, entity.EventPong, "", map[string]string{"status": "alive"})

	case entity.EventJoinChat:
		m.handleJoin(c, frame.ChatID)

	case entity.EventLeaveChat:
		if frame.ChatID == "" {
			m.sendError(c, "", "Missing chat_id")
			return
		}
		m.Leave(c, frame.ChatID)

	case entity.EventTyping, entity.EventStopTyping:
		m.handleTyping(c, frame.Type, frame.ChatID)

	default:
		logger.Debug("Gateway: unknown frame type %q from connection %s", frame.Type, c.ID)
		m.sendError(c, frame.ChatID, "Unknown message type")
	}
}

func (m *Manager) sendError(c *Client, chatID, reason string) {
	m.send(c, entity.EventSocketError, chatID, SocketErrorData{Error: reason})
}

func (m *Manager) handleJoin(c *Client, chatID string) {
	if chatID == "" {
		m.sendError(c, "", "Missing chat_id")
		return
	}

	if err := m.Join(c, chatID); err != nil {
		switch {
		case stderrors.Is(err, errNotParticipant):
			m.sendError(c, chatID, "You are not a participant of this chat")
		case stderrors.Is(err, errClosed):
		default:
			logger.Error("Gateway Error: join %s for user %s failed: %v", chatID, c.UserID, err)
			m.sendError(c, chatID, "Could not join chat, try again")
		}
		return
	}

	m.send(c, entity.EventJoinChat, chatID, map[string]string{"chat_id": chatID})
	logger.Debug("Gateway: user %s joined chat %s on %s", c.UserID, chatID, c.ID)
}

// handleTyping relays typing indicators to the local room and to remote
// gateways. Indicators are best effort and never retried.
func (m *Manager) handleTyping(c *Client, frameType, chatID string) {
	if chatID == "" {
		m.sendError(c, "", "Missing chat_id")
		return
	}

	m.mu.RLock()
	_, joined := c.rooms[chatID]
	m.mu.RUnlock()
	if !joined {
		m.sendError(c, chatID, "Join the chat before sending typing indicators")
		return
	}

	if allowed, _ := m.limiter.Allow(c.UserID, ratelimit.ActionTyping); !allowed {
		return
	}

	ev, err := entity.NewEvent(frameType, chatID, entity.TypingPayload{ChatID: chatID, UserID: c.UserID})
	if err != nil {
		logger.Error("Gateway Error: encode %s: %v", frameType, err)
		return
	}
	ev.Origin = m.instanceID
	ev.ExceptUser = c.UserID

	frame, err := encodeFrame(ev.Name, chatID, ev.Data)
	if err != nil {
		return
	}
	m.relayLocal(chatID, c.UserID, frame)

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := m.bus.Publish(ctx, entity.ChatChannel(chatID), ev); err != nil {
		logger.Warn("Gateway: %s for chat %s not relayed to other gateways: %v", frameType, chatID, err)
		m.metrics.FanoutFailed(ctx, frameType)
	}
}
