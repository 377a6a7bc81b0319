package entity

import (
	"encoding/json"
	"strings"
	"time"
)

// Realtime event vocabulary shared by the fanout bus and client connections.
const (
	EventConnected                 = "connected"
	EventJoinChat                  = "joinChat"
	EventLeaveChat                 = "leaveChat"
	EventTyping                    = "typing"
	EventStopTyping                = "stopTyping"
	EventMessageReceived           = "messageReceived"
	EventMessageAttachmentsUpdated = "messageAttachmentsUpdated"
	EventMessageDeleted            = "messageDeleted"
	EventNewChat                   = "newChat"
	EventChatNameUpdated           = "chatNameUpdated"
	EventParticipantLeft           = "participantLeft"
	EventParticipantRemoved        = "participantRemoved"
	EventSocketError               = "socketError"
	EventPing                      = "ping"
	EventPong                      = "pong"
)

const (
	chatChannelPrefix = "chat:"
	userChannelPrefix = "user:"
)

func ChatChannel(chatID string) string {
	return chatChannelPrefix + chatID
}

func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// ChannelChat returns the chat id addressed by a chat channel.
func ChannelChat(channel string) (string, bool) {
	if !strings.HasPrefix(channel, chatChannelPrefix) {
		return "", false
	}
	return strings.TrimPrefix(channel, chatChannelPrefix), true
}

// ChannelUser returns the user id addressed by a user channel.
func ChannelUser(channel string) (string, bool) {
	if !strings.HasPrefix(channel, userChannelPrefix) {
		return "", false
	}
	return strings.TrimPrefix(channel, userChannelPrefix), true
}

// Event is the envelope relayed between gateway processes.
type Event struct {
	Name   string          `json:"event"`
	ChatID string          `json:"chat_id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	// Origin is the gateway instance that already delivered the event locally.
	Origin string `json:"origin,omitempty"`
	// ExceptUser receives nothing; used to skip the author of a change.
	ExceptUser string    `json:"except_user,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

func NewEvent(name, chatID string, payload interface{}) (*Event, error) {
	ev := &Event{
		Name:   name,
		ChatID: chatID,
		SentAt: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		ev.Data = data
	}
	return ev, nil
}

type MessageDeletedPayload struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
}

type AttachmentsUpdatedPayload struct {
	MessageID   string           `json:"message_id"`
	ChatID      string           `json:"chat_id"`
	Attachments []Attachment     `json:"attachments"`
	Status      AttachmentStatus `json:"status"`
}

type TypingPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// ParticipantPayload accompanies participantLeft and participantRemoved.
type ParticipantPayload struct {
	Chat   *Chat  `json:"chat"`
	UserID string `json:"user_id"`
}
