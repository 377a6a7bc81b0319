package entity

import (
	"fmt"
	"time"
)

type ChatType string

const (
	ChatTypeDirect ChatType = "direct"
	ChatTypeGroup  ChatType = "group"

	MinGroupMembers = 3
	MaxGroupMembers = 100
)

type Chat struct {
	ID            string    `json:"id" firestore:"id"`
	Name          string    `json:"name" firestore:"name"`
	Type          ChatType  `json:"type" firestore:"type"`
	Participants  []string  `json:"participants" firestore:"participants"`
	AdminID       string    `json:"admin_id,omitempty" firestore:"adminId,omitempty"`
	LastMessageID string    `json:"last_message_id,omitempty" firestore:"lastMessageId,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty" firestore:"lastMessageAt,omitempty"`
	CreatedAt     time.Time `json:"created_at" firestore:"createdAt"`
	UpdatedAt     time.Time `json:"updated_at" firestore:"updatedAt"`
}

func (c *Chat) IsGroup() bool {
	return c.Type == ChatTypeGroup
}

func (c *Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Validate checks the roster invariants: a direct chat has exactly two
// distinct participants and no admin; a group has at least three distinct
// members and its admin is one of them.
func (c *Chat) Validate() error {
	seen := make(map[string]struct{}, len(c.Participants))
	for _, p := range c.Participants {
		if p == "" {
			return fmt.Errorf("empty participant id")
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("duplicate participant %s", p)
		}
		seen[p] = struct{}{}
	}

	switch c.Type {
	case ChatTypeDirect:
		if len(c.Participants) != 2 {
			return fmt.Errorf("direct chat must have exactly 2 participants, got %d", len(c.Participants))
		}
		if c.AdminID != "" {
			return fmt.Errorf("direct chat cannot have an admin")
		}
	case ChatTypeGroup:
		if len(c.Participants) > MaxGroupMembers {
			return fmt.Errorf("group chat cannot have more than %d members", MaxGroupMembers)
		}
		if _, ok := seen[c.AdminID]; !ok {
			return fmt.Errorf("group admin must be a participant")
		}
	default:
		return fmt.Errorf("unknown chat type %q", c.Type)
	}
	return nil
}

// OtherParticipants returns every participant except userID.
func (c *Chat) OtherParticipants(userID string) []string {
	others := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			others = append(others, p)
		}
	}
	return others
}

// WithoutParticipant returns a copy of the roster with userID removed.
func (c *Chat) WithoutParticipant(userID string) []string {
	return c.OtherParticipants(userID)
}
