package entity

import "time"

type AttachmentStatus string

const (
	AttachmentStatusNone    AttachmentStatus = ""
	AttachmentStatusPending AttachmentStatus = "pending"
	AttachmentStatusReady   AttachmentStatus = "ready"
	AttachmentStatusFailed  AttachmentStatus = "failed"
)

// Attachment describes an object stored in the object store. Key and URL
// stay empty until the upload finishes.
type Attachment struct {
	Key      string `json:"key,omitempty" firestore:"key,omitempty"`
	URL      string `json:"url,omitempty" firestore:"url,omitempty"`
	Filename string `json:"filename" firestore:"filename"`
	MimeType string `json:"mime_type" firestore:"mimeType"`
	Size     int64  `json:"size" firestore:"size"`
}

type Message struct {
	ID               string           `json:"id" firestore:"id"`
	ChatID           string           `json:"chat_id" firestore:"chatId"`
	SenderID         string           `json:"sender_id" firestore:"senderId"`
	Content          string           `json:"content,omitempty" firestore:"content,omitempty"`
	Attachments      []Attachment     `json:"attachments" firestore:"attachments"`
	AttachmentStatus AttachmentStatus `json:"attachment_status,omitempty" firestore:"attachmentStatus,omitempty"`
	CreatedAt        time.Time        `json:"created_at" firestore:"createdAt"`
	UpdatedAt        time.Time        `json:"updated_at" firestore:"updatedAt"`
}

type SenderSummary struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// MessageSnapshot is the denormalized form held in the hot buffer and sent
// to clients: the message plus an inlined sender summary.
type MessageSnapshot struct {
	Message
	Sender SenderSummary `json:"sender"`
}

func NewSnapshot(m *Message, sender SenderSummary) *MessageSnapshot {
	return &MessageSnapshot{Message: *m, Sender: sender}
}

// DeliveryState tracks a message through the send pipeline.
type DeliveryState string

const (
	DeliveryReceived             DeliveryState = "received"
	DeliveryAcknowledged         DeliveryState = "acknowledged"
	DeliveryFannedOut            DeliveryState = "fanned_out"
	DeliveryPersisted            DeliveryState = "persisted"
	DeliveryAttachmentsFinalized DeliveryState = "attachments_finalized"
	DeliveryFailed               DeliveryState = "failed"
)
