package models

import (
	"strings"
	"time"
)

// Kind is the message content kind.
type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindFile   Kind = "file"
	KindSystem Kind = "system"
)

// Attachment is a durable reference produced by the upload pipeline.
type Attachment struct {
	Filename    string `json:"filename" validate:"required"`
	URL         string `json:"url" validate:"required"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// ReadReceipt records that a participant has read a message.
type ReadReceipt struct {
	UserID string    `json:"userId" validate:"required"`
	ReadAt time.Time `json:"readAt"`
}

// Reaction is a single (user, emoji) pair on a message.
type Reaction struct {
	UserID string `json:"userId" validate:"required"`
	Emoji  string `json:"emoji" validate:"required"`
}

// Message is a chat message. ID is assigned by the server and is the only
// key used to deduplicate messages arriving from different channels.
type Message struct {
	ID             string        `json:"id" validate:"required"`
	ConversationID string        `json:"conversationId" validate:"required"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content,omitempty"`
	Type           Kind          `json:"type"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	ReplyTo        string        `json:"replyTo,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	ReadBy         []ReadReceipt `json:"readBy,omitempty"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
}

// Summary returns the directory preview for the message.
func (m *Message) Summary() *MessageSummary {
	return &MessageSummary{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      m.Type,
		CreatedAt: m.CreatedAt,
	}
}

// ReadByUser reports whether userID has a receipt on the message.
func (m *Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}

	return false
}

// HasReaction reports whether (userID, emoji) is present on the message.
func (m *Message) HasReaction(userID, emoji string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}

	return false
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	out.ReadBy = append([]ReadReceipt(nil), m.ReadBy...)
	out.Reactions = append([]Reaction(nil), m.Reactions...)

	return out
}

// KindFor picks the message kind for composed content: text when there is
// any text, image when every attachment is an image, file otherwise.
func KindFor(content string, attachments []Attachment) Kind {
	if content != "" || len(attachments) == 0 {
		return KindText
	}

	for _, a := range attachments {
		if !strings.HasPrefix(a.ContentType, "image/") {
			return KindFile
		}
	}

	return KindImage
}
