// Package models defines the conversation and message types shared by the
// sync components, the persistence client and the push channel codec.
package models

import "time"

// ConversationType distinguishes one-to-one and group conversations.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Participant is a member of a conversation as shown in the directory.
type Participant struct {
	ID     string `json:"id" validate:"required"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// MessageSummary is the denormalized last-message preview kept on a
// conversation.
type MessageSummary struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Type      Kind      `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a directory entry. Name and Description are only set for
// group conversations.
type Conversation struct {
	ID           string           `json:"id" validate:"required"`
	Type         ConversationType `json:"type"`
	Participants []Participant    `json:"participants" validate:"dive"`
	Name         string           `json:"name,omitempty"`
	Description  string           `json:"description,omitempty"`
	LastMessage  *MessageSummary  `json:"lastMessage,omitempty"`
	UnreadCount  int              `json:"unreadCount"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}

	return false
}

// LastActivity returns the time used to order conversations in the
// directory: the last message time if known, else UpdatedAt.
func (c *Conversation) LastActivity() time.Time {
	if c.LastMessage != nil && c.LastMessage.CreatedAt.After(c.UpdatedAt) {
		return c.LastMessage.CreatedAt
	}

	return c.UpdatedAt
}

// Clone returns a deep copy so callers outside the event loop cannot
// mutate directory state.
func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = append([]Participant(nil), c.Participants...)

	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}

	return out
}
