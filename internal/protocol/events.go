// Package protocol defines the push channel event names, their payloads
// and the JSON envelope every frame is wrapped in.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/lessonloop/chatsync/internal/models"
	"github.com/tidwall/gjson"
)

// Outbound events (client -> server).
const (
	EventJoinUser          = "join_user"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMarkRead          = "mark_read"
	EventMarkMessageRead   = "mark_message_read"
	EventAddReaction       = "add_reaction"
	EventRemoveReaction    = "remove_reaction"
	EventPing              = "ping"
)

// Inbound events (server -> client).
const (
	EventNewMessage          = "new_message"
	EventMessageSent         = "message_sent"
	EventUserTyping          = "user_typing"
	EventMessagesRead        = "messages_read"
	EventMessageRead         = "message_read"
	EventReactionAdded       = "reaction_added"
	EventReactionRemoved     = "reaction_removed"
	EventConversationUpdated = "conversation_updated"
	EventError               = "error"
	EventPong                = "pong"
)

// Lifecycle events are raised locally by the transport, never sent on
// the wire.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventReconnect    = "reconnect"
	EventConnectError = "connect_error"
)

// JoinUser identifies the session owner after connecting.
type JoinUser struct {
	UserID string `json:"userId"`
}

// RoomRequest joins or leaves a conversation room.
type RoomRequest struct {
	ConversationID string `json:"conversationId"`
}

// SendMessage broadcasts a composed message. Either ConversationID or
// RecipientID is set.
type SendMessage struct {
	ConversationID string              `json:"conversationId,omitempty"`
	RecipientID    string              `json:"recipientId,omitempty"`
	Content        string              `json:"content"`
	Type           models.Kind         `json:"type"`
	Attachments    []models.Attachment `json:"attachments,omitempty"`
	ReplyTo        string              `json:"replyTo,omitempty"`
}

// Typing is sent for typing_start / typing_stop.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// UserTyping is the inbound typing notification.
type UserTyping struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// MarkRead is sent when the local user reads a conversation.
type MarkRead struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// MarkMessageRead is sent when the local user reads a single message.
type MarkMessageRead struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// ReadEvent is the inbound messages_read / message_read payload.
// MessageID is only set for message_read.
type ReadEvent struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId,omitempty"`
	UserID         string    `json:"userId"`
	Timestamp      time.Time `json:"timestamp"`
}

// ReactionRequest is sent for add_reaction / remove_reaction.
type ReactionRequest struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// ReactionEvent is the inbound reaction_added / reaction_removed payload.
// Message carries the full updated message, which is authoritative.
type ReactionEvent struct {
	MessageID string          `json:"messageId"`
	Message   *models.Message `json:"message"`
}

// ConversationUpdate is the inbound conversation_updated payload.
// HasUnreadCount is false when the server left unreadCount out.
type ConversationUpdate struct {
	models.Conversation
	HasUnreadCount bool `json:"-"`
}

func (u *ConversationUpdate) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &u.Conversation); err != nil {
		return err
	}

	u.HasUnreadCount = gjson.GetBytes(data, "unreadCount").Exists()

	return nil
}

// ErrorEvent is the inbound error payload.
type ErrorEvent struct {
	Message string `json:"message"`
}

// Disconnect is raised locally when the connection drops or is closed.
type Disconnect struct {
	Reason string `json:"reason"`
}

// ConnectError is raised locally once the reconnect budget is spent.
type ConnectError struct {
	Attempts int    `json:"attempts"`
	Err      string `json:"error"`
}
