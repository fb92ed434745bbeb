// Package mcpserver registers MCP tools that expose the sync engine.
// It adapts the chat package to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lessonloop/chatsync/internal/chat"
	"github.com/lessonloop/chatsync/internal/models"
	"github.com/lessonloop/chatsync/internal/reactions"
	"github.com/lessonloop/chatsync/internal/upload"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const defaultMessageLimit = 50

// Engine is the part of the sync engine the tools call. *chat.Engine
// satisfies it.
type Engine interface {
	Conversations(ctx context.Context, filter string) ([]models.Conversation, error)
	Conversation(ctx context.Context, conversationID string) (models.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	HasMore(ctx context.Context, conversationID string) (bool, error)
	LoadOlder(ctx context.Context, conversationID string) (int, bool, error)
	Send(ctx context.Context, req chat.SendRequest) (chat.SendResult, error)
	MarkRead(ctx context.Context, conversationID string) error
	ToggleReaction(ctx context.Context, messageID, emoji string) (reactions.Toggle, error)
	StartTyping(ctx context.Context, conversationID string) error
	StopTyping(ctx context.Context, conversationID string) error
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, e Engine) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list_conversations",
		Description: "List conversations, most recent activity first, with unread counts and the last message preview. Optionally filter by name, description or participant.",
	}, listConversationsHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_read_messages",
		Description: "Read the newest messages of a conversation, oldest first. History is fetched from the server when none is held yet. Set load_older to fetch the page before the oldest message held.",
	}, readMessagesHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send_message",
		Description: "Send a message to a conversation. Text, local file attachments, or both. Returns the stored message once the server confirms it.",
	}, sendMessageHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_mark_read",
		Description: "Mark every message in a conversation as read by the local user.",
	}, markReadHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_toggle_reaction",
		Description: "Add the emoji reaction to a message, or remove it if the local user already reacted with it.",
	}, toggleReactionHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_typing",
		Description: "Tell the other participants of a conversation that the local user started or stopped typing.",
	}, typingHandler(e))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListConversationsInput holds parameters for chat_list_conversations.
type ListConversationsInput struct {
	Filter string `json:"filter,omitempty" jsonschema:"case-insensitive text matched against name, description and participants"`
}

// ReadMessagesInput holds parameters for chat_read_messages.
type ReadMessagesInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"required,conversation id"`
	Limit          int    `json:"limit,omitempty" jsonschema:"maximum number of newest messages to return, defaults to 50"`
	LoadOlder      bool   `json:"load_older,omitempty" jsonschema:"fetch the page before the oldest message held first"`
}

// SendMessageInput holds parameters for chat_send_message.
type SendMessageInput struct {
	ConversationID string   `json:"conversation_id" jsonschema:"required,conversation id"`
	Content        string   `json:"content,omitempty" jsonschema:"message text"`
	FilePaths      []string `json:"file_paths,omitempty" jsonschema:"local files to attach"`
	ReplyTo        string   `json:"reply_to,omitempty" jsonschema:"id of the message being replied to"`
}

// MarkReadInput holds parameters for chat_mark_read.
type MarkReadInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"required,conversation id"`
}

// ToggleReactionInput holds parameters for chat_toggle_reaction.
type ToggleReactionInput struct {
	MessageID string `json:"message_id" jsonschema:"required,message id"`
	Emoji     string `json:"emoji" jsonschema:"required,emoji to toggle"`
}

// TypingInput holds parameters for chat_typing.
type TypingInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"required,conversation id"`
	Typing         bool   `json:"typing" jsonschema:"true when typing started, false when it stopped"`
}

// --- Output types ---

// ConversationEntry is one conversation in a listing.
type ConversationEntry struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Name         string   `json:"name,omitempty"`
	Participants []string `json:"participants"`
	UnreadCount  int      `json:"unread_count"`
	LastMessage  string   `json:"last_message,omitempty"`
	LastActivity string   `json:"last_activity"`
}

// ListConversationsResult is returned by chat_list_conversations.
type ListConversationsResult struct {
	Total         int                 `json:"total"`
	TotalUnread   int                 `json:"total_unread"`
	Conversations []ConversationEntry `json:"conversations"`
}

// MessageEntry is one message as shown to a tool caller.
type MessageEntry struct {
	ID          string   `json:"id"`
	SenderID    string   `json:"sender_id"`
	Type        string   `json:"type"`
	Content     string   `json:"content,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	ReplyTo     string   `json:"reply_to,omitempty"`
	CreatedAt   string   `json:"created_at"`
	ReadBy      []string `json:"read_by,omitempty"`
	Reactions   []string `json:"reactions,omitempty"`
}

// ReadMessagesResult is returned by chat_read_messages.
type ReadMessagesResult struct {
	ConversationID string         `json:"conversation_id"`
	Held           int            `json:"held"`
	HasMore        bool           `json:"has_more"`
	Messages       []MessageEntry `json:"messages"`
}

// FailedAttachment names a file that could not be uploaded.
type FailedAttachment struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// SendMessageResult is returned by chat_send_message.
type SendMessageResult struct {
	Status            string             `json:"status"`
	Message           MessageEntry       `json:"message"`
	FailedAttachments []FailedAttachment `json:"failed_attachments,omitempty"`
}

// MarkReadResult is returned by chat_mark_read.
type MarkReadResult struct {
	ConversationID string `json:"conversation_id"`
	UnreadCount    int    `json:"unread_count"`
}

// ToggleReactionResult is returned by chat_toggle_reaction.
type ToggleReactionResult struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	Action    string `json:"action"`
}

// TypingResult is returned by chat_typing.
type TypingResult struct {
	ConversationID string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

// --- Handlers ---

func listConversationsHandler(e Engine) mcp.ToolHandlerFor[ListConversationsInput, *ListConversationsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ListConversationsInput) (*mcp.CallToolResult, *ListConversationsResult, error) {
		convs, err := e.Conversations(ctx, input.Filter)
		if err != nil {
			return nil, nil, err
		}

		result := &ListConversationsResult{Conversations: make([]ConversationEntry, 0, len(convs))}
		for _, c := range convs {
			result.TotalUnread += c.UnreadCount
			result.Conversations = append(result.Conversations, conversationEntry(c))
		}

		result.Total = len(result.Conversations)

		return textResult(result), result, nil
	}
}

func readMessagesHandler(e Engine) mcp.ToolHandlerFor[ReadMessagesInput, *ReadMessagesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ReadMessagesInput) (*mcp.CallToolResult, *ReadMessagesResult, error) {
		if _, err := e.Conversation(ctx, input.ConversationID); err != nil {
			return nil, nil, err
		}

		msgs, err := e.Messages(ctx, input.ConversationID)
		if err != nil {
			return nil, nil, err
		}

		if len(msgs) == 0 || input.LoadOlder {
			if _, _, err := e.LoadOlder(ctx, input.ConversationID); err != nil {
				return nil, nil, err
			}

			if msgs, err = e.Messages(ctx, input.ConversationID); err != nil {
				return nil, nil, err
			}
		}

		more, err := e.HasMore(ctx, input.ConversationID)
		if err != nil {
			return nil, nil, err
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultMessageLimit
		}

		held := len(msgs)
		if held > limit {
			msgs = msgs[held-limit:]
		}

		result := &ReadMessagesResult{
			ConversationID: input.ConversationID,
			Held:           held,
			HasMore:        more,
			Messages:       make([]MessageEntry, 0, len(msgs)),
		}

		for _, m := range msgs {
			result.Messages = append(result.Messages, messageEntry(m))
		}

		return textResult(result), result, nil
	}
}

func sendMessageHandler(e Engine) mcp.ToolHandlerFor[SendMessageInput, *SendMessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendMessageInput) (*mcp.CallToolResult, *SendMessageResult, error) {
		req := chat.SendRequest{
			ConversationID: input.ConversationID,
			Content:        input.Content,
			ReplyTo:        input.ReplyTo,
		}

		for _, p := range input.FilePaths {
			req.Files = append(req.Files, upload.FileRef{Path: p})
		}

		res, err := e.Send(ctx, req)
		if err != nil {
			return nil, nil, err
		}

		result := &SendMessageResult{
			Status:  string(res.Status),
			Message: messageEntry(res.Message),
		}

		for _, f := range res.FailedAttachments {
			result.FailedAttachments = append(result.FailedAttachments, FailedAttachment{
				Filename: f.Filename,
				Error:    f.Err.Error(),
			})
		}

		return textResult(result), result, nil
	}
}

func markReadHandler(e Engine) mcp.ToolHandlerFor[MarkReadInput, *MarkReadResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MarkReadInput) (*mcp.CallToolResult, *MarkReadResult, error) {
		if err := e.MarkRead(ctx, input.ConversationID); err != nil {
			return nil, nil, err
		}

		c, err := e.Conversation(ctx, input.ConversationID)
		if err != nil {
			return nil, nil, err
		}

		result := &MarkReadResult{ConversationID: c.ID, UnreadCount: c.UnreadCount}

		return textResult(result), result, nil
	}
}

func toggleReactionHandler(e Engine) mcp.ToolHandlerFor[ToggleReactionInput, *ToggleReactionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ToggleReactionInput) (*mcp.CallToolResult, *ToggleReactionResult, error) {
		toggle, err := e.ToggleReaction(ctx, input.MessageID, input.Emoji)
		if err != nil {
			return nil, nil, err
		}

		result := &ToggleReactionResult{
			MessageID: toggle.MessageID,
			Emoji:     toggle.Emoji,
			Action:    toggle.Action.String(),
		}

		return textResult(result), result, nil
	}
}

func typingHandler(e Engine) mcp.ToolHandlerFor[TypingInput, *TypingResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input TypingInput) (*mcp.CallToolResult, *TypingResult, error) {
		if input.ConversationID == "" {
			return nil, nil, errors.New("conversation_id is required")
		}

		var err error
		if input.Typing {
			err = e.StartTyping(ctx, input.ConversationID)
		} else {
			err = e.StopTyping(ctx, input.ConversationID)
		}

		if err != nil {
			return nil, nil, err
		}

		result := &TypingResult{ConversationID: input.ConversationID, Typing: input.Typing}

		return textResult(result), result, nil
	}
}

func conversationEntry(c models.Conversation) ConversationEntry {
	entry := ConversationEntry{
		ID:           c.ID,
		Type:         string(c.Type),
		Name:         c.Name,
		Participants: make([]string, 0, len(c.Participants)),
		UnreadCount:  c.UnreadCount,
		LastActivity: c.LastActivity().Format(time.RFC3339),
	}

	for _, p := range c.Participants {
		entry.Participants = append(entry.Participants, p.ID)
	}

	if c.LastMessage != nil {
		entry.LastMessage = c.LastMessage.Content
	}

	return entry
}

func messageEntry(m models.Message) MessageEntry {
	entry := MessageEntry{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Type:      string(m.Type),
		Content:   m.Content,
		ReplyTo:   m.ReplyTo,
		CreatedAt: m.CreatedAt.Format(time.RFC3339),
	}

	for _, a := range m.Attachments {
		entry.Attachments = append(entry.Attachments, a.URL)
	}

	for _, r := range m.ReadBy {
		entry.ReadBy = append(entry.ReadBy, r.UserID)
	}

	for _, r := range m.Reactions {
		entry.Reactions = append(entry.Reactions, fmt.Sprintf("%s %s", r.Emoji, r.UserID))
	}

	return entry
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
