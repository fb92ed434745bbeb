package api

import "github.com/lessonloop/chatsync/internal/models"

// ConversationListResponse is returned from GET /conversations.
type ConversationListResponse struct {
	Conversations []models.Conversation `json:"conversations"`
}

// CreateConversationRequest is the payload for POST /conversations.
type CreateConversationRequest struct {
	ParticipantIDs []string                `json:"participantIds"`
	Type           models.ConversationType `json:"type"`
	Name           string                  `json:"name,omitempty"`
	Description    string                  `json:"description,omitempty"`
}

// MessagePage is returned from GET /conversations/{id}/messages.
type MessagePage struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}

// SendMessageRequest is the payload for POST /conversations/{id}/messages.
type SendMessageRequest struct {
	Content     string              `json:"content"`
	Type        models.Kind         `json:"type"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	ReplyTo     string              `json:"replyTo,omitempty"`
}

// UploadRequest is the payload for POST /files/upload. File holds the
// base64-encoded content.
type UploadRequest struct {
	File           string `json:"file"`
	Filename       string `json:"filename"`
	ContentType    string `json:"contentType"`
	ConversationID string `json:"conversationId"`
}

// UploadResponse is the durable reference returned for an upload.
type UploadResponse struct {
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// Attachment converts the upload response into a message attachment.
func (r *UploadResponse) Attachment() models.Attachment {
	return models.Attachment{
		Filename:    r.Filename,
		URL:         r.URL,
		Size:        r.Size,
		ContentType: r.ContentType,
	}
}

// ReactionRequest is the payload for POST /messages/{id}/reactions.
type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

// APIError is the error body returned by the API. Some endpoints use
// "error", others "message".
type APIError struct {
	Err string `json:"error"`
	Msg string `json:"message"`
}

// Message returns whichever error text the server populated.
func (e *APIError) Message() string {
	if e.Err != "" {
		return e.Err
	}

	return e.Msg
}
