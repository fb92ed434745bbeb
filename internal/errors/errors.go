package errors

import "errors"

// Client errors.
var (
	ErrUnauthorized         = errors.New("invalid or expired token")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrEmptyMessage         = errors.New("message has no content and no attachments")
	ErrAttachmentTooLarge   = errors.New("attachment exceeds size limit")
)

// Server/transport errors.
var (
	ErrNotConnected = errors.New("push channel not connected")
	ErrAPIRequest   = errors.New("API request failed")
	ErrAPIResponse  = errors.New("unexpected API response")
)

// ErrEngineStopped is returned by engine operations once its event loop
// has exited.
var ErrEngineStopped = errors.New("sync engine stopped")
