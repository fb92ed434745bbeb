// Package api is the persistence channel client: the HTTP JSON API that
// durably stores conversations, messages, attachments, read state and
// reactions.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	chaterrors "github.com/lessonloop/chatsync/internal/errors"
	"github.com/lessonloop/chatsync/internal/models"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller may retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	// Attachment uploads carry base64 bodies, so this is generous.
	httpClientTimeout = 60 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 4 * 1024 * 1024

	// DefaultPageSize is the number of messages requested per history page.
	DefaultPageSize = 50
)

// Client talks to the persistence API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaks to
// a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL authenticating with token.
// If httpClient is nil, a client with a 60-second timeout and same-host
// redirect policy is created.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends a JSON request and decodes the response into result. body and
// result may be nil.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("%w: %s %s: %w", chaterrors.ErrAPIRequest, method, endpoint, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(endpoint, resp.StatusCode, respBody)
	}

	if result != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", chaterrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

func statusError(endpoint string, code int, body []byte) error {
	var apiErr APIError

	msg := sanitizeResponseBody(body)
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message() != "" {
		msg = apiErr.Message()
	}

	err := fmt.Errorf("%w: %s returned status %d: %s", chaterrors.ErrAPIResponse, endpoint, code, msg)

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %w", chaterrors.ErrUnauthorized, err)
	case isTransientStatus(code):
		return &TransientError{Err: err}
	}

	return err
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// ListConversations returns every conversation the user belongs to.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var resp ConversationListResponse
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	return resp.Conversations, nil
}

// CreateConversation creates a direct or group conversation.
func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (*models.Conversation, error) {
	var resp models.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", req, &resp); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	return &resp, nil
}

// ListMessages returns one page of a conversation's history. before is
// the ID of the oldest message already held; empty fetches the newest page.
func (c *Client) ListMessages(ctx context.Context, conversationID, before string, limit int) (*MessagePage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", limit))

	if before != "" {
		q.Set("before", before)
	}

	endpoint := "/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()

	var resp MessagePage
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("listing messages for %s: %w", conversationID, err)
	}

	return &resp, nil
}

// SendMessage persists a message and returns the stored copy, including
// its server-assigned ID and timestamp.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendMessageRequest) (*models.Message, error) {
	endpoint := "/conversations/" + url.PathEscape(conversationID) + "/messages"

	var resp models.Message
	if err := c.do(ctx, http.MethodPost, endpoint, req, &resp); err != nil {
		return nil, fmt.Errorf("sending message to %s: %w", conversationID, err)
	}

	return &resp, nil
}

// UploadAttachment stores an encoded file and returns its durable reference.
func (c *Client) UploadAttachment(ctx context.Context, req UploadRequest) (*UploadResponse, error) {
	var resp UploadResponse
	if err := c.do(ctx, http.MethodPost, "/files/upload", req, &resp); err != nil {
		return nil, fmt.Errorf("uploading %s: %w", req.Filename, err)
	}

	if resp.URL == "" {
		return nil, fmt.Errorf("uploading %s: %w: response has no url", req.Filename, chaterrors.ErrAPIResponse)
	}

	return &resp, nil
}

// MarkConversationRead records that the user has read the conversation.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	endpoint := "/conversations/" + url.PathEscape(conversationID) + "/read"
	if err := c.do(ctx, http.MethodPost, endpoint, nil, nil); err != nil {
		return fmt.Errorf("marking %s read: %w", conversationID, err)
	}

	return nil
}

// AddReaction adds the user's emoji reaction and returns the updated message.
func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) (*models.Message, error) {
	endpoint := "/messages/" + url.PathEscape(messageID) + "/reactions"

	var resp models.Message
	if err := c.do(ctx, http.MethodPost, endpoint, ReactionRequest{Emoji: emoji}, &resp); err != nil {
		return nil, fmt.Errorf("adding reaction to %s: %w", messageID, err)
	}

	return &resp, nil
}

// RemoveReaction removes the user's emoji reaction and returns the updated
// message.
func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) (*models.Message, error) {
	endpoint := "/messages/" + url.PathEscape(messageID) + "/reactions?emoji=" + url.QueryEscape(emoji)

	var resp models.Message
	if err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("removing reaction from %s: %w", messageID, err)
	}

	return &resp, nil
}
