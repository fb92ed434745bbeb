package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func allSentinels() []error {
	return []error{
		ErrUnauthorized,
		ErrConversationNotFound,
		ErrMessageNotFound,
		ErrEmptyMessage,
		ErrAttachmentTooLarge,
		ErrNotConnected,
		ErrAPIRequest,
		ErrAPIResponse,
		ErrEngineStopped,
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := allSentinels()
	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
		}
	}
}

func TestSentinelErrors_SurviveWrapping(t *testing.T) {
	for _, err := range allSentinels() {
		wrapped := fmt.Errorf("sending message: %w", err)
		assert.ErrorIs(t, wrapped, err)
	}
}

func TestSentinelErrors_ExpectedMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrUnauthorized, "invalid or expired token"},
		{ErrNotConnected, "push channel not connected"},
		{ErrEmptyMessage, "message has no content and no attachments"},
		{ErrAPIRequest, "API request failed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}
