package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestValidate_MessageRequiresIdentity(t *testing.T) {
	err := Validate(&Message{ConversationID: "c1", Content: "hi"})
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 1)
	assert.Equal(t, "Message.ID", verr.Fields[0].Field)
	assert.Equal(t, "required", verr.Fields[0].Tag)
}

func TestValidate_MessageRequiresConversation(t *testing.T) {
	err := Validate(&Message{ID: "m1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Message.ConversationID")
}

func TestValidate_ValidMessage(t *testing.T) {
	assert.NoError(t, Validate(&Message{ID: "m1", ConversationID: "c1"}))
}

func TestValidate_AttachmentOnlyMessageIsValid(t *testing.T) {
	msg := &Message{
		ID:             "m1",
		ConversationID: "c1",
		Type:           KindFile,
		Attachments:    []Attachment{{Filename: "notes.pdf", URL: "https://files/notes.pdf"}},
	}
	assert.NoError(t, Validate(msg))
}

func TestValidate_ConversationParticipantsDive(t *testing.T) {
	c := &Conversation{ID: "c1", Participants: []Participant{{ID: "u1"}, {Name: "no id"}}}
	err := Validate(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Participants[1].ID")
}

func TestMessage_CloneIsDeep(t *testing.T) {
	m := Message{
		ID:        "m1",
		ReadBy:    []ReadReceipt{{UserID: "u1"}},
		Reactions: []Reaction{{UserID: "u1", Emoji: "👍"}},
	}
	c := m.Clone()
	c.ReadBy[0].UserID = "changed"
	c.Reactions = append(c.Reactions, Reaction{UserID: "u2", Emoji: "🎉"})

	assert.Equal(t, "u1", m.ReadBy[0].UserID)
	assert.Len(t, m.Reactions, 1)
}

func TestMessage_ReactionAndReceiptLookups(t *testing.T) {
	m := Message{
		ReadBy:    []ReadReceipt{{UserID: "u1", ReadAt: t0}},
		Reactions: []Reaction{{UserID: "u2", Emoji: "👍"}},
	}
	assert.True(t, m.ReadByUser("u1"))
	assert.False(t, m.ReadByUser("u2"))
	assert.True(t, m.HasReaction("u2", "👍"))
	assert.False(t, m.HasReaction("u2", "🎉"))
}

func TestConversation_LastActivity(t *testing.T) {
	c := Conversation{UpdatedAt: t0}
	assert.Equal(t, t0, c.LastActivity())

	c.LastMessage = &MessageSummary{CreatedAt: t0.Add(time.Hour)}
	assert.Equal(t, t0.Add(time.Hour), c.LastActivity())
}

func TestConversation_CloneIsDeep(t *testing.T) {
	c := Conversation{
		ID:           "c1",
		Participants: []Participant{{ID: "u1"}},
		LastMessage:  &MessageSummary{ID: "m1"},
	}
	cp := c.Clone()
	cp.Participants[0].ID = "x"
	cp.LastMessage.ID = "m2"

	assert.Equal(t, "u1", c.Participants[0].ID)
	assert.Equal(t, "m1", c.LastMessage.ID)
	assert.True(t, c.HasParticipant("u1"))
}

func TestKindFor(t *testing.T) {
	img := Attachment{Filename: "a.png", URL: "u", ContentType: "image/png"}
	doc := Attachment{Filename: "a.pdf", URL: "u", ContentType: "application/pdf"}

	assert.Equal(t, KindText, KindFor("hi", nil))
	assert.Equal(t, KindText, KindFor("caption", []Attachment{img}))
	assert.Equal(t, KindImage, KindFor("", []Attachment{img, img}))
	assert.Equal(t, KindFile, KindFor("", []Attachment{img, doc}))
}
