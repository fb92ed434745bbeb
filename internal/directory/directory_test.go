package directory

import (
	"testing"
	"time"

	"github.com/lessonloop/chatsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func conv(id, name string, updated time.Duration, participants ...models.Participant) models.Conversation {
	return models.Conversation{
		ID:           id,
		Type:         models.ConversationGroup,
		Name:         name,
		Participants: participants,
		UpdatedAt:    t0.Add(updated),
	}
}

func incoming(id, convID, sender string, offset time.Duration) models.Message {
	return models.Message{ID: id, ConversationID: convID, SenderID: sender, Content: "hey", CreatedAt: t0.Add(offset)}
}

func TestUnread_ZeroTwoZero(t *testing.T) {
	d := New()
	d.Upsert(conv("c1", "Physics", 0))

	assert.True(t, d.RecordMessage(incoming("m1", "c1", "u2", time.Minute), "me"))
	assert.True(t, d.RecordMessage(incoming("m2", "c1", "u3", 2*time.Minute), "me"))

	c, _ := d.Get("c1")
	assert.Equal(t, 2, c.UnreadCount)

	assert.True(t, d.MarkRead("c1"))
	c, _ = d.Get("c1")
	assert.Equal(t, 0, c.UnreadCount)

	assert.False(t, d.MarkRead("c1"), "already read")
}

func TestRecordMessage_CountsEachIDOnce(t *testing.T) {
	d := New()
	d.Upsert(conv("c1", "", 0))

	m := incoming("m1", "c1", "u2", time.Minute)
	assert.True(t, d.RecordMessage(m, "me"))
	assert.False(t, d.RecordMessage(m, "me"))

	c, _ := d.Get("c1")
	assert.Equal(t, 1, c.UnreadCount)
}

func TestRecordMessage_OwnAndOpenNotCounted(t *testing.T) {
	d := New()
	d.Upsert(conv("c1", "", 0))

	assert.False(t, d.RecordMessage(incoming("m1", "c1", "me", time.Minute), "me"))

	d.SetOpen("c1")
	assert.False(t, d.RecordMessage(incoming("m2", "c1", "u2", 2*time.Minute), "me"))

	d.SetOpen("")
	assert.False(t, d.RecordMessage(incoming("m2", "c1", "u2", 2*time.Minute), "me"),
		"a message seen while open is not counted after closing")

	c, _ := d.Get("c1")
	assert.Equal(t, 0, c.UnreadCount)
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "m2", c.LastMessage.ID)
}

func TestRecordMessage_UnknownConversationStub(t *testing.T) {
	d := New()

	assert.True(t, d.RecordMessage(incoming("m1", "c9", "u2", 0), "me"))

	c, ok := d.Get("c9")
	require.True(t, ok)
	assert.Equal(t, 1, c.UnreadCount)
	assert.Equal(t, "m1", c.LastMessage.ID)
}

func TestRecordMessage_OlderMessageKeepsPreview(t *testing.T) {
	d := New()
	d.RecordMessage(incoming("m2", "c1", "u2", time.Hour), "me")
	d.RecordMessage(incoming("m1", "c1", "u2", time.Minute), "me")

	c, _ := d.Get("c1")
	assert.Equal(t, "m2", c.LastMessage.ID)
}

func TestUpsert_MergesNonEmptyFields(t *testing.T) {
	d := New()
	d.Upsert(models.Conversation{
		ID:           "c1",
		Type:         models.ConversationGroup,
		Name:         "Study group",
		Description:  "Week 3",
		Participants: []models.Participant{{ID: "u1", Name: "Ada"}},
		UnreadCount:  3,
		UpdatedAt:    t0,
	})

	d.Upsert(models.Conversation{ID: "c1", Name: "Study group (renamed)", UnreadCount: 1, UpdatedAt: t0.Add(-time.Hour)})

	c, _ := d.Get("c1")
	assert.Equal(t, "Study group (renamed)", c.Name)
	assert.Equal(t, "Week 3", c.Description)
	assert.Len(t, c.Participants, 1)
	assert.Equal(t, models.ConversationGroup, c.Type)
	assert.Equal(t, 1, c.UnreadCount)
	assert.Equal(t, t0, c.UpdatedAt, "UpdatedAt never moves backwards")
}

func TestUpsert_OpenConversationStaysRead(t *testing.T) {
	d := New()
	d.SetOpen("c1")
	d.Upsert(models.Conversation{ID: "c1", UnreadCount: 4})

	c, _ := d.Get("c1")
	assert.Equal(t, 0, c.UnreadCount)

	d.Upsert(models.Conversation{ID: "c1", UnreadCount: 5})
	c, _ = d.Get("c1")
	assert.Equal(t, 0, c.UnreadCount)
}

func TestUpdate_KeepsLocalUnreadCount(t *testing.T) {
	d := New()
	d.Upsert(conv("c1", "Physics", 0))
	d.RecordMessage(incoming("m1", "c1", "u2", time.Minute), "me")
	d.RecordMessage(incoming("m2", "c1", "u2", 2*time.Minute), "me")

	d.Update(models.Conversation{ID: "c1", Name: "Physics 101"})

	c, _ := d.Get("c1")
	assert.Equal(t, "Physics 101", c.Name)
	assert.Equal(t, 2, c.UnreadCount)

	d.Upsert(models.Conversation{ID: "c1", UnreadCount: 3})
	c, _ = d.Get("c1")
	assert.Equal(t, 3, c.UnreadCount)
}

func TestList_SortedByLastActivity(t *testing.T) {
	d := New()
	d.Upsert(conv("old", "", 0))
	d.Upsert(conv("mid", "", time.Hour))
	d.Upsert(conv("new", "", 2*time.Hour))
	d.RecordMessage(incoming("m1", "old", "u2", 3*time.Hour), "me")

	var got []string
	for _, c := range d.List("") {
		got = append(got, c.ID)
	}

	assert.Equal(t, []string{"old", "new", "mid"}, got)
}

func TestList_FilterCaseAndNormalization(t *testing.T) {
	d := New()
	d.Upsert(conv("c1", "Chemistry Lab", 0, models.Participant{ID: "u1", Name: "Élodie"}))
	d.Upsert(conv("c2", "", 0, models.Participant{ID: "coach-42", Name: "Sam"}))
	c3 := conv("c3", "Maths", 0)
	c3.Description = "Weekly problem sets"
	d.Upsert(c3)

	names := func(filter string) []string {
		var out []string
		for _, c := range d.List(filter) {
			out = append(out, c.ID)
		}

		return out
	}

	assert.Equal(t, []string{"c1"}, names("chemISTRY"))
	assert.Equal(t, []string{"c1"}, names("ÉLODIE"))
	assert.Equal(t, []string{"c1"}, names("élodie"), "decomposed accent matches composed name")
	assert.Equal(t, []string{"c2"}, names("COACH-42"))
	assert.Equal(t, []string{"c3"}, names("problem SETS"))
	assert.Empty(t, names("biology"))
	assert.Len(t, names("   "), 3, "blank filter lists everything")
}

func TestEvict(t *testing.T) {
	d := New()
	d.Upsert(conv("c1", "", 0))
	d.SetOpen("c1")
	d.Evict("c1")

	_, ok := d.Get("c1")
	assert.False(t, ok)
	assert.Empty(t, d.Open())
	assert.Equal(t, 0, d.Len())
}

func TestGet_ReturnsCopy(t *testing.T) {
	d := New()
	d.Upsert(conv("c1", "", 0, models.Participant{ID: "u1"}))

	c, _ := d.Get("c1")
	c.Participants[0].ID = "changed"

	again, _ := d.Get("c1")
	assert.Equal(t, "u1", again.Participants[0].ID)
}

func TestTotalUnread(t *testing.T) {
	d := New()
	d.RecordMessage(incoming("m1", "c1", "u2", 0), "me")
	d.RecordMessage(incoming("m2", "c2", "u2", 0), "me")
	d.RecordMessage(incoming("m3", "c2", "u3", 0), "me")

	assert.Equal(t, 3, d.TotalUnread())
}

func TestRecordHistory_PreviewWithoutUnread(t *testing.T) {
	d := New()
	d.Upsert(conv("c1", "Physics", 0))

	page := []models.Message{
		incoming("m1", "c1", "u2", time.Minute),
		incoming("m2", "c1", "u2", 2*time.Minute),
	}
	d.RecordHistory("c1", page)

	c, _ := d.Get("c1")
	assert.Equal(t, 0, c.UnreadCount)
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "m2", c.LastMessage.ID)

	assert.False(t, d.RecordMessage(page[1], "me"), "a live echo of a history message is not counted")

	d.RecordHistory("c404", page)
	_, ok := d.Get("c404")
	assert.False(t, ok, "history for an unknown conversation creates no entry")
}
