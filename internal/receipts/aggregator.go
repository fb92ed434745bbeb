// Package receipts builds the read-receipt events the local user emits and
// keeps, per conversation, how far each participant has read.
package receipts

import (
	"maps"
	"time"

	"github.com/lessonloop/chatsync/internal/models"
	"github.com/lessonloop/chatsync/internal/protocol"
)

// Aggregator tracks read watermarks: for each conversation, the latest
// read time seen per reader. Receipts themselves live on the messages and
// are written by the reconciler; the aggregator only summarizes them. It
// is not safe for concurrent use.
type Aggregator struct {
	selfID string
	marks  map[string]map[string]time.Time
}

// New creates an Aggregator for the local user selfID.
func New(selfID string) *Aggregator {
	return &Aggregator{
		selfID: selfID,
		marks:  make(map[string]map[string]time.Time),
	}
}

// MarkRead builds the event announcing that the local user read a
// conversation and advances the local watermark to at.
func (a *Aggregator) MarkRead(conversationID string, at time.Time) protocol.MarkRead {
	a.Observe(conversationID, a.selfID, at)

	return protocol.MarkRead{ConversationID: conversationID, UserID: a.selfID}
}

// MarkMessageRead builds the event announcing that the local user read a
// single message.
func (a *Aggregator) MarkMessageRead(m models.Message, at time.Time) protocol.MarkMessageRead {
	a.Observe(m.ConversationID, a.selfID, at)

	return protocol.MarkMessageRead{MessageID: m.ID, UserID: a.selfID}
}

// Observe advances userID's watermark in a conversation. Watermarks never
// move backwards. It reports whether the watermark moved.
func (a *Aggregator) Observe(conversationID, userID string, at time.Time) bool {
	if conversationID == "" || userID == "" {
		return false
	}

	readers := a.marks[conversationID]
	if readers == nil {
		readers = make(map[string]time.Time)
		a.marks[conversationID] = readers
	}

	cur, ok := readers[userID]
	if ok && !at.After(cur) {
		return false
	}

	readers[userID] = at

	return true
}

// ObserveMessages folds the receipts carried by messages, typically a
// freshly merged history page, into the watermarks.
func (a *Aggregator) ObserveMessages(conversationID string, msgs []models.Message) {
	for _, m := range msgs {
		for _, rc := range m.ReadBy {
			at := rc.ReadAt
			if at.IsZero() {
				at = m.CreatedAt
			}

			a.Observe(conversationID, rc.UserID, at)
		}
	}
}

// Watermark returns userID's latest read time in a conversation.
func (a *Aggregator) Watermark(conversationID, userID string) (time.Time, bool) {
	at, ok := a.marks[conversationID][userID]
	return at, ok
}

// Watermarks returns a copy of every reader's watermark in a conversation.
func (a *Aggregator) Watermarks(conversationID string) map[string]time.Time {
	return maps.Clone(a.marks[conversationID])
}

// Forget drops the watermarks of an evicted conversation.
func (a *Aggregator) Forget(conversationID string) {
	delete(a.marks, conversationID)
}

// ReadUpTo returns the last message, in conversation order, that userID
// has a receipt on. msgs must be ordered as the reconciler orders them.
func ReadUpTo(msgs []models.Message, userID string) (models.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ReadByUser(userID) {
			return msgs[i], true
		}
	}

	return models.Message{}, false
}
