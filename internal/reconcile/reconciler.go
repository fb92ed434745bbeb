// Package reconcile merges messages arriving from history pages, live
// push events and send confirmations into one ordered, duplicate-free
// sequence per conversation.
//
// Message ID is the only identity. Arrival order and arrival channel are
// irrelevant: every sequence is kept sorted by server creation time, ties
// broken by ID, so any interleaving of the same inputs yields the same
// result.
package reconcile

import (
	"log/slog"
	"slices"
	"time"

	"github.com/lessonloop/chatsync/internal/models"
)

// Reconciler owns the per-conversation message sequences. It is not safe
// for concurrent use; the sync engine calls it from its event loop only.
type Reconciler struct {
	logger *slog.Logger

	convs map[string][]models.Message
	// index maps message ID to its conversation.
	index map[string]string

	discarded int
}

// New creates an empty Reconciler.
func New(logger *slog.Logger) *Reconciler {
	return &Reconciler{
		logger: logger,
		convs:  make(map[string][]models.Message),
		index:  make(map[string]string),
	}
}

// compare orders messages by creation time, then ID.
func compare(a, b models.Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}

	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}

	return 0
}

// valid rejects messages without identity. Rejections are counted and
// logged, never fatal.
func (r *Reconciler) valid(m *models.Message, source string) bool {
	if err := models.Validate(m); err != nil {
		r.discarded++
		r.logger.Warn("discarding malformed message",
			slog.String("source", source),
			slog.String("message_id", m.ID),
			slog.String("error", err.Error()),
		)

		return false
	}

	return true
}

// IngestHistory merges a page fetched from the persistence channel.
// Messages already held locally but absent from the page are kept. A
// message present on both sides takes the page copy, since the server is
// fresher, while keeping every receipt already merged locally. The held
// reaction list is kept too: it changes only through reaction events and
// confirmations. It returns the number of messages that were new.
func (r *Reconciler) IngestHistory(conversationID string, page []models.Message) int {
	added := 0

	for i := range page {
		m := page[i]
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}

		if !r.valid(&m, "history") {
			continue
		}

		if r.upsert(m) {
			added++
		}
	}

	return added
}

// IngestLive merges a message pushed in real time. It reports whether the
// message was new; a duplicate ID is dropped.
func (r *Reconciler) IngestLive(m models.Message) bool {
	if !r.valid(&m, "live") {
		return false
	}

	if _, ok := r.index[m.ID]; ok {
		return false
	}

	r.insert(m.Clone())

	return true
}

// IngestConfirmed merges the stored copy returned for a message this
// client sent. No placeholder exists for unconfirmed sends, so this is an
// identity merge exactly like IngestLive.
func (r *Reconciler) IngestConfirmed(m models.Message) bool {
	return r.IngestLive(m)
}

// upsert inserts m or replaces the stored copy, reporting whether m was new.
func (r *Reconciler) upsert(m models.Message) bool {
	convID, ok := r.index[m.ID]
	if !ok {
		r.insert(m.Clone())
		return true
	}

	seq := r.convs[convID]
	i := slices.IndexFunc(seq, func(e models.Message) bool { return e.ID == m.ID })
	prev := seq[i]

	next := m.Clone()
	next.ReadBy = mergeReceipts(prev.ReadBy, next.ReadBy)
	next.Reactions = slices.Clone(prev.Reactions)

	if convID == next.ConversationID && compare(prev, next) == 0 {
		seq[i] = next
		return false
	}

	// Creation time or conversation changed: re-sort.
	r.remove(convID, m.ID)
	r.insert(next)

	return false
}

func (r *Reconciler) insert(m models.Message) {
	seq := r.convs[m.ConversationID]
	pos, _ := slices.BinarySearchFunc(seq, m, compare)
	r.convs[m.ConversationID] = slices.Insert(seq, pos, m)
	r.index[m.ID] = m.ConversationID
}

func (r *Reconciler) remove(conversationID, messageID string) {
	r.convs[conversationID] = slices.DeleteFunc(r.convs[conversationID], func(e models.Message) bool {
		return e.ID == messageID
	})
	delete(r.index, messageID)
}

// mergeReceipts returns the union of two receipt lists keyed by reader,
// keeping the earliest read time per reader.
func mergeReceipts(local, incoming []models.ReadReceipt) []models.ReadReceipt {
	out := slices.Clone(local)

	for _, rc := range incoming {
		i := slices.IndexFunc(out, func(e models.ReadReceipt) bool { return e.UserID == rc.UserID })
		if i < 0 {
			out = append(out, rc)
			continue
		}

		if !rc.ReadAt.IsZero() && (out[i].ReadAt.IsZero() || rc.ReadAt.Before(out[i].ReadAt)) {
			out[i].ReadAt = rc.ReadAt
		}
	}

	return out
}

// ApplyReadReceipt records that userID read messages. With a messageID
// only that message is marked; otherwise every message in the
// conversation not authored by userID and created no later than at (any
// time, when at is zero) is marked. Applying the same receipt again
// changes nothing. It returns the number of receipts added.
func (r *Reconciler) ApplyReadReceipt(conversationID, messageID, userID string, at time.Time) int {
	if userID == "" {
		r.discarded++
		r.logger.Warn("discarding read receipt without reader", slog.String("conversation_id", conversationID))

		return 0
	}

	if messageID != "" {
		convID, ok := r.index[messageID]
		if !ok {
			r.logger.Debug("read receipt for unknown message", slog.String("message_id", messageID))
			return 0
		}

		seq := r.convs[convID]
		i := slices.IndexFunc(seq, func(e models.Message) bool { return e.ID == messageID })

		if addReceipt(&seq[i], userID, at) {
			return 1
		}

		return 0
	}

	added := 0
	seq := r.convs[conversationID]

	for i := range seq {
		m := &seq[i]
		if m.SenderID == userID {
			continue
		}

		if !at.IsZero() && m.CreatedAt.After(at) {
			continue
		}

		if addReceipt(m, userID, at) {
			added++
		}
	}

	return added
}

func addReceipt(m *models.Message, userID string, at time.Time) bool {
	if m.ReadByUser(userID) {
		return false
	}

	m.ReadBy = append(m.ReadBy, models.ReadReceipt{UserID: userID, ReadAt: at})

	return true
}

// ApplyReactionUpdate replaces the reaction list of the stored message
// with the authoritative list carried by a reaction event. A message not
// yet held is ingested as a live message.
func (r *Reconciler) ApplyReactionUpdate(m models.Message) bool {
	if !r.valid(&m, "reaction") {
		return false
	}

	convID, ok := r.index[m.ID]
	if !ok {
		return r.IngestLive(m)
	}

	seq := r.convs[convID]
	i := slices.IndexFunc(seq, func(e models.Message) bool { return e.ID == m.ID })
	seq[i].Reactions = slices.Clone(m.Reactions)

	return true
}

// Messages returns a copy of the conversation's ordered sequence.
func (r *Reconciler) Messages(conversationID string) []models.Message {
	seq := r.convs[conversationID]
	out := make([]models.Message, len(seq))

	for i, m := range seq {
		out[i] = m.Clone()
	}

	return out
}

// Message looks up a message by ID in any conversation.
func (r *Reconciler) Message(id string) (models.Message, bool) {
	convID, ok := r.index[id]
	if !ok {
		return models.Message{}, false
	}

	for _, m := range r.convs[convID] {
		if m.ID == id {
			return m.Clone(), true
		}
	}

	return models.Message{}, false
}

// Oldest returns the earliest known message of a conversation, the cursor
// for fetching the next older history page.
func (r *Reconciler) Oldest(conversationID string) (models.Message, bool) {
	seq := r.convs[conversationID]
	if len(seq) == 0 {
		return models.Message{}, false
	}

	return seq[0].Clone(), true
}

// Newest returns the latest known message of a conversation.
func (r *Reconciler) Newest(conversationID string) (models.Message, bool) {
	seq := r.convs[conversationID]
	if len(seq) == 0 {
		return models.Message{}, false
	}

	return seq[len(seq)-1].Clone(), true
}

// Len returns the number of messages held for a conversation.
func (r *Reconciler) Len(conversationID string) int {
	return len(r.convs[conversationID])
}

// Conversations returns the IDs of conversations holding messages.
func (r *Reconciler) Conversations() []string {
	out := make([]string, 0, len(r.convs))
	for id, seq := range r.convs {
		if len(seq) > 0 {
			out = append(out, id)
		}
	}

	slices.Sort(out)

	return out
}

// Evict drops a conversation's sequence from memory.
func (r *Reconciler) Evict(conversationID string) {
	for _, m := range r.convs[conversationID] {
		delete(r.index, m.ID)
	}

	delete(r.convs, conversationID)
}

// Discarded returns how many malformed inputs have been dropped.
func (r *Reconciler) Discarded() int {
	return r.discarded
}
