// Package directory keeps the list of conversations the user belongs to,
// their last-message previews and unread counters.
package directory

import (
	"slices"
	"strings"

	"github.com/lessonloop/chatsync/internal/models"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Directory is the conversation list. It is not safe for concurrent use;
// the sync engine calls it from its event loop only.
type Directory struct {
	convs map[string]*models.Conversation
	// counted holds, per conversation, the message IDs already considered
	// for the unread counter so a message is counted at most once.
	counted map[string]map[string]struct{}
	open    string
}

// New creates an empty Directory.
func New() *Directory {
	return &Directory{
		convs:   make(map[string]*models.Conversation),
		counted: make(map[string]map[string]struct{}),
	}
}

// Upsert merges a conversation received from the server. Fields the
// server left empty keep their local value. The unread counter is taken
// from the server unless the conversation is currently open.
func (d *Directory) Upsert(c models.Conversation) {
	d.merge(c, true)
}

// Update merges a partial conversation whose unread count was not sent.
// The local counter is kept.
func (d *Directory) Update(c models.Conversation) {
	d.merge(c, false)
}

func (d *Directory) merge(c models.Conversation, withUnread bool) {
	if c.ID == "" {
		return
	}

	cur, ok := d.convs[c.ID]
	if !ok {
		next := c.Clone()
		if d.open == c.ID {
			next.UnreadCount = 0
		}

		d.convs[c.ID] = &next

		return
	}

	if c.Type != "" {
		cur.Type = c.Type
	}

	if len(c.Participants) > 0 {
		cur.Participants = slices.Clone(c.Participants)
	}

	if c.Name != "" {
		cur.Name = c.Name
	}

	if c.Description != "" {
		cur.Description = c.Description
	}

	if c.LastMessage != nil && newer(c.LastMessage, cur.LastMessage) {
		lm := *c.LastMessage
		cur.LastMessage = &lm
	}

	if c.UpdatedAt.After(cur.UpdatedAt) {
		cur.UpdatedAt = c.UpdatedAt
	}

	if withUnread && d.open != c.ID {
		cur.UnreadCount = max(c.UnreadCount, 0)
	}
}

// newer reports whether a should replace b as the last-message preview.
func newer(a, b *models.MessageSummary) bool {
	if b == nil {
		return true
	}

	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}

	return a.ID >= b.ID
}

// RecordMessage updates the preview for a new message and counts it as
// unread when it was written by someone else and its conversation is not
// open. Each message ID is counted at most once. An unknown conversation
// gets a stub entry so the count is not lost. It reports whether the
// unread counter changed.
func (d *Directory) RecordMessage(m models.Message, selfID string) bool {
	if m.ID == "" || m.ConversationID == "" {
		return false
	}

	c, ok := d.convs[m.ConversationID]
	if !ok {
		c = &models.Conversation{ID: m.ConversationID, UpdatedAt: m.CreatedAt}
		d.convs[m.ConversationID] = c
	}

	if sum := m.Summary(); newer(sum, c.LastMessage) {
		c.LastMessage = sum
	}

	seen := d.counted[m.ConversationID]
	if seen == nil {
		seen = make(map[string]struct{})
		d.counted[m.ConversationID] = seen
	}

	if _, dup := seen[m.ID]; dup {
		return false
	}

	seen[m.ID] = struct{}{}

	if m.SenderID == selfID || d.open == m.ConversationID {
		return false
	}

	c.UnreadCount++

	return true
}

// RecordHistory updates previews from a fetched history page without
// touching unread counters. The page's messages are remembered as counted
// so a late live echo of one of them is not counted either.
func (d *Directory) RecordHistory(conversationID string, page []models.Message) {
	c, ok := d.convs[conversationID]
	if !ok {
		return
	}

	seen := d.counted[conversationID]
	if seen == nil {
		seen = make(map[string]struct{})
		d.counted[conversationID] = seen
	}

	for i := range page {
		m := &page[i]
		if m.ID == "" {
			continue
		}

		seen[m.ID] = struct{}{}

		if sum := m.Summary(); newer(sum, c.LastMessage) {
			c.LastMessage = sum
		}
	}
}

// MarkRead zeroes the unread counter. It reports whether it changed.
func (d *Directory) MarkRead(conversationID string) bool {
	c, ok := d.convs[conversationID]
	if !ok || c.UnreadCount == 0 {
		return false
	}

	c.UnreadCount = 0

	return true
}

// SetOpen records the conversation currently being viewed; empty means
// none. Opening a conversation does not mark it read by itself.
func (d *Directory) SetOpen(conversationID string) {
	d.open = conversationID
}

// Open returns the conversation currently being viewed.
func (d *Directory) Open() string {
	return d.open
}

// Get returns a copy of one conversation.
func (d *Directory) Get(conversationID string) (models.Conversation, bool) {
	c, ok := d.convs[conversationID]
	if !ok {
		return models.Conversation{}, false
	}

	return c.Clone(), true
}

// Evict removes a conversation from the active set. It may be discovered
// again by a later sync.
func (d *Directory) Evict(conversationID string) {
	delete(d.convs, conversationID)
	delete(d.counted, conversationID)

	if d.open == conversationID {
		d.open = ""
	}
}

// Len returns the number of conversations held.
func (d *Directory) Len() int {
	return len(d.convs)
}

// TotalUnread sums the unread counters.
func (d *Directory) TotalUnread() int {
	total := 0
	for _, c := range d.convs {
		total += c.UnreadCount
	}

	return total
}

// List returns conversations ordered by last activity, newest first. A
// non-empty filter keeps only conversations whose name, participant IDs
// or participant names contain it, compared case-insensitively after
// Unicode normalization.
func (d *Directory) List(filter string) []models.Conversation {
	needle := fold(filter)
	out := make([]models.Conversation, 0, len(d.convs))

	for _, c := range d.convs {
		if needle != "" && !matches(c, needle) {
			continue
		}

		out = append(out, c.Clone())
	}

	slices.SortFunc(out, func(a, b models.Conversation) int {
		if c := b.LastActivity().Compare(a.LastActivity()); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	return out
}

func matches(c *models.Conversation, needle string) bool {
	if strings.Contains(fold(c.Name), needle) || strings.Contains(fold(c.Description), needle) {
		return true
	}

	for _, p := range c.Participants {
		if strings.Contains(fold(p.ID), needle) || strings.Contains(fold(p.Name), needle) {
			return true
		}
	}

	return false
}

// fold normalizes s to NFC and applies Unicode case folding, so "ÉLODIE"
// matches "élodie" whether the accent is composed or decomposed.
func fold(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	return cases.Fold().String(norm.NFC.String(s))
}
