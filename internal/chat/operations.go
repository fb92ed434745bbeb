package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lessonloop/chatsync/internal/api"
	chaterrors "github.com/lessonloop/chatsync/internal/errors"
	"github.com/lessonloop/chatsync/internal/models"
	"github.com/lessonloop/chatsync/internal/protocol"
	"github.com/lessonloop/chatsync/internal/reactions"
	"github.com/lessonloop/chatsync/internal/receipts"
)

var (
	errMissingMessage = errors.New("event carries no message")
	errMissingID      = errors.New("event carries no id")
)

// LoadConversations fetches the conversation list and merges it into the
// directory.
func (e *Engine) LoadConversations(ctx context.Context) error {
	convs, err := e.store.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}

	return e.call(ctx, func() {
		for _, c := range convs {
			e.dir.Upsert(c)
		}

		e.notify(Change{Kind: ChangeConversations})
	})
}

// CreateConversation creates a conversation with the given participants.
// A single participant and no name makes a direct conversation; anything
// else is a group.
func (e *Engine) CreateConversation(ctx context.Context, participantIDs []string, name, description string) (models.Conversation, error) {
	if len(participantIDs) == 0 {
		return models.Conversation{}, errors.New("creating conversation: no participants")
	}

	kind := models.ConversationGroup
	if len(participantIDs) == 1 && name == "" {
		kind = models.ConversationDirect
	}

	created, err := e.store.CreateConversation(ctx, api.CreateConversationRequest{
		ParticipantIDs: participantIDs,
		Type:           kind,
		Name:           name,
		Description:    description,
	})
	if err != nil {
		return models.Conversation{}, fmt.Errorf("creating conversation: %w", err)
	}

	var out models.Conversation

	err = e.call(ctx, func() {
		e.dir.Upsert(*created)
		out, _ = e.dir.Get(created.ID)
		e.notify(Change{Kind: ChangeConversations, ConversationID: created.ID})
	})

	return out, err
}

// OpenConversation makes a conversation the one being viewed: the
// previous room is left, the new one joined, and the newest history page
// fetched and merged. It returns the merged sequence. Opening does not
// mark the conversation read.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	var (
		prev  string
		found bool
	)

	err := e.call(ctx, func() {
		if _, found = e.dir.Get(conversationID); !found {
			return
		}

		prev = e.dir.Open()
		e.dir.SetOpen(conversationID)
	})
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, fmt.Errorf("opening %s: %w", conversationID, chaterrors.ErrConversationNotFound)
	}

	if prev != "" && prev != conversationID {
		if err := e.pusher.LeaveConversation(ctx, prev); err != nil {
			e.logger.Warn("leaving conversation room",
				slog.String("conversation_id", prev),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := e.pusher.JoinConversation(ctx, conversationID); err != nil {
		e.logger.Warn("joining conversation room",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
	}

	if _, err := e.fetchPage(ctx, conversationID, ""); err != nil {
		return nil, err
	}

	return e.Messages(ctx, conversationID)
}

// CloseConversation clears the open conversation and leaves its room.
func (e *Engine) CloseConversation(ctx context.Context) error {
	var open string

	err := e.call(ctx, func() {
		open = e.dir.Open()
		e.dir.SetOpen("")
	})
	if err != nil || open == "" {
		return err
	}

	if err := e.pusher.LeaveConversation(ctx, open); err != nil {
		e.logger.Warn("leaving conversation room",
			slog.String("conversation_id", open),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// LoadOlder fetches the page before the oldest message held for a
// conversation. It returns how many messages were new and whether the
// server has more.
func (e *Engine) LoadOlder(ctx context.Context, conversationID string) (int, bool, error) {
	var before string

	err := e.call(ctx, func() {
		if m, ok := e.msgs.Oldest(conversationID); ok {
			before = m.ID
		}
	})
	if err != nil {
		return 0, false, err
	}

	page, err := e.fetchPage(ctx, conversationID, before)
	if err != nil {
		return 0, false, err
	}

	return page.added, page.hasMore, nil
}

type pageResult struct {
	added   int
	hasMore bool
}

// fetchPage loads one history page and merges it on the loop. An empty
// before fetches the newest page.
func (e *Engine) fetchPage(ctx context.Context, conversationID, before string) (pageResult, error) {
	page, err := e.store.ListMessages(ctx, conversationID, before, e.cfg.PageSize)
	if err != nil {
		return pageResult{}, fmt.Errorf("loading messages for %s: %w", conversationID, err)
	}

	var res pageResult

	err = e.call(ctx, func() {
		res.added = e.ingestPage(conversationID, page.Messages)

		// The newest page says nothing about older history once older
		// pages have been loaded.
		if _, known := e.hasMore[conversationID]; before != "" || !known {
			e.hasMore[conversationID] = page.HasMore
		}

		res.hasMore = e.hasMore[conversationID]

		if res.added > 0 {
			e.notify(Change{Kind: ChangeMessages, ConversationID: conversationID})
		}
	})

	return res, err
}

// MarkRead marks every message in a conversation read by the local user:
// the unread counter is zeroed at once, receipts are applied locally, and
// the read is announced on both channels.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	var (
		ev    protocol.MarkRead
		found bool
	)

	err := e.call(ctx, func() {
		if _, found = e.dir.Get(conversationID); !found {
			return
		}

		// Everything held is read, even when the local clock is behind
		// the server's timestamps.
		at := e.cfg.Now()
		if newest, ok := e.msgs.Newest(conversationID); ok && newest.CreatedAt.After(at) {
			at = newest.CreatedAt
		}

		ev = e.receipts.MarkRead(conversationID, at)
		e.msgs.ApplyReadReceipt(conversationID, "", e.cfg.UserID, at)

		if e.dir.MarkRead(conversationID) {
			e.notify(Change{Kind: ChangeConversations, ConversationID: conversationID})
		}

		e.notify(Change{Kind: ChangeReceipts, ConversationID: conversationID})
	})
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("marking %s read: %w", conversationID, chaterrors.ErrConversationNotFound)
	}

	e.broadcast(ctx, protocol.EventMarkRead, ev)

	if err := e.store.MarkConversationRead(ctx, conversationID); err != nil {
		return fmt.Errorf("marking %s read: %w", conversationID, err)
	}

	return nil
}

// MarkMessageRead marks a single message read by the local user.
func (e *Engine) MarkMessageRead(ctx context.Context, messageID string) error {
	var (
		ev    protocol.MarkMessageRead
		found bool
	)

	err := e.call(ctx, func() {
		var m models.Message
		if m, found = e.msgs.Message(messageID); !found {
			return
		}

		now := e.cfg.Now()
		ev = e.receipts.MarkMessageRead(m, now)

		if e.msgs.ApplyReadReceipt(m.ConversationID, m.ID, e.cfg.UserID, now) > 0 {
			e.notify(Change{Kind: ChangeReceipts, ConversationID: m.ConversationID})
		}
	})
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("marking %s read: %w", messageID, chaterrors.ErrMessageNotFound)
	}

	e.broadcast(ctx, protocol.EventMarkMessageRead, ev)

	return nil
}

// ToggleReaction flips the local user's emoji reaction on a message. The
// change is requested on both channels; the reaction list shown only
// changes once the server's updated message is merged.
func (e *Engine) ToggleReaction(ctx context.Context, messageID, emoji string) (reactions.Toggle, error) {
	if emoji == "" {
		return reactions.Toggle{}, errors.New("toggling reaction: empty emoji")
	}

	var (
		toggle reactions.Toggle
		found  bool
	)

	err := e.call(ctx, func() {
		var m models.Message
		if m, found = e.msgs.Message(messageID); !found {
			return
		}

		toggle = e.reactions.Toggle(m, emoji, e.cfg.Now())
	})
	if err != nil {
		return reactions.Toggle{}, err
	}

	if !found {
		return reactions.Toggle{}, fmt.Errorf("toggling reaction on %s: %w", messageID, chaterrors.ErrMessageNotFound)
	}

	e.broadcast(ctx, toggle.Action.Event(), toggle.Request())

	var updated *models.Message
	if toggle.Action == reactions.ActionRemove {
		updated, err = e.store.RemoveReaction(ctx, messageID, emoji)
	} else {
		updated, err = e.store.AddReaction(ctx, messageID, emoji)
	}

	bg := context.WithoutCancel(ctx)

	if err != nil {
		_ = e.call(bg, func() { e.reactions.Fail(messageID, emoji) })
		return toggle, fmt.Errorf("%s reaction on %s: %w", toggle.Action, messageID, err)
	}

	if updated == nil {
		return toggle, nil
	}

	return toggle, e.call(bg, func() { e.applyReactions(*updated) })
}

// StartTyping tells the other participants the local user is typing.
func (e *Engine) StartTyping(ctx context.Context, conversationID string) error {
	return e.pusher.Send(ctx, protocol.EventTypingStart, protocol.Typing{ConversationID: conversationID, UserID: e.cfg.UserID})
}

// StopTyping tells the other participants the local user stopped typing.
func (e *Engine) StopTyping(ctx context.Context, conversationID string) error {
	return e.pusher.Send(ctx, protocol.EventTypingStop, protocol.Typing{ConversationID: conversationID, UserID: e.cfg.UserID})
}

// Evict drops a conversation and everything derived from it from the
// active set and the cache. A later sync may discover it again.
func (e *Engine) Evict(ctx context.Context, conversationID string) error {
	var wasOpen bool

	err := e.call(ctx, func() {
		wasOpen = e.dir.Open() == conversationID
		e.dir.Evict(conversationID)
		e.msgs.Evict(conversationID)
		e.receipts.Forget(conversationID)
		e.typing.Clear(conversationID)
		delete(e.hasMore, conversationID)
		e.notify(Change{Kind: ChangeConversations, ConversationID: conversationID})
	})
	if err != nil {
		return err
	}

	if e.cache != nil {
		if err := e.cache.DeleteConversation(conversationID); err != nil {
			e.logger.Warn("evicting cached conversation",
				slog.String("conversation_id", conversationID),
				slog.String("error", err.Error()),
			)
		}
	}

	if !wasOpen {
		return nil
	}

	return e.pusher.LeaveConversation(ctx, conversationID)
}

// broadcast sends a push event. Push delivery is never confirmed, so a
// failure is only logged.
func (e *Engine) broadcast(ctx context.Context, event string, payload any) {
	if err := e.pusher.Send(ctx, event, payload); err != nil {
		e.logger.Debug("push event not sent",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// Conversations returns the directory, newest activity first, optionally
// filtered.
func (e *Engine) Conversations(ctx context.Context, filter string) ([]models.Conversation, error) {
	var out []models.Conversation
	err := e.call(ctx, func() { out = e.dir.List(filter) })

	return out, err
}

// Conversation returns one directory entry.
func (e *Engine) Conversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var (
		c     models.Conversation
		found bool
	)

	if err := e.call(ctx, func() { c, found = e.dir.Get(conversationID) }); err != nil {
		return c, err
	}

	if !found {
		return c, fmt.Errorf("conversation %s: %w", conversationID, chaterrors.ErrConversationNotFound)
	}

	return c, nil
}

// Messages returns a copy of a conversation's reconciled sequence.
func (e *Engine) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var out []models.Message
	err := e.call(ctx, func() { out = e.msgs.Messages(conversationID) })

	return out, err
}

// HasMore reports whether older history is known to exist.
func (e *Engine) HasMore(ctx context.Context, conversationID string) (bool, error) {
	var more bool
	err := e.call(ctx, func() { more = e.hasMore[conversationID] })

	return more, err
}

// TypingUsers returns the users currently typing in a conversation.
func (e *Engine) TypingUsers(ctx context.Context, conversationID string) ([]string, error) {
	var out []string
	err := e.call(ctx, func() { out = e.typing.Typing(conversationID) })

	return out, err
}

// Watermarks returns each reader's latest read time in a conversation.
func (e *Engine) Watermarks(ctx context.Context, conversationID string) (map[string]time.Time, error) {
	var out map[string]time.Time
	err := e.call(ctx, func() { out = e.receipts.Watermarks(conversationID) })

	return out, err
}

// ReadUpTo returns the last held message of a conversation that userID
// has a receipt on. ok is false when userID has read none of them.
func (e *Engine) ReadUpTo(ctx context.Context, conversationID, userID string) (m models.Message, ok bool, err error) {
	err = e.call(ctx, func() { m, ok = receipts.ReadUpTo(e.msgs.Messages(conversationID), userID) })

	return m, ok, err
}

// PendingReactions returns the local user's unconfirmed toggles on a
// message.
func (e *Engine) PendingReactions(ctx context.Context, messageID string) ([]reactions.Toggle, error) {
	var out []reactions.Toggle
	err := e.call(ctx, func() { out = e.reactions.Pending(messageID) })

	return out, err
}

// Stats returns counters describing the engine's state.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var s Stats

	err := e.call(ctx, func() {
		s = Stats{
			Conversations: e.dir.Len(),
			TotalUnread:   e.dir.TotalUnread(),
			Outgoing:      len(e.outgoing),
			Discarded:     e.msgs.Discarded(),
			Malformed:     e.malformed.Load(),
		}
	})

	return s, err
}

// Connected reports whether the push channel is up.
func (e *Engine) Connected() bool {
	return e.pusher.Connected()
}
