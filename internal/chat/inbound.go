package chat

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/lessonloop/chatsync/internal/models"
	"github.com/lessonloop/chatsync/internal/protocol"
)

// subscribe registers the engine's push channel handlers.
func (e *Engine) subscribe() {
	on := func(event string, h func(json.RawMessage)) {
		e.unsubs = append(e.unsubs, e.pusher.On(event, h))
	}

	on(protocol.EventNewMessage, decode(e, protocol.EventNewMessage, e.onMessage))
	on(protocol.EventMessageSent, decode(e, protocol.EventMessageSent, e.onMessage))
	on(protocol.EventUserTyping, decode(e, protocol.EventUserTyping, e.onTyping))
	on(protocol.EventMessagesRead, decode(e, protocol.EventMessagesRead, e.onRead))
	on(protocol.EventMessageRead, decode(e, protocol.EventMessageRead, e.onRead))
	on(protocol.EventReactionAdded, decode(e, protocol.EventReactionAdded, e.onReaction))
	on(protocol.EventReactionRemoved, decode(e, protocol.EventReactionRemoved, e.onReaction))
	on(protocol.EventConversationUpdated, decode(e, protocol.EventConversationUpdated, e.onConversation))
	on(protocol.EventError, decode(e, protocol.EventError, e.onServerError))

	on(protocol.EventConnect, func(json.RawMessage) {
		e.post(func() { e.notify(Change{Kind: ChangeConnection}) })
	})
	on(protocol.EventDisconnect, func(data json.RawMessage) {
		var d protocol.Disconnect
		_ = json.Unmarshal(data, &d)

		e.logger.Info("push channel disconnected", slog.String("reason", d.Reason))
		e.post(func() { e.notify(Change{Kind: ChangeConnection}) })
	})
	on(protocol.EventReconnect, func(json.RawMessage) {
		e.post(e.onReconnect)
	})
	on(protocol.EventConnectError, func(data json.RawMessage) {
		var ce protocol.ConnectError
		_ = json.Unmarshal(data, &ce)

		e.logger.Error("push channel gave up connecting",
			slog.Int("attempts", ce.Attempts),
			slog.String("error", ce.Err),
		)
		e.post(func() { e.notify(Change{Kind: ChangeConnection}) })
	})
}

// onMessage handles new_message and message_sent. Both carry the stored
// message and merge by identity, so an echo of a message this client
// sent is a no-op.
func (e *Engine) onMessage(m models.Message) {
	if !e.msgs.IngestLive(m) {
		return
	}

	if e.dir.RecordMessage(m, e.cfg.UserID) {
		e.notify(Change{Kind: ChangeConversations, ConversationID: m.ConversationID})
	}

	// A message from a typing user ends their indicator.
	if e.typing.Apply(m.ConversationID, m.SenderID, false) {
		e.notify(Change{Kind: ChangeTyping, ConversationID: m.ConversationID})
	}

	e.notify(Change{Kind: ChangeMessages, ConversationID: m.ConversationID})
}

func (e *Engine) onTyping(ev protocol.UserTyping) {
	if e.typing.Apply(ev.ConversationID, ev.UserID, ev.IsTyping) {
		e.notify(Change{Kind: ChangeTyping, ConversationID: ev.ConversationID})
	}
}

// onRead handles messages_read and message_read.
func (e *Engine) onRead(ev protocol.ReadEvent) {
	convID := ev.ConversationID
	if ev.MessageID != "" {
		if m, ok := e.msgs.Message(ev.MessageID); ok {
			convID = m.ConversationID
		}
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = e.cfg.Now()
	}

	added := e.msgs.ApplyReadReceipt(convID, ev.MessageID, ev.UserID, at)
	moved := e.receipts.Observe(convID, ev.UserID, at)

	// Our own read from another device clears the local counter.
	if ev.UserID == e.cfg.UserID && ev.MessageID == "" && e.dir.MarkRead(convID) {
		e.notify(Change{Kind: ChangeConversations, ConversationID: convID})
	}

	if added > 0 || moved {
		e.notify(Change{Kind: ChangeReceipts, ConversationID: convID})
	}
}

func (e *Engine) onReaction(ev protocol.ReactionEvent) {
	if ev.Message == nil {
		e.countMalformed("reaction", errMissingMessage)
		return
	}

	m := *ev.Message
	if m.ID == "" {
		m.ID = ev.MessageID
	}

	e.applyReactions(m)
}

// applyReactions merges an authoritative reaction list and settles the
// pending toggles it satisfies.
func (e *Engine) applyReactions(m models.Message) {
	if m.ConversationID == "" {
		if stored, ok := e.msgs.Message(m.ID); ok {
			m.ConversationID = stored.ConversationID
		}
	}

	if !e.msgs.ApplyReactionUpdate(m) {
		return
	}

	if stored, ok := e.msgs.Message(m.ID); ok {
		e.reactions.Confirm(stored)
		e.notify(Change{Kind: ChangeReactions, ConversationID: stored.ConversationID})
	}
}

// onConversation merges conversation_updated. An update without
// unreadCount refreshes the other fields and keeps the local counter.
func (e *Engine) onConversation(u protocol.ConversationUpdate) {
	if u.ID == "" {
		e.countMalformed(protocol.EventConversationUpdated, errMissingID)
		return
	}

	if u.HasUnreadCount {
		e.dir.Upsert(u.Conversation)
	} else {
		e.dir.Update(u.Conversation)
	}

	e.notify(Change{Kind: ChangeConversations, ConversationID: u.ID})
}

func (e *Engine) onServerError(ev protocol.ErrorEvent) {
	e.logger.Warn("push channel error", slog.String("message", ev.Message))
}

// onReconnect fills the gap left by the outage: the conversation list is
// fetched again and so is the newest page of the open conversation. Both
// merge by identity, so overlap with what is already held is harmless.
func (e *Engine) onReconnect() {
	e.notify(Change{Kind: ChangeConnection})

	open := e.dir.Open()

	e.spawn(func(ctx context.Context) {
		if err := e.LoadConversations(ctx); err != nil {
			e.logger.Warn("resync conversations after reconnect", slog.String("error", err.Error()))
		}

		if open == "" {
			return
		}

		if _, err := e.fetchPage(ctx, open, ""); err != nil {
			e.logger.Warn("resync messages after reconnect",
				slog.String("conversation_id", open),
				slog.String("error", err.Error()),
			)
		}
	})
}
