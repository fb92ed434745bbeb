// Package reactions decides what a reaction toggle does and tracks toggles
// that are waiting for the server to confirm them.
//
// Per message, each (user, emoji) pair is either present or absent. A
// toggle flips it. The local decision is only a request: the reaction
// list applied by the reconciler from the next server event is the truth.
package reactions

import (
	"slices"
	"strings"
	"time"

	"github.com/lessonloop/chatsync/internal/models"
	"github.com/lessonloop/chatsync/internal/protocol"
)

// Action is what a toggle asks the server to do.
type Action int

const (
	ActionAdd Action = iota
	ActionRemove
)

func (a Action) String() string {
	if a == ActionRemove {
		return "remove"
	}

	return "add"
}

// Event returns the push channel event carrying the action.
func (a Action) Event() string {
	if a == ActionRemove {
		return protocol.EventRemoveReaction
	}

	return protocol.EventAddReaction
}

// Decide returns the action toggling emoji for userID on m: remove when
// the pair is present, add otherwise.
func Decide(m models.Message, userID, emoji string) Action {
	if m.HasReaction(userID, emoji) {
		return ActionRemove
	}

	return ActionAdd
}

// Toggle is a requested reaction change not yet confirmed by the server.
type Toggle struct {
	MessageID string
	Emoji     string
	Action    Action
	At        time.Time
}

// Request returns the push channel payload for the toggle.
func (t Toggle) Request() protocol.ReactionRequest {
	return protocol.ReactionRequest{MessageID: t.MessageID, Emoji: t.Emoji}
}

// satisfiedBy reports whether m already reflects the toggle.
func (t Toggle) satisfiedBy(m models.Message, userID string) bool {
	return m.HasReaction(userID, t.Emoji) == (t.Action == ActionAdd)
}

// Machine tracks in-flight toggles of the local user. It is not safe for
// concurrent use.
type Machine struct {
	selfID  string
	pending map[string]map[string]Toggle
}

// New creates a Machine for the local user selfID.
func New(selfID string) *Machine {
	return &Machine{
		selfID:  selfID,
		pending: make(map[string]map[string]Toggle),
	}
}

// Toggle decides the action for emoji on m and records it as pending. A
// toggle already in flight for the same emoji counts as the current
// state, so toggling twice quickly asks for add then remove.
func (r *Machine) Toggle(m models.Message, emoji string, at time.Time) Toggle {
	action := Decide(m, r.selfID, emoji)

	if prev, ok := r.pending[m.ID][emoji]; ok {
		action = ActionRemove
		if prev.Action == ActionRemove {
			action = ActionAdd
		}
	}

	t := Toggle{MessageID: m.ID, Emoji: emoji, Action: action, At: at}

	byEmoji := r.pending[m.ID]
	if byEmoji == nil {
		byEmoji = make(map[string]Toggle)
		r.pending[m.ID] = byEmoji
	}

	byEmoji[emoji] = t

	return t
}

// Confirm clears the pending toggles that the authoritative message now
// reflects and returns them.
func (r *Machine) Confirm(m models.Message) []Toggle {
	byEmoji := r.pending[m.ID]

	var done []Toggle

	for emoji, t := range byEmoji {
		if t.satisfiedBy(m, r.selfID) {
			done = append(done, t)
			delete(byEmoji, emoji)
		}
	}

	if len(byEmoji) == 0 {
		delete(r.pending, m.ID)
	}

	sortToggles(done)

	return done
}

// Fail drops a pending toggle whose request could not be delivered.
func (r *Machine) Fail(messageID, emoji string) {
	byEmoji := r.pending[messageID]
	delete(byEmoji, emoji)

	if len(byEmoji) == 0 {
		delete(r.pending, messageID)
	}
}

// Pending returns the in-flight toggles for a message, sorted by emoji.
func (r *Machine) Pending(messageID string) []Toggle {
	out := make([]Toggle, 0, len(r.pending[messageID]))
	for _, t := range r.pending[messageID] {
		out = append(out, t)
	}

	sortToggles(out)

	return out
}

func sortToggles(ts []Toggle) {
	slices.SortFunc(ts, func(a, b Toggle) int { return strings.Compare(a.Emoji, b.Emoji) })
}
