// Package typing tracks which participants are currently typing in each
// conversation.
//
// Each (conversation, user) entry is either absent or typing with an
// expiry time. A start event inserts or refreshes the entry, a stop event
// removes it, and an entry whose expiry has passed is treated as absent
// even if no stop ever arrives.
package typing

import (
	"slices"
	"time"
)

// DefaultTimeout is how long a typing indicator lasts without a refresh.
const DefaultTimeout = 5 * time.Second

// Tracker holds typing state. It is not safe for concurrent use; the sync
// engine calls it from its event loop only.
type Tracker struct {
	selfID  string
	timeout time.Duration
	now     func() time.Time

	// convs maps conversation ID to user ID to expiry.
	convs map[string]map[string]time.Time
}

// New creates a Tracker for the local user selfID, whose own typing
// echoes are ignored. timeout <= 0 uses DefaultTimeout; now nil uses
// time.Now.
func New(selfID string, timeout time.Duration, now func() time.Time) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if now == nil {
		now = time.Now
	}

	return &Tracker{
		selfID:  selfID,
		timeout: timeout,
		now:     now,
		convs:   make(map[string]map[string]time.Time),
	}
}

// Timeout returns the expiry window.
func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}

// Apply records an inbound typing event. It reports whether the visible
// set of typing users changed.
func (t *Tracker) Apply(conversationID, userID string, isTyping bool) bool {
	if conversationID == "" || userID == "" || userID == t.selfID {
		return false
	}

	now := t.now()
	users := t.convs[conversationID]

	if !isTyping {
		exp, ok := users[userID]
		if !ok {
			return false
		}

		delete(users, userID)

		if len(users) == 0 {
			delete(t.convs, conversationID)
		}

		return exp.After(now)
	}

	if users == nil {
		users = make(map[string]time.Time)
		t.convs[conversationID] = users
	}

	exp, had := users[userID]
	users[userID] = now.Add(t.timeout)

	return !had || !exp.After(now)
}

// Typing returns the users typing in a conversation, sorted, excluding
// expired entries.
func (t *Tracker) Typing(conversationID string) []string {
	now := t.now()

	var out []string

	for user, exp := range t.convs[conversationID] {
		if exp.After(now) {
			out = append(out, user)
		}
	}

	slices.Sort(out)

	return out
}

// Prune removes expired entries and returns the conversations whose
// visible set changed.
func (t *Tracker) Prune() []string {
	now := t.now()

	var changed []string

	for conv, users := range t.convs {
		n := len(users)
		for user, exp := range users {
			if !exp.After(now) {
				delete(users, user)
			}
		}

		if len(users) != n {
			changed = append(changed, conv)
		}

		if len(users) == 0 {
			delete(t.convs, conv)
		}
	}

	slices.Sort(changed)

	return changed
}

// NextExpiry returns the earliest pending expiry, or false when nobody is
// typing. The engine uses it to schedule the next Prune.
func (t *Tracker) NextExpiry() (time.Time, bool) {
	var next time.Time

	found := false

	for _, users := range t.convs {
		for _, exp := range users {
			if !found || exp.Before(next) {
				next = exp
				found = true
			}
		}
	}

	return next, found
}

// Clear drops all typing state for a conversation.
func (t *Tracker) Clear(conversationID string) {
	delete(t.convs, conversationID)
}
