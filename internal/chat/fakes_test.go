package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lessonloop/chatsync/internal/api"
	chaterrors "github.com/lessonloop/chatsync/internal/errors"
	"github.com/lessonloop/chatsync/internal/models"
	"github.com/lessonloop/chatsync/internal/state"
	"github.com/lessonloop/chatsync/internal/transport"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// --- push channel ---

type sentEvent struct {
	event string
	data  json.RawMessage
}

type fakePusher struct {
	mu        sync.Mutex
	handlers  map[string]map[int]transport.Handler
	nextID    int
	sent      []sentEvent
	joined    []string
	left      []string
	connected bool
}

func newFakePusher() *fakePusher {
	return &fakePusher{handlers: make(map[string]map[int]transport.Handler), connected: true}
}

func (p *fakePusher) Send(_ context.Context, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return fmt.Errorf("sending %s: %w", event, chaterrors.ErrNotConnected)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	p.sent = append(p.sent, sentEvent{event: event, data: data})

	return nil
}

func (p *fakePusher) JoinConversation(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.joined = append(p.joined, id)

	return nil
}

func (p *fakePusher) LeaveConversation(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.left = append(p.left, id)

	return nil
}

func (p *fakePusher) On(event string, h transport.Handler) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := p.nextID

	if p.handlers[event] == nil {
		p.handlers[event] = make(map[int]transport.Handler)
	}

	p.handlers[event][id] = h

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		delete(p.handlers[event], id)
	}
}

func (p *fakePusher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.connected
}

// emit delivers an inbound event the way the transport does: handlers run
// on the caller's goroutine.
func (p *fakePusher) emit(t *testing.T, event string, payload any) {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	p.emitRaw(event, data)
}

func (p *fakePusher) emitRaw(event string, data []byte) {
	p.mu.Lock()
	hs := make([]transport.Handler, 0, len(p.handlers[event]))
	for _, h := range p.handlers[event] {
		hs = append(hs, h)
	}
	p.mu.Unlock()

	for _, h := range hs {
		h(data)
	}
}

func (p *fakePusher) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.sent))
	for _, s := range p.sent {
		out = append(out, s.event)
	}

	return out
}

func (p *fakePusher) handlerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, hs := range p.handlers {
		n += len(hs)
	}

	return n
}

// --- persistence channel ---

type fakeStore struct {
	mu sync.Mutex

	convs    []models.Conversation
	pages    map[string]*api.MessagePage
	messages map[string]models.Message

	sendFn      func(conversationID string, req api.SendMessageRequest) (*models.Message, error)
	reactionErr error

	nextID     int
	uploads    int
	sends      []api.SendMessageRequest
	reads      []string
	listCalls  int
	pageCalls  []string
	reactCalls []string
}

func newFakeStore(convs ...models.Conversation) *fakeStore {
	return &fakeStore{
		convs:    convs,
		pages:    make(map[string]*api.MessagePage),
		messages: make(map[string]models.Message),
	}
}

func pageKey(conversationID, before string) string {
	return conversationID + "|" + before
}

func (s *fakeStore) setPage(conversationID, before string, hasMore bool, msgs ...models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages[pageKey(conversationID, before)] = &api.MessagePage{Messages: msgs, HasMore: hasMore}

	for _, m := range msgs {
		s.messages[m.ID] = m
	}
}

func (s *fakeStore) ListConversations(context.Context) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listCalls++

	return slices.Clone(s.convs), nil
}

func (s *fakeStore) CreateConversation(_ context.Context, req api.CreateConversationRequest) (*models.Conversation, error) {
	c := &models.Conversation{ID: "new-" + strings.Join(req.ParticipantIDs, "-"), Type: req.Type, Name: req.Name, UpdatedAt: t0}
	for _, id := range req.ParticipantIDs {
		c.Participants = append(c.Participants, models.Participant{ID: id})
	}

	return c, nil
}

func (s *fakeStore) ListMessages(_ context.Context, conversationID, before string, _ int) (*api.MessagePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pageCalls = append(s.pageCalls, pageKey(conversationID, before))

	if p, ok := s.pages[pageKey(conversationID, before)]; ok {
		return &api.MessagePage{Messages: slices.Clone(p.Messages), HasMore: p.HasMore}, nil
	}

	return &api.MessagePage{}, nil
}

func (s *fakeStore) SendMessage(_ context.Context, conversationID string, req api.SendMessageRequest) (*models.Message, error) {
	s.mu.Lock()
	s.sends = append(s.sends, req)
	s.nextID++
	n := s.nextID
	fn := s.sendFn
	s.mu.Unlock()

	if fn != nil {
		return fn(conversationID, req)
	}

	m := &models.Message{
		ID:             fmt.Sprintf("m%d", n),
		ConversationID: conversationID,
		SenderID:       "me",
		Content:        req.Content,
		Type:           req.Type,
		Attachments:    req.Attachments,
		ReplyTo:        req.ReplyTo,
		CreatedAt:      t0.Add(time.Duration(n) * time.Minute),
	}

	return m, nil
}

func (s *fakeStore) UploadAttachment(_ context.Context, req api.UploadRequest) (*api.UploadResponse, error) {
	s.mu.Lock()
	s.uploads++
	s.mu.Unlock()

	if strings.HasPrefix(req.Filename, "bad") {
		return nil, &api.TransientError{Err: errors.New("upload gateway timeout")}
	}

	return &api.UploadResponse{
		Filename:    req.Filename,
		URL:         "https://files.test/" + req.Filename,
		Size:        int64(len(req.File)),
		ContentType: req.ContentType,
	}, nil
}

func (s *fakeStore) MarkConversationRead(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads = append(s.reads, conversationID)

	return nil
}

func (s *fakeStore) react(messageID, emoji string, add bool) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reactCalls = append(s.reactCalls, fmt.Sprintf("%t:%s:%s", add, messageID, emoji))

	if s.reactionErr != nil {
		return nil, s.reactionErr
	}

	m, ok := s.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, chaterrors.ErrMessageNotFound)
	}

	m = m.Clone()
	m.Reactions = slices.DeleteFunc(m.Reactions, func(r models.Reaction) bool {
		return r.UserID == "me" && r.Emoji == emoji
	})

	if add {
		m.Reactions = append(m.Reactions, models.Reaction{UserID: "me", Emoji: emoji})
	}

	s.messages[messageID] = m

	return &m, nil
}

func (s *fakeStore) AddReaction(_ context.Context, messageID, emoji string) (*models.Message, error) {
	return s.react(messageID, emoji, true)
}

func (s *fakeStore) RemoveReaction(_ context.Context, messageID, emoji string) (*models.Message, error) {
	return s.react(messageID, emoji, false)
}

func (s *fakeStore) listCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listCalls
}

func (s *fakeStore) addConversation(c models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.convs = append(s.convs, c)
}

func (s *fakeStore) sentRequests() []api.SendMessageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.sends)
}

// --- cache ---

type fakeCache struct {
	mu      sync.Mutex
	snap    *state.Snapshot
	saved   []*state.Snapshot
	reads   int
	deleted []string
}

func (c *fakeCache) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snap == nil {
		return ""
	}

	return c.snap.UserID
}

func (c *fakeCache) Snapshot() (*state.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reads++

	if c.snap == nil {
		return &state.Snapshot{}, nil
	}

	return c.snap, nil
}

func (c *fakeCache) SaveSnapshot(snap *state.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.saved = append(c.saved, snap)

	return nil
}

func (c *fakeCache) DeleteConversation(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deleted = append(c.deleted, conversationID)

	return nil
}

func (c *fakeCache) last() *state.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.saved) == 0 {
		return nil
	}

	return c.saved[len(c.saved)-1]
}

// --- harness ---

type harness struct {
	e      *Engine
	pusher *fakePusher
	store  *fakeStore
	cache  *fakeCache
}

func newHarness(t *testing.T, cfg Config, store *fakeStore, cache *fakeCache) *harness {
	t.Helper()

	if cfg.UserID == "" {
		cfg.UserID = "me"
	}

	if store == nil {
		store = newFakeStore()
	}

	h := &harness{pusher: newFakePusher(), store: store, cache: cache}

	var c Cache
	if cache != nil {
		c = cache
	}

	h.e = New(cfg, h.pusher, store, c, slogt.New(t))

	return h
}

// start runs the engine and returns a function that stops it and waits
// for Run to return.
func (h *harness) start(t *testing.T) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- h.e.Run(ctx) }()

	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func conversation(id string, participants ...string) models.Conversation {
	c := models.Conversation{ID: id, Type: models.ConversationGroup, Name: "Conversation " + id, UpdatedAt: t0}
	for _, p := range participants {
		c.Participants = append(c.Participants, models.Participant{ID: p})
	}

	return c
}

func message(id, convID, sender string, offset time.Duration) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		Content:        "content of " + id,
		Type:           models.KindText,
		CreatedAt:      t0.Add(offset),
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}

	return out
}
