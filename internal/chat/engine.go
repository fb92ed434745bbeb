// Package chat composes the sync components into one engine. A single
// event loop goroutine owns the reconciler, directory, typing tracker,
// receipt aggregator and reaction machine; network calls run on the
// caller's goroutine and post their results back to the loop.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lessonloop/chatsync/internal/api"
	"github.com/lessonloop/chatsync/internal/directory"
	chaterrors "github.com/lessonloop/chatsync/internal/errors"
	"github.com/lessonloop/chatsync/internal/models"
	"github.com/lessonloop/chatsync/internal/reactions"
	"github.com/lessonloop/chatsync/internal/receipts"
	"github.com/lessonloop/chatsync/internal/reconcile"
	"github.com/lessonloop/chatsync/internal/state"
	"github.com/lessonloop/chatsync/internal/transport"
	"github.com/lessonloop/chatsync/internal/typing"
	"github.com/lessonloop/chatsync/internal/upload"
)

const (
	// DefaultSnapshotInterval is how often the cache is written while
	// state is changing.
	DefaultSnapshotInterval = 30 * time.Second

	opChanSize  = 256
	subChanSize = 64
)

// Pusher is the push channel as the engine sees it. *transport.Channel
// satisfies it.
type Pusher interface {
	Send(ctx context.Context, event string, payload any) error
	JoinConversation(ctx context.Context, conversationID string) error
	LeaveConversation(ctx context.Context, conversationID string) error
	On(event string, h transport.Handler) func()
	Connected() bool
}

// Store is the persistence channel. *api.Client satisfies it.
type Store interface {
	upload.Uploader
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	CreateConversation(ctx context.Context, req api.CreateConversationRequest) (*models.Conversation, error)
	ListMessages(ctx context.Context, conversationID, before string, limit int) (*api.MessagePage, error)
	SendMessage(ctx context.Context, conversationID string, req api.SendMessageRequest) (*models.Message, error)
	MarkConversationRead(ctx context.Context, conversationID string) error
	AddReaction(ctx context.Context, messageID, emoji string) (*models.Message, error)
	RemoveReaction(ctx context.Context, messageID, emoji string) (*models.Message, error)
}

// Cache persists snapshots between runs. *state.State satisfies it.
type Cache interface {
	UserID() string
	Snapshot() (*state.Snapshot, error)
	SaveSnapshot(snap *state.Snapshot) error
	DeleteConversation(conversationID string) error
}

// Config holds engine settings.
type Config struct {
	UserID             string
	TypingTimeout      time.Duration
	MaxAttachmentBytes int64
	PageSize           int
	SnapshotInterval   time.Duration
	Now                func() time.Time
}

// ChangeKind says which part of the view changed.
type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeMessages      ChangeKind = "messages"
	ChangeTyping        ChangeKind = "typing"
	ChangeReceipts      ChangeKind = "receipts"
	ChangeReactions     ChangeKind = "reactions"
	ChangeOutgoing      ChangeKind = "outgoing"
	ChangeConnection    ChangeKind = "connection"
)

// Change is delivered to subscribers after the view changes.
// ConversationID is empty for changes that are not scoped to one
// conversation.
type Change struct {
	Kind           ChangeKind
	ConversationID string
}

// Stats summarizes engine state.
type Stats struct {
	Conversations int
	TotalUnread   int
	Outgoing      int
	Discarded     int
	Malformed     int64
}

// Engine is the sync engine. All exported methods are safe for
// concurrent use; they block until the event loop started by Run has
// handled them.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	pusher  Pusher
	store   Store
	cache   Cache
	uploads *upload.Pipeline

	ops     chan func()
	stopped chan struct{}
	started atomic.Bool
	unsubs  []func()
	wg      sync.WaitGroup

	malformed atomic.Int64

	subsMu  sync.Mutex
	subs    map[int]chan Change
	nextSub int
	closed  bool

	// Owned by the event loop.
	runCtx    context.Context
	msgs      *reconcile.Reconciler
	dir       *directory.Directory
	typing    *typing.Tracker
	receipts  *receipts.Aggregator
	reactions *reactions.Machine
	hasMore   map[string]bool
	outgoing  map[string]*outgoing
	dirty     bool
}

// New creates an Engine and subscribes it to the push channel's events.
// cache may be nil. Inbound events are queued until Run starts.
func New(cfg Config, pusher Pusher, store Store, cache Cache, logger *slog.Logger) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = api.DefaultPageSize
	}

	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		pusher:    pusher,
		store:     store,
		cache:     cache,
		uploads:   upload.New(store, cfg.MaxAttachmentBytes, logger),
		ops:       make(chan func(), opChanSize),
		stopped:   make(chan struct{}),
		subs:      make(map[int]chan Change),
		runCtx:    context.Background(),
		msgs:      reconcile.New(logger),
		dir:       directory.New(),
		typing:    typing.New(cfg.UserID, cfg.TypingTimeout, cfg.Now),
		receipts:  receipts.New(cfg.UserID),
		reactions: reactions.New(cfg.UserID),
		hasMore:   make(map[string]bool),
		outgoing:  make(map[string]*outgoing),
	}

	e.subscribe()

	return e
}

// Run is the event loop. It returns when ctx is cancelled, after writing
// a final snapshot to the cache.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("sync engine already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	e.runCtx = ctx

	defer e.shutdown(cancel)

	e.seed()

	expiry := time.NewTimer(time.Hour)
	expiry.Stop()

	defer expiry.Stop()

	snapshots := time.NewTicker(e.cfg.SnapshotInterval)
	defer snapshots.Stop()

	for {
		var expired <-chan time.Time
		if next, ok := e.typing.NextExpiry(); ok {
			expiry.Reset(max(next.Sub(e.cfg.Now()), 0))
			expired = expiry.C
		}

		select {
		case op := <-e.ops:
			op()

			e.dirty = true

		case <-expired:
			for _, convID := range e.typing.Prune() {
				e.notify(Change{Kind: ChangeTyping, ConversationID: convID})
			}

		case <-snapshots.C:
			if e.dirty {
				e.persist()
			}

		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Engine) shutdown(cancel context.CancelFunc) {
	cancel()
	close(e.stopped)

	for _, off := range e.unsubs {
		off()
	}

	e.wg.Wait()
	e.persist()

	e.subsMu.Lock()
	e.closed = true
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
	e.subsMu.Unlock()
}

// call runs fn on the event loop and waits for it.
func (e *Engine) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}

	select {
	case e.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return chaterrors.ErrEngineStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return chaterrors.ErrEngineStopped
	}
}

// post queues fn on the event loop without waiting for it. It blocks
// while the queue is full and drops fn once the engine has stopped.
func (e *Engine) post(fn func()) {
	select {
	case e.ops <- fn:
	case <-e.stopped:
	}
}

// spawn runs fn off the loop with the engine's lifetime context. It must
// be called from the loop.
func (e *Engine) spawn(fn func(ctx context.Context)) {
	ctx := e.runCtx

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

// Subscribe returns a channel of view changes and a function that cancels
// the subscription. Changes are dropped for a subscriber whose buffer is
// full. The channel is closed when the engine stops.
func (e *Engine) Subscribe() (<-chan Change, func()) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	ch := make(chan Change, subChanSize)
	if e.closed {
		close(ch)
		return ch, func() {}
	}

	e.nextSub++
	id := e.nextSub
	e.subs[id] = ch

	return ch, func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()

		if sub, ok := e.subs[id]; ok {
			close(sub)
			delete(e.subs, id)
		}
	}
}

func (e *Engine) notify(c Change) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	for _, ch := range e.subs {
		select {
		case ch <- c:
		default:
			e.logger.Debug("subscriber buffer full, dropping change", slog.String("kind", string(c.Kind)))
		}
	}
}

func (e *Engine) countMalformed(event string, err error) {
	e.malformed.Add(1)
	e.logger.Warn("discarding malformed event",
		slog.String("event", event),
		slog.String("error", err.Error()),
	)
}

// decode builds a push channel handler that decodes the payload into T
// and applies it on the event loop.
func decode[T any](e *Engine, event string, apply func(T)) transport.Handler {
	return func(data json.RawMessage) {
		var v T
		if len(data) == 0 {
			e.countMalformed(event, errors.New("missing payload"))
			return
		}

		if err := json.Unmarshal(data, &v); err != nil {
			e.countMalformed(event, err)
			return
		}

		e.post(func() { apply(v) })
	}
}

// seed loads the cached snapshot, if any, into the loop-owned state.
func (e *Engine) seed() {
	if e.cache == nil {
		return
	}

	if owner := e.cache.UserID(); owner != "" && owner != e.cfg.UserID {
		e.logger.Info("ignoring cache of another user", slog.String("cached_user", owner))
		return
	}

	snap, err := e.cache.Snapshot()
	if err != nil {
		e.logger.Warn("reading cache", slog.String("error", err.Error()))
		return
	}

	for _, c := range snap.Conversations {
		e.dir.Upsert(c)
	}

	for convID, msgs := range snap.Messages {
		e.ingestPage(convID, msgs)
	}

	e.logger.Info("seeded from cache",
		slog.Int("conversations", len(snap.Conversations)),
		slog.Int("message_conversations", len(snap.Messages)),
		slog.Time("saved_at", snap.SavedAt),
	)
}

// persist writes a snapshot of the loop-owned state to the cache.
func (e *Engine) persist() {
	if e.cache == nil {
		return
	}

	snap := &state.Snapshot{
		UserID:        e.cfg.UserID,
		SavedAt:       e.cfg.Now(),
		Conversations: e.dir.List(""),
		Messages:      make(map[string][]models.Message),
	}

	for _, convID := range e.msgs.Conversations() {
		snap.Messages[convID] = e.msgs.Messages(convID)
	}

	if err := e.cache.SaveSnapshot(snap); err != nil {
		e.logger.Warn("writing cache", slog.String("error", err.Error()))
		return
	}

	e.dirty = false
}

// ingestPage merges a history page and refreshes everything derived from
// it. It runs on the loop.
func (e *Engine) ingestPage(conversationID string, page []models.Message) int {
	added := e.msgs.IngestHistory(conversationID, page)
	e.dir.RecordHistory(conversationID, page)
	e.receipts.ObserveMessages(conversationID, e.msgs.Messages(conversationID))

	return added
}
