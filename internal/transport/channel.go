// Package transport is the push channel: a single WebSocket connection
// carrying JSON event envelopes between the client and the chat server.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	chaterrors "github.com/lessonloop/chatsync/internal/errors"
	"github.com/lessonloop/chatsync/internal/protocol"
)

const (
	DefaultMaxAttempts  = 5
	DefaultRetryDelay   = 1 * time.Second
	DefaultPingInterval = 25 * time.Second

	// readLimit bounds a single inbound frame. Messages carry attachment
	// references, never file content, so this is generous.
	readLimit = 8 * 1024 * 1024

	// idleMultiplier is how many ping intervals of silence are tolerated
	// before the connection is considered dead.
	idleMultiplier = 4

	dialTimeout     = 15 * time.Second
	inboundChanSize = 64
)

var errIdleTimeout = errors.New("no frames received, connection presumed dead")

// wsConn abstracts the WebSocket connection so Channel can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, token string) (wsConn, error)

// Handler receives the raw data of an event. Lifecycle events carry the
// locally marshalled protocol.Disconnect / protocol.ConnectError payloads,
// or nil.
type Handler func(data json.RawMessage)

// Config holds the push channel parameters.
type Config struct {
	URL          string
	MaxAttempts  int
	RetryDelay   time.Duration
	PingInterval time.Duration
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// session is one Connect..Disconnect lifetime. Reconnects happen inside a
// session; a new Connect after Disconnect or a spent retry budget starts a
// new one. Goroutines of a stale session never touch channel state.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// inboundMsg wraps a frame read by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

type subscription struct {
	id uint64
	fn Handler
}

// Channel manages the push connection.
//
// A reader goroutine feeds frames to a per-connection serve loop that
// dispatches them to subscribed handlers and keeps the connection alive
// with pings. Involuntary disconnects are retried a bounded number of
// times with a fixed delay; after a reconnect the user identity and every
// joined room are re-announced.
type Channel struct {
	cfg    Config
	logger *slog.Logger
	dial   dialFunc

	mu     sync.Mutex
	state  connState
	conn   wsConn
	sess   *session
	token  string
	userID string
	rooms  map[string]struct{}

	handlersMu sync.Mutex
	handlers   map[string][]subscription
	nextSubID  uint64

	// writeMu serializes frame writes from Send, room changes and pings.
	writeMu sync.Mutex

	malformed atomic.Int64
}

// New creates a Channel for cfg.URL. Zero-valued retry and ping settings
// fall back to the defaults.
func New(cfg Config, logger *slog.Logger) *Channel {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	return &Channel{
		cfg:      cfg,
		logger:   logger,
		dial:     websocketDialer(cfg.URL),
		rooms:    make(map[string]struct{}),
		handlers: make(map[string][]subscription),
	}
}

// websocketDialer returns a dialFunc that opens a real WebSocket to url,
// presenting token as a bearer credential on the handshake.
func websocketDialer(url string) dialFunc {
	return func(ctx context.Context, token string) (wsConn, error) {
		header := http.Header{}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}

		conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
			HTTPHeader: header,
		})
		if err != nil {
			return nil, fmt.Errorf("dialing websocket: %w", err)
		}

		return conn, nil
	}
}

// Connect establishes the connection and announces userID. It is a no-op
// while a connection is live or being established. A failed dial is
// returned and also raised as connect_error; it is not retried.
func (c *Channel) Connect(ctx context.Context, token, userID string) error {
	c.mu.Lock()
	if c.state != stateDisconnected {
		c.mu.Unlock()
		return nil
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{ctx: sessCtx, cancel: cancel}
	c.sess = sess
	c.state = stateConnecting
	c.token = token
	c.userID = userID
	c.mu.Unlock()

	c.logger.Debug("connecting push channel", slog.String("url", c.cfg.URL))

	conn, err := c.open(ctx, sess)
	if err != nil {
		c.endSession(sess)
		c.emit(protocol.EventConnectError, protocol.ConnectError{Attempts: 1, Err: err.Error()})

		return fmt.Errorf("connecting push channel: %w", err)
	}

	c.logger.Info("push channel connected", slog.String("user_id", userID))
	c.emit(protocol.EventConnect, nil)

	go c.run(sess, conn)

	return nil
}

// Disconnect closes the connection voluntarily. No reconnect is attempted.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	sess, conn := c.sess, c.conn
	wasUp := c.state != stateDisconnected
	c.sess = nil
	c.conn = nil
	c.state = stateDisconnected
	c.mu.Unlock()

	if sess != nil {
		sess.cancel()
	}

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
	}

	if wasUp {
		c.logger.Info("push channel disconnected")
		c.emit(protocol.EventDisconnect, protocol.Disconnect{Reason: "client disconnect"})
	}
}

// Connected reports whether the connection is live.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state == stateConnected
}

// Malformed returns the number of inbound frames discarded because they
// could not be decoded.
func (c *Channel) Malformed() int64 {
	return c.malformed.Load()
}

// Send writes an event. Delivery is never confirmed; when the channel is
// not connected the event is dropped and ErrNotConnected returned.
func (c *Channel) Send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	up := c.state == stateConnected
	c.mu.Unlock()

	if !up || conn == nil {
		c.logger.Debug("dropping event, push channel down", slog.String("event", event))
		return fmt.Errorf("sending %s: %w", event, chaterrors.ErrNotConnected)
	}

	return c.write(ctx, conn, event, payload)
}

// JoinConversation subscribes to a conversation room. Joining an already
// joined room does nothing. The room is remembered and re-joined after
// every reconnect, so joining while disconnected is allowed.
func (c *Channel) JoinConversation(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if _, ok := c.rooms[conversationID]; ok {
		c.mu.Unlock()
		return nil
	}

	c.rooms[conversationID] = struct{}{}
	conn := c.conn
	up := c.state == stateConnected
	c.mu.Unlock()

	if !up {
		return nil
	}

	return c.write(ctx, conn, protocol.EventJoinConversation, protocol.RoomRequest{ConversationID: conversationID})
}

// LeaveConversation unsubscribes from a room. Leaving a room that was
// never joined does nothing.
func (c *Channel) LeaveConversation(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if _, ok := c.rooms[conversationID]; !ok {
		c.mu.Unlock()
		return nil
	}

	delete(c.rooms, conversationID)
	conn := c.conn
	up := c.state == stateConnected
	c.mu.Unlock()

	if !up {
		return nil
	}

	return c.write(ctx, conn, protocol.EventLeaveConversation, protocol.RoomRequest{ConversationID: conversationID})
}

// Rooms returns the joined conversation IDs, sorted.
func (c *Channel) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}

	slices.Sort(out)

	return out
}

// On registers h for event and returns a function that removes it.
// Handlers run on the connection's goroutine and must not block.
func (c *Channel) On(event string, h Handler) func() {
	c.handlersMu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.handlers[event] = append(c.handlers[event], subscription{id: id, fn: h})
	c.handlersMu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			c.handlersMu.Lock()
			defer c.handlersMu.Unlock()

			c.handlers[event] = slices.DeleteFunc(c.handlers[event], func(s subscription) bool {
				return s.id == id
			})
		})
	}
}

// open dials and announces the session owner plus all joined rooms.
func (c *Channel) open(ctx context.Context, sess *session) (wsConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	conn, err := c.dial(dialCtx, token)
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")

		return nil, fmt.Errorf("session closed while dialing: %w", context.Canceled)
	}

	c.conn = conn
	c.state = stateConnected
	userID := c.userID
	rooms := make([]string, 0, len(c.rooms))

	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	slices.Sort(rooms)

	if err := c.announce(sess.ctx, conn, userID, rooms); err != nil {
		c.mu.Lock()
		if c.sess == sess {
			c.conn = nil
			c.state = stateConnecting
		}
		c.mu.Unlock()

		conn.Close(websocket.StatusInternalError, "join failed")

		return nil, err
	}

	return conn, nil
}

func (c *Channel) announce(ctx context.Context, conn wsConn, userID string, rooms []string) error {
	if err := c.write(ctx, conn, protocol.EventJoinUser, protocol.JoinUser{UserID: userID}); err != nil {
		return fmt.Errorf("announcing user: %w", err)
	}

	for _, id := range rooms {
		if err := c.write(ctx, conn, protocol.EventJoinConversation, protocol.RoomRequest{ConversationID: id}); err != nil {
			return fmt.Errorf("rejoining %s: %w", id, err)
		}
	}

	return nil
}

// endSession marks the channel disconnected if sess is still current.
func (c *Channel) endSession(sess *session) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
		c.conn = nil
		c.state = stateDisconnected
	}
	c.mu.Unlock()

	sess.cancel()
}

// run owns one session: it serves the connection and, when it drops
// involuntarily, retries up to MaxAttempts times with a fixed delay.
func (c *Channel) run(sess *session, conn wsConn) {
	for {
		err := c.serve(sess.ctx, conn)
		conn.Close(websocket.StatusGoingAway, "reconnecting")

		if sess.ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		current := c.sess == sess
		if current {
			c.conn = nil
			c.state = stateConnecting
		}
		c.mu.Unlock()

		if !current {
			return
		}

		c.logger.Warn("push channel lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Int("max_attempts", c.cfg.MaxAttempts),
			slog.Duration("delay", c.cfg.RetryDelay),
		)
		c.emit(protocol.EventDisconnect, protocol.Disconnect{Reason: err.Error()})

		next, err := c.redial(sess)
		if err != nil {
			if sess.ctx.Err() != nil {
				return
			}

			c.endSession(sess)
			c.logger.Error("push channel reconnect budget exhausted", slog.String("error", err.Error()))
			c.emit(protocol.EventConnectError, protocol.ConnectError{Attempts: c.cfg.MaxAttempts, Err: err.Error()})

			return
		}

		conn = next

		c.logger.Info("push channel reconnected")
		c.emit(protocol.EventReconnect, nil)
	}
}

func (c *Channel) redial(sess *session) (wsConn, error) {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		timer := time.NewTimer(c.cfg.RetryDelay)
		select {
		case <-sess.ctx.Done():
			timer.Stop()
			return nil, sess.ctx.Err()
		case <-timer.C:
		}

		conn, err := c.open(sess.ctx, sess)
		if err == nil {
			return conn, nil
		}

		if sess.ctx.Err() != nil {
			return nil, sess.ctx.Err()
		}

		lastErr = err
		c.logger.Warn("reconnect attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("giving up after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// startReader launches a goroutine that reads frames from conn until
// ctx is cancelled or a read fails. The read error is delivered as the
// final message.
func (c *Channel) startReader(ctx context.Context, conn wsConn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			typ, data, err := conn.Read(ctx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

// serve processes frames for one connection until it fails or ctx ends.
func (c *Channel) serve(ctx context.Context, conn wsConn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := c.startReader(connCtx, conn)

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	lastFrame := time.Now()

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			lastFrame = time.Now()

			if msg.typ != websocket.MessageText {
				c.logger.Debug("ignoring binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			c.handleFrame(msg.data)

		case <-ticker.C:
			idle := time.Since(lastFrame)
			if idle > c.cfg.PingInterval*idleMultiplier {
				return errIdleTimeout
			}

			if idle >= c.cfg.PingInterval {
				if err := c.write(ctx, conn, protocol.EventPing, nil); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) handleFrame(frame []byte) {
	event, data, err := protocol.Decode(frame)
	if err != nil {
		c.malformed.Add(1)
		c.logger.Warn("discarding malformed frame", slog.String("error", err.Error()))

		return
	}

	switch event {
	case protocol.EventPong:
		return
	case protocol.EventError:
		c.logger.Warn("server reported error", slog.String("data", string(data)))
	}

	c.dispatch(event, data)
}

// emit raises a locally generated event.
func (c *Channel) emit(event string, payload any) {
	var data json.RawMessage

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			c.logger.Error("marshalling lifecycle payload", slog.String("event", event), slog.String("error", err.Error()))
			return
		}

		data = raw
	}

	c.dispatch(event, data)
}

func (c *Channel) dispatch(event string, data json.RawMessage) {
	c.handlersMu.Lock()
	subs := slices.Clone(c.handlers[event])
	c.handlersMu.Unlock()

	for _, s := range subs {
		c.invoke(event, s.fn, data)
	}
}

// invoke runs one handler. A panicking handler is logged and skipped so
// it cannot take down the connection.
func (c *Channel) invoke(event string, h Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked",
				slog.String("event", event),
				slog.Any("panic", r),
			)
		}
	}()

	h(data)
}

func (c *Channel) write(ctx context.Context, conn wsConn, event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("writing %s: %w", event, err)
	}

	return nil
}
