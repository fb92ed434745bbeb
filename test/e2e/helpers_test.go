package e2e_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/lessonloop/chatsync/internal/api"
	"github.com/lessonloop/chatsync/internal/auth"
	"github.com/lessonloop/chatsync/internal/chat"
	"github.com/lessonloop/chatsync/internal/mcpserver"
	"github.com/lessonloop/chatsync/internal/models"
	"github.com/lessonloop/chatsync/internal/protocol"
	"github.com/lessonloop/chatsync/internal/server"
	"github.com/lessonloop/chatsync/internal/transport"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

const (
	testToken  = "e2e-chat-token"
	testUserID = "me"
)

// chatServer is an in-memory chat backend serving both the REST
// persistence channel and the WebSocket push channel.
type chatServer struct {
	mu       sync.Mutex
	convs    []models.Conversation
	messages map[string][]models.Message
	nextID   int
	uploads  []api.UploadRequest
	reads    []string
	events   []protocol.Envelope
	conn     *websocket.Conn
	connCtx  context.Context
}

func newChatServer() *chatServer {
	return &chatServer{
		convs: []models.Conversation{{
			ID:           "c1",
			Type:         models.ConversationGroup,
			Name:         "Launch",
			Participants: []models.Participant{{ID: testUserID}, {ID: "alice"}},
			UpdatedAt:    time.Now().UTC().Add(-time.Hour),
		}},
		messages: map[string][]models.Message{
			"c1": {{
				ID:             "m0",
				ConversationID: "c1",
				SenderID:       "alice",
				Content:        "kickoff at ten",
				Type:           models.KindText,
				CreatedAt:      time.Now().UTC().Add(-time.Hour),
			}},
		},
	}
}

func (s *chatServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /conversations", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		writeJSON(w, api.ConversationListResponse{Conversations: slices.Clone(s.convs)})
	})

	mux.HandleFunc("GET /conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		var page api.MessagePage
		if r.URL.Query().Get("before") == "" {
			page.Messages = slices.Clone(s.messages[r.PathValue("id")])
		}

		writeJSON(w, page)
	})

	mux.HandleFunc("POST /conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var req api.SendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		s.nextID++
		m := models.Message{
			ID:             fmt.Sprintf("m%d", s.nextID),
			ConversationID: r.PathValue("id"),
			SenderID:       testUserID,
			Content:        req.Content,
			Type:           req.Type,
			Attachments:    req.Attachments,
			ReplyTo:        req.ReplyTo,
			CreatedAt:      time.Now().UTC(),
		}
		s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
		s.mu.Unlock()

		// The echo reaches the client before the response does.
		if err := s.send(protocol.EventMessageSent, m); err != nil {
			t.Errorf("pushing message_sent: %v", err)
		}

		writeJSON(w, m)
	})

	mux.HandleFunc("POST /conversations/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.reads = append(s.reads, r.PathValue("id"))
		s.mu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /files/upload", func(w http.ResponseWriter, r *http.Request) {
		var req api.UploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		data, err := base64.StdEncoding.DecodeString(req.File)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		s.uploads = append(s.uploads, req)
		s.mu.Unlock()

		writeJSON(w, api.UploadResponse{
			Filename:    req.Filename,
			URL:         "https://files.test/" + req.Filename,
			Size:        int64(len(data)),
			ContentType: req.ContentType,
		})
	})

	react := func(add bool) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			emoji := r.URL.Query().Get("emoji")
			if add {
				var req api.ReactionRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}

				emoji = req.Emoji
			}

			s.mu.Lock()
			defer s.mu.Unlock()

			for convID, msgs := range s.messages {
				for i, m := range msgs {
					if m.ID != r.PathValue("id") {
						continue
					}

					m.Reactions = slices.DeleteFunc(slices.Clone(m.Reactions), func(rc models.Reaction) bool {
						return rc.UserID == testUserID && rc.Emoji == emoji
					})

					if add {
						m.Reactions = append(m.Reactions, models.Reaction{UserID: testUserID, Emoji: emoji})
					}

					s.messages[convID][i] = m
					writeJSON(w, m)

					return
				}
			}

			http.Error(w, `{"error":"message not found"}`, http.StatusNotFound)
		}
	}

	mux.HandleFunc("POST /messages/{id}/reactions", react(true))
	mux.HandleFunc("DELETE /messages/{id}/reactions", react(false))

	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Logf("accepting websocket: %v", err)
			return
		}

		ctx := context.WithoutCancel(r.Context())

		s.mu.Lock()
		s.conn = conn
		s.connCtx = ctx
		s.mu.Unlock()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}

			var env protocol.Envelope
			if json.Unmarshal(data, &env) == nil {
				s.mu.Lock()
				s.events = append(s.events, env)
				s.mu.Unlock()
			}
		}
	})

	return requireToken(mux)
}

// requireToken rejects REST requests that do not carry the chat token.
func requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" && r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// send writes an event to the connected client.
func (s *chatServer) send(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn, ctx := s.conn, s.connCtx
	s.mu.Unlock()

	if conn == nil {
		return errors.New("no push connection")
	}

	return conn.Write(ctx, websocket.MessageText, frame)
}

// push is send for the test goroutine.
func (s *chatServer) push(t *testing.T, event string, payload any) {
	t.Helper()
	require.NoError(t, s.send(event, payload))
}

func (s *chatServer) eventNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.events))
	for _, e := range s.events {
		names = append(names, e.Event)
	}

	return names
}

func (s *chatServer) readCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.reads)
}

func (s *chatServer) uploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.uploads)
}

func (s *chatServer) stored(convID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.messages[convID])
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// harness holds the full e2e stack: a chat backend, the real push and
// persistence clients, the sync engine, and the MCP HTTP surface.
type harness struct {
	Backend *chatServer
	Engine  *chat.Engine
	Push    *transport.Channel
	MCPURL  string
	APIKey  string
}

// newHarness starts the backend, connects the engine to it, loads the
// conversation list, and serves the MCP tools behind a fresh API key.
func newHarness(t *testing.T) *harness {
	t.Helper()

	backend := newChatServer()
	chatSrv := httptest.NewServer(backend.handler(t))
	t.Cleanup(chatSrv.Close)

	logger := slogt.New(t)

	client := api.NewClient(chatSrv.URL, testToken, nil)
	push := transport.New(transport.Config{
		URL:         "ws" + strings.TrimPrefix(chatSrv.URL, "http") + "/ws",
		MaxAttempts: 2,
		RetryDelay:  50 * time.Millisecond,
	}, logger)

	engine := chat.New(chat.Config{UserID: testUserID}, push, client, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- engine.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	require.NoError(t, push.Connect(t.Context(), testToken, testUserID))
	t.Cleanup(push.Disconnect)

	require.NoError(t, engine.LoadConversations(t.Context()))

	key, err := auth.GenerateAPIKey()
	require.NoError(t, err)

	hash, err := auth.HashAPIKey(key)
	require.NoError(t, err)

	verifier, err := auth.NewKeyVerifier(hash)
	require.NoError(t, err)

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "chatsync-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(mcpServer, engine)

	mux := server.NewMux(server.MuxConfig{
		Verifier: verifier,
		MCPHandler: mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil),
		Logger:    logger,
		Connected: engine.Connected,
	})

	mcpSrv := httptest.NewServer(mux)
	t.Cleanup(mcpSrv.Close)

	return &harness{
		Backend: backend,
		Engine:  engine,
		Push:    push,
		MCPURL:  mcpSrv.URL,
		APIKey:  key,
	}
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	tr := &mcp.StreamableClientTransport{
		Endpoint: h.MCPURL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  http.DefaultTransport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), tr, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callTool calls a tool, requires success, and decodes its JSON text
// content into dest.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.False(t, result.IsError, "tool %s failed: %v", name, result.Content)
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")

	if dest != nil {
		require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
	}
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
