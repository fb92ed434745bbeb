package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lessonloop/chatsync/internal/api"
	"github.com/lessonloop/chatsync/internal/auth"
	"github.com/lessonloop/chatsync/internal/chat"
	"github.com/lessonloop/chatsync/internal/config"
	"github.com/lessonloop/chatsync/internal/logging"
	"github.com/lessonloop/chatsync/internal/mcpserver"
	"github.com/lessonloop/chatsync/internal/outbox"
	"github.com/lessonloop/chatsync/internal/protocol"
	"github.com/lessonloop/chatsync/internal/server"
	"github.com/lessonloop/chatsync/internal/state"
	"github.com/lessonloop/chatsync/internal/transport"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

var Version = "dev"

func main() {
	// Subcommands are handled before config loading where they can be.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "hash-key":
			if err := hashKey(os.Stdout, os.Stderr); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}

			return
		case "snapshot":
			if err := snapshot(os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}

			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashKey generates an API key for the MCP endpoint. The key goes to
// stderr for the operator to hand to clients; the hash for
// MCP_API_KEY_HASH goes to stdout.
func hashKey(stdout, stderr io.Writer) error {
	key, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return err
	}

	fmt.Fprintf(stderr, "API key (shown once): %s\n", key)
	fmt.Fprintln(stdout, hash)

	return nil
}

// snapshot prints the cached state as YAML.
func snapshot(w io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	return writeSnapshot(w, cfg.CachePath, cfg.CacheMessagesPerConversation)
}

func writeSnapshot(w io.Writer, path string, keep int) error {
	if path == "" {
		return errors.New("no cache path configured")
	}

	st, err := state.LoadAt(path, keep)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer st.Close()

	snap, err := st.Snapshot()
	if err != nil {
		return fmt.Errorf("reading cache: %w", err)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	return enc.Close()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chatsync starting",
		slog.String("version", Version),
		slog.String("user_id", cfg.UserID),
		slog.Bool("mcp", cfg.EnableMCP),
		slog.Bool("outbox", cfg.OutboxDir != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cache chat.Cache

	if cfg.CachePath != "" {
		st, err := state.LoadAt(cfg.CachePath, cfg.CacheMessagesPerConversation)
		if err != nil {
			// The cache only speeds up startup.
			logger.Warn("cache unavailable", slog.String("path", cfg.CachePath), slog.String("error", err.Error()))
		} else {
			defer st.Close()

			logger.Info("cache opened", slog.String("path", st.Path()))

			cache = st
		}
	}

	client := api.NewClient(cfg.APIURL, cfg.Token, nil)

	push := transport.New(transport.Config{
		URL:         cfg.WSURL,
		MaxAttempts: cfg.ReconnectAttempts,
		RetryDelay:  cfg.ReconnectDelay,
	}, logger.With(slog.String("component", "transport")))

	engine := chat.New(chat.Config{
		UserID:             cfg.UserID,
		TypingTimeout:      cfg.TypingTimeout,
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
	}, push, client, cache, logger.With(slog.String("component", "engine")))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gctx)
	})

	g.Go(func() error {
		return runPush(gctx, push, cfg, logger)
	})

	g.Go(func() error {
		if err := engine.LoadConversations(gctx); err != nil && gctx.Err() == nil {
			logger.Warn("initial conversation load failed", slog.String("error", err.Error()))
		}

		return nil
	})

	if cfg.OutboxDir != "" {
		w := outbox.New(cfg.OutboxDir, engine, logger.With(slog.String("component", "outbox")), outbox.Options{})

		g.Go(func() error {
			if err := w.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("outbox watcher: %w", err)
			}

			return nil
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, engine, logger)
		})
	}

	return g.Wait()
}

// runPush owns the push channel lifecycle: it connects, and fails the
// service group when the reconnect budget is spent.
func runPush(ctx context.Context, push *transport.Channel, cfg *config.Config, logger *slog.Logger) error {
	if err := push.Connect(ctx, cfg.Token, cfg.UserID); err != nil {
		return err
	}
	defer push.Disconnect()

	exhausted := make(chan protocol.ConnectError, 1)

	off := push.On(protocol.EventConnectError, func(data json.RawMessage) {
		var ev protocol.ConnectError
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Warn("decoding connect_error", slog.String("error", err.Error()))
		}

		select {
		case exhausted <- ev:
		default:
		}
	})
	defer off()

	select {
	case <-ctx.Done():
		return nil
	case ev := <-exhausted:
		return fmt.Errorf("push channel gave up after %d attempts: %s", ev.Attempts, ev.Err)
	}
}

// runMCP serves the MCP tools over HTTP.
func runMCP(ctx context.Context, cfg *config.Config, engine *chat.Engine, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	verifier, err := auth.NewKeyVerifier(cfg.MCPAPIKeyHash)
	if err != nil {
		return fmt.Errorf("MCP_API_KEY_HASH: %w", err)
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chatsync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, engine)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Verifier:   verifier,
		MCPHandler: mcpHandler,
		Logger:     mcpLogger,
		Connected:  engine.Connected,
	})

	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", cfg.MCPListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.MCPListenAddr, err)
	}

	return server.Serve(ctx, ln, mux, mcpLogger)
}
