package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/lessonloop/chatsync/internal/state"
)

// Config holds all environment-based configuration for chatsync.
type Config struct {
	// Persistence channel base URL, e.g. https://chat.example.com/api.
	APIURL string `env:"CHAT_API_URL"`

	// Push channel WebSocket URL. Derived from APIURL when empty.
	WSURL string `env:"CHAT_WS_URL"`

	// Bearer token for both channels.
	Token string `env:"CHAT_TOKEN"`

	// ID of the local user.
	UserID string `env:"CHAT_USER_ID"`

	// Push channel reconnect budget.
	ReconnectAttempts int           `env:"RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectDelay    time.Duration `env:"RECONNECT_DELAY" envDefault:"1s"`

	TypingTimeout      time.Duration `env:"TYPING_TIMEOUT" envDefault:"5s"`
	MaxAttachmentBytes int64         `env:"MAX_ATTACHMENT_BYTES" envDefault:"26214400"`

	// Local cache. Defaults to ~/.chatsync/cache.db.
	CachePath                    string `env:"CACHE_PATH"`
	CacheMessagesPerConversation int    `env:"CACHE_MESSAGES_PER_CONVERSATION" envDefault:"200"`

	// Directory watched for files to send. Disabled when empty.
	OutboxDir string `env:"OUTBOX_DIR"`

	// MCP server settings (required when MCP is enabled)
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`
	MCPAPIKeyHash string `env:"MCP_API_KEY_HASH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.WSURL == "" {
		ws, err := DeriveWSURL(cfg.APIURL)
		if err != nil {
			return nil, err
		}

		cfg.WSURL = ws
	}

	if cfg.CachePath == "" {
		cfg.CachePath = state.DefaultPath()
	}

	if cfg.OutboxDir != "" {
		absDir, err := filepath.Abs(cfg.OutboxDir)
		if err != nil {
			return nil, fmt.Errorf("resolving outbox dir to absolute path: %w", err)
		}

		cfg.OutboxDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("CHAT_API_URL is required")
	}

	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("CHAT_API_URL must be an http(s) URL")
	}

	if c.WSURL != "" {
		if u, err := url.Parse(c.WSURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("CHAT_WS_URL must be a ws(s) URL")
		}
	}

	if c.Token == "" {
		return fmt.Errorf("CHAT_TOKEN is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("CHAT_USER_ID is required")
	}

	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("RECONNECT_ATTEMPTS must be at least 1")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be positive")
	}

	if c.TypingTimeout <= 0 {
		return fmt.Errorf("TYPING_TIMEOUT must be positive")
	}

	if c.MaxAttachmentBytes <= 0 {
		return fmt.Errorf("MAX_ATTACHMENT_BYTES must be positive")
	}

	if c.CacheMessagesPerConversation < 1 {
		return fmt.Errorf("CACHE_MESSAGES_PER_CONVERSATION must be at least 1")
	}

	if c.EnableMCP && c.MCPAPIKeyHash == "" {
		return fmt.Errorf("MCP_API_KEY_HASH is required when MCP is enabled")
	}

	return nil
}

// DeriveWSURL maps the persistence channel URL onto the push channel:
// http becomes ws, https becomes wss, and /ws is appended to the path.
func DeriveWSURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("deriving websocket url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("deriving websocket url: unsupported scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""

	return u.String(), nil
}
