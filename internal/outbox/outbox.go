// Package outbox sends files dropped into a watched directory as chat
// attachments. Each subdirectory of the outbox is named after a
// conversation ID; a file created in it is sent to that conversation once
// writes to it settle, then moved under .sent/.
package outbox

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lessonloop/chatsync/internal/chat"
	"github.com/lessonloop/chatsync/internal/upload"
)

const (
	// SentDir is the subdirectory sent files are moved into.
	SentDir = ".sent"

	outboxDirPerm = fs.FileMode(0o755)

	// DefaultDebounceInterval is how often pending files are checked.
	DefaultDebounceInterval = 500 * time.Millisecond

	// DefaultSettle is how long a file must go without writes before it
	// is sent.
	DefaultSettle = 300 * time.Millisecond
)

// Sender is the part of the sync engine the outbox needs.
// *chat.Engine satisfies it.
type Sender interface {
	Send(ctx context.Context, req chat.SendRequest) (chat.SendResult, error)
	Connected() bool
}

// Options tunes the watcher. Zero values select the defaults.
type Options struct {
	DebounceInterval time.Duration
	Settle           time.Duration
}

// Watcher watches the outbox directory and sends new files.
type Watcher struct {
	dir     string
	sender  Sender
	logger  *slog.Logger
	opts    Options
	watcher *fsnotify.Watcher

	// queued holds files that settled while the push channel was down.
	queued map[string]struct{}
}

// New creates a Watcher for dir.
func New(dir string, sender Sender, logger *slog.Logger, opts Options) *Watcher {
	if opts.DebounceInterval <= 0 {
		opts.DebounceInterval = DefaultDebounceInterval
	}

	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}

	return &Watcher{
		dir:    filepath.Clean(dir),
		sender: sender,
		logger: logger,
		opts:   opts,
		queued: make(map[string]struct{}),
	}
}

// Watch blocks until ctx is cancelled. Files already waiting in the outbox
// when it starts are sent first.
func (w *Watcher) Watch(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.dir, SentDir), outboxDirPerm); err != nil {
		return fmt.Errorf("creating outbox dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	pending := make(map[string]time.Time)

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching outbox dir: %w", err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading outbox dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() && !w.shouldIgnore(entry.Name()) {
			w.addConversation(filepath.Join(w.dir, entry.Name()), pending)
		}
	}

	w.logger.Info("outbox watcher started", slog.String("dir", w.dir))

	ticker := time.NewTicker(w.opts.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			w.handleEvent(event, pending)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			w.drainQueue(ctx)

			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < w.opts.Settle {
					continue
				}

				delete(pending, path)
				w.handleFile(ctx, path)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event, pending map[string]time.Time) {
	if w.shouldIgnore(filepath.Base(event.Name)) {
		return
	}

	parent := filepath.Dir(event.Name)

	switch {
	case event.Has(fsnotify.Create) && parent == w.dir:
		// Lstat so a symlink cannot pull a directory outside the
		// outbox into the watch set.
		info, err := os.Lstat(event.Name)
		if err == nil && info.IsDir() {
			w.addConversation(event.Name, pending)
		}

	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		if filepath.Dir(parent) == w.dir {
			pending[event.Name] = time.Now()
		}

	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		delete(pending, event.Name)
		delete(w.queued, event.Name)
	}
}

// addConversation watches a conversation directory and queues the files
// already in it.
func (w *Watcher) addConversation(dir string, pending map[string]time.Time) {
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Warn("watching conversation dir",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)

		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Warn("reading conversation dir",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)

		return
	}

	for _, entry := range entries {
		if entry.Type().IsRegular() && !w.shouldIgnore(entry.Name()) {
			pending[filepath.Join(dir, entry.Name())] = time.Now()
		}
	}
}

// handleFile sends one settled file. A failed send leaves the file where
// it is; it is sent again the next time it is written or the watcher
// restarts.
func (w *Watcher) handleFile(ctx context.Context, path string) {
	if !w.sender.Connected() {
		w.queued[path] = struct{}{}
		w.logger.Debug("queued file (disconnected)", slog.String("path", path))

		return
	}

	info, err := os.Lstat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("stat failed", slog.String("path", path), slog.String("error", err.Error()))
		}

		return
	}

	if !info.Mode().IsRegular() {
		return
	}

	conversationID := filepath.Base(filepath.Dir(path))

	res, err := w.sender.Send(ctx, chat.SendRequest{
		ConversationID: conversationID,
		Files:          []upload.FileRef{{Path: path}},
	})
	if err != nil {
		w.logger.Warn("sending outbox file failed",
			slog.String("path", path),
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)

		if !w.sender.Connected() {
			w.queued[path] = struct{}{}
		}

		return
	}

	dest, err := w.archive(path, conversationID, res.Message.ID)
	if err != nil {
		w.logger.Warn("archiving sent file",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	w.logger.Info("sent outbox file",
		slog.String("conversation_id", conversationID),
		slog.String("message_id", res.Message.ID),
		slog.String("archived", dest),
	)
}

// archive moves a sent file to .sent/<conversationID>/<messageID>-<name>.
func (w *Watcher) archive(path, conversationID, messageID string) (string, error) {
	dir := filepath.Join(w.dir, SentDir, conversationID)
	if err := os.MkdirAll(dir, outboxDirPerm); err != nil {
		return "", err
	}

	name := filepath.Base(path)
	if messageID != "" {
		name = messageID + "-" + name
	}

	dest := filepath.Join(dir, name)
	if err := os.Rename(path, dest); err != nil {
		return "", err
	}

	return dest, nil
}

// drainQueue sends files that settled while disconnected.
func (w *Watcher) drainQueue(ctx context.Context) {
	if len(w.queued) == 0 || !w.sender.Connected() {
		return
	}

	w.logger.Info("draining queued outbox files", slog.Int("count", len(w.queued)))

	paths := make([]string, 0, len(w.queued))
	for path := range w.queued {
		paths = append(paths, path)
	}

	slices.Sort(paths)

	for _, path := range paths {
		delete(w.queued, path)
		w.handleFile(ctx, path)

		if !w.sender.Connected() {
			break
		}
	}
}

func (w *Watcher) shouldIgnore(base string) bool {
	if strings.HasPrefix(base, ".") {
		return true
	}

	return strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, ".tmp") ||
		strings.HasSuffix(base, ".part")
}
