// Package state is the local cache: a bbolt database holding the last
// known conversation list and recent messages so a restart can show
// content before the first sync completes. It is an optimization only;
// losing it loses nothing the server does not have.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/lessonloop/chatsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the cache directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the cache database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// DefaultMessagesPerConversation is how many of the newest messages
	// are kept per conversation.
	DefaultMessagesPerConversation = 200

	messagesBucketPrefix = "messages:"
)

var (
	appBucket           = []byte("app")
	userKey             = []byte("user_id")
	savedAtKey          = []byte("saved_at")
	conversationsBucket = []byte("conversations")
)

func messagesBucket(conversationID string) []byte {
	return []byte(messagesBucketPrefix + conversationID)
}

// Snapshot is the cached view of one user's conversations.
type Snapshot struct {
	UserID        string                      `yaml:"user_id"`
	SavedAt       time.Time                   `yaml:"saved_at"`
	Conversations []models.Conversation       `yaml:"conversations"`
	Messages      map[string][]models.Message `yaml:"messages"`
}

// State wraps a bbolt database holding the cache.
type State struct {
	db    *bolt.DB
	keep  int
	path  string
	clock func() time.Time
}

// DefaultPath returns ~/.chatsync/cache.db, or empty when the home
// directory cannot be determined.
func DefaultPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(dir, ".chatsync", "cache.db")
}

// LoadAt opens the cache database at path, creating it if it does not
// exist. keep bounds the messages stored per conversation; keep <= 0
// uses DefaultMessagesPerConversation.
func LoadAt(path string, keep int) (*State, error) {
	if keep <= 0 {
		keep = DefaultMessagesPerConversation
	}

	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(conversationsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing cache db: %w", err)
	}

	return &State{db: db, keep: keep, path: path, clock: time.Now}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *State) Path() string {
	return s.path
}

// UserID returns the user the cache belongs to, or empty.
func (s *State) UserID() string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(userKey); v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}

func (s *State) putMessages(tx *bolt.Tx, conversationID string, msgs []models.Message) error {
	name := messagesBucket(conversationID)
	if tx.Bucket(name) != nil {
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}
	}

	if len(msgs) == 0 {
		return nil
	}

	b, err := tx.CreateBucket(name)
	if err != nil {
		return err
	}

	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshalling message %s: %w", m.ID, err)
		}

		if err := b.Put([]byte(m.ID), data); err != nil {
			return err
		}
	}

	return nil
}

func decodeMessages(b *bolt.Bucket) []models.Message {
	var out []models.Message

	_ = b.ForEach(func(_, v []byte) error {
		var m models.Message
		if json.Unmarshal(v, &m) == nil && m.ID != "" {
			out = append(out, m)
		}

		return nil
	})

	slices.SortFunc(out, func(a, b models.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	return out
}

// DeleteConversation removes a conversation and its messages. Deleting an
// absent conversation is not an error.
func (s *State) DeleteConversation(conversationID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(conversationsBucket).Delete([]byte(conversationID)); err != nil {
			return err
		}

		if tx.Bucket(messagesBucket(conversationID)) == nil {
			return nil
		}

		return tx.DeleteBucket(messagesBucket(conversationID))
	})
}

// SaveSnapshot replaces the whole cache with snap in one transaction.
func (s *State) SaveSnapshot(snap *Snapshot) error {
	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = s.clock()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := s.clear(tx); err != nil {
			return err
		}

		app := tx.Bucket(appBucket)
		if err := app.Put(userKey, []byte(snap.UserID)); err != nil {
			return err
		}

		if err := app.Put(savedAtKey, []byte(savedAt.UTC().Format(time.RFC3339Nano))); err != nil {
			return err
		}

		convs := tx.Bucket(conversationsBucket)

		for _, c := range snap.Conversations {
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("marshalling conversation %s: %w", c.ID, err)
			}

			if err := convs.Put([]byte(c.ID), data); err != nil {
				return err
			}
		}

		for convID, msgs := range snap.Messages {
			if len(msgs) > s.keep {
				msgs = msgs[len(msgs)-s.keep:]
			}

			if err := s.putMessages(tx, convID, msgs); err != nil {
				return err
			}
		}

		return nil
	})
}

// clear empties the conversations bucket and drops every messages bucket.
func (s *State) clear(tx *bolt.Tx) error {
	var stale [][]byte

	err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
		if strings.HasPrefix(string(name), messagesBucketPrefix) {
			stale = append(stale, slices.Clone(name))
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, name := range stale {
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}
	}

	if err := tx.DeleteBucket(conversationsBucket); err != nil {
		return err
	}

	_, err = tx.CreateBucket(conversationsBucket)

	return err
}

// Snapshot reads the whole cache. An empty cache yields an empty snapshot.
func (s *State) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{Messages: make(map[string][]models.Message)}

	err := s.db.View(func(tx *bolt.Tx) error {
		app := tx.Bucket(appBucket)
		snap.UserID = string(app.Get(userKey))

		if v := app.Get(savedAtKey); v != nil {
			if t, err := time.Parse(time.RFC3339Nano, string(v)); err == nil {
				snap.SavedAt = t
			}
		}

		_ = tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var c models.Conversation
			if json.Unmarshal(v, &c) == nil && c.ID != "" {
				snap.Conversations = append(snap.Conversations, c)
			}

			return nil
		})

		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			convID, ok := strings.CutPrefix(string(name), messagesBucketPrefix)
			if !ok {
				return nil
			}

			if msgs := decodeMessages(b); len(msgs) > 0 {
				snap.Messages[convID] = msgs
			}

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading cache: %w", err)
	}

	return snap, nil
}
