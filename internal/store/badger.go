package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// BadgerStore keeps messages, users and conversations in an embedded BadgerDB.
//
// Messages are keyed "msg:{conversation}:{unixnano, 19 digits}:{ulid}" so a prefix
// scan returns a conversation's history in chronological order and the ULID
// separates messages that share a timestamp. The conversation id is base64url
// encoded, so it never contains the ':' separator.
type BadgerStore struct {
	db  *badger.DB
	log zerolog.Logger
}

// OpenBadger opens (or creates) a Badger database at path.
func OpenBadger(path string, log zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.WARNING)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	return NewBadgerStore(db, log), nil
}

// NewBadgerStore wraps an already opened database.
func NewBadgerStore(db *badger.DB, log zerolog.Logger) *BadgerStore {
	return &BadgerStore{db: db, log: log.With().Str("component", "badger-store").Logger()}
}

func messagePrefix(conversationID string) string {
	return "msg:" + base64.RawURLEncoding.EncodeToString([]byte(conversationID)) + ":"
}

func messageKey(msg Message) []byte {
	return []byte(fmt.Sprintf("%s%019d:%s", messagePrefix(msg.ConversationID), msg.CreatedAt.UnixNano(), msg.ID))
}

func userKey(id string) []byte         { return []byte("user:" + id) }
func conversationKey(id string) []byte { return []byte("chat:" + id) }

// AppendMessage stores msg and returns the id assigned to it.
func (s *BadgerStore) AppendMessage(_ context.Context, msg Message) (string, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.ID = ulid.Make().String()

	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg), data)
	})
	if err != nil {
		return "", fmt.Errorf("append message to %s: %w", msg.ConversationID, err)
	}
	return msg.ID, nil
}

// ListMessages returns up to limit messages older than cursor, newest first.
// The cursor is the key suffix of the last message of the previous page.
func (s *BadgerStore) ListMessages(_ context.Context, conversationID, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = 20
	}
	prefix := []byte(messagePrefix(conversationID))

	var page Page
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the largest key <= seek.
		seek := append(append([]byte{}, prefix...), []byte("9999999999999999999")...)
		if cursor != "" {
			seek = append(append([]byte{}, prefix...), []byte(cursor)...)
		}
		it.Seek(seek)
		if cursor != "" && it.ValidForPrefix(prefix) && string(it.Item().Key()[len(prefix):]) == cursor {
			it.Next()
		}

		var last string
		for ; it.ValidForPrefix(prefix); it.Next() {
			if len(page.Messages) == limit {
				page.NextCursor = last
				return nil
			}
			item := it.Item()
			last = string(item.Key()[len(prefix):])
			var msg Message
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &msg) }); err != nil {
				return err
			}
			page.Messages = append(page.Messages, msg)
		}
		return nil
	})
	if err != nil {
		return Page{}, fmt.Errorf("list messages of %s: %w", conversationID, err)
	}
	return page, nil
}

// MembersOf returns the member ids of a conversation.
func (s *BadgerStore) MembersOf(_ context.Context, conversationID string) ([]string, error) {
	var conv Conversation
	if err := s.get(conversationKey(conversationID), &conv); err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	return conv.MemberIDs, nil
}

// GetUser returns a directory entry.
func (s *BadgerStore) GetUser(_ context.Context, userID string) (User, error) {
	var user User
	if err := s.get(userKey(userID), &user); err != nil {
		return User{}, fmt.Errorf("user %s: %w", userID, err)
	}
	return user, nil
}

// PutUser creates or replaces a directory entry.
func (s *BadgerStore) PutUser(_ context.Context, user User) error {
	return s.put(userKey(user.ID), user)
}

// PutConversation creates or replaces a conversation.
func (s *BadgerStore) PutConversation(_ context.Context, conv Conversation) error {
	return s.put(conversationKey(conv.ID), conv)
}

// Ping reports whether the database is still open.
func (s *BadgerStore) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	s.log.Info().Msg("closing badger store")
	return s.db.Close()
}

func (s *BadgerStore) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) get(key []byte, v any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(data []byte) error {
			return json.Unmarshal(data, v)
		})
	})
}
