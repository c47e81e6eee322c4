//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks

// Package store holds the durable side of the chat service: the append-only
// message log, conversation membership and the user directory. Two backends are
// provided, an embedded BadgerDB store and a Redis store.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a user or conversation does not exist.
var ErrNotFound = errors.New("not found")

// Message is the durable, normalized form of a chat message. ID is assigned by
// the store on append.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// User is a directory entry.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Conversation is a chat and its members.
type Conversation struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	MemberIDs []string `json:"memberIds"`
}

// Page is one page of history, newest message first. NextCursor is empty when no
// older messages remain.
type Page struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// MessageLog is the durable, append-only message log.
type MessageLog interface {
	AppendMessage(ctx context.Context, msg Message) (string, error)
	ListMessages(ctx context.Context, conversationID, cursor string, limit int) (Page, error)
}

// MembershipResolver translates a conversation id into its member user ids.
type MembershipResolver interface {
	MembersOf(ctx context.Context, conversationID string) ([]string, error)
}

// UserDirectory looks up user profiles.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (User, error)
}

// Store is the full backend surface used by the service.
type Store interface {
	MessageLog
	MembershipResolver
	UserDirectory
	PutUser(ctx context.Context, user User) error
	PutConversation(ctx context.Context, conv Conversation) error
	Ping(ctx context.Context) error
	Close() error
}
