package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore keeps messages in one sorted set per conversation, scored by
// creation time in milliseconds, and users and conversations as JSON strings.
// Each kind of record has its own key namespace so no id can address a key of
// another kind.
type RedisStore struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisStore connects to redisURL and checks the connection.
func NewRedisStore(ctx context.Context, redisURL string, log zerolog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{client: client, log: log.With().Str("component", "redis-store").Logger()}, nil
}

func chatMessagesKey(conversationID string) string { return "chatmsgs:" + conversationID }
func redisUserKey(id string) string                { return "user:" + id }
func redisConversationKey(id string) string        { return "chatmeta:" + id }

// AppendMessage stores msg and returns the id assigned to it.
func (s *RedisStore) AppendMessage(ctx context.Context, msg Message) (string, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.ID = ulid.Make().String()

	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	err = s.client.ZAdd(ctx, chatMessagesKey(msg.ConversationID), redis.Z{
		Score:  float64(msg.CreatedAt.UnixMilli()),
		Member: string(data),
	}).Err()
	if err != nil {
		return "", fmt.Errorf("append message to %s: %w", msg.ConversationID, err)
	}
	return msg.ID, nil
}

// ListMessages returns up to limit messages older than cursor, newest first.
// The cursor is "{millis}:{id}" of the last message of the previous page; the
// id resumes paging inside a millisecond shared by several messages.
func (s *RedisStore) ListMessages(ctx context.Context, conversationID, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = 20
	}
	key := chatMessagesKey(conversationID)

	maxScore := "+inf"
	var results []string
	if cursor != "" {
		score, afterID, err := parseRedisCursor(cursor)
		if err != nil {
			return Page{}, err
		}
		// Members sharing the cursor's score come back in a stable order, so the
		// ones after the cursor's message are the unread rest of that millisecond.
		same, err := s.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{Min: score, Max: score}).Result()
		if err != nil {
			return Page{}, fmt.Errorf("list messages of %s: %w", conversationID, err)
		}
		for i, data := range same {
			var msg Message
			if json.Unmarshal([]byte(data), &msg) == nil && msg.ID == afterID {
				results = append(results, same[i+1:]...)
				break
			}
		}
		maxScore = "(" + score
	}

	// One extra entry tells whether an older page exists.
	if len(results) <= limit {
		older, err := s.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   maxScore,
			Count: int64(limit + 1 - len(results)),
		}).Result()
		if err != nil {
			return Page{}, fmt.Errorf("list messages of %s: %w", conversationID, err)
		}
		results = append(results, older...)
	}

	var page Page
	for _, data := range results {
		var msg Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("skipping undecodable message")
			continue
		}
		page.Messages = append(page.Messages, msg)
	}
	if len(page.Messages) > limit {
		page.Messages = page.Messages[:limit]
		last := page.Messages[limit-1]
		page.NextCursor = fmt.Sprintf("%d:%s", last.CreatedAt.UnixMilli(), last.ID)
	}
	return page, nil
}

func parseRedisCursor(cursor string) (score, id string, err error) {
	score, id, ok := strings.Cut(cursor, ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("invalid cursor %q", cursor)
	}
	if _, err := strconv.ParseInt(score, 10, 64); err != nil {
		return "", "", fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	return score, id, nil
}

// MembersOf returns the member ids of a conversation.
func (s *RedisStore) MembersOf(ctx context.Context, conversationID string) ([]string, error) {
	var conv Conversation
	if err := s.get(ctx, redisConversationKey(conversationID), &conv); err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	return conv.MemberIDs, nil
}

// GetUser returns a directory entry.
func (s *RedisStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	if err := s.get(ctx, redisUserKey(userID), &user); err != nil {
		return User{}, fmt.Errorf("user %s: %w", userID, err)
	}
	return user, nil
}

// PutUser creates or replaces a directory entry.
func (s *RedisStore) PutUser(ctx context.Context, user User) error {
	return s.put(ctx, redisUserKey(user.ID), user)
}

// PutConversation creates or replaces a conversation.
func (s *RedisStore) PutConversation(ctx context.Context, conv Conversation) error {
	return s.put(ctx, redisConversationKey(conv.ID), conv)
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.log.Info().Msg("closing redis store")
	return s.client.Close()
}

func (s *RedisStore) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

func (s *RedisStore) get(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
