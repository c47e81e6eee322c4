// Package presence tracks which users currently hold live connections.
//
// A Table maps a user identifier to the set of connection handles that user has
// open. A user is present in the table if and only if it has at least one handle,
// so removing the last handle is the signal that the user went offline. Several
// handles per user are allowed (one per device).
//
// The table is sharded by user id. Register and Unregister lock a single shard;
// OnlineUserIDs read-locks every shard in index order so it observes one
// consistent snapshot of the key set.
package presence

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the shard count used by New.
const DefaultShards = 32

type shard[H comparable] struct {
	mu    sync.RWMutex
	users map[string]map[H]struct{}
}

// Table is a concurrent user id -> connection handle set mapping.
// The zero value is not usable; construct tables with New or NewWithShards.
type Table[H comparable] struct {
	shards []*shard[H]
}

// New creates a Table with DefaultShards shards.
func New[H comparable]() *Table[H] {
	return NewWithShards[H](DefaultShards)
}

// NewWithShards creates a Table with n shards. Values below 1 are treated as 1.
func NewWithShards[H comparable](n int) *Table[H] {
	if n < 1 {
		n = 1
	}
	shards := make([]*shard[H], n)
	for i := range shards {
		shards[i] = &shard[H]{users: make(map[string]map[H]struct{})}
	}
	return &Table[H]{shards: shards}
}

func (t *Table[H]) shardFor(userID string) *shard[H] {
	return t.shards[xxhash.Sum64String(userID)%uint64(len(t.shards))]
}

// Register adds handle to the user's connection set, creating the entry when the
// user has none. It reports whether this call brought the user online. Registering
// the same handle twice is a no-op.
func (t *Table[H]) Register(userID string, handle H) bool {
	s := t.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userID]
	if !ok {
		conns = make(map[H]struct{}, 1)
		s.users[userID] = conns
	}
	conns[handle] = struct{}{}
	return !ok
}

// Unregister removes handle from the user's connection set and deletes the entry
// once the set is empty. It reports whether this call took the user offline, which
// is true for exactly one call per online period. Unknown users and handles are
// ignored, so it is safe to call for a handle whose registration never happened.
func (t *Table[H]) Unregister(userID string, handle H) bool {
	s := t.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userID]
	if !ok {
		return false
	}
	if _, ok := conns[handle]; !ok {
		return false
	}
	delete(conns, handle)
	if len(conns) > 0 {
		return false
	}
	delete(s.users, userID)
	return true
}

// ConnectionsFor returns the union of live handles of the given users. Users
// without an entry contribute nothing. The order of the result is unspecified.
func (t *Table[H]) ConnectionsFor(userIDs []string) []H {
	seen := make(map[string]struct{}, len(userIDs))
	var handles []H
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		s := t.shardFor(userID)
		s.mu.RLock()
		for h := range s.users[userID] {
			handles = append(handles, h)
		}
		s.mu.RUnlock()
	}
	return handles
}

// OnlineUserIDs returns the ids of every user holding at least one connection,
// sorted so that presence payloads are deterministic.
func (t *Table[H]) OnlineUserIDs() []string {
	for _, s := range t.shards {
		s.mu.RLock()
	}
	ids := make([]string, 0)
	for _, s := range t.shards {
		for id := range s.users {
			ids = append(ids, id)
		}
	}
	for i := len(t.shards) - 1; i >= 0; i-- {
		t.shards[i].mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}

// IsOnline reports whether the user holds at least one connection.
func (t *Table[H]) IsOnline(userID string) bool {
	s := t.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok
}

// ConnectionCount returns the number of handles registered for the user.
func (t *Table[H]) ConnectionCount(userID string) int {
	s := t.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID])
}

// Len returns the number of online users.
func (t *Table[H]) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.users)
		s.mu.RUnlock()
	}
	return n
}
