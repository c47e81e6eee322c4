package realtime

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/Tyrowin/gochat-live/internal/presence"
	"github.com/Tyrowin/gochat-live/internal/protocol"
)

func TestDispatchReachesEveryDevice(t *testing.T) {
	table := presence.New[Conn]()
	d := NewDispatcher(table, zerolog.Nop())

	a1, a2, b := newFakeConn("a1"), newFakeConn("a2"), newFakeConn("b")
	table.Register("alice", a1)
	table.Register("alice", a2)
	table.Register("bob", b)

	n := d.Dispatch([]string{"alice", "carol"}, protocol.KindAlert, map[string]string{"text": "hey"})

	assert.Equal(t, 2, n)
	assert.Equal(t, 1, a1.count(protocol.KindAlert))
	assert.Equal(t, 1, a2.count(protocol.KindAlert))
	assert.Zero(t, b.count(protocol.KindAlert))
}

func TestDispatchSkipsRefusingConnection(t *testing.T) {
	table := presence.New[Conn]()
	d := NewDispatcher(table, zerolog.Nop())

	stale, live := newFakeConn("stale"), newFakeConn("live")
	stale.refuse = true
	table.Register("alice", stale)
	table.Register("bob", live)

	n := d.Dispatch([]string{"alice", "bob"}, protocol.KindRefetchChats, nil)

	assert.Equal(t, 1, n)
	assert.Empty(t, stale.received())
	assert.Equal(t, 1, live.count(protocol.KindRefetchChats))
}

func TestDispatchExceptAndBroadcast(t *testing.T) {
	table := presence.New[Conn]()
	d := NewDispatcher(table, zerolog.Nop())

	a, b := newFakeConn("a"), newFakeConn("b")
	table.Register("alice", a)
	table.Register("bob", b)

	assert.Equal(t, 1, d.DispatchExcept([]string{"alice", "bob"}, "alice", protocol.KindAlert, nil))
	assert.Zero(t, a.count(protocol.KindAlert))
	assert.Equal(t, 1, b.count(protocol.KindAlert))

	assert.Equal(t, 2, d.Broadcast(protocol.KindPresenceOnline, []string{"alice", "bob"}))
	assert.Equal(t, 1, a.count(protocol.KindPresenceOnline))
	assert.Equal(t, 1, b.count(protocol.KindPresenceOnline))
}

func TestDispatchUnencodablePayload(t *testing.T) {
	table := presence.New[Conn]()
	d := NewDispatcher(table, zerolog.Nop())
	a := newFakeConn("a")
	table.Register("alice", a)

	assert.Zero(t, d.Dispatch([]string{"alice"}, protocol.KindAlert, make(chan int)))
	assert.Empty(t, a.received())
}
